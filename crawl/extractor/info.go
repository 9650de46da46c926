package extractor

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nci/s2mosaic/utils"
)

const nameTimeLayout = "20060102T150405"

// RuleSet is a named-group pattern over product or granule names.
type RuleSet struct {
	Name    string
	Pattern string
	re      *regexp.Regexp
}

var productRuleSets = []*RuleSet{
	{
		Name:    "s2_product",
		Pattern: `^(?P<platform>S2[A-D])_MSIL(?P<level>1C|2A|03|3A)_(?P<sensed>\d{8}T\d{6})_N(?P<baseline>\d{4})_R(?P<orbit>\d{3})_T(?P<tile>\d{2}[A-Z]{3})_(?P<generation>\d{8}T\d{6})(\.SAFE)?$`,
	},
	{
		Name:    "s2_product_legacy",
		Pattern: `^(?P<platform>S2[A-D])_(OPER|USER)_PRD_MSIL(?P<level>1C|2A|03|3A)_(?P<centre>\w{4})_(?P<generation>\d{8}T\d{6})_R(?P<orbit>\d{3})_V(?P<sensed>\d{8}T\d{6})_\d{8}T\d{6}(\.SAFE)?$`,
	},
}

var granuleRuleSets = []*RuleSet{
	{
		Name:    "s2_granule",
		Pattern: `^L(?P<level>1C|2A|03|3A)_T(?P<tile>\d{2}[A-Z]{3})_A(?P<orbit_abs>\d{6})_(?P<datatake>\d{8}T\d{6})$`,
	},
	{
		Name:    "s2_granule_legacy",
		Pattern: `^(?P<platform>S2[A-D])_(OPER|USER)_MSI_L(?P<level>1C|2A|03|3A)_TL_(?P<centre>\w{4})_(?P<generation>\d{8}T\d{6})_A(?P<orbit_abs>\d{6})_T(?P<tile>\d{2}[A-Z]{3})_N(?P<baseline>\d{2}\.\d{2})$`,
	},
}

func init() {
	for _, rs := range append(append([]*RuleSet{}, productRuleSets...), granuleRuleSets...) {
		rs.re = regexp.MustCompile(rs.Pattern)
	}
}

func parseName(name string, ruleSets []*RuleSet) (*RuleSet, map[string]string) {
	for _, ruleSet := range ruleSets {
		if !ruleSet.re.MatchString(name) {
			continue
		}
		match := ruleSet.re.FindStringSubmatch(name)

		result := make(map[string]string)
		for i, group := range ruleSet.re.SubexpNames() {
			if i != 0 && group != "" {
				result[group] = match[i]
			}
		}
		if lvl, ok := result["level"]; ok && lvl == "03" {
			result["level"] = LevelComposited
		}
		return ruleSet, result
	}
	return nil, nil
}

func parseTime(nameFields map[string]string, field string) time.Time {
	s, ok := nameFields[field]
	if !ok {
		return time.Time{}
	}
	t, err := time.ParseInLocation(nameTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseProductName parses a product (.SAFE) name.
func ParseProductName(name string) (map[string]string, bool) {
	_, fields := parseName(name, productRuleSets)
	return fields, fields != nil
}

// ParseGranuleName parses a granule directory name.
func ParseGranuleName(name string) (map[string]string, bool) {
	_, fields := parseName(name, granuleRuleSets)
	return fields, fields != nil
}

func kindForLevel(level string) ReaderKind {
	switch level {
	case LevelRaw:
		return KindRaw
	case LevelComposited:
		return KindComposited
	default:
		return KindCorrected
	}
}

// ExtractSceneInfo builds the descriptor of one granule directory. A
// scene.yaml descriptor takes precedence over the SAFE layout.
func ExtractSceneInfo(granuleDir string) (*SceneInfo, error) {
	absDir, err := filepath.Abs(granuleDir)
	if err != nil {
		return nil, err
	}

	yamlPath := filepath.Join(absDir, DescriptorFile)
	if _, err := os.Stat(yamlPath); err == nil {
		return ExtractSentinel2Yaml(yamlPath)
	}

	scene, err := extractSafeGranule(absDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", utils.ErrInvalidSceneFormat, absDir, err)
	}
	return scene, nil
}

func extractSafeGranule(granuleDir string) (*SceneInfo, error) {
	granule := filepath.Base(granuleDir)
	scene := &SceneInfo{
		Path:    granuleDir,
		Granule: granule,
		ID:      fmt.Sprintf("%x", md5.Sum([]byte(granuleDir))),
	}

	parent := filepath.Dir(granuleDir)
	if filepath.Base(parent) == "GRANULE" {
		product := filepath.Base(filepath.Dir(parent))
		if fields, ok := ParseProductName(product); ok {
			scene.Product = strings.TrimSuffix(product, ".SAFE")
			scene.Platform = fields["platform"]
			scene.Level = fields["level"]
			scene.Tile = fields["tile"]
			scene.Sensed = parseTime(fields, "sensed")
			scene.Generation = parseTime(fields, "generation")
		}
	}

	if fields, ok := ParseGranuleName(granule); ok {
		if fields["tile"] != "" {
			scene.Tile = fields["tile"]
		}
		if scene.Level == "" {
			scene.Level = fields["level"]
		}
		if scene.Platform == "" {
			scene.Platform = fields["platform"]
		}
		if scene.Generation.IsZero() {
			scene.Generation = parseTime(fields, "generation")
		}
	}

	mtdFile, err := findMetadataFile(granuleDir)
	if err != nil {
		return nil, err
	}
	md, err := parseTileMetadata(mtdFile)
	if err != nil {
		return nil, err
	}
	if !md.Sensed.IsZero() {
		scene.Sensed = md.Sensed
	}
	if scene.Tile == "" && md.TileID != "" {
		if fields, ok := ParseGranuleName(md.TileID); ok {
			scene.Tile = fields["tile"]
		}
	}
	scene.Footprint = md.footprint()
	scene.Grids = md.Grids
	scene.CloudPercent = md.CloudPercent
	scene.NoDataPercent = md.NoDataPercent
	scene.ClearPercent = md.ClearPercent

	switch {
	case scene.Platform == "":
		return nil, fmt.Errorf("platform not recognised")
	case scene.Level == "":
		return nil, fmt.Errorf("processing level not recognised")
	case scene.Tile == "":
		return nil, fmt.Errorf("tile not recognised")
	case scene.Sensed.IsZero():
		return nil, fmt.Errorf("sensing time not recognised")
	}

	scene.Kind = kindForLevel(scene.Level)
	scene.BandFiles, scene.ClassFiles, err = scanLayout(granuleDir, scene.Kind)
	if err != nil {
		return nil, err
	}
	return scene, nil
}
