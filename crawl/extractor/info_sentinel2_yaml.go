package extractor

import (
	"crypto/md5"
	"fmt"
	"io/ioutil"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/nci/s2mosaic/utils"
	"gopkg.in/yaml.v2"
)

// DescriptorFile is the analysis ready data descriptor a scene directory
// may carry instead of the SAFE layout.
const DescriptorFile = "scene.yaml"

type ArdBand struct {
	Info struct {
		Geotransform []float64
		Height       int
		Width        int
	}

	Path       string
	Resolution int
}

type ArdPoint struct {
	X float64
	Y float64
}

type ArdMetadata struct {
	Platform   string
	Level      string
	Tile       string
	Generation string

	Extent struct {
		Center_dt string
	}

	Grid_spatial struct {
		Projection struct {
			Geo_ref_Points struct {
				Ll ArdPoint
				Lr ArdPoint
				Ul ArdPoint
				Ur ArdPoint
			}
			Spatial_reference string
		}
	}

	Quality struct {
		Cloud_percent  float64
		Nodata_percent float64
	}

	Image struct {
		Bands map[string]*ArdBand
	}
}

var ardTimeFormats = []string{"2006-01-02T15:04:05Z", "2006-01-02T15:04:05", "2006-01-02 15:04:05", nameTimeLayout}

// ExtractSentinel2Yaml reads a scene.yaml descriptor. Band paths are
// relative to the descriptor. The band named SCL is the classification.
func ExtractSentinel2Yaml(filename string) (*SceneInfo, error) {
	rawData, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidSceneFormat, err)
	}

	ard := ArdMetadata{}
	err = yaml.Unmarshal(rawData, &ard)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", utils.ErrInvalidSceneFormat, filename, err)
	}

	scene, err := ard.sceneInfo(filepath.Dir(filename))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", utils.ErrInvalidSceneFormat, filename, err)
	}
	return scene, nil
}

func (ard *ArdMetadata) sceneInfo(dsPath string) (*SceneInfo, error) {
	scene := &SceneInfo{
		Path:          dsPath,
		Granule:       filepath.Base(dsPath),
		Platform:      strings.ToUpper(strings.TrimSpace(ard.Platform)),
		Level:         strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(ard.Level)), "L"),
		Tile:          strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(ard.Tile)), "T"),
		Kind:          KindDescriptor,
		CloudPercent:  ard.Quality.Cloud_percent,
		NoDataPercent: ard.Quality.Nodata_percent,
		BandFiles:     make(map[int]map[string]string),
		ClassFiles:    make(map[int]string),
		ID:            fmt.Sprintf("%x", md5.Sum([]byte(dsPath))),
	}
	if scene.Level == "03" {
		scene.Level = LevelComposited
	}

	var err error
	scene.Sensed, err = parseArdTime(ard.Extent.Center_dt)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %v", err)
	}
	if ard.Generation != "" {
		scene.Generation, err = parseArdTime(ard.Generation)
		if err != nil {
			return nil, fmt.Errorf("invalid generation: %v", err)
		}
	}

	switch {
	case scene.Platform == "":
		return nil, fmt.Errorf("platform missing")
	case scene.Level == "":
		return nil, fmt.Errorf("level missing")
	case scene.Tile == "":
		return nil, fmt.Errorf("tile missing")
	}

	epsg, err := utils.ExtractEPSGCode(ard.Grid_spatial.Projection.Spatial_reference)
	if err != nil {
		return nil, err
	}
	pts := ard.Grid_spatial.Projection.Geo_ref_Points
	xs := []float64{pts.Ul.X, pts.Ur.X, pts.Ll.X, pts.Lr.X}
	ys := []float64{pts.Ul.Y, pts.Ur.Y, pts.Ll.Y, pts.Lr.Y}
	scene.Footprint = Footprint{
		EPSG: epsg,
		XMin: minOf(xs), XMax: maxOf(xs),
		YMin: minOf(ys), YMax: maxOf(ys),
	}
	if !scene.Footprint.Valid() {
		return nil, fmt.Errorf("empty footprint")
	}

	for name, aband := range ard.Image.Bands {
		if aband == nil || aband.Path == "" {
			continue
		}
		name = strings.ToUpper(name)
		res := aband.Resolution
		if res == 0 && len(aband.Info.Geotransform) > 1 {
			res = int(math.Round(math.Abs(aband.Info.Geotransform[1])))
		}
		if res == 0 {
			res = utils.NativeResolution[name]
		}
		path := aband.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dsPath, path)
		}

		if name == "SCL" {
			if res == 0 {
				res = 20
			}
			scene.ClassFiles[res] = path
			continue
		}
		if !utils.IsBand(name) || res == 0 {
			continue
		}
		if _, ok := scene.BandFiles[res]; !ok {
			scene.BandFiles[res] = make(map[string]string)
		}
		scene.BandFiles[res][name] = path
	}
	if len(scene.BandFiles) == 0 {
		return nil, fmt.Errorf("no bands")
	}
	if scene.Level != LevelRaw && len(scene.ClassFiles) == 0 {
		return nil, fmt.Errorf("no SCL band")
	}
	return scene, nil
}

func parseArdTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, f := range ardTimeFormats {
		if t, err := time.ParseInLocation(f, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse time string: %q", s)
}

func minOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		m = math.Min(m, x)
	}
	return m
}

func maxOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		m = math.Max(m, x)
	}
	return m
}
