package utils

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Sentinel-2 scene classification codes.
const (
	ClassNoData       uint8 = 0
	ClassSaturated    uint8 = 1
	ClassDark         uint8 = 2
	ClassCloudShadow  uint8 = 3
	ClassVegetation   uint8 = 4
	ClassNotVegetated uint8 = 5
	ClassWater        uint8 = 6
	ClassUnclassified uint8 = 7
	ClassCloudMedium  uint8 = 8
	ClassCloudHigh    uint8 = 9
	ClassThinCirrus   uint8 = 10
	ClassSnow         uint8 = 11

	// ClassUnknown marks footprint pixels of a scene without a
	// classification layer.
	ClassUnknown uint8 = 255
)

var classNames = map[string]uint8{
	"no_data":       ClassNoData,
	"saturated":     ClassSaturated,
	"dark":          ClassDark,
	"cloud_shadow":  ClassCloudShadow,
	"vegetation":    ClassVegetation,
	"not_vegetated": ClassNotVegetated,
	"water":         ClassWater,
	"unclassified":  ClassUnclassified,
	"cloud_medium":  ClassCloudMedium,
	"cloud_high":    ClassCloudHigh,
	"thin_cirrus":   ClassThinCirrus,
	"snow":          ClassSnow,
	"unknown":       ClassUnknown,
}

// MaskExclusionSet flags the classification codes that never count as a
// valid observation. No-data is always excluded.
type MaskExclusionSet [256]bool

func DefaultMaskExclusion() MaskExclusionSet {
	var m MaskExclusionSet
	m[ClassNoData] = true
	m[ClassSaturated] = true
	return m
}

// ParseMaskExclusion builds an exclusion set from codes, class names and
// the presets "auto", "none" and "strict". Entries may be comma separated.
// An empty list yields the default set.
func ParseMaskExclusion(tokens []string) (MaskExclusionSet, error) {
	var m MaskExclusionSet
	seen := false
	for _, tok := range tokens {
		for _, t := range strings.Split(tok, ",") {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" {
				continue
			}
			seen = true
			switch t {
			case "auto", "default":
				d := DefaultMaskExclusion()
				for i, v := range d {
					m[i] = m[i] || v
				}
				continue
			case "none":
				continue
			case "strict":
				for i := 0; i < 256; i++ {
					c := uint8(i)
					if c != ClassVegetation && c != ClassNotVegetated && c != ClassWater && c != ClassUnknown {
						m[i] = true
					}
				}
				continue
			}

			if code, ok := classNames[strings.ReplaceAll(t, "-", "_")]; ok {
				m[code] = true
				continue
			}
			code, err := strconv.Atoi(t)
			if err != nil || code < 0 || code > 255 {
				return m, fmt.Errorf("Unknown classification code or class name: %q", t)
			}
			m[code] = true
		}
	}
	if !seen {
		return DefaultMaskExclusion(), nil
	}
	m[ClassNoData] = true
	return m, nil
}

func (m *MaskExclusionSet) Excludes(code uint8) bool {
	return m[code]
}

// Codes lists the excluded codes in ascending order.
func (m *MaskExclusionSet) Codes() []int {
	var out []int
	for i, v := range m {
		if v {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

func (m *MaskExclusionSet) String() string {
	codes := m.Codes()
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}
