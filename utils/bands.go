package utils

import (
	"fmt"
	"strings"
)

// Resolutions Sentinel-2 products are delivered at.
var Resolutions = []int{10, 20, 60}

var resolutionBands = map[int][]string{
	10: {"B02", "B03", "B04", "B08"},
	20: {"B02", "B03", "B04", "B05", "B06", "B07", "B8A", "B11", "B12"},
	60: {"B01", "B02", "B03", "B04", "B05", "B06", "B07", "B8A", "B09", "B11", "B12"},
}

// NativeResolution is the resolution each band is sampled at on board.
var NativeResolution = map[string]int{
	"B01": 60, "B02": 10, "B03": 10, "B04": 10, "B05": 20, "B06": 20, "B07": 20,
	"B08": 10, "B8A": 20, "B09": 60, "B10": 60, "B11": 20, "B12": 20,
}

// ResolutionList expands 0 to every supported resolution.
func ResolutionList(res int) ([]int, error) {
	if res == 0 {
		return append([]int(nil), Resolutions...), nil
	}
	if _, ok := resolutionBands[res]; !ok {
		return nil, fmt.Errorf("Resolution must be 0, 10, 20 or 60 m, got %d", res)
	}
	return []int{res}, nil
}

// BandsForResolution returns the default output bands at a resolution.
// When requested is non-empty the result is the subset of requested
// bands available at that resolution, in the default order.
func BandsForResolution(res int, requested []string) ([]string, error) {
	defaults, ok := resolutionBands[res]
	if !ok {
		return nil, fmt.Errorf("Resolution must be 10, 20 or 60 m, got %d", res)
	}
	if len(requested) == 0 {
		return append([]string(nil), defaults...), nil
	}

	want := make(map[string]bool, len(requested))
	for _, b := range requested {
		want[strings.ToUpper(strings.TrimSpace(b))] = true
	}
	var out []string
	for _, b := range defaults {
		if want[b] {
			out = append(out, b)
		}
	}
	return out, nil
}

func IsBand(name string) bool {
	_, ok := NativeResolution[name]
	return ok
}

// TrueColourBands is the red, green, blue triplet.
func TrueColourBands() []string {
	return []string{"B04", "B03", "B02"}
}

// FalseColourBands is the near-infrared, red, green triplet. The narrow
// NIR band B8A stands in for B08 outside 10 m.
func FalseColourBands(res int) []string {
	if res == 10 {
		return []string{"B08", "B04", "B03"}
	}
	return []string{"B8A", "B04", "B03"}
}
