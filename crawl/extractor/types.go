package extractor

import (
	"fmt"
	"sort"
	"time"
)

// ReaderKind selects how a scene's rasters are laid out on disk.
type ReaderKind string

const (
	KindCorrected  ReaderKind = "corrected"
	KindComposited ReaderKind = "composited"
	KindRaw        ReaderKind = "raw"
	KindDescriptor ReaderKind = "descriptor"
)

// Processing levels.
const (
	LevelRaw        = "1C"
	LevelCorrected  = "2A"
	LevelComposited = "3A"
)

// Footprint is the scene extent in its native CRS.
type Footprint struct {
	EPSG int     `json:"epsg"`
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

func (f Footprint) BBox() []float64 {
	return []float64{f.XMin, f.YMin, f.XMax, f.YMax}
}

func (f Footprint) Valid() bool {
	return f.EPSG > 0 && f.XMax > f.XMin && f.YMax > f.YMin
}

func (f Footprint) Polygon() string {
	return fmt.Sprintf("POLYGON ((%f %f,%f %f,%f %f,%f %f,%f %f))",
		f.XMin, f.YMax, f.XMin, f.YMin, f.XMax, f.YMin, f.XMax, f.YMax, f.XMin, f.YMax)
}

// ResolutionInfo is the granule geocoding at one native resolution.
type ResolutionInfo struct {
	Resolution int     `json:"resolution"`
	Rows       int     `json:"rows"`
	Cols       int     `json:"cols"`
	ULX        float64 `json:"ulx"`
	ULY        float64 `json:"uly"`
	XDim       float64 `json:"xdim"`
	YDim       float64 `json:"ydim"`
}

// SceneInfo describes one granule of one acquisition. Band and
// classification paths are keyed by native resolution in metres.
type SceneInfo struct {
	Path          string                    `json:"path"`
	Product       string                    `json:"product,omitempty"`
	Granule       string                    `json:"granule,omitempty"`
	Platform      string                    `json:"platform"`
	Level         string                    `json:"level"`
	Tile          string                    `json:"tile"`
	Sensed        time.Time                 `json:"sensed"`
	Generation    time.Time                 `json:"generation"`
	Kind          ReaderKind                `json:"kind"`
	Footprint     Footprint                 `json:"footprint"`
	Grids         []ResolutionInfo          `json:"grids,omitempty"`
	CloudPercent  float64                   `json:"cloud_percent"`
	NoDataPercent float64                   `json:"nodata_percent"`
	ClearPercent  float64                   `json:"clear_percent,omitempty"`
	BandFiles     map[int]map[string]string `json:"band_files"`
	ClassFiles    map[int]string            `json:"class_files,omitempty"`
	Index         int                       `json:"index,omitempty"`
	ID            string                    `json:"id,omitempty"`
}

// Identity is the dedup key: platform, tile and acquisition time.
func (s *SceneInfo) Identity() string {
	return fmt.Sprintf("%s_%s_%s", s.Platform, s.Tile, s.Sensed.UTC().Format("20060102T150405"))
}

// Name is a short human readable label for logs and reports.
func (s *SceneInfo) Name() string {
	if s.Product != "" {
		return s.Product
	}
	return s.Identity()
}

// BandPath returns the file of band at the requested resolution, falling
// back to the finest resolution that carries it.
func (s *SceneInfo) BandPath(band string, res int) (string, int, bool) {
	if files, ok := s.BandFiles[res]; ok {
		if p, ok := files[band]; ok {
			return p, res, true
		}
	}
	for _, r := range sortedResolutions(s.BandFiles) {
		if p, ok := s.BandFiles[r][band]; ok {
			return p, r, true
		}
	}
	return "", 0, false
}

// ClassPath follows the same fallback as BandPath for the classification
// layer. Raw scenes have none.
func (s *SceneInfo) ClassPath(res int) (string, int, bool) {
	if p, ok := s.ClassFiles[res]; ok {
		return p, res, true
	}
	keys := make([]int, 0, len(s.ClassFiles))
	for r := range s.ClassFiles {
		keys = append(keys, r)
	}
	sort.Ints(keys)
	for _, r := range keys {
		return s.ClassFiles[r], r, true
	}
	return "", 0, false
}

func sortedResolutions(m map[int]map[string]string) []int {
	keys := make([]int, 0, len(m))
	for r := range m {
		keys = append(keys, r)
	}
	sort.Ints(keys)
	return keys
}
