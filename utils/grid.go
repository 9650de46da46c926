package utils

import (
	"fmt"
	"math"
)

// gridEpsilon absorbs floating point noise so that an extent which is an
// exact multiple of the resolution never gains an extra pixel.
const gridEpsilon = 1e-6

// GridSpec is the output raster grid. Width and height are derived from
// the extent and always round up to the next whole pixel; the grid is
// anchored on the upper left corner (XMin, YMax).
type GridSpec struct {
	XMin       float64 `json:"xmin"`
	YMin       float64 `json:"ymin"`
	XMax       float64 `json:"xmax"`
	YMax       float64 `json:"ymax"`
	Resolution float64 `json:"resolution"`
	EPSG       int     `json:"epsg"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`

	// Extent is the requested extent before rounding.
	Extent []float64 `json:"extent"`
}

func NewGridSpec(extent []float64, resolution float64, epsg int) (*GridSpec, error) {
	if len(extent) != 4 {
		return nil, fmt.Errorf("Output extent must be xmin,ymin,xmax,ymax, got %d values: %w", len(extent), ErrGridMismatch)
	}
	xMin, yMin, xMax, yMax := extent[0], extent[1], extent[2], extent[3]
	if xMax <= xMin || yMax <= yMin {
		return nil, fmt.Errorf("Output extent %v is empty or inverted: %w", extent, ErrGridMismatch)
	}
	if resolution <= 0 || math.IsNaN(resolution) || math.IsInf(resolution, 0) {
		return nil, fmt.Errorf("Output resolution must be positive, got %v: %w", resolution, ErrGridMismatch)
	}
	if !IsProjectedEPSG(epsg) {
		return nil, fmt.Errorf("EPSG:%d is not a supported projected UTM system: %w", epsg, ErrGridMismatch)
	}

	width := int(math.Ceil((xMax-xMin)/resolution - gridEpsilon))
	height := int(math.Ceil((yMax-yMin)/resolution - gridEpsilon))
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("Output grid %v at %vm has no pixels: %w", extent, resolution, ErrGridMismatch)
	}

	return &GridSpec{
		XMin:       xMin,
		YMin:       yMax - float64(height)*resolution,
		XMax:       xMin + float64(width)*resolution,
		YMax:       yMax,
		Resolution: resolution,
		EPSG:       epsg,
		Width:      width,
		Height:     height,
		Extent:     []float64{xMin, yMin, xMax, yMax},
	}, nil
}

// WithResolution derives the grid covering the same requested extent at
// another resolution.
func (g *GridSpec) WithResolution(resolution float64) (*GridSpec, error) {
	extent := g.Extent
	if len(extent) != 4 {
		extent = g.BBox()
	}
	return NewGridSpec(extent, resolution, g.EPSG)
}

func (g *GridSpec) GeoTransform() []float64 {
	return []float64{g.XMin, g.Resolution, 0, g.YMax, 0, -g.Resolution}
}

func (g *GridSpec) BBox() []float64 {
	return []float64{g.XMin, g.YMin, g.XMax, g.YMax}
}

// PixelBBox returns the bounding box of a block of pixels.
func (g *GridSpec) PixelBBox(xOff, yOff, width, height int) []float64 {
	xMin := g.XMin + float64(xOff)*g.Resolution
	yMax := g.YMax - float64(yOff)*g.Resolution
	return []float64{xMin, yMax - float64(height)*g.Resolution, xMin + float64(width)*g.Resolution, yMax}
}

func (g *GridSpec) Pixels() int {
	return g.Width * g.Height
}

func (g *GridSpec) String() string {
	return fmt.Sprintf("EPSG:%d %vm %dx%d [%v %v %v %v]", g.EPSG, g.Resolution, g.Width, g.Height, g.XMin, g.YMin, g.XMax, g.YMax)
}

// BBoxIntersects reports whether two xmin,ymin,xmax,ymax boxes share area.
func BBoxIntersects(a, b []float64) bool {
	if len(a) != 4 || len(b) != 4 {
		return false
	}
	return a[0] < b[2] && b[0] < a[2] && a[1] < b[3] && b[1] < a[3]
}

// IsProjectedEPSG accepts the UTM families Sentinel-2 tiles are delivered in.
func IsProjectedEPSG(epsg int) bool {
	switch {
	case epsg >= 32601 && epsg <= 32660:
		return true
	case epsg >= 32701 && epsg <= 32760:
		return true
	case epsg >= 25828 && epsg <= 25838:
		return true
	}
	return false
}
