package processor

import (
	"context"

	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/utils"
)

// SceneReader resamples one scene onto windows of the output grid. A
// reader is owned by a single goroutine.
//
// Read returns ErrNoOverlap (wrapped) when the scene does not cover the
// window, ErrGridMismatch when the scene CRS cannot be transformed into
// the grid CRS and ErrCorruptScene for any other read failure.
type SceneReader interface {
	Read(ctx context.Context, win Window, req ReadRequest) (*WindowData, error)
	Overlaps(win Window) bool
	Close() error
}

// SceneOpener creates readers. Implementations may be shared across
// goroutines; the readers they return may not.
type SceneOpener interface {
	Open(scene *extractor.SceneInfo, grid *utils.GridSpec) (SceneReader, error)
}

// FootprintProjector reprojects a scene footprint into another CRS.
type FootprintProjector interface {
	Project(fp extractor.Footprint, epsg int) (extractor.Footprint, error)
}

// validityMask marks the pixels whose class is not excluded and which are
// not within dilation pixels of an excluded, non no-data class. classes
// may carry haloTop extra rows above the window and extra rows below;
// only the window rows are returned.
func validityMask(classes []uint8, width, haloTop, height int, excl *utils.MaskExclusionSet, dilation int) []bool {
	fullHeight := len(classes) / width
	valid := make([]bool, width*height)

	if dilation <= 0 {
		off := haloTop * width
		for i := range valid {
			valid[i] = !excl.Excludes(classes[off+i])
		}
		return valid
	}

	seeds := make([]bool, len(classes))
	for i, c := range classes {
		seeds[i] = c != utils.ClassNoData && excl.Excludes(c)
	}
	grown := dilate(seeds, width, fullHeight, dilation)

	off := haloTop * width
	for i := range valid {
		valid[i] = !excl.Excludes(classes[off+i]) && !grown[off+i]
	}
	return valid
}

// dilate grows a boolean mask by n pixels in every direction (a square
// structuring element), as a horizontal pass followed by a vertical one.
func dilate(mask []bool, width, height, n int) []bool {
	horiz := make([]bool, len(mask))
	for y := 0; y < height; y++ {
		row := y * width
		last := -1 << 30
		for x := 0; x < width; x++ {
			if mask[row+x] {
				last = x
			}
			if x-last <= n {
				horiz[row+x] = true
			}
		}
		last = 1 << 30
		for x := width - 1; x >= 0; x-- {
			if mask[row+x] {
				last = x
			}
			if last-x <= n {
				horiz[row+x] = true
			}
		}
	}

	out := make([]bool, len(mask))
	for x := 0; x < width; x++ {
		last := -1 << 30
		for y := 0; y < height; y++ {
			if horiz[y*width+x] {
				last = y
			}
			if y-last <= n {
				out[y*width+x] = true
			}
		}
		last = 1 << 30
		for y := height - 1; y >= 0; y-- {
			if horiz[y*width+x] {
				last = y
			}
			if last-y <= n {
				out[y*width+x] = true
			}
		}
	}
	return out
}
