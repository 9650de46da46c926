package gdalprocess

// #include <stdlib.h>
// #include "gdal.h"
// #cgo pkg-config: gdal
import "C"

import (
	"context"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"go.uber.org/zap"

	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/processor"
	"github.com/nci/s2mosaic/utils"
)

// Opener opens scenes through GDAL. Raw scenes have no classification:
// their footprint is taken from the non-zero pixels of FootprintBand.
type Opener struct {
	Resampling    string
	FootprintBand string
	Projector     processor.FootprintProjector
	Log           *zap.Logger
}

func NewOpener(cfg *utils.Config, log *zap.Logger) *Opener {
	band := "B02"
	if ref, err := processor.ParseReference(cfg.Reference); err == nil {
		band = ref.Bands[0]
	}
	return &Opener{
		Resampling:    cfg.Resampling,
		FootprintBand: band,
		Projector:     Projector{},
		Log:           log,
	}
}

func (o *Opener) Open(scene *extractor.SceneInfo, grid *utils.GridSpec) (processor.SceneReader, error) {
	fp := scene.Footprint
	if fp.Valid() && fp.EPSG != grid.EPSG {
		if o.Projector == nil {
			return nil, fmt.Errorf("scene %s is in EPSG:%d and no projector is configured: %w", scene.Name(), fp.EPSG, utils.ErrGridMismatch)
		}
		var err error
		fp, err = o.Projector.Project(fp, grid.EPSG)
		if err != nil {
			return nil, err
		}
	}

	wkt, err := epsgWKT(grid.EPSG)
	if err != nil {
		return nil, err
	}

	log := o.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &sceneReader{
		scene:         scene,
		grid:          grid,
		footprint:     fp,
		resolution:    int(math.Round(grid.Resolution)),
		resampling:    resamplingAlg(o.Resampling),
		footprintBand: o.FootprintBand,
		wkt:           wkt,
		datasets:      make(map[string]C.GDALDatasetH),
		log:           log.With(zap.String("scene", scene.Name())),
	}, nil
}

type sceneReader struct {
	scene         *extractor.SceneInfo
	grid          *utils.GridSpec
	footprint     extractor.Footprint
	resolution    int
	resampling    C.int
	footprintBand string
	wkt           *C.char
	datasets      map[string]C.GDALDatasetH
	log           *zap.Logger
}

func (r *sceneReader) Overlaps(win processor.Window) bool {
	if !r.footprint.Valid() {
		return true
	}
	return utils.BBoxIntersects(r.footprint.BBox(), win.BBox)
}

func (r *sceneReader) Read(ctx context.Context, win processor.Window, req processor.ReadRequest) (*processor.WindowData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.Overlaps(win) {
		return nil, fmt.Errorf("scene %s, window %d: %w", r.scene.Name(), win.Index, utils.ErrNoOverlap)
	}

	target := r.target(win)
	data := &processor.WindowData{Window: win, Bands: make(map[string][]uint16, len(req.Bands))}
	for _, band := range req.Bands {
		path, _, ok := r.scene.BandPath(band, r.resolution)
		if !ok {
			return nil, fmt.Errorf("scene %s has no band %s: %w", r.scene.Name(), band, utils.ErrCorruptScene)
		}
		values, err := r.readUInt16(path, target)
		if err != nil {
			return nil, err
		}
		data.Bands[band] = values
	}

	if req.Classification {
		classes, err := r.readClasses(target)
		if err != nil {
			return nil, err
		}
		data.Classes = classes
	}
	return data, nil
}

func (r *sceneReader) target(win processor.Window) *warpTarget {
	res := r.grid.Resolution
	return &warpTarget{
		WKT:          r.wkt,
		GeoTransform: [6]float64{r.grid.XMin + float64(win.XOff)*res, res, 0, r.grid.YMax - float64(win.YOff)*res, 0, -res},
		Width:        win.Width,
		Height:       win.Height,
	}
}

func (r *sceneReader) readUInt16(path string, target *warpTarget) ([]uint16, error) {
	ds, err := r.dataset(path)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, target.Width*target.Height)
	if len(out) == 0 {
		return out, nil
	}
	if err := warpBand(ds, 1, target, C.GDT_UInt16, r.resampling, unsafe.Pointer(&out[0])); err != nil {
		return nil, r.readError(path, err)
	}
	return out, nil
}

// readClasses resamples the classification with nearest neighbour. A scene
// without one gets ClassUnknown over its footprint.
func (r *sceneReader) readClasses(target *warpTarget) ([]uint8, error) {
	out := make([]uint8, target.Width*target.Height)
	if len(out) == 0 {
		return out, nil
	}

	if path, _, ok := r.scene.ClassPath(r.resolution); ok {
		ds, err := r.dataset(path)
		if err != nil {
			return nil, err
		}
		if err := warpBand(ds, 1, target, C.GDT_Byte, C.int(C.GRA_NearestNeighbour), unsafe.Pointer(&out[0])); err != nil {
			return nil, r.readError(path, err)
		}
		return out, nil
	}

	path, _, ok := r.scene.BandPath(r.footprintBand, r.resolution)
	if !ok {
		return nil, fmt.Errorf("scene %s has neither a classification nor band %s: %w", r.scene.Name(), r.footprintBand, utils.ErrCorruptScene)
	}
	ds, err := r.dataset(path)
	if err != nil {
		return nil, err
	}
	ref := make([]uint16, len(out))
	if err := warpBand(ds, 1, target, C.GDT_UInt16, C.int(C.GRA_NearestNeighbour), unsafe.Pointer(&ref[0])); err != nil {
		return nil, r.readError(path, err)
	}
	for i, v := range ref {
		if v != 0 {
			out[i] = utils.ClassUnknown
		}
	}
	return out, nil
}

func (r *sceneReader) readError(path string, err error) error {
	r.log.Debug("warp failed", zap.String("path", path), zap.Error(err))
	if errors.Is(err, utils.ErrGridMismatch) {
		return fmt.Errorf("%s: %w", path, err)
	}
	return fmt.Errorf("%s: %v: %w", path, err, utils.ErrCorruptScene)
}

// dataset returns the cached handle of path, opening it on first use.
func (r *sceneReader) dataset(path string) (C.GDALDatasetH, error) {
	if ds, ok := r.datasets[path]; ok {
		return ds, nil
	}
	pathC := C.CString(path)
	defer C.free(unsafe.Pointer(pathC))

	ds := C.GDALOpen(pathC, C.GA_ReadOnly)
	if ds == nil {
		return nil, fmt.Errorf("GDALOpen(%s) fail: %s: %w", path, lastError(), utils.ErrCorruptScene)
	}
	r.datasets[path] = ds
	return ds, nil
}

func (r *sceneReader) Close() error {
	for path, ds := range r.datasets {
		C.GDALClose(ds)
		delete(r.datasets, path)
	}
	if r.wkt != nil {
		C.free(unsafe.Pointer(r.wkt))
		r.wkt = nil
	}
	return nil
}
