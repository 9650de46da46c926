package gdalprocess

// #include <stdlib.h>
// #include "gdal.h"
// #include "cpl_string.h"
// #cgo pkg-config: gdal
import "C"

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/nci/s2mosaic/processor"
	"github.com/nci/s2mosaic/utils"
)

var cGTiff = C.CString("GTiff")

// DefaultCreationOptions are the GeoTIFF options mosaic outputs are
// written with.
var DefaultCreationOptions = []string{"COMPRESS=LZW", "TILED=YES", "BIGTIFF=IF_SAFER"}

// GTiffSinks creates single band GeoTIFF files on the output grid.
type GTiffSinks struct {
	Options []string
}

func (f *GTiffSinks) Create(path string, grid *utils.GridSpec, opts processor.SinkOptions) (processor.RasterSink, error) {
	dType, ok := GDALTypes[opts.DataType]
	if !ok {
		return nil, fmt.Errorf("unsupported data type %s: %w", opts.DataType, utils.ErrOutputWriteFailure)
	}
	driver := C.GDALGetDriverByName(cGTiff)
	if driver == nil {
		return nil, fmt.Errorf("GDAL GTiff driver is not available: %w", utils.ErrOutputWriteFailure)
	}

	options := f.Options
	if options == nil {
		options = DefaultCreationOptions
	}
	var papszOptions **C.char
	for _, o := range options {
		optC := C.CString(o)
		papszOptions = C.CSLAddString(papszOptions, optC)
		C.free(unsafe.Pointer(optC))
	}
	defer C.CSLDestroy(papszOptions)

	os.Remove(path)
	pathC := C.CString(path)
	defer C.free(unsafe.Pointer(pathC))
	hDS := C.GDALCreate(driver, pathC, C.int(grid.Width), C.int(grid.Height), 1, dType, papszOptions)
	if hDS == nil {
		return nil, fmt.Errorf("GDALCreate(%s) fail: %s: %w", path, lastError(), utils.ErrOutputWriteFailure)
	}

	wkt, err := epsgWKT(grid.EPSG)
	if err != nil {
		C.GDALClose(hDS)
		return nil, err
	}
	defer C.free(unsafe.Pointer(wkt))
	C.GDALSetProjection(hDS, wkt)

	var geot [6]C.double
	for i, v := range grid.GeoTransform() {
		geot[i] = C.double(v)
	}
	C.GDALSetGeoTransform(hDS, &geot[0])

	bandH := C.GDALGetRasterBand(hDS, 1)
	if opts.HasNoData {
		C.GDALSetRasterNoDataValue(bandH, C.double(opts.NoData))
	}

	return &gtiffSink{path: path, hDS: hDS, bandH: bandH, dType: dType, width: grid.Width}, nil
}

type gtiffSink struct {
	path  string
	hDS   C.GDALDatasetH
	bandH C.GDALRasterBandH
	dType C.GDALDataType
	width int
}

func (s *gtiffSink) WriteRows(yOff, height int, data interface{}) error {
	if s.hDS == nil {
		return fmt.Errorf("%s is closed: %w", s.path, utils.ErrOutputWriteFailure)
	}

	var ptr unsafe.Pointer
	var n int
	switch d := data.(type) {
	case []uint16:
		if s.dType != C.GDT_UInt16 {
			return fmt.Errorf("%s: UInt16 rows written to a %s raster: %w", s.path, C.GoString(C.GDALGetDataTypeName(s.dType)), utils.ErrOutputWriteFailure)
		}
		n = len(d)
		if n > 0 {
			ptr = unsafe.Pointer(&d[0])
		}
	case []uint8:
		if s.dType != C.GDT_Byte {
			return fmt.Errorf("%s: Byte rows written to a %s raster: %w", s.path, C.GoString(C.GDALGetDataTypeName(s.dType)), utils.ErrOutputWriteFailure)
		}
		n = len(d)
		if n > 0 {
			ptr = unsafe.Pointer(&d[0])
		}
	default:
		return fmt.Errorf("%s: unsupported row type %T: %w", s.path, data, utils.ErrOutputWriteFailure)
	}
	if n != s.width*height {
		return fmt.Errorf("%s: %d values for %d rows of %d: %w", s.path, n, height, s.width, utils.ErrOutputWriteFailure)
	}
	if n == 0 {
		return nil
	}

	cErr := C.GDALRasterIO(s.bandH, C.GF_Write, 0, C.int(yOff), C.int(s.width), C.int(height), ptr, C.int(s.width), C.int(height), s.dType, 0, 0)
	if cErr != 0 {
		return fmt.Errorf("GDALRasterIO(%s) fail: %s: %w", s.path, lastError(), utils.ErrOutputWriteFailure)
	}
	return nil
}

func (s *gtiffSink) Close() error {
	if s.hDS == nil {
		return nil
	}
	C.CPLErrorReset()
	C.GDALFlushCache(s.hDS)
	C.GDALClose(s.hDS)
	s.hDS = nil
	if C.CPLGetLastErrorType() >= C.CE_Failure {
		return fmt.Errorf("Closing %s: %s: %w", s.path, lastError(), utils.ErrOutputWriteFailure)
	}
	return nil
}
