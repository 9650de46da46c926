package gdalprocess

// #include <stdlib.h>
// #include <string.h>
// #include "gdal.h"
// #include "gdalwarper.h"
// #include "cpl_conv.h"
// #cgo pkg-config: gdal
// static int
// warp_operation(GDALDatasetH hSrcDS, GDALDatasetH hDstDS, int band, int resampling)
// {
//        const char *srcProjRef;
//        int err;
//        GDALWarpOptions *psWOptions;
//
//        srcProjRef = GDALGetProjectionRef(hSrcDS);
//        if(srcProjRef == NULL || strlen(srcProjRef) == 0) {
//            return -1;
//        }
//
//        psWOptions = GDALCreateWarpOptions();
//        psWOptions->nBandCount = 1;
//        psWOptions->panSrcBands = (int *) CPLMalloc(sizeof(int) * 1);
//        psWOptions->panSrcBands[0] = band;
//        psWOptions->panDstBands = (int *) CPLMalloc(sizeof(int) * 1);
//        psWOptions->panDstBands[0] = 1;
//        psWOptions->padfSrcNoDataReal = (double *) CPLMalloc(sizeof(double) * 1);
//        psWOptions->padfSrcNoDataReal[0] = 0.0;
//        psWOptions->padfDstNoDataReal = (double *) CPLMalloc(sizeof(double) * 1);
//        psWOptions->padfDstNoDataReal[0] = 0.0;
//
//        err = GDALReprojectImage(hSrcDS, srcProjRef, hDstDS, GDALGetProjectionRef(hDstDS), (GDALResampleAlg) resampling, 0.0, 0.125, NULL, NULL, psWOptions);
//        GDALDestroyWarpOptions(psWOptions);
//
//        return err;
// }
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/nci/s2mosaic/utils"
)

var GDALTypes = map[string]C.GDALDataType{
	"Byte":    C.GDT_Byte,
	"UInt16":  C.GDT_UInt16,
	"Int16":   C.GDT_Int16,
	"UInt32":  C.GDT_UInt32,
	"Int32":   C.GDT_Int32,
	"Float32": C.GDT_Float32,
	"Float64": C.GDT_Float64,
}

var (
	cMEM   = C.CString("MEM")
	cEmpty = C.CString("")
)

func resamplingAlg(name string) C.int {
	if name == utils.ResamplingBilinear {
		return C.int(C.GRA_Bilinear)
	}
	return C.int(C.GRA_NearestNeighbour)
}

// warpTarget is a block of destination pixels in the output CRS.
type warpTarget struct {
	WKT           *C.char
	GeoTransform  [6]float64
	Width, Height int
}

// warpBand reprojects one band of src onto the target and copies the
// result into buf, which must hold Width*Height values of dType. Pixels
// outside the source, or no-data in it, come back as 0.
func warpBand(src C.GDALDatasetH, band int, target *warpTarget, dType C.GDALDataType, alg C.int, buf unsafe.Pointer) error {
	memDriver := C.GDALGetDriverByName(cMEM)
	if memDriver == nil {
		return fmt.Errorf("GDAL MEM driver is not available")
	}
	hDstDS := C.GDALCreate(memDriver, cEmpty, C.int(target.Width), C.int(target.Height), 1, dType, nil)
	if hDstDS == nil {
		return fmt.Errorf("GDALCreate() fail: %s", lastError())
	}
	defer C.GDALClose(hDstDS)

	var geot [6]C.double
	for i, v := range target.GeoTransform {
		geot[i] = C.double(v)
	}
	C.GDALSetGeoTransform(hDstDS, &geot[0])
	C.GDALSetProjection(hDstDS, target.WKT)

	if cErr := C.warp_operation(src, hDstDS, C.int(band), alg); cErr != 0 {
		if cErr < 0 {
			return fmt.Errorf("source has no projection: %w", utils.ErrGridMismatch)
		}
		return fmt.Errorf("warp_operation() fail: %s", lastError())
	}

	bandH := C.GDALGetRasterBand(hDstDS, 1)
	if bandH == nil {
		return fmt.Errorf("GDALGetRasterBand() fail: %s", lastError())
	}
	cErr := C.GDALRasterIO(bandH, C.GF_Read, 0, 0, C.int(target.Width), C.int(target.Height), buf, C.int(target.Width), C.int(target.Height), dType, 0, 0)
	if cErr != 0 {
		return fmt.Errorf("GDALRasterIO() fail: %s", lastError())
	}
	return nil
}
