package gdalprocess

// #include <stdlib.h>
// #include "gdal.h"
// #include "gdal_version.h"
// #include "ogr_srs_api.h"
// #include "cpl_conv.h"
// #cgo pkg-config: gdal
// static OGRSpatialReferenceH
// srs_from_epsg(int epsg)
// {
//        OGRSpatialReferenceH hSRS = OSRNewSpatialReference(NULL);
//        if(OSRImportFromEPSG(hSRS, epsg) != OGRERR_NONE) {
//            OSRDestroySpatialReference(hSRS);
//            return NULL;
//        }
// #if GDAL_VERSION_MAJOR >= 3
//        OSRSetAxisMappingStrategy(hSRS, OAMS_TRADITIONAL_GIS_ORDER);
// #endif
//        return hSRS;
// }
import "C"

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/utils"
)

// edgePoints is the number of points sampled along each footprint edge.
const edgePoints = 21

// epsgWKT returns the WKT of an EPSG code as a C string owned by the
// caller.
func epsgWKT(epsg int) (*C.char, error) {
	hSRS := C.srs_from_epsg(C.int(epsg))
	if hSRS == nil {
		return nil, fmt.Errorf("unknown CRS EPSG:%d: %w", epsg, utils.ErrGridMismatch)
	}
	defer C.OSRDestroySpatialReference(hSRS)

	var projWKT *C.char
	if C.OSRExportToWkt(hSRS, &projWKT) != C.OGRERR_NONE {
		return nil, fmt.Errorf("EPSG:%d cannot be exported to WKT: %w", epsg, utils.ErrGridMismatch)
	}
	defer C.VSIFree(unsafe.Pointer(projWKT))
	return C.CString(C.GoString(projWKT)), nil
}

// Projector reprojects footprints with OGR coordinate transformations.
// Edges are densified so the projected box contains the curved outline.
type Projector struct{}

func (Projector) Project(fp extractor.Footprint, epsg int) (extractor.Footprint, error) {
	if fp.EPSG == epsg {
		return fp, nil
	}

	hSrc := C.srs_from_epsg(C.int(fp.EPSG))
	if hSrc == nil {
		return fp, fmt.Errorf("unknown CRS EPSG:%d: %w", fp.EPSG, utils.ErrGridMismatch)
	}
	defer C.OSRDestroySpatialReference(hSrc)
	hDst := C.srs_from_epsg(C.int(epsg))
	if hDst == nil {
		return fp, fmt.Errorf("unknown CRS EPSG:%d: %w", epsg, utils.ErrGridMismatch)
	}
	defer C.OSRDestroySpatialReference(hDst)

	hCT := C.OCTNewCoordinateTransformation(hSrc, hDst)
	if hCT == nil {
		return fp, fmt.Errorf("no transformation from EPSG:%d to EPSG:%d: %w", fp.EPSG, epsg, utils.ErrGridMismatch)
	}
	defer C.OCTDestroyCoordinateTransformation(hCT)

	xs, ys := densify(fp)
	zs := make([]C.double, len(xs))
	if C.OCTTransform(hCT, C.int(len(xs)), &xs[0], &ys[0], &zs[0]) == 0 {
		return fp, fmt.Errorf("transforming footprint to EPSG:%d failed: %w", epsg, utils.ErrGridMismatch)
	}

	out := extractor.Footprint{EPSG: epsg, XMin: math.Inf(1), YMin: math.Inf(1), XMax: math.Inf(-1), YMax: math.Inf(-1)}
	for i := range xs {
		x, y := float64(xs[i]), float64(ys[i])
		if math.IsInf(x, 0) || math.IsNaN(x) || math.IsInf(y, 0) || math.IsNaN(y) {
			continue
		}
		out.XMin = math.Min(out.XMin, x)
		out.YMin = math.Min(out.YMin, y)
		out.XMax = math.Max(out.XMax, x)
		out.YMax = math.Max(out.YMax, y)
	}
	if !out.Valid() {
		return fp, fmt.Errorf("footprint has no extent in EPSG:%d: %w", epsg, utils.ErrGridMismatch)
	}
	return out, nil
}

func densify(fp extractor.Footprint) ([]C.double, []C.double) {
	xs := make([]C.double, 0, 4*edgePoints)
	ys := make([]C.double, 0, 4*edgePoints)
	dx := (fp.XMax - fp.XMin) / float64(edgePoints-1)
	dy := (fp.YMax - fp.YMin) / float64(edgePoints-1)
	for i := 0; i < edgePoints; i++ {
		x := fp.XMin + float64(i)*dx
		y := fp.YMin + float64(i)*dy
		xs = append(xs, C.double(x), C.double(x), C.double(fp.XMin), C.double(fp.XMax))
		ys = append(ys, C.double(fp.YMin), C.double(fp.YMax), C.double(y), C.double(y))
	}
	return xs, ys
}
