package gdalprocess

// #include <stdlib.h>
// #include "gdal.h"
// #include "gdal_frmts.h"
// #include "cpl_error.h"
// #cgo pkg-config: gdal
import "C"

import (
	"os"
	"path/filepath"
	"sync"
	"unsafe"
)

var initOnce sync.Once

// InitGdal sets the GDAL environment and registers the drivers. It is
// safe to call more than once.
func InitGdal() {
	initOnce.Do(func() {
		setDefaultEnv("GDAL_PAM_ENABLED", "NO")
		setDefaultEnv("GDAL_DISABLE_READDIR_ON_OPEN", "EMPTY_DIR")
		setDefaultEnv("GDAL_MAX_DATASET_POOL_SIZE", "64")
		setDefaultEnv("GDAL_CACHEMAX", "512")

		exeFilePath, err := os.Executable()
		if err == nil {
			setDefaultEnv("GDAL_DRIVER_PATH", filepath.Dir(exeFilePath))
		}

		registerGDALDrivers()
	})
}

func setDefaultEnv(envVar string, defaultVal string) {
	if _, ok := os.LookupEnv(envVar); !ok {
		os.Setenv(envVar, defaultVal)
	}
}

// registerGDALDrivers moves the drivers scenes and outputs use to the
// front of the driver list, since GDAL probes drivers in a linear scan.
func registerGDALDrivers() {
	var haveGTiff, haveJP2OpenJPEG, haveMEM, haveVRT bool

	C.GDALAllRegister()
	for i := 0; i < int(C.GDALGetDriverCount()); i++ {
		driver := C.GDALGetDriver(C.int(i))
		switch C.GoString(C.GDALGetDriverShortName(driver)) {
		case "GTiff":
			haveGTiff = true
		case "JP2OpenJPEG":
			haveJP2OpenJPEG = true
		case "MEM":
			haveMEM = true
		case "VRT":
			haveVRT = true
		}
	}

	for C.GDALGetDriverCount() > 0 {
		C.GDALDeregisterDriver(C.GDALGetDriver(0))
	}

	if haveGTiff {
		C.GDALRegister_GTiff()
	}
	if haveJP2OpenJPEG {
		C.GDALRegister_JP2OpenJPEG()
	}
	if haveMEM {
		C.GDALRegister_MEM()
	}
	if haveVRT {
		C.GDALRegister_VRT()
	}
	C.GDALAllRegister()
}

// DriverAvailable reports whether the named GDAL driver is registered.
func DriverAvailable(name string) bool {
	nameC := C.CString(name)
	defer C.free(unsafe.Pointer(nameC))
	return C.GDALGetDriverByName(nameC) != nil
}

func lastError() string {
	msg := C.GoString(C.CPLGetLastErrorMsg())
	if msg == "" {
		return "unknown GDAL error"
	}
	return msg
}
