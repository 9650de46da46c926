package utils

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"strconv"
	"strings"
)

type Raster interface {
	GetNoData() float64
	Size() (int, int)
}

type ByteRaster struct {
	Data          []uint8
	Height, Width int
	NoData        float64
}

func (r *ByteRaster) GetNoData() float64 {
	return r.NoData
}

func (r *ByteRaster) Size() (int, int) {
	return r.Width, r.Height
}

type UInt16Raster struct {
	Data          []uint16
	Height, Width int
	NoData        float64
}

func (r *UInt16Raster) GetNoData() float64 {
	return r.NoData
}

func (r *UInt16Raster) Size() (int, int) {
	return r.Width, r.Height
}

// EncodePNG renders three byte rasters as RGB. A pixel that is 0xFF in
// every band is transparent.
func EncodePNG(br []*ByteRaster) ([]byte, error) {
	if len(br) != 3 {
		return []byte{}, fmt.Errorf("Cannot encode other than 3 bands into a PNG: Received %d", len(br))
	}
	rasterR := br[0]
	rasterG := br[1]
	rasterB := br[2]

	if rasterR == nil || rasterG == nil || rasterB == nil {
		return []byte{}, fmt.Errorf("At least one of the bands is nil")
	}
	if len(rasterG.Data) != len(rasterR.Data) || len(rasterB.Data) != len(rasterR.Data) {
		return []byte{}, fmt.Errorf("Mixed band sizes")
	}

	buf := new(bytes.Buffer)
	canvas := image.NewRGBA(image.Rect(0, 0, rasterR.Width, rasterR.Height))

	var start int
	for i := 0; i < rasterR.Width*rasterR.Height; i++ {
		if rasterR.Data[i] != 0xFF || rasterG.Data[i] != 0xFF || rasterB.Data[i] != 0xFF {
			start = i * 4
			canvas.Pix[start] = rasterR.Data[i]
			canvas.Pix[start+1] = rasterG.Data[i]
			canvas.Pix[start+2] = rasterB.Data[i]
			canvas.Pix[start+3] = 0xff
		}
	}

	err := png.Encode(buf, canvas)

	return buf.Bytes(), err
}

// ExtractEPSGCode parses an "EPSG:<code>" SRS string.
func ExtractEPSGCode(srs string) (int, error) {
	srs = strings.TrimSpace(srs)
	if !strings.HasPrefix(strings.ToUpper(srs), "EPSG:") {
		return 0, fmt.Errorf("SRS %q is not an EPSG code", srs)
	}
	return strconv.Atoi(srs[5:])
}
