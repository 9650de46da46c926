package utils

import (
	"fmt"
)

type ScaleParams struct {
	Clip float64
}

func scale(r Raster, params ScaleParams) (*ByteRaster, error) {
	switch t := r.(type) {
	case *UInt16Raster:
		out := &ByteRaster{NoData: t.NoData, Data: make([]uint8, len(t.Data)), Width: t.Width, Height: t.Height}
		noData := uint16(t.NoData)
		clip := uint16(params.Clip)
		for i, value := range t.Data {
			if value == noData {
				out.Data[i] = 0xFF
				continue
			}
			if value > clip {
				value = clip
			}
			out.Data[i] = uint8(float32(value) * 254.0 / float32(clip))
		}
		return out, nil

	default:
		return &ByteRaster{}, fmt.Errorf("Raster type %T not implemented", r)
	}
}

// Scale stretches DN rasters to bytes for display, mapping [0, Clip]
// linearly onto [0, 254]. No-data becomes 0xFF.
func Scale(rs []Raster, params ScaleParams) ([]*ByteRaster, error) {
	if params.Clip <= 0 || params.Clip > 65535 {
		return nil, fmt.Errorf("Scale clip must be in (0, 65535], got %v", params.Clip)
	}
	out := make([]*ByteRaster, len(rs))

	for i, r := range rs {
		br, err := scale(r, params)
		if err != nil {
			return out, err
		}
		out[i] = br
	}

	return out, nil
}
