package processor

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nci/s2mosaic/utils"
)

type VRTDataset struct {
	XMLName        xml.Name         `xml:"VRTDataset"`
	RasterXSize    int              `xml:"rasterXSize,attr"`
	RasterYSize    int              `xml:"rasterYSize,attr"`
	SRS            string           `xml:"SRS"`
	GeoTransform   string           `xml:"GeoTransform"`
	VRTRasterBands []*VRTRasterBand `xml:"VRTRasterBand"`
}

type VRTRasterBand struct {
	XMLName       xml.Name        `xml:"VRTRasterBand"`
	DataType      string          `xml:"dataType,attr"`
	Band          int             `xml:"band,attr"`
	NoDataValue   *float64        `xml:"NoDataValue,omitempty"`
	ColorInterp   string          `xml:"ColorInterp,omitempty"`
	SimpleSources []*SimpleSource `xml:"SimpleSource"`
}

type SimpleSource struct {
	SourceFileName VRTSourceFile `xml:"SourceFilename"`
	SourceBand     int           `xml:"SourceBand"`
	SrcRect        VRTRect       `xml:"SrcRect"`
	DstRect        VRTRect       `xml:"DstRect"`
}

type VRTSourceFile struct {
	RelativeToVRT int    `xml:"relativeToVRT,attr"`
	Path          string `xml:",chardata"`
}

type VRTRect struct {
	XOff  int `xml:"xOff,attr"`
	YOff  int `xml:"yOff,attr"`
	XSize int `xml:"xSize,attr"`
	YSize int `xml:"ySize,attr"`
}

var colourInterp = []string{"Red", "Green", "Blue"}

// BuildVRT describes a three band virtual raster stacking the given
// single band GeoTIFFs, which must share the grid. Sources are referenced
// relative to the VRT's directory.
func BuildVRT(grid *utils.GridSpec, vrtPath string, sources []string) (*VRTDataset, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("A VRT needs at least one source")
	}

	var geot []string
	for _, v := range grid.GeoTransform() {
		geot = append(geot, fmt.Sprintf("%.10g", v))
	}
	ds := &VRTDataset{
		RasterXSize:  grid.Width,
		RasterYSize:  grid.Height,
		SRS:          fmt.Sprintf("EPSG:%d", grid.EPSG),
		GeoTransform: strings.Join(geot, ", "),
	}

	rect := VRTRect{XSize: grid.Width, YSize: grid.Height}
	vrtDir := filepath.Dir(vrtPath)
	for i, src := range sources {
		rel, err := filepath.Rel(vrtDir, src)
		relative := 1
		if err != nil {
			rel, relative = src, 0
		}
		nodata := 0.0
		band := &VRTRasterBand{
			DataType:    "UInt16",
			Band:        i + 1,
			NoDataValue: &nodata,
			SimpleSources: []*SimpleSource{{
				SourceFileName: VRTSourceFile{RelativeToVRT: relative, Path: rel},
				SourceBand:     1,
				SrcRect:        rect,
				DstRect:        rect,
			}},
		}
		if i < len(colourInterp) {
			band.ColorInterp = colourInterp[i]
		}
		ds.VRTRasterBands = append(ds.VRTRasterBands, band)
	}
	return ds, nil
}

func WriteVRT(path string, ds *VRTDataset) error {
	out, err := xml.MarshalIndent(ds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0644)
}
