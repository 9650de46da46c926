package extractor

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type tileMetadata struct {
	General struct {
		TileID      string `xml:"TILE_ID"`
		SensingTime string `xml:"SENSING_TIME"`
	} `xml:"General_Info"`

	Geometric struct {
		Geocoding struct {
			CSCode       string           `xml:"HORIZONTAL_CS_CODE"`
			Sizes        []mtdSize        `xml:"Size"`
			Geopositions []mtdGeoposition `xml:"Geoposition"`
		} `xml:"Tile_Geocoding"`
	} `xml:"Geometric_Info"`

	Quality struct {
		Content    mtdContentQI `xml:"Image_Content_QI"`
		L2AContent mtdContentQI `xml:"L2A_Image_Content_QI"`
	} `xml:"Quality_Indicators_Info"`
}

type mtdSize struct {
	Resolution int `xml:"resolution,attr"`
	Rows       int `xml:"NROWS"`
	Cols       int `xml:"NCOLS"`
}

type mtdGeoposition struct {
	Resolution int     `xml:"resolution,attr"`
	ULX        float64 `xml:"ULX"`
	ULY        float64 `xml:"ULY"`
	XDim       float64 `xml:"XDIM"`
	YDim       float64 `xml:"YDIM"`
}

type mtdContentQI struct {
	Cloudy       string `xml:"CLOUDY_PIXEL_PERCENTAGE"`
	NoData       string `xml:"NODATA_PIXEL_PERCENTAGE"`
	Vegetation   string `xml:"VEGETATION_PERCENTAGE"`
	NotVegetated string `xml:"NOT_VEGETATED_PERCENTAGE"`
	Water        string `xml:"WATER_PERCENTAGE"`
}

// granuleMetadata holds what a tile metadata document contributes to a
// SceneInfo.
type granuleMetadata struct {
	TileID        string
	Sensed        time.Time
	EPSG          int
	Grids         []ResolutionInfo
	CloudPercent  float64
	NoDataPercent float64
	ClearPercent  float64
}

// findMetadataFile returns MTD_TL.xml, or the first *MTD*.xml in the
// granule directory.
func findMetadataFile(granuleDir string) (string, error) {
	p := filepath.Join(granuleDir, "MTD_TL.xml")
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	matches, err := filepath.Glob(filepath.Join(granuleDir, "*MTD*.xml"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("No tile metadata (*MTD*.xml) in %s", granuleDir)
	}
	return matches[0], nil
}

func parseTileMetadata(path string) (*granuleMetadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc tileMetadata
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("Error parsing %s: %v", path, err)
	}

	md := &granuleMetadata{TileID: strings.TrimSpace(doc.General.TileID)}

	cs := strings.TrimSpace(doc.Geometric.Geocoding.CSCode)
	if !strings.HasPrefix(strings.ToUpper(cs), "EPSG:") {
		return nil, fmt.Errorf("%s: unsupported HORIZONTAL_CS_CODE %q", path, cs)
	}
	md.EPSG, err = strconv.Atoi(cs[5:])
	if err != nil {
		return nil, fmt.Errorf("%s: invalid HORIZONTAL_CS_CODE %q", path, cs)
	}

	if st := strings.TrimSpace(doc.General.SensingTime); st != "" {
		md.Sensed, err = parseSensingTime(st)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", path, err)
		}
	}

	positions := make(map[int]mtdGeoposition)
	for _, g := range doc.Geometric.Geocoding.Geopositions {
		positions[g.Resolution] = g
	}
	for _, sz := range doc.Geometric.Geocoding.Sizes {
		g, ok := positions[sz.Resolution]
		if !ok {
			continue
		}
		md.Grids = append(md.Grids, ResolutionInfo{
			Resolution: sz.Resolution,
			Rows:       sz.Rows,
			Cols:       sz.Cols,
			ULX:        g.ULX,
			ULY:        g.ULY,
			XDim:       g.XDim,
			YDim:       g.YDim,
		})
	}
	if len(md.Grids) == 0 {
		return nil, fmt.Errorf("%s: no tile geocoding", path)
	}

	qi := doc.Quality.L2AContent
	if qi.Cloudy == "" {
		qi = doc.Quality.Content
	}
	md.CloudPercent = parsePercent(qi.Cloudy)
	md.NoDataPercent = parsePercent(qi.NoData)
	md.ClearPercent = parsePercent(qi.Vegetation) + parsePercent(qi.NotVegetated) + parsePercent(qi.Water)

	return md, nil
}

// footprint is the union of the per-resolution grids. All resolutions of
// a granule cover the same ground, so this is the 10 m extent in practice.
func (md *granuleMetadata) footprint() Footprint {
	fp := Footprint{EPSG: md.EPSG}
	for i, g := range md.Grids {
		xmin, xmax := g.ULX, g.ULX+g.XDim*float64(g.Cols)
		ymax, ymin := g.ULY, g.ULY+g.YDim*float64(g.Rows)
		if ymin > ymax {
			ymin, ymax = ymax, ymin
		}
		if i == 0 || xmin < fp.XMin {
			fp.XMin = xmin
		}
		if i == 0 || ymin < fp.YMin {
			fp.YMin = ymin
		}
		if i == 0 || xmax > fp.XMax {
			fp.XMax = xmax
		}
		if i == 0 || ymax > fp.YMax {
			fp.YMax = ymax
		}
	}
	return fp
}

func parseSensingTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05Z", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("Could not parse sensing time %q", s)
}

func parsePercent(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
