package extractor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/nci/s2mosaic/utils"
)

var (
	resolvedFileRegex = regexp.MustCompile(`_(B\d{2}|B8A|SCL)_(\d{2})m\.(jp2|tif)$`)
	rawFileRegex      = regexp.MustCompile(`_(B\d{2}|B8A)\.(jp2|tif)$`)
)

// scanLayout lists the band and classification files under IMG_DATA.
// Corrected and composited scenes keep one directory per resolution; raw
// scenes keep every band at its native resolution in IMG_DATA itself.
func scanLayout(granuleDir string, kind ReaderKind) (map[int]map[string]string, map[int]string, error) {
	bands := make(map[int]map[string]string)
	classes := make(map[int]string)
	imgDir := filepath.Join(granuleDir, "IMG_DATA")

	addBand := func(res int, band, path string) {
		if _, ok := bands[res]; !ok {
			bands[res] = make(map[string]string)
		}
		bands[res][band] = path
	}

	switch kind {
	case KindRaw:
		entries, err := os.ReadDir(imgDir)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range entries {
			m := rawFileRegex.FindStringSubmatch(e.Name())
			if e.IsDir() || m == nil {
				continue
			}
			res, ok := utils.NativeResolution[m[1]]
			if !ok {
				continue
			}
			addBand(res, m[1], filepath.Join(imgDir, e.Name()))
		}

	default:
		for _, res := range utils.Resolutions {
			resDir := filepath.Join(imgDir, fmt.Sprintf("R%dm", res))
			entries, err := os.ReadDir(resDir)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			for _, e := range entries {
				m := resolvedFileRegex.FindStringSubmatch(e.Name())
				if e.IsDir() || m == nil {
					continue
				}
				fileRes, _ := strconv.Atoi(m[2])
				if fileRes != res {
					continue
				}
				path := filepath.Join(resDir, e.Name())
				if m[1] == "SCL" {
					classes[res] = path
					continue
				}
				addBand(res, m[1], path)
			}
		}
	}

	if len(bands) == 0 {
		return nil, nil, fmt.Errorf("no band files under %s", imgDir)
	}
	if kind != KindRaw && len(classes) == 0 {
		return nil, nil, fmt.Errorf("no scene classification file under %s", imgDir)
	}
	return bands, classes, nil
}
