package gdalprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/processor"
	"github.com/nci/s2mosaic/utils"
)

func TestMain(m *testing.M) {
	InitGdal()
	os.Exit(m.Run())
}

func testGrid(t *testing.T) *utils.GridSpec {
	g, err := utils.NewGridSpec([]float64{500000, 7599960, 500040, 7600000}, 10, 32736)
	require.NoError(t, err)
	return g
}

func writeFixture(t *testing.T, path string, grid *utils.GridSpec, opts processor.SinkOptions, data interface{}) {
	if !DriverAvailable("GTiff") || !DriverAvailable("MEM") {
		t.Skip("GDAL GTiff or MEM driver is unavailable. Skipping tests")
	}
	sink, err := (&GTiffSinks{}).Create(path, grid, opts)
	require.NoError(t, err)
	require.NoError(t, sink.WriteRows(0, grid.Height, data))
	require.NoError(t, sink.Close())
}

func fixtureScene(t *testing.T, grid *utils.GridSpec, withClasses bool) *extractor.SceneInfo {
	dir := t.TempDir()

	b02 := make([]uint16, grid.Pixels())
	classes := make([]uint8, grid.Pixels())
	for i := range b02 {
		b02[i] = uint16(100 + i)
		classes[i] = utils.ClassVegetation
	}
	b02[0] = 0
	classes[0] = utils.ClassNoData
	classes[5] = utils.ClassCloudHigh

	bandPath := filepath.Join(dir, "T36KWA_20170101T075211_B02_10m.tif")
	writeFixture(t, bandPath, grid, processor.SinkOptions{DataType: "UInt16", HasNoData: true}, b02)

	scene := &extractor.SceneInfo{
		Path:      dir,
		Platform:  "S2A",
		Tile:      "36KWA",
		Level:     extractor.LevelCorrected,
		Sensed:    time.Date(2017, 1, 1, 7, 52, 11, 0, time.UTC),
		Kind:      extractor.KindDescriptor,
		Footprint: extractor.Footprint{EPSG: 32736, XMin: 500000, YMin: 7599960, XMax: 500040, YMax: 7600000},
		BandFiles: map[int]map[string]string{10: {"B02": bandPath}},
	}
	if withClasses {
		classPath := filepath.Join(dir, "T36KWA_20170101T075211_SCL_10m.tif")
		writeFixture(t, classPath, grid, processor.SinkOptions{DataType: "Byte", HasNoData: true}, classes)
		scene.ClassFiles = map[int]string{10: classPath}
	}
	return scene
}

func TestReaderRoundTrip(t *testing.T) {
	grid := testGrid(t)
	scene := fixtureScene(t, grid, true)

	opener := &Opener{Resampling: utils.ResamplingNearest, FootprintBand: "B02", Projector: Projector{}}
	reader, err := opener.Open(scene, grid)
	require.NoError(t, err)
	defer reader.Close()

	win := processor.Window{Index: 0, XOff: 0, YOff: 1, Width: 4, Height: 2, BBox: grid.PixelBBox(0, 1, 4, 2)}
	require.True(t, reader.Overlaps(win))

	d, err := reader.Read(context.Background(), win, processor.ReadRequest{Bands: []string{"B02"}, Classification: true})
	require.NoError(t, err)
	assert.Equal(t, []uint16{104, 105, 106, 107, 108, 109, 110, 111}, d.Bands["B02"])
	assert.Equal(t, []uint8{4, 9, 4, 4, 4, 4, 4, 4}, d.Classes)

	_, err = reader.Read(context.Background(), win, processor.ReadRequest{Bands: []string{"B03"}})
	assert.True(t, errors.Is(err, utils.ErrCorruptScene))
}

func TestReaderSynthesisesRawClasses(t *testing.T) {
	grid := testGrid(t)
	scene := fixtureScene(t, grid, false)
	scene.Level = extractor.LevelRaw
	scene.Kind = extractor.KindRaw

	opener := &Opener{Resampling: utils.ResamplingNearest, FootprintBand: "B02", Projector: Projector{}}
	reader, err := opener.Open(scene, grid)
	require.NoError(t, err)
	defer reader.Close()

	win := processor.Window{XOff: 0, YOff: 0, Width: 4, Height: 1, BBox: grid.PixelBBox(0, 0, 4, 1)}
	d, err := reader.Read(context.Background(), win, processor.ReadRequest{Classification: true})
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, utils.ClassUnknown, utils.ClassUnknown, utils.ClassUnknown}, d.Classes)
}

func TestReaderNoOverlap(t *testing.T) {
	grid := testGrid(t)
	scene := &extractor.SceneInfo{
		Path:      "/nonexistent",
		Footprint: extractor.Footprint{EPSG: 32736, XMin: 600000, YMin: 7500000, XMax: 610000, YMax: 7510000},
	}

	reader, err := (&Opener{Projector: Projector{}}).Open(scene, grid)
	require.NoError(t, err)
	defer reader.Close()

	win := processor.Window{Width: 4, Height: 4, BBox: grid.BBox()}
	assert.False(t, reader.Overlaps(win))
	_, err = reader.Read(context.Background(), win, processor.ReadRequest{Bands: []string{"B02"}})
	assert.True(t, errors.Is(err, utils.ErrNoOverlap))
}

func TestProjectorAcrossZones(t *testing.T) {
	fp := extractor.Footprint{EPSG: 32736, XMin: 499980, YMin: 7590220, XMax: 609780, YMax: 7700020}

	same, err := Projector{}.Project(fp, 32736)
	require.NoError(t, err)
	assert.Equal(t, fp, same)

	out, err := Projector{}.Project(fp, 32735)
	require.NoError(t, err)
	assert.Equal(t, 32735, out.EPSG)
	assert.True(t, out.Valid())
	assert.Greater(t, out.XMin, fp.XMin)

	_, err = Projector{}.Project(fp, 1)
	assert.True(t, errors.Is(err, utils.ErrGridMismatch))
}
