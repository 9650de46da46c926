package processor

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/metrics"
	"github.com/nci/s2mosaic/utils"
)

func TestOutputPaths(t *testing.T) {
	p := OutputPaths{Dir: "/out", Name: "mosaic", Resolution: 20}
	assert.Equal(t, "/out/mosaic_R20m_B8A.tif", p.Band("B8A"))
	assert.Equal(t, "/out/mosaic_R20m_SCL.tif", p.Classes())
	assert.Equal(t, "/out/mosaic_R20m_imageN.tif", p.Provenance())
	assert.Equal(t, "/out/mosaic_R20m_count.tif", p.Count())
	assert.Equal(t, "/out/mosaic_R20m_RGB.vrt", p.RGB())
	assert.Equal(t, "/out/mosaic_R20m_NIR.vrt", p.NIR())
	assert.Len(t, p.Targets([]string{"B02"}, true), 8)
	assert.Equal(t, "/out/mosaic_summary.txt", SummaryPath("/out", "mosaic"))
}

func TestCheckOverwrite(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "mosaic_R10m_B02.tif")
	missing := filepath.Join(dir, "mosaic_R10m_B03.tif")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0644))

	assert.NoError(t, CheckOverwrite([]string{missing}, false, nil))
	assert.NoError(t, CheckOverwrite([]string{existing, missing}, true, nil))

	err := CheckOverwrite([]string{existing, missing}, false, nil)
	assert.True(t, errors.Is(err, utils.ErrOutputWriteFailure))

	var asked []string
	assert.NoError(t, CheckOverwrite([]string{existing, missing}, false, func(e []string) bool {
		asked = e
		return true
	}))
	assert.Equal(t, []string{existing}, asked)

	err = CheckOverwrite([]string{existing}, false, func([]string) bool { return false })
	assert.True(t, errors.Is(err, utils.ErrOutputWriteFailure))
}

func TestBuildVRTBandOrder(t *testing.T) {
	grid := testGrid(t, 4, 2)
	dir := t.TempDir()
	paths := OutputPaths{Dir: dir, Name: "m", Resolution: 10}

	var sources []string
	for _, b := range utils.FalseColourBands(10) {
		sources = append(sources, paths.Band(b))
	}
	ds, err := BuildVRT(grid, paths.NIR(), sources)
	require.NoError(t, err)
	require.NoError(t, WriteVRT(paths.NIR(), ds))

	raw, err := os.ReadFile(paths.NIR())
	require.NoError(t, err)
	var got VRTDataset
	require.NoError(t, xml.Unmarshal(raw, &got))

	assert.Equal(t, 4, got.RasterXSize)
	assert.Equal(t, 2, got.RasterYSize)
	assert.Equal(t, "EPSG:32736", got.SRS)
	require.Len(t, got.VRTRasterBands, 3)
	var files, interp []string
	for _, b := range got.VRTRasterBands {
		files = append(files, b.SimpleSources[0].SourceFileName.Path)
		interp = append(interp, b.ColorInterp)
		assert.Equal(t, 1, b.SimpleSources[0].SourceFileName.RelativeToVRT)
	}
	assert.Equal(t, []string{"m_R10m_B08.tif", "m_R10m_B04.tif", "m_R10m_B03.tif"}, files)
	assert.Equal(t, []string{"Red", "Green", "Blue"}, interp)

	_, err = BuildVRT(grid, paths.RGB(), nil)
	assert.Error(t, err)
}

func windowResult(win Window, bands []string, v uint16) *WindowResult {
	res := newWindowResult(win, bands)
	for i := range res.Provenance {
		if i%2 == 0 {
			continue
		}
		for _, b := range bands {
			res.Bands[b][i] = v
		}
		res.Provenance[i] = 1
		res.Count[i] = 1
		res.Classes[i] = utils.ClassVegetation
	}
	return res
}

func TestMosaicWriter(t *testing.T) {
	grid := testGrid(t, 4, 3)
	dir := t.TempDir()
	sinks := newMemSinks()
	collector := metrics.NewMetricsCollector("test")
	bands := []string{"B02", "B03", "B04"}

	w := &MosaicWriter{
		Sinks:         sinks,
		Paths:         OutputPaths{Dir: dir, Name: "mosaic", Resolution: 10},
		Grid:          grid,
		Bands:         bands,
		QuicklookSize: 2,
		QuicklookClip: 3000,
		Metrics:       collector,
		Log:           zap.NewNop(),
	}
	require.NoError(t, w.Begin())

	splitter := NewWindowSplitter(grid, 2)
	second := windowResult(splitter.Window(1), bands, 700)
	assert.True(t, errors.Is(w.WriteWindow(second), utils.ErrOutputWriteFailure))

	require.NoError(t, w.WriteWindow(windowResult(splitter.Window(0), bands, 500)))
	require.NoError(t, w.WriteWindow(second))

	scene := testScene(1)
	outputs, err := w.Finish([]*extractor.SceneInfo{scene})
	require.NoError(t, err)

	assert.Contains(t, outputs, w.Paths.Band("B02"))
	assert.Contains(t, outputs, w.Paths.RGB())
	assert.NotContains(t, outputs, w.Paths.NIR())
	assert.Contains(t, outputs, w.Paths.Quicklook())
	_, err = os.Stat(w.Paths.NIR())
	assert.True(t, os.IsNotExist(err))

	b02 := sinks.get(t, w.Paths.Band("B02"))
	assert.True(t, b02.closed)
	assert.Equal(t, []uint16{0, 500, 0, 500, 0, 500, 0, 500, 0, 700, 0, 700}, b02.u16)
	assert.Equal(t, uint8(utils.ClassVegetation), sinks.get(t, w.Paths.Classes()).u8[1])
	assert.False(t, sinks.get(t, w.Paths.Count()).opts.HasNoData)
	assert.True(t, sinks.get(t, w.Paths.Provenance()).opts.HasNoData)

	raw, err := os.ReadFile(w.Paths.Scenes())
	require.NoError(t, err)
	var entries []sceneEntry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Index)
	assert.Equal(t, scene.Identity(), entries[0].ID)

	png, err := os.ReadFile(w.Paths.Quicklook())
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(png[:4]))

	require.Len(t, collector.Info.Bands, 3)
	assert.Equal(t, int64(12), collector.Info.Bands[0].Pixels)
	assert.Equal(t, int64(6), collector.Info.Bands[0].NoData)
	assert.InDelta(t, 50.0, collector.Info.Bands[0].NoDataPercent, 1e-9)
	assert.Equal(t, 2, collector.Info.Windows)
}

func TestMosaicWriterRejectsIncomplete(t *testing.T) {
	grid := testGrid(t, 2, 4)
	w := &MosaicWriter{
		Sinks: newMemSinks(),
		Paths: OutputPaths{Dir: t.TempDir(), Name: "mosaic", Resolution: 10},
		Grid:  grid,
		Bands: []string{"B02"},
		Log:   zap.NewNop(),
	}
	require.NoError(t, w.Begin())
	splitter := NewWindowSplitter(grid, 2)
	require.NoError(t, w.WriteWindow(windowResult(splitter.Window(0), w.Bands, 1)))

	_, err := w.Finish(nil)
	assert.True(t, errors.Is(err, utils.ErrOutputWriteFailure))
}

func TestMosaicWriterSurfacesCloseFailure(t *testing.T) {
	grid := testGrid(t, 2, 2)
	sinks := newMemSinks()
	w := &MosaicWriter{
		Sinks: sinks,
		Paths: OutputPaths{Dir: t.TempDir(), Name: "mosaic", Resolution: 10},
		Grid:  grid,
		Bands: []string{"B02"},
		Log:   zap.NewNop(),
	}
	require.NoError(t, w.Begin())
	require.NoError(t, w.WriteWindow(windowResult(NewWindowSplitter(grid, 2).Window(0), w.Bands, 1)))
	sinks.get(t, w.Paths.Band("B02")).closeErr = errors.New("flush failed")

	_, err := w.Finish(nil)
	assert.True(t, errors.Is(err, utils.ErrOutputWriteFailure))
	assert.True(t, sinks.get(t, w.Paths.Classes()).closed)
}

func TestQuicklookSampling(t *testing.T) {
	q := newQuicklook(5, 3, 2)
	assert.Equal(t, 3, q.step)
	assert.Equal(t, 2, q.width)
	assert.Equal(t, 1, q.height)

	win := Window{Width: 5, Height: 3}
	r := []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	q.sample(win, r, r, r)
	assert.Equal(t, []uint16{1, 4}, q.r)
}
