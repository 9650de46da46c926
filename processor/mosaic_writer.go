package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/metrics"
	"github.com/nci/s2mosaic/utils"
)

// SinkOptions describe a single band output raster.
type SinkOptions struct {
	DataType  string
	NoData    float64
	HasNoData bool
}

// RasterSink receives whole rows of a single band raster, top to bottom.
// data is []uint16 or []uint8 matching the sink's data type.
type RasterSink interface {
	WriteRows(yOff, height int, data interface{}) error
	Close() error
}

type SinkFactory interface {
	Create(path string, grid *utils.GridSpec, opts SinkOptions) (RasterSink, error)
}

var (
	uint16Sink = SinkOptions{DataType: "UInt16", NoData: 0, HasNoData: true}
	byteSink   = SinkOptions{DataType: "Byte", NoData: 0, HasNoData: true}
	countSink  = SinkOptions{DataType: "UInt16"}
)

// OutputPaths names the files of one resolution of a mosaic.
type OutputPaths struct {
	Dir        string
	Name       string
	Resolution int
}

func (o OutputPaths) file(suffix string) string {
	return filepath.Join(o.Dir, fmt.Sprintf("%s_R%dm_%s", o.Name, o.Resolution, suffix))
}

func (o OutputPaths) Band(band string) string { return o.file(band + ".tif") }
func (o OutputPaths) Classes() string         { return o.file("SCL.tif") }
func (o OutputPaths) Provenance() string      { return o.file("imageN.tif") }
func (o OutputPaths) Count() string           { return o.file("count.tif") }
func (o OutputPaths) RGB() string             { return o.file("RGB.vrt") }
func (o OutputPaths) NIR() string             { return o.file("NIR.vrt") }
func (o OutputPaths) Scenes() string          { return o.file("scenes.json") }
func (o OutputPaths) Quicklook() string       { return o.file("RGB.png") }

// SummaryPath is the run report shared by every resolution of a mosaic.
func SummaryPath(dir, name string) string {
	return filepath.Join(dir, name+"_summary.txt")
}

// Targets lists every file a run at this resolution may create.
func (o OutputPaths) Targets(bands []string, quicklook bool) []string {
	var out []string
	for _, b := range bands {
		out = append(out, o.Band(b))
	}
	out = append(out, o.Classes(), o.Provenance(), o.Count(), o.RGB(), o.NIR(), o.Scenes())
	if quicklook {
		out = append(out, o.Quicklook())
	}
	return out
}

// CheckOverwrite refuses to proceed when outputs already exist, unless
// overwrite is set or confirm approves. confirm is nil on non-interactive
// runs.
func CheckOverwrite(targets []string, overwrite bool, confirm func(existing []string) bool) error {
	var existing []string
	for _, p := range targets {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 || overwrite {
		return nil
	}
	if confirm != nil && confirm(existing) {
		return nil
	}
	return fmt.Errorf("%d output files already exist, e.g. %s; set overwrite to replace them: %w", len(existing), existing[0], utils.ErrOutputWriteFailure)
}

type sceneEntry struct {
	Index      int       `json:"index"`
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Level      string    `json:"level"`
	Sensed     time.Time `json:"sensed"`
	Generation time.Time `json:"generation"`
}

// MosaicWriter writes the composite of one resolution. Windows must be
// delivered in window order by a single goroutine.
type MosaicWriter struct {
	Sinks         SinkFactory
	Paths         OutputPaths
	Grid          *utils.GridSpec
	Bands         []string
	QuicklookSize int
	QuicklookClip float64
	Metrics       *metrics.MetricsCollector
	Log           *zap.Logger

	bands      map[string]RasterSink
	classes    RasterSink
	provenance RasterSink
	count      RasterSink
	nodata     map[string]int64
	ql         *quicklook
	nextRow    int
	created    []string
}

func writeFailure(err error) error {
	if errors.Is(err, utils.ErrOutputWriteFailure) {
		return err
	}
	return fmt.Errorf("%v: %w", err, utils.ErrOutputWriteFailure)
}

// Begin creates the output rasters.
func (w *MosaicWriter) Begin() error {
	if err := os.MkdirAll(w.Paths.Dir, 0755); err != nil {
		return writeFailure(err)
	}

	w.bands = make(map[string]RasterSink, len(w.Bands))
	w.nodata = make(map[string]int64, len(w.Bands))
	w.nextRow = 0

	create := func(path string, opts SinkOptions) (RasterSink, error) {
		sink, err := w.Sinks.Create(path, w.Grid, opts)
		if err != nil {
			return nil, writeFailure(fmt.Errorf("Failed to create %s: %v", path, err))
		}
		w.created = append(w.created, path)
		return sink, nil
	}

	var err error
	for _, b := range w.Bands {
		if w.bands[b], err = create(w.Paths.Band(b), uint16Sink); err != nil {
			w.Abort()
			return err
		}
	}
	if w.classes, err = create(w.Paths.Classes(), byteSink); err != nil {
		w.Abort()
		return err
	}
	if w.provenance, err = create(w.Paths.Provenance(), uint16Sink); err != nil {
		w.Abort()
		return err
	}
	if w.count, err = create(w.Paths.Count(), countSink); err != nil {
		w.Abort()
		return err
	}

	if w.QuicklookSize > 0 && w.hasBands(utils.TrueColourBands()) {
		w.ql = newQuicklook(w.Grid.Width, w.Grid.Height, w.QuicklookSize)
	}
	return nil
}

func (w *MosaicWriter) hasBands(bands []string) bool {
	for _, b := range bands {
		if _, ok := w.bands[b]; !ok {
			return false
		}
	}
	return true
}

func (w *MosaicWriter) WriteWindow(res *WindowResult) error {
	win := res.Window
	if win.YOff != w.nextRow {
		return writeFailure(fmt.Errorf("Window %d starts at row %d, expected row %d", win.Index, win.YOff, w.nextRow))
	}

	for _, b := range w.Bands {
		data, ok := res.Bands[b]
		if !ok {
			return writeFailure(fmt.Errorf("Window %d has no band %s", win.Index, b))
		}
		if err := w.bands[b].WriteRows(win.YOff, win.Height, data); err != nil {
			return writeFailure(fmt.Errorf("Failed to write %s rows %d-%d: %v", b, win.YOff, win.YOff+win.Height, err))
		}
		var n int64
		for _, v := range data {
			if v == 0 {
				n++
			}
		}
		w.nodata[b] += n
	}

	if err := w.classes.WriteRows(win.YOff, win.Height, res.Classes); err != nil {
		return writeFailure(fmt.Errorf("Failed to write classification: %v", err))
	}
	if err := w.provenance.WriteRows(win.YOff, win.Height, res.Provenance); err != nil {
		return writeFailure(fmt.Errorf("Failed to write provenance: %v", err))
	}
	if err := w.count.WriteRows(win.YOff, win.Height, res.Count); err != nil {
		return writeFailure(fmt.Errorf("Failed to write count: %v", err))
	}

	if w.ql != nil {
		rgb := utils.TrueColourBands()
		w.ql.sample(win, res.Bands[rgb[0]], res.Bands[rgb[1]], res.Bands[rgb[2]])
	}

	w.nextRow = win.YOff + win.Height
	if w.Metrics != nil {
		w.Metrics.Window()
	}
	return nil
}

func (w *MosaicWriter) closeSinks() error {
	var firstErr error
	closeOne := func(s RasterSink) {
		if s == nil {
			return
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, b := range w.Bands {
		closeOne(w.bands[b])
	}
	closeOne(w.classes)
	closeOne(w.provenance)
	closeOne(w.count)
	w.bands = nil
	w.classes, w.provenance, w.count = nil, nil, nil
	return firstErr
}

// Finish closes the rasters and writes the VRTs, the provenance lookup
// and the quicklook. It returns every file written.
func (w *MosaicWriter) Finish(scenes []*extractor.SceneInfo) ([]string, error) {
	if err := w.closeSinks(); err != nil {
		return nil, writeFailure(err)
	}
	if w.nextRow != w.Grid.Height {
		return nil, writeFailure(fmt.Errorf("Mosaic incomplete: %d of %d rows written", w.nextRow, w.Grid.Height))
	}

	outputs := append([]string{}, w.created...)
	pixels := int64(w.Grid.Pixels())
	for _, b := range w.Bands {
		if w.Metrics != nil {
			w.Metrics.BandNoData(w.Paths.Resolution, b, pixels, w.nodata[b])
		}
	}

	produced := make(map[string]bool, len(w.Bands))
	for _, b := range w.Bands {
		produced[b] = true
	}
	vrts := []struct {
		path  string
		bands []string
	}{
		{w.Paths.RGB(), utils.TrueColourBands()},
		{w.Paths.NIR(), utils.FalseColourBands(w.Paths.Resolution)},
	}
	for _, v := range vrts {
		complete := true
		var sources []string
		for _, b := range v.bands {
			if !produced[b] {
				complete = false
				break
			}
			sources = append(sources, w.Paths.Band(b))
		}
		if !complete {
			w.Log.Debug("skipping VRT, bands missing", zap.String("vrt", v.path), zap.Strings("bands", v.bands))
			continue
		}
		ds, err := BuildVRT(w.Grid, v.path, sources)
		if err != nil {
			return outputs, writeFailure(err)
		}
		if err := WriteVRT(v.path, ds); err != nil {
			return outputs, writeFailure(err)
		}
		outputs = append(outputs, v.path)
	}

	if err := w.writeScenes(scenes); err != nil {
		return outputs, writeFailure(err)
	}
	outputs = append(outputs, w.Paths.Scenes())

	if w.ql != nil {
		if err := w.ql.write(w.Paths.Quicklook(), w.QuicklookClip); err != nil {
			return outputs, writeFailure(err)
		}
		outputs = append(outputs, w.Paths.Quicklook())
	}

	if w.Metrics != nil {
		w.Metrics.Output(outputs...)
	}
	return outputs, nil
}

func (w *MosaicWriter) writeScenes(scenes []*extractor.SceneInfo) error {
	entries := make([]sceneEntry, 0, len(scenes))
	for _, s := range scenes {
		entries = append(entries, sceneEntry{
			Index:      s.Index,
			ID:         s.Identity(),
			Name:       s.Name(),
			Path:       s.Path,
			Level:      s.Level,
			Sensed:     s.Sensed,
			Generation: s.Generation,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(w.Paths.Scenes(), append(out, '\n'), 0644)
}

// Abort closes whatever was opened. Partial files are left in place.
func (w *MosaicWriter) Abort() {
	if err := w.closeSinks(); err != nil {
		w.Log.Warn("closing outputs of aborted run", zap.Error(err))
	}
}

// quicklook keeps every step-th pixel of every step-th row of the true
// colour bands.
type quicklook struct {
	step          int
	width, height int
	r, g, b       []uint16
}

func newQuicklook(width, height, size int) *quicklook {
	long := width
	if height > long {
		long = height
	}
	step := (long + size - 1) / size
	if step < 1 {
		step = 1
	}
	qw := (width + step - 1) / step
	qh := (height + step - 1) / step
	return &quicklook{
		step:   step,
		width:  qw,
		height: qh,
		r:      make([]uint16, qw*qh),
		g:      make([]uint16, qw*qh),
		b:      make([]uint16, qw*qh),
	}
}

func (q *quicklook) sample(win Window, r, g, b []uint16) {
	for y := 0; y < win.Height; y++ {
		gy := win.YOff + y
		if gy%q.step != 0 {
			continue
		}
		qy := gy / q.step
		for x := 0; x < win.Width; x += q.step {
			src := y*win.Width + x
			dst := qy*q.width + (win.XOff+x)/q.step
			q.r[dst], q.g[dst], q.b[dst] = r[src], g[src], b[src]
		}
	}
}

func (q *quicklook) write(path string, clip float64) error {
	var rs []utils.Raster
	for _, data := range [][]uint16{q.r, q.g, q.b} {
		rs = append(rs, &utils.UInt16Raster{Data: data, Width: q.width, Height: q.height, NoData: 0})
	}
	br, err := utils.Scale(rs, utils.ScaleParams{Clip: clip})
	if err != nil {
		return err
	}
	img, err := utils.EncodePNG(br)
	if err != nil {
		return err
	}
	return os.WriteFile(path, img, 0644)
}
