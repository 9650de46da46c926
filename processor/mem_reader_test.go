package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/utils"
)

// memScene holds whole-grid rasters of one scene.
type memScene struct {
	classes   []uint8
	bands     map[string][]uint16
	failBands map[string]bool
	noOverlap bool
}

type memReader struct {
	width  int
	scene  *memScene
	reads  *int32
	closed *int32
}

func (r *memReader) Overlaps(win Window) bool {
	return !r.scene.noOverlap
}

func (r *memReader) Read(ctx context.Context, win Window, req ReadRequest) (*WindowData, error) {
	atomic.AddInt32(r.reads, 1)
	if r.scene.noOverlap {
		return nil, fmt.Errorf("window %d: %w", win.Index, utils.ErrNoOverlap)
	}
	lo := win.YOff * r.width
	hi := lo + win.Height*r.width

	d := &WindowData{Window: win, Bands: make(map[string][]uint16)}
	if req.Classification {
		d.Classes = append([]uint8(nil), r.scene.classes[lo:hi]...)
	}
	for _, b := range req.Bands {
		if r.scene.failBands[b] {
			return nil, fmt.Errorf("band %s: %w", b, utils.ErrCorruptScene)
		}
		data, ok := r.scene.bands[b]
		if !ok {
			return nil, fmt.Errorf("band %s missing: %w", b, utils.ErrCorruptScene)
		}
		d.Bands[b] = append([]uint16(nil), data[lo:hi]...)
	}
	return d, nil
}

func (r *memReader) Close() error {
	atomic.AddInt32(r.closed, 1)
	return nil
}

type memOpener struct {
	scenes map[string]*memScene
	failed map[string]error
	reads  int32
	opened int32
	closed int32
}

func newMemOpener() *memOpener {
	return &memOpener{scenes: make(map[string]*memScene), failed: make(map[string]error)}
}

func (o *memOpener) Open(scene *extractor.SceneInfo, grid *utils.GridSpec) (SceneReader, error) {
	if err, ok := o.failed[scene.Path]; ok {
		return nil, err
	}
	s, ok := o.scenes[scene.Path]
	if !ok {
		return nil, fmt.Errorf("unknown scene %s: %w", scene.Path, utils.ErrCorruptScene)
	}
	atomic.AddInt32(&o.opened, 1)
	return &memReader{width: grid.Width, scene: s, reads: &o.reads, closed: &o.closed}, nil
}

type memSink struct {
	width  int
	u16    []uint16
	u8     []uint8
	opts   SinkOptions
	closed bool

	closeErr error
}

func (s *memSink) WriteRows(yOff, height int, data interface{}) error {
	off := yOff * s.width
	switch d := data.(type) {
	case []uint16:
		if s.u16 == nil {
			return fmt.Errorf("sink holds %s", s.opts.DataType)
		}
		copy(s.u16[off:off+height*s.width], d)
	case []uint8:
		if s.u8 == nil {
			return fmt.Errorf("sink holds %s", s.opts.DataType)
		}
		copy(s.u8[off:off+height*s.width], d)
	default:
		return fmt.Errorf("unsupported data %T", data)
	}
	return nil
}

func (s *memSink) Close() error {
	s.closed = true
	return s.closeErr
}

type memSinks struct {
	mu    sync.Mutex
	sinks map[string]*memSink
}

func newMemSinks() *memSinks {
	return &memSinks{sinks: make(map[string]*memSink)}
}

func (f *memSinks) Create(path string, grid *utils.GridSpec, opts SinkOptions) (RasterSink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &memSink{width: grid.Width, opts: opts}
	if opts.DataType == "Byte" {
		s.u8 = make([]uint8, grid.Pixels())
	} else {
		s.u16 = make([]uint16, grid.Pixels())
	}
	f.sinks[path] = s
	return s, nil
}

func (f *memSinks) get(t *testing.T, path string) *memSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sinks[path]
	require.True(t, ok, "no sink for %s", path)
	return s
}

var testEpoch = time.Date(2017, 6, 1, 10, 0, 0, 0, time.UTC)

// testGrid is width x height pixels of 10 m in UTM 36S.
func testGrid(t *testing.T, width, height int) *utils.GridSpec {
	g, err := utils.NewGridSpec([]float64{500000, 7600000, 500000 + float64(width*10), 7600000 + float64(height*10)}, 10, 32736)
	require.NoError(t, err)
	return g
}

func testScene(index int) *extractor.SceneInfo {
	sensed := testEpoch.Add(time.Duration(index) * 24 * time.Hour)
	return &extractor.SceneInfo{
		Path:       fmt.Sprintf("/data/S2A_T36KWA_%d", index),
		Platform:   "S2A",
		Level:      extractor.LevelCorrected,
		Tile:       "36KWA",
		Sensed:     sensed,
		Generation: sensed.Add(time.Hour),
		Kind:       extractor.KindCorrected,
		Index:      index,
	}
}

// fill repeats v over n pixels.
func fill(n int, v uint16) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func fillClass(n int, c uint8) []uint8 {
	out := make([]uint8, n)
	for i := range out {
		out[i] = c
	}
	return out
}

// slotsFor opens readers for scenes 1..len(data) in ingestion order.
func slotsFor(t *testing.T, grid *utils.GridSpec, data ...*memScene) ([]SceneSlot, *memOpener) {
	opener := newMemOpener()
	var slots []SceneSlot
	for i, d := range data {
		s := testScene(i + 1)
		opener.scenes[s.Path] = d
		r, err := opener.Open(s, grid)
		require.NoError(t, err)
		slots = append(slots, SceneSlot{Scene: s, Reader: r})
	}
	return slots, opener
}
