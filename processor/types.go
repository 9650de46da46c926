package processor

// Window is a block of whole grid rows. Index is its position in window
// order, which is also the order results are written in.
type Window struct {
	Index         int
	XOff, YOff    int
	Width, Height int
	BBox          []float64
}

func (w Window) Pixels() int {
	return w.Width * w.Height
}

// ReadRequest names what a SceneReader should deliver for a window.
type ReadRequest struct {
	Bands          []string
	Classification bool
}

// WindowData is one scene resampled onto one window. Band values are
// digital numbers with 0 as no-data.
type WindowData struct {
	Window  Window
	Classes []uint8
	Bands   map[string][]uint16
}

// CorruptRead records a scene that failed to read inside a window.
type CorruptRead struct {
	SceneIndex int
	Scene      string
	Err        error
}

// WindowResult is the composite of one window.
type WindowResult struct {
	Window     Window
	Bands      map[string][]uint16
	Classes    []uint8
	Provenance []uint16
	Count      []uint16
	Corrupt    []CorruptRead
}

func newWindowResult(win Window, bands []string) *WindowResult {
	n := win.Pixels()
	res := &WindowResult{
		Window:     win,
		Bands:      make(map[string][]uint16, len(bands)),
		Classes:    make([]uint8, n),
		Provenance: make([]uint16, n),
		Count:      make([]uint16, n),
	}
	for _, b := range bands {
		res.Bands[b] = make([]uint16, n)
	}
	return res
}
