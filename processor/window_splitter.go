package processor

import (
	"context"

	"github.com/nci/s2mosaic/utils"
)

const DefaultWindowRows = 256

// WindowSplitter cuts a grid into blocks of full-width rows. It is a
// restartable cursor: Next walks the windows in order and Reset starts
// over. Windows are computed on demand.
type WindowSplitter struct {
	Grid *utils.GridSpec
	Rows int
	next int
}

func NewWindowSplitter(grid *utils.GridSpec, rows int) *WindowSplitter {
	if rows <= 0 {
		rows = DefaultWindowRows
	}
	return &WindowSplitter{Grid: grid, Rows: rows}
}

func (s *WindowSplitter) Count() int {
	return (s.Grid.Height + s.Rows - 1) / s.Rows
}

// Window returns the i-th window. The last one may be shorter.
func (s *WindowSplitter) Window(i int) Window {
	yOff := i * s.Rows
	height := s.Rows
	if yOff+height > s.Grid.Height {
		height = s.Grid.Height - yOff
	}
	return Window{
		Index:  i,
		XOff:   0,
		YOff:   yOff,
		Width:  s.Grid.Width,
		Height: height,
		BBox:   s.Grid.PixelBBox(0, yOff, s.Grid.Width, height),
	}
}

func (s *WindowSplitter) Next() (Window, bool) {
	if s.next >= s.Count() {
		return Window{}, false
	}
	w := s.Window(s.next)
	s.next++
	return w, true
}

func (s *WindowSplitter) Reset() {
	s.next = 0
}

// Expand grows a window by halo rows above and below, clamped to the
// grid. It returns the expanded window and the row of the original
// window's first line inside it.
func (s *WindowSplitter) Expand(win Window, halo int) (Window, int) {
	if halo <= 0 {
		return win, 0
	}
	top := win.YOff - halo
	if top < 0 {
		top = 0
	}
	bottom := win.YOff + win.Height + halo
	if bottom > s.Grid.Height {
		bottom = s.Grid.Height
	}
	out := Window{
		Index:  win.Index,
		XOff:   win.XOff,
		YOff:   top,
		Width:  win.Width,
		Height: bottom - top,
		BBox:   s.Grid.PixelBBox(win.XOff, top, win.Width, bottom-top),
	}
	return out, win.YOff - top
}

// Windows streams every window in order until the sequence ends or ctx
// is cancelled. It does not touch the Next cursor.
func (s *WindowSplitter) Windows(ctx context.Context) <-chan Window {
	out := make(chan Window)
	go func() {
		defer close(out)
		for i := 0; i < s.Count(); i++ {
			select {
			case out <- s.Window(i):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
