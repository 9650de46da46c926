package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/metrics"
	"github.com/nci/s2mosaic/utils"
)

// Pipeline composites one resolution. Windows fan out to Parallelism
// workers, each holding its own scene readers, and a single writer puts
// the results back in window order.
type Pipeline struct {
	Compositor  *Compositor
	Opener      SceneOpener
	Writer      *MosaicWriter
	Scenes      []*extractor.SceneInfo
	Parallelism int
	Metrics     *metrics.MetricsCollector
	Log         *zap.Logger

	// Unopened collects the scenes that failed to open. Sharing it across
	// pipelines reports each scene once per run.
	Unopened *OpenFailures

	used map[uint16]bool
}

// OpenFailures remembers which scenes could not be opened.
type OpenFailures struct {
	mu     sync.Mutex
	scenes map[string]bool
}

func NewOpenFailures() *OpenFailures {
	return &OpenFailures{scenes: make(map[string]bool)}
}

// Add reports whether the scene is new to the set.
func (f *OpenFailures) Add(scene string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scenes[scene] {
		return false
	}
	f.scenes[scene] = true
	return true
}

func (f *OpenFailures) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scenes)
}

func (p *Pipeline) workers() int {
	if p.Parallelism <= 0 {
		return 1
	}
	if n := p.Compositor.Splitter.Count(); n < p.Parallelism {
		return n
	}
	return p.Parallelism
}

// openSlots opens a reader per scene for one worker. A scene that cannot
// be opened is left out; a CRS that cannot be reconciled, or no scene at
// all, stops the run.
func (p *Pipeline) openSlots(grid *utils.GridSpec) ([]SceneSlot, func(), error) {
	var slots []SceneSlot
	closeAll := func() {
		for _, s := range slots {
			if err := s.Reader.Close(); err != nil {
				p.Log.Debug("closing scene reader", zap.String("scene", s.Scene.Name()), zap.Error(err))
			}
		}
	}

	for _, scene := range p.Scenes {
		r, err := p.Opener.Open(scene, grid)
		if err != nil {
			if errors.Is(err, utils.ErrGridMismatch) {
				closeAll()
				return nil, nil, fmt.Errorf("Scene %s: %w", scene.Name(), err)
			}
			if p.Unopened == nil || p.Unopened.Add(scene.Name()) {
				p.Log.Warn("Failed to open scene", zap.String("scene", scene.Name()), zap.Error(err))
				if p.Metrics != nil {
					p.Metrics.Corrupt(scene.Name(), err.Error())
				}
			}
			continue
		}
		slots = append(slots, SceneSlot{Scene: scene, Reader: r})
	}
	if len(slots) == 0 {
		return nil, nil, fmt.Errorf("None of the %d scenes could be opened: %w", len(p.Scenes), utils.ErrNoScenesFound)
	}
	return slots, closeAll, nil
}

// forEachWindow runs fn over every window on the worker pool. The
// returned channel is closed once every worker has exited.
func (p *Pipeline) forEachWindow(g *errgroup.Group, ctx context.Context, fn func(win Window, slots []SceneSlot) error) <-chan struct{} {
	n := p.workers()
	done := make(chan struct{})
	windows := p.Compositor.Splitter.Windows(ctx)
	remaining := int32(n)

	for w := 0; w < n; w++ {
		g.Go(func() error {
			defer func() {
				if atomic.AddInt32(&remaining, -1) == 0 {
					close(done)
				}
			}()

			slots, closeAll, err := p.openSlots(p.Writer.Grid)
			if err != nil {
				return err
			}
			defer closeAll()

			for win := range windows {
				if err := fn(win, slots); err != nil {
					return err
				}
			}
			return ctx.Err()
		})
	}
	return done
}

// Fit runs the harmonizer's fitting pass over every window.
func (p *Pipeline) Fit(ctx context.Context) error {
	h := p.Compositor.Harmonizer
	if !h.Enabled() {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	p.forEachWindow(g, gctx, func(win Window, slots []SceneSlot) error {
		return p.Compositor.Observe(gctx, win, slots)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	h.Fit()
	return nil
}

// Run composites every window and writes it. The writer must have been
// begun; finishing it is left to the caller.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	results := make(chan *WindowResult, p.workers())

	done := p.forEachWindow(g, gctx, func(win Window, slots []SceneSlot) error {
		res, err := p.Compositor.Composite(gctx, win, slots)
		if err != nil {
			return err
		}
		select {
		case results <- res:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	go func() {
		<-done
		close(results)
	}()

	g.Go(func() error {
		return p.write(gctx, results)
	})
	return g.Wait()
}

func (p *Pipeline) write(ctx context.Context, results <-chan *WindowResult) error {
	p.used = make(map[uint16]bool)
	pending := make(map[int]*WindowResult)
	next := 0
	total := p.Compositor.Splitter.Count()

	for res := range results {
		pending[res.Window.Index] = res
		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)

			for _, c := range r.Corrupt {
				if p.Metrics != nil {
					p.Metrics.Corrupt(c.Scene, c.Err.Error())
				}
			}
			for _, idx := range r.Provenance {
				if idx != 0 {
					p.used[idx] = true
				}
			}
			if err := p.Writer.WriteWindow(r); err != nil {
				return err
			}
			p.Log.Debug("window written", zap.Int("window", next), zap.Int("of", total))
			next++
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if next != total {
		return fmt.Errorf("Only %d of %d windows were composited: %w", next, total, utils.ErrOutputWriteFailure)
	}
	return nil
}

// ScenesUsed is the number of scenes that supplied at least one pixel.
func (p *Pipeline) ScenesUsed() int {
	return len(p.used)
}
