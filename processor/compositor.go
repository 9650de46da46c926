package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/nci/s2mosaic/crawl/extractor"
	"github.com/nci/s2mosaic/utils"
	"go.uber.org/zap"
)

// Policy decides which valid observation a pixel takes.
type Policy int

const (
	MostRecent Policy = iota
	MostDistant
	TemporalHomogeneity
)

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case utils.AlgorithmMostRecent:
		return MostRecent, nil
	case utils.AlgorithmMostDistant:
		return MostDistant, nil
	case "", utils.AlgorithmTemporalHomogeneity:
		return TemporalHomogeneity, nil
	}
	return 0, fmt.Errorf("Unknown compositing algorithm %q", s)
}

func (p Policy) String() string {
	switch p {
	case MostRecent:
		return utils.AlgorithmMostRecent
	case MostDistant:
		return utils.AlgorithmMostDistant
	default:
		return utils.AlgorithmTemporalHomogeneity
	}
}

// SceneSlot pairs a scene with the reader a worker owns for it.
type SceneSlot struct {
	Scene  *extractor.SceneInfo
	Reader SceneReader
}

type observation struct {
	slot    SceneSlot
	classes []uint8
	valid   []bool
	bands   map[string][]uint16
	nValid  int
}

// Compositor builds the composite of one window from the scenes' slots.
// Slots must be in ingestion order.
type Compositor struct {
	Policy     Policy
	Bands      []string
	Reference  *Reference
	Exclusion  *utils.MaskExclusionSet
	Dilation   int
	Harmonizer *Harmonizer
	Splitter   *WindowSplitter
	Log        *zap.Logger
}

func (c *Compositor) referenceBands() []string {
	if c.Policy != TemporalHomogeneity || c.Reference == nil {
		return nil
	}
	return c.Reference.Bands
}

// HarmonizedBands lists every band the harmonizer needs a fit for.
func (c *Compositor) HarmonizedBands() []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range append(append([]string{}, c.Bands...), c.referenceBands()...) {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

// readObservation reads the classification, and the given bands, of one
// scene. With dilation the classification is read over a halo so masks
// grow seamlessly across window edges.
func (c *Compositor) readObservation(ctx context.Context, win Window, slot SceneSlot, bands []string) (*observation, error) {
	n := win.Pixels()
	obs := &observation{slot: slot, bands: make(map[string][]uint16)}

	var classes []uint8
	haloTop := 0
	if c.Dilation > 0 && c.Splitter != nil {
		haloWin, top := c.Splitter.Expand(win, c.Dilation)
		cd, err := slot.Reader.Read(ctx, haloWin, ReadRequest{Classification: true})
		if err != nil {
			return nil, err
		}
		if len(cd.Classes) != haloWin.Pixels() {
			return nil, fmt.Errorf("%w: classification has %d pixels, expected %d", utils.ErrCorruptScene, len(cd.Classes), haloWin.Pixels())
		}
		classes, haloTop = cd.Classes, top
		if len(bands) > 0 {
			bd, err := slot.Reader.Read(ctx, win, ReadRequest{Bands: bands})
			if err != nil {
				return nil, err
			}
			obs.bands = bd.Bands
		}
	} else {
		d, err := slot.Reader.Read(ctx, win, ReadRequest{Bands: bands, Classification: true})
		if err != nil {
			return nil, err
		}
		classes = d.Classes
		if d.Bands != nil {
			obs.bands = d.Bands
		}
	}
	if len(classes) < (haloTop+win.Height)*win.Width {
		return nil, fmt.Errorf("%w: classification has %d pixels, expected %d", utils.ErrCorruptScene, len(classes), n)
	}
	for _, b := range bands {
		if len(obs.bands[b]) != n {
			return nil, fmt.Errorf("%w: band %s has %d pixels, expected %d", utils.ErrCorruptScene, b, len(obs.bands[b]), n)
		}
	}

	obs.valid = validityMask(classes, win.Width, haloTop, win.Height, c.Exclusion, c.Dilation)
	obs.classes = classes[haloTop*win.Width : haloTop*win.Width+n]
	for _, b := range bands {
		obs.maskNoData(obs.bands[b], nil, 0)
	}
	for _, v := range obs.valid {
		if v {
			obs.nValid++
		}
	}
	return obs, nil
}

// maskNoData drops the pixels where a band holds the no-data DN. It
// reports whether any of them was selected from this observation.
func (o *observation) maskNoData(data []uint16, sel []int, k int) bool {
	hit := false
	for i, v := range data {
		if v != 0 || !o.valid[i] {
			continue
		}
		o.valid[i] = false
		if sel != nil && sel[i] == k {
			hit = true
		}
	}
	return hit
}

// classifyReadError decides whether a read error skips the scene for this
// window (nil) or aborts the run.
func classifyReadError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, utils.ErrGridMismatch) {
		return err
	}
	return nil
}

func (c *Compositor) corrupt(res *WindowResult, win Window, slot SceneSlot, err error) {
	if !errors.Is(err, utils.ErrCorruptScene) {
		err = fmt.Errorf("%w: %v", utils.ErrCorruptScene, err)
	}
	res.Corrupt = append(res.Corrupt, CorruptRead{SceneIndex: slot.Scene.Index, Scene: slot.Scene.Name(), Err: err})
	c.Log.Warn("Scene read failed, excluding it from window",
		zap.String("scene", slot.Scene.Name()),
		zap.Int("window", win.Index),
		zap.Error(err))
}

// Composite selects, per pixel, one valid observation and copies every
// output band from it.
func (c *Compositor) Composite(ctx context.Context, win Window, slots []SceneSlot) (*WindowResult, error) {
	res := newWindowResult(win, c.Bands)
	refBands := c.referenceBands()

	var obs []*observation
	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !slot.Reader.Overlaps(win) {
			continue
		}
		o, err := c.readObservation(ctx, win, slot, refBands)
		if err != nil {
			if errors.Is(err, utils.ErrNoOverlap) {
				continue
			}
			if fatal := classifyReadError(ctx, err); fatal != nil {
				return nil, fatal
			}
			c.corrupt(res, win, slot, err)
			continue
		}
		if o.nValid == 0 {
			continue
		}
		for _, b := range refBands {
			c.Harmonizer.Apply(b, slot.Scene.Index, o.bands[b], o.valid)
		}
		obs = append(obs, o)
	}

	var refs [][]float64
	if c.Policy == TemporalHomogeneity {
		for _, o := range obs {
			r, err := c.Reference.Values(o.bands, o.valid)
			if err != nil {
				return nil, err
			}
			refs = append(refs, r)
		}
	}

	for {
		sel, count := c.selectPixels(obs, refs, win.Pixels())

		used := make([]bool, len(obs))
		for _, k := range sel {
			if k >= 0 {
				used[k] = true
			}
		}

		failed := -1
		var failErr error
		reselect := false
	bands:
		for _, band := range c.Bands {
			for k, o := range obs {
				if !used[k] {
					continue
				}
				if _, ok := o.bands[band]; ok {
					continue
				}
				d, err := o.slot.Reader.Read(ctx, win, ReadRequest{Bands: []string{band}})
				if err == nil && len(d.Bands[band]) != win.Pixels() {
					err = fmt.Errorf("%w: band %s has %d pixels, expected %d", utils.ErrCorruptScene, band, len(d.Bands[band]), win.Pixels())
				}
				if err != nil {
					if fatal := classifyReadError(ctx, err); fatal != nil {
						return nil, fatal
					}
					failed, failErr = k, err
					break bands
				}
				data := d.Bands[band]
				if o.maskNoData(data, sel, k) {
					reselect = true
				}
				c.Harmonizer.Apply(band, o.slot.Scene.Index, data, o.valid)
				o.bands[band] = data
			}
		}

		if failed < 0 && !reselect {
			c.assemble(res, obs, sel, count)
			return res, nil
		}
		if failed < 0 {
			// A selected pixel had no data in some band; its observation
			// is no longer valid there.
			continue
		}

		// Drop the scene and select again so every band of a pixel still
		// comes from the same scene.
		c.corrupt(res, win, obs[failed].slot, failErr)
		obs = append(obs[:failed], obs[failed+1:]...)
		if refs != nil {
			refs = append(refs[:failed], refs[failed+1:]...)
		}
	}
}

func (c *Compositor) assemble(res *WindowResult, obs []*observation, sel []int, count []uint16) {
	copy(res.Count, count)
	for i, k := range sel {
		if k < 0 {
			continue
		}
		o := obs[k]
		res.Provenance[i] = uint16(o.slot.Scene.Index)
		res.Classes[i] = o.classes[i]
		for _, band := range c.Bands {
			res.Bands[band][i] = o.bands[band][i]
		}
	}
}

// selectPixels returns, per pixel, the index into obs of the chosen
// observation (-1 for none) and the number of valid observations.
func (c *Compositor) selectPixels(obs []*observation, refs [][]float64, n int) ([]int, []uint16) {
	sel := make([]int, n)
	count := make([]uint16, n)
	vals := make([]float64, 0, len(obs))

	for i := 0; i < n; i++ {
		sel[i] = -1
		first, last := -1, -1
		var cnt int
		for k, o := range obs {
			if !o.valid[i] {
				continue
			}
			cnt++
			if first < 0 {
				first = k
			}
			last = k
		}
		if cnt > math.MaxUint16 {
			cnt = math.MaxUint16
		}
		count[i] = uint16(cnt)
		if cnt == 0 {
			continue
		}

		switch c.Policy {
		case MostRecent:
			sel[i] = last
		case MostDistant:
			sel[i] = first
		default:
			vals = vals[:0]
			for k, o := range obs {
				if o.valid[i] && !math.IsNaN(refs[k][i]) {
					vals = append(vals, refs[k][i])
				}
			}
			if len(vals) == 0 {
				sel[i] = last
				continue
			}
			med := median(vals)
			best, bestDiff := -1, math.Inf(1)
			for k, o := range obs {
				if !o.valid[i] || math.IsNaN(refs[k][i]) {
					continue
				}
				// <= hands ties to the later scene.
				if d := math.Abs(refs[k][i] - med); d <= bestDiff {
					best, bestDiff = k, d
				}
			}
			sel[i] = best
		}
	}
	return sel, count
}

// median sorts vals in place. An even count gives the mean of the two
// middle values.
func median(vals []float64) float64 {
	sort.Float64s(vals)
	m := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[m]
	}
	return (vals[m-1] + vals[m]) / 2
}

// Observe feeds one window of every scene to the harmonizer.
func (c *Compositor) Observe(ctx context.Context, win Window, slots []SceneSlot) error {
	if !c.Harmonizer.Enabled() {
		return nil
	}
	bands := c.HarmonizedBands()

	var scenes []int
	var valid [][]bool
	data := make(map[string][][]uint16, len(bands))
	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !slot.Reader.Overlaps(win) {
			continue
		}
		o, err := c.readObservation(ctx, win, slot, bands)
		if err != nil {
			if errors.Is(err, utils.ErrNoOverlap) {
				continue
			}
			if fatal := classifyReadError(ctx, err); fatal != nil {
				return fatal
			}
			c.Log.Debug("Skipping unreadable scene while fitting",
				zap.String("scene", slot.Scene.Name()),
				zap.Int("window", win.Index),
				zap.Error(err))
			continue
		}
		if o.nValid == 0 {
			continue
		}
		scenes = append(scenes, slot.Scene.Index)
		valid = append(valid, o.valid)
		for _, b := range bands {
			data[b] = append(data[b], o.bands[b])
		}
	}

	for _, b := range bands {
		c.Harmonizer.Observe(b, scenes, data[b], valid)
	}
	return nil
}
