package processor

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/nci/s2mosaic/utils"
	"go.uber.org/zap"
)

const (
	histBins     = 4096
	histBinWidth = 65536 / histBins
)

// affine maps a scene's values onto the anchor's radiometry.
type affine struct {
	Gain   float64
	Offset float64
}

type pairStats struct {
	n                        int64
	sumA, sumB, sumAA, sumBB float64
}

type bandFit struct {
	valid  map[int]int64
	hist   map[int][]uint64
	pairs  map[[2]int]*pairStats
	anchor int

	gains map[int]affine
	cdfs  map[int][]float64
	ref   []float64
}

// Harmonizer fits per scene, per band radiometric transforms over all
// valid pixels in a first pass (Observe, then Fit) and applies them to
// the data read while compositing. The none policy is the identity.
type Harmonizer struct {
	Policy     string
	MinOverlap int
	Log        *zap.Logger

	mu     sync.Mutex
	bands  map[string]*bandFit
	fitted bool
}

func NewHarmonizer(policy string, minOverlap int, log *zap.Logger) (*Harmonizer, error) {
	switch policy {
	case "", utils.HarmonizationNone:
		policy = utils.HarmonizationNone
	case utils.HarmonizationHistogramMatch, utils.HarmonizationOverlapGain:
	default:
		return nil, fmt.Errorf("Unknown harmonization policy %q", policy)
	}
	if minOverlap <= 0 {
		minOverlap = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Harmonizer{Policy: policy, MinOverlap: minOverlap, Log: log, bands: make(map[string]*bandFit)}, nil
}

// Enabled reports whether a fitting pass is needed.
func (h *Harmonizer) Enabled() bool {
	return h != nil && h.Policy != utils.HarmonizationNone
}

func (h *Harmonizer) band(name string) *bandFit {
	bf, ok := h.bands[name]
	if !ok {
		bf = &bandFit{
			valid: make(map[int]int64),
			hist:  make(map[int][]uint64),
			pairs: make(map[[2]int]*pairStats),
		}
		h.bands[name] = bf
	}
	return bf
}

// Observe accumulates one window of one band. scenes holds the ingestion
// indices of the observations, data and valid their pixels.
func (h *Harmonizer) Observe(band string, scenes []int, data [][]uint16, valid [][]bool) {
	if !h.Enabled() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	bf := h.band(band)
	for k, s := range scenes {
		var n int64
		hist := bf.hist[s]
		if hist == nil && h.Policy == utils.HarmonizationHistogramMatch {
			hist = make([]uint64, histBins)
			bf.hist[s] = hist
		}
		for i, ok := range valid[k] {
			if !ok {
				continue
			}
			n++
			if hist != nil {
				hist[int(data[k][i])/histBinWidth]++
			}
		}
		bf.valid[s] += n
	}

	if h.Policy != utils.HarmonizationOverlapGain {
		return
	}
	for a := 0; a < len(scenes); a++ {
		for b := a + 1; b < len(scenes); b++ {
			key := [2]int{scenes[a], scenes[b]}
			ps := bf.pairs[key]
			for i := range valid[a] {
				if !valid[a][i] || !valid[b][i] {
					continue
				}
				if ps == nil {
					ps = &pairStats{}
					bf.pairs[key] = ps
				}
				va, vb := float64(data[a][i]), float64(data[b][i])
				ps.n++
				ps.sumA += va
				ps.sumB += vb
				ps.sumAA += va * va
				ps.sumBB += vb * vb
			}
		}
	}
}

// Fit derives the transforms from everything observed so far.
func (h *Harmonizer) Fit() {
	if !h.Enabled() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.bands))
	for b := range h.bands {
		names = append(names, b)
	}
	sort.Strings(names)

	for _, name := range names {
		bf := h.bands[name]
		bf.anchor = anchorScene(bf.valid)
		switch h.Policy {
		case utils.HarmonizationHistogramMatch:
			bf.fitHistograms()
		case utils.HarmonizationOverlapGain:
			bf.fitGains(h.MinOverlap)
		}
		h.Log.Debug("Harmonizer fitted",
			zap.String("band", name),
			zap.String("policy", h.Policy),
			zap.Int("anchor", bf.anchor),
			zap.Int("scenes", len(bf.valid)))
	}
	h.fitted = true
}

// anchorScene is the scene with the most valid pixels. Ties go to the
// later ingestion index.
func anchorScene(valid map[int]int64) int {
	anchor, best := 0, int64(-1)
	for s, n := range valid {
		if n > best || (n == best && s > anchor) {
			anchor, best = s, n
		}
	}
	return anchor
}

func cumulative(hist []uint64) []float64 {
	var total uint64
	for _, c := range hist {
		total += c
	}
	if total == 0 {
		return nil
	}
	cdf := make([]float64, len(hist))
	var run uint64
	for i, c := range hist {
		run += c
		cdf[i] = float64(run) / float64(total)
	}
	return cdf
}

func (bf *bandFit) fitHistograms() {
	bf.cdfs = make(map[int][]float64)
	bf.ref = cumulative(bf.hist[bf.anchor])
	if bf.ref == nil {
		return
	}
	for s, hist := range bf.hist {
		if s == bf.anchor {
			continue
		}
		if cdf := cumulative(hist); cdf != nil {
			bf.cdfs[s] = cdf
		}
	}
}

// matchValue maps v through the source CDF and the inverse anchor CDF.
// The source quantile is interpolated linearly within v's bin and the
// result linearly within the anchor bin, which keeps the map monotonic.
func matchValue(v uint16, src, ref []float64) float64 {
	b := int(v) / histBinWidth
	lo := 0.0
	if b > 0 {
		lo = src[b-1]
	}
	q := lo + (src[b]-lo)*float64(int(v)-b*histBinWidth)/histBinWidth
	if q < 1e-12 {
		q = 1e-12
	}

	r := sort.SearchFloat64s(ref, q)
	if r >= len(ref) {
		r = len(ref) - 1
	}
	rlo := 0.0
	if r > 0 {
		rlo = ref[r-1]
	}
	t := 0.0
	if ref[r] > rlo {
		t = (q - rlo) / (ref[r] - rlo)
	}
	t = math.Max(0, math.Min(1, t))
	return float64(r*histBinWidth) + t*histBinWidth
}

func (ps *pairStats) moments() (meanA, sdA, meanB, sdB float64) {
	n := float64(ps.n)
	meanA = ps.sumA / n
	meanB = ps.sumB / n
	sdA = math.Sqrt(math.Max(0, ps.sumAA/n-meanA*meanA))
	sdB = math.Sqrt(math.Max(0, ps.sumBB/n-meanB*meanB))
	return
}

// pairMap is the affine map taking src values onto dst over the pixels
// both scenes observed.
func (bf *bandFit) pairMap(src, dst int) affine {
	var meanS, sdS, meanD, sdD float64
	if src < dst {
		ps := bf.pairs[[2]int{src, dst}]
		meanS, sdS, meanD, sdD = ps.moments()
	} else {
		ps := bf.pairs[[2]int{dst, src}]
		meanD, sdD, meanS, sdS = ps.moments()
	}
	gain := 1.0
	if sdS > 0 {
		gain = sdD / sdS
	}
	return affine{Gain: gain, Offset: meanD - gain*meanS}
}

// fitGains grows a maximum overlap spanning tree from the anchor with
// Prim's algorithm and composes the pair maps along it. Scenes the tree
// does not reach keep the identity.
func (bf *bandFit) fitGains(minOverlap int) {
	bf.gains = map[int]affine{bf.anchor: {Gain: 1}}

	weight := func(a, b int) int64 {
		if a > b {
			a, b = b, a
		}
		ps := bf.pairs[[2]int{a, b}]
		if ps == nil || ps.n < int64(minOverlap) {
			return 0
		}
		return ps.n
	}

	scenes := make([]int, 0, len(bf.valid))
	for s := range bf.valid {
		scenes = append(scenes, s)
	}
	sort.Ints(scenes)

	for {
		bestW := int64(0)
		bestParent, bestChild := -1, -1
		for _, c := range scenes {
			if _, in := bf.gains[c]; in {
				continue
			}
			for p := range bf.gains {
				w := weight(p, c)
				if w == 0 {
					continue
				}
				if w > bestW || (w == bestW && (c < bestChild || (c == bestChild && p < bestParent))) {
					bestW, bestParent, bestChild = w, p, c
				}
			}
		}
		if bestChild < 0 {
			return
		}
		parent := bf.gains[bestParent]
		step := bf.pairMap(bestChild, bestParent)
		bf.gains[bestChild] = affine{
			Gain:   parent.Gain * step.Gain,
			Offset: parent.Gain*step.Offset + parent.Offset,
		}
	}
}

// Apply transforms the valid pixels of one scene's band in place. Results
// are clamped to [1, 65535] so no valid pixel becomes no-data; invalid
// pixels are left untouched.
func (h *Harmonizer) Apply(band string, scene int, data []uint16, valid []bool) {
	if !h.Enabled() || !h.fitted {
		return
	}
	bf, ok := h.bands[band]
	if !ok || scene == bf.anchor {
		return
	}

	var f func(v uint16) float64
	switch h.Policy {
	case utils.HarmonizationHistogramMatch:
		src, ok := bf.cdfs[scene]
		if !ok || bf.ref == nil {
			return
		}
		f = func(v uint16) float64 { return matchValue(v, src, bf.ref) }
	case utils.HarmonizationOverlapGain:
		a, ok := bf.gains[scene]
		if !ok {
			return
		}
		f = func(v uint16) float64 { return a.Gain*float64(v) + a.Offset }
	default:
		return
	}

	for i, ok := range valid {
		if !ok {
			continue
		}
		data[i] = clampDN(f(data[i]))
	}
}

func clampDN(v float64) uint16 {
	v = math.Round(v)
	if v < 1 || math.IsNaN(v) {
		return 1
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}
