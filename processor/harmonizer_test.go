package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nci/s2mosaic/utils"
)

func allValid(n int) []bool {
	v := make([]bool, n)
	for i := range v {
		v[i] = true
	}
	return v
}

func TestHarmonizerNoneIsIdentity(t *testing.T) {
	h, err := NewHarmonizer(utils.HarmonizationNone, 0, nil)
	require.NoError(t, err)
	assert.False(t, h.Enabled())

	data := []uint16{0, 1, 500, 65535}
	h.Observe("B02", []int{1}, [][]uint16{data}, [][]bool{allValid(4)})
	h.Fit()
	h.Apply("B02", 1, data, allValid(4))
	assert.Equal(t, []uint16{0, 1, 500, 65535}, data)

	var nilHarmonizer *Harmonizer
	assert.False(t, nilHarmonizer.Enabled())
	nilHarmonizer.Apply("B02", 1, data, allValid(4))
	assert.Equal(t, []uint16{0, 1, 500, 65535}, data)
}

func TestNewHarmonizerRejectsUnknownPolicy(t *testing.T) {
	_, err := NewHarmonizer("basic", 100, zap.NewNop())
	assert.Error(t, err)
}

func TestHistogramMatchIsMonotonic(t *testing.T) {
	h, err := NewHarmonizer(utils.HarmonizationHistogramMatch, 0, zap.NewNop())
	require.NoError(t, err)

	const n = 2001
	src := make([]uint16, n)
	anchor := make([]uint16, n)
	srcValid := make([]bool, n)
	for i := 0; i < n; i++ {
		anchor[i] = uint16(2000 + i)
		if i <= 1000 {
			src[i] = uint16(1000 + i)
			srcValid[i] = true
		}
	}
	h.Observe("B04", []int{1, 2}, [][]uint16{src, anchor}, [][]bool{srcValid, allValid(n)})
	h.Fit()

	probe := make([]uint16, 0, 600)
	for v := 0; v < 6000; v += 10 {
		probe = append(probe, uint16(v))
	}
	mapped := append([]uint16(nil), probe...)
	h.Apply("B04", 1, mapped, allValid(len(mapped)))

	for i := 1; i < len(mapped); i++ {
		assert.GreaterOrEqual(t, mapped[i], mapped[i-1], "input %d", probe[i])
	}
	for _, v := range mapped {
		assert.GreaterOrEqual(t, v, uint16(1))
	}

	// The source median lands on the anchor median.
	mid := []uint16{1500}
	h.Apply("B04", 1, mid, []bool{true})
	assert.InDelta(t, 3000, float64(mid[0]), 40)

	// The anchor is untouched.
	a := []uint16{2500}
	h.Apply("B04", 2, a, []bool{true})
	assert.Equal(t, uint16(2500), a[0])
}

func TestHarmonizerLeavesInvalidPixels(t *testing.T) {
	h, err := NewHarmonizer(utils.HarmonizationOverlapGain, 1, zap.NewNop())
	require.NoError(t, err)

	a := []uint16{100, 200, 300, 400}
	b := []uint16{10, 20, 30, 40}
	h.Observe("B02", []int{1, 2}, [][]uint16{a, b}, [][]bool{allValid(4), {true, true, true, false}})
	h.Fit()

	data := []uint16{10, 0, 77}
	h.Apply("B02", 2, data, []bool{true, false, false})
	assert.Equal(t, uint16(0), data[1])
	assert.Equal(t, uint16(77), data[2])
	assert.NotEqual(t, uint16(10), data[0])
}

func TestOverlapGainRecoversKnownGain(t *testing.T) {
	h, err := NewHarmonizer(utils.HarmonizationOverlapGain, 100, zap.NewNop())
	require.NoError(t, err)

	const n = 600
	s1 := make([]uint16, n)
	s2 := make([]uint16, n)
	s3 := make([]uint16, n)
	v1, v2, v3 := make([]bool, n), make([]bool, n), make([]bool, n)
	for i := 0; i < n; i++ {
		v1[i] = true
		if i < 500 {
			s2[i] = uint16(50 + i)
			s1[i] = 2*s2[i] + 100
			v2[i] = true
		} else {
			s1[i] = 1000
		}
		if i < 10 {
			s3[i] = 7
			v3[i] = true
		}
	}

	h.Observe("B8A", []int{1, 2, 3}, [][]uint16{s1, s2, s3}, [][]bool{v1, v2, v3})
	h.Fit()

	data := []uint16{50, 60, 549}
	h.Apply("B8A", 2, data, allValid(3))
	assert.Equal(t, []uint16{200, 220, 1198}, data)

	// Too little overlap with the anchor: identity.
	d3 := []uint16{7, 8}
	h.Apply("B8A", 3, d3, allValid(2))
	assert.Equal(t, []uint16{7, 8}, d3)
}

func TestOverlapGainComposesAlongTree(t *testing.T) {
	h, err := NewHarmonizer(utils.HarmonizationOverlapGain, 10, zap.NewNop())
	require.NoError(t, err)

	// Scene 1 is the anchor and only overlaps scene 2; scene 3 only
	// overlaps scene 2. s2 = s1 / 2 and s3 = s2 - 100.
	const n = 350
	s1, s2, s3 := make([]uint16, n), make([]uint16, n), make([]uint16, n)
	v1, v2, v3 := make([]bool, n), make([]bool, n), make([]bool, n)
	for i := 0; i < n; i++ {
		base := uint16(400 + 2*(i%100))
		switch {
		case i < 100:
			s1[i], s2[i] = base, base/2
			v1[i], v2[i] = true, true
		case i < 200:
			s2[i], s3[i] = base/2, base/2-100
			v2[i], v3[i] = true, true
		default:
			s1[i] = 5000
			v1[i] = true
		}
	}

	h.Observe("B03", []int{1, 2, 3}, [][]uint16{s1, s2, s3}, [][]bool{v1, v2, v3})
	h.Fit()

	data := []uint16{150}
	h.Apply("B03", 3, data, []bool{true})
	assert.Equal(t, []uint16{500}, data)
}

func TestClampDN(t *testing.T) {
	assert.Equal(t, uint16(1), clampDN(-5))
	assert.Equal(t, uint16(1), clampDN(0.2))
	assert.Equal(t, uint16(12), clampDN(12.4))
	assert.Equal(t, uint16(65535), clampDN(70000))
}

func TestAnchorSceneTieGoesToLaterScene(t *testing.T) {
	assert.Equal(t, 3, anchorScene(map[int]int64{1: 10, 2: 5, 3: 10}))
	assert.Equal(t, 2, anchorScene(map[int]int64{1: 10, 2: 11}))
}
