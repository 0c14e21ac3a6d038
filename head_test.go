package mamlgo

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHead(t *testing.T, numLayers, inputDim, hiddenDim, numClasses int, seed int64) *HeadParams {
	t.Helper()
	h := NewHeadParams(HeadConfig{NumLayers: numLayers, HiddenDim: hiddenDim}, inputDim, numClasses)
	h.Initialize(InitFanIn, rand.New(rand.NewSource(seed)))
	return h
}

func randomInputs(n, dim, k int, seed int64) ([]float32, []int) {
	rng := rand.New(rand.NewSource(seed))
	x := make([]float32, n*dim)
	for i := range x {
		x[i] = float32(rng.NormFloat64())
	}
	labels := make([]int, n)
	for i := range labels {
		labels[i] = rng.Intn(k)
	}
	return x, labels
}

// close enough for float32 central differences
func assertGradClose(t *testing.T, want, got float32, msg string) {
	t.Helper()
	tol := 1e-3 + 0.02*absf(want)
	assert.InDelta(t, want, got, float64(tol), msg)
}

func TestHeadForwardProbabilities(t *testing.T) {
	h := testHead(t, 2, 3, 4, 3, 1)
	x, _ := randomInputs(5, 3, 3, 2)
	acts := h.Forward(x, 5)
	for e := 0; e < 5; e++ {
		var sum float32
		for i := 0; i < 3; i++ {
			p := acts.probs[e*3+i]
			require.Greater(t, p, float32(0))
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestHeadZeroInitUniformLoss(t *testing.T) {
	h := NewHeadParams(HeadConfig{NumLayers: 1}, 4, 5)
	h.Initialize(InitZeros, rand.New(rand.NewSource(1)))
	x, labels := randomInputs(6, 4, 5, 3)
	acts := h.Forward(x, 6)
	assert.InDelta(t, math.Log(5), float64(acts.Loss(labels)), 1e-5)
}

func TestHeadAddScaledIsFunctional(t *testing.T) {
	h := testHead(t, 1, 3, 0, 2, 4)
	before := append([]float32(nil), h.Memory...)
	g := h.Clone()
	updated := h.AddScaled(g, -0.5)
	assert.Equal(t, before, h.Memory)
	for i := range updated.Memory {
		assert.InDelta(t, h.Memory[i]*0.5, updated.Memory[i], 1e-6)
	}
}

func TestHeadBackwardMatchesFiniteDifferences(t *testing.T) {
	const n = 5
	h := testHead(t, 2, 3, 4, 3, 7)
	x, labels := randomInputs(n, 3, 3, 8)

	grads := h.ZeroLike()
	dX := make([]float32, len(x))
	h.Backward(h.Forward(x, n), labels, grads, dX)

	const eps = 1e-2
	lossAt := func(p *HeadParams, xs []float32) float32 {
		return p.Forward(xs, n).Loss(labels)
	}
	for i := 0; i < len(h.Memory); i += 3 {
		hp, hm := h.Clone(), h.Clone()
		hp.Memory[i] += eps
		hm.Memory[i] -= eps
		want := (lossAt(hp, x) - lossAt(hm, x)) / (2 * eps)
		assertGradClose(t, want, grads.Memory[i], "parameter gradient")
	}
	for i := 0; i < len(x); i += 4 {
		xp := append([]float32(nil), x...)
		xm := append([]float32(nil), x...)
		xp[i] += eps
		xm[i] -= eps
		want := (lossAt(h, xp) - lossAt(h, xm)) / (2 * eps)
		assertGradClose(t, want, dX[i], "input gradient")
	}
}

func TestHeadHVPMatchesFiniteDifferences(t *testing.T) {
	const n = 4
	h := testHead(t, 2, 3, 4, 3, 9)
	x, labels := randomInputs(n, 3, 3, 10)

	dirRng := rand.New(rand.NewSource(11))
	dir := h.ZeroLike()
	for i := range dir.Memory {
		dir.Memory[i] = float32(dirRng.NormFloat64())
	}

	hTheta := h.ZeroLike()
	hX := make([]float32, len(x))
	h.HVP(x, labels, n, dir, hTheta, hX)

	// central difference of the gradient along dir
	const eps = 1e-2
	gradAt := func(p *HeadParams) (*HeadParams, []float32) {
		g := p.ZeroLike()
		dX := make([]float32, len(x))
		p.Backward(p.Forward(x, n), labels, g, dX)
		return g, dX
	}
	gp, dxp := gradAt(h.AddScaled(dir, eps))
	gm, dxm := gradAt(h.AddScaled(dir, -eps))

	for i := range hTheta.Memory {
		want := (gp.Memory[i] - gm.Memory[i]) / (2 * eps)
		assertGradClose(t, want, hTheta.Memory[i], "theta-theta block")
	}
	for i := range hX {
		want := (dxp[i] - dxm[i]) / (2 * eps)
		assertGradClose(t, want, hX[i], "x-theta block")
	}
}

func TestHeadSingleLayerShape(t *testing.T) {
	h := NewHeadParams(HeadConfig{NumLayers: 1}, 8, 3)
	require.Len(t, h.W, 1)
	assert.Equal(t, []int{3, 8}, h.W[0].dims)
	assert.Equal(t, []int{3}, h.B[0].dims)
	assert.Len(t, h.Memory, 3*8+3)
}
