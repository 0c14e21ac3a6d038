package mamlgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LR:          0.1,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		MaxGradNorm: 1.0,
	}
}

func TestAdamWMovesAgainstGradient(t *testing.T) {
	o := NewAdamW(testTrainingConfig(), 2, 0)
	params := []float32{1.0, -1.0}
	grads := []float32{0.5, -0.5}
	o.Step(params, grads, nil, nil)

	assert.Less(t, params[0], float32(1.0))
	assert.Greater(t, params[1], float32(-1.0))
	assert.Equal(t, 1, o.Steps())
}

func TestAdamWWarmup(t *testing.T) {
	cfg := testTrainingConfig()
	cfg.WarmupSteps = 10
	o := NewAdamW(cfg, 1, 0)

	assert.InDelta(t, 0.01, o.LR(), 1e-6)
	for i := 0; i < 10; i++ {
		o.Step([]float32{0}, []float32{0.1}, nil, nil)
	}
	assert.InDelta(t, 0.1, o.LR(), 1e-6)
}

func TestAdamWClipsJointNorm(t *testing.T) {
	cfg := testTrainingConfig()
	cfg.MaxGradNorm = 1.0
	o := NewAdamW(cfg, 2, 2)

	grads := []float32{3, 4}
	headGrads := []float32{0, 0}
	o.Step([]float32{0, 0}, grads, []float32{0, 0}, headGrads)

	var norm float64
	for _, g := range grads {
		norm += float64(g) * float64(g)
	}
	assert.InDelta(t, 1.0, norm, 1e-4)
	// direction preserved
	assert.InDelta(t, 3.0/4.0, grads[0]/grads[1], 1e-5)
}

func TestAdamWSharedStepCounter(t *testing.T) {
	// the head init and the backbone advance the same counter; a step
	// without head gradients still moves the shared clock
	o := NewAdamW(testTrainingConfig(), 1, 1)
	o.Step([]float32{0}, []float32{0.1}, nil, nil)
	o.Step([]float32{0}, []float32{0.1}, []float32{0}, []float32{0.1})
	assert.Equal(t, 2, o.Steps())
}

func TestAdamWWeightDecay(t *testing.T) {
	cfg := testTrainingConfig()
	cfg.WeightDecay = 0.1
	cfg.MaxGradNorm = 0
	o := NewAdamW(cfg, 1, 0)

	params := []float32{2.0}
	o.Step(params, []float32{0}, nil, nil)
	// zero gradient, so only decay moves the parameter
	require.InDelta(t, 2.0-0.1*0.1*2.0, params[0], 1e-5)
}
