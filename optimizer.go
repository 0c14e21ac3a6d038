package mamlgo

// AdamW is the single outer optimizer shared by AR and meta steps. Both step
// types advance the same step counter and momentum state; that coherence is
// the central invariant of hybrid training. When head-initialization updates
// are enabled the head moments live here too, so a checkpoint captures the
// entire optimizer in one place.
type AdamW struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Eps          float32
	WeightDecay  float32
	MaxGradNorm  float32
	WarmupSteps  int

	steps int // optimizer steps taken, shared across step types

	m, v         []float32
	headM, headV []float32
}

func NewAdamW(cfg TrainingConfig, backboneLen, headLen int) *AdamW {
	o := &AdamW{
		LearningRate: cfg.LR,
		Beta1:        cfg.Beta1,
		Beta2:        cfg.Beta2,
		Eps:          cfg.Eps,
		WeightDecay:  cfg.WeightDecay,
		MaxGradNorm:  cfg.MaxGradNorm,
		WarmupSteps:  cfg.WarmupSteps,
		m:            make([]float32, backboneLen),
		v:            make([]float32, backboneLen),
	}
	if headLen > 0 {
		o.headM = make([]float32, headLen)
		o.headV = make([]float32, headLen)
	}
	return o
}

func (o *AdamW) Steps() int { return o.steps }

// LR returns the warmup-scaled learning rate for the next step.
func (o *AdamW) LR() float32 {
	if o.WarmupSteps <= 0 || o.steps >= o.WarmupSteps {
		return o.LearningRate
	}
	return o.LearningRate * float32(o.steps+1) / float32(o.WarmupSteps)
}

// Step applies one update to the backbone parameters and, when headParams and
// headGrads are non-nil, the persisted head initialization. Gradients are
// clipped jointly by global norm first.
func (o *AdamW) Step(params, grads []float32, headParams, headGrads []float32) {
	if o.MaxGradNorm > 0 {
		var sum float64
		for _, g := range grads {
			sum += float64(g) * float64(g)
		}
		for _, g := range headGrads {
			sum += float64(g) * float64(g)
		}
		norm := sqrtf(float32(sum))
		if norm > o.MaxGradNorm {
			scale := o.MaxGradNorm / norm
			for i := range grads {
				grads[i] *= scale
			}
			for i := range headGrads {
				headGrads[i] *= scale
			}
		}
	}

	o.steps++
	lr := float32(0)
	if o.WarmupSteps > 0 && o.steps <= o.WarmupSteps {
		lr = o.LearningRate * float32(o.steps) / float32(o.WarmupSteps)
	} else {
		lr = o.LearningRate
	}
	o.update(params, grads, o.m, o.v, lr)
	if headParams != nil && headGrads != nil {
		o.update(headParams, headGrads, o.headM, o.headV, lr)
	}
}

func (o *AdamW) update(params, grads, m, v []float32, lr float32) {
	t := float32(o.steps)
	for i := range params {
		g := grads[i]
		p := params[i]
		mi := o.Beta1*m[i] + (1-o.Beta1)*g
		vi := o.Beta2*v[i] + (1-o.Beta2)*g*g
		mHat := mi / (1 - powf(o.Beta1, t))
		vHat := vi / (1 - powf(o.Beta2, t))
		m[i] = mi
		v[i] = vi
		params[i] -= lr * (mHat/(sqrtf(vHat)+o.Eps) + o.WeightDecay*p)
	}
}
