package mamlgo

import (
	"math"
	"math/rand"
)

// Head initialization methods.
const (
	InitFanIn = "fan_in"
	InitZeros = "zeros"
)

// HeadParams is one immutable snapshot of task-head parameters: NumLayers
// linear layers with tanh between them and a softmax cross-entropy on top,
// mapping a backbone representation to logits over the episode's classes.
//
// Two lifecycles share this type: the persisted initialization owned by the
// trainer/checkpoint manager, and the ephemeral per-episode snapshots the
// inner loop produces. Updates are functional: AddScaled returns a new
// snapshot and never mutates the receiver, which is what lets the outer loop
// differentiate through the whole inner trajectory.
type HeadParams struct {
	numLayers  int
	inputDim   int
	hiddenDim  int
	numClasses int

	Memory []float32
	W      []tensor // per layer, (out, in) row-major
	B      []tensor // per layer, (out)
}

func (h *HeadParams) layerDims(l int) (in, out int) {
	in = h.hiddenDim
	if l == 0 {
		in = h.inputDim
	}
	out = h.hiddenDim
	if l == h.numLayers-1 {
		out = h.numClasses
	}
	return in, out
}

// NewHeadParams allocates a zeroed head of the given shape.
func NewHeadParams(cfg HeadConfig, inputDim, numClasses int) *HeadParams {
	h := &HeadParams{
		numLayers:  cfg.NumLayers,
		inputDim:   inputDim,
		hiddenDim:  cfg.HiddenDim,
		numClasses: numClasses,
	}
	total := 0
	for l := 0; l < h.numLayers; l++ {
		in, out := h.layerDims(l)
		total += out*in + out
	}
	a := newArena(total)
	h.Memory = a.mem
	h.W = make([]tensor, h.numLayers)
	h.B = make([]tensor, h.numLayers)
	for l := 0; l < h.numLayers; l++ {
		in, out := h.layerDims(l)
		h.W[l] = a.carve(out, in)
		h.B[l] = a.carve(out)
	}
	a.done()
	return h
}

// Initialize applies the declared init method in place. It is called once
// when the persisted initialization is (re)created, never per episode.
func (h *HeadParams) Initialize(method string, rng *rand.Rand) {
	switch method {
	case InitZeros:
		zero(h.Memory)
	default: // fan_in
		for l := 0; l < h.numLayers; l++ {
			in, _ := h.layerDims(l)
			std := 1.0 / math.Sqrt(float64(in))
			for i := range h.W[l].data {
				h.W[l].data[i] = float32(rng.NormFloat64() * std)
			}
			zero(h.B[l].data)
		}
	}
}

func (h *HeadParams) sameShape(o *HeadParams) bool {
	return h.numLayers == o.numLayers && h.inputDim == o.inputDim &&
		h.hiddenDim == o.hiddenDim && h.numClasses == o.numClasses
}

// ZeroLike returns a zeroed arena of the same shape, used for gradients.
func (h *HeadParams) ZeroLike() *HeadParams {
	return NewHeadParams(HeadConfig{NumLayers: h.numLayers, HiddenDim: h.hiddenDim}, h.inputDim, h.numClasses)
}

func (h *HeadParams) Clone() *HeadParams {
	c := h.ZeroLike()
	copy(c.Memory, h.Memory)
	return c
}

// AddScaled returns a new snapshot h + s*g. It is the closed-form SGD update
// Θ' = Θ - lr*∇ when called with s = -lr.
func (h *HeadParams) AddScaled(g *HeadParams, s float32) *HeadParams {
	c := h.Clone()
	for i := range c.Memory {
		c.Memory[i] += s * g.Memory[i]
	}
	return c
}

func (h *HeadParams) Norm() float32 {
	var sum float64
	for _, v := range h.Memory {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum))
}

// headActs stores one forward pass over a batch of n examples.
// a[l] is the input to layer l (a[0] aliases the caller's x).
type headActs struct {
	n      int
	a      [][]float32
	logits []float32
	probs  []float32
}

// Forward evaluates the head on n examples of inputDim values each.
func (h *HeadParams) Forward(x []float32, n int) *headActs {
	acts := &headActs{n: n, a: make([][]float32, h.numLayers)}
	acts.a[0] = x
	cur := x
	for l := 0; l < h.numLayers; l++ {
		in, out := h.layerDims(l)
		next := make([]float32, n*out)
		linearRows(next, cur, h.W[l].data, h.B[l].data, n, in, out)
		if l < h.numLayers-1 {
			for i := range next {
				next[i] = float32(math.Tanh(float64(next[i])))
			}
			acts.a[l+1] = next
			cur = next
		} else {
			acts.logits = next
		}
	}
	acts.probs = make([]float32, n*h.numClasses)
	softmaxForward(acts.probs, acts.logits, n, 1, h.numClasses)
	return acts
}

func linearRows(out, x, w, b []float32, n, in, oc int) {
	for e := 0; e < n; e++ {
		xe := x[e*in : (e+1)*in]
		oe := out[e*oc : (e+1)*oc]
		for o := 0; o < oc; o++ {
			val := float64(b[o])
			wrow := w[o*in:]
			for i := 0; i < in; i++ {
				val += float64(wrow[i]) * float64(xe[i])
			}
			oe[o] = float32(val)
		}
	}
}

// Loss returns the mean cross-entropy of the forward pass against labels.
func (acts *headActs) Loss(labels []int) float32 {
	k := len(acts.probs) / acts.n
	var sum float64
	for e := 0; e < acts.n; e++ {
		sum += -math.Log(float64(acts.probs[e*k+labels[e]]))
	}
	return float32(sum / float64(acts.n))
}

// Accuracy returns the fraction of examples whose argmax matches the label.
func (acts *headActs) Accuracy(labels []int) float32 {
	k := len(acts.probs) / acts.n
	correct := 0
	for e := 0; e < acts.n; e++ {
		best := 0
		row := acts.probs[e*k : (e+1)*k]
		for i := 1; i < k; i++ {
			if row[i] > row[best] {
				best = i
			}
		}
		if best == labels[e] {
			correct++
		}
	}
	return float32(correct) / float32(acts.n)
}

// Backward accumulates the gradient of the mean cross-entropy into grads and,
// when dX is non-nil, the gradient with respect to the inputs into dX.
func (h *HeadParams) Backward(acts *headActs, labels []int, grads *HeadParams, dX []float32) {
	n := acts.n
	k := h.numClasses
	invN := 1.0 / float32(n)

	dz := make([]float32, n*k)
	for e := 0; e < n; e++ {
		row := acts.probs[e*k : (e+1)*k]
		drow := dz[e*k : (e+1)*k]
		for i := 0; i < k; i++ {
			ind := float32(0)
			if i == labels[e] {
				ind = 1
			}
			drow[i] = (row[i] - ind) * invN
		}
	}

	for l := h.numLayers - 1; l >= 0; l-- {
		in, out := h.layerDims(l)
		ain := acts.a[l]
		da := make([]float32, n*in)
		for e := 0; e < n; e++ {
			dze := dz[e*out : (e+1)*out]
			ae := ain[e*in : (e+1)*in]
			dae := da[e*in : (e+1)*in]
			for o := 0; o < out; o++ {
				d := dze[o]
				grads.B[l].data[o] += d
				wrow := h.W[l].data[o*in:]
				grow := grads.W[l].data[o*in:]
				for i := 0; i < in; i++ {
					grow[i] += d * ae[i]
					dae[i] += wrow[i] * d
				}
			}
		}
		if l > 0 {
			a := acts.a[l]
			dz = make([]float32, n*in)
			for i := range dz {
				dz[i] = da[i] * (1 - a[i]*a[i])
			}
		} else if dX != nil {
			for i := range da {
				dX[i] += da[i]
			}
		}
	}
}

// HVP computes a Hessian-vector product of the mean cross-entropy at h over
// (x, labels): hTheta += H_ΘΘ·dir and hX += H_XΘ·dir. Both products fall out
// of one tangent-mode sweep: the forward and backward passes are re-run while
// propagating the directional derivative dir alongside them, and because the
// Hessian blocks of a scalar loss are symmetric, the resulting gradient
// tangents are exactly the transposed-Jacobian products the outer loop needs
// to differentiate through an inner SGD step.
func (h *HeadParams) HVP(x []float32, labels []int, n int, dir, hTheta *HeadParams, hX []float32) {
	k := h.numClasses
	invN := 1.0 / float32(n)

	// forward, primal and tangent
	a := make([][]float32, h.numLayers)  // inputs to each layer
	at := make([][]float32, h.numLayers) // their tangents
	a[0] = x
	at[0] = make([]float32, n*h.inputDim)
	var logits, logitsDot []float32
	for l := 0; l < h.numLayers; l++ {
		in, out := h.layerDims(l)
		z := make([]float32, n*out)
		zdot := make([]float32, n*out)
		linearRows(z, a[l], h.W[l].data, h.B[l].data, n, in, out)
		for e := 0; e < n; e++ {
			xe := a[l][e*in : (e+1)*in]
			xte := at[l][e*in : (e+1)*in]
			zte := zdot[e*out : (e+1)*out]
			for o := 0; o < out; o++ {
				val := float64(dir.B[l].data[o])
				wrow := h.W[l].data[o*in:]
				drow := dir.W[l].data[o*in:]
				for i := 0; i < in; i++ {
					val += float64(drow[i])*float64(xe[i]) + float64(wrow[i])*float64(xte[i])
				}
				zte[o] = float32(val)
			}
		}
		if l < h.numLayers-1 {
			act := make([]float32, n*out)
			actT := make([]float32, n*out)
			for i := range z {
				t := float32(math.Tanh(float64(z[i])))
				act[i] = t
				actT[i] = (1 - t*t) * zdot[i]
			}
			a[l+1] = act
			at[l+1] = actT
		} else {
			logits = z
			logitsDot = zdot
		}
	}

	probs := make([]float32, n*k)
	softmaxForward(probs, logits, n, 1, k)
	probsDot := make([]float32, n*k)
	for e := 0; e < n; e++ {
		p := probs[e*k : (e+1)*k]
		zd := logitsDot[e*k : (e+1)*k]
		pd := probsDot[e*k : (e+1)*k]
		var dot float64
		for i := 0; i < k; i++ {
			dot += float64(p[i]) * float64(zd[i])
		}
		for i := 0; i < k; i++ {
			pd[i] = p[i] * (zd[i] - float32(dot))
		}
	}

	// backward, primal and tangent
	dz := make([]float32, n*k)
	dzDot := make([]float32, n*k)
	for e := 0; e < n; e++ {
		for i := 0; i < k; i++ {
			ind := float32(0)
			if i == labels[e] {
				ind = 1
			}
			dz[e*k+i] = (probs[e*k+i] - ind) * invN
			dzDot[e*k+i] = probsDot[e*k+i] * invN
		}
	}

	for l := h.numLayers - 1; l >= 0; l-- {
		in, out := h.layerDims(l)
		da := make([]float32, n*in)
		daDot := make([]float32, n*in)
		for e := 0; e < n; e++ {
			ae := a[l][e*in : (e+1)*in]
			ate := at[l][e*in : (e+1)*in]
			dze := dz[e*out : (e+1)*out]
			dzte := dzDot[e*out : (e+1)*out]
			dae := da[e*in : (e+1)*in]
			date := daDot[e*in : (e+1)*in]
			for o := 0; o < out; o++ {
				d := dze[o]
				dt := dzte[o]
				hTheta.B[l].data[o] += dt
				wrow := h.W[l].data[o*in:]
				drow := dir.W[l].data[o*in:]
				hrow := hTheta.W[l].data[o*in:]
				for i := 0; i < in; i++ {
					hrow[i] += dt*ae[i] + d*ate[i]
					dae[i] += wrow[i] * d
					date[i] += drow[i]*d + wrow[i]*dt
				}
			}
		}
		if l > 0 {
			act := a[l]
			actT := at[l]
			dz = make([]float32, n*in)
			dzDot = make([]float32, n*in)
			for i := range dz {
				sech2 := 1 - act[i]*act[i]
				dz[i] = da[i] * sech2
				dzDot[i] = daDot[i]*sech2 - da[i]*2*act[i]*actT[i]
			}
		} else if hX != nil {
			for i := range daDot {
				hX[i] += daDot[i]
			}
		}
	}
}
