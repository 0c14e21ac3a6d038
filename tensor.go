package mamlgo

// tensor is a dense float32 view over a shared arena. All parameter and
// activation memory lives in single flat slices so optimizers, checkpoints
// and gradient clipping can treat a whole model as one vector.
type tensor struct {
	data []float32
	dims []int
}

func (t tensor) size() int {
	return sizeOf(t.dims)
}

func sizeOf(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// arena carves tensors out of one backing slice in declaration order.
type arena struct {
	mem []float32
	off int
}

func newArena(total int) *arena {
	return &arena{mem: make([]float32, total)}
}

func (a *arena) carve(dims ...int) tensor {
	n := sizeOf(dims)
	if a.off+n > len(a.mem) {
		panic("arena: carve past end of backing memory")
	}
	t := tensor{data: a.mem[a.off : a.off+n], dims: dims}
	a.off += n
	return t
}

func (a *arena) done() {
	if a.off != len(a.mem) {
		panic("arena: backing memory not fully carved")
	}
}

// ParameterTensors holds the backbone weights. The same layout is reused for
// the gradient arena so the two stay index-aligned.
type ParameterTensors struct {
	Memory    []float32
	TokEmbed  tensor // (V, C) token embedding, also the tied output projection
	PosEmbed  tensor // (maxT, C)
	Ln1W      tensor // (L, C)
	Ln1B      tensor // (L, C)
	QKVW      tensor // (L, 3C, C)
	QKVB      tensor // (L, 3C)
	AttnProjW tensor // (L, C, C)
	AttnProjB tensor // (L, C)
	Ln2W      tensor // (L, C)
	Ln2B      tensor // (L, C)
	MLPW      tensor // (L, 4C, C)
	MLPB      tensor // (L, 4C)
	MLPProjW  tensor // (L, C, 4C)
	MLPProjB  tensor // (L, C)
	LnFW      tensor // (C)
	LnFB      tensor // (C)
}

func parameterCount(V, C, maxT, L int) int {
	return V*C + maxT*C +
		L*(2*C+3*C*C+3*C+C*C+C+2*C+4*C*C+4*C+4*C*C+C) +
		2*C
}

func (p *ParameterTensors) Init(V, C, maxT, L int) {
	a := newArena(parameterCount(V, C, maxT, L))
	p.Memory = a.mem
	p.TokEmbed = a.carve(V, C)
	p.PosEmbed = a.carve(maxT, C)
	p.Ln1W = a.carve(L, C)
	p.Ln1B = a.carve(L, C)
	p.QKVW = a.carve(L, 3*C, C)
	p.QKVB = a.carve(L, 3*C)
	p.AttnProjW = a.carve(L, C, C)
	p.AttnProjB = a.carve(L, C)
	p.Ln2W = a.carve(L, C)
	p.Ln2B = a.carve(L, C)
	p.MLPW = a.carve(L, 4*C, C)
	p.MLPB = a.carve(L, 4*C)
	p.MLPProjW = a.carve(L, C, 4*C)
	p.MLPProjB = a.carve(L, C)
	p.LnFW = a.carve(C)
	p.LnFB = a.carve(C)
	a.done()
}

func (p *ParameterTensors) Len() int { return len(p.Memory) }

// ActivationTensors holds every intermediate of one backbone forward pass.
// The backward pass reuses the identical layout for activation gradients.
type ActivationTensors struct {
	Memory    []float32
	Encoded   tensor // (B, T, C)
	Ln1       tensor // (L, B, T, C)
	Ln1Mean   tensor // (L, B, T)
	Ln1Rstd   tensor // (L, B, T)
	QKV       tensor // (L, B, T, 3C)
	AttnOut   tensor // (L, B, T, C)
	PreAttn   tensor // (L, B, NH, T, T)
	Attn      tensor // (L, B, NH, T, T)
	AttnProj  tensor // (L, B, T, C)
	Residual2 tensor // (L, B, T, C)
	Ln2       tensor // (L, B, T, C)
	Ln2Mean   tensor // (L, B, T)
	Ln2Rstd   tensor // (L, B, T)
	MLP       tensor // (L, B, T, 4C)
	MLPGelu   tensor // (L, B, T, 4C)
	MLPProj   tensor // (L, B, T, C)
	Residual3 tensor // (L, B, T, C)
	LnF       tensor // (B, T, C) per-position representations
	LnFMean   tensor // (B, T)
	LnFRstd   tensor // (B, T)
	Logits    tensor // (B, T, V)
	Probs     tensor // (B, T, V)
	Losses    tensor // (B, T)
}

func activationCount(B, C, T, L, NH, V int) int {
	return B*T*C +
		L*(18*B*T*C+4*B*T+2*B*NH*T*T) +
		B*T*C + 2*B*T + 2*B*T*V + B*T
}

func (ac *ActivationTensors) Init(B, C, T, L, NH, V int) {
	a := newArena(activationCount(B, C, T, L, NH, V))
	ac.Memory = a.mem
	ac.Encoded = a.carve(B, T, C)
	ac.Ln1 = a.carve(L, B, T, C)
	ac.Ln1Mean = a.carve(L, B, T)
	ac.Ln1Rstd = a.carve(L, B, T)
	ac.QKV = a.carve(L, B, T, 3*C)
	ac.AttnOut = a.carve(L, B, T, C)
	ac.PreAttn = a.carve(L, B, NH, T, T)
	ac.Attn = a.carve(L, B, NH, T, T)
	ac.AttnProj = a.carve(L, B, T, C)
	ac.Residual2 = a.carve(L, B, T, C)
	ac.Ln2 = a.carve(L, B, T, C)
	ac.Ln2Mean = a.carve(L, B, T)
	ac.Ln2Rstd = a.carve(L, B, T)
	ac.MLP = a.carve(L, B, T, 4*C)
	ac.MLPGelu = a.carve(L, B, T, 4*C)
	ac.MLPProj = a.carve(L, B, T, C)
	ac.Residual3 = a.carve(L, B, T, C)
	ac.LnF = a.carve(B, T, C)
	ac.LnFMean = a.carve(B, T)
	ac.LnFRstd = a.carve(B, T)
	ac.Logits = a.carve(B, T, V)
	ac.Probs = a.carve(B, T, V)
	ac.Losses = a.carve(B, T)
	a.done()
}
