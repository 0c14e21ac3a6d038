package mamlgo

import (
	"errors"
	"fmt"
	"math/rand"
)

// Backbone is the shared transformer encoder. It is the single resource both
// step types touch: AR steps read representations through the tied LM head,
// meta steps read representations at masked positions. Its parameters are
// written only by the outer optimizer, never inside an inner loop.
type Backbone struct {
	Config ModelConfig

	Params ParameterTensors
	Grads  ParameterTensors

	acts     ActivationTensors
	gradActs ActivationTensors

	// shape of the last Encode; activations are re-carved when it changes
	curB, curT int

	inputs  []int32
	targets []int32

	// MeanLoss holds the AR loss of the last LMLoss call, -1 before any.
	MeanLoss float32
}

// NewBackbone initializes a backbone with GPT-2 style scaled-normal weights
// and unit layernorm gains.
func NewBackbone(cfg ModelConfig, seed int64) *Backbone {
	m := &Backbone{Config: cfg, MeanLoss: -1}
	m.Params.Init(cfg.VocabSize, cfg.Channels, cfg.MaxSeqLen, cfg.NumLayers)
	m.Grads.Init(cfg.VocabSize, cfg.Channels, cfg.MaxSeqLen, cfg.NumLayers)
	rng := rand.New(rand.NewSource(seed))
	initNormal := func(t tensor, std float64) {
		for i := range t.data {
			t.data[i] = float32(rng.NormFloat64() * std)
		}
	}
	ones := func(t tensor) {
		for i := range t.data {
			t.data[i] = 1
		}
	}
	initNormal(m.Params.TokEmbed, 0.02)
	initNormal(m.Params.PosEmbed, 0.02)
	initNormal(m.Params.QKVW, 0.02)
	initNormal(m.Params.AttnProjW, 0.02)
	initNormal(m.Params.MLPW, 0.02)
	initNormal(m.Params.MLPProjW, 0.02)
	ones(m.Params.Ln1W)
	ones(m.Params.Ln2W)
	ones(m.Params.LnFW)
	return m
}

func (m *Backbone) ensureShape(B, T int) {
	if m.curB == B && m.curT == T {
		return
	}
	cfg := m.Config
	m.acts.Init(B, cfg.Channels, T, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize)
	m.gradActs.Init(B, cfg.Channels, T, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize)
	m.inputs = make([]int32, B*T)
	m.targets = make([]int32, B*T)
	m.curB, m.curT = B, T
}

// Encode runs the forward pass up to the final layernorm and returns the
// per-position representations, one C-vector per (b, t). The returned slice
// aliases internal activation memory and is valid until the next Encode.
func (m *Backbone) Encode(inputs []int32, B, T int) ([]float32, error) {
	if T > m.Config.MaxSeqLen {
		return nil, fmt.Errorf("sequence length %d exceeds max_seq_len %d", T, m.Config.MaxSeqLen)
	}
	if len(inputs) < B*T {
		return nil, fmt.Errorf("encode: have %d tokens, need %d", len(inputs), B*T)
	}
	m.ensureShape(B, T)
	copy(m.inputs, inputs[:B*T])
	m.MeanLoss = -1

	C, L, NH := m.Config.Channels, m.Config.NumLayers, m.Config.NumHeads
	params, acts := &m.Params, &m.acts

	encoderForward(acts.Encoded.data, m.inputs, params.TokEmbed.data, params.PosEmbed.data, B, T, C)
	residual := acts.Encoded.data
	for l := 0; l < L; l++ {
		if l > 0 {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
		}
		ln1 := acts.Ln1.data[l*B*T*C:]
		layernormForward(ln1, acts.Ln1Mean.data[l*B*T:], acts.Ln1Rstd.data[l*B*T:],
			residual, params.Ln1W.data[l*C:], params.Ln1B.data[l*C:], B, T, C)
		qkv := acts.QKV.data[l*B*T*3*C:]
		matmulForward(qkv, ln1, params.QKVW.data[l*3*C*C:], params.QKVB.data[l*3*C:], B, T, C, 3*C)
		attnOut := acts.AttnOut.data[l*B*T*C:]
		attentionForward(attnOut, acts.PreAttn.data[l*B*NH*T*T:], acts.Attn.data[l*B*NH*T*T:], qkv, B, T, C, NH)
		attnProj := acts.AttnProj.data[l*B*T*C:]
		matmulForward(attnProj, attnOut, params.AttnProjW.data[l*C*C:], params.AttnProjB.data[l*C:], B, T, C, C)
		residual2 := acts.Residual2.data[l*B*T*C:]
		residualForward(residual2, residual, attnProj, B*T*C)
		ln2 := acts.Ln2.data[l*B*T*C:]
		layernormForward(ln2, acts.Ln2Mean.data[l*B*T:], acts.Ln2Rstd.data[l*B*T:],
			residual2, params.Ln2W.data[l*C:], params.Ln2B.data[l*C:], B, T, C)
		mlp := acts.MLP.data[l*B*T*4*C:]
		matmulForward(mlp, ln2, params.MLPW.data[l*4*C*C:], params.MLPB.data[l*4*C:], B, T, C, 4*C)
		mlpGelu := acts.MLPGelu.data[l*B*T*4*C:]
		geluForward(mlpGelu, mlp, B*T*4*C)
		mlpProj := acts.MLPProj.data[l*B*T*C:]
		matmulForward(mlpProj, mlpGelu, params.MLPProjW.data[l*C*4*C:], params.MLPProjB.data[l*C:], B, T, 4*C, C)
		residualForward(acts.Residual3.data[l*B*T*C:], residual2, mlpProj, B*T*C)
	}
	residual = acts.Residual3.data[(L-1)*B*T*C:]
	layernormForward(acts.LnF.data, acts.LnFMean.data, acts.LnFRstd.data,
		residual, params.LnFW.data, params.LnFB.data, B, T, C)
	return acts.LnF.data, nil
}

// LMLoss projects the representations of the last Encode through the tied
// embedding and returns the mean next-token cross-entropy against targets.
func (m *Backbone) LMLoss(targets []int32) (float32, error) {
	if m.curB == 0 {
		return 0, errors.New("lm loss requires a prior Encode")
	}
	B, T := m.curB, m.curT
	if len(targets) < B*T {
		return 0, fmt.Errorf("lm loss: have %d targets, need %d", len(targets), B*T)
	}
	V, C := m.Config.VocabSize, m.Config.Channels
	copy(m.targets, targets[:B*T])
	matmulForward(m.acts.Logits.data, m.acts.LnF.data, m.Params.TokEmbed.data, nil, B, T, C, V)
	softmaxForward(m.acts.Probs.data, m.acts.Logits.data, B, T, V)
	crossEntropyForward(m.acts.Losses.data, m.acts.Probs.data, m.targets, B, T, V)
	var mean float32
	for _, l := range m.acts.Losses.data {
		mean += l
	}
	mean /= float32(B * T)
	m.MeanLoss = mean
	return mean, nil
}

// BackwardAR backpropagates the AR loss of the last LMLoss call, scaled by
// weight, accumulating into the parameter gradient arena.
func (m *Backbone) BackwardAR(weight float32) error {
	if m.MeanLoss < 0 {
		return errors.New("backward requires a prior LMLoss")
	}
	B, T := m.curB, m.curT
	V, C := m.Config.VocabSize, m.Config.Channels
	ga := &m.gradActs
	zero(ga.Memory)
	dlossMean := weight / float32(B*T)
	for i := range ga.Losses.data {
		ga.Losses.data[i] = dlossMean
	}
	crossEntropySoftmaxBackward(ga.Logits.data, ga.Losses.data, m.acts.Probs.data, m.targets, B, T, V)
	matmulBackward(ga.LnF.data, m.Grads.TokEmbed.data, nil, ga.Logits.data,
		m.acts.LnF.data, m.Params.TokEmbed.data, B, T, C, V)
	m.backwardFromLnF()
	return nil
}

// BackwardRepresentations backpropagates an arbitrary gradient on the
// per-position representations of the last Encode. dReps must be (B, T, C)
// matching the Encode shape; it is the entry point for the meta-gradient.
func (m *Backbone) BackwardRepresentations(dReps []float32) error {
	if m.curB == 0 {
		return errors.New("backward requires a prior Encode")
	}
	B, T, C := m.curB, m.curT, m.Config.Channels
	if len(dReps) != B*T*C {
		return fmt.Errorf("representation gradient has %d values, want %d", len(dReps), B*T*C)
	}
	ga := &m.gradActs
	zero(ga.Memory)
	copy(ga.LnF.data, dReps)
	m.backwardFromLnF()
	return nil
}

// backwardFromLnF runs the shared reverse pass from the final layernorm
// gradient down to the embeddings, accumulating parameter gradients.
func (m *Backbone) backwardFromLnF() {
	B, T := m.curB, m.curT
	C, L, NH := m.Config.Channels, m.Config.NumLayers, m.Config.NumHeads
	params, grads, acts, ga := &m.Params, &m.Grads, &m.acts, &m.gradActs

	residual := acts.Residual3.data[(L-1)*B*T*C:]
	dresidual := ga.Residual3.data[(L-1)*B*T*C:]
	layernormBackward(dresidual, grads.LnFW.data, grads.LnFB.data, ga.LnF.data,
		residual, params.LnFW.data, acts.LnFMean.data, acts.LnFRstd.data, B, T, C)

	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual = acts.Encoded.data
			dresidual = ga.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
			dresidual = ga.Residual3.data[(l-1)*B*T*C:]
		}
		dresidual3 := ga.Residual3.data[l*B*T*C:]
		dmlpProj := ga.MLPProj.data[l*B*T*C:]
		dresidual2 := ga.Residual2.data[l*B*T*C:]
		residualBackward(dresidual2, dmlpProj, dresidual3, B*T*C)
		matmulBackward(ga.MLPGelu.data[l*B*T*4*C:], grads.MLPProjW.data[l*C*4*C:], grads.MLPProjB.data[l*C:],
			dmlpProj, acts.MLPGelu.data[l*B*T*4*C:], params.MLPProjW.data[l*C*4*C:], B, T, 4*C, C)
		geluBackward(ga.MLP.data[l*B*T*4*C:], acts.MLP.data[l*B*T*4*C:], ga.MLPGelu.data[l*B*T*4*C:], B*T*4*C)
		matmulBackward(ga.Ln2.data[l*B*T*C:], grads.MLPW.data[l*4*C*C:], grads.MLPB.data[l*4*C:],
			ga.MLP.data[l*B*T*4*C:], acts.Ln2.data[l*B*T*C:], params.MLPW.data[l*4*C*C:], B, T, C, 4*C)
		layernormBackward(dresidual2, grads.Ln2W.data[l*C:], grads.Ln2B.data[l*C:], ga.Ln2.data[l*B*T*C:],
			acts.Residual2.data[l*B*T*C:], params.Ln2W.data[l*C:],
			acts.Ln2Mean.data[l*B*T:], acts.Ln2Rstd.data[l*B*T:], B, T, C)
		dattnProj := ga.AttnProj.data[l*B*T*C:]
		residualBackward(dresidual, dattnProj, dresidual2, B*T*C)
		matmulBackward(ga.AttnOut.data[l*B*T*C:], grads.AttnProjW.data[l*C*C:], grads.AttnProjB.data[l*C:],
			dattnProj, acts.AttnOut.data[l*B*T*C:], params.AttnProjW.data[l*C*C:], B, T, C, C)
		attentionBackward(ga.QKV.data[l*B*T*3*C:], ga.PreAttn.data[l*B*NH*T*T:], ga.Attn.data[l*B*NH*T*T:],
			ga.AttnOut.data[l*B*T*C:], acts.QKV.data[l*B*T*3*C:], acts.Attn.data[l*B*NH*T*T:], B, T, C, NH)
		matmulBackward(ga.Ln1.data[l*B*T*C:], grads.QKVW.data[l*3*C*C:], grads.QKVB.data[l*3*C:],
			ga.QKV.data[l*B*T*3*C:], acts.Ln1.data[l*B*T*C:], params.QKVW.data[l*3*C*C:], B, T, C, 3*C)
		layernormBackward(dresidual, grads.Ln1W.data[l*C:], grads.Ln1B.data[l*C:], ga.Ln1.data[l*B*T*C:],
			residual, params.Ln1W.data[l*C:],
			acts.Ln1Mean.data[l*B*T:], acts.Ln1Rstd.data[l*B*T:], B, T, C)
	}
	encoderBackward(grads.TokEmbed.data, grads.PosEmbed.data, ga.Encoded.data, m.inputs, B, T, C)
}

// ZeroGradients clears the parameter gradient arena. Called once per
// accumulation window, before its first micro-step.
func (m *Backbone) ZeroGradients() {
	zero(m.Grads.Memory)
}

func zero(x []float32) {
	for i := range x {
		x[i] = 0
	}
}
