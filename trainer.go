package mamlgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Trainer runs the hybrid loop: one optimizer step per call, each step made
// of gradient_accumulation_steps micro-steps. Every micro-step asks the
// scheduler whether it is autoregressive, meta, or a blend of both, and all
// gradients funnel into the single shared AdamW instance.
type Trainer struct {
	cfg *Config

	bb     *Backbone
	opt    *AdamW
	head0  *HeadParams
	loader *DataLoader
	val    *DataLoader

	sched         *HybridScheduler
	schedStream   *Stream
	samplerStream *Stream
	samplerCfg    SamplerConfig

	metrics MetricsSink
	logger  *slog.Logger
	ckpt    *CheckpointManager

	step int

	innerLR        float32
	innerSteps     int
	updateHeadInit bool
	blend          bool
	hybridValue    float32
	smlmtWeight    float32
	dropout        float32

	// head meta-gradient accumulated across one window
	headGrad *HeadParams

	// interval aggregates for periodic logging
	intARSum, intMetaSum float64
	intARN, intMetaN     int
	intSkipped           int
	intNonFinite         int
	intStart             time.Time
}

func NewTrainer(cfg *Config, loader *DataLoader, store CheckpointStore, sink MetricsSink, logger *slog.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = NopSink{}
	}
	s := cfg.SMLMT
	t := &Trainer{
		cfg:            cfg,
		loader:         loader,
		metrics:        sink,
		logger:         logger,
		innerLR:        s.InnerLR,
		innerSteps:     s.InnerSteps,
		updateHeadInit: s.Enabled && s.UpdateHeadInit,
		blend:          cfg.BlendMode(),
		smlmtWeight:    s.SMLMTWeight,
		dropout:        s.ClassifierHead.Dropout,
		intStart:       time.Now(),
	}
	switch {
	case !s.Enabled:
	case s.HybridRatio != nil:
		t.hybridValue = *s.HybridRatio
	default:
		t.hybridValue = *s.Probability
	}

	t.bb = NewBackbone(cfg.Model, cfg.Seed)
	t.head0 = NewHeadParams(s.ClassifierHead, cfg.Model.Channels, s.NumClasses)
	method := s.ClassifierHead.InitMethod
	if method == "" {
		method = InitFanIn
	}
	t.head0.Initialize(method, rand.New(rand.NewSource(cfg.Seed+1)))

	t.schedStream = NewStream(cfg.Seed + 2)
	t.samplerStream = NewStream(cfg.Seed + 3)
	t.sched = NewHybridScheduler(s, t.schedStream)
	t.samplerCfg = NewSamplerConfig(s)

	headLen := 0
	if t.updateHeadInit {
		headLen = len(t.head0.Memory)
		t.headGrad = t.head0.ZeroLike()
	}
	t.opt = NewAdamW(cfg.Training, len(t.bb.Params.Memory), headLen)

	if store != nil {
		t.ckpt = NewCheckpointManager(store, logger)
	}
	return t, nil
}

// SetValLoader attaches a held-out token stream; its AR loss is reported at
// every logging interval and never contributes gradients.
func (t *Trainer) SetValLoader(val *DataLoader) { t.val = val }

func (t *Trainer) Step() int             { return t.step }
func (t *Trainer) Backbone() *Backbone   { return t.bb }
func (t *Trainer) HeadInit() *HeadParams { return t.head0 }
func (t *Trainer) Optimizer() *AdamW     { return t.opt }
func (t *Trainer) loaderPos() int64      { return t.loader.Position() }

// Resume loads the latest checkpoint if one exists. Returns the step the
// run continues from, or 0 when starting fresh.
func (t *Trainer) Resume() (int, error) {
	if t.ckpt == nil {
		return 0, nil
	}
	step, err := t.ckpt.Restore(t, -1)
	if err != nil {
		return 0, err
	}
	if step < 0 {
		return 0, nil
	}
	return step, nil
}

// Train runs optimizer steps until max_steps or context cancellation.
// Cancellation is only observed between steps, so the last checkpoint and
// the optimizer state always agree.
func (t *Trainer) Train(ctx context.Context) error {
	cfg := t.cfg
	for t.step < cfg.Training.MaxSteps {
		select {
		case <-ctx.Done():
			t.logger.Info("training interrupted", "step", t.step)
			if t.ckpt != nil && t.step > 0 {
				if err := t.ckpt.Save(t); err != nil {
					return err
				}
			}
			return ctx.Err()
		default:
		}
		m, err := t.TrainStep()
		if err != nil {
			return fmt.Errorf("step %d: %w", t.step, err)
		}
		t.metrics.Record(m)
		if t.logger.Enabled(ctx, slog.LevelDebug) {
			t.logger.Debug(m.Tree())
		}
		t.logInterval()
		if t.ckpt != nil && cfg.Checkpointing.SaveEveryNSteps > 0 &&
			t.step%cfg.Checkpointing.SaveEveryNSteps == 0 {
			if err := t.ckpt.Save(t); err != nil {
				return err
			}
		}
	}
	if t.ckpt != nil {
		return t.ckpt.Save(t)
	}
	return nil
}

// TrainStep runs one accumulation window and applies one optimizer update.
func (t *Trainer) TrainStep() (StepMetrics, error) {
	accum := t.cfg.Training.GradientAccumulationSteps
	scale := 1 / float32(accum)

	t.bb.ZeroGradients()
	if t.headGrad != nil {
		zero(t.headGrad.Memory)
	}

	m := StepMetrics{
		Step: t.step + 1, StepType: StepAR,
		ARLoss: -1, MetaLoss: -1, CombinedLoss: -1,
		SupportAccuracy: -1, QueryAccuracy: -1,
	}
	var arSum, metaSum, combined float64
	arN, metaN := 0, 0

	for micro := 0; micro < accum; micro++ {
		batch, err := t.loader.NextBatch()
		if err != nil {
			return m, err
		}
		dec := t.sched.Decide()
		arWeight := (1 - dec.Ratio) * scale
		metaWeight := dec.Ratio * t.smlmtWeight * scale

		if dec.Kind != StepAR {
			res, err := t.metaMicroStep(batch, metaWeight)
			switch {
			case errors.Is(err, ErrInsufficientVocabulary),
				errors.Is(err, ErrInsufficientOccurrences),
				errors.Is(err, ErrDivergedAdaptation):
				// skip the episode and fall back to a plain AR micro-step
				t.logger.Warn("episode skipped", "step", t.step+1, "reason", err)
				m.SkippedEpisodes++
				t.intSkipped++
				arWeight = scale
			case err != nil:
				return m, err
			default:
				metaSum += float64(res.MetaLoss)
				combined += float64(metaWeight * res.MetaLoss)
				metaN++
				m.SupportAccuracy = res.SupportAccuracy
				m.QueryAccuracy = res.QueryAccuracy
				m.InnerLosses = res.InnerLosses
				m.InnerGradNorms = res.InnerGradNorms
			}
		}
		if arWeight > 0 {
			B, T := t.cfg.Training.BatchSize, t.cfg.Training.SeqLen
			if _, err := t.bb.Encode(batch.Inputs, B, T); err != nil {
				return m, err
			}
			loss, err := t.bb.LMLoss(batch.Targets)
			if err != nil {
				return m, err
			}
			if !isFinite(loss) {
				t.intNonFinite++
			}
			if err := t.bb.BackwardAR(arWeight); err != nil {
				return m, err
			}
			arSum += float64(loss)
			combined += float64(arWeight * loss)
			arN++
		}
	}

	m.LearningRate = t.opt.LR()
	var hp, hg []float32
	if t.updateHeadInit {
		hp, hg = t.head0.Memory, t.headGrad.Memory
	}
	t.opt.Step(t.bb.Params.Memory, t.bb.Grads.Memory, hp, hg)
	t.step++
	m.Step = t.step

	switch {
	case arN > 0 && metaN > 0:
		m.StepType = StepBlend
	case metaN > 0:
		m.StepType = StepMeta
	}
	if arN > 0 {
		m.ARLoss = float32(arSum / float64(arN))
		t.intARSum += arSum
		t.intARN += arN
	}
	if metaN > 0 {
		m.MetaLoss = float32(metaSum / float64(metaN))
		t.intMetaSum += metaSum
		t.intMetaN += metaN
	}
	m.CombinedLoss = float32(combined)
	return m, nil
}

// metaMicroStep samples one episode from the batch, adapts the head on its
// support set, and backpropagates the query loss through the trajectory into
// the backbone, scaled by weight.
func (t *Trainer) metaMicroStep(batch *Batch, weight float32) (MetaResult, error) {
	idx := IndexBatch(batch.Sequences)
	ep, err := SampleEpisode(batch.Sequences, idx, t.samplerCfg, t.samplerStream)
	if err != nil {
		return MetaResult{}, err
	}
	rows, labels := ep.flatten()
	n := len(rows)
	T, C := t.cfg.Training.SeqLen, t.cfg.Model.Channels

	flat := make([]int32, n*T)
	for i, r := range rows {
		copy(flat[i*T:(i+1)*T], r.Tokens)
	}
	reps, err := t.bb.Encode(flat, n, T)
	if err != nil {
		return MetaResult{}, err
	}

	// gather the representation at each masked position
	x := make([]float32, n*C)
	for i, r := range rows {
		copy(x[i*C:(i+1)*C], reps[(i*T+r.Pos)*C:(i*T+r.Pos+1)*C])
	}

	// one dropout mask per episode, held fixed across the inner loop and
	// the query evaluation so the trajectory stays deterministic
	var mask []float32
	if t.dropout > 0 {
		keep := 1 - t.dropout
		mask = make([]float32, n*C)
		for i := range mask {
			if t.samplerStream.Float32() < keep {
				mask[i] = 1 / keep
			}
		}
		for i := range x {
			x[i] *= mask[i]
		}
	}

	nS := ep.NumSupport()
	supportX, queryX := x[:nS*C], x[nS*C:]
	supportLabels, queryLabels := labels[:nS], labels[nS:]

	traj, err := AdaptHead(t.head0, supportX, supportLabels, nS, t.innerLR, t.innerSteps)
	if err != nil {
		return MetaResult{}, err
	}
	dHead0, dSupportX, dQueryX, res := MetaBackward(traj, queryX, queryLabels, ep.NumQuery())

	if t.updateHeadInit {
		for i, g := range dHead0.Memory {
			t.headGrad.Memory[i] += weight * g
		}
	}
	if t.innerSteps == 0 && !t.updateHeadInit {
		// nothing trainable depends on the representations here
		return res, nil
	}

	dReps := make([]float32, n*T*C)
	scatter := func(dx []float32, rowOff int) {
		for i := 0; i < len(dx)/C; i++ {
			row := rowOff + i
			pos := rows[row].Pos
			dst := dReps[(row*T+pos)*C:]
			for c := 0; c < C; c++ {
				g := dx[i*C+c]
				if mask != nil {
					g *= mask[row*C+c]
				}
				dst[c] = weight * g
			}
		}
	}
	scatter(dSupportX, 0)
	scatter(dQueryX, nS)
	if err := t.bb.BackwardRepresentations(dReps); err != nil {
		return MetaResult{}, err
	}
	return res, nil
}

// valLoss runs one forward-only AR batch on the held-out stream.
func (t *Trainer) valLoss() (float32, error) {
	batch, err := t.val.NextBatch()
	if err != nil {
		return 0, err
	}
	B, T := t.cfg.Training.BatchSize, t.cfg.Training.SeqLen
	if _, err := t.bb.Encode(batch.Inputs, B, T); err != nil {
		return 0, err
	}
	return t.bb.LMLoss(batch.Targets)
}

func (t *Trainer) logInterval() {
	every := t.cfg.Monitoring.LogEveryNSteps
	if every <= 0 || t.step%every != 0 {
		return
	}
	elapsed := time.Since(t.intStart)
	args := []any{
		"step", t.step,
		"lr", t.opt.LR(),
		"elapsed", elapsed.Round(time.Millisecond),
	}
	if t.intARN > 0 {
		args = append(args, "ar_loss", float32(t.intARSum/float64(t.intARN)))
	}
	if t.intMetaN > 0 {
		args = append(args, "meta_loss", float32(t.intMetaSum/float64(t.intMetaN)))
	}
	if t.intSkipped > 0 {
		args = append(args, "skipped_episodes", t.intSkipped)
	}
	if t.intNonFinite > 0 {
		args = append(args, "non_finite_losses", t.intNonFinite)
	}
	if t.val != nil {
		if loss, err := t.valLoss(); err == nil {
			args = append(args, "val_loss", loss)
		}
	}
	t.logger.Info("train", args...)
	t.intARSum, t.intMetaSum = 0, 0
	t.intARN, t.intMetaN = 0, 0
	t.intSkipped, t.intNonFinite = 0, 0
	t.intStart = time.Now()
}
