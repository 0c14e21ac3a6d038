package mamlgo

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full YAML configuration surface of a training run.
type Config struct {
	Seed          int64               `yaml:"seed"`
	Model         ModelConfig         `yaml:"model"`
	Training      TrainingConfig      `yaml:"training"`
	SMLMT         SMLMTConfig         `yaml:"smlmt"`
	Data          DataConfig          `yaml:"data"`
	Checkpointing CheckpointingConfig `yaml:"checkpointing"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
}

type ModelConfig struct {
	MaxSeqLen int `yaml:"max_seq_len"`
	VocabSize int `yaml:"vocab_size"`
	NumLayers int `yaml:"num_layers"`
	NumHeads  int `yaml:"num_heads"`
	Channels  int `yaml:"channels"`
}

type TrainingConfig struct {
	LR                        float32 `yaml:"lr"`
	WarmupSteps               int     `yaml:"warmup_steps"`
	MaxSteps                  int     `yaml:"max_steps"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	BatchSize                 int     `yaml:"batch_size"`
	SeqLen                    int     `yaml:"seq_len"`
	Beta1                     float32 `yaml:"beta1"`
	Beta2                     float32 `yaml:"beta2"`
	Eps                       float32 `yaml:"eps"`
	WeightDecay               float32 `yaml:"weight_decay"`
	MaxGradNorm               float32 `yaml:"max_grad_norm"`
}

// SMLMTConfig governs episode construction and the nested optimization loop.
// Exactly one of Probability (coin-flip mode) and HybridRatio (blend mode) may
// be set; both are pointers so "absent" and "zero" stay distinguishable.
type SMLMTConfig struct {
	Enabled         bool       `yaml:"enabled"`
	Probability     *float32   `yaml:"probability"`
	HybridRatio     *float32   `yaml:"hybrid_ratio"`
	NumClasses      int        `yaml:"num_classes"`
	SupportPerClass int        `yaml:"support_per_class"`
	QueryPerClass   int        `yaml:"query_per_class"`
	InnerLR         float32    `yaml:"inner_lr"`
	InnerSteps      int        `yaml:"inner_steps"`
	UpdateHeadInit  bool       `yaml:"update_head_init"`
	SMLMTWeight     float32    `yaml:"smlmt_weight"`
	MaskToken       int32      `yaml:"mask_token"`
	StopTokens      []int32    `yaml:"stop_tokens"`
	ClassifierHead  HeadConfig `yaml:"classifier_head"`
}

type HeadConfig struct {
	NumLayers  int     `yaml:"num_layers"`
	HiddenDim  int     `yaml:"hidden_dim"`
	Dropout    float32 `yaml:"dropout"`
	InitMethod string  `yaml:"init_method"`
}

type DataConfig struct {
	TrainPath string `yaml:"train_path"`
	ValPath   string `yaml:"val_path"`
}

type CheckpointingConfig struct {
	SaveEveryNSteps int    `yaml:"save_every_n_steps"`
	RunDir          string `yaml:"run_dir"`
}

type MonitoringConfig struct {
	LogEveryNSteps int `yaml:"log_every_n_steps"`
}

// DefaultConfig returns the configuration a run starts from before YAML
// overrides are applied.
func DefaultConfig() *Config {
	half := float32(0.5)
	return &Config{
		Seed: 42,
		Model: ModelConfig{
			MaxSeqLen: 128,
			VocabSize: 8192,
			NumLayers: 4,
			NumHeads:  4,
			Channels:  128,
		},
		Training: TrainingConfig{
			LR:                        3e-4,
			WarmupSteps:               100,
			MaxSteps:                  10000,
			GradientAccumulationSteps: 1,
			BatchSize:                 8,
			SeqLen:                    64,
			Beta1:                     0.9,
			Beta2:                     0.999,
			Eps:                       1e-8,
			WeightDecay:               0.0,
			MaxGradNorm:               1.0,
		},
		SMLMT: SMLMTConfig{
			Enabled:         true,
			Probability:     &half,
			NumClasses:      3,
			SupportPerClass: 4,
			QueryPerClass:   4,
			InnerLR:         0.01,
			InnerSteps:      5,
			SMLMTWeight:     1.0,
			MaskToken:       0,
			ClassifierHead: HeadConfig{
				NumLayers:  1,
				HiddenDim:  64,
				InitMethod: InitFanIn,
			},
		},
		Checkpointing: CheckpointingConfig{
			SaveEveryNSteps: 1000,
			RunDir:          "runs/default",
		},
		Monitoring: MonitoringConfig{
			LogEveryNSteps: 100,
		},
	}
}

// LoadConfig reads a YAML file on top of the defaults and validates the
// result.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	// a file that picks one hybrid mode replaces the default mode rather
	// than conflicting with it
	var probe struct {
		SMLMT struct {
			Probability *float32 `yaml:"probability"`
			HybridRatio *float32 `yaml:"hybrid_ratio"`
		} `yaml:"smlmt"`
	}
	if err := yaml.Unmarshal(raw, &probe); err == nil {
		if probe.SMLMT.HybridRatio != nil && probe.SMLMT.Probability == nil {
			cfg.SMLMT.Probability = nil
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants. Violations are fatal: a run must
// never start with an ambiguous hybrid mode or an episode shape that cannot
// produce a legal N-way K-shot task.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfigurationConflict, fmt.Sprintf(format, args...))
	}
	m := c.Model
	if m.Channels <= 0 || m.NumLayers <= 0 || m.NumHeads <= 0 || m.VocabSize <= 0 || m.MaxSeqLen <= 0 {
		return fail("model dimensions must be positive, got %+v", m)
	}
	if m.Channels%m.NumHeads != 0 {
		return fail("channels (%d) must divide evenly into heads (%d)", m.Channels, m.NumHeads)
	}
	t := c.Training
	if t.SeqLen <= 0 || t.SeqLen > m.MaxSeqLen {
		return fail("seq_len %d must be in [1, max_seq_len=%d]", t.SeqLen, m.MaxSeqLen)
	}
	if t.BatchSize <= 0 || t.MaxSteps <= 0 {
		return fail("batch_size and max_steps must be positive")
	}
	if t.GradientAccumulationSteps < 1 {
		return fail("gradient_accumulation_steps must be >= 1, got %d", t.GradientAccumulationSteps)
	}
	if t.LR <= 0 {
		return fail("lr must be positive, got %g", t.LR)
	}
	if !c.SMLMT.Enabled {
		return nil
	}
	s := c.SMLMT
	if s.Probability != nil && s.HybridRatio != nil {
		return fail("smlmt.probability and smlmt.hybrid_ratio are mutually exclusive modes; set exactly one")
	}
	if s.Probability == nil && s.HybridRatio == nil {
		return fail("smlmt enabled but neither smlmt.probability nor smlmt.hybrid_ratio is set")
	}
	if s.Probability != nil && (*s.Probability < 0 || *s.Probability > 1) {
		return fail("smlmt.probability %g outside [0, 1]", *s.Probability)
	}
	if s.HybridRatio != nil && (*s.HybridRatio < 0 || *s.HybridRatio > 1) {
		return fail("smlmt.hybrid_ratio %g outside [0, 1]", *s.HybridRatio)
	}
	if s.NumClasses < 2 {
		return fail("smlmt.num_classes must be >= 2, got %d", s.NumClasses)
	}
	if s.SupportPerClass < 1 || s.QueryPerClass < 1 {
		return fail("smlmt support_per_class and query_per_class must be >= 1, got S=%d Q=%d",
			s.SupportPerClass, s.QueryPerClass)
	}
	if s.InnerSteps < 0 {
		return fail("smlmt.inner_steps must be >= 0, got %d", s.InnerSteps)
	}
	if s.InnerLR <= 0 && s.InnerSteps > 0 {
		return fail("smlmt.inner_lr must be positive when inner_steps > 0, got %g", s.InnerLR)
	}
	if s.SMLMTWeight < 0 {
		return fail("smlmt.smlmt_weight must be >= 0, got %g", s.SMLMTWeight)
	}
	if s.MaskToken < 0 || int(s.MaskToken) >= m.VocabSize {
		return fail("smlmt.mask_token %d outside vocabulary [0, %d)", s.MaskToken, m.VocabSize)
	}
	h := s.ClassifierHead
	if h.NumLayers < 1 {
		return fail("classifier_head.num_layers must be >= 1, got %d", h.NumLayers)
	}
	if h.NumLayers > 1 && h.HiddenDim < 1 {
		return fail("classifier_head.hidden_dim must be >= 1 for a %d-layer head", h.NumLayers)
	}
	if h.Dropout < 0 || h.Dropout >= 1 {
		return fail("classifier_head.dropout %g outside [0, 1)", h.Dropout)
	}
	switch h.InitMethod {
	case "", InitFanIn, InitZeros:
	default:
		return fail("classifier_head.init_method %q unknown (want %q or %q)", h.InitMethod, InitFanIn, InitZeros)
	}
	return nil
}

// BlendMode reports whether the run combines both losses every step instead
// of flipping a coin per step.
func (c *Config) BlendMode() bool {
	return c.SMLMT.Enabled && c.SMLMT.HybridRatio != nil
}
