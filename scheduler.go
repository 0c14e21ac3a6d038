package mamlgo

// StepKind labels what a micro-step computed.
type StepKind string

const (
	StepAR    StepKind = "ar"
	StepMeta  StepKind = "meta"
	StepBlend StepKind = "blend"
)

// HybridDecision is the per-micro-step outcome of the scheduler. It is
// ephemeral; only the scheduler's stream position is persisted.
type HybridDecision struct {
	Kind StepKind
	// Ratio is the meta-loss weight in blend mode, 0 or 1 otherwise.
	Ratio float32
}

// HybridScheduler decides, per micro-step, whether to run an autoregressive
// step, a meta step, or both. Coin-flip mode consumes one draw per decision;
// blend mode is deterministic and consumes none.
type HybridScheduler struct {
	enabled     bool
	blend       bool
	probability float32
	ratio       float32
	stream      *Stream
}

func NewHybridScheduler(cfg SMLMTConfig, stream *Stream) *HybridScheduler {
	s := &HybridScheduler{enabled: cfg.Enabled, stream: stream}
	switch {
	case !cfg.Enabled:
	case cfg.HybridRatio != nil:
		s.blend = true
		s.ratio = *cfg.HybridRatio
	default:
		s.probability = *cfg.Probability
	}
	return s
}

func (s *HybridScheduler) Decide() HybridDecision {
	if !s.enabled {
		return HybridDecision{Kind: StepAR}
	}
	if s.blend {
		return HybridDecision{Kind: StepBlend, Ratio: s.ratio}
	}
	if s.stream.Float32() < s.probability {
		return HybridDecision{Kind: StepMeta, Ratio: 1}
	}
	return HybridDecision{Kind: StepAR}
}
