package mamlgo

import (
	"fmt"
	"log/slog"
	"strings"
)

// StepMetrics is the fixed metric vocabulary reported once per optimizer
// step. Optional fields are negative when the step type did not produce them.
type StepMetrics struct {
	Step            int
	StepType        StepKind
	ARLoss          float32
	MetaLoss        float32
	CombinedLoss    float32
	SupportAccuracy float32
	QueryAccuracy   float32
	InnerLosses     []float32
	InnerGradNorms  []float32
	LearningRate    float32
	SkippedEpisodes int
}

// MetricsSink receives per-step metrics. The trainer never stores metrics
// itself; dashboards and experiment trackers hang off this interface.
type MetricsSink interface {
	Record(StepMetrics)
}

// SlogSink logs every record through a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Record(m StepMetrics) {
	s.Logger.Debug("step metrics",
		"step", m.Step,
		"type", string(m.StepType),
		"ar_loss", m.ARLoss,
		"meta_loss", m.MetaLoss,
		"combined_loss", m.CombinedLoss,
		"support_acc", m.SupportAccuracy,
		"query_acc", m.QueryAccuracy,
		"inner_losses", m.InnerLosses,
		"inner_grad_norms", m.InnerGradNorms,
		"lr", m.LearningRate,
		"skipped_episodes", m.SkippedEpisodes,
	)
}

// NopSink discards metrics.
type NopSink struct{}

func (NopSink) Record(StepMetrics) {}

// Tree renders the step as an indented metric block, one line per present
// field. Negative optional fields are omitted.
func (m StepMetrics) Tree() string {
	var lines []string
	add := func(name string, v any) {
		lines = append(lines, fmt.Sprintf("%s: %v", name, v))
	}
	add("type", string(m.StepType))
	if m.ARLoss >= 0 {
		add("ar_loss", m.ARLoss)
	}
	if m.MetaLoss >= 0 {
		add("meta_loss", m.MetaLoss)
	}
	if m.CombinedLoss >= 0 {
		add("combined_loss", m.CombinedLoss)
	}
	if m.SupportAccuracy >= 0 {
		add("support_acc", m.SupportAccuracy)
	}
	if m.QueryAccuracy >= 0 {
		add("query_acc", m.QueryAccuracy)
	}
	if len(m.InnerLosses) > 0 {
		add("inner_losses", m.InnerLosses)
	}
	if len(m.InnerGradNorms) > 0 {
		add("inner_grad_norms", m.InnerGradNorms)
	}
	if m.SkippedEpisodes > 0 {
		add("skipped_episodes", m.SkippedEpisodes)
	}
	add("lr", m.LearningRate)

	var b strings.Builder
	fmt.Fprintf(&b, "step %d", m.Step)
	for i, line := range lines {
		branch := "├──"
		if i == len(lines)-1 {
			branch = "└──"
		}
		fmt.Fprintf(&b, "\n%s %s", branch, line)
	}
	return b.String()
}
