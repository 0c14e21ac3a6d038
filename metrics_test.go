package mamlgo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	records []StepMetrics
}

func (r *recordingSink) Record(m StepMetrics) {
	r.records = append(r.records, m)
}

func TestTrainerRecordsMetrics(t *testing.T) {
	cfg := testTrainerConfig()
	cfg.Training.MaxSteps = 3
	loader, err := NewDataLoaderFromTokens(episodeFriendlyTokens(200), cfg.Training.BatchSize, cfg.Training.SeqLen)
	require.NoError(t, err)
	sink := &recordingSink{}
	tr, err := NewTrainer(cfg, loader, nil, sink, nil)
	require.NoError(t, err)

	require.NoError(t, tr.Train(context.Background()))
	require.Len(t, sink.records, 3)
	for i, rec := range sink.records {
		assert.Equal(t, i+1, rec.Step)
		assert.Greater(t, rec.LearningRate, float32(0))
	}
}

func TestStepMetricsTree(t *testing.T) {
	m := StepMetrics{
		Step:            7,
		StepType:        StepBlend,
		ARLoss:          2.5,
		MetaLoss:        1.5,
		CombinedLoss:    2.2,
		SupportAccuracy: -1,
		QueryAccuracy:   0.75,
		InnerLosses:     []float32{0.9, 0.4},
		LearningRate:    0.001,
	}
	tree := m.Tree()
	assert.Contains(t, tree, "step 7")
	assert.Contains(t, tree, "├── ar_loss: 2.5")
	assert.Contains(t, tree, "├── query_acc: 0.75")
	assert.Contains(t, tree, "├── inner_losses: [0.9 0.4]")
	assert.Contains(t, tree, "└── lr: 0.001")
	assert.NotContains(t, tree, "support_acc")
	assert.NotContains(t, tree, "skipped_episodes")
}
