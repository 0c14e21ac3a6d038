package mamlgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirStore(t *testing.T) {
	store := DirStore{Dir: t.TempDir()}

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, -1, latest, "empty store has no latest step")

	require.NoError(t, store.Put(100, []byte("first")))
	require.NoError(t, store.Put(250, []byte("second")))

	latest, err = store.Latest()
	require.NoError(t, err)
	assert.Equal(t, 250, latest)

	bundle, err := store.Get(100)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), bundle)

	_, err = store.Get(999)
	require.Error(t, err)
}

func TestDirStoreMissingDir(t *testing.T) {
	store := DirStore{Dir: t.TempDir() + "/not-created-yet"}
	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, -1, latest)

	// Put creates the directory
	require.NoError(t, store.Put(1, []byte("x")))
	latest, err = store.Latest()
	require.NoError(t, err)
	assert.Equal(t, 1, latest)
}

func TestCheckpointRoundTrip(t *testing.T) {
	tokens := episodeFriendlyTokens(400)
	store := NewMemStore()

	a := newTestTrainer(t, testTrainerConfig(), tokens, store)
	for i := 0; i < 3; i++ {
		_, err := a.TrainStep()
		require.NoError(t, err)
	}
	require.NoError(t, a.ckpt.Save(a))

	b := newTestTrainer(t, testTrainerConfig(), tokens, store)
	step, err := b.Resume()
	require.NoError(t, err)
	require.Equal(t, 3, step)

	assert.Equal(t, a.step, b.step)
	assert.Equal(t, a.opt.steps, b.opt.steps)
	assert.Equal(t, a.bb.Params.Memory, b.bb.Params.Memory)
	assert.Equal(t, a.opt.m, b.opt.m)
	assert.Equal(t, a.opt.v, b.opt.v)
	assert.Equal(t, a.head0.Memory, b.head0.Memory)
	assert.Equal(t, a.schedStream.Count(), b.schedStream.Count())
	assert.Equal(t, a.samplerStream.Count(), b.samplerStream.Count())
	assert.Equal(t, a.loader.Position(), b.loader.Position())
}

// the central resumption guarantee: a restored run takes the same step
// types, samples the same episodes, and lands on bit-identical parameters
func TestCheckpointResumeIsBitReproducible(t *testing.T) {
	tokens := episodeFriendlyTokens(400)
	store := NewMemStore()

	a := newTestTrainer(t, testTrainerConfig(), tokens, store)
	for i := 0; i < 2; i++ {
		_, err := a.TrainStep()
		require.NoError(t, err)
	}
	require.NoError(t, a.ckpt.Save(a))

	b := newTestTrainer(t, testTrainerConfig(), tokens, store)
	_, err := b.Resume()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ma, err := a.TrainStep()
		require.NoError(t, err)
		mb, err := b.TrainStep()
		require.NoError(t, err)
		assert.Equal(t, ma.StepType, mb.StepType, "step %d", i)
		assert.Equal(t, ma.ARLoss, mb.ARLoss, "step %d", i)
		assert.Equal(t, ma.MetaLoss, mb.MetaLoss, "step %d", i)
	}
	assert.Equal(t, a.bb.Params.Memory, b.bb.Params.Memory)
	assert.Equal(t, a.samplerStream.Count(), b.samplerStream.Count())
}

func TestCheckpointWithHeadInitUpdates(t *testing.T) {
	cfg := testTrainerConfig()
	one := float32(1)
	cfg.SMLMT.Probability = &one
	cfg.SMLMT.UpdateHeadInit = true
	tokens := episodeFriendlyTokens(400)
	store := NewMemStore()

	a := newTestTrainer(t, cfg, tokens, store)
	_, err := a.TrainStep()
	require.NoError(t, err)
	require.NoError(t, a.ckpt.Save(a))

	b := newTestTrainer(t, cfg, tokens, store)
	_, err = b.Resume()
	require.NoError(t, err)
	assert.Equal(t, a.head0.Memory, b.head0.Memory)
	assert.Equal(t, a.opt.headM, b.opt.headM)
	assert.Equal(t, a.opt.headV, b.opt.headV)
}

func TestCheckpointShapeMismatch(t *testing.T) {
	tokens := episodeFriendlyTokens(400)
	store := NewMemStore()

	a := newTestTrainer(t, testTrainerConfig(), tokens, store)
	_, err := a.TrainStep()
	require.NoError(t, err)
	require.NoError(t, a.ckpt.Save(a))

	cfg := testTrainerConfig()
	cfg.Model.Channels = 16
	b := newTestTrainer(t, cfg, tokens, store)
	_, err = b.Resume()
	require.ErrorIs(t, err, ErrCheckpointMismatch)
}

func TestCheckpointModeMismatch(t *testing.T) {
	tokens := episodeFriendlyTokens(400)
	store := NewMemStore()

	a := newTestTrainer(t, testTrainerConfig(), tokens, store)
	_, err := a.TrainStep()
	require.NoError(t, err)
	require.NoError(t, a.ckpt.Save(a))

	cfg := testTrainerConfig()
	p := float32(0.9)
	cfg.SMLMT.Probability = &p
	b := newTestTrainer(t, cfg, tokens, store)
	_, err = b.Resume()
	require.ErrorIs(t, err, ErrCheckpointMismatch)
}

func TestCheckpointCorruptBundle(t *testing.T) {
	tokens := episodeFriendlyTokens(400)
	store := NewMemStore()
	tr := newTestTrainer(t, testTrainerConfig(), tokens, store)

	require.NoError(t, store.Put(5, []byte{1, 2, 3}))
	_, err := tr.ckpt.Restore(tr, 5)
	require.Error(t, err)
}

func TestCheckpointEmptyStoreResume(t *testing.T) {
	tokens := episodeFriendlyTokens(400)
	tr := newTestTrainer(t, testTrainerConfig(), tokens, NewMemStore())
	step, err := tr.Resume()
	require.NoError(t, err)
	assert.Zero(t, step)
}
