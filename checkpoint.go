package mamlgo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const (
	checkpointMagic   int32 = 20250311
	checkpointVersion int32 = 1
)

// CheckpointStore is the storage collaborator. It treats bundles as opaque
// bytes keyed by step number and returns them unmodified.
type CheckpointStore interface {
	Put(step int, bundle []byte) error
	Get(step int) ([]byte, error)
	// Latest returns the highest stored step, or -1 when the store is empty.
	Latest() (int, error)
}

// DirStore keeps one file per checkpoint under a run directory.
type DirStore struct {
	Dir string
}

func (s DirStore) path(step int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("step_%08d.bin", step))
}

func (s DirStore) Put(step int, bundle []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	// write-then-rename so an interrupted save never clobbers the last
	// complete checkpoint
	tmp := s.path(step) + ".tmp"
	if err := os.WriteFile(tmp, bundle, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(step))
}

func (s DirStore) Get(step int) ([]byte, error) {
	return os.ReadFile(s.path(step))
}

func (s DirStore) Latest() (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	steps := make([]int, 0, len(entries))
	for _, e := range entries {
		var step int
		if _, err := fmt.Sscanf(e.Name(), "step_%d.bin", &step); err == nil {
			steps = append(steps, step)
		}
	}
	if len(steps) == 0 {
		return -1, nil
	}
	sort.Ints(steps)
	return steps[len(steps)-1], nil
}

// MemStore is an in-memory store for tests.
type MemStore struct {
	bundles map[int][]byte
}

func NewMemStore() *MemStore { return &MemStore{bundles: make(map[int][]byte)} }

func (s *MemStore) Put(step int, bundle []byte) error {
	s.bundles[step] = append([]byte(nil), bundle...)
	return nil
}

func (s *MemStore) Get(step int) ([]byte, error) {
	b, ok := s.bundles[step]
	if !ok {
		return nil, fmt.Errorf("no checkpoint at step %d", step)
	}
	return b, nil
}

func (s *MemStore) Latest() (int, error) {
	latest := -1
	for step := range s.bundles {
		if step > latest {
			latest = step
		}
	}
	return latest, nil
}

// CheckpointManager serializes the full nested training state: backbone
// parameters, the shared optimizer, the persisted head initialization, the
// inner-loop hyperparameters, and every counter and stream position needed
// to make resumption bit-reproducible. Inner trajectories are per-step
// ephemera and are never written.
type CheckpointManager struct {
	Store  CheckpointStore
	Logger *slog.Logger
}

func NewCheckpointManager(store CheckpointStore, logger *slog.Logger) *CheckpointManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointManager{Store: store, Logger: logger}
}

func (cm *CheckpointManager) Save(t *Trainer) error {
	bundle, err := t.snapshot()
	if err != nil {
		return fmt.Errorf("serializing checkpoint: %w", err)
	}
	if err := cm.Store.Put(t.step, bundle); err != nil {
		return fmt.Errorf("storing checkpoint at step %d: %w", t.step, err)
	}
	cm.Logger.Info("checkpoint saved", "step", t.step, "bytes", len(bundle))
	return nil
}

// Restore loads the checkpoint at step into the trainer; step < 0 means the
// latest one. Returns the restored step, or -1 when the store is empty.
func (cm *CheckpointManager) Restore(t *Trainer, step int) (int, error) {
	if step < 0 {
		latest, err := cm.Store.Latest()
		if err != nil {
			return -1, err
		}
		if latest < 0 {
			return -1, nil
		}
		step = latest
	}
	bundle, err := cm.Store.Get(step)
	if err != nil {
		return -1, fmt.Errorf("loading checkpoint at step %d: %w", step, err)
	}
	if err := t.restore(bundle); err != nil {
		return -1, err
	}
	cm.Logger.Info("checkpoint restored", "step", t.step)
	return t.step, nil
}

// snapshot encodes the trainer's full resumable state.
func (t *Trainer) snapshot() ([]byte, error) {
	var buf bytes.Buffer
	w := func(v any) {
		// bytes.Buffer writes cannot fail
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	m := t.bb.Config
	flags := int32(0)
	if t.updateHeadInit {
		flags |= 1
	}
	if t.blend {
		flags |= 2
	}
	header := []int32{
		checkpointMagic, checkpointVersion,
		int32(m.VocabSize), int32(m.Channels), int32(m.MaxSeqLen),
		int32(m.NumLayers), int32(m.NumHeads),
		int32(t.head0.numLayers), int32(t.head0.hiddenDim), int32(t.head0.numClasses),
		int32(t.innerSteps), flags, 0, 0, 0, 0,
	}
	w(header)
	w(int64(t.step))
	w(int64(t.opt.steps))
	w(t.schedStream.Seed())
	w(t.schedStream.Count())
	w(t.samplerStream.Seed())
	w(t.samplerStream.Count())
	w(t.loaderPos())
	w(t.innerLR)
	w(t.hybridValue)
	w(t.bb.Params.Memory)
	w(t.opt.m)
	w(t.opt.v)
	w(t.head0.Memory)
	if t.updateHeadInit {
		w(t.opt.headM)
		w(t.opt.headV)
	}
	return buf.Bytes(), nil
}

// restore decodes a bundle into the trainer, refusing any shape or mode
// disagreement with the current configuration.
func (t *Trainer) restore(bundle []byte) error {
	r := bytes.NewReader(bundle)
	header := make([]int32, 16)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("reading checkpoint header: %w", err)
	}
	if header[0] != checkpointMagic || header[1] != checkpointVersion {
		return fmt.Errorf("%w: bad magic/version %d/%d", ErrCheckpointMismatch, header[0], header[1])
	}
	m := t.bb.Config
	wantFlags := int32(0)
	if t.updateHeadInit {
		wantFlags |= 1
	}
	if t.blend {
		wantFlags |= 2
	}
	want := []int32{
		int32(m.VocabSize), int32(m.Channels), int32(m.MaxSeqLen),
		int32(m.NumLayers), int32(m.NumHeads),
		int32(t.head0.numLayers), int32(t.head0.hiddenDim), int32(t.head0.numClasses),
		int32(t.innerSteps), wantFlags,
	}
	names := []string{
		"vocab_size", "channels", "max_seq_len", "num_layers", "num_heads",
		"head num_layers", "head hidden_dim", "num_classes", "inner_steps", "mode flags",
	}
	for i, v := range want {
		if header[2+i] != v {
			return fmt.Errorf("%w: %s is %d in checkpoint, %d in config",
				ErrCheckpointMismatch, names[i], header[2+i], v)
		}
	}

	var step, optSteps, schedSeed, samplerSeed, loaderPos int64
	var schedCount, samplerCount uint64
	var innerLR, hybridValue float32
	fields := []any{&step, &optSteps, &schedSeed, &schedCount, &samplerSeed, &samplerCount, &loaderPos, &innerLR, &hybridValue}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("reading checkpoint counters: %w", err)
		}
	}
	arenas := [][]float32{t.bb.Params.Memory, t.opt.m, t.opt.v, t.head0.Memory}
	if t.updateHeadInit {
		arenas = append(arenas, t.opt.headM, t.opt.headV)
	}
	for _, a := range arenas {
		if err := binary.Read(r, binary.LittleEndian, a); err != nil {
			return fmt.Errorf("%w: truncated parameter arenas: %v", ErrCheckpointMismatch, err)
		}
	}
	if hybridValue != t.hybridValue {
		return fmt.Errorf("%w: hybrid probability/ratio is %g in checkpoint, %g in config",
			ErrCheckpointMismatch, hybridValue, t.hybridValue)
	}

	t.step = int(step)
	t.opt.steps = int(optSteps)
	t.innerLR = innerLR
	t.schedStream = ResumeStream(schedSeed, schedCount)
	t.samplerStream = ResumeStream(samplerSeed, samplerCount)
	t.sched.stream = t.schedStream
	t.loader.Seek(loaderPos)
	return nil
}
