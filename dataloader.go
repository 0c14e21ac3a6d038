package mamlgo

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
)

const int32ByteLen = 4

// DataLoader is the data collaborator: it streams little-endian int32 token
// files and yields fixed-shape batches. Each batch serves both step types:
// AR training reads the shifted input/target views, episode construction
// reads the raw sequences.
type DataLoader struct {
	batchSize int
	seqLen    int
	data      []int32
	pos       int64
	size      int64

	NumBatches int
}

func NewDataLoader(filename string, batchSize, seqLen int) (*DataLoader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return newDataLoader(f, batchSize, seqLen, int(info.Size()))
}

func newDataLoader(r io.Reader, batchSize, seqLen, size int) (*DataLoader, error) {
	if size < (batchSize*seqLen+1)*int32ByteLen {
		return nil, errors.New("file too small for one batch")
	}
	loader := &DataLoader{
		batchSize:  batchSize,
		seqLen:     seqLen,
		data:       make([]int32, size/int32ByteLen),
		size:       int64(size / int32ByteLen),
		NumBatches: size / (batchSize * seqLen * int32ByteLen),
	}
	if err := binary.Read(r, binary.LittleEndian, loader.data); err != nil {
		return nil, err
	}
	return loader, nil
}

// NewDataLoaderFromTokens wraps an in-memory token stream, used by tests and
// synthetic runs.
func NewDataLoaderFromTokens(tokens []int32, batchSize, seqLen int) (*DataLoader, error) {
	if len(tokens) < batchSize*seqLen+1 {
		return nil, errors.New("token stream too small for one batch")
	}
	return &DataLoader{
		batchSize:  batchSize,
		seqLen:     seqLen,
		data:       tokens,
		size:       int64(len(tokens)),
		NumBatches: len(tokens) / (batchSize * seqLen),
	}, nil
}

func (loader *DataLoader) Reset() {
	loader.pos = 0
}

// Batch is one training batch: inputs/targets are the teacher-forcing views
// of the same window, Sequences re-slices inputs row-wise for the sampler.
type Batch struct {
	Inputs    []int32
	Targets   []int32
	Sequences [][]int32
}

func (loader *DataLoader) NextBatch() (*Batch, error) {
	span := int64(loader.batchSize * loader.seqLen)
	if loader.pos+span+1 > loader.size {
		loader.Reset()
	}
	inputs := loader.data[loader.pos : loader.pos+span]
	targets := loader.data[loader.pos+1 : loader.pos+span+1]
	loader.pos += span
	seqs := make([][]int32, loader.batchSize)
	for b := 0; b < loader.batchSize; b++ {
		seqs[b] = inputs[b*loader.seqLen : (b+1)*loader.seqLen]
	}
	return &Batch{Inputs: inputs, Targets: targets, Sequences: seqs}, nil
}

// Position reports the loader's stream position in tokens, persisted so a
// resumed run continues from the batch it would have seen.
func (loader *DataLoader) Position() int64 { return loader.pos }

func (loader *DataLoader) Seek(pos int64) {
	if pos < 0 || pos >= loader.size {
		pos = 0
	}
	loader.pos = pos
}
