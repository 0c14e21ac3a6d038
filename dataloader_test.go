package mamlgo

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataLoaderNextBatch(t *testing.T) {
	tokens := make([]int32, 20)
	for i := range tokens {
		tokens[i] = int32(i)
	}
	loader, err := NewDataLoaderFromTokens(tokens, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, loader.NumBatches)

	b, err := loader.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5}, b.Inputs)
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, b.Targets)
	require.Len(t, b.Sequences, 2)
	assert.Equal(t, []int32{0, 1, 2}, b.Sequences[0])
	assert.Equal(t, []int32{3, 4, 5}, b.Sequences[1])
	assert.Equal(t, int64(6), loader.Position())

	b, err = loader.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []int32{6, 7, 8, 9, 10, 11}, b.Inputs)
}

func TestDataLoaderWrapsAround(t *testing.T) {
	tokens := []int32{0, 1, 2, 3, 4, 5, 6}
	loader, err := NewDataLoaderFromTokens(tokens, 1, 3)
	require.NoError(t, err)

	first, err := loader.NextBatch()
	require.NoError(t, err)
	firstInputs := append([]int32(nil), first.Inputs...)

	loader.NextBatch()
	// third batch would need tokens past the end, so the loader resets
	b, err := loader.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, firstInputs, b.Inputs)
}

func TestDataLoaderSeek(t *testing.T) {
	tokens := make([]int32, 32)
	for i := range tokens {
		tokens[i] = int32(i)
	}
	loader, err := NewDataLoaderFromTokens(tokens, 1, 4)
	require.NoError(t, err)

	loader.NextBatch()
	loader.NextBatch()
	pos := loader.Position()

	other, err := NewDataLoaderFromTokens(tokens, 1, 4)
	require.NoError(t, err)
	other.Seek(pos)

	a, err := loader.NextBatch()
	require.NoError(t, err)
	b, err := other.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, a.Inputs, b.Inputs)

	// out-of-range positions fall back to the start
	other.Seek(1 << 30)
	assert.Equal(t, int64(0), other.Position())
}

func TestDataLoaderFromFile(t *testing.T) {
	tokens := []int32{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}
	path := filepath.Join(t.TempDir(), "tokens.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, binary.Write(f, binary.LittleEndian, tokens))
	require.NoError(t, f.Close())

	loader, err := NewDataLoader(path, 1, 4)
	require.NoError(t, err)
	b, err := loader.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []int32{9, 8, 7, 6}, b.Inputs)
	assert.Equal(t, []int32{8, 7, 6, 5}, b.Targets)
}

func TestDataLoaderTooSmall(t *testing.T) {
	_, err := NewDataLoaderFromTokens([]int32{1, 2}, 2, 4)
	require.Error(t, err)
}
