package bkd

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapPointWriter(t *testing.T) {
	cfg := MustConfig(2, 2, 4, 16)
	w := NewHeapPointWriter(cfg, 3)
	require.NoError(t, w.Append(packInts(1, 2), 7))
	require.NoError(t, w.Append(packInts(1, 2), 8))
	require.NoError(t, w.Append(packInts(1, 3), 9))
	assert.Error(t, w.Append(packInts(4, 4), 10))

	_, err := w.Reader(0, 3)
	assert.Error(t, err, "reader before close")
	require.NoError(t, w.Close())

	assert.Equal(t, 2, w.ComputeCardinality(0, 3, []int{0, 0}))
	assert.Equal(t, 1, w.ComputeCardinality(0, 2, []int{0, 0}))

	w.Swap(0, 2)
	r, err := w.Reader(0, 3)
	require.NoError(t, err)
	var docs []int
	for {
		ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		docs = append(docs, r.PointValue().DocID())
	}
	assert.Equal(t, []int{9, 8, 7}, docs)

	_, err = w.Reader(2, 2)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestOfflinePointWriter(t *testing.T) {
	cfg := MustConfig(2, 1, 4, 16)
	temp, dir := newTestTempFiles(t)

	w, err := newOfflinePointWriter(cfg, temp, "points", 0)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		require.NoError(t, w.Append(packInts(int32(i), int32(-i)), i))
	}
	assert.ErrorIs(t, w.Append(packInts(1), 0), ErrPackedValueLength)
	require.NoError(t, w.Close())
	assert.Equal(t, 1000, w.Count())

	recs := readSlice(t, PathSlice{Writer: w, Start: 500, Count: 10})
	require.Len(t, recs, 10)
	for i, rec := range recs {
		assert.Equal(t, packInts(int32(500+i), int32(-500-i)), rec[:cfg.packedBytesLength])
	}

	_, err = os.Stat(w.Name())
	require.NoError(t, err)
	require.NoError(t, w.Destroy())
	_, err = os.Stat(w.Name())
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOfflinePointWriter_ExpectedCount(t *testing.T) {
	cfg := MustConfig(1, 1, 4, 16)
	temp, _ := newTestTempFiles(t)
	w, err := newOfflinePointWriter(cfg, temp, "bounded", 1)
	require.NoError(t, err)
	defer w.Destroy()
	require.NoError(t, w.Append(packInts(1), 0))
	assert.Error(t, w.Append(packInts(2), 1))
}

func TestOfflinePointReader_DetectsCorruption(t *testing.T) {
	cfg := MustConfig(1, 1, 4, 16)
	temp, _ := newTestTempFiles(t)
	w, err := newOfflinePointWriter(cfg, temp, "corrupt", 0)
	require.NoError(t, err)
	defer w.Destroy()
	for i := 0; i < 100; i++ {
		require.NoError(t, w.Append(packInts(int32(i)), i))
	}
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(w.Name())
	require.NoError(t, err)
	raw[10] ^= 0xff
	require.NoError(t, os.WriteFile(w.Name(), raw, 0o600))

	r, err := w.Reader(0, 100)
	require.NoError(t, err)
	defer r.Close()
	for {
		ok, err := r.Next()
		if err != nil {
			assert.ErrorIs(t, err, ErrCorruptIndex)
			return
		}
		require.True(t, ok, "corruption was not detected")
	}
}
