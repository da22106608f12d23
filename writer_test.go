package bkd

import (
	"errors"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bkd/internal/fs"
)

func TestWriter_RoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		n           int
		cardinality int
		opts        []WriterOption
	}{
		{"1d", MustConfig(1, 1, 4, 16), 1000, 500, nil},
		{"2d", MustConfig(2, 2, 4, 16), 2000, 1000, nil},
		{"3d selective", MustConfig(3, 2, 4, 32), 1500, 100, nil},
		{"4d exact bounds", MustConfig(4, 4, 4, 8), 700, 50, nil},
		{"2d spill", MustConfig(2, 2, 4, 16), 5000, 2000, []WriterOption{WithMaxMBSortInHeap(0.01)}},
		{"single leaf", MustConfig(2, 2, 4, 512), 100, 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(1, uint64(tt.n)))
			pts := randomPoints(rng, tt.cfg, tt.n, tt.cardinality)
			r := writeTree(t, tt.cfg, pts, tt.opts...)

			assert.Equal(t, int64(tt.n), r.Size())
			assert.Equal(t, tt.n, r.DocCount())
			assert.Equal(t, (tt.n+tt.cfg.MaxPointsInLeafNode()-1)/tt.cfg.MaxPointsInLeafNode(), r.NumLeaves())
			assert.Equal(t, VersionCurrent, r.Version())

			for i := 0; i < 30; i++ {
				lower, upper := randomBox(rng, tt.cfg, tt.cardinality)
				assert.Equal(t, bruteForce(tt.cfg, pts, lower, upper), query(t, r, lower, upper))
			}
		})
	}
}

func TestWriter_SpillRemovesTempFiles(t *testing.T) {
	cfg := MustConfig(2, 2, 4, 16)
	dir := t.TempDir()
	metrics := &BasicMetricsCollector{}
	pts := randomPoints(rand.New(rand.NewPCG(2, 2)), cfg, 4000, 1000)

	r := writeTree(t, cfg, pts, WithMaxMBSortInHeap(0.01), WithTempDir(dir), WithMetrics(metrics))
	assert.Equal(t, int64(4000), r.Size())

	stats := metrics.GetStats()
	assert.Positive(t, stats.TempFilesCreated)
	assert.Equal(t, stats.TempFilesCreated, stats.TempFilesDeleted)
	assert.Positive(t, stats.BytesSpilled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLeafTagByte(t *testing.T) {
	assert.Equal(t, byte(0xFF), leafTagByte(tagAllEqual))
	assert.Equal(t, byte(0xFE), leafTagByte(tagLowCardinality))
	for _, tag := range []int{tagLowCardinality, tagAllEqual, 0, 1, 7} {
		assert.Equal(t, tag, int(int8(leafTagByte(tag))))
	}
}

func TestWriter_LeafEncodings(t *testing.T) {
	cfg := MustConfig(2, 2, 4, 64)

	t.Run("uniform", func(t *testing.T) {
		metrics := &BasicMetricsCollector{}
		pts := make([]testPoint, 200)
		for i := range pts {
			pts[i] = testPoint{value: packInts(7, 9), docID: i}
		}
		r := writeTree(t, cfg, pts, WithMetrics(metrics))
		assert.Equal(t, int64(r.NumLeaves()), metrics.GetStats().UniformLeaves)
		assert.Equal(t, bruteForce(cfg, pts, packInts(7, 9), packInts(7, 9)), query(t, r, packInts(7, 9), packInts(7, 9)))
	})

	t.Run("low cardinality", func(t *testing.T) {
		metrics := &BasicMetricsCollector{}
		rng := rand.New(rand.NewPCG(3, 3))
		pts := randomPoints(rng, cfg, 1000, 3)
		r := writeTree(t, cfg, pts, WithMetrics(metrics))
		assert.Positive(t, metrics.GetStats().LowCardinalityLeaf)
		for i := 0; i < 10; i++ {
			lower, upper := randomBox(rng, cfg, 3)
			assert.Equal(t, bruteForce(cfg, pts, lower, upper), query(t, r, lower, upper))
		}
	})

	t.Run("high cardinality", func(t *testing.T) {
		metrics := &BasicMetricsCollector{}
		pts := randomPoints(rand.New(rand.NewPCG(4, 4)), cfg, 1000, 1<<30)
		writeTree(t, cfg, pts, WithMetrics(metrics))
		assert.Positive(t, metrics.GetStats().HighCardinalityLeaf)
	})
}

func TestWriter_MultiValuedDocCount(t *testing.T) {
	cfg := MustConfig(1, 1, 4, 8)
	var pts []testPoint
	for doc := 0; doc < 50; doc++ {
		for v := 0; v < 4; v++ {
			pts = append(pts, testPoint{value: packInts(int32(doc*10 + v)), docID: doc})
		}
	}
	r := writeTree(t, cfg, pts)
	assert.Equal(t, int64(200), r.Size())
	assert.Equal(t, 50, r.DocCount())
	assert.Equal(t, bruteForce(cfg, pts, packInts(15), packInts(42)), query(t, r, packInts(15), packInts(42)))
}

func TestWriter_Errors(t *testing.T) {
	cfg := MustConfig(2, 2, 4, 16)

	t.Run("packed value length", func(t *testing.T) {
		w, err := NewWriter(cfg, 10)
		require.NoError(t, err)
		defer w.Close()
		assert.ErrorIs(t, w.Add(packInts(1), 0), ErrPackedValueLength)
	})

	t.Run("too many points", func(t *testing.T) {
		w, err := NewWriter(cfg, 1)
		require.NoError(t, err)
		defer w.Close()
		require.NoError(t, w.Add(packInts(1, 2), 0))
		assert.ErrorIs(t, w.Add(packInts(1, 2), 1), ErrTooManyPoints)
	})

	t.Run("doc id out of range", func(t *testing.T) {
		w, err := NewWriter(cfg, 10, WithMaxDoc(5))
		require.NoError(t, err)
		defer w.Close()
		assert.ErrorIs(t, w.Add(packInts(1, 2), 5), ErrInvalidArgument)
	})

	t.Run("already finished", func(t *testing.T) {
		w, err := NewWriter(cfg, 10)
		require.NoError(t, err)
		defer w.Close()
		require.NoError(t, w.Add(packInts(1, 2), 0))
		s := newTreeStreams()
		finish, err := w.Finish(s.meta, s.index, s.data)
		require.NoError(t, err)
		require.NoError(t, finish())
		_, err = w.Finish(s.meta, s.index, s.data)
		assert.ErrorIs(t, err, ErrAlreadyFinished)
		assert.ErrorIs(t, w.Add(packInts(1, 2), 1), ErrAlreadyFinished)
	})

	t.Run("empty", func(t *testing.T) {
		w, err := NewWriter(cfg, 10)
		require.NoError(t, err)
		defer w.Close()
		s := newTreeStreams()
		finish, err := w.Finish(s.meta, s.index, s.data)
		require.NoError(t, err)
		assert.Nil(t, finish)
	})

	t.Run("heap budget below leaf size", func(t *testing.T) {
		_, err := NewWriter(MustConfig(2, 2, 4, 1024), 10, WithMaxMBSortInHeap(0.001))
		var ce *ConfigError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "maxMBSortInHeap", ce.Field)
	})
}

func TestWriter_FailedSpillCleansUp(t *testing.T) {
	cfg := MustConfig(2, 2, 4, 16)
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(nil)
	fault := fs.NoFault
	fault.FailAfterBytes = 4096
	faulty.AddRule(".tmp", fault)

	w, err := NewWriter(cfg, 5000, WithTempDir(dir), WithMaxMBSortInHeap(0.01), withFileSystem(faulty))
	require.NoError(t, err)

	var addErr error
	for _, p := range randomPoints(rand.New(rand.NewPCG(5, 5)), cfg, 5000, 1000) {
		if addErr = w.Add(p.value, p.docID); addErr != nil {
			break
		}
	}
	if addErr == nil {
		s := newTreeStreams()
		_, addErr = w.Finish(s.meta, s.index, s.data)
	}
	require.ErrorIs(t, addErr, fs.ErrInjected)
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotEmpty(t, faulty.Opened())
}

func TestWriter_BuildID(t *testing.T) {
	a, err := NewWriter(MustConfig(1, 1, 4, 16), 1)
	require.NoError(t, err)
	b, err := NewWriter(MustConfig(1, 1, 4, 16), 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.BuildID(), b.BuildID())
}
