package bkd

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFieldTree(t *testing.T, cfg Config, pts []testPoint, opts ...WriterOption) *Reader {
	t.Helper()
	values := NewSliceMutablePointTree(cfg)
	for _, p := range pts {
		require.NoError(t, values.Add(p.value, p.docID))
	}
	w, err := NewWriter(cfg, int64(len(pts)), opts...)
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	s := newTreeStreams()
	finish, err := w.WriteField(s.meta, s.index, s.data, values)
	require.NoError(t, err)
	require.NotNil(t, finish)
	require.NoError(t, finish())
	return s.open(t)
}

func TestWriteField(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		n           int
		cardinality int
	}{
		{"1d", MustConfig(1, 1, 4, 16), 1000, 1 << 20},
		{"1d duplicates", MustConfig(1, 1, 4, 16), 1000, 7},
		{"2d", MustConfig(2, 2, 4, 16), 1500, 400},
		{"3d selective", MustConfig(3, 2, 4, 32), 900, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(20, uint64(tt.n)))
			pts := randomPoints(rng, tt.cfg, tt.n, tt.cardinality)
			r := writeFieldTree(t, tt.cfg, pts)

			assert.Equal(t, int64(tt.n), r.Size())
			assert.Equal(t, tt.n, r.DocCount())
			for i := 0; i < 20; i++ {
				lower, upper := randomBox(rng, tt.cfg, tt.cardinality)
				assert.Equal(t, bruteForce(tt.cfg, pts, lower, upper), query(t, r, lower, upper))
			}
		})
	}
}

func TestWriteField_MatchesAdd(t *testing.T) {
	cfg := MustConfig(2, 2, 4, 16)
	rng := rand.New(rand.NewPCG(21, 21))
	pts := randomPoints(rng, cfg, 700, 100)

	viaAdd := writeTree(t, cfg, pts)
	viaField := writeFieldTree(t, cfg, pts)
	assert.Equal(t, viaAdd.NumLeaves(), viaField.NumLeaves())
	assert.Equal(t, viaAdd.MinPackedValue(), viaField.MinPackedValue())
	assert.Equal(t, viaAdd.MaxPackedValue(), viaField.MaxPackedValue())
	for i := 0; i < 10; i++ {
		lower, upper := randomBox(rng, cfg, 100)
		assert.Equal(t, query(t, viaAdd, lower, upper), query(t, viaField, lower, upper))
	}
}

func TestWriteField_Errors(t *testing.T) {
	cfg := MustConfig(2, 2, 4, 16)

	t.Run("mixed with add", func(t *testing.T) {
		w, err := NewWriter(cfg, 10)
		require.NoError(t, err)
		defer w.Close()
		require.NoError(t, w.Add(packInts(1, 2), 0))
		s := newTreeStreams()
		_, err = w.WriteField(s.meta, s.index, s.data, NewSliceMutablePointTree(cfg))
		assert.ErrorIs(t, err, ErrMixedBuild)
	})

	t.Run("too many points", func(t *testing.T) {
		values := NewSliceMutablePointTree(cfg)
		require.NoError(t, values.Add(packInts(1, 2), 0))
		require.NoError(t, values.Add(packInts(3, 4), 1))
		w, err := NewWriter(cfg, 1)
		require.NoError(t, err)
		defer w.Close()
		s := newTreeStreams()
		_, err = w.WriteField(s.meta, s.index, s.data, values)
		assert.ErrorIs(t, err, ErrTooManyPoints)
	})

	t.Run("bad value length", func(t *testing.T) {
		assert.ErrorIs(t, NewSliceMutablePointTree(cfg).Add(packInts(1), 0), ErrPackedValueLength)
	})
}
