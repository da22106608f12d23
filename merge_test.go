package bkd

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// segments splits pts into n readers with doc IDs local to each segment and
// returns the global points after applying docMaps.
func segments(t *testing.T, cfg Config, pts []testPoint, n int) ([]*Reader, []DocMap, []testPoint) {
	t.Helper()
	per := (len(pts) + n - 1) / n
	var readers []*Reader
	var docMaps []DocMap
	var live []testPoint
	base := 0
	for start := 0; start < len(pts); start += per {
		end := min(start+per, len(pts))
		local := make([]testPoint, 0, end-start)
		for i, p := range pts[start:end] {
			local = append(local, testPoint{value: p.value, docID: i})
		}
		readers = append(readers, writeTree(t, cfg, local))

		offset := base
		docMap := func(docID int) int {
			if docID%3 == 0 {
				return -1
			}
			return offset + docID
		}
		docMaps = append(docMaps, docMap)
		for _, p := range local {
			if mapped := docMap(p.docID); mapped >= 0 {
				live = append(live, testPoint{value: p.value, docID: mapped})
			}
		}
		base += len(local)
	}
	return readers, docMaps, live
}

func TestMerge_OneDim(t *testing.T) {
	cfg := MustConfig(1, 1, 4, 16)
	rng := rand.New(rand.NewPCG(30, 30))
	pts := randomPoints(rng, cfg, 2000, 300)
	readers, docMaps, live := segments(t, cfg, pts, 4)

	w, err := NewWriter(cfg, int64(len(pts)), WithMaxDoc(len(pts)))
	require.NoError(t, err)
	defer w.Close()
	s := newTreeStreams()
	finish, err := w.Merge(s.meta, s.index, s.data, docMaps, readers)
	require.NoError(t, err)
	require.NotNil(t, finish)
	require.NoError(t, finish())
	r := s.open(t)

	assert.Equal(t, int64(len(live)), r.Size())
	for i := 0; i < 20; i++ {
		lower, upper := randomBox(rng, cfg, 300)
		assert.Equal(t, bruteForce(cfg, live, lower, upper), query(t, r, lower, upper))
	}
}

func TestMerge_NilDocMaps(t *testing.T) {
	cfg := MustConfig(1, 1, 4, 8)
	a := writeTree(t, cfg, []testPoint{{packInts(5), 0}, {packInts(1), 1}})
	b := writeTree(t, cfg, []testPoint{{packInts(3), 2}, {packInts(9), 3}})

	w, err := NewWriter(cfg, 4)
	require.NoError(t, err)
	defer w.Close()
	s := newTreeStreams()
	finish, err := w.Merge(s.meta, s.index, s.data, nil, []*Reader{a, b})
	require.NoError(t, err)
	require.NoError(t, finish())
	r := s.open(t)

	assert.Equal(t, []int{0, 1, 2}, query(t, r, packInts(0), packInts(6)))
	assert.Equal(t, 4, r.DocCount())
}

func TestMerge_RejectsMultiDim(t *testing.T) {
	cfg := MustConfig(2, 2, 4, 8)
	w, err := NewWriter(cfg, 10)
	require.NoError(t, err)
	defer w.Close()
	s := newTreeStreams()
	_, err = w.Merge(s.meta, s.index, s.data, nil, nil)
	assert.ErrorIs(t, err, ErrOneDimOnly)
}

func TestMerge_InputChecks(t *testing.T) {
	cfg := MustConfig(1, 1, 4, 8)
	r := writeTree(t, cfg, []testPoint{{packInts(1), 0}})

	t.Run("doc map count", func(t *testing.T) {
		w, err := NewWriter(cfg, 10)
		require.NoError(t, err)
		defer w.Close()
		s := newTreeStreams()
		_, err = w.Merge(s.meta, s.index, s.data, []DocMap{nil, nil}, []*Reader{r})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		w, err := NewWriter(MustConfig(1, 1, 8, 8), 10)
		require.NoError(t, err)
		defer w.Close()
		s := newTreeStreams()
		_, err = w.Merge(s.meta, s.index, s.data, nil, []*Reader{r})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestMergeAll(t *testing.T) {
	cfg := MustConfig(3, 2, 4, 16)
	rng := rand.New(rand.NewPCG(31, 31))
	pts := randomPoints(rng, cfg, 1800, 200)
	readers, docMaps, live := segments(t, cfg, pts, 3)

	w, err := NewWriter(cfg, int64(len(pts)), WithTempDir(t.TempDir()))
	require.NoError(t, err)
	defer w.Close()
	s := newTreeStreams()
	finish, err := w.MergeAll(s.meta, s.index, s.data, docMaps, readers)
	require.NoError(t, err)
	require.NoError(t, finish())
	r := s.open(t)

	assert.Equal(t, int64(len(live)), r.Size())
	for i := 0; i < 20; i++ {
		lower, upper := randomBox(rng, cfg, 200)
		assert.Equal(t, bruteForce(cfg, live, lower, upper), query(t, r, lower, upper))
	}
}

func TestMergeAll_EverythingDeleted(t *testing.T) {
	cfg := MustConfig(2, 2, 4, 8)
	r := writeTree(t, cfg, randomPoints(rand.New(rand.NewPCG(32, 32)), cfg, 50, 10))

	w, err := NewWriter(cfg, 50)
	require.NoError(t, err)
	defer w.Close()
	s := newTreeStreams()
	finish, err := w.MergeAll(s.meta, s.index, s.data, []DocMap{func(int) int { return -1 }}, []*Reader{r})
	require.NoError(t, err)
	assert.Nil(t, finish)
}
