package bkd

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

// sortableInt encodes v so that unsigned byte order matches signed order.
func sortableInt(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v)^0x80000000)
	return b
}

func packInts(values ...int32) []byte {
	var out []byte
	for _, v := range values {
		out = append(out, sortableInt(v)...)
	}
	return out
}

type testPoint struct {
	value []byte
	docID int
}

// randomPoints returns n points of cfg whose dimensions are drawn from
// [0, cardinality).
func randomPoints(rng *rand.Rand, cfg Config, n, cardinality int) []testPoint {
	pts := make([]testPoint, n)
	for i := range pts {
		vals := make([]int32, cfg.NumDims())
		for d := range vals {
			vals[d] = int32(rng.IntN(cardinality))
		}
		pts[i] = testPoint{value: packInts(vals...), docID: i}
	}
	return pts
}

type treeStreams struct {
	meta, index, data *Output
}

func newTreeStreams() *treeStreams {
	return &treeStreams{
		meta:  NewMemoryOutput("meta"),
		index: NewMemoryOutput("index"),
		data:  NewMemoryOutput("data"),
	}
}

// open returns a Reader over the written streams. Legacy trees share one
// stream for meta and index.
func (s *treeStreams) open(t *testing.T, opts ...ReaderOption) *Reader {
	t.Helper()
	meta := NewInput("meta", s.meta.Bytes())
	index := meta
	if s.index != s.meta {
		index = NewInput("index", s.index.Bytes())
	}
	r, err := NewReader(meta, index, NewInput("data", s.data.Bytes()), opts...)
	require.NoError(t, err)
	return r
}

// writeTree builds a tree from pts with Add and Finish.
func writeTree(t *testing.T, cfg Config, pts []testPoint, opts ...WriterOption) *Reader {
	t.Helper()
	s := newTreeStreams()
	w, err := NewWriter(cfg, int64(len(pts)), append([]WriterOption{WithTempDir(t.TempDir())}, opts...)...)
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()
	for _, p := range pts {
		require.NoError(t, w.Add(p.value, p.docID))
	}
	finish, err := w.Finish(s.meta, s.index, s.data)
	require.NoError(t, err)
	require.NotNil(t, finish)
	require.NoError(t, finish())
	return s.open(t)
}

// matchBox reports whether the index dimensions of value lie in the
// inclusive box [lower, upper].
func matchBox(cfg Config, value, lower, upper []byte) bool {
	bpd := cfg.BytesPerDim()
	for d := 0; d < cfg.NumIndexDims(); d++ {
		v := value[d*bpd : (d+1)*bpd]
		if bytes.Compare(v, lower[d*bpd:(d+1)*bpd]) < 0 || bytes.Compare(v, upper[d*bpd:(d+1)*bpd]) > 0 {
			return false
		}
	}
	return true
}

func bruteForce(cfg Config, pts []testPoint, lower, upper []byte) []int {
	seen := map[int]bool{}
	var ids []int
	for _, p := range pts {
		if matchBox(cfg, p.value, lower, upper) && !seen[p.docID] {
			seen[p.docID] = true
			ids = append(ids, p.docID)
		}
	}
	return sortedInts(ids)
}

func sortedInts(ids []int) []int {
	out := append([]int{}, ids...)
	slices.Sort(out)
	return out
}

// randomBox returns a query box over the index dimensions.
func randomBox(rng *rand.Rand, cfg Config, cardinality int) (lower, upper []byte) {
	lo := make([]int32, cfg.NumIndexDims())
	hi := make([]int32, cfg.NumIndexDims())
	for d := range lo {
		a, b := int32(rng.IntN(cardinality)), int32(rng.IntN(cardinality))
		lo[d], hi[d] = min(a, b), max(a, b)
	}
	return packInts(lo...), packInts(hi...)
}

// query collects the doc IDs the reader returns for a box.
func query(t *testing.T, r *Reader, lower, upper []byte) []int {
	t.Helper()
	bm, err := r.CollectDocIDs(lower, upper)
	require.NoError(t, err)
	ids := make([]int, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		ids = append(ids, int(it.Next()))
	}
	return ids
}

// allDocsVisitor accepts every cell.
type allDocsVisitor struct {
	docs   []int
	values [][]byte
}

func (v *allDocsVisitor) Visit(docID int) { v.docs = append(v.docs, docID) }

func (v *allDocsVisitor) VisitValue(docID int, packedValue []byte) {
	v.docs = append(v.docs, docID)
	v.values = append(v.values, clone(packedValue))
}

func (v *allDocsVisitor) Compare(_, _ []byte) Relation { return CellCrossesQuery }

func (v *allDocsVisitor) Grow(int) {}
