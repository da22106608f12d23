package bkd

import (
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/hupe1980/bkd/internal/bkdutil"
	"github.com/hupe1980/bkd/internal/sorter"
)

// MutablePointTree is an in-memory, reorderable set of points. WriteField
// sorts and partitions it in place instead of copying points into the
// writer.
type MutablePointTree interface {
	// Size returns the number of points.
	Size() int
	// Value returns the packed value of point i. The slice may be
	// invalidated by Swap.
	Value(i int) []byte
	// ByteAt returns byte k of the packed value of point i.
	ByteAt(i, k int) byte
	// DocID returns the doc ID of point i.
	DocID(i int) int
	// Swap exchanges points i and j.
	Swap(i, j int)
}

// SliceMutablePointTree is a MutablePointTree over a flat byte slice.
type SliceMutablePointTree struct {
	packedBytesLength int
	values            []byte
	docIDs            []int
	scratch           []byte
}

// NewSliceMutablePointTree returns an empty tree for points of cfg.
func NewSliceMutablePointTree(cfg Config) *SliceMutablePointTree {
	return &SliceMutablePointTree{
		packedBytesLength: cfg.packedBytesLength,
		scratch:           make([]byte, cfg.packedBytesLength),
	}
}

// Add appends a point.
func (t *SliceMutablePointTree) Add(packedValue []byte, docID int) error {
	if len(packedValue) != t.packedBytesLength {
		return fmt.Errorf("%w: got %d want %d", ErrPackedValueLength, len(packedValue), t.packedBytesLength)
	}
	t.values = append(t.values, packedValue...)
	t.docIDs = append(t.docIDs, docID)
	return nil
}

func (t *SliceMutablePointTree) Size() int { return len(t.docIDs) }

func (t *SliceMutablePointTree) Value(i int) []byte {
	return t.values[i*t.packedBytesLength : (i+1)*t.packedBytesLength]
}

func (t *SliceMutablePointTree) ByteAt(i, k int) byte { return t.values[i*t.packedBytesLength+k] }

func (t *SliceMutablePointTree) DocID(i int) int { return t.docIDs[i] }

func (t *SliceMutablePointTree) Swap(i, j int) {
	a, b := t.Value(i), t.Value(j)
	copy(t.scratch, a)
	copy(a, b)
	copy(b, t.scratch)
	t.docIDs[i], t.docIDs[j] = t.docIDs[j], t.docIDs[i]
}

// WriteField builds the tree from values, which is reordered in place. It
// returns a function that writes the metadata and packed index, or nil if
// values is empty. WriteField cannot be combined with Add.
func (w *Writer) WriteField(meta, index, data *Output, values MutablePointTree) (func() error, error) {
	if w.pointCount != 0 {
		return nil, ErrMixedBuild
	}
	if w.finished {
		return nil, ErrAlreadyFinished
	}
	size := values.Size()
	if int64(size) > w.totalPointCount {
		return nil, fmt.Errorf("%w: totalPointCount=%d was passed when we were created, but the tree holds %d values",
			ErrTooManyPoints, w.totalPointCount, size)
	}
	for i := 0; i < size; i++ {
		if docID := values.DocID(i); docID < 0 || docID >= w.opts.maxDoc {
			return nil, invalidArgf("docID=%d must be in [0, %d)", docID, w.opts.maxDoc)
		}
	}
	w.opts.metrics.RecordPointsAdded(size)
	if w.cfg.numDims == 1 {
		return w.writeField1Dim(meta, index, data, values)
	}
	return w.writeFieldNDims(meta, index, data, values)
}

func (w *Writer) writeField1Dim(meta, index, data *Output, values MutablePointTree) (func() error, error) {
	start := time.Now()
	size := values.Size()
	keys := w.mutableKeys(values, 0, 0)
	sorter.Sort(keys, 0, size, 0, keys.length())

	od, err := w.newOneDimWriter(meta, index, data)
	if err != nil {
		return nil, err
	}
	w.logger.LogBuildStarted(w.opts.ctx, "mutable", int64(size), (size+w.cfg.maxPointsInLeafNode-1)/w.cfg.maxPointsInLeafNode)
	for i := 0; i < size && err == nil; i++ {
		err = od.add(values.Value(i), values.DocID(i))
	}
	var finish func() error
	if err == nil {
		finish, err = od.finish()
	}
	elapsed := time.Since(start)
	w.logger.LogBuildFinished(w.opts.ctx, "mutable", od.valueCount, len(od.leafBlockFPs), elapsed, err)
	w.opts.metrics.RecordBuild(od.valueCount, len(od.leafBlockFPs), elapsed, err)
	return finish, err
}

func (w *Writer) writeFieldNDims(meta, index, data *Output, values MutablePointTree) (func() error, error) {
	w.finished = true
	size := values.Size()
	if size == 0 {
		return nil, nil
	}
	start := time.Now()
	w.pointCount = int64(size)

	numLeaves := (size + w.cfg.maxPointsInLeafNode - 1) / w.cfg.maxPointsInLeafNode
	if err := w.checkMaxLeafNodeCount(numLeaves); err != nil {
		return nil, err
	}
	numSplits := numLeaves - 1
	st := &buildState{
		out:               data,
		parentSplits:      make([]int, w.cfg.numIndexDims),
		splitPackedValues: make([]byte, numSplits*w.cfg.bytesPerDim),
		splitDims:         make([]byte, numSplits),
		leafBlockFPs:      make([]int64, numLeaves),
		docIDs:            make([]int32, w.cfg.maxPointsInLeafNode),
	}

	w.computeMutableBounds(values, 0, size, w.minPackedValue, w.maxPackedValue)
	for i := 0; i < size; i++ {
		w.docsSeen.Add(values.DocID(i))
	}

	w.logger.LogBuildStarted(w.opts.ctx, "mutable", w.pointCount, numLeaves)
	dataStartFP := data.FilePointer()
	mb := &mutableBuild{buildState: st, values: values, scratchOut: NewMemoryOutput("leaf-scratch")}
	err := w.buildMutable(mb, 0, numLeaves, 0, size, clone(w.minPackedValue), clone(w.maxPackedValue))
	if err == nil {
		err = data.Err()
	}
	elapsed := time.Since(start)
	w.logger.LogBuildFinished(w.opts.ctx, "mutable", w.pointCount, numLeaves, elapsed, err)
	w.opts.metrics.RecordBuild(w.pointCount, numLeaves, elapsed, err)
	if err != nil {
		return nil, err
	}

	leaves := &splitLeafNodes{
		bytesPerDim:       w.cfg.bytesPerDim,
		leafBlockFPs:      st.leafBlockFPs,
		splitPackedValues: st.splitPackedValues,
		splitDims:         st.splitDims,
	}
	return func() error {
		return w.writeIndex(meta, index, w.cfg.maxPointsInLeafNode, leaves, dataStartFP)
	}, nil
}

type mutableBuild struct {
	*buildState
	values     MutablePointTree
	scratchOut *Output
}

func (w *Writer) buildMutable(mb *mutableBuild, leavesOffset, numLeaves, from, to int, minPackedValue, maxPackedValue []byte) error {
	if numLeaves == 1 {
		return w.buildMutableLeaf(mb, leavesOffset, from, to)
	}

	bpd := w.cfg.bytesPerDim
	splitDim := 0
	if w.cfg.numIndexDims > 1 {
		if numLeaves != len(mb.leafBlockFPs) && w.cfg.numIndexDims > 2 &&
			bkdutil.Sum(mb.parentSplits)%splitsBeforeExactBounds == 0 {
			w.computeMutableBounds(mb.values, from, to, minPackedValue, maxPackedValue)
		}
		splitDim = w.split(minPackedValue, maxPackedValue, mb.parentSplits)
	}

	numLeftLeafNodes := getNumLeftLeafNodes(numLeaves)
	mid := from + numLeftLeafNodes*w.cfg.maxPointsInLeafNode
	commonPrefixLen := bkdutil.CommonPrefixLength(minPackedValue, splitDim*bpd, maxPackedValue, splitDim*bpd, bpd)
	keys := w.mutableKeys(mb.values, splitDim, commonPrefixLen)
	sorter.Select(keys, from, to, mid, 0, keys.length())

	rightOffset := leavesOffset + numLeftLeafNodes
	splitOffset := rightOffset - 1
	mb.splitDims[splitOffset] = byte(splitDim)
	splitValue := mb.values.Value(mid)[splitDim*bpd : (splitDim+1)*bpd]
	copy(mb.splitPackedValues[splitOffset*bpd:], splitValue)

	minSplitPackedValue := clone(minPackedValue)
	maxSplitPackedValue := clone(maxPackedValue)
	copy(minSplitPackedValue[splitDim*bpd:], splitValue)
	copy(maxSplitPackedValue[splitDim*bpd:], splitValue)

	mb.parentSplits[splitDim]++
	if err := w.buildMutable(mb, leavesOffset, numLeftLeafNodes, from, mid, minPackedValue, maxSplitPackedValue); err != nil {
		return err
	}
	if err := w.buildMutable(mb, rightOffset, numLeaves-numLeftLeafNodes, mid, to, minSplitPackedValue, maxPackedValue); err != nil {
		return err
	}
	mb.parentSplits[splitDim]--
	return nil
}

func (w *Writer) buildMutableLeaf(mb *mutableBuild, leavesOffset, from, to int) error {
	values := mb.values
	bpd := w.cfg.bytesPerDim
	cpl := w.commonPrefixLengths
	for dim := range cpl {
		cpl[dim] = bpd
	}
	first := values.Value(from)
	copy(w.commonPrefix, first)
	for i := from + 1; i < to; i++ {
		value := values.Value(i)
		for dim := 0; dim < w.cfg.numDims; dim++ {
			if n := cpl[dim]; n != 0 {
				if j := bkdutil.Mismatch(w.commonPrefix, dim*bpd, value, dim*bpd, n); j != -1 {
					cpl[dim] = j
				}
			}
		}
	}

	sortedDim := 0
	sortedDimCardinality := math.MaxInt
	for dim := 0; dim < w.cfg.numDims; dim++ {
		if cpl[dim] >= bpd {
			continue
		}
		var used [4]uint64
		offset := dim*bpd + cpl[dim]
		for i := from; i < to; i++ {
			b := values.ByteAt(i, offset)
			used[b>>6] |= 1 << (b & 63)
		}
		cardinality := 0
		for _, word := range used {
			cardinality += bits.OnesCount64(word)
		}
		if cardinality < sortedDimCardinality {
			sortedDim = dim
			sortedDimCardinality = cardinality
		}
	}

	keys := w.mutableKeys(values, sortedDim, cpl[sortedDim])
	sorter.Sort(keys, from, to, 0, keys.length())

	leafCardinality := 1
	for i := from + 1; i < to; i++ {
		if !bkdutil.Equal(values.Value(i), 0, values.Value(i-1), 0, w.cfg.packedBytesLength) {
			leafCardinality++
		}
	}

	mb.leafBlockFPs[leavesOffset] = mb.out.FilePointer()
	count := to - from
	docIDs := mb.docIDs[:count]
	for i := range docIDs {
		docIDs[i] = int32(values.DocID(from + i))
	}

	scratch := mb.scratchOut
	w.leaf.writeDocIDs(scratch, docIDs)
	w.leaf.writeCommonPrefixes(scratch, cpl, w.commonPrefix)
	leafValues := func(i int) []byte { return values.Value(from + i) }
	if debugAssertions {
		if err := w.checkLeafValues(leafValues, count, sortedDim); err != nil {
			return err
		}
	}
	enc := w.leaf.writePackedValues(scratch, cpl, count, sortedDim, leafValues, leafCardinality)
	w.opts.metrics.RecordLeafWritten(enc, count)
	if err := scratch.Err(); err != nil {
		return err
	}
	scratch.CopyTo(mb.out)
	scratch.Reset()
	return mb.out.Err()
}

// computeMutableBounds sets the index dimension bounds of values[from:to].
func (w *Writer) computeMutableBounds(values MutablePointTree, from, to int, minPackedValue, maxPackedValue []byte) {
	first := values.Value(from)
	copy(minPackedValue, first[:w.cfg.packedIndexBytesLength])
	copy(maxPackedValue, first[:w.cfg.packedIndexBytesLength])
	bpd := w.cfg.bytesPerDim
	for i := from + 1; i < to; i++ {
		value := values.Value(i)
		for dim := 0; dim < w.cfg.numIndexDims; dim++ {
			off := dim * bpd
			if bkdutil.Compare(value, off, minPackedValue, off, bpd) < 0 {
				copy(minPackedValue[off:off+bpd], value[off:])
			} else if bkdutil.Compare(value, off, maxPackedValue, off, bpd) > 0 {
				copy(maxPackedValue[off:off+bpd], value[off:])
			}
		}
	}
}

func (w *Writer) mutableKeys(values MutablePointTree, dim, commonPrefixLength int) *mutableKeys {
	return &mutableKeys{
		values:      values,
		dimOffset:   dim*w.cfg.bytesPerDim + commonPrefixLength,
		dimCmpBytes: w.cfg.bytesPerDim - commonPrefixLength,
		dataOffset:  w.cfg.packedIndexBytesLength,
		dataBytes:   w.cfg.packedBytesLength - w.cfg.packedIndexBytesLength,
	}
}

// mutableKeys exposes a MutablePointTree as radix keys: one dimension after
// its common prefix, then the data-only dimensions, then the big-endian
// doc ID.
type mutableKeys struct {
	values      MutablePointTree
	dimOffset   int
	dimCmpBytes int
	dataOffset  int
	dataBytes   int
}

func (m *mutableKeys) length() int { return m.dimCmpBytes + m.dataBytes + docIDBytes }

func (m *mutableKeys) Swap(i, j int) { m.values.Swap(i, j) }

func (m *mutableKeys) ByteAt(i, k int) byte {
	if k < m.dimCmpBytes {
		return m.values.ByteAt(i, m.dimOffset+k)
	}
	k -= m.dimCmpBytes
	if k < m.dataBytes {
		return m.values.ByteAt(i, m.dataOffset+k)
	}
	k -= m.dataBytes
	return byte(uint32(m.values.DocID(i)) >> (24 - 8*k))
}
