package bkd

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/bkd/internal/bkdutil"
	"github.com/hupe1980/bkd/internal/docset"
)

// Writer builds a BKD tree and writes it to three streams: leaf blocks go
// to the data stream, the packed inner nodes to the index stream and the
// tree metadata to the meta stream.
//
// Points are added with Add and the tree is built by Finish. Points that do
// not fit the heap budget are spilled to temp files and partitioned offline.
// Alternatively a tree can be built in one call from an in-memory
// MutablePointTree (WriteField) or from existing trees (Merge).
//
// A Writer builds exactly one tree and is not safe for concurrent use.
type Writer struct {
	cfg                 Config
	opts                writerOptions
	logger              *Logger
	buildID             uuid.UUID
	temp                *tempFiles
	maxPointsSortInHeap int
	totalPointCount     int64

	docsSeen       *docset.Set
	pointWriter    PointWriter
	pointCount     int64
	finished       bool
	memReserved    int64
	minPackedValue []byte
	maxPackedValue []byte

	leaf                *leafWriter
	commonPrefixLengths []int
	commonPrefix        []byte
	scratchDiff         []byte
	scratchSpan         []byte
}

// NewWriter returns a Writer for at most totalPointCount points.
func NewWriter(cfg Config, totalPointCount int64, optFns ...WriterOption) (*Writer, error) {
	if cfg.numDims == 0 {
		return nil, &ConfigError{Field: "config", Value: cfg, Reason: "must be created with NewConfig"}
	}
	o := applyWriterOptions(optFns)
	if o.maxMBSortInHeap < 0 {
		return nil, &ConfigError{Field: "maxMBSortInHeap", Value: o.maxMBSortInHeap, Reason: "must be >= 0"}
	}
	if totalPointCount < 0 {
		return nil, &ConfigError{Field: "totalPointCount", Value: totalPointCount, Reason: "must be >= 0"}
	}
	if o.formatVersion < versionStart || o.formatVersion > VersionCurrent {
		return nil, &ConfigError{Field: "formatVersion", Value: o.formatVersion, Reason: fmt.Sprintf("must be %d .. %d", versionStart, VersionCurrent)}
	}
	if o.formatVersion < versionSelectiveIndexing && cfg.numIndexDims != cfg.numDims {
		return nil, &ConfigError{Field: "formatVersion", Value: o.formatVersion, Reason: "selective indexing needs a newer format"}
	}
	if o.maxDoc <= 0 {
		return nil, &ConfigError{Field: "maxDoc", Value: o.maxDoc, Reason: "must be > 0"}
	}

	maxPointsSortInHeap := int(math.Min(o.maxMBSortInHeap*1024*1024/float64(cfg.bytesPerDoc), maxArrayLength))
	if maxPointsSortInHeap < cfg.maxPointsInLeafNode {
		return nil, &ConfigError{
			Field: "maxMBSortInHeap",
			Value: o.maxMBSortInHeap,
			Reason: fmt.Sprintf("only allows for maxPointsSortInHeap=%d, but this is less than maxPointsInLeafNode=%d; "+
				"either increase maxMBSortInHeap or decrease maxPointsInLeafNode", maxPointsSortInHeap, cfg.maxPointsInLeafNode),
		}
	}

	buildID := uuid.New()
	w := &Writer{
		cfg:                 cfg,
		opts:                o,
		logger:              o.logger.WithDims(cfg).WithBuildID(buildID.String()),
		buildID:             buildID,
		maxPointsSortInHeap: maxPointsSortInHeap,
		totalPointCount:     totalPointCount,
		docsSeen:            docset.New(),
		minPackedValue:      make([]byte, cfg.packedIndexBytesLength),
		maxPackedValue:      make([]byte, cfg.packedIndexBytesLength),
		leaf:                newLeafWriter(cfg, o.formatVersion),
		commonPrefixLengths: make([]int, cfg.numDims),
		commonPrefix:        make([]byte, cfg.packedBytesLength),
		scratchDiff:         make([]byte, cfg.bytesPerDim),
		scratchSpan:         make([]byte, cfg.bytesPerDim),
	}
	w.temp = newTempFiles(o, buildID)
	return w, nil
}

// Config returns the writer's configuration.
func (w *Writer) Config() Config { return w.cfg }

// BuildID identifies this build in temp file names and logs.
func (w *Writer) BuildID() uuid.UUID { return w.buildID }

// PointCount returns how many points were added so far.
func (w *Writer) PointCount() int64 { return w.pointCount }

// Add buffers one point. Points may be added in any order.
func (w *Writer) Add(packedValue []byte, docID int) error {
	if w.finished {
		return ErrAlreadyFinished
	}
	if len(packedValue) != w.cfg.packedBytesLength {
		return fmt.Errorf("%w: got %d want %d", ErrPackedValueLength, len(packedValue), w.cfg.packedBytesLength)
	}
	if docID < 0 || docID >= w.opts.maxDoc {
		return invalidArgf("docID=%d must be in [0, %d)", docID, w.opts.maxDoc)
	}
	if w.pointCount >= w.totalPointCount {
		return fmt.Errorf("%w: totalPointCount=%d was passed when we were created, but we just hit %d values",
			ErrTooManyPoints, w.totalPointCount, w.pointCount+1)
	}
	if w.pointWriter == nil {
		if err := w.initPointWriter(); err != nil {
			return err
		}
	}
	if err := w.pointWriter.Append(packedValue, docID); err != nil {
		return err
	}

	if w.pointCount == 0 {
		copy(w.minPackedValue, packedValue[:w.cfg.packedIndexBytesLength])
		copy(w.maxPackedValue, packedValue[:w.cfg.packedIndexBytesLength])
	} else {
		bpd := w.cfg.bytesPerDim
		for dim := 0; dim < w.cfg.numIndexDims; dim++ {
			off := dim * bpd
			if bkdutil.Compare(packedValue, off, w.minPackedValue, off, bpd) < 0 {
				copy(w.minPackedValue[off:off+bpd], packedValue[off:])
			} else if bkdutil.Compare(packedValue, off, w.maxPackedValue, off, bpd) > 0 {
				copy(w.maxPackedValue[off:off+bpd], packedValue[off:])
			}
		}
	}
	w.pointCount++
	w.docsSeen.Add(docID)
	w.opts.metrics.RecordPointsAdded(1)
	return nil
}

func (w *Writer) initPointWriter() error {
	if w.totalPointCount > int64(w.maxPointsSortInHeap) {
		pw, err := newOfflinePointWriter(w.cfg, w.temp, "spill", 0)
		if err != nil {
			return err
		}
		w.pointWriter = pw
		return w.reserveHeap(w.maxPointsSortInHeap)
	}
	if err := w.reserveHeap(int(w.totalPointCount)); err != nil {
		return err
	}
	w.pointWriter = NewHeapPointWriter(w.cfg, int(w.totalPointCount))
	return nil
}

// reserveHeap accounts the points the build may hold in memory with the
// resource controller. It is released once the build completes.
func (w *Writer) reserveHeap(points int) error {
	n := int64(points) * int64(w.cfg.bytesPerDoc)
	if err := w.opts.rc.AcquireMemory(w.opts.ctx, n); err != nil {
		return fmt.Errorf("bkd: reserve sort heap: %w", err)
	}
	w.memReserved += n
	return nil
}

func (w *Writer) releaseHeap() {
	w.opts.rc.ReleaseMemory(w.memReserved)
	w.memReserved = 0
}

// Finish builds the tree from the added points, writing leaf blocks to
// data. It returns a function that writes the metadata to meta and the
// packed index to index, or nil if no points were added.
func (w *Writer) Finish(meta, index, data *Output) (func() error, error) {
	if w.finished {
		return nil, ErrAlreadyFinished
	}
	if w.pointCount == 0 {
		return nil, nil
	}
	w.finished = true
	defer w.releaseHeap()

	start := time.Now()
	if err := w.pointWriter.Close(); err != nil {
		return nil, errors.Join(err, w.temp.removeAll())
	}
	points := PathSlice{Writer: w.pointWriter, Start: 0, Count: int(w.pointCount)}
	w.pointWriter = nil

	numLeaves := int((w.pointCount + int64(w.cfg.maxPointsInLeafNode) - 1) / int64(w.cfg.maxPointsInLeafNode))
	if err := w.checkMaxLeafNodeCount(numLeaves); err != nil {
		return nil, errors.Join(err, points.Writer.Destroy(), w.temp.removeAll())
	}
	numSplits := numLeaves - 1
	st := &buildState{
		out:               data,
		sel:               newRadixSelector(w.cfg, w.maxPointsSortInHeap, w.temp),
		parentSplits:      make([]int, w.cfg.numIndexDims),
		splitPackedValues: make([]byte, numSplits*w.cfg.bytesPerDim),
		splitDims:         make([]byte, numSplits),
		leafBlockFPs:      make([]int64, numLeaves),
		docIDs:            make([]int32, w.cfg.maxPointsInLeafNode),
	}

	w.logger.LogBuildStarted(w.opts.ctx, "points", w.pointCount, numLeaves)
	dataStartFP := data.FilePointer()
	err := w.build(st, 0, numLeaves, points, clone(w.minPackedValue), clone(w.maxPackedValue))
	if err == nil {
		err = data.Err()
	}
	if err != nil {
		err = errors.Join(err, w.temp.removeAll())
	}
	elapsed := time.Since(start)
	w.logger.LogBuildFinished(w.opts.ctx, "points", w.pointCount, numLeaves, elapsed, err)
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

// Close removes any temp files left behind by an unfinished build and
// releases reserved memory. It is safe to call more than once.
func (w *Writer) Close() error {
	w.finished = true
	w.releaseHeap()
	var errs []error
	if w.pointWriter != nil {
		errs = append(errs, w.pointWriter.Destroy())
		w.pointWriter = nil
	}
	errs = append(errs, w.temp.removeAll())
	return errors.Join(errs...)
}

func (w *Writer) checkMaxLeafNodeCount(numLeaves int) error {
	if int64(w.cfg.bytesPerDim)*int64(numLeaves) > maxArrayLength {
		return fmt.Errorf("bkd: too many nodes; increase maxPointsInLeafNode (currently %d) and reindex",
			w.cfg.maxPointsInLeafNode)
	}
	return nil
}

type buildState struct {
	out               *Output
	sel               *RadixSelector
	parentSplits      []int
	splitPackedValues []byte
	splitDims         []byte
	leafBlockFPs      []int64
	docIDs            []int32
}

// build recursively partitions points into numLeaves leaves starting at
// leaf leavesOffset. The cell of the current node is bounded by
// minPackedValue and maxPackedValue.
func (w *Writer) build(st *buildState, leavesOffset, numLeaves int, points PathSlice, minPackedValue, maxPackedValue []byte) error {
	if numLeaves == 1 {
		return w.buildLeaf(st, leavesOffset, points)
	}

	bpd := w.cfg.bytesPerDim
	splitDim := 0
	if w.cfg.numIndexDims > 1 {
		// Exact bounds narrow the cell of deep nodes, which helps pick a
		// better split dimension when there are more than two of them.
		if numLeaves != len(st.leafBlockFPs) && w.cfg.numIndexDims > 2 &&
			bkdutil.Sum(st.parentSplits)%splitsBeforeExactBounds == 0 {
			if err := w.computePackedValueBounds(points, minPackedValue, maxPackedValue); err != nil {
				return err
			}
		}
		splitDim = w.split(minPackedValue, maxPackedValue, st.parentSplits)
	}

	numLeftLeafNodes := getNumLeftLeafNodes(numLeaves)
	leftCount := numLeftLeafNodes * w.cfg.maxPointsInLeafNode
	commonPrefixLen := bkdutil.CommonPrefixLength(minPackedValue, splitDim*bpd, maxPackedValue, splitDim*bpd, bpd)

	slices, splitValue, err := st.sel.Select(points, points.Start, points.Start+points.Count,
		points.Start+leftCount, splitDim, commonPrefixLen)
	if err != nil {
		return err
	}

	rightOffset := leavesOffset + numLeftLeafNodes
	splitOffset := rightOffset - 1
	st.splitDims[splitOffset] = byte(splitDim)
	copy(st.splitPackedValues[splitOffset*bpd:], splitValue)

	minSplitPackedValue := clone(minPackedValue)
	maxSplitPackedValue := clone(maxPackedValue)
	copy(minSplitPackedValue[splitDim*bpd:], splitValue)
	copy(maxSplitPackedValue[splitDim*bpd:], splitValue)

	st.parentSplits[splitDim]++
	if err := w.build(st, leavesOffset, numLeftLeafNodes, slices[0], minPackedValue, maxSplitPackedValue); err != nil {
		return err
	}
	if err := w.build(st, rightOffset, numLeaves-numLeftLeafNodes, slices[1], minSplitPackedValue, maxPackedValue); err != nil {
		return err
	}
	st.parentSplits[splitDim]--
	return nil
}

func (w *Writer) buildLeaf(st *buildState, leavesOffset int, points PathSlice) error {
	heap, ok := points.Writer.(*HeapPointWriter)
	from, to := points.Start, points.Start+points.Count
	if !ok {
		// Happens for adversarial inputs, e.g. merges where most points
		// were deleted.
		var err error
		if heap, err = w.switchToHeap(points.Writer); err != nil {
			return err
		}
		from, to = 0, heap.Count()
	}

	w.computeCommonPrefixLength(heap, from, to)

	// Sort by the dimension with the fewest distinct bytes right after its
	// common prefix, which gives the longest runs to compress.
	bpd := w.cfg.bytesPerDim
	sortedDim := 0
	sortedDimCardinality := math.MaxInt
	for dim := 0; dim < w.cfg.numDims; dim++ {
		prefix := w.commonPrefixLengths[dim]
		if prefix >= bpd {
			continue
		}
		var used [4]uint64
		offset := dim*bpd + prefix
		for i := from; i < to; i++ {
			b := heap.packedValueAt(i)[offset]
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

	st.sel.HeapRadixSort(heap, from, to, sortedDim, w.commonPrefixLengths[sortedDim])
	leafCardinality := heap.ComputeCardinality(from, to, w.commonPrefixLengths)

	st.leafBlockFPs[leavesOffset] = st.out.FilePointer()
	count := to - from
	docIDs := st.docIDs[:count]
	for i := range docIDs {
		docIDs[i] = int32(heap.docIDAt(from + i))
	}
	w.leaf.writeDocIDs(st.out, docIDs)
	w.leaf.writeCommonPrefixes(st.out, w.commonPrefixLengths, w.commonPrefix)
	values := func(i int) []byte { return heap.packedValueAt(from + i) }
	if debugAssertions {
		if err := w.checkLeafValues(values, count, sortedDim); err != nil {
			return err
		}
	}
	enc := w.leaf.writePackedValues(st.out, w.commonPrefixLengths, count, sortedDim, values, leafCardinality)
	w.opts.metrics.RecordLeafWritten(enc, count)
	return st.out.Err()
}

// computeCommonPrefixLength fills commonPrefixLengths and commonPrefix with
// the per-dimension prefix shared by points[from:to].
func (w *Writer) computeCommonPrefixLength(heap *HeapPointWriter, from, to int) {
	bpd := w.cfg.bytesPerDim
	for dim := range w.commonPrefixLengths {
		w.commonPrefixLengths[dim] = bpd
	}
	copy(w.commonPrefix, heap.packedValueAt(from))
	for i := from + 1; i < to; i++ {
		value := heap.packedValueAt(i)
		for dim := 0; dim < w.cfg.numDims; dim++ {
			if n := w.commonPrefixLengths[dim]; n != 0 {
				if j := bkdutil.Mismatch(w.commonPrefix, dim*bpd, value, dim*bpd, n); j != -1 {
					w.commonPrefixLengths[dim] = j
				}
			}
		}
	}
}

// switchToHeap loads all points of an offline writer into memory and
// deletes its temp file.
func (w *Writer) switchToHeap(source PointWriter) (*HeapPointWriter, error) {
	count := source.Count()
	heap := NewHeapPointWriter(w.cfg, count)
	err := func() error {
		r, err := source.Reader(0, count)
		if err != nil {
			return err
		}
		defer r.Close()
		for i := 0; i < count; i++ {
			if err := mustNext(r); err != nil {
				return err
			}
			if err := heap.AppendPoint(r.PointValue()); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		return nil, verifyOnError(w.temp, source, err)
	}
	if err := heap.Close(); err != nil {
		return nil, err
	}
	return heap, source.Destroy()
}

// computePackedValueBounds recomputes the exact bounds of the points in
// slice over the index dimensions.
func (w *Writer) computePackedValueBounds(slice PathSlice, minPackedValue, maxPackedValue []byte) error {
	r, err := slice.Writer.Reader(slice.Start, slice.Count)
	if err != nil {
		return err
	}
	defer r.Close()

	ok, err := r.Next()
	if err != nil || !ok {
		return err
	}
	value := r.PointValue().PackedValue()
	copy(minPackedValue, value[:w.cfg.packedIndexBytesLength])
	copy(maxPackedValue, value[:w.cfg.packedIndexBytesLength])

	bpd := w.cfg.bytesPerDim
	for {
		ok, err := r.Next()
		if err != nil {
			return verifyOnError(w.temp, slice.Writer, err)
		}
		if !ok {
			return nil
		}
		value := r.PointValue().PackedValue()
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

// split picks the dimension to split a cell on. A dimension that was split
// less than half as often as the most split one wins if its values are not
// all equal; otherwise the dimension with the widest span is chosen.
func (w *Writer) split(minPackedValue, maxPackedValue []byte, parentSplits []int) int {
	bpd := w.cfg.bytesPerDim
	maxNumSplits := 0
	for _, n := range parentSplits {
		maxNumSplits = max(maxNumSplits, n)
	}
	for dim := 0; dim < w.cfg.numIndexDims; dim++ {
		off := dim * bpd
		if parentSplits[dim] < maxNumSplits/2 && bkdutil.Compare(minPackedValue, off, maxPackedValue, off, bpd) != 0 {
			return dim
		}
	}

	splitDim := -1
	for dim := 0; dim < w.cfg.numIndexDims; dim++ {
		bkdutil.Subtract(bpd, dim, maxPackedValue, minPackedValue, w.scratchDiff)
		if splitDim == -1 || bkdutil.Compare(w.scratchDiff, 0, w.scratchSpan, 0, bpd) > 0 {
			copy(w.scratchSpan, w.scratchDiff)
			splitDim = dim
		}
	}
	return splitDim
}

// checkLeafValues verifies that leaf values are sorted by sortedDim.
func (w *Writer) checkLeafValues(values func(int) []byte, count, sortedDim int) error {
	bpd := w.cfg.bytesPerDim
	for i := 1; i < count; i++ {
		if bkdutil.Compare(values(i-1), sortedDim*bpd, values(i), sortedDim*bpd, bpd) > 0 {
			return fmt.Errorf("bkd: leaf values out of order on dim %d at %d", sortedDim, i)
		}
	}
	return nil
}

// getNumLeftLeafNodes returns how many of numLeaves leaves go to the left
// subtree. The last full level is split evenly and the leaves that do not
// fit it are placed on the left first.
func getNumLeftLeafNodes(numLeaves int) int {
	lastFullLevel := bits.Len(uint(numLeaves)) - 1
	leavesFullLevel := 1 << lastFullLevel
	numLeftLeafNodes := leavesFullLevel / 2
	unbalancedLeafNodes := numLeaves - leavesFullLevel
	numLeftLeafNodes += min(unbalancedLeafNodes, numLeftLeafNodes)
	return numLeftLeafNodes
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
