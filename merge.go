package bkd

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hupe1980/bkd/internal/bkdutil"
	"github.com/hupe1980/bkd/internal/queue"
)

// DocMap maps a doc ID of a merged tree to its doc ID in the new tree, or
// to -1 if the document was deleted.
type DocMap func(docID int) int

// Merge writes a one-dimensional tree holding the points of all readers,
// streaming them in sorted order without re-sorting. docMaps is either nil
// or holds one DocMap per reader; a nil DocMap keeps doc IDs unchanged.
// It returns a function that writes the metadata and packed index, or nil
// if no points survive.
func (w *Writer) Merge(meta, index, data *Output, docMaps []DocMap, readers []*Reader) (func() error, error) {
	if err := w.checkMergeInputs(docMaps, readers); err != nil {
		return nil, err
	}
	if w.cfg.numDims != 1 {
		return nil, fmt.Errorf("%w: merge of %d-dimensional trees, use MergeAll", ErrOneDimOnly, w.cfg.numDims)
	}
	start := time.Now()
	od, err := w.newOneDimWriter(meta, index, data)
	if err != nil {
		return nil, err
	}

	finish, err := w.mergeSorted(od, docMaps, readers)
	elapsed := time.Since(start)
	w.logger.LogMerge(w.opts.ctx, len(readers), od.valueCount, err)
	w.opts.metrics.RecordBuild(od.valueCount, len(od.leafBlockFPs), elapsed, err)
	return finish, err
}

func (w *Writer) mergeSorted(od *oneDimWriter, docMaps []DocMap, readers []*Reader) (func() error, error) {
	bpd := w.cfg.bytesPerDim
	pq := queue.New(len(readers), func(a, b *mergeReader) bool {
		if c := bkdutil.Compare(a.packedValue, 0, b.packedValue, 0, bpd); c != 0 {
			return c < 0
		}
		return a.docID < b.docID
	})
	for i, r := range readers {
		var docMap DocMap
		if docMaps != nil {
			docMap = docMaps[i]
		}
		mr, err := newMergeReader(r, docMap)
		if err != nil {
			return nil, err
		}
		ok, err := mr.next()
		if err != nil {
			return nil, err
		}
		if ok {
			pq.Push(mr)
		}
	}

	for pq.Len() > 0 {
		mr, _ := pq.Top()
		if mr.docID < 0 || mr.docID >= w.opts.maxDoc {
			return nil, invalidArgf("mapped docID=%d must be in [0, %d)", mr.docID, w.opts.maxDoc)
		}
		if err := od.add(mr.packedValue, mr.docID); err != nil {
			return nil, err
		}
		ok, err := mr.next()
		if err != nil {
			return nil, err
		}
		if ok {
			pq.Fix()
		} else {
			pq.Pop()
		}
	}
	w.opts.metrics.RecordPointsAdded(int(od.valueCount + int64(od.leafCount)))
	return od.finish()
}

// MergeAll merges trees of any dimensionality by re-adding every live point
// and building a new tree. Points may spill to temp files like with Add.
func (w *Writer) MergeAll(meta, index, data *Output, docMaps []DocMap, readers []*Reader) (func() error, error) {
	if err := w.checkMergeInputs(docMaps, readers); err != nil {
		return nil, err
	}
	if w.pointCount != 0 {
		return nil, ErrMixedBuild
	}
	if w.finished {
		return nil, ErrAlreadyFinished
	}

	var err error
	for i, r := range readers {
		var docMap DocMap
		if docMaps != nil {
			docMap = docMaps[i]
		}
		v := &readdVisitor{w: w, docMap: docMap}
		if err = r.Intersect(v); err == nil {
			err = v.err
		}
		if err != nil {
			break
		}
	}
	w.logger.LogMerge(w.opts.ctx, len(readers), w.pointCount, err)
	if err != nil {
		return nil, errors.Join(err, w.Close())
	}
	return w.Finish(meta, index, data)
}

func (w *Writer) checkMergeInputs(docMaps []DocMap, readers []*Reader) error {
	if docMaps != nil && len(docMaps) != len(readers) {
		return invalidArgf("got %d doc maps for %d readers", len(docMaps), len(readers))
	}
	for _, r := range readers {
		c := r.Config()
		if c.numDims != w.cfg.numDims || c.numIndexDims != w.cfg.numIndexDims || c.bytesPerDim != w.cfg.bytesPerDim {
			return invalidArgf("reader %s does not match writer %s", c, w.cfg)
		}
	}
	return nil
}

// readdVisitor adds every live point it is shown to a writer.
type readdVisitor struct {
	w      *Writer
	docMap DocMap
	err    error
}

func (v *readdVisitor) Visit(int) {
	if v.err == nil {
		v.err = errors.New("bkd: merge visitor needs values")
	}
}

func (v *readdVisitor) VisitValue(docID int, packedValue []byte) {
	if v.err != nil {
		return
	}
	if v.docMap != nil {
		if docID = v.docMap(docID); docID == -1 {
			return
		}
	}
	v.err = v.w.Add(packedValue, docID)
}

// Compare forces every leaf to be visited value by value; after a failure
// it prunes the rest of the tree.
func (v *readdVisitor) Compare(_, _ []byte) Relation {
	if v.err != nil {
		return CellOutsideQuery
	}
	return CellCrossesQuery
}

func (v *readdVisitor) Grow(int) {}

// mergeReader iterates the points of one tree in leaf order, which for a
// one-dimensional tree is sorted by value then doc ID.
type mergeReader struct {
	tree         *PointTree
	docMap       DocMap
	leaf         *leafCollector
	docBlockUpto int
	docID        int
	packedValue  []byte
}

func newMergeReader(r *Reader, docMap DocMap) (*mergeReader, error) {
	tree, err := r.PointTree()
	if err != nil {
		return nil, err
	}
	pbl := r.Config().packedBytesLength
	mr := &mergeReader{
		tree:        tree,
		docMap:      docMap,
		leaf:        &leafCollector{packedBytesLength: pbl},
		packedValue: make([]byte, pbl),
	}
	for {
		ok, err := tree.MoveToChild()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}
	if err := tree.VisitDocValues(mr.leaf); err != nil {
		return nil, err
	}
	return mr, nil
}

// next advances to the next live point.
func (mr *mergeReader) next() (bool, error) {
	for {
		if mr.docBlockUpto == len(mr.leaf.docIDs) {
			ok, err := mr.collectNextLeaf()
			if err != nil || !ok {
				return false, err
			}
			mr.docBlockUpto = 0
		}
		i := mr.docBlockUpto
		mr.docBlockUpto++
		docID := mr.leaf.docIDs[i]
		if mr.docMap != nil {
			docID = mr.docMap(docID)
		}
		if docID != -1 {
			mr.docID = docID
			copy(mr.packedValue, mr.leaf.packedValues[i*len(mr.packedValue):])
			return true, nil
		}
	}
}

func (mr *mergeReader) collectNextLeaf() (bool, error) {
	mr.leaf.reset()
	for {
		ok, err := mr.tree.MoveToSibling()
		if err != nil {
			return false, err
		}
		if ok {
			for {
				down, err := mr.tree.MoveToChild()
				if err != nil {
					return false, err
				}
				if !down {
					break
				}
			}
			if err := mr.tree.VisitDocValues(mr.leaf); err != nil {
				return false, err
			}
			return true, nil
		}
		if !mr.tree.MoveToParent() {
			return false, nil
		}
	}
}

// leafCollector buffers the points of one leaf.
type leafCollector struct {
	packedBytesLength int
	docIDs            []int
	packedValues      []byte
}

func (c *leafCollector) reset() {
	c.docIDs = c.docIDs[:0]
	c.packedValues = c.packedValues[:0]
}

func (c *leafCollector) Visit(int) {}

func (c *leafCollector) VisitValue(docID int, packedValue []byte) {
	c.docIDs = append(c.docIDs, docID)
	c.packedValues = append(c.packedValues, packedValue...)
}

func (c *leafCollector) Compare(_, _ []byte) Relation { return CellCrossesQuery }

func (c *leafCollector) Grow(count int) {
	c.docIDs = slices.Grow(c.docIDs, count)
	c.packedValues = slices.Grow(c.packedValues, count*c.packedBytesLength)
}
