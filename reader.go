package bkd

import (
	"errors"
	"math"
	"math/bits"
	"time"

	"github.com/hupe1980/bkd/internal/bkdutil"
	"github.com/hupe1980/bkd/internal/conv"
)

// Reader gives access to a tree written by Writer.
//
// A Reader is immutable after NewReader and safe for concurrent use; each
// traversal works on its own PointTree.
type Reader struct {
	cfg            Config
	version        int
	numLeaves      int
	minPackedValue []byte
	maxPackedValue []byte
	pointCount     int64
	docCount       int
	minLeafBlockFP int64
	packedIndex    *Input
	data           *Input
	isTreeBalanced bool
	opts           readerOptions
}

// NewReader opens a tree from its three streams. meta and index are the same
// Input for trees written before the metadata stream was split out. The
// inputs are not consumed; every PointTree reads through its own clones.
func NewReader(meta, index, data *Input, optFns ...ReaderOption) (*Reader, error) {
	start := time.Now()
	opts := applyReaderOptions(optFns)
	r, err := openReader(meta, index, data, opts)
	opts.logger.LogOpen(opts.ctx, meta.Name(), versionOf(r), pointCountOf(r), err)
	opts.metrics.RecordOpen(time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func versionOf(r *Reader) int {
	if r == nil {
		return 0
	}
	return r.version
}

func pointCountOf(r *Reader) int64 {
	if r == nil {
		return 0
	}
	return r.pointCount
}

func openReader(meta, index, data *Input, opts readerOptions) (*Reader, error) {
	name := meta.Name()
	version, err := meta.CheckHeader(codecName, versionStart, VersionCurrent)
	if err != nil {
		return nil, translateError(name, err)
	}

	numDims := int(meta.VInt())
	numIndexDims := numDims
	if version >= versionSelectiveIndexing {
		numIndexDims = int(meta.VInt())
	}
	maxPointsInLeafNode := int(meta.VInt())
	bytesPerDim := int(meta.VInt())
	if err := meta.Err(); err != nil {
		return nil, translateError(name, err)
	}
	cfg, err := NewConfig(numDims, numIndexDims, bytesPerDim, maxPointsInLeafNode)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			return nil, &CorruptIndexError{Resource: name, Msg: "invalid tree shape", cause: err}
		}
		return nil, err
	}

	r := &Reader{
		cfg:     cfg,
		version: version,
		data:    data,
		opts:    opts,
	}
	r.numLeaves = int(meta.VInt())
	r.minPackedValue = clone(meta.Next(cfg.packedIndexBytesLength))
	r.maxPackedValue = clone(meta.Next(cfg.packedIndexBytesLength))
	r.pointCount = meta.VLong()
	r.docCount = int(meta.VInt())
	numIndexBytes := int64(meta.VInt())
	if err := meta.Err(); err != nil {
		return nil, translateError(name, err)
	}
	if err := conv.NonNegative("numIndexBytes", numIndexBytes); err != nil {
		return nil, corruptf(name, "%v", err)
	}
	if r.numLeaves <= 0 {
		return nil, corruptf(name, "numLeaves=%d must be > 0", r.numLeaves)
	}
	if r.pointCount <= 0 || r.docCount < 0 || int64(r.docCount) > r.pointCount {
		return nil, corruptf(name, "pointCount=%d docCount=%d", r.pointCount, r.docCount)
	}
	for dim := 0; dim < cfg.numIndexDims; dim++ {
		off := dim * cfg.bytesPerDim
		if bkdutil.Compare(r.minPackedValue, off, r.maxPackedValue, off, cfg.bytesPerDim) > 0 {
			return nil, corruptf(name, "minPackedValue %x is > maxPackedValue %x for dim=%d", r.minPackedValue, r.maxPackedValue, dim)
		}
	}

	var indexStartFP int64
	if version >= versionMetaFile {
		r.minLeafBlockFP = meta.Long()
		indexStartFP = meta.Long()
		if err := meta.Err(); err != nil {
			return nil, translateError(name, err)
		}
	} else {
		indexStartFP = index.Position()
		r.minLeafBlockFP = index.VLong()
		index.Seek(indexStartFP)
		if err := index.Err(); err != nil {
			return nil, translateError(index.Name(), err)
		}
	}

	r.packedIndex, err = index.Slice(index.Name()+"/packed-index", indexStartFP, numIndexBytes)
	if err != nil {
		return nil, translateError(index.Name(), err)
	}

	// A single leaf reads the same either way.
	if r.numLeaves != 1 {
		if r.isTreeBalanced, err = r.detectBalancedTree(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// detectBalancedTree reports whether the tree was written with the legacy
// layout that spread missing points over all leaves.
func (r *Reader) detectBalancedTree() (bool, error) {
	if r.version >= versionMetaFile {
		return false, nil
	}
	if r.cfg.numDims > 1 {
		return true, nil
	}
	if bits.OnesCount(uint(r.numLeaves)) != 1 {
		// Not enough leaves to fill the last level.
		return false, nil
	}
	lastLeafNodePointCount := int(r.pointCount % int64(r.cfg.maxPointsInLeafNode))

	tree, err := r.PointTree()
	if err != nil {
		return false, err
	}
	for {
		for {
			ok, err := tree.MoveToSibling()
			if err != nil {
				return false, err
			}
			if !ok {
				break
			}
		}
		ok, err := tree.MoveToChild()
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
	}
	var counter docCounter
	if err := tree.VisitDocIDs(&counter); err != nil {
		return false, err
	}
	return counter.n != lastLeafNodePointCount, nil
}

// docCounter counts visited doc IDs.
type docCounter struct{ n int }

func (c *docCounter) Visit(int)                    { c.n++ }
func (c *docCounter) VisitValue(int, []byte)       { c.n++ }
func (c *docCounter) Compare(_, _ []byte) Relation { return CellCrossesQuery }
func (c *docCounter) Grow(int)                     {}

// Config returns the shape of the tree.
func (r *Reader) Config() Config { return r.cfg }

// Version returns the format version the tree was written with.
func (r *Reader) Version() int { return r.version }

// NumLeaves returns the number of leaf blocks.
func (r *Reader) NumLeaves() int { return r.numLeaves }

// MinPackedValue returns the lower corner of the tree over the index
// dimensions.
func (r *Reader) MinPackedValue() []byte { return clone(r.minPackedValue) }

// MaxPackedValue returns the upper corner of the tree over the index
// dimensions.
func (r *Reader) MaxPackedValue() []byte { return clone(r.maxPackedValue) }

// Size returns the number of points in the tree.
func (r *Reader) Size() int64 { return r.pointCount }

// DocCount returns the number of distinct documents with a point.
func (r *Reader) DocCount() int { return r.docCount }

// MinLeafBlockFP returns the file pointer of the first leaf block.
func (r *Reader) MinLeafBlockFP() int64 { return r.minLeafBlockFP }

// PointTree returns a new cursor positioned at the root.
func (r *Reader) PointTree() (*PointTree, error) {
	t := newPointTree(r, r.packedIndex.Clone(), r.data.Clone(), 1, 1, r.minPackedValue, r.maxPackedValue)
	if err := t.readNodeData(false); err != nil {
		return nil, err
	}
	return t, nil
}

// Intersect drives v over the whole tree.
func (r *Reader) Intersect(v IntersectVisitor) error {
	tree, err := r.PointTree()
	if err != nil {
		return err
	}
	start := time.Now()
	stats, err := intersect(tree, v)
	r.opts.metrics.RecordIntersect(stats.leavesVisited, stats.nodesPruned, time.Since(start))
	return err
}

// EstimatePointCount estimates how many points v matches without decoding
// any leaf. Leaves crossing the query count half their points.
func (r *Reader) EstimatePointCount(v IntersectVisitor) (int64, error) {
	tree, err := r.PointTree()
	if err != nil {
		return 0, err
	}
	return estimatePointCount(tree, v)
}

func estimatePointCount(tree *PointTree, v IntersectVisitor) (int64, error) {
	switch v.Compare(tree.MinPackedValue(), tree.MaxPackedValue()) {
	case CellOutsideQuery:
		return 0, nil
	case CellInsideQuery:
		return tree.Size(), nil
	}
	ok, err := tree.MoveToChild()
	if err != nil {
		return 0, err
	}
	if !ok {
		return (tree.Size() + 1) / 2, nil
	}
	var cost int64
	for {
		n, err := estimatePointCount(tree, v)
		if err != nil {
			return 0, err
		}
		cost += n
		ok, err := tree.MoveToSibling()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
	}
	tree.MoveToParent()
	return cost, nil
}

// EstimateDocCount estimates how many documents v matches. For multi-valued
// trees it assumes points are spread evenly over documents.
func (r *Reader) EstimateDocCount(v IntersectVisitor) (int64, error) {
	estimatedPointCount, err := r.EstimatePointCount(v)
	if err != nil {
		return 0, err
	}
	docCount := int64(r.docCount)
	size := float64(r.pointCount)
	switch {
	case float64(estimatedPointCount) >= size:
		return docCount, nil
	case size == float64(docCount) || estimatedPointCount == 0:
		return estimatedPointCount, nil
	}
	// Expected number of distinct documents among n of N points drawn from D
	// documents: D * (1 - ((N - n) / N)^(N/D)).
	d := float64(docCount)
	docEstimate := int64(d * (1 - math.Pow((size-float64(estimatedPointCount))/size, size/d)))
	if docEstimate == 0 {
		return 1, nil
	}
	return docEstimate, nil
}
