package bkd

import (
	"fmt"

	"github.com/hupe1980/bkd/internal/bkdutil"
)

// oneDimWriter streams points that arrive sorted by value straight into
// leaf blocks of exactly maxPointsInLeafNode points. It backs WriteField for
// one dimension and Merge.
type oneDimWriter struct {
	w                    *Writer
	meta, index, data    *Output
	dataStartFP          int64
	leafBlockFPs         []int64
	leafBlockStartValues []byte
	leafValues           []byte
	leafDocs             []int32
	valueCount           int64
	leafCount            int
	leafCardinality      int
	lastPackedValue      []byte
	lastDocID            int
}

func (w *Writer) newOneDimWriter(meta, index, data *Output) (*oneDimWriter, error) {
	if w.cfg.numDims != 1 {
		return nil, fmt.Errorf("%w: numDims=%d", ErrOneDimOnly, w.cfg.numDims)
	}
	if w.pointCount != 0 {
		return nil, ErrMixedBuild
	}
	if w.finished {
		return nil, ErrAlreadyFinished
	}
	w.finished = true
	return &oneDimWriter{
		w:               w,
		meta:            meta,
		index:           index,
		data:            data,
		dataStartFP:     data.FilePointer(),
		leafValues:      make([]byte, w.cfg.maxPointsInLeafNode*w.cfg.packedBytesLength),
		leafDocs:        make([]int32, w.cfg.maxPointsInLeafNode),
		lastPackedValue: make([]byte, w.cfg.packedBytesLength),
	}, nil
}

// add appends the next point. Points must arrive sorted by value, then by
// doc ID.
func (o *oneDimWriter) add(packedValue []byte, docID int) error {
	pbl := o.w.cfg.packedBytesLength
	if debugAssertions {
		if err := o.checkOrder(packedValue, docID); err != nil {
			return err
		}
	}
	if o.leafCount == 0 || !bkdutil.Equal(o.leafValues, (o.leafCount-1)*pbl, packedValue, 0, pbl) {
		o.leafCardinality++
	}
	copy(o.leafValues[o.leafCount*pbl:], packedValue)
	o.leafDocs[o.leafCount] = int32(docID)
	o.w.docsSeen.Add(docID)
	o.leafCount++

	if o.valueCount+int64(o.leafCount) > o.w.totalPointCount {
		return fmt.Errorf("%w: totalPointCount=%d was passed when we were created, but we just hit %d values",
			ErrTooManyPoints, o.w.totalPointCount, o.valueCount+int64(o.leafCount))
	}
	if o.leafCount == o.w.cfg.maxPointsInLeafNode {
		if err := o.writeLeafBlock(); err != nil {
			return err
		}
	}
	return nil
}

func (o *oneDimWriter) checkOrder(packedValue []byte, docID int) error {
	if o.valueCount+int64(o.leafCount) > 0 {
		cmp := bkdutil.Compare(o.lastPackedValue, 0, packedValue, 0, o.w.cfg.packedBytesLength)
		if cmp > 0 || (cmp == 0 && o.lastDocID > docID) {
			return invalidArgf("points out of order at doc %d", docID)
		}
	}
	copy(o.lastPackedValue, packedValue)
	o.lastDocID = docID
	return nil
}

// finish flushes the last partial leaf and returns the index writer, or nil
// if no points were added.
func (o *oneDimWriter) finish() (func() error, error) {
	if o.leafCount > 0 {
		if err := o.writeLeafBlock(); err != nil {
			return nil, err
		}
	}
	if o.valueCount == 0 {
		return nil, nil
	}
	o.w.pointCount = o.valueCount

	leaves := &splitLeafNodes{
		bytesPerDim:       o.w.cfg.bytesPerDim,
		leafBlockFPs:      o.leafBlockFPs,
		splitPackedValues: o.leafBlockStartValues,
		splitDims:         make([]byte, len(o.leafBlockFPs)-1),
	}
	return func() error {
		return o.w.writeIndex(o.meta, o.index, o.w.cfg.maxPointsInLeafNode, leaves, o.dataStartFP)
	}, nil
}

func (o *oneDimWriter) writeLeafBlock() error {
	cfg := o.w.cfg
	pbl := cfg.packedBytesLength
	count := o.leafCount
	if o.valueCount == 0 {
		copy(o.w.minPackedValue, o.leafValues[:cfg.packedIndexBytesLength])
	}
	copy(o.w.maxPackedValue, o.leafValues[(count-1)*pbl:])
	o.valueCount += int64(count)

	// The first value of every leaf but the first becomes a split value.
	if len(o.leafBlockFPs) > 0 {
		o.leafBlockStartValues = append(o.leafBlockStartValues, o.leafValues[:cfg.bytesPerDim]...)
	}
	o.leafBlockFPs = append(o.leafBlockFPs, o.data.FilePointer())
	if err := o.w.checkMaxLeafNodeCount(len(o.leafBlockFPs)); err != nil {
		return err
	}

	cpl := o.w.commonPrefixLengths
	cpl[0] = bkdutil.CommonPrefixLength(o.leafValues, 0, o.leafValues, (count-1)*pbl, cfg.bytesPerDim)

	o.w.leaf.writeDocIDs(o.data, o.leafDocs[:count])
	o.w.leaf.writeCommonPrefixes(o.data, cpl, o.leafValues)
	values := func(i int) []byte { return o.leafValues[i*pbl : (i+1)*pbl] }
	enc := o.w.leaf.writePackedValues(o.data, cpl, count, 0, values, o.leafCardinality)
	o.w.opts.metrics.RecordLeafWritten(enc, count)

	o.leafCount = 0
	o.leafCardinality = 0
	return o.data.Err()
}
