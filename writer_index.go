package bkd

import (
	"fmt"

	"github.com/hupe1980/bkd/internal/bkdutil"
	"github.com/hupe1980/bkd/internal/conv"
)

// leafNodes describes the leaves of a built tree in left-to-right order and
// the split between leaf i and leaf i+1.
type leafNodes interface {
	numLeaves() int
	leafFP(i int) int64
	splitValue(i int) []byte
	splitDim(i int) int
}

// splitLeafNodes is the leafNodes view produced by the recursive builders.
type splitLeafNodes struct {
	bytesPerDim       int
	leafBlockFPs      []int64
	splitPackedValues []byte
	splitDims         []byte
}

func (s *splitLeafNodes) numLeaves() int     { return len(s.leafBlockFPs) }
func (s *splitLeafNodes) leafFP(i int) int64 { return s.leafBlockFPs[i] }
func (s *splitLeafNodes) splitDim(i int) int { return int(s.splitDims[i]) }

func (s *splitLeafNodes) splitValue(i int) []byte {
	off := i * s.bytesPerDim
	return s.splitPackedValues[off : off+s.bytesPerDim]
}

// writeIndex writes the tree metadata to meta and the packed index to index.
// meta and index may be the same stream, and must be before versionMetaFile.
func (w *Writer) writeIndex(meta, index *Output, countPerLeaf int, leaves leafNodes, dataStartFP int64) error {
	packedIndex := w.packIndex(leaves)
	docCount, err := conv.IntToInt32(w.docsSeen.Cardinality())
	if err != nil {
		return fmt.Errorf("bkd: doc count: %w", err)
	}
	indexBytes, err := conv.IntToInt32(len(packedIndex))
	if err != nil {
		return fmt.Errorf("bkd: packed index size: %w", err)
	}

	version := w.opts.formatVersion
	meta.WriteHeader(codecName, version)
	meta.WriteVInt(int32(w.cfg.numDims))
	if version >= versionSelectiveIndexing {
		meta.WriteVInt(int32(w.cfg.numIndexDims))
	}
	meta.WriteVInt(int32(countPerLeaf))
	meta.WriteVInt(int32(w.cfg.bytesPerDim))
	meta.WriteVInt(int32(leaves.numLeaves()))
	meta.WriteBytes(w.minPackedValue)
	meta.WriteBytes(w.maxPackedValue)
	meta.WriteVLong(w.pointCount)
	meta.WriteVInt(docCount)
	meta.WriteVInt(indexBytes)
	if version >= versionMetaFile {
		meta.WriteLong(dataStartFP)
		indexStartFP := index.FilePointer()
		if meta == index {
			indexStartFP += 8
		}
		meta.WriteLong(indexStartFP)
	}
	index.WriteBytes(packedIndex)

	if err := meta.Err(); err != nil {
		return err
	}
	return index.Err()
}

// packIndex serializes the inner nodes in pre-order. Each node stores the
// delta of its leftmost leaf file pointer, its split dimension and split
// value prefix-coded against the closest ancestor split on the same
// dimension, and the byte size of its left subtree so readers can skip it.
func (w *Writer) packIndex(leaves leafNodes) []byte {
	p := &indexPacker{
		cfg:             w.cfg,
		leaves:          leaves,
		buf:             NewMemoryOutput("packed-index"),
		lastSplitValues: make([]byte, w.cfg.bytesPerDim*w.cfg.numIndexDims),
		negativeDeltas:  make([]bool, w.cfg.numIndexDims),
	}
	total := p.recurse(0, false, 0, leaves.numLeaves())

	index := make([]byte, 0, total)
	for _, block := range p.blocks {
		index = append(index, block...)
	}
	return index
}

type indexPacker struct {
	cfg             Config
	leaves          leafNodes
	buf             *Output
	blocks          [][]byte
	lastSplitValues []byte
	negativeDeltas  []bool
}

// appendBlock moves the scratch buffer into a new block and returns its size.
func (p *indexPacker) appendBlock() int {
	block := clone(p.buf.Bytes())
	p.blocks = append(p.blocks, block)
	p.buf.Reset()
	return len(block)
}

func (p *indexPacker) recurse(minBlockFP int64, isLeft bool, leavesOffset, numLeaves int) int {
	if numLeaves == 1 {
		if isLeft {
			return 0
		}
		p.buf.WriteVLong(p.leaves.leafFP(leavesOffset) - minBlockFP)
		return p.appendBlock()
	}

	// The leftmost leaf of a left subtree starts where its parent does.
	leftBlockFP := minBlockFP
	if !isLeft {
		leftBlockFP = p.leaves.leafFP(leavesOffset)
		p.buf.WriteVLong(leftBlockFP - minBlockFP)
	}

	bpd := p.cfg.bytesPerDim
	numLeftLeafNodes := getNumLeftLeafNodes(numLeaves)
	rightOffset := leavesOffset + numLeftLeafNodes
	splitOffset := rightOffset - 1
	splitDim := p.leaves.splitDim(splitOffset)
	splitValue := p.leaves.splitValue(splitOffset)

	prefix := bkdutil.CommonPrefixLength(splitValue, 0, p.lastSplitValues, splitDim*bpd, bpd)
	firstDiffByteDelta := 0
	if prefix < bpd {
		firstDiffByteDelta = int(splitValue[prefix]) - int(p.lastSplitValues[splitDim*bpd+prefix])
		if p.negativeDeltas[splitDim] {
			firstDiffByteDelta = -firstDiffByteDelta
		}
	}

	code := (firstDiffByteDelta*(1+bpd)+prefix)*p.cfg.numIndexDims + splitDim
	p.buf.WriteVInt(int32(code))

	suffix := bpd - prefix
	if suffix > 1 {
		p.buf.WriteBytes(splitValue[prefix+1 : bpd])
	}

	savedSplitValue := clone(p.lastSplitValues[splitDim*bpd+prefix : splitDim*bpd+bpd])
	copy(p.lastSplitValues[splitDim*bpd+prefix:], splitValue[prefix:])

	numBytes := p.appendBlock()

	// Placeholder for the left subtree size, filled in once it is known.
	placeholder := len(p.blocks)
	p.blocks = append(p.blocks, nil)

	savedNegativeDelta := p.negativeDeltas[splitDim]
	p.negativeDeltas[splitDim] = true
	leftNumBytes := p.recurse(leftBlockFP, true, leavesOffset, numLeftLeafNodes)
	if numLeftLeafNodes != 1 {
		p.buf.WriteVInt(int32(leftNumBytes))
	}
	sizeBlock := clone(p.buf.Bytes())
	p.buf.Reset()
	p.blocks[placeholder] = sizeBlock

	p.negativeDeltas[splitDim] = false
	rightNumBytes := p.recurse(leftBlockFP, false, rightOffset, numLeaves-numLeftLeafNodes)

	p.negativeDeltas[splitDim] = savedNegativeDelta
	copy(p.lastSplitValues[splitDim*bpd+prefix:], savedSplitValue)

	return numBytes + len(sizeBlock) + leftNumBytes + rightNumBytes
}
