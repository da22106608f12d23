package bkd

import (
	"github.com/hupe1980/bkd/internal/bkdutil"
	"github.com/hupe1980/bkd/internal/docids"
)

// leafWriter encodes leaf blocks. Every leaf is laid out as
//
//	vint count | doc IDs | per dim: vint prefix length, prefix bytes | values
//
// where the values section starts with a tag: -1 when all values are equal,
// -2 for run-length coded distinct values, or the dimension whose first
// suffix byte is run-length coded.
type leafWriter struct {
	cfg     Config
	version int
	docIDs  *docids.Writer
	scratch []byte
}

func newLeafWriter(cfg Config, version int) *leafWriter {
	return &leafWriter{
		cfg:     cfg,
		version: version,
		docIDs:  docids.NewWriter(cfg.maxPointsInLeafNode),
		scratch: make([]byte, cfg.packedBytesLength),
	}
}

func (lw *leafWriter) writeDocIDs(out *Output, ids []int32) {
	out.WriteVInt(int32(len(ids)))
	lw.docIDs.Write(out, ids)
}

func (lw *leafWriter) writeCommonPrefixes(out *Output, commonPrefixLengths []int, packedValue []byte) {
	bpd := lw.cfg.bytesPerDim
	for dim := 0; dim < lw.cfg.numDims; dim++ {
		out.WriteVInt(int32(commonPrefixLengths[dim]))
		out.WriteBytes(packedValue[dim*bpd : dim*bpd+commonPrefixLengths[dim]])
	}
}

// writePackedValues encodes the values of a leaf whose points are sorted by
// sortedDim. values(i) returns the packed value of the i-th point; the
// returned slices must stay valid for the whole call.
// commonPrefixLengths[sortedDim] is incremented when the high-cardinality
// layout is chosen.
func (lw *leafWriter) writePackedValues(out *Output, commonPrefixLengths []int, count, sortedDim int, values func(int) []byte, leafCardinality int) LeafEncoding {
	prefixLenSum := bkdutil.Sum(commonPrefixLengths)
	if prefixLenSum == lw.cfg.packedBytesLength {
		_ = out.WriteByte(leafTagByte(tagAllEqual))
		return LeafUniform
	}
	if lw.version < versionLowCardinalityLeaves {
		lw.writeHighCardinality(out, commonPrefixLengths, count, sortedDim, values)
		return LeafHighCardinality
	}

	pbl := lw.cfg.packedBytesLength
	compressedByteOffset := sortedDim*lw.cfg.bytesPerDim + commonPrefixLengths[sortedDim]
	var highCardinalityCost, lowCardinalityCost int
	if count == leafCardinality {
		highCardinalityCost = 0
		lowCardinalityCost = 1
	} else {
		numRunLens := 0
		for i := 0; i < count; {
			i += runLen(values, i, min(i+0xFF, count), compressedByteOffset)
			numRunLens++
		}
		highCardinalityCost = count*(pbl-prefixLenSum-1) + 2*numRunLens
		lowCardinalityCost = leafCardinality * (pbl - prefixLenSum + 1)
	}

	if lowCardinalityCost <= highCardinalityCost {
		_ = out.WriteByte(leafTagByte(tagLowCardinality))
		lw.writeLowCardinality(out, commonPrefixLengths, count, values)
		return LeafLowCardinality
	}
	lw.writeHighCardinality(out, commonPrefixLengths, count, sortedDim, values)
	return LeafHighCardinality
}

func (lw *leafWriter) writeLowCardinality(out *Output, commonPrefixLengths []int, count int, values func(int) []byte) {
	if lw.cfg.numIndexDims != 1 {
		lw.writeActualBounds(out, commonPrefixLengths, count, values)
	}
	copy(lw.scratch, values(0))
	cardinality := 1
	for i := 1; i < count; i++ {
		value := values(i)
		if bkdutil.Equal(value, 0, lw.scratch, 0, lw.cfg.packedBytesLength) {
			cardinality++
			continue
		}
		lw.writeRun(out, commonPrefixLengths, cardinality)
		copy(lw.scratch, value)
		cardinality = 1
	}
	lw.writeRun(out, commonPrefixLengths, cardinality)
}

func (lw *leafWriter) writeRun(out *Output, commonPrefixLengths []int, cardinality int) {
	bpd := lw.cfg.bytesPerDim
	out.WriteVInt(int32(cardinality))
	for dim := 0; dim < lw.cfg.numDims; dim++ {
		out.WriteBytes(lw.scratch[dim*bpd+commonPrefixLengths[dim] : (dim+1)*bpd])
	}
}

func (lw *leafWriter) writeHighCardinality(out *Output, commonPrefixLengths []int, count, sortedDim int, values func(int) []byte) {
	if lw.version >= versionLowCardinalityLeaves {
		_ = out.WriteByte(byte(sortedDim))
	}
	if lw.cfg.numIndexDims != 1 && lw.version >= versionLeafStoresBounds {
		lw.writeActualBounds(out, commonPrefixLengths, count, values)
	}
	if lw.version < versionLowCardinalityLeaves {
		_ = out.WriteByte(byte(sortedDim))
	}

	compressedByteOffset := sortedDim*lw.cfg.bytesPerDim + commonPrefixLengths[sortedDim]
	commonPrefixLengths[sortedDim]++
	for i := 0; i < count; {
		n := runLen(values, i, min(i+0xFF, count), compressedByteOffset)
		_ = out.WriteByte(values(i)[compressedByteOffset])
		_ = out.WriteByte(byte(n))
		lw.writeSuffixes(out, commonPrefixLengths, i, i+n, values)
		i += n
	}
}

func (lw *leafWriter) writeSuffixes(out *Output, commonPrefixLengths []int, from, to int, values func(int) []byte) {
	bpd := lw.cfg.bytesPerDim
	for i := from; i < to; i++ {
		value := values(i)
		for dim := 0; dim < lw.cfg.numDims; dim++ {
			out.WriteBytes(value[dim*bpd+commonPrefixLengths[dim] : (dim+1)*bpd])
		}
	}
}

// writeActualBounds writes the min and max suffix of every index dimension
// that has one, so readers can compare the leaf against the tighter box.
func (lw *leafWriter) writeActualBounds(out *Output, commonPrefixLengths []int, count int, values func(int) []byte) {
	bpd := lw.cfg.bytesPerDim
	for dim := 0; dim < lw.cfg.numIndexDims; dim++ {
		prefix := commonPrefixLengths[dim]
		suffix := bpd - prefix
		if suffix == 0 {
			continue
		}
		offset := dim*bpd + prefix
		minValue, maxValue := values(0), values(0)
		for i := 1; i < count; i++ {
			v := values(i)
			if bkdutil.Compare(v, offset, minValue, offset, suffix) < 0 {
				minValue = v
			} else if bkdutil.Compare(v, offset, maxValue, offset, suffix) > 0 {
				maxValue = v
			}
		}
		out.WriteBytes(minValue[offset : offset+suffix])
		out.WriteBytes(maxValue[offset : offset+suffix])
	}
}

// runLen returns the length of the run starting at start in which every
// value shares the byte at byteOffset, capped at end.
func runLen(values func(int) []byte, start, end, byteOffset int) int {
	b := values(start)[byteOffset]
	for i := start + 1; i < end; i++ {
		if values(i)[byteOffset] != b {
			return i - start
		}
	}
	return end - start
}
