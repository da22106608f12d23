package bkd

import (
	"github.com/hupe1980/bkd/internal/docids"
	"github.com/hupe1980/bkd/internal/store"
)

// leafReader decodes leaf blocks of the data stream.
type leafReader struct {
	cfg     Config
	version int
	in      *store.Input

	docIDs              []int32
	commonPrefixLengths []int
	packedValue         []byte
	minPackedValue      []byte
	maxPackedValue      []byte
}

func newLeafReader(cfg Config, version int, in *store.Input) *leafReader {
	return &leafReader{
		cfg:                 cfg,
		version:             version,
		in:                  in,
		docIDs:              make([]int32, cfg.maxPointsInLeafNode),
		commonPrefixLengths: make([]int, cfg.numDims),
		packedValue:         make([]byte, cfg.packedBytesLength),
		minPackedValue:      make([]byte, cfg.packedIndexBytesLength),
		maxPackedValue:      make([]byte, cfg.packedIndexBytesLength),
	}
}

func (lr *leafReader) readCount(fp int64) (int, error) {
	lr.in.Seek(fp)
	count := int(lr.in.VInt())
	if err := lr.in.Err(); err != nil {
		return 0, translateError(lr.in.Name(), err)
	}
	if count < 0 || count > lr.cfg.maxPointsInLeafNode {
		return 0, corruptf(lr.in.Name(), "leaf at fp=%d holds %d points, max is %d", fp, count, lr.cfg.maxPointsInLeafNode)
	}
	return count, nil
}

// visitDocIDs streams the doc IDs of the leaf at fp.
func (lr *leafReader) visitDocIDs(fp int64, v IntersectVisitor) error {
	count, err := lr.readCount(fp)
	if err != nil {
		return err
	}
	return translateError(lr.in.Name(), docids.Visit(lr.in, count, lr.docIDs, v.Visit))
}

// visitDocValues streams every point of the leaf at fp.
func (lr *leafReader) visitDocValues(fp int64, v IntersectVisitor) error {
	count, err := lr.readCount(fp)
	if err != nil {
		return err
	}
	if err := docids.Read(lr.in, count, lr.docIDs); err != nil {
		return translateError(lr.in.Name(), err)
	}
	if lr.version >= versionLowCardinalityLeaves {
		err = lr.visitWithCardinality(count, v)
	} else {
		err = lr.visitNoCardinality(count, v)
	}
	if err != nil {
		return err
	}
	return translateError(lr.in.Name(), lr.in.Err())
}

func (lr *leafReader) visitWithCardinality(count int, v IntersectVisitor) error {
	if err := lr.readCommonPrefixes(); err != nil {
		return err
	}
	tag, err := lr.readTag()
	if err != nil {
		return err
	}
	if tag == tagAllEqual {
		v.Grow(count)
		for _, id := range lr.docIDs[:count] {
			v.VisitValue(int(id), lr.packedValue)
		}
		return nil
	}
	if lr.cfg.numIndexDims != 1 {
		if lr.visitByBounds(count, v) {
			return nil
		}
	} else {
		v.Grow(count)
	}
	if tag == tagLowCardinality {
		return lr.visitLowCardinality(count, v)
	}
	return lr.visitCompressed(count, tag, v)
}

func (lr *leafReader) visitNoCardinality(count int, v IntersectVisitor) error {
	if err := lr.readCommonPrefixes(); err != nil {
		return err
	}
	if lr.cfg.numIndexDims != 1 && lr.version >= versionLeafStoresBounds {
		if lr.visitByBounds(count, v) {
			return nil
		}
	} else {
		v.Grow(count)
	}
	tag, err := lr.readTag()
	if err != nil {
		return err
	}
	if tag == tagAllEqual {
		// Before low cardinality leaves, -1 meant raw suffixes.
		for _, id := range lr.docIDs[:count] {
			lr.readSuffixes()
			v.VisitValue(int(id), lr.packedValue)
		}
		return nil
	}
	return lr.visitCompressed(count, tag, v)
}

// visitByBounds reads the actual bounds of the leaf and checks them against
// the query. It reports true if the leaf needs no further decoding.
func (lr *leafReader) visitByBounds(count int, v IntersectVisitor) bool {
	cfg := lr.cfg
	copy(lr.minPackedValue, lr.packedValue[:cfg.packedIndexBytesLength])
	copy(lr.maxPackedValue, lr.minPackedValue)
	for dim := 0; dim < cfg.numIndexDims; dim++ {
		from := dim*cfg.bytesPerDim + lr.commonPrefixLengths[dim]
		to := (dim + 1) * cfg.bytesPerDim
		lr.in.ReadInto(lr.minPackedValue[from:to])
		lr.in.ReadInto(lr.maxPackedValue[from:to])
	}
	if lr.in.Err() != nil {
		return true
	}
	switch v.Compare(lr.minPackedValue, lr.maxPackedValue) {
	case CellOutsideQuery:
		return true
	case CellInsideQuery:
		v.Grow(count)
		for _, id := range lr.docIDs[:count] {
			v.Visit(int(id))
		}
		return true
	}
	v.Grow(count)
	return false
}

func (lr *leafReader) visitLowCardinality(count int, v IntersectVisitor) error {
	i := 0
	for i < count {
		length := int(lr.in.VInt())
		lr.readSuffixes()
		if err := lr.in.Err(); err != nil {
			return translateError(lr.in.Name(), err)
		}
		if length <= 0 || i+length > count {
			break
		}
		for _, id := range lr.docIDs[i : i+length] {
			v.VisitValue(int(id), lr.packedValue)
		}
		i += length
	}
	if i != count {
		return corruptf(lr.in.Name(), "sub blocks do not add up to the expected count: %d != %d", count, i)
	}
	return nil
}

// visitCompressed decodes runs sharing the byte right after the common
// prefix of dimension sortedDim; the rest of each suffix is stored raw.
func (lr *leafReader) visitCompressed(count, sortedDim int, v IntersectVisitor) error {
	cfg := lr.cfg
	if lr.commonPrefixLengths[sortedDim] >= cfg.bytesPerDim {
		return corruptf(lr.in.Name(), "compressed dim %d has no suffix", sortedDim)
	}
	compressedByteOffset := sortedDim*cfg.bytesPerDim + lr.commonPrefixLengths[sortedDim]
	lr.commonPrefixLengths[sortedDim]++
	i := 0
	for i < count {
		lr.packedValue[compressedByteOffset] = lr.in.Byte()
		runLen := int(lr.in.Byte())
		if err := lr.in.Err(); err != nil {
			return translateError(lr.in.Name(), err)
		}
		if runLen == 0 || i+runLen > count {
			break
		}
		for _, id := range lr.docIDs[i : i+runLen] {
			lr.readSuffixes()
			v.VisitValue(int(id), lr.packedValue)
		}
		i += runLen
	}
	if i != count {
		return corruptf(lr.in.Name(), "sub blocks do not add up to the expected count: %d != %d", count, i)
	}
	return nil
}

func (lr *leafReader) readSuffixes() {
	bpd := lr.cfg.bytesPerDim
	for dim := 0; dim < lr.cfg.numDims; dim++ {
		lr.in.ReadInto(lr.packedValue[dim*bpd+lr.commonPrefixLengths[dim] : (dim+1)*bpd])
	}
}

func (lr *leafReader) readCommonPrefixes() error {
	bpd := lr.cfg.bytesPerDim
	for dim := 0; dim < lr.cfg.numDims; dim++ {
		prefix := int(lr.in.VInt())
		if prefix < 0 || prefix > bpd {
			return corruptf(lr.in.Name(), "common prefix length %d for dim %d exceeds bytesPerDim=%d", prefix, dim, bpd)
		}
		lr.commonPrefixLengths[dim] = prefix
		lr.in.ReadInto(lr.packedValue[dim*bpd : dim*bpd+prefix])
	}
	return translateError(lr.in.Name(), lr.in.Err())
}

func (lr *leafReader) readTag() (int, error) {
	tag := int(int8(lr.in.Byte()))
	if err := lr.in.Err(); err != nil {
		return 0, translateError(lr.in.Name(), err)
	}
	if tag < tagLowCardinality || tag >= lr.cfg.numDims ||
		(lr.version < versionLowCardinalityLeaves && tag == tagLowCardinality) {
		return 0, corruptf(lr.in.Name(), "got compressedDim=%d", tag)
	}
	return tag, nil
}
