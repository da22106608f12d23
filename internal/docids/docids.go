// Package docids encodes the doc-ID block that starts every leaf.
//
// A block is a one-byte tag followed by its payload. The writer picks the
// first applicable encoding in this order:
//
//	ContinuousIDs  strictly increasing without gaps; stores the first id
//	BitsetIDs      strictly increasing, range <= 16*count; word-aligned bitset
//	DeltaBPV16     max-min <= 0xFFFF; min plus 16-bit deltas, two per int32
//	BPV24          max <= 0xFFFFFF; eight 24-bit values per three int64
//	BPV32          raw int32 values
//
// LegacyDeltaVInt is only ever read.
package docids

import (
	"fmt"
	"math/bits"

	"github.com/hupe1980/bkd/internal/store"
)

// Encoding is the tag byte stored in front of a doc-ID block.
type Encoding int8

// Doc-ID block encodings.
const (
	ContinuousIDs   Encoding = -2
	BitsetIDs       Encoding = -1
	LegacyDeltaVInt Encoding = 0
	DeltaBPV16      Encoding = 16
	BPV24           Encoding = 24
	BPV32           Encoding = 32
)

func (e Encoding) String() string {
	switch e {
	case ContinuousIDs:
		return "continuous"
	case BitsetIDs:
		return "bitset"
	case LegacyDeltaVInt:
		return "legacy-delta-vint"
	case DeltaBPV16:
		return "delta-bpv16"
	case BPV24:
		return "bpv24"
	case BPV32:
		return "bpv32"
	default:
		return fmt.Sprintf("unknown(%d)", int8(e))
	}
}

// Writer encodes doc-ID blocks. It owns a scratch buffer sized for the
// largest leaf and is not safe for concurrent use.
type Writer struct {
	scratch []int32
}

// NewWriter returns a Writer for blocks of at most maxCount ids.
func NewWriter(maxCount int) *Writer {
	return &Writer{scratch: make([]int32, maxCount)}
}

// Choose returns the encoding Write would use for ids.
func Choose(ids []int32) Encoding {
	enc, _, _ := choose(ids)
	return enc
}

func choose(ids []int32) (Encoding, int32, int32) {
	strictlySorted := true
	minID, maxID := ids[0], ids[0]
	for i := 1; i < len(ids); i++ {
		last, cur := ids[i-1], ids[i]
		if last >= cur {
			strictlySorted = false
		}
		minID = min(minID, cur)
		maxID = max(maxID, cur)
	}
	count := int64(len(ids))
	min2max := int64(maxID) - int64(minID) + 1
	if strictlySorted {
		if min2max == count {
			return ContinuousIDs, minID, maxID
		}
		if min2max <= count<<4 {
			return BitsetIDs, minID, maxID
		}
	}
	if min2max-1 <= 0xFFFF {
		return DeltaBPV16, minID, maxID
	}
	if maxID <= 0xFFFFFF {
		return BPV24, minID, maxID
	}
	return BPV32, minID, maxID
}

// Write encodes ids, which must be non-empty and non-negative.
func (w *Writer) Write(out *store.Output, ids []int32) {
	enc, minID, _ := choose(ids)
	_ = out.WriteByte(byte(enc))
	switch enc {
	case ContinuousIDs:
		out.WriteVInt(ids[0])
	case BitsetIDs:
		writeBitset(out, ids)
	case DeltaBPV16:
		w.writeDelta16(out, ids, minID)
	case BPV24:
		writeBPV24(out, ids)
	default:
		for _, id := range ids {
			out.WriteInt(id)
		}
	}
}

func writeBitset(out *store.Output, ids []int32) {
	first, last := ids[0], ids[len(ids)-1]
	offsetWords := first >> 6
	offsetBits := offsetWords << 6
	totalWords := int32((int64(last-offsetBits) + 64) >> 6)
	out.WriteVInt(offsetWords)
	out.WriteVInt(totalWords)

	var word uint64
	wordIndex := int32(0)
	for _, id := range ids {
		index := id - offsetBits
		next := index >> 6
		if wordIndex < next {
			out.WriteLong(int64(word))
			word = 0
			wordIndex++
			for wordIndex < next {
				wordIndex++
				out.WriteLong(0)
			}
		}
		word |= 1 << uint(index&63)
	}
	out.WriteLong(int64(word))
}

func (w *Writer) writeDelta16(out *store.Output, ids []int32, minID int32) {
	count := len(ids)
	if cap(w.scratch) < count {
		w.scratch = make([]int32, count)
	}
	scratch := w.scratch[:count]
	for i, id := range ids {
		scratch[i] = id - minID
	}
	out.WriteVInt(minID)
	half := count >> 1
	for i := 0; i < half; i++ {
		out.WriteInt(scratch[half+i] | scratch[i]<<16)
	}
	if count&1 == 1 {
		out.WriteShort(int16(scratch[count-1]))
	}
}

func writeBPV24(out *store.Output, ids []int32) {
	count := len(ids)
	i := 0
	for ; i < count-7; i += 8 {
		d1, d2, d3, d4 := uint64(ids[i]), uint64(ids[i+1]), uint64(ids[i+2]), uint64(ids[i+3])
		d5, d6, d7, d8 := uint64(ids[i+4]), uint64(ids[i+5]), uint64(ids[i+6]), uint64(ids[i+7])
		l1 := (d1&0xffffff)<<40 | (d2&0xffffff)<<16 | (d3>>8)&0xffff
		l2 := (d3&0xff)<<56 | (d4&0xffffff)<<32 | (d5&0xffffff)<<8 | (d6>>16)&0xff
		l3 := (d6&0xffff)<<48 | (d7&0xffffff)<<24 | d8&0xffffff
		out.WriteLong(int64(l1))
		out.WriteLong(int64(l2))
		out.WriteLong(int64(l3))
	}
	for ; i < count; i++ {
		out.WriteShort(int16(uint16(ids[i] >> 8)))
		_ = out.WriteByte(byte(ids[i]))
	}
}

// Read decodes a block of count ids into dst[:count].
func Read(in *store.Input, count int, dst []int32) error {
	enc := Encoding(int8(in.Byte()))
	switch enc {
	case ContinuousIDs:
		first := in.VInt()
		for i := 0; i < count; i++ {
			dst[i] = first + int32(i)
		}
	case BitsetIDs:
		n := 0
		readBitset(in, func(id int32) bool {
			if n < count {
				dst[n] = id
			}
			n++
			return true
		})
		if in.Err() == nil && n != count {
			return fmt.Errorf("%w: bitset holds %d ids, block declares %d (resource=%s)", store.ErrCorrupt, n, count, in.Name())
		}
	case DeltaBPV16:
		readDelta16(in, count, dst)
	case BPV24:
		readBPV24(in, count, dst)
	case BPV32:
		for i := 0; i < count; i++ {
			dst[i] = in.Int()
		}
	case LegacyDeltaVInt:
		var doc int32
		for i := 0; i < count; i++ {
			doc += in.VInt()
			dst[i] = doc
		}
	default:
		if err := in.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: unsupported doc-id encoding %d (resource=%s)", store.ErrCorrupt, int8(enc), in.Name())
	}
	return in.Err()
}

// Visit decodes a block of count ids and hands each to visit. Encodings that
// carry no per-id payload are streamed without materializing the block.
func Visit(in *store.Input, count int, scratch []int32, visit func(docID int)) error {
	pos := in.Position()
	enc := Encoding(int8(in.Byte()))
	switch enc {
	case ContinuousIDs:
		first := int(in.VInt())
		if err := in.Err(); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			visit(first + i)
		}
		return nil
	case BitsetIDs:
		n := 0
		readBitset(in, func(id int32) bool {
			visit(int(id))
			n++
			return true
		})
		if err := in.Err(); err != nil {
			return err
		}
		if n != count {
			return fmt.Errorf("%w: bitset holds %d ids, block declares %d (resource=%s)", store.ErrCorrupt, n, count, in.Name())
		}
		return nil
	}
	in.Seek(pos)
	if err := Read(in, count, scratch); err != nil {
		return err
	}
	for _, id := range scratch[:count] {
		visit(int(id))
	}
	return nil
}

func readBitset(in *store.Input, fn func(id int32) bool) {
	offsetWords := in.VInt()
	totalWords := in.VInt()
	if in.Err() != nil {
		return
	}
	offsetBits := int64(offsetWords) << 6
	for w := int64(0); w < int64(totalWords); w++ {
		word := uint64(in.Long())
		if in.Err() != nil {
			return
		}
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			word &= word - 1
			if !fn(int32(offsetBits + w<<6 + int64(bit))) {
				return
			}
		}
	}
}

func readDelta16(in *store.Input, count int, dst []int32) {
	minID := in.VInt()
	half := count >> 1
	for i := 0; i < half; i++ {
		l := uint32(in.Int())
		dst[i] = int32(l>>16) + minID
		dst[half+i] = int32(l&0xFFFF) + minID
	}
	if count&1 == 1 {
		dst[count-1] = int32(uint16(in.Short())) + minID
	}
}

func readBPV24(in *store.Input, count int, dst []int32) {
	i := 0
	for ; i < count-7; i += 8 {
		l1 := uint64(in.Long())
		l2 := uint64(in.Long())
		l3 := uint64(in.Long())
		dst[i] = int32(l1 >> 40)
		dst[i+1] = int32(l1>>16) & 0xffffff
		dst[i+2] = int32((l1&0xffff)<<8 | l2>>56)
		dst[i+3] = int32(l2>>32) & 0xffffff
		dst[i+4] = int32(l2>>8) & 0xffffff
		dst[i+5] = int32((l2&0xff)<<16 | l3>>48)
		dst[i+6] = int32(l3>>24) & 0xffffff
		dst[i+7] = int32(l3) & 0xffffff
	}
	for ; i < count; i++ {
		hi := uint16(in.Short())
		lo := in.Byte()
		dst[i] = int32(hi)<<8 | int32(lo)
	}
}
