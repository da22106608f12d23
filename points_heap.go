package bkd

import (
	"fmt"

	"github.com/hupe1980/bkd/internal/bkdutil"
)

// HeapPointWriter keeps a fixed number of points in one flat block.
// Points can be reordered in place, which is how the builder sorts and
// partitions them without extra copies.
type HeapPointWriter struct {
	cfg       Config
	block     []byte
	size      int
	nextWrite int
	closed    bool
	scratch   []byte
	value     record
}

// NewHeapPointWriter allocates room for size points.
func NewHeapPointWriter(cfg Config, size int) *HeapPointWriter {
	return &HeapPointWriter{
		cfg:     cfg,
		block:   make([]byte, size*cfg.bytesPerDoc),
		size:    size,
		scratch: make([]byte, cfg.bytesPerDoc),
		value:   record{packedLen: cfg.packedBytesLength},
	}
}

// Append implements PointWriter.
func (w *HeapPointWriter) Append(packedValue []byte, docID int) error {
	if w.closed {
		return fmt.Errorf("bkd: append to closed heap point writer")
	}
	if w.nextWrite >= w.size {
		return fmt.Errorf("bkd: heap point writer is full (size=%d)", w.size)
	}
	if len(packedValue) != w.cfg.packedBytesLength {
		return fmt.Errorf("%w: got %d want %d", ErrPackedValueLength, len(packedValue), w.cfg.packedBytesLength)
	}
	off := w.nextWrite * w.cfg.bytesPerDoc
	copy(w.block[off:], packedValue)
	putDocID(w.block[off+w.cfg.packedBytesLength:], docID)
	w.nextWrite++
	return nil
}

// AppendPoint implements PointWriter.
func (w *HeapPointWriter) AppendPoint(p PointValue) error {
	if w.closed {
		return fmt.Errorf("bkd: append to closed heap point writer")
	}
	if w.nextWrite >= w.size {
		return fmt.Errorf("bkd: heap point writer is full (size=%d)", w.size)
	}
	copy(w.block[w.nextWrite*w.cfg.bytesPerDoc:], p.PackedValueDocIDBytes()[:w.cfg.bytesPerDoc])
	w.nextWrite++
	return nil
}

// PointAt returns a view of point i, valid until the next call.
func (w *HeapPointWriter) PointAt(i int) PointValue {
	w.value.data = w.recordAt(i)
	return &w.value
}

func (w *HeapPointWriter) recordAt(i int) []byte {
	off := i * w.cfg.bytesPerDoc
	return w.block[off : off+w.cfg.bytesPerDoc]
}

func (w *HeapPointWriter) packedValueAt(i int) []byte {
	off := i * w.cfg.bytesPerDoc
	return w.block[off : off+w.cfg.packedBytesLength]
}

func (w *HeapPointWriter) docIDAt(i int) int {
	w.value.data = w.recordAt(i)
	return w.value.DocID()
}

// Swap exchanges points i and j.
func (w *HeapPointWriter) Swap(i, j int) {
	a, b := w.recordAt(i), w.recordAt(j)
	copy(w.scratch, a)
	copy(a, b)
	copy(b, w.scratch)
}

// ComputeCardinality counts distinct values in [from, to), which must be
// sorted, ignoring the first commonPrefixLengths[dim] bytes of each dim.
func (w *HeapPointWriter) ComputeCardinality(from, to int, commonPrefixLengths []int) int {
	cardinality := 1
	bpd := w.cfg.bytesPerDim
	for i := from + 1; i < to; i++ {
		cur, prev := w.packedValueAt(i), w.packedValueAt(i-1)
		for dim := 0; dim < w.cfg.numDims; dim++ {
			start := dim*bpd + commonPrefixLengths[dim]
			if !bkdutil.Equal(cur, start, prev, start, bpd-commonPrefixLengths[dim]) {
				cardinality++
				break
			}
		}
	}
	return cardinality
}

// Count implements PointWriter.
func (w *HeapPointWriter) Count() int { return w.nextWrite }

// Close implements PointWriter.
func (w *HeapPointWriter) Close() error {
	w.closed = true
	return nil
}

// Destroy implements PointWriter.
func (w *HeapPointWriter) Destroy() error { return nil }

// Reader implements PointWriter.
func (w *HeapPointWriter) Reader(start, length int) (PointReader, error) {
	if !w.closed {
		return nil, fmt.Errorf("bkd: heap point writer is still open")
	}
	if start < 0 || length < 0 || start+length > w.nextWrite {
		return nil, invalidArgf("reader range [%d,%d) exceeds %d points", start, start+length, w.nextWrite)
	}
	return &heapPointReader{
		w:    w,
		next: start,
		end:  start + length,
		cur:  record{packedLen: w.cfg.packedBytesLength},
	}, nil
}

func (w *HeapPointWriter) String() string {
	return fmt.Sprintf("HeapPointWriter(count=%d size=%d)", w.nextWrite, w.size)
}

type heapPointReader struct {
	w    *HeapPointWriter
	next int
	end  int
	cur  record
}

func (r *heapPointReader) Next() (bool, error) {
	if r.next >= r.end {
		return false, nil
	}
	r.cur.data = r.w.recordAt(r.next)
	r.next++
	return true, nil
}

func (r *heapPointReader) PointValue() PointValue { return &r.cur }

func (r *heapPointReader) Close() error { return nil }
