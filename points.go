package bkd

import "encoding/binary"

// PointValue is a view of one point: its packed value followed by its doc ID.
// The backing bytes are only valid until the producing reader advances.
type PointValue interface {
	// PackedValue returns the packed value of all dimensions.
	PackedValue() []byte
	// DocID returns the document the point belongs to.
	DocID() int
	// PackedValueDocIDBytes returns the packed value immediately followed by
	// the doc ID in big-endian order.
	PackedValueDocIDBytes() []byte
}

// PointReader iterates points in storage order.
type PointReader interface {
	// Next advances to the next point and reports whether one exists.
	Next() (bool, error)
	// PointValue returns the current point.
	PointValue() PointValue
	Close() error
}

// PointWriter is an append-only container of points, kept on heap or
// spilled to a temp file.
type PointWriter interface {
	Append(packedValue []byte, docID int) error
	AppendPoint(p PointValue) error
	// Close seals the writer; readers may only be created afterwards.
	Close() error
	// Reader returns a reader over [start, start+length).
	Reader(start, length int) (PointReader, error)
	Count() int
	// Destroy releases the storage; for offline writers the temp file is
	// deleted.
	Destroy() error
}

// PathSlice is a window [Start, Start+Count) over a point writer.
type PathSlice struct {
	Writer PointWriter
	Start  int
	Count  int
}

// record is a PointValue over a packed-value-plus-doc-ID record.
type record struct {
	data      []byte
	packedLen int
}

func (r *record) PackedValue() []byte           { return r.data[:r.packedLen] }
func (r *record) DocID() int                    { return int(binary.BigEndian.Uint32(r.data[r.packedLen:])) }
func (r *record) PackedValueDocIDBytes() []byte { return r.data }

func putDocID(b []byte, docID int) {
	binary.BigEndian.PutUint32(b, uint32(docID))
}
