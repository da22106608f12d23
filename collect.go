package bkd

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/bkd/internal/bkdutil"
	"github.com/hupe1980/bkd/internal/docset"
)

// DocIDCollector gathers doc IDs into a compressed bitmap.
type DocIDCollector struct {
	set *docset.Set
}

// NewDocIDCollector returns an empty collector.
func NewDocIDCollector() *DocIDCollector {
	return &DocIDCollector{set: docset.New()}
}

// Add records docID.
func (c *DocIDCollector) Add(docID int) { c.set.Add(docID) }

// Len returns the number of distinct doc IDs collected.
func (c *DocIDCollector) Len() int { return c.set.Cardinality() }

// Bitmap returns the collected doc IDs. The bitmap is shared with the
// collector.
func (c *DocIDCollector) Bitmap() *roaring.Bitmap { return c.set.Bitmap() }

// DocIDs returns the collected doc IDs in ascending order.
func (c *DocIDCollector) DocIDs() []int { return c.set.ToSlice() }

// Merge adds every doc ID of other.
func (c *DocIDCollector) Merge(other *DocIDCollector) { c.set.Or(other.set) }

// RangeVisitor matches points whose index dimensions all lie in the
// inclusive box [lower, upper] and feeds their doc IDs to a collector.
type RangeVisitor struct {
	cfg       Config
	lower     []byte
	upper     []byte
	collector *DocIDCollector
}

// NewRangeVisitor returns a visitor for the box [lower, upper]. Both bounds
// hold packedIndexBytesLength bytes.
func NewRangeVisitor(cfg Config, lower, upper []byte, collector *DocIDCollector) (*RangeVisitor, error) {
	if len(lower) != cfg.packedIndexBytesLength || len(upper) != cfg.packedIndexBytesLength {
		return nil, invalidArgf("range bounds must be %d bytes, got %d and %d", cfg.packedIndexBytesLength, len(lower), len(upper))
	}
	if collector == nil {
		collector = NewDocIDCollector()
	}
	return &RangeVisitor{cfg: cfg, lower: clone(lower), upper: clone(upper), collector: collector}, nil
}

// Collector returns the collector matches are fed to.
func (v *RangeVisitor) Collector() *DocIDCollector { return v.collector }

func (v *RangeVisitor) Visit(docID int) { v.collector.Add(docID) }

func (v *RangeVisitor) VisitValue(docID int, packedValue []byte) {
	if v.matches(packedValue) {
		v.collector.Add(docID)
	}
}

func (v *RangeVisitor) matches(packedValue []byte) bool {
	bpd := v.cfg.bytesPerDim
	for dim := 0; dim < v.cfg.numIndexDims; dim++ {
		off := dim * bpd
		if bkdutil.Compare(packedValue, off, v.lower, off, bpd) < 0 ||
			bkdutil.Compare(packedValue, off, v.upper, off, bpd) > 0 {
			return false
		}
	}
	return true
}

func (v *RangeVisitor) Compare(minPackedValue, maxPackedValue []byte) Relation {
	bpd := v.cfg.bytesPerDim
	crosses := false
	for dim := 0; dim < v.cfg.numIndexDims; dim++ {
		off := dim * bpd
		if bkdutil.Compare(minPackedValue, off, v.upper, off, bpd) > 0 ||
			bkdutil.Compare(maxPackedValue, off, v.lower, off, bpd) < 0 {
			return CellOutsideQuery
		}
		crosses = crosses ||
			bkdutil.Compare(minPackedValue, off, v.lower, off, bpd) < 0 ||
			bkdutil.Compare(maxPackedValue, off, v.upper, off, bpd) > 0
	}
	if crosses {
		return CellCrossesQuery
	}
	return CellInsideQuery
}

func (v *RangeVisitor) Grow(int) {}

// CollectDocIDs returns the doc IDs of all points in the inclusive box
// [lower, upper].
func (r *Reader) CollectDocIDs(lower, upper []byte) (*roaring.Bitmap, error) {
	v, err := NewRangeVisitor(r.cfg, lower, upper, nil)
	if err != nil {
		return nil, err
	}
	if err := r.Intersect(v); err != nil {
		return nil, err
	}
	return v.collector.Bitmap(), nil
}
