// Package docset is a compressed set of doc IDs backed by a roaring bitmap.
//
// The writer tracks distinct documents with it, and query collectors gather
// matches into it.
package docset

import (
	"iter"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Set is a set of non-negative 32-bit doc IDs.
type Set struct {
	rb *roaring.Bitmap
}

var pool = sync.Pool{
	New: func() any { return &Set{rb: roaring.New()} },
}

// New returns an empty set.
func New() *Set {
	return &Set{rb: roaring.New()}
}

// Get takes an empty set from the pool. Call Put when done.
func Get() *Set {
	s := pool.Get().(*Set)
	s.rb.Clear()
	return s
}

// Put returns s to the pool.
func Put(s *Set) {
	if s == nil {
		return
	}
	s.rb.Clear()
	pool.Put(s)
}

// Add inserts docID.
func (s *Set) Add(docID int) { s.rb.Add(uint32(docID)) }

// AddRange inserts every id in [from, to).
func (s *Set) AddRange(from, to int) { s.rb.AddRange(uint64(from), uint64(to)) }

func (s *Set) Contains(docID int) bool { return s.rb.Contains(uint32(docID)) }

// Cardinality returns the number of distinct ids.
func (s *Set) Cardinality() int { return int(s.rb.GetCardinality()) }

func (s *Set) IsEmpty() bool { return s.rb.IsEmpty() }

// Or adds every id of other to s.
func (s *Set) Or(other *Set) { s.rb.Or(other.rb) }

// Clone returns a deep copy.
func (s *Set) Clone() *Set { return &Set{rb: s.rb.Clone()} }

// Clear removes all ids.
func (s *Set) Clear() { s.rb.Clear() }

// ToSlice returns the ids in ascending order.
func (s *Set) ToSlice() []int {
	out := make([]int, 0, s.rb.GetCardinality())
	for id := range s.All() {
		out = append(out, id)
	}
	return out
}

// All iterates the ids in ascending order.
func (s *Set) All() iter.Seq[int] {
	return func(yield func(int) bool) {
		it := s.rb.Iterator()
		for it.HasNext() {
			if !yield(int(it.Next())) {
				return
			}
		}
	}
}

// SizeInBytes estimates the in-memory footprint.
func (s *Set) SizeInBytes() uint64 { return s.rb.GetSizeInBytes() }

// Bitmap returns the underlying roaring bitmap. The set must not be used or
// returned to the pool afterwards.
func (s *Set) Bitmap() *roaring.Bitmap { return s.rb }
