package docset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := New()
	assert.True(t, s.IsEmpty())

	s.Add(5)
	s.Add(5)
	s.Add(1)
	s.AddRange(100, 104)

	assert.Equal(t, 6, s.Cardinality())
	assert.True(t, s.Contains(103))
	assert.False(t, s.Contains(104))
	assert.Equal(t, []int{1, 5, 100, 101, 102, 103}, s.ToSlice())

	other := New()
	other.Add(2)
	c := s.Clone()
	c.Or(other)
	assert.Equal(t, 7, c.Cardinality())
	assert.Equal(t, 6, s.Cardinality())
	assert.Positive(t, c.SizeInBytes())

	var firstTwo []int
	for id := range c.All() {
		firstTwo = append(firstTwo, id)
		if len(firstTwo) == 2 {
			break
		}
	}
	assert.Equal(t, []int{1, 2}, firstTwo)

	c.Clear()
	assert.True(t, c.IsEmpty())
}

func TestPool(t *testing.T) {
	s := Get()
	s.Add(9)
	Put(s)
	Put(nil)

	again := Get()
	defer Put(again)
	assert.True(t, again.IsEmpty())
}
