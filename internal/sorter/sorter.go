// Package sorter provides in-place MSB radix sorting and selection over
// fixed-width byte keys.
package sorter

import "sort"

// Source is a random-access sequence of keys. Every key is addressed by
// byte offset k in [0, maxLength).
type Source interface {
	Swap(i, j int)
	ByteAt(i, k int) byte
}

// Ranges at or below this size leave the radix passes: Sort hands them to a
// comparison sort and Select to quickSelect.
const fallbackThreshold = 64

// Sort orders src[from:to] by the key bytes in [k, maxLength).
func Sort(src Source, from, to, k, maxLength int) {
	for k < maxLength {
		if to-from <= fallbackThreshold {
			sort.Sort(&rangeSorter{src: src, from: from, n: to - from, k: k, maxLength: maxLength})
			return
		}

		var ends [256]int
		if single := distribute(src, from, to, k, &ends); single {
			k++
			continue
		}

		start := from
		for b := 0; b < 256; b++ {
			if end := ends[b]; end-start > 1 {
				Sort(src, start, end, k+1, maxLength)
			}
			start = ends[b]
		}
		return
	}
}

// Select partially orders src[from:to] so the key at target is the one a full
// sort would place there, every key before it is <= and every key after it is
// >= on bytes [k, maxLength).
func Select(src Source, from, to, target, k, maxLength int) {
	if target < from || target >= to {
		panic("sorter: select target out of range")
	}
	for k < maxLength && to-from > 1 {
		if to-from <= fallbackThreshold {
			quickSelect(src, from, to, target, k, maxLength)
			return
		}

		var ends [256]int
		if single := distribute(src, from, to, k, &ends); single {
			k++
			continue
		}

		start := from
		for b := 0; b < 256; b++ {
			if target < ends[b] {
				from, to = start, ends[b]
				break
			}
			start = ends[b]
		}
		k++
	}
}

// Ranges at or below this size are finished by insertion sort.
const insertionThreshold = 8

// quickSelect narrows src[from:to] around target with median-of-three
// partitioning, comparing bytes [k, maxLength).
func quickSelect(src Source, from, to, target, k, maxLength int) {
	for to-from > insertionThreshold {
		mid, last := from+(to-from)/2, to-1
		if compareAt(src, mid, from, k, maxLength) < 0 {
			src.Swap(from, mid)
		}
		if compareAt(src, last, mid, k, maxLength) < 0 {
			src.Swap(mid, last)
			if compareAt(src, mid, from, k, maxLength) < 0 {
				src.Swap(from, mid)
			}
		}
		src.Swap(mid, last)

		store := from
		for i := from; i < last; i++ {
			if compareAt(src, i, last, k, maxLength) < 0 {
				src.Swap(i, store)
				store++
			}
		}
		src.Swap(store, last)

		switch {
		case target == store:
			return
		case target < store:
			to = store
		default:
			from = store + 1
		}
	}
	insertionSort(src, from, to, k, maxLength)
}

func insertionSort(src Source, from, to, k, maxLength int) {
	for i := from + 1; i < to; i++ {
		for j := i; j > from && compareAt(src, j-1, j, k, maxLength) > 0; j-- {
			src.Swap(j-1, j)
		}
	}
}

func compareAt(src Source, i, j, k, maxLength int) int {
	for ; k < maxLength; k++ {
		x, y := src.ByteAt(i, k), src.ByteAt(j, k)
		if x != y {
			return int(x) - int(y)
		}
	}
	return 0
}

// distribute buckets src[from:to] by byte k using the American flag
// permutation. ends[b] receives the exclusive end of bucket b. When every
// key shares the same byte the range is left untouched and true is returned.
func distribute(src Source, from, to, k int, ends *[256]int) bool {
	var counts [256]int
	for i := from; i < to; i++ {
		counts[src.ByteAt(i, k)]++
	}
	if counts[src.ByteAt(from, k)] == to-from {
		return true
	}

	var next [256]int
	pos := from
	for b := 0; b < 256; b++ {
		next[b] = pos
		pos += counts[b]
		ends[b] = pos
	}
	for b := 0; b < 256; b++ {
		for next[b] < ends[b] {
			v := src.ByteAt(next[b], k)
			if int(v) == b {
				next[b]++
				continue
			}
			src.Swap(next[b], next[v])
			next[v]++
		}
	}
	return false
}

type rangeSorter struct {
	src          Source
	from, n      int
	k, maxLength int
}

func (r *rangeSorter) Len() int      { return r.n }
func (r *rangeSorter) Swap(i, j int) { r.src.Swap(r.from+i, r.from+j) }

func (r *rangeSorter) Less(i, j int) bool {
	return compareAt(r.src, r.from+i, r.from+j, r.k, r.maxLength) < 0
}
