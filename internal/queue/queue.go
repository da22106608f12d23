// Package queue provides a slice-backed binary heap ordered by a caller
// supplied less function.
package queue

// PriorityQueue is a min-heap under less.
type PriorityQueue[T any] struct {
	less  func(a, b T) bool
	items []T
}

// New returns an empty queue with room for capacity items.
func New[T any](capacity int, less func(a, b T) bool) *PriorityQueue[T] {
	return &PriorityQueue[T]{less: less, items: make([]T, 0, capacity)}
}

// Len returns the number of queued items.
func (pq *PriorityQueue[T]) Len() int { return len(pq.items) }

// Top returns the least item without removing it.
func (pq *PriorityQueue[T]) Top() (T, bool) {
	if len(pq.items) == 0 {
		var zero T
		return zero, false
	}
	return pq.items[0], true
}

// Push inserts item.
func (pq *PriorityQueue[T]) Push(item T) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

// Pop removes and returns the least item.
func (pq *PriorityQueue[T]) Pop() (T, bool) {
	var zero T
	n := len(pq.items)
	if n == 0 {
		return zero, false
	}
	root := pq.items[0]
	pq.items[0] = pq.items[n-1]
	pq.items[n-1] = zero
	pq.items = pq.items[:n-1]
	if n > 1 {
		pq.siftDown(0)
	}
	return root, true
}

// Fix restores heap order after the top item changed in place. Merging
// advances the top reader and re-sifts instead of popping and pushing.
func (pq *PriorityQueue[T]) Fix() {
	if len(pq.items) > 1 {
		pq.siftDown(0)
	}
}

// Reset empties the queue, keeping its capacity.
func (pq *PriorityQueue[T]) Reset() {
	clear(pq.items)
	pq.items = pq.items[:0]
}

func (pq *PriorityQueue[T]) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(pq.items[i], pq.items[p]) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue[T]) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && pq.less(pq.items[r], pq.items[l]) {
			best = r
		}
		if !pq.less(pq.items[best], pq.items[i]) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
