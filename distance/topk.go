package distance

import (
	"cmp"
	"container/heap"
	"slices"
)

// Neighbor is one ranked result of a top-k search.
type Neighbor[T any] struct {
	ID       string
	Distance float64
	Value    T
}

// less orders neighbors by ascending distance, then ascending id.
func less[T any](a, b Neighbor[T]) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// TopK keeps the k nearest neighbors pushed into it.
// The zero value is not usable; use NewTopK.
type TopK[T any] struct {
	k int
	h maxHeap[T]
}

// NewTopK returns a collector for the k nearest neighbors.
// For k <= 0 it collects nothing.
func NewTopK[T any](k int) *TopK[T] {
	capacity := max(k, 0)
	if capacity > 1024 {
		capacity = 1024
	}
	return &TopK[T]{k: k, h: maxHeap[T]{items: make([]Neighbor[T], 0, capacity)}}
}

// Push offers a candidate.
func (t *TopK[T]) Push(id string, d float64, v T) {
	if t.k <= 0 {
		return
	}
	n := Neighbor[T]{ID: id, Distance: d, Value: v}
	if t.h.Len() < t.k {
		heap.Push(&t.h, n)
		return
	}
	if less(n, t.h.items[0]) {
		t.h.items[0] = n
		heap.Fix(&t.h, 0)
	}
}

// Len returns the number of neighbors currently held.
func (t *TopK[T]) Len() int { return t.h.Len() }

// Results returns the collected neighbors, nearest first.
func (t *TopK[T]) Results() []Neighbor[T] {
	out := slices.Clone(t.h.items)
	slices.SortFunc(out, func(a, b Neighbor[T]) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Search runs an exact brute-force search of query against vectors and
// returns the k nearest ids. ids and vectors must have the same length.
func Search(query []float64, ids []string, vectors [][]float64, k int, fn Func) []Neighbor[int] {
	top := NewTopK[int](k)
	for i, v := range vectors {
		top.Push(ids[i], fn(query, v), i)
	}
	return top.Results()
}

// maxHeap keeps the current worst neighbor at the root.
type maxHeap[T any] struct {
	items []Neighbor[T]
}

func (h *maxHeap[T]) Len() int           { return len(h.items) }
func (h *maxHeap[T]) Less(i, j int) bool { return less(h.items[j], h.items[i]) }
func (h *maxHeap[T]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *maxHeap[T]) Push(x any) {
	h.items = append(h.items, x.(Neighbor[T]))
}

func (h *maxHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
