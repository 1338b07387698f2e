package search

import (
	"github.com/hupe1980/lire/internal/model"
)

// topK is a bounded max-heap keeping the k best candidates. The top is the
// worst kept candidate. It does NOT implement container/heap to avoid
// interface overhead.
type topK struct {
	k     int
	items []model.Candidate
}

func newTopK(k int) *topK {
	return &topK{k: k, items: make([]model.Candidate, 0, min(k, 1024))}
}

func (h *topK) Len() int {
	return len(h.items)
}

// rejects reports whether a candidate at distance d cannot enter the heap.
func (h *topK) rejects(d float32) bool {
	return len(h.items) == h.k && d > h.items[0].Distance
}

// push inserts c if it is better than the worst kept candidate.
func (h *topK) push(c model.Candidate) {
	if len(h.items) < h.k {
		h.items = append(h.items, c)
		h.siftUp(len(h.items) - 1)
		return
	}
	if c.Less(h.items[0]) {
		h.items[0] = c
		h.siftDown(0)
	}
}

// less orders the heap worst first.
func (h *topK) less(i, j int) bool {
	return h.items[j].Less(h.items[i])
}

func (h *topK) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *topK) siftDown(i int) {
	n := len(h.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		right := left + 1
		if right < n && h.less(right, left) {
			child = right
		}
		if !h.less(child, i) {
			break
		}
		h.items[i], h.items[child] = h.items[child], h.items[i]
		i = child
	}
}
