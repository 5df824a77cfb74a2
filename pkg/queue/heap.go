package queue

import (
	"container/heap"

	"github.com/t-rhex/duckling/pkg/domain"
)

// entry is one (priority, seq, id) tuple in the dispatch heap.
type entry struct {
	priority domain.TaskPriority
	seq      int64
	id       string
	index    int
}

// priorityHeap implements container/heap.Interface ordering by priority
// first, submission order (seq) second — critical=0 sorts before low=3,
// ties broken by earlier seq.
type priorityHeap []*entry

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

var _ = heap.Interface(&priorityHeap{})
