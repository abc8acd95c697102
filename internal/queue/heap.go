package queue

import (
	"container/heap"

	"github.com/questforge/relay/internal/message"
)

// item pairs a message with its arrival sequence. The sequence breaks ties
// within a priority tier, giving FIFO order; a re-enqueued message receives
// a fresh sequence and therefore moves to its tier's tail.
type item struct {
	msg *message.Message
	seq uint64
}

// Ensure messageHeap implements heap.Interface
var _ heap.Interface = (*messageHeap)(nil)

// messageHeap is a min-heap ordered by priority rank, then arrival sequence.
// heap.Interface methods do not lock; the owning PriorityQueue serializes access.
type messageHeap struct {
	items []*item
}

func (h *messageHeap) Len() int {
	return len(h.items)
}

func (h *messageHeap) Less(i, j int) bool {
	ri, rj := h.items[i].msg.Priority.Rank(), h.items[j].msg.Priority.Rank()
	if ri != rj {
		return ri < rj
	}
	return h.items[i].seq < h.items[j].seq
}

func (h *messageHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *messageHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*item))
}

func (h *messageHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	if n == 0 {
		return nil
	}
	it := old[n-1]
	h.items = old[0 : n-1]
	return it
}
