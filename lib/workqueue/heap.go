package workqueue

import "time"

// record is one scheduled work item
type record struct {
	id       WorkID
	client   ClientID
	work     Work
	deadline time.Time
	period   time.Duration
	seq      uint64 // insertion order, breaks deadline ties

	cancelled bool // set while executing to suppress rescheduling
}

// workHeap implements heap.Interface, earliest deadline first
type workHeap []*record

func (h workHeap) Len() int { return len(h) }

func (h workHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h workHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *workHeap) Push(x any) {
	*h = append(*h, x.(*record))
}

func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return rec
}
