package queue

import "PulseFlow/internal/models"

type entry struct {
	job   models.Job
	seq   uint64
	index int // position in readyHeap, -1 when not pending

	cancelRequested bool
}

// readyHeap orders pending jobs by ReadyAt, then by insertion order.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.job.ReadyAt.Equal(b.job.ReadyAt) {
		return a.seq < b.seq
	}
	return a.job.ReadyAt.Before(b.job.ReadyAt)
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
