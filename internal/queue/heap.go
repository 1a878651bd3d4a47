package queue

import "termsched/internal/job"

// item is a heap entry. index is maintained by the heap.Interface methods so
// Remove can fix up the heap in O(log n).
type item struct {
	job   *job.Job
	index int
}

// jobHeap implements heap.Interface with job.Less as the ordering.
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool { return job.Less(h[i].job, h[j].job) }

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1 // for safety
	*h = old[:n-1]
	return it
}
