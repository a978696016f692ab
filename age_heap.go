package fairq

// ageHeap is a min-heap of queued jobs ordered by EnqueuedAt, with the
// admission sequence breaking ties. The head is the globally oldest
// queued job, the one evicted when the queue is at capacity.
//
// Every queued job is in the heap exactly once; a job leaving its queue
// for execution is removed with heap.Remove using the tracked index.
type ageHeap []*queuedJob

func (h ageHeap) Len() int { return len(h) }
func (h ageHeap) Less(i, j int) bool {
	ti, tj := h[i].job.EnqueuedAt, h[j].job.EnqueuedAt
	if ti.Equal(tj) {
		return h[i].seq < h[j].seq
	}
	return ti.Before(tj)
}
func (h ageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ageHeap) Push(x any) {
	qj := x.(*queuedJob)
	qj.index = len(*h)
	*h = append(*h, qj)
}

func (h *ageHeap) Pop() any {
	old := *h
	n := len(old)
	qj := old[n-1]
	old[n-1] = nil
	qj.index = -1
	*h = old[:n-1]
	return qj
}
