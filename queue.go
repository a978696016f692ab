package fairq

import (
	"container/list"
)

// queuedJob is a job waiting in one of the dispatcher queues.
//
// It is linked into exactly one jobQueue and, at the same time, indexed
// by the age heap used for capacity eviction.
type queuedJob struct {
	job *Job

	// seq is the admission sequence number. It breaks EnqueuedAt ties in
	// the age heap and identifies the owner of an idempotency key.
	seq uint64

	// queue and elem locate the job inside its jobQueue.
	queue *jobQueue
	elem  *list.Element

	// index is maintained by the age heap.
	index int
}

// jobQueue keeps jobs ordered by descending priority. Jobs of equal
// priority preserve submission order.
//
// The list allows constant time removal of an arbitrary job, which
// capacity eviction needs.
type jobQueue struct {
	tenant string
	l      *list.List
}

func newJobQueue(tenant string) *jobQueue {
	return &jobQueue{tenant: tenant, l: list.New()}
}

// Len returns the number of jobs currently waiting in the queue.
func (q *jobQueue) Len() int { return q.l.Len() }

// Push inserts qj before the first job with a strictly lower priority.
//
// The scan runs from the back, since the common case is equal priority
// and the job goes to the tail.
func (q *jobQueue) Push(qj *queuedJob) {
	qj.queue = q
	for e := q.l.Back(); e != nil; e = e.Prev() {
		if e.Value.(*queuedJob).job.Priority >= qj.job.Priority {
			qj.elem = q.l.InsertAfter(qj, e)
			return
		}
	}
	qj.elem = q.l.PushFront(qj)
}

// PopFront removes and returns the head job, or nil if the queue is empty.
func (q *jobQueue) PopFront() *queuedJob {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	qj := q.l.Remove(e).(*queuedJob)
	qj.elem = nil
	return qj
}

// Remove unlinks qj from the queue. It is a no-op if qj is not linked here.
func (q *jobQueue) Remove(qj *queuedJob) {
	if qj.queue != q || qj.elem == nil {
		return
	}
	q.l.Remove(qj.elem)
	qj.elem = nil
}

// Reset drops every job.
func (q *jobQueue) Reset() { q.l.Init() }
