// Package metrics aggregates dispatcher lifecycle counters and gauges in
// memory and publishes every change to registered observers.
//
// The aggregator is the single source of truth for dispatcher health.
// Exposition and alerting adapters subscribe to named events instead of
// polling, and receive a consistent Snapshot taken at the moment the event
// was recorded.
//
// All operations are synchronous, lock protected and free of I/O so they
// can be called from the dispatcher's scheduling goroutine without
// delaying it.
package metrics

import (
	"maps"
	"sync"
	"time"
)

// Counters are monotonically increasing totals since start or Reset.
type Counters struct {
	Queued         int64
	Processed      int64
	Failed         int64
	Retried        int64
	RetryScheduled int64
	Deduplicated   int64
	Dropped        int64
}

// Timings records lifecycle timestamps. LastProcessedAt is zero until
// the first job succeeds.
type Timings struct {
	QueueStartedAt  time.Time
	LastProcessedAt time.Time
}

// Snapshot is an independent copy of the aggregator state.
type Snapshot struct {
	Counters       Counters
	Timings        Timings
	DropReasons    map[string]int64
	FailureReasons map[string]int64
	QueueDepth     int
	ActiveJobs     int
}

type subscription struct {
	id uint64
	h  Handler
}

// Aggregator is a concurrency safe counter/gauge store with synchronous
// publish/subscribe delivery. The zero value is not usable; use
// NewAggregator.
type Aggregator struct {
	mu             sync.Mutex
	counters       Counters
	timings        Timings
	dropReasons    map[string]int64
	failureReasons map[string]int64
	queueDepth     int
	activeJobs     int

	subMu  sync.RWMutex
	nextID uint64
	named  map[EventName][]subscription
	all    []subscription

	// Events are delivered in ticket order, which is the order their
	// snapshots were taken under mu.
	pubMu      sync.Mutex
	pubCond    *sync.Cond
	nextTicket uint64
	delivering uint64
}

// NewAggregator returns an empty aggregator whose QueueStartedAt is now.
func NewAggregator() *Aggregator {
	a := &Aggregator{
		named: make(map[EventName][]subscription),
	}
	a.pubCond = sync.NewCond(&a.pubMu)
	a.resetLocked()
	return a
}

func (a *Aggregator) resetLocked() {
	a.counters = Counters{}
	a.timings = Timings{QueueStartedAt: time.Now()}
	a.dropReasons = make(map[string]int64)
	a.failureReasons = make(map[string]int64)
	a.queueDepth = 0
	a.activeJobs = 0
}

// Subscribe registers h for events named name. Handlers for the same name
// are called in registration order. The returned function removes the
// subscription and is safe to call more than once.
func (a *Aggregator) Subscribe(name EventName, h Handler) (unsubscribe func()) {
	if h == nil {
		return func() {}
	}
	a.subMu.Lock()
	a.nextID++
	id := a.nextID
	a.named[name] = append(a.named[name], subscription{id: id, h: h})
	a.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.subMu.Lock()
			a.named[name] = removeSub(a.named[name], id)
			if len(a.named[name]) == 0 {
				delete(a.named, name)
			}
			a.subMu.Unlock()
		})
	}
}

// SubscribeAll registers h for every event. All-event handlers run after
// the handlers subscribed to the specific name.
func (a *Aggregator) SubscribeAll(h Handler) (unsubscribe func()) {
	if h == nil {
		return func() {}
	}
	a.subMu.Lock()
	a.nextID++
	id := a.nextID
	a.all = append(a.all, subscription{id: id, h: h})
	a.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.subMu.Lock()
			a.all = removeSub(a.all, id)
			a.subMu.Unlock()
		})
	}
}

func removeSub(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// publish delivers ev to subscribers. It must be called without a.mu held
// so handlers may read Snapshot. Handlers must not record events: a
// recording made from inside a handler waits for that handler to return.
func (a *Aggregator) publish(ev Event) {
	a.subMu.RLock()
	named := a.named[ev.Name]
	all := a.all
	a.subMu.RUnlock()

	for _, s := range named {
		s.h(ev)
	}
	for _, s := range all {
		s.h(ev)
	}
}

// update applies fn under the state lock and publishes ev with a fresh
// snapshot. Concurrent updates are delivered in the order they were
// applied.
func (a *Aggregator) update(ev Event, fn func()) {
	a.mu.Lock()
	fn()
	ev.Snapshot = a.snapshotLocked()
	ticket := a.nextTicket
	a.nextTicket++
	a.mu.Unlock()

	a.pubMu.Lock()
	for a.delivering != ticket {
		a.pubCond.Wait()
	}
	a.pubMu.Unlock()

	defer func() {
		a.pubMu.Lock()
		a.delivering++
		a.pubCond.Broadcast()
		a.pubMu.Unlock()
	}()
	a.publish(ev)
}

func normCount(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// RecordQueued counts admitted jobs. A non-negative queueDepth also
// updates the queue depth gauge.
func (a *Aggregator) RecordQueued(jobType string, count, queueDepth int) {
	count = normCount(count)
	a.update(Event{Name: EventQueued, JobType: jobType, Count: count, Value: queueDepth}, func() {
		a.counters.Queued += int64(count)
		if queueDepth >= 0 {
			a.queueDepth = queueDepth
		}
	})
}

// RecordProcessed counts successfully executed jobs.
func (a *Aggregator) RecordProcessed(jobType string, count int, duration, wait time.Duration) {
	count = normCount(count)
	ev := Event{Name: EventProcessed, JobType: jobType, Count: count, Duration: duration, Wait: wait}
	a.update(ev, func() {
		a.counters.Processed += int64(count)
		a.timings.LastProcessedAt = time.Now()
	})
}

// RecordFailed counts failed executions and tallies them under the
// reason derived by FailureReason.
func (a *Aggregator) RecordFailed(jobType string, count int, err error, duration, wait time.Duration) {
	count = normCount(count)
	reason := FailureReason(err)
	ev := Event{
		Name:     EventFailed,
		JobType:  jobType,
		Count:    count,
		Err:      err,
		Reason:   reason,
		Duration: duration,
		Wait:     wait,
	}
	a.update(ev, func() {
		a.counters.Failed += int64(count)
		a.failureReasons[reason] += int64(count)
	})
}

// RecordRetry counts re-submissions made by caller-side retry logic.
func (a *Aggregator) RecordRetry(jobType string, count int) {
	count = normCount(count)
	a.update(Event{Name: EventRetried, JobType: jobType, Count: count}, func() {
		a.counters.Retried += int64(count)
	})
}

// RecordRetryScheduled counts retries that have been planned but not yet
// submitted.
func (a *Aggregator) RecordRetryScheduled(jobType string, attempt int, delay time.Duration) {
	ev := Event{Name: EventRetryScheduled, JobType: jobType, Count: 1, Attempt: attempt, Delay: delay}
	a.update(ev, func() {
		a.counters.RetryScheduled++
	})
}

// RecordDeduplicated counts jobs rejected by an active idempotency key.
func (a *Aggregator) RecordDeduplicated(jobType string) {
	a.update(Event{Name: EventDeduplicated, JobType: jobType, Count: 1}, func() {
		a.counters.Deduplicated++
	})
}

// RecordDropped counts a job discarded for reason.
func (a *Aggregator) RecordDropped(reason, jobType string) {
	if reason == "" {
		reason = UnknownReason
	}
	a.update(Event{Name: EventDropped, JobType: jobType, Count: 1, Reason: reason}, func() {
		a.counters.Dropped++
		a.dropReasons[reason]++
	})
}

// UpdateQueueDepth sets the queue depth gauge. Negative values are ignored.
func (a *Aggregator) UpdateQueueDepth(depth int) {
	if depth < 0 {
		return
	}
	a.update(Event{Name: EventQueueDepth, Value: depth}, func() {
		a.queueDepth = depth
	})
}

// UpdateActiveJobs sets the active jobs gauge. Negative values are ignored.
func (a *Aggregator) UpdateActiveJobs(count int) {
	if count < 0 {
		return
	}
	a.update(Event{Name: EventActiveJobs, Value: count}, func() {
		a.activeJobs = count
	})
}

// Snapshot returns a deep copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	return Snapshot{
		Counters:       a.counters,
		Timings:        a.timings,
		DropReasons:    maps.Clone(a.dropReasons),
		FailureReasons: maps.Clone(a.failureReasons),
		QueueDepth:     a.queueDepth,
		ActiveJobs:     a.activeJobs,
	}
}

// Reset zeroes all counters, gauges and tallies and restarts
// QueueStartedAt. Subscriptions are kept.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.resetLocked()
	a.mu.Unlock()
}
