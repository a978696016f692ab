package metrics

import "time"

// EventName identifies a channel on the aggregator's event bus.
type EventName string

const (
	EventQueued         EventName = "queued"
	EventProcessed      EventName = "processed"
	EventFailed         EventName = "failed"
	EventRetried        EventName = "retried"
	EventRetryScheduled EventName = "retryScheduled"
	EventDeduplicated   EventName = "deduplicated"
	EventDropped        EventName = "dropped"
	EventQueueDepth     EventName = "queueDepth"
	EventActiveJobs     EventName = "activeJobs"
)

// Events lists every event name the aggregator publishes, in a stable order.
var Events = []EventName{
	EventQueued,
	EventProcessed,
	EventFailed,
	EventRetried,
	EventRetryScheduled,
	EventDeduplicated,
	EventDropped,
	EventQueueDepth,
	EventActiveJobs,
}

// Event is delivered to subscribers after every recording operation.
//
// Snapshot is taken at the moment the event is produced and is owned by
// the receiver. The remaining fields are event specific and are left at
// their zero value when they do not apply.
type Event struct {
	Name     EventName
	Snapshot Snapshot

	JobType string
	Count   int

	// Duration is the execution time and Wait the time spent queued
	// (processed and failed events).
	Duration time.Duration
	Wait     time.Duration

	// Reason is the drop reason or the derived failure reason.
	Reason string
	Err    error

	// Attempt and Delay describe a scheduled retry.
	Attempt int
	Delay   time.Duration

	// Value carries the new gauge value for queueDepth and activeJobs,
	// and the reported queue depth for queued events (-1 when unknown).
	Value int
}

// Handler receives aggregator events. Handlers run synchronously on the
// goroutine that recorded the event, one event at a time, and must not
// block. They may call Snapshot but must not record events themselves.
type Handler func(Event)
