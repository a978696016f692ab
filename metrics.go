package fairq

import (
	"time"

	"github.com/azargarov/fairq/metrics"
)

// MetricsRecorder defines hooks used by the dispatcher to report
// admission, execution and queue state.
//
// Implementations must be safe for concurrent use. Admission and gauge
// hooks are called from the scheduler goroutine and execution hooks from
// job goroutines, so all methods are expected to be lightweight and
// non-blocking. They must not call back into the Dispatcher.
type MetricsRecorder interface {
	// RecordQueued counts admitted jobs. queueDepth is the total number
	// of queued jobs after admission.
	RecordQueued(jobType string, count, queueDepth int)

	// RecordProcessed counts a successful execution.
	RecordProcessed(jobType string, count int, duration, wait time.Duration)

	// RecordFailed counts a failed execution.
	RecordFailed(jobType string, count int, err error, duration, wait time.Duration)

	RecordDeduplicated(jobType string)
	RecordDropped(reason, jobType string)

	UpdateQueueDepth(depth int)
	UpdateActiveJobs(count int)

	// Reset clears all recorded values. Called by ClearCaches.
	Reset()
}

var _ MetricsRecorder = (*metrics.Aggregator)(nil)

//------------- NoopMetrics ----------------------------------

// NoopMetrics is a MetricsRecorder implementation that discards
// all metric updates.
//
// It is used when metrics collection is disabled.
type NoopMetrics struct{}

func (NoopMetrics) RecordQueued(string, int, int)                                 {}
func (NoopMetrics) RecordProcessed(string, int, time.Duration, time.Duration)      {}
func (NoopMetrics) RecordFailed(string, int, error, time.Duration, time.Duration) {}
func (NoopMetrics) RecordDeduplicated(string)                                     {}
func (NoopMetrics) RecordDropped(string, string)                                  {}
func (NoopMetrics) UpdateQueueDepth(int)                                          {}
func (NoopMetrics) UpdateActiveJobs(int)                                          {}
func (NoopMetrics) Reset()                                                        {}
