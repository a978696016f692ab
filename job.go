package fairq

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNilExecute describes a job submitted without an Execute func.
	// Such jobs are dropped, never returned to the producer.
	ErrNilExecute = errors.New("fairq: job execute func is nil")

	// ErrIdleTimeout is returned by AwaitIdle when the dispatcher did not
	// become idle in time. Queued and running jobs are unaffected.
	ErrIdleTimeout = errors.New("fairq: timed out waiting for idle")

	// ErrClosed is returned by blocking operations after Close.
	ErrClosed = errors.New("fairq: dispatcher closed")
)

// Drop reasons reported through MetricsRecorder.RecordDropped.
const (
	DropInvalidJob  = "invalid-job"
	DropCapacity    = "capacity"
	DropRateLimited = "rate-limited"
	DropClosed      = "closed"
)

// ExecFunc performs the work of a job.
type ExecFunc func(ctx context.Context) error

// FailureHandler is called with the execution error instead of the
// default failure log entry.
type FailureHandler func(err error, job *Job)

// Meta is diagnostic data carried with a job. Type labels metrics.
type Meta struct {
	Type  string
	Attrs map[string]any
}

// Job represents a single unit of work submitted to the dispatcher.
//
// Only Execute is required. ID, EnqueuedAt and Attempts are set at
// admission; Attempts is never incremented by the dispatcher.
type Job struct {
	ID      string
	Execute ExecFunc

	// TenantKey groups the job for fairness. Empty means a global job.
	TenantKey string

	// Priority orders jobs within a queue; higher runs first.
	Priority int

	// IdempotencyKey, while held, causes jobs with the same key to be
	// dropped as duplicates. It is held from admission until
	// IdempotencyTTL after completion (the dispatcher default if zero).
	// PersistIdempotency keeps it until released explicitly.
	IdempotencyKey     string
	IdempotencyTTL     time.Duration
	PersistIdempotency bool

	Meta          Meta
	HandleFailure FailureHandler

	// Ctx is passed to Execute and carries the job's logger.
	Ctx context.Context

	EnqueuedAt time.Time
	Attempts   int
}

func (j *Job) context() context.Context {
	if j.Ctx == nil {
		return context.Background()
	}
	return j.Ctx
}

func (j *Job) jobType() string { return j.Meta.Type }

// PanicError wraps a value recovered from a panicking job.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("fairq: job panicked: %v", e.Value) }

// Name reports the failure class used for metrics.
func (e *PanicError) Name() string { return "panic" }
