// Package retry re-submits failed jobs with exponential backoff.
//
// The dispatcher itself never retries; a failed job is terminal for it.
// Callers opt in per job by wrapping it with a Retrier, whose failure
// handler plans the next attempt, reports it through the metrics
// aggregator and enqueues a fresh copy once the delay has passed.
package retry

import (
	"context"
	"errors"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	lg "github.com/Andrej220/go-utils/zlog"

	"github.com/azargarov/fairq"
)

// Submitter is the part of the dispatcher a Retrier needs.
type Submitter interface {
	Enqueue(job fairq.Job)
	ReleaseIdempotencyKey(key string)
}

// Reporter receives retry accounting. *metrics.Aggregator implements it.
type Reporter interface {
	RecordRetry(jobType string, count int)
	RecordRetryScheduled(jobType string, attempt int, delay time.Duration)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retrier wraps jobs so that failures are re-submitted with backoff.
type Retrier struct {
	sub    Submitter
	rep    Reporter
	policy Policy
}

// New creates a Retrier. A nil Reporter disables retry accounting.
func New(sub Submitter, rep Reporter, def Policy) *Retrier {
	def.fillDefaults()
	return &Retrier{sub: sub, rep: rep, policy: def}
}

// Wrap returns job with a failure handler that re-submits it until the
// policy's attempts are used up or the error is permanent. Non-zero
// fields of p override the retrier defaults. The job's own HandleFailure
// runs once, after the final failed attempt.
func (r *Retrier) Wrap(job fairq.Job, p *Policy) fairq.Job {
	pol := r.policy.merge(p)
	bo := boff.New(pol.Initial, pol.Max, time.Now().UnixNano())
	final := job.HandleFailure
	jobType := job.Meta.Type

	var handler fairq.FailureHandler
	handler = func(err error, failed *fairq.Job) {
		attempt := failed.Attempts + 1
		if attempt >= pol.Attempts || IsPermanent(err) {
			r.giveUp(err, failed, attempt, final)
			return
		}

		delay := bo.Next()
		if r.rep != nil {
			r.rep.RecordRetryScheduled(jobType, attempt, delay)
		}
		lg.FromContext(ctxOf(failed)).Warn("job attempt failed; backing off",
			lg.String("job_id", failed.ID),
			lg.Int("attempt", attempt),
			lg.String("sleep", delay.String()),
			lg.Any("error", err),
		)

		next := *failed
		next.Attempts = attempt
		next.EnqueuedAt = time.Time{}
		next.HandleFailure = handler
		time.AfterFunc(delay, func() {
			if next.IdempotencyKey != "" {
				r.sub.ReleaseIdempotencyKey(next.IdempotencyKey)
			}
			if r.rep != nil {
				r.rep.RecordRetry(jobType, 1)
			}
			r.sub.Enqueue(next)
		})
	}
	job.HandleFailure = handler
	return job
}

func (r *Retrier) giveUp(err error, failed *fairq.Job, attempt int, final fairq.FailureHandler) {
	if final != nil {
		final(err, failed)
		return
	}
	lg.FromContext(ctxOf(failed)).Error("job failed; retries exhausted",
		lg.String("job_id", failed.ID),
		lg.String("tenant", failed.TenantKey),
		lg.Int("attempt", attempt),
		lg.Any("error", err),
	)
}

func ctxOf(j *fairq.Job) context.Context {
	if j.Ctx == nil {
		return context.Background()
	}
	return j.Ctx
}
