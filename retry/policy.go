package retry

import (
	"time"
)

const (
	defaultAttempts     = 3
	defaultInitialRetry = 200 * time.Millisecond
	defaultMaxRetry     = 5 * time.Second
)

// Policy describes how many times and how often a job should be retried.
// Zero values are treated as "use retrier defaults".
type Policy struct {
	// Attempts is the maximum number of tries for a job, the first
	// execution included.
	Attempts int

	// Initial is the first backoff duration.
	Initial time.Duration

	// Max is the cap for backoff duration.
	Max time.Duration
}

// DefaultPolicy returns the policy used when a Retrier is created with a
// zero Policy.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: defaultAttempts,
		Initial:  defaultInitialRetry,
		Max:      defaultMaxRetry,
	}
}

// merge overrides the non-zero fields of base with those of p.
func (base Policy) merge(p *Policy) Policy {
	if p == nil {
		return base
	}
	if p.Attempts > 0 {
		base.Attempts = p.Attempts
	}
	if p.Initial > 0 {
		base.Initial = p.Initial
	}
	if p.Max > 0 {
		base.Max = p.Max
	}
	return base
}

func (p *Policy) fillDefaults() {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
}
