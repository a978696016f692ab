package fairq

import (
	"context"
	"time"
)

const (
	DefaultConcurrency      = 10
	DefaultPerTenantLimit   = 2
	DefaultMaxQueueLength   = 20000
	DefaultIdempotencyTTL   = 10 * time.Minute
	DefaultSlowJobThreshold = 30 * time.Second

	defaultCommandBuffer = 1024
)

// Limits are the execution ceilings that can be changed at runtime with
// Configure. Non-positive fields are ignored.
type Limits struct {
	Concurrency    int
	PerTenantLimit int
}

// Options configure a Dispatcher.
//
// All zero values are replaced with sensible defaults in FillDefaults.
type Options struct {
	// Concurrency is the maximum number of jobs executing at once.
	Concurrency int

	// PerTenantLimit is the maximum number of jobs of a single tenant
	// executing at once.
	PerTenantLimit int

	// MaxQueueLength bounds the number of queued (not yet started) jobs.
	MaxQueueLength int

	// IdempotencyTTL is how long a key stays blocked after its job
	// finishes when the job does not set its own TTL.
	IdempotencyTTL time.Duration

	// SlowJobThreshold triggers a warning for jobs running longer.
	// Negative disables the warning.
	SlowJobThreshold time.Duration

	// TenantRateLimit is the sustained number of admissions per second
	// allowed for each tenant. Zero disables admission rate limiting.
	TenantRateLimit float64
	TenantRateBurst int

	// Ctx carries the logger used for dispatcher diagnostics.
	Ctx context.Context

	// CommandBuffer sizes the scheduler's command channel.
	CommandBuffer int
}

func (o *Options) FillDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PerTenantLimit <= 0 {
		o.PerTenantLimit = DefaultPerTenantLimit
	}
	if o.MaxQueueLength <= 0 {
		o.MaxQueueLength = DefaultMaxQueueLength
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if o.SlowJobThreshold == 0 {
		o.SlowJobThreshold = DefaultSlowJobThreshold
	}
	if o.TenantRateLimit < 0 {
		o.TenantRateLimit = 0
	}
	if o.TenantRateLimit > 0 && o.TenantRateBurst <= 0 {
		o.TenantRateBurst = 1
	}
	if o.Ctx == nil {
		o.Ctx = context.Background()
	}
	if o.CommandBuffer <= 0 {
		o.CommandBuffer = defaultCommandBuffer
	}
}

// apply updates the runtime ceilings, ignoring non-positive values.
func (o *Options) apply(l Limits) {
	if l.Concurrency > 0 {
		o.Concurrency = l.Concurrency
	}
	if l.PerTenantLimit > 0 {
		o.PerTenantLimit = l.PerTenantLimit
	}
}
