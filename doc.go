// Package fairq provides a tenant-aware, priority-ordered job dispatcher
// with bounded concurrency and queue backpressure for best-effort
// asynchronous work such as outbound notification sends.
//
// Design goals
//
// The dispatcher protects downstream providers and keeps tenants from
// starving each other:
//
//   - A global concurrency ceiling and a per-tenant ceiling bound how much
//     work runs at once
//   - Tenants are served round-robin, so one busy tenant cannot monopolize
//     execution slots
//   - The queue is bounded; when full, the oldest queued job is evicted
//   - Idempotency keys suppress duplicate submissions for a time window
//
// Architecture overview
//
// The dispatcher is composed of three layers:
//
//  1. Admission (Enqueue)
//     Validates the job, applies idempotency deduplication, optional
//     per-tenant admission rate limits and capacity eviction, then files
//     the job into its tenant queue or the global queue.
//
//  2. Scheduling (scheduler goroutine)
//     A single goroutine owns every queue and counter. Public operations
//     talk to it over a command channel, so queue state is never touched
//     concurrently. After each burst of commands it starts as many jobs
//     as the ceilings allow.
//
//  3. Execution
//     Each started job runs in its own goroutine. Completion is reported
//     back to the scheduler, which releases the concurrency slots,
//     schedules idempotency key expiry and wakes idle waiters.
//
// Queue design
//
// Every tenant has its own queue ordered by descending priority; jobs of
// equal priority keep submission order. Jobs without a tenant go to the
// global queue, which is served only when no tenant in rotation has an
// eligible head job. An age heap indexes all queued jobs so the globally
// oldest one can be evicted in logarithmic time.
//
// Error handling
//
// Steady-state problems are absorbed and reported through the
// MetricsRecorder and the log:
//
//   - Jobs without an Execute func are dropped as "invalid-job"
//   - Duplicates are counted as deduplicated, not returned as errors
//   - Capacity evictions are dropped as "capacity"
//   - Execution failures and recovered panics go to the job's
//     HandleFailure callback or to the log
//
// The only error surfaced to callers is ErrIdleTimeout from AwaitIdle,
// which means the wait expired; queued and running jobs are unaffected.
//
// Retries
//
// The dispatcher never retries. Callers that want retries re-submit the
// job themselves; see the retry package.
package fairq
