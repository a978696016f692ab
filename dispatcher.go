package fairq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"golang.org/x/time/rate"
)

// Dispatcher admits jobs into tenant and global queues and executes them
// within the configured concurrency ceilings.
//
// All queue and counter state is owned by a single scheduler goroutine.
// Public methods are safe for concurrent use and communicate with it
// through a command channel.
type Dispatcher struct {
	metrics MetricsRecorder

	cmds      chan func()
	stopCh    chan struct{} // signals the scheduler to exit
	doneCh    chan struct{} // closed once the scheduler has exited
	closeOnce sync.Once

	// Owned by the scheduler goroutine.
	opts            Options
	tenantQueues    map[string]*jobQueue
	tenantOrder     []string
	tenantPointer   int
	global          *jobQueue
	byAge           ageHeap
	active          int
	activePerTenant map[string]int
	keys            *keyCache
	limiters        map[string]*rate.Limiter
	lastSweep       time.Time
	waiters         map[uint64]chan struct{}
	waiterSeq       uint64
	seq             uint64
	reportedDepth   int
}

// Stats is a point-in-time view of the dispatcher's queues.
type Stats struct {
	Queued  int
	Active  int
	Tenants int
	Keys    int
	Limits  Limits
}

// New creates a Dispatcher and starts its scheduler goroutine.
// A nil recorder disables metrics.
func New(m MetricsRecorder, opts Options) *Dispatcher {
	opts.FillDefaults()
	if m == nil {
		m = NoopMetrics{}
	}
	d := &Dispatcher{
		metrics:         m,
		cmds:            make(chan func(), opts.CommandBuffer),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		opts:            opts,
		tenantQueues:    make(map[string]*jobQueue),
		global:          newJobQueue(""),
		activePerTenant: make(map[string]int),
		keys:            newKeyCache(),
		limiters:        make(map[string]*rate.Limiter),
		waiters:         make(map[uint64]chan struct{}),
	}
	go d.scheduler()
	return d
}

// send queues fn for the scheduler goroutine. It reports false if the
// dispatcher is closed.
func (d *Dispatcher) send(fn func()) bool {
	select {
	case <-d.stopCh:
		return false
	default:
	}
	select {
	case d.cmds <- fn:
		return true
	case <-d.stopCh:
		return false
	}
}

// call runs fn on the scheduler goroutine and waits for it to finish.
func (d *Dispatcher) call(fn func()) bool {
	done := make(chan struct{})
	if !d.send(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-d.doneCh:
		return false
	}
}

// Configure updates the concurrency ceilings. Non-positive values are
// ignored. Running jobs are never preempted; lowered ceilings only hold
// back future starts.
func (d *Dispatcher) Configure(l Limits) {
	d.call(func() {
		d.opts.apply(l)
		lg.FromContext(d.opts.Ctx).Info("dispatcher limits updated",
			lg.Int("concurrency", d.opts.Concurrency),
			lg.Int("per_tenant_limit", d.opts.PerTenantLimit),
		)
	})
}

// Enqueue submits a job. It never blocks on execution and never returns
// an error: invalid jobs, duplicates and evictions are reported through
// metrics and the log.
func (d *Dispatcher) Enqueue(job Job) {
	if !d.validate(&job) {
		return
	}
	j := job
	if !d.send(func() { d.admit(&j) }) {
		d.metrics.RecordDropped(DropClosed, j.jobType())
	}
}

// EnqueueMany submits jobs in order. The batch is not atomic: each job
// is admitted, deduplicated or evicted on its own.
func (d *Dispatcher) EnqueueMany(jobs []Job) {
	batch := make([]*Job, 0, len(jobs))
	for i := range jobs {
		if d.validate(&jobs[i]) {
			j := jobs[i]
			batch = append(batch, &j)
		}
	}
	if len(batch) == 0 {
		return
	}
	if !d.send(func() {
		for _, j := range batch {
			d.admit(j)
		}
	}) {
		for _, j := range batch {
			d.metrics.RecordDropped(DropClosed, j.jobType())
		}
	}
}

func (d *Dispatcher) validate(j *Job) bool {
	if j.Execute != nil {
		return true
	}
	d.metrics.RecordDropped(DropInvalidJob, j.jobType())
	lg.FromContext(d.opts.Ctx).Warn("job rejected",
		lg.String("reason", DropInvalidJob),
		lg.String("job_type", j.jobType()),
		lg.Any("error", ErrNilExecute),
	)
	return false
}

// ReleaseIdempotencyKey unblocks key immediately, regardless of TTL.
func (d *Dispatcher) ReleaseIdempotencyKey(key string) {
	if key == "" {
		return
	}
	d.send(func() { d.keys.release(key) })
}

// AwaitIdle blocks until nothing is queued and nothing is executing.
//
// It returns nil at once if the dispatcher is already idle. A positive
// timeout bounds the wait and yields an error wrapping ErrIdleTimeout;
// cancellation of ctx yields ctx.Err(). In every case the waiter is
// deregistered. Timing out does not affect queued or running jobs.
func (d *Dispatcher) AwaitIdle(ctx context.Context, timeout time.Duration) error {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := make(chan struct{})
	var id uint64
	if !d.call(func() {
		if d.idle() {
			close(ch)
			return
		}
		d.waiterSeq++
		id = d.waiterSeq
		d.waiters[id] = ch
	}) {
		return ErrClosed
	}

	select {
	case <-ch:
		return nil
	case <-d.doneCh:
		return ErrClosed
	case <-ctx.Done():
		d.send(func() { delete(d.waiters, id) })
		select {
		case <-ch:
			return nil
		default:
		}
		if err := parent.Err(); err != nil {
			return err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrIdleTimeout, timeout)
		}
		return ctx.Err()
	}
}

// ClearCaches empties the queues, the idempotency cache, the admission
// rate limiters and the metrics. Jobs already executing keep running and
// are still accounted for. Intended for test isolation.
func (d *Dispatcher) ClearCaches() {
	d.call(func() {
		for _, q := range d.tenantQueues {
			q.Reset()
		}
		clear(d.tenantQueues)
		d.tenantOrder = d.tenantOrder[:0]
		d.tenantPointer = 0
		d.global.Reset()
		clear(d.byAge)
		d.byAge = d.byAge[:0]
		d.keys.reset()
		clear(d.limiters)

		d.metrics.Reset()
		d.reportedDepth = 0
		d.metrics.UpdateActiveJobs(d.active)
		d.signalIdle()
	})
}

// Stats returns the current queue state. It returns the zero value after
// Close.
func (d *Dispatcher) Stats() Stats {
	var s Stats
	d.call(func() {
		s = Stats{
			Queued:  len(d.byAge),
			Active:  d.active,
			Tenants: len(d.tenantOrder),
			Keys:    d.keys.Len(),
			Limits: Limits{
				Concurrency:    d.opts.Concurrency,
				PerTenantLimit: d.opts.PerTenantLimit,
			},
		}
	})
	return s
}

// Close stops the scheduler. Queued jobs are discarded, running jobs
// finish on their own, and later submissions are dropped as "closed".
// Drain the dispatcher with AwaitIdle first for a graceful shutdown.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.stopCh)
	})
	<-d.doneCh
}
