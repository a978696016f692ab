package fairq

import (
	"container/heap"
	"runtime"
	"slices"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// maxCommandBurst bounds how many commands one drain applies.
	maxCommandBurst = 256

	// maxSettleRounds bounds how many drain-and-yield rounds run before a
	// scheduling pass, so a producer submitting in a loop has its jobs
	// admitted before any of them starts.
	maxSettleRounds = 64

	// limiterSweepInterval spaces sweeps of refilled tenant limiters.
	limiterSweepInterval = time.Second
)

// scheduler is the dedicated goroutine that:
//   - applies commands (admissions, completions, configuration)
//   - starts queued jobs up to the concurrency ceilings
//   - wakes idle waiters
//
// It never blocks on job execution.
func (d *Dispatcher) scheduler() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			return
		case cmd := <-d.cmds:
			cmd()
			d.settle()
			d.pump()
		}
	}
}

// settle applies pending commands until the channel stays empty across
// a yield.
func (d *Dispatcher) settle() {
	for range maxSettleRounds {
		n := d.drainCommands()
		runtime.Gosched()
		if n == 0 && len(d.cmds) == 0 {
			return
		}
	}
}

func (d *Dispatcher) drainCommands() int {
	for n := range maxCommandBurst {
		select {
		case cmd := <-d.cmds:
			cmd()
		default:
			return n
		}
	}
	return maxCommandBurst
}

// pump starts jobs while execution slots are free, then refreshes the
// queue depth gauge and signals idle waiters.
func (d *Dispatcher) pump() {
	for d.active < d.opts.Concurrency {
		qj := d.next()
		if qj == nil {
			break
		}
		heap.Remove(&d.byAge, qj.index)
		d.start(qj)
	}
	if depth := len(d.byAge); depth != d.reportedDepth {
		d.reportedDepth = depth
		d.metrics.UpdateQueueDepth(depth)
	}
	if now := time.Now(); now.Sub(d.lastSweep) >= limiterSweepInterval {
		d.lastSweep = now
		d.sweepLimiters(now)
	}
	d.signalIdle()
}

// next picks the next job to run.
//
// Tenants are visited round-robin starting at tenantPointer. A tenant at
// its concurrency ceiling is skipped for this pick. The global queue is
// served only when no tenant in rotation has an eligible head job.
func (d *Dispatcher) next() *queuedJob {
	visited := 0
	for visited < len(d.tenantOrder) {
		if d.tenantPointer >= len(d.tenantOrder) {
			d.tenantPointer = 0
		}
		i := d.tenantPointer
		tenant := d.tenantOrder[i]
		q := d.tenantQueues[tenant]

		if q == nil || q.Len() == 0 {
			// the pointer now refers to the tenant shifted into slot i
			d.removeTenantAt(i)
			continue
		}
		if d.activePerTenant[tenant] >= d.opts.PerTenantLimit {
			visited++
			d.tenantPointer = (i + 1) % len(d.tenantOrder)
			continue
		}

		qj := q.PopFront()
		if q.Len() == 0 {
			d.removeTenantAt(i)
		} else {
			d.tenantPointer = (i + 1) % len(d.tenantOrder)
		}
		return qj
	}
	return d.global.PopFront()
}

// removeTenantAt drops the tenant at rotation slot i together with its
// queue, keeping tenantPointer on the same logical tenant.
func (d *Dispatcher) removeTenantAt(i int) {
	delete(d.tenantQueues, d.tenantOrder[i])
	d.tenantOrder = slices.Delete(d.tenantOrder, i, i+1)
	if d.tenantPointer > i {
		d.tenantPointer--
	}
	if d.tenantPointer >= len(d.tenantOrder) {
		d.tenantPointer = 0
	}
}

func (d *Dispatcher) dropTenant(tenant string) {
	if i := slices.Index(d.tenantOrder, tenant); i >= 0 {
		d.removeTenantAt(i)
		return
	}
	delete(d.tenantQueues, tenant)
}

// admit files j into its queue after deduplication, rate limiting and
// capacity eviction.
func (d *Dispatcher) admit(j *Job) {
	logger := lg.FromContext(d.opts.Ctx)

	if key := j.IdempotencyKey; key != "" && d.keys.held(key) {
		d.metrics.RecordDeduplicated(j.jobType())
		return
	}

	if lim := d.tenantLimiter(j.TenantKey); lim != nil && !lim.Allow() {
		d.metrics.RecordDropped(DropRateLimited, j.jobType())
		logger.Warn("job rejected",
			lg.String("reason", DropRateLimited),
			lg.String("tenant", j.TenantKey),
			lg.String("job_type", j.jobType()),
		)
		return
	}

	if len(d.byAge) >= d.opts.MaxQueueLength {
		d.evictOldest()
	}

	j.EnqueuedAt = time.Now()
	if j.Attempts < 0 {
		j.Attempts = 0
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}

	d.seq++
	qj := &queuedJob{job: j, seq: d.seq}
	if j.IdempotencyKey != "" {
		d.keys.hold(j.IdempotencyKey, qj.seq)
	}

	if j.TenantKey == "" {
		d.global.Push(qj)
	} else {
		q, ok := d.tenantQueues[j.TenantKey]
		if !ok {
			q = newJobQueue(j.TenantKey)
			d.tenantQueues[j.TenantKey] = q
			d.tenantOrder = append(d.tenantOrder, j.TenantKey)
		}
		q.Push(qj)
	}
	heap.Push(&d.byAge, qj)

	d.reportedDepth = len(d.byAge)
	d.metrics.RecordQueued(j.jobType(), 1, d.reportedDepth)
}

// evictOldest discards the globally oldest queued job to make room.
func (d *Dispatcher) evictOldest() {
	if len(d.byAge) == 0 {
		return
	}
	qj := heap.Pop(&d.byAge).(*queuedJob)
	q := qj.queue
	q.Remove(qj)
	if q != d.global && q.Len() == 0 {
		d.dropTenant(q.tenant)
	}
	j := qj.job
	if j.IdempotencyKey != "" {
		d.keys.releaseIf(j.IdempotencyKey, qj.seq)
	}

	d.metrics.RecordDropped(DropCapacity, j.jobType())
	lg.FromContext(d.opts.Ctx).Warn("queue at capacity; oldest job evicted",
		lg.String("job_id", j.ID),
		lg.String("tenant", j.TenantKey),
		lg.String("job_type", j.jobType()),
		lg.Int("max_queue_length", d.opts.MaxQueueLength),
		lg.String("queued_for", time.Since(j.EnqueuedAt).String()),
	)
}

// tenantLimiter returns the admission limiter for tenant, or nil when
// rate limiting is disabled or the job is global.
func (d *Dispatcher) tenantLimiter(tenant string) *rate.Limiter {
	if tenant == "" || d.opts.TenantRateLimit <= 0 {
		return nil
	}
	lim, ok := d.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.opts.TenantRateLimit), d.opts.TenantRateBurst)
		d.limiters[tenant] = lim
	}
	return lim
}

// sweepLimiters forgets limiters whose bucket has refilled by now. A
// full limiter admits exactly like a fresh one, so the next admission of
// that tenant simply recreates it.
func (d *Dispatcher) sweepLimiters(now time.Time) {
	for tenant, lim := range d.limiters {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(d.limiters, tenant)
		}
	}
}

// start accounts for qj and runs it in its own goroutine.
func (d *Dispatcher) start(qj *queuedJob) {
	j := qj.job
	d.active++
	if j.TenantKey != "" {
		d.activePerTenant[j.TenantKey]++
	}
	d.metrics.UpdateActiveJobs(d.active)

	wait := time.Since(j.EnqueuedAt)
	go d.execute(qj, wait)
}

// finish releases the slots held by a completed job.
func (d *Dispatcher) finish(qj *queuedJob, elapsed time.Duration) {
	j := qj.job
	d.active--
	if t := j.TenantKey; t != "" {
		if n := d.activePerTenant[t] - 1; n > 0 {
			d.activePerTenant[t] = n
		} else {
			delete(d.activePerTenant, t)
		}
	}

	d.scheduleKeyRelease(qj)

	if thr := d.opts.SlowJobThreshold; thr > 0 && elapsed > thr {
		lg.FromContext(j.context()).Warn("slow job",
			lg.String("job_id", j.ID),
			lg.String("tenant", j.TenantKey),
			lg.String("job_type", j.jobType()),
			lg.String("duration", elapsed.String()),
			lg.String("threshold", thr.String()),
		)
	}
	d.metrics.UpdateActiveJobs(d.active)
}

func (d *Dispatcher) idle() bool {
	return len(d.byAge) == 0 && d.active == 0
}

// signalIdle wakes every waiter if nothing is queued or running.
func (d *Dispatcher) signalIdle() {
	if !d.idle() || len(d.waiters) == 0 {
		return
	}
	for id, ch := range d.waiters {
		close(ch)
		delete(d.waiters, id)
	}
}
