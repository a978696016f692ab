// Package drain coordinates graceful shutdown of a dispatcher: it waits
// for in-flight and queued work to finish, shares a single in-flight
// drain among concurrent callers and keeps the outcome queryable.
package drain

import (
	"context"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"golang.org/x/sync/singleflight"

	"github.com/azargarov/fairq"
	"github.com/azargarov/fairq/metrics"
)

// ErrDrainTimeout is returned, wrapped, when the dispatcher did not become
// idle in time.
var ErrDrainTimeout = fairq.ErrIdleTimeout

const (
	// DefaultTimeout bounds a drain when the caller passes no timeout.
	DefaultTimeout = 30 * time.Second

	OutcomeSuccess = "success"
	OutcomeTimeout = "timeout"
)

// Idler is implemented by *fairq.Dispatcher.
type Idler interface {
	AwaitIdle(ctx context.Context, timeout time.Duration) error
}

// Snapshotter is implemented by *metrics.Aggregator.
type Snapshotter interface {
	Snapshot() metrics.Snapshot
}

// Result describes a finished drain.
type Result struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Outcome     string
	Error       string
}

// WorkerState is a read-only view of the coordinator.
type WorkerState struct {
	Draining       bool
	DrainStartedAt time.Time
	LastDrain      *Result
	Metrics        metrics.Snapshot
	StartedAt      time.Time
	Uptime         time.Duration
}

// Options configure a Coordinator.
type Options struct {
	// DefaultTimeout is used when DrainWorker gets a non-positive timeout.
	DefaultTimeout time.Duration

	// Ctx carries the logger.
	Ctx context.Context
}

// Coordinator exposes an idempotent "finish in-flight work" operation.
type Coordinator struct {
	idler     Idler
	snap      Snapshotter
	opts      Options
	startedAt time.Time
	group     singleflight.Group

	mu             sync.Mutex
	draining       bool
	drainStartedAt time.Time
	last           *Result
}

// New creates a Coordinator. snap may be nil, in which case states carry
// an empty metrics snapshot.
func New(idler Idler, snap Snapshotter, opts Options) *Coordinator {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Ctx == nil {
		opts.Ctx = context.Background()
	}
	return &Coordinator{
		idler:     idler,
		snap:      snap,
		opts:      opts,
		startedAt: time.Now(),
	}
}

// DrainWorker waits until the dispatcher is idle.
//
// While a drain is in flight every caller shares its outcome; no second
// drain is started. The drain itself is not cancelled when a caller's
// ctx is: that caller just stops waiting and gets ctx.Err(). On timeout
// the recorded outcome is OutcomeTimeout and the error from AwaitIdle is
// returned.
func (c *Coordinator) DrainWorker(ctx context.Context, timeout time.Duration) (WorkerState, error) {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan("drain", func() (any, error) {
		return c.drain(detached, timeout)
	})

	select {
	case res := <-ch:
		state, _ := res.Val.(WorkerState)
		return state, res.Err
	case <-ctx.Done():
		return c.GetWorkerState(), ctx.Err()
	}
}

func (c *Coordinator) drain(ctx context.Context, timeout time.Duration) (WorkerState, error) {
	logger := lg.FromContext(c.opts.Ctx)

	c.mu.Lock()
	c.draining = true
	c.drainStartedAt = time.Now()
	started := c.drainStartedAt
	c.mu.Unlock()

	logger.Info("drain started", lg.String("timeout", timeout.String()))

	err := c.idler.AwaitIdle(ctx, timeout)

	res := &Result{StartedAt: started, CompletedAt: time.Now(), Outcome: OutcomeSuccess}
	if err != nil {
		res.Outcome = OutcomeTimeout
		res.Error = err.Error()
	}

	c.mu.Lock()
	c.draining = false
	c.last = res
	c.mu.Unlock()

	took := res.CompletedAt.Sub(started).String()
	if err != nil {
		logger.Error("drain did not complete", lg.String("took", took), lg.Any("error", err))
		return c.GetWorkerState(), err
	}
	logger.Info("drain completed", lg.String("took", took))
	return c.GetWorkerState(), nil
}

// IsDraining reports whether a drain is in flight.
func (c *Coordinator) IsDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// GetWorkerState returns the current state. It never blocks on a drain.
func (c *Coordinator) GetWorkerState() WorkerState {
	c.mu.Lock()
	state := WorkerState{
		Draining:       c.draining,
		DrainStartedAt: c.drainStartedAt,
		StartedAt:      c.startedAt,
		Uptime:         time.Since(c.startedAt),
	}
	if c.last != nil {
		last := *c.last
		state.LastDrain = &last
	}
	c.mu.Unlock()

	if c.snap != nil {
		state.Metrics = c.snap.Snapshot()
	}
	return state
}
