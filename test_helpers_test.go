package fairq_test

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/azargarov/fairq"
	"github.com/azargarov/fairq/metrics"
)

func newTestDispatcher(t *testing.T, opts fairq.Options) (*fairq.Dispatcher, *metrics.Aggregator) {
	t.Helper()

	agg := metrics.NewAggregator()
	d := fairq.New(agg, opts)
	t.Cleanup(d.Close)
	return d, agg
}

// blocker occupies an execution slot until released.
type blocker struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blocker) job(tenant string) fairq.Job {
	return fairq.Job{
		TenantKey: tenant,
		Meta:      fairq.Meta{Type: "blocker"},
		Execute: func(context.Context) error {
			close(b.started)
			<-b.release
			return nil
		},
	}
}

func (b *blocker) Release() { b.once.Do(func() { close(b.release) }) }

// startBlocker submits a blocker and waits until it is executing, so the
// jobs enqueued afterwards are all admitted before any of them starts.
func startBlocker(t *testing.T, d *fairq.Dispatcher, tenant string) *blocker {
	t.Helper()

	b := newBlocker()
	t.Cleanup(b.Release)
	d.Enqueue(b.job(tenant))
	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker did not start")
	}
	return b
}

// recorder collects labels in execution order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) job(label, tenant string, prio int) fairq.Job {
	return fairq.Job{
		TenantKey: tenant,
		Priority:  prio,
		Execute: func(context.Context) error {
			r.mu.Lock()
			r.order = append(r.order, label)
			r.mu.Unlock()
			return nil
		},
	}
}

func (r *recorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func awaitIdle(t *testing.T, d *fairq.Dispatcher) {
	t.Helper()
	require.NoError(t, d.AwaitIdle(context.Background(), 5*time.Second))
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		runtime.Gosched()
	}
	t.Fatal("condition not satisfied before timeout")
}

func getenvInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
