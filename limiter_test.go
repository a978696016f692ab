package fairq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limiterCount(d *Dispatcher) int {
	var n int
	d.call(func() { n = len(d.limiters) })
	return n
}

func TestSweepLimiters(t *testing.T) {
	d := New(nil, Options{TenantRateLimit: 0.001, TenantRateBurst: 1})
	defer d.Close()

	noop := func(context.Context) error { return nil }
	for i := range 100 {
		d.Enqueue(Job{TenantKey: fmt.Sprint("tenant-", i), Execute: noop})
	}
	require.NoError(t, d.AwaitIdle(context.Background(), 5*time.Second))
	require.Equal(t, 100, limiterCount(d))

	// drained buckets are kept, since dropping them would reset the limit
	d.call(func() { d.sweepLimiters(time.Now()) })
	assert.Equal(t, 100, limiterCount(d))

	// long after a full refill every limiter is forgotten
	d.call(func() { d.sweepLimiters(time.Now().Add(time.Hour)) })
	assert.Zero(t, limiterCount(d))
}

func TestSweepLimiters_FromSchedulingPass(t *testing.T) {
	d := New(nil, Options{TenantRateLimit: 1000, TenantRateBurst: 1})
	defer d.Close()

	noop := func(context.Context) error { return nil }
	for i := range 20 {
		d.Enqueue(Job{TenantKey: fmt.Sprint("tenant-", i), Execute: noop})
	}
	require.NoError(t, d.AwaitIdle(context.Background(), 5*time.Second))

	// any command triggers a pass; a refill takes 1ms, the sweep runs once
	// per interval
	deadline := time.Now().Add(limiterSweepInterval + 2*time.Second)
	for limiterCount(d) > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.Zero(t, limiterCount(d))
}
