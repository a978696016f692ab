package fairq_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azargarov/fairq"
)

func keyed(key string) fairq.Job {
	return fairq.Job{
		IdempotencyKey: key,
		Meta:           fairq.Meta{Type: "email"},
		Execute:        func(context.Context) error { return nil },
	}
}

func TestIdempotency(t *testing.T) {
	t.Run("DuplicateWhileQueued", func(t *testing.T) {
		t.Parallel()
		d, agg := newTestDispatcher(t, fairq.Options{Concurrency: 1})
		b := startBlocker(t, d, "")

		var runs sync.Map
		counted := func(key string) fairq.Job {
			j := keyed(key)
			j.Execute = func(context.Context) error {
				n, _ := runs.LoadOrStore(key, new(atomic.Int32))
				n.(*atomic.Int32).Add(1)
				return nil
			}
			return j
		}

		d.Enqueue(counted("k"))
		d.Enqueue(counted("k"))
		d.Enqueue(counted("other"))

		st := d.Stats()
		assert.Equal(t, 2, st.Queued)
		assert.Equal(t, 2, st.Keys)

		b.Release()
		awaitIdle(t, d)

		for _, key := range []string{"k", "other"} {
			n, ok := runs.Load(key)
			require.True(t, ok, "%s never ran", key)
			assert.EqualValues(t, 1, n.(*atomic.Int32).Load(), "%s executions", key)
		}
		snap := agg.Snapshot()
		assert.EqualValues(t, 1, snap.Counters.Deduplicated)
		assert.EqualValues(t, 3, snap.Counters.Processed, "blocker, k and other")
	})

	t.Run("HeldAfterCompletionUntilTTL", func(t *testing.T) {
		t.Parallel()
		d, agg := newTestDispatcher(t, fairq.Options{IdempotencyTTL: time.Hour})

		j := keyed("k")
		j.IdempotencyTTL = 200 * time.Millisecond
		d.Enqueue(j)
		awaitIdle(t, d)

		d.Enqueue(keyed("k"))
		awaitIdle(t, d)
		assert.EqualValues(t, 1, agg.Snapshot().Counters.Deduplicated)

		waitUntil(t, 2*time.Second, func() bool { return d.Stats().Keys == 0 })
		d.Enqueue(keyed("k"))
		awaitIdle(t, d)

		snap := agg.Snapshot()
		assert.EqualValues(t, 2, snap.Counters.Processed)
		assert.EqualValues(t, 1, snap.Counters.Deduplicated)
	})

	t.Run("DefaultTTL", func(t *testing.T) {
		t.Parallel()
		d, _ := newTestDispatcher(t, fairq.Options{IdempotencyTTL: 20 * time.Millisecond})

		d.Enqueue(keyed("k"))
		awaitIdle(t, d)
		waitUntil(t, 2*time.Second, func() bool { return d.Stats().Keys == 0 })
	})

	t.Run("PersistUntilReleased", func(t *testing.T) {
		t.Parallel()
		d, agg := newTestDispatcher(t, fairq.Options{IdempotencyTTL: time.Millisecond})

		j := keyed("k")
		j.PersistIdempotency = true
		d.Enqueue(j)
		awaitIdle(t, d)

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, d.Stats().Keys)

		d.ReleaseIdempotencyKey("k")
		d.Enqueue(keyed("k"))
		awaitIdle(t, d)

		snap := agg.Snapshot()
		assert.EqualValues(t, 2, snap.Counters.Processed)
		assert.Zero(t, snap.Counters.Deduplicated)
	})

	t.Run("EvictionReleasesKey", func(t *testing.T) {
		t.Parallel()
		d, agg := newTestDispatcher(t, fairq.Options{Concurrency: 1, MaxQueueLength: 1})
		startBlocker(t, d, "")

		d.Enqueue(keyed("k"))
		d.Enqueue(keyed("filler")) // evicts k
		d.Enqueue(keyed("k"))      // evicts filler, k is free again

		st := d.Stats()
		snap := agg.Snapshot()
		assert.Equal(t, 1, st.Queued)
		assert.Equal(t, 1, st.Keys)
		assert.Zero(t, snap.Counters.Deduplicated)
		assert.EqualValues(t, 2, snap.DropReasons[fairq.DropCapacity])
	})

	t.Run("StaleExpiryKeepsNewOwner", func(t *testing.T) {
		t.Parallel()
		d, agg := newTestDispatcher(t, fairq.Options{Concurrency: 1})

		first := keyed("k")
		first.IdempotencyTTL = 40 * time.Millisecond
		d.Enqueue(first)
		awaitIdle(t, d)

		// re-admit under the same key before the first expiry fires
		d.ReleaseIdempotencyKey("k")
		b := startBlocker(t, d, "")
		d.Enqueue(keyed("k"))

		time.Sleep(80 * time.Millisecond)
		d.Enqueue(keyed("k"))
		assert.Equal(t, 1, d.Stats().Queued)
		assert.EqualValues(t, 1, agg.Snapshot().Counters.Deduplicated)

		b.Release()
		awaitIdle(t, d)
	})
}
