package fairq

import "time"

// keyCache tracks blocked idempotency keys. Each key remembers the
// admission sequence of the job holding it, so an expiry scheduled for
// an earlier job cannot release a key re-admitted by a later one.
//
// keyCache is owned by the scheduler goroutine and is not locked.
type keyCache struct {
	owners map[string]uint64
}

func newKeyCache() *keyCache {
	return &keyCache{owners: make(map[string]uint64)}
}

func (c *keyCache) held(key string) bool {
	_, ok := c.owners[key]
	return ok
}

func (c *keyCache) hold(key string, seq uint64) { c.owners[key] = seq }

func (c *keyCache) release(key string) { delete(c.owners, key) }

// releaseIf releases key only if it is still held by seq.
func (c *keyCache) releaseIf(key string, seq uint64) bool {
	if owner, ok := c.owners[key]; ok && owner == seq {
		delete(c.owners, key)
		return true
	}
	return false
}

func (c *keyCache) reset() { clear(c.owners) }

func (c *keyCache) Len() int { return len(c.owners) }

// keyRetention returns how long the job's key stays blocked after it
// finishes, and false if it is kept until released explicitly.
func (d *Dispatcher) keyRetention(j *Job) (time.Duration, bool) {
	switch {
	case j.IdempotencyTTL > 0:
		return j.IdempotencyTTL, true
	case j.PersistIdempotency:
		return 0, false
	default:
		return d.opts.IdempotencyTTL, true
	}
}

// scheduleKeyRelease arranges for the key of a finished job to expire.
func (d *Dispatcher) scheduleKeyRelease(qj *queuedJob) {
	key := qj.job.IdempotencyKey
	if key == "" {
		return
	}
	ttl, ok := d.keyRetention(qj.job)
	if !ok {
		return
	}
	seq := qj.seq
	time.AfterFunc(ttl, func() {
		d.send(func() { d.keys.releaseIf(key, seq) })
	})
}
