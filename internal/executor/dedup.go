package executor

import (
	"sync"
	"time"
)

// Dedup remembers client idempotency keys for a TTL so a retried start
// request returns the execution it already created. It is safe for
// concurrent use.
type Dedup struct {
	seen map[string]dedupEntry // key -> execution
	ttl  time.Duration
	mu   sync.Mutex
	now  func() time.Time
}

type dedupEntry struct {
	executionID string
	at          time.Time
}

// NewDedup creates a Dedup that remembers keys for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]dedupEntry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Lookup returns the execution recorded for key, if it is still within the
// TTL window.
func (d *Dedup) Lookup(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.seen[key]
	if !ok || d.now().Sub(e.at) >= d.ttl {
		return "", false
	}
	return e.executionID, true
}

// Remember records key as having created executionID.
func (d *Dedup) Remember(key, executionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = dedupEntry{executionID: executionID, at: d.now()}
}

// Cleanup removes entries that have expired beyond the TTL. Call it
// periodically to bound memory.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, e := range d.seen {
		if now.Sub(e.at) >= d.ttl {
			delete(d.seen, key)
		}
	}
}
