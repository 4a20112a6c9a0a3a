package events

import (
	"sync"
	"time"
)

type claim int

const (
	claimNew claim = iota
	claimInFlight
	claimDone
)

type dedupeEntry struct {
	at   time.Time
	done bool
}

// DedupeCache remembers event ids for a window so redelivered messages are
// handled once. An id is claimed before it is applied and only counts as
// handled once Done is called.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]dedupeEntry
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]dedupeEntry)}
}

// Claim marks key as in flight unless it is already in flight or was
// completed within ttl.
func (d *DedupeCache) Claim(key string, now time.Time, ttl time.Duration) claim {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ent, ok := d.items[key]; ok {
		if !ent.done {
			return claimInFlight
		}
		if now.Sub(ent.at) <= ttl {
			return claimDone
		}
	}
	d.items[key] = dedupeEntry{at: now}
	if len(d.items) > 10000 {
		d.compact(now, ttl)
	}
	return claimNew
}

// Done records key as handled at now.
func (d *DedupeCache) Done(key string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[key] = dedupeEntry{at: now, done: true}
}

// Forget releases a claim so a failed event can be retried.
func (d *DedupeCache) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.items, key)
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ent := range d.items {
		if ent.done && now.Sub(ent.at) > ttl {
			delete(d.items, k)
		}
	}
}
