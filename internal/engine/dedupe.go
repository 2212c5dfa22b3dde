package engine

import (
	"sync"
	"time"
)

// dedupeCache remembers recently seen keys for ttl, holding at most max
// entries. It covers inbound paths that do not write to the message log.
type dedupeCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	now  func() time.Time
	seen map[string]time.Time
}

func newDedupeCache(ttl time.Duration, max int, now func() time.Time) *dedupeCache {
	return &dedupeCache{ttl: ttl, max: max, now: now, seen: make(map[string]time.Time)}
}

// IsDuplicate records key and reports whether it was already seen within ttl.
// Empty keys are never duplicates.
func (d *dedupeCache) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	if len(d.seen) >= d.max {
		d.evict(now)
	}
	d.seen[key] = now
	return false
}

// evict drops expired keys, then the oldest one if the cache is still full.
func (d *dedupeCache) evict(now time.Time) {
	var oldest string
	var oldestAt time.Time
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
			continue
		}
		if oldest == "" || at.Before(oldestAt) {
			oldest, oldestAt = k, at
		}
	}
	if len(d.seen) >= d.max && oldest != "" {
		delete(d.seen, oldest)
	}
}
