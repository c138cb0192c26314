// Package dedup remembers recently seen ids so at-least-once deliveries can be
// collapsed by consumers.
package dedup

import (
	"sync"
	"time"
)

type Deduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	seen map[string]time.Time
	now  func() time.Time
}

func New(ttl time.Duration, max int) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	return &Deduper{ttl: ttl, max: max, seen: make(map[string]time.Time, max), now: time.Now}
}

// WithClock replaces the time source.
func (d *Deduper) WithClock(now func() time.Time) *Deduper {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
	return d
}

// ShouldProcess reports true the first time an id is seen within the ttl.
// Empty ids are never deduplicated.
func (d *Deduper) ShouldProcess(id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false
	}
	d.seen[id] = now.Add(d.ttl)
	if len(d.seen) > d.max {
		d.evict(now)
	}
	return true
}

// Forget drops an id so its next occurrence is processed again.
func (d *Deduper) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}

func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduper) evict(now time.Time) {
	for k, v := range d.seen {
		if now.After(v) {
			delete(d.seen, k)
		}
		if len(d.seen) <= d.max {
			return
		}
	}
	// everything is still live, drop the entries closest to expiry
	for len(d.seen) > d.max {
		var oldestID string
		var oldest time.Time
		for k, v := range d.seen {
			if oldestID == "" || v.Before(oldest) {
				oldestID, oldest = k, v
			}
		}
		delete(d.seen, oldestID)
	}
}
