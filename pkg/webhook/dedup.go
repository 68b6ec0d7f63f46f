package webhook

import (
	"sync"
	"time"
)

// dedupWindow tracks delivery ids for a fixed TTL. Expired entries are
// swept lazily before each insertion.
type dedupWindow struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func newDedupWindow(ttl time.Duration) *dedupWindow {
	return &dedupWindow{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// Seen reports whether the id was observed within the window, recording
// it when it was not.
func (d *dedupWindow) Seen(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, expires := range d.entries {
		if !expires.After(now) {
			delete(d.entries, k)
		}
	}

	if expires, ok := d.entries[id]; ok && expires.After(now) {
		return true
	}
	d.entries[id] = now.Add(d.ttl)
	return false
}
