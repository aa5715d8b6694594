// Package dedup makes inbound delivery idempotent by remembering recently
// seen message identifiers.
package dedup

import (
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the number of identifiers remembered by default.
const DefaultCapacity = 1000

// Cache is a bounded set of (id, lastSeenAt) pairs. Entries are kept in
// recency order, so the least recently used entry is also the one with the
// oldest lastSeenAt and is the one evicted when capacity is exceeded.
type Cache struct {
	entries *lru.Cache[string, time.Time]
	enabled atomic.Bool
	now     func() time.Time
}

// New constructs an enabled cache holding at most capacity identifiers.
func New(capacity int, now func() time.Time) (*Cache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("dedup: capacity must be >= 1, got %d", capacity)
	}
	entries, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, fmt.Errorf("dedup: create cache: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	c := &Cache{entries: entries, now: now}
	c.enabled.Store(true)
	return c, nil
}

// Observe records a receipt of id and reports whether it was already seen.
// A repeated id has its timestamp refreshed. When deduplication is disabled
// every receipt is new and the cache is left untouched.
func (c *Cache) Observe(id string) bool {
	if !c.enabled.Load() {
		return false
	}
	now := c.now()
	if c.entries.Contains(id) {
		c.entries.Add(id, now)
		return true
	}
	c.entries.Add(id, now)
	return false
}

// LastSeen returns the recorded timestamp for id without refreshing it.
func (c *Cache) LastSeen(id string) (time.Time, bool) {
	return c.entries.Peek(id)
}

// Len returns the number of remembered identifiers.
func (c *Cache) Len() int { return c.entries.Len() }

// SetEnabled toggles deduplication.
func (c *Cache) SetEnabled(on bool) { c.enabled.Store(on) }

// Enabled reports whether deduplication is active.
func (c *Cache) Enabled() bool { return c.enabled.Load() }
