package gateway

import (
	"sync"
	"time"
)

// DedupeCache remembers the outcome of idempotency-keyed calls so retries
// replay the first result instead of re-executing the effect. Entries expire
// after the TTL and the cache is capped by entry count; eviction drops the
// oldest entries first.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]dedupeEntry
}

type dedupeEntry struct {
	at      time.Time
	outcome Outcome
}

// NewDedupeCache builds a cache with the given retention window and size cap.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if max <= 0 {
		max = 5000
	}
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]dedupeEntry),
	}
}

// Get returns the cached outcome for a key if it is still within the TTL.
func (c *DedupeCache) Get(key string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Outcome{}, false
	}
	if time.Since(e.at) > c.ttl {
		delete(c.entries, key)
		return Outcome{}, false
	}
	return e.outcome, true
}

// Put records an outcome under a key. The first completed attempt wins: a
// key already present is not overwritten, keeping outcomes totally ordered
// within the retention window.
func (c *DedupeCache) Put(key string, out Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && time.Since(e.at) <= c.ttl {
		return
	}
	if len(c.entries) >= c.max {
		c.evictLocked()
	}
	c.entries[key] = dedupeEntry{at: time.Now(), outcome: out}
}

// evictLocked removes expired entries, then the oldest survivors until the
// cache is under its cap.
func (c *DedupeCache) evictLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.at) > c.ttl {
			delete(c.entries, k)
		}
	}
	for len(c.entries) >= c.max {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.at.Before(oldestAt) {
				oldestKey, oldestAt = k, e.at
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Len reports the number of cached entries, counting expired ones not yet
// swept.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
