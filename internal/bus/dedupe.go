package bus

import (
	"sync"
	"time"
)

// SeenCache remembers recently observed inbound message identities so webhook
// retries and double-taps do not duplicate agent runs. Entries expire after
// the TTL; the oldest entries are evicted when the cap is reached.
type SeenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
}

// NewSeenCache builds a cache. Zero values pick 20 minutes and 5000 entries.
func NewSeenCache(ttl time.Duration, max int) *SeenCache {
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if max <= 0 {
		max = 5000
	}
	return &SeenCache{ttl: ttl, max: max, entries: make(map[string]time.Time)}
}

// IsDuplicate records the key and reports whether it was already present and
// unexpired. The first observation always returns false.
func (c *SeenCache) IsDuplicate(key string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.entries[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	if len(c.entries) >= c.max {
		c.evictLocked(now)
	}
	c.entries[key] = now
	return false
}

func (c *SeenCache) evictLocked(now time.Time) {
	for k, at := range c.entries {
		if now.Sub(at) >= c.ttl {
			delete(c.entries, k)
		}
	}
	for len(c.entries) >= c.max {
		var oldestKey string
		var oldest time.Time
		for k, at := range c.entries {
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		delete(c.entries, oldestKey)
	}
}
