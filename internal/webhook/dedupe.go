package webhook

import (
	"sync"
	"time"
)

// seenCache remembers keys for a TTL so repeated deliveries of one event are
// processed once. Expired entries are pruned on write.
type seenCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newSeenCache(ttl time.Duration, maxSize int) *seenCache {
	return &seenCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndMark reports whether key was already seen, marking it if not.
func (c *seenCache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	if len(c.seen) >= c.maxSize {
		c.pruneLocked(now)
	}
	c.seen[key] = now
	return false
}

// Forget drops key so a later delivery is processed again.
func (c *seenCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, key)
}

func (c *seenCache) pruneLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
			continue
		}
		if oldestKey == "" || at.Before(oldest) {
			oldestKey, oldest = k, at
		}
	}
	if len(c.seen) >= c.maxSize && oldestKey != "" {
		delete(c.seen, oldestKey)
	}
}
