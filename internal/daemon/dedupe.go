package daemon

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// messageDedupeCache remembers recently seen delivery keys so a message
// redelivered by a channel is recorded once.
type messageDedupeCache struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]time.Time
}

func newMessageDedupeCache(ttl time.Duration, clock clockwork.Clock) *messageDedupeCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &messageDedupeCache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]time.Time),
	}
}

// Seen marks key and reports whether it was already marked within the TTL.
func (c *messageDedupeCache) Seen(key string) bool {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.entries[key]; ok && now.Sub(ts) <= c.ttl {
		return true
	}
	c.entries[key] = now
	return false
}

// cleanupExpired drops expired keys and returns how many remain.
func (c *messageDedupeCache) cleanupExpired() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, ts := range c.entries {
		if now.Sub(ts) > c.ttl {
			delete(c.entries, key)
		}
	}
	return len(c.entries)
}

func (c *messageDedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
