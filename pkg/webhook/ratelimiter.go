package webhook

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// refillWindow is the time an idle client needs to regain its full burst.
const refillWindow = time.Minute

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter gives every client a token bucket of limit requests that
// refills over one minute.
type RateLimiter struct {
	limit int
	clock clockwork.Clock

	mu      sync.Mutex
	clients map[string]*clientLimit
}

// NewRateLimiter allows limit requests per minute per key. A non-positive
// limit disables limiting.
func NewRateLimiter(limit int, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		limit:   limit,
		clock:   clock,
		clients: make(map[string]*clientLimit),
	}
}

func (rl *RateLimiter) client(key string, now time.Time) *clientLimit {
	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimit{
			limiter: rate.NewLimiter(rate.Every(refillWindow/time.Duration(rl.limit)), rl.limit),
		}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c
}

// Allow takes a token for key and reports whether one was available.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	return rl.client(key, now).limiter.AllowN(now, 1)
}

// RetryAfter returns the whole seconds until key has a token again.
func (rl *RateLimiter) RetryAfter(key string) int {
	if rl.limit <= 0 {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[key]
	if !ok {
		return 0
	}
	tokens := c.limiter.TokensAt(rl.clock.Now())
	if tokens >= 1 {
		return 0
	}
	perToken := refillWindow.Seconds() / float64(rl.limit)
	return int(math.Ceil((1 - tokens) * perToken))
}

// Cleanup drops clients idle long enough to be back at a full bucket and
// returns how many remain.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) >= refillWindow {
			delete(rl.clients, key)
		}
	}
	return len(rl.clients)
}
