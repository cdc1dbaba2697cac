package webhook

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused per-key bucket survives before
// the next prune drops it.
const limiterIdleTTL = 10 * time.Minute

// RateLimiter hands out a token bucket per key (source plus remote
// identity) so one noisy provider endpoint cannot starve the others.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int

	lastPrune time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a keyed limiter allowing perSecond sustained
// requests with the given burst per key.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:   make(map[string]*bucket),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		lastPrune: time.Now(),
	}
}

// Allow reports whether a request for the key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	if now.Sub(rl.lastPrune) > limiterIdleTTL {
		rl.prune(now)
	}

	return b.limiter.Allow()
}

// prune drops buckets idle past the TTL. Caller holds the lock.
func (rl *RateLimiter) prune(now time.Time) {
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(rl.buckets, key)
		}
	}
	rl.lastPrune = now
}
