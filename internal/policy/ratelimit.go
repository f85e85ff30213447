package policy

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter holds a token bucket per (actor, action), the granularity
// §4.6 rule 3 specifies.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	ratePerS float64
	burst    int
}

func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		buckets:  make(map[string]*rate.Limiter),
		ratePerS: ratePerSecond,
		burst:    burst,
	}
}

func bucketKey(actor ActorKind, action Action) string {
	return fmt.Sprintf("%s:%s", actor, action)
}

// Allow consumes one token from the (actor, action) bucket, creating it
// lazily on first use.
func (rl *RateLimiter) Allow(actor ActorKind, action Action) bool {
	return rl.bucket(actor, action).Allow()
}

// RetryAfter reports how long the caller should wait before the bucket
// next admits a token, for the Deny hint (§4.6 rule 3: "retry-after=...").
func (rl *RateLimiter) RetryAfter(actor ActorKind, action Action) time.Duration {
	r := rl.bucket(actor, action).Reserve()
	defer r.Cancel()
	return r.Delay()
}

func (rl *RateLimiter) bucket(actor ActorKind, action Action) *rate.Limiter {
	key := bucketKey(actor, action)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rl.ratePerS), rl.burst)
		rl.buckets[key] = lim
	}
	return lim
}
