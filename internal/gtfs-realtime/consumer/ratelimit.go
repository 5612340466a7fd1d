package consumer

import (
	"sync"
	"time"
)

// rateLimiter is a token bucket holding up to one minute of requests,
// refilled continuously as time passes.
type rateLimiter struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
}

// newRateLimiter returns nil, meaning unlimited, for a non-positive budget.
func newRateLimiter(requestsPerMin int, now time.Time) *rateLimiter {
	if requestsPerMin <= 0 {
		return nil
	}
	return &rateLimiter{
		capacity:     float64(requestsPerMin),
		tokens:       float64(requestsPerMin),
		refillPerSec: float64(requestsPerMin) / 60,
		last:         now,
	}
}

func (r *rateLimiter) allow(now time.Time) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if elapsed := now.Sub(r.last).Seconds(); elapsed > 0 {
		r.tokens += elapsed * r.refillPerSec
		if r.tokens > r.capacity {
			r.tokens = r.capacity
		}
		r.last = now
	}
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}
