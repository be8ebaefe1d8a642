package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter provides thread-safe rate limiting with dynamically adjustable limits.
// Workers use it to bound how fast they take items off a queue.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex // Protects concurrent access to the limiter
}

// NewRateLimiter creates a RateLimiter with the specified events per second (rps)
// and burst size. A non-positive rps disables limiting; a burst below one is
// raised to one so that a finite limit can still make progress.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(toLimit(rps), normalizeBurst(burst)),
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func normalizeBurst(burst int) int {
	if burst < 1 {
		return 1
	}
	return burst
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits dynamically adjusts the rate limiter's requests per second and burst size.
// This allows adapting to changing conditions like server load or API quotas at runtime.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(toLimit(rps))
	rl.limiter.SetBurst(normalizeBurst(burst))
}

// Limit returns the current events-per-second limit; rate.Inf when unlimited.
func (rl *RateLimiter) Limit() rate.Limit {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Limit()
}
