package vision

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token bucket limiter shared by all workers so the
// process as a whole stays under the vision API quota
type RateLimiter struct {
	mu sync.Mutex

	tokens         float64
	maxTokens      float64
	refillRate     float64 // tokens per second
	lastRefillTime time.Time
}

// NewRateLimiter creates a limiter allowing perMinute requests per minute
// with bursts up to the full minute's allowance
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &RateLimiter{
		tokens:         float64(perMinute),
		maxTokens:      float64(perMinute),
		refillRate:     float64(perMinute) / 60.0,
		lastRefillTime: time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refillTokens()

		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}

		// Time until the next token refills
		needed := 1 - r.tokens
		waitTime := time.Duration(needed / r.refillRate * float64(time.Second))
		r.mu.Unlock()

		if waitTime < 50*time.Millisecond {
			waitTime = 50 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// refillTokens adds tokens based on elapsed time. Caller must hold the lock.
func (r *RateLimiter) refillTokens() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefillTime).Seconds()
	r.lastRefillTime = now

	r.tokens += elapsed * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
}
