// ratelimit.go provides token-bucket rate limiting for the CLOB API.
//
// The venue publishes per-category limits over 10-second windows. The buckets
// refill continuously instead of in 10s bursts so sustained traffic never
// trips the hard limit.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously-refilling rate limiter. Wait blocks until a
// token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait consumes one token, blocking until one is available.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups buckets by endpoint category. Every request waits on its
// category's bucket before hitting the wire.
type RateLimiter struct {
	Order *TokenBucket // POST /orders
	Book  *TokenBucket // GET /book, /midpoint
}

// NewRateLimiter creates buckets tuned to the venue's published limits:
// 3500 orders and 1500 book reads per 10-second window.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(350, 50),
		Book:  NewTokenBucket(150, 15),
	}
}
