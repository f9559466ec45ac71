// ratelimit.go implements token-bucket rate limiting for the exchange REST API.
//
// The exchange enforces per-category request limits. This file provides a
// smooth token-bucket implementation that refills continuously (rather than
// in window-sized bursts) to avoid hitting hard limits.
//
// Three buckets are maintained:
//   - Order:  20 burst / 10 per sec — order placement
//   - Cancel: 20 burst / 10 per sec — cancellations
//   - Read:   40 burst / 20 per sec — orderbook, candles, market listings
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by API endpoint category. Each trading
// operation must call the appropriate bucket's Wait() before making the
// HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // POST /portfolio/orders
	Cancel *TokenBucket // DELETE /portfolio/orders/{id}
	Read   *TokenBucket // GET orderbook / candlesticks / incentive_programs
}

// NewRateLimiter creates rate limiters tuned to the exchange's published
// limits, with burst capacity set to twice the steady rate.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(20, 10),
		Cancel: NewTokenBucket(20, 10),
		Read:   NewTokenBucket(40, 20),
	}
}
