// ratelimit.go implements client-side token-bucket pacing for venue REST APIs.
//
// Binance enforces a request-weight budget per minute plus a separate order
// count budget. The buckets here refill continuously (rather than in window
// bursts) and are tuned below the published caps, so normal operation never
// trips the server-side limiter; 429/418 handling in the client remains the
// backstop.
//
// Two buckets are maintained:
//   - Request: 1200 burst / 20 per sec (under the 2400 weight/min cap,
//     counting every call as one token; heavy endpoints stay rare)
//   - Order:   100 burst / 5 per sec (under the 300 orders/10s cap)
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

// RateLimiter groups token buckets by API budget. Every REST call waits on
// Request; order placement and cancellation additionally wait on Order.
type RateLimiter struct {
	Request *TokenBucket // all REST calls, one token each
	Order   *TokenBucket // POST/DELETE order endpoints
}

// NewRateLimiter creates rate limiters tuned under Binance's published
// futures limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Request: NewTokenBucket(1200, 20), // 2400 weight per minute
		Order:   NewTokenBucket(100, 5),   // 300 orders per 10s window
	}
}
