// Package ratelimit throttles calls to the indexing provider with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/campaign-indexer/internal/metrics"
)

// Limiter is a single bucket shared by every worker calling the provider.
type Limiter struct {
	limiter *rate.Limiter
}

// Config holds rate limiter configuration.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a new Limiter. A non-positive RPS disables throttling.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until a token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(d)
	}
	return nil
}
