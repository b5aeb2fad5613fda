// Package redis shares one provider rate limit across every process that
// points at the same Redis key.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
	"github.com/JakeFAU/campaign-indexer/internal/metrics"
)

const defaultKey = "indexing:ratelimit"

// GCRA over one key holding the theoretical arrival time in unix ms.
// Returns 0 when the call may proceed, otherwise the milliseconds to wait.
var reserveScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local interval = tonumber(ARGV[2])
	local tolerance = tonumber(ARGV[3])

	local tat = tonumber(redis.call('GET', KEYS[1]) or now)
	if tat < now then
		tat = now
	end
	local ahead = tat - now
	if ahead > tolerance then
		return ahead - tolerance
	end
	local next_tat = tat + interval
	redis.call('SET', KEYS[1], next_tat, 'PX', next_tat - now + 1000)
	return 0
`)

// Config holds the shared bucket settings.
type Config struct {
	Key   string
	RPS   float64
	Burst int
}

// Limiter implements campaign.Limiter against a shared Redis key.
type Limiter struct {
	client    redis.Cmdable
	key       string
	interval  int64 // ms between calls
	tolerance int64 // ms of burst allowance
	clock     campaign.Clock
}

// New builds a Limiter. A non-positive RPS disables throttling.
func New(client redis.Cmdable, cfg Config, clock campaign.Clock) (*Limiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Key == "" {
		cfg.Key = defaultKey
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if clock == nil {
		clock = campaign.SystemClock{}
	}
	l := &Limiter{client: client, key: cfg.Key, clock: clock}
	if cfg.RPS > 0 {
		// Round the spacing up so the shared rate never exceeds RPS.
		l.interval = max(1, int64(math.Ceil(1000/cfg.RPS)))
		l.tolerance = int64(cfg.Burst-1) * l.interval
	}
	return l, nil
}

// Wait blocks until the shared bucket hands out a token.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.interval == 0 {
		return nil
	}
	start := time.Now()
	for {
		wait, err := l.reserve(ctx)
		if err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		if wait <= 0 {
			if d := time.Since(start); d > time.Millisecond {
				metrics.ObserveRateLimitDelay(d)
			}
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// reserve takes a token if one is available and otherwise reports how long
// to sleep before asking again.
func (l *Limiter) reserve(ctx context.Context) (time.Duration, error) {
	now := l.clock.Now().UnixMilli()
	ms, err := reserveScript.Run(ctx, l.client, []string{l.key}, now, l.interval, l.tolerance).Int64()
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
