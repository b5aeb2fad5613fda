package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campaign-indexer/internal/metrics"
)

func TestLimiterWaitSpacesCalls(t *testing.T) {
	metrics.Init()
	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterUnlimitedWhenRPSZero(t *testing.T) {
	metrics.Init()
	l := New(Config{})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterWaitCanceled(t *testing.T) {
	metrics.Init()
	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit wait")
}
