package indexing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
	"github.com/JakeFAU/campaign-indexer/internal/metrics"
)

func TestDryRunAcceptsEveryURL(t *testing.T) {
	t.Parallel()
	metrics.Init()

	n := NewDryRun(zap.NewNop())
	require.NoError(t, n.Notify(context.Background(), "https://a.example"))
	require.NoError(t, n.Notify(context.Background(), "https://b.example"))
}

func TestDryRunCanceledContextIsTransient(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewDryRun(nil).Notify(ctx, "https://a.example")
	require.ErrorIs(t, err, campaign.ErrTransient)
	require.True(t, errors.Is(err, context.Canceled))
}
