package indexing

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/campaign-indexer/internal/metrics"
)

// DryRun implements campaign.Notifier without calling the provider. Every
// URL is logged and reported as accepted.
type DryRun struct {
	logger *zap.Logger
}

// NewDryRun creates a DryRun notifier.
func NewDryRun(logger *zap.Logger) *DryRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRun{logger: logger}
}

// Notify logs the URL and reports success.
func (d *DryRun) Notify(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Message: "dry run canceled", Err: err}
	}
	d.logger.Info("dry run notification", zap.String("url", url))
	metrics.ObserveNotification(url, "dry_run")
	return nil
}
