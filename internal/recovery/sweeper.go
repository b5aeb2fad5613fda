// Package recovery re-enqueues pending URLs whose jobs were lost.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
	"github.com/JakeFAU/campaign-indexer/internal/metrics"
)

// Config controls the sweep cadence.
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// Sweeper finds in-progress campaigns older than StaleAfter and enqueues a
// fresh job for every pending URL that has nothing queued or in flight.
type Sweeper struct {
	store  campaign.Store
	queue  campaign.Queue
	clock  campaign.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Sweeper.
func New(store campaign.Store, queue campaign.Queue, clock campaign.Clock, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if clock == nil {
		clock = campaign.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, queue: queue, clock: clock, cfg: cfg, logger: logger}
}

// Run sweeps on every tick until the context finishes.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("recovery sweep failed", zap.Error(err))
			}
			if n > 0 {
				s.logger.Info("recovered orphaned jobs", zap.Int("count", n))
			}
		}
	}
}

// Sweep runs one pass over every stale campaign, BatchSize at a time, and
// returns how many jobs it enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)
	recovered := 0
	defer func() { metrics.ObserveRecovered(recovered) }()

	var cursor campaign.Cursor
	for {
		stale, err := s.store.ListStalePending(ctx, cutoff, cursor, s.cfg.BatchSize)
		if err != nil {
			return recovered, fmt.Errorf("list stale campaigns: %w", err)
		}
		for _, header := range stale {
			n, err := s.recoverCampaign(ctx, header.ID)
			recovered += n
			if err != nil {
				return recovered, err
			}
		}
		if len(stale) < s.cfg.BatchSize {
			return recovered, nil
		}
		last := stale[len(stale)-1]
		cursor = campaign.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
	}
}

func (s *Sweeper) recoverCampaign(ctx context.Context, id string) (int, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("load campaign %s: %w", id, err)
	}
	n := 0
	for _, idx := range c.PendingIndexes() {
		key := campaign.JobKey(c.ID, idx)
		queued, err := s.queue.Contains(ctx, key)
		if err != nil {
			return n, fmt.Errorf("check job %s: %w", key, err)
		}
		if queued {
			continue
		}
		job := campaign.Job{
			CampaignID: c.ID,
			URLIndex:   idx,
			URL:        c.URLs[idx],
			OwnerToken: c.OwnerToken,
			EnqueuedAt: s.clock.Now(),
		}
		if err := s.queue.Enqueue(ctx, job, 0); err != nil {
			return n, fmt.Errorf("enqueue job %s: %w", key, err)
		}
		s.logger.Debug("re-enqueued pending url", zap.String("campaign_id", c.ID), zap.Int("url_index", idx))
		n++
	}
	return n, nil
}
