// Package worker executes indexing jobs pulled from the queue.
package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
	"github.com/JakeFAU/campaign-indexer/internal/metrics"
	"github.com/JakeFAU/campaign-indexer/internal/telemetry"
)

// Config controls Worker behavior.
type Config struct {
	// MaxAttempts is the total number of provider calls made for one URL.
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RequestTimeout time.Duration
	// Topic receives an Outcome for every URL that reaches a terminal status.
	// Empty disables publishing.
	Topic          string
	RefundAttempts int
	RefundBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RefundAttempts <= 0 {
		c.RefundAttempts = 3
	}
	if c.RefundBackoff <= 0 {
		c.RefundBackoff = 100 * time.Millisecond
	}
	return c
}

// Worker consumes queue items and records their outcome.
type Worker struct {
	queue     campaign.Queue
	store     campaign.Store
	ledger    campaign.Ledger
	notifier  campaign.Notifier
	limiter   campaign.Limiter
	publisher campaign.Publisher
	clock     campaign.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. limiter and publisher may be nil.
func New(
	queue campaign.Queue,
	store campaign.Store,
	ledger campaign.Ledger,
	notifier campaign.Notifier,
	limiter campaign.Limiter,
	publisher campaign.Publisher,
	clock campaign.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if clock == nil {
		clock = campaign.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		store:     store,
		ledger:    ledger,
		notifier:  notifier,
		limiter:   limiter,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, campaign.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.BackoffBase):
			}
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job campaign.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := telemetry.Tracer().Start(telemetry.Extract(ctx, job.Trace), "worker.process",
		trace.WithAttributes(
			attribute.String("campaign.id", job.CampaignID),
			attribute.Int("campaign.url_index", job.URLIndex),
			attribute.Int("job.attempt", job.Attempt),
		),
	)
	defer span.End()

	logger := w.logger.With(
		zap.String("campaign_id", job.CampaignID),
		zap.Int("url_index", job.URLIndex),
		zap.Int("attempt", job.Attempt),
	)
	if id := telemetry.TraceID(ctx); id != "" {
		logger = logger.With(zap.String("trace_id", id))
	}
	logger.Debug("dequeued job")

	c, err := w.store.Get(ctx, job.CampaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		logger.Warn("campaign not found, dropping job")
		w.ack(ctx, job, logger)
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("load campaign failed", zap.Error(err))
			span.SetStatus(codes.Error, "load campaign")
		}
		return
	}
	if job.URLIndex < 0 || job.URLIndex >= len(c.URLStatuses) {
		logger.Warn("url index out of range, dropping job", zap.Int("total_urls", len(c.URLStatuses)))
		w.ack(ctx, job, logger)
		return
	}
	if job.OwnerToken == "" {
		job.OwnerToken = c.OwnerToken
	}
	switch c.URLStatuses[job.URLIndex] {
	case campaign.URLFailed:
		// A previous delivery recorded the failure but may have stopped short of the refund.
		w.settleFailed(context.WithoutCancel(ctx), job, logger)
		return
	case campaign.URLSubmitted:
		logger.Debug("url already resolved", zap.String("status", string(campaign.URLSubmitted)))
		metrics.ObserveJob("duplicate")
		w.ack(ctx, job, logger)
		return
	}
	url := c.URLs[job.URLIndex]

	// Quota waits stay outside the per-call timeout and never cost an attempt.
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				logger.Info("shutdown during quota wait, leaving job for redelivery")
				return
			}
			logger.Warn("quota wait failed, requeueing without using an attempt", zap.Error(err))
			w.reschedule(ctx, job, w.cfg.BackoffBase, logger)
			return
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	err = w.notifier.Notify(reqCtx, url)
	cancel()
	if ctx.Err() != nil {
		logger.Info("shutdown during notify, leaving job for redelivery")
		return
	}
	if err != nil {
		span.RecordError(err)
	}

	switch {
	case err == nil:
		logger.Info("url submitted", zap.String("url", url))
		w.finish(ctx, job, url, campaign.URLSubmitted, nil, logger)
	case errors.Is(err, campaign.ErrPermanent):
		logger.Warn("url rejected", zap.String("url", url), zap.Error(err))
		span.SetStatus(codes.Error, "rejected")
		w.finish(ctx, job, url, campaign.URLFailed, err, logger)
	case job.Attempt+1 < w.cfg.MaxAttempts:
		w.retry(ctx, job, err, logger)
	default:
		logger.Warn("attempts exhausted", zap.String("url", url), zap.Error(err))
		span.SetStatus(codes.Error, "attempts exhausted")
		w.finish(ctx, job, url, campaign.URLFailed, err, logger)
	}
}

// retry replaces the in-flight job with the next attempt. The old lease is
// dropped by Enqueue, so the job must not be acked afterwards.
func (w *Worker) retry(ctx context.Context, job campaign.Job, cause error, logger *zap.Logger) {
	delay := Backoff(job.Attempt, w.cfg.BackoffBase, w.cfg.BackoffMax)
	next := job
	next.Attempt++
	if !w.reschedule(ctx, next, delay, logger) {
		return
	}
	metrics.ObserveRetry()
	logger.Info("transient failure, retry scheduled",
		zap.Duration("delay", delay),
		zap.Int("next_attempt", next.Attempt),
		zap.Error(cause),
	)
}

func (w *Worker) reschedule(ctx context.Context, job campaign.Job, delay time.Duration, logger *zap.Logger) bool {
	job.EnqueuedAt = w.clock.Now()
	if err := w.queue.Enqueue(ctx, job, delay); err != nil {
		logger.Error("requeue failed", zap.Error(err))
		return false
	}
	return true
}

func (w *Worker) finish(
	ctx context.Context,
	job campaign.Job,
	url string,
	to campaign.URLStatus,
	cause error,
	logger *zap.Logger,
) {
	// The provider call already happened; record it even if shutdown begins now.
	persistCtx := context.WithoutCancel(ctx)

	updated, applied, err := w.store.Transition(persistCtx, job.CampaignID, job.URLIndex, to)
	if err != nil {
		logger.Error("record outcome failed", zap.String("status", string(to)), zap.Error(err))
		return
	}
	if !applied {
		// Another delivery resolved the URL first and shares this job's lease.
		current, err := w.store.Get(persistCtx, job.CampaignID)
		if err != nil {
			logger.Error("reload campaign failed", zap.Error(err))
			return
		}
		if current.URLStatuses[job.URLIndex] == campaign.URLFailed {
			w.settleFailed(persistCtx, job, logger)
			return
		}
		metrics.ObserveJob("duplicate")
		w.ack(persistCtx, job, logger)
		return
	}
	metrics.ObserveJob(string(to))
	w.publish(persistCtx, job, url, to, updated.Status, cause, logger)
	if to == campaign.URLFailed && !w.refund(persistCtx, job, logger) {
		return
	}
	w.ack(persistCtx, job, logger)
}

// settleFailed makes sure a failed URL's refund is on the ledger and then
// drops the job.
func (w *Worker) settleFailed(ctx context.Context, job campaign.Job, logger *zap.Logger) {
	metrics.ObserveJob("duplicate")
	if !w.refund(ctx, job, logger) {
		return
	}
	w.ack(ctx, job, logger)
}

// refund credits the URL back once. It returns false when the job must stay
// unacked so a redelivery can try again.
func (w *Worker) refund(ctx context.Context, job campaign.Job, logger *zap.Logger) bool {
	key := campaign.RefundKey(job.CampaignID, job.URLIndex)
	var err error
	for i := 0; i < w.cfg.RefundAttempts; i++ {
		if i > 0 {
			timer := time.NewTimer(Backoff(i-1, w.cfg.RefundBackoff, time.Second))
			<-timer.C
		}
		var (
			remaining int64
			applied   bool
		)
		remaining, applied, err = w.ledger.RefundOnce(ctx, job.OwnerToken, key, 1)
		if err == nil {
			if applied {
				metrics.ObserveRefund(1)
				logger.Debug("credit refunded", zap.Int64("remaining_credits", remaining))
			} else {
				logger.Debug("credit already refunded", zap.String("refund_key", key))
			}
			return true
		}
		if errors.Is(err, campaign.ErrUnknownOwner) {
			logger.Error("refund skipped, owner has no account", zap.Error(err))
			return true
		}
	}
	logger.Error("refund failed, leaving job for redelivery", zap.Int("attempts", w.cfg.RefundAttempts), zap.Error(err))
	return false
}

func (w *Worker) publish(
	ctx context.Context,
	job campaign.Job,
	url string,
	status campaign.URLStatus,
	campaignStatus campaign.Status,
	cause error,
	logger *zap.Logger,
) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	outcome := campaign.Outcome{
		CampaignID:  job.CampaignID,
		URLIndex:    job.URLIndex,
		URL:         url,
		Status:      status,
		Attempts:    job.Attempt + 1,
		Campaign:    campaignStatus,
		CompletedAt: w.clock.Now(),
	}
	if cause != nil {
		outcome.Error = cause.Error()
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, outcome); err != nil {
		logger.Warn("publish outcome failed", zap.Error(err))
	}
}

func (w *Worker) ack(ctx context.Context, job campaign.Job, logger *zap.Logger) {
	if err := w.queue.Ack(ctx, job); err != nil {
		logger.Error("ack failed", zap.Error(err))
	}
}
