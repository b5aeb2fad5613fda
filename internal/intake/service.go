// Package intake validates campaign submissions, charges credits and enqueues per-URL jobs.
package intake

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
	"github.com/JakeFAU/campaign-indexer/internal/metrics"
	"github.com/JakeFAU/campaign-indexer/internal/telemetry"
)

// DefaultMaxURLs bounds a single campaign.
const DefaultMaxURLs = 200

// DefaultName is used when a submission carries no campaign name.
const DefaultName = "Untitled campaign"

// Enqueuer hands a job to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, job campaign.Job) error
}

// Config controls intake limits and new-account credits.
type Config struct {
	InitialCredits int64
	MaxURLs        int
}

// Submission is one client request to index a batch of URLs.
type Submission struct {
	OwnerToken    string
	Name          string
	URLs          []string
	SubmissionKey string
}

// Result describes an accepted submission.
type Result struct {
	CampaignID       string
	OwnerToken       string
	RemainingCredits int64
	// Duplicate is true when the submission key matched an earlier campaign.
	Duplicate bool
	// Enqueued counts jobs handed to the queue; the rest wait for recovery.
	Enqueued int
}

// Service accepts campaigns.
type Service struct {
	store    campaign.Store
	ledger   campaign.Ledger
	enqueuer Enqueuer
	ids      campaign.IDGenerator
	clock    campaign.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Service.
func New(
	store campaign.Store,
	ledger campaign.Ledger,
	enqueuer Enqueuer,
	ids campaign.IDGenerator,
	clock campaign.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = DefaultMaxURLs
	}
	if clock == nil {
		clock = campaign.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		enqueuer: enqueuer,
		ids:      ids,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Submit validates the request, debits one credit per URL, persists the
// campaign and enqueues its jobs. Nothing is persisted when it returns
// ErrInvalidInput or ErrInsufficientCredits.
//
// Submission keys are scoped to the owner token, so a retry without a token
// opens a fresh account rather than matching the first attempt.
func (s *Service) Submit(ctx context.Context, sub Submission) (res Result, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "intake.Submit")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "submit rejected")
		} else {
			span.SetAttributes(
				attribute.String("campaign.id", res.CampaignID),
				attribute.Bool("campaign.duplicate", res.Duplicate),
			)
		}
		span.End()
	}()

	urls, err := s.normalizeURLs(sub.URLs)
	if err != nil {
		metrics.ObserveCampaign("rejected")
		return Result{}, err
	}
	name := strings.TrimSpace(sub.Name)
	if name == "" {
		name = DefaultName
	}
	key := strings.TrimSpace(sub.SubmissionKey)

	owner := strings.TrimSpace(sub.OwnerToken)
	if owner == "" {
		owner, err = s.openAccount(ctx)
		if err != nil {
			return Result{}, err
		}
	}

	if key != "" {
		existing, err := s.store.FindBySubmissionKey(ctx, owner, key)
		switch {
		case err == nil:
			return s.duplicate(ctx, owner, existing)
		case !errors.Is(err, campaign.ErrNotFound):
			return Result{}, fmt.Errorf("lookup submission key: %w", err)
		}
	}

	cost := int64(len(urls))
	ok, remaining, err := s.ledger.TryDebit(ctx, owner, cost)
	if err != nil {
		if errors.Is(err, campaign.ErrUnknownOwner) {
			metrics.ObserveCampaign("rejected")
			return Result{}, err
		}
		return Result{}, fmt.Errorf("debit credits: %w", err)
	}
	if !ok {
		metrics.ObserveCampaign("rejected")
		return Result{}, fmt.Errorf("%w: need %d, have %d", campaign.ErrInsufficientCredits, cost, remaining)
	}

	id, err := s.ids.NewID()
	if err != nil {
		s.refund(ctx, owner, cost)
		return Result{}, fmt.Errorf("generate campaign id: %w", err)
	}
	now := s.clock.Now()
	c := campaign.Campaign{
		ID:            id,
		OwnerToken:    owner,
		Name:          name,
		SubmissionKey: key,
		URLs:          urls,
		URLStatuses:   make([]campaign.URLStatus, len(urls)),
		TotalURLs:     len(urls),
		Status:        campaign.StatusInProgress,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i := range c.URLStatuses {
		c.URLStatuses[i] = campaign.URLPending
	}

	if err := s.store.Create(ctx, c); err != nil {
		s.refund(ctx, owner, cost)
		if errors.Is(err, campaign.ErrDuplicateSubmission) {
			existing, findErr := s.store.FindBySubmissionKey(ctx, owner, key)
			if findErr != nil {
				return Result{}, fmt.Errorf("lookup submission key: %w", findErr)
			}
			return s.duplicate(ctx, owner, existing)
		}
		return Result{}, fmt.Errorf("create campaign: %w", err)
	}
	metrics.ObserveDebit(cost)
	metrics.ObserveCampaign("accepted")

	logger := s.logger.With(zap.String("campaign_id", id), zap.Int("total_urls", len(urls)))
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.With(zap.String("trace_id", traceID))
	}
	trace := telemetry.Inject(ctx)
	enqueued := 0
	for i, u := range urls {
		job := campaign.Job{
			CampaignID: id,
			URLIndex:   i,
			URL:        u,
			OwnerToken: owner,
			EnqueuedAt: now,
			Trace:      trace,
		}
		if err := s.enqueuer.Enqueue(ctx, job); err != nil {
			logger.Warn("enqueue failed, leaving url for recovery", zap.Int("url_index", i), zap.Error(err))
			continue
		}
		enqueued++
	}
	logger.Info("campaign accepted", zap.Int("enqueued", enqueued), zap.Int64("remaining_credits", remaining))

	return Result{
		CampaignID:       id,
		OwnerToken:       owner,
		RemainingCredits: remaining,
		Enqueued:         enqueued,
	}, nil
}

func (s *Service) normalizeURLs(raw []string) ([]string, error) {
	// Blank entries are dropped, but they still count against the limit.
	if len(raw) > s.cfg.MaxURLs {
		return nil, fmt.Errorf("%w: at most %d urls per campaign, got %d", campaign.ErrInvalidInput, s.cfg.MaxURLs, len(raw))
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		u, err := url.Parse(r)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: %q is not an absolute http(s) url", campaign.ErrInvalidInput, r)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one url is required", campaign.ErrInvalidInput)
	}
	return out, nil
}

func (s *Service) openAccount(ctx context.Context) (string, error) {
	token, err := s.ids.NewToken()
	if err != nil {
		return "", fmt.Errorf("generate owner token: %w", err)
	}
	if _, err := s.ledger.Open(ctx, token, s.cfg.InitialCredits); err != nil {
		return "", fmt.Errorf("open credit account: %w", err)
	}
	s.logger.Info("issued owner token", zap.Int64("initial_credits", s.cfg.InitialCredits))
	return token, nil
}

func (s *Service) duplicate(ctx context.Context, owner string, existing campaign.Campaign) (Result, error) {
	remaining, err := s.ledger.Balance(ctx, owner)
	if err != nil {
		return Result{}, fmt.Errorf("read balance: %w", err)
	}
	metrics.ObserveCampaign("duplicate")
	return Result{
		CampaignID:       existing.ID,
		OwnerToken:       owner,
		RemainingCredits: remaining,
		Duplicate:        true,
	}, nil
}

func (s *Service) refund(ctx context.Context, owner string, amount int64) {
	if _, err := s.ledger.Refund(context.WithoutCancel(ctx), owner, amount); err != nil {
		s.logger.Error("refund after failed intake", zap.Int64("amount", amount), zap.Error(err))
	}
}
