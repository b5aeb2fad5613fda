package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
)

const uniqueViolation = "23505"

const campaignColumns = `id, owner_token, name, COALESCE(submission_key, ''), total_urls,
	indexed_count, failed_count, status, created_at, updated_at`

const (
	insertCampaignSQL = `
INSERT INTO campaigns (
	id, owner_token, name, submission_key, total_urls,
	indexed_count, failed_count, status, created_at, updated_at
) VALUES ($1, $2, $3, NULLIF($4, ''), $5, 0, 0, $6, $7, $7)`

	insertURLsSQL = `
INSERT INTO campaign_urls (campaign_id, url_index, url, status)
SELECT $1, t.ord - 1, t.url, 'pending'
FROM unnest($2::text[]) WITH ORDINALITY AS t(url, ord)`

	selectCampaignSQL = `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	selectURLsSQL = `SELECT url, status FROM campaign_urls WHERE campaign_id = $1 ORDER BY url_index`

	selectBySubmissionKeySQL = `SELECT ` + campaignColumns + `
FROM campaigns WHERE owner_token = $1 AND submission_key = $2`

	listByOwnerSQL = `SELECT ` + campaignColumns + `
FROM campaigns WHERE owner_token = $1 ORDER BY created_at DESC, id DESC`

	listStalePendingSQL = `SELECT ` + campaignColumns + `
FROM campaigns WHERE status = 'in_progress' AND created_at < $1
AND (created_at, id) > ($2, $3)
ORDER BY created_at, id LIMIT $4`

	transitionURLSQL = `
UPDATE campaign_urls SET status = $3, updated_at = now()
WHERE campaign_id = $1 AND url_index = $2 AND status = 'pending'`

	// Right-hand side column references see the pre-update row, so the
	// status CASE evaluates against the incremented counters.
	bumpCountersSQL = `
UPDATE campaigns SET
	indexed_count = indexed_count + $2,
	failed_count = failed_count + $3,
	status = CASE
		WHEN indexed_count + $2 = total_urls THEN 'complete'
		WHEN indexed_count + $2 + failed_count + $3 < total_urls THEN 'in_progress'
		ELSE 'failed'
	END,
	updated_at = now()
WHERE id = $1
RETURNING ` + campaignColumns
)

// CampaignStore persists campaigns in the campaigns and campaign_urls tables.
type CampaignStore struct {
	pool pool
}

// NewCampaignStore constructs a store from an existing pool.
func NewCampaignStore(p pool) (*CampaignStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CampaignStore{pool: p}, nil
}

// Create inserts the campaign header and one pending row per URL in a transaction.
func (s *CampaignStore) Create(ctx context.Context, c campaign.Campaign) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create campaign: %w", err)
	}
	status := c.Status
	if status == "" {
		status = campaign.StatusInProgress
	}
	if _, err := tx.Exec(ctx, insertCampaignSQL,
		c.ID,
		c.OwnerToken,
		c.Name,
		c.SubmissionKey,
		len(c.URLs),
		string(status),
		c.CreatedAt,
	); err != nil {
		rollback(ctx, tx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return campaign.ErrDuplicateSubmission
		}
		return fmt.Errorf("insert campaign: %w", err)
	}
	if _, err := tx.Exec(ctx, insertURLsSQL, c.ID, c.URLs); err != nil {
		rollback(ctx, tx)
		return fmt.Errorf("insert campaign urls: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create campaign: %w", err)
	}
	return nil
}

// Get loads a campaign with its URLs and per-URL statuses.
func (s *CampaignStore) Get(ctx context.Context, id string) (campaign.Campaign, error) {
	c, err := scanCampaign(s.pool.QueryRow(ctx, selectCampaignSQL, id))
	if err != nil {
		return campaign.Campaign{}, err
	}
	rows, err := s.pool.Query(ctx, selectURLsSQL, id)
	if err != nil {
		return campaign.Campaign{}, fmt.Errorf("query campaign urls: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var url, status string
		if err := rows.Scan(&url, &status); err != nil {
			return campaign.Campaign{}, fmt.Errorf("scan campaign url: %w", err)
		}
		c.URLs = append(c.URLs, url)
		c.URLStatuses = append(c.URLStatuses, campaign.URLStatus(status))
	}
	if err := rows.Err(); err != nil {
		return campaign.Campaign{}, fmt.Errorf("iterate campaign urls: %w", err)
	}
	return c, nil
}

// FindBySubmissionKey returns the campaign header the owner created with key.
func (s *CampaignStore) FindBySubmissionKey(ctx context.Context, ownerToken, key string) (campaign.Campaign, error) {
	return scanCampaign(s.pool.QueryRow(ctx, selectBySubmissionKeySQL, ownerToken, key))
}

// ListByOwner returns campaign headers newest first.
func (s *CampaignStore) ListByOwner(ctx context.Context, ownerToken string) ([]campaign.Campaign, error) {
	return s.list(ctx, listByOwnerSQL, ownerToken)
}

// ListStalePending returns in-progress campaign headers created before the
// cutoff, keyset-paginated on (created_at, id).
func (s *CampaignStore) ListStalePending(
	ctx context.Context,
	createdBefore time.Time,
	after campaign.Cursor,
	limit int,
) ([]campaign.Campaign, error) {
	return s.list(ctx, listStalePendingSQL, createdBefore, after.CreatedAt, after.ID, limit)
}

// Transition flips a pending URL and bumps the campaign counters in one transaction.
func (s *CampaignStore) Transition(
	ctx context.Context,
	id string,
	urlIndex int,
	to campaign.URLStatus,
) (campaign.Campaign, bool, error) {
	var indexed, failed int
	switch to {
	case campaign.URLSubmitted:
		indexed = 1
	case campaign.URLFailed:
		failed = 1
	default:
		return campaign.Campaign{}, false, fmt.Errorf("transition target %q is not terminal", to)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return campaign.Campaign{}, false, fmt.Errorf("begin transition: %w", err)
	}
	tag, err := tx.Exec(ctx, transitionURLSQL, id, urlIndex, string(to))
	if err != nil {
		rollback(ctx, tx)
		return campaign.Campaign{}, false, fmt.Errorf("update campaign url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		rollback(ctx, tx)
		return campaign.Campaign{}, false, nil
	}
	c, err := scanCampaign(tx.QueryRow(ctx, bumpCountersSQL, id, indexed, failed))
	if err != nil {
		rollback(ctx, tx)
		return campaign.Campaign{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return campaign.Campaign{}, false, fmt.Errorf("commit transition: %w", err)
	}
	return c, true, nil
}

func (s *CampaignStore) list(ctx context.Context, query string, args ...any) ([]campaign.Campaign, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaigns: %w", err)
	}
	return out, nil
}

func scanCampaign(row scanner) (campaign.Campaign, error) {
	var (
		c      campaign.Campaign
		status string
	)
	err := row.Scan(
		&c.ID,
		&c.OwnerToken,
		&c.Name,
		&c.SubmissionKey,
		&c.TotalURLs,
		&c.IndexedCount,
		&c.FailedCount,
		&status,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	if err != nil {
		return campaign.Campaign{}, fmt.Errorf("scan campaign: %w", err)
	}
	c.Status = campaign.Status(status)
	return c, nil
}
