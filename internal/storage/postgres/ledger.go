package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
)

const foreignKeyViolation = "23503"

const (
	openAccountSQL = `
INSERT INTO credit_accounts (owner_token, remaining) VALUES ($1, $2)
ON CONFLICT (owner_token) DO UPDATE SET owner_token = EXCLUDED.owner_token
RETURNING remaining`

	debitSQL = `
UPDATE credit_accounts SET remaining = remaining - $2, updated_at = now()
WHERE owner_token = $1 AND remaining >= $2
RETURNING remaining`

	refundSQL = `
UPDATE credit_accounts SET remaining = remaining + $2, updated_at = now()
WHERE owner_token = $1
RETURNING remaining`

	// The UPDATE only runs when the refund row was new.
	refundOnceSQL = `
WITH ins AS (
    INSERT INTO credit_refunds (refund_key, owner_token, amount) VALUES ($2, $1, $3)
    ON CONFLICT (refund_key) DO NOTHING
    RETURNING owner_token
)
UPDATE credit_accounts SET remaining = remaining + $3, updated_at = now()
WHERE owner_token = $1 AND EXISTS (SELECT 1 FROM ins)
RETURNING remaining`

	balanceSQL = `SELECT remaining FROM credit_accounts WHERE owner_token = $1`
)

// Ledger keeps credit balances in the credit_accounts table.
type Ledger struct {
	pool pool
}

// NewLedger constructs a Ledger from an existing pool.
func NewLedger(p pool) (*Ledger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Ledger{pool: p}, nil
}

// Open inserts the account if absent and returns the stored balance.
func (l *Ledger) Open(ctx context.Context, ownerToken string, initial int64) (int64, error) {
	if initial < 0 {
		return 0, fmt.Errorf("initial balance must be >= 0, got %d", initial)
	}
	var remaining int64
	if err := l.pool.QueryRow(ctx, openAccountSQL, ownerToken, initial).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("open account: %w", err)
	}
	return remaining, nil
}

// TryDebit decrements the balance with a guarded UPDATE.
func (l *Ledger) TryDebit(ctx context.Context, ownerToken string, amount int64) (bool, int64, error) {
	if amount < 0 {
		return false, 0, fmt.Errorf("debit amount must be >= 0, got %d", amount)
	}
	var remaining int64
	err := l.pool.QueryRow(ctx, debitSQL, ownerToken, amount).Scan(&remaining)
	if err == nil {
		return true, remaining, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, 0, fmt.Errorf("debit credits: %w", err)
	}
	bal, err := l.Balance(ctx, ownerToken)
	if err != nil {
		return false, 0, err
	}
	return false, bal, nil
}

// Refund increments an existing balance.
func (l *Ledger) Refund(ctx context.Context, ownerToken string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("refund amount must be >= 0, got %d", amount)
	}
	var remaining int64
	err := l.pool.QueryRow(ctx, refundSQL, ownerToken, amount).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, campaign.ErrUnknownOwner
	}
	if err != nil {
		return 0, fmt.Errorf("refund credits: %w", err)
	}
	return remaining, nil
}

// RefundOnce records key in credit_refunds and credits the account in the
// same statement. A reused key leaves the balance untouched.
func (l *Ledger) RefundOnce(ctx context.Context, ownerToken, key string, amount int64) (int64, bool, error) {
	if amount < 0 {
		return 0, false, fmt.Errorf("refund amount must be >= 0, got %d", amount)
	}
	if key == "" {
		return 0, false, fmt.Errorf("refund key is required")
	}
	var remaining int64
	err := l.pool.QueryRow(ctx, refundOnceSQL, ownerToken, key, amount).Scan(&remaining)
	if err == nil {
		return remaining, true, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return 0, false, campaign.ErrUnknownOwner
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("refund credits once: %w", err)
	}
	bal, err := l.Balance(ctx, ownerToken)
	if err != nil {
		return 0, false, err
	}
	return bal, false, nil
}

// Balance reads the current balance.
func (l *Ledger) Balance(ctx context.Context, ownerToken string) (int64, error) {
	var remaining int64
	err := l.pool.QueryRow(ctx, balanceSQL, ownerToken).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, campaign.ErrUnknownOwner
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return remaining, nil
}
