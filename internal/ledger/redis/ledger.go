// Package redis provides a credit ledger shared across processes via Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
)

const (
	defaultKeyPrefix = "credits:"
	// Refund markers outlive any plausible redelivery window.
	refundMarkerTTL = 30 * 24 * time.Hour
)

// Script results use -1 for a missing account.
var (
	debitScript = redis.NewScript(`
		local balance = redis.call('GET', KEYS[1])
		if not balance then
			return {-1, 0}
		end
		balance = tonumber(balance)
		local amount = tonumber(ARGV[1])
		if balance < amount then
			return {0, balance}
		end
		return {1, redis.call('DECRBY', KEYS[1], amount)}
	`)

	refundScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return -1
		end
		return redis.call('INCRBY', KEYS[1], ARGV[1])
	`)

	// KEYS[1] balance, KEYS[2] refund marker. Returns {applied, balance}.
	refundOnceScript = redis.NewScript(`
		local balance = redis.call('GET', KEYS[1])
		if not balance then
			return {-1, 0}
		end
		if not redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[2]) then
			return {0, tonumber(balance)}
		end
		return {1, redis.call('INCRBY', KEYS[1], ARGV[1])}
	`)
)

// Ledger stores one integer key per owner token.
type Ledger struct {
	client redis.Cmdable
	prefix string
}

// New constructs a Ledger. An empty prefix defaults to "credits:".
func New(client redis.Cmdable, prefix string) (*Ledger, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Ledger{client: client, prefix: prefix}, nil
}

func (l *Ledger) key(ownerToken string) string {
	return l.prefix + ownerToken
}

// Open sets the initial balance only when the account is absent.
func (l *Ledger) Open(ctx context.Context, ownerToken string, initial int64) (int64, error) {
	if initial < 0 {
		return 0, fmt.Errorf("initial balance must be >= 0, got %d", initial)
	}
	key := l.key(ownerToken)
	if err := l.client.SetNX(ctx, key, initial, 0).Err(); err != nil {
		return 0, fmt.Errorf("open account: %w", err)
	}
	return l.Balance(ctx, ownerToken)
}

// TryDebit atomically checks and decrements the balance.
func (l *Ledger) TryDebit(ctx context.Context, ownerToken string, amount int64) (bool, int64, error) {
	if amount < 0 {
		return false, 0, fmt.Errorf("debit amount must be >= 0, got %d", amount)
	}
	result, err := debitScript.Run(ctx, l.client, []string{l.key(ownerToken)}, amount).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("debit script: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("debit script: unexpected reply %v", result)
	}
	switch result[0] {
	case -1:
		return false, 0, campaign.ErrUnknownOwner
	case 0:
		return false, result[1], nil
	default:
		return true, result[1], nil
	}
}

// Refund increments an existing balance.
func (l *Ledger) Refund(ctx context.Context, ownerToken string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("refund amount must be >= 0, got %d", amount)
	}
	bal, err := refundScript.Run(ctx, l.client, []string{l.key(ownerToken)}, amount).Int64()
	if err != nil {
		return 0, fmt.Errorf("refund script: %w", err)
	}
	if bal < 0 {
		return 0, campaign.ErrUnknownOwner
	}
	return bal, nil
}

func (l *Ledger) refundKey(key string) string {
	return l.prefix + "refunded:" + key
}

// RefundOnce credits amount and sets a marker for key in one script run.
func (l *Ledger) RefundOnce(ctx context.Context, ownerToken, key string, amount int64) (int64, bool, error) {
	if amount < 0 {
		return 0, false, fmt.Errorf("refund amount must be >= 0, got %d", amount)
	}
	if key == "" {
		return 0, false, errors.New("refund key is required")
	}
	keys := []string{l.key(ownerToken), l.refundKey(key)}
	result, err := refundOnceScript.Run(ctx, l.client, keys, amount, refundMarkerTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("refund once script: %w", err)
	}
	if len(result) != 2 {
		return 0, false, fmt.Errorf("refund once script: unexpected reply %v", result)
	}
	switch result[0] {
	case -1:
		return 0, false, campaign.ErrUnknownOwner
	case 0:
		return result[1], false, nil
	default:
		return result[1], true, nil
	}
}

// Balance reads the current balance.
func (l *Ledger) Balance(ctx context.Context, ownerToken string) (int64, error) {
	bal, err := l.client.Get(ctx, l.key(ownerToken)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, campaign.ErrUnknownOwner
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return bal, nil
}
