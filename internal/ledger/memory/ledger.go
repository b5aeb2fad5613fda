// Package memory provides an in-process credit ledger for development/testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
)

// Ledger keeps balances in a mutex-guarded map.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]int64
	refunds  map[string]struct{}
}

// New constructs an empty Ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[string]int64), refunds: make(map[string]struct{})}
}

// Open creates the account when missing and returns its balance.
func (l *Ledger) Open(_ context.Context, ownerToken string, initial int64) (int64, error) {
	if initial < 0 {
		return 0, fmt.Errorf("initial balance must be >= 0, got %d", initial)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[ownerToken]; ok {
		return bal, nil
	}
	l.balances[ownerToken] = initial
	return initial, nil
}

// TryDebit subtracts amount only when the balance covers it.
func (l *Ledger) TryDebit(_ context.Context, ownerToken string, amount int64) (bool, int64, error) {
	if amount < 0 {
		return false, 0, fmt.Errorf("debit amount must be >= 0, got %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[ownerToken]
	if !ok {
		return false, 0, campaign.ErrUnknownOwner
	}
	if bal < amount {
		return false, bal, nil
	}
	bal -= amount
	l.balances[ownerToken] = bal
	return true, bal, nil
}

// Refund credits amount back to an existing account.
func (l *Ledger) Refund(_ context.Context, ownerToken string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("refund amount must be >= 0, got %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[ownerToken]
	if !ok {
		return 0, campaign.ErrUnknownOwner
	}
	bal += amount
	l.balances[ownerToken] = bal
	return bal, nil
}

// RefundOnce credits amount unless key was already refunded.
func (l *Ledger) RefundOnce(_ context.Context, ownerToken, key string, amount int64) (int64, bool, error) {
	if amount < 0 {
		return 0, false, fmt.Errorf("refund amount must be >= 0, got %d", amount)
	}
	if key == "" {
		return 0, false, fmt.Errorf("refund key is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[ownerToken]
	if !ok {
		return 0, false, campaign.ErrUnknownOwner
	}
	if _, done := l.refunds[key]; done {
		return bal, false, nil
	}
	l.refunds[key] = struct{}{}
	bal += amount
	l.balances[ownerToken] = bal
	return bal, true, nil
}

// Balance returns the current balance.
func (l *Ledger) Balance(_ context.Context, ownerToken string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[ownerToken]
	if !ok {
		return 0, campaign.ErrUnknownOwner
	}
	return bal, nil
}
