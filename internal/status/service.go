// Package status answers credit and campaign progress queries.
package status

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
)

// Service reads balances and campaign summaries.
type Service struct {
	store  campaign.Store
	ledger campaign.Ledger
}

// New constructs a Service.
func New(store campaign.Store, ledger campaign.Ledger) *Service {
	return &Service{store: store, ledger: ledger}
}

// GetCredits returns the owner's remaining balance.
func (s *Service) GetCredits(ctx context.Context, ownerToken string) (int64, error) {
	ownerToken = strings.TrimSpace(ownerToken)
	if ownerToken == "" {
		return 0, fmt.Errorf("%w: owner token is required", campaign.ErrInvalidInput)
	}
	return s.ledger.Balance(ctx, ownerToken)
}

// ListCampaigns returns the owner's campaign summaries, newest first.
func (s *Service) ListCampaigns(ctx context.Context, ownerToken string) ([]campaign.Summary, error) {
	ownerToken = strings.TrimSpace(ownerToken)
	if ownerToken == "" {
		return nil, fmt.Errorf("%w: owner token is required", campaign.ErrInvalidInput)
	}
	list, err := s.store.ListByOwner(ctx, ownerToken)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	out := make([]campaign.Summary, 0, len(list))
	for _, c := range list {
		out = append(out, c.Summary())
	}
	return out, nil
}
