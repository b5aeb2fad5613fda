// Package memory provides in-memory storage implementations for development/testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
)

// CampaignStore keeps campaigns in a mutex-guarded map.
type CampaignStore struct {
	mu        sync.RWMutex
	campaigns map[string]campaign.Campaign
	bySubKey  map[string]string
	now       func() time.Time
}

// NewCampaignStore constructs a CampaignStore.
func NewCampaignStore() *CampaignStore {
	return &CampaignStore{
		campaigns: make(map[string]campaign.Campaign),
		bySubKey:  make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func submissionIndex(ownerToken, key string) string {
	return ownerToken + "\x00" + key
}

// Create stores a new campaign.
func (s *CampaignStore) Create(_ context.Context, c campaign.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[c.ID]; exists {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	if c.SubmissionKey != "" {
		idx := submissionIndex(c.OwnerToken, c.SubmissionKey)
		if _, dup := s.bySubKey[idx]; dup {
			return campaign.ErrDuplicateSubmission
		}
		s.bySubKey[idx] = c.ID
	}
	stored := clone(c)
	stored.TotalURLs = len(stored.URLs)
	if len(stored.URLStatuses) != len(stored.URLs) {
		stored.URLStatuses = make([]campaign.URLStatus, len(stored.URLs))
		for i := range stored.URLStatuses {
			stored.URLStatuses[i] = campaign.URLPending
		}
	}
	if stored.Status == "" {
		stored.Status = campaign.StatusInProgress
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.campaigns[c.ID] = stored
	return nil
}

// Get fetches a campaign by ID.
func (s *CampaignStore) Get(_ context.Context, id string) (campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	return clone(c), nil
}

// FindBySubmissionKey returns the campaign an owner created with the key.
func (s *CampaignStore) FindBySubmissionKey(_ context.Context, ownerToken, key string) (campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySubKey[submissionIndex(ownerToken, key)]
	if !ok {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	return clone(s.campaigns[id]), nil
}

// ListByOwner returns the owner's campaigns newest first.
func (s *CampaignStore) ListByOwner(_ context.Context, ownerToken string) ([]campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []campaign.Campaign
	for _, c := range s.campaigns {
		if c.OwnerToken == ownerToken {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Transition applies a pending-to-terminal move under the store lock.
func (s *CampaignStore) Transition(
	_ context.Context,
	id string,
	urlIndex int,
	to campaign.URLStatus,
) (campaign.Campaign, bool, error) {
	if !to.Terminal() {
		return campaign.Campaign{}, false, fmt.Errorf("transition target %q is not terminal", to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, false, campaign.ErrNotFound
	}
	if urlIndex < 0 || urlIndex >= len(c.URLStatuses) {
		return campaign.Campaign{}, false, fmt.Errorf("url index %d out of range", urlIndex)
	}
	if !c.Apply(urlIndex, to) {
		return clone(c), false, nil
	}
	c.UpdatedAt = s.now()
	s.campaigns[id] = c
	return clone(c), true, nil
}

// ListStalePending returns in-progress campaigns created before the cutoff,
// oldest first, that sort after the cursor.
func (s *CampaignStore) ListStalePending(
	_ context.Context,
	createdBefore time.Time,
	after campaign.Cursor,
	limit int,
) ([]campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []campaign.Campaign
	for _, c := range s.campaigns {
		if c.Status == campaign.StatusInProgress && c.CreatedAt.Before(createdBefore) && after.After(c) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(c campaign.Campaign) campaign.Campaign {
	cp := c
	cp.URLs = append([]string(nil), c.URLs...)
	cp.URLStatuses = append([]campaign.URLStatus(nil), c.URLStatuses...)
	return cp
}
