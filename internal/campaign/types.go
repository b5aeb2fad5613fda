// Package campaign defines core types shared across the indexing pipeline.
package campaign

import (
	"fmt"
	"time"
)

// URLStatus is the per-URL lifecycle state. It only moves forward out of pending.
type URLStatus string

// Per-URL status values persisted in the campaign store.
const (
	URLPending   URLStatus = "pending"
	URLSubmitted URLStatus = "submitted"
	URLFailed    URLStatus = "failed"
)

// Status is the aggregate state of a campaign.
type Status string

// Campaign status values derived from per-URL outcomes.
const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Campaign is one client submission of URLs plus its aggregate progress.
type Campaign struct {
	ID            string      `json:"id"`
	OwnerToken    string      `json:"-"`
	Name          string      `json:"name"`
	SubmissionKey string      `json:"-"`
	URLs          []string    `json:"urls,omitempty"`
	URLStatuses   []URLStatus `json:"url_statuses,omitempty"`
	TotalURLs     int         `json:"total_urls"`
	IndexedCount  int         `json:"indexed_count"`
	FailedCount   int         `json:"failed_count"`
	Status        Status      `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Summary is the read model returned to clients polling progress.
type Summary struct {
	ID           string    `json:"campaignId"`
	Name         string    `json:"name"`
	TotalURLs    int       `json:"totalUrls"`
	IndexedCount int       `json:"indexedCount"`
	FailedCount  int       `json:"failedCount"`
	PendingCount int       `json:"pendingCount"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Summary projects the campaign into its client-facing read model.
// Status is re-derived from the counters rather than trusted from storage.
func (c Campaign) Summary() Summary {
	return Summary{
		ID:           c.ID,
		Name:         c.Name,
		TotalURLs:    c.TotalURLs,
		IndexedCount: c.IndexedCount,
		FailedCount:  c.FailedCount,
		PendingCount: c.TotalURLs - c.IndexedCount - c.FailedCount,
		Status:       DeriveStatus(c.TotalURLs, c.IndexedCount, c.FailedCount),
		CreatedAt:    c.CreatedAt,
	}
}

// PendingIndexes lists URL positions still waiting on an outcome.
func (c Campaign) PendingIndexes() []int {
	var out []int
	for i, st := range c.URLStatuses {
		if st == URLPending {
			out = append(out, i)
		}
	}
	return out
}

// Job is a single unit of indexing work for one URL of a campaign.
type Job struct {
	CampaignID string    `json:"campaign_id"`
	URLIndex   int       `json:"url_index"`
	URL        string    `json:"url"`
	OwnerToken string    `json:"owner_token"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Trace carries the W3C trace context of the submission.
	Trace map[string]string `json:"trace,omitempty"`
}

// Key identifies the job in the queue. Retries of the same URL share a key.
func (j Job) Key() string {
	return JobKey(j.CampaignID, j.URLIndex)
}

// JobKey builds the queue identity for a campaign URL.
func JobKey(campaignID string, urlIndex int) string {
	return fmt.Sprintf("%s:%d", campaignID, urlIndex)
}

// RefundKey names the single refund a failed campaign URL may earn.
func RefundKey(campaignID string, urlIndex int) string {
	return "refund:" + JobKey(campaignID, urlIndex)
}

// Cursor marks a position in the (CreatedAt, ID) ordering of campaigns.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After reports whether c sorts strictly after the cursor.
func (cur Cursor) After(c Campaign) bool {
	if !c.CreatedAt.Equal(cur.CreatedAt) {
		return c.CreatedAt.After(cur.CreatedAt)
	}
	return c.ID > cur.ID
}

// Outcome is published once a URL reaches a terminal status.
type Outcome struct {
	CampaignID  string    `json:"campaign_id"`
	URLIndex    int       `json:"url_index"`
	URL         string    `json:"url"`
	Status      URLStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	Campaign    Status    `json:"campaign_status"`
	CompletedAt time.Time `json:"completed_at"`
}
