package campaign

import (
	"context"
	"time"
)

// Store persists campaigns and their per-URL outcomes.
type Store interface {
	// Create persists a new campaign with every URL pending. It returns
	// ErrDuplicateSubmission when the owner already used the submission key.
	Create(ctx context.Context, c Campaign) error
	Get(ctx context.Context, id string) (Campaign, error)
	FindBySubmissionKey(ctx context.Context, ownerToken, key string) (Campaign, error)
	// ListByOwner returns the owner's campaigns newest first. URLs are not loaded.
	ListByOwner(ctx context.Context, ownerToken string) ([]Campaign, error)
	// Transition moves a pending URL to a terminal status and updates the
	// counters atomically. applied is false when the URL was no longer pending.
	Transition(ctx context.Context, id string, urlIndex int, to URLStatus) (c Campaign, applied bool, err error)
	// ListStalePending returns in-progress campaigns created before the cutoff,
	// ordered by (CreatedAt, ID) and strictly after the cursor.
	ListStalePending(ctx context.Context, createdBefore time.Time, after Cursor, limit int) ([]Campaign, error)
}

// Ledger tracks per-owner credit balances.
type Ledger interface {
	// Open creates the account with the initial balance if it does not exist
	// and returns the current balance.
	Open(ctx context.Context, ownerToken string, initial int64) (int64, error)
	// TryDebit atomically subtracts amount when the balance covers it.
	TryDebit(ctx context.Context, ownerToken string, amount int64) (ok bool, remaining int64, err error)
	Refund(ctx context.Context, ownerToken string, amount int64) (int64, error)
	// RefundOnce credits amount at most once per key. applied is false when
	// the key was already used; remaining is the balance either way.
	RefundOnce(ctx context.Context, ownerToken, key string, amount int64) (remaining int64, applied bool, err error)
	Balance(ctx context.Context, ownerToken string) (int64, error)
}

// Queue provides delayed, at-least-once delivery of indexing jobs.
type Queue interface {
	// Enqueue makes the job available after delay. A job with the same key is
	// replaced, including one currently in flight.
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Dequeue blocks until a job is due. The job stays in flight until Ack or
	// until its visibility timeout lapses and it is redelivered.
	Dequeue(ctx context.Context) (Job, error)
	Ack(ctx context.Context, job Job) error
	// Contains reports whether a job with the key is queued or in flight.
	Contains(ctx context.Context, key string) (bool, error)
}

// Notifier submits a URL to the external indexing provider.
type Notifier interface {
	Notify(ctx context.Context, url string) error
}

// Limiter throttles provider calls across every worker sharing it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Publisher pushes outcome events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces campaign IDs and owner tokens.
type IDGenerator interface {
	NewID() (string, error)
	NewToken() (string, error)
}

// SystemClock implements Clock with UTC wall time.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
