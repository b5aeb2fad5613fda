package campaign

import "errors"

var (
	// ErrInvalidInput rejects a malformed submission before anything is persisted.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInsufficientCredits rejects a submission the owner cannot pay for.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrUnknownOwner is returned for an owner token with no ledger account.
	ErrUnknownOwner = errors.New("unknown owner token")
	// ErrNotFound is returned when a campaign does not exist.
	ErrNotFound = errors.New("campaign not found")
	// ErrDuplicateSubmission is returned when an owner reuses a submission key.
	ErrDuplicateSubmission = errors.New("duplicate submission")
	// ErrQueueClosed is returned by queues that were shut down.
	ErrQueueClosed = errors.New("queue closed")

	// ErrTransient marks indexing failures that may succeed on retry.
	ErrTransient = errors.New("transient indexing failure")
	// ErrPermanent marks indexing failures that will never succeed.
	ErrPermanent = errors.New("permanent indexing failure")
)
