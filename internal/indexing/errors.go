package indexing

import (
	"fmt"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
)

// Error describes a failed notification.
type Error struct {
	StatusCode int
	Permanent  bool
	Message    string
	Err        error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("indexing %s failure (status %d): %s", kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("indexing %s failure: %s", kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the campaign error class of e.
func (e *Error) Is(target error) bool {
	switch target {
	case campaign.ErrPermanent:
		return e.Permanent
	case campaign.ErrTransient:
		return !e.Permanent
	default:
		return false
	}
}
