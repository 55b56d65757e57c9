// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	// ErrFeedUnsupported is returned by stores that cannot push changes.
	ErrFeedUnsupported = errors.New("change feed not supported by this store")
	// ErrSubscriptionLost ends a live subscription that dropped unexpectedly.
	ErrSubscriptionLost = errors.New("change feed subscription lost")
	// ErrScopeClosed is returned by operations on a torn-down company scope.
	ErrScopeClosed = errors.New("company scope closed")
)

// ErrRecordNotFound is returned when an id is not part of the pending view.
type ErrRecordNotFound struct {
	ID string
}

func (e *ErrRecordNotFound) Error() string {
	return fmt.Sprintf("record with ID %s not found", e.ID)
}

func NewRecordNotFound(id string) error {
	return &ErrRecordNotFound{ID: id}
}

// ErrConfirmationRequired is returned by batch deletes that were not confirmed.
type ErrConfirmationRequired struct {
	Count int
}

func (e *ErrConfirmationRequired) Error() string {
	return fmt.Sprintf("deleting %d records requires confirmation", e.Count)
}

// ErrRemoteStatus is returned when a webhook answers with a non-2xx status.
type ErrRemoteStatus struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *ErrRemoteStatus) Error() string {
	return fmt.Sprintf("remote %s returned status %d", e.URL, e.StatusCode)
}

// ErrUnknownCampaign is returned for campaign names the router does not know.
type ErrUnknownCampaign struct {
	Name string
}

func (e *ErrUnknownCampaign) Error() string {
	return fmt.Sprintf("unknown campaign %q", e.Name)
}
