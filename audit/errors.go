package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent is wrapped by every MalformedEventError
	ErrMalformedEvent = errors.New("malformed event")

	// ErrSourceUnavailable reports that an event source could not be reached in time
	ErrSourceUnavailable = errors.New("source unavailable")
)

// MalformedEventError is returned when the normalizer rejects a raw event
type MalformedEventError struct {
	Source Source
	ID     string
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("malformed %s event: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("malformed %s event %s: %s", e.Source, e.ID, e.Reason)
}

func (e *MalformedEventError) Unwrap() error {
	return ErrMalformedEvent
}

// SourceError wraps the failure of one event source.
// It matches both ErrSourceUnavailable and the underlying cause.
type SourceError struct {
	Source Source
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s source unavailable: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() []error {
	return []error{ErrSourceUnavailable, e.Err}
}
