package domain

import (
	"errors"
	"fmt"
)

// ErrRunInFlight is returned when another process holds the run for a date.
var ErrRunInFlight = errors.New("run already in flight for date")

// SourceFetchError is recorded when a source exhausted its retries.
type SourceFetchError struct {
	Source   string
	Attempts int
	Err      error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("source %s: fetch failed after %d attempts: %v", e.Source, e.Attempts, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// SummarizationError is returned when the gateway could not summarize an item.
type SummarizationError struct {
	ItemID string
	Err    error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarize item %s: %v", e.ItemID, e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// PersistenceError is fatal to the current stage.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DeliveryError leaves the digest persisted but unsent.
type DeliveryError struct {
	DigestID string
	Errs     []error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver digest %s: %v", e.DigestID, errors.Join(e.Errs...))
}

func (e *DeliveryError) Unwrap() []error { return e.Errs }

// IsPersistence reports whether err originates from the state store.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
