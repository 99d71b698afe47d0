package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
)

// ValidationError rejects malformed input before any capacity check runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CapacityError carries the numbers the caller needs to render an actionable
// message ("12 available, requested 15").
type CapacityError struct {
	Requested int
	Available int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("not enough capacity: %d available, requested %d", e.Available, e.Requested)
}

// StateError means the operation is not legal for the request's current
// effective status.
type StateError struct {
	Op     string
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s request in status %s", e.Op, e.Status)
}

// ConcurrencyConflict is returned when the bounded serialization-retry budget
// is exhausted; the caller should retry the whole operation after a short delay.
type ConcurrencyConflict struct {
	Attempts int
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict after %d attempts", e.Attempts)
}

// LedgerInconsistency reports a computed negative availability. Stored data
// already violates the capacity invariant when this fires, so it is surfaced
// rather than silently clamped.
type LedgerInconsistency struct {
	EventID   string
	Available int
}

func (e *LedgerInconsistency) Error() string {
	return fmt.Sprintf("ledger inconsistency on event %s: available=%d", e.EventID, e.Available)
}
