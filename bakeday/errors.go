package bakeday

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced bake day doesn't exist.
	ErrNotFound = errors.New("bake day not found")

	// ErrDuplicateBakeDay is returned when a bake day already exists for the date.
	ErrDuplicateBakeDay = errors.New("bake day already scheduled for date")

	// ErrInvalidTransition is returned for an edge the state machine forbids.
	ErrInvalidTransition = errors.New("invalid bake day transition")

	// ErrStatusConflict is returned when a compare-and-set transition lost a race.
	ErrStatusConflict = errors.New("bake day status changed concurrently")

	// ErrHasOrders is returned when deleting a bake day that owns orders.
	ErrHasOrders = errors.New("bake day has orders")

	// ErrOrderingClosed is returned when new orders are not accepted.
	ErrOrderingClosed = errors.New("ordering closed")

	// ErrInvalidCutoff is returned when a computed cutoff isn't before the bake date.
	ErrInvalidCutoff = errors.New("cutoff must be before the bake date")
)

// TransitionError describes a rejected state machine edge.
type TransitionError struct {
	ID   ID
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("bake day %s: cannot go from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// StatusConflictError is returned by Store.TransitionStatus when the stored
// status is no longer the expected one.
type StatusConflictError struct {
	ID       ID
	Expected Status
	Actual   Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("bake day %s: expected status %s, found %s", e.ID, e.Expected, e.Actual)
}

func (e *StatusConflictError) Unwrap() error { return ErrStatusConflict }

// ClosedReason says why ordering is closed.
type ClosedReason string

const (
	ReasonLocked       ClosedReason = "locked"
	ReasonCompleted    ClosedReason = "completed"
	ReasonCutoffPassed ClosedReason = "cutoff_passed"
)

// OrderingClosedError is the business outcome of CheckOrdering.
type OrderingClosedError struct {
	BakeDay BakeDay
	Reason  ClosedReason
}

func (e *OrderingClosedError) Error() string {
	switch e.Reason {
	case ReasonLocked:
		return fmt.Sprintf("ordering locked for %s", e.BakeDay.BakedOn)
	case ReasonCompleted:
		return fmt.Sprintf("bake on %s already completed", e.BakeDay.BakedOn)
	default:
		return fmt.Sprintf("ordering for %s closed at %s", e.BakeDay.BakedOn, e.BakeDay.CutoffAt.Format("2006-01-02 15:04 MST"))
	}
}

func (e *OrderingClosedError) Unwrap() error { return ErrOrderingClosed }
