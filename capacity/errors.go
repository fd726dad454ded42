/*
errors.go - Error taxonomy for the capacity engine

ERROR CATEGORIES:
  1. Business outcomes - expected, typed, never retried
       ErrInsufficientCapacity, bakeday.ErrOrderingClosed
  2. Transient infrastructure - retried with bounded backoff, then escalated
       ErrLockTimeout, ErrConcurrentModification, ErrStoreUnavailable
  3. Invariant violations - bugs, loud
       ErrInvariantViolation
  4. Not found - terminal, stale references
       ErrEntryNotFound, bakeday.ErrNotFound
  5. Caller errors
       ErrInvalidQuantity, ErrCapacityBelowReserved, ErrEntryReserved

USAGE:
  if errors.Is(err, capacity.ErrInsufficientCapacity) { ... }
  var short *capacity.InsufficientCapacityError
  if errors.As(err, &short) { short.Available ... }
*/
package capacity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/warp/bakehouse/bakeday"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCapacity means the request exceeds capacity - reserved at
	// evaluation time. A normal outcome of contention, not a bug.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrInvalidQuantity is returned for quantity <= 0, or for a release larger
	// than what is currently reserved.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrLockTimeout is returned when an entry's lock wasn't acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timeout")

	// ErrConcurrentModification is returned when the optimistic version check
	// detects a lost update.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStoreUnavailable wraps persistence failures worth retrying.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrEntryNotFound is returned when no ledger entry exists for a key.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrInvariantViolation is returned when reserved/capacity are inconsistent.
	ErrInvariantViolation = errors.New("ledger invariant violated")

	// ErrCapacityBelowReserved is returned when lowering capacity under reserved.
	ErrCapacityBelowReserved = errors.New("capacity below reserved units")

	// ErrEntryReserved is returned when deleting an entry that still holds units.
	ErrEntryReserved = errors.New("ledger entry has reservations")

	// ErrLockNotHeld is returned when a write is attempted without the entry lock.
	ErrLockNotHeld = errors.New("entry lock not held")

	// ErrTransient matches every *TransientError.
	ErrTransient = errors.New("transient failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCapacityError details a single short line.
type InsufficientCapacityError struct {
	Key       Key
	Requested int
	Available int
	Capacity  int
	Reserved  int
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity for %s: requested %d, available %d (reserved %d of %d)",
		e.Key, e.Requested, e.Available, e.Reserved, e.Capacity)
}

func (e *InsufficientCapacityError) Unwrap() error { return ErrInsufficientCapacity }

// Shortfall is one line of a validation report.
type Shortfall struct {
	VariantID VariantID
	Requested int
	Available int
}

// ShortfallError is the advisory report produced by Manager.Validate.
type ShortfallError struct {
	BakeDayID  bakeday.ID
	Shortfalls []Shortfall
}

func (e *ShortfallError) Error() string {
	parts := make([]string, len(e.Shortfalls))
	for i, s := range e.Shortfalls {
		parts[i] = fmt.Sprintf("%s: requested %d, available %d", s.VariantID, s.Requested, s.Available)
	}
	return "insufficient capacity: " + strings.Join(parts, "; ")
}

func (e *ShortfallError) Unwrap() error { return ErrInsufficientCapacity }

// InvariantError reports a row that breaks 0 <= reserved <= capacity.
type InvariantError struct {
	Key      Key
	Capacity int
	Reserved int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger invariant violated for %s: reserved %d, capacity %d", e.Key, e.Reserved, e.Capacity)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// TransientError is returned once retries are exhausted or the allocation
// deadline passes. Cause is the last transient failure seen.
type TransientError struct {
	Op       string
	Key      Key
	Attempts int
	Cause    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: gave up after %d attempts: %v", e.Op, e.Key, e.Attempts, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// QuantityError reports an order line with a non-positive quantity.
type QuantityError struct {
	VariantID VariantID
	Quantity  int
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d for %s", e.Quantity, e.VariantID)
}

func (e *QuantityError) Unwrap() error { return ErrInvalidQuantity }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTransient)
}

// IsBusinessOutcome returns true for expected, user-facing refusals.
func IsBusinessOutcome(err error) bool {
	return errors.Is(err, ErrInsufficientCapacity) ||
		errors.Is(err, bakeday.ErrOrderingClosed)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrCapacityBelowReserved) ||
		errors.Is(err, ErrEntryReserved)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) || errors.Is(err, bakeday.ErrNotFound)
}

// IsInvariantViolation returns true for errors that indicate a bug.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation) || errors.Is(err, ErrLockNotHeld)
}
