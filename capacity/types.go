/*
Package capacity is the production-capacity reservation engine.

PURPOSE:
  Every (bake day, product variant) pair may carry a ledger entry: a
  production ceiling (capacity) and the units already committed to confirmed
  orders (reserved). Orders reserve against entries and cancellations release.

CRITICAL INVARIANTS:
  1. 0 <= reserved <= capacity, at all times, under any interleaving.
  2. reserved is only ever written through Reserve/Release (ledger.go), which
     hold the entry's exclusive lock from read to commit.
  3. A multi-item allocation is all-or-nothing (manager.go).

CONCURRENCY:
  Pessimistic: Tx.LockEntry takes an exclusive, timed lock scoped to one
  entry. Entries never share a lock, so unrelated variants don't contend.
  Optimistic backstop: every write compares the version read under the lock;
  a mismatch is ErrConcurrentModification, never a silent overwrite.

LOCK ORDER:
  Allocation locks lines in ascending VariantID order within a bake day.
  Every caller that locks more than one entry goes through Manager, so two
  transactions can never wait on each other's entries in opposite order.

SEE ALSO:
  - store.go:   persistence contract
  - ledger.go:  reserve/release primitives
  - manager.go: validate/allocate/release across order items
*/
package capacity

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/bakehouse/bakeday"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// VariantID identifies a product variant (e.g. "sourdough-800g").
type VariantID string

// Key is the composite identity of a ledger entry.
type Key struct {
	BakeDayID bakeday.ID
	VariantID VariantID
}

func (k Key) String() string { return string(k.BakeDayID) + "/" + string(k.VariantID) }

// =============================================================================
// ENTRY
// =============================================================================

// Entry is one ledger row.
type Entry struct {
	Key       Key
	Capacity  int
	Reserved  int
	Version   int64
	UpdatedAt time.Time
}

// Available is the number of units still reservable.
func (e Entry) Available() int { return e.Capacity - e.Reserved }

// AtCapacity reports whether nothing is left.
func (e Entry) AtCapacity() bool { return e.Reserved >= e.Capacity }

// PercentReserved is reserved/capacity as a percentage rounded to one place.
func (e Entry) PercentReserved() decimal.Decimal {
	if e.Capacity <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(e.Reserved)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(e.Capacity))).
		Round(1)
}

// Level buckets how close the entry is to selling out.
func (e Entry) Level() Level {
	pct := e.PercentReserved()
	switch {
	case e.AtCapacity():
		return LevelSoldOut
	case pct.LessThan(decimal.NewFromInt(50)):
		return LevelPlenty
	case pct.LessThan(decimal.NewFromInt(80)):
		return LevelLimited
	default:
		return LevelVeryLimited
	}
}

// Check reports an invariant violation. A violating row means a bug or a
// write that bypassed the ledger; it's never silently corrected.
func (e Entry) Check() error {
	if e.Capacity < 0 || e.Reserved < 0 || e.Reserved > e.Capacity {
		return &InvariantError{Key: e.Key, Capacity: e.Capacity, Reserved: e.Reserved}
	}
	return nil
}

// Level is the fill level of an entry.
type Level string

const (
	LevelPlenty      Level = "plenty"
	LevelLimited     Level = "limited"
	LevelVeryLimited Level = "very_limited"
	LevelSoldOut     Level = "sold_out"
	LevelUnlimited   Level = "unlimited"
)

// =============================================================================
// ORDER LINES
// =============================================================================

// Item is one order line as seen by the engine.
type Item struct {
	VariantID VariantID
	Quantity  int
}

// Status is a read-only view of a variant's capacity on a bake day. Values
// are as of the last commit; they can be stale by the time they're shown.
type Status struct {
	Key             Key
	Configured      bool
	Capacity        int
	Reserved        int
	Available       int // -1 when unmetered
	PercentReserved decimal.Decimal
	Level           Level
}

// StatusOf builds the view for an entry.
func StatusOf(e Entry) Status {
	return Status{
		Key:             e.Key,
		Configured:      true,
		Capacity:        e.Capacity,
		Reserved:        e.Reserved,
		Available:       e.Available(),
		PercentReserved: e.PercentReserved(),
		Level:           e.Level(),
	}
}

// UnmeteredStatus is the view for a variant with no ledger entry.
func UnmeteredStatus(key Key) Status {
	return Status{Key: key, Available: -1, PercentReserved: decimal.Zero, Level: LevelUnlimited}
}
