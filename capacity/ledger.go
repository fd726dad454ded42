/*
ledger.go - Reserve/release primitives and single-entry ledger operations

PURPOSE:
  Reserve and Release are the ONLY code paths that change an entry's
  reserved counter. Both run inside a store transaction and follow the same
  critical section:

    lock entry ──▶ check invariant ──▶ check quantity ──▶ versioned write
        │                                                      │
        └────────────── held until commit/rollback ────────────┘

  Any early return (insufficient capacity, invalid quantity, error) leaves the
  transaction to roll back, which releases the lock.

EXAMPLE:
  ledger := capacity.NewLedger(store)
  entry, err := ledger.Reserve(ctx, key, 2)
  if errors.Is(err, capacity.ErrInsufficientCapacity) {
      // sold out for this bake day
  }
*/
package capacity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/warp/bakehouse/bakeday"
	"go.uber.org/zap"
)

// DefaultLockTimeout bounds how long one attempt waits for an entry lock.
const DefaultLockTimeout = 2 * time.Second

// =============================================================================
// PRIMITIVES
// =============================================================================

// Reserve adds qty to the entry's reserved count if capacity allows.
func Reserve(ctx context.Context, tx Tx, key Key, qty int, timeout time.Duration, at time.Time) (Entry, error) {
	if qty <= 0 {
		return Entry{}, fmt.Errorf("%w: reserve %d for %s", ErrInvalidQuantity, qty, key)
	}
	e, err := tx.LockEntry(ctx, key, timeout)
	if err != nil {
		return Entry{}, err
	}
	if err := e.Check(); err != nil {
		return e, err
	}
	if e.Available() < qty {
		return e, &InsufficientCapacityError{
			Key:       key,
			Requested: qty,
			Available: e.Available(),
			Capacity:  e.Capacity,
			Reserved:  e.Reserved,
		}
	}
	return tx.WriteEntry(ctx, key, e.Capacity, e.Reserved+qty, e.Version, at)
}

// Release subtracts qty from the entry's reserved count. Releasing more than
// is reserved fails and leaves the entry untouched.
func Release(ctx context.Context, tx Tx, key Key, qty int, timeout time.Duration, at time.Time) (Entry, error) {
	if qty <= 0 {
		return Entry{}, fmt.Errorf("%w: release %d for %s", ErrInvalidQuantity, qty, key)
	}
	e, err := tx.LockEntry(ctx, key, timeout)
	if err != nil {
		return Entry{}, err
	}
	if err := e.Check(); err != nil {
		return e, err
	}
	if e.Reserved < qty {
		return e, fmt.Errorf("%w: release %d for %s, only %d reserved", ErrInvalidQuantity, qty, key, e.Reserved)
	}
	return tx.WriteEntry(ctx, key, e.Capacity, e.Reserved-qty, e.Version, at)
}

// =============================================================================
// LEDGER - Single-entry operations, one transaction each
// =============================================================================

// Ledger runs ledger primitives and admin capacity changes against a TxStore.
type Ledger struct {
	Store       TxStore
	LockTimeout time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
}

func NewLedger(store TxStore) *Ledger {
	return &Ledger{
		Store:       store,
		LockTimeout: DefaultLockTimeout,
		Now:         time.Now,
		Logger:      zap.NewNop(),
	}
}

// Reserve reserves qty units on one entry in its own transaction.
func (l *Ledger) Reserve(ctx context.Context, key Key, qty int) (Entry, error) {
	var out Entry
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		e, err := Reserve(ctx, tx, key, qty, l.LockTimeout, l.Now())
		out = e
		return err
	})
	return out, err
}

// Release releases qty units on one entry in its own transaction.
func (l *Ledger) Release(ctx context.Context, key Key, qty int) (Entry, error) {
	var out Entry
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		e, err := Release(ctx, tx, key, qty, l.LockTimeout, l.Now())
		out = e
		return err
	})
	return out, err
}

// Entry reads an entry without locking and verifies its invariant.
func (l *Ledger) Entry(ctx context.Context, key Key) (Entry, error) {
	e, err := l.Store.GetEntry(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if err := e.Check(); err != nil {
		l.Logger.Error("ledger invariant violated on read",
			zap.Stringer("key", key), zap.Int("capacity", e.Capacity), zap.Int("reserved", e.Reserved))
		return e, err
	}
	return e, nil
}

// Entries lists a bake day's entries.
func (l *Ledger) Entries(ctx context.Context, bakeDayID bakeday.ID) ([]Entry, error) {
	return l.Store.ListEntries(ctx, bakeDayID)
}

// SetCapacity creates the entry or changes its ceiling. Reserved units are
// kept; a ceiling below them is refused.
func (l *Ledger) SetCapacity(ctx context.Context, key Key, capacity int) (Entry, error) {
	if capacity < 0 {
		return Entry{}, fmt.Errorf("%w: capacity %d for %s", ErrInvalidQuantity, capacity, key)
	}
	var out Entry
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		e, err := l.setCapacityTx(ctx, tx, key, capacity)
		out = e
		return err
	})
	if err == nil {
		l.Logger.Info("capacity set", zap.Stringer("key", key), zap.Int("capacity", capacity), zap.Int("reserved", out.Reserved))
	}
	return out, err
}

func (l *Ledger) setCapacityTx(ctx context.Context, tx Tx, key Key, capacity int) (Entry, error) {
	e, err := tx.LockEntry(ctx, key, l.LockTimeout)
	if errors.Is(err, ErrEntryNotFound) {
		return tx.InsertEntry(ctx, key, capacity, l.Now())
	}
	if err != nil {
		return Entry{}, err
	}
	if capacity < e.Reserved {
		return e, fmt.Errorf("%w: %s capacity %d, reserved %d", ErrCapacityBelowReserved, key, capacity, e.Reserved)
	}
	return tx.WriteEntry(ctx, key, capacity, e.Reserved, e.Version, l.Now())
}

// DeleteEntry removes an entry holding no reservations.
func (l *Ledger) DeleteEntry(ctx context.Context, key Key) error {
	return l.Store.DeleteEntry(ctx, key)
}

// BulkSetCapacity applies each capacity in its own transaction and reports
// per-variant failures; one failure doesn't block the others.
func (l *Ledger) BulkSetCapacity(ctx context.Context, bakeDayID bakeday.ID, capacities map[VariantID]int) (int, map[VariantID]error) {
	variants := make([]VariantID, 0, len(capacities))
	for v := range capacities {
		variants = append(variants, v)
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i] < variants[j] })

	updated := 0
	failed := make(map[VariantID]error)
	for _, v := range variants {
		if _, err := l.SetCapacity(ctx, Key{BakeDayID: bakeDayID, VariantID: v}, capacities[v]); err != nil {
			failed[v] = err
			continue
		}
		updated++
	}
	return updated, failed
}

// CopyCapacities gives every variant configured on from the same ceiling on
// to, creating missing entries with nothing reserved. All or nothing.
func (l *Ledger) CopyCapacities(ctx context.Context, from, to bakeday.ID) (int, error) {
	source, err := l.Store.ListEntries(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("list source capacities: %w", err)
	}
	sort.Slice(source, func(i, j int) bool { return source[i].Key.VariantID < source[j].Key.VariantID })

	err = l.Store.WithTx(ctx, func(tx Tx) error {
		for _, src := range source {
			key := Key{BakeDayID: to, VariantID: src.Key.VariantID}
			if _, err := l.setCapacityTx(ctx, tx, key, src.Capacity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	l.Logger.Info("capacities copied",
		zap.String("from", string(from)), zap.String("to", string(to)), zap.Int("count", len(source)))
	return len(source), nil
}
