/*
store.go - Persistence contract for ledger entries

KEY INTERFACES:
  Store:   lock-free reads and admin writes
  Tx:      the view inside a transaction: timed exclusive lock + versioned write
  TxStore: Store + WithTx (commit on nil, roll back on error)

LOCKING CONTRACT (Tx.LockEntry):
  - Blocks up to timeout while another transaction holds the same entry,
    then returns ErrLockTimeout. It never blocks forever.
  - A failed attempt leaves the transaction usable so the caller may retry.
  - The lock is held until the transaction commits or rolls back, on every
    exit path.
  - Locking an entry the transaction already holds returns immediately.

VISIBILITY:
  Writes made through Tx are invisible to Store reads and other transactions
  until commit. Rollback discards them entirely.

IMPLEMENTATIONS:
  - store/memory:   per-entry channel locks, buffered writes
  - store/sqlite:   immediate transactions (single writer), busy timeout
  - store/postgres: SELECT ... FOR UPDATE under SET LOCAL lock_timeout
*/
package capacity

import (
	"context"
	"time"

	"github.com/warp/bakehouse/bakeday"
)

// Store reads entries without locking and applies admin changes.
type Store interface {
	// GetEntry returns ErrEntryNotFound when no entry exists.
	GetEntry(ctx context.Context, key Key) (Entry, error)

	// ListEntries returns all entries of a bake day ordered by VariantID.
	ListEntries(ctx context.Context, bakeDayID bakeday.ID) ([]Entry, error)

	// DeleteEntry removes an entry. Returns ErrEntryReserved if reserved > 0.
	DeleteEntry(ctx context.Context, key Key) error
}

// Tx is the transactional view handed to WithTx callbacks.
type Tx interface {
	// LockEntry acquires the entry's exclusive lock and returns its current
	// committed state (or this transaction's pending write).
	LockEntry(ctx context.Context, key Key, timeout time.Duration) (Entry, error)

	// InsertEntry creates a new entry with reserved = 0 and takes its lock.
	InsertEntry(ctx context.Context, key Key, capacity int, at time.Time) (Entry, error)

	// WriteEntry persists capacity/reserved for a locked entry. The stored
	// version must still equal expectedVersion; the new version is
	// expectedVersion+1. Returns ErrLockNotHeld without the lock.
	WriteEntry(ctx context.Context, key Key, capacity, reserved int, expectedVersion int64, at time.Time) (Entry, error)
}

// TxStore adds transactions.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
