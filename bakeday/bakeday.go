/*
Package bakeday models bake days: the fixed production dates orders are taken
for, their ordering cutoff, and the open -> locked -> completed lifecycle.

PURPOSE:
  A bake day decides WHEN reservations are permitted. The capacity ledger
  decides HOW MANY. This package never touches capacity counters.

STATE MACHINE:
  open ──lock──▶ locked ──complete──▶ completed
   │  ◀─unlock──┘                        ▲
   └────────────────complete─────────────┘

  - open → locked:      scheduler at cutoff, or admin
  - locked → open:      admin override only, never automatic
  - open|locked → completed: admin after fulfillment (terminal)

CUTOFF:
  Computed once at creation from the bake date's weekday (see cutoff.go) in a
  single canonical zone and stored as an instant. It never moves afterwards.

SEE ALSO:
  - cutoff.go:    CutoffPolicy and OrderingAllowed
  - lifecycle.go: Lifecycle service (create, transitions, delete guard)
  - scheduler/:   deferred auto-lock at cutoff
*/
package bakeday

import (
	"context"
	"time"
)

// =============================================================================
// TYPES
// =============================================================================

// ID identifies a bake day.
type ID string

// Status is the lifecycle state of a bake day.
type Status string

const (
	StatusOpen      Status = "open"
	StatusLocked    Status = "locked"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusLocked, StatusCompleted:
		return true
	}
	return false
}

// BakeDay is a single production/sale date with its own deadline.
type BakeDay struct {
	ID        ID
	BakedOn   Date
	DayOfWeek time.Weekday
	CutoffAt  time.Time // absolute instant
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PastCutoff reports whether now is strictly after the cutoff instant.
func (b BakeDay) PastCutoff(now time.Time) bool {
	return now.After(b.CutoffAt)
}

// transitions lists every permitted edge of the state machine.
var transitions = map[Status][]Status{
	StatusOpen:   {StatusLocked, StatusCompleted},
	StatusLocked: {StatusOpen, StatusCompleted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// STORE
// =============================================================================

// Store persists bake days.
type Store interface {
	// CreateBakeDay inserts bd. Returns ErrDuplicateBakeDay when BakedOn exists.
	CreateBakeDay(ctx context.Context, bd BakeDay) error

	// GetBakeDay returns ErrNotFound when missing.
	GetBakeDay(ctx context.Context, id ID) (BakeDay, error)

	// GetBakeDayByDate returns ErrNotFound when missing.
	GetBakeDayByDate(ctx context.Context, date Date) (BakeDay, error)

	// ListBakeDays returns all bake days ordered by BakedOn.
	ListBakeDays(ctx context.Context) ([]BakeDay, error)

	// ListOverdue returns open bake days whose cutoff is at or before now,
	// ordered by CutoffAt.
	ListOverdue(ctx context.Context, now time.Time) ([]BakeDay, error)

	// TransitionStatus moves id from -> to only if the stored status is still
	// from. A mismatch returns *StatusConflictError carrying the actual status.
	TransitionStatus(ctx context.Context, id ID, from, to Status, at time.Time) (BakeDay, error)

	// DeleteBakeDay removes id. Returns ErrHasOrders when orders reference it.
	DeleteBakeDay(ctx context.Context, id ID) error
}
