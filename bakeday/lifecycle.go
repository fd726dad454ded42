package bakeday

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LockScheduler arranges the automatic open -> locked transition at cutoff.
// Implemented by scheduler.LockScheduler.
type LockScheduler interface {
	Schedule(ctx context.Context, bd BakeDay) error
}

// Lifecycle owns bake day creation and every status transition.
type Lifecycle struct {
	Store     Store
	Policy    CutoffPolicy
	Clock     Clock
	Scheduler LockScheduler // optional
	Logger    *zap.Logger
}

// NewLifecycle wires a Lifecycle with the default cutoff policy and system clock.
func NewLifecycle(store Store, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := DefaultCutoffPolicy()
	return &Lifecycle{
		Store:  store,
		Policy: policy,
		Clock:  SystemClock{Location: policy.Location},
		Logger: logger,
	}
}

// Schedule creates the bake day for date, computing its cutoff, and asks the
// scheduler to lock it at that instant. A scheduling failure is logged but does
// not fail creation; the recovery sweep locks it anyway.
func (l *Lifecycle) Schedule(ctx context.Context, date Date) (BakeDay, error) {
	cutoff, err := l.Policy.CutoffFor(date)
	if err != nil {
		return BakeDay{}, err
	}
	now := l.Clock.Now()
	bd := BakeDay{
		ID:        ID(uuid.NewString()),
		BakedOn:   date,
		DayOfWeek: date.Weekday(),
		CutoffAt:  cutoff,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.Store.CreateBakeDay(ctx, bd); err != nil {
		return BakeDay{}, fmt.Errorf("create bake day %s: %w", date, err)
	}
	l.Logger.Info("bake day scheduled",
		zap.String("bake_day_id", string(bd.ID)),
		zap.Stringer("baked_on", date),
		zap.Time("cutoff_at", cutoff))

	if l.Scheduler != nil {
		if err := l.Scheduler.Schedule(ctx, bd); err != nil {
			l.Logger.Warn("auto-lock not scheduled, relying on sweep",
				zap.String("bake_day_id", string(bd.ID)), zap.Error(err))
		}
	}
	return bd, nil
}

func (l *Lifecycle) Get(ctx context.Context, id ID) (BakeDay, error) {
	return l.Store.GetBakeDay(ctx, id)
}

func (l *Lifecycle) GetByDate(ctx context.Context, date Date) (BakeDay, error) {
	return l.Store.GetBakeDayByDate(ctx, date)
}

func (l *Lifecycle) List(ctx context.Context) ([]BakeDay, error) {
	return l.Store.ListBakeDays(ctx)
}

// Lock closes ordering manually.
func (l *Lifecycle) Lock(ctx context.Context, id ID) (BakeDay, error) {
	return l.transition(ctx, id, StatusLocked)
}

// Unlock is the manual override returning a locked day to open. If its
// cutoff is still ahead the auto-lock is armed again.
func (l *Lifecycle) Unlock(ctx context.Context, id ID) (BakeDay, error) {
	bd, err := l.transition(ctx, id, StatusOpen)
	if err != nil {
		return bd, err
	}
	if l.Scheduler != nil {
		if err := l.Scheduler.Schedule(ctx, bd); err != nil {
			l.Logger.Warn("auto-lock not rearmed, relying on sweep",
				zap.String("bake_day_id", string(bd.ID)), zap.Error(err))
		}
	}
	return bd, nil
}

// Complete marks fulfillment done. Terminal.
func (l *Lifecycle) Complete(ctx context.Context, id ID) (BakeDay, error) {
	return l.transition(ctx, id, StatusCompleted)
}

// Delete removes a bake day that owns no orders.
func (l *Lifecycle) Delete(ctx context.Context, id ID) error {
	if err := l.Store.DeleteBakeDay(ctx, id); err != nil {
		return fmt.Errorf("delete bake day %s: %w", id, err)
	}
	l.Logger.Info("bake day deleted", zap.String("bake_day_id", string(id)))
	return nil
}

const maxTransitionAttempts = 3

// transition applies a compare-and-set status change. Asking for the current
// status is a no-op. A lost race is re-evaluated against the fresh status.
func (l *Lifecycle) transition(ctx context.Context, id ID, to Status) (BakeDay, error) {
	var lastErr error
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		bd, err := l.Store.GetBakeDay(ctx, id)
		if err != nil {
			return BakeDay{}, err
		}
		if bd.Status == to {
			return bd, nil
		}
		if !CanTransition(bd.Status, to) {
			return bd, &TransitionError{ID: id, From: bd.Status, To: to}
		}
		updated, err := l.Store.TransitionStatus(ctx, id, bd.Status, to, l.Clock.Now())
		if errors.Is(err, ErrStatusConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return BakeDay{}, fmt.Errorf("transition bake day %s to %s: %w", id, to, err)
		}
		l.Logger.Info("bake day transitioned",
			zap.String("bake_day_id", string(id)),
			zap.String("from", string(bd.Status)),
			zap.String("to", string(to)))
		return updated, nil
	}
	return BakeDay{}, lastErr
}
