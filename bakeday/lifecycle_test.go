package bakeday_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/ordering"
	"github.com/warp/bakehouse/store/memory"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []bakeday.BakeDay
	err       error
}

func (r *recordingScheduler) Schedule(_ context.Context, bd bakeday.BakeDay) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, bd)
	return r.err
}

func newTestLifecycle(t *testing.T) (*bakeday.Lifecycle, *memory.Store, *bakeday.FixedClock) {
	t.Helper()
	store := memory.New()
	lc := bakeday.NewLifecycle(store, zaptest.NewLogger(t))
	clock := bakeday.NewFixedClock(utc(2025, time.March, 1, 9, 0, 0))
	lc.Clock = clock
	return lc, store, clock
}

// =============================================================================
// SCHEDULE
// =============================================================================

func TestLifecycle_Schedule_ComputesCutoffAndHandsOff(t *testing.T) {
	// GIVEN: A lifecycle with a scheduler attached
	// WHEN: Scheduling Friday 2025-03-07
	// THEN: The bake day is open, closes Wednesday 18:00 Brussels, and the
	//       scheduler is asked to lock it

	lc, store, _ := newTestLifecycle(t)
	sched := &recordingScheduler{}
	lc.Scheduler = sched
	ctx := context.Background()

	bd, err := lc.Schedule(ctx, bakeday.NewDate(2025, time.March, 7))
	require.NoError(t, err)

	assert.NotEmpty(t, bd.ID)
	assert.Equal(t, bakeday.StatusOpen, bd.Status)
	assert.Equal(t, time.Friday, bd.DayOfWeek)
	assert.True(t, utc(2025, time.March, 5, 17, 0, 0).Equal(bd.CutoffAt))
	require.Len(t, sched.scheduled, 1)
	assert.Equal(t, bd.ID, sched.scheduled[0].ID)

	stored, err := store.GetBakeDay(ctx, bd.ID)
	require.NoError(t, err)
	assert.Equal(t, bd.BakedOn, stored.BakedOn)
}

func TestLifecycle_Schedule_DuplicateDate(t *testing.T) {
	lc, _, _ := newTestLifecycle(t)
	ctx := context.Background()
	date := bakeday.NewDate(2025, time.March, 7)

	_, err := lc.Schedule(ctx, date)
	require.NoError(t, err)
	_, err = lc.Schedule(ctx, date)
	assert.ErrorIs(t, err, bakeday.ErrDuplicateBakeDay)
}

func TestLifecycle_Schedule_SchedulerFailureIsNotFatal(t *testing.T) {
	lc, _, _ := newTestLifecycle(t)
	lc.Scheduler = &recordingScheduler{err: errors.New("queue down")}

	bd, err := lc.Schedule(context.Background(), bakeday.NewDate(2025, time.March, 7))
	require.NoError(t, err)
	assert.Equal(t, bakeday.StatusOpen, bd.Status)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestLifecycle_Transitions(t *testing.T) {
	lc, _, clock := newTestLifecycle(t)
	ctx := context.Background()
	bd, err := lc.Schedule(ctx, bakeday.NewDate(2025, time.March, 7))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	locked, err := lc.Lock(ctx, bd.ID)
	require.NoError(t, err)
	assert.Equal(t, bakeday.StatusLocked, locked.Status)
	assert.Equal(t, clock.Now(), locked.UpdatedAt)

	reopened, err := lc.Unlock(ctx, bd.ID)
	require.NoError(t, err)
	assert.Equal(t, bakeday.StatusOpen, reopened.Status)

	done, err := lc.Complete(ctx, bd.ID)
	require.NoError(t, err)
	assert.Equal(t, bakeday.StatusCompleted, done.Status)

	// completed is terminal
	_, err = lc.Unlock(ctx, bd.ID)
	var te *bakeday.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, bakeday.StatusCompleted, te.From)
	assert.Equal(t, bakeday.StatusOpen, te.To)
	_, err = lc.Lock(ctx, bd.ID)
	assert.ErrorIs(t, err, bakeday.ErrInvalidTransition)
}

func TestLifecycle_UnlockRearmsAutoLock(t *testing.T) {
	// GIVEN: A bake day locked by an admin before its cutoff
	// WHEN: The admin unlocks it
	// THEN: The scheduler is asked again to lock it at the cutoff

	lc, _, _ := newTestLifecycle(t)
	sched := &recordingScheduler{}
	lc.Scheduler = sched
	ctx := context.Background()
	bd, err := lc.Schedule(ctx, bakeday.NewDate(2025, time.March, 7))
	require.NoError(t, err)
	_, err = lc.Lock(ctx, bd.ID)
	require.NoError(t, err)

	_, err = lc.Unlock(ctx, bd.ID)
	require.NoError(t, err)

	require.Len(t, sched.scheduled, 2)
	assert.Equal(t, bakeday.StatusOpen, sched.scheduled[1].Status)
	assert.Equal(t, bd.CutoffAt, sched.scheduled[1].CutoffAt)
}

func TestLifecycle_LockIsIdempotent(t *testing.T) {
	lc, _, _ := newTestLifecycle(t)
	ctx := context.Background()
	bd, err := lc.Schedule(ctx, bakeday.NewDate(2025, time.March, 7))
	require.NoError(t, err)

	first, err := lc.Lock(ctx, bd.ID)
	require.NoError(t, err)
	second, err := lc.Lock(ctx, bd.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLifecycle_OpenCanCompleteDirectly(t *testing.T) {
	lc, _, _ := newTestLifecycle(t)
	ctx := context.Background()
	bd, err := lc.Schedule(ctx, bakeday.NewDate(2025, time.March, 7))
	require.NoError(t, err)

	done, err := lc.Complete(ctx, bd.ID)
	require.NoError(t, err)
	assert.Equal(t, bakeday.StatusCompleted, done.Status)
}

func TestLifecycle_TransitionUnknownBakeDay(t *testing.T) {
	lc, _, _ := newTestLifecycle(t)
	_, err := lc.Lock(context.Background(), "missing")
	assert.ErrorIs(t, err, bakeday.ErrNotFound)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, bakeday.CanTransition(bakeday.StatusOpen, bakeday.StatusLocked))
	assert.True(t, bakeday.CanTransition(bakeday.StatusLocked, bakeday.StatusOpen))
	assert.True(t, bakeday.CanTransition(bakeday.StatusLocked, bakeday.StatusCompleted))
	assert.False(t, bakeday.CanTransition(bakeday.StatusCompleted, bakeday.StatusOpen))
	assert.False(t, bakeday.CanTransition(bakeday.StatusCompleted, bakeday.StatusLocked))
	assert.False(t, bakeday.CanTransition(bakeday.StatusOpen, bakeday.StatusOpen))
}

// =============================================================================
// DELETE
// =============================================================================

func TestLifecycle_Delete_GuardedByOrders(t *testing.T) {
	lc, store, _ := newTestLifecycle(t)
	ctx := context.Background()
	withOrder, err := lc.Schedule(ctx, bakeday.NewDate(2025, time.March, 7))
	require.NoError(t, err)
	empty, err := lc.Schedule(ctx, bakeday.NewDate(2025, time.March, 8))
	require.NoError(t, err)
	require.NoError(t, store.CreateOrder(ctx, ordering.Order{
		ID: "o-1", BakeDayID: withOrder.ID, Status: ordering.StatusConfirmed,
	}))

	assert.ErrorIs(t, lc.Delete(ctx, withOrder.ID), bakeday.ErrHasOrders)
	require.NoError(t, lc.Delete(ctx, empty.ID))

	_, err = lc.Get(ctx, empty.ID)
	assert.ErrorIs(t, err, bakeday.ErrNotFound)

	days, err := lc.List(ctx)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, withOrder.ID, days[0].ID)
}
