package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"github.com/warp/bakehouse/ordering"
	"github.com/warp/bakehouse/scheduler"
	"github.com/warp/bakehouse/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func key(v string) capacity.Key {
	return capacity.Key{BakeDayID: "bd-1", VariantID: capacity.VariantID(v)}
}

func seedEntry(t *testing.T, s *memory.Store, k capacity.Key, capacityUnits int) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx capacity.Tx) error {
		_, err := tx.InsertEntry(context.Background(), k, capacityUnits, t0)
		return err
	})
	require.NoError(t, err)
}

func bakeDay(id string, date bakeday.Date, cutoff time.Time) bakeday.BakeDay {
	return bakeday.BakeDay{
		ID:        bakeday.ID(id),
		BakedOn:   date,
		DayOfWeek: date.Weekday(),
		CutoffAt:  cutoff,
		Status:    bakeday.StatusOpen,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

// =============================================================================
// LEDGER ENTRY TESTS
// =============================================================================

func TestInsertEntry_VisibleOnlyAfterCommit(t *testing.T) {
	// GIVEN: A transaction inserting a new entry
	// WHEN: Reading outside the transaction before commit
	// THEN: The entry is not found until the transaction commits

	s := memory.New()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx capacity.Tx) error {
		_, err := tx.InsertEntry(ctx, key("baguette"), 10, t0)
		require.NoError(t, err)

		_, err = s.GetEntry(ctx, key("baguette"))
		assert.ErrorIs(t, err, capacity.ErrEntryNotFound)
		return nil
	})
	require.NoError(t, err)

	e, err := s.GetEntry(ctx, key("baguette"))
	require.NoError(t, err)
	assert.Equal(t, 10, e.Capacity)
	assert.Equal(t, 0, e.Reserved)
	assert.Equal(t, int64(1), e.Version)
}

func TestWithTx_RollbackDiscardsWrites(t *testing.T) {
	// GIVEN: An entry with 10 capacity
	// WHEN: A transaction writes reserved=4 then fails
	// THEN: The committed entry is unchanged and unlocked

	s := memory.New()
	ctx := context.Background()
	seedEntry(t, s, key("baguette"), 10)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx capacity.Tx) error {
		e, err := tx.LockEntry(ctx, key("baguette"), time.Second)
		require.NoError(t, err)
		_, err = tx.WriteEntry(ctx, e.Key, e.Capacity, 4, e.Version, t0)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	e, err := s.GetEntry(ctx, key("baguette"))
	require.NoError(t, err)
	assert.Equal(t, 0, e.Reserved)
	assert.Equal(t, int64(1), e.Version)

	// lock was released by the rollback
	err = s.WithTx(ctx, func(tx capacity.Tx) error {
		_, err := tx.LockEntry(ctx, key("baguette"), 10*time.Millisecond)
		return err
	})
	assert.NoError(t, err)
}

func TestWithTx_RollbackRemovesInsertedEntry(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx capacity.Tx) error {
		_, err := tx.InsertEntry(ctx, key("rye"), 5, t0)
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.GetEntry(ctx, key("rye"))
	assert.ErrorIs(t, err, capacity.ErrEntryNotFound)

	entries, err := s.ListEntries(ctx, "bd-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLockEntry_TimesOutWhileHeld(t *testing.T) {
	// GIVEN: Transaction A holds the lock on an entry
	// WHEN: Transaction B tries to lock it with a short timeout
	// THEN: B gets ErrLockTimeout and can still lock other entries

	s := memory.New()
	ctx := context.Background()
	seedEntry(t, s, key("baguette"), 10)
	seedEntry(t, s, key("croissant"), 10)

	err := s.WithTx(ctx, func(a capacity.Tx) error {
		_, err := a.LockEntry(ctx, key("baguette"), time.Second)
		require.NoError(t, err)

		return s.WithTx(ctx, func(b capacity.Tx) error {
			_, err := b.LockEntry(ctx, key("baguette"), 20*time.Millisecond)
			assert.ErrorIs(t, err, capacity.ErrLockTimeout)

			_, err = b.LockEntry(ctx, key("croissant"), 20*time.Millisecond)
			assert.NoError(t, err)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestLockEntry_ReentrantWithinTransaction(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedEntry(t, s, key("baguette"), 10)

	err := s.WithTx(ctx, func(tx capacity.Tx) error {
		e, err := tx.LockEntry(ctx, key("baguette"), time.Second)
		require.NoError(t, err)
		_, err = tx.WriteEntry(ctx, e.Key, e.Capacity, 3, e.Version, t0)
		require.NoError(t, err)

		again, err := tx.LockEntry(ctx, key("baguette"), 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 3, again.Reserved, "re-lock sees the pending write")
		assert.Equal(t, int64(2), again.Version)
		return nil
	})
	require.NoError(t, err)
}

func TestLockEntry_MissingEntry(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx capacity.Tx) error {
		_, err := tx.LockEntry(ctx, key("ghost"), time.Second)
		return err
	})
	assert.ErrorIs(t, err, capacity.ErrEntryNotFound)
}

func TestWriteEntry_RequiresLock(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedEntry(t, s, key("baguette"), 10)

	err := s.WithTx(ctx, func(tx capacity.Tx) error {
		_, err := tx.WriteEntry(ctx, key("baguette"), 10, 1, 1, t0)
		return err
	})
	assert.ErrorIs(t, err, capacity.ErrLockNotHeld)
}

func TestWriteEntry_VersionMismatch(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedEntry(t, s, key("baguette"), 10)

	err := s.WithTx(ctx, func(tx capacity.Tx) error {
		e, err := tx.LockEntry(ctx, key("baguette"), time.Second)
		require.NoError(t, err)
		_, err = tx.WriteEntry(ctx, e.Key, e.Capacity, 1, e.Version+5, t0)
		return err
	})
	assert.ErrorIs(t, err, capacity.ErrConcurrentModification)
}

func TestWriteEntry_RefusesInvariantViolation(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedEntry(t, s, key("baguette"), 10)

	err := s.WithTx(ctx, func(tx capacity.Tx) error {
		e, err := tx.LockEntry(ctx, key("baguette"), time.Second)
		require.NoError(t, err)
		_, err = tx.WriteEntry(ctx, e.Key, e.Capacity, 11, e.Version, t0)
		return err
	})
	assert.ErrorIs(t, err, capacity.ErrInvariantViolation)
}

func TestDeleteEntry_RefusedWhileReserved(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedEntry(t, s, key("baguette"), 10)

	err := s.WithTx(ctx, func(tx capacity.Tx) error {
		e, err := tx.LockEntry(ctx, key("baguette"), time.Second)
		require.NoError(t, err)
		_, err = tx.WriteEntry(ctx, e.Key, e.Capacity, 2, e.Version, t0)
		return err
	})
	require.NoError(t, err)

	err = s.DeleteEntry(ctx, key("baguette"))
	assert.ErrorIs(t, err, capacity.ErrEntryReserved)

	seedEntry(t, s, key("rye"), 4)
	require.NoError(t, s.DeleteEntry(ctx, key("rye")))
	_, err = s.GetEntry(ctx, key("rye"))
	assert.ErrorIs(t, err, capacity.ErrEntryNotFound)
}

func TestListEntries_SortedByVariant(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedEntry(t, s, key("sourdough"), 1)
	seedEntry(t, s, key("baguette"), 1)
	seedEntry(t, s, capacity.Key{BakeDayID: "bd-2", VariantID: "rye"}, 1)

	entries, err := s.ListEntries(ctx, "bd-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, capacity.VariantID("baguette"), entries[0].Key.VariantID)
	assert.Equal(t, capacity.VariantID("sourdough"), entries[1].Key.VariantID)
}

// =============================================================================
// BAKE DAY TESTS
// =============================================================================

func TestCreateBakeDay_DuplicateDate(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	date := bakeday.NewDate(2025, time.March, 7)

	require.NoError(t, s.CreateBakeDay(ctx, bakeDay("bd-1", date, t0)))
	err := s.CreateBakeDay(ctx, bakeDay("bd-2", date, t0))
	assert.ErrorIs(t, err, bakeday.ErrDuplicateBakeDay)

	got, err := s.GetBakeDayByDate(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, bakeday.ID("bd-1"), got.ID)
}

func TestTransitionStatus_CompareAndSet(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.CreateBakeDay(ctx, bakeDay("bd-1", bakeday.NewDate(2025, time.March, 7), t0)))

	bd, err := s.TransitionStatus(ctx, "bd-1", bakeday.StatusOpen, bakeday.StatusLocked, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, bakeday.StatusLocked, bd.Status)
	assert.Equal(t, t0.Add(time.Hour), bd.UpdatedAt)

	_, err = s.TransitionStatus(ctx, "bd-1", bakeday.StatusOpen, bakeday.StatusLocked, t0)
	var conflict *bakeday.StatusConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, bakeday.StatusLocked, conflict.Actual)

	_, err = s.TransitionStatus(ctx, "nope", bakeday.StatusOpen, bakeday.StatusLocked, t0)
	assert.ErrorIs(t, err, bakeday.ErrNotFound)
}

func TestListOverdue_OpenAndCutoffReached(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := t0

	require.NoError(t, s.CreateBakeDay(ctx, bakeDay("late", bakeday.NewDate(2025, time.March, 4), now.Add(-time.Hour))))
	require.NoError(t, s.CreateBakeDay(ctx, bakeDay("later", bakeday.NewDate(2025, time.March, 5), now.Add(-2*time.Hour))))
	require.NoError(t, s.CreateBakeDay(ctx, bakeDay("exact", bakeday.NewDate(2025, time.March, 6), now)))
	require.NoError(t, s.CreateBakeDay(ctx, bakeDay("future", bakeday.NewDate(2025, time.March, 7), now.Add(time.Hour))))
	locked := bakeDay("locked", bakeday.NewDate(2025, time.March, 8), now.Add(-time.Hour))
	locked.Status = bakeday.StatusLocked
	require.NoError(t, s.CreateBakeDay(ctx, locked))

	overdue, err := s.ListOverdue(ctx, now)
	require.NoError(t, err)
	require.Len(t, overdue, 3)
	assert.Equal(t, bakeday.ID("later"), overdue[0].ID)
	assert.Equal(t, bakeday.ID("late"), overdue[1].ID)
	assert.Equal(t, bakeday.ID("exact"), overdue[2].ID)
}

func TestDeleteBakeDay_RefusedWithOrders(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.CreateBakeDay(ctx, bakeDay("bd-1", bakeday.NewDate(2025, time.March, 7), t0)))
	require.NoError(t, s.CreateOrder(ctx, ordering.Order{
		ID: "o-1", BakeDayID: "bd-1", Status: ordering.StatusConfirmed, CreatedAt: t0,
	}))

	err := s.DeleteBakeDay(ctx, "bd-1")
	assert.ErrorIs(t, err, bakeday.ErrHasOrders)

	_, err = s.GetBakeDay(ctx, "bd-1")
	assert.NoError(t, err)
}

func TestDeleteBakeDay_RemovesEntriesAndJob(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.CreateBakeDay(ctx, bakeDay("bd-1", bakeday.NewDate(2025, time.March, 7), t0)))
	seedEntry(t, s, key("baguette"), 10)
	require.NoError(t, s.SaveJob(ctx, scheduler.Job{BakeDayID: "bd-1", RunAt: t0, Status: scheduler.JobPending}))

	require.NoError(t, s.DeleteBakeDay(ctx, "bd-1"))

	_, err := s.GetEntry(ctx, key("baguette"))
	assert.ErrorIs(t, err, capacity.ErrEntryNotFound)
	_, ok := s.Job("bd-1")
	assert.False(t, ok)
}

// =============================================================================
// ORDER AND JOB TESTS
// =============================================================================

func TestCreateOrder_RequiresBakeDay(t *testing.T) {
	s := memory.New()
	err := s.CreateOrder(context.Background(), ordering.Order{ID: "o-1", BakeDayID: "missing"})
	assert.ErrorIs(t, err, bakeday.ErrNotFound)
}

func TestUpdateOrderStatus_CompareAndSet(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.CreateBakeDay(ctx, bakeDay("bd-1", bakeday.NewDate(2025, time.March, 7), t0)))
	require.NoError(t, s.CreateOrder(ctx, ordering.Order{
		ID: "o-1", BakeDayID: "bd-1", Status: ordering.StatusConfirmed,
		Items: []capacity.Item{{VariantID: "baguette", Quantity: 2}},
	}))

	o, err := s.UpdateOrderStatus(ctx, "o-1", ordering.StatusConfirmed, ordering.StatusCancelled, t0)
	require.NoError(t, err)
	assert.Equal(t, ordering.StatusCancelled, o.Status)

	_, err = s.UpdateOrderStatus(ctx, "o-1", ordering.StatusConfirmed, ordering.StatusCancelled, t0)
	assert.ErrorIs(t, err, ordering.ErrOrderStatusConflict)
}

func TestPendingJobs_OrderedByRunAt(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.SaveJob(ctx, scheduler.Job{BakeDayID: "b", RunAt: t0.Add(2 * time.Hour), Status: scheduler.JobPending}))
	require.NoError(t, s.SaveJob(ctx, scheduler.Job{BakeDayID: "a", RunAt: t0.Add(time.Hour), Status: scheduler.JobPending}))
	require.NoError(t, s.SaveJob(ctx, scheduler.Job{BakeDayID: "c", RunAt: t0, Status: scheduler.JobDone}))

	jobs, err := s.PendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, bakeday.ID("a"), jobs[0].BakeDayID)
	assert.Equal(t, bakeday.ID("b"), jobs[1].BakeDayID)
}
