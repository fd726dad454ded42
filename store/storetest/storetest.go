// Package storetest is the behavioural contract every store implementation
// must satisfy. Each store package runs it from its own tests:
//
//	func TestContract(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) storetest.Store { return newStore(t) })
//	}
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"github.com/warp/bakehouse/ordering"
	"github.com/warp/bakehouse/scheduler"
	"golang.org/x/sync/errgroup"
)

// Store is the union of the persistence contracts.
type Store interface {
	capacity.TxStore
	bakeday.Store
	ordering.Store
	scheduler.JobStore
}

// Factory returns an empty, migrated store. Cleanup is the factory's job.
type Factory func(t *testing.T) Store

// T0 is the reference instant used by the suite, truncated to whole seconds
// so every engine round-trips it exactly.
var T0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// Run executes the whole contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("BakeDays", func(t *testing.T) { runBakeDays(t, newStore) })
	t.Run("Entries", func(t *testing.T) { runEntries(t, newStore) })
	t.Run("Concurrency", func(t *testing.T) { runConcurrency(t, newStore) })
	t.Run("Orders", func(t *testing.T) { runOrders(t, newStore) })
	t.Run("Jobs", func(t *testing.T) { runJobs(t, newStore) })
}

// =============================================================================
// HELPERS
// =============================================================================

// BakeDay builds an open bake day on date with the given cutoff.
func BakeDay(id string, date bakeday.Date, cutoff time.Time) bakeday.BakeDay {
	return bakeday.BakeDay{
		ID:        bakeday.ID(id),
		BakedOn:   date,
		DayOfWeek: date.Weekday(),
		CutoffAt:  cutoff,
		Status:    bakeday.StatusOpen,
		CreatedAt: T0,
		UpdatedAt: T0,
	}
}

func friday(t *testing.T, s Store) bakeday.BakeDay {
	t.Helper()
	bd := BakeDay("bd-fri", bakeday.NewDate(2025, time.March, 7), time.Date(2025, time.March, 5, 17, 0, 0, 0, time.UTC))
	require.NoError(t, s.CreateBakeDay(context.Background(), bd))
	return bd
}

func key(bd bakeday.BakeDay, variant string) capacity.Key {
	return capacity.Key{BakeDayID: bd.ID, VariantID: capacity.VariantID(variant)}
}

func setCapacity(t *testing.T, s Store, k capacity.Key, units int) {
	t.Helper()
	_, err := capacity.NewLedger(s).SetCapacity(context.Background(), k, units)
	require.NoError(t, err)
}

// holdLock locks k in a transaction that stays open until the returned
// function is called.
func holdLock(t *testing.T, s Store, k capacity.Key) (release func()) {
	t.Helper()
	locked := make(chan error, 1)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = s.WithTx(context.Background(), func(tx capacity.Tx) error {
			_, err := tx.LockEntry(context.Background(), k, time.Second)
			locked <- err
			<-done
			return nil
		})
	}()
	require.NoError(t, <-locked)
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}
}

// =============================================================================
// BAKE DAYS
// =============================================================================

func runBakeDays(t *testing.T, newStore Factory) {
	t.Run("CreateGetAndDuplicateDate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)

		got, err := s.GetBakeDay(ctx, bd.ID)
		require.NoError(t, err)
		assert.Equal(t, bd.BakedOn, got.BakedOn)
		assert.Equal(t, time.Friday, got.DayOfWeek)
		assert.True(t, bd.CutoffAt.Equal(got.CutoffAt))
		assert.Equal(t, bakeday.StatusOpen, got.Status)

		byDate, err := s.GetBakeDayByDate(ctx, bd.BakedOn)
		require.NoError(t, err)
		assert.Equal(t, bd.ID, byDate.ID)

		dup := BakeDay("bd-other", bd.BakedOn, bd.CutoffAt)
		assert.ErrorIs(t, s.CreateBakeDay(ctx, dup), bakeday.ErrDuplicateBakeDay)

		_, err = s.GetBakeDay(ctx, "missing")
		assert.ErrorIs(t, err, bakeday.ErrNotFound)
		_, err = s.GetBakeDayByDate(ctx, bakeday.NewDate(2030, time.January, 1))
		assert.ErrorIs(t, err, bakeday.ErrNotFound)
	})

	t.Run("ListSortedByDate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateBakeDay(ctx, BakeDay("b", bakeday.NewDate(2025, time.March, 8), T0)))
		require.NoError(t, s.CreateBakeDay(ctx, BakeDay("a", bakeday.NewDate(2025, time.March, 7), T0)))

		days, err := s.ListBakeDays(ctx)
		require.NoError(t, err)
		require.Len(t, days, 2)
		assert.Equal(t, bakeday.ID("a"), days[0].ID)
		assert.Equal(t, bakeday.ID("b"), days[1].ID)
	})

	t.Run("ListOverdueIncludesExactCutoff", func(t *testing.T) {
		// GIVEN: Open days with cutoffs before, at and after now, and a
		//        locked day whose cutoff passed
		// WHEN: Listing overdue days
		// THEN: Only the open days at or past their cutoff are returned,
		//       earliest cutoff first

		s := newStore(t)
		ctx := context.Background()
		now := T0
		require.NoError(t, s.CreateBakeDay(ctx, BakeDay("exact", bakeday.NewDate(2025, time.March, 5), now)))
		require.NoError(t, s.CreateBakeDay(ctx, BakeDay("past", bakeday.NewDate(2025, time.March, 4), now.Add(-time.Hour))))
		require.NoError(t, s.CreateBakeDay(ctx, BakeDay("future", bakeday.NewDate(2025, time.March, 6), now.Add(time.Second))))
		locked := BakeDay("locked", bakeday.NewDate(2025, time.March, 3), now.Add(-2*time.Hour))
		locked.Status = bakeday.StatusLocked
		require.NoError(t, s.CreateBakeDay(ctx, locked))

		days, err := s.ListOverdue(ctx, now)
		require.NoError(t, err)
		require.Len(t, days, 2)
		assert.Equal(t, bakeday.ID("past"), days[0].ID)
		assert.Equal(t, bakeday.ID("exact"), days[1].ID)
	})

	t.Run("TransitionIsCompareAndSet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		at := T0.Add(time.Hour)

		locked, err := s.TransitionStatus(ctx, bd.ID, bakeday.StatusOpen, bakeday.StatusLocked, at)
		require.NoError(t, err)
		assert.Equal(t, bakeday.StatusLocked, locked.Status)
		assert.True(t, at.Equal(locked.UpdatedAt))

		_, err = s.TransitionStatus(ctx, bd.ID, bakeday.StatusOpen, bakeday.StatusLocked, at)
		var conflict *bakeday.StatusConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, bakeday.StatusLocked, conflict.Actual)

		_, err = s.TransitionStatus(ctx, "missing", bakeday.StatusOpen, bakeday.StatusLocked, at)
		assert.ErrorIs(t, err, bakeday.ErrNotFound)
	})

	t.Run("DeleteGuards", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		setCapacity(t, s, key(bd, "baguette"), 10)
		require.NoError(t, s.SaveJob(ctx, scheduler.Job{BakeDayID: bd.ID, RunAt: bd.CutoffAt, Status: scheduler.JobPending, UpdatedAt: T0}))

		o := ordering.Order{ID: "o-1", BakeDayID: bd.ID, Items: []capacity.Item{{VariantID: "baguette", Quantity: 1}},
			Status: ordering.StatusConfirmed, CreatedAt: T0, UpdatedAt: T0}
		require.NoError(t, s.CreateOrder(ctx, o))
		assert.ErrorIs(t, s.DeleteBakeDay(ctx, bd.ID), bakeday.ErrHasOrders)

		empty := BakeDay("bd-sat", bakeday.NewDate(2025, time.March, 8), T0)
		require.NoError(t, s.CreateBakeDay(ctx, empty))
		setCapacity(t, s, key(empty, "baguette"), 5)
		require.NoError(t, s.SaveJob(ctx, scheduler.Job{BakeDayID: empty.ID, RunAt: empty.CutoffAt, Status: scheduler.JobPending, UpdatedAt: T0}))

		require.NoError(t, s.DeleteBakeDay(ctx, empty.ID))
		_, err := s.GetBakeDay(ctx, empty.ID)
		assert.ErrorIs(t, err, bakeday.ErrNotFound)
		entries, err := s.ListEntries(ctx, empty.ID)
		require.NoError(t, err)
		assert.Empty(t, entries)
		jobs, err := s.PendingJobs(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, bd.ID, jobs[0].BakeDayID)

		assert.ErrorIs(t, s.DeleteBakeDay(ctx, "missing"), bakeday.ErrNotFound)
	})
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func runEntries(t *testing.T, newStore Factory) {
	t.Run("InsertVisibleAfterCommit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)

		e, err := capacity.NewLedger(s).SetCapacity(ctx, key(bd, "baguette"), 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), e.Version)

		got, err := s.GetEntry(ctx, key(bd, "baguette"))
		require.NoError(t, err)
		assert.Equal(t, 10, got.Capacity)
		assert.Equal(t, 0, got.Reserved)
		assert.Equal(t, int64(1), got.Version)

		_, err = s.GetEntry(ctx, key(bd, "croissant"))
		assert.ErrorIs(t, err, capacity.ErrEntryNotFound)
	})

	t.Run("RollbackDiscardsWrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		k := key(bd, "baguette")
		setCapacity(t, s, k, 10)

		err := s.WithTx(ctx, func(tx capacity.Tx) error {
			_, err := capacity.Reserve(ctx, tx, k, 4, time.Second, T0)
			require.NoError(t, err)
			_, err = tx.InsertEntry(ctx, key(bd, "croissant"), 3, T0)
			require.NoError(t, err)
			return capacity.ErrInsufficientCapacity
		})
		require.ErrorIs(t, err, capacity.ErrInsufficientCapacity)

		e, err := s.GetEntry(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, 0, e.Reserved)
		assert.Equal(t, int64(1), e.Version)
		_, err = s.GetEntry(ctx, key(bd, "croissant"))
		assert.ErrorIs(t, err, capacity.ErrEntryNotFound)
	})

	t.Run("ReserveAndReleaseBumpVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		k := key(bd, "baguette")
		setCapacity(t, s, k, 10)
		ledger := capacity.NewLedger(s)

		e, err := ledger.Reserve(ctx, k, 8)
		require.NoError(t, err)
		assert.Equal(t, 8, e.Reserved)
		assert.Equal(t, int64(2), e.Version)

		_, err = ledger.Reserve(ctx, k, 3)
		assert.ErrorIs(t, err, capacity.ErrInsufficientCapacity)

		e, err = ledger.Release(ctx, k, 8)
		require.NoError(t, err)
		assert.Equal(t, 0, e.Reserved)
		assert.Equal(t, int64(3), e.Version)
	})

	t.Run("LockMissingEntry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		err := s.WithTx(ctx, func(tx capacity.Tx) error {
			_, err := tx.LockEntry(ctx, key(bd, "nothing"), time.Second)
			return err
		})
		assert.ErrorIs(t, err, capacity.ErrEntryNotFound)
	})

	t.Run("WriteRequiresLock", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		k := key(bd, "baguette")
		setCapacity(t, s, k, 10)

		err := s.WithTx(ctx, func(tx capacity.Tx) error {
			_, err := tx.WriteEntry(ctx, k, 10, 5, 1, T0)
			return err
		})
		assert.ErrorIs(t, err, capacity.ErrLockNotHeld)
	})

	t.Run("WriteRejectsStaleVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		k := key(bd, "baguette")
		setCapacity(t, s, k, 10)

		err := s.WithTx(ctx, func(tx capacity.Tx) error {
			_, err := tx.LockEntry(ctx, k, time.Second)
			require.NoError(t, err)
			_, err = tx.WriteEntry(ctx, k, 10, 5, 7, T0)
			return err
		})
		assert.ErrorIs(t, err, capacity.ErrConcurrentModification)
	})

	t.Run("WriteRejectsInvariantViolation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		k := key(bd, "baguette")
		setCapacity(t, s, k, 10)

		err := s.WithTx(ctx, func(tx capacity.Tx) error {
			e, err := tx.LockEntry(ctx, k, time.Second)
			require.NoError(t, err)
			_, err = tx.WriteEntry(ctx, k, 10, 11, e.Version, T0)
			return err
		})
		assert.ErrorIs(t, err, capacity.ErrInvariantViolation)
	})

	t.Run("DeleteEntryGuard", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		k := key(bd, "baguette")
		setCapacity(t, s, k, 10)
		_, err := capacity.NewLedger(s).Reserve(ctx, k, 1)
		require.NoError(t, err)

		assert.ErrorIs(t, s.DeleteEntry(ctx, k), capacity.ErrEntryReserved)

		_, err = capacity.NewLedger(s).Release(ctx, k, 1)
		require.NoError(t, err)
		require.NoError(t, s.DeleteEntry(ctx, k))
		_, err = s.GetEntry(ctx, k)
		assert.ErrorIs(t, err, capacity.ErrEntryNotFound)
	})

	t.Run("ListEntriesSorted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		setCapacity(t, s, key(bd, "croissant"), 4)
		setCapacity(t, s, key(bd, "baguette"), 10)

		entries, err := s.ListEntries(ctx, bd.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, capacity.VariantID("baguette"), entries[0].Key.VariantID)
		assert.Equal(t, capacity.VariantID("croissant"), entries[1].Key.VariantID)
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func runConcurrency(t *testing.T, newStore Factory) {
	t.Run("LockTimesOut", func(t *testing.T) {
		// GIVEN: Another transaction holds the baguette entry
		// WHEN: Reserving with a short lock timeout
		// THEN: ErrLockTimeout, and the entry is untouched

		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		k := key(bd, "baguette")
		setCapacity(t, s, k, 10)

		release := holdLock(t, s, k)
		defer release()

		ledger := capacity.NewLedger(s)
		ledger.LockTimeout = 50 * time.Millisecond
		_, err := ledger.Reserve(ctx, k, 1)
		assert.ErrorIs(t, err, capacity.ErrLockTimeout)

		release()
		e, err := ledger.Reserve(ctx, k, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, e.Reserved)
	})

	t.Run("NoOversell", func(t *testing.T) {
		// GIVEN: 10 baguettes
		// WHEN: 25 concurrent orders each allocate 1
		// THEN: Exactly 10 succeed and reserved ends at 10

		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		k := key(bd, "baguette")
		setCapacity(t, s, k, 10)

		cfg := capacity.DefaultManagerConfig()
		cfg.Retry.MaxAttempts = 10
		cfg.Retry.BaseDelay = 5 * time.Millisecond
		cfg.AllocationDeadline = 30 * time.Second
		mgr := capacity.NewManager(s, cfg, nil, nil)

		var (
			mu        sync.Mutex
			succeeded int
			refused   int
		)
		var g errgroup.Group
		for i := 0; i < 25; i++ {
			g.Go(func() error {
				err := mgr.Allocate(ctx, bd.ID, []capacity.Item{{VariantID: "baguette", Quantity: 1}})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case capacity.IsBusinessOutcome(err):
					refused++
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, 10, succeeded)
		assert.Equal(t, 15, refused)
		e, err := s.GetEntry(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, 10, e.Reserved)
	})
}

// =============================================================================
// ORDERS
// =============================================================================

func runOrders(t *testing.T, newStore Factory) {
	t.Run("CreateGetList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)

		first := ordering.Order{ID: "o-1", BakeDayID: bd.ID, Status: ordering.StatusConfirmed, CreatedAt: T0, UpdatedAt: T0,
			Items: []capacity.Item{{VariantID: "croissant", Quantity: 2}, {VariantID: "baguette", Quantity: 1}}}
		second := ordering.Order{ID: "o-2", BakeDayID: bd.ID, Status: ordering.StatusConfirmed, CreatedAt: T0.Add(time.Minute), UpdatedAt: T0,
			Items: []capacity.Item{{VariantID: "cookie", Quantity: 12}}}
		require.NoError(t, s.CreateOrder(ctx, second))
		require.NoError(t, s.CreateOrder(ctx, first))

		got, err := s.GetOrder(ctx, "o-1")
		require.NoError(t, err)
		assert.Equal(t, first.Items, got.Items)
		assert.Equal(t, ordering.StatusConfirmed, got.Status)

		list, err := s.ListOrders(ctx, bd.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, ordering.OrderID("o-1"), list[0].ID)
		assert.Equal(t, second.Items, list[1].Items)

		_, err = s.GetOrder(ctx, "missing")
		assert.ErrorIs(t, err, ordering.ErrOrderNotFound)
	})

	t.Run("CreateForMissingBakeDay", func(t *testing.T) {
		s := newStore(t)
		o := ordering.Order{ID: "o-1", BakeDayID: "missing", Status: ordering.StatusConfirmed, CreatedAt: T0, UpdatedAt: T0,
			Items: []capacity.Item{{VariantID: "baguette", Quantity: 1}}}
		assert.ErrorIs(t, s.CreateOrder(context.Background(), o), bakeday.ErrNotFound)
	})

	t.Run("UpdateStatusIsCompareAndSet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bd := friday(t, s)
		o := ordering.Order{ID: "o-1", BakeDayID: bd.ID, Status: ordering.StatusConfirmed, CreatedAt: T0, UpdatedAt: T0,
			Items: []capacity.Item{{VariantID: "baguette", Quantity: 1}}}
		require.NoError(t, s.CreateOrder(ctx, o))

		cancelled, err := s.UpdateOrderStatus(ctx, o.ID, ordering.StatusConfirmed, ordering.StatusCancelled, T0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, ordering.StatusCancelled, cancelled.Status)

		_, err = s.UpdateOrderStatus(ctx, o.ID, ordering.StatusConfirmed, ordering.StatusCancelled, T0.Add(time.Hour))
		var conflict *ordering.StatusConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, ordering.StatusCancelled, conflict.Actual)

		_, err = s.UpdateOrderStatus(ctx, "missing", ordering.StatusConfirmed, ordering.StatusCancelled, T0)
		assert.ErrorIs(t, err, ordering.ErrOrderNotFound)
	})
}

// =============================================================================
// LOCK JOBS
// =============================================================================

func runJobs(t *testing.T, newStore Factory) {
	t.Run("SaveUpsertsAndPendingFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		fri := friday(t, s)
		sat := BakeDay("bd-sat", bakeday.NewDate(2025, time.March, 8), time.Date(2025, time.March, 6, 17, 0, 0, 0, time.UTC))
		require.NoError(t, s.CreateBakeDay(ctx, sat))

		require.NoError(t, s.SaveJob(ctx, scheduler.Job{BakeDayID: sat.ID, RunAt: sat.CutoffAt, Status: scheduler.JobPending, UpdatedAt: T0}))
		require.NoError(t, s.SaveJob(ctx, scheduler.Job{BakeDayID: fri.ID, RunAt: fri.CutoffAt, Status: scheduler.JobPending, UpdatedAt: T0}))

		jobs, err := s.PendingJobs(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, fri.ID, jobs[0].BakeDayID)
		assert.True(t, fri.CutoffAt.Equal(jobs[0].RunAt))

		done := scheduler.Job{BakeDayID: fri.ID, RunAt: fri.CutoffAt, Status: scheduler.JobDone, Attempts: 2, LastError: "", UpdatedAt: T0}
		require.NoError(t, s.SaveJob(ctx, done))

		jobs, err = s.PendingJobs(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, sat.ID, jobs[0].BakeDayID)
	})
}
