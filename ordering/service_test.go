package ordering_test

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
	"github.com/warp/bakehouse/store/memory"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type failingOrders struct {
	*memory.Store
}

func (failingOrders) CreateOrder(context.Context, ordering.Order) error {
	return errors.New("disk full")
}

type env struct {
	store     *memory.Store
	svc       *ordering.Service
	ledger    *capacity.Ledger
	lifecycle *bakeday.Lifecycle
	clock     *bakeday.FixedClock
	friday    bakeday.BakeDay
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	logger := zaptest.NewLogger(t)
	clock := bakeday.NewFixedClock(time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC))

	lc := bakeday.NewLifecycle(store, logger)
	lc.Clock = clock
	friday, err := lc.Schedule(context.Background(), bakeday.NewDate(2025, time.March, 7))
	require.NoError(t, err)

	cfg := capacity.DefaultManagerConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	mgr := capacity.NewManager(store, cfg, nil, logger)
	svc := ordering.NewService(store, store, mgr, logger)
	svc.Clock = clock

	return &env{store: store, svc: svc, ledger: capacity.NewLedger(store), lifecycle: lc, clock: clock, friday: friday}
}

func (e *env) setCapacity(t *testing.T, variant string, units int) {
	t.Helper()
	_, err := e.ledger.SetCapacity(context.Background(), capacity.Key{BakeDayID: e.friday.ID, VariantID: capacity.VariantID(variant)}, units)
	require.NoError(t, err)
}

func (e *env) reserved(t *testing.T, variant string) int {
	t.Helper()
	entry, err := e.ledger.Entry(context.Background(), capacity.Key{BakeDayID: e.friday.ID, VariantID: capacity.VariantID(variant)})
	require.NoError(t, err)
	return entry.Reserved
}

func line(variant string, qty int) capacity.Item {
	return capacity.Item{VariantID: capacity.VariantID(variant), Quantity: qty}
}

// =============================================================================
// PLACE
// =============================================================================

func TestPlace_ReservesAndConfirms(t *testing.T) {
	e := newEnv(t)
	e.setCapacity(t, "baguette", 10)
	ctx := context.Background()

	o, err := e.svc.Place(ctx, e.friday.ID, []capacity.Item{line("baguette", 3), line("cookie", 12)})
	require.NoError(t, err)

	assert.Equal(t, ordering.StatusConfirmed, o.Status)
	assert.Equal(t, 3, e.reserved(t, "baguette"))
	stored, err := e.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Items, stored.Items)
}

func TestPlace_RefusedAfterCutoff(t *testing.T) {
	// GIVEN: Friday's cutoff (Wednesday 18:00 Brussels) has passed but the
	//        scheduler hasn't locked the day yet
	// WHEN: Placing an order
	// THEN: It is refused and nothing is reserved

	e := newEnv(t)
	e.setCapacity(t, "baguette", 10)
	e.clock.Set(e.friday.CutoffAt.Add(time.Second))

	_, err := e.svc.Place(context.Background(), e.friday.ID, []capacity.Item{line("baguette", 1)})

	var closed *bakeday.OrderingClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, bakeday.ReasonCutoffPassed, closed.Reason)
	assert.Equal(t, 0, e.reserved(t, "baguette"))
}

func TestPlace_AcceptedAtExactCutoff(t *testing.T) {
	e := newEnv(t)
	e.clock.Set(e.friday.CutoffAt)

	_, err := e.svc.Place(context.Background(), e.friday.ID, []capacity.Item{line("cookie", 1)})
	assert.NoError(t, err)
}

func TestPlace_RefusedWhenLocked(t *testing.T) {
	e := newEnv(t)
	_, err := e.lifecycle.Lock(context.Background(), e.friday.ID)
	require.NoError(t, err)

	_, err = e.svc.Place(context.Background(), e.friday.ID, []capacity.Item{line("cookie", 1)})
	assert.ErrorIs(t, err, bakeday.ErrOrderingClosed)
}

func TestPlace_InsufficientCapacity(t *testing.T) {
	e := newEnv(t)
	e.setCapacity(t, "baguette", 10)
	e.setCapacity(t, "croissant", 2)

	_, err := e.svc.Place(context.Background(), e.friday.ID, []capacity.Item{line("baguette", 5), line("croissant", 3)})

	assert.ErrorIs(t, err, capacity.ErrInsufficientCapacity)
	assert.Equal(t, 0, e.reserved(t, "baguette"))
	orders, err := e.svc.List(context.Background(), e.friday.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlace_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Place(ctx, e.friday.ID, nil)
	assert.ErrorIs(t, err, ordering.ErrEmptyOrder)

	_, err = e.svc.Place(ctx, e.friday.ID, []capacity.Item{line("baguette", -2)})
	assert.ErrorIs(t, err, capacity.ErrInvalidQuantity)

	_, err = e.svc.Place(ctx, "missing", []capacity.Item{line("baguette", 1)})
	assert.ErrorIs(t, err, bakeday.ErrNotFound)
}

func TestPlace_ReleasesWhenOrderNotPersisted(t *testing.T) {
	e := newEnv(t)
	e.setCapacity(t, "baguette", 10)
	e.svc.Orders = failingOrders{e.store}

	_, err := e.svc.Place(context.Background(), e.friday.ID, []capacity.Item{line("baguette", 4)})

	require.Error(t, err)
	assert.Equal(t, 0, e.reserved(t, "baguette"))
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_ReleasesOnce(t *testing.T) {
	// GIVEN: A confirmed order holding 4 baguettes
	// WHEN: Cancelling it twice
	// THEN: Capacity is released exactly once

	e := newEnv(t)
	e.setCapacity(t, "baguette", 10)
	ctx := context.Background()
	_, err := e.svc.Place(ctx, e.friday.ID, []capacity.Item{line("baguette", 2)})
	require.NoError(t, err)
	o, err := e.svc.Place(ctx, e.friday.ID, []capacity.Item{line("baguette", 4)})
	require.NoError(t, err)
	require.Equal(t, 6, e.reserved(t, "baguette"))

	cancelled, err := e.svc.Cancel(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ordering.StatusCancelled, cancelled.Status)
	assert.Equal(t, 2, e.reserved(t, "baguette"))

	again, err := e.svc.Cancel(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ordering.StatusCancelled, again.Status)
	assert.Equal(t, 2, e.reserved(t, "baguette"))
}

func TestCancel_UnknownOrder(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, ordering.ErrOrderNotFound)
}

// =============================================================================
// AVAILABILITY
// =============================================================================

func TestAvailability(t *testing.T) {
	e := newEnv(t)
	e.setCapacity(t, "baguette", 10)
	e.setCapacity(t, "croissant", 4)
	ctx := context.Background()
	_, err := e.svc.Place(ctx, e.friday.ID, []capacity.Item{line("croissant", 4)})
	require.NoError(t, err)

	av, err := e.svc.Availability(ctx, e.friday.ID)
	require.NoError(t, err)
	assert.True(t, av.Allowed)
	require.Len(t, av.Capacities, 2)
	assert.Equal(t, capacity.LevelPlenty, av.Capacities[0].Level)
	assert.Equal(t, capacity.LevelSoldOut, av.Capacities[1].Level)

	e.clock.Set(e.friday.CutoffAt.Add(time.Minute))
	av, err = e.svc.Availability(ctx, e.friday.ID)
	require.NoError(t, err)
	assert.False(t, av.Allowed)
	assert.Equal(t, bakeday.ReasonCutoffPassed, av.Reason)
}

func TestNextAvailable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	saturday, err := e.lifecycle.Schedule(ctx, bakeday.NewDate(2025, time.March, 8))
	require.NoError(t, err)

	next, ok, err := e.svc.NextAvailable(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.friday.ID, next.ID)

	e.clock.Set(e.friday.CutoffAt.Add(time.Minute))
	next, ok, err = e.svc.NextAvailable(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, saturday.ID, next.ID)
}
