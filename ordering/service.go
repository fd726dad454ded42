package ordering

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"go.uber.org/zap"
)

// Service places and cancels orders.
//
// PLACE FLOW:
//
//	bake day lookup ─▶ cutoff gate ─▶ validate (hint) ─▶ allocate ─▶ persist
//	                                                        ▲           │
//	                                                        └─ release ◀┘ on persist failure
type Service struct {
	Orders   Store
	BakeDays bakeday.Store
	Capacity *capacity.Manager
	Clock    bakeday.Clock
	Logger   *zap.Logger
}

func NewService(orders Store, bakeDays bakeday.Store, mgr *capacity.Manager, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Orders:   orders,
		BakeDays: bakeDays,
		Capacity: mgr,
		Clock:    bakeday.SystemClock{},
		Logger:   logger,
	}
}

// Place confirms an order for a bake day, reserving capacity for every
// metered line. Nothing is reserved when it fails.
func (s *Service) Place(ctx context.Context, bakeDayID bakeday.ID, items []capacity.Item) (Order, error) {
	if len(items) == 0 {
		return Order{}, ErrEmptyOrder
	}
	bd, err := s.BakeDays.GetBakeDay(ctx, bakeDayID)
	if err != nil {
		return Order{}, err
	}
	now := s.Clock.Now()
	if err := bakeday.CheckOrdering(bd, now); err != nil {
		return Order{}, err
	}
	if err := s.Capacity.Validate(ctx, bakeDayID, items); err != nil {
		return Order{}, err
	}
	if err := s.Capacity.Allocate(ctx, bakeDayID, items); err != nil {
		return Order{}, err
	}

	o := Order{
		ID:        OrderID(uuid.NewString()),
		BakeDayID: bakeDayID,
		Items:     append([]capacity.Item(nil), items...),
		Status:    StatusConfirmed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Orders.CreateOrder(ctx, o); err != nil {
		// compensate: the reservation has no order to belong to
		_ = s.Capacity.Release(ctx, bakeDayID, items)
		return Order{}, fmt.Errorf("persist order: %w", err)
	}
	s.Logger.Info("order placed",
		zap.String("order_id", string(o.ID)),
		zap.String("bake_day_id", string(bakeDayID)),
		zap.Int("lines", len(items)))
	return o, nil
}

// Cancel cancels a confirmed order and releases its capacity. Cancelling an
// already cancelled order returns it unchanged; capacity is released once.
func (s *Service) Cancel(ctx context.Context, id OrderID) (Order, error) {
	o, err := s.Orders.GetOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if o.Status == StatusCancelled {
		return o, nil
	}
	updated, err := s.Orders.UpdateOrderStatus(ctx, id, StatusConfirmed, StatusCancelled, s.Clock.Now())
	var conflict *StatusConflictError
	if errors.As(err, &conflict) && conflict.Actual == StatusCancelled {
		return s.Orders.GetOrder(ctx, id)
	}
	if err != nil {
		return Order{}, fmt.Errorf("cancel order %s: %w", id, err)
	}

	// Release never fails the caller; failures are logged by the manager.
	_ = s.Capacity.Release(ctx, o.BakeDayID, o.Items)
	s.Logger.Info("order cancelled",
		zap.String("order_id", string(id)),
		zap.String("bake_day_id", string(o.BakeDayID)))
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id OrderID) (Order, error) {
	return s.Orders.GetOrder(ctx, id)
}

func (s *Service) List(ctx context.Context, bakeDayID bakeday.ID) ([]Order, error) {
	return s.Orders.ListOrders(ctx, bakeDayID)
}

// Availability is the customer-facing view of one bake day.
type Availability struct {
	BakeDay    bakeday.BakeDay
	Allowed    bool
	Reason     bakeday.ClosedReason
	Capacities []capacity.Status
}

// Availability reports whether a bake day takes orders and how full each
// configured variant is.
func (s *Service) Availability(ctx context.Context, bakeDayID bakeday.ID) (Availability, error) {
	bd, err := s.BakeDays.GetBakeDay(ctx, bakeDayID)
	if err != nil {
		return Availability{}, err
	}
	out := Availability{BakeDay: bd, Allowed: true}
	var closed *bakeday.OrderingClosedError
	if err := bakeday.CheckOrdering(bd, s.Clock.Now()); errors.As(err, &closed) {
		out.Allowed = false
		out.Reason = closed.Reason
	}
	entries, err := s.Capacity.Store.ListEntries(ctx, bakeDayID)
	if err != nil {
		return Availability{}, err
	}
	for _, e := range entries {
		out.Capacities = append(out.Capacities, capacity.StatusOf(e))
	}
	return out, nil
}

// NextAvailable returns the earliest bake day still taking orders.
func (s *Service) NextAvailable(ctx context.Context) (bakeday.BakeDay, bool, error) {
	days, err := s.BakeDays.ListBakeDays(ctx)
	if err != nil {
		return bakeday.BakeDay{}, false, err
	}
	bd, ok := bakeday.NextAvailable(days, s.Clock.Now())
	return bd, ok, nil
}
