// Package ordering is the thin order orchestration layer that calls into the
// capacity engine: it gates on the bake day's cutoff, allocates capacity for
// confirmed orders, and releases it on cancellation.
package ordering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
)

type OrderID string

type OrderStatus string

const (
	StatusConfirmed OrderStatus = "confirmed"
	StatusCancelled OrderStatus = "cancelled"
)

// Order is a confirmed basket for one bake day.
type Order struct {
	ID        OrderID
	BakeDayID bakeday.ID
	Items     []capacity.Item
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderStatusConflict = errors.New("order status changed concurrently")
	ErrEmptyOrder          = errors.New("order has no items")
)

// StatusConflictError is returned when an order isn't in the expected status.
type StatusConflictError struct {
	ID       OrderID
	Expected OrderStatus
	Actual   OrderStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("order %s: expected status %s, found %s", e.ID, e.Expected, e.Actual)
}

func (e *StatusConflictError) Unwrap() error { return ErrOrderStatusConflict }

// Store persists orders. Creating an order for a missing bake day returns
// bakeday.ErrNotFound.
type Store interface {
	CreateOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id OrderID) (Order, error)
	ListOrders(ctx context.Context, bakeDayID bakeday.ID) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, id OrderID, from, to OrderStatus, at time.Time) (Order, error)
}
