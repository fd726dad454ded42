package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"github.com/warp/bakehouse/ordering"
	"github.com/warp/bakehouse/scheduler"
)

// =============================================================================
// BAKE DAYS
// =============================================================================

const bakeDayColumns = `id, baked_on, day_of_week, cutoff_at, status, created_at, updated_at`

func scanBakeDay(row interface{ Scan(...any) error }) (bakeday.BakeDay, error) {
	var (
		bd      bakeday.BakeDay
		id      string
		bakedOn time.Time
		weekday int
		status  string
	)
	if err := row.Scan(&id, &bakedOn, &weekday, &bd.CutoffAt, &status, &bd.CreatedAt, &bd.UpdatedAt); err != nil {
		return bakeday.BakeDay{}, err
	}
	bd.ID = bakeday.ID(id)
	bd.BakedOn = bakeday.DateOf(bakedOn.UTC())
	bd.DayOfWeek = time.Weekday(weekday)
	bd.Status = bakeday.Status(status)
	bd.CutoffAt = bd.CutoffAt.UTC()
	bd.CreatedAt = bd.CreatedAt.UTC()
	bd.UpdatedAt = bd.UpdatedAt.UTC()
	return bd, nil
}

func (s *Store) CreateBakeDay(ctx context.Context, bd bakeday.BakeDay) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO bake_days (`+bakeDayColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(bd.ID), bd.BakedOn.String(), int(bd.DayOfWeek), bd.CutoffAt.UTC(),
		string(bd.Status), bd.CreatedAt.UTC(), bd.UpdatedAt.UTC())
	if err != nil && s.dialect.class(err) == ClassUnique {
		return fmt.Errorf("%w: %s", bakeday.ErrDuplicateBakeDay, bd.BakedOn)
	}
	return s.wrap(ctx, "create bake day", err)
}

func (s *Store) GetBakeDay(ctx context.Context, id bakeday.ID) (bakeday.BakeDay, error) {
	bd, err := scanBakeDay(s.queryRow(ctx, s.db,
		`SELECT `+bakeDayColumns+` FROM bake_days WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return bakeday.BakeDay{}, fmt.Errorf("%w: %s", bakeday.ErrNotFound, id)
	}
	return bd, s.wrap(ctx, "get bake day", err)
}

func (s *Store) GetBakeDayByDate(ctx context.Context, date bakeday.Date) (bakeday.BakeDay, error) {
	bd, err := scanBakeDay(s.queryRow(ctx, s.db,
		`SELECT `+bakeDayColumns+` FROM bake_days WHERE baked_on = ?`, date.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return bakeday.BakeDay{}, fmt.Errorf("%w: %s", bakeday.ErrNotFound, date)
	}
	return bd, s.wrap(ctx, "get bake day by date", err)
}

func (s *Store) ListBakeDays(ctx context.Context) ([]bakeday.BakeDay, error) {
	return s.queryBakeDays(ctx, `SELECT `+bakeDayColumns+` FROM bake_days ORDER BY baked_on`)
}

func (s *Store) ListOverdue(ctx context.Context, now time.Time) ([]bakeday.BakeDay, error) {
	return s.queryBakeDays(ctx,
		`SELECT `+bakeDayColumns+` FROM bake_days WHERE status = ? AND cutoff_at <= ? ORDER BY cutoff_at`,
		string(bakeday.StatusOpen), now.UTC())
}

func (s *Store) queryBakeDays(ctx context.Context, query string, args ...any) ([]bakeday.BakeDay, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, s.wrap(ctx, "query bake days", err)
	}
	defer rows.Close()

	var out []bakeday.BakeDay
	for rows.Next() {
		bd, err := scanBakeDay(rows)
		if err != nil {
			return nil, s.wrap(ctx, "scan bake day", err)
		}
		out = append(out, bd)
	}
	return out, s.wrap(ctx, "query bake days", rows.Err())
}

// TransitionStatus is a compare-and-set on the status column.
func (s *Store) TransitionStatus(ctx context.Context, id bakeday.ID, from, to bakeday.Status, at time.Time) (bakeday.BakeDay, error) {
	res, err := s.exec(ctx, s.db,
		`UPDATE bake_days SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), at.UTC(), string(id), string(from))
	if err != nil {
		return bakeday.BakeDay{}, s.wrap(ctx, "transition bake day", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return bakeday.BakeDay{}, s.wrap(ctx, "transition bake day", err)
	}
	bd, err := s.GetBakeDay(ctx, id)
	if err != nil {
		return bakeday.BakeDay{}, err
	}
	if n == 0 {
		return bd, &bakeday.StatusConflictError{ID: id, Expected: from, Actual: bd.Status}
	}
	return bd, nil
}

// DeleteBakeDay refuses while orders reference the day or any entry still
// holds units, then drops the day's entries and lock job with it.
func (s *Store) DeleteBakeDay(ctx context.Context, id bakeday.ID) error {
	return s.withSQLTx(ctx, "delete bake day", func(tx *sql.Tx) error {
		var exists, orders, reserved int
		err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM bake_days WHERE id = ?`, string(id)).Scan(&exists)
		if err != nil {
			return s.wrap(ctx, "delete bake day", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", bakeday.ErrNotFound, id)
		}
		if err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM orders WHERE bake_day_id = ?`, string(id)).Scan(&orders); err != nil {
			return s.wrap(ctx, "delete bake day", err)
		}
		if orders > 0 {
			return fmt.Errorf("%w: %s has %d", bakeday.ErrHasOrders, id, orders)
		}
		if err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM production_caps WHERE bake_day_id = ? AND reserved > 0`, string(id)).Scan(&reserved); err != nil {
			return s.wrap(ctx, "delete bake day", err)
		}
		if reserved > 0 {
			return fmt.Errorf("%w: %s", capacity.ErrEntryReserved, id)
		}
		for _, q := range []string{
			`DELETE FROM production_caps WHERE bake_day_id = ?`,
			`DELETE FROM lock_jobs WHERE bake_day_id = ?`,
			`DELETE FROM bake_days WHERE id = ?`,
		} {
			if _, err := s.exec(ctx, tx, q, string(id)); err != nil {
				if s.dialect.class(err) == ClassForeignKey {
					return fmt.Errorf("%w: %s", bakeday.ErrHasOrders, id)
				}
				return s.wrap(ctx, "delete bake day", err)
			}
		}
		return nil
	})
}

// =============================================================================
// ORDERS
// =============================================================================

const orderColumns = `id, bake_day_id, status, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (ordering.Order, error) {
	var (
		o                     ordering.Order
		id, bakeDayID, status string
	)
	if err := row.Scan(&id, &bakeDayID, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return ordering.Order{}, err
	}
	o.ID = ordering.OrderID(id)
	o.BakeDayID = bakeday.ID(bakeDayID)
	o.Status = ordering.OrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func (s *Store) CreateOrder(ctx context.Context, o ordering.Order) error {
	return s.withSQLTx(ctx, "create order", func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?)`,
			string(o.ID), string(o.BakeDayID), string(o.Status), o.CreatedAt.UTC(), o.UpdatedAt.UTC())
		if err != nil {
			switch s.dialect.class(err) {
			case ClassForeignKey:
				return fmt.Errorf("%w: %s", bakeday.ErrNotFound, o.BakeDayID)
			case ClassUnique:
				return fmt.Errorf("order %s already exists", o.ID)
			}
			return s.wrap(ctx, "create order", err)
		}
		for i, item := range o.Items {
			_, err := s.exec(ctx, tx,
				`INSERT INTO order_items (order_id, line_no, variant_id, quantity) VALUES (?, ?, ?, ?)`,
				string(o.ID), i, string(item.VariantID), item.Quantity)
			if err != nil {
				return s.wrap(ctx, "create order item", err)
			}
		}
		return nil
	})
}

func (s *Store) GetOrder(ctx context.Context, id ordering.OrderID) (ordering.Order, error) {
	o, err := scanOrder(s.queryRow(ctx, s.db, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return ordering.Order{}, fmt.Errorf("%w: %s", ordering.ErrOrderNotFound, id)
	}
	if err != nil {
		return ordering.Order{}, s.wrap(ctx, "get order", err)
	}
	items, err := s.orderItems(ctx, `SELECT order_id, variant_id, quantity FROM order_items WHERE order_id = ? ORDER BY line_no`, string(id))
	if err != nil {
		return ordering.Order{}, err
	}
	o.Items = items[o.ID]
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, bakeDayID bakeday.ID) ([]ordering.Order, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+orderColumns+` FROM orders WHERE bake_day_id = ? ORDER BY created_at, id`, string(bakeDayID))
	if err != nil {
		return nil, s.wrap(ctx, "list orders", err)
	}
	defer rows.Close()

	var out []ordering.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, s.wrap(ctx, "scan order", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "list orders", err)
	}

	items, err := s.orderItems(ctx,
		`SELECT i.order_id, i.variant_id, i.quantity FROM order_items i
		 JOIN orders o ON o.id = i.order_id
		 WHERE o.bake_day_id = ? ORDER BY i.order_id, i.line_no`, string(bakeDayID))
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (s *Store) orderItems(ctx context.Context, query string, args ...any) (map[ordering.OrderID][]capacity.Item, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, s.wrap(ctx, "query order items", err)
	}
	defer rows.Close()

	out := make(map[ordering.OrderID][]capacity.Item)
	for rows.Next() {
		var orderID, variantID string
		var qty int
		if err := rows.Scan(&orderID, &variantID, &qty); err != nil {
			return nil, s.wrap(ctx, "scan order item", err)
		}
		id := ordering.OrderID(orderID)
		out[id] = append(out[id], capacity.Item{VariantID: capacity.VariantID(variantID), Quantity: qty})
	}
	return out, s.wrap(ctx, "query order items", rows.Err())
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id ordering.OrderID, from, to ordering.OrderStatus, at time.Time) (ordering.Order, error) {
	res, err := s.exec(ctx, s.db,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), at.UTC(), string(id), string(from))
	if err != nil {
		return ordering.Order{}, s.wrap(ctx, "update order status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ordering.Order{}, s.wrap(ctx, "update order status", err)
	}
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return ordering.Order{}, err
	}
	if n == 0 {
		return o, &ordering.StatusConflictError{ID: id, Expected: from, Actual: o.Status}
	}
	return o, nil
}

// =============================================================================
// LOCK JOBS
// =============================================================================

func (s *Store) SaveJob(ctx context.Context, job scheduler.Job) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO lock_jobs (bake_day_id, run_at, status, attempts, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bake_day_id) DO UPDATE SET
		   run_at = excluded.run_at,
		   status = excluded.status,
		   attempts = excluded.attempts,
		   last_error = excluded.last_error,
		   updated_at = excluded.updated_at`,
		string(job.BakeDayID), job.RunAt.UTC(), string(job.Status), job.Attempts, job.LastError, job.UpdatedAt.UTC())
	if err != nil && s.dialect.class(err) == ClassForeignKey {
		return fmt.Errorf("%w: %s", bakeday.ErrNotFound, job.BakeDayID)
	}
	return s.wrap(ctx, "save job", err)
}

func (s *Store) PendingJobs(ctx context.Context) ([]scheduler.Job, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT bake_day_id, run_at, status, attempts, last_error, updated_at
		 FROM lock_jobs WHERE status = ? ORDER BY run_at`, string(scheduler.JobPending))
	if err != nil {
		return nil, s.wrap(ctx, "pending jobs", err)
	}
	defer rows.Close()

	var out []scheduler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, s.wrap(ctx, "scan job", err)
		}
		out = append(out, job)
	}
	return out, s.wrap(ctx, "pending jobs", rows.Err())
}

// Job returns the stored job for a bake day.
func (s *Store) Job(ctx context.Context, id bakeday.ID) (scheduler.Job, bool, error) {
	job, err := scanJob(s.queryRow(ctx, s.db,
		`SELECT bake_day_id, run_at, status, attempts, last_error, updated_at
		 FROM lock_jobs WHERE bake_day_id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return scheduler.Job{}, false, nil
	}
	if err != nil {
		return scheduler.Job{}, false, s.wrap(ctx, "get job", err)
	}
	return job, true, nil
}

func scanJob(row interface{ Scan(...any) error }) (scheduler.Job, error) {
	var (
		job               scheduler.Job
		bakeDayID, status string
	)
	if err := row.Scan(&bakeDayID, &job.RunAt, &status, &job.Attempts, &job.LastError, &job.UpdatedAt); err != nil {
		return scheduler.Job{}, err
	}
	job.BakeDayID = bakeday.ID(bakeDayID)
	job.Status = scheduler.JobStatus(status)
	job.RunAt = job.RunAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}
