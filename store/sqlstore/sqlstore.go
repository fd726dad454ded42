/*
Package sqlstore is the database/sql implementation of every store contract
(capacity.TxStore, bakeday.Store, ordering.Store, scheduler.JobStore). The
engine-specific parts live in a Dialect; store/sqlite and store/postgres
provide one each.

KEY TABLES:
  - bake_days:       one row per bake date (UNIQUE baked_on)
  - production_caps: ledger entries, CHECK (0 <= reserved <= capacity)
  - orders:          confirmed/cancelled orders, FK bake_days (no cascade)
  - order_items:     order lines
  - lock_jobs:       durable auto-lock timers, FK bake_days (cascade)

ENTRY LOCKING:
  Row-lock engines (Postgres) take SELECT ... FOR UPDATE under a
  transaction-local lock_timeout set just before the statement, inside a
  savepoint so a timeout leaves the transaction usable.

  Single-writer engines (SQLite) have no row locks. A process-wide writer
  slot is taken on the first lock of a transaction, waiting at most the
  caller's timeout, and held until commit or rollback. Writers from other
  processes are covered by the engine's busy timeout.

TRANSACTIONS:
  The SQL transaction is opened lazily by the first LockEntry/InsertEntry so
  the lock timeout also bounds the wait for a writer. A WithTx callback that
  locks nothing never touches the database.

TIMESTAMPS:
  Always written in UTC so that text-backed engines order them correctly.
*/
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"github.com/warp/bakehouse/ordering"
	"github.com/warp/bakehouse/scheduler"
)

// =============================================================================
// DIALECT
// =============================================================================

// ErrorClass is how a dialect categorizes a driver error.
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	ClassLockTimeout
	ClassConflict
	ClassUnique
	ClassForeignKey
	ClassCheck
	ClassUnavailable
)

// Dialect captures what differs between SQL engines.
type Dialect struct {
	Name string

	// Schema is a list of statements separated by ';', applied by Migrate.
	Schema string

	// NumberedParams rewrites ? placeholders to $1, $2, ...
	NumberedParams bool

	// RowLocks selects SELECT ... FOR UPDATE locking. LockTimeoutStmt sets
	// the transaction-local lock timeout; its single parameter is a
	// duration string in milliseconds ("250ms").
	RowLocks        bool
	LockTimeoutStmt string

	// Classify maps a driver error to a class.
	Classify func(err error) ErrorClass
}

func (d Dialect) rebind(query string) string {
	if !d.NumberedParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) class(err error) ErrorClass {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return ClassUnavailable
	}
	if d.Classify == nil {
		return ClassOther
	}
	return d.Classify(err)
}

// =============================================================================
// STORE
// =============================================================================

type Store struct {
	db      *sql.DB
	dialect Dialect

	// writer is the in-process writer slot for engines without row locks.
	writer chan struct{}
}

var (
	_ capacity.TxStore   = (*Store)(nil)
	_ bakeday.Store      = (*Store)(nil)
	_ ordering.Store     = (*Store)(nil)
	_ scheduler.JobStore = (*Store)(nil)
)

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB, dialect Dialect) *Store {
	s := &Store{db: db, dialect: dialect}
	if !dialect.RowLocks {
		s.writer = make(chan struct{}, 1)
	}
	return s
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the dialect's schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.dialect.Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// Reset deletes all rows. Used by tests and the demo reset endpoint.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"lock_jobs", "order_items", "orders", "production_caps", "bake_days"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, db execer, query string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, db execer, query string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// wrap classifies a driver error into the engine's error taxonomy.
func (s *Store) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	switch s.dialect.class(err) {
	case ClassLockTimeout:
		return fmt.Errorf("%w: %s: %v", capacity.ErrLockTimeout, op, err)
	case ClassConflict:
		return fmt.Errorf("%w: %s: %v", capacity.ErrConcurrentModification, op, err)
	case ClassUnavailable:
		return fmt.Errorf("%w: %s: %v", capacity.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// withSQLTx runs fn in a plain SQL transaction for multi-statement admin
// writes. Engines without row locks go through the writer slot.
func (s *Store) withSQLTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	if s.writer != nil {
		release, err := s.acquireWriter(ctx, capacity.DefaultLockTimeout)
		if err != nil {
			return err
		}
		defer release()
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(ctx, op, err)
	}
	if err := fn(sqlTx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return s.wrap(ctx, op+" commit", sqlTx.Commit())
}

func (s *Store) acquireWriter(ctx context.Context, timeout time.Duration) (func(), error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.writer <- struct{}{}:
		return func() { <-s.writer }, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: writer busy after %s", capacity.ErrLockTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

const entryColumns = `bake_day_id, variant_id, capacity, reserved, version, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (capacity.Entry, error) {
	var (
		e                    capacity.Entry
		bakeDayID, variantID string
	)
	if err := row.Scan(&bakeDayID, &variantID, &e.Capacity, &e.Reserved, &e.Version, &e.UpdatedAt); err != nil {
		return capacity.Entry{}, err
	}
	e.Key = capacity.Key{BakeDayID: bakeday.ID(bakeDayID), VariantID: capacity.VariantID(variantID)}
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func (s *Store) GetEntry(ctx context.Context, key capacity.Key) (capacity.Entry, error) {
	e, err := scanEntry(s.queryRow(ctx, s.db,
		`SELECT `+entryColumns+` FROM production_caps WHERE bake_day_id = ? AND variant_id = ?`,
		string(key.BakeDayID), string(key.VariantID)))
	if errors.Is(err, sql.ErrNoRows) {
		return capacity.Entry{}, fmt.Errorf("%w: %s", capacity.ErrEntryNotFound, key)
	}
	if err != nil {
		return capacity.Entry{}, s.wrap(ctx, "get entry", err)
	}
	return e, nil
}

func (s *Store) ListEntries(ctx context.Context, bakeDayID bakeday.ID) ([]capacity.Entry, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+entryColumns+` FROM production_caps WHERE bake_day_id = ? ORDER BY variant_id`,
		string(bakeDayID))
	if err != nil {
		return nil, s.wrap(ctx, "list entries", err)
	}
	defer rows.Close()

	var out []capacity.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, s.wrap(ctx, "scan entry", err)
		}
		out = append(out, e)
	}
	return out, s.wrap(ctx, "list entries", rows.Err())
}

// DeleteEntry locks the row like any writer before removing it.
func (s *Store) DeleteEntry(ctx context.Context, key capacity.Key) error {
	return s.WithTx(ctx, func(tx capacity.Tx) error {
		e, err := tx.LockEntry(ctx, key, capacity.DefaultLockTimeout)
		if err != nil {
			return err
		}
		if e.Reserved > 0 {
			return fmt.Errorf("%w: %s has %d reserved", capacity.ErrEntryReserved, key, e.Reserved)
		}
		t := tx.(*txn)
		_, err = s.exec(ctx, t.sqlTx,
			`DELETE FROM production_caps WHERE bake_day_id = ? AND variant_id = ? AND version = ?`,
			string(key.BakeDayID), string(key.VariantID), e.Version)
		return s.wrap(ctx, "delete entry", err)
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction: committed when fn returns nil,
// rolled back otherwise (including on panic).
func (s *Store) WithTx(ctx context.Context, fn func(capacity.Tx) error) error {
	t := &txn{store: s, ctx: ctx, held: make(map[capacity.Key]bool)}
	defer func() {
		if p := recover(); p != nil {
			t.rollback()
			panic(p)
		}
	}()

	if err := fn(t); err != nil {
		t.rollback()
		return err
	}
	return t.commit()
}

type txn struct {
	store   *Store
	ctx     context.Context
	sqlTx   *sql.Tx
	release func()
	held    map[capacity.Key]bool
}

// begin opens the SQL transaction on first use, waiting at most timeout for
// the writer slot.
func (t *txn) begin(ctx context.Context, timeout time.Duration) error {
	if t.sqlTx != nil {
		return nil
	}
	s := t.store
	if s.writer != nil {
		release, err := s.acquireWriter(ctx, timeout)
		if err != nil {
			return err
		}
		t.release = release
	}
	sqlTx, err := s.db.BeginTx(t.ctx, nil)
	if err != nil {
		t.releaseWriter()
		return s.wrap(ctx, "begin", err)
	}
	t.sqlTx = sqlTx
	return nil
}

func (t *txn) releaseWriter() {
	if t.release != nil {
		t.release()
		t.release = nil
	}
}

// setLockTimeout applies a transaction-local lock timeout. Zero would mean
// "wait forever" to the engine, so it is clamped to 1ms.
func (t *txn) setLockTimeout(ctx context.Context, timeout time.Duration) error {
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	_, err := t.store.exec(ctx, t.sqlTx, t.store.dialect.LockTimeoutStmt, fmt.Sprintf("%dms", ms))
	return err
}

func (t *txn) LockEntry(ctx context.Context, key capacity.Key, timeout time.Duration) (capacity.Entry, error) {
	if err := t.begin(ctx, timeout); err != nil {
		return capacity.Entry{}, err
	}
	s := t.store
	q := `SELECT ` + entryColumns + ` FROM production_caps WHERE bake_day_id = ? AND variant_id = ?`
	if !s.dialect.RowLocks {
		e, err := scanEntry(s.queryRow(ctx, t.sqlTx, q, string(key.BakeDayID), string(key.VariantID)))
		return t.locked(ctx, key, e, err)
	}

	if _, err := t.sqlTx.ExecContext(ctx, "SAVEPOINT lock_entry"); err != nil {
		return capacity.Entry{}, s.wrap(ctx, "savepoint", err)
	}
	if err := t.setLockTimeout(ctx, timeout); err != nil {
		return capacity.Entry{}, s.wrap(ctx, "set lock timeout", err)
	}
	e, err := scanEntry(s.queryRow(ctx, t.sqlTx, q+` FOR UPDATE`, string(key.BakeDayID), string(key.VariantID)))
	if err != nil && !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
		// back out of the failed statement so the caller can retry
		if _, rbErr := t.sqlTx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT lock_entry"); rbErr != nil {
			return capacity.Entry{}, s.wrap(ctx, "rollback to savepoint", rbErr)
		}
	} else if err == nil || errors.Is(err, sql.ErrNoRows) {
		if _, relErr := t.sqlTx.ExecContext(ctx, "RELEASE SAVEPOINT lock_entry"); relErr != nil {
			return capacity.Entry{}, s.wrap(ctx, "release savepoint", relErr)
		}
	}
	return t.locked(ctx, key, e, err)
}

func (t *txn) locked(ctx context.Context, key capacity.Key, e capacity.Entry, err error) (capacity.Entry, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return capacity.Entry{}, fmt.Errorf("%w: %s", capacity.ErrEntryNotFound, key)
	}
	if err != nil {
		return capacity.Entry{}, t.store.wrap(ctx, "lock entry "+key.String(), err)
	}
	t.held[key] = true
	return e, nil
}

func (t *txn) InsertEntry(ctx context.Context, key capacity.Key, capacityUnits int, at time.Time) (capacity.Entry, error) {
	row := capacity.Entry{Key: key, Capacity: capacityUnits, Version: 1, UpdatedAt: at.UTC()}
	if err := row.Check(); err != nil {
		return capacity.Entry{}, err
	}
	if err := t.begin(ctx, capacity.DefaultLockTimeout); err != nil {
		return capacity.Entry{}, err
	}
	s := t.store
	if s.dialect.RowLocks {
		// a concurrent uncommitted insert of the same key blocks this one
		if err := t.setLockTimeout(ctx, capacity.DefaultLockTimeout); err != nil {
			return capacity.Entry{}, s.wrap(ctx, "set lock timeout", err)
		}
	}
	res, err := s.exec(ctx, t.sqlTx,
		`INSERT INTO production_caps (`+entryColumns+`) VALUES (?, ?, ?, 0, 1, ?)
		 ON CONFLICT (bake_day_id, variant_id) DO NOTHING`,
		string(key.BakeDayID), string(key.VariantID), capacityUnits, row.UpdatedAt)
	if err != nil {
		if s.dialect.class(err) == ClassForeignKey {
			return capacity.Entry{}, fmt.Errorf("%w: %s", bakeday.ErrNotFound, key.BakeDayID)
		}
		return capacity.Entry{}, s.wrap(ctx, "insert entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return capacity.Entry{}, fmt.Errorf("%w: %s inserted concurrently", capacity.ErrConcurrentModification, key)
	}
	t.held[key] = true
	return row, nil
}

func (t *txn) WriteEntry(ctx context.Context, key capacity.Key, capacityUnits, reserved int, expectedVersion int64, at time.Time) (capacity.Entry, error) {
	if !t.held[key] {
		return capacity.Entry{}, fmt.Errorf("%w: %s", capacity.ErrLockNotHeld, key)
	}
	row := capacity.Entry{Key: key, Capacity: capacityUnits, Reserved: reserved, Version: expectedVersion + 1, UpdatedAt: at.UTC()}
	if err := row.Check(); err != nil {
		return capacity.Entry{}, err
	}
	s := t.store
	res, err := s.exec(ctx, t.sqlTx,
		`UPDATE production_caps SET capacity = ?, reserved = ?, version = ?, updated_at = ?
		 WHERE bake_day_id = ? AND variant_id = ? AND version = ?`,
		capacityUnits, reserved, row.Version, row.UpdatedAt,
		string(key.BakeDayID), string(key.VariantID), expectedVersion)
	if err != nil {
		if s.dialect.class(err) == ClassCheck {
			return capacity.Entry{}, &capacity.InvariantError{Key: key, Capacity: capacityUnits, Reserved: reserved}
		}
		return capacity.Entry{}, s.wrap(ctx, "write entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return capacity.Entry{}, fmt.Errorf("%w: %s no longer at version %d",
			capacity.ErrConcurrentModification, key, expectedVersion)
	}
	return row, nil
}

func (t *txn) commit() error {
	if t.sqlTx == nil {
		return nil
	}
	defer t.releaseWriter()
	return t.store.wrap(t.ctx, "commit", t.sqlTx.Commit())
}

func (t *txn) rollback() {
	if t.sqlTx == nil {
		return
	}
	_ = t.sqlTx.Rollback()
	t.releaseWriter()
}
