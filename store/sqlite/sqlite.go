/*
Package sqlite provides the SQLite dialect of the SQL store.

PURPOSE:
  Opens a SQLite database (mattn/go-sqlite3), applies the schema and returns
  a *sqlstore.Store implementing every persistence contract. Good for a
  single bakery process; use store/postgres when several processes share
  the data.

KEY TABLES:
  bake_days:       one row per bake date
  production_caps: ledger entries with a CHECK on 0 <= reserved <= capacity
  orders:          orders, FK bake_days (no cascade: delete is refused)
  order_items:     order lines, FK orders (cascade)
  lock_jobs:       auto-lock timers, FK bake_days (cascade)

INDEXES:
  - bake_days(baked_on) UNIQUE: one bake day per date
  - bake_days(status, cutoff_at): overdue sweep
  - lock_jobs(status, run_at): restart recovery

CONCURRENCY:
  SQLite has no row locks; it allows a single writer. Transactions are
  opened with BEGIN IMMEDIATE (_txlock=immediate) so the write lock is
  taken up front instead of failing at commit. Inside the process the
  store serializes writers itself and honours the caller's lock timeout;
  across processes _busy_timeout applies and SQLITE_BUSY is reported as
  capacity.ErrLockTimeout.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer and vice versa
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/bakehouse.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  mgr := capacity.NewManager(store, capacity.DefaultManagerConfig(), m, logger)

MIGRATION:
  Schema is auto-migrated on New(). Statements are idempotent.

SEE ALSO:
  - store/sqlstore: shared SQL implementation
  - store/postgres: row-locking dialect
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/bakehouse/store/sqlstore"
)

// BusyTimeoutMillis is how long SQLite itself waits on another process's
// write lock.
const BusyTimeoutMillis = 5000

// Dialect is the SQLite flavour of the SQL store.
var Dialect = sqlstore.Dialect{
	Name:     "sqlite",
	Schema:   schema,
	RowLocks: false,
	Classify: classify,
}

// New opens (creating if needed) the database at dbPath and migrates it.
// ":memory:" gives a private in-memory database limited to one connection.
func New(dbPath string) (*sqlstore.Store, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
		dbPath, BusyTimeoutMillis)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	store := sqlstore.New(db, Dialect)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func classify(err error) sqlstore.ErrorClass {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return sqlstore.ClassOther
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return sqlstore.ClassUnique
	case sqlite3.ErrConstraintForeignKey:
		return sqlstore.ClassForeignKey
	case sqlite3.ErrConstraintCheck:
		return sqlstore.ClassCheck
	}
	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return sqlstore.ClassLockTimeout
	case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrNotADB:
		return sqlstore.ClassUnavailable
	}
	return sqlstore.ClassOther
}

const schema = `
	-- Bake days
	CREATE TABLE IF NOT EXISTS bake_days (
		id TEXT PRIMARY KEY,
		baked_on DATE NOT NULL UNIQUE,
		day_of_week INTEGER NOT NULL,
		cutoff_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'open'
			CHECK (status IN ('open', 'locked', 'completed')),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bake_days_status_cutoff
		ON bake_days(status, cutoff_at);

	-- Production capacity ledger
	CREATE TABLE IF NOT EXISTS production_caps (
		bake_day_id TEXT NOT NULL REFERENCES bake_days(id),
		variant_id TEXT NOT NULL,
		capacity INTEGER NOT NULL,
		reserved INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (bake_day_id, variant_id),
		CHECK (reserved >= 0 AND reserved <= capacity)
	);

	-- Orders
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		bake_day_id TEXT NOT NULL REFERENCES bake_days(id),
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_bake_day
		ON orders(bake_day_id, created_at);

	CREATE TABLE IF NOT EXISTS order_items (
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		line_no INTEGER NOT NULL,
		variant_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		PRIMARY KEY (order_id, line_no)
	);

	-- Auto-lock jobs
	CREATE TABLE IF NOT EXISTS lock_jobs (
		bake_day_id TEXT PRIMARY KEY REFERENCES bake_days(id) ON DELETE CASCADE,
		run_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lock_jobs_status_run_at
		ON lock_jobs(status, run_at);
`
