// Package postgres provides the Postgres dialect of the SQL store. Entries
// are locked with SELECT ... FOR UPDATE under a transaction-local
// lock_timeout, so unrelated entries never contend and several server
// processes can share one database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/warp/bakehouse/store/sqlstore"
)

const (
	driverName = "pgx"
	defaultDSN = "postgres://localhost/bakehouse?sslmode=disable"
)

// Dialect is the Postgres flavour of the SQL store.
var Dialect = sqlstore.Dialect{
	Name:            "postgres",
	Schema:          schema,
	NumberedParams:  true,
	RowLocks:        true,
	LockTimeoutStmt: `SELECT set_config('lock_timeout', ?, true)`,
	Classify:        classify,
}

// New connects to dsn (defaultDSN when empty), pings and migrates.
func New(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := sqlstore.New(db, Dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// SQLSTATE codes, see https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
)

func classify(err error) sqlstore.ErrorClass {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable:
			return sqlstore.ClassLockTimeout
		case codeSerializationFailure, codeDeadlockDetected:
			return sqlstore.ClassConflict
		case codeUniqueViolation:
			return sqlstore.ClassUnique
		case codeForeignKeyViolation:
			return sqlstore.ClassForeignKey
		case codeCheckViolation:
			return sqlstore.ClassCheck
		case codeAdminShutdown, codeCannotConnectNow:
			return sqlstore.ClassUnavailable
		}
		// class 08: connection exception
		if len(pgErr.Code) == 5 && pgErr.Code[:2] == "08" {
			return sqlstore.ClassUnavailable
		}
		return sqlstore.ClassOther
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return sqlstore.ClassUnavailable
	}
	return sqlstore.ClassOther
}

const schema = `
CREATE TABLE IF NOT EXISTS bake_days (
	id TEXT PRIMARY KEY,
	baked_on DATE NOT NULL UNIQUE,
	day_of_week SMALLINT NOT NULL,
	cutoff_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL DEFAULT 'open'
		CHECK (status IN ('open', 'locked', 'completed')),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bake_days_status_cutoff ON bake_days (status, cutoff_at);

CREATE TABLE IF NOT EXISTS production_caps (
	bake_day_id TEXT NOT NULL REFERENCES bake_days (id),
	variant_id TEXT NOT NULL,
	capacity INTEGER NOT NULL,
	reserved INTEGER NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (bake_day_id, variant_id),
	CONSTRAINT production_caps_reserved_within_capacity
		CHECK (reserved >= 0 AND reserved <= capacity)
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	bake_day_id TEXT NOT NULL REFERENCES bake_days (id),
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_bake_day ON orders (bake_day_id, created_at);

CREATE TABLE IF NOT EXISTS order_items (
	order_id TEXT NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
	line_no INTEGER NOT NULL,
	variant_id TEXT NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	PRIMARY KEY (order_id, line_no)
);

CREATE TABLE IF NOT EXISTS lock_jobs (
	bake_day_id TEXT PRIMARY KEY REFERENCES bake_days (id) ON DELETE CASCADE,
	run_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lock_jobs_status_run_at ON lock_jobs (status, run_at);
`
