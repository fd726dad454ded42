//go:build container
// +build container

package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"github.com/warp/bakehouse/store/postgres"
	"github.com/warp/bakehouse/store/sqlstore"
	"github.com/warp/bakehouse/store/storetest"
)

// startPostgres runs a throwaway Postgres and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "bakehouse",
			"POSTGRES_PASSWORD": "bakehouse",
			"POSTGRES_DB":       "bakehouse",
		},
		// the entrypoint restarts the server once after init
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://bakehouse:bakehouse@%s:%s/bakehouse?sslmode=disable", host, port.Port())
}

func TestPostgres(t *testing.T) {
	dsn := startPostgres(t)

	open := func(t *testing.T) *sqlstore.Store {
		t.Helper()
		store, err := postgres.New(context.Background(), dsn)
		require.NoError(t, err)
		require.NoError(t, store.Reset(context.Background()))
		t.Cleanup(func() { store.Close() })
		return store
	}

	t.Run("Contract", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) storetest.Store { return open(t) })
	})

	t.Run("UnrelatedEntriesDontContend", func(t *testing.T) {
		// GIVEN: A transaction holding the baguette row
		// WHEN: Another transaction reserves croissants on the same day
		// THEN: It proceeds without waiting

		store := open(t)
		ctx := context.Background()
		bd := storetest.BakeDay("bd-1", bakeday.NewDate(2025, time.March, 7), storetest.T0)
		require.NoError(t, store.CreateBakeDay(ctx, bd))
		ledger := capacity.NewLedger(store)
		baguette := capacity.Key{BakeDayID: bd.ID, VariantID: "baguette"}
		croissant := capacity.Key{BakeDayID: bd.ID, VariantID: "croissant"}
		_, err := ledger.SetCapacity(ctx, baguette, 10)
		require.NoError(t, err)
		_, err = ledger.SetCapacity(ctx, croissant, 10)
		require.NoError(t, err)

		locked := make(chan struct{})
		done := make(chan struct{})
		go func() {
			_ = store.WithTx(ctx, func(tx capacity.Tx) error {
				_, err := tx.LockEntry(ctx, baguette, time.Second)
				close(locked)
				<-done
				return err
			})
		}()
		<-locked
		defer close(done)

		ledger.LockTimeout = 100 * time.Millisecond
		e, err := ledger.Reserve(ctx, croissant, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, e.Reserved)
	})

	t.Run("TransactionUsableAfterLockTimeout", func(t *testing.T) {
		// GIVEN: A transaction whose first lock attempt timed out
		// WHEN: It locks another entry and writes
		// THEN: The write commits; the timeout didn't abort the transaction

		store := open(t)
		ctx := context.Background()
		bd := storetest.BakeDay("bd-1", bakeday.NewDate(2025, time.March, 7), storetest.T0)
		require.NoError(t, store.CreateBakeDay(ctx, bd))
		ledger := capacity.NewLedger(store)
		baguette := capacity.Key{BakeDayID: bd.ID, VariantID: "baguette"}
		croissant := capacity.Key{BakeDayID: bd.ID, VariantID: "croissant"}
		_, err := ledger.SetCapacity(ctx, baguette, 10)
		require.NoError(t, err)
		_, err = ledger.SetCapacity(ctx, croissant, 10)
		require.NoError(t, err)

		locked := make(chan struct{})
		done := make(chan struct{})
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			_ = store.WithTx(ctx, func(tx capacity.Tx) error {
				_, err := tx.LockEntry(ctx, baguette, time.Second)
				close(locked)
				<-done
				return err
			})
		}()
		<-locked

		err = store.WithTx(ctx, func(tx capacity.Tx) error {
			_, err := tx.LockEntry(ctx, baguette, 50*time.Millisecond)
			require.ErrorIs(t, err, capacity.ErrLockTimeout)
			_, err = capacity.Reserve(ctx, tx, croissant, 3, time.Second, storetest.T0)
			return err
		})
		close(done)
		<-finished
		require.NoError(t, err)

		e, err := store.GetEntry(ctx, croissant)
		require.NoError(t, err)
		assert.Equal(t, 3, e.Reserved)
	})
}
