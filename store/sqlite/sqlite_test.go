package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"github.com/warp/bakehouse/scheduler"
	"github.com/warp/bakehouse/store/sqlite"
	"github.com/warp/bakehouse/store/sqlstore"
	"github.com/warp/bakehouse/store/storetest"
)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "bakehouse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return newStore(t) })
}

func TestNew_InMemory(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	bd := storetest.BakeDay("bd-1", bakeday.NewDate(2025, time.March, 7), storetest.T0)
	require.NoError(t, store.CreateBakeDay(context.Background(), bd))
	_, err = capacity.NewLedger(store).SetCapacity(context.Background(),
		capacity.Key{BakeDayID: bd.ID, VariantID: "baguette"}, 10)
	require.NoError(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bakehouse.db")
	first, err := sqlite.New(path)
	require.NoError(t, err)
	bd := storetest.BakeDay("bd-1", bakeday.NewDate(2025, time.March, 7), storetest.T0)
	require.NoError(t, first.CreateBakeDay(context.Background(), bd))
	require.NoError(t, first.Close())

	// GIVEN: A database migrated and populated by a previous process
	// WHEN: Opening it again
	// THEN: The schema is reapplied without touching the data

	second, err := sqlite.New(path)
	require.NoError(t, err)
	defer second.Close()
	got, err := second.GetBakeDay(context.Background(), bd.ID)
	require.NoError(t, err)
	assert.Equal(t, bd.BakedOn, got.BakedOn)
}

func TestInsertEntry_UnknownBakeDay(t *testing.T) {
	store := newStore(t)
	_, err := capacity.NewLedger(store).SetCapacity(context.Background(),
		capacity.Key{BakeDayID: "missing", VariantID: "baguette"}, 10)
	assert.ErrorIs(t, err, bakeday.ErrNotFound)
}

func TestSaveJob_UnknownBakeDay(t *testing.T) {
	store := newStore(t)
	err := store.SaveJob(context.Background(), scheduler.Job{
		BakeDayID: "missing", RunAt: storetest.T0, Status: scheduler.JobPending, UpdatedAt: storetest.T0,
	})
	assert.ErrorIs(t, err, bakeday.ErrNotFound)
}

func TestCheckConstraint_RejectsDirectOversell(t *testing.T) {
	// GIVEN: An entry with capacity 10
	// WHEN: A write bypassing the ledger sets reserved above capacity
	// THEN: The database itself refuses it

	store := newStore(t)
	ctx := context.Background()
	bd := storetest.BakeDay("bd-1", bakeday.NewDate(2025, time.March, 7), storetest.T0)
	require.NoError(t, store.CreateBakeDay(ctx, bd))
	_, err := capacity.NewLedger(store).SetCapacity(ctx, capacity.Key{BakeDayID: bd.ID, VariantID: "baguette"}, 10)
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx,
		`UPDATE production_caps SET reserved = 11 WHERE bake_day_id = ? AND variant_id = ?`, "bd-1", "baguette")
	require.Error(t, err)

	e, err := store.GetEntry(ctx, capacity.Key{BakeDayID: bd.ID, VariantID: "baguette"})
	require.NoError(t, err)
	assert.Equal(t, 0, e.Reserved)
}

func TestWithTx_NoLocksNeverBegins(t *testing.T) {
	store := newStore(t)
	called := false
	err := store.WithTx(context.Background(), func(capacity.Tx) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}
