// Package memory provides an in-memory implementation of every store
// contract: capacity.TxStore, bakeday.Store, ordering.Store and
// scheduler.JobStore. It is used by tests and by the server's memory driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"github.com/warp/bakehouse/ordering"
	"github.com/warp/bakehouse/scheduler"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store keeps all state in maps guarded by mu. Ledger entries additionally
// carry their own lock so transactions on different entries never contend.
type Store struct {
	mu       sync.RWMutex
	entries  map[capacity.Key]*entry
	bakeDays map[bakeday.ID]bakeday.BakeDay
	orders   map[ordering.OrderID]ordering.Order
	jobs     map[bakeday.ID]scheduler.Job
}

// entry is a ledger row plus its exclusive lock. Holding the lock means
// having put the single token into the channel.
type entry struct {
	lock        chan struct{}
	data        capacity.Entry // guarded by Store.mu
	provisional bool           // inserted by an uncommitted transaction
}

func newEntry() *entry {
	return &entry{lock: make(chan struct{}, 1)}
}

func (e *entry) unlock() { <-e.lock }

func New() *Store {
	return &Store{
		entries:  make(map[capacity.Key]*entry),
		bakeDays: make(map[bakeday.ID]bakeday.BakeDay),
		orders:   make(map[ordering.OrderID]ordering.Order),
		jobs:     make(map[bakeday.ID]scheduler.Job),
	}
}

// Reset drops all state. Transactions in flight keep their entries' locks
// but their commits no longer match any stored entry.
func (s *Store) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[capacity.Key]*entry)
	s.bakeDays = make(map[bakeday.ID]bakeday.BakeDay)
	s.orders = make(map[ordering.OrderID]ordering.Order)
	s.jobs = make(map[bakeday.ID]scheduler.Job)
	return nil
}

var (
	_ capacity.TxStore   = (*Store)(nil)
	_ bakeday.Store      = (*Store)(nil)
	_ ordering.Store     = (*Store)(nil)
	_ scheduler.JobStore = (*Store)(nil)
)

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func (s *Store) GetEntry(_ context.Context, key capacity.Key) (capacity.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || e.provisional {
		return capacity.Entry{}, fmt.Errorf("%w: %s", capacity.ErrEntryNotFound, key)
	}
	return e.data, nil
}

func (s *Store) ListEntries(_ context.Context, bakeDayID bakeday.ID) ([]capacity.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []capacity.Entry
	for k, e := range s.entries {
		if k.BakeDayID == bakeDayID && !e.provisional {
			out = append(out, e.data)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.VariantID < out[j].Key.VariantID })
	return out, nil
}

// DeleteEntry takes the entry's lock first so it never races a transaction
// holding it.
func (s *Store) DeleteEntry(ctx context.Context, key capacity.Key) error {
	e, err := s.acquire(ctx, key, capacity.DefaultLockTimeout)
	if err != nil {
		return err
	}
	defer e.unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e.data.Reserved > 0 {
		return fmt.Errorf("%w: %s has %d reserved", capacity.ErrEntryReserved, key, e.data.Reserved)
	}
	delete(s.entries, key)
	return nil
}

// acquire blocks until the entry's lock is taken, the timeout passes, or ctx
// is done. The entry is re-checked after acquisition since it may have been
// deleted, or its provisional insert rolled back, while waiting.
func (s *Store) acquire(ctx context.Context, key capacity.Key, timeout time.Duration) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", capacity.ErrEntryNotFound, key)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e.lock <- struct{}{}:
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", capacity.ErrLockTimeout, key, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.RLock()
	cur, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || cur != e {
		e.unlock()
		return nil, fmt.Errorf("%w: %s", capacity.ErrEntryNotFound, key)
	}
	return e, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction. Writes are buffered and applied
// on commit; locks taken by the transaction are released on every exit path.
func (s *Store) WithTx(ctx context.Context, fn func(capacity.Tx) error) error {
	t := &tx{
		store:    s,
		held:     make(map[capacity.Key]*entry),
		base:     make(map[capacity.Key]int64),
		pending:  make(map[capacity.Key]capacity.Entry),
		inserted: make(map[capacity.Key]bool),
	}
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

type tx struct {
	store    *Store
	held     map[capacity.Key]*entry
	base     map[capacity.Key]int64 // committed version when the lock was taken
	pending  map[capacity.Key]capacity.Entry
	inserted map[capacity.Key]bool
}

func (t *tx) LockEntry(ctx context.Context, key capacity.Key, timeout time.Duration) (capacity.Entry, error) {
	if _, ok := t.held[key]; ok {
		return t.current(key), nil
	}
	e, err := t.store.acquire(ctx, key, timeout)
	if err != nil {
		return capacity.Entry{}, err
	}
	t.held[key] = e
	row := t.current(key)
	t.base[key] = row.Version
	return row, nil
}

func (t *tx) InsertEntry(_ context.Context, key capacity.Key, capacityUnits int, at time.Time) (capacity.Entry, error) {
	s := t.store
	s.mu.Lock()
	if _, exists := s.entries[key]; exists {
		s.mu.Unlock()
		return capacity.Entry{}, fmt.Errorf("%w: %s inserted concurrently", capacity.ErrConcurrentModification, key)
	}
	e := newEntry()
	e.lock <- struct{}{}
	e.provisional = true
	e.data = capacity.Entry{Key: key}
	s.entries[key] = e
	s.mu.Unlock()

	t.held[key] = e
	t.base[key] = 0
	t.inserted[key] = true
	row := capacity.Entry{Key: key, Capacity: capacityUnits, Reserved: 0, Version: 1, UpdatedAt: at}
	if err := row.Check(); err != nil {
		return capacity.Entry{}, err
	}
	t.pending[key] = row
	return row, nil
}

func (t *tx) WriteEntry(_ context.Context, key capacity.Key, capacityUnits, reserved int, expectedVersion int64, at time.Time) (capacity.Entry, error) {
	if _, ok := t.held[key]; !ok {
		return capacity.Entry{}, fmt.Errorf("%w: %s", capacity.ErrLockNotHeld, key)
	}
	cur := t.current(key)
	if cur.Version != expectedVersion {
		return capacity.Entry{}, fmt.Errorf("%w: %s at version %d, expected %d",
			capacity.ErrConcurrentModification, key, cur.Version, expectedVersion)
	}
	row := cur
	row.Capacity = capacityUnits
	row.Reserved = reserved
	row.Version = expectedVersion + 1
	row.UpdatedAt = at
	if err := row.Check(); err != nil {
		return capacity.Entry{}, err
	}
	t.pending[key] = row
	return row, nil
}

// current returns this transaction's view of a held entry.
func (t *tx) current(key capacity.Key) capacity.Entry {
	if row, ok := t.pending[key]; ok {
		return row
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.held[key].data
}

// commit applies pending writes under the store mutex. Each entry must
// still be the one locked, at the version seen when locking it.
func (t *tx) commit() error {
	s := t.store
	s.mu.Lock()
	for key := range t.pending {
		e := t.held[key]
		if cur, ok := s.entries[key]; !ok || cur != e || e.data.Version != t.base[key] {
			s.mu.Unlock()
			t.rollback()
			return fmt.Errorf("%w: %s changed before commit", capacity.ErrConcurrentModification, key)
		}
	}
	for key, row := range t.pending {
		e := t.held[key]
		e.data = row
		e.provisional = false
	}
	s.mu.Unlock()
	t.releaseAll()
	return nil
}

func (t *tx) rollback() {
	s := t.store
	s.mu.Lock()
	for key := range t.inserted {
		if e, ok := s.entries[key]; ok && e == t.held[key] && e.provisional {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
	t.pending = nil
	t.releaseAll()
}

func (t *tx) releaseAll() {
	for key, e := range t.held {
		e.unlock()
		delete(t.held, key)
	}
}

// =============================================================================
// BAKE DAYS
// =============================================================================

func (s *Store) CreateBakeDay(_ context.Context, bd bakeday.BakeDay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bakeDays[bd.ID]; ok {
		return fmt.Errorf("%w: id %s", bakeday.ErrDuplicateBakeDay, bd.ID)
	}
	for _, existing := range s.bakeDays {
		if existing.BakedOn == bd.BakedOn {
			return fmt.Errorf("%w: %s", bakeday.ErrDuplicateBakeDay, bd.BakedOn)
		}
	}
	s.bakeDays[bd.ID] = bd
	return nil
}

func (s *Store) GetBakeDay(_ context.Context, id bakeday.ID) (bakeday.BakeDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bd, ok := s.bakeDays[id]
	if !ok {
		return bakeday.BakeDay{}, fmt.Errorf("%w: %s", bakeday.ErrNotFound, id)
	}
	return bd, nil
}

func (s *Store) GetBakeDayByDate(_ context.Context, date bakeday.Date) (bakeday.BakeDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, bd := range s.bakeDays {
		if bd.BakedOn == date {
			return bd, nil
		}
	}
	return bakeday.BakeDay{}, fmt.Errorf("%w: %s", bakeday.ErrNotFound, date)
}

func (s *Store) ListBakeDays(_ context.Context) ([]bakeday.BakeDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]bakeday.BakeDay, 0, len(s.bakeDays))
	for _, bd := range s.bakeDays {
		out = append(out, bd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BakedOn.Before(out[j].BakedOn) })
	return out, nil
}

func (s *Store) ListOverdue(_ context.Context, now time.Time) ([]bakeday.BakeDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []bakeday.BakeDay
	for _, bd := range s.bakeDays {
		if bd.Status == bakeday.StatusOpen && !bd.CutoffAt.After(now) {
			out = append(out, bd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CutoffAt.Before(out[j].CutoffAt) })
	return out, nil
}

func (s *Store) TransitionStatus(_ context.Context, id bakeday.ID, from, to bakeday.Status, at time.Time) (bakeday.BakeDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bd, ok := s.bakeDays[id]
	if !ok {
		return bakeday.BakeDay{}, fmt.Errorf("%w: %s", bakeday.ErrNotFound, id)
	}
	if bd.Status != from {
		return bd, &bakeday.StatusConflictError{ID: id, Expected: from, Actual: bd.Status}
	}
	bd.Status = to
	bd.UpdatedAt = at
	s.bakeDays[id] = bd
	return bd, nil
}

// DeleteBakeDay refuses while orders reference the day, then drops its
// unreserved ledger entries and lock job along with it.
func (s *Store) DeleteBakeDay(_ context.Context, id bakeday.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bakeDays[id]; !ok {
		return fmt.Errorf("%w: %s", bakeday.ErrNotFound, id)
	}
	for _, o := range s.orders {
		if o.BakeDayID == id {
			return fmt.Errorf("%w: %s", bakeday.ErrHasOrders, id)
		}
	}
	for k, e := range s.entries {
		if k.BakeDayID == id && e.data.Reserved > 0 {
			return fmt.Errorf("%w: %s", capacity.ErrEntryReserved, k)
		}
	}
	for k := range s.entries {
		if k.BakeDayID == id {
			delete(s.entries, k)
		}
	}
	delete(s.jobs, id)
	delete(s.bakeDays, id)
	return nil
}

// =============================================================================
// ORDERS
// =============================================================================

func (s *Store) CreateOrder(_ context.Context, o ordering.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bakeDays[o.BakeDayID]; !ok {
		return fmt.Errorf("%w: %s", bakeday.ErrNotFound, o.BakeDayID)
	}
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	s.orders[o.ID] = copyOrder(o)
	return nil
}

func (s *Store) GetOrder(_ context.Context, id ordering.OrderID) (ordering.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return ordering.Order{}, fmt.Errorf("%w: %s", ordering.ErrOrderNotFound, id)
	}
	return copyOrder(o), nil
}

func (s *Store) ListOrders(_ context.Context, bakeDayID bakeday.ID) ([]ordering.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ordering.Order
	for _, o := range s.orders {
		if o.BakeDayID == bakeDayID {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, id ordering.OrderID, from, to ordering.OrderStatus, at time.Time) (ordering.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ordering.Order{}, fmt.Errorf("%w: %s", ordering.ErrOrderNotFound, id)
	}
	if o.Status != from {
		return copyOrder(o), &ordering.StatusConflictError{ID: id, Expected: from, Actual: o.Status}
	}
	o.Status = to
	o.UpdatedAt = at
	s.orders[id] = o
	return copyOrder(o), nil
}

func copyOrder(o ordering.Order) ordering.Order {
	o.Items = append([]capacity.Item(nil), o.Items...)
	return o
}

// =============================================================================
// LOCK JOBS
// =============================================================================

func (s *Store) SaveJob(_ context.Context, job scheduler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.BakeDayID] = job
	return nil
}

func (s *Store) PendingJobs(_ context.Context) ([]scheduler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scheduler.Job
	for _, j := range s.jobs {
		if j.Status == scheduler.JobPending {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out, nil
}

// Job returns the stored job for a bake day.
func (s *Store) Job(id bakeday.ID) (scheduler.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}
