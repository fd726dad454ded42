/*
manager.go - Multi-item allocation across ledger entries

PURPOSE:
  Translates order lines into ledger operations:

    Validate  advisory, lock-free, may be stale by the time Allocate runs
    Allocate  every metered line reserved inside ONE transaction, or none
    Release   best effort, one transaction per line, never fails the caller

ALLOCATION FLOW:
  1. normalize: reject qty <= 0, merge duplicate variants, sort by VariantID
  2. WithTx: for each line in order: lock -> check -> increment (ledger.go)
       - missing entry      -> unmetered, skipped
       - lock timeout       -> retried with backoff, same transaction
       - insufficient       -> returned immediately, whole tx rolls back
  3. the transaction itself is retried if beginning/committing it hit a
     transient fault
  Everything runs under AllocationDeadline; once it passes the caller gets
  a *TransientError instead of another attempt.

FAIRNESS:
  None. When orders race for the last units, whichever transaction takes
  the entry lock first wins.
*/
package capacity

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/metrics"
	"go.uber.org/zap"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // wait after the first failure, doubled each time
	MaxDelay    time.Duration
}

// ManagerConfig tunes locking and retries.
type ManagerConfig struct {
	LockTimeout        time.Duration
	Retry              RetryConfig
	AllocationDeadline time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		LockTimeout: DefaultLockTimeout,
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    time.Second,
		},
		AllocationDeadline: 5 * time.Second,
	}
}

// NewBackOff builds the bounded exponential policy for cfg, bound to ctx.
func NewBackOff(ctx context.Context, cfg RetryConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = cfg.MaxDelay
	b.MaxElapsedTime = 0 // the attempt count and ctx deadline bound it
	retries := cfg.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager enforces all-or-nothing allocation over a TxStore.
type Manager struct {
	Store   TxStore
	Config  ManagerConfig
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

func NewManager(store TxStore, cfg ManagerConfig, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{Store: store, Config: cfg, Metrics: m, Logger: logger, Now: time.Now}
}

// Validate checks every line against current availability without locking.
// The answer is a hint for the customer, not a guarantee: Allocate decides.
func (m *Manager) Validate(ctx context.Context, bakeDayID bakeday.ID, items []Item) error {
	lines, err := normalize(items)
	if err != nil {
		return err
	}
	var short []Shortfall
	for _, line := range lines {
		e, err := m.Store.GetEntry(ctx, Key{BakeDayID: bakeDayID, VariantID: line.VariantID})
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if e.Available() < line.Quantity {
			short = append(short, Shortfall{
				VariantID: line.VariantID,
				Requested: line.Quantity,
				Available: max(e.Available(), 0),
			})
		}
	}
	if len(short) > 0 {
		return &ShortfallError{BakeDayID: bakeDayID, Shortfalls: short}
	}
	return nil
}

// Allocate reserves every line of an order or nothing at all.
func (m *Manager) Allocate(ctx context.Context, bakeDayID bakeday.ID, items []Item) error {
	started := time.Now()
	lines, err := normalize(items)
	if err != nil {
		m.Metrics.ObserveAllocation(metrics.OutcomeInvalid, started)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.Config.AllocationDeadline)
	defer cancel()

	attempts := 0
	var lastTransient error
	op := func() error {
		attempts++
		err := m.Store.WithTx(ctx, func(tx Tx) error {
			for _, line := range lines {
				key := Key{BakeDayID: bakeDayID, VariantID: line.VariantID}
				if err := m.retryLine(ctx, "reserve", key, line.Quantity, func() error {
					_, err := Reserve(ctx, tx, key, line.Quantity, m.Config.LockTimeout, m.Now())
					return err
				}); err != nil {
					if errors.Is(err, ErrEntryNotFound) {
						continue
					}
					return err
				}
			}
			return nil
		})
		var transient *TransientError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &transient):
			return backoff.Permanent(err)
		case IsRetryable(err):
			// begin/commit hit contention; the whole transaction is retried
			lastTransient = err
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	err = backoff.Retry(op, NewBackOff(ctx, m.Config.Retry))
	if err != nil {
		var transient *TransientError
		allKey := Key{BakeDayID: bakeDayID}
		switch {
		case errors.As(err, &transient), IsBusinessOutcome(err), IsClientError(err), IsInvariantViolation(err):
		case lastTransient != nil && (IsRetryable(err) || ctx.Err() != nil):
			err = &TransientError{Op: "allocate", Key: allKey, Attempts: attempts, Cause: lastTransient}
		case ctx.Err() != nil:
			err = &TransientError{Op: "allocate", Key: allKey, Attempts: attempts, Cause: err}
		}
	}
	m.logAllocation(bakeDayID, lines, err, started)
	return err
}

// Release gives back every line of a cancelled order. Each line is released
// independently; failures are logged and counted, never returned, since a
// missed release only leaves capacity narrower than it could be.
func (m *Manager) Release(ctx context.Context, bakeDayID bakeday.ID, items []Item) error {
	for _, line := range mergeLines(items) {
		key := Key{BakeDayID: bakeDayID, VariantID: line.VariantID}
		if line.Quantity <= 0 {
			m.Metrics.ObserveRelease(metrics.OutcomeInvalid)
			m.Logger.Warn("release skipped: invalid quantity", zap.Stringer("key", key), zap.Int("quantity", line.Quantity))
			continue
		}
		err := m.retryLine(ctx, "release", key, line.Quantity, func() error {
			return m.Store.WithTx(ctx, func(tx Tx) error {
				_, err := Release(ctx, tx, key, line.Quantity, m.Config.LockTimeout, m.Now())
				return err
			})
		})
		switch {
		case err == nil, errors.Is(err, ErrEntryNotFound):
			m.Metrics.ObserveRelease(metrics.OutcomeOK)
		default:
			m.Metrics.ObserveRelease(metrics.OutcomeFailed)
			fields := []zap.Field{zap.Stringer("key", key), zap.Int("quantity", line.Quantity), zap.Error(err)}
			if e, gerr := m.Store.GetEntry(ctx, key); gerr == nil {
				fields = append(fields, zap.Int("reserved", e.Reserved), zap.Int("capacity", e.Capacity))
			}
			m.Logger.Error("release failed", fields...)
		}
	}
	return nil
}

// Status returns the read-only capacity view for one variant.
func (m *Manager) Status(ctx context.Context, key Key) (Status, error) {
	e, err := m.Store.GetEntry(ctx, key)
	if errors.Is(err, ErrEntryNotFound) {
		return UnmeteredStatus(key), nil
	}
	if err != nil {
		return Status{}, err
	}
	return StatusOf(e), nil
}

// retryLine runs fn, retrying transient failures with backoff. Anything else
// is returned as is. Exhausted retries become a *TransientError.
func (m *Manager) retryLine(ctx context.Context, op string, key Key, qty int, fn func() error) error {
	attempts := 0
	var lastErr error
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		lastErr = err
		if errors.Is(err, ErrLockTimeout) {
			m.Metrics.ObserveLockTimeout()
		}
		m.Logger.Warn("transient ledger failure, retrying",
			zap.String("op", op), zap.Stringer("key", key), zap.Int("quantity", qty),
			zap.Int("attempt", attempts), zap.Error(err))
		return err
	}, NewBackOff(ctx, m.Config.Retry))
	if err == nil {
		return nil
	}
	if lastErr != nil && (IsRetryable(err) || ctx.Err() != nil) {
		return &TransientError{Op: op, Key: key, Attempts: attempts, Cause: lastErr}
	}
	return err
}

func (m *Manager) logAllocation(bakeDayID bakeday.ID, lines []Item, err error, started time.Time) {
	fields := []zap.Field{
		zap.String("bake_day_id", string(bakeDayID)),
		zap.Int("lines", len(lines)),
		zap.Duration("elapsed", time.Since(started)),
	}
	var short *InsufficientCapacityError
	switch {
	case err == nil:
		m.Metrics.ObserveAllocation(metrics.OutcomeOK, started)
		m.Logger.Debug("allocation committed", fields...)
	case errors.As(err, &short):
		m.Metrics.ObserveAllocation(metrics.OutcomeInsufficient, started)
		m.Logger.Info("allocation refused: insufficient capacity", append(fields,
			zap.Stringer("key", short.Key), zap.Int("requested", short.Requested),
			zap.Int("reserved", short.Reserved), zap.Int("capacity", short.Capacity))...)
	case IsInvariantViolation(err):
		m.Metrics.ObserveAllocation(metrics.OutcomeFailed, started)
		m.Logger.Error("allocation hit invariant violation", append(fields, zap.Error(err))...)
	case errors.Is(err, ErrInvalidQuantity):
		m.Metrics.ObserveAllocation(metrics.OutcomeInvalid, started)
	default:
		m.Metrics.ObserveAllocation(metrics.OutcomeTransient, started)
		m.Logger.Error("allocation failed", append(fields, zap.Error(err))...)
	}
}

// =============================================================================
// LINE NORMALIZATION
// =============================================================================

// normalize validates quantities, merges duplicate variants, and sorts lines
// into lock order.
func normalize(items []Item) ([]Item, error) {
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, &QuantityError{VariantID: it.VariantID, Quantity: it.Quantity}
		}
	}
	return mergeLines(items), nil
}

// mergeLines sums duplicate variants and returns lines sorted by VariantID.
func mergeLines(items []Item) []Item {
	sums := make(map[VariantID]int, len(items))
	for _, it := range items {
		sums[it.VariantID] += it.Quantity
	}
	lines := make([]Item, 0, len(sums))
	for v, q := range sums {
		lines = append(lines, Item{VariantID: v, Quantity: q})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].VariantID < lines[j].VariantID })
	return lines
}
