/*
Package scheduler locks bake days when their ordering cutoff passes.

PURPOSE:
  Cutoff enforcement already refuses orders after the deadline, whatever the
  stored status says. This package makes the status catch up: it moves each
  open bake day to locked at its cutoff, at least once, and retries transient
  failures.

DESIGN:
  - Schedule persists a Job and pushes it on an in-process timer queue
  - the run loop sleeps until the earliest job is due, then fires it
  - Fire is idempotent: a missing, already-locked or completed bake day is a
    no-op, and the status change itself is a compare-and-set
  - a periodic Sweep locks every open bake day whose cutoff has passed, so
    lost timers (crash, restart, failed schedule) converge anyway
  - sweep failures are isolated per bake day

CONFIGURATION:
  - SweepInterval: how often the recovery sweep runs (default: 5 minutes)
  - Retry:         attempts/backoff for one lock (default: 3, 1s doubling)
  - Enabled:       whether Start launches the loop (default: true)

USAGE:
  sched := scheduler.New(store, store, logger)
  lifecycle.Scheduler = sched
  sched.Start(ctx)
  // ... later
  sched.Stop()

SEE ALSO:
  - bakeday/lifecycle.go: calls Schedule when a bake day is created
  - job.go:               Job, JobStore, timer queue
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"github.com/warp/bakehouse/metrics"
	"go.uber.org/zap"
)

// Result is what one fire did.
type Result string

const (
	ResultLocked        Result = "locked"
	ResultAlreadyClosed Result = "already_closed"
	ResultNotDue        Result = "not_due"
	ResultGone          Result = "gone"
)

// LockError is returned once every attempt to lock a bake day failed.
type LockError struct {
	BakeDayID bakeday.ID
	Attempts  int
	Cause     error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock bake day %s: gave up after %d attempts: %v", e.BakeDayID, e.Attempts, e.Cause)
}

func (e *LockError) Unwrap() error { return e.Cause }

// SweepResult reports one recovery sweep.
type SweepResult struct {
	Locked  []bakeday.ID
	Skipped []bakeday.ID
	Failed  map[bakeday.ID]error
}

// LockScheduler is the deferred open -> locked trigger.
type LockScheduler struct {
	Store         bakeday.Store
	Jobs          JobStore
	Clock         bakeday.Clock
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	SweepInterval time.Duration
	Retry         capacity.RetryConfig
	Enabled       bool

	mu      sync.Mutex
	queue   *jobQueue
	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

var _ bakeday.LockScheduler = (*LockScheduler)(nil)

// New creates a scheduler with default settings.
func New(store bakeday.Store, jobs JobStore, logger *zap.Logger) *LockScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockScheduler{
		Store:         store,
		Jobs:          jobs,
		Clock:         bakeday.SystemClock{},
		Logger:        logger,
		SweepInterval: 5 * time.Minute,
		Retry: capacity.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Enabled: true,
		queue:   newJobQueue(),
		wake:    make(chan struct{}, 1),
	}
}

// =============================================================================
// SCHEDULING
// =============================================================================

// Schedule arranges for bd to be locked at its cutoff. Bake days that aren't
// open, or whose cutoff already passed, are left to the sweep.
func (s *LockScheduler) Schedule(ctx context.Context, bd bakeday.BakeDay) error {
	if bd.Status != bakeday.StatusOpen {
		return nil
	}
	now := s.Clock.Now()
	if !now.Before(bd.CutoffAt) {
		s.Logger.Debug("cutoff already passed, leaving to sweep", zap.String("bake_day_id", string(bd.ID)))
		return nil
	}
	job := Job{BakeDayID: bd.ID, RunAt: bd.CutoffAt, Status: JobPending, UpdatedAt: now}
	if err := s.Jobs.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("save lock job for %s: %w", bd.ID, err)
	}
	s.enqueue(job)
	s.Logger.Info("auto-lock scheduled",
		zap.String("bake_day_id", string(bd.ID)),
		zap.Time("run_at", bd.CutoffAt))
	return nil
}

// Restore reloads pending jobs, typically after a restart, and schedules
// every upcoming open bake day that has none.
func (s *LockScheduler) Restore(ctx context.Context) (int, error) {
	jobs, err := s.Jobs.PendingJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending jobs: %w", err)
	}
	for _, job := range jobs {
		s.enqueue(job)
	}

	days, err := s.Store.ListBakeDays(ctx)
	if err != nil {
		return len(jobs), fmt.Errorf("list bake days: %w", err)
	}
	count := len(jobs)
	for _, bd := range days {
		if s.queued(bd.ID) {
			continue
		}
		if bd.Status != bakeday.StatusOpen || !s.Clock.Now().Before(bd.CutoffAt) {
			continue
		}
		if err := s.Schedule(ctx, bd); err != nil {
			s.Logger.Warn("reschedule failed", zap.String("bake_day_id", string(bd.ID)), zap.Error(err))
			continue
		}
		count++
	}
	s.Logger.Info("lock jobs restored", zap.Int("count", count))
	return count, nil
}

func (s *LockScheduler) enqueue(job Job) {
	s.mu.Lock()
	s.queue.upsert(job)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *LockScheduler) queued(id bakeday.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queue.index[id]
	return ok
}

// Pending returns the number of queued timers.
func (s *LockScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// =============================================================================
// FIRING
// =============================================================================

// Fire locks the bake day if it is still open and its cutoff has passed.
// Firing twice, or for a bake day that no longer exists, is not an error.
func (s *LockScheduler) Fire(ctx context.Context, id bakeday.ID) (Result, error) {
	return s.fire(ctx, id, metrics.TriggerTimer)
}

func (s *LockScheduler) fire(ctx context.Context, id bakeday.ID, trigger string) (Result, error) {
	var (
		result   Result
		current  bakeday.BakeDay
		attempts int
	)
	op := func() error {
		attempts++
		bd, err := s.Store.GetBakeDay(ctx, id)
		if errors.Is(err, bakeday.ErrNotFound) {
			result = ResultGone
			return nil
		}
		if err != nil {
			return s.retrying(id, attempts, err)
		}
		current = bd
		now := s.Clock.Now()
		if bd.Status != bakeday.StatusOpen {
			result = ResultAlreadyClosed
			return nil
		}
		if now.Before(bd.CutoffAt) {
			result = ResultNotDue
			return nil
		}
		_, err = s.Store.TransitionStatus(ctx, id, bakeday.StatusOpen, bakeday.StatusLocked, now)
		switch {
		case err == nil:
			result = ResultLocked
			return nil
		case errors.Is(err, bakeday.ErrStatusConflict):
			// someone else moved it first
			result = ResultAlreadyClosed
			return nil
		case errors.Is(err, bakeday.ErrNotFound):
			result = ResultGone
			return nil
		}
		return s.retrying(id, attempts, err)
	}

	if err := backoff.Retry(op, capacity.NewBackOff(ctx, s.Retry)); err != nil {
		lockErr := &LockError{BakeDayID: id, Attempts: attempts, Cause: err}
		s.Metrics.ObserveLockFailure(trigger)
		s.Logger.Error("auto-lock failed",
			zap.String("bake_day_id", string(id)),
			zap.String("trigger", trigger),
			zap.Int("attempts", attempts),
			zap.Error(err))
		s.saveJob(ctx, Job{BakeDayID: id, RunAt: current.CutoffAt, Status: JobFailed, Attempts: attempts, LastError: err.Error()})
		return "", lockErr
	}

	fields := []zap.Field{zap.String("bake_day_id", string(id)), zap.String("trigger", trigger)}
	switch result {
	case ResultLocked:
		s.Metrics.ObserveBakeDayLocked(trigger)
		s.Logger.Info("bake day locked at cutoff", append(fields, zap.Time("cutoff_at", current.CutoffAt))...)
		s.saveJob(ctx, Job{BakeDayID: id, RunAt: current.CutoffAt, Status: JobDone, Attempts: attempts})
	case ResultAlreadyClosed:
		s.Logger.Info("auto-lock skipped", append(fields, zap.String("status", string(current.Status)))...)
		s.saveJob(ctx, Job{BakeDayID: id, RunAt: current.CutoffAt, Status: JobDone, Attempts: attempts})
	case ResultNotDue:
		s.Logger.Warn("auto-lock fired before cutoff, requeued", append(fields, zap.Time("cutoff_at", current.CutoffAt))...)
		s.enqueue(Job{BakeDayID: id, RunAt: current.CutoffAt, Status: JobPending})
	case ResultGone:
		s.Logger.Warn("auto-lock target not found", fields...)
	}
	return result, nil
}

func (s *LockScheduler) retrying(id bakeday.ID, attempt int, err error) error {
	s.Logger.Warn("auto-lock attempt failed",
		zap.String("bake_day_id", string(id)), zap.Int("attempt", attempt), zap.Error(err))
	return err
}

func (s *LockScheduler) saveJob(ctx context.Context, job Job) {
	job.UpdatedAt = s.Clock.Now()
	if err := s.Jobs.SaveJob(ctx, job); err != nil {
		s.Logger.Warn("lock job not persisted", zap.String("bake_day_id", string(job.BakeDayID)), zap.Error(err))
	}
}

// RunDue fires every queued job whose time has come and returns how many ran.
func (s *LockScheduler) RunDue(ctx context.Context) int {
	s.mu.Lock()
	due := s.queue.popDue(s.Clock.Now())
	s.mu.Unlock()
	for _, job := range due {
		_, _ = s.fire(ctx, job.BakeDayID, metrics.TriggerTimer) // failures are left to the sweep
	}
	return len(due)
}

// =============================================================================
// RECOVERY SWEEP
// =============================================================================

// Sweep locks every open bake day whose cutoff has passed. One bake day
// failing never stops the others.
func (s *LockScheduler) Sweep(ctx context.Context) (SweepResult, error) {
	s.Metrics.ObserveSweep()
	overdue, err := s.Store.ListOverdue(ctx, s.Clock.Now())
	if err != nil {
		return SweepResult{}, fmt.Errorf("list overdue bake days: %w", err)
	}
	res := SweepResult{Failed: make(map[bakeday.ID]error)}
	for _, bd := range overdue {
		r, err := s.fire(ctx, bd.ID, metrics.TriggerSweep)
		switch {
		case err != nil:
			res.Failed[bd.ID] = err
		case r == ResultLocked:
			res.Locked = append(res.Locked, bd.ID)
		default:
			res.Skipped = append(res.Skipped, bd.ID)
		}
	}
	if len(overdue) > 0 {
		s.Logger.Info("sweep completed",
			zap.Int("locked", len(res.Locked)),
			zap.Int("skipped", len(res.Skipped)),
			zap.Int("failed", len(res.Failed)))
	}
	return res, nil
}

// RunNow fires due timers and sweeps immediately (for admin/testing).
func (s *LockScheduler) RunNow(ctx context.Context) (SweepResult, error) {
	s.RunDue(ctx)
	return s.Sweep(ctx)
}

// =============================================================================
// RUN LOOP
// =============================================================================

// Start restores persisted jobs and launches the timer loop.
func (s *LockScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("scheduler disabled, not starting")
		return
	}
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(ctx)

	s.Logger.Info("scheduler started", zap.Duration("sweep_interval", s.SweepInterval))
}

// Stop halts the loop and waits for an in-flight fire to finish.
func (s *LockScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info("scheduler stopped")
}

func (s *LockScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	if _, err := s.Restore(ctx); err != nil {
		s.Logger.Error("restore lock jobs", zap.Error(err))
	}
	// Run immediately on start
	if _, err := s.Sweep(ctx); err != nil {
		s.Logger.Error("sweep", zap.Error(err))
	}

	sweep := time.NewTicker(s.SweepInterval)
	defer sweep.Stop()

	for {
		timer := time.NewTimer(s.untilNext())
		select {
		case <-timer.C:
			s.RunDue(ctx)
		case <-sweep.C:
			timer.Stop()
			if _, err := s.Sweep(ctx); err != nil {
				s.Logger.Error("sweep", zap.Error(err))
			}
		case <-s.wake:
			timer.Stop()
		case <-s.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// untilNext is how long to sleep before the earliest job is due.
func (s *LockScheduler) untilNext() time.Duration {
	s.mu.Lock()
	job, ok := s.queue.peek()
	s.mu.Unlock()
	if !ok {
		return s.SweepInterval
	}
	d := job.RunAt.Sub(s.Clock.Now())
	if d < 0 {
		return 0
	}
	return d
}
