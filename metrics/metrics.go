// Package metrics holds the Prometheus instruments shared by the capacity
// engine and the locking scheduler. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bakehouse"

// Outcome labels.
const (
	OutcomeOK           = "ok"
	OutcomeInsufficient = "insufficient"
	OutcomeTransient    = "transient"
	OutcomeInvalid      = "invalid"
	OutcomeFailed       = "failed"
)

// Lock triggers.
const (
	TriggerTimer = "timer"
	TriggerSweep = "sweep"
)

type Metrics struct {
	Allocations       *prometheus.CounterVec
	AllocationSeconds prometheus.Histogram
	Releases          *prometheus.CounterVec
	LockTimeouts      prometheus.Counter
	BakeDaysLocked    *prometheus.CounterVec
	LockFailures      *prometheus.CounterVec
	Sweeps            prometheus.Counter
}

// New creates the instruments and registers them on reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capacity",
			Name:      "allocations_total",
			Help:      "Order allocations by outcome.",
		}, []string{"outcome"}),
		AllocationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "capacity",
			Name:      "allocation_duration_seconds",
			Help:      "Wall time of Allocate including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capacity",
			Name:      "release_lines_total",
			Help:      "Released order lines by outcome.",
		}, []string{"outcome"}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capacity",
			Name:      "lock_timeouts_total",
			Help:      "Entry lock acquisitions that timed out.",
		}),
		BakeDaysLocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "bake_days_locked_total",
			Help:      "Bake days auto-locked, by trigger.",
		}, []string{"trigger"}),
		LockFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "lock_failures_total",
			Help:      "Auto-lock attempts that gave up, by trigger.",
		}, []string{"trigger"}),
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweeps_total",
			Help:      "Recovery sweeps run.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Allocations, m.AllocationSeconds, m.Releases, m.LockTimeouts,
			m.BakeDaysLocked, m.LockFailures, m.Sweeps,
		)
	}
	return m
}

func (m *Metrics) ObserveAllocation(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.Allocations.WithLabelValues(outcome).Inc()
	m.AllocationSeconds.Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveRelease(outcome string) {
	if m == nil {
		return
	}
	m.Releases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveLockTimeout() {
	if m == nil {
		return
	}
	m.LockTimeouts.Inc()
}

func (m *Metrics) ObserveBakeDayLocked(trigger string) {
	if m == nil {
		return
	}
	m.BakeDaysLocked.WithLabelValues(trigger).Inc()
}

func (m *Metrics) ObserveLockFailure(trigger string) {
	if m == nil {
		return
	}
	m.LockFailures.WithLabelValues(trigger).Inc()
}

func (m *Metrics) ObserveSweep() {
	if m == nil {
		return
	}
	m.Sweeps.Inc()
}
