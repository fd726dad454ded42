package bakeday

import (
	"fmt"
	"time"
	_ "time/tzdata" // canonical zone must not depend on the host's zoneinfo
)

// =============================================================================
// CUTOFF POLICY
// =============================================================================

// DefaultTimezone is the canonical zone every cutoff is evaluated in.
const DefaultTimezone = "Europe/Brussels"

// CutoffPolicy derives a bake day's ordering deadline from its date: a fixed
// clock time, a weekday-dependent number of days before the bake, evaluated
// in Location.
type CutoffPolicy struct {
	Location          *time.Location
	Hour              int
	Minute            int
	DaysBefore        map[time.Weekday]int
	DefaultDaysBefore int
}

// DefaultCutoffPolicy closes Tuesday bakes on Sunday 18:00 and Friday bakes on
// Wednesday 18:00; any other day closes at 18:00 the day before.
func DefaultCutoffPolicy() CutoffPolicy {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		// tzdata is embedded, so this only fires on a corrupted build.
		panic(fmt.Sprintf("load %s: %v", DefaultTimezone, err))
	}
	return CutoffPolicy{
		Location: loc,
		Hour:     18,
		DaysBefore: map[time.Weekday]int{
			time.Tuesday: 2,
			time.Friday:  2,
		},
		DefaultDaysBefore: 1,
	}
}

// NewCutoffPolicy builds the default rules in the named zone at hour:minute.
func NewCutoffPolicy(timezone string, hour, minute int) (CutoffPolicy, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return CutoffPolicy{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return CutoffPolicy{}, fmt.Errorf("invalid cutoff clock time %02d:%02d", hour, minute)
	}
	p := DefaultCutoffPolicy()
	p.Location = loc
	p.Hour = hour
	p.Minute = minute
	return p, nil
}

func (p CutoffPolicy) daysBefore(wd time.Weekday) int {
	if n, ok := p.DaysBefore[wd]; ok {
		return n
	}
	return p.DefaultDaysBefore
}

// CutoffFor computes the cutoff instant for a bake on date. The result is
// always strictly before midnight of date in the canonical zone.
func (p CutoffPolicy) CutoffFor(date Date) (time.Time, error) {
	n := p.daysBefore(date.Weekday())
	if n < 1 {
		return time.Time{}, fmt.Errorf("%w: %d days before %s", ErrInvalidCutoff, n, date)
	}
	day := date.AddDays(-n)
	// time.Date resolves DST gaps/overlaps deterministically for a given zone.
	cutoff := time.Date(day.Year, day.Month, day.Day, p.Hour, p.Minute, 0, 0, p.Location)
	if !cutoff.Before(date.In(p.Location)) {
		return time.Time{}, fmt.Errorf("%w: %s for %s", ErrInvalidCutoff, cutoff, date)
	}
	return cutoff, nil
}

// =============================================================================
// CUTOFF ENFORCEMENT
// =============================================================================

// OrderingAllowed is the single gate consulted before any reservation: the
// bake day must be open and now must not be after the cutoff. The cutoff
// instant itself still accepts orders. Pure; never mutates bd.
func OrderingAllowed(bd BakeDay, now time.Time) bool {
	return bd.Status == StatusOpen && !bd.PastCutoff(now)
}

// CheckOrdering is OrderingAllowed with a reason attached.
func CheckOrdering(bd BakeDay, now time.Time) error {
	switch {
	case bd.Status == StatusLocked:
		return &OrderingClosedError{BakeDay: bd, Reason: ReasonLocked}
	case bd.Status == StatusCompleted:
		return &OrderingClosedError{BakeDay: bd, Reason: ReasonCompleted}
	case bd.PastCutoff(now):
		return &OrderingClosedError{BakeDay: bd, Reason: ReasonCutoffPassed}
	}
	return nil
}

// Available filters days down to those currently accepting orders, keeping order.
func Available(days []BakeDay, now time.Time) []BakeDay {
	var out []BakeDay
	for _, bd := range days {
		if OrderingAllowed(bd, now) {
			out = append(out, bd)
		}
	}
	return out
}

// NextAvailable returns the earliest bake day accepting orders.
func NextAvailable(days []BakeDay, now time.Time) (BakeDay, bool) {
	var best BakeDay
	found := false
	for _, bd := range Available(days, now) {
		if !found || bd.BakedOn.Before(best.BakedOn) {
			best, found = bd, true
		}
	}
	return best, found
}
