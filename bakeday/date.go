package bakeday

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Civil calendar date a bake happens on
// =============================================================================

// Date is a calendar day with no time-of-day and no zone. Bake days are keyed
// by it; instants (like the cutoff) are derived from it in the canonical zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// NewDate normalizes overflowing fields the way time.Date does (Jan 32 -> Feb 1).
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// In returns midnight of the date in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) utc() time.Time { return d.In(time.UTC) }

// Comparison
func (d Date) Before(other Date) bool { return d.utc().Before(other.utc()) }
func (d Date) After(other Date) bool  { return d.utc().After(other.utc()) }
func (d Date) Equal(other Date) bool  { return d == other }

// Arithmetic
func (d Date) AddDays(n int) Date { return DateOf(d.utc().AddDate(0, 0, n)) }

// Properties
func (d Date) Weekday() time.Weekday { return d.utc().Weekday() }
func (d Date) IsZero() bool          { return d == Date{} }
func (d Date) String() string        { return d.utc().Format(dateLayout) }

// MarshalText implements encoding.TextMarshaler so dates travel as YYYY-MM-DD.
func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
