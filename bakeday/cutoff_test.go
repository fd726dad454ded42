package bakeday_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bakehouse/bakeday"
)

func utc(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

// =============================================================================
// CUTOFF COMPUTATION
// =============================================================================

func TestCutoffFor_WeekdayRules(t *testing.T) {
	p := bakeday.DefaultCutoffPolicy()

	cases := []struct {
		name string
		date bakeday.Date
		want time.Time
	}{
		// 18:00 CET is 17:00 UTC in winter
		{"tuesday closes sunday", bakeday.NewDate(2025, time.March, 4), utc(2025, time.March, 2, 17, 0, 0)},
		{"friday closes wednesday", bakeday.NewDate(2025, time.March, 7), utc(2025, time.March, 5, 17, 0, 0)},
		{"saturday closes friday", bakeday.NewDate(2025, time.March, 8), utc(2025, time.March, 7, 17, 0, 0)},
		{"monday closes sunday", bakeday.NewDate(2025, time.March, 3), utc(2025, time.March, 2, 17, 0, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.CutoffFor(tc.date)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "want %s, got %s", tc.want, got)
			assert.Equal(t, 18, got.In(p.Location).Hour())
		})
	}
}

func TestCutoffFor_AcrossDaylightSaving(t *testing.T) {
	// GIVEN: Europe/Brussels springs forward on 2025-03-30 and falls back on 2025-10-26
	// WHEN: Computing cutoffs on either side
	// THEN: Local time stays 18:00 while the UTC instant shifts by an hour

	p := bakeday.DefaultCutoffPolicy()

	before, err := p.CutoffFor(bakeday.NewDate(2025, time.March, 29)) // Sat, closes Fri 28 (CET)
	require.NoError(t, err)
	after, err := p.CutoffFor(bakeday.NewDate(2025, time.April, 1)) // Tue, closes Sun 30 (CEST)
	require.NoError(t, err)
	autumn, err := p.CutoffFor(bakeday.NewDate(2025, time.October, 27)) // Mon, closes Sun 26 (CET)
	require.NoError(t, err)

	assert.True(t, utc(2025, time.March, 28, 17, 0, 0).Equal(before))
	assert.True(t, utc(2025, time.March, 30, 16, 0, 0).Equal(after))
	assert.True(t, utc(2025, time.October, 26, 17, 0, 0).Equal(autumn))
}

func TestCutoffFor_IndependentOfHostZone(t *testing.T) {
	p := bakeday.DefaultCutoffPolicy()
	date := bakeday.NewDate(2025, time.June, 13)

	a, err := p.CutoffFor(date)
	require.NoError(t, err)

	saved := time.Local
	time.Local = time.FixedZone("Elsewhere", -9*3600)
	defer func() { time.Local = saved }()

	b, err := p.CutoffFor(date)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestCutoffFor_RejectsSameDayCutoff(t *testing.T) {
	p := bakeday.DefaultCutoffPolicy()
	p.DefaultDaysBefore = 0

	_, err := p.CutoffFor(bakeday.NewDate(2025, time.March, 3))
	assert.ErrorIs(t, err, bakeday.ErrInvalidCutoff)
}

func TestNewCutoffPolicy(t *testing.T) {
	p, err := bakeday.NewCutoffPolicy("America/New_York", 20, 30)
	require.NoError(t, err)
	got, err := p.CutoffFor(bakeday.NewDate(2025, time.January, 10)) // Friday
	require.NoError(t, err)
	assert.True(t, utc(2025, time.January, 9, 1, 30, 0).Equal(got)) // Wed 20:30 EST

	_, err = bakeday.NewCutoffPolicy("Mars/Olympus", 18, 0)
	assert.Error(t, err)
	_, err = bakeday.NewCutoffPolicy(bakeday.DefaultTimezone, 24, 0)
	assert.Error(t, err)
}

// =============================================================================
// ORDERING GATE
// =============================================================================

func openDay(cutoff time.Time) bakeday.BakeDay {
	return bakeday.BakeDay{
		ID:       "bd-1",
		BakedOn:  bakeday.NewDate(2025, time.March, 7),
		CutoffAt: cutoff,
		Status:   bakeday.StatusOpen,
	}
}

func TestOrderingAllowed_CutoffBoundary(t *testing.T) {
	// GIVEN: An open bake day
	// THEN: Ordering is allowed up to and including the cutoff instant

	cutoff := utc(2025, time.March, 5, 17, 0, 0)
	bd := openDay(cutoff)

	assert.True(t, bakeday.OrderingAllowed(bd, cutoff.Add(-time.Second)))
	assert.True(t, bakeday.OrderingAllowed(bd, cutoff))
	assert.False(t, bakeday.OrderingAllowed(bd, cutoff.Add(time.Second)))
}

func TestOrderingAllowed_RequiresOpen(t *testing.T) {
	cutoff := utc(2025, time.March, 5, 17, 0, 0)
	early := cutoff.Add(-24 * time.Hour)

	for _, status := range []bakeday.Status{bakeday.StatusLocked, bakeday.StatusCompleted} {
		bd := openDay(cutoff)
		bd.Status = status
		assert.False(t, bakeday.OrderingAllowed(bd, early), string(status))
	}
}

func TestOrderingAllowed_DoesNotMutate(t *testing.T) {
	cutoff := utc(2025, time.March, 5, 17, 0, 0)
	bd := openDay(cutoff)
	bakeday.OrderingAllowed(bd, cutoff.Add(time.Hour))
	assert.Equal(t, bakeday.StatusOpen, bd.Status)
}

func TestCheckOrdering_Reasons(t *testing.T) {
	cutoff := utc(2025, time.March, 5, 17, 0, 0)

	assert.NoError(t, bakeday.CheckOrdering(openDay(cutoff), cutoff))

	var closed *bakeday.OrderingClosedError
	err := bakeday.CheckOrdering(openDay(cutoff), cutoff.Add(time.Second))
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, bakeday.ReasonCutoffPassed, closed.Reason)
	assert.ErrorIs(t, err, bakeday.ErrOrderingClosed)

	locked := openDay(cutoff)
	locked.Status = bakeday.StatusLocked
	require.ErrorAs(t, bakeday.CheckOrdering(locked, cutoff.Add(-time.Hour)), &closed)
	assert.Equal(t, bakeday.ReasonLocked, closed.Reason)

	done := openDay(cutoff)
	done.Status = bakeday.StatusCompleted
	require.ErrorAs(t, bakeday.CheckOrdering(done, cutoff.Add(-time.Hour)), &closed)
	assert.Equal(t, bakeday.ReasonCompleted, closed.Reason)
}

func TestAvailableAndNextAvailable(t *testing.T) {
	now := utc(2025, time.March, 4, 12, 0, 0)
	mk := func(id string, day int, cutoff time.Time, status bakeday.Status) bakeday.BakeDay {
		return bakeday.BakeDay{ID: bakeday.ID(id), BakedOn: bakeday.NewDate(2025, time.March, day), CutoffAt: cutoff, Status: status}
	}
	days := []bakeday.BakeDay{
		mk("sat", 8, utc(2025, time.March, 7, 17, 0, 0), bakeday.StatusOpen),
		mk("tue", 4, utc(2025, time.March, 2, 17, 0, 0), bakeday.StatusOpen), // past cutoff
		mk("fri", 7, utc(2025, time.March, 5, 17, 0, 0), bakeday.StatusOpen),
		mk("thu", 6, utc(2025, time.March, 5, 17, 0, 0), bakeday.StatusLocked),
	}

	avail := bakeday.Available(days, now)
	require.Len(t, avail, 2)
	assert.Equal(t, bakeday.ID("sat"), avail[0].ID)
	assert.Equal(t, bakeday.ID("fri"), avail[1].ID)

	next, ok := bakeday.NextAvailable(days, now)
	require.True(t, ok)
	assert.Equal(t, bakeday.ID("fri"), next.ID)

	_, ok = bakeday.NextAvailable(days, utc(2025, time.March, 9, 0, 0, 0))
	assert.False(t, ok)
}

// =============================================================================
// DATE
// =============================================================================

func TestDate_ParseAndText(t *testing.T) {
	d, err := bakeday.ParseDate("2025-03-07")
	require.NoError(t, err)
	assert.Equal(t, bakeday.NewDate(2025, time.March, 7), d)
	assert.Equal(t, time.Friday, d.Weekday())
	assert.Equal(t, "2025-03-05", d.AddDays(-2).String())

	var parsed bakeday.Date
	require.NoError(t, parsed.UnmarshalText([]byte("2025-12-31")))
	assert.Equal(t, "2026-01-01", parsed.AddDays(1).String())

	_, err = bakeday.ParseDate("07/03/2025")
	assert.Error(t, err)
}
