package compute_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/compute"
	"github.com/warp/leave-ledger/core"
	"github.com/warp/leave-ledger/policy"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fixedHolidays marks a fixed set of dates as holidays.
type fixedHolidays map[calendar.Date]bool

func (f fixedHolidays) IsHoliday(_ context.Context, _ core.OrgID, d calendar.Date) (bool, error) {
	return f[d], nil
}

func (f fixedHolidays) HolidaysInRange(_ context.Context, _ core.OrgID, from, to calendar.Date) ([]calendar.Holiday, error) {
	var out []calendar.Holiday
	for d := from; d.BeforeOrEqual(to); d = d.AddDays(1) {
		if f[d] {
			out = append(out, calendar.Holiday{Date: d})
		}
	}
	return out, nil
}

func daysInput(start, end time.Time) compute.DurationInput {
	return compute.DurationInput{
		Org:        "org-1",
		Start:      start,
		End:        end,
		Unit:       core.UnitDays,
		PolicyUnit: core.UnitDays,
		Schedule:   calendar.DefaultSchedule(),
	}
}

func hoursInput(start, end time.Time) compute.DurationInput {
	in := daysInput(start, end)
	in.Unit = core.UnitHours
	in.PolicyUnit = core.UnitHours
	return in
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// DURATION - DAYS
// =============================================================================

func TestDuration_Days_SkipsWeekend(t *testing.T) {
	// GIVEN: A request spanning Friday through Monday
	// WHEN: Computing the chargeable duration in DAYS
	// THEN: Saturday and Sunday do not count, leaving 2 days

	start := time.Date(2025, time.June, 6, 0, 0, 0, 0, time.UTC) // Friday
	end := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)  // exclusive of Tuesday

	got, err := compute.Duration(context.Background(), daysInput(start, end))
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(dec("2")), "got %s", got.Value)
	assert.Equal(t, core.UnitDays, got.Unit)
}

func TestDuration_Days_SkipsHoliday(t *testing.T) {
	// GIVEN: A Monday..Wednesday request with Tuesday as a public holiday
	// WHEN: Computing the duration
	// THEN: Only Monday and Wednesday charge

	start := time.Date(2025, time.June, 9, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.June, 12, 0, 0, 0, 0, time.UTC)

	in := daysInput(start, end)
	in.Calendar = fixedHolidays{calendar.NewDate(2025, time.June, 10): true}

	got, err := compute.Duration(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(dec("2")), "got %s", got.Value)
}

func TestDuration_Days_HalfDay(t *testing.T) {
	// GIVEN: A single-day request flagged as a half day, half days allowed
	// WHEN: Computing the duration
	// THEN: Charge is 0.5 days

	start := time.Date(2025, time.June, 9, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)

	in := daysInput(start, end)
	in.HalfDay = true
	in.HalfDayAllowed = true

	got, err := compute.Duration(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(dec("0.5")), "got %s", got.Value)
}

func TestDuration_Days_HalfDayNotAllowed(t *testing.T) {
	// GIVEN: A half-day request against a benefit that forbids half days
	// WHEN: Computing the duration
	// THEN: Fails VALIDATION

	start := time.Date(2025, time.June, 9, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)

	in := daysInput(start, end)
	in.HalfDay = true

	_, err := compute.Duration(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}

func TestDuration_Days_WeekendOnlyIsZero(t *testing.T) {
	// GIVEN: A request covering only Saturday and Sunday
	// WHEN: Computing the duration
	// THEN: Result is zero, not an error

	start := time.Date(2025, time.June, 7, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.June, 9, 0, 0, 0, 0, time.UTC)

	got, err := compute.Duration(context.Background(), daysInput(start, end))
	require.NoError(t, err)
	assert.True(t, got.Value.IsZero(), "got %s", got.Value)
}

func TestDuration_Days_TimezoneDayBoundary(t *testing.T) {
	// GIVEN: A span that is one local day in Sydney but crosses midnight UTC
	// WHEN: Computing in the org timezone
	// THEN: Exactly one day charges

	syd, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	// Monday 2025-06-09 00:00..24:00 in Sydney.
	start := time.Date(2025, time.June, 9, 0, 0, 0, 0, syd)
	end := start.AddDate(0, 0, 1)

	in := daysInput(start.UTC(), end.UTC())
	in.Location = syd

	got, err := compute.Duration(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(dec("1")), "got %s", got.Value)
}

func TestDuration_EndNotAfterStart(t *testing.T) {
	// GIVEN: Start equals end
	// WHEN: Computing the duration
	// THEN: Fails VALIDATION

	at := time.Date(2025, time.June, 9, 0, 0, 0, 0, time.UTC)
	_, err := compute.Duration(context.Background(), daysInput(at, at))
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}

func TestDuration_UnitMismatch(t *testing.T) {
	// GIVEN: A DAYS request against an HOURS benefit
	// WHEN: Computing the duration
	// THEN: Fails VALIDATION

	start := time.Date(2025, time.June, 9, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)

	in := daysInput(start, end)
	in.PolicyUnit = core.UnitHours

	_, err := compute.Duration(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}

// =============================================================================
// DURATION - HOURS
// =============================================================================

func TestDuration_Hours_ClampsToWorkingWindow(t *testing.T) {
	// GIVEN: A 07:00..19:00 request against a 09:00..17:00 schedule
	// WHEN: Computing the duration in HOURS
	// THEN: Only the 8 working hours charge

	start := time.Date(2025, time.June, 9, 7, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.June, 9, 19, 0, 0, 0, time.UTC)

	got, err := compute.Duration(context.Background(), hoursInput(start, end))
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(dec("8")), "got %s", got.Value)
}

func TestDuration_Hours_SubtractsBreakInsideSpan(t *testing.T) {
	// GIVEN: A schedule with a 12:00..13:00 break, request 10:00..15:00
	// WHEN: Computing the duration
	// THEN: The break hour does not charge (4 instead of 5)

	sched := calendar.DefaultSchedule()
	dw := sched.Days[time.Monday]
	dw.Breaks = []calendar.Window{{Start: 12 * 60, End: 13 * 60}}
	sched.Days[time.Monday] = dw

	start := time.Date(2025, time.June, 9, 10, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.June, 9, 15, 0, 0, 0, time.UTC)

	in := hoursInput(start, end)
	in.Schedule = sched

	got, err := compute.Duration(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(dec("4")), "got %s", got.Value)
}

func TestDuration_Hours_BreakOutsideSpanIgnored(t *testing.T) {
	// GIVEN: A 12:00..13:00 break and a request ending at noon
	// WHEN: Computing the duration
	// THEN: The break does not reduce the charge

	sched := calendar.DefaultSchedule()
	dw := sched.Days[time.Monday]
	dw.Breaks = []calendar.Window{{Start: 12 * 60, End: 13 * 60}}
	sched.Days[time.Monday] = dw

	start := time.Date(2025, time.June, 9, 9, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.June, 9, 12, 0, 0, 0, time.UTC)

	in := hoursInput(start, end)
	in.Schedule = sched

	got, err := compute.Duration(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(dec("3")), "got %s", got.Value)
}

func TestDuration_Hours_HolidayContributesNothing(t *testing.T) {
	// GIVEN: A two-day hourly request where the first day is a holiday
	// WHEN: Computing the duration
	// THEN: Only the second day's working hours charge

	start := time.Date(2025, time.June, 9, 9, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.June, 10, 17, 0, 0, 0, time.UTC)

	in := hoursInput(start, end)
	in.Calendar = fixedHolidays{calendar.NewDate(2025, time.June, 9): true}

	got, err := compute.Duration(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(dec("8")), "got %s", got.Value)
}

// =============================================================================
// OVERTIME - TIER SPLIT
// =============================================================================

func overtimePolicy() policy.OvertimePolicy {
	return policy.OvertimePolicy{
		ID:                 "ot-1",
		Tier1Hours:         dec("2"),
		Tier1Multiplier:    dec("1.5"),
		Tier2Multiplier:    dec("2"),
		CompTimeAllowed:    true,
		CompTimeMultiplier: dec("1"),
		TOILBenefitID:      "toil",
	}
}

func TestSplit_BelowThreshold(t *testing.T) {
	// GIVEN: 1.5 hours reported against a 2-hour tier-1 threshold
	// WHEN: Splitting into tiers
	// THEN: All of it lands in tier 1

	split, err := compute.Split(dec("1.5"), overtimePolicy())
	require.NoError(t, err)
	assert.True(t, split.Tier1.Equal(dec("1.5")))
	assert.True(t, split.Tier2.IsZero())
}

func TestSplit_AboveThreshold(t *testing.T) {
	// GIVEN: 10 hours reported against a 2-hour tier-1 threshold
	// WHEN: Splitting into tiers
	// THEN: tier1=2, tier2=8, total preserved

	split, err := compute.Split(dec("10"), overtimePolicy())
	require.NoError(t, err)
	assert.True(t, split.Tier1.Equal(dec("2")))
	assert.True(t, split.Tier2.Equal(dec("8")))
	assert.True(t, split.Total().Equal(dec("10")))
}

func TestSplit_NegativeRejected(t *testing.T) {
	_, err := compute.Split(dec("-1"), overtimePolicy())
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}

// =============================================================================
// OVERTIME - WEEKLY AGGREGATION
// =============================================================================

func TestWeeklyCountable_BelowWeeklyThreshold(t *testing.T) {
	// GIVEN: A 45-hour weekly threshold, 40 scheduled hours, no prior overtime
	// WHEN: Reporting 3 hours
	// THEN: Nothing counts; the full 3 hours are excess

	p := overtimePolicy()
	p.WeeklyThresholdHours = dec("45")

	countable, excess := compute.WeeklyCountable(dec("40"), decimal.Zero, dec("3"), p)
	assert.True(t, countable.IsZero(), "countable %s", countable)
	assert.True(t, excess.Equal(dec("3")), "excess %s", excess)
}

func TestWeeklyCountable_PartiallyAboveThreshold(t *testing.T) {
	// GIVEN: Threshold 45, scheduled 40, prior 3 counted this week
	// WHEN: Reporting 4 hours
	// THEN: 2 hours still fall under the threshold, 2 count

	p := overtimePolicy()
	p.WeeklyThresholdHours = dec("45")

	countable, excess := compute.WeeklyCountable(dec("40"), dec("3"), dec("4"), p)
	assert.True(t, countable.Equal(dec("2")), "countable %s", countable)
	assert.True(t, excess.Equal(dec("2")), "excess %s", excess)
}

func TestWeeklyCountable_CapsAtWeeklyMax(t *testing.T) {
	// GIVEN: A 12-hour weekly overtime cap with 10 already counted
	// WHEN: Reporting 5 more hours
	// THEN: Only 2 count, 3 spill into excess

	p := overtimePolicy()
	p.WeeklyMaxOvertimeHours = dec("12")

	countable, excess := compute.WeeklyCountable(dec("40"), dec("10"), dec("5"), p)
	assert.True(t, countable.Equal(dec("2")), "countable %s", countable)
	assert.True(t, excess.Equal(dec("3")), "excess %s", excess)
}

func TestWeeklyCountable_NoLimitsPassesThrough(t *testing.T) {
	// GIVEN: Zero threshold and zero cap (both disabled)
	// WHEN: Reporting hours
	// THEN: Everything counts

	countable, excess := compute.WeeklyCountable(dec("40"), dec("99"), dec("7"), overtimePolicy())
	assert.True(t, countable.Equal(dec("7")))
	assert.True(t, excess.IsZero())
}

func TestScheduledWeekHours_DefaultSchedule(t *testing.T) {
	// Five 8-hour days.
	got := compute.ScheduledWeekHours(calendar.DefaultSchedule())
	assert.True(t, got.Equal(dec("40")), "got %s", got)
}

func TestISOWeek_YearBoundary(t *testing.T) {
	// 2024-12-30 is a Monday belonging to ISO week 1 of 2025.
	year, week := compute.ISOWeek(calendar.NewDate(2024, time.December, 30))
	assert.Equal(t, 2025, year)
	assert.Equal(t, 1, week)
}
