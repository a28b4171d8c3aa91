/*
Package compute implements the deterministic duration and overtime
calculations. Everything here is a pure function of its inputs plus the
read-only calendar/schedule snapshot; no side effects, no clocks.

KEY OPERATIONS:
  - Duration: chargeable quantity for a leave time range (DAYS or HOURS)
  - Split/WeeklyCountable: overtime tier classification and weekly capping

TIMEZONES:
  Instants arrive absolute. Day enumeration and working-window clamping
  happen in the organization's configured timezone; a request spanning
  midnight UTC is still one day in Sydney if that is what the org clock says.
*/
package compute

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
)

// =============================================================================
// DURATION - Chargeable quantity for a leave request
// =============================================================================

// DurationInput carries everything Duration needs. The calendar and schedule
// are read-only snapshots; Duration never mutates them.
type DurationInput struct {
	Org      core.OrgID
	Start    time.Time
	End      time.Time
	Unit     core.Unit // requested unit
	PolicyUnit core.Unit // the benefit's configured unit

	Calendar calendar.Calendar
	Schedule calendar.WorkSchedule
	Location *time.Location

	HalfDay      bool // request explicitly flags a half day
	HalfDayAllowed bool
}

// Duration converts a raw time range into a chargeable quantity.
//
// DAYS: enumerate calendar days in the org timezone, skip non-working
// weekdays and holidays, charge 1.0 per remaining day (0.5 with an allowed
// half-day flag).
//
// HOURS: per day, clamp the requested span to the working window, subtract
// scheduled breaks inside the clamped span, sum across days. Holidays
// contribute nothing.
func Duration(ctx context.Context, in DurationInput) (core.Quantity, error) {
	if !in.End.After(in.Start) {
		return core.Quantity{}, core.Faultf(core.CodeValidation,
			"end %s not after start %s", in.End.Format(time.RFC3339), in.Start.Format(time.RFC3339))
	}
	if in.Unit != in.PolicyUnit {
		return core.Quantity{}, core.Faultf(core.CodeValidation,
			"requested unit %s incompatible with benefit unit %s", in.Unit, in.PolicyUnit)
	}
	if in.HalfDay && !in.HalfDayAllowed {
		return core.Quantity{}, core.Faultf(core.CodeValidation, "half-day requests not allowed for this benefit")
	}

	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	cal := in.Calendar
	if cal == nil {
		cal = calendar.NoHolidays{}
	}

	switch in.Unit {
	case core.UnitDays:
		return durationDays(ctx, in, cal, loc)
	case core.UnitHours:
		return durationHours(ctx, in, cal, loc)
	default:
		return core.Quantity{}, core.Faultf(core.CodeValidation, "unknown unit %s", in.Unit)
	}
}

func durationDays(ctx context.Context, in DurationInput, cal calendar.Calendar, loc *time.Location) (core.Quantity, error) {
	perDay := decimal.NewFromInt(1)
	if in.HalfDay {
		perDay = decimal.NewFromFloat(0.5)
	}

	total := decimal.Zero
	first := calendar.DateOf(in.Start, loc)
	last := calendar.DateOf(in.End.Add(-time.Nanosecond), loc)

	for d := first; d.BeforeOrEqual(last); d = d.AddDays(1) {
		chargeable, err := isChargeableDay(ctx, cal, in.Org, in.Schedule, d)
		if err != nil {
			return core.Quantity{}, err
		}
		if chargeable {
			total = total.Add(perDay)
		}
	}

	return core.NewQuantityFromDecimal(total, core.UnitDays), nil
}

func durationHours(ctx context.Context, in DurationInput, cal calendar.Calendar, loc *time.Location) (core.Quantity, error) {
	totalMinutes := 0
	first := calendar.DateOf(in.Start, loc)
	last := calendar.DateOf(in.End.Add(-time.Nanosecond), loc)

	for d := first; d.BeforeOrEqual(last); d = d.AddDays(1) {
		chargeable, err := isChargeableDay(ctx, cal, in.Org, in.Schedule, d)
		if err != nil {
			return core.Quantity{}, err
		}
		if !chargeable {
			continue
		}

		dw, _ := in.Schedule.WindowFor(d.Weekday())

		// The requested span, expressed as clock minutes within this day.
		span := clockSpan(d, in.Start, in.End, loc)
		clamped := dw.Working.Overlap(span)
		minutes := clamped.Minutes()
		for _, br := range dw.Breaks {
			minutes -= clamped.Overlap(br).Minutes()
		}
		totalMinutes += minutes
	}

	hours := decimal.NewFromInt(int64(totalMinutes)).Div(decimal.NewFromInt(60))
	return core.NewQuantityFromDecimal(hours, core.UnitHours), nil
}

func isChargeableDay(ctx context.Context, cal calendar.Calendar, org core.OrgID, sched calendar.WorkSchedule, d calendar.Date) (bool, error) {
	if !sched.IsWorkingDay(d.Weekday()) {
		return false, nil
	}
	holiday, err := cal.IsHoliday(ctx, org, d)
	if err != nil {
		return false, err
	}
	return !holiday, nil
}

// clockSpan projects [start, end] onto day d as clock minutes.
func clockSpan(d calendar.Date, start, end time.Time, loc *time.Location) calendar.Window {
	dayStart := d.At(loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	s := start
	if s.Before(dayStart) {
		s = dayStart
	}
	e := end
	if e.After(dayEnd) {
		e = dayEnd
	}
	if !e.After(s) {
		return calendar.Window{}
	}

	sl := s.In(loc)
	el := e.In(loc)
	startMin := calendar.ClockTime(sl.Hour()*60 + sl.Minute())
	endMin := calendar.ClockTime(el.Hour()*60 + el.Minute())
	if el.Equal(dayEnd) {
		endMin = 24 * 60
	}
	return calendar.Window{Start: startMin, End: endMin}
}
