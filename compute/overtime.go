/*
overtime.go - Overtime tier classification and weekly capping

TIERS:
  Reported hours split into two buckets by the policy's tier-1 threshold:
  tier1 = min(t, tier1Hours), tier2 = max(0, t - tier1Hours). The tier
  multipliers classify the pay rate; they do not scale the hours here.

WEEKLY AGGREGATION:
  Countable overtime for an ISO week re-checks the cumulative picture:
  hours below the weekly threshold (scheduled hours + prior overtime) do
  not count, and total countable overtime caps at the weekly maximum.
  Excess above the cap is recorded on the entry but never charged to a
  ledger.
*/
package compute

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
	"github.com/warp/leave-ledger/policy"
)

// =============================================================================
// TIER SPLIT
// =============================================================================

// TierSplit is the classification of reported overtime hours.
type TierSplit struct {
	Tier1 decimal.Decimal
	Tier2 decimal.Decimal
}

// Total returns tier1 + tier2.
func (s TierSplit) Total() decimal.Decimal { return s.Tier1.Add(s.Tier2) }

// Split classifies raw overtime hours into tier buckets.
func Split(raw decimal.Decimal, p policy.OvertimePolicy) (TierSplit, error) {
	if raw.IsNegative() {
		return TierSplit{}, core.Faultf(core.CodeValidation, "overtime hours must not be negative")
	}

	tier1 := decimal.Min(raw, p.Tier1Hours)
	tier2 := decimal.Max(decimal.Zero, raw.Sub(p.Tier1Hours))
	return TierSplit{Tier1: tier1, Tier2: tier2}, nil
}

// =============================================================================
// WEEKLY AGGREGATION
// =============================================================================

// ISOWeek returns the ISO 8601 year and week of a date.
func ISOWeek(d calendar.Date) (year, week int) {
	return d.At(time.UTC).ISOWeek()
}

// WeeklyCountable re-checks an entry's raw hours against the ISO-week
// aggregates and returns how many hours count and how many are excess.
//
//   scheduledWeekHours: the schedule's full-week working hours
//   priorCountable:     overtime already counted this ISO week
func WeeklyCountable(scheduledWeekHours, priorCountable, raw decimal.Decimal, p policy.OvertimePolicy) (countable, excess decimal.Decimal) {
	countable = raw

	// Hours below the weekly threshold do not classify as overtime.
	if p.WeeklyThresholdHours.IsPositive() {
		before := scheduledWeekHours.Add(priorCountable)
		deficit := decimal.Max(decimal.Zero, p.WeeklyThresholdHours.Sub(before))
		countable = decimal.Max(decimal.Zero, countable.Sub(deficit))
	}

	// Total countable overtime for the week caps at the configured maximum.
	if p.WeeklyMaxOvertimeHours.IsPositive() {
		remaining := decimal.Max(decimal.Zero, p.WeeklyMaxOvertimeHours.Sub(priorCountable))
		countable = decimal.Min(countable, remaining)
	}

	return countable, raw.Sub(countable)
}

// ScheduledWeekHours returns the schedule's working hours for a full week.
func ScheduledWeekHours(ws calendar.WorkSchedule) decimal.Decimal {
	minutes := 0
	for _, dw := range ws.Days {
		minutes += dw.WorkingMinutes()
	}
	return decimal.NewFromInt(int64(minutes)).Div(decimal.NewFromInt(60))
}
