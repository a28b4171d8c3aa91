/*
Package policy defines the immutable-per-version configuration consumed by
the computation and accrual engines.

PURPOSE:
  A policy is the contract between the organization and the employee about a
  benefit: how it accrues, how much may be carried over, what the balance
  floor and ceiling are, and (for overtime) how reported hours split into
  tiers and convert into TOIL.

VERSIONING:
  Policies are immutable per version. A change produces a new version; in-
  flight computations keep the version they loaded. The core never writes
  policies - it reads them through Source.

SEE ALSO:
  - factory.go: JSON to policy conversion
  - compute package: duration and overtime math over these parameters
  - accrual package: periodic accrual over these parameters
*/
package policy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
)

// =============================================================================
// LEAVE POLICY
// =============================================================================

// AccrualFrequency is how often an accrual period elapses.
type AccrualFrequency string

const (
	FreqMonthly  AccrualFrequency = "monthly"
	FreqBiweekly AccrualFrequency = "biweekly"
	FreqYearly   AccrualFrequency = "yearly"
)

// ProrationBasis scales a partial period's accrual.
type ProrationBasis string

const (
	// ProrateWorkingDays scales by working days elapsed over working days in
	// a full period.
	ProrateWorkingDays ProrationBasis = "WORKING_DAYS"

	// ProrateCalendarDays scales by the calendar-day ratio.
	ProrateCalendarDays ProrationBasis = "CALENDAR_DAYS"

	// ProrateNone grants the full amount per period regardless of partial
	// elapsed time.
	ProrateNone ProrationBasis = "NONE"
)

// MonthDay is a recurring day of year (e.g. carryover expiry on Mar 31).
type MonthDay struct {
	Month int
	Day   int
}

// Reached reports whether d is on or after the month-day within d's year.
func (md MonthDay) Reached(d calendar.Date) bool {
	if md.Month == 0 {
		return false
	}
	point := calendar.NewDate(d.Year, time.Month(md.Month), md.Day)
	return d.AfterOrEqual(point)
}

// LeavePolicy governs one leave benefit.
type LeavePolicy struct {
	ID      core.PolicyID
	Version int
	Name    string

	BenefitID core.BenefitID
	Unit      core.Unit

	// Accrual
	AccrualFrequency AccrualFrequency
	AccrualAmount    core.Quantity  // credited per elapsed period
	ProrationBasis   ProrationBasis

	// Period boundaries
	CarryoverLimit     *core.Quantity // nil = unlimited carryover
	CarryoverExpiry    MonthDay       // zero value = no expiry
	MaxBalance         *core.Quantity // accrual crediting caps here; excess dropped
	AllowNegative      bool
	NegativeFloor      core.Quantity // lowest permitted balance when AllowNegative

	// Request shape
	AllowHalfDays bool
}

// Floor returns the lowest balance a USAGE charge may leave behind.
func (p LeavePolicy) Floor() core.Quantity {
	if p.AllowNegative {
		return p.NegativeFloor
	}
	return core.Quantity{Value: decimal.Zero, Unit: p.Unit}
}

// =============================================================================
// OVERTIME POLICY
// =============================================================================

// OvertimePolicy governs overtime classification and TOIL conversion.
type OvertimePolicy struct {
	ID      core.PolicyID
	Version int
	Name    string

	// Tier thresholds: hours up to Tier1Hours classify as tier 1, the rest
	// as tier 2. Multipliers classify pay rates upstream; the core records
	// the split.
	Tier1Hours      decimal.Decimal
	Tier1Multiplier decimal.Decimal
	Tier2Multiplier decimal.Decimal

	// Weekly aggregation. Zero values disable the check.
	WeeklyThresholdHours  decimal.Decimal
	WeeklyMaxOvertimeHours decimal.Decimal

	// TOIL conversion
	CompTimeAllowed    bool
	CompTimeMultiplier decimal.Decimal
	TOILBenefitID      core.BenefitID
}

// =============================================================================
// SOURCE - Read-only policy lookup (may be cache-fronted)
// =============================================================================

type Source interface {
	LeavePolicy(ctx context.Context, id core.PolicyID) (LeavePolicy, error)
	OvertimePolicy(ctx context.Context, id core.PolicyID) (OvertimePolicy, error)
}

// StaticSource serves policies from fixed maps. Used by tests and by
// deployments that load policy config at startup.
type StaticSource struct {
	Leave    map[core.PolicyID]LeavePolicy
	Overtime map[core.PolicyID]OvertimePolicy
}

func (s StaticSource) LeavePolicy(_ context.Context, id core.PolicyID) (LeavePolicy, error) {
	p, ok := s.Leave[id]
	if !ok {
		return LeavePolicy{}, core.Faultf(core.CodeNotFound, "leave policy %s not found", id)
	}
	return p, nil
}

func (s StaticSource) OvertimePolicy(_ context.Context, id core.PolicyID) (OvertimePolicy, error) {
	p, ok := s.Overtime[id]
	if !ok {
		return OvertimePolicy{}, core.Faultf(core.CodeNotFound, "overtime policy %s not found", id)
	}
	return p, nil
}
