/*
factory.go - JSON to policy conversion

PURPOSE:
  Policies are configured as JSON so HR can define them without code
  changes. This file validates the JSON and produces immutable policy
  structs with sensible defaults.

JSON SCHEMA (leave):
  {
    "id": "annual-standard",
    "name": "Standard Annual Leave",
    "benefit_id": "annual",
    "unit": "days",
    "accrual": {"frequency": "monthly", "amount": 2, "proration": "WORKING_DAYS"},
    "carryover": {"limit": 5, "expiry": "03-31"},
    "max_balance": 30,
    "allow_negative": false,
    "allow_half_days": true
  }

JSON SCHEMA (overtime):
  {
    "id": "ot-standard",
    "name": "Standard Overtime",
    "tier1_hours": 2,
    "tier1_multiplier": 1.5,
    "tier2_multiplier": 2.0,
    "weekly_threshold_hours": 40,
    "weekly_max_overtime_hours": 12,
    "comp_time": {"allowed": true, "multiplier": 1.0, "toil_benefit_id": "toil"}
  }
*/
package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-ledger/core"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type LeavePolicyJSON struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	BenefitID     string       `json:"benefit_id"`
	Unit          string       `json:"unit"`
	Version       int          `json:"version,omitempty"`
	Accrual       AccrualJSON  `json:"accrual"`
	Carryover     *CarryJSON   `json:"carryover,omitempty"`
	MaxBalance    *float64     `json:"max_balance,omitempty"`
	AllowNegative bool         `json:"allow_negative,omitempty"`
	NegativeFloor float64      `json:"negative_floor,omitempty"`
	AllowHalfDays bool         `json:"allow_half_days,omitempty"`
}

type AccrualJSON struct {
	Frequency string  `json:"frequency"` // monthly, biweekly, yearly
	Amount    float64 `json:"amount"`
	Proration string  `json:"proration,omitempty"` // WORKING_DAYS, CALENDAR_DAYS, NONE
}

type CarryJSON struct {
	Limit  *float64 `json:"limit,omitempty"`
	Expiry string   `json:"expiry,omitempty"` // "MM-DD"
}

type OvertimePolicyJSON struct {
	ID                     string        `json:"id"`
	Name                   string        `json:"name"`
	Version                int           `json:"version,omitempty"`
	Tier1Hours             float64       `json:"tier1_hours"`
	Tier1Multiplier        float64       `json:"tier1_multiplier"`
	Tier2Multiplier        float64       `json:"tier2_multiplier"`
	WeeklyThresholdHours   float64       `json:"weekly_threshold_hours,omitempty"`
	WeeklyMaxOvertimeHours float64       `json:"weekly_max_overtime_hours,omitempty"`
	CompTime               *CompTimeJSON `json:"comp_time,omitempty"`
}

type CompTimeJSON struct {
	Allowed       bool    `json:"allowed"`
	Multiplier    float64 `json:"multiplier"`
	TOILBenefitID string  `json:"toil_benefit_id"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseLeavePolicy converts a JSON document into a LeavePolicy.
func ParseLeavePolicy(raw []byte) (LeavePolicy, error) {
	var pj LeavePolicyJSON
	if err := json.Unmarshal(raw, &pj); err != nil {
		return LeavePolicy{}, core.Faultf(core.CodeValidation, "malformed leave policy JSON: %v", err)
	}

	if pj.ID == "" || pj.BenefitID == "" {
		return LeavePolicy{}, core.Faultf(core.CodeValidation, "leave policy requires id and benefit_id")
	}

	unit, err := parseUnit(pj.Unit)
	if err != nil {
		return LeavePolicy{}, err
	}

	freq, err := parseFrequency(pj.Accrual.Frequency)
	if err != nil {
		return LeavePolicy{}, err
	}

	basis := ProrationBasis(strings.ToUpper(pj.Accrual.Proration))
	switch basis {
	case ProrateWorkingDays, ProrateCalendarDays, ProrateNone:
	case "":
		basis = ProrateNone
	default:
		return LeavePolicy{}, core.Faultf(core.CodeValidation, "unknown proration basis %q", pj.Accrual.Proration)
	}

	version := pj.Version
	if version == 0 {
		version = 1
	}

	p := LeavePolicy{
		ID:               core.PolicyID(pj.ID),
		Version:          version,
		Name:             pj.Name,
		BenefitID:        core.BenefitID(pj.BenefitID),
		Unit:             unit,
		AccrualFrequency: freq,
		AccrualAmount:    core.NewQuantity(pj.Accrual.Amount, unit),
		ProrationBasis:   basis,
		AllowNegative:    pj.AllowNegative,
		NegativeFloor:    core.NewQuantity(pj.NegativeFloor, unit),
		AllowHalfDays:    pj.AllowHalfDays,
	}

	if pj.MaxBalance != nil {
		mb := core.NewQuantity(*pj.MaxBalance, unit)
		p.MaxBalance = &mb
	}

	if pj.Carryover != nil {
		if pj.Carryover.Limit != nil {
			cl := core.NewQuantity(*pj.Carryover.Limit, unit)
			p.CarryoverLimit = &cl
		}
		if pj.Carryover.Expiry != "" {
			md, err := parseMonthDay(pj.Carryover.Expiry)
			if err != nil {
				return LeavePolicy{}, err
			}
			p.CarryoverExpiry = md
		}
	}

	return p, nil
}

// ParseOvertimePolicy converts a JSON document into an OvertimePolicy.
func ParseOvertimePolicy(raw []byte) (OvertimePolicy, error) {
	var pj OvertimePolicyJSON
	if err := json.Unmarshal(raw, &pj); err != nil {
		return OvertimePolicy{}, core.Faultf(core.CodeValidation, "malformed overtime policy JSON: %v", err)
	}

	if pj.ID == "" {
		return OvertimePolicy{}, core.Faultf(core.CodeValidation, "overtime policy requires id")
	}
	if pj.Tier1Hours < 0 {
		return OvertimePolicy{}, core.Faultf(core.CodeValidation, "tier1_hours must be >= 0")
	}

	version := pj.Version
	if version == 0 {
		version = 1
	}

	p := OvertimePolicy{
		ID:                     core.PolicyID(pj.ID),
		Version:                version,
		Name:                   pj.Name,
		Tier1Hours:             decimal.NewFromFloat(pj.Tier1Hours),
		Tier1Multiplier:        decimal.NewFromFloat(pj.Tier1Multiplier),
		Tier2Multiplier:        decimal.NewFromFloat(pj.Tier2Multiplier),
		WeeklyThresholdHours:   decimal.NewFromFloat(pj.WeeklyThresholdHours),
		WeeklyMaxOvertimeHours: decimal.NewFromFloat(pj.WeeklyMaxOvertimeHours),
	}

	if pj.CompTime != nil {
		p.CompTimeAllowed = pj.CompTime.Allowed
		p.CompTimeMultiplier = decimal.NewFromFloat(pj.CompTime.Multiplier)
		p.TOILBenefitID = core.BenefitID(pj.CompTime.TOILBenefitID)
	}

	return p, nil
}

func parseUnit(s string) (core.Unit, error) {
	switch strings.ToLower(s) {
	case "days", "":
		return core.UnitDays, nil
	case "hours":
		return core.UnitHours, nil
	default:
		return "", core.Faultf(core.CodeValidation, "unknown unit %q", s)
	}
}

func parseFrequency(s string) (AccrualFrequency, error) {
	switch AccrualFrequency(strings.ToLower(s)) {
	case FreqMonthly:
		return FreqMonthly, nil
	case FreqBiweekly:
		return FreqBiweekly, nil
	case FreqYearly:
		return FreqYearly, nil
	case "":
		return FreqMonthly, nil
	default:
		return "", core.Faultf(core.CodeValidation, "unknown accrual frequency %q", s)
	}
}

func parseMonthDay(s string) (MonthDay, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return MonthDay{}, core.Faultf(core.CodeValidation, "invalid expiry %q (want MM-DD)", s)
	}
	month, err1 := strconv.Atoi(parts[0])
	day, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || month < 1 || month > 12 || day < 1 || day > 31 {
		return MonthDay{}, core.Faultf(core.CodeValidation, "invalid expiry %q (want MM-DD)", s)
	}
	return MonthDay{Month: month, Day: day}, nil
}

// =============================================================================
// PRESETS - Ready-made policy JSON, mirroring common configurations
// =============================================================================

// StandardAnnualLeaveJSON is a monthly-accruing annual leave policy.
func StandardAnnualLeaveJSON(id, name string, monthlyDays, carryoverLimit float64) string {
	return fmt.Sprintf(`{
  "id": %q,
  "name": %q,
  "benefit_id": "annual",
  "unit": "days",
  "accrual": {"frequency": "monthly", "amount": %g, "proration": "WORKING_DAYS"},
  "carryover": {"limit": %g, "expiry": "03-31"},
  "max_balance": 40,
  "allow_half_days": true
}`, id, name, monthlyDays, carryoverLimit)
}

// TOILPolicyJSON is the policy for the TOIL benefit credited from overtime.
// TOIL does not accrue on its own, so the accrual amount is zero.
func TOILPolicyJSON(id, name string) string {
	return fmt.Sprintf(`{
  "id": %q,
  "name": %q,
  "benefit_id": "toil",
  "unit": "hours",
  "accrual": {"frequency": "monthly", "amount": 0, "proration": "NONE"}
}`, id, name)
}

// StandardOvertimeJSON is a two-tier overtime policy with TOIL conversion.
func StandardOvertimeJSON(id, name string, tier1Hours float64) string {
	return fmt.Sprintf(`{
  "id": %q,
  "name": %q,
  "tier1_hours": %g,
  "tier1_multiplier": 1.5,
  "tier2_multiplier": 2.0,
  "weekly_threshold_hours": 40,
  "weekly_max_overtime_hours": 12,
  "comp_time": {"allowed": true, "multiplier": 1.0, "toil_benefit_id": "toil"}
}`, id, name, tier1Hours)
}
