/*
Package calendar provides the read-only calendar and work-schedule contracts
the core consumes. Holiday and schedule CRUD live outside this module; the
core only queries them.

KEY CONCEPTS:
  - Date: a civil date, always interpreted in the organization's timezone
  - Calendar: holiday lookup per organization
  - WorkSchedule: per-weekday working windows and breaks, parsed once from a
    flexible JSON payload and immutable thereafter

SEE ALSO:
  - schedule.go: WorkSchedule parsing and validation
  - compute package: consumes both for duration calculation
*/
package calendar

import (
	"context"
	"encoding/json"
	"time"

	"github.com/warp/leave-ledger/core"
)

// =============================================================================
// DATE - Civil date in the organization's timezone
// =============================================================================

// Date is a calendar day with no time-of-day component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

// DateOf returns the civil date of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// At returns midnight of the date in loc.
func (d Date) At(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) AddDays(n int) Date {
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
	return DateOf(t, time.UTC)
}

func (d Date) AddMonths(n int) Date {
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	return DateOf(t, time.UTC)
}

func (d Date) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Weekday()
}

func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

func (d Date) After(o Date) bool          { return o.Before(d) }
func (d Date) Equal(o Date) bool          { return d == o }
func (d Date) BeforeOrEqual(o Date) bool  { return !o.Before(d) }
func (d Date) AfterOrEqual(o Date) bool   { return !d.Before(o) }
func (d Date) IsZero() bool               { return d == Date{} }

// DaysBetween returns the whole days from a to b (negative when b < a).
func DaysBetween(a, b Date) int {
	at := time.Date(a.Year, a.Month, a.Day, 0, 0, 0, 0, time.UTC)
	bt := time.Date(b.Year, b.Month, b.Day, 0, 0, 0, 0, time.UTC)
	return int(bt.Sub(at).Hours() / 24)
}

func (d Date) String() string {
	return d.At(time.UTC).Format("2006-01-02")
}

// MarshalJSON renders the date as "YYYY-MM-DD".
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return core.Faultf(core.CodeValidation, "invalid date %s (want \"YYYY-MM-DD\")", string(b))
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, core.Faultf(core.CodeValidation, "invalid date %q (want YYYY-MM-DD)", s)
	}
	return DateOf(t, time.UTC), nil
}

// =============================================================================
// CALENDAR - Holiday lookup (external collaborator, read-only)
// =============================================================================

// Holiday is a non-working day for an organization.
type Holiday struct {
	OrgID core.OrgID
	Date  Date
	Name  string
}

// Calendar answers holiday queries for an organization.
type Calendar interface {
	// IsHoliday reports whether the date is a holiday for the organization.
	IsHoliday(ctx context.Context, org core.OrgID, date Date) (bool, error)

	// HolidaysInRange returns holidays in [from, to], chronologically.
	HolidaysInRange(ctx context.Context, org core.OrgID, from, to Date) ([]Holiday, error)
}

// NoHolidays is a calendar with no holidays, for organizations that have not
// configured one.
type NoHolidays struct{}

func (NoHolidays) IsHoliday(context.Context, core.OrgID, Date) (bool, error) { return false, nil }
func (NoHolidays) HolidaysInRange(context.Context, core.OrgID, Date, Date) ([]Holiday, error) {
	return nil, nil
}

// =============================================================================
// ORGANIZATION SETTINGS - Timezone resolution
// =============================================================================

// Zones resolves the configured timezone of an organization.
// Date-only values at the boundary are interpreted against it.
type Zones interface {
	Location(ctx context.Context, org core.OrgID) (*time.Location, error)
}

// FixedZone reports the same location for every organization.
type FixedZone struct{ Loc *time.Location }

func (f FixedZone) Location(context.Context, core.OrgID) (*time.Location, error) {
	if f.Loc == nil {
		return time.UTC, nil
	}
	return f.Loc, nil
}
