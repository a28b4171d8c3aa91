/*
Package accrual implements the periodic accrual batch: for an as-of date,
compute and post the ACCRUAL and CARRYOVER_EXPIRE events every eligible
employee is owed, exactly once per (employee, policy, period).

DESIGN:
  - Period grid: monthly policies accrue per calendar month, yearly per
    calendar year, biweekly per 14-day block anchored at the hire date.
    Only completed periods accrue; the run is re-runnable at any time and
    picks up periods that have completed since.
  - Proration scales the period amount by the fraction of the period the
    employee was actually employed (hire or termination mid-period), counted
    in working days or calendar days per policy. NONE pays the full amount
    for any period the employee touches.
  - Idempotency: a run record per (employee, policy, kind, period start) is
    written in the same transaction as the ledger event. Re-running posts
    nothing for recorded periods.
  - Isolation: employees process in parallel, each inside its own
    transaction. One employee's failure is reported, not propagated.

SEE ALSO:
  - ledger: the posting contract every event goes through
  - scheduler.go: background loop that triggers runs
*/
package accrual

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/policy"
)

// =============================================================================
// RUN RECORDS - The idempotency spine of the batch
// =============================================================================

type RunKind string

const (
	RunAccrual         RunKind = "accrual"
	RunCarryoverExpire RunKind = "carryover_expire"
)

// Run records one posted batch effect. Unique per
// (employee, policy, kind, period start); the store rejects duplicates with
// CONFLICT.
type Run struct {
	Employee    core.EmployeeID
	Policy      core.PolicyID
	Kind        RunKind
	PeriodStart calendar.Date
	PeriodEnd   calendar.Date
	Posted      core.Quantity
	RunAt       time.Time
}

// RunStore persists run records. Implemented by the same stores that carry
// the ledger, so a record and its event commit together.
type RunStore interface {
	RecordRun(ctx context.Context, r Run) error
	HasRun(ctx context.Context, employee core.EmployeeID, pol core.PolicyID, kind RunKind, periodStart calendar.Date) (bool, error)
}

// =============================================================================
// ELIGIBILITY - External employee directory, read-only
// =============================================================================

// Enrollment is one employee/policy pair the batch considers.
type Enrollment struct {
	Employee    core.EmployeeID
	Org         core.OrgID
	Policy      core.PolicyID
	ScheduleID  string
	HireDate    calendar.Date
	Termination *calendar.Date // nil while employed
}

// active reports whether the enrollment is in force on the given date.
func (e Enrollment) active(d calendar.Date) bool {
	if d.Before(e.HireDate) {
		return false
	}
	return e.Termination == nil || !e.Termination.Before(d)
}

// EnrollmentSource lists the employee/policy pairs eligible as of a date.
type EnrollmentSource interface {
	Eligible(ctx context.Context, org core.OrgID, asOf calendar.Date) ([]Enrollment, error)
}

// StaticEnrollments serves a fixed list. Used by tests and config-driven
// deployments.
type StaticEnrollments []Enrollment

func (s StaticEnrollments) Eligible(_ context.Context, org core.OrgID, asOf calendar.Date) ([]Enrollment, error) {
	var out []Enrollment
	for _, e := range s {
		if e.Org == org && e.active(asOf) {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// ENGINE
// =============================================================================

// Report summarizes one batch run.
type Report struct {
	Org       core.OrgID
	AsOf      calendar.Date
	Processed int
	Failed    int
	Events    int
	Failures  []Failure
}

type Failure struct {
	Employee core.EmployeeID
	Policy   core.PolicyID
	Err      error
}

type Engine struct {
	store       ledger.TxStore
	ledger      *ledger.Ledger
	policies    policy.Source
	enrollments EnrollmentSource
	cal         calendar.Calendar
	schedules   calendar.ScheduleSource
	log         *zap.Logger
	parallelism int
	now         func() time.Time
}

type EngineConfig struct {
	Store       ledger.TxStore
	Ledger      *ledger.Ledger
	Policies    policy.Source
	Enrollments EnrollmentSource
	Calendar    calendar.Calendar
	Schedules   calendar.ScheduleSource
	Logger      *zap.Logger
	Parallelism int // 0 means 4
}

func NewEngine(cfg EngineConfig) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	par := cfg.Parallelism
	if par <= 0 {
		par = 4
	}
	return &Engine{
		store:       cfg.Store,
		ledger:      cfg.Ledger,
		policies:    cfg.Policies,
		enrollments: cfg.Enrollments,
		cal:         cfg.Calendar,
		schedules:   cfg.Schedules,
		log:         log,
		parallelism: par,
		now:         time.Now,
	}
}

// Run processes every eligible enrollment for the organization as of the
// given date. Each employee's periods post inside one transaction; failures
// are collected per enrollment and never roll back other employees.
func (e *Engine) Run(ctx context.Context, org core.OrgID, asOf calendar.Date) (*Report, error) {
	enrollments, err := e.enrollments.Eligible(ctx, org, asOf)
	if err != nil {
		return nil, err
	}

	report := &Report{Org: org, AsOf: asOf}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, enr := range enrollments {
		enr := enr
		g.Go(func() error {
			posted, err := e.runOne(gctx, enr, asOf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Failures = append(report.Failures, Failure{
					Employee: enr.Employee, Policy: enr.Policy, Err: err,
				})
				e.log.Warn("accrual failed for employee",
					zap.String("employee", string(enr.Employee)),
					zap.String("policy", string(enr.Policy)),
					zap.Error(err))
				return nil // isolate: do not cancel siblings
			}
			report.Processed++
			report.Events += posted
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.log.Info("accrual run complete",
		zap.String("org", string(org)),
		zap.String("asOf", asOf.String()),
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Int("events", report.Events))
	return report, nil
}

// runOne posts everything one enrollment is owed, atomically.
func (e *Engine) runOne(ctx context.Context, enr Enrollment, asOf calendar.Date) (int, error) {
	pol, err := e.policies.LeavePolicy(ctx, enr.Policy)
	if err != nil {
		return 0, err
	}
	sched, err := e.schedules.Schedule(ctx, enr.Org, enr.ScheduleID)
	if err != nil {
		return 0, err
	}

	posted := 0
	err = e.store.WithTx(ctx, func(s ledger.Store) error {
		rs, ok := s.(RunStore)
		if !ok {
			return core.Faultf(core.CodeInternal, "store does not carry accrual runs")
		}

		for _, period := range completedPeriods(pol.AccrualFrequency, enr.HireDate, asOf) {
			n, err := e.accruePeriod(ctx, s, rs, enr, pol, sched, period)
			if err != nil {
				return err
			}
			posted += n
		}

		n, err := e.expireCarryover(ctx, s, rs, enr, pol, asOf)
		if err != nil {
			return err
		}
		posted += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return posted, nil
}

// accruePeriod posts one period's accrual, unless already recorded. Returns
// the number of events posted (0 or 1).
func (e *Engine) accruePeriod(ctx context.Context, s ledger.Store, rs RunStore, enr Enrollment, pol policy.LeavePolicy, sched calendar.WorkSchedule, period span) (int, error) {
	done, err := rs.HasRun(ctx, enr.Employee, pol.ID, RunAccrual, period.start)
	if err != nil {
		return 0, err
	}
	if done {
		return 0, nil
	}

	ratio, err := e.prorationRatio(ctx, enr, pol, sched, period)
	if err != nil {
		return 0, err
	}
	amount := pol.AccrualAmount.Mul(ratio)

	// Max-balance cap: credit only up to the cap, drop the rest.
	if pol.MaxBalance != nil {
		balance, _, err := currentBalance(ctx, s, enr.Employee, pol.BenefitID, pol.Unit)
		if err != nil {
			return 0, err
		}
		headroom := pol.MaxBalance.Sub(balance)
		if !headroom.IsPositive() {
			amount = amount.Zero()
		} else if amount.GreaterThan(headroom) {
			amount = headroom
		}
	}

	if amount.IsPositive() {
		_, err = e.ledger.PostIn(ctx, s, ledger.PostInput{
			Employee:    enr.Employee,
			Benefit:     pol.BenefitID,
			Kind:        ledger.KindAccrual,
			Quantity:    amount,
			EffectiveAt: period.end.At(time.UTC),
			Note:        "accrual " + period.start.String() + ".." + period.end.String(),
			CreatedBy:   "accrual-engine",
		})
		if err != nil {
			return 0, err
		}
	}

	if err := rs.RecordRun(ctx, Run{
		Employee:    enr.Employee,
		Policy:      pol.ID,
		Kind:        RunAccrual,
		PeriodStart: period.start,
		PeriodEnd:   period.end,
		Posted:      amount,
		RunAt:       e.now().UTC(),
	}); err != nil {
		return 0, err
	}
	if amount.IsPositive() {
		return 1, nil
	}
	return 0, nil
}

// expireCarryover forfeits balance above the carryover limit once per year,
// on or after the policy's expiry month-day.
func (e *Engine) expireCarryover(ctx context.Context, s ledger.Store, rs RunStore, enr Enrollment, pol policy.LeavePolicy, asOf calendar.Date) (int, error) {
	if pol.CarryoverLimit == nil || pol.CarryoverExpiry == (policy.MonthDay{}) {
		return 0, nil
	}
	if !pol.CarryoverExpiry.Reached(asOf) {
		return 0, nil
	}
	expiryDate := calendar.NewDate(asOf.Year, time.Month(pol.CarryoverExpiry.Month), pol.CarryoverExpiry.Day)

	done, err := rs.HasRun(ctx, enr.Employee, pol.ID, RunCarryoverExpire, expiryDate)
	if err != nil {
		return 0, err
	}
	if done {
		return 0, nil
	}

	balance, _, err := currentBalance(ctx, s, enr.Employee, pol.BenefitID, pol.Unit)
	if err != nil {
		return 0, err
	}
	excess := balance.Sub(*pol.CarryoverLimit)
	posted := 0
	if excess.IsPositive() {
		_, err = e.ledger.PostIn(ctx, s, ledger.PostInput{
			Employee:    enr.Employee,
			Benefit:     pol.BenefitID,
			Kind:        ledger.KindCarryoverExpire,
			Quantity:    excess.Neg(),
			EffectiveAt: expiryDate.At(time.UTC),
			Note:        "carryover expiry " + expiryDate.String(),
			CreatedBy:   "accrual-engine",
		})
		if err != nil {
			return 0, err
		}
		posted = 1
	}

	if err := rs.RecordRun(ctx, Run{
		Employee:    enr.Employee,
		Policy:      pol.ID,
		Kind:        RunCarryoverExpire,
		PeriodStart: expiryDate,
		PeriodEnd:   expiryDate,
		Posted:      excess.Max(excess.Zero()).Neg(),
		RunAt:       e.now().UTC(),
	}); err != nil {
		return 0, err
	}
	return posted, nil
}

// prorationRatio is the employed fraction of a period, per the policy's
// basis. Full periods yield 1.
func (e *Engine) prorationRatio(ctx context.Context, enr Enrollment, pol policy.LeavePolicy, sched calendar.WorkSchedule, period span) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	if pol.ProrationBasis == policy.ProrateNone {
		return one, nil
	}

	from := period.start
	if enr.HireDate.After(from) {
		from = enr.HireDate
	}
	to := period.end
	if enr.Termination != nil && enr.Termination.Before(to) {
		to = *enr.Termination
	}
	if to.Before(from) {
		return decimal.Zero, nil
	}
	if from.Equal(period.start) && to.Equal(period.end) {
		return one, nil
	}

	switch pol.ProrationBasis {
	case policy.ProrateCalendarDays:
		part := decimal.NewFromInt(int64(calendar.DaysBetween(from, to) + 1))
		full := decimal.NewFromInt(int64(calendar.DaysBetween(period.start, period.end) + 1))
		return part.Div(full), nil

	case policy.ProrateWorkingDays:
		part, err := e.workingDays(ctx, enr.Org, sched, from, to)
		if err != nil {
			return decimal.Zero, err
		}
		full, err := e.workingDays(ctx, enr.Org, sched, period.start, period.end)
		if err != nil {
			return decimal.Zero, err
		}
		if full == 0 {
			return decimal.Zero, nil
		}
		return decimal.NewFromInt(int64(part)).Div(decimal.NewFromInt(int64(full))), nil

	default:
		return one, nil
	}
}

// workingDays counts schedule working days excluding holidays in [from, to].
func (e *Engine) workingDays(ctx context.Context, org core.OrgID, sched calendar.WorkSchedule, from, to calendar.Date) (int, error) {
	n := 0
	for d := from; d.BeforeOrEqual(to); d = d.AddDays(1) {
		if !sched.IsWorkingDay(d.Weekday()) {
			continue
		}
		holiday, err := e.cal.IsHoliday(ctx, org, d)
		if err != nil {
			return 0, err
		}
		if !holiday {
			n++
		}
	}
	return n, nil
}

func currentBalance(ctx context.Context, s ledger.Store, emp core.EmployeeID, benefit core.BenefitID, unit core.Unit) (core.Quantity, bool, error) {
	sum, ok, err := s.Summary(ctx, emp, benefit)
	if err != nil {
		return core.Quantity{}, false, err
	}
	if !ok {
		return core.Quantity{Value: decimal.Zero, Unit: unit}, false, nil
	}
	return sum.Balance, true, nil
}

// =============================================================================
// PERIOD GRID
// =============================================================================

// span is one accrual period, inclusive of both ends.
type span struct {
	start calendar.Date
	end   calendar.Date
}

// completedPeriods enumerates the periods on the policy's grid that the
// enrollment touches and that have fully elapsed by asOf. Monthly and yearly
// periods align to the calendar; biweekly blocks anchor at the hire date.
func completedPeriods(freq policy.AccrualFrequency, hire, asOf calendar.Date) []span {
	var out []span
	switch freq {
	case policy.FreqMonthly:
		start := calendar.NewDate(hire.Year, hire.Month, 1)
		for {
			next := start.AddMonths(1)
			end := next.AddDays(-1)
			if asOf.Before(next) {
				break
			}
			out = append(out, span{start: start, end: end})
			start = next
		}

	case policy.FreqYearly:
		start := calendar.NewDate(hire.Year, time.January, 1)
		for {
			next := calendar.NewDate(start.Year+1, time.January, 1)
			end := next.AddDays(-1)
			if asOf.Before(next) {
				break
			}
			out = append(out, span{start: start, end: end})
			start = next
		}

	case policy.FreqBiweekly:
		start := hire
		for {
			next := start.AddDays(14)
			end := next.AddDays(-1)
			if asOf.Before(next) {
				break
			}
			out = append(out, span{start: start, end: end})
			start = next
		}
	}
	return out
}
