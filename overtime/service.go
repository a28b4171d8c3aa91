package overtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/compute"
	"github.com/warp/leave-ledger/core"
	"github.com/warp/leave-ledger/idempotency"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/policy"
	"github.com/warp/leave-ledger/workflow"
)

// =============================================================================
// SERVICE - Submission and lifecycle of overtime entries
// =============================================================================

type Service struct {
	machine   *workflow.Machine
	store     workflow.TxStore
	guard     *idempotency.Guard
	policies  policy.Source
	schedules calendar.ScheduleSource
	chain     workflow.ChainResolver
	log       *zap.Logger
	now       func() time.Time
}

type ServiceConfig struct {
	Machine   *workflow.Machine
	Store     workflow.TxStore
	Guard     *idempotency.Guard
	Policies  policy.Source
	Schedules calendar.ScheduleSource
	Chain     workflow.ChainResolver
	Logger    *zap.Logger
}

func NewService(cfg ServiceConfig) *Service {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		machine:   cfg.Machine,
		store:     cfg.Store,
		guard:     cfg.Guard,
		policies:  cfg.Policies,
		schedules: cfg.Schedules,
		chain:     cfg.Chain,
		log:       log,
		now:       time.Now,
	}
}

type SubmitInput struct {
	Org      core.OrgID      `json:"org"`
	Employee core.EmployeeID `json:"employee"`
	Policy   core.PolicyID   `json:"policy"`

	WorkDate calendar.Date   `json:"workDate"`
	Reported decimal.Decimal `json:"reported"`

	SelectedCompTime   bool   `json:"selectedCompTime"`
	SelectedCashPayout bool   `json:"selectedCashPayout"`
	ScheduleID         string `json:"scheduleId"`

	Caller         string `json:"-"`
	IdempotencyKey string `json:"-"`
}

func (in SubmitInput) canonicalBody() []byte {
	b, _ := json.Marshal(in)
	return b
}

type SubmitResult struct {
	Entry    *Entry
	Process  *workflow.Process
	Replayed bool
	Stored   idempotency.Record
}

// Submit classifies the reported hours into tiers, applies the weekly
// aggregation cap, and moves the entry into its approval chain. Exactly one
// of comp-time or cash payout must be selected.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.Org == "" || in.Employee == "" {
		return nil, core.Faultf(core.CodeValidation, "org and employee are required")
	}
	if in.SelectedCompTime == in.SelectedCashPayout {
		return nil, core.Faultf(core.CodeValidation,
			"exactly one of comp-time or cash payout must be selected")
	}
	if !in.Reported.IsPositive() {
		return nil, core.Faultf(core.CodeValidation, "reported hours must be positive")
	}
	if in.WorkDate.IsZero() {
		return nil, core.Faultf(core.CodeValidation, "work date is required")
	}

	pol, err := s.policies.OvertimePolicy(ctx, in.Policy)
	if err != nil {
		return nil, err
	}
	if in.SelectedCompTime && !pol.CompTimeAllowed {
		return nil, core.Faultf(core.CodeUnprocessable,
			"policy %s does not allow comp-time settlement", pol.ID)
	}
	sched, err := s.schedules.Schedule(ctx, in.Org, in.ScheduleID)
	if err != nil {
		return nil, err
	}

	hash := idempotency.HashBody(in.canonicalBody())
	dec, err := s.guard.CheckOrReserve(ctx, idempotency.ScopeOvertimeSubmit, in.Caller, in.IdempotencyKey, hash)
	if err != nil {
		return nil, err
	}
	if dec.Outcome == idempotency.Replay {
		s.log.Info("overtime submit replayed",
			zap.String("employee", string(in.Employee)),
			zap.String("key", in.IdempotencyKey))
		return &SubmitResult{Replayed: true, Stored: dec.Stored}, nil
	}

	approvers, err := s.chain.ResolveChain(ctx, in.Org, in.Employee)
	if err != nil {
		return nil, err
	}

	var out SubmitResult
	err = s.store.WithTx(ctx, func(ws workflow.Store) error {
		os, ok := ws.(Store)
		if !ok {
			return core.Faultf(core.CodeInternal, "store does not carry overtime entries")
		}

		// Weekly aggregation inside the transaction: concurrent entries for
		// the same week serialize against the committed countable total.
		year, week := compute.ISOWeek(in.WorkDate)
		prior, err := os.CountableInWeek(ctx, in.Employee, year, week)
		if err != nil {
			return err
		}
		scheduled := compute.ScheduledWeekHours(sched)
		countable, excess := compute.WeeklyCountable(scheduled, prior, in.Reported, pol)
		split, err := compute.Split(countable, pol)
		if err != nil {
			return err
		}

		now := s.now()
		p := &workflow.Process{
			ID:             core.NewRequestID(),
			Org:            in.Org,
			Employee:       in.Employee,
			Kind:           workflow.KindOvertime,
			Status:         workflow.StatusDraft,
			IdempotencyKey: in.IdempotencyKey,
			CreatedBy:      in.Caller,
			CreatedAt:      now,
		}
		if err := s.machine.SubmitIn(ctx, ws, p, approvers); err != nil {
			return err
		}

		e := &Entry{
			ID:                 p.ID,
			Org:                in.Org,
			Employee:           in.Employee,
			Policy:             in.Policy,
			WorkDate:           in.WorkDate,
			Reported:           in.Reported,
			Tier1:              split.Tier1,
			Tier2:              split.Tier2,
			Excess:             excess,
			SelectedCompTime:   in.SelectedCompTime,
			SelectedCashPayout: in.SelectedCashPayout,
			CreatedAt:          now,
		}
		if err := os.SaveOvertimeEntry(ctx, e); err != nil {
			return err
		}

		is, ok := ws.(idempotency.Store)
		if !ok {
			return core.Faultf(core.CodeInternal, "store does not carry idempotency records")
		}
		body, _ := json.Marshal(map[string]string{
			"id":     string(p.ID),
			"status": string(p.Status),
		})
		if err := s.guard.SaveResponse(ctx, is, idempotency.ScopeOvertimeSubmit,
			in.Caller, in.IdempotencyKey, hash, http.StatusCreated, body); err != nil {
			return err
		}

		out = SubmitResult{Entry: e, Process: p}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("overtime submitted",
		zap.String("entry", string(out.Process.ID)),
		zap.String("employee", string(in.Employee)),
		zap.String("countable", out.Entry.Countable().String()),
		zap.String("excess", out.Entry.Excess.String()))
	return &out, nil
}

// Decide forwards one approval decision to the workflow machine.
func (s *Service) Decide(ctx context.Context, id core.RequestID, seq int, outcome workflow.Outcome, approver, comment string) (*workflow.Process, error) {
	return s.machine.Decide(ctx, id, seq, outcome, approver, comment)
}

// Cancel withdraws an entry; approved comp-time entries get their TOIL
// credit reversed.
func (s *Service) Cancel(ctx context.Context, id core.RequestID, actor, reason string) (*workflow.Process, error) {
	return s.machine.Cancel(ctx, id, actor, reason)
}

// Get loads an entry and its workflow envelope.
func (s *Service) Get(ctx context.Context, id core.RequestID) (*Entry, *workflow.Process, error) {
	p, err := s.machine.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	os, ok := s.store.(Store)
	if !ok {
		return nil, nil, core.Faultf(core.CodeInternal, "store does not carry overtime entries")
	}
	e, err := os.GetOvertimeEntry(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return e, p, nil
}

// =============================================================================
// FINALIZER - TOIL credit or payout flag on terminal approval
// =============================================================================

// Finalizer converts an approved comp-time entry into a TOIL credit, or
// flags an approved cash-payout entry for payroll. Cancellation of an
// approved comp-time entry reverses the credit; cancellation of a
// cash-payout entry clears the payroll flag.
type Finalizer struct {
	ledger   *ledger.Ledger
	policies policy.Source
	now      func() time.Time
}

func NewFinalizer(led *ledger.Ledger, policies policy.Source) *Finalizer {
	return &Finalizer{ledger: led, policies: policies, now: time.Now}
}

// NewFinalizerAtTime fixes the clock, for tests.
func NewFinalizerAtTime(led *ledger.Ledger, policies policy.Source, now func() time.Time) *Finalizer {
	f := NewFinalizer(led, policies)
	f.now = now
	return f
}

func (f *Finalizer) Finalize(ctx context.Context, store workflow.Store, p *workflow.Process) error {
	os, ok := store.(Store)
	if !ok {
		return core.Faultf(core.CodeInternal, "store does not carry overtime entries")
	}
	e, err := os.GetOvertimeEntry(ctx, p.ID)
	if err != nil {
		return err
	}

	if e.SelectedCashPayout {
		e.PayoutRequested = true
		return os.SaveOvertimeEntry(ctx, e)
	}

	pol, err := f.policies.OvertimePolicy(ctx, e.Policy)
	if err != nil {
		return err
	}
	led, ok := store.(ledger.Store)
	if !ok {
		return core.Faultf(core.CodeInternal, "store does not carry ledger events")
	}

	credit := core.Quantity{
		Value: e.Countable().Mul(pol.CompTimeMultiplier),
		Unit:  core.UnitHours,
	}
	// Everything reported may have been capped away by the weekly maximum.
	// The entry still approves; there is just nothing to credit.
	if credit.Value.IsZero() {
		return nil
	}
	_, err = f.ledger.PostIn(ctx, led, ledger.PostInput{
		Employee:    e.Employee,
		Benefit:     pol.TOILBenefitID,
		Kind:        ledger.KindOvertimeToTOIL,
		Quantity:    credit,
		EffectiveAt: e.WorkDate.At(time.UTC),
		Reference:   e.ID,
		CreatedBy:   p.CreatedBy,
	})
	if err != nil {
		return err
	}

	p.Charged = true
	p.ChargedBenefit = pol.TOILBenefitID
	p.ChargedQuantity = credit
	return nil
}

func (f *Finalizer) Reverse(ctx context.Context, store workflow.Store, p *workflow.Process, reason string) error {
	os, ok := store.(Store)
	if !ok {
		return core.Faultf(core.CodeInternal, "store does not carry overtime entries")
	}
	e, err := os.GetOvertimeEntry(ctx, p.ID)
	if err != nil {
		return err
	}
	if e.PayoutRequested {
		// Payroll must never pick up a cancelled entry.
		e.PayoutRequested = false
		if err := os.SaveOvertimeEntry(ctx, e); err != nil {
			return err
		}
	}
	if !p.Charged {
		return nil
	}

	led, ok := store.(ledger.Store)
	if !ok {
		return core.Faultf(core.CodeInternal, "store does not carry ledger events")
	}
	note := "cancellation of approved overtime"
	if reason != "" {
		note = note + ": " + reason
	}
	_, err = f.ledger.PostIn(ctx, led, ledger.PostInput{
		Employee:    p.Employee,
		Benefit:     p.ChargedBenefit,
		Kind:        ledger.KindAdjustment,
		Quantity:    p.ChargedQuantity.Neg(),
		EffectiveAt: f.now().UTC(),
		Reference:   p.ID,
		Note:        note,
		CreatedBy:   p.CreatedBy,
	})
	return err
}
