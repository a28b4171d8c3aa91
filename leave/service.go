package leave

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

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
// SERVICE - Submission and lifecycle of leave requests
// =============================================================================

type Service struct {
	machine   *workflow.Machine
	store     workflow.TxStore
	guard     *idempotency.Guard
	policies  policy.Source
	cal       calendar.Calendar
	schedules calendar.ScheduleSource
	zones     calendar.Zones
	chain     workflow.ChainResolver
	log       *zap.Logger
	now       func() time.Time
}

type ServiceConfig struct {
	Machine   *workflow.Machine
	Store     workflow.TxStore
	Guard     *idempotency.Guard
	Policies  policy.Source
	Calendar  calendar.Calendar
	Schedules calendar.ScheduleSource
	Zones     calendar.Zones
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
		cal:       cfg.Calendar,
		schedules: cfg.Schedules,
		zones:     cfg.Zones,
		chain:     cfg.Chain,
		log:       log,
		now:       time.Now,
	}
}

// SubmitInput is one leave submission. Start and End are absolute instants;
// date interpretation happens against the organization's timezone.
type SubmitInput struct {
	Org      core.OrgID      `json:"org"`
	Employee core.EmployeeID `json:"employee"`
	Benefit  core.BenefitID  `json:"benefit"`
	Policy   core.PolicyID   `json:"policy"`

	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Unit       core.Unit `json:"unit"`
	HalfDay    bool      `json:"halfDay"`
	Reason     string    `json:"reason"`
	ScheduleID string    `json:"scheduleId"`

	Caller         string `json:"-"`
	IdempotencyKey string `json:"-"`
}

// canonicalBody is the idempotency fingerprint of a submission: same key with
// a different body is a reuse, not a retry.
func (in SubmitInput) canonicalBody() []byte {
	b, _ := json.Marshal(in)
	return b
}

// SubmitResult carries either the freshly created request or, on replay, the
// response stored by the first attempt.
type SubmitResult struct {
	Request  *Request
	Process  *workflow.Process
	Replayed bool
	Stored   idempotency.Record
}

// Submit computes the chargeable duration, screens blackouts and overlapping
// active requests, and moves the request into its approval chain. The request
// payload, the workflow process, and the idempotency record commit in one
// transaction.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.Org == "" || in.Employee == "" || in.Benefit == "" {
		return nil, core.Faultf(core.CodeValidation, "org, employee and benefit are required")
	}

	pol, err := s.policies.LeavePolicy(ctx, in.Policy)
	if err != nil {
		return nil, err
	}
	loc, err := s.zones.Location(ctx, in.Org)
	if err != nil {
		return nil, err
	}
	sched, err := s.schedules.Schedule(ctx, in.Org, in.ScheduleID)
	if err != nil {
		return nil, err
	}

	qty, err := compute.Duration(ctx, compute.DurationInput{
		Org:            in.Org,
		Start:          in.Start,
		End:            in.End,
		Unit:           in.Unit,
		PolicyUnit:     pol.Unit,
		Calendar:       s.cal,
		Schedule:       sched,
		Location:       loc,
		HalfDay:        in.HalfDay,
		HalfDayAllowed: pol.AllowHalfDays,
	})
	if err != nil {
		return nil, err
	}

	hash := idempotency.HashBody(in.canonicalBody())
	dec, err := s.guard.CheckOrReserve(ctx, idempotency.ScopeLeaveSubmit, in.Caller, in.IdempotencyKey, hash)
	if err != nil {
		return nil, err
	}
	if dec.Outcome == idempotency.Replay {
		s.log.Info("leave submit replayed",
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
		ls, ok := ws.(Store)
		if !ok {
			return core.Faultf(core.CodeInternal, "store does not carry leave requests")
		}

		if err := s.screen(ctx, ls, in); err != nil {
			return err
		}

		now := s.now()
		p := &workflow.Process{
			ID:             core.NewRequestID(),
			Org:            in.Org,
			Employee:       in.Employee,
			Kind:           workflow.KindLeave,
			Status:         workflow.StatusDraft,
			IdempotencyKey: in.IdempotencyKey,
			CreatedBy:      in.Caller,
			CreatedAt:      now,
		}
		if err := s.machine.SubmitIn(ctx, ws, p, approvers); err != nil {
			return err
		}

		req := &Request{
			ID:        p.ID,
			Org:       in.Org,
			Employee:  in.Employee,
			Benefit:   in.Benefit,
			Policy:    in.Policy,
			Start:     in.Start,
			End:       in.End,
			Unit:      in.Unit,
			HalfDay:   in.HalfDay,
			Reason:    in.Reason,
			Quantity:  qty,
			CreatedAt: now,
		}
		if err := ls.SaveLeaveRequest(ctx, req); err != nil {
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
		if err := s.guard.SaveResponse(ctx, is, idempotency.ScopeLeaveSubmit,
			in.Caller, in.IdempotencyKey, hash, http.StatusCreated, body); err != nil {
			return err
		}

		out = SubmitResult{Request: req, Process: p}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("leave submitted",
		zap.String("request", string(out.Process.ID)),
		zap.String("employee", string(in.Employee)),
		zap.String("benefit", string(in.Benefit)),
		zap.String("quantity", qty.String()))
	return &out, nil
}

// screen rejects submissions that hit a blackout window or overlap an active
// request for the same employee. Runs inside the submission transaction.
func (s *Service) screen(ctx context.Context, ls Store, in SubmitInput) error {
	loc, err := s.zones.Location(ctx, in.Org)
	if err != nil {
		return err
	}
	from := calendar.DateOf(in.Start, loc)
	to := calendar.DateOf(in.End.Add(-time.Nanosecond), loc)

	blackouts, err := ls.Blackouts(ctx, in.Org)
	if err != nil {
		return err
	}
	for _, b := range blackouts {
		if b.Covers(in.Benefit, from, to) {
			return core.Faultf(core.CodeConflict,
				"requested range hits blackout %s..%s (%s)", b.Start, b.End, b.Reason)
		}
	}

	overlapping, err := ls.ActiveOverlapping(ctx, in.Employee, in.Start, in.End)
	if err != nil {
		return err
	}
	if len(overlapping) > 0 {
		return core.Faultf(core.CodeConflict,
			"employee %s already has an active request covering part of this range", in.Employee)
	}
	return nil
}

// Decide forwards one approval decision to the workflow machine.
func (s *Service) Decide(ctx context.Context, id core.RequestID, seq int, outcome workflow.Outcome, approver, comment string) (*workflow.Process, error) {
	return s.machine.Decide(ctx, id, seq, outcome, approver, comment)
}

// Cancel withdraws a request; approved requests get their charge reversed.
func (s *Service) Cancel(ctx context.Context, id core.RequestID, actor, reason string) (*workflow.Process, error) {
	return s.machine.Cancel(ctx, id, actor, reason)
}

// Get loads a request and its workflow envelope.
func (s *Service) Get(ctx context.Context, id core.RequestID) (*Request, *workflow.Process, error) {
	p, err := s.machine.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ls, ok := s.store.(Store)
	if !ok {
		return nil, nil, core.Faultf(core.CodeInternal, "store does not carry leave requests")
	}
	req, err := ls.GetLeaveRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return req, p, nil
}

// =============================================================================
// FINALIZER - Ledger effect on terminal approval
// =============================================================================

// Finalizer posts the USAGE charge when a leave process completes its chain,
// and the offsetting reversal when an approved process is cancelled.
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

// Finalize charges the computed quantity against the benefit balance. The
// floor re-check happens here, inside the approval transaction: two
// approvals racing over the same shrinking balance serialize, and the
// second fails UNPROCESSABLE if only one can be honored.
func (f *Finalizer) Finalize(ctx context.Context, store workflow.Store, p *workflow.Process) error {
	ls, ok := store.(Store)
	if !ok {
		return core.Faultf(core.CodeInternal, "store does not carry leave requests")
	}
	req, err := ls.GetLeaveRequest(ctx, p.ID)
	if err != nil {
		return err
	}
	// A range that nets to zero working time (weekend-only, all holidays)
	// still approves; there is just nothing to charge or reverse.
	if req.Quantity.IsZero() {
		return nil
	}
	pol, err := f.policies.LeavePolicy(ctx, req.Policy)
	if err != nil {
		return err
	}
	led, ok := store.(ledger.Store)
	if !ok {
		return core.Faultf(core.CodeInternal, "store does not carry ledger events")
	}

	floor := pol.Floor()
	_, err = f.ledger.PostIn(ctx, led, ledger.PostInput{
		Employee:    req.Employee,
		Benefit:     req.Benefit,
		Kind:        ledger.KindUsage,
		Quantity:    req.Quantity.Neg(),
		EffectiveAt: req.Start,
		Reference:   req.ID,
		CreatedBy:   p.CreatedBy,
		Floor:       &floor,
	})
	if err != nil {
		return err
	}

	p.Charged = true
	p.ChargedBenefit = req.Benefit
	p.ChargedQuantity = req.Quantity.Neg()
	return nil
}

// Reverse posts the exact offset of the original charge. Approved requests
// that never charged (zero quantity) cancel with no ledger effect.
func (f *Finalizer) Reverse(ctx context.Context, store workflow.Store, p *workflow.Process, reason string) error {
	if !p.Charged {
		return nil
	}
	led, ok := store.(ledger.Store)
	if !ok {
		return core.Faultf(core.CodeInternal, "store does not carry ledger events")
	}
	note := "cancellation of approved leave"
	if reason != "" {
		note = note + ": " + reason
	}
	_, err := f.ledger.PostIn(ctx, led, ledger.PostInput{
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
