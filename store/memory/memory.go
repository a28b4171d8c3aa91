/*
Package memory provides the in-memory store (for testing/dev).

DESIGN:
  One Memory holds every record family behind a single mutex. Transactions
  are simulated with snapshot + rollback: WithTx clones the state, runs fn
  against an unlocked view, and restores the clone on error. The view
  implements every store contract in the module, so code inside a
  transaction can upgrade it to whichever capability it needs.

  ledger.TxStore and workflow.TxStore both name their method WithTx with
  different callback types, so one type cannot satisfy both. Memory exposes
  typed facets instead: Ledger() and Workflow() return the same state behind
  the matching WithTx signature.
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
	"github.com/warp/leave-ledger/idempotency"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/overtime"
	"github.com/warp/leave-ledger/workflow"
)

type pairKey struct {
	Employee core.EmployeeID
	Benefit  core.BenefitID
}

type idemKey struct {
	Scope  idempotency.Scope
	Caller string
	Key    string
}

type runKey struct {
	Employee    core.EmployeeID
	Policy      core.PolicyID
	Kind        accrual.RunKind
	PeriodStart string
}

type state struct {
	events    map[pairKey][]ledger.Event
	summaries map[pairKey]ledger.Summary
	processes map[core.RequestID]*workflow.Process
	leaves    map[core.RequestID]*leave.Request
	overtimes map[core.RequestID]*overtime.Entry
	blackouts []leave.Blackout
	idem      map[idemKey]idempotency.Record
	runs      map[runKey]accrual.Run
}

func newState() *state {
	return &state{
		events:    make(map[pairKey][]ledger.Event),
		summaries: make(map[pairKey]ledger.Summary),
		processes: make(map[core.RequestID]*workflow.Process),
		leaves:    make(map[core.RequestID]*leave.Request),
		overtimes: make(map[core.RequestID]*overtime.Entry),
		idem:      make(map[idemKey]idempotency.Record),
		runs:      make(map[runKey]accrual.Run),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.events {
		c.events[k] = append([]ledger.Event(nil), v...)
	}
	for k, v := range s.summaries {
		c.summaries[k] = v
	}
	for k, v := range s.processes {
		p := *v
		p.Steps = append([]workflow.Step(nil), v.Steps...)
		c.processes[k] = &p
	}
	for k, v := range s.leaves {
		r := *v
		c.leaves[k] = &r
	}
	for k, v := range s.overtimes {
		e := *v
		c.overtimes[k] = &e
	}
	c.blackouts = append([]leave.Blackout(nil), s.blackouts...)
	for k, v := range s.idem {
		c.idem[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	return c
}

// Memory is the all-in-one in-memory store.
type Memory struct {
	mu sync.Mutex
	st *state
}

func New() *Memory {
	return &Memory{st: newState()}
}

// Ledger returns the store behind the ledger transaction contract.
func (m *Memory) Ledger() ledger.TxStore { return ledgerFacet{m} }

// Workflow returns the store behind the workflow transaction contract.
func (m *Memory) Workflow() workflow.TxStore { return workflowFacet{m} }

// withTx snapshots, runs fn on a view, and restores on error.
func (m *Memory) withTx(fn func(*view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.st.clone()
	if err := fn(&view{st: m.st}); err != nil {
		m.st = snap
		return err
	}
	return nil
}

// locked runs fn on a view under the mutex, without transaction semantics.
func (m *Memory) locked(fn func(*view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{st: m.st})
}

type ledgerFacet struct{ *Memory }

func (f ledgerFacet) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return f.withTx(func(v *view) error { return fn(v) })
}

type workflowFacet struct{ *Memory }

func (f workflowFacet) WithTx(_ context.Context, fn func(workflow.Store) error) error {
	return f.withTx(func(v *view) error { return fn(v) })
}

// =============================================================================
// DIRECT (AUTOCOMMIT) METHODS
// =============================================================================

func (m *Memory) AppendEvent(ctx context.Context, ev ledger.Event) error {
	return m.locked(func(v *view) error { return v.AppendEvent(ctx, ev) })
}

func (m *Memory) Events(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID) ([]ledger.Event, error) {
	var out []ledger.Event
	err := m.locked(func(v *view) (err error) {
		out, err = v.Events(ctx, emp, benefit)
		return
	})
	return out, err
}

func (m *Memory) EventsInRange(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID, from, to time.Time) ([]ledger.Event, error) {
	var out []ledger.Event
	err := m.locked(func(v *view) (err error) {
		out, err = v.EventsInRange(ctx, emp, benefit, from, to)
		return
	})
	return out, err
}

func (m *Memory) EventsByReference(ctx context.Context, ref core.RequestID) ([]ledger.Event, error) {
	var out []ledger.Event
	err := m.locked(func(v *view) (err error) {
		out, err = v.EventsByReference(ctx, ref)
		return
	})
	return out, err
}

func (m *Memory) Summary(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID) (ledger.Summary, bool, error) {
	var (
		out ledger.Summary
		ok  bool
	)
	err := m.locked(func(v *view) (err error) {
		out, ok, err = v.Summary(ctx, emp, benefit)
		return
	})
	return out, ok, err
}

func (m *Memory) SaveSummary(ctx context.Context, s ledger.Summary) error {
	return m.locked(func(v *view) error { return v.SaveSummary(ctx, s) })
}

func (m *Memory) SaveProcess(ctx context.Context, p *workflow.Process) error {
	return m.locked(func(v *view) error { return v.SaveProcess(ctx, p) })
}

func (m *Memory) GetProcess(ctx context.Context, id core.RequestID) (*workflow.Process, error) {
	var out *workflow.Process
	err := m.locked(func(v *view) (err error) {
		out, err = v.GetProcess(ctx, id)
		return
	})
	return out, err
}

func (m *Memory) PendingForApprover(ctx context.Context, org core.OrgID, approver string) ([]*workflow.Process, error) {
	var out []*workflow.Process
	err := m.locked(func(v *view) (err error) {
		out, err = v.PendingForApprover(ctx, org, approver)
		return
	})
	return out, err
}

func (m *Memory) SaveLeaveRequest(ctx context.Context, r *leave.Request) error {
	return m.locked(func(v *view) error { return v.SaveLeaveRequest(ctx, r) })
}

func (m *Memory) GetLeaveRequest(ctx context.Context, id core.RequestID) (*leave.Request, error) {
	var out *leave.Request
	err := m.locked(func(v *view) (err error) {
		out, err = v.GetLeaveRequest(ctx, id)
		return
	})
	return out, err
}

func (m *Memory) ActiveOverlapping(ctx context.Context, emp core.EmployeeID, start, end time.Time) ([]*leave.Request, error) {
	var out []*leave.Request
	err := m.locked(func(v *view) (err error) {
		out, err = v.ActiveOverlapping(ctx, emp, start, end)
		return
	})
	return out, err
}

func (m *Memory) SaveBlackout(ctx context.Context, b leave.Blackout) error {
	return m.locked(func(v *view) error { return v.SaveBlackout(ctx, b) })
}

func (m *Memory) Blackouts(ctx context.Context, org core.OrgID) ([]leave.Blackout, error) {
	var out []leave.Blackout
	err := m.locked(func(v *view) (err error) {
		out, err = v.Blackouts(ctx, org)
		return
	})
	return out, err
}

func (m *Memory) SaveOvertimeEntry(ctx context.Context, e *overtime.Entry) error {
	return m.locked(func(v *view) error { return v.SaveOvertimeEntry(ctx, e) })
}

func (m *Memory) GetOvertimeEntry(ctx context.Context, id core.RequestID) (*overtime.Entry, error) {
	var out *overtime.Entry
	err := m.locked(func(v *view) (err error) {
		out, err = v.GetOvertimeEntry(ctx, id)
		return
	})
	return out, err
}

func (m *Memory) CountableInWeek(ctx context.Context, emp core.EmployeeID, isoYear, isoWeek int) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := m.locked(func(v *view) (err error) {
		out, err = v.CountableInWeek(ctx, emp, isoYear, isoWeek)
		return
	})
	return out, err
}

func (m *Memory) Get(ctx context.Context, scope idempotency.Scope, caller, key string) (idempotency.Record, bool, error) {
	var (
		out idempotency.Record
		ok  bool
	)
	err := m.locked(func(v *view) (err error) {
		out, ok, err = v.Get(ctx, scope, caller, key)
		return
	})
	return out, ok, err
}

func (m *Memory) Put(ctx context.Context, rec idempotency.Record) error {
	return m.locked(func(v *view) error { return v.Put(ctx, rec) })
}

func (m *Memory) RecordRun(ctx context.Context, r accrual.Run) error {
	return m.locked(func(v *view) error { return v.RecordRun(ctx, r) })
}

func (m *Memory) HasRun(ctx context.Context, emp core.EmployeeID, pol core.PolicyID, kind accrual.RunKind, periodStart calendar.Date) (bool, error) {
	var out bool
	err := m.locked(func(v *view) (err error) {
		out, err = v.HasRun(ctx, emp, pol, kind, periodStart)
		return
	})
	return out, err
}

// =============================================================================
// VIEW - Transaction-scoped access, caller holds the lock
// =============================================================================

type view struct {
	st *state
}

func (v *view) AppendEvent(_ context.Context, ev ledger.Event) error {
	k := pairKey{Employee: ev.Employee, Benefit: ev.Benefit}
	evs := v.st.events[k]

	// Insert ordered by effective instant, stable for equal instants.
	i := sort.Search(len(evs), func(i int) bool {
		return evs[i].EffectiveAt.After(ev.EffectiveAt)
	})
	evs = append(evs, ledger.Event{})
	copy(evs[i+1:], evs[i:])
	evs[i] = ev
	v.st.events[k] = evs
	return nil
}

func (v *view) Events(_ context.Context, emp core.EmployeeID, benefit core.BenefitID) ([]ledger.Event, error) {
	k := pairKey{Employee: emp, Benefit: benefit}
	return append([]ledger.Event(nil), v.st.events[k]...), nil
}

func (v *view) EventsInRange(_ context.Context, emp core.EmployeeID, benefit core.BenefitID, from, to time.Time) ([]ledger.Event, error) {
	k := pairKey{Employee: emp, Benefit: benefit}
	var out []ledger.Event
	for _, ev := range v.st.events[k] {
		if !ev.EffectiveAt.Before(from) && !ev.EffectiveAt.After(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (v *view) EventsByReference(_ context.Context, ref core.RequestID) ([]ledger.Event, error) {
	var out []ledger.Event
	for _, evs := range v.st.events {
		for _, ev := range evs {
			if ev.Reference == ref {
				out = append(out, ev)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveAt.Before(out[j].EffectiveAt) })
	return out, nil
}

func (v *view) Summary(_ context.Context, emp core.EmployeeID, benefit core.BenefitID) (ledger.Summary, bool, error) {
	s, ok := v.st.summaries[pairKey{Employee: emp, Benefit: benefit}]
	return s, ok, nil
}

func (v *view) SaveSummary(_ context.Context, s ledger.Summary) error {
	v.st.summaries[pairKey{Employee: s.Employee, Benefit: s.Benefit}] = s
	return nil
}

func (v *view) SaveProcess(_ context.Context, p *workflow.Process) error {
	cp := *p
	cp.Steps = append([]workflow.Step(nil), p.Steps...)
	v.st.processes[p.ID] = &cp
	return nil
}

func (v *view) GetProcess(_ context.Context, id core.RequestID) (*workflow.Process, error) {
	p, ok := v.st.processes[id]
	if !ok {
		return nil, core.Faultf(core.CodeNotFound, "process %s not found", id)
	}
	cp := *p
	cp.Steps = append([]workflow.Step(nil), p.Steps...)
	return &cp, nil
}

func (v *view) PendingForApprover(_ context.Context, org core.OrgID, approver string) ([]*workflow.Process, error) {
	var out []*workflow.Process
	for _, p := range v.st.processes {
		if p.Org != org || p.Status != workflow.StatusPending {
			continue
		}
		for _, s := range p.Steps {
			if s.Seq == p.Cursor && s.Approver == approver {
				cp := *p
				cp.Steps = append([]workflow.Step(nil), p.Steps...)
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v *view) SaveLeaveRequest(_ context.Context, r *leave.Request) error {
	cp := *r
	v.st.leaves[r.ID] = &cp
	return nil
}

func (v *view) GetLeaveRequest(_ context.Context, id core.RequestID) (*leave.Request, error) {
	r, ok := v.st.leaves[id]
	if !ok {
		return nil, core.Faultf(core.CodeNotFound, "leave request %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (v *view) ActiveOverlapping(_ context.Context, emp core.EmployeeID, start, end time.Time) ([]*leave.Request, error) {
	var out []*leave.Request
	for id, r := range v.st.leaves {
		if r.Employee != emp {
			continue
		}
		if !r.Start.Before(end) || !start.Before(r.End) {
			continue
		}
		p, ok := v.st.processes[id]
		if !ok {
			continue
		}
		if p.Status == workflow.StatusPending || p.Status == workflow.StatusApproved {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (v *view) SaveBlackout(_ context.Context, b leave.Blackout) error {
	v.st.blackouts = append(v.st.blackouts, b)
	return nil
}

func (v *view) Blackouts(_ context.Context, org core.OrgID) ([]leave.Blackout, error) {
	var out []leave.Blackout
	for _, b := range v.st.blackouts {
		if b.Org == org {
			out = append(out, b)
		}
	}
	return out, nil
}

func (v *view) SaveOvertimeEntry(_ context.Context, e *overtime.Entry) error {
	cp := *e
	v.st.overtimes[e.ID] = &cp
	return nil
}

func (v *view) GetOvertimeEntry(_ context.Context, id core.RequestID) (*overtime.Entry, error) {
	e, ok := v.st.overtimes[id]
	if !ok {
		return nil, core.Faultf(core.CodeNotFound, "overtime entry %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (v *view) CountableInWeek(_ context.Context, emp core.EmployeeID, isoYear, isoWeek int) (decimal.Decimal, error) {
	total := decimal.Zero
	for id, e := range v.st.overtimes {
		if e.Employee != emp {
			continue
		}
		y, w := e.WorkDate.At(time.UTC).ISOWeek()
		if y != isoYear || w != isoWeek {
			continue
		}
		p, ok := v.st.processes[id]
		if !ok {
			continue
		}
		if p.Status == workflow.StatusPending || p.Status == workflow.StatusApproved {
			total = total.Add(e.Countable())
		}
	}
	return total, nil
}

func (v *view) Get(_ context.Context, scope idempotency.Scope, caller, key string) (idempotency.Record, bool, error) {
	rec, ok := v.st.idem[idemKey{Scope: scope, Caller: caller, Key: key}]
	return rec, ok, nil
}

func (v *view) Put(_ context.Context, rec idempotency.Record) error {
	k := idemKey{Scope: rec.Scope, Caller: rec.Caller, Key: rec.Key}
	if _, exists := v.st.idem[k]; exists {
		return core.Faultf(core.CodeConflict, "idempotency record %s/%s already exists", rec.Scope, rec.Key)
	}
	v.st.idem[k] = rec
	return nil
}

func (v *view) RecordRun(_ context.Context, r accrual.Run) error {
	k := runKey{Employee: r.Employee, Policy: r.Policy, Kind: r.Kind, PeriodStart: r.PeriodStart.String()}
	if _, exists := v.st.runs[k]; exists {
		return core.Faultf(core.CodeConflict,
			"accrual run %s/%s/%s already recorded", r.Employee, r.Policy, r.PeriodStart)
	}
	v.st.runs[k] = r
	return nil
}

func (v *view) HasRun(_ context.Context, emp core.EmployeeID, pol core.PolicyID, kind accrual.RunKind, periodStart calendar.Date) (bool, error) {
	k := runKey{Employee: emp, Policy: pol, Kind: kind, PeriodStart: periodStart.String()}
	_, ok := v.st.runs[k]
	return ok, nil
}
