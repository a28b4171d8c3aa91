package workflow

import (
	"context"
	"time"

	"github.com/warp/leave-ledger/core"
)

// =============================================================================
// MACHINE - Transition engine
// =============================================================================

// Machine drives processes through the approval state graph. It is safe for
// concurrent use; all mutation happens inside store transactions.
type Machine struct {
	store      TxStore
	finalizers map[Kind]Finalizer
	now        func() time.Time
}

func NewMachine(store TxStore) *Machine {
	return &Machine{
		store:      store,
		finalizers: make(map[Kind]Finalizer),
		now:        time.Now,
	}
}

// NewMachineAtTime fixes the clock. Testing hook.
func NewMachineAtTime(store TxStore, now func() time.Time) *Machine {
	m := NewMachine(store)
	m.now = now
	return m
}

// Register binds the terminal-effect capability for a request kind.
// Submitting or deciding a kind with no registered finalizer fails INTERNAL.
func (m *Machine) Register(kind Kind, f Finalizer) {
	m.finalizers[kind] = f
}

// Submit takes a DRAFT process, materializes its approval steps from the
// resolved chain, and moves it to PENDING. The chain must be non-empty: a
// request nobody has to approve is a configuration error, not an auto-approval.
func (m *Machine) Submit(ctx context.Context, p *Process, chain []string) error {
	return m.store.WithTx(ctx, func(s Store) error {
		return m.SubmitIn(ctx, s, p, chain)
	})
}

// SubmitIn is Submit for callers already inside a transaction: the process is
// materialized and saved through the given transaction-scoped store, so the
// submission commits together with the caller's other writes (request payload,
// idempotency record).
func (m *Machine) SubmitIn(ctx context.Context, s Store, p *Process, chain []string) error {
	if p.Status != StatusDraft {
		return core.Faultf(core.CodeConflict, "process %s is %s, only draft can be submitted", p.ID, p.Status)
	}
	if len(chain) == 0 {
		return core.Faultf(core.CodeValidation, "approver chain is empty")
	}
	if _, ok := m.finalizers[p.Kind]; !ok {
		return core.Faultf(core.CodeInternal, "no finalizer registered for kind %q", p.Kind)
	}

	now := m.now()
	p.Steps = make([]Step, len(chain))
	for i, approver := range chain {
		p.Steps[i] = Step{Seq: i + 1, Approver: approver, Status: StepPending}
	}
	p.Status = StatusPending
	p.Cursor = 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return s.SaveProcess(ctx, p)
}

// Decide records one approver's verdict on the step at the cursor.
//
// A decision on any step other than the current one fails CONFLICT: earlier
// steps are already settled, later steps are not yet reachable. Stale
// decisions (the process already left PENDING) also fail CONFLICT.
//
// The final approval and the kind's ledger effect commit in one transaction:
// if the finalizer rejects the charge (balance floor), the process stays
// PENDING with the step undecided.
func (m *Machine) Decide(ctx context.Context, id core.RequestID, seq int, outcome Outcome, approver, comment string) (*Process, error) {
	var out *Process
	err := m.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetProcess(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != StatusPending {
			return core.Faultf(core.CodeConflict, "process %s is %s, no decision possible", p.ID, p.Status)
		}
		if seq != p.Cursor {
			return core.Faultf(core.CodeConflict, "step %d is not current for process %s (cursor %d)", seq, p.ID, p.Cursor)
		}
		step, ok := p.CurrentStep()
		if !ok {
			return core.Faultf(core.CodeInternal, "process %s cursor %d points at no step", p.ID, p.Cursor)
		}
		if step.Approver != approver {
			return core.Faultf(core.CodeConflict, "step %d of process %s belongs to %s", seq, p.ID, step.Approver)
		}

		now := m.now()
		switch outcome {
		case OutcomeReject:
			step.Status = StepRejected
			step.Comment = comment
			step.DecidedAt = &now
			p.Status = StatusRejected
			p.Cursor = 0

		case OutcomeApprove:
			step.Status = StepApproved
			step.Comment = comment
			step.DecidedAt = &now
			if next := p.nextPending(); next != 0 {
				p.Cursor = next
			} else {
				p.Status = StatusApproved
				p.Cursor = 0
				if err := m.finalizers[p.Kind].Finalize(ctx, s, p); err != nil {
					return err
				}
			}

		default:
			return core.Faultf(core.CodeValidation, "unknown outcome %q", outcome)
		}

		p.UpdatedAt = now
		if err := s.SaveProcess(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Skip administratively bypasses the current step. A skipped step counts as
// satisfied, so skipping the last undecided step finalizes the process.
func (m *Machine) Skip(ctx context.Context, id core.RequestID, seq int, actor, reason string) (*Process, error) {
	if reason == "" {
		return nil, core.Faultf(core.CodeValidation, "skipping a step requires a reason")
	}
	var out *Process
	err := m.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetProcess(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != StatusPending {
			return core.Faultf(core.CodeConflict, "process %s is %s, no step to skip", p.ID, p.Status)
		}
		if seq != p.Cursor {
			return core.Faultf(core.CodeConflict, "step %d is not current for process %s (cursor %d)", seq, p.ID, p.Cursor)
		}
		step, _ := p.CurrentStep()
		now := m.now()
		step.Status = StepSkipped
		step.Comment = reason
		step.DecidedAt = &now

		if next := p.nextPending(); next != 0 {
			p.Cursor = next
		} else {
			p.Status = StatusApproved
			p.Cursor = 0
			if err := m.finalizers[p.Kind].Finalize(ctx, s, p); err != nil {
				return err
			}
		}
		p.UpdatedAt = now
		if err := s.SaveProcess(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel withdraws a process. PENDING processes cancel with no ledger effect.
// APPROVED processes run their kind's Reverse in the same transaction as the
// status change: an exact offsetting posting for a charged process, or the
// undoing of any non-ledger terminal effect otherwise. Terminal processes
// (rejected, cancelled) fail CONFLICT.
func (m *Machine) Cancel(ctx context.Context, id core.RequestID, actor, reason string) (*Process, error) {
	var out *Process
	err := m.store.WithTx(ctx, func(s Store) error {
		p, err := s.GetProcess(ctx, id)
		if err != nil {
			return err
		}
		switch p.Status {
		case StatusPending:
			// no charge yet, plain withdrawal
		case StatusApproved:
			if err := m.finalizers[p.Kind].Reverse(ctx, s, p, reason); err != nil {
				return err
			}
		default:
			return core.Faultf(core.CodeConflict, "process %s is %s, cannot cancel", p.ID, p.Status)
		}

		now := m.now()
		p.Status = StatusCancelled
		p.Cursor = 0
		p.UpdatedAt = now
		if err := s.SaveProcess(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get loads a process by id.
func (m *Machine) Get(ctx context.Context, id core.RequestID) (*Process, error) {
	return m.store.GetProcess(ctx, id)
}

// Inbox lists processes whose current step awaits the given approver.
func (m *Machine) Inbox(ctx context.Context, org core.OrgID, approver string) ([]*Process, error) {
	return m.store.PendingForApprover(ctx, org, approver)
}
