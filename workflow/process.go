/*
Package workflow implements the generic ordered-step approval machine
shared by leave requests and overtime entries.

STATES:
  DRAFT → PENDING → {APPROVED, REJECTED}
  PENDING → CANCELLED
  APPROVED → CANCELLED (with ledger reversal)

  Terminal states have no further transitions except the one explicit
  cancellation from APPROVED.

DESIGN:
  The machine knows nothing about leave or overtime. Each kind registers a
  Finalizer: a capability invoked inside the final decision's transaction
  to post the ledger effect (and to reverse it on cancellation of an
  already-charged process). One machine, two kinds, zero duplicated
  transition logic.

SEE ALSO:
  - machine.go: submit/decide/cancel transitions
  - leave, overtime packages: the two Finalizer implementations
*/
package workflow

import (
	"context"
	"time"

	"github.com/warp/leave-ledger/core"
)

// =============================================================================
// PROCESS - The shared approvable envelope
// =============================================================================

type Kind string

const (
	KindLeave    Kind = "leave"
	KindOvertime Kind = "overtime"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepSkipped  StepStatus = "skipped"
)

// Step is one approval stage. Created once at submission from the resolved
// approver chain; never reordered.
type Step struct {
	Seq       int // 1-based, unique within the process
	Approver  string
	Status    StepStatus
	Comment   string
	DecidedAt *time.Time
}

// Process is the workflow envelope around an approvable request.
// The kind-specific payload (time range, reported hours) lives with the
// kind's own package; the machine only needs this shape.
type Process struct {
	ID       core.RequestID
	Org      core.OrgID
	Employee core.EmployeeID
	Kind     Kind

	Status Status
	Steps  []Step
	Cursor int // seq of the step awaiting decision; 0 when not pending

	IdempotencyKey string
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Charge tracking: a process charges the ledger at most once, and a
	// cancellation of a charged process posts the exact offset.
	Charged         bool
	ChargedBenefit  core.BenefitID
	ChargedQuantity core.Quantity
}

// CurrentStep returns the step at the cursor.
func (p *Process) CurrentStep() (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].Seq == p.Cursor {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Satisfied reports whether every step is approved or skipped.
func (p *Process) Satisfied() bool {
	for _, s := range p.Steps {
		if s.Status != StepApproved && s.Status != StepSkipped {
			return false
		}
	}
	return len(p.Steps) > 0
}

// nextPending returns the lowest pending seq above the cursor, or 0.
func (p *Process) nextPending() int {
	for _, s := range p.Steps {
		if s.Seq > p.Cursor && s.Status == StepPending {
			return s.Seq
		}
	}
	return 0
}

// =============================================================================
// STORE
// =============================================================================

// Store persists workflow processes.
type Store interface {
	SaveProcess(ctx context.Context, p *Process) error
	GetProcess(ctx context.Context, id core.RequestID) (*Process, error)

	// PendingForApprover lists processes whose current step awaits the
	// given approver.
	PendingForApprover(ctx context.Context, org core.OrgID, approver string) ([]*Process, error)
}

// TxStore adds the atomic unit-of-work capability. The transaction-scoped
// Store passed to fn also implements the capabilities finalizers need
// (ledger.Store); they upgrade via type assertion.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// EXTERNAL COLLABORATORS
// =============================================================================

// ChainResolver resolves the ordered approver chain for a subject employee.
// Supplied externally (manager-chain lookup is out of the core's scope).
type ChainResolver interface {
	ResolveChain(ctx context.Context, org core.OrgID, employee core.EmployeeID) ([]string, error)
}

// StaticChain returns the same approver list for everyone.
type StaticChain []string

func (c StaticChain) ResolveChain(context.Context, core.OrgID, core.EmployeeID) ([]string, error) {
	return append([]string(nil), c...), nil
}

// =============================================================================
// FINALIZER - Kind-specific terminal effects
// =============================================================================

// Outcome of a decision.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// Finalizer is the capability a request kind registers with the machine.
// Both methods run inside the machine's transaction: the store argument is
// transaction-scoped, so the ledger effect and the status change commit
// together or not at all.
type Finalizer interface {
	// Finalize applies the kind's terminal-approval effect (ledger charge,
	// TOIL credit, payout flag). It may set the process's charge tracking.
	Finalize(ctx context.Context, store Store, p *Process) error

	// Reverse undoes the terminal effect when an approved process cancels:
	// the exact offsetting posting for a charged process, or whatever
	// non-ledger effect Finalize left behind.
	Reverse(ctx context.Context, store Store, p *Process, reason string) error
}
