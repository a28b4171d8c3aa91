/*
Package leave implements leave requests: submission with duration
computation, blackout and overlap screening, and the ledger charge on final
approval.

PURPOSE:
  A leave request is a workflow process of kind "leave" plus a payload
  describing the requested time range. The package contributes the payload,
  the submission service, and the Finalizer that charges the benefit's
  balance when the approval chain completes.

SEE ALSO:
  - workflow: the state machine this package plugs into
  - compute: the duration calculation run at submission time
  - ledger: where the approved charge lands
*/
package leave

import (
	"context"
	"time"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
)

// Request is the kind-specific payload of a leave process. The computed
// quantity is fixed at submission; approval charges exactly that amount.
type Request struct {
	ID       core.RequestID // same id as the owning workflow process
	Org      core.OrgID
	Employee core.EmployeeID
	Benefit  core.BenefitID
	Policy   core.PolicyID

	Start   time.Time
	End     time.Time
	Unit    core.Unit
	HalfDay bool
	Reason  string

	// Quantity is the chargeable duration computed at submission.
	Quantity core.Quantity

	CreatedAt time.Time
}

// Blackout is a configured window in which new leave requests are refused.
// An empty Benefit applies to all benefits.
type Blackout struct {
	Org     core.OrgID
	Benefit core.BenefitID
	Start   calendar.Date
	End     calendar.Date // inclusive
	Reason  string
}

// Covers reports whether the blackout intersects the date range [from, to].
func (b Blackout) Covers(benefit core.BenefitID, from, to calendar.Date) bool {
	if b.Benefit != "" && b.Benefit != benefit {
		return false
	}
	return !to.Before(b.Start) && !b.End.Before(from)
}

// Store persists leave payloads and blackout configuration.
type Store interface {
	SaveLeaveRequest(ctx context.Context, r *Request) error
	GetLeaveRequest(ctx context.Context, id core.RequestID) (*Request, error)

	// ActiveOverlapping returns leave requests for the employee whose time
	// range intersects [start, end) and whose process is pending or approved.
	ActiveOverlapping(ctx context.Context, employee core.EmployeeID, start, end time.Time) ([]*Request, error)

	SaveBlackout(ctx context.Context, b Blackout) error
	Blackouts(ctx context.Context, org core.OrgID) ([]Blackout, error)
}
