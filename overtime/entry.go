/*
Package overtime implements overtime entries: tiered classification of
reported hours, weekly aggregation caps, and the comp-time conversion that
credits TOIL on final approval.

PURPOSE:
  An overtime entry is a workflow process of kind "overtime" plus a payload
  describing the worked date and hours. Exactly one settlement is selected
  per entry: comp-time (credits the TOIL benefit on approval) or cash payout
  (records a flag for downstream payroll, no ledger effect).

SEE ALSO:
  - compute: tier split and weekly countable calculation
  - workflow: the state machine this package plugs into
*/
package overtime

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
)

// Entry is the kind-specific payload of an overtime process. The tier split
// and weekly figures are fixed at submission; approval credits exactly the
// recorded countable hours.
type Entry struct {
	ID       core.RequestID // same id as the owning workflow process
	Org      core.OrgID
	Employee core.EmployeeID
	Policy   core.PolicyID

	WorkDate calendar.Date
	Reported decimal.Decimal // raw hours as reported

	// Classification at submission time. Tier1 + Tier2 equals the countable
	// hours; Excess is what the weekly cap refused, recorded but never
	// charged.
	Tier1  decimal.Decimal
	Tier2  decimal.Decimal
	Excess decimal.Decimal

	// Settlement selection, exactly one true.
	SelectedCompTime   bool
	SelectedCashPayout bool

	// PayoutRequested is set on final approval of a cash-payout entry, for
	// downstream payroll handling.
	PayoutRequested bool

	CreatedAt time.Time
}

// Countable returns the hours that classify for settlement.
func (e *Entry) Countable() decimal.Decimal {
	return e.Tier1.Add(e.Tier2)
}

// Store persists overtime payloads.
type Store interface {
	SaveOvertimeEntry(ctx context.Context, e *Entry) error
	GetOvertimeEntry(ctx context.Context, id core.RequestID) (*Entry, error)

	// CountableInWeek sums the countable hours of the employee's entries in
	// the given ISO week whose process is pending or approved.
	CountableInWeek(ctx context.Context, employee core.EmployeeID, isoYear, isoWeek int) (decimal.Decimal, error)
}
