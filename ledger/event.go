/*
Package ledger is the source of truth for all benefit balance changes.

PURPOSE:
  Every accrual, usage charge, adjustment, carryover movement, and TOIL
  credit is an immutable Event. The per-(employee, benefit) Summary is a
  derived projection of the event log and is rebuildable from it at any
  time.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: events are never updated or deleted; corrections are
     offsetting events.
  2. ATOMIC: an event and its summary effect commit together or not at all.
  3. RECONCILED: Summary.Balance always equals the sum of the employee/
     benefit's event quantities. Divergence is a defect, caught by
     VerifyIntegrity and repaired by Rebuild.

SEE ALSO:
  - ledger.go: the posting service enforcing the invariants
  - store/sqlite: durable implementation with day-level constraints
  - store/memory: in-memory implementation for tests
*/
package ledger

import (
	"time"

	"github.com/warp/leave-ledger/core"
)

// =============================================================================
// EVENT - One immutable signed balance change
// =============================================================================

type Kind string

const (
	KindAccrual         Kind = "ACCRUAL"
	KindUsage           Kind = "USAGE"
	KindAdjustment      Kind = "ADJUSTMENT"
	KindCarryoverIn     Kind = "CARRYOVER_IN"
	KindCarryoverExpire Kind = "CARRYOVER_EXPIRE"
	KindEncashment      Kind = "ENCASHMENT"
	KindOvertimeToTOIL  Kind = "OVERTIME_TO_TOIL"
)

// Event is one signed quantity change to a benefit balance.
// Created only through Ledger.Post; never mutated.
type Event struct {
	ID       core.EventID
	Employee core.EmployeeID
	Benefit  core.BenefitID
	Kind     Kind

	Quantity    core.Quantity // signed: credits positive, charges negative
	EffectiveAt time.Time

	// Reference points at the originating request/entry, when any.
	Reference core.RequestID
	Note      string

	// BalanceAfter is the point-in-time audit value recorded at commit.
	// The Summary remains the canonical read path.
	BalanceAfter core.Quantity

	CreatedBy string
	CreatedAt time.Time
}

// =============================================================================
// SUMMARY - Derived current-balance projection
// =============================================================================

// Summary is the fast-read balance row for one (employee, benefit) pair.
// Derived, not authoritative: rebuildable from the event log.
type Summary struct {
	Employee  core.EmployeeID
	Benefit   core.BenefitID
	Balance   core.Quantity
	UpdatedAt time.Time
}
