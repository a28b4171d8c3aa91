/*
store.go - Persistence contract for events and summaries

APPEND-ONLY CONTRACT:
  The Store interface has AppendEvent and read methods. No update, no
  delete. Summaries are the one mutable row, and only SaveSummary inside
  the same transaction as the event that moved them.

ATOMICITY:
  WithTx executes fn against a transaction-scoped Store. A store that is
  already transaction-scoped runs fn against itself, so components can
  compose (the workflow machine opens the transaction; the ledger posts
  inside it without nesting).
*/
package ledger

import (
	"context"
	"time"

	"github.com/warp/leave-ledger/core"
)

// Store persists ledger events and balance summaries.
type Store interface {
	// AppendEvent persists an event. The ONLY event write operation.
	AppendEvent(ctx context.Context, ev Event) error

	// Events returns all events for employee+benefit, ordered by
	// effective instant then insertion.
	Events(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID) ([]Event, error)

	// EventsInRange returns events with EffectiveAt in [from, to].
	EventsInRange(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID, from, to time.Time) ([]Event, error)

	// EventsByReference returns events pointing at a request/entry.
	EventsByReference(ctx context.Context, ref core.RequestID) ([]Event, error)

	// Summary returns the projection row; ok=false when none exists yet.
	Summary(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID) (Summary, bool, error)

	// SaveSummary writes the projection row. Call only inside the same
	// transaction as the event that changed it.
	SaveSummary(ctx context.Context, s Summary) error
}

// TxStore adds the atomic unit-of-work capability.
type TxStore interface {
	Store

	// WithTx executes fn within one transaction. fn's store sees
	// uncommitted writes; an error rolls everything back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
