/*
ledger.go - The posting service

EVERY POST IS ONE ATOMIC UNIT:
  1. Re-read the current summary inside the transaction
  2. Enforce the balance floor for negative-going posts
  3. Append the event with its balance_after audit value
  4. Save the updated summary

  No reader observes an event without its summary effect, nor vice versa.
  Concurrent posts against one (employee, benefit) serialize on the
  summary row; the second post sees the post-first-commit balance.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/leave-ledger/core"
)

// =============================================================================
// LEDGER SERVICE
// =============================================================================

type Ledger struct {
	store TxStore
	now   func() time.Time
}

func New(store TxStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// NewAtTime fixes the clock, for tests.
func NewAtTime(store TxStore, now func() time.Time) *Ledger {
	return &Ledger{store: store, now: now}
}

// PostInput describes one balance change.
type PostInput struct {
	Employee core.EmployeeID
	Benefit  core.BenefitID
	Kind     Kind

	Quantity    core.Quantity // signed
	EffectiveAt time.Time
	Reference   core.RequestID
	Note        string
	CreatedBy   string

	// Floor, when set, is the lowest balance this post may leave behind.
	// Crossing it fails UNPROCESSABLE and nothing is written.
	Floor *core.Quantity
}

// Post appends an event and refreshes the summary in one atomic unit.
func (l *Ledger) Post(ctx context.Context, in PostInput) (Event, error) {
	if err := validatePost(in); err != nil {
		return Event{}, err
	}

	var posted Event
	err := l.store.WithTx(ctx, func(s Store) error {
		ev, err := l.postLocked(ctx, s, in)
		if err != nil {
			return err
		}
		posted = ev
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	return posted, nil
}

// PostIn is Post running inside an already-open transaction-scoped store.
// The workflow machine uses it to commit a final approval's step update and
// ledger charge together.
func (l *Ledger) PostIn(ctx context.Context, s Store, in PostInput) (Event, error) {
	if err := validatePost(in); err != nil {
		return Event{}, err
	}
	return l.postLocked(ctx, s, in)
}

func (l *Ledger) postLocked(ctx context.Context, s Store, in PostInput) (Event, error) {
	current, ok, err := s.Summary(ctx, in.Employee, in.Benefit)
	if err != nil {
		return Event{}, fmt.Errorf("read summary: %w", err)
	}
	balance := in.Quantity.Zero()
	if ok {
		balance = current.Balance
	}

	next := balance.Add(in.Quantity)
	if in.Floor != nil && next.LessThan(*in.Floor) {
		return Event{}, core.Faultf(core.CodeUnprocessable,
			"balance %s would fall below floor %s for %s/%s",
			next.Value, in.Floor.Value, in.Employee, in.Benefit)
	}

	now := l.now().UTC()
	ev := Event{
		ID:           core.NewEventID(),
		Employee:     in.Employee,
		Benefit:      in.Benefit,
		Kind:         in.Kind,
		Quantity:     in.Quantity,
		EffectiveAt:  in.EffectiveAt,
		Reference:    in.Reference,
		Note:         in.Note,
		BalanceAfter: next,
		CreatedBy:    in.CreatedBy,
		CreatedAt:    now,
	}

	if err := s.AppendEvent(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	if err := s.SaveSummary(ctx, Summary{
		Employee:  in.Employee,
		Benefit:   in.Benefit,
		Balance:   next,
		UpdatedAt: now,
	}); err != nil {
		return Event{}, fmt.Errorf("save summary: %w", err)
	}

	return ev, nil
}

func validatePost(in PostInput) error {
	if in.Employee == "" || in.Benefit == "" {
		return core.Faultf(core.CodeValidation, "post requires employee and benefit")
	}
	if in.Quantity.IsZero() {
		return core.Faultf(core.CodeValidation, "post requires a non-zero quantity")
	}
	if in.Kind == KindAdjustment && in.Note == "" {
		return core.Faultf(core.CodeValidation, "adjustments require a note")
	}
	if in.EffectiveAt.IsZero() {
		return core.Faultf(core.CodeValidation, "post requires an effective instant")
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// ReadBalance returns the current balance from the summary projection.
// Zero (in the given unit) when no events exist yet.
func (l *Ledger) ReadBalance(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID, unit core.Unit) (core.Quantity, error) {
	s, ok, err := l.store.Summary(ctx, emp, benefit)
	if err != nil {
		return core.Quantity{}, err
	}
	if !ok {
		return core.NewQuantity(0, unit), nil
	}
	return s.Balance, nil
}

// Events returns the full event history for an employee/benefit.
func (l *Ledger) Events(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID) ([]Event, error) {
	return l.store.Events(ctx, emp, benefit)
}

// =============================================================================
// RECOVERY - Rebuild and integrity checking
// =============================================================================

// Rebuild recomputes the summary from the event log and saves it.
// The disaster-recovery path: the log is durable, the projection is not.
func (l *Ledger) Rebuild(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID, unit core.Unit) (Summary, error) {
	var rebuilt Summary
	err := l.store.WithTx(ctx, func(s Store) error {
		events, err := s.Events(ctx, emp, benefit)
		if err != nil {
			return err
		}
		sum := core.NewQuantity(0, unit)
		for _, ev := range events {
			sum = sum.Add(ev.Quantity)
		}
		rebuilt = Summary{Employee: emp, Benefit: benefit, Balance: sum, UpdatedAt: l.now().UTC()}
		return s.SaveSummary(ctx, rebuilt)
	})
	if err != nil {
		return Summary{}, err
	}
	return rebuilt, nil
}

// IntegrityReport is the outcome of one VerifyIntegrity check.
type IntegrityReport struct {
	Employee core.EmployeeID
	Benefit  core.BenefitID
	Summary  core.Quantity
	EventSum core.Quantity
	OK       bool
}

// VerifyIntegrity compares the summary row with the event sum.
// Any divergence is a defect in the writing path.
func (l *Ledger) VerifyIntegrity(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID, unit core.Unit) (IntegrityReport, error) {
	events, err := l.store.Events(ctx, emp, benefit)
	if err != nil {
		return IntegrityReport{}, err
	}
	sum := core.NewQuantity(0, unit)
	for _, ev := range events {
		sum = sum.Add(ev.Quantity)
	}

	bal, ok, err := l.store.Summary(ctx, emp, benefit)
	if err != nil {
		return IntegrityReport{}, err
	}
	summaryBal := core.NewQuantity(0, unit)
	if ok {
		summaryBal = bal.Balance
	}

	return IntegrityReport{
		Employee: emp,
		Benefit:  benefit,
		Summary:  summaryBal,
		EventSum: sum,
		OK:       summaryBal.Value.Equal(sum.Value),
	}, nil
}
