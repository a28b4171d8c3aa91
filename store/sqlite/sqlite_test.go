package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
	"github.com/warp/leave-ledger/idempotency"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/overtime"
	"github.com/warp/leave-ledger/store/sqlite"
	"github.com/warp/leave-ledger/workflow"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func sampleEvent(id, emp string, qty string) ledger.Event {
	return ledger.Event{
		ID:           core.EventID(id),
		Employee:     core.EmployeeID(emp),
		Benefit:      "annual",
		Kind:         ledger.KindAccrual,
		Quantity:     core.Quantity{Value: dec(qty), Unit: core.UnitDays},
		EffectiveAt:  time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC),
		BalanceAfter: core.Quantity{Value: dec(qty), Unit: core.UnitDays},
		CreatedBy:    "test",
		CreatedAt:    time.Date(2025, time.January, 31, 12, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// LEDGER EVENTS & SUMMARIES
// =============================================================================

func TestSQLite_EventRoundTrip(t *testing.T) {
	// GIVEN: An appended event
	// WHEN: Reading it back
	// THEN: Every field survives, including the decimal quantity

	st := newTestStore(t)
	ctx := context.Background()

	ev := sampleEvent("ev-1", "emp-1", "2.5")
	ev.Reference = "req-1"
	ev.Note = "monthly accrual"
	require.NoError(t, st.AppendEvent(ctx, ev))

	events, err := st.Events(ctx, "emp-1", "annual")
	require.NoError(t, err)
	require.Len(t, events, 1)
	got := events[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Kind, got.Kind)
	assert.True(t, got.Quantity.Value.Equal(dec("2.5")))
	assert.Equal(t, core.UnitDays, got.Quantity.Unit)
	assert.Equal(t, ev.Reference, got.Reference)
	assert.Equal(t, ev.Note, got.Note)
	assert.True(t, got.EffectiveAt.Equal(ev.EffectiveAt))
}

func TestSQLite_SummaryUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, ok, err := st.Summary(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.False(t, ok)

	sum := ledger.Summary{
		Employee:  "emp-1",
		Benefit:   "annual",
		Balance:   core.Quantity{Value: dec("3"), Unit: core.UnitDays},
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SaveSummary(ctx, sum))

	sum.Balance.Value = dec("5.5")
	require.NoError(t, st.SaveSummary(ctx, sum))

	got, ok, err := st.Summary(ctx, "emp-1", "annual")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Balance.Value.Equal(dec("5.5")))
}

func TestSQLite_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that appends an event and then fails
	// WHEN: The transaction returns the error
	// THEN: The event is not visible afterwards

	st := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.Ledger().WithTx(ctx, func(s ledger.Store) error {
		if err := s.AppendEvent(ctx, sampleEvent("ev-1", "emp-1", "1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := st.Events(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSQLite_WithTx_CommitsOnSuccess(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.Ledger().WithTx(ctx, func(s ledger.Store) error {
		return s.AppendEvent(ctx, sampleEvent("ev-1", "emp-1", "1"))
	})
	require.NoError(t, err)

	events, err := st.Events(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// =============================================================================
// PROCESSES
// =============================================================================

func TestSQLite_ProcessRoundTrip(t *testing.T) {
	// GIVEN: A pending process with materialized steps
	// WHEN: Reading it back
	// THEN: Steps, cursor, and charge tracking survive the JSON column

	st := newTestStore(t)
	ctx := context.Background()

	decided := time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)
	p := &workflow.Process{
		ID:       "req-1",
		Org:      "org-1",
		Employee: "emp-1",
		Kind:     workflow.KindLeave,
		Status:   workflow.StatusPending,
		Steps: []workflow.Step{
			{Seq: 1, Approver: "manager", Status: workflow.StepApproved, Comment: "ok", DecidedAt: &decided},
			{Seq: 2, Approver: "hr", Status: workflow.StepPending},
		},
		Cursor:          2,
		IdempotencyKey:  "key-1",
		CreatedBy:       "emp-1",
		CreatedAt:       time.Date(2025, time.June, 9, 8, 0, 0, 0, time.UTC),
		UpdatedAt:       decided,
		Charged:         true,
		ChargedBenefit:  "annual",
		ChargedQuantity: core.Quantity{Value: dec("-5"), Unit: core.UnitDays},
	}
	require.NoError(t, st.SaveProcess(ctx, p))

	got, err := st.GetProcess(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, got.Status)
	assert.Equal(t, 2, got.Cursor)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, workflow.StepApproved, got.Steps[0].Status)
	require.NotNil(t, got.Steps[0].DecidedAt)
	assert.True(t, got.Steps[0].DecidedAt.Equal(decided))
	assert.True(t, got.Charged)
	assert.True(t, got.ChargedQuantity.Value.Equal(dec("-5")))
}

func TestSQLite_GetProcess_UnknownNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetProcess(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestSQLite_PendingForApprover_FiltersByCursor(t *testing.T) {
	// GIVEN: One process waiting on manager, one waiting on hr
	// WHEN: Listing manager's inbox
	// THEN: Only the process whose current step is manager's shows up

	st := newTestStore(t)
	ctx := context.Background()

	waiting := &workflow.Process{
		ID: "req-1", Org: "org-1", Employee: "emp-1",
		Kind: workflow.KindLeave, Status: workflow.StatusPending,
		Steps:  []workflow.Step{{Seq: 1, Approver: "manager", Status: workflow.StepPending}},
		Cursor: 1,
	}
	advanced := &workflow.Process{
		ID: "req-2", Org: "org-1", Employee: "emp-2",
		Kind: workflow.KindLeave, Status: workflow.StatusPending,
		Steps: []workflow.Step{
			{Seq: 1, Approver: "manager", Status: workflow.StepApproved},
			{Seq: 2, Approver: "hr", Status: workflow.StepPending},
		},
		Cursor: 2,
	}
	require.NoError(t, st.SaveProcess(ctx, waiting))
	require.NoError(t, st.SaveProcess(ctx, advanced))

	inbox, err := st.PendingForApprover(ctx, "org-1", "manager")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, core.RequestID("req-1"), inbox[0].ID)
}

// =============================================================================
// LEAVE REQUESTS & BLACKOUTS
// =============================================================================

func TestSQLite_ActiveOverlapping_IgnoresTerminalProcesses(t *testing.T) {
	// GIVEN: A rejected request and a pending request for the same week
	// WHEN: Querying overlaps
	// THEN: Only the pending one counts

	st := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, time.June, 9, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 5)

	save := func(id string, status workflow.Status) {
		require.NoError(t, st.SaveProcess(ctx, &workflow.Process{
			ID: core.RequestID(id), Org: "org-1", Employee: "emp-1",
			Kind: workflow.KindLeave, Status: status,
			Steps: []workflow.Step{{Seq: 1, Approver: "manager", Status: workflow.StepPending}},
		}))
		require.NoError(t, st.SaveLeaveRequest(ctx, &leave.Request{
			ID: core.RequestID(id), Org: "org-1", Employee: "emp-1",
			Benefit: "annual", Policy: "pol-1",
			Start: start, End: end, Unit: core.UnitDays,
			Quantity:  core.Quantity{Value: dec("5"), Unit: core.UnitDays},
			CreatedAt: start,
		}))
	}
	save("req-rejected", workflow.StatusRejected)
	save("req-pending", workflow.StatusPending)

	overlapping, err := st.ActiveOverlapping(ctx, "emp-1", start.AddDate(0, 0, 2), start.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, overlapping, 1)
	assert.Equal(t, core.RequestID("req-pending"), overlapping[0].ID)
}

func TestSQLite_Blackouts_ScopedToOrg(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveBlackout(ctx, leave.Blackout{
		Org: "org-1", Start: calendar.NewDate(2025, time.June, 1), End: calendar.NewDate(2025, time.June, 7),
	}))
	require.NoError(t, st.SaveBlackout(ctx, leave.Blackout{
		Org: "org-2", Start: calendar.NewDate(2025, time.June, 1), End: calendar.NewDate(2025, time.June, 7),
	}))

	got, err := st.Blackouts(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// =============================================================================
// OVERTIME ENTRIES
// =============================================================================

func TestSQLite_CountableInWeek_SumsActiveEntries(t *testing.T) {
	// GIVEN: Two entries in the same ISO week, one pending and one rejected
	// WHEN: Summing the week's countable hours
	// THEN: Only the pending entry's tiers count

	st := newTestStore(t)
	ctx := context.Background()

	save := func(id, date string, tier1, tier2 string, status workflow.Status) {
		d, err := calendar.ParseDate(date)
		require.NoError(t, err)
		require.NoError(t, st.SaveProcess(ctx, &workflow.Process{
			ID: core.RequestID(id), Org: "org-1", Employee: "emp-1",
			Kind: workflow.KindOvertime, Status: status,
			Steps: []workflow.Step{{Seq: 1, Approver: "manager", Status: workflow.StepPending}},
		}))
		require.NoError(t, st.SaveOvertimeEntry(ctx, &overtime.Entry{
			ID: core.RequestID(id), Org: "org-1", Employee: "emp-1", Policy: "pol-ot",
			WorkDate: d, Reported: dec(tier1).Add(dec(tier2)),
			Tier1: dec(tier1), Tier2: dec(tier2),
			SelectedCompTime: true,
			CreatedAt:        time.Now().UTC(),
		}))
	}
	save("ot-1", "2025-06-09", "2", "3", workflow.StatusPending)
	save("ot-2", "2025-06-11", "2", "0", workflow.StatusRejected)

	total, err := st.CountableInWeek(ctx, "emp-1", 2025, 24)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("5")), "got %s", total)
}

// =============================================================================
// IDEMPOTENCY & RUN RECORDS
// =============================================================================

func TestSQLite_IdempotencyPut_DuplicateConflicts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := idempotency.Record{
		Scope:          idempotency.ScopeLeaveSubmit,
		Caller:         "emp-1",
		Key:            "key-1",
		RequestHash:    "hash",
		ResponseStatus: 201,
		ResponseBody:   []byte(`{"id":"req-1"}`),
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.Put(ctx, rec))

	err := st.Put(ctx, rec)
	require.Error(t, err)
	assert.Equal(t, core.CodeConflict, core.CodeOf(err))

	got, ok, err := st.Get(ctx, idempotency.ScopeLeaveSubmit, "emp-1", "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 201, got.ResponseStatus)
	assert.Equal(t, rec.ResponseBody, got.ResponseBody)
}

func TestSQLite_RecordRun_DuplicatePeriodConflicts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run := accrual.Run{
		Employee:    "emp-1",
		Policy:      "pol-1",
		Kind:        accrual.RunAccrual,
		PeriodStart: calendar.NewDate(2025, time.January, 1),
		PeriodEnd:   calendar.NewDate(2025, time.January, 31),
		Posted:      core.Quantity{Value: dec("2.5"), Unit: core.UnitDays},
		RunAt:       time.Now().UTC(),
	}
	require.NoError(t, st.RecordRun(ctx, run))

	err := st.RecordRun(ctx, run)
	require.Error(t, err)
	assert.Equal(t, core.CodeConflict, core.CodeOf(err))

	done, err := st.HasRun(ctx, "emp-1", "pol-1", accrual.RunAccrual, calendar.NewDate(2025, time.January, 1))
	require.NoError(t, err)
	assert.True(t, done)

	// Same period, other kind, is a distinct record.
	done, err = st.HasRun(ctx, "emp-1", "pol-1", accrual.RunCarryoverExpire, calendar.NewDate(2025, time.January, 1))
	require.NoError(t, err)
	assert.False(t, done)
}
