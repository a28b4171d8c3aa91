package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/core"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/store/memory"
	"github.com/warp/leave-ledger/workflow"
)

func sampleEvent(id string) ledger.Event {
	return ledger.Event{
		ID:           core.EventID(id),
		Employee:     "emp-1",
		Benefit:      "annual",
		Kind:         ledger.KindAccrual,
		Quantity:     core.Quantity{Value: decimal.NewFromInt(1), Unit: core.UnitDays},
		EffectiveAt:  time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC),
		BalanceAfter: core.Quantity{Value: decimal.NewFromInt(1), Unit: core.UnitDays},
		CreatedAt:    time.Now().UTC(),
	}
}

func TestMemory_WithTx_RollsBackAllWrites(t *testing.T) {
	// GIVEN: A transaction writing an event and a process, then failing
	// WHEN: The transaction returns the error
	// THEN: Neither write is visible

	mem := memory.New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := mem.Workflow().WithTx(ctx, func(s workflow.Store) error {
		if err := s.SaveProcess(ctx, &workflow.Process{
			ID: "req-1", Org: "org-1", Employee: "emp-1",
			Kind: workflow.KindLeave, Status: workflow.StatusPending,
		}); err != nil {
			return err
		}
		if err := s.(ledger.Store).AppendEvent(ctx, sampleEvent("ev-1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = mem.GetProcess(ctx, "req-1")
	require.Error(t, err)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))

	events, err := mem.Events(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemory_WithTx_CommitsTogether(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	err := mem.Ledger().WithTx(ctx, func(s ledger.Store) error {
		return s.AppendEvent(ctx, sampleEvent("ev-1"))
	})
	require.NoError(t, err)

	events, err := mem.Events(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMemory_GetProcess_ReturnsIsolatedCopy(t *testing.T) {
	// GIVEN: A saved process
	// WHEN: Mutating the copy a read returned
	// THEN: The stored process is untouched

	mem := memory.New()
	ctx := context.Background()

	require.NoError(t, mem.SaveProcess(ctx, &workflow.Process{
		ID: "req-1", Org: "org-1", Employee: "emp-1",
		Kind: workflow.KindLeave, Status: workflow.StatusPending,
		Steps:  []workflow.Step{{Seq: 1, Approver: "manager", Status: workflow.StepPending}},
		Cursor: 1,
	}))

	got, err := mem.GetProcess(ctx, "req-1")
	require.NoError(t, err)
	got.Status = workflow.StatusCancelled
	got.Steps[0].Status = workflow.StepRejected

	fresh, err := mem.GetProcess(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, fresh.Status)
	assert.Equal(t, workflow.StepPending, fresh.Steps[0].Status)
}
