package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/core"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.New(memory.New().Ledger())
}

func days(s string) core.Quantity {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return core.Quantity{Value: d, Unit: core.UnitDays}
}

func accrualPost(emp string, q core.Quantity) ledger.PostInput {
	return ledger.PostInput{
		Employee:    core.EmployeeID(emp),
		Benefit:     "annual",
		Kind:        ledger.KindAccrual,
		Quantity:    q,
		EffectiveAt: time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC),
		CreatedBy:   "system",
	}
}

// =============================================================================
// POSTING
// =============================================================================

func TestLedger_Post_UpdatesSummary(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: Posting a 2.5 day accrual
	// THEN: The summary reads 2.5 and the event records balance-after 2.5

	led := newTestLedger(t)
	ctx := context.Background()

	ev, err := led.Post(ctx, accrualPost("emp-1", days("2.5")))
	require.NoError(t, err)
	assert.True(t, ev.BalanceAfter.Value.Equal(days("2.5").Value))

	balance, err := led.ReadBalance(ctx, "emp-1", "annual", core.UnitDays)
	require.NoError(t, err)
	assert.True(t, balance.Value.Equal(days("2.5").Value), "got %s", balance.Value)
}

func TestLedger_Post_SignedQuantitiesAccumulate(t *testing.T) {
	// GIVEN: 10 days accrued
	// WHEN: Charging 3 days of usage
	// THEN: Balance reads 7

	led := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Post(ctx, accrualPost("emp-1", days("10")))
	require.NoError(t, err)

	usage := accrualPost("emp-1", days("-3"))
	usage.Kind = ledger.KindUsage
	usage.Reference = "req-1"
	_, err = led.Post(ctx, usage)
	require.NoError(t, err)

	balance, err := led.ReadBalance(ctx, "emp-1", "annual", core.UnitDays)
	require.NoError(t, err)
	assert.True(t, balance.Value.Equal(days("7").Value), "got %s", balance.Value)
}

func TestLedger_Post_ZeroQuantityRejected(t *testing.T) {
	led := newTestLedger(t)

	_, err := led.Post(context.Background(), accrualPost("emp-1", days("0")))
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}

func TestLedger_Post_AdjustmentRequiresNote(t *testing.T) {
	// GIVEN: An adjustment with no note
	// WHEN: Posting
	// THEN: Fails VALIDATION; a note makes it pass

	led := newTestLedger(t)
	ctx := context.Background()

	in := accrualPost("emp-1", days("1"))
	in.Kind = ledger.KindAdjustment

	_, err := led.Post(ctx, in)
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))

	in.Note = "correcting onboarding grant"
	_, err = led.Post(ctx, in)
	assert.NoError(t, err)
}

// =============================================================================
// FLOOR ENFORCEMENT
// =============================================================================

func TestLedger_Post_FloorBlocksOverdraw(t *testing.T) {
	// GIVEN: 2 days of balance and a zero floor
	// WHEN: Charging 5 days
	// THEN: Fails UNPROCESSABLE and nothing is written

	led := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Post(ctx, accrualPost("emp-1", days("2")))
	require.NoError(t, err)

	floor := days("0")
	usage := accrualPost("emp-1", days("-5"))
	usage.Kind = ledger.KindUsage
	usage.Floor = &floor

	_, err = led.Post(ctx, usage)
	require.Error(t, err)
	assert.Equal(t, core.CodeUnprocessable, core.CodeOf(err))

	// The failed post left no trace.
	balance, err := led.ReadBalance(ctx, "emp-1", "annual", core.UnitDays)
	require.NoError(t, err)
	assert.True(t, balance.Value.Equal(days("2").Value))

	events, err := led.Events(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLedger_Post_NegativeFloorAllowsOverdraw(t *testing.T) {
	// GIVEN: 2 days of balance and a -5 day floor
	// WHEN: Charging 5 days
	// THEN: The post succeeds, balance goes to -3

	led := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Post(ctx, accrualPost("emp-1", days("2")))
	require.NoError(t, err)

	floor := days("-5")
	usage := accrualPost("emp-1", days("-5"))
	usage.Kind = ledger.KindUsage
	usage.Floor = &floor

	_, err = led.Post(ctx, usage)
	require.NoError(t, err)

	balance, err := led.ReadBalance(ctx, "emp-1", "annual", core.UnitDays)
	require.NoError(t, err)
	assert.True(t, balance.Value.Equal(days("-3").Value), "got %s", balance.Value)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestLedger_Post_ConcurrentWritersSerialize(t *testing.T) {
	// GIVEN: 20 goroutines each posting a 1-day accrual to one balance
	// WHEN: All run at once
	// THEN: Every event lands, the summary equals the event sum, and every
	//       balance-after value is distinct

	led := newTestLedger(t)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = led.Post(ctx, accrualPost("emp-1", days("1")))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	report, err := led.VerifyIntegrity(ctx, "emp-1", "annual", core.UnitDays)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.True(t, report.Summary.Value.Equal(decimal.NewFromInt(writers)), "got %s", report.Summary.Value)

	events, err := led.Events(ctx, "emp-1", "annual")
	require.NoError(t, err)
	require.Len(t, events, writers)
	seen := make(map[string]bool, writers)
	for _, ev := range events {
		seen[ev.BalanceAfter.Value.String()] = true
	}
	assert.Len(t, seen, writers, "serialized posts leave distinct balance-after values")
}

func TestLedger_Post_ConcurrentFloorAdmitsExactlyCapacity(t *testing.T) {
	// GIVEN: A 5-day balance with a zero floor
	// WHEN: 10 concurrent 1-day usage posts race for it
	// THEN: Exactly 5 succeed, the rest fail UNPROCESSABLE, the balance is 0

	led := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Post(ctx, accrualPost("emp-1", days("5")))
	require.NoError(t, err)

	floor := days("0")
	const writers = 10
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := accrualPost("emp-1", days("-1"))
			in.Kind = ledger.KindUsage
			in.Floor = &floor
			_, errs[i] = led.Post(ctx, in)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.Equal(t, core.CodeUnprocessable, core.CodeOf(err))
		}
	}
	assert.Equal(t, 5, succeeded)

	report, err := led.VerifyIntegrity(ctx, "emp-1", "annual", core.UnitDays)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.True(t, report.Summary.Value.IsZero(), "got %s", report.Summary.Value)
}

// =============================================================================
// REBUILD & INTEGRITY
// =============================================================================

func TestLedger_Rebuild_MatchesEventSum(t *testing.T) {
	// GIVEN: A ledger with several posts
	// WHEN: Rebuilding the summary from events
	// THEN: The rebuilt balance equals the running balance

	led := newTestLedger(t)
	ctx := context.Background()

	for _, q := range []string{"2.5", "2.5", "-1", "2.5"} {
		in := accrualPost("emp-1", days(q))
		if q == "-1" {
			in.Kind = ledger.KindUsage
		}
		_, err := led.Post(ctx, in)
		require.NoError(t, err)
	}

	sum, err := led.Rebuild(ctx, "emp-1", "annual", core.UnitDays)
	require.NoError(t, err)
	assert.True(t, sum.Balance.Value.Equal(days("6.5").Value), "got %s", sum.Balance.Value)
}

func TestLedger_VerifyIntegrity_CleanLedger(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Post(ctx, accrualPost("emp-1", days("3")))
	require.NoError(t, err)

	report, err := led.VerifyIntegrity(ctx, "emp-1", "annual", core.UnitDays)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.True(t, report.Summary.Value.Equal(report.EventSum.Value))
}

func TestLedger_EmptyBalanceIsZero(t *testing.T) {
	// GIVEN: No events for the employee
	// WHEN: Reading the balance
	// THEN: Zero in the requested unit, not an error

	led := newTestLedger(t)

	balance, err := led.ReadBalance(context.Background(), "nobody", "annual", core.UnitDays)
	require.NoError(t, err)
	assert.True(t, balance.Value.IsZero())
	assert.Equal(t, core.UnitDays, balance.Unit)
}

func TestLedger_Events_OrderedByCreation(t *testing.T) {
	// GIVEN: Three posts in sequence
	// WHEN: Listing events
	// THEN: They come back in posting order with coherent balance-after values

	led := newTestLedger(t)
	ctx := context.Background()

	for _, q := range []string{"1", "2", "3"} {
		_, err := led.Post(ctx, accrualPost("emp-1", days(q)))
		require.NoError(t, err)
	}

	events, err := led.Events(ctx, "emp-1", "annual")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].BalanceAfter.Value.Equal(days("1").Value))
	assert.True(t, events[1].BalanceAfter.Value.Equal(days("3").Value))
	assert.True(t, events[2].BalanceAfter.Value.Equal(days("6").Value))
}
