package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/api"
	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
	"github.com/warp/leave-ledger/idempotency"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/overtime"
	"github.com/warp/leave-ledger/policy"
	"github.com/warp/leave-ledger/store/memory"
	"github.com/warp/leave-ledger/workflow"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type env struct {
	server *httptest.Server
	led    *ledger.Ledger
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mem := memory.New()
	led := ledger.New(mem.Ledger())

	annual := policy.LeavePolicy{
		ID:        "pol-annual",
		BenefitID: "annual",
		Unit:      core.UnitDays,
	}
	ot := policy.OvertimePolicy{
		ID:                 "pol-ot",
		Tier1Hours:         decimal.NewFromInt(2),
		Tier1Multiplier:    decimal.NewFromFloat(1.5),
		Tier2Multiplier:    decimal.NewFromInt(2),
		CompTimeAllowed:    true,
		CompTimeMultiplier: decimal.NewFromInt(1),
		TOILBenefitID:      "toil",
	}
	policies := policy.StaticSource{
		Leave:    map[core.PolicyID]policy.LeavePolicy{annual.ID: annual},
		Overtime: map[core.PolicyID]policy.OvertimePolicy{ot.ID: ot},
	}

	guard := idempotency.NewGuard(mem)
	machine := workflow.NewMachine(mem.Workflow())
	machine.Register(workflow.KindLeave, leave.NewFinalizer(led, policies))
	machine.Register(workflow.KindOvertime, overtime.NewFinalizer(led, policies))

	chain := workflow.StaticChain{"manager"}
	leaveSvc := leave.NewService(leave.ServiceConfig{
		Machine:   machine,
		Store:     mem.Workflow(),
		Guard:     guard,
		Policies:  policies,
		Calendar:  calendar.NoHolidays{},
		Schedules: calendar.StaticSchedules{},
		Zones:     calendar.FixedZone{Loc: time.UTC},
		Chain:     chain,
	})
	overtimeSvc := overtime.NewService(overtime.ServiceConfig{
		Machine:   machine,
		Store:     mem.Workflow(),
		Guard:     guard,
		Policies:  policies,
		Schedules: calendar.StaticSchedules{},
		Chain:     chain,
	})
	engine := accrual.NewEngine(accrual.EngineConfig{
		Store:  mem.Ledger(),
		Ledger: led,
		Policies: policy.StaticSource{
			Leave: map[core.PolicyID]policy.LeavePolicy{annual.ID: annual},
		},
		Enrollments: accrual.StaticEnrollments{},
		Calendar:    calendar.NoHolidays{},
		Schedules:   calendar.StaticSchedules{},
	})

	h := api.NewHandler(api.HandlerConfig{
		Leave:    leaveSvc,
		Overtime: overtimeSvc,
		Machine:  machine,
		Ledger:   led,
		LedgerTx: mem.Ledger(),
		Engine:   engine,
		Guard:    guard,
		Requests: mem,
	})

	srv := httptest.NewServer(api.NewRouter(h, zap.NewNop()))
	t.Cleanup(srv.Close)
	return &env{server: srv, led: led}
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func leaveBody() map[string]any {
	return map[string]any{
		"org":      "org-1",
		"employee": "emp-1",
		"benefit":  "annual",
		"policy":   "pol-annual",
		"start":    "2025-06-09T00:00:00Z",
		"end":      "2025-06-14T00:00:00Z",
		"unit":     "DAYS",
	}
}

func (e *env) credit(t *testing.T, emp, benefit, qty string) {
	t.Helper()
	v, err := decimal.NewFromString(qty)
	require.NoError(t, err)
	_, err = e.led.Post(context.Background(), ledger.PostInput{
		Employee:    core.EmployeeID(emp),
		Benefit:     core.BenefitID(benefit),
		Kind:        ledger.KindAccrual,
		Quantity:    core.Quantity{Value: v, Unit: core.UnitDays},
		EffectiveAt: time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC),
		CreatedBy:   "test",
	})
	require.NoError(t, err)
}

// =============================================================================
// SUBMISSION ENDPOINTS
// =============================================================================

func TestAPI_SubmitLeave_Created(t *testing.T) {
	// GIVEN: A valid Monday..Friday submission
	// WHEN: POSTing to /api/leave
	// THEN: 201 with the request id, quantity, and pending status

	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/leave", leaveBody(), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var dto struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Quantity string `json:"quantity"`
	}
	require.NoError(t, json.Unmarshal(body, &dto))
	assert.NotEmpty(t, dto.ID)
	assert.Equal(t, "pending", dto.Status)
	assert.Equal(t, "5", dto.Quantity)
}

func TestAPI_SubmitLeave_ValidationTo400(t *testing.T) {
	// GIVEN: A body missing required fields
	// WHEN: POSTing
	// THEN: 400 with a VALIDATION code before any domain logic runs

	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/leave", map[string]any{"org": "org-1"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "VALIDATION")
}

func TestAPI_SubmitLeave_IdempotentReplay(t *testing.T) {
	// GIVEN: A submission with an Idempotency-Key
	// WHEN: Sending the identical request twice
	// THEN: The second response replays the first, flagged by header

	e := newEnv(t)
	headers := map[string]string{"Idempotency-Key": "key-1", "X-Caller": "emp-1"}

	resp1, body1 := e.do(t, http.MethodPost, "/api/leave", leaveBody(), headers)
	require.Equal(t, http.StatusCreated, resp1.StatusCode)

	resp2, body2 := e.do(t, http.MethodPost, "/api/leave", leaveBody(), headers)
	require.Equal(t, http.StatusCreated, resp2.StatusCode)
	assert.Equal(t, "true", resp2.Header.Get("Idempotent-Replay"))

	var first struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body1, &first))
	assert.Contains(t, string(body2), first.ID)
}

func TestAPI_SubmitOvertime_Created(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/overtime", map[string]any{
		"org":              "org-1",
		"employee":         "emp-1",
		"policy":           "pol-ot",
		"workDate":         "2025-06-09",
		"reported":         "10",
		"selectedCompTime": true,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var dto struct {
		Tier1 string `json:"tier1"`
		Tier2 string `json:"tier2"`
	}
	require.NoError(t, json.Unmarshal(body, &dto))
	assert.Equal(t, "2", dto.Tier1)
	assert.Equal(t, "8", dto.Tier2)
}

// =============================================================================
// WORKFLOW ENDPOINTS
// =============================================================================

func submitLeave(t *testing.T, e *env) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/leave", leaveBody(), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var dto struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &dto))
	return dto.ID
}

func TestAPI_Decide_ApproveChargesBalance(t *testing.T) {
	// GIVEN: 10 days of balance and a pending 5-day request
	// WHEN: POSTing an approval, then reading the balance
	// THEN: The balance endpoint reports 5

	e := newEnv(t)
	e.credit(t, "emp-1", "annual", "10")
	id := submitLeave(t, e)

	resp, body := e.do(t, http.MethodPost, "/api/requests/"+id+"/decisions", map[string]any{
		"seq": 1, "outcome": "approve", "approver": "manager",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = e.do(t, http.MethodGet, "/api/employees/emp-1/balance?benefit=annual&unit=DAYS", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bal struct {
		Balance string `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(body, &bal))
	assert.Equal(t, "5", bal.Balance)
}

func TestAPI_Decide_OffCursorTo409(t *testing.T) {
	e := newEnv(t)
	id := submitLeave(t, e)

	resp, body := e.do(t, http.MethodPost, "/api/requests/"+id+"/decisions", map[string]any{
		"seq": 2, "outcome": "approve", "approver": "manager",
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "CONFLICT")
}

func TestAPI_Decide_InsufficientBalanceTo422(t *testing.T) {
	e := newEnv(t)
	id := submitLeave(t, e) // zero balance, zero floor

	resp, _ := e.do(t, http.MethodPost, "/api/requests/"+id+"/decisions", map[string]any{
		"seq": 1, "outcome": "approve", "approver": "manager",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAPI_GetRequest_UnknownTo404(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/api/requests/ghost", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NOT_FOUND")
}

func TestAPI_Inbox_ListsPending(t *testing.T) {
	e := newEnv(t)
	id := submitLeave(t, e)

	resp, body := e.do(t, http.MethodGet, "/api/approvers/manager/inbox?org=org-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), id)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func TestAPI_Adjustment_RequiresNote(t *testing.T) {
	// GIVEN: An adjustment body with no note
	// WHEN: POSTing
	// THEN: 400 from the request validator

	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/api/admin/adjustments", map[string]any{
		"employee": "emp-1", "benefit": "annual", "quantity": "2", "unit": "DAYS", "actor": "admin",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Adjustment_PostsEvent(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/admin/adjustments", map[string]any{
		"employee": "emp-1", "benefit": "annual", "quantity": "2", "unit": "DAYS",
		"note": "onboarding grant", "actor": "admin",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = e.do(t, http.MethodGet, "/api/employees/emp-1/events?benefit=annual", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ADJUSTMENT")
	assert.Contains(t, string(body), "onboarding grant")
}

func TestAPI_Integrity_Clean(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "emp-1", "annual", "3")

	resp, body := e.do(t, http.MethodGet,
		"/api/admin/integrity?employee=emp-1&benefit=annual&unit=DAYS", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dto struct {
		Match bool `json:"match"`
	}
	require.NoError(t, json.Unmarshal(body, &dto))
	assert.True(t, dto.Match)
}

func TestAPI_Blackout_ThenSubmitConflicts(t *testing.T) {
	// GIVEN: A blackout over the requested week
	// WHEN: Submitting leave into it
	// THEN: 409

	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/api/admin/blackouts", map[string]any{
		"org": "org-1", "start": "2025-06-11", "end": "2025-06-11", "reason": "quarter close",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/api/leave", leaveBody(), nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
}

func TestAPI_RunAccrual_EmptyOrgReportsZero(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/admin/accrual/run", map[string]any{
		"org": "org-1", "asOf": "2025-06-01",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var dto struct {
		Processed int `json:"processed"`
		Events    int `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &dto))
	assert.Equal(t, 0, dto.Processed)
	assert.Equal(t, 0, dto.Events)
}

func TestAPI_Health(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("{%q:%q}\n", "status", "ok"), string(body))
}
