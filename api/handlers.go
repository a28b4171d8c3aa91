/*
handlers.go - HTTP API handlers

PURPOSE:
  Exposes the ledger and workflow engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Requests:
    POST   /api/leave                      Submit a leave request
    POST   /api/overtime                   Submit an overtime entry
    GET    /api/requests/{id}              Get a request with its steps
    POST   /api/requests/{id}/decisions    Approve/reject the current step
    POST   /api/requests/{id}/skip         Administratively bypass a step
    POST   /api/requests/{id}/cancel       Withdraw (reverses if charged)
    GET    /api/approvers/{approver}/inbox Pending processes for an approver

  Balances:
    GET    /api/employees/{id}/balance     Current balance
    GET    /api/employees/{id}/events      Ledger history

  Admin:
    POST   /api/admin/adjustments          Manual adjustment (note required)
    POST   /api/admin/accrual/run          Run the accrual batch
    POST   /api/admin/rebuild              Rebuild a summary from events
    GET    /api/admin/integrity            Verify summary against event sums
    POST   /api/admin/blackouts            Configure a blackout window

IDEMPOTENCY:
  Mutating submit/adjust endpoints read the Idempotency-Key and X-Caller
  headers. A replayed key returns the stored response byte-for-byte.

ERROR HANDLING:
  Domain faults map to HTTP status by code:
    VALIDATION    400
    NOT_FOUND     404
    CONFLICT      409
    UNPROCESSABLE 422
    INTERNAL      500

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
	"github.com/warp/leave-ledger/idempotency"
	lv "github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/overtime"
	"github.com/warp/leave-ledger/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Leave    *lv.Service
	Overtime *overtime.Service
	Machine  *workflow.Machine
	Ledger   *ledger.Ledger
	LedgerTx ledger.TxStore
	Engine   *accrual.Engine
	Guard    *idempotency.Guard
	Requests lv.Store // blackout configuration

	validate *validator.Validate
	log      *zap.Logger
}

type HandlerConfig struct {
	Leave    *lv.Service
	Overtime *overtime.Service
	Machine  *workflow.Machine
	Ledger   *ledger.Ledger
	LedgerTx ledger.TxStore
	Engine   *accrual.Engine
	Guard    *idempotency.Guard
	Requests lv.Store
	Logger   *zap.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Leave:    cfg.Leave,
		Overtime: cfg.Overtime,
		Machine:  cfg.Machine,
		Ledger:   cfg.Ledger,
		LedgerTx: cfg.LedgerTx,
		Engine:   cfg.Engine,
		Guard:    cfg.Guard,
		Requests: cfg.Requests,
		validate: validator.New(),
		log:      log,
	}
}

// =============================================================================
// LEAVE & OVERTIME SUBMISSION
// =============================================================================

// SubmitLeave creates and submits a leave request.
// POST /api/leave
func (h *Handler) SubmitLeave(w http.ResponseWriter, r *http.Request) {
	var req SubmitLeaveRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Leave.Submit(r.Context(), lv.SubmitInput{
		Org:            core.OrgID(req.Org),
		Employee:       core.EmployeeID(req.Employee),
		Benefit:        core.BenefitID(req.Benefit),
		Policy:         core.PolicyID(req.Policy),
		Start:          req.Start,
		End:            req.End,
		Unit:           core.Unit(req.Unit),
		HalfDay:        req.HalfDay,
		Reason:         req.Reason,
		ScheduleID:     req.ScheduleID,
		Caller:         caller(r),
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	if res.Replayed {
		writeStored(w, res.Stored)
		return
	}
	writeJSON(w, http.StatusCreated, toLeaveDTO(res.Request, res.Process))
}

// SubmitOvertime creates and submits an overtime entry.
// POST /api/overtime
func (h *Handler) SubmitOvertime(w http.ResponseWriter, r *http.Request) {
	var req SubmitOvertimeRequest
	if !h.decode(w, r, &req) {
		return
	}
	workDate, err := calendar.ParseDate(req.WorkDate)
	if err != nil {
		writeFault(w, err)
		return
	}

	res, err := h.Overtime.Submit(r.Context(), overtime.SubmitInput{
		Org:                core.OrgID(req.Org),
		Employee:           core.EmployeeID(req.Employee),
		Policy:             core.PolicyID(req.Policy),
		WorkDate:           workDate,
		Reported:           req.Reported,
		SelectedCompTime:   req.SelectedCompTime,
		SelectedCashPayout: req.SelectedCashPayout,
		ScheduleID:         req.ScheduleID,
		Caller:             caller(r),
		IdempotencyKey:     idempotencyKey(r),
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	if res.Replayed {
		writeStored(w, res.Stored)
		return
	}
	writeJSON(w, http.StatusCreated, toOvertimeDTO(res.Entry, res.Process))
}

// =============================================================================
// WORKFLOW OPERATIONS
// =============================================================================

// GetRequest returns a request with its payload and approval steps.
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := core.RequestID(chi.URLParam(r, "id"))
	p, err := h.Machine.Get(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}

	switch p.Kind {
	case workflow.KindLeave:
		req, _, err := h.Leave.Get(r.Context(), id)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toLeaveDTO(req, p))
	case workflow.KindOvertime:
		e, _, err := h.Overtime.Get(r.Context(), id)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toOvertimeDTO(e, p))
	default:
		writeJSON(w, http.StatusOK, toProcessDTO(p))
	}
}

// Decide approves or rejects the current step.
// POST /api/requests/{id}/decisions
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := core.RequestID(chi.URLParam(r, "id"))
	p, err := h.Machine.Decide(r.Context(), id, req.Seq,
		workflow.Outcome(req.Outcome), req.Approver, req.Comment)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProcessDTO(p))
}

// Skip administratively bypasses the current step.
// POST /api/requests/{id}/skip
func (h *Handler) Skip(w http.ResponseWriter, r *http.Request) {
	var req SkipRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := core.RequestID(chi.URLParam(r, "id"))
	p, err := h.Machine.Skip(r.Context(), id, req.Seq, req.Actor, req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProcessDTO(p))
}

// Cancel withdraws a request, reversing the charge if already approved.
// POST /api/requests/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := core.RequestID(chi.URLParam(r, "id"))
	p, err := h.Machine.Cancel(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProcessDTO(p))
}

// Inbox lists the processes waiting on an approver.
// GET /api/approvers/{approver}/inbox?org=...
func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	approver := chi.URLParam(r, "approver")
	org := core.OrgID(r.URL.Query().Get("org"))
	procs, err := h.Machine.Inbox(r.Context(), org, approver)
	if err != nil {
		writeFault(w, err)
		return
	}
	out := make([]ProcessDTO, len(procs))
	for i, p := range procs {
		out[i] = toProcessDTO(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// BALANCES
// =============================================================================

// GetBalance returns the current balance for an employee/benefit pair.
// GET /api/employees/{id}/balance?benefit=...&unit=...
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	emp := core.EmployeeID(chi.URLParam(r, "id"))
	benefit := core.BenefitID(r.URL.Query().Get("benefit"))
	unit := core.Unit(r.URL.Query().Get("unit"))
	if benefit == "" {
		writeFault(w, core.Faultf(core.CodeValidation, "benefit query parameter is required"))
		return
	}

	balance, err := h.Ledger.ReadBalance(r.Context(), emp, benefit, unit)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		Employee: string(emp),
		Benefit:  string(benefit),
		Balance:  balance.Value.String(),
		Unit:     string(balance.Unit),
	})
}

// GetEvents returns the ledger history for an employee/benefit pair.
// GET /api/employees/{id}/events?benefit=...
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	emp := core.EmployeeID(chi.URLParam(r, "id"))
	benefit := core.BenefitID(r.URL.Query().Get("benefit"))
	if benefit == "" {
		writeFault(w, core.Faultf(core.CodeValidation, "benefit query parameter is required"))
		return
	}

	events, err := h.Ledger.Events(r.Context(), emp, benefit)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// =============================================================================
// ADMIN
// =============================================================================

// CreateAdjustment posts a manual balance adjustment. The note is mandatory
// and the adjustment is attributed to the acting admin.
// POST /api/admin/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	key := idempotencyKey(r)
	who := caller(r)
	body, _ := json.Marshal(req)
	hash := idempotency.HashBody(body)

	dec, err := h.Guard.CheckOrReserve(r.Context(), idempotency.ScopeAdjustment, who, key, hash)
	if err != nil {
		writeFault(w, err)
		return
	}
	if dec.Outcome == idempotency.Replay {
		writeStored(w, dec.Stored)
		return
	}

	var posted ledger.Event
	err = h.LedgerTx.WithTx(r.Context(), func(s ledger.Store) error {
		ev, err := h.Ledger.PostIn(r.Context(), s, ledger.PostInput{
			Employee:    core.EmployeeID(req.Employee),
			Benefit:     core.BenefitID(req.Benefit),
			Kind:        ledger.KindAdjustment,
			Quantity:    core.Quantity{Value: req.Quantity, Unit: core.Unit(req.Unit)},
			EffectiveAt: time.Now().UTC(),
			Note:        req.Note,
			CreatedBy:   req.Actor,
		})
		if err != nil {
			return err
		}
		posted = ev

		is, ok := s.(idempotency.Store)
		if !ok {
			return core.Faultf(core.CodeInternal, "store does not carry idempotency records")
		}
		resp, _ := json.Marshal(toEventDTOs([]ledger.Event{ev})[0])
		return h.Guard.SaveResponse(r.Context(), is, idempotency.ScopeAdjustment,
			who, key, hash, http.StatusCreated, resp)
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTOs([]ledger.Event{posted})[0])
}

// RunAccrual triggers the accrual batch for an organization.
// POST /api/admin/accrual/run
func (h *Handler) RunAccrual(w http.ResponseWriter, r *http.Request) {
	var req RunAccrualRequest
	if !h.decode(w, r, &req) {
		return
	}
	asOf, err := calendar.ParseDate(req.AsOf)
	if err != nil {
		writeFault(w, err)
		return
	}

	report, err := h.Engine.Run(r.Context(), core.OrgID(req.Org), asOf)
	if err != nil {
		writeFault(w, err)
		return
	}

	dto := AccrualReportDTO{
		Org:       string(report.Org),
		AsOf:      report.AsOf.String(),
		Processed: report.Processed,
		Failed:    report.Failed,
		Events:    report.Events,
	}
	for _, f := range report.Failures {
		dto.Failures = append(dto.Failures, string(f.Employee)+": "+f.Err.Error())
	}
	writeJSON(w, http.StatusOK, dto)
}

// Rebuild recomputes a balance summary from its events.
// POST /api/admin/rebuild
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	var req RebuildRequest
	if !h.decode(w, r, &req) {
		return
	}
	sum, err := h.Ledger.Rebuild(r.Context(),
		core.EmployeeID(req.Employee), core.BenefitID(req.Benefit), core.Unit(req.Unit))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		Employee: string(sum.Employee),
		Benefit:  string(sum.Benefit),
		Balance:  sum.Balance.Value.String(),
		Unit:     string(sum.Balance.Unit),
	})
}

// VerifyIntegrity checks a summary row against the event sum.
// GET /api/admin/integrity?employee=...&benefit=...&unit=...
func (h *Handler) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	emp := core.EmployeeID(r.URL.Query().Get("employee"))
	benefit := core.BenefitID(r.URL.Query().Get("benefit"))
	unit := core.Unit(r.URL.Query().Get("unit"))
	if emp == "" || benefit == "" {
		writeFault(w, core.Faultf(core.CodeValidation, "employee and benefit are required"))
		return
	}

	report, err := h.Ledger.VerifyIntegrity(r.Context(), emp, benefit, unit)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, IntegrityDTO{
		Employee: string(emp),
		Benefit:  string(benefit),
		Summary:  report.Summary.Value.String(),
		Computed: report.EventSum.Value.String(),
		Match:    report.OK,
	})
}

// CreateBlackout configures a blackout window.
// POST /api/admin/blackouts
func (h *Handler) CreateBlackout(w http.ResponseWriter, r *http.Request) {
	var req BlackoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := calendar.ParseDate(req.Start)
	if err != nil {
		writeFault(w, err)
		return
	}
	end, err := calendar.ParseDate(req.End)
	if err != nil {
		writeFault(w, err)
		return
	}
	if end.Before(start) {
		writeFault(w, core.Faultf(core.CodeValidation, "blackout end before start"))
		return
	}

	b := lv.Blackout{
		Org:     core.OrgID(req.Org),
		Benefit: core.BenefitID(req.Benefit),
		Start:   start,
		End:     end,
		Reason:  req.Reason,
	}
	if err := h.Requests.SaveBlackout(r.Context(), b); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode parses and validates a JSON request body. Writes the error response
// itself and returns false when the body is unusable.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body", Code: string(core.CodeValidation), Details: err.Error(),
		})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "request failed validation", Code: string(core.CodeValidation), Details: err.Error(),
		})
		return false
	}
	return true
}

func caller(r *http.Request) string {
	if c := r.Header.Get("X-Caller"); c != "" {
		return c
	}
	return "anonymous"
}

func idempotencyKey(r *http.Request) string {
	return r.Header.Get("Idempotency-Key")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeStored replays a previously saved response byte-for-byte.
func writeStored(w http.ResponseWriter, rec idempotency.Record) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(rec.ResponseStatus)
	w.Write(rec.ResponseBody)
}

func writeFault(w http.ResponseWriter, err error) {
	code := core.CodeOf(err)
	writeJSON(w, httpStatus(code), ErrorResponse{Error: err.Error(), Code: string(code)})
}

func httpStatus(code core.Code) int {
	switch code {
	case core.CodeValidation:
		return http.StatusBadRequest
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeConflict:
		return http.StatusConflict
	case core.CodeUnprocessable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
