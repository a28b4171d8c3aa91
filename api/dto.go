/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers run the shared
  validator before touching domain logic, so malformed input maps to a 400
  without entering a transaction.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/overtime"
	"github.com/warp/leave-ledger/workflow"
	lv "github.com/warp/leave-ledger/leave"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type SubmitLeaveRequest struct {
	Org        string    `json:"org" validate:"required"`
	Employee   string    `json:"employee" validate:"required"`
	Benefit    string    `json:"benefit" validate:"required"`
	Policy     string    `json:"policy" validate:"required"`
	Start      time.Time `json:"start" validate:"required"`
	End        time.Time `json:"end" validate:"required"`
	Unit       string    `json:"unit" validate:"required,oneof=DAYS HOURS"`
	HalfDay    bool      `json:"halfDay"`
	Reason     string    `json:"reason" validate:"max=500"`
	ScheduleID string    `json:"scheduleId"`
}

type SubmitOvertimeRequest struct {
	Org                string          `json:"org" validate:"required"`
	Employee           string          `json:"employee" validate:"required"`
	Policy             string          `json:"policy" validate:"required"`
	WorkDate           string          `json:"workDate" validate:"required"`
	Reported           decimal.Decimal `json:"reported" validate:"required"`
	SelectedCompTime   bool            `json:"selectedCompTime"`
	SelectedCashPayout bool            `json:"selectedCashPayout"`
	ScheduleID         string          `json:"scheduleId"`
}

type DecideRequest struct {
	Seq      int    `json:"seq" validate:"required,min=1"`
	Outcome  string `json:"outcome" validate:"required,oneof=approve reject"`
	Approver string `json:"approver" validate:"required"`
	Comment  string `json:"comment" validate:"max=500"`
}

type SkipRequest struct {
	Seq    int    `json:"seq" validate:"required,min=1"`
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason" validate:"required,max=500"`
}

type CancelRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

type AdjustmentRequest struct {
	Employee string          `json:"employee" validate:"required"`
	Benefit  string          `json:"benefit" validate:"required"`
	Quantity decimal.Decimal `json:"quantity" validate:"required"`
	Unit     string          `json:"unit" validate:"required,oneof=DAYS HOURS"`
	Note     string          `json:"note" validate:"required,max=500"`
	Actor    string          `json:"actor" validate:"required"`
}

type RunAccrualRequest struct {
	Org  string `json:"org" validate:"required"`
	AsOf string `json:"asOf" validate:"required"`
}

type RebuildRequest struct {
	Employee string `json:"employee" validate:"required"`
	Benefit  string `json:"benefit" validate:"required"`
	Unit     string `json:"unit" validate:"required,oneof=DAYS HOURS"`
}

type BlackoutRequest struct {
	Org     string `json:"org" validate:"required"`
	Benefit string `json:"benefit"`
	Start   string `json:"start" validate:"required"`
	End     string `json:"end" validate:"required"`
	Reason  string `json:"reason" validate:"max=500"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type StepDTO struct {
	Seq       int        `json:"seq"`
	Approver  string     `json:"approver"`
	Status    string     `json:"status"`
	Comment   string     `json:"comment,omitempty"`
	DecidedAt *time.Time `json:"decidedAt,omitempty"`
}

type ProcessDTO struct {
	ID        string    `json:"id"`
	Org       string    `json:"org"`
	Employee  string    `json:"employee"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Cursor    int       `json:"cursor"`
	Steps     []StepDTO `json:"steps"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type LeaveRequestDTO struct {
	ProcessDTO
	Benefit  string    `json:"benefit"`
	Policy   string    `json:"policy"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Unit     string    `json:"unit"`
	HalfDay  bool      `json:"halfDay"`
	Reason   string    `json:"reason,omitempty"`
	Quantity string    `json:"quantity"`
}

type OvertimeEntryDTO struct {
	ProcessDTO
	Policy             string `json:"policy"`
	WorkDate           string `json:"workDate"`
	Reported           string `json:"reported"`
	Tier1              string `json:"tier1"`
	Tier2              string `json:"tier2"`
	Excess             string `json:"excess"`
	SelectedCompTime   bool   `json:"selectedCompTime"`
	SelectedCashPayout bool   `json:"selectedCashPayout"`
	PayoutRequested    bool   `json:"payoutRequested"`
}

type BalanceDTO struct {
	Employee string `json:"employee"`
	Benefit  string `json:"benefit"`
	Balance  string `json:"balance"`
	Unit     string `json:"unit"`
}

type EventDTO struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Quantity     string    `json:"quantity"`
	Unit         string    `json:"unit"`
	EffectiveAt  time.Time `json:"effectiveAt"`
	Reference    string    `json:"reference,omitempty"`
	Note         string    `json:"note,omitempty"`
	BalanceAfter string    `json:"balanceAfter"`
	CreatedBy    string    `json:"createdBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type AccrualReportDTO struct {
	Org       string   `json:"org"`
	AsOf      string   `json:"asOf"`
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Events    int      `json:"events"`
	Failures  []string `json:"failures,omitempty"`
}

type IntegrityDTO struct {
	Employee string `json:"employee"`
	Benefit  string `json:"benefit"`
	Summary  string `json:"summary"`
	Computed string `json:"computed"`
	Match    bool   `json:"match"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toProcessDTO(p *workflow.Process) ProcessDTO {
	steps := make([]StepDTO, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = StepDTO{
			Seq:       s.Seq,
			Approver:  s.Approver,
			Status:    string(s.Status),
			Comment:   s.Comment,
			DecidedAt: s.DecidedAt,
		}
	}
	return ProcessDTO{
		ID:        string(p.ID),
		Org:       string(p.Org),
		Employee:  string(p.Employee),
		Kind:      string(p.Kind),
		Status:    string(p.Status),
		Cursor:    p.Cursor,
		Steps:     steps,
		CreatedBy: p.CreatedBy,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func toLeaveDTO(r *lv.Request, p *workflow.Process) LeaveRequestDTO {
	return LeaveRequestDTO{
		ProcessDTO: toProcessDTO(p),
		Benefit:    string(r.Benefit),
		Policy:     string(r.Policy),
		Start:      r.Start,
		End:        r.End,
		Unit:       string(r.Unit),
		HalfDay:    r.HalfDay,
		Reason:     r.Reason,
		Quantity:   r.Quantity.Value.String(),
	}
}

func toOvertimeDTO(e *overtime.Entry, p *workflow.Process) OvertimeEntryDTO {
	return OvertimeEntryDTO{
		ProcessDTO:         toProcessDTO(p),
		Policy:             string(e.Policy),
		WorkDate:           e.WorkDate.String(),
		Reported:           e.Reported.String(),
		Tier1:              e.Tier1.String(),
		Tier2:              e.Tier2.String(),
		Excess:             e.Excess.String(),
		SelectedCompTime:   e.SelectedCompTime,
		SelectedCashPayout: e.SelectedCashPayout,
		PayoutRequested:    e.PayoutRequested,
	}
}

func toEventDTOs(events []ledger.Event) []EventDTO {
	out := make([]EventDTO, len(events))
	for i, ev := range events {
		out[i] = EventDTO{
			ID:           string(ev.ID),
			Kind:         string(ev.Kind),
			Quantity:     ev.Quantity.Value.String(),
			Unit:         string(ev.Quantity.Unit),
			EffectiveAt:  ev.EffectiveAt,
			Reference:    string(ev.Reference),
			Note:         ev.Note,
			BalanceAfter: ev.BalanceAfter.Value.String(),
			CreatedBy:    ev.CreatedBy,
			CreatedAt:    ev.CreatedAt,
		}
	}
	return out
}
