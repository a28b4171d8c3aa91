/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

INTERFACES IMPLEMENTED:
  ledger.Store / ledger.TxStore:      Append-only event log and summaries
  workflow.Store / workflow.TxStore:  Processes and approval steps
  leave.Store:                        Leave payloads and blackout windows
  overtime.Store:                     Overtime payloads
  idempotency.Store:                  Replay records
  accrual.RunStore:                   Batch run records

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements touch ledger_events. Corrections are
  offsetting events posted through the ledger.

UNIQUENESS:
  - idempotency_records: PRIMARY KEY (scope, caller, key)
  - accrual_runs: PRIMARY KEY (employee, policy, kind, period_start)
  Both surface as CONFLICT faults so a duplicate write is an error the
  caller can classify, not a silent overwrite.

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block,
  one writer at a time, better crash recovery. A process-wide mutex
  serializes writers; with PostgreSQL the database's own row locking would
  take over.

USAGE:
  st, err := sqlite.New("./data/leave.db")
  defer st.Close()
  led := ledger.New(st.Ledger())
  machine := workflow.NewMachine(st.Workflow())

SEE ALSO:
  - store/memory: in-memory implementation for tests
  - ledger, workflow: the contracts implemented here
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
	"github.com/warp/leave-ledger/idempotency"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/overtime"
	"github.com/warp/leave-ledger/workflow"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database at the given path and migrates the
// schema. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return st, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Ledger events (append-only)
	CREATE TABLE IF NOT EXISTS ledger_events (
		id TEXT PRIMARY KEY,
		employee TEXT NOT NULL,
		benefit TEXT NOT NULL,
		kind TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		reference TEXT,
		note TEXT,
		balance_after TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_employee_benefit
		ON ledger_events(employee, benefit, effective_at);
	CREATE INDEX IF NOT EXISTS idx_events_reference
		ON ledger_events(reference) WHERE reference != '';

	-- Balance projection, one row per (employee, benefit)
	CREATE TABLE IF NOT EXISTS balance_summaries (
		employee TEXT NOT NULL,
		benefit TEXT NOT NULL,
		balance TEXT NOT NULL,
		unit TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (employee, benefit)
	);

	-- Workflow processes; steps ride along as JSON
	CREATE TABLE IF NOT EXISTS processes (
		id TEXT PRIMARY KEY,
		org TEXT NOT NULL,
		employee TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		cursor INTEGER NOT NULL,
		steps_json TEXT NOT NULL,
		idempotency_key TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		charged INTEGER NOT NULL DEFAULT 0,
		charged_benefit TEXT,
		charged_quantity TEXT,
		charged_unit TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_processes_org_status
		ON processes(org, status);

	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		org TEXT NOT NULL,
		employee TEXT NOT NULL,
		benefit TEXT NOT NULL,
		policy TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		unit TEXT NOT NULL,
		half_day INTEGER NOT NULL,
		reason TEXT,
		quantity TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_employee_range
		ON leave_requests(employee, start_at, end_at);

	CREATE TABLE IF NOT EXISTS overtime_entries (
		id TEXT PRIMARY KEY,
		org TEXT NOT NULL,
		employee TEXT NOT NULL,
		policy TEXT NOT NULL,
		work_date TEXT NOT NULL,
		iso_year INTEGER NOT NULL,
		iso_week INTEGER NOT NULL,
		reported TEXT NOT NULL,
		tier1 TEXT NOT NULL,
		tier2 TEXT NOT NULL,
		excess TEXT NOT NULL,
		sel_comp_time INTEGER NOT NULL,
		sel_cash_payout INTEGER NOT NULL,
		payout_requested INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_overtime_employee_week
		ON overtime_entries(employee, iso_year, iso_week);

	CREATE TABLE IF NOT EXISTS blackouts (
		org TEXT NOT NULL,
		benefit TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_blackouts_org ON blackouts(org);

	CREATE TABLE IF NOT EXISTS idempotency_records (
		scope TEXT NOT NULL,
		caller TEXT NOT NULL,
		key TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		response_status INTEGER NOT NULL,
		response_body BLOB,
		created_at TEXT NOT NULL,
		PRIMARY KEY (scope, caller, key)
	);

	CREATE TABLE IF NOT EXISTS accrual_runs (
		employee TEXT NOT NULL,
		policy TEXT NOT NULL,
		kind TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		posted TEXT NOT NULL,
		unit TEXT NOT NULL,
		run_at TEXT NOT NULL,
		PRIMARY KEY (employee, policy, kind, period_start)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// dbtx is the common surface of *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTION FACETS
// =============================================================================

// Ledger returns the store behind the ledger transaction contract.
func (s *Store) Ledger() ledger.TxStore { return ledgerFacet{s} }

// Workflow returns the store behind the workflow transaction contract.
func (s *Store) Workflow() workflow.TxStore { return workflowFacet{s} }

func (s *Store) withTx(ctx context.Context, fn func(*txView) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type ledgerFacet struct{ *Store }

func (f ledgerFacet) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.withTx(ctx, func(v *txView) error { return fn(v) })
}

type workflowFacet struct{ *Store }

func (f workflowFacet) WithTx(ctx context.Context, fn func(workflow.Store) error) error {
	return f.withTx(ctx, func(v *txView) error { return fn(v) })
}

// txView runs every store contract against one open transaction. It has no
// WithTx of its own; code already in a transaction composes via the *In
// variants on ledger and workflow.
type txView struct {
	tx *sql.Tx
}

// =============================================================================
// LEDGER EVENTS
// =============================================================================

const insertEvent = `INSERT INTO ledger_events
	(id, employee, benefit, kind, quantity, unit, effective_at, reference, note, balance_after, created_by, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func appendEvent(ctx context.Context, db dbtx, ev ledger.Event) error {
	_, err := db.ExecContext(ctx, insertEvent,
		string(ev.ID), string(ev.Employee), string(ev.Benefit), string(ev.Kind),
		ev.Quantity.Value.String(), string(ev.Quantity.Unit),
		fmtTime(ev.EffectiveAt), string(ev.Reference), ev.Note,
		ev.BalanceAfter.Value.String(), ev.CreatedBy, fmtTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

const selectEvents = `SELECT id, employee, benefit, kind, quantity, unit, effective_at, reference, note, balance_after, created_by, created_at
	FROM ledger_events `

func queryEvents(ctx context.Context, db dbtx, where string, args ...any) ([]ledger.Event, error) {
	rows, err := db.QueryContext(ctx, selectEvents+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		var (
			ev                      ledger.Event
			id, emp, ben, kind, ref string
			qty, unit, balAfter     string
			effectiveAt, createdAt  string
		)
		if err := rows.Scan(&id, &emp, &ben, &kind, &qty, &unit, &effectiveAt,
			&ref, &ev.Note, &balAfter, &ev.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.ID = core.EventID(id)
		ev.Employee = core.EmployeeID(emp)
		ev.Benefit = core.BenefitID(ben)
		ev.Kind = ledger.Kind(kind)
		ev.Reference = core.RequestID(ref)
		if ev.Quantity, err = parseQuantity(qty, unit); err != nil {
			return nil, err
		}
		if ev.BalanceAfter, err = parseQuantity(balAfter, unit); err != nil {
			return nil, err
		}
		if ev.EffectiveAt, err = parseTime(effectiveAt); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, ev ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEvent(ctx, s.db, ev)
}

func (v *txView) AppendEvent(ctx context.Context, ev ledger.Event) error {
	return appendEvent(ctx, v.tx, ev)
}

func (s *Store) Events(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID) ([]ledger.Event, error) {
	return queryEvents(ctx, s.db,
		`WHERE employee = ? AND benefit = ? ORDER BY effective_at, rowid`, string(emp), string(benefit))
}

func (v *txView) Events(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID) ([]ledger.Event, error) {
	return queryEvents(ctx, v.tx,
		`WHERE employee = ? AND benefit = ? ORDER BY effective_at, rowid`, string(emp), string(benefit))
}

func (s *Store) EventsInRange(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID, from, to time.Time) ([]ledger.Event, error) {
	return queryEvents(ctx, s.db,
		`WHERE employee = ? AND benefit = ? AND effective_at >= ? AND effective_at <= ? ORDER BY effective_at, rowid`,
		string(emp), string(benefit), fmtTime(from), fmtTime(to))
}

func (v *txView) EventsInRange(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID, from, to time.Time) ([]ledger.Event, error) {
	return queryEvents(ctx, v.tx,
		`WHERE employee = ? AND benefit = ? AND effective_at >= ? AND effective_at <= ? ORDER BY effective_at, rowid`,
		string(emp), string(benefit), fmtTime(from), fmtTime(to))
}

func (s *Store) EventsByReference(ctx context.Context, ref core.RequestID) ([]ledger.Event, error) {
	return queryEvents(ctx, s.db, `WHERE reference = ? ORDER BY effective_at, rowid`, string(ref))
}

func (v *txView) EventsByReference(ctx context.Context, ref core.RequestID) ([]ledger.Event, error) {
	return queryEvents(ctx, v.tx, `WHERE reference = ? ORDER BY effective_at, rowid`, string(ref))
}

// =============================================================================
// BALANCE SUMMARIES
// =============================================================================

func getSummary(ctx context.Context, db dbtx, emp core.EmployeeID, benefit core.BenefitID) (ledger.Summary, bool, error) {
	row := db.QueryRowContext(ctx,
		`SELECT balance, unit, updated_at FROM balance_summaries WHERE employee = ? AND benefit = ?`,
		string(emp), string(benefit))

	var balance, unit, updatedAt string
	err := row.Scan(&balance, &unit, &updatedAt)
	if err == sql.ErrNoRows {
		return ledger.Summary{}, false, nil
	}
	if err != nil {
		return ledger.Summary{}, false, fmt.Errorf("scan summary: %w", err)
	}

	sum := ledger.Summary{Employee: emp, Benefit: benefit}
	if sum.Balance, err = parseQuantity(balance, unit); err != nil {
		return ledger.Summary{}, false, err
	}
	if sum.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Summary{}, false, err
	}
	return sum, true, nil
}

func saveSummary(ctx context.Context, db dbtx, sum ledger.Summary) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO balance_summaries (employee, benefit, balance, unit, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (employee, benefit) DO UPDATE SET balance = excluded.balance, unit = excluded.unit, updated_at = excluded.updated_at`,
		string(sum.Employee), string(sum.Benefit),
		sum.Balance.Value.String(), string(sum.Balance.Unit), fmtTime(sum.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func (s *Store) Summary(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID) (ledger.Summary, bool, error) {
	return getSummary(ctx, s.db, emp, benefit)
}

func (v *txView) Summary(ctx context.Context, emp core.EmployeeID, benefit core.BenefitID) (ledger.Summary, bool, error) {
	return getSummary(ctx, v.tx, emp, benefit)
}

func (s *Store) SaveSummary(ctx context.Context, sum ledger.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSummary(ctx, s.db, sum)
}

func (v *txView) SaveSummary(ctx context.Context, sum ledger.Summary) error {
	return saveSummary(ctx, v.tx, sum)
}

// =============================================================================
// WORKFLOW PROCESSES
// =============================================================================

func saveProcess(ctx context.Context, db dbtx, p *workflow.Process) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO processes
		 (id, org, employee, kind, status, cursor, steps_json, idempotency_key, created_by, created_at, updated_at, charged, charged_benefit, charged_quantity, charged_unit)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			cursor = excluded.cursor,
			steps_json = excluded.steps_json,
			updated_at = excluded.updated_at,
			charged = excluded.charged,
			charged_benefit = excluded.charged_benefit,
			charged_quantity = excluded.charged_quantity,
			charged_unit = excluded.charged_unit`,
		string(p.ID), string(p.Org), string(p.Employee), string(p.Kind), string(p.Status),
		p.Cursor, string(steps), p.IdempotencyKey, p.CreatedBy,
		fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt),
		boolInt(p.Charged), string(p.ChargedBenefit),
		p.ChargedQuantity.Value.String(), string(p.ChargedQuantity.Unit))
	if err != nil {
		return fmt.Errorf("save process: %w", err)
	}
	return nil
}

const selectProcess = `SELECT id, org, employee, kind, status, cursor, steps_json, idempotency_key, created_by, created_at, updated_at, charged, charged_benefit, charged_quantity, charged_unit
	FROM processes `

func scanProcess(row interface{ Scan(...any) error }) (*workflow.Process, error) {
	var (
		p                                       workflow.Process
		id, org, emp, kind, status, stepsJSON   string
		chargedBenefit, chargedQty, chargedUnit string
		createdAt, updatedAt                    string
		charged                                 int
	)
	err := row.Scan(&id, &org, &emp, &kind, &status, &p.Cursor, &stepsJSON,
		&p.IdempotencyKey, &p.CreatedBy, &createdAt, &updatedAt,
		&charged, &chargedBenefit, &chargedQty, &chargedUnit)
	if err != nil {
		return nil, err
	}
	p.ID = core.RequestID(id)
	p.Org = core.OrgID(org)
	p.Employee = core.EmployeeID(emp)
	p.Kind = workflow.Kind(kind)
	p.Status = workflow.Status(status)
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	p.Charged = charged != 0
	p.ChargedBenefit = core.BenefitID(chargedBenefit)
	if chargedQty != "" {
		if p.ChargedQuantity, err = parseQuantity(chargedQty, chargedUnit); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func getProcess(ctx context.Context, db dbtx, id core.RequestID) (*workflow.Process, error) {
	row := db.QueryRowContext(ctx, selectProcess+`WHERE id = ?`, string(id))
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, core.Faultf(core.CodeNotFound, "process %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get process: %w", err)
	}
	return p, nil
}

func pendingForApprover(ctx context.Context, db dbtx, org core.OrgID, approver string) ([]*workflow.Process, error) {
	rows, err := db.QueryContext(ctx,
		selectProcess+`WHERE org = ? AND status = ? ORDER BY created_at`,
		string(org), string(workflow.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("query processes: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		if step, ok := p.CurrentStep(); ok && step.Approver == approver {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

func (s *Store) SaveProcess(ctx context.Context, p *workflow.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveProcess(ctx, s.db, p)
}

func (v *txView) SaveProcess(ctx context.Context, p *workflow.Process) error {
	return saveProcess(ctx, v.tx, p)
}

func (s *Store) GetProcess(ctx context.Context, id core.RequestID) (*workflow.Process, error) {
	return getProcess(ctx, s.db, id)
}

func (v *txView) GetProcess(ctx context.Context, id core.RequestID) (*workflow.Process, error) {
	return getProcess(ctx, v.tx, id)
}

func (s *Store) PendingForApprover(ctx context.Context, org core.OrgID, approver string) ([]*workflow.Process, error) {
	return pendingForApprover(ctx, s.db, org, approver)
}

func (v *txView) PendingForApprover(ctx context.Context, org core.OrgID, approver string) ([]*workflow.Process, error) {
	return pendingForApprover(ctx, v.tx, org, approver)
}

// =============================================================================
// LEAVE REQUESTS & BLACKOUTS
// =============================================================================

func saveLeaveRequest(ctx context.Context, db dbtx, r *leave.Request) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO leave_requests
		 (id, org, employee, benefit, policy, start_at, end_at, unit, half_day, reason, quantity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET reason = excluded.reason`,
		string(r.ID), string(r.Org), string(r.Employee), string(r.Benefit), string(r.Policy),
		fmtTime(r.Start), fmtTime(r.End), string(r.Unit), boolInt(r.HalfDay),
		r.Reason, r.Quantity.Value.String(), fmtTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("save leave request: %w", err)
	}
	return nil
}

const selectLeave = `SELECT id, org, employee, benefit, policy, start_at, end_at, unit, half_day, reason, quantity, created_at
	FROM leave_requests `

func scanLeave(row interface{ Scan(...any) error }) (*leave.Request, error) {
	var (
		r                              leave.Request
		id, org, emp, ben, pol, unit   string
		startAt, endAt, qty, createdAt string
		halfDay                        int
	)
	err := row.Scan(&id, &org, &emp, &ben, &pol, &startAt, &endAt, &unit,
		&halfDay, &r.Reason, &qty, &createdAt)
	if err != nil {
		return nil, err
	}
	r.ID = core.RequestID(id)
	r.Org = core.OrgID(org)
	r.Employee = core.EmployeeID(emp)
	r.Benefit = core.BenefitID(ben)
	r.Policy = core.PolicyID(pol)
	r.Unit = core.Unit(unit)
	r.HalfDay = halfDay != 0
	if r.Start, err = parseTime(startAt); err != nil {
		return nil, err
	}
	if r.End, err = parseTime(endAt); err != nil {
		return nil, err
	}
	if r.Quantity, err = parseQuantity(qty, unit); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func getLeaveRequest(ctx context.Context, db dbtx, id core.RequestID) (*leave.Request, error) {
	row := db.QueryRowContext(ctx, selectLeave+`WHERE id = ?`, string(id))
	r, err := scanLeave(row)
	if err == sql.ErrNoRows {
		return nil, core.Faultf(core.CodeNotFound, "leave request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get leave request: %w", err)
	}
	return r, nil
}

func activeOverlapping(ctx context.Context, db dbtx, emp core.EmployeeID, start, end time.Time) ([]*leave.Request, error) {
	rows, err := db.QueryContext(ctx,
		selectLeave+`WHERE employee = ? AND start_at < ? AND end_at > ?
		 AND id IN (SELECT id FROM processes WHERE status IN (?, ?))`,
		string(emp), fmtTime(end), fmtTime(start),
		string(workflow.StatusPending), string(workflow.StatusApproved))
	if err != nil {
		return nil, fmt.Errorf("query overlapping: %w", err)
	}
	defer rows.Close()

	var out []*leave.Request
	for rows.Next() {
		r, err := scanLeave(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leave request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveLeaveRequest(ctx context.Context, r *leave.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveLeaveRequest(ctx, s.db, r)
}

func (v *txView) SaveLeaveRequest(ctx context.Context, r *leave.Request) error {
	return saveLeaveRequest(ctx, v.tx, r)
}

func (s *Store) GetLeaveRequest(ctx context.Context, id core.RequestID) (*leave.Request, error) {
	return getLeaveRequest(ctx, s.db, id)
}

func (v *txView) GetLeaveRequest(ctx context.Context, id core.RequestID) (*leave.Request, error) {
	return getLeaveRequest(ctx, v.tx, id)
}

func (s *Store) ActiveOverlapping(ctx context.Context, emp core.EmployeeID, start, end time.Time) ([]*leave.Request, error) {
	return activeOverlapping(ctx, s.db, emp, start, end)
}

func (v *txView) ActiveOverlapping(ctx context.Context, emp core.EmployeeID, start, end time.Time) ([]*leave.Request, error) {
	return activeOverlapping(ctx, v.tx, emp, start, end)
}

func saveBlackout(ctx context.Context, db dbtx, b leave.Blackout) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO blackouts (org, benefit, start_date, end_date, reason) VALUES (?, ?, ?, ?, ?)`,
		string(b.Org), string(b.Benefit), b.Start.String(), b.End.String(), b.Reason)
	if err != nil {
		return fmt.Errorf("save blackout: %w", err)
	}
	return nil
}

func queryBlackouts(ctx context.Context, db dbtx, org core.OrgID) ([]leave.Blackout, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT org, benefit, start_date, end_date, reason FROM blackouts WHERE org = ?`, string(org))
	if err != nil {
		return nil, fmt.Errorf("query blackouts: %w", err)
	}
	defer rows.Close()

	var out []leave.Blackout
	for rows.Next() {
		var (
			b                          leave.Blackout
			o, ben, startDate, endDate string
		)
		if err := rows.Scan(&o, &ben, &startDate, &endDate, &b.Reason); err != nil {
			return nil, fmt.Errorf("scan blackout: %w", err)
		}
		b.Org = core.OrgID(o)
		b.Benefit = core.BenefitID(ben)
		if b.Start, err = calendar.ParseDate(startDate); err != nil {
			return nil, err
		}
		if b.End, err = calendar.ParseDate(endDate); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) SaveBlackout(ctx context.Context, b leave.Blackout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBlackout(ctx, s.db, b)
}

func (v *txView) SaveBlackout(ctx context.Context, b leave.Blackout) error {
	return saveBlackout(ctx, v.tx, b)
}

func (s *Store) Blackouts(ctx context.Context, org core.OrgID) ([]leave.Blackout, error) {
	return queryBlackouts(ctx, s.db, org)
}

func (v *txView) Blackouts(ctx context.Context, org core.OrgID) ([]leave.Blackout, error) {
	return queryBlackouts(ctx, v.tx, org)
}

// =============================================================================
// OVERTIME ENTRIES
// =============================================================================

func saveOvertimeEntry(ctx context.Context, db dbtx, e *overtime.Entry) error {
	isoYear, isoWeek := e.WorkDate.At(time.UTC).ISOWeek()
	_, err := db.ExecContext(ctx,
		`INSERT INTO overtime_entries
		 (id, org, employee, policy, work_date, iso_year, iso_week, reported, tier1, tier2, excess, sel_comp_time, sel_cash_payout, payout_requested, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET payout_requested = excluded.payout_requested`,
		string(e.ID), string(e.Org), string(e.Employee), string(e.Policy),
		e.WorkDate.String(), isoYear, isoWeek,
		e.Reported.String(), e.Tier1.String(), e.Tier2.String(), e.Excess.String(),
		boolInt(e.SelectedCompTime), boolInt(e.SelectedCashPayout),
		boolInt(e.PayoutRequested), fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("save overtime entry: %w", err)
	}
	return nil
}

func getOvertimeEntry(ctx context.Context, db dbtx, id core.RequestID) (*overtime.Entry, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, org, employee, policy, work_date, reported, tier1, tier2, excess, sel_comp_time, sel_cash_payout, payout_requested, created_at
		 FROM overtime_entries WHERE id = ?`, string(id))

	var (
		e                                 overtime.Entry
		eid, org, emp, pol, workDate      string
		reported, tier1, tier2, excess    string
		createdAt                         string
		selComp, selCash, payoutRequested int
	)
	err := row.Scan(&eid, &org, &emp, &pol, &workDate, &reported, &tier1, &tier2,
		&excess, &selComp, &selCash, &payoutRequested, &createdAt)
	if err == sql.ErrNoRows {
		return nil, core.Faultf(core.CodeNotFound, "overtime entry %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get overtime entry: %w", err)
	}

	e.ID = core.RequestID(eid)
	e.Org = core.OrgID(org)
	e.Employee = core.EmployeeID(emp)
	e.Policy = core.PolicyID(pol)
	if e.WorkDate, err = calendar.ParseDate(workDate); err != nil {
		return nil, err
	}
	if e.Reported, err = decimal.NewFromString(reported); err != nil {
		return nil, fmt.Errorf("parse reported: %w", err)
	}
	if e.Tier1, err = decimal.NewFromString(tier1); err != nil {
		return nil, fmt.Errorf("parse tier1: %w", err)
	}
	if e.Tier2, err = decimal.NewFromString(tier2); err != nil {
		return nil, fmt.Errorf("parse tier2: %w", err)
	}
	if e.Excess, err = decimal.NewFromString(excess); err != nil {
		return nil, fmt.Errorf("parse excess: %w", err)
	}
	e.SelectedCompTime = selComp != 0
	e.SelectedCashPayout = selCash != 0
	e.PayoutRequested = payoutRequested != 0
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func countableInWeek(ctx context.Context, db dbtx, emp core.EmployeeID, isoYear, isoWeek int) (decimal.Decimal, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT tier1, tier2 FROM overtime_entries
		 WHERE employee = ? AND iso_year = ? AND iso_week = ?
		 AND id IN (SELECT id FROM processes WHERE status IN (?, ?))`,
		string(emp), isoYear, isoWeek,
		string(workflow.StatusPending), string(workflow.StatusApproved))
	if err != nil {
		return decimal.Zero, fmt.Errorf("query countable hours: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var t1, t2 string
		if err := rows.Scan(&t1, &t2); err != nil {
			return decimal.Zero, fmt.Errorf("scan countable hours: %w", err)
		}
		d1, err := decimal.NewFromString(t1)
		if err != nil {
			return decimal.Zero, err
		}
		d2, err := decimal.NewFromString(t2)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d1).Add(d2)
	}
	return total, rows.Err()
}

func (s *Store) SaveOvertimeEntry(ctx context.Context, e *overtime.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveOvertimeEntry(ctx, s.db, e)
}

func (v *txView) SaveOvertimeEntry(ctx context.Context, e *overtime.Entry) error {
	return saveOvertimeEntry(ctx, v.tx, e)
}

func (s *Store) GetOvertimeEntry(ctx context.Context, id core.RequestID) (*overtime.Entry, error) {
	return getOvertimeEntry(ctx, s.db, id)
}

func (v *txView) GetOvertimeEntry(ctx context.Context, id core.RequestID) (*overtime.Entry, error) {
	return getOvertimeEntry(ctx, v.tx, id)
}

func (s *Store) CountableInWeek(ctx context.Context, emp core.EmployeeID, isoYear, isoWeek int) (decimal.Decimal, error) {
	return countableInWeek(ctx, s.db, emp, isoYear, isoWeek)
}

func (v *txView) CountableInWeek(ctx context.Context, emp core.EmployeeID, isoYear, isoWeek int) (decimal.Decimal, error) {
	return countableInWeek(ctx, v.tx, emp, isoYear, isoWeek)
}

// =============================================================================
// IDEMPOTENCY RECORDS
// =============================================================================

func getIdem(ctx context.Context, db dbtx, scope idempotency.Scope, caller, key string) (idempotency.Record, bool, error) {
	row := db.QueryRowContext(ctx,
		`SELECT request_hash, response_status, response_body, created_at
		 FROM idempotency_records WHERE scope = ? AND caller = ? AND key = ?`,
		string(scope), caller, key)

	rec := idempotency.Record{Scope: scope, Caller: caller, Key: key}
	var createdAt string
	err := row.Scan(&rec.RequestHash, &rec.ResponseStatus, &rec.ResponseBody, &createdAt)
	if err == sql.ErrNoRows {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("scan idempotency record: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return idempotency.Record{}, false, err
	}
	return rec, true, nil
}

func putIdem(ctx context.Context, db dbtx, rec idempotency.Record) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO idempotency_records (scope, caller, key, request_hash, response_status, response_body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Scope), rec.Caller, rec.Key, rec.RequestHash,
		rec.ResponseStatus, rec.ResponseBody, fmtTime(rec.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return core.Faultf(core.CodeConflict,
				"idempotency record %s/%s already exists", rec.Scope, rec.Key)
		}
		return fmt.Errorf("put idempotency record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, scope idempotency.Scope, caller, key string) (idempotency.Record, bool, error) {
	return getIdem(ctx, s.db, scope, caller, key)
}

func (v *txView) Get(ctx context.Context, scope idempotency.Scope, caller, key string) (idempotency.Record, bool, error) {
	return getIdem(ctx, v.tx, scope, caller, key)
}

func (s *Store) Put(ctx context.Context, rec idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putIdem(ctx, s.db, rec)
}

func (v *txView) Put(ctx context.Context, rec idempotency.Record) error {
	return putIdem(ctx, v.tx, rec)
}

// =============================================================================
// ACCRUAL RUNS
// =============================================================================

func recordRun(ctx context.Context, db dbtx, r accrual.Run) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO accrual_runs (employee, policy, kind, period_start, period_end, posted, unit, run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.Employee), string(r.Policy), string(r.Kind),
		r.PeriodStart.String(), r.PeriodEnd.String(),
		r.Posted.Value.String(), string(r.Posted.Unit), fmtTime(r.RunAt))
	if err != nil {
		if isUniqueViolation(err) {
			return core.Faultf(core.CodeConflict,
				"accrual run %s/%s/%s already recorded", r.Employee, r.Policy, r.PeriodStart)
		}
		return fmt.Errorf("record accrual run: %w", err)
	}
	return nil
}

func hasRun(ctx context.Context, db dbtx, emp core.EmployeeID, pol core.PolicyID, kind accrual.RunKind, periodStart calendar.Date) (bool, error) {
	row := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accrual_runs WHERE employee = ? AND policy = ? AND kind = ? AND period_start = ?`,
		string(emp), string(pol), string(kind), periodStart.String())
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("check accrual run: %w", err)
	}
	return n > 0, nil
}

func (s *Store) RecordRun(ctx context.Context, r accrual.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordRun(ctx, s.db, r)
}

func (v *txView) RecordRun(ctx context.Context, r accrual.Run) error {
	return recordRun(ctx, v.tx, r)
}

func (s *Store) HasRun(ctx context.Context, emp core.EmployeeID, pol core.PolicyID, kind accrual.RunKind, periodStart calendar.Date) (bool, error) {
	return hasRun(ctx, s.db, emp, pol, kind, periodStart)
}

func (v *txView) HasRun(ctx context.Context, emp core.EmployeeID, pol core.PolicyID, kind accrual.RunKind, periodStart calendar.Date) (bool, error) {
	return hasRun(ctx, v.tx, emp, pol, kind, periodStart)
}

// =============================================================================
// HELPERS
// =============================================================================

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseQuantity(value, unit string) (core.Quantity, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return core.Quantity{}, fmt.Errorf("parse quantity %q: %w", value, err)
	}
	return core.Quantity{Value: d, Unit: core.Unit(unit)}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation spots sqlite's unique-constraint errors without binding
// to the driver's error type.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
