package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/database"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
)

const executionPendingIndex = "flow_executions_pending_ref_uniq"

// FlowExecutionRepository manages executions and their approval records.
// An execution and its records are always created together in one transaction.
type FlowExecutionRepository struct {
	db     *database.DB
	outbox outbox.TxWriter
}

// NewFlowExecutionRepository creates a new FlowExecutionRepository.
func NewFlowExecutionRepository(db *database.DB, ob outbox.TxWriter) *FlowExecutionRepository {
	return &FlowExecutionRepository{db: db, outbox: ob}
}

const executionColumns = `
	e.id, e.module_type, e.reference_id, e.applicant_id, e.company_id, e.group_id,
	e.template_id, e.definition_id, e.source_version, e.current_step, e.status,
	e.request_data, e.cancelled_by_id, e.cancel_reason,
	e.created_at, e.updated_at, e.completed_at`

const recordColumns = `
	id, execution_id, step_order, step_name, assignee_type, position_id,
	specific_employee_id, is_required, assignee_id, candidate_ids,
	decision, decided_at, comment, actual_approver_id, assigned_at`

// Create inserts an execution and all of its records in one transaction.
func (r *FlowExecutionRepository) Create(ctx context.Context, inst *Instance, msgs []outbox.Message) error {
	requestJSON, err := marshalJSON(inst.RequestData)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request data")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO flow_executions
			    (module_type, reference_id, applicant_id, company_id, group_id,
			     template_id, definition_id, source_version, current_step, status,
			     request_data)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8, $9, $10,
			        $11)
			RETURNING id, created_at, updated_at
		`,
			inst.ModuleType,
			inst.ReferenceID,
			inst.ApplicantID,
			inst.CompanyID,
			inst.GroupID,
			inst.TemplateID,
			inst.DefinitionID,
			inst.SourceVersion,
			inst.CurrentStep,
			inst.Status,
			requestJSON,
		).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			if database.IsUniqueViolation(err, executionPendingIndex) {
				return errors.Newf(errors.ErrCodeBadRequest,
					"%s request %s already has a pending approval", inst.ModuleType, inst.ReferenceID)
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create flow execution")
		}

		recordQuery := `
			INSERT INTO flow_approval_records
			    (execution_id, step_order, step_name, assignee_type, position_id,
			     specific_employee_id, is_required, assignee_id, candidate_ids,
			     decision, decided_at, comment, assigned_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8, $9,
			        $10, $11, $12, $13)
			RETURNING id
		`

		for _, rec := range inst.Records {
			rec.InstanceID = inst.ID
			candidates := rec.CandidateIDs
			if candidates == nil {
				candidates = []string{}
			}

			err := tx.QueryRow(ctx, recordQuery,
				rec.InstanceID,
				rec.StepOrder,
				rec.Name,
				rec.AssigneeType,
				rec.PositionID,
				rec.SpecificEmployeeID,
				rec.IsRequired,
				rec.AssigneeID,
				candidates,
				decisionParam(rec.Decision),
				rec.DecidedAt,
				rec.Comment,
				rec.AssignedAt,
			).Scan(&rec.ID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval record")
			}
		}

		return writeOutbox(ctx, r.outbox, tx, BindRefID(msgs, inst.ID))
	})
}

// GetByID retrieves an execution with its records.
func (r *FlowExecutionRepository) GetByID(ctx context.Context, id string) (*Instance, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("flow_execution", id)
	}

	query := `SELECT ` + executionColumns + ` FROM flow_executions e WHERE e.id = $1`
	inst, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("flow_execution", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get flow execution")
	}

	if err := r.attachRecords(ctx, []*Instance{inst}); err != nil {
		return nil, err
	}
	return inst, nil
}

// GetLatestByReference returns the most recent execution of a business request.
func (r *FlowExecutionRepository) GetLatestByReference(ctx context.Context, module ModuleType, referenceID string) (*Instance, error) {
	query := `SELECT ` + executionColumns + `
		FROM flow_executions e
		WHERE e.module_type = $1 AND e.reference_id = $2
		ORDER BY e.created_at DESC
		LIMIT 1`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, module, referenceID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("flow_execution", string(module)+"/"+referenceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get flow execution")
	}

	if err := r.attachRecords(ctx, []*Instance{inst}); err != nil {
		return nil, err
	}
	return inst, nil
}

// ListByApplicant returns an applicant's executions, newest first.
func (r *FlowExecutionRepository) ListByApplicant(ctx context.Context, applicantID string) ([]*Instance, error) {
	query := `SELECT ` + executionColumns + `
		FROM flow_executions e
		WHERE e.applicant_id = $1
		ORDER BY e.created_at DESC`

	return r.list(ctx, query, applicantID)
}

// ListPendingForCandidates returns PENDING executions whose current record
// names any of the employees as a candidate, oldest first.
func (r *FlowExecutionRepository) ListPendingForCandidates(ctx context.Context, employeeIDs []string) ([]*Instance, error) {
	if len(employeeIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + executionColumns + `
		FROM flow_executions e
		JOIN flow_approval_records r
		  ON r.execution_id = e.id AND r.step_order = e.current_step
		WHERE e.status = 'PENDING'
		  AND r.decision IS NULL
		  AND r.candidate_ids && $1
		ORDER BY e.created_at ASC`

	return r.list(ctx, query, employeeIDs)
}

// ApplyTransition records a decision on the current record and moves the
// execution in one transaction. The record update only matches an undecided
// record and the execution update only matches the expected step, so two
// racing approvers cannot both succeed.
func (r *FlowExecutionRepository) ApplyTransition(ctx context.Context, tr *Transition, msgs []outbox.Message) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE flow_approval_records
			SET decision           = $3,
			    decided_at         = $4,
			    comment            = $5,
			    assignee_id        = COALESCE($6, assignee_id),
			    actual_approver_id = $7
			WHERE id = $1 AND execution_id = $2 AND decision IS NULL
		`,
			tr.RecordID,
			tr.InstanceID,
			tr.Decision,
			tr.DecidedAt,
			tr.Comment,
			tr.AssigneeID,
			tr.ActualApproverID,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to record decision")
		}
		if tag.RowsAffected() == 0 {
			return errors.BadRequest("此關卡已完成簽核")
		}

		tag, err = tx.Exec(ctx, `
			UPDATE flow_executions
			SET current_step = $3,
			    status       = $4,
			    completed_at = $5,
			    updated_at   = $6
			WHERE id = $1 AND status = 'PENDING' AND current_step = $2
		`,
			tr.InstanceID,
			tr.ExpectedStep,
			tr.NextStep,
			tr.NextStatus,
			tr.CompletedAt,
			tr.DecidedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to advance flow execution")
		}
		if tag.RowsAffected() == 0 {
			return errors.New(errors.ErrCodeConflict, "approval flow changed, please reload")
		}

		if tr.NextStatus == InstancePending {
			if _, err := tx.Exec(ctx, `
				UPDATE flow_approval_records
				SET assigned_at = $3
				WHERE execution_id = $1 AND step_order = $2 AND assigned_at IS NULL
			`, tr.InstanceID, tr.NextStep, tr.DecidedAt); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to assign next step")
			}
		}

		return writeOutbox(ctx, r.outbox, tx, msgs)
	})
}

// Cancel moves a PENDING execution to CANCELLED.
func (r *FlowExecutionRepository) Cancel(ctx context.Context, id, cancelledBy string, reason *string, at time.Time, msgs []outbox.Message) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE flow_executions
			SET status          = 'CANCELLED',
			    cancelled_by_id = $2,
			    cancel_reason   = $3,
			    completed_at    = $4,
			    updated_at      = $4
			WHERE id = $1 AND status = 'PENDING'
		`, id, cancelledBy, reason, at)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to cancel flow execution")
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM flow_executions WHERE id = $1)`, id).
				Scan(&exists); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to check flow execution")
			}
			if !exists {
				return errors.NotFound("flow_execution", id)
			}
			return errors.BadRequest("流程已結束，無法取消")
		}

		return writeOutbox(ctx, r.outbox, tx, msgs)
	})
}

func (r *FlowExecutionRepository) list(ctx context.Context, query string, args ...any) ([]*Instance, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list flow executions")
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan flow execution")
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list flow executions")
	}

	if err := r.attachRecords(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachRecords loads the records of all given executions with one query.
func (r *FlowExecutionRepository) attachRecords(ctx context.Context, insts []*Instance) error {
	if len(insts) == 0 {
		return nil
	}

	byID := make(map[string]*Instance, len(insts))
	ids := make([]string, 0, len(insts))
	for _, inst := range insts {
		byID[inst.ID] = inst
		ids = append(ids, inst.ID)
	}

	rows, err := r.db.Query(ctx, `SELECT `+recordColumns+`
		FROM flow_approval_records
		WHERE execution_id = ANY($1::uuid[])
		ORDER BY execution_id, step_order ASC`, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval records")
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval record")
		}
		if inst := byID[rec.InstanceID]; inst != nil {
			inst.Records = append(inst.Records, rec)
		}
	}
	return rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var requestJSON []byte
	err := row.Scan(
		&inst.ID,
		&inst.ModuleType,
		&inst.ReferenceID,
		&inst.ApplicantID,
		&inst.CompanyID,
		&inst.GroupID,
		&inst.TemplateID,
		&inst.DefinitionID,
		&inst.SourceVersion,
		&inst.CurrentStep,
		&inst.Status,
		&requestJSON,
		&inst.CancelledByID,
		&inst.CancelReason,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if requestJSON != nil {
		if err := json.Unmarshal(requestJSON, &inst.RequestData); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

func scanRecord(row rowScanner) (*ApprovalRecord, error) {
	rec := &ApprovalRecord{}
	var decision *string
	err := row.Scan(
		&rec.ID,
		&rec.InstanceID,
		&rec.StepOrder,
		&rec.Name,
		&rec.AssigneeType,
		&rec.PositionID,
		&rec.SpecificEmployeeID,
		&rec.IsRequired,
		&rec.AssigneeID,
		&rec.CandidateIDs,
		&decision,
		&rec.DecidedAt,
		&rec.Comment,
		&rec.ActualApproverID,
		&rec.AssignedAt,
	)
	if err != nil {
		return nil, err
	}
	if decision != nil {
		rec.Decision = Decision(*decision)
	}
	return rec, nil
}

func decisionParam(d Decision) *string {
	if d == DecisionNone {
		return nil
	}
	s := string(d)
	return &s
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

var _ InstanceStore = (*FlowExecutionRepository)(nil)
