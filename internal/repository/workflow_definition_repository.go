package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/database"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
)

// WorkflowDefinitionRepository manages scope-aware workflow definitions with
// their nodes and relations.
type WorkflowDefinitionRepository struct {
	db *database.DB
}

// NewWorkflowDefinitionRepository creates a new WorkflowDefinitionRepository.
func NewWorkflowDefinitionRepository(db *database.DB) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db}
}

const definitionColumns = `
	id, name, scope_type, company_id, group_id, request_type, employee_id,
	is_active, version, created_at, updated_at`

// Create inserts a definition, its nodes and its relations. Node ids are
// assigned by the caller so relations can reference them.
func (r *WorkflowDefinitionRepository) Create(ctx context.Context, d *WorkflowDefinition) error {
	if d.Version == 0 {
		d.Version = 1
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO workflow_definitions
			    (name, scope_type, company_id, group_id, request_type,
			     employee_id, is_active, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at
		`,
			d.Name,
			d.ScopeType,
			d.CompanyID,
			d.GroupID,
			d.RequestType,
			d.EmployeeID,
			d.IsActive,
			d.Version,
		).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow definition")
		}

		nodeQuery := `
			INSERT INTO workflow_nodes
			    (id, definition_id, node_order, name, assignee_type,
			     position_id, specific_employee_id, is_required)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		for i := range d.Nodes {
			n := &d.Nodes[i]
			if n.ID == "" {
				n.ID = uuid.NewString()
			}
			if _, err := tx.Exec(ctx, nodeQuery,
				n.ID,
				d.ID,
				n.NodeOrder,
				n.Name,
				n.AssigneeType,
				n.PositionID,
				n.SpecificEmployeeID,
				n.IsRequired,
			); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow node")
			}
		}

		for _, rel := range d.Relations {
			if _, err := tx.Exec(ctx, `
				INSERT INTO workflow_relations (definition_id, from_node_id, to_node_id)
				VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING
			`, d.ID, rel.FromNodeID, rel.ToNodeID); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow relation")
			}
		}
		return nil
	})
}

// GetByID retrieves a definition with its nodes and relations.
func (r *WorkflowDefinitionRepository) GetByID(ctx context.Context, id string) (*WorkflowDefinition, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("workflow_definition", id)
	}

	d, err := scanDefinition(r.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_definition", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow definition")
	}

	if err := r.loadGraph(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// List returns every definition owned by a company, newest first.
func (r *WorkflowDefinitionRepository) List(ctx context.Context, companyID string) ([]*WorkflowDefinition, error) {
	return r.list(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE company_id = $1
		ORDER BY created_at DESC
	`, companyID)
}

// ListActive returns active definitions scoped to the company or its group.
func (r *WorkflowDefinitionRepository) ListActive(ctx context.Context, companyID string, groupID *string) ([]*WorkflowDefinition, error) {
	return r.list(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE is_active
		  AND (company_id = $1 OR ($2::text IS NOT NULL AND company_id IS NULL AND group_id = $2))
		ORDER BY created_at DESC
	`, companyID, groupID)
}

// SetActive toggles a definition on or off.
func (r *WorkflowDefinitionRepository) SetActive(ctx context.Context, id string, active bool) (*WorkflowDefinition, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("workflow_definition", id)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE workflow_definitions
		SET is_active  = $2,
		    updated_at = NOW()
		WHERE id = $1
	`, id, active)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow definition")
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.NotFound("workflow_definition", id)
	}
	return r.GetByID(ctx, id)
}

// Delete removes a definition that no execution was ever started from.
func (r *WorkflowDefinitionRepository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFound("workflow_definition", id)
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var lockedID string
		err := tx.QueryRow(ctx, `SELECT id FROM workflow_definitions WHERE id = $1 FOR UPDATE`, id).Scan(&lockedID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("workflow_definition", id)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock workflow definition")
		}

		var used int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM flow_executions WHERE definition_id = $1`, id).
			Scan(&used); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to count executions")
		}
		if used > 0 {
			return errors.Newf(errors.ErrCodeBadRequest, "已有 %d 筆簽核流程使用此定義，無法刪除，請改為停用", used)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM workflow_definitions WHERE id = $1`, id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete workflow definition")
		}
		return nil
	})
}

func (r *WorkflowDefinitionRepository) list(ctx context.Context, query string, args ...any) ([]*WorkflowDefinition, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow definitions")
	}
	defer rows.Close()

	var out []*WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow definition")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow definitions")
	}

	for _, d := range out {
		if err := r.loadGraph(ctx, d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *WorkflowDefinitionRepository) loadGraph(ctx context.Context, d *WorkflowDefinition) error {
	rows, err := r.db.Query(ctx, `
		SELECT id, node_order, name, assignee_type, position_id, specific_employee_id, is_required
		FROM workflow_nodes
		WHERE definition_id = $1
		ORDER BY node_order ASC
	`, d.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow nodes")
	}
	defer rows.Close()

	for rows.Next() {
		var n WorkflowNode
		if err := rows.Scan(
			&n.ID,
			&n.NodeOrder,
			&n.Name,
			&n.AssigneeType,
			&n.PositionID,
			&n.SpecificEmployeeID,
			&n.IsRequired,
		); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow node")
		}
		d.Nodes = append(d.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow nodes")
	}

	relRows, err := r.db.Query(ctx, `
		SELECT from_node_id, to_node_id
		FROM workflow_relations
		WHERE definition_id = $1
	`, d.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow relations")
	}
	defer relRows.Close()

	for relRows.Next() {
		var rel WorkflowRelation
		if err := relRows.Scan(&rel.FromNodeID, &rel.ToNodeID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow relation")
		}
		d.Relations = append(d.Relations, rel)
	}
	return relRows.Err()
}

func scanDefinition(row rowScanner) (*WorkflowDefinition, error) {
	d := &WorkflowDefinition{}
	var requestType *string
	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.ScopeType,
		&d.CompanyID,
		&d.GroupID,
		&requestType,
		&d.EmployeeID,
		&d.IsActive,
		&d.Version,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if requestType != nil {
		m := ModuleType(*requestType)
		d.RequestType = &m
	}
	return d, nil
}

var _ DefinitionStore = (*WorkflowDefinitionRepository)(nil)
