package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/database"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
)

// FlowTemplateRepository manages flow templates and their steps.
type FlowTemplateRepository struct {
	db *database.DB
}

// NewFlowTemplateRepository creates a new FlowTemplateRepository.
func NewFlowTemplateRepository(db *database.DB) *FlowTemplateRepository {
	return &FlowTemplateRepository{db: db}
}

const templateColumns = `
	id, company_id, module_type, name, description, version, created_at, updated_at`

// Upsert creates the template for (company, module) or replaces it, bumping
// the version. Steps are always replaced as a whole.
func (r *FlowTemplateRepository) Upsert(ctx context.Context, t *FlowTemplate) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO flow_templates (company_id, module_type, name, description)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT ON CONSTRAINT flow_templates_company_module_key DO UPDATE
			SET name        = EXCLUDED.name,
			    description = EXCLUDED.description,
			    version     = flow_templates.version + 1,
			    updated_at  = NOW()
			RETURNING id, version, created_at, updated_at
		`,
			t.CompanyID,
			t.ModuleType,
			t.Name,
			t.Description,
		).Scan(&t.ID, &t.Version, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert flow template")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM flow_steps WHERE template_id = $1`, t.ID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to replace flow steps")
		}

		stepQuery := `
			INSERT INTO flow_steps
			    (template_id, step_order, name, assignee_type,
			     position_id, specific_employee_id, is_required)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`
		for i := range t.Steps {
			s := &t.Steps[i]
			err := tx.QueryRow(ctx, stepQuery,
				t.ID,
				s.StepOrder,
				s.Name,
				s.AssigneeType,
				s.PositionID,
				s.SpecificEmployeeID,
				s.IsRequired,
			).Scan(&s.ID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create flow step")
			}
		}
		return nil
	})
}

// GetByID retrieves a template with its steps.
func (r *FlowTemplateRepository) GetByID(ctx context.Context, id string) (*FlowTemplate, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("flow_template", id)
	}
	return r.getOne(ctx, id, `SELECT `+templateColumns+` FROM flow_templates WHERE id = $1`, id)
}

// GetByCompanyAndModule retrieves the template a company uses for a module.
func (r *FlowTemplateRepository) GetByCompanyAndModule(ctx context.Context, companyID string, module ModuleType) (*FlowTemplate, error) {
	return r.getOne(ctx, companyID+"/"+string(module),
		`SELECT `+templateColumns+` FROM flow_templates WHERE company_id = $1 AND module_type = $2`,
		companyID, module)
}

// ListByCompany returns a company's templates ordered by module.
func (r *FlowTemplateRepository) ListByCompany(ctx context.Context, companyID string) ([]*FlowTemplate, error) {
	var out []*FlowTemplate
	err := r.db.ReadSnapshot(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+templateColumns+`
			FROM flow_templates
			WHERE company_id = $1
			ORDER BY module_type ASC`, companyID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to list flow templates")
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTemplate(rows)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan flow template")
			}
			out = append(out, t)
		}
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to list flow templates")
		}
		rows.Close()

		for _, t := range out {
			if t.Steps, err = templateSteps(ctx, tx, t.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a template unless PENDING executions still reference it.
func (r *FlowTemplateRepository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFound("flow_template", id)
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var lockedID string
		err := tx.QueryRow(ctx, `SELECT id FROM flow_templates WHERE id = $1 FOR UPDATE`, id).Scan(&lockedID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("flow_template", id)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock flow template")
		}

		var pending int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM flow_executions
			WHERE template_id = $1 AND status = 'PENDING'
		`, id).Scan(&pending); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to count pending executions")
		}
		if pending > 0 {
			return errors.Newf(errors.ErrCodeBadRequest, "尚有 %d 筆進行中的簽核流程使用此範本，無法刪除", pending)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM flow_templates WHERE id = $1`, id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete flow template")
		}
		return nil
	})
}

// getOne reads the header and its steps from one snapshot, so Version always
// matches the returned steps.
func (r *FlowTemplateRepository) getOne(ctx context.Context, key, query string, args ...any) (*FlowTemplate, error) {
	var t *FlowTemplate
	err := r.db.ReadSnapshot(ctx, func(tx pgx.Tx) error {
		var err error
		t, err = scanTemplate(tx.QueryRow(ctx, query, args...))
		if err == pgx.ErrNoRows {
			return errors.NotFound("flow_template", key)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to get flow template")
		}
		t.Steps, err = templateSteps(ctx, tx, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func templateSteps(ctx context.Context, tx pgx.Tx, templateID string) ([]FlowStep, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, step_order, name, assignee_type, position_id, specific_employee_id, is_required
		FROM flow_steps
		WHERE template_id = $1
		ORDER BY step_order ASC
	`, templateID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get flow steps")
	}
	defer rows.Close()

	var out []FlowStep
	for rows.Next() {
		var s FlowStep
		if err := rows.Scan(
			&s.ID,
			&s.StepOrder,
			&s.Name,
			&s.AssigneeType,
			&s.PositionID,
			&s.SpecificEmployeeID,
			&s.IsRequired,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan flow step")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get flow steps")
	}
	return out, nil
}

func scanTemplate(row rowScanner) (*FlowTemplate, error) {
	t := &FlowTemplate{}
	err := row.Scan(
		&t.ID,
		&t.CompanyID,
		&t.ModuleType,
		&t.Name,
		&t.Description,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

var _ TemplateStore = (*FlowTemplateRepository)(nil)
