package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/database"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
)

const delegationOpenIndex = "workflow_delegations_open_uniq"

// DelegationRepository is the Postgres DelegationStore.
type DelegationRepository struct {
	db     *database.DB
	outbox outbox.TxWriter
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB, ob outbox.TxWriter) *DelegationRepository {
	return &DelegationRepository{db: db, outbox: ob}
}

const delegationColumns = `
	d.id, d.company_id, d.delegator_id, d.delegate_id, d.created_by_id, d.cancelled_by_id,
	d.status, d.start_date, d.end_date, d.responded_at, d.cancelled_at,
	d.reject_reason, d.cancel_reason, d.created_at, d.updated_at,
	COALESCE(ARRAY(SELECT p.permission FROM workflow_delegation_permissions p
	               WHERE p.delegation_id = d.id ORDER BY p.permission), '{}')`

// Create inserts the delegation and its permissions in one transaction. The
// open-delegation check runs under a transaction-scoped advisory lock on the
// (delegator, delegate, company) triple; the partial unique index is the
// backstop.
func (r *DelegationRepository) Create(ctx context.Context, d *Delegation, msgs []outbox.Message) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		lockKey := d.DelegatorID + "|" + d.DelegateID + "|" + d.CompanyID
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock delegation triple")
		}

		var open int
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM workflow_delegations
			WHERE delegator_id = $1 AND delegate_id = $2 AND company_id = $3
			  AND status IN ('PENDING', 'ACCEPTED')
		`, d.DelegatorID, d.DelegateID, d.CompanyID).Scan(&open)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check existing delegations")
		}
		if open > 0 {
			return errDuplicateDelegation()
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO workflow_delegations
			    (company_id, delegator_id, delegate_id, created_by_id,
			     status, start_date, end_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at
		`,
			d.CompanyID,
			d.DelegatorID,
			d.DelegateID,
			d.CreatedByID,
			d.Status,
			d.StartDate,
			d.EndDate,
		).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			if database.IsUniqueViolation(err, delegationOpenIndex) {
				return errDuplicateDelegation()
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create delegation")
		}

		for _, p := range d.Permissions {
			if _, err := tx.Exec(ctx, `
				INSERT INTO workflow_delegation_permissions (delegation_id, permission)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, d.ID, p); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create delegation permission")
			}
		}

		return writeOutbox(ctx, r.outbox, tx, BindRefID(msgs, d.ID))
	})
	return err
}

// GetByID retrieves a delegation with its permissions.
func (r *DelegationRepository) GetByID(ctx context.Context, id string) (*Delegation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("delegation", id)
	}

	query := `SELECT ` + delegationColumns + ` FROM workflow_delegations d WHERE d.id = $1`
	d, err := scanDelegation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("delegation", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get delegation")
	}
	return d, nil
}

// Transition updates status fields, guarded on the current status.
func (r *DelegationRepository) Transition(ctx context.Context, d *Delegation, from []DelegationStatus, msgs []outbox.Message) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		fromStr := make([]string, len(from))
		for i, s := range from {
			fromStr[i] = string(s)
		}

		err := tx.QueryRow(ctx, `
			UPDATE workflow_delegations
			SET status          = $2,
			    responded_at    = $3,
			    cancelled_at    = $4,
			    cancelled_by_id = $5,
			    reject_reason   = $6,
			    cancel_reason   = $7,
			    updated_at      = NOW()
			WHERE id = $1 AND status = ANY($8)
			RETURNING updated_at
		`,
			d.ID,
			d.Status,
			d.RespondedAt,
			d.CancelledAt,
			d.CancelledByID,
			d.RejectReason,
			d.CancelReason,
			fromStr,
		).Scan(&d.UpdatedAt)
		if err == pgx.ErrNoRows {
			return errors.Newf(errors.ErrCodeBadRequest,
				"delegation %s can no longer move to %s", d.ID, d.Status)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update delegation")
		}

		return writeOutbox(ctx, r.outbox, tx, msgs)
	})
}

// ListByDelegator returns delegations granted by an employee, newest first.
func (r *DelegationRepository) ListByDelegator(ctx context.Context, delegatorID string) ([]*Delegation, error) {
	return r.list(ctx, `d.delegator_id = $1`, delegatorID)
}

// ListByDelegate returns delegations received by an employee, newest first.
func (r *DelegationRepository) ListByDelegate(ctx context.Context, delegateID string) ([]*Delegation, error) {
	return r.list(ctx, `d.delegate_id = $1`, delegateID)
}

// ListAcceptedByDelegators returns accepted delegations granted by any of the
// given employees.
func (r *DelegationRepository) ListAcceptedByDelegators(ctx context.Context, delegatorIDs []string) ([]*Delegation, error) {
	if len(delegatorIDs) == 0 {
		return nil, nil
	}
	return r.list(ctx, `d.delegator_id = ANY($1) AND d.status = 'ACCEPTED'`, delegatorIDs)
}

func (r *DelegationRepository) list(ctx context.Context, where string, arg any) ([]*Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM workflow_delegations d WHERE ` + where +
		` ORDER BY d.created_at DESC`

	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	var out []*Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func writeOutbox(ctx context.Context, ob outbox.TxWriter, tx pgx.Tx, msgs []outbox.Message) error {
	if ob == nil || len(msgs) == 0 {
		return nil
	}
	if err := ob.WriteTx(ctx, tx, msgs); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue notifications")
	}
	return nil
}

func errDuplicateDelegation() error {
	return errors.BadRequest("已存在進行中的代理設定，請勿重複建立")
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelegation(row rowScanner) (*Delegation, error) {
	d := &Delegation{}
	var perms []string
	err := row.Scan(
		&d.ID,
		&d.CompanyID,
		&d.DelegatorID,
		&d.DelegateID,
		&d.CreatedByID,
		&d.CancelledByID,
		&d.Status,
		&d.StartDate,
		&d.EndDate,
		&d.RespondedAt,
		&d.CancelledAt,
		&d.RejectReason,
		&d.CancelReason,
		&d.CreatedAt,
		&d.UpdatedAt,
		&perms,
	)
	if err != nil {
		return nil, err
	}
	for _, p := range perms {
		d.Permissions = append(d.Permissions, PermissionType(p))
	}
	return d, nil
}

var _ DelegationStore = (*DelegationRepository)(nil)
