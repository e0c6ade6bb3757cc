package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/database"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
)

// ApprovalAuditRepository appends and reads immutable workflow audit entries.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// Append inserts one audit entry. The table has an update/delete-prevention
// trigger so this is the only mutation operation exposed.
func (r *ApprovalAuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	metadataJSON, err := marshalJSON(entry.Metadata)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
	}

	query := `
		INSERT INTO workflow_audit_log
		    (company_id, execution_id, record_id, delegation_id,
		     action, performed_by, performed_at,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6, COALESCE($7, NOW()),
		        $8, $9, $10)
		RETURNING id, performed_at
	`

	var performedAt any
	if !entry.PerformedAt.IsZero() {
		performedAt = entry.PerformedAt
	}

	err = r.db.QueryRow(ctx, query,
		entry.CompanyID,
		entry.InstanceID,
		entry.RecordID,
		entry.DelegationID,
		entry.Action,
		entry.PerformedBy,
		performedAt,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByInstance returns the audit trail of an execution ordered oldest-first.
func (r *ApprovalAuditRepository) ListByInstance(ctx context.Context, instanceID string) ([]*AuditEntry, error) {
	return r.listBy(ctx, "execution_id", instanceID)
}

// ListByDelegation returns the audit trail of a delegation ordered oldest-first.
func (r *ApprovalAuditRepository) ListByDelegation(ctx context.Context, delegationID string) ([]*AuditEntry, error) {
	return r.listBy(ctx, "delegation_id", delegationID)
}

func (r *ApprovalAuditRepository) listBy(ctx context.Context, column, id string) ([]*AuditEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	query := `
		SELECT id, company_id, execution_id, record_id, delegation_id,
		       action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM workflow_audit_log
		WHERE ` + column + ` = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalAuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *ApprovalAuditRepository) scanEntry(sc rowScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.CompanyID,
		&entry.InstanceID,
		&entry.RecordID,
		&entry.DelegationID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}

var _ AuditStore = (*ApprovalAuditRepository)(nil)
