package repository

import (
	"context"
	"strings"
	"time"

	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/database"
)

// DelegationStore persists delegations and their permissions.
type DelegationStore interface {
	// Create inserts a PENDING delegation. It fails BAD_REQUEST when a
	// PENDING or ACCEPTED delegation already exists for the same
	// (delegator, delegate, company).
	Create(ctx context.Context, d *Delegation, msgs []outbox.Message) error
	GetByID(ctx context.Context, id string) (*Delegation, error)
	// Transition persists d's new status fields, provided the stored status is
	// still one of from.
	Transition(ctx context.Context, d *Delegation, from []DelegationStatus, msgs []outbox.Message) error
	ListByDelegator(ctx context.Context, delegatorID string) ([]*Delegation, error)
	ListByDelegate(ctx context.Context, delegateID string) ([]*Delegation, error)
	// ListAcceptedByDelegators returns ACCEPTED delegations granted by any of
	// the given employees, regardless of their date window.
	ListAcceptedByDelegators(ctx context.Context, delegatorIDs []string) ([]*Delegation, error)
}

// TemplateStore persists flow templates.
type TemplateStore interface {
	// Upsert replaces the template for (CompanyID, ModuleType) atomically,
	// bumping Version, or creates it with Version 1.
	Upsert(ctx context.Context, t *FlowTemplate) error
	GetByID(ctx context.Context, id string) (*FlowTemplate, error)
	GetByCompanyAndModule(ctx context.Context, companyID string, module ModuleType) (*FlowTemplate, error)
	ListByCompany(ctx context.Context, companyID string) ([]*FlowTemplate, error)
	// Delete fails BAD_REQUEST while PENDING executions reference the template.
	Delete(ctx context.Context, id string) error
}

// DefinitionStore persists workflow definitions.
type DefinitionStore interface {
	Create(ctx context.Context, d *WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*WorkflowDefinition, error)
	List(ctx context.Context, companyID string) ([]*WorkflowDefinition, error)
	// ListActive returns active definitions scoped to the company or its group.
	ListActive(ctx context.Context, companyID string, groupID *string) ([]*WorkflowDefinition, error)
	SetActive(ctx context.Context, id string, active bool) (*WorkflowDefinition, error)
	// Delete fails BAD_REQUEST if any instance was started from the definition.
	Delete(ctx context.Context, id string) error
}

// InstanceStore persists executions and their approval records.
type InstanceStore interface {
	// Create inserts the instance and all its records. It fails BAD_REQUEST
	// when the same business request already has a PENDING instance.
	Create(ctx context.Context, inst *Instance, msgs []outbox.Message) error
	GetByID(ctx context.Context, id string) (*Instance, error)
	GetLatestByReference(ctx context.Context, module ModuleType, referenceID string) (*Instance, error)
	ListByApplicant(ctx context.Context, applicantID string) ([]*Instance, error)
	// ListPendingForCandidates returns PENDING instances whose current record
	// lists any of the employees as a candidate approver.
	ListPendingForCandidates(ctx context.Context, employeeIDs []string) ([]*Instance, error)
	// ApplyTransition records a decision and advances or finalizes the
	// instance in one unit. It fails BAD_REQUEST when the record is already
	// decided and CONFLICT when the instance moved since it was read.
	ApplyTransition(ctx context.Context, tr *Transition, msgs []outbox.Message) error
	// Cancel moves a PENDING instance to CANCELLED.
	Cancel(ctx context.Context, id, cancelledBy string, reason *string, at time.Time, msgs []outbox.Message) error
}

// AuditStore appends and reads audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByInstance(ctx context.Context, instanceID string) ([]*AuditEntry, error)
	ListByDelegation(ctx context.Context, delegationID string) ([]*AuditEntry, error)
}

// Stores bundles every store of one backend.
type Stores struct {
	Delegations DelegationStore
	Templates   TemplateStore
	Definitions DefinitionStore
	Instances   InstanceStore
	Audit       AuditStore
}

// NewPostgresStores wires every Postgres store. Messages produced by
// delegation and execution changes are written through ob in the same
// transaction.
func NewPostgresStores(db *database.DB, ob outbox.TxWriter) Stores {
	return Stores{
		Delegations: NewDelegationRepository(db, ob),
		Templates:   NewFlowTemplateRepository(db),
		Definitions: NewWorkflowDefinitionRepository(db),
		Instances:   NewFlowExecutionRepository(db, ob),
		Audit:       NewApprovalAuditRepository(db),
	}
}

// BindRefID fills in the reference id of notifications built before the row
// id was known. A "{id}" placeholder in the link is replaced as well.
func BindRefID(msgs []outbox.Message, id string) []outbox.Message {
	for _, m := range msgs {
		if m.Notification != nil && m.Notification.RefID == "" {
			m.Notification.RefID = id
			m.Notification.Link = strings.ReplaceAll(m.Notification.Link, "{id}", id)
		}
	}
	return msgs
}
