package repository

import (
	"slices"
	"time"
)

// ── Request modules ───────────────────────────────────────────────────────────

// ModuleType is the business module a request originates from.
type ModuleType string

const (
	ModuleLeave        ModuleType = "LEAVE"
	ModuleExpense      ModuleType = "EXPENSE"
	ModuleSeal         ModuleType = "SEAL"
	ModuleCard         ModuleType = "CARD"
	ModuleStationery   ModuleType = "STATIONERY"
	ModuleOvertime     ModuleType = "OVERTIME"
	ModuleBusinessTrip ModuleType = "BUSINESS_TRIP"
)

// ModuleTypes lists every routable module.
var ModuleTypes = []ModuleType{
	ModuleLeave, ModuleExpense, ModuleSeal, ModuleCard,
	ModuleStationery, ModuleOvertime, ModuleBusinessTrip,
}

// Valid reports whether m is a known module.
func (m ModuleType) Valid() bool {
	return slices.Contains(ModuleTypes, m)
}

// ApprovePermission is the delegation permission that lets a delegate sign
// steps of this module.
func (m ModuleType) ApprovePermission() PermissionType {
	return PermissionType("APPROVE_" + string(m))
}

// ── Delegation ────────────────────────────────────────────────────────────────

// PermissionType names one authority a delegation can carry.
type PermissionType string

const (
	PermApproveLeave        PermissionType = "APPROVE_LEAVE"
	PermApproveExpense      PermissionType = "APPROVE_EXPENSE"
	PermApproveSeal         PermissionType = "APPROVE_SEAL"
	PermApproveCard         PermissionType = "APPROVE_CARD"
	PermApproveStationery   PermissionType = "APPROVE_STATIONERY"
	PermApproveOvertime     PermissionType = "APPROVE_OVERTIME"
	PermApproveBusinessTrip PermissionType = "APPROVE_BUSINESS_TRIP"
	PermApplyLeave          PermissionType = "APPLY_LEAVE"
	PermApplyExpense        PermissionType = "APPLY_EXPENSE"
	PermViewReports         PermissionType = "VIEW_REPORTS"
)

var permissionTypes = []PermissionType{
	PermApproveLeave, PermApproveExpense, PermApproveSeal, PermApproveCard,
	PermApproveStationery, PermApproveOvertime, PermApproveBusinessTrip,
	PermApplyLeave, PermApplyExpense, PermViewReports,
}

// Valid reports whether p is a known permission.
func (p PermissionType) Valid() bool {
	return slices.Contains(permissionTypes, p)
}

// DelegationStatus is the lifecycle state of a delegation.
type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "PENDING"
	DelegationAccepted  DelegationStatus = "ACCEPTED"
	DelegationRejected  DelegationStatus = "REJECTED"
	DelegationCancelled DelegationStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s DelegationStatus) IsTerminal() bool {
	return s == DelegationRejected || s == DelegationCancelled
}

// Delegation lets DelegateID act with DelegatorID's authority.
type Delegation struct {
	ID            string
	CompanyID     string
	DelegatorID   string
	DelegateID    string
	CreatedByID   string
	CancelledByID *string
	Status        DelegationStatus
	StartDate     time.Time
	EndDate       *time.Time // nil = open-ended
	RespondedAt   *time.Time
	CancelledAt   *time.Time
	RejectReason  *string
	CancelReason  *string
	Permissions   []PermissionType
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ActiveAt reports whether the delegation grants authority at t.
func (d *Delegation) ActiveAt(t time.Time) bool {
	if d.Status != DelegationAccepted {
		return false
	}
	if t.Before(d.StartDate) {
		return false
	}
	return d.EndDate == nil || !t.After(*d.EndDate)
}

// Covers reports whether the delegation carries permission p.
func (d *Delegation) Covers(p PermissionType) bool {
	return slices.Contains(d.Permissions, p)
}

// ── Flow templates ────────────────────────────────────────────────────────────

// AssigneeType selects how a step's approver is resolved.
type AssigneeType string

const (
	AssigneeDirectSupervisor AssigneeType = "DIRECT_SUPERVISOR"
	AssigneePosition         AssigneeType = "POSITION"
	AssigneeSpecificPerson   AssigneeType = "SPECIFIC_PERSON"
)

// StepRule is the routing part shared by template steps, definition nodes and
// the snapshot kept on each approval record.
type StepRule struct {
	Name               string
	AssigneeType       AssigneeType
	PositionID         *string
	SpecificEmployeeID *string
	IsRequired         bool
}

// FlowStep is one ordered step of a FlowTemplate.
type FlowStep struct {
	ID        string
	StepOrder int
	StepRule
}

// FlowTemplate is the per company × module approval chain.
type FlowTemplate struct {
	ID          string
	CompanyID   string
	ModuleType  ModuleType
	Name        string
	Description *string
	Version     int
	Steps       []FlowStep
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ── Workflow definitions ──────────────────────────────────────────────────────

// ScopeType is the applicability scope of a WorkflowDefinition.
type ScopeType string

const (
	ScopeEmployee    ScopeType = "EMPLOYEE"
	ScopeRequestType ScopeType = "REQUEST_TYPE"
	ScopeDefault     ScopeType = "DEFAULT"
)

// Rank orders scopes by precedence; lower wins.
func (s ScopeType) Rank() int {
	switch s {
	case ScopeEmployee:
		return 0
	case ScopeRequestType:
		return 1
	case ScopeDefault:
		return 2
	}
	return 3
}

// WorkflowNode is one approval node of a definition.
type WorkflowNode struct {
	ID        string
	NodeOrder int
	StepRule
}

// WorkflowRelation is a directed edge between two nodes.
type WorkflowRelation struct {
	FromNodeID string
	ToNodeID   string
}

// WorkflowDefinition is the scope-aware successor of FlowTemplate.
type WorkflowDefinition struct {
	ID          string
	Name        string
	ScopeType   ScopeType
	CompanyID   *string
	GroupID     *string
	RequestType *ModuleType // set when ScopeType = REQUEST_TYPE or EMPLOYEE
	EmployeeID  *string     // set when ScopeType = EMPLOYEE
	IsActive    bool
	Version     int
	Nodes       []WorkflowNode
	Relations   []WorkflowRelation
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ── Executions ────────────────────────────────────────────────────────────────

// InstanceStatus is the overall state of one execution.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "PENDING"
	InstanceApproved  InstanceStatus = "APPROVED"
	InstanceRejected  InstanceStatus = "REJECTED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

// IsTerminal reports whether the instance can no longer change.
func (s InstanceStatus) IsTerminal() bool {
	return s != InstancePending
}

// Decision is the outcome recorded on one approval record.
type Decision string

const (
	DecisionNone     Decision = ""
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
	// DecisionSkipped marks a non-required step passed over at start.
	DecisionSkipped Decision = "SKIPPED"
)

// ApprovalRecord is the per-step state of an instance.
type ApprovalRecord struct {
	ID         string
	InstanceID string
	StepOrder  int
	StepRule
	AssigneeID       *string
	CandidateIDs     []string
	Decision         Decision
	DecidedAt        *time.Time
	Comment          *string
	ActualApproverID *string
	AssignedAt       *time.Time
}

// Decided reports whether the record carries a decision (including a skip).
func (r *ApprovalRecord) Decided() bool {
	return r.Decision != DecisionNone
}

// Instance is the runtime execution of one submitted request.
type Instance struct {
	ID            string
	ModuleType    ModuleType
	ReferenceID   string
	ApplicantID   string
	CompanyID     string
	GroupID       *string
	TemplateID    *string
	DefinitionID  *string
	SourceVersion int
	CurrentStep   int
	Status        InstanceStatus
	RequestData   map[string]any
	CancelledByID *string
	CancelReason  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
	Records       []*ApprovalRecord
}

// Record returns the record for a 1-indexed step order.
func (i *Instance) Record(stepOrder int) *ApprovalRecord {
	for _, r := range i.Records {
		if r.StepOrder == stepOrder {
			return r
		}
	}
	return nil
}

// RecordByID returns the record with the given id.
func (i *Instance) RecordByID(id string) *ApprovalRecord {
	for _, r := range i.Records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// CurrentRecord returns the record awaiting a decision, if any.
func (i *Instance) CurrentRecord() *ApprovalRecord {
	if i.Status != InstancePending {
		return nil
	}
	return i.Record(i.CurrentStep)
}

// Transition is one atomic decision-and-advance applied to an instance.
type Transition struct {
	InstanceID       string
	RecordID         string
	ExpectedStep     int
	Decision         Decision
	DecidedAt        time.Time
	Comment          *string
	AssigneeID       *string
	ActualApproverID *string
	NextStep         int
	NextStatus       InstanceStatus
	CompletedAt      *time.Time
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID           string
	CompanyID    string
	InstanceID   *string
	RecordID     *string
	DelegationID *string
	Action       string // submitted | approved | rejected | skipped | cancelled | delegation_*
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore *string
	StatusAfter  *string
	Metadata     map[string]any
}
