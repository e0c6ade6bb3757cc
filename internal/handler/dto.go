package handler

import (
	"time"

	"github.com/pesio-ai/be-erp-workflow/internal/repository"
	"github.com/pesio-ai/be-erp-workflow/internal/service"
)

// ── Requests ──────────────────────────────────────────────────────────────────

type createDelegationBody struct {
	CompanyID   string   `json:"company_id"`
	DelegatorID string   `json:"delegator_id"`
	DelegateID  string   `json:"delegate_id"`
	Permissions []string `json:"permissions"`
	StartDate   string   `json:"start_date"`
	EndDate     *string  `json:"end_date"`
}

type reasonBody struct {
	Reason *string `json:"reason"`
}

type commentBody struct {
	Comment *string `json:"comment"`
}

type stepRuleDTO struct {
	Name               string  `json:"name"`
	AssigneeType       string  `json:"assignee_type"`
	PositionID         *string `json:"position_id,omitempty"`
	SpecificEmployeeID *string `json:"specific_employee_id,omitempty"`
	IsRequired         bool    `json:"is_required"`
}

func (s stepRuleDTO) rule() repository.StepRule {
	return repository.StepRule{
		Name:               s.Name,
		AssigneeType:       repository.AssigneeType(s.AssigneeType),
		PositionID:         s.PositionID,
		SpecificEmployeeID: s.SpecificEmployeeID,
		IsRequired:         s.IsRequired,
	}
}

// templateStepBody accepts the step shape returned by the template
// endpoints. The id is ignored since steps are always replaced.
type templateStepBody struct {
	ID        string `json:"id,omitempty"`
	StepOrder int    `json:"step_order"`
	stepRuleDTO
}

type upsertTemplateBody struct {
	CompanyID   string             `json:"company_id"`
	ModuleType  string             `json:"module_type"`
	Name        string             `json:"name"`
	Description *string            `json:"description"`
	Steps       []templateStepBody `json:"steps"`
}

type nodeBody struct {
	ID        string `json:"id"`
	NodeOrder int    `json:"node_order"`
	stepRuleDTO
}

type createDefinitionBody struct {
	Name        string        `json:"name"`
	ScopeType   string        `json:"scope_type"`
	CompanyID   *string       `json:"company_id"`
	GroupID     *string       `json:"group_id"`
	RequestType *string       `json:"request_type"`
	EmployeeID  *string       `json:"employee_id"`
	IsActive    bool          `json:"is_active"`
	Nodes       []nodeBody    `json:"nodes"`
	Relations   []relationDTO `json:"relations"`
}

type duplicateBody struct {
	Name string `json:"name"`
}

type submitBody struct {
	ModuleType  string         `json:"module_type"`
	ReferenceID string         `json:"reference_id"`
	ApplicantID string         `json:"applicant_id"`
	CompanyID   string         `json:"company_id"`
	GroupID     *string        `json:"group_id"`
	RequestData map[string]any `json:"request_data"`
}

// ── Responses ─────────────────────────────────────────────────────────────────

type delegationDTO struct {
	ID            string     `json:"id"`
	CompanyID     string     `json:"company_id"`
	DelegatorID   string     `json:"delegator_id"`
	DelegateID    string     `json:"delegate_id"`
	CreatedByID   string     `json:"created_by_id"`
	CancelledByID *string    `json:"cancelled_by_id,omitempty"`
	Status        string     `json:"status"`
	StartDate     time.Time  `json:"start_date"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	RespondedAt   *time.Time `json:"responded_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	RejectReason  *string    `json:"reject_reason,omitempty"`
	CancelReason  *string    `json:"cancel_reason,omitempty"`
	Permissions   []string   `json:"permissions"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toDelegation(d *repository.Delegation) delegationDTO {
	perms := make([]string, len(d.Permissions))
	for i, p := range d.Permissions {
		perms[i] = string(p)
	}
	return delegationDTO{
		ID:            d.ID,
		CompanyID:     d.CompanyID,
		DelegatorID:   d.DelegatorID,
		DelegateID:    d.DelegateID,
		CreatedByID:   d.CreatedByID,
		CancelledByID: d.CancelledByID,
		Status:        string(d.Status),
		StartDate:     d.StartDate,
		EndDate:       d.EndDate,
		RespondedAt:   d.RespondedAt,
		CancelledAt:   d.CancelledAt,
		RejectReason:  d.RejectReason,
		CancelReason:  d.CancelReason,
		Permissions:   perms,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func toDelegations(in []*repository.Delegation) []delegationDTO {
	out := make([]delegationDTO, len(in))
	for i, d := range in {
		out[i] = toDelegation(d)
	}
	return out
}

func toStepRule(r repository.StepRule) stepRuleDTO {
	return stepRuleDTO{
		Name:               r.Name,
		AssigneeType:       string(r.AssigneeType),
		PositionID:         r.PositionID,
		SpecificEmployeeID: r.SpecificEmployeeID,
		IsRequired:         r.IsRequired,
	}
}

type flowStepDTO struct {
	ID        string `json:"id"`
	StepOrder int    `json:"step_order"`
	stepRuleDTO
}

type templateDTO struct {
	ID          string        `json:"id"`
	CompanyID   string        `json:"company_id"`
	ModuleType  string        `json:"module_type"`
	Name        string        `json:"name"`
	Description *string       `json:"description,omitempty"`
	Version     int           `json:"version"`
	Steps       []flowStepDTO `json:"steps"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func toTemplate(t *repository.FlowTemplate) templateDTO {
	steps := make([]flowStepDTO, len(t.Steps))
	for i, s := range t.Steps {
		steps[i] = flowStepDTO{ID: s.ID, StepOrder: s.StepOrder, stepRuleDTO: toStepRule(s.StepRule)}
	}
	return templateDTO{
		ID:          t.ID,
		CompanyID:   t.CompanyID,
		ModuleType:  string(t.ModuleType),
		Name:        t.Name,
		Description: t.Description,
		Version:     t.Version,
		Steps:       steps,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

type relationDTO struct {
	FromNodeID string `json:"from_node_id"`
	ToNodeID   string `json:"to_node_id"`
}

type definitionDTO struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	ScopeType   string        `json:"scope_type"`
	CompanyID   *string       `json:"company_id,omitempty"`
	GroupID     *string       `json:"group_id,omitempty"`
	RequestType *string       `json:"request_type,omitempty"`
	EmployeeID  *string       `json:"employee_id,omitempty"`
	IsActive    bool          `json:"is_active"`
	Version     int           `json:"version"`
	Nodes       []nodeBody    `json:"nodes"`
	Relations   []relationDTO `json:"relations"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func toDefinition(d *repository.WorkflowDefinition) definitionDTO {
	out := definitionDTO{
		ID:         d.ID,
		Name:       d.Name,
		ScopeType:  string(d.ScopeType),
		CompanyID:  d.CompanyID,
		GroupID:    d.GroupID,
		EmployeeID: d.EmployeeID,
		IsActive:   d.IsActive,
		Version:    d.Version,
		Nodes:      make([]nodeBody, len(d.Nodes)),
		Relations:  make([]relationDTO, len(d.Relations)),
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	if d.RequestType != nil {
		rt := string(*d.RequestType)
		out.RequestType = &rt
	}
	for i, n := range d.Nodes {
		out.Nodes[i] = nodeBody{ID: n.ID, NodeOrder: n.NodeOrder, stepRuleDTO: toStepRule(n.StepRule)}
	}
	for i, rel := range d.Relations {
		out.Relations[i] = relationDTO{FromNodeID: rel.FromNodeID, ToNodeID: rel.ToNodeID}
	}
	return out
}

type recordDTO struct {
	ID        string `json:"id"`
	StepOrder int    `json:"step_order"`
	stepRuleDTO
	AssigneeID       *string    `json:"assignee_id,omitempty"`
	CandidateIDs     []string   `json:"candidate_ids"`
	Decision         string     `json:"decision,omitempty"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
	Comment          *string    `json:"comment,omitempty"`
	ActualApproverID *string    `json:"actual_approver_id,omitempty"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
}

func toRecord(r *repository.ApprovalRecord) recordDTO {
	candidates := r.CandidateIDs
	if candidates == nil {
		candidates = []string{}
	}
	return recordDTO{
		ID:               r.ID,
		StepOrder:        r.StepOrder,
		stepRuleDTO:      toStepRule(r.StepRule),
		AssigneeID:       r.AssigneeID,
		CandidateIDs:     candidates,
		Decision:         string(r.Decision),
		DecidedAt:        r.DecidedAt,
		Comment:          r.Comment,
		ActualApproverID: r.ActualApproverID,
		AssignedAt:       r.AssignedAt,
	}
}

type instanceDTO struct {
	ID            string         `json:"id"`
	ModuleType    string         `json:"module_type"`
	ReferenceID   string         `json:"reference_id"`
	ApplicantID   string         `json:"applicant_id"`
	CompanyID     string         `json:"company_id"`
	GroupID       *string        `json:"group_id,omitempty"`
	TemplateID    *string        `json:"template_id,omitempty"`
	DefinitionID  *string        `json:"definition_id,omitempty"`
	SourceVersion int            `json:"source_version"`
	CurrentStep   int            `json:"current_step"`
	Status        string         `json:"status"`
	RequestData   map[string]any `json:"request_data,omitempty"`
	CancelledByID *string        `json:"cancelled_by_id,omitempty"`
	CancelReason  *string        `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Records       []recordDTO    `json:"records"`
}

func toInstance(inst *repository.Instance) instanceDTO {
	records := make([]recordDTO, len(inst.Records))
	for i, r := range inst.Records {
		records[i] = toRecord(r)
	}
	return instanceDTO{
		ID:            inst.ID,
		ModuleType:    string(inst.ModuleType),
		ReferenceID:   inst.ReferenceID,
		ApplicantID:   inst.ApplicantID,
		CompanyID:     inst.CompanyID,
		GroupID:       inst.GroupID,
		TemplateID:    inst.TemplateID,
		DefinitionID:  inst.DefinitionID,
		SourceVersion: inst.SourceVersion,
		CurrentStep:   inst.CurrentStep,
		Status:        string(inst.Status),
		RequestData:   inst.RequestData,
		CancelledByID: inst.CancelledByID,
		CancelReason:  inst.CancelReason,
		CreatedAt:     inst.CreatedAt,
		UpdatedAt:     inst.UpdatedAt,
		CompletedAt:   inst.CompletedAt,
		Records:       records,
	}
}

type startResultDTO struct {
	Outcome  string       `json:"outcome"`
	Instance *instanceDTO `json:"instance,omitempty"`
}

type signerDTO struct {
	EmployeeID string  `json:"employee_id"`
	OnBehalfOf *string `json:"on_behalf_of,omitempty"`
}

type stepProgressDTO struct {
	Record  recordDTO   `json:"record"`
	State   string      `json:"state"`
	Signers []signerDTO `json:"signers,omitempty"`
}

type progressDTO struct {
	Instance instanceDTO       `json:"instance"`
	Steps    []stepProgressDTO `json:"steps"`
}

func toProgress(p *service.Progress) progressDTO {
	out := progressDTO{Instance: toInstance(p.Instance), Steps: make([]stepProgressDTO, len(p.Steps))}
	for i, s := range p.Steps {
		sp := stepProgressDTO{Record: toRecord(s.Record), State: string(s.State)}
		for _, signer := range s.Signers {
			sp.Signers = append(sp.Signers, signerDTO{EmployeeID: signer.EmployeeID, OnBehalfOf: signer.OnBehalfOf})
		}
		out.Steps[i] = sp
	}
	return out
}

type pendingItemDTO struct {
	Instance   instanceDTO `json:"instance"`
	Record     recordDTO   `json:"record"`
	OnBehalfOf *string     `json:"on_behalf_of,omitempty"`
}

type auditDTO struct {
	ID           string         `json:"id"`
	CompanyID    string         `json:"company_id"`
	InstanceID   *string        `json:"instance_id,omitempty"`
	RecordID     *string        `json:"record_id,omitempty"`
	DelegationID *string        `json:"delegation_id,omitempty"`
	Action       string         `json:"action"`
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func toAudit(in []*repository.AuditEntry) []auditDTO {
	out := make([]auditDTO, len(in))
	for i, e := range in {
		out[i] = auditDTO{
			ID:           e.ID,
			CompanyID:    e.CompanyID,
			InstanceID:   e.InstanceID,
			RecordID:     e.RecordID,
			DelegationID: e.DelegationID,
			Action:       e.Action,
			PerformedBy:  e.PerformedBy,
			PerformedAt:  e.PerformedAt,
			StatusBefore: e.StatusBefore,
			StatusAfter:  e.StatusAfter,
			Metadata:     e.Metadata,
		}
	}
	return out
}
