package memory

import (
	"maps"
	"slices"
	"time"

	"github.com/pesio-ai/be-erp-workflow/internal/repository"
)

// Values never leave or enter the store by reference.

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

func cloneRule(r repository.StepRule) repository.StepRule {
	r.PositionID = cloneString(r.PositionID)
	r.SpecificEmployeeID = cloneString(r.SpecificEmployeeID)
	return r
}

func cloneDelegation(d *repository.Delegation) *repository.Delegation {
	cp := *d
	cp.CancelledByID = cloneString(d.CancelledByID)
	cp.EndDate = cloneTime(d.EndDate)
	cp.RespondedAt = cloneTime(d.RespondedAt)
	cp.CancelledAt = cloneTime(d.CancelledAt)
	cp.RejectReason = cloneString(d.RejectReason)
	cp.CancelReason = cloneString(d.CancelReason)
	cp.Permissions = slices.Clone(d.Permissions)
	return &cp
}

func cloneTemplate(t *repository.FlowTemplate) *repository.FlowTemplate {
	cp := *t
	cp.Description = cloneString(t.Description)
	cp.Steps = make([]repository.FlowStep, len(t.Steps))
	for i, s := range t.Steps {
		s.StepRule = cloneRule(s.StepRule)
		cp.Steps[i] = s
	}
	return &cp
}

func cloneDefinition(d *repository.WorkflowDefinition) *repository.WorkflowDefinition {
	cp := *d
	cp.CompanyID = cloneString(d.CompanyID)
	cp.GroupID = cloneString(d.GroupID)
	cp.EmployeeID = cloneString(d.EmployeeID)
	if d.RequestType != nil {
		rt := *d.RequestType
		cp.RequestType = &rt
	}
	cp.Nodes = make([]repository.WorkflowNode, len(d.Nodes))
	for i, n := range d.Nodes {
		n.StepRule = cloneRule(n.StepRule)
		cp.Nodes[i] = n
	}
	cp.Relations = slices.Clone(d.Relations)
	return &cp
}

func cloneInstance(inst *repository.Instance) *repository.Instance {
	cp := *inst
	cp.GroupID = cloneString(inst.GroupID)
	cp.TemplateID = cloneString(inst.TemplateID)
	cp.DefinitionID = cloneString(inst.DefinitionID)
	cp.RequestData = cloneMap(inst.RequestData)
	cp.CancelledByID = cloneString(inst.CancelledByID)
	cp.CancelReason = cloneString(inst.CancelReason)
	cp.CompletedAt = cloneTime(inst.CompletedAt)
	cp.Records = make([]*repository.ApprovalRecord, len(inst.Records))
	for i, r := range inst.Records {
		rc := *r
		rc.StepRule = cloneRule(r.StepRule)
		rc.AssigneeID = cloneString(r.AssigneeID)
		rc.CandidateIDs = slices.Clone(r.CandidateIDs)
		rc.DecidedAt = cloneTime(r.DecidedAt)
		rc.Comment = cloneString(r.Comment)
		rc.ActualApproverID = cloneString(r.ActualApproverID)
		rc.AssignedAt = cloneTime(r.AssignedAt)
		cp.Records[i] = &rc
	}
	return &cp
}
