package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
)

// ResolveContext carries what an assignee strategy needs about the request.
type ResolveContext struct {
	ApplicantID string
	CompanyID   string
	ModuleType  repository.ModuleType
}

// Assignee is one approver resolution strategy.
type Assignee interface {
	// Resolve returns the employees entitled to sign, sorted. An empty result
	// means the step cannot be routed.
	Resolve(ctx context.Context, dir OrgDirectory, rc ResolveContext) ([]string, error)
	Type() repository.AssigneeType
}

// DirectSupervisor resolves to the applicant's supervisor at the company.
type DirectSupervisor struct{}

// Position resolves to every active holder of a position at the company.
type Position struct{ PositionID string }

// SpecificPerson resolves to a fixed employee.
type SpecificPerson struct{ EmployeeID string }

func (DirectSupervisor) Type() repository.AssigneeType { return repository.AssigneeDirectSupervisor }
func (Position) Type() repository.AssigneeType         { return repository.AssigneePosition }
func (SpecificPerson) Type() repository.AssigneeType   { return repository.AssigneeSpecificPerson }

func (DirectSupervisor) Resolve(ctx context.Context, dir OrgDirectory, rc ResolveContext) ([]string, error) {
	sup, ok, err := dir.SupervisorOf(ctx, rc.ApplicantID, rc.CompanyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []string{sup}, nil
}

func (a Position) Resolve(ctx context.Context, dir OrgDirectory, rc ResolveContext) ([]string, error) {
	holders, err := dir.PositionHolders(ctx, rc.CompanyID, a.PositionID)
	if err != nil {
		return nil, err
	}
	out := uniq(holders)
	sort.Strings(out)
	return out, nil
}

func (a SpecificPerson) Resolve(context.Context, OrgDirectory, ResolveContext) ([]string, error) {
	return []string{a.EmployeeID}, nil
}

// AssigneeFor maps a stored step rule onto its strategy.
func AssigneeFor(rule repository.StepRule) (Assignee, error) {
	switch rule.AssigneeType {
	case repository.AssigneeDirectSupervisor:
		return DirectSupervisor{}, nil
	case repository.AssigneePosition:
		if rule.PositionID == nil {
			return nil, errors.Newf(errors.ErrCodeBadRequest, "關卡「%s」未設定職位", rule.Name)
		}
		return Position{PositionID: *rule.PositionID}, nil
	case repository.AssigneeSpecificPerson:
		if rule.SpecificEmployeeID == nil {
			return nil, errors.Newf(errors.ErrCodeBadRequest, "關卡「%s」未設定簽核人員", rule.Name)
		}
		return SpecificPerson{EmployeeID: *rule.SpecificEmployeeID}, nil
	}
	return nil, errors.Newf(errors.ErrCodeBadRequest, "unknown assignee type %q", rule.AssigneeType)
}

// Signer is an employee allowed to act on a record right now. OnBehalfOf is
// set when the authority comes from a delegation.
type Signer struct {
	EmployeeID string
	OnBehalfOf *string
}

// Resolver turns step rules into candidate approvers and decides, at action
// time, who may sign a record.
type Resolver struct {
	directory   OrgDirectory
	delegations repository.DelegationStore
	now         func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(directory OrgDirectory, delegations repository.DelegationStore, opts Options) *Resolver {
	return &Resolver{directory: directory, delegations: delegations, now: opts.withDefaults().Now}
}

// Candidates resolves a step's candidate approvers. The applicant is never a
// candidate; a step left with nobody fails UNROUTABLE.
func (r *Resolver) Candidates(ctx context.Context, stepOrder int, rule repository.StepRule, rc ResolveContext) ([]string, error) {
	assignee, err := AssigneeFor(rule)
	if err != nil {
		return nil, err
	}

	ids, err := assignee.Resolve(ctx, r.directory, rc)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve approver")
	}
	ids = slices.DeleteFunc(ids, func(id string) bool { return id == rc.ApplicantID })

	if len(ids) == 0 {
		return nil, errors.Unroutable(unroutableMessage(stepOrder, rule))
	}
	return ids, nil
}

func unroutableMessage(stepOrder int, rule repository.StepRule) string {
	switch rule.AssigneeType {
	case repository.AssigneeDirectSupervisor:
		return fmt.Sprintf("第 %d 關「%s」：申請人在此公司沒有直屬主管，無法送簽", stepOrder, rule.Name)
	case repository.AssigneePosition:
		return fmt.Sprintf("第 %d 關「%s」：找不到擔任此職位的簽核人", stepOrder, rule.Name)
	}
	return fmt.Sprintf("第 %d 關「%s」：找不到可簽核的人員", stepOrder, rule.Name)
}

// Signers lists who may act on the record now: every candidate, plus the
// delegates of candidates holding an active delegation for the module at the
// instance's company. The applicant is never a signer.
func (r *Resolver) Signers(ctx context.Context, inst *repository.Instance, rec *repository.ApprovalRecord) ([]Signer, error) {
	var out []Signer
	for _, id := range rec.CandidateIDs {
		if id != inst.ApplicantID {
			out = append(out, Signer{EmployeeID: id})
		}
	}

	delegations, err := r.activeDelegations(ctx, inst, rec.CandidateIDs)
	if err != nil {
		return nil, err
	}
	for _, d := range delegations {
		if d.DelegateID == inst.ApplicantID {
			continue
		}
		out = append(out, Signer{EmployeeID: d.DelegateID, OnBehalfOf: ptr(d.DelegatorID)})
	}
	return out, nil
}

// Authorize checks that signerID may decide the record and returns the
// assignee the decision is booked for plus the actual approver when acting
// through a delegation.
func (r *Resolver) Authorize(
	ctx context.Context,
	inst *repository.Instance,
	rec *repository.ApprovalRecord,
	signerID string,
) (assigneeID string, actualApproverID *string, err error) {
	if signerID == inst.ApplicantID {
		return "", nil, errors.Forbidden("申請人不可簽核自己的申請")
	}
	if slices.Contains(rec.CandidateIDs, signerID) {
		return signerID, nil, nil
	}

	signers, err := r.Signers(ctx, inst, rec)
	if err != nil {
		return "", nil, err
	}
	for _, s := range signers {
		if s.EmployeeID == signerID && s.OnBehalfOf != nil {
			return *s.OnBehalfOf, ptr(signerID), nil
		}
	}
	return "", nil, errors.Forbidden("您不是此關卡的簽核人，或代理授權已失效")
}

// DelegationsFor returns the delegations delegateID currently acts under.
// Module and company coverage are checked per instance by Signers.
func (r *Resolver) DelegationsFor(ctx context.Context, delegateID string) ([]*repository.Delegation, error) {
	received, err := r.delegations.ListByDelegate(ctx, delegateID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	return slices.DeleteFunc(received, func(d *repository.Delegation) bool { return !d.ActiveAt(now) }), nil
}

func (r *Resolver) activeDelegations(ctx context.Context, inst *repository.Instance, delegatorIDs []string) ([]*repository.Delegation, error) {
	if len(delegatorIDs) == 0 {
		return nil, nil
	}
	accepted, err := r.delegations.ListAcceptedByDelegators(ctx, delegatorIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load delegations")
	}

	now := r.now()
	perm := inst.ModuleType.ApprovePermission()
	var out []*repository.Delegation
	for _, d := range accepted {
		if d.CompanyID == inst.CompanyID && d.ActiveAt(now) && d.Covers(perm) {
			out = append(out, d)
		}
	}
	return out, nil
}
