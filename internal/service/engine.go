package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
)

// StartOutcome tells the business module whether the engine took the request.
type StartOutcome string

const (
	// Started means an instance now tracks the request.
	Started StartOutcome = "STARTED"
	// NoDefinitionFound means no definition or template applies; the business
	// module runs its own approval instead.
	NoDefinitionFound StartOutcome = "NO_DEFINITION_FOUND"
)

// StartResult is the outcome of StartInstance. Instance is set only when
// Outcome is Started.
type StartResult struct {
	Outcome  StartOutcome
	Instance *repository.Instance
}

// StartInstanceRequest represents a start instance request
type StartInstanceRequest struct {
	ModuleType  repository.ModuleType
	ReferenceID string
	ApplicantID string
	CompanyID   string
	GroupID     *string
	RequestData map[string]any
}

// Action is a signer's decision on a step.
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionReject  Action = "REJECT"
)

// ProcessApprovalRequest represents a process approval request
type ProcessApprovalRequest struct {
	InstanceID string
	RecordID   string
	Action     Action
	Comment    *string
	SignerID   string
}

// CancelInstanceRequest represents a cancel instance request. Admins may
// cancel any PENDING instance; others only their own.
type CancelInstanceRequest struct {
	InstanceID    string
	CancelledByID string
	Reason        *string
	IsAdmin       bool
}

// Engine runs approval instances: it picks the routing at start, resolves
// approvers, and applies decisions and cancellations.
type Engine struct {
	instances   repository.InstanceStore
	templates   repository.TemplateStore
	definitions *DefinitionService
	resolver    *Resolver
	audit       repository.AuditStore
	pending     *PendingCache
	opts        Options
	log         *logger.Logger
}

// NewEngine creates a new Engine.
func NewEngine(
	instances repository.InstanceStore,
	templates repository.TemplateStore,
	definitions *DefinitionService,
	resolver *Resolver,
	audit repository.AuditStore,
	pending *PendingCache,
	opts Options,
	log *logger.Logger,
) *Engine {
	return &Engine{
		instances:   instances,
		templates:   templates,
		definitions: definitions,
		resolver:    resolver,
		audit:       audit,
		pending:     pending,
		opts:        opts.withDefaults(),
		log:         log,
	}
}

// ── Start ─────────────────────────────────────────────────────────────────────

// StartInstance routes a submitted request. Every required step is resolved
// up front; non-required steps are skipped. Nothing is persisted when any
// required step is unroutable.
func (e *Engine) StartInstance(ctx context.Context, req *StartInstanceRequest) (*StartResult, error) {
	if !req.ModuleType.Valid() {
		return nil, errors.InvalidInput("module_type", fmt.Sprintf("unknown module type %q", req.ModuleType))
	}
	if req.ReferenceID == "" || req.ApplicantID == "" || req.CompanyID == "" {
		return nil, errors.InvalidInput("reference_id", "reference, applicant and company are required")
	}

	inst := &repository.Instance{
		ModuleType:  req.ModuleType,
		ReferenceID: req.ReferenceID,
		ApplicantID: req.ApplicantID,
		CompanyID:   req.CompanyID,
		GroupID:     trimmed(req.GroupID),
		Status:      repository.InstancePending,
		RequestData: req.RequestData,
	}

	rules, found, err := e.routing(ctx, inst)
	if err != nil {
		return nil, err
	}
	if !found {
		e.log.Info().
			Str("module_type", string(req.ModuleType)).
			Str("reference_id", req.ReferenceID).
			Str("company_id", req.CompanyID).
			Msg("No workflow defined for request")
		return &StartResult{Outcome: NoDefinitionFound}, nil
	}

	if err := e.buildRecords(ctx, inst, rules); err != nil {
		return nil, err
	}

	first := inst.Record(inst.CurrentStep)
	signers := e.signerIDs(ctx, inst, first)
	msgs := []outbox.Message{approvalRequiredNotice(e.opts, inst, inst.ApplicantID, signers, first)}

	if err := e.instances.Create(ctx, inst, msgs); err != nil {
		return nil, err
	}

	e.pending.Invalidate(signers...)
	e.appendAudit(ctx, inst, nil, "submitted", inst.ApplicantID, nil, inst.Status, map[string]any{
		"steps":        len(inst.Records),
		"current_step": inst.CurrentStep,
	})
	for _, rec := range inst.Records {
		if rec.Decision == repository.DecisionSkipped {
			e.appendAudit(ctx, inst, rec, "skipped", inst.ApplicantID, nil, inst.Status, map[string]any{"step_order": rec.StepOrder})
		}
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("module_type", string(inst.ModuleType)).
		Str("reference_id", inst.ReferenceID).
		Int("steps", len(inst.Records)).
		Int("current_step", inst.CurrentStep).
		Msg("Approval instance started")

	return &StartResult{Outcome: Started, Instance: inst}, nil
}

// routing picks the step rules for a new instance: an active definition
// first, then the company template. found is false when neither exists.
func (e *Engine) routing(ctx context.Context, inst *repository.Instance) ([]repository.StepRule, bool, error) {
	def, err := e.definitions.Select(ctx, inst.ModuleType, inst.ApplicantID, inst.CompanyID, inst.GroupID)
	if err != nil {
		return nil, false, err
	}
	if def != nil {
		rules, err := OrderedRules(def)
		if err != nil {
			return nil, false, err
		}
		inst.DefinitionID = &def.ID
		inst.SourceVersion = def.Version
		return rules, true, nil
	}

	t, err := e.templates.GetByCompanyAndModule(ctx, inst.CompanyID, inst.ModuleType)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	rules := make([]repository.StepRule, len(t.Steps))
	for i, step := range t.Steps {
		rules[i] = step.StepRule
	}
	inst.TemplateID = &t.ID
	inst.SourceVersion = t.Version
	return rules, true, nil
}

func (e *Engine) buildRecords(ctx context.Context, inst *repository.Instance, rules []repository.StepRule) error {
	now := e.opts.Now()
	rc := ResolveContext{ApplicantID: inst.ApplicantID, CompanyID: inst.CompanyID, ModuleType: inst.ModuleType}

	inst.Records = make([]*repository.ApprovalRecord, len(rules))
	for i, rule := range rules {
		rec := &repository.ApprovalRecord{StepOrder: i + 1, StepRule: rule}
		inst.Records[i] = rec

		if !rule.IsRequired {
			rec.Decision = repository.DecisionSkipped
			rec.DecidedAt = &now
			continue
		}

		candidates, err := e.resolver.Candidates(ctx, rec.StepOrder, rule, rc)
		if err != nil {
			return err
		}
		rec.CandidateIDs = candidates
		rec.AssigneeID = ptr(candidates[0])
		if inst.CurrentStep == 0 {
			inst.CurrentStep = rec.StepOrder
			rec.AssignedAt = &now
		}
	}

	if inst.CurrentStep == 0 {
		return errors.BadRequest("至少需要一個必要簽核關卡")
	}
	return nil
}

// ── Decide ────────────────────────────────────────────────────────────────────

// ProcessApproval records a decision on the current step and advances or
// finalizes the instance in one atomic transition.
func (e *Engine) ProcessApproval(ctx context.Context, req *ProcessApprovalRequest) (*repository.Instance, error) {
	if req.Action != ActionApprove && req.Action != ActionReject {
		return nil, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", req.Action))
	}

	inst, err := e.instances.GetByID(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	rec := inst.RecordByID(req.RecordID)
	if rec == nil {
		return nil, errors.NotFound("approval_record", req.RecordID)
	}
	if rec.Decided() {
		return nil, errors.BadRequest("此關卡已完成簽核")
	}
	if inst.Status.IsTerminal() {
		return nil, errors.Newf(errors.ErrCodeBadRequest, "流程已%s，無法再簽核", statusLabel(inst.Status))
	}
	if rec.StepOrder != inst.CurrentStep {
		return nil, errors.Newf(errors.ErrCodeBadRequest, "目前為第 %d 關，尚未輪到第 %d 關簽核", inst.CurrentStep, rec.StepOrder)
	}

	assigneeID, actualApproverID, err := e.resolver.Authorize(ctx, inst, rec, req.SignerID)
	if err != nil {
		return nil, err
	}

	now := e.opts.Now()
	comment := trimmed(req.Comment)
	tr := &repository.Transition{
		InstanceID:       inst.ID,
		RecordID:         rec.ID,
		ExpectedStep:     inst.CurrentStep,
		DecidedAt:        now,
		Comment:          comment,
		AssigneeID:       &assigneeID,
		ActualApproverID: actualApproverID,
		NextStep:         inst.CurrentStep,
	}

	before := inst.Status
	invalidate := e.signerIDs(ctx, inst, rec)
	var msgs []outbox.Message
	var next *repository.ApprovalRecord

	switch req.Action {
	case ActionApprove:
		tr.Decision = repository.DecisionApproved
		next = nextOpenRecord(inst, rec.StepOrder)
		if next != nil {
			tr.NextStep = next.StepOrder
			tr.NextStatus = repository.InstancePending
			nextSigners := e.signerIDs(ctx, inst, next)
			invalidate = append(invalidate, nextSigners...)
			msgs = append(msgs, approvalRequiredNotice(e.opts, inst, req.SignerID, nextSigners, next))
		} else {
			tr.NextStatus = repository.InstanceApproved
			tr.CompletedAt = &now
			msgs = append(msgs, e.finalApprovalMessages(inst, req.SignerID)...)
		}
	case ActionReject:
		tr.Decision = repository.DecisionRejected
		tr.NextStatus = repository.InstanceRejected
		tr.CompletedAt = &now
		message := fmt.Sprintf("您的%s申請 %s 已於第 %d 關「%s」被退回", moduleLabel(inst.ModuleType), inst.ReferenceID, rec.StepOrder, rec.Name)
		if comment != nil {
			message += "：" + *comment
		}
		msgs = append(msgs,
			e.opts.instanceNotice(NotifyRequestRejected, inst, req.SignerID, []string{inst.ApplicantID},
				fmt.Sprintf("%s申請已退回", moduleLabel(inst.ModuleType)), message),
			decisionCallback(inst, repository.InstanceRejected),
		)
	}

	if err := e.instances.ApplyTransition(ctx, tr, msgs); err != nil {
		return nil, err
	}

	e.pending.Invalidate(invalidate...)

	metadata := map[string]any{"step_order": rec.StepOrder, "assignee_id": assigneeID}
	if actualApproverID != nil {
		metadata["actual_approver_id"] = *actualApproverID
	}
	if comment != nil {
		metadata["comment"] = *comment
	}
	e.appendAudit(ctx, inst, rec, strings.ToLower(string(tr.Decision)), req.SignerID, &before, tr.NextStatus, metadata)

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("record_id", rec.ID).
		Str("decision", string(tr.Decision)).
		Str("signer_id", req.SignerID).
		Str("status", string(tr.NextStatus)).
		Int("next_step", tr.NextStep).
		Msg("Approval decision recorded")

	return e.instances.GetByID(ctx, inst.ID)
}

// finalApprovalMessages notifies the applicant and the configured CC list and
// applies the decision to the business request.
func (e *Engine) finalApprovalMessages(inst *repository.Instance, actorID string) []outbox.Message {
	title := fmt.Sprintf("%s申請已核准", moduleLabel(inst.ModuleType))
	msgs := []outbox.Message{
		e.opts.instanceNotice(NotifyFinalApproval, inst, actorID, []string{inst.ApplicantID}, title,
			fmt.Sprintf("您的%s申請 %s 已完成所有簽核", moduleLabel(inst.ModuleType), inst.ReferenceID)),
	}

	cc := slices.DeleteFunc(uniq(e.opts.CCEmployeeIDs), func(id string) bool { return id == inst.ApplicantID })
	if len(cc) > 0 {
		msgs = append(msgs, e.opts.instanceNotice(NotifyFinalApprovalCC, inst, actorID, cc, title,
			fmt.Sprintf("%s 的%s申請 %s 已完成所有簽核", inst.ApplicantID, moduleLabel(inst.ModuleType), inst.ReferenceID)))
	}
	return append(msgs, decisionCallback(inst, repository.InstanceApproved))
}

func nextOpenRecord(inst *repository.Instance, after int) *repository.ApprovalRecord {
	for _, r := range inst.Records {
		if r.StepOrder > after && !r.Decided() {
			return r
		}
	}
	return nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// CancelInstance withdraws a PENDING instance.
func (e *Engine) CancelInstance(ctx context.Context, req *CancelInstanceRequest) (*repository.Instance, error) {
	inst, err := e.instances.GetByID(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, errors.BadRequest("流程已結束，無法取消")
	}
	if !req.IsAdmin && req.CancelledByID != inst.ApplicantID {
		return nil, errors.Forbidden("只有申請人或管理員可以取消此申請")
	}

	reason := trimmed(req.Reason)
	signers := e.signerIDs(ctx, inst, inst.CurrentRecord())

	recipients := append([]string{inst.ApplicantID}, signers...)
	recipients = slices.DeleteFunc(uniq(recipients), func(id string) bool { return id == req.CancelledByID })

	message := fmt.Sprintf("%s申請 %s 已取消", moduleLabel(inst.ModuleType), inst.ReferenceID)
	if reason != nil {
		message += "：" + *reason
	}
	msgs := []outbox.Message{
		e.opts.instanceNotice(NotifyRequestCancelled, inst, req.CancelledByID, recipients,
			fmt.Sprintf("%s申請已取消", moduleLabel(inst.ModuleType)), message),
		decisionCallback(inst, repository.InstanceCancelled),
	}

	if err := e.instances.Cancel(ctx, inst.ID, req.CancelledByID, reason, e.opts.Now(), msgs); err != nil {
		return nil, err
	}

	e.pending.Invalidate(signers...)
	metadata := map[string]any{"admin": req.IsAdmin}
	if reason != nil {
		metadata["reason"] = *reason
	}
	before := inst.Status
	e.appendAudit(ctx, inst, nil, "cancelled", req.CancelledByID, &before, repository.InstanceCancelled, metadata)

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("cancelled_by", req.CancelledByID).
		Bool("admin", req.IsAdmin).
		Msg("Approval instance cancelled")

	return e.instances.GetByID(ctx, inst.ID)
}

// ── Queries ───────────────────────────────────────────────────────────────────

// StepState is the display state of one step in a progress view.
type StepState string

const (
	StepApproved StepState = "APPROVED"
	StepRejected StepState = "REJECTED"
	StepSkipped  StepState = "SKIPPED"
	StepCurrent  StepState = "CURRENT"
	StepWaiting  StepState = "WAITING"
)

// StepProgress is one row of a progress view. Signers is only filled for
// the current step.
type StepProgress struct {
	Record  *repository.ApprovalRecord
	State   StepState
	Signers []Signer
}

// Progress is the per-step view of an instance.
type Progress struct {
	Instance *repository.Instance
	Steps    []StepProgress
}

// Progress returns the instance with per-step state and who may act now.
func (e *Engine) Progress(ctx context.Context, instanceID string) (*Progress, error) {
	inst, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	p := &Progress{Instance: inst, Steps: make([]StepProgress, len(inst.Records))}
	for i, rec := range inst.Records {
		sp := StepProgress{Record: rec}
		switch {
		case rec.Decision == repository.DecisionApproved:
			sp.State = StepApproved
		case rec.Decision == repository.DecisionRejected:
			sp.State = StepRejected
		case rec.Decision == repository.DecisionSkipped:
			sp.State = StepSkipped
		case inst.Status == repository.InstancePending && rec.StepOrder == inst.CurrentStep:
			sp.State = StepCurrent
			signers, err := e.resolver.Signers(ctx, inst, rec)
			if err != nil {
				return nil, err
			}
			sp.Signers = signers
		default:
			sp.State = StepWaiting
		}
		p.Steps[i] = sp
	}
	return p, nil
}

// GetInstance returns an instance with its records.
func (e *Engine) GetInstance(ctx context.Context, id string) (*repository.Instance, error) {
	return e.instances.GetByID(ctx, id)
}

// GetByReference returns the latest instance of a business request.
func (e *Engine) GetByReference(ctx context.Context, module repository.ModuleType, referenceID string) (*repository.Instance, error) {
	return e.instances.GetLatestByReference(ctx, module, referenceID)
}

// ListByApplicant returns the applicant's instances, newest first.
func (e *Engine) ListByApplicant(ctx context.Context, applicantID string) ([]*repository.Instance, error) {
	return e.instances.ListByApplicant(ctx, applicantID)
}

// History returns the audit trail of an instance.
func (e *Engine) History(ctx context.Context, instanceID string) ([]*repository.AuditEntry, error) {
	if _, err := e.instances.GetByID(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.audit.ListByInstance(ctx, instanceID)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// signerIDs lists who may act on rec. Lookup failures degrade to the bare
// candidate list since they only affect notices and cache eviction.
func (e *Engine) signerIDs(ctx context.Context, inst *repository.Instance, rec *repository.ApprovalRecord) []string {
	if rec == nil {
		return nil
	}
	signers, err := e.resolver.Signers(ctx, inst, rec)
	if err != nil {
		e.log.Warn().Err(err).
			Str("instance_id", inst.ID).
			Int("step_order", rec.StepOrder).
			Msg("Failed to resolve delegated signers")
		return uniq(rec.CandidateIDs)
	}
	ids := make([]string, len(signers))
	for i, s := range signers {
		ids[i] = s.EmployeeID
	}
	return uniq(ids)
}

func statusLabel(s repository.InstanceStatus) string {
	switch s {
	case repository.InstanceApproved:
		return "核准"
	case repository.InstanceRejected:
		return "退回"
	case repository.InstanceCancelled:
		return "取消"
	}
	return string(s)
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (e *Engine) appendAudit(
	ctx context.Context,
	inst *repository.Instance,
	rec *repository.ApprovalRecord,
	action, performedBy string,
	before *repository.InstanceStatus,
	after repository.InstanceStatus,
	metadata map[string]any,
) {
	entry := &repository.AuditEntry{
		CompanyID:   inst.CompanyID,
		InstanceID:  &inst.ID,
		Action:      action,
		PerformedBy: performedBy,
		PerformedAt: e.opts.Now(),
		StatusAfter: ptr(string(after)),
		Metadata:    metadata,
	}
	if rec != nil {
		entry.RecordID = &rec.ID
	}
	if before != nil {
		entry.StatusBefore = ptr(string(*before))
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		e.log.Warn().Err(err).
			Str("instance_id", inst.ID).
			Str("action", action).
			Msg("Failed to write audit log entry")
	}
}
