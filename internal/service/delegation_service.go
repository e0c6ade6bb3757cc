package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
)

// DelegationService manages the delegation registry.
type DelegationService struct {
	delegations repository.DelegationStore
	audit       repository.AuditStore
	directory   OrgDirectory
	pending     *PendingCache
	opts        Options
	log         *logger.Logger
}

// NewDelegationService creates a new DelegationService.
func NewDelegationService(
	delegations repository.DelegationStore,
	audit repository.AuditStore,
	directory OrgDirectory,
	pending *PendingCache,
	opts Options,
	log *logger.Logger,
) *DelegationService {
	return &DelegationService{
		delegations: delegations,
		audit:       audit,
		directory:   directory,
		pending:     pending,
		opts:        opts.withDefaults(),
		log:         log,
	}
}

// CreateDelegationRequest represents a create delegation request
type CreateDelegationRequest struct {
	CompanyID   string
	DelegatorID string
	DelegateID  string
	Permissions []repository.PermissionType
	StartDate   time.Time
	EndDate     *time.Time
	CreatedByID string
}

// Create registers a PENDING delegation and invites the delegate.
func (s *DelegationService) Create(ctx context.Context, req *CreateDelegationRequest) (*repository.Delegation, error) {
	if req.CompanyID == "" {
		return nil, errors.InvalidInput("company_id", "company is required")
	}
	if req.DelegatorID == "" || req.DelegateID == "" {
		return nil, errors.InvalidInput("delegate_id", "delegator and delegate are required")
	}
	if req.DelegatorID == req.DelegateID {
		return nil, errors.BadRequest("不能指定自己為代理人")
	}
	if len(req.Permissions) == 0 {
		return nil, errors.InvalidInput("permissions", "至少需要指定一項代理權限")
	}
	perms := make([]repository.PermissionType, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		if !p.Valid() {
			return nil, errors.InvalidInput("permissions", fmt.Sprintf("unknown permission %q", p))
		}
		if !slices.Contains(perms, p) {
			perms = append(perms, p)
		}
	}
	if req.StartDate.IsZero() {
		return nil, errors.InvalidInput("start_date", "start date is required")
	}
	if req.EndDate != nil && req.EndDate.Before(req.StartDate) {
		return nil, errors.InvalidInput("end_date", "結束日期不可早於開始日期")
	}

	ok, reason, err := s.CheckCanBeDelegate(ctx, req.DelegateID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.BadRequest(reason)
	}

	createdBy := req.CreatedByID
	if createdBy == "" {
		createdBy = req.DelegatorID
	}

	d := &repository.Delegation{
		CompanyID:   req.CompanyID,
		DelegatorID: req.DelegatorID,
		DelegateID:  req.DelegateID,
		CreatedByID: createdBy,
		Status:      repository.DelegationPending,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Permissions: perms,
	}

	msgs := []outbox.Message{
		s.opts.delegationNotice(NotifyDelegationInvite, d, createdBy, []string{d.DelegateID},
			"代理邀請",
			fmt.Sprintf("%s 邀請您擔任代理人（%s 起）", d.DelegatorID, d.StartDate.Format(time.DateOnly))),
	}
	if err := s.delegations.Create(ctx, d, msgs); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, d, "delegation_created", createdBy, nil, map[string]any{
		"delegate_id": d.DelegateID,
		"permissions": perms,
	})

	s.log.Info().
		Str("delegation_id", d.ID).
		Str("delegator_id", d.DelegatorID).
		Str("delegate_id", d.DelegateID).
		Msg("Delegation created")

	return d, nil
}

// Accept lets the delegate take on the delegation.
func (s *DelegationService) Accept(ctx context.Context, id, employeeID string) (*repository.Delegation, error) {
	return s.respond(ctx, id, employeeID, repository.DelegationAccepted, nil)
}

// Reject lets the delegate decline the delegation.
func (s *DelegationService) Reject(ctx context.Context, id, employeeID string, reason *string) (*repository.Delegation, error) {
	return s.respond(ctx, id, employeeID, repository.DelegationRejected, trimmed(reason))
}

func (s *DelegationService) respond(
	ctx context.Context,
	id, employeeID string,
	to repository.DelegationStatus,
	reason *string,
) (*repository.Delegation, error) {
	d, err := s.delegations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.DelegateID != employeeID {
		return nil, errors.Forbidden("只有被指定的代理人可以回覆此代理邀請")
	}
	if d.Status != repository.DelegationPending {
		return nil, errors.Newf(errors.ErrCodeBadRequest, "代理設定目前狀態為 %s，無法回覆", d.Status)
	}

	before := d.Status
	now := s.opts.Now()
	d.Status = to
	d.RespondedAt = &now

	typ, title, verb := NotifyDelegationAccepted, "代理邀請已接受", "接受"
	if to == repository.DelegationRejected {
		d.RejectReason = reason
		typ, title, verb = NotifyDelegationRejected, "代理邀請已拒絕", "拒絕"
	}
	message := fmt.Sprintf("%s 已%s您的代理邀請", d.DelegateID, verb)
	if reason != nil {
		message += "：" + *reason
	}

	msgs := []outbox.Message{
		s.opts.delegationNotice(typ, d, employeeID, []string{d.DelegatorID}, title, message),
	}
	if err := s.delegations.Transition(ctx, d, []repository.DelegationStatus{repository.DelegationPending}, msgs); err != nil {
		return nil, err
	}

	s.pending.Invalidate(d.DelegateID)
	s.appendAudit(ctx, d, "delegation_"+strings.ToLower(string(to)), employeeID, &before, nil)
	return d, nil
}

// Cancel ends a PENDING or ACCEPTED delegation. Either party, or whoever
// created it, may cancel with a reason of minimum length.
func (s *DelegationService) Cancel(ctx context.Context, id, cancelledByID string, reason *string) (*repository.Delegation, error) {
	reason = trimmed(reason)
	if runeLen(reason) < s.opts.CancelReasonMinLength {
		return nil, errors.Newf(errors.ErrCodeBadRequest, "取消原因至少需要 %d 個字", s.opts.CancelReasonMinLength)
	}

	d, err := s.delegations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != repository.DelegationPending && d.Status != repository.DelegationAccepted {
		return nil, errors.Newf(errors.ErrCodeBadRequest, "代理設定目前狀態為 %s，無法取消", d.Status)
	}
	if cancelledByID != d.DelegatorID && cancelledByID != d.DelegateID && cancelledByID != d.CreatedByID {
		return nil, errors.Forbidden("您無權取消此代理設定")
	}

	before := d.Status
	now := s.opts.Now()
	d.Status = repository.DelegationCancelled
	d.CancelledAt = &now
	d.CancelledByID = &cancelledByID
	d.CancelReason = reason

	var recipients []string
	for _, id := range []string{d.DelegatorID, d.DelegateID} {
		if id != cancelledByID {
			recipients = append(recipients, id)
		}
	}

	msgs := []outbox.Message{
		s.opts.delegationNotice(NotifyDelegationCancelled, d, cancelledByID, recipients,
			"代理設定已取消",
			fmt.Sprintf("%s 取消了代理設定：%s", cancelledByID, *reason)),
	}
	if err := s.delegations.Transition(ctx, d,
		[]repository.DelegationStatus{repository.DelegationPending, repository.DelegationAccepted}, msgs); err != nil {
		return nil, err
	}

	s.pending.Invalidate(d.DelegateID)
	s.appendAudit(ctx, d, "delegation_cancelled", cancelledByID, &before, map[string]any{"reason": *reason})
	return d, nil
}

// Get returns one delegation.
func (s *DelegationService) Get(ctx context.Context, id string) (*repository.Delegation, error) {
	return s.delegations.GetByID(ctx, id)
}

// ListGiven returns the delegations an employee granted, newest first.
func (s *DelegationService) ListGiven(ctx context.Context, delegatorID string) ([]*repository.Delegation, error) {
	return s.delegations.ListByDelegator(ctx, delegatorID)
}

// ListReceived returns the delegations an employee received, newest first.
func (s *DelegationService) ListReceived(ctx context.Context, delegateID string) ([]*repository.Delegation, error) {
	return s.delegations.ListByDelegate(ctx, delegateID)
}

// GetActiveDelegations returns the delegations currently granting authority to
// the employee: ACCEPTED and now within [start, end].
func (s *DelegationService) GetActiveDelegations(ctx context.Context, employeeID string) ([]*repository.Delegation, error) {
	received, err := s.delegations.ListByDelegate(ctx, employeeID)
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	var out []*repository.Delegation
	for _, d := range received {
		if d.ActiveAt(now) {
			out = append(out, d)
		}
	}
	return out, nil
}

// History returns the audit trail of a delegation.
func (s *DelegationService) History(ctx context.Context, id string) ([]*repository.AuditEntry, error) {
	if _, err := s.delegations.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.ListByDelegation(ctx, id)
}

// CheckCanBeDelegate reports whether the employee holds at least one ACTIVE
// assignment, with a user-facing reason when not.
func (s *DelegationService) CheckCanBeDelegate(ctx context.Context, employeeID string) (bool, string, error) {
	assignments, err := s.directory.ActiveAssignments(ctx, employeeID)
	if err != nil {
		return false, "", errors.Wrap(err, errors.ErrCodeInternal, "failed to read employee assignments")
	}
	if len(assignments) == 0 {
		return false, "已離職，無法擔任代理人", nil
	}
	return true, "", nil
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *DelegationService) appendAudit(
	ctx context.Context,
	d *repository.Delegation,
	action, performedBy string,
	before *repository.DelegationStatus,
	metadata map[string]any,
) {
	entry := &repository.AuditEntry{
		CompanyID:    d.CompanyID,
		DelegationID: &d.ID,
		Action:       action,
		PerformedBy:  performedBy,
		PerformedAt:  s.opts.Now(),
		StatusAfter:  ptr(string(d.Status)),
		Metadata:     metadata,
	}
	if before != nil {
		entry.StatusBefore = ptr(string(*before))
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("delegation_id", d.ID).
			Str("action", action).
			Msg("Failed to write audit log entry")
	}
}
