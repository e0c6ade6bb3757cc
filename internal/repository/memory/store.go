// Package memory provides in-memory implementations of the repository stores.
// It backs the service in development mode and in tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
)

// Store holds every entity behind one mutex, so each operation is atomic
// with respect to all others. Outbox messages are handed to the Deliverer
// after the mutation, outside the lock.
type Store struct {
	mu          sync.RWMutex
	now         func() time.Time
	deliverer   outbox.Deliverer
	delegations map[string]*repository.Delegation
	templates   map[string]*repository.FlowTemplate
	definitions map[string]*repository.WorkflowDefinition
	instances   map[string]*repository.Instance
	audit       []*repository.AuditEntry
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store. d may be nil, in which case messages are dropped.
func New(d outbox.Deliverer, opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		deliverer:   d,
		delegations: make(map[string]*repository.Delegation),
		templates:   make(map[string]*repository.FlowTemplate),
		definitions: make(map[string]*repository.WorkflowDefinition),
		instances:   make(map[string]*repository.Instance),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stores exposes the store through the repository interfaces.
func (s *Store) Stores() repository.Stores {
	return repository.Stores{
		Delegations: delegationStore{s},
		Templates:   templateStore{s},
		Definitions: definitionStore{s},
		Instances:   instanceStore{s},
		Audit:       auditStore{s},
	}
}

func (s *Store) deliver(ctx context.Context, msgs []outbox.Message) {
	if s.deliverer == nil || len(msgs) == 0 {
		return
	}
	s.deliverer.Deliver(ctx, msgs)
}

// ── delegations ───────────────────────────────────────────────────────────────

type delegationStore struct{ *Store }

func (s delegationStore) Create(ctx context.Context, d *repository.Delegation, msgs []outbox.Message) error {
	s.mu.Lock()
	for _, existing := range s.delegations {
		if existing.DelegatorID == d.DelegatorID &&
			existing.DelegateID == d.DelegateID &&
			existing.CompanyID == d.CompanyID &&
			!existing.Status.IsTerminal() {
			s.mu.Unlock()
			return errors.BadRequest("已存在進行中的代理設定，請勿重複建立")
		}
	}

	now := s.now()
	d.ID = uuid.NewString()
	d.CreatedAt = now
	d.UpdatedAt = now
	s.delegations[d.ID] = cloneDelegation(d)
	s.mu.Unlock()

	s.deliver(ctx, repository.BindRefID(msgs, d.ID))
	return nil
}

func (s delegationStore) GetByID(_ context.Context, id string) (*repository.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.delegations[id]
	if !ok {
		return nil, errors.NotFound("delegation", id)
	}
	return cloneDelegation(d), nil
}

func (s delegationStore) Transition(ctx context.Context, d *repository.Delegation, from []repository.DelegationStatus, msgs []outbox.Message) error {
	s.mu.Lock()
	stored, ok := s.delegations[d.ID]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("delegation", d.ID)
	}
	if !slices.Contains(from, stored.Status) {
		s.mu.Unlock()
		return errors.Newf(errors.ErrCodeBadRequest,
			"delegation %s can no longer move to %s", d.ID, d.Status)
	}

	d.UpdatedAt = s.now()
	next := cloneDelegation(stored)
	next.Status = d.Status
	next.RespondedAt = d.RespondedAt
	next.CancelledAt = d.CancelledAt
	next.CancelledByID = d.CancelledByID
	next.RejectReason = d.RejectReason
	next.CancelReason = d.CancelReason
	next.UpdatedAt = d.UpdatedAt
	s.delegations[d.ID] = next
	s.mu.Unlock()

	s.deliver(ctx, msgs)
	return nil
}

func (s delegationStore) ListByDelegator(_ context.Context, delegatorID string) ([]*repository.Delegation, error) {
	return s.filter(func(d *repository.Delegation) bool { return d.DelegatorID == delegatorID }), nil
}

func (s delegationStore) ListByDelegate(_ context.Context, delegateID string) ([]*repository.Delegation, error) {
	return s.filter(func(d *repository.Delegation) bool { return d.DelegateID == delegateID }), nil
}

func (s delegationStore) ListAcceptedByDelegators(_ context.Context, delegatorIDs []string) ([]*repository.Delegation, error) {
	return s.filter(func(d *repository.Delegation) bool {
		return d.Status == repository.DelegationAccepted && slices.Contains(delegatorIDs, d.DelegatorID)
	}), nil
}

func (s delegationStore) filter(keep func(*repository.Delegation) bool) []*repository.Delegation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.Delegation
	for _, d := range s.delegations {
		if keep(d) {
			out = append(out, cloneDelegation(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ── templates ─────────────────────────────────────────────────────────────────

type templateStore struct{ *Store }

func (s templateStore) Upsert(_ context.Context, t *repository.FlowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var existing *repository.FlowTemplate
	for _, candidate := range s.templates {
		if candidate.CompanyID == t.CompanyID && candidate.ModuleType == t.ModuleType {
			existing = candidate
			break
		}
	}

	if existing != nil {
		t.ID = existing.ID
		t.Version = existing.Version + 1
		t.CreatedAt = existing.CreatedAt
	} else {
		t.ID = uuid.NewString()
		t.Version = 1
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	for i := range t.Steps {
		t.Steps[i].ID = uuid.NewString()
	}

	s.templates[t.ID] = cloneTemplate(t)
	return nil
}

func (s templateStore) GetByID(_ context.Context, id string) (*repository.FlowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, errors.NotFound("flow_template", id)
	}
	return cloneTemplate(t), nil
}

func (s templateStore) GetByCompanyAndModule(_ context.Context, companyID string, module repository.ModuleType) (*repository.FlowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.templates {
		if t.CompanyID == companyID && t.ModuleType == module {
			return cloneTemplate(t), nil
		}
	}
	return nil, errors.NotFound("flow_template", companyID+"/"+string(module))
}

func (s templateStore) ListByCompany(_ context.Context, companyID string) ([]*repository.FlowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.FlowTemplate
	for _, t := range s.templates {
		if t.CompanyID == companyID {
			out = append(out, cloneTemplate(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleType < out[j].ModuleType })
	return out, nil
}

func (s templateStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok {
		return errors.NotFound("flow_template", id)
	}

	pending := 0
	for _, inst := range s.instances {
		if inst.TemplateID != nil && *inst.TemplateID == id && inst.Status == repository.InstancePending {
			pending++
		}
	}
	if pending > 0 {
		return errors.Newf(errors.ErrCodeBadRequest, "尚有 %d 筆進行中的簽核流程使用此範本，無法刪除", pending)
	}

	delete(s.templates, id)
	return nil
}

// ── definitions ───────────────────────────────────────────────────────────────

type definitionStore struct{ *Store }

func (s definitionStore) Create(_ context.Context, d *repository.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	d.ID = uuid.NewString()
	if d.Version == 0 {
		d.Version = 1
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	for i := range d.Nodes {
		if d.Nodes[i].ID == "" {
			d.Nodes[i].ID = uuid.NewString()
		}
	}

	s.definitions[d.ID] = cloneDefinition(d)
	return nil
}

func (s definitionStore) GetByID(_ context.Context, id string) (*repository.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.definitions[id]
	if !ok {
		return nil, errors.NotFound("workflow_definition", id)
	}
	return cloneDefinition(d), nil
}

func (s definitionStore) List(_ context.Context, companyID string) ([]*repository.WorkflowDefinition, error) {
	return s.filter(func(d *repository.WorkflowDefinition) bool {
		return d.CompanyID != nil && *d.CompanyID == companyID
	}), nil
}

func (s definitionStore) ListActive(_ context.Context, companyID string, groupID *string) ([]*repository.WorkflowDefinition, error) {
	return s.filter(func(d *repository.WorkflowDefinition) bool {
		if !d.IsActive {
			return false
		}
		if d.CompanyID != nil {
			return *d.CompanyID == companyID
		}
		return groupID != nil && d.GroupID != nil && *d.GroupID == *groupID
	}), nil
}

func (s definitionStore) SetActive(_ context.Context, id string, active bool) (*repository.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.definitions[id]
	if !ok {
		return nil, errors.NotFound("workflow_definition", id)
	}
	d.IsActive = active
	d.UpdatedAt = s.now()
	return cloneDefinition(d), nil
}

func (s definitionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.definitions[id]; !ok {
		return errors.NotFound("workflow_definition", id)
	}

	used := 0
	for _, inst := range s.instances {
		if inst.DefinitionID != nil && *inst.DefinitionID == id {
			used++
		}
	}
	if used > 0 {
		return errors.Newf(errors.ErrCodeBadRequest, "已有 %d 筆簽核流程使用此定義，無法刪除，請改為停用", used)
	}

	delete(s.definitions, id)
	return nil
}

func (s definitionStore) filter(keep func(*repository.WorkflowDefinition) bool) []*repository.WorkflowDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.WorkflowDefinition
	for _, d := range s.definitions {
		if keep(d) {
			out = append(out, cloneDefinition(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ── instances ─────────────────────────────────────────────────────────────────

type instanceStore struct{ *Store }

func (s instanceStore) Create(ctx context.Context, inst *repository.Instance, msgs []outbox.Message) error {
	s.mu.Lock()
	for _, existing := range s.instances {
		if existing.ModuleType == inst.ModuleType &&
			existing.ReferenceID == inst.ReferenceID &&
			existing.Status == repository.InstancePending {
			s.mu.Unlock()
			return errors.Newf(errors.ErrCodeBadRequest,
				"%s request %s already has a pending approval", inst.ModuleType, inst.ReferenceID)
		}
	}

	now := s.now()
	inst.ID = uuid.NewString()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	for _, rec := range inst.Records {
		rec.ID = uuid.NewString()
		rec.InstanceID = inst.ID
	}
	s.instances[inst.ID] = cloneInstance(inst)
	s.mu.Unlock()

	s.deliver(ctx, repository.BindRefID(msgs, inst.ID))
	return nil
}

func (s instanceStore) GetByID(_ context.Context, id string) (*repository.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, errors.NotFound("flow_execution", id)
	}
	return cloneInstance(inst), nil
}

func (s instanceStore) GetLatestByReference(_ context.Context, module repository.ModuleType, referenceID string) (*repository.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *repository.Instance
	for _, inst := range s.instances {
		if inst.ModuleType != module || inst.ReferenceID != referenceID {
			continue
		}
		if latest == nil || inst.CreatedAt.After(latest.CreatedAt) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, errors.NotFound("flow_execution", string(module)+"/"+referenceID)
	}
	return cloneInstance(latest), nil
}

func (s instanceStore) ListByApplicant(_ context.Context, applicantID string) ([]*repository.Instance, error) {
	out := s.filter(func(inst *repository.Instance) bool { return inst.ApplicantID == applicantID })
	slices.Reverse(out)
	return out, nil
}

func (s instanceStore) ListPendingForCandidates(_ context.Context, employeeIDs []string) ([]*repository.Instance, error) {
	if len(employeeIDs) == 0 {
		return nil, nil
	}
	return s.filter(func(inst *repository.Instance) bool {
		rec := inst.CurrentRecord()
		if rec == nil || rec.Decided() {
			return false
		}
		for _, id := range rec.CandidateIDs {
			if slices.Contains(employeeIDs, id) {
				return true
			}
		}
		return false
	}), nil
}

func (s instanceStore) ApplyTransition(ctx context.Context, tr *repository.Transition, msgs []outbox.Message) error {
	s.mu.Lock()
	inst, ok := s.instances[tr.InstanceID]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("flow_execution", tr.InstanceID)
	}
	rec := inst.RecordByID(tr.RecordID)
	if rec == nil {
		s.mu.Unlock()
		return errors.NotFound("approval_record", tr.RecordID)
	}
	if rec.Decided() {
		s.mu.Unlock()
		return errors.BadRequest("此關卡已完成簽核")
	}
	if inst.Status != repository.InstancePending || inst.CurrentStep != tr.ExpectedStep {
		s.mu.Unlock()
		return errors.New(errors.ErrCodeConflict, "approval flow changed, please reload")
	}

	decidedAt := tr.DecidedAt
	rec.Decision = tr.Decision
	rec.DecidedAt = &decidedAt
	rec.Comment = cloneString(tr.Comment)
	if tr.AssigneeID != nil {
		rec.AssigneeID = cloneString(tr.AssigneeID)
	}
	rec.ActualApproverID = cloneString(tr.ActualApproverID)

	inst.CurrentStep = tr.NextStep
	inst.Status = tr.NextStatus
	inst.CompletedAt = cloneTime(tr.CompletedAt)
	inst.UpdatedAt = tr.DecidedAt
	if tr.NextStatus == repository.InstancePending {
		if next := inst.Record(tr.NextStep); next != nil && next.AssignedAt == nil {
			next.AssignedAt = &decidedAt
		}
	}
	s.mu.Unlock()

	s.deliver(ctx, msgs)
	return nil
}

func (s instanceStore) Cancel(ctx context.Context, id, cancelledBy string, reason *string, at time.Time, msgs []outbox.Message) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("flow_execution", id)
	}
	if inst.Status != repository.InstancePending {
		s.mu.Unlock()
		return errors.BadRequest("流程已結束，無法取消")
	}

	inst.Status = repository.InstanceCancelled
	inst.CancelledByID = &cancelledBy
	inst.CancelReason = cloneString(reason)
	inst.CompletedAt = &at
	inst.UpdatedAt = at
	s.mu.Unlock()

	s.deliver(ctx, msgs)
	return nil
}

// filter returns matches oldest first.
func (s instanceStore) filter(keep func(*repository.Instance) bool) []*repository.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.Instance
	for _, inst := range s.instances {
		if keep(inst) {
			out = append(out, cloneInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ── audit ─────────────────────────────────────────────────────────────────────

type auditStore struct{ *Store }

func (s auditStore) Append(_ context.Context, entry *repository.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = uuid.NewString()
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = s.now()
	}
	cp := *entry
	cp.Metadata = cloneMap(entry.Metadata)
	s.audit = append(s.audit, &cp)
	return nil
}

func (s auditStore) ListByInstance(_ context.Context, instanceID string) ([]*repository.AuditEntry, error) {
	return s.filter(func(e *repository.AuditEntry) bool {
		return e.InstanceID != nil && *e.InstanceID == instanceID
	}), nil
}

func (s auditStore) ListByDelegation(_ context.Context, delegationID string) ([]*repository.AuditEntry, error) {
	return s.filter(func(e *repository.AuditEntry) bool {
		return e.DelegationID != nil && *e.DelegationID == delegationID
	}), nil
}

func (s auditStore) filter(keep func(*repository.AuditEntry) bool) []*repository.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.AuditEntry
	for _, e := range s.audit {
		if keep(e) {
			cp := *e
			cp.Metadata = cloneMap(e.Metadata)
			out = append(out, &cp)
		}
	}
	return out
}
