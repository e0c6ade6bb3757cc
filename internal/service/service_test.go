package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-workflow/internal/client"
	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
	"github.com/pesio-ai/be-erp-workflow/internal/repository/memory"
)

var (
	jan1  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan15 = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	jan31 = time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)
	feb1  = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	clock       *testClock
	dir         *client.StaticDirectory
	sent        *outbox.Recorder
	stores      repository.Stores
	pending     *PendingCache
	delegations *DelegationService
	templates   *TemplateService
	definitions *DefinitionService
	resolver    *Resolver
	engine      *Engine
	processor   *DecisionProcessor
}

// newHarness wires every service over the memory store. Company C has
// applicant A reporting to S1, plus E2, D, G and two MGR holders P1 and P2.
// X has no supervisor.
func newHarness(t *testing.T, tune ...func(*Options)) *harness {
	t.Helper()

	clock := &testClock{now: jan15}
	opts := Options{Now: clock.Now}
	for _, fn := range tune {
		fn(&opts)
	}

	sent := &outbox.Recorder{}
	stores := memory.New(sent, memory.WithClock(clock.Now)).Stores()
	dir := client.NewStaticDirectory(
		client.Assignment{EmployeeID: "A", CompanyID: "C", SupervisorID: strPtr("S1"), Status: client.AssignmentActive},
		client.Assignment{EmployeeID: "B", CompanyID: "C", SupervisorID: strPtr("S1"), Status: client.AssignmentActive},
		client.Assignment{EmployeeID: "S1", CompanyID: "C", Status: client.AssignmentActive},
		client.Assignment{EmployeeID: "E2", CompanyID: "C", Status: client.AssignmentActive},
		client.Assignment{EmployeeID: "D", CompanyID: "C", Status: client.AssignmentActive},
		client.Assignment{EmployeeID: "G", CompanyID: "C", Status: client.AssignmentActive},
		client.Assignment{EmployeeID: "P1", CompanyID: "C", PositionID: strPtr("MGR"), Status: client.AssignmentActive},
		client.Assignment{EmployeeID: "P2", CompanyID: "C", PositionID: strPtr("MGR"), Status: client.AssignmentActive},
		client.Assignment{EmployeeID: "X", CompanyID: "C", Status: client.AssignmentActive},
	)

	log := logger.Nop()
	pending := NewPendingCache(time.Minute)
	resolver := NewResolver(dir, stores.Delegations, opts)
	definitions := NewDefinitionService(stores.Definitions, opts, log)
	engine := NewEngine(stores.Instances, stores.Templates, definitions, resolver, stores.Audit, pending, opts, log)
	processor, err := NewDecisionProcessor(engine, stores.Instances, resolver, pending, log)
	require.NoError(t, err)

	return &harness{
		clock:       clock,
		dir:         dir,
		sent:        sent,
		stores:      stores,
		pending:     pending,
		delegations: NewDelegationService(stores.Delegations, stores.Audit, dir, pending, opts, log),
		templates:   NewTemplateService(stores.Templates, opts, log),
		definitions: definitions,
		resolver:    resolver,
		engine:      engine,
		processor:   processor,
	}
}

func strPtr(s string) *string { return &s }

func supervisorStep(name string) repository.StepRule {
	return repository.StepRule{Name: name, AssigneeType: repository.AssigneeDirectSupervisor, IsRequired: true}
}

func personStep(name, employeeID string) repository.StepRule {
	return repository.StepRule{Name: name, AssigneeType: repository.AssigneeSpecificPerson, SpecificEmployeeID: strPtr(employeeID), IsRequired: true}
}

func positionStep(name, positionID string) repository.StepRule {
	return repository.StepRule{Name: name, AssigneeType: repository.AssigneePosition, PositionID: strPtr(positionID), IsRequired: true}
}

// inListOrder wraps rules as template steps without an explicit order.
func inListOrder(rules ...repository.StepRule) []repository.FlowStep {
	steps := make([]repository.FlowStep, len(rules))
	for i, r := range rules {
		steps[i] = repository.FlowStep{StepRule: r}
	}
	return steps
}

func (h *harness) template(t *testing.T, module repository.ModuleType, steps ...repository.StepRule) *repository.FlowTemplate {
	t.Helper()
	tpl, err := h.templates.Upsert(context.Background(), &UpsertTemplateRequest{
		CompanyID:  "C",
		ModuleType: module,
		Name:       string(module) + " flow",
		Steps:      inListOrder(steps...),
	})
	require.NoError(t, err)
	return tpl
}

func (h *harness) start(t *testing.T, ref, applicant string) *repository.Instance {
	t.Helper()
	res, err := h.engine.StartInstance(context.Background(), &StartInstanceRequest{
		ModuleType:  repository.ModuleLeave,
		ReferenceID: ref,
		ApplicantID: applicant,
		CompanyID:   "C",
	})
	require.NoError(t, err)
	require.Equal(t, Started, res.Outcome)
	return res.Instance
}

// acceptedDelegation sets up D -> G for APPROVE_LEAVE during January 2024.
func (h *harness) acceptedDelegation(t *testing.T, perms ...repository.PermissionType) *repository.Delegation {
	t.Helper()
	if len(perms) == 0 {
		perms = []repository.PermissionType{repository.PermApproveLeave}
	}
	ctx := context.Background()
	end := jan31
	d, err := h.delegations.Create(ctx, &CreateDelegationRequest{
		CompanyID:   "C",
		DelegatorID: "D",
		DelegateID:  "G",
		Permissions: perms,
		StartDate:   jan1,
		EndDate:     &end,
	})
	require.NoError(t, err)
	d, err = h.delegations.Accept(ctx, d.ID, "G")
	require.NoError(t, err)
	return d
}
