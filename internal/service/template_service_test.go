package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
)

func TestTemplateService_StepLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	steps := make([]repository.StepRule, 5)
	for i := range steps {
		steps[i] = supervisorStep("manager")
	}
	_, err := h.templates.Upsert(ctx, &UpsertTemplateRequest{
		CompanyID:  "C",
		ModuleType: repository.ModuleLeave,
		Name:       "leave",
		Steps:      inListOrder(steps...),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeBadRequest))

	list, err := h.templates.List(ctx, "C")
	require.NoError(t, err)
	assert.Empty(t, list)

	// the limit is configurable
	h = newHarness(t, func(o *Options) { o.MaxSteps = 5 })
	_, err = h.templates.Upsert(ctx, &UpsertTemplateRequest{
		CompanyID:  "C",
		ModuleType: repository.ModuleLeave,
		Name:       "leave",
		Steps:      inListOrder(steps...),
	})
	assert.NoError(t, err)
}

func TestTemplateService_StepValidation(t *testing.T) {
	tests := []struct {
		name     string
		steps    []repository.StepRule
		contains string
	}{
		{
			name:     "position without position id",
			steps:    []repository.StepRule{supervisorStep("manager"), {Name: "HR", AssigneeType: repository.AssigneePosition, IsRequired: true}},
			contains: "第 2 關「HR」",
		},
		{
			name:     "specific person without employee",
			steps:    []repository.StepRule{{Name: "CFO", AssigneeType: repository.AssigneeSpecificPerson, SpecificEmployeeID: strPtr("  "), IsRequired: true}},
			contains: "第 1 關「CFO」",
		},
		{
			name:  "unknown assignee type",
			steps: []repository.StepRule{{Name: "x", AssigneeType: "ROUND_ROBIN", IsRequired: true}},
		},
		{
			name:  "no steps",
			steps: nil,
		},
		{
			name:  "no required step",
			steps: []repository.StepRule{{Name: "optional", AssigneeType: repository.AssigneeDirectSupervisor}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.templates.Upsert(context.Background(), &UpsertTemplateRequest{
				CompanyID:  "C",
				ModuleType: repository.ModuleLeave,
				Name:       "leave",
				Steps:      inListOrder(tt.steps...),
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeBadRequest))
			if tt.contains != "" {
				assert.Contains(t, errors.MessageOf(err), tt.contains)
			}
		})
	}
}

func TestTemplateService_RoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	saved := h.template(t, repository.ModuleLeave,
		supervisorStep("主管"),
		positionStep("人資", "HR_MGR"),
		repository.StepRule{AssigneeType: repository.AssigneeSpecificPerson, SpecificEmployeeID: strPtr("E2")},
	)
	assert.Equal(t, 1, saved.Version)

	got, err := h.templates.GetByCompanyAndModule(ctx, "C", repository.ModuleLeave)
	require.NoError(t, err)
	require.Len(t, got.Steps, 3)
	for i, step := range got.Steps {
		assert.Equal(t, i+1, step.StepOrder)
	}
	assert.Equal(t, repository.AssigneeDirectSupervisor, got.Steps[0].AssigneeType)
	assert.Equal(t, "HR_MGR", *got.Steps[1].PositionID)
	assert.Equal(t, "E2", *got.Steps[2].SpecificEmployeeID)
	// unnamed steps get a default name
	assert.Equal(t, "第 3 關", got.Steps[2].Name)

	byID, err := h.templates.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Steps, byID.Steps)
}

func TestTemplateService_ExplicitStepOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tpl, err := h.templates.Upsert(ctx, &UpsertTemplateRequest{
		CompanyID:  "C",
		ModuleType: repository.ModuleLeave,
		Name:       "leave",
		Steps: []repository.FlowStep{
			{StepOrder: 3, StepRule: personStep("總經理", "E3")},
			{StepOrder: 1, StepRule: supervisorStep("主管")},
			{StepOrder: 2, StepRule: positionStep("人資", "HR_MGR")},
		},
	})
	require.NoError(t, err)

	got, err := h.templates.Get(ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, "主管", got.Steps[0].Name)
	assert.Equal(t, "人資", got.Steps[1].Name)
	assert.Equal(t, "總經理", got.Steps[2].Name)
	for i, step := range got.Steps {
		assert.Equal(t, i+1, step.StepOrder)
	}

	tests := []struct {
		name   string
		orders []int
	}{
		{name: "duplicate", orders: []int{1, 1}},
		{name: "gap", orders: []int{1, 3}},
		{name: "zero mixed with explicit", orders: []int{0, 1}},
		{name: "negative", orders: []int{-1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := make([]repository.FlowStep, len(tt.orders))
			for i, o := range tt.orders {
				steps[i] = repository.FlowStep{StepOrder: o, StepRule: supervisorStep("主管")}
			}
			_, err := h.templates.Upsert(ctx, &UpsertTemplateRequest{
				CompanyID:  "C",
				ModuleType: repository.ModuleLeave,
				Name:       "leave",
				Steps:      steps,
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeBadRequest))

			// the stored template is untouched
			current, err := h.templates.Get(ctx, tpl.ID)
			require.NoError(t, err)
			assert.Equal(t, tpl.Version, current.Version)
			assert.Len(t, current.Steps, 3)
		})
	}
}

func TestTemplateService_VersionIncrement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := h.template(t, repository.ModuleSeal, supervisorStep("主管"), personStep("總務", "E2"))
	second := h.template(t, repository.ModuleSeal, personStep("法務", "E3"))
	third := h.template(t, repository.ModuleSeal, supervisorStep("主管"))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, 3, third.Version)

	got, err := h.templates.GetByCompanyAndModule(ctx, "C", repository.ModuleSeal)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, repository.AssigneeDirectSupervisor, got.Steps[0].AssigneeType)

	// other modules are independent
	other := h.template(t, repository.ModuleCard, supervisorStep("主管"))
	assert.Equal(t, 1, other.Version)

	list, err := h.templates.List(ctx, "C")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestTemplateService_DeleteBlockedByPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tpl := h.template(t, repository.ModuleLeave, supervisorStep("主管"))
	inst := h.start(t, "L1", "A")

	err := h.templates.Delete(ctx, tpl.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeBadRequest))
	assert.Contains(t, errors.MessageOf(err), "1 筆")

	_, err = h.engine.ProcessApproval(ctx, &ProcessApprovalRequest{
		InstanceID: inst.ID,
		RecordID:   inst.Records[0].ID,
		Action:     ActionApprove,
		SignerID:   "S1",
	})
	require.NoError(t, err)

	require.NoError(t, h.templates.Delete(ctx, tpl.ID))
	_, err = h.templates.Get(ctx, tpl.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	// finished instances keep their snapshot
	got, err := h.engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceApproved, got.Status)
	assert.Equal(t, "主管", got.Records[0].Name)
}
