package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
)

// TemplateService manages per company × module flow templates.
type TemplateService struct {
	templates repository.TemplateStore
	opts      Options
	log       *logger.Logger
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(templates repository.TemplateStore, opts Options, log *logger.Logger) *TemplateService {
	return &TemplateService{templates: templates, opts: opts.withDefaults(), log: log}
}

// UpsertTemplateRequest represents an upsert template request. Steps either
// all carry a StepOrder forming 1..N, or none does and list order applies.
type UpsertTemplateRequest struct {
	CompanyID   string
	ModuleType  repository.ModuleType
	Name        string
	Description *string
	Steps       []repository.FlowStep
}

// Upsert creates the template for (company, module) or replaces its steps.
// Validation happens before anything is persisted.
func (s *TemplateService) Upsert(ctx context.Context, req *UpsertTemplateRequest) (*repository.FlowTemplate, error) {
	if req.CompanyID == "" {
		return nil, errors.InvalidInput("company_id", "company is required")
	}
	if !req.ModuleType.Valid() {
		return nil, errors.InvalidInput("module_type", fmt.Sprintf("unknown module type %q", req.ModuleType))
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.InvalidInput("name", "範本名稱為必填")
	}

	ordered, err := orderSteps(req.Steps)
	if err != nil {
		return nil, err
	}
	rules, err := validateRules(ordered, s.opts.MaxSteps)
	if err != nil {
		return nil, err
	}

	t := &repository.FlowTemplate{
		CompanyID:   req.CompanyID,
		ModuleType:  req.ModuleType,
		Name:        name,
		Description: trimmed(req.Description),
		Steps:       make([]repository.FlowStep, len(rules)),
	}
	for i, r := range rules {
		t.Steps[i] = repository.FlowStep{StepOrder: i + 1, StepRule: r}
	}

	if err := s.templates.Upsert(ctx, t); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("template_id", t.ID).
		Str("company_id", t.CompanyID).
		Str("module_type", string(t.ModuleType)).
		Int("version", t.Version).
		Int("steps", len(t.Steps)).
		Msg("Flow template saved")

	return t, nil
}

// Delete removes a template no PENDING execution depends on.
func (s *TemplateService) Delete(ctx context.Context, id string) error {
	if err := s.templates.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("template_id", id).Msg("Flow template deleted")
	return nil
}

// Get returns a template by id.
func (s *TemplateService) Get(ctx context.Context, id string) (*repository.FlowTemplate, error) {
	return s.templates.GetByID(ctx, id)
}

// GetByCompanyAndModule returns the template configured for the pair.
func (s *TemplateService) GetByCompanyAndModule(ctx context.Context, companyID string, module repository.ModuleType) (*repository.FlowTemplate, error) {
	return s.templates.GetByCompanyAndModule(ctx, companyID, module)
}

// List returns every template of a company.
func (s *TemplateService) List(ctx context.Context, companyID string) ([]*repository.FlowTemplate, error) {
	return s.templates.ListByCompany(ctx, companyID)
}

// orderSteps places each step at its StepOrder. Without any explicit order
// the list order is kept.
func orderSteps(steps []repository.FlowStep) ([]repository.StepRule, error) {
	rules := make([]repository.StepRule, len(steps))
	explicit := slices.ContainsFunc(steps, func(s repository.FlowStep) bool { return s.StepOrder != 0 })
	if !explicit {
		for i, s := range steps {
			rules[i] = s.StepRule
		}
		return rules, nil
	}

	seen := make([]bool, len(steps))
	for _, s := range steps {
		if s.StepOrder < 1 || s.StepOrder > len(steps) {
			return nil, errors.InvalidInput("step_order",
				fmt.Sprintf("關卡順序必須為 1 到 %d 的連續數字，收到 %d", len(steps), s.StepOrder))
		}
		if seen[s.StepOrder-1] {
			return nil, errors.InvalidInput("step_order", fmt.Sprintf("關卡順序 %d 重複", s.StepOrder))
		}
		seen[s.StepOrder-1] = true
		rules[s.StepOrder-1] = s.StepRule
	}
	return rules, nil
}

// validateRules checks a step list shared by templates and definitions and
// returns normalized copies. Offending steps are named by their 1-based order.
func validateRules(steps []repository.StepRule, maxSteps int) ([]repository.StepRule, error) {
	if len(steps) == 0 {
		return nil, errors.InvalidInput("steps", "至少需要設定一個簽核關卡")
	}
	if len(steps) > maxSteps {
		return nil, errors.Newf(errors.ErrCodeBadRequest, "簽核關卡最多 %d 關，目前為 %d 關", maxSteps, len(steps))
	}

	out := make([]repository.StepRule, len(steps))
	required := 0
	for i, step := range steps {
		order := i + 1
		r := repository.StepRule{
			Name:         strings.TrimSpace(step.Name),
			AssigneeType: step.AssigneeType,
			IsRequired:   step.IsRequired,
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("第 %d 關", order)
		}

		switch step.AssigneeType {
		case repository.AssigneeDirectSupervisor:
		case repository.AssigneePosition:
			r.PositionID = trimmed(step.PositionID)
			if r.PositionID == nil {
				return nil, errors.Newf(errors.ErrCodeBadRequest, "第 %d 關「%s」指定職位簽核，但未選擇職位", order, r.Name)
			}
		case repository.AssigneeSpecificPerson:
			r.SpecificEmployeeID = trimmed(step.SpecificEmployeeID)
			if r.SpecificEmployeeID == nil {
				return nil, errors.Newf(errors.ErrCodeBadRequest, "第 %d 關「%s」指定人員簽核，但未選擇人員", order, r.Name)
			}
		default:
			return nil, errors.Newf(errors.ErrCodeBadRequest, "第 %d 關的簽核人類型 %q 不正確", order, step.AssigneeType)
		}

		if r.IsRequired {
			required++
		}
		out[i] = r
	}

	if required == 0 {
		return nil, errors.BadRequest("至少需要一個必要簽核關卡")
	}
	return out, nil
}
