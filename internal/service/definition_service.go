package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
)

// DefinitionService manages scope-aware workflow definitions and picks the
// one that applies to a new request.
type DefinitionService struct {
	definitions repository.DefinitionStore
	opts        Options
	log         *logger.Logger
}

// NewDefinitionService creates a new DefinitionService.
func NewDefinitionService(definitions repository.DefinitionStore, opts Options, log *logger.Logger) *DefinitionService {
	return &DefinitionService{definitions: definitions, opts: opts.withDefaults(), log: log}
}

// CreateDefinitionRequest represents a create definition request. Relations
// may be omitted, in which case the nodes are chained in the given order.
type CreateDefinitionRequest struct {
	Name        string
	ScopeType   repository.ScopeType
	CompanyID   *string
	GroupID     *string
	RequestType *repository.ModuleType
	EmployeeID  *string
	IsActive    bool
	Nodes       []repository.WorkflowNode
	Relations   []repository.WorkflowRelation
}

// Create validates and stores a definition.
func (s *DefinitionService) Create(ctx context.Context, req *CreateDefinitionRequest) (*repository.WorkflowDefinition, error) {
	d := &repository.WorkflowDefinition{
		Name:        strings.TrimSpace(req.Name),
		ScopeType:   req.ScopeType,
		CompanyID:   trimmed(req.CompanyID),
		GroupID:     trimmed(req.GroupID),
		RequestType: req.RequestType,
		EmployeeID:  trimmed(req.EmployeeID),
		IsActive:    req.IsActive,
	}
	if err := validateScope(d); err != nil {
		return nil, err
	}

	nodes, relations, err := s.buildGraph(req.Nodes, req.Relations)
	if err != nil {
		return nil, err
	}
	d.Nodes = nodes
	d.Relations = relations

	if err := s.definitions.Create(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("definition_id", d.ID).
		Str("scope_type", string(d.ScopeType)).
		Int("nodes", len(d.Nodes)).
		Bool("active", d.IsActive).
		Msg("Workflow definition created")

	return d, nil
}

// Duplicate copies a definition under a new name. The copy starts inactive.
func (s *DefinitionService) Duplicate(ctx context.Context, id, name string) (*repository.WorkflowDefinition, error) {
	src, err := s.definitions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = src.Name + "（複本）"
	}

	ids := make(map[string]string, len(src.Nodes))
	nodes := make([]repository.WorkflowNode, len(src.Nodes))
	for i, n := range src.Nodes {
		ids[n.ID] = uuid.NewString()
		nodes[i] = repository.WorkflowNode{ID: ids[n.ID], NodeOrder: n.NodeOrder, StepRule: n.StepRule}
	}
	relations := make([]repository.WorkflowRelation, len(src.Relations))
	for i, r := range src.Relations {
		relations[i] = repository.WorkflowRelation{FromNodeID: ids[r.FromNodeID], ToNodeID: ids[r.ToNodeID]}
	}

	return s.Create(ctx, &CreateDefinitionRequest{
		Name:        name,
		ScopeType:   src.ScopeType,
		CompanyID:   src.CompanyID,
		GroupID:     src.GroupID,
		RequestType: src.RequestType,
		EmployeeID:  src.EmployeeID,
		Nodes:       nodes,
		Relations:   relations,
	})
}

// Get returns a definition by id.
func (s *DefinitionService) Get(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	return s.definitions.GetByID(ctx, id)
}

// List returns the company-scoped definitions of a company.
func (s *DefinitionService) List(ctx context.Context, companyID string) ([]*repository.WorkflowDefinition, error) {
	return s.definitions.List(ctx, companyID)
}

// SetActive activates or deactivates a definition. Running instances keep
// their snapshot either way.
func (s *DefinitionService) SetActive(ctx context.Context, id string, active bool) (*repository.WorkflowDefinition, error) {
	d, err := s.definitions.SetActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("definition_id", id).Bool("active", active).Msg("Workflow definition activation changed")
	return d, nil
}

// Delete removes a definition that no instance was ever started from.
func (s *DefinitionService) Delete(ctx context.Context, id string) error {
	if err := s.definitions.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("definition_id", id).Msg("Workflow definition deleted")
	return nil
}

// Select returns the active definition that applies to the request, or nil.
// EMPLOYEE beats REQUEST_TYPE beats DEFAULT; within a scope a company
// definition beats a group one, then the most recently created wins.
func (s *DefinitionService) Select(
	ctx context.Context,
	module repository.ModuleType,
	applicantID, companyID string,
	groupID *string,
) (*repository.WorkflowDefinition, error) {
	active, err := s.definitions.ListActive(ctx, companyID, groupID)
	if err != nil {
		return nil, err
	}

	var matches []*repository.WorkflowDefinition
	for _, d := range active {
		if definitionApplies(d, module, applicantID) {
			matches = append(matches, d)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.ScopeType.Rank() != b.ScopeType.Rank() {
			return a.ScopeType.Rank() < b.ScopeType.Rank()
		}
		if (a.CompanyID != nil) != (b.CompanyID != nil) {
			return a.CompanyID != nil
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return matches[0], nil
}

func definitionApplies(d *repository.WorkflowDefinition, module repository.ModuleType, applicantID string) bool {
	switch d.ScopeType {
	case repository.ScopeEmployee:
		return d.EmployeeID != nil && *d.EmployeeID == applicantID &&
			(d.RequestType == nil || *d.RequestType == module)
	case repository.ScopeRequestType:
		return d.RequestType != nil && *d.RequestType == module
	case repository.ScopeDefault:
		return true
	}
	return false
}

// OrderedRules returns the node rules of a definition in approval order,
// following the relation chain when one is stored.
func OrderedRules(d *repository.WorkflowDefinition) ([]repository.StepRule, error) {
	nodes, err := chainOrder(d.Nodes, d.Relations)
	if err != nil {
		return nil, err
	}
	rules := make([]repository.StepRule, len(nodes))
	for i, n := range nodes {
		rules[i] = n.StepRule
	}
	return rules, nil
}

func validateScope(d *repository.WorkflowDefinition) error {
	if d.Name == "" {
		return errors.InvalidInput("name", "流程名稱為必填")
	}
	if (d.CompanyID == nil) == (d.GroupID == nil) {
		return errors.InvalidInput("company_id", "必須指定公司或集團其中之一")
	}
	if d.RequestType != nil && !d.RequestType.Valid() {
		return errors.InvalidInput("request_type", fmt.Sprintf("unknown module type %q", *d.RequestType))
	}

	switch d.ScopeType {
	case repository.ScopeEmployee:
		if d.EmployeeID == nil {
			return errors.InvalidInput("employee_id", "員工範圍的流程必須指定員工")
		}
	case repository.ScopeRequestType:
		if d.RequestType == nil {
			return errors.InvalidInput("request_type", "申請類型範圍的流程必須指定申請類型")
		}
		if d.EmployeeID != nil {
			return errors.InvalidInput("employee_id", "申請類型範圍的流程不可指定員工")
		}
	case repository.ScopeDefault:
		if d.RequestType != nil || d.EmployeeID != nil {
			return errors.InvalidInput("scope_type", "預設流程不可指定申請類型或員工")
		}
	default:
		return errors.InvalidInput("scope_type", fmt.Sprintf("unknown scope type %q", d.ScopeType))
	}
	return nil
}

// buildGraph validates node rules and relations. Without relations the nodes
// are chained in order; with relations they must form one linear chain.
func (s *DefinitionService) buildGraph(
	in []repository.WorkflowNode,
	relations []repository.WorkflowRelation,
) ([]repository.WorkflowNode, []repository.WorkflowRelation, error) {
	nodes := make([]repository.WorkflowNode, len(in))
	copy(nodes, in)

	if len(relations) > 0 {
		ordered, err := chainOrder(nodes, relations)
		if err != nil {
			return nil, nil, err
		}
		nodes = ordered
	} else {
		sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].NodeOrder < nodes[j].NodeOrder })
	}

	steps := make([]repository.StepRule, len(nodes))
	for i, n := range nodes {
		steps[i] = n.StepRule
	}
	rules, err := validateRules(steps, s.opts.MaxSteps)
	if err != nil {
		return nil, nil, err
	}

	for i := range nodes {
		if nodes[i].ID == "" {
			nodes[i].ID = uuid.NewString()
		}
		nodes[i].NodeOrder = i + 1
		nodes[i].StepRule = rules[i]
	}

	if len(relations) == 0 {
		for i := 1; i < len(nodes); i++ {
			relations = append(relations, repository.WorkflowRelation{
				FromNodeID: nodes[i-1].ID,
				ToNodeID:   nodes[i].ID,
			})
		}
	}
	return nodes, relations, nil
}

// chainOrder walks the relations from the single entry node. Branching,
// cycles, dangling ids and unreachable nodes are rejected.
func chainOrder(nodes []repository.WorkflowNode, relations []repository.WorkflowRelation) ([]repository.WorkflowNode, error) {
	if len(relations) == 0 {
		out := make([]repository.WorkflowNode, len(nodes))
		copy(out, nodes)
		sort.SliceStable(out, func(i, j int) bool { return out[i].NodeOrder < out[j].NodeOrder })
		return out, nil
	}

	byID := make(map[string]repository.WorkflowNode, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, errors.InvalidInput("nodes", "設定節點關聯時每個節點都必須有 id")
		}
		if _, dup := byID[n.ID]; dup {
			return nil, errors.InvalidInput("nodes", fmt.Sprintf("duplicate node id %s", n.ID))
		}
		byID[n.ID] = n
	}

	next := make(map[string]string, len(relations))
	hasIncoming := make(map[string]bool, len(relations))
	for _, r := range relations {
		if _, ok := byID[r.FromNodeID]; !ok {
			return nil, errors.InvalidInput("relations", fmt.Sprintf("unknown node %s", r.FromNodeID))
		}
		if _, ok := byID[r.ToNodeID]; !ok {
			return nil, errors.InvalidInput("relations", fmt.Sprintf("unknown node %s", r.ToNodeID))
		}
		if _, branch := next[r.FromNodeID]; branch || hasIncoming[r.ToNodeID] {
			return nil, errors.BadRequest("簽核流程僅支援單一路徑，節點不可分支或合流")
		}
		next[r.FromNodeID] = r.ToNodeID
		hasIncoming[r.ToNodeID] = true
	}

	var start string
	for _, n := range nodes {
		if !hasIncoming[n.ID] {
			if start != "" {
				return nil, errors.BadRequest("簽核流程必須只有一個起始節點")
			}
			start = n.ID
		}
	}
	if start == "" {
		return nil, errors.BadRequest("簽核流程不可形成循環")
	}

	out := make([]repository.WorkflowNode, 0, len(nodes))
	for id, ok := start, true; ok; id, ok = next[id] {
		out = append(out, byID[id])
		if len(out) > len(nodes) {
			return nil, errors.BadRequest("簽核流程不可形成循環")
		}
	}
	if len(out) != len(nodes) {
		return nil, errors.BadRequest("部分節點未連接到簽核流程")
	}
	return out, nil
}
