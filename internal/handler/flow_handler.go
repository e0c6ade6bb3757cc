package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-erp-workflow/internal/repository"
	"github.com/pesio-ai/be-erp-workflow/internal/service"
)

// ── Flow templates ────────────────────────────────────────────────────────────

// UpsertTemplate handles upsert template HTTP requests
func (h *HTTPHandler) UpsertTemplate(w http.ResponseWriter, r *http.Request) {
	var body upsertTemplateBody
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}

	req := &service.UpsertTemplateRequest{
		CompanyID:   body.CompanyID,
		ModuleType:  repository.ModuleType(body.ModuleType),
		Name:        body.Name,
		Description: body.Description,
		Steps:       make([]repository.FlowStep, len(body.Steps)),
	}
	for i, s := range body.Steps {
		req.Steps[i] = repository.FlowStep{StepOrder: s.StepOrder, StepRule: s.rule()}
	}

	tpl, err := h.svc.Templates.Upsert(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toTemplate(tpl))
}

// ListTemplates lists a company's templates, or returns the single template
// of one module when module_type is given.
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	companyID, err := requiredQuery(r, "company_id")
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	if module := r.URL.Query().Get("module_type"); module != "" {
		tpl, err := h.svc.Templates.GetByCompanyAndModule(r.Context(), companyID, repository.ModuleType(module))
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		respondWithJSON(w, http.StatusOK, []templateDTO{toTemplate(tpl)})
		return
	}

	list, err := h.svc.Templates.List(r.Context(), companyID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := make([]templateDTO, len(list))
	for i, tpl := range list {
		out[i] = toTemplate(tpl)
	}
	respondWithJSON(w, http.StatusOK, out)
}

// GetTemplate handles get template HTTP requests
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.svc.Templates.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toTemplate(tpl))
}

// DeleteTemplate handles delete template HTTP requests
func (h *HTTPHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Templates.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondNoContent(w)
}

// ── Workflow definitions ──────────────────────────────────────────────────────

// CreateDefinition handles create definition HTTP requests
func (h *HTTPHandler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	var body createDefinitionBody
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}

	req := &service.CreateDefinitionRequest{
		Name:       body.Name,
		ScopeType:  repository.ScopeType(body.ScopeType),
		CompanyID:  body.CompanyID,
		GroupID:    body.GroupID,
		EmployeeID: body.EmployeeID,
		IsActive:   body.IsActive,
		Nodes:      make([]repository.WorkflowNode, len(body.Nodes)),
	}
	if body.RequestType != nil {
		rt := repository.ModuleType(*body.RequestType)
		req.RequestType = &rt
	}
	for i, n := range body.Nodes {
		req.Nodes[i] = repository.WorkflowNode{ID: n.ID, NodeOrder: n.NodeOrder, StepRule: n.rule()}
	}
	for _, rel := range body.Relations {
		req.Relations = append(req.Relations, repository.WorkflowRelation{FromNodeID: rel.FromNodeID, ToNodeID: rel.ToNodeID})
	}

	d, err := h.svc.Definitions.Create(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toDefinition(d))
}

// ListDefinitions handles list definitions HTTP requests
func (h *HTTPHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	companyID, err := requiredQuery(r, "company_id")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	list, err := h.svc.Definitions.List(r.Context(), companyID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := make([]definitionDTO, len(list))
	for i, d := range list {
		out[i] = toDefinition(d)
	}
	respondWithJSON(w, http.StatusOK, out)
}

// GetDefinition handles get definition HTTP requests
func (h *HTTPHandler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Definitions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toDefinition(d))
}

// DuplicateDefinition copies a definition under a new name. The copy starts
// inactive.
func (h *HTTPHandler) DuplicateDefinition(w http.ResponseWriter, r *http.Request) {
	var body duplicateBody
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	d, err := h.svc.Definitions.Duplicate(r.Context(), mux.Vars(r)["id"], body.Name)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toDefinition(d))
}

// ActivateDefinition handles activate definition HTTP requests
func (h *HTTPHandler) ActivateDefinition(w http.ResponseWriter, r *http.Request) {
	h.setDefinitionActive(w, r, true)
}

// DeactivateDefinition handles deactivate definition HTTP requests
func (h *HTTPHandler) DeactivateDefinition(w http.ResponseWriter, r *http.Request) {
	h.setDefinitionActive(w, r, false)
}

func (h *HTTPHandler) setDefinitionActive(w http.ResponseWriter, r *http.Request, active bool) {
	d, err := h.svc.Definitions.SetActive(r.Context(), mux.Vars(r)["id"], active)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toDefinition(d))
}

// DeleteDefinition handles delete definition HTTP requests
func (h *HTTPHandler) DeleteDefinition(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Definitions.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondNoContent(w)
}
