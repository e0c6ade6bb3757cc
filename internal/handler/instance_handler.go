package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
	"github.com/pesio-ai/be-erp-workflow/internal/service"
)

// SubmitInstance starts an approval instance for a business request. A
// NO_DEFINITION_FOUND outcome is a 200 with no instance; the caller falls
// back to its own approval.
func (h *HTTPHandler) SubmitInstance(w http.ResponseWriter, r *http.Request) {
	actor, err := employeeID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var body submitBody
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	if body.ApplicantID == "" {
		body.ApplicantID = actor
	}
	if body.ApplicantID != actor && !isAdmin(r) {
		respondWithError(w, r, errors.Forbidden("only administrators can submit on behalf of others"))
		return
	}

	res, err := h.svc.Processor.Submit(r.Context(), &service.StartInstanceRequest{
		ModuleType:  repository.ModuleType(body.ModuleType),
		ReferenceID: body.ReferenceID,
		ApplicantID: body.ApplicantID,
		CompanyID:   body.CompanyID,
		GroupID:     body.GroupID,
		RequestData: body.RequestData,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	out := startResultDTO{Outcome: string(res.Outcome)}
	status := http.StatusOK
	if res.Instance != nil {
		inst := toInstance(res.Instance)
		out.Instance = &inst
		status = http.StatusCreated
	}
	respondWithJSON(w, status, out)
}

// ListInstances lists an applicant's instances, newest first. Only
// administrators may list someone else's.
func (h *HTTPHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	actor, err := employeeID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	applicant := r.URL.Query().Get("applicant_id")
	if applicant == "" {
		applicant = actor
	}
	if applicant != actor && !isAdmin(r) {
		respondWithError(w, r, errors.Forbidden("cannot list another employee's requests"))
		return
	}

	list, err := h.svc.Engine.ListByApplicant(r.Context(), applicant)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := make([]instanceDTO, len(list))
	for i, inst := range list {
		out[i] = toInstance(inst)
	}
	respondWithJSON(w, http.StatusOK, out)
}

// GetInstance handles get instance HTTP requests
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.svc.Engine.GetInstance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toInstance(inst))
}

// GetInstanceByReference returns the latest instance of a business request.
func (h *HTTPHandler) GetInstanceByReference(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst, err := h.svc.Engine.GetByReference(r.Context(), repository.ModuleType(vars["module"]), vars["referenceId"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toInstance(inst))
}

// GetProgress returns per-step state and who may act on the current step.
func (h *HTTPHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Engine.Progress(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toProgress(p))
}

// InstanceHistory returns the audit trail of an instance.
func (h *HTTPHandler) InstanceHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Engine.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toAudit(entries))
}

// ApproveRecord handles approve HTTP requests
func (h *HTTPHandler) ApproveRecord(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.svc.Processor.Approve)
}

// RejectRecord handles reject HTTP requests
func (h *HTTPHandler) RejectRecord(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.svc.Processor.Reject)
}

type decideFunc func(ctx context.Context, instanceID, recordID, signerID string, comment *string) (*repository.Instance, error)

func (h *HTTPHandler) decide(w http.ResponseWriter, r *http.Request, fn decideFunc) {
	actor, err := employeeID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	var body commentBody
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}

	vars := mux.Vars(r)
	inst, err := fn(r.Context(), vars["id"], vars["recordId"], actor, body.Comment)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toInstance(inst))
}

// CancelInstance handles cancel instance HTTP requests
func (h *HTTPHandler) CancelInstance(w http.ResponseWriter, r *http.Request) {
	actor, err := employeeID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	var body reasonBody
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}

	inst, err := h.svc.Processor.Cancel(r.Context(), &service.CancelInstanceRequest{
		InstanceID:    mux.Vars(r)["id"],
		CancelledByID: actor,
		Reason:        body.Reason,
		IsAdmin:       isAdmin(r),
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toInstance(inst))
}

// PendingApprovals lists steps the acting employee may sign now, including
// those reachable through a delegation.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor, err := employeeID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	items, err := h.svc.Processor.PendingFor(r.Context(), actor)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := make([]pendingItemDTO, len(items))
	for i, item := range items {
		out[i] = pendingItemDTO{
			Instance:   toInstance(item.Instance),
			Record:     toRecord(item.Record),
			OnBehalfOf: item.OnBehalfOf,
		}
	}
	respondWithJSON(w, http.StatusOK, out)
}
