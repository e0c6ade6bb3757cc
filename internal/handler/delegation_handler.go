package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
	"github.com/pesio-ai/be-erp-workflow/internal/service"
)

// CreateDelegation handles create delegation HTTP requests. The delegator
// defaults to the acting employee; an administrator may create one on
// someone else's behalf.
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	actor, err := employeeID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var body createDelegationBody
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}

	req := &service.CreateDelegationRequest{
		CompanyID:   body.CompanyID,
		DelegatorID: body.DelegatorID,
		DelegateID:  body.DelegateID,
		CreatedByID: actor,
	}
	if req.DelegatorID == "" {
		req.DelegatorID = actor
	}
	if req.DelegatorID != actor && !isAdmin(r) {
		respondWithError(w, r, errors.Forbidden("only administrators can delegate on behalf of others"))
		return
	}
	for _, p := range body.Permissions {
		req.Permissions = append(req.Permissions, repository.PermissionType(p))
	}
	if body.StartDate != "" {
		if req.StartDate, err = h.parseDate("start_date", body.StartDate, false); err != nil {
			respondWithError(w, r, err)
			return
		}
	}
	if body.EndDate != nil && *body.EndDate != "" {
		end, err := h.parseDate("end_date", *body.EndDate, true)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		req.EndDate = &end
	}

	d, err := h.svc.Delegations.Create(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toDelegation(d))
}

// GetDelegation handles get delegation HTTP requests
func (h *HTTPHandler) GetDelegation(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Delegations.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toDelegation(d))
}

// ListGivenDelegations lists delegations the acting employee granted.
func (h *HTTPHandler) ListGivenDelegations(w http.ResponseWriter, r *http.Request) {
	h.listDelegations(w, r, h.svc.Delegations.ListGiven)
}

// ListReceivedDelegations lists delegations granted to the acting employee.
func (h *HTTPHandler) ListReceivedDelegations(w http.ResponseWriter, r *http.Request) {
	h.listDelegations(w, r, h.svc.Delegations.ListReceived)
}

// ListActiveDelegations lists delegations the acting employee may act under
// right now.
func (h *HTTPHandler) ListActiveDelegations(w http.ResponseWriter, r *http.Request) {
	h.listDelegations(w, r, h.svc.Delegations.GetActiveDelegations)
}

func (h *HTTPHandler) listDelegations(
	w http.ResponseWriter,
	r *http.Request,
	list func(ctx context.Context, employeeID string) ([]*repository.Delegation, error),
) {
	actor, err := employeeID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out, err := list(r.Context(), actor)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toDelegations(out))
}

// CheckCanBeDelegate reports whether an employee may be chosen as a delegate.
func (h *HTTPHandler) CheckCanBeDelegate(w http.ResponseWriter, r *http.Request) {
	ok, reason, err := h.svc.Delegations.CheckCanBeDelegate(r.Context(), mux.Vars(r)["employeeId"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	resp := map[string]any{"eligible": ok}
	if !ok {
		resp["reason"] = reason
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// AcceptDelegation handles accept delegation HTTP requests
func (h *HTTPHandler) AcceptDelegation(w http.ResponseWriter, r *http.Request) {
	actor, err := employeeID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	d, err := h.svc.Delegations.Accept(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toDelegation(d))
}

// RejectDelegation handles reject delegation HTTP requests
func (h *HTTPHandler) RejectDelegation(w http.ResponseWriter, r *http.Request) {
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
	d, err := h.svc.Delegations.Reject(r.Context(), mux.Vars(r)["id"], actor, body.Reason)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toDelegation(d))
}

// CancelDelegation handles cancel delegation HTTP requests
func (h *HTTPHandler) CancelDelegation(w http.ResponseWriter, r *http.Request) {
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
	d, err := h.svc.Delegations.Cancel(r.Context(), mux.Vars(r)["id"], actor, body.Reason)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toDelegation(d))
}

// DelegationHistory returns the audit trail of one delegation.
func (h *HTTPHandler) DelegationHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Delegations.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toAudit(entries))
}
