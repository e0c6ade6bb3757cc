package handler

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-erp-workflow/internal/service"
)

// Request headers set by the gateway after authentication.
const (
	HeaderEmployeeID = "X-Employee-ID"
	HeaderAdmin      = "X-Admin"
	HeaderRequestID  = "X-Request-ID"
)

// Services groups the workflow services exposed over HTTP.
type Services struct {
	Delegations *service.DelegationService
	Templates   *service.TemplateService
	Definitions *service.DefinitionService
	Engine      *service.Engine
	Processor   *service.DecisionProcessor
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	svc Services
	loc *time.Location
	log *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. Plain dates in requests are
// read in loc, or UTC when loc is nil.
func NewHTTPHandler(svc Services, loc *time.Location, log *logger.Logger) *HTTPHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &HTTPHandler{
		svc: svc,
		loc: loc,
		log: log,
	}
}

// Routes returns the router with every endpoint and the logging middleware.
func (h *HTTPHandler) Routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	// Delegations. Literal paths are registered before {id}.
	api.HandleFunc("/delegations", h.CreateDelegation).Methods(http.MethodPost)
	api.HandleFunc("/delegations/given", h.ListGivenDelegations).Methods(http.MethodGet)
	api.HandleFunc("/delegations/received", h.ListReceivedDelegations).Methods(http.MethodGet)
	api.HandleFunc("/delegations/active", h.ListActiveDelegations).Methods(http.MethodGet)
	api.HandleFunc("/delegations/eligibility/{employeeId}", h.CheckCanBeDelegate).Methods(http.MethodGet)
	api.HandleFunc("/delegations/{id}", h.GetDelegation).Methods(http.MethodGet)
	api.HandleFunc("/delegations/{id}/history", h.DelegationHistory).Methods(http.MethodGet)
	api.HandleFunc("/delegations/{id}/accept", h.AcceptDelegation).Methods(http.MethodPost)
	api.HandleFunc("/delegations/{id}/reject", h.RejectDelegation).Methods(http.MethodPost)
	api.HandleFunc("/delegations/{id}/cancel", h.CancelDelegation).Methods(http.MethodPost)

	// Flow templates.
	api.HandleFunc("/templates", h.UpsertTemplate).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/templates", h.ListTemplates).Methods(http.MethodGet)
	api.HandleFunc("/templates/{id}", h.GetTemplate).Methods(http.MethodGet)
	api.HandleFunc("/templates/{id}", h.DeleteTemplate).Methods(http.MethodDelete)

	// Workflow definitions.
	api.HandleFunc("/definitions", h.CreateDefinition).Methods(http.MethodPost)
	api.HandleFunc("/definitions", h.ListDefinitions).Methods(http.MethodGet)
	api.HandleFunc("/definitions/{id}", h.GetDefinition).Methods(http.MethodGet)
	api.HandleFunc("/definitions/{id}", h.DeleteDefinition).Methods(http.MethodDelete)
	api.HandleFunc("/definitions/{id}/duplicate", h.DuplicateDefinition).Methods(http.MethodPost)
	api.HandleFunc("/definitions/{id}/activate", h.ActivateDefinition).Methods(http.MethodPost)
	api.HandleFunc("/definitions/{id}/deactivate", h.DeactivateDefinition).Methods(http.MethodPost)

	// Instances and decisions.
	api.HandleFunc("/instances", h.SubmitInstance).Methods(http.MethodPost)
	api.HandleFunc("/instances", h.ListInstances).Methods(http.MethodGet)
	api.HandleFunc("/instances/by-reference/{module}/{referenceId}", h.GetInstanceByReference).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}", h.GetInstance).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/progress", h.GetProgress).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/history", h.InstanceHistory).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/cancel", h.CancelInstance).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/records/{recordId}/approve", h.ApproveRecord).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/records/{recordId}/reject", h.RejectRecord).Methods(http.MethodPost)
	api.HandleFunc("/approvals/pending", h.PendingApprovals).Methods(http.MethodGet)

	router.Use(h.recoverer)
	router.Use(requestID)

	// hlog wraps the router so 404 and 405 responses are logged too.
	var handler http.Handler = router
	handler = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(handler)
	handler = hlog.RemoteAddrHandler("remote_addr")(handler)
	handler = hlog.NewHandler(h.log.Logger)(handler)
	return handler
}

// Health handles liveness checks.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Middleware ────────────────────────────────────────────────────────────────

// requestID propagates or assigns X-Request-ID and tags the request logger.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		log := zerolog.Ctx(r.Context())
		log.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("request_id", id)
		})
		next.ServeHTTP(w, r)
	})
}

func (h *HTTPHandler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				hlog.FromRequest(r).Error().Interface("panic", rec).Msg("handler panicked")
				respondWithError(w, r, errors.New(errors.ErrCodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	detail := errorDetail{Code: code, Message: errors.MessageOf(err)}
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		detail.Field = appErr.Field
	}
	if code == errors.ErrCodeInternal {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		detail.Message = "internal error"
	}
	respondWithJSON(w, errors.HTTPStatus(code), errorBody{Error: detail})
}

func respondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !stderrors.Is(err, io.EOF) {
		return errors.Wrap(err, errors.ErrCodeBadRequest, "invalid request body")
	}
	return nil
}

// employeeID returns the acting employee set by the gateway.
func employeeID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderEmployeeID))
	if id == "" {
		return "", errors.InvalidInput(HeaderEmployeeID, "missing acting employee")
	}
	return id, nil
}

func isAdmin(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.Header.Get(HeaderAdmin))
	return ok
}

func requiredQuery(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return "", errors.InvalidInput(name, name+" is required")
	}
	return v, nil
}

const dateLayout = "2006-01-02"

// parseDate accepts RFC 3339 timestamps or plain dates. Plain dates are days
// in the company time zone; a plain end date covers the whole day.
func (h *HTTPHandler) parseDate(field, value string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(dateLayout, value, h.loc)
	if err != nil {
		return time.Time{}, errors.InvalidInput(field, "expected YYYY-MM-DD or RFC 3339")
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}
