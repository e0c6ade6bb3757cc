package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-workflow/internal/client"
	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-erp-workflow/internal/repository/memory"
	"github.com/pesio-ai/be-erp-workflow/internal/service"
)

var now = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

type testServer struct {
	t         *testing.T
	handler   http.Handler
	sent      *outbox.Recorder
	processor *service.DecisionProcessor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerIn(t, time.UTC)
}

// newTestServerIn reads plain request dates in loc.
func newTestServerIn(t *testing.T, loc *time.Location) *testServer {
	t.Helper()

	clock := func() time.Time { return now }
	opts := service.Options{Now: clock}
	sent := &outbox.Recorder{}
	stores := memory.New(sent, memory.WithClock(clock)).Stores()
	dir := client.NewStaticDirectory(
		client.Assignment{EmployeeID: "A", CompanyID: "C", SupervisorID: strPtr("S1"), Status: client.AssignmentActive},
		client.Assignment{EmployeeID: "S1", CompanyID: "C", Status: client.AssignmentActive},
		client.Assignment{EmployeeID: "G", CompanyID: "C", Status: client.AssignmentActive},
	)

	log := logger.Nop()
	pending := service.NewPendingCache(time.Minute)
	resolver := service.NewResolver(dir, stores.Delegations, opts)
	definitions := service.NewDefinitionService(stores.Definitions, opts, log)
	engine := service.NewEngine(stores.Instances, stores.Templates, definitions, resolver, stores.Audit, pending, opts, log)
	processor, err := service.NewDecisionProcessor(engine, stores.Instances, resolver, pending, log)
	require.NoError(t, err)

	h := NewHTTPHandler(Services{
		Delegations: service.NewDelegationService(stores.Delegations, stores.Audit, dir, pending, opts, log),
		Templates:   service.NewTemplateService(stores.Templates, opts, log),
		Definitions: definitions,
		Engine:      engine,
		Processor:   processor,
	}, loc, log)
	return &testServer{t: t, handler: h.Routes(), sent: sent, processor: processor}
}

// do sends a JSON request as employee (empty for anonymous) and decodes the
// response into out when out is non-nil.
func (s *testServer) do(method, path, employee string, body any, out any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if employee != "" {
		req.Header.Set(HeaderEmployeeID, employee)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func (s *testServer) leaveTemplate() {
	s.t.Helper()
	rec := s.do(http.MethodPut, "/api/v1/templates", "HR", map[string]any{
		"company_id":  "C",
		"module_type": "LEAVE",
		"name":        "請假",
		"steps": []map[string]any{
			{"name": "主管", "assignee_type": "DIRECT_SUPERVISOR", "is_required": true},
		},
	}, nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

func TestHTTP_Health(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestHTTP_RequiresActingEmployee(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/v1/approvals/pending", "", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "BAD_REQUEST", string(detail.Code))
	assert.Equal(t, HeaderEmployeeID, detail.Field)
}

func TestHTTP_RejectsUnknownFields(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/v1/instances", "A", map[string]any{"module": "LEAVE"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_SubmitApproveFlow(t *testing.T) {
	s := newTestServer(t)
	s.leaveTemplate()

	var started startResultDTO
	rec := s.do(http.MethodPost, "/api/v1/instances", "A", map[string]any{
		"module_type":  "LEAVE",
		"reference_id": "L-1",
		"company_id":   "C",
		"request_data": map[string]any{"days": 2},
	}, &started)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "STARTED", started.Outcome)
	require.NotNil(t, started.Instance)
	inst := started.Instance
	require.Len(t, inst.Records, 1)
	assert.Equal(t, []string{"S1"}, inst.Records[0].CandidateIDs)

	var pending []pendingItemDTO
	rec = s.do(http.MethodGet, "/api/v1/approvals/pending", "S1", nil, &pending)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pending, 1)
	assert.Equal(t, inst.ID, pending[0].Instance.ID)

	approvePath := "/api/v1/instances/" + inst.ID + "/records/" + inst.Records[0].ID + "/approve"

	// applicants never sign their own request
	rec = s.do(http.MethodPost, approvePath, "A", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", string(decodeError(t, rec).Code))

	var approved instanceDTO
	rec = s.do(http.MethodPost, approvePath, "S1", map[string]any{"comment": "enjoy"}, &approved)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "APPROVED", approved.Status)
	assert.Equal(t, "enjoy", *approved.Records[0].Comment)

	// a second decision on the same record is refused
	rec = s.do(http.MethodPost, approvePath, "S1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var progress progressDTO
	rec = s.do(http.MethodGet, "/api/v1/instances/"+inst.ID+"/progress", "A", nil, &progress)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, progress.Steps, 1)
	assert.Equal(t, "APPROVED", progress.Steps[0].State)

	var byRef instanceDTO
	rec = s.do(http.MethodGet, "/api/v1/instances/by-reference/LEAVE/L-1", "A", nil, &byRef)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, inst.ID, byRef.ID)

	var history []auditDTO
	rec = s.do(http.MethodGet, "/api/v1/instances/"+inst.ID+"/history", "A", nil, &history)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, history)

	callbacks := s.sent.Callbacks()
	require.Len(t, callbacks, 1)
	assert.Equal(t, "L-1", callbacks[0].RequestID)
}

func TestHTTP_SubmitWithoutRouting(t *testing.T) {
	s := newTestServer(t)

	var res startResultDTO
	rec := s.do(http.MethodPost, "/api/v1/instances", "A", map[string]any{
		"module_type":  "SEAL",
		"reference_id": "S-1",
		"company_id":   "C",
	}, &res)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NO_DEFINITION_FOUND", res.Outcome)
	assert.Nil(t, res.Instance)
}

func TestHTTP_CancelNeedsApplicantOrAdmin(t *testing.T) {
	s := newTestServer(t)
	s.leaveTemplate()

	var started startResultDTO
	rec := s.do(http.MethodPost, "/api/v1/instances", "A", map[string]any{
		"module_type": "LEAVE", "reference_id": "L-2", "company_id": "C",
	}, &started)
	require.Equal(t, http.StatusCreated, rec.Code)
	cancelPath := "/api/v1/instances/" + started.Instance.ID + "/cancel"

	rec = s.do(http.MethodPost, cancelPath, "S1", map[string]any{"reason": "wrong dates"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var cancelled instanceDTO
	rec = s.do(http.MethodPost, cancelPath, "S1", map[string]any{"reason": "wrong dates"}, &cancelled, HeaderAdmin, "true")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", cancelled.Status)
	assert.Equal(t, "S1", *cancelled.CancelledByID)
}

func TestHTTP_DelegationLifecycle(t *testing.T) {
	s := newTestServer(t)

	var created delegationDTO
	rec := s.do(http.MethodPost, "/api/v1/delegations", "S1", map[string]any{
		"company_id":  "C",
		"delegate_id": "G",
		"permissions": []string{"APPROVE_LEAVE"},
		"start_date":  "2024-01-10",
		"end_date":    "2024-01-20",
	}, &created)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "S1", created.DelegatorID)
	assert.Equal(t, "PENDING", created.Status)
	require.NotNil(t, created.EndDate)
	assert.Equal(t, time.Date(2024, 1, 20, 23, 59, 59, 999999999, time.UTC), *created.EndDate)

	// only the delegate answers
	rec = s.do(http.MethodPost, "/api/v1/delegations/"+created.ID+"/accept", "S1", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var accepted delegationDTO
	rec = s.do(http.MethodPost, "/api/v1/delegations/"+created.ID+"/accept", "G", nil, &accepted)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ACCEPTED", accepted.Status)

	var active []delegationDTO
	rec = s.do(http.MethodGet, "/api/v1/delegations/active", "G", nil, &active)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, active, 1)

	var given []delegationDTO
	rec = s.do(http.MethodGet, "/api/v1/delegations/given", "S1", nil, &given)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, given, 1)

	// the delegate now sees the supervisor's queue
	s.leaveTemplate()
	rec = s.do(http.MethodPost, "/api/v1/instances", "A", map[string]any{
		"module_type": "LEAVE", "reference_id": "L-3", "company_id": "C",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var pending []pendingItemDTO
	rec = s.do(http.MethodGet, "/api/v1/approvals/pending", "G", nil, &pending)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].OnBehalfOf)
	assert.Equal(t, "S1", *pending[0].OnBehalfOf)

	rec = s.do(http.MethodPost, "/api/v1/delegations/"+created.ID+"/cancel", "S1", map[string]any{"reason": "short"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var cancelled delegationDTO
	rec = s.do(http.MethodPost, "/api/v1/delegations/"+created.ID+"/cancel", "S1", map[string]any{"reason": "returned from the trip early"}, &cancelled)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", cancelled.Status)

	var history []auditDTO
	rec = s.do(http.MethodGet, "/api/v1/delegations/"+created.ID+"/history", "S1", nil, &history)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, history, 3)
}

func TestHTTP_DelegationDatesUseCompanyZone(t *testing.T) {
	taipei := time.FixedZone("UTC+8", 8*3600)
	s := newTestServerIn(t, taipei)

	var created delegationDTO
	rec := s.do(http.MethodPost, "/api/v1/delegations", "S1", map[string]any{
		"company_id":  "C",
		"delegate_id": "G",
		"permissions": []string{"APPROVE_LEAVE"},
		"start_date":  "2024-01-10",
		"end_date":    "2024-01-31",
	}, &created)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, created.StartDate.Equal(time.Date(2024, 1, 10, 0, 0, 0, 0, taipei)), created.StartDate)
	require.NotNil(t, created.EndDate)
	assert.True(t, created.EndDate.Equal(time.Date(2024, 1, 31, 23, 59, 59, 999999999, taipei)), created.EndDate)
	assert.True(t, created.EndDate.Before(time.Date(2024, 2, 1, 0, 0, 0, 0, taipei)))

	// timestamps with an offset are taken as given
	var exact delegationDTO
	rec = s.do(http.MethodPost, "/api/v1/delegations", "S1", map[string]any{
		"company_id":  "C",
		"delegate_id": "A",
		"permissions": []string{"APPROVE_LEAVE"},
		"start_date":  "2024-01-10T08:00:00Z",
	}, &exact)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, exact.StartDate.Equal(time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)))
}

func TestHTTP_DelegationEndDayFollowsZone(t *testing.T) {
	// 2024-01-14 ends at 09:59:59Z on the 15th in UTC-10, after the 09:00Z clock
	s := newTestServerIn(t, time.FixedZone("UTC-10", -10*3600))

	var created delegationDTO
	rec := s.do(http.MethodPost, "/api/v1/delegations", "S1", map[string]any{
		"company_id":  "C",
		"delegate_id": "G",
		"permissions": []string{"APPROVE_LEAVE"},
		"start_date":  "2024-01-10",
		"end_date":    "2024-01-14",
	}, &created)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/api/v1/delegations/"+created.ID+"/accept", "G", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var active []delegationDTO
	rec = s.do(http.MethodGet, "/api/v1/delegations/active", "G", nil, &active)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, active, 1)

	utc := newTestServer(t)
	rec = utc.do(http.MethodPost, "/api/v1/delegations", "S1", map[string]any{
		"company_id":  "C",
		"delegate_id": "G",
		"permissions": []string{"APPROVE_LEAVE"},
		"start_date":  "2024-01-10",
		"end_date":    "2024-01-14",
	}, &created)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = utc.do(http.MethodPost, "/api/v1/delegations/"+created.ID+"/accept", "G", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	active = nil
	rec = utc.do(http.MethodGet, "/api/v1/delegations/active", "G", nil, &active)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, active)
}

func TestHTTP_DelegationOnBehalfNeedsAdmin(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{
		"company_id":   "C",
		"delegator_id": "S1",
		"delegate_id":  "G",
		"permissions":  []string{"APPROVE_LEAVE"},
		"start_date":   "2024-01-10",
	}

	rec := s.do(http.MethodPost, "/api/v1/delegations", "HR", body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var created delegationDTO
	rec = s.do(http.MethodPost, "/api/v1/delegations", "HR", body, &created, HeaderAdmin, "1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "HR", created.CreatedByID)
	assert.Nil(t, created.EndDate)
}

func TestHTTP_DefinitionsAndTemplates(t *testing.T) {
	s := newTestServer(t)

	var def definitionDTO
	rec := s.do(http.MethodPost, "/api/v1/definitions", "HR", map[string]any{
		"name":       "company default",
		"scope_type": "DEFAULT",
		"company_id": "C",
		"is_active":  true,
		"nodes": []map[string]any{
			{"node_order": 1, "name": "主管", "assignee_type": "DIRECT_SUPERVISOR", "is_required": true},
			{"node_order": 2, "name": "人資", "assignee_type": "SPECIFIC_PERSON", "specific_employee_id": "G", "is_required": true},
		},
	}, &def)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, def.Nodes, 2)
	require.Len(t, def.Relations, 1)

	var dup definitionDTO
	rec = s.do(http.MethodPost, "/api/v1/definitions/"+def.ID+"/duplicate", "HR", map[string]any{"name": "copy"}, &dup)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "copy", dup.Name)
	assert.False(t, dup.IsActive)

	var activated definitionDTO
	rec = s.do(http.MethodPost, "/api/v1/definitions/"+dup.ID+"/activate", "HR", nil, &activated)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, activated.IsActive)

	var list []definitionDTO
	rec = s.do(http.MethodGet, "/api/v1/definitions?company_id=C", "HR", nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, list, 2)

	rec = s.do(http.MethodGet, "/api/v1/definitions", "HR", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodDelete, "/api/v1/definitions/"+dup.ID, "HR", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodGet, "/api/v1/definitions/"+dup.ID, "HR", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// a step limit breach is a 400 carrying the validation message
	steps := make([]map[string]any, 5)
	for i := range steps {
		steps[i] = map[string]any{"name": "主管", "assignee_type": "DIRECT_SUPERVISOR", "is_required": true}
	}
	rec = s.do(http.MethodPut, "/api/v1/templates", "HR", map[string]any{
		"company_id": "C", "module_type": "LEAVE", "name": "too long", "steps": steps,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.leaveTemplate()
	var templates []templateDTO
	rec = s.do(http.MethodGet, "/api/v1/templates?company_id=C&module_type=LEAVE", "HR", nil, &templates)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, templates, 1)
	assert.Equal(t, 1, templates[0].Version)

	rec = s.do(http.MethodDelete, "/api/v1/templates/"+templates[0].ID, "HR", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHTTP_TemplateStepOrderRoundTrip(t *testing.T) {
	s := newTestServer(t)

	var saved templateDTO
	rec := s.do(http.MethodPut, "/api/v1/templates", "HR", map[string]any{
		"company_id":  "C",
		"module_type": "EXPENSE",
		"name":        "報帳",
		"steps": []map[string]any{
			{"step_order": 2, "name": "財務", "assignee_type": "SPECIFIC_PERSON", "specific_employee_id": "G", "is_required": true},
			{"step_order": 1, "name": "主管", "assignee_type": "DIRECT_SUPERVISOR", "is_required": true},
		},
	}, &saved)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, saved.Steps, 2)
	assert.Equal(t, 1, saved.Steps[0].StepOrder)
	assert.Equal(t, "主管", saved.Steps[0].Name)
	assert.Equal(t, 2, saved.Steps[1].StepOrder)
	assert.Equal(t, "財務", saved.Steps[1].Name)

	// the steps of a fetched template can be sent back as they are
	var fetched templateDTO
	rec = s.do(http.MethodGet, "/api/v1/templates/"+saved.ID, "HR", nil, &fetched)
	require.Equal(t, http.StatusOK, rec.Code)
	var again templateDTO
	rec = s.do(http.MethodPut, "/api/v1/templates", "HR", map[string]any{
		"company_id":  "C",
		"module_type": "EXPENSE",
		"name":        fetched.Name,
		"steps":       fetched.Steps,
	}, &again)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, again.Version)
	assert.Equal(t, "主管", again.Steps[0].Name)

	rec = s.do(http.MethodPut, "/api/v1/templates", "HR", map[string]any{
		"company_id":  "C",
		"module_type": "EXPENSE",
		"name":        "報帳",
		"steps": []map[string]any{
			{"step_order": 1, "name": "主管", "assignee_type": "DIRECT_SUPERVISOR", "is_required": true},
			{"step_order": 1, "name": "財務", "assignee_type": "DIRECT_SUPERVISOR", "is_required": true},
		},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "step_order", decodeError(t, rec).Field)
}
