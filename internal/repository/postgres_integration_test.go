package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/database"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
)

// txCapture records the messages each store hands over inside its transaction.
type txCapture struct {
	mu   sync.Mutex
	msgs []outbox.Message
}

func (c *txCapture) WriteTx(_ context.Context, _ pgx.Tx, msgs []outbox.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *txCapture) all() []outbox.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]outbox.Message(nil), c.msgs...)
}

func setupPostgres(t *testing.T) (Stores, *database.DB, *txCapture) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("workflow"),
		postgres.WithUsername("workflow"),
		postgres.WithPassword("workflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.New(ctx, database.Config{DSN: connStr, MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx))

	capture := &txCapture{}
	return NewPostgresStores(db, capture), db, capture
}

func ptr[T any](v T) *T { return &v }

func newPendingInstance(ref, templateID string, steps int) *Instance {
	now := time.Now().UTC()
	inst := &Instance{
		ModuleType:    ModuleLeave,
		ReferenceID:   ref,
		ApplicantID:   "A",
		CompanyID:     "C",
		TemplateID:    ptr(templateID),
		SourceVersion: 1,
		CurrentStep:   1,
		Status:        InstancePending,
		RequestData:   map[string]any{"days": 2},
	}
	for i := 1; i <= steps; i++ {
		rec := &ApprovalRecord{
			StepOrder:    i,
			StepRule:     StepRule{Name: "step", AssigneeType: AssigneeSpecificPerson, IsRequired: true},
			AssigneeID:   ptr("E1"),
			CandidateIDs: []string{"E1"},
		}
		if i == 1 {
			rec.AssignedAt = &now
		}
		inst.Records = append(inst.Records, rec)
	}
	return inst
}

func TestPostgresStores(t *testing.T) {
	stores, db, capture := setupPostgres(t)
	ctx := context.Background()

	t.Run("delegation exclusivity", func(t *testing.T) {
		d := &Delegation{
			CompanyID:   "C",
			DelegatorID: "D",
			DelegateID:  "G",
			CreatedByID: "D",
			Status:      DelegationPending,
			StartDate:   time.Now().UTC(),
			Permissions: []PermissionType{PermApproveLeave, PermApproveExpense},
		}
		msgs := []outbox.Message{outbox.Notify(outbox.Notification{
			RecipientIDs: []string{"G"},
			Type:         "DELEGATION_REQUEST",
			Link:         "/delegations/{id}",
		})}
		require.NoError(t, stores.Delegations.Create(ctx, d, msgs))
		require.NotEmpty(t, d.ID)

		got, err := stores.Delegations.GetByID(ctx, d.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []PermissionType{PermApproveLeave, PermApproveExpense}, got.Permissions)
		assert.Nil(t, got.EndDate)

		notified := capture.all()
		require.NotEmpty(t, notified)
		last := notified[len(notified)-1].Notification
		require.NotNil(t, last)
		assert.Equal(t, d.ID, last.RefID)
		assert.Equal(t, "/delegations/"+d.ID, last.Link)

		dup := &Delegation{CompanyID: "C", DelegatorID: "D", DelegateID: "G", CreatedByID: "D",
			Status: DelegationPending, StartDate: time.Now().UTC()}
		err = stores.Delegations.Create(ctx, dup, nil)
		assert.Equal(t, errors.ErrCodeBadRequest, errors.CodeOf(err))

		got.Status = DelegationCancelled
		got.CancelledByID = ptr("D")
		got.CancelledAt = ptr(time.Now().UTC())
		require.NoError(t, stores.Delegations.Transition(ctx, got, []DelegationStatus{DelegationPending, DelegationAccepted}, nil))

		err = stores.Delegations.Transition(ctx, got, []DelegationStatus{DelegationPending}, nil)
		assert.Error(t, err)

		again := &Delegation{CompanyID: "C", DelegatorID: "D", DelegateID: "G", CreatedByID: "D",
			Status: DelegationPending, StartDate: time.Now().UTC()}
		require.NoError(t, stores.Delegations.Create(ctx, again, nil))

		given, err := stores.Delegations.ListByDelegator(ctx, "D")
		require.NoError(t, err)
		assert.Len(t, given, 2)
	})

	t.Run("unknown ids are not found", func(t *testing.T) {
		_, err := stores.Delegations.GetByID(ctx, "not-a-uuid")
		assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

		_, err = stores.Instances.GetByID(ctx, uuid.NewString())
		assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
	})

	t.Run("template upsert bumps version and replaces steps", func(t *testing.T) {
		tpl := &FlowTemplate{
			CompanyID:  "C",
			ModuleType: ModuleExpense,
			Name:       "Expense",
			Steps: []FlowStep{
				{StepOrder: 1, StepRule: StepRule{Name: "Supervisor", AssigneeType: AssigneeDirectSupervisor, IsRequired: true}},
				{StepOrder: 2, StepRule: StepRule{Name: "Finance", AssigneeType: AssigneePosition, PositionID: ptr("FIN"), IsRequired: true}},
			},
		}
		require.NoError(t, stores.Templates.Upsert(ctx, tpl))
		assert.Equal(t, 1, tpl.Version)
		firstID := tpl.ID

		replaced := &FlowTemplate{
			CompanyID:  "C",
			ModuleType: ModuleExpense,
			Name:       "Expense v2",
			Steps: []FlowStep{
				{StepOrder: 1, StepRule: StepRule{Name: "CFO", AssigneeType: AssigneeSpecificPerson, SpecificEmployeeID: ptr("CFO"), IsRequired: true}},
			},
		}
		require.NoError(t, stores.Templates.Upsert(ctx, replaced))
		assert.Equal(t, firstID, replaced.ID)
		assert.Equal(t, 2, replaced.Version)

		got, err := stores.Templates.GetByCompanyAndModule(ctx, "C", ModuleExpense)
		require.NoError(t, err)
		assert.Equal(t, "Expense v2", got.Name)
		require.Len(t, got.Steps, 1)
		assert.Equal(t, "CFO", *got.Steps[0].SpecificEmployeeID)

		inst := newPendingInstance("EXP-1", got.ID, 1)
		inst.ModuleType = ModuleExpense
		require.NoError(t, stores.Instances.Create(ctx, inst, nil))

		err = stores.Templates.Delete(ctx, got.ID)
		assert.Equal(t, errors.ErrCodeBadRequest, errors.CodeOf(err))

		require.NoError(t, stores.Instances.Cancel(ctx, inst.ID, "A", ptr("no longer needed"), time.Now().UTC(), nil))
		require.NoError(t, stores.Templates.Delete(ctx, got.ID))
	})

	t.Run("one pending instance per request", func(t *testing.T) {
		tplID := uuid.NewString()
		first := newPendingInstance("LV-1", tplID, 2)
		require.NoError(t, stores.Instances.Create(ctx, first, nil))

		second := newPendingInstance("LV-1", tplID, 2)
		err := stores.Instances.Create(ctx, second, nil)
		assert.Equal(t, errors.ErrCodeBadRequest, errors.CodeOf(err))

		latest, err := stores.Instances.GetLatestByReference(ctx, ModuleLeave, "LV-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, latest.ID)
		assert.Equal(t, float64(2), latest.RequestData["days"])
	})

	t.Run("transition guards", func(t *testing.T) {
		inst := newPendingInstance("LV-2", uuid.NewString(), 2)
		require.NoError(t, stores.Instances.Create(ctx, inst, nil))

		now := time.Now().UTC()
		approve := &Transition{
			InstanceID:       inst.ID,
			RecordID:         inst.Record(1).ID,
			ExpectedStep:     1,
			Decision:         DecisionApproved,
			DecidedAt:        now,
			ActualApproverID: ptr("E1"),
			NextStep:         2,
			NextStatus:       InstancePending,
		}
		callback := outbox.Callback(outbox.DecisionCallback{ModuleType: "LEAVE", RequestID: "LV-2", InstanceID: inst.ID})
		require.NoError(t, stores.Instances.ApplyTransition(ctx, approve, []outbox.Message{callback}))

		// Same record again: already decided.
		err := stores.Instances.ApplyTransition(ctx, approve, nil)
		assert.Equal(t, errors.ErrCodeBadRequest, errors.CodeOf(err))

		// Stale step on an undecided record rolls back the record update.
		stale := *approve
		stale.RecordID = inst.Record(2).ID
		stale.ExpectedStep = 1
		err = stores.Instances.ApplyTransition(ctx, &stale, nil)
		assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

		got, err := stores.Instances.GetByID(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.CurrentStep)
		assert.Equal(t, DecisionApproved, got.Record(1).Decision)
		assert.False(t, got.Record(2).Decided())
		assert.NotNil(t, got.Record(2).AssignedAt)

		pending, err := stores.Instances.ListPendingForCandidates(ctx, []string{"E1"})
		require.NoError(t, err)
		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
		assert.Contains(t, ids, inst.ID)

		final := &Transition{
			InstanceID:   inst.ID,
			RecordID:     got.Record(2).ID,
			ExpectedStep: 2,
			Decision:     DecisionRejected,
			DecidedAt:    now,
			Comment:      ptr("over budget"),
			NextStep:     2,
			NextStatus:   InstanceRejected,
			CompletedAt:  &now,
		}
		require.NoError(t, stores.Instances.ApplyTransition(ctx, final, nil))

		err = stores.Instances.Cancel(ctx, inst.ID, "A", nil, now, nil)
		assert.Equal(t, errors.ErrCodeBadRequest, errors.CodeOf(err))

		err = stores.Instances.Cancel(ctx, uuid.NewString(), "A", nil, now, nil)
		assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

		var callbacks int
		for _, m := range capture.all() {
			if m.Callback != nil && m.Callback.InstanceID == inst.ID {
				callbacks++
			}
		}
		assert.Equal(t, 1, callbacks)
	})

	t.Run("audit log is append-only", func(t *testing.T) {
		inst := newPendingInstance("LV-3", uuid.NewString(), 1)
		require.NoError(t, stores.Instances.Create(ctx, inst, nil))

		entry := &AuditEntry{
			CompanyID:   "C",
			InstanceID:  ptr(inst.ID),
			Action:      "submitted",
			PerformedBy: "A",
			PerformedAt: time.Now().UTC(),
			StatusAfter: ptr(string(InstancePending)),
			Metadata:    map[string]any{"module_type": "LEAVE"},
		}
		require.NoError(t, stores.Audit.Append(ctx, entry))

		entries, err := stores.Audit.ListByInstance(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "submitted", entries[0].Action)

		_, err = db.Exec(ctx, `DELETE FROM workflow_audit_log WHERE id = $1`, entries[0].ID)
		assert.Error(t, err)
	})

	t.Run("template reads never mix versions", func(t *testing.T) {
		// odd versions carry one step, even versions two
		shapes := [][]FlowStep{
			{{StepOrder: 1, StepRule: StepRule{Name: "one", AssigneeType: AssigneeDirectSupervisor, IsRequired: true}}},
			{
				{StepOrder: 1, StepRule: StepRule{Name: "one", AssigneeType: AssigneeDirectSupervisor, IsRequired: true}},
				{StepOrder: 2, StepRule: StepRule{Name: "two", AssigneeType: AssigneeDirectSupervisor, IsRequired: true}},
			},
		}
		write := func(i int) error {
			steps := append([]FlowStep(nil), shapes[i%2]...)
			return stores.Templates.Upsert(ctx, &FlowTemplate{CompanyID: "C", ModuleType: ModuleCard, Name: "card", Steps: steps})
		}
		require.NoError(t, write(0))

		done := make(chan error, 1)
		go func() {
			for i := 1; i <= 100; i++ {
				if err := write(i); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()

		for {
			got, err := stores.Templates.GetByCompanyAndModule(ctx, "C", ModuleCard)
			require.NoError(t, err)
			want := 2
			if got.Version%2 == 1 {
				want = 1
			}
			require.Len(t, got.Steps, want, "version %d", got.Version)

			select {
			case err := <-done:
				require.NoError(t, err)
				return
			default:
			}
		}
	})
}
