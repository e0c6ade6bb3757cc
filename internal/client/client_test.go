package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func strPtr(s string) *string { return &s }

func TestNotificationPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	p := &NotificationPublisher{conn: conn, prefix: DefaultSubjectPrefix, log: zerolog.Nop()}

	err := p.Publish(context.Background(), outbox.Notification{
		RecipientIDs: []string{"E1", "E2"},
		Type:         "final_approval",
		Title:        "簽核完成",
		RefType:      "LEAVE",
		RefID:        "L1",
		CompanyID:    "C",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"notifications.erp.final_approval"}, conn.subjects)

	var event NotificationEvent
	require.NoError(t, json.Unmarshal(conn.payloads[0], &event))
	assert.Equal(t, "final_approval", event.EventType)
	assert.Equal(t, "C", event.EntityID)
	assert.Equal(t, []string{"E1", "E2"}, event.Recipients)
	assert.Equal(t, "L1", event.ResourceID)
	assert.False(t, event.IsActionable)
}

func TestNotificationPublisher_Errors(t *testing.T) {
	conn := &fakeConn{err: errors.New("connection closed")}
	p := &NotificationPublisher{conn: conn, prefix: "x", log: zerolog.Nop()}

	err := p.Publish(context.Background(), outbox.Notification{RecipientIDs: []string{"E1"}, Type: "approval_required"})
	assert.ErrorContains(t, err, "x.approval_required")

	// nobody to notify
	assert.NoError(t, p.Publish(context.Background(), outbox.Notification{Type: "approval_required"}))
}

func TestNotificationPublisher_LogOnly(t *testing.T) {
	p := NewNotificationPublisher(nil, "", zerolog.Nop())
	assert.Equal(t, DefaultSubjectPrefix, p.prefix)
	assert.NoError(t, p.Publish(context.Background(), outbox.Notification{RecipientIDs: []string{"E1"}, Type: "x"}))
}

func TestApplierRegistry(t *testing.T) {
	var got []outbox.DecisionCallback
	r := NewApplierRegistry(zerolog.Nop())
	// keys come back lowercased from config files
	r.Register("leave", ApplierFunc(func(_ context.Context, c outbox.DecisionCallback) error {
		got = append(got, c)
		return nil
	}))

	require.NoError(t, r.Apply(context.Background(), outbox.DecisionCallback{ModuleType: "LEAVE", RequestID: "L1", FinalStatus: "APPROVED"}))
	require.NoError(t, r.Apply(context.Background(), outbox.DecisionCallback{ModuleType: "SEAL", RequestID: "S1", FinalStatus: "APPROVED"}))

	require.Len(t, got, 1)
	assert.Equal(t, "L1", got[0].RequestID)
}

func TestNewSQLApplier(t *testing.T) {
	a, err := NewSQLApplier(nil, "hr.leave_requests")
	require.NoError(t, err)
	assert.Equal(t, `"hr"."leave_requests"`, a.table)

	_, err = NewSQLApplier(nil, " ")
	assert.Error(t, err)
}

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewStaticDirectory(
		Assignment{EmployeeID: "A", CompanyID: "C", SupervisorID: strPtr("S1"), Status: AssignmentActive},
		Assignment{EmployeeID: "P2", CompanyID: "C", PositionID: strPtr("MGR"), Status: AssignmentActive},
		Assignment{EmployeeID: "P1", CompanyID: "C", PositionID: strPtr("MGR"), Status: AssignmentActive},
		Assignment{EmployeeID: "P3", CompanyID: "OTHER", PositionID: strPtr("MGR"), Status: AssignmentActive},
	)

	sup, ok, err := dir.SupervisorOf(ctx, "A", "C")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "S1", sup)

	_, ok, err = dir.SupervisorOf(ctx, "A", "OTHER")
	require.NoError(t, err)
	assert.False(t, ok)

	holders, err := dir.PositionHolders(ctx, "C", "MGR")
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, holders)

	dir.Deactivate("P1")
	holders, err = dir.PositionHolders(ctx, "C", "MGR")
	require.NoError(t, err)
	assert.Equal(t, []string{"P2"}, holders)

	active, err := dir.ActiveAssignments(ctx, "P1")
	require.NoError(t, err)
	assert.Empty(t, active)
}
