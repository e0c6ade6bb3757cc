package handler

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
)

type approvalClient struct {
	t    *testing.T
	conn *grpc.ClientConn
}

// newApprovalClient serves the approval API of s over an in-memory listener.
func newApprovalClient(t *testing.T, s *testServer) *approvalClient {
	t.Helper()
	srv := NewGRPCServer("erp-workflow", s.processor, logger.Nop())
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Shutdown)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &approvalClient{t: t, conn: conn}
}

// call invokes method as employee; pairs in md are added as metadata.
func (c *approvalClient) call(method, employee string, in map[string]any, md ...string) (map[string]any, error) {
	c.t.Helper()
	ctx := context.Background()
	if employee != "" {
		md = append(md, MetadataEmployeeID, employee)
	}
	if len(md) > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, md...)
	}

	out := &structpb.Struct{}
	var err error
	if in == nil {
		err = c.conn.Invoke(ctx, "/"+ApprovalServiceName+"/"+method, &emptypb.Empty{}, out)
	} else {
		req, convErr := structpb.NewStruct(in)
		require.NoError(c.t, convErr)
		err = c.conn.Invoke(ctx, "/"+ApprovalServiceName+"/"+method, req, out)
	}
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func TestApprovalGRPC_SubmitApproveFlow(t *testing.T) {
	s := newTestServer(t)
	s.leaveTemplate()
	c := newApprovalClient(t, s)

	res, err := c.call("SubmitForApproval", "A", map[string]any{
		"module_type":  "LEAVE",
		"reference_id": "L-1",
		"company_id":   "C",
		"request_data": map[string]any{"days": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "STARTED", res["outcome"])
	inst := res["instance"].(map[string]any)
	records := inst["records"].([]any)
	require.Len(t, records, 1)
	record := records[0].(map[string]any)
	assert.Equal(t, []any{"S1"}, record["candidate_ids"])

	pending, err := c.call("ListPending", "S1", nil)
	require.NoError(t, err)
	items := pending["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, inst["id"], items[0].(map[string]any)["instance"].(map[string]any)["id"])

	decision := map[string]any{"instance_id": inst["id"], "record_id": record["id"]}

	_, err = c.call("Approve", "A", decision)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	decision["comment"] = "enjoy"
	approved, err := c.call("Approve", "S1", decision)
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", approved["status"])

	_, err = c.call("Approve", "S1", decision)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	callbacks := s.sent.Callbacks()
	require.Len(t, callbacks, 1)
	assert.Equal(t, "L-1", callbacks[0].RequestID)
}

func TestApprovalGRPC_RejectAndCancel(t *testing.T) {
	s := newTestServer(t)
	s.leaveTemplate()
	c := newApprovalClient(t, s)

	submit := func(ref string) (string, string) {
		t.Helper()
		res, err := c.call("SubmitForApproval", "A", map[string]any{
			"module_type": "LEAVE", "reference_id": ref, "company_id": "C",
		})
		require.NoError(t, err)
		inst := res["instance"].(map[string]any)
		record := inst["records"].([]any)[0].(map[string]any)
		return inst["id"].(string), record["id"].(string)
	}

	instID, recordID := submit("L-1")
	rejected, err := c.call("Reject", "S1", map[string]any{"instance_id": instID, "record_id": recordID})
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", rejected["status"])

	instID, _ = submit("L-2")
	_, err = c.call("Cancel", "G", map[string]any{"instance_id": instID})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	cancelled, err := c.call("Cancel", "A", map[string]any{"instance_id": instID, "reason": "plans changed"})
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", cancelled["status"])

	_, err = c.call("Cancel", "A", map[string]any{"instance_id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestApprovalGRPC_NoDefinitionFound(t *testing.T) {
	s := newTestServer(t)
	c := newApprovalClient(t, s)

	res, err := c.call("SubmitForApproval", "A", map[string]any{
		"module_type": "LEAVE", "reference_id": "L-1", "company_id": "C",
	})
	require.NoError(t, err)
	assert.Equal(t, "NO_DEFINITION_FOUND", res["outcome"])
	assert.NotContains(t, res, "instance")
}

func TestApprovalGRPC_RequestRules(t *testing.T) {
	s := newTestServer(t)
	s.leaveTemplate()
	c := newApprovalClient(t, s)
	body := map[string]any{"module_type": "LEAVE", "reference_id": "L-1", "company_id": "C", "applicant_id": "A"}

	_, err := c.call("SubmitForApproval", "", body)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.call("ListPending", "", nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.call("SubmitForApproval", "A", map[string]any{"module": "LEAVE"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// only administrators submit for someone else
	_, err = c.call("SubmitForApproval", "G", body)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	res, err := c.call("SubmitForApproval", "G", body, MetadataAdmin, "true")
	require.NoError(t, err)
	assert.Equal(t, "A", res["instance"].(map[string]any)["applicant_id"])
}

func TestApprovalGRPC_ReportsHealth(t *testing.T) {
	c := newApprovalClient(t, newTestServer(t))
	resp, err := healthpb.NewHealthClient(c.conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: ApprovalServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
