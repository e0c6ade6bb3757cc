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
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
)

func TestGRPCServer_Health(t *testing.T) {
	srv := NewGRPCServer("erp-workflow", nil, logger.Nop())
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Shutdown)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "erp-workflow"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	srv.SetServing(false)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "erp-workflow"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPCServer_MapsApplicationErrors(t *testing.T) {
	srv := NewGRPCServer("erp-workflow", nil, logger.Nop())
	info := &grpc.UnaryServerInfo{FullMethod: "/test/Method"}

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{name: "not found", err: errors.NotFound("instance", "i-1"), want: codes.NotFound},
		{name: "forbidden", err: errors.Forbidden("not yours"), want: codes.PermissionDenied},
		{name: "unroutable", err: errors.Unroutable("no approver"), want: codes.FailedPrecondition},
		{name: "conflict", err: errors.New(errors.ErrCodeConflict, "changed"), want: codes.Aborted},
		{name: "status passes through", err: status.Error(codes.Unavailable, "down"), want: codes.Unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.logRequests(context.Background(), nil, info, func(context.Context, any) (any, error) {
				return nil, tt.err
			})
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}
