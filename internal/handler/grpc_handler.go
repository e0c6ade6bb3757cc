package handler

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-erp-workflow/internal/service"
)

// GRPCServer serves the approval API, the standard health service and
// reflection. Readiness follows the HTTP API: it reports SERVING until
// Shutdown is called.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	services []string
	log      *logger.Logger
}

// NewGRPCServer creates a gRPC server for serviceName. A nil processor
// leaves only health and reflection registered.
func NewGRPCServer(serviceName string, processor *service.DecisionProcessor, log *logger.Logger) *GRPCServer {
	s := &GRPCServer{
		health:   health.NewServer(),
		services: []string{serviceName},
		log:      log.Component("grpc"),
	}
	s.server = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logRequests))

	healthpb.RegisterHealthServer(s.server, s.health)
	if processor != nil {
		RegisterApprovalServiceServer(s.server, NewApprovalGRPCHandler(processor, log))
		s.services = append(s.services, ApprovalServiceName)
	}
	reflection.Register(s.server)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.SetServing(true)
	return s
}

// Serve accepts connections on lis until Shutdown.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.server.Serve(lis)
}

// Shutdown flips health to NOT_SERVING and drains in-flight calls.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// SetServing updates the reported status of the workflow services.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	for _, name := range s.services {
		s.health.SetServingStatus(name, st)
	}
}

// logRequests logs every unary call and turns application errors into gRPC
// statuses.
func (s *GRPCServer) logRequests(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		if _, ok := status.FromError(err); !ok {
			err = status.Error(errors.GRPCCode(errors.CodeOf(err)), errors.MessageOf(err))
		}
	}

	event := s.log.Debug()
	if err != nil {
		event = s.log.Warn()
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(MetadataEmployeeID); len(ids) > 0 {
			event = event.Str("employee_id", ids[0])
		}
	}
	event.
		Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("duration", time.Since(start)).
		Msg("gRPC call")
	return resp, err
}
