package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
	"github.com/pesio-ai/be-erp-workflow/internal/service"
)

// ApprovalServiceName is the fully qualified gRPC service name.
const ApprovalServiceName = "erp.workflow.v1.ApprovalService"

// Metadata keys carrying the acting employee, mirroring the HTTP headers.
const (
	MetadataEmployeeID = "x-employee-id"
	MetadataAdmin      = "x-admin"
)

// ApprovalServiceServer is the approval API over gRPC. Messages are
// google.protobuf.Struct values shaped like the HTTP JSON bodies.
type ApprovalServiceServer interface {
	SubmitForApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reject(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("SubmitForApproval", ApprovalServiceServer.SubmitForApproval),
		unaryMethod("Approve", ApprovalServiceServer.Approve),
		unaryMethod("Reject", ApprovalServiceServer.Reject),
		unaryMethod("Cancel", ApprovalServiceServer.Cancel),
		unaryMethod("ListPending", ApprovalServiceServer.ListPending),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&approvalServiceDesc, srv)
}

func unaryMethod[In any](
	name string,
	call func(ApprovalServiceServer, context.Context, *In) (*structpb.Struct, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(In)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ApprovalServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ApprovalServiceServer), ctx, req.(*In))
			})
		},
	}
}

// ApprovalGRPCHandler implements ApprovalServiceServer on the decision
// processor.
type ApprovalGRPCHandler struct {
	processor *service.DecisionProcessor
	log       *logger.Logger
}

// NewApprovalGRPCHandler creates a new approval gRPC handler
func NewApprovalGRPCHandler(processor *service.DecisionProcessor, log *logger.Logger) *ApprovalGRPCHandler {
	return &ApprovalGRPCHandler{
		processor: processor,
		log:       log.Component("approval_grpc"),
	}
}

type decisionBody struct {
	InstanceID string  `json:"instance_id"`
	RecordID   string  `json:"record_id"`
	Comment    *string `json:"comment"`
}

type cancelBody struct {
	InstanceID string  `json:"instance_id"`
	Reason     *string `json:"reason"`
}

// SubmitForApproval starts an approval instance. NO_DEFINITION_FOUND comes
// back as an outcome without an instance, not as an error.
func (h *ApprovalGRPCHandler) SubmitForApproval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var body submitBody
	if err := decodeStruct(req, &body); err != nil {
		return nil, err
	}
	if body.ApplicantID == "" {
		body.ApplicantID = actor
	}
	if body.ApplicantID != actor && !callerIsAdmin(ctx) {
		return nil, errors.Forbidden("only administrators can submit on behalf of others")
	}

	h.log.Info().
		Str("module_type", body.ModuleType).
		Str("reference_id", body.ReferenceID).
		Msg("gRPC SubmitForApproval called")

	res, err := h.processor.Submit(ctx, &service.StartInstanceRequest{
		ModuleType:  repository.ModuleType(body.ModuleType),
		ReferenceID: body.ReferenceID,
		ApplicantID: body.ApplicantID,
		CompanyID:   body.CompanyID,
		GroupID:     body.GroupID,
		RequestData: body.RequestData,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to submit for approval")
		return nil, err
	}

	out := startResultDTO{Outcome: string(res.Outcome)}
	if res.Instance != nil {
		inst := toInstance(res.Instance)
		out.Instance = &inst
	}
	return encodeStruct(out)
}

// Approve signs a record as approved.
func (h *ApprovalGRPCHandler) Approve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.decide(ctx, req, "Approve", h.processor.Approve)
}

// Reject signs a record as rejected.
func (h *ApprovalGRPCHandler) Reject(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.decide(ctx, req, "Reject", h.processor.Reject)
}

func (h *ApprovalGRPCHandler) decide(ctx context.Context, req *structpb.Struct, method string, fn decideFunc) (*structpb.Struct, error) {
	actor, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var body decisionBody
	if err := decodeStruct(req, &body); err != nil {
		return nil, err
	}

	h.log.Info().
		Str("instance_id", body.InstanceID).
		Str("record_id", body.RecordID).
		Msg("gRPC " + method + " called")

	inst, err := fn(ctx, body.InstanceID, body.RecordID, actor, body.Comment)
	if err != nil {
		h.log.Error().Err(err).Str("instance_id", body.InstanceID).Msg("Failed to " + strings.ToLower(method) + " record")
		return nil, err
	}
	return encodeStruct(toInstance(inst))
}

// Cancel withdraws a pending instance.
func (h *ApprovalGRPCHandler) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var body cancelBody
	if err := decodeStruct(req, &body); err != nil {
		return nil, err
	}

	h.log.Info().Str("instance_id", body.InstanceID).Msg("gRPC Cancel called")

	inst, err := h.processor.Cancel(ctx, &service.CancelInstanceRequest{
		InstanceID:    body.InstanceID,
		CancelledByID: actor,
		Reason:        body.Reason,
		IsAdmin:       callerIsAdmin(ctx),
	})
	if err != nil {
		h.log.Error().Err(err).Str("instance_id", body.InstanceID).Msg("Failed to cancel instance")
		return nil, err
	}
	return encodeStruct(toInstance(inst))
}

// ListPending returns {"items": [...]} with the steps the caller may sign.
func (h *ApprovalGRPCHandler) ListPending(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	actor, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	items, err := h.processor.PendingFor(ctx, actor)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list pending approvals")
		return nil, err
	}
	out := make([]pendingItemDTO, len(items))
	for i, item := range items {
		out[i] = pendingItemDTO{
			Instance:   toInstance(item.Instance),
			Record:     toRecord(item.Record),
			OnBehalfOf: item.OnBehalfOf,
		}
	}
	return encodeStruct(struct {
		Items []pendingItemDTO `json:"items"`
	}{Items: out})
}

func callerID(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if ids := md.Get(MetadataEmployeeID); len(ids) > 0 {
		if id := strings.TrimSpace(ids[0]); id != "" {
			return id, nil
		}
	}
	return "", errors.InvalidInput(MetadataEmployeeID, "missing acting employee")
}

func callerIsAdmin(ctx context.Context) bool {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(MetadataAdmin); len(v) > 0 {
		ok, _ := strconv.ParseBool(v[0])
		return ok
	}
	return false
}

// decodeStruct applies the HTTP body rules to a Struct payload, unknown
// fields included.
func decodeStruct(in *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeBadRequest, "invalid request payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(err, errors.ErrCodeBadRequest, "invalid request payload")
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "encode response")
	}
	return out, nil
}
