package service

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-erp-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
)

const instrumentationName = "github.com/pesio-ai/be-erp-workflow/internal/service"

// PendingItem is one step waiting for an employee's decision. OnBehalfOf is
// set when the employee sees it through a delegation.
type PendingItem struct {
	Instance   *repository.Instance
	Record     *repository.ApprovalRecord
	OnBehalfOf *string
}

// DecisionProcessor is the entry point used by transports: it wraps the
// engine with tracing, a decision counter and the pending-approval cache.
type DecisionProcessor struct {
	engine    *Engine
	instances repository.InstanceStore
	resolver  *Resolver
	pending   *PendingCache
	tracer    trace.Tracer
	decisions metric.Int64Counter
	log       *logger.Logger
}

// NewDecisionProcessor creates a DecisionProcessor using the global otel
// tracer and meter providers.
func NewDecisionProcessor(
	engine *Engine,
	instances repository.InstanceStore,
	resolver *Resolver,
	pending *PendingCache,
	log *logger.Logger,
) (*DecisionProcessor, error) {
	decisions, err := otel.Meter(instrumentationName).Int64Counter(
		"workflow.decisions",
		metric.WithDescription("Approval decisions by action and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	return &DecisionProcessor{
		engine:    engine,
		instances: instances,
		resolver:  resolver,
		pending:   pending,
		tracer:    otel.Tracer(instrumentationName),
		decisions: decisions,
		log:       log,
	}, nil
}

// Submit starts an instance for a business request.
func (p *DecisionProcessor) Submit(ctx context.Context, req *StartInstanceRequest) (*StartResult, error) {
	ctx, span := p.tracer.Start(ctx, "workflow.Submit", trace.WithAttributes(
		attribute.String("workflow.module_type", string(req.ModuleType)),
		attribute.String("workflow.reference_id", req.ReferenceID),
	))
	defer span.End()

	res, err := p.engine.StartInstance(ctx, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("workflow.outcome", string(res.Outcome)))
	if res.Instance != nil {
		span.SetAttributes(attribute.String("workflow.instance_id", res.Instance.ID))
	}
	return res, nil
}

// Approve approves the record on behalf of signerID.
func (p *DecisionProcessor) Approve(ctx context.Context, instanceID, recordID, signerID string, comment *string) (*repository.Instance, error) {
	return p.decide(ctx, &ProcessApprovalRequest{
		InstanceID: instanceID,
		RecordID:   recordID,
		Action:     ActionApprove,
		Comment:    comment,
		SignerID:   signerID,
	})
}

// Reject rejects the record, ending the instance.
func (p *DecisionProcessor) Reject(ctx context.Context, instanceID, recordID, signerID string, comment *string) (*repository.Instance, error) {
	return p.decide(ctx, &ProcessApprovalRequest{
		InstanceID: instanceID,
		RecordID:   recordID,
		Action:     ActionReject,
		Comment:    comment,
		SignerID:   signerID,
	})
}

func (p *DecisionProcessor) decide(ctx context.Context, req *ProcessApprovalRequest) (*repository.Instance, error) {
	ctx, span := p.tracer.Start(ctx, "workflow.ProcessApproval", trace.WithAttributes(
		attribute.String("workflow.instance_id", req.InstanceID),
		attribute.String("workflow.record_id", req.RecordID),
		attribute.String("workflow.action", string(req.Action)),
	))
	defer span.End()

	inst, err := p.engine.ProcessApproval(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = string(errors.CodeOf(err))
		recordError(span, err)
	} else {
		span.SetAttributes(attribute.String("workflow.status", string(inst.Status)))
	}
	p.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(req.Action)),
		attribute.String("outcome", outcome),
	))

	if err != nil {
		if errors.Is(err, errors.ErrCodeConflict) {
			p.log.Warn().Err(err).
				Str("instance_id", req.InstanceID).
				Str("signer_id", req.SignerID).
				Msg("Concurrent decision lost the race")
		}
		return nil, err
	}
	return inst, nil
}

// Cancel withdraws a PENDING instance.
func (p *DecisionProcessor) Cancel(ctx context.Context, req *CancelInstanceRequest) (*repository.Instance, error) {
	ctx, span := p.tracer.Start(ctx, "workflow.Cancel", trace.WithAttributes(
		attribute.String("workflow.instance_id", req.InstanceID),
		attribute.Bool("workflow.admin", req.IsAdmin),
	))
	defer span.End()

	inst, err := p.engine.CancelInstance(ctx, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return inst, nil
}

// PendingFor lists the steps waiting for employeeID, directly or through an
// active delegation, oldest first. Results are cached until a transition or
// delegation change touches the employee.
func (p *DecisionProcessor) PendingFor(ctx context.Context, employeeID string) ([]*PendingItem, error) {
	if items, ok := p.pending.get(employeeID); ok {
		return items, nil
	}

	delegations, err := p.resolver.DelegationsFor(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	ids := []string{employeeID}
	for _, d := range delegations {
		ids = append(ids, d.DelegatorID)
	}

	instances, err := p.instances.ListPendingForCandidates(ctx, uniq(ids))
	if err != nil {
		return nil, err
	}

	items := make([]*PendingItem, 0, len(instances))
	for _, inst := range instances {
		if inst.ApplicantID == employeeID {
			continue
		}
		rec := inst.CurrentRecord()
		if rec == nil || rec.Decided() {
			continue
		}
		if slices.Contains(rec.CandidateIDs, employeeID) {
			items = append(items, &PendingItem{Instance: inst, Record: rec})
			continue
		}
		perm := inst.ModuleType.ApprovePermission()
		for _, d := range delegations {
			if d.CompanyID == inst.CompanyID && d.Covers(perm) && slices.Contains(rec.CandidateIDs, d.DelegatorID) {
				items = append(items, &PendingItem{Instance: inst, Record: rec, OnBehalfOf: ptr(d.DelegatorID)})
				break
			}
		}
	}

	p.pending.set(employeeID, items)
	return items, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, errors.MessageOf(err))
	span.SetAttributes(attribute.String("error.code", string(errors.CodeOf(err))))
}
