package outbox

import (
	"context"
	"fmt"
)

// Publisher sends a notification to the notification service.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Applier applies a final decision to a business request.
type Applier interface {
	Apply(ctx context.Context, c DecisionCallback) error
}

// Dispatcher is the Handler used in production: notifications go to the
// publisher, callbacks to the applier.
type Dispatcher struct {
	publisher Publisher
	applier   Applier
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(publisher Publisher, applier Applier) *Dispatcher {
	return &Dispatcher{publisher: publisher, applier: applier}
}

// HandleNotification implements Handler.
func (d *Dispatcher) HandleNotification(ctx context.Context, n Notification) error {
	if d.publisher == nil || len(n.RecipientIDs) == 0 {
		return nil
	}
	if err := d.publisher.Publish(ctx, n); err != nil {
		return fmt.Errorf("publish %s notification: %w", n.Type, err)
	}
	return nil
}

// HandleCallback implements Handler.
func (d *Dispatcher) HandleCallback(ctx context.Context, c DecisionCallback) error {
	if d.applier == nil {
		return nil
	}
	if err := d.applier.Apply(ctx, c); err != nil {
		return fmt.Errorf("apply %s decision to %s/%s: %w", c.FinalStatus, c.ModuleType, c.RequestID, err)
	}
	return nil
}
