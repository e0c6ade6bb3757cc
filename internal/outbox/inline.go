package outbox

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Inline delivers messages synchronously right after an in-memory commit.
// Delivery failures are logged and dropped.
type Inline struct {
	handler Handler
	log     zerolog.Logger
}

// NewInline creates an Inline deliverer.
func NewInline(handler Handler, log zerolog.Logger) *Inline {
	return &Inline{handler: handler, log: log.With().Str("component", "outbox").Logger()}
}

// Deliver implements Deliverer.
func (d *Inline) Deliver(ctx context.Context, msgs []Message) {
	for _, m := range msgs {
		switch {
		case m.Notification != nil:
			if err := d.handler.HandleNotification(ctx, *m.Notification); err != nil {
				d.log.Warn().Err(err).
					Str("type", m.Notification.Type).
					Str("ref_id", m.Notification.RefID).
					Msg("outbox: notification delivery failed (non-fatal)")
			}
		case m.Callback != nil:
			if err := d.handler.HandleCallback(ctx, *m.Callback); err != nil {
				d.log.Error().Err(err).
					Str("module_type", m.Callback.ModuleType).
					Str("request_id", m.Callback.RequestID).
					Msg("outbox: decision callback failed")
			}
		}
	}
}

// Recorder keeps every delivered message. Used by tests and the memory
// storage mode when no real handler is wired.
type Recorder struct {
	mu            sync.Mutex
	notifications []Notification
	callbacks     []DecisionCallback
}

// Deliver implements Deliverer.
func (r *Recorder) Deliver(_ context.Context, msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		if m.Notification != nil {
			r.notifications = append(r.notifications, *m.Notification)
		}
		if m.Callback != nil {
			r.callbacks = append(r.callbacks, *m.Callback)
		}
	}
}

// Notifications returns a copy of the recorded notifications, optionally
// filtered by type.
func (r *Recorder) Notifications(typ string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notifications {
		if typ == "" || n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

// Callbacks returns a copy of the recorded callbacks.
func (r *Recorder) Callbacks() []DecisionCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DecisionCallback(nil), r.callbacks...)
}
