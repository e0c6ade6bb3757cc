// Package outbox carries side effects (notifications and business-module
// decision callbacks) out of the decision transaction. Messages are written
// together with the state change that produced them and delivered at least
// once afterwards, so a notification outage never blocks a committed decision.
package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Notification is a user-facing notice.
type Notification struct {
	RecipientIDs []string `json:"recipient_ids"`
	Type         string   `json:"type"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	RefType      string   `json:"ref_type"`
	RefID        string   `json:"ref_id"`
	Link         string   `json:"link,omitempty"`
	ActorID      string   `json:"actor_id,omitempty"`
	CompanyID    string   `json:"company_id,omitempty"`
}

// DecisionCallback applies a final decision back onto the originating
// business request.
type DecisionCallback struct {
	ModuleType  string `json:"module_type"`
	RequestID   string `json:"request_id"`
	FinalStatus string `json:"final_status"`
	InstanceID  string `json:"instance_id"`
}

// Message is exactly one of Notification or Callback.
type Message struct {
	Notification *Notification
	Callback     *DecisionCallback
}

// Notify wraps a notification.
func Notify(n Notification) Message {
	return Message{Notification: &n}
}

// Callback wraps a decision callback.
func Callback(c DecisionCallback) Message {
	return Message{Callback: &c}
}

// Handler performs delivery.
type Handler interface {
	HandleNotification(ctx context.Context, n Notification) error
	HandleCallback(ctx context.Context, c DecisionCallback) error
}

// TxWriter persists messages inside an open Postgres transaction.
type TxWriter interface {
	WriteTx(ctx context.Context, tx pgx.Tx, msgs []Message) error
}

// Deliverer hands messages over after an in-memory commit.
type Deliverer interface {
	Deliver(ctx context.Context, msgs []Message)
}
