package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
)

// DefaultSubjectPrefix is the NATS subject prefix for workflow notifications.
const DefaultSubjectPrefix = "notifications.erp"

// natsConn is the subset of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes workflow notifications to NATS for
// consumption by the notifications service.
//
// Subject convention: notifications.erp.<type>
// Types: delegation_invite, delegation_accepted, delegation_rejected,
// delegation_cancelled, approval_required, final_approval, final_approval_cc,
// request_rejected, request_cancelled
//
// Errors are returned so the outbox can retry. A nil connection makes the
// publisher log-only.
type NotificationPublisher struct {
	conn   natsConn
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string    `json:"event_type"`
	EntityID     string    `json:"entity_id"`
	ActorID      string    `json:"actor_id,omitempty"`
	Recipients   []string  `json:"recipients"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	IsActionable bool      `json:"is_actionable,omitempty"`
	ActionURL    string    `json:"action_url,omitempty"`
	Category     string    `json:"category,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewNotificationPublisher creates a publisher. conn may be nil.
func NewNotificationPublisher(conn *nats.Conn, prefix string, log zerolog.Logger) *NotificationPublisher {
	p := &NotificationPublisher{prefix: prefix, log: log.With().Str("component", "notification_publisher").Logger()}
	if conn != nil {
		p.conn = conn
	}
	if p.prefix == "" {
		p.prefix = DefaultSubjectPrefix
	}
	return p
}

// ConnectNATS dials the NATS server with reconnects enabled.
func ConnectNATS(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return conn, nil
}

// Publish implements outbox.Publisher.
func (p *NotificationPublisher) Publish(ctx context.Context, n outbox.Notification) error {
	if len(n.RecipientIDs) == 0 {
		return nil
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, n.Type)
	if p.conn == nil {
		p.log.Info().
			Str("subject", subject).
			Str("ref_id", n.RefID).
			Strs("recipients", n.RecipientIDs).
			Msg("notification: nats disabled, event logged only")
		return nil
	}

	event := &NotificationEvent{
		EventType:    n.Type,
		EntityID:     n.CompanyID,
		ActorID:      n.ActorID,
		Recipients:   n.RecipientIDs,
		Title:        n.Title,
		Message:      n.Message,
		ResourceType: n.RefType,
		ResourceID:   n.RefID,
		IsActionable: n.Type == "approval_required" || n.Type == "delegation_invite",
		ActionURL:    n.Link,
		Category:     "erp_workflow",
		OccurredAt:   time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("ref_id", n.RefID).
		Int("recipients", len(n.RecipientIDs)).
		Msg("notification: event published")
	return nil
}

var _ outbox.Publisher = (*NotificationPublisher)(nil)
