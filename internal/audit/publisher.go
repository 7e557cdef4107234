// Package audit implements the Audit & Failure Publisher: best-effort
// AMQP publication of audit events and provisioning/destroy failure
// events, never blocking or failing the operation that triggered them.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spe-platform/workspace-orchestrator/internal/domain"
	"github.com/spe-platform/workspace-orchestrator/internal/log"
	"github.com/spe-platform/workspace-orchestrator/internal/metrics"
)

const (
	auditRoutingKey             = "audit.workspace.event"
	provisioningFailedRoutingKey = "permit.workspace.provisioning_failed"
	destroyFailedRoutingKey     = "permit.workspace.destroy_failed"
)

// Config configures the publisher's connection and exchange.
type Config struct {
	URL      string
	Exchange string
}

// Publisher holds a lazily-(re)established AMQP channel shared by every
// publish call. Connection loss is repaired on the next publish attempt
// rather than by a background loop, since publishing is inherently
// bursty and best-effort.
type Publisher struct {
	cfg  Config
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher builds a Publisher. The underlying connection is opened
// lazily on first use.
func NewPublisher(cfg Config) *Publisher {
	return &Publisher{cfg: cfg}
}

// PublishAudit publishes an audit event. Failures are logged and
// swallowed: audit publication must never block the operation it
// describes, per the engine's error-handling design.
func (p *Publisher) PublishAudit(ctx context.Context, evt domain.AuditEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.Details = dropNulls(evt.Details)

	if err := p.publish(ctx, auditRoutingKey, evt); err != nil {
		metrics.AuditPublishedTotal.WithLabelValues("failed").Inc()
		log.WithComponent("audit").Error().Err(err).Str("permit_id", evt.PermitID).Msg("failed to publish audit event")
		return
	}
	metrics.AuditPublishedTotal.WithLabelValues(string(evt.Outcome)).Inc()
}

// PublishFailure publishes a failure event on the routing key matching
// its action ("destroy" maps to the destroy key; every other action,
// such as "provision" or "scale", maps to the provisioning key).
func (p *Publisher) PublishFailure(ctx context.Context, evt domain.FailureEvent) {
	evt.Details = dropNulls(evt.Details)

	key := provisioningFailedRoutingKey
	if evt.Action == "destroy" {
		key = destroyFailedRoutingKey
	}

	if err := p.publish(ctx, key, evt); err != nil {
		log.WithComponent("audit").Error().Err(err).Str("permit_id", evt.PermitID).Msg("failed to publish failure event")
	}
}

func (p *Publisher) publish(ctx context.Context, routingKey string, payload any) error {
	ch, err := p.channel()
	if err != nil {
		return fmt.Errorf("failed to acquire publish channel: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	return ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// channel returns the shared channel, reconnecting if the previous
// connection or channel was torn down.
func (p *Publisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bus: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", p.cfg.Exchange, err)
	}

	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = conn
	p.ch = ch
	return ch, nil
}

// Close releases the underlying connection and channel, if open.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// dropNulls filters out nil-valued entries from a details map before
// publication, per the audit event contract.
func dropNulls(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
