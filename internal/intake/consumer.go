// Package intake implements Event Intake: an AMQP consumer that decodes,
// validates, and dispatches permit events to the Lifecycle Engine.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spe-platform/workspace-orchestrator/internal/domain"
	"github.com/spe-platform/workspace-orchestrator/internal/log"
)

// Handler processes one decoded permit event. Consumer acks the delivery
// when Handle returns nil and nacks without requeue otherwise - every
// handler error is treated as a poison message.
type Handler interface {
	Handle(ctx context.Context, event domain.PermitEvent) error
}

// Config configures the bus connection and queue topology.
type Config struct {
	URL            string
	Exchange       string
	Queue          string
	RoutingKeys    []string
	Prefetch       int
	ReconnectDelay time.Duration
}

// Consumer owns the connection to the bus and the dispatch loop.
type Consumer struct {
	cfg     Config
	handler Handler
}

// NewConsumer builds a Consumer. Prefetch is clamped to [1, 50] per the
// configured range; a zero or negative ReconnectDelay defaults to 5s.
func NewConsumer(cfg Config, handler Handler) *Consumer {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	if cfg.Prefetch > 50 {
		cfg.Prefetch = 50
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Consumer{cfg: cfg, handler: handler}
}

// Run connects, declares the topology, and consumes until ctx is
// cancelled. Connection loss is never fatal: it reconnects with a fixed
// back-off until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	logger := log.WithComponent("intake")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.runOnce(ctx); err != nil {
			logger.Error().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("bus connection lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Consumer) runOnce(ctx context.Context) error {
	logger := log.WithComponent("intake")

	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial bus: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", c.cfg.Exchange, err)
	}

	queue, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.cfg.Queue, err)
	}

	for _, key := range c.cfg.RoutingKeys {
		if err := ch.QueueBind(queue.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to key %s: %w", queue.Name, key, err)
		}
	}

	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	logger.Info().Str("queue", queue.Name).Int("prefetch", c.cfg.Prefetch).Msg("event intake consuming")

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return fmt.Errorf("bus connection closed")
			}
			return fmt.Errorf("bus connection closed: %w", amqpErr)
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.dispatch(ctx, delivery)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, delivery amqp.Delivery) {
	logger := log.WithComponent("intake")

	event, err := decode(delivery)
	if err != nil {
		logger.Warn().Err(err).Msg("rejecting malformed delivery")
		_ = delivery.Nack(false, false)
		return
	}

	if err := c.handler.Handle(ctx, event); err != nil {
		logger.Error().Err(err).Str("permit_id", event.PermitID).Str("event_type", string(event.Type)).Msg("handler failed, rejecting delivery")
		_ = delivery.Nack(false, false)
		return
	}

	_ = delivery.Ack(false)
}

// decode implements the Event Intake decode/validate steps: event type
// from payload.type or the x-event-type header, permit_id from
// payload.permitId or payload.permit_id, status parsed against the
// closed enum (unknown statuses are dropped to the zero value rather
// than rejected), and a payload preferring payload.data when present.
func decode(delivery amqp.Delivery) (domain.PermitEvent, error) {
	var body map[string]any
	if err := json.Unmarshal(delivery.Body, &body); err != nil {
		return domain.PermitEvent{}, fmt.Errorf("invalid JSON body: %w", err)
	}

	rawType, _ := body["type"].(string)
	if rawType == "" {
		if header, ok := delivery.Headers["x-event-type"].(string); ok {
			rawType = header
		}
	}
	eventType, ok := domain.ParseEventType(rawType)
	if !ok {
		return domain.PermitEvent{}, fmt.Errorf("unrecognised event type %q", rawType)
	}

	permitID, _ := body["permitId"].(string)
	if permitID == "" {
		permitID, _ = body["permit_id"].(string)
	}
	if permitID == "" {
		return domain.PermitEvent{}, fmt.Errorf("missing permitId")
	}

	var status domain.PermitStatus
	if rawStatus, _ := body["status"].(string); rawStatus != "" {
		if parsed, ok := domain.ParseStatus(rawStatus); ok {
			status = parsed
		} else {
			log.WithComponent("intake").Warn().Str("status", rawStatus).Msg("unrecognised status, dispatching with nil status")
		}
	}

	payload := body
	if data, ok := body["data"].(map[string]any); ok {
		payload = data
	}

	messageID, _ := delivery.Headers["x-message-id"].(string)

	return domain.PermitEvent{
		Type:      eventType,
		PermitID:  permitID,
		Status:    status,
		Payload:   payload,
		MessageID: messageID,
	}, nil
}
