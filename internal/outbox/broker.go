package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
)

// BrokerMessage is what a broker-emit handler hands to the publisher.
type BrokerMessage struct {
	MessageID string
	Body      []byte
	Timestamp time.Time
}

// BrokerPublisher publishes to a routing key and returns only after the
// broker confirmed the message.
type BrokerPublisher interface {
	Publish(ctx context.Context, routingKey string, message BrokerMessage) error
}

// Envelope is the body emitted for broker-bound outbox messages.
type Envelope struct {
	ID            int64           `json:"id"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType AggregateType   `json:"aggregateType"`
	EventType     EventType       `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
}

// RoutingKeys maps broker-bound event types to their routing keys.
func RoutingKeys() map[EventType]string {
	return map[EventType]string{
		EventPaymentCompleted:      "payment.completed",
		EventPaymentFailed:         "payment.failed",
		EventSubscriptionCancelled: "subscription.cancelled",
		EventSubscriptionUpdated:   "subscription.updated",
	}
}

// NewEnvelope wraps message for emission at now.
func NewEnvelope(message *OutboxMessage, now time.Time) Envelope {
	return Envelope{
		ID:            message.ID,
		AggregateID:   message.AggregateID,
		AggregateType: message.AggregateType,
		EventType:     message.EventType,
		Payload:       message.Payload,
		Timestamp:     now.UTC(),
	}
}

// NewBrokerEmitHandler returns a handler that publishes the message envelope
// to routingKey. Success means the broker confirmed the publish.
func NewBrokerEmitHandler(publisher BrokerPublisher, routingKey string, clock Clock) (EventHandler, error) {
	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	routingKey = strings.TrimSpace(routingKey)
	if routingKey == "" {
		return nil, ErrRoutingKeyRequired
	}

	if nilcheck.Interface(clock) {
		clock = SystemClock{}
	}

	return func(ctx context.Context, message *OutboxMessage) (bool, error) {
		if message == nil {
			return false, ErrOutboxMessageRequired
		}

		now := clock.Now().UTC()

		body, err := json.Marshal(NewEnvelope(message, now))
		if err != nil {
			return false, fmt.Errorf("marshal outbox envelope: %w", err)
		}

		err = publisher.Publish(ctx, routingKey, BrokerMessage{
			MessageID: strconv.FormatInt(message.ID, 10),
			Body:      body,
			Timestamp: now,
		})
		if err != nil {
			return false, fmt.Errorf("publish %s: %w", routingKey, err)
		}

		return true, nil
	}, nil
}

// RegisterBrokerHandlers registers a broker-emit handler for every entry of
// RoutingKeys.
func RegisterBrokerHandlers(registry *HandlerRegistry, publisher BrokerPublisher, clock Clock) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	for eventType, routingKey := range RoutingKeys() {
		handler, err := NewBrokerEmitHandler(publisher, routingKey, clock)
		if err != nil {
			return err
		}

		if err := registry.Register(eventType, handler); err != nil {
			return err
		}
	}

	return nil
}
