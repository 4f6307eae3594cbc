package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxPayloadBytes caps the size of a stored payload.
const DefaultMaxPayloadBytes = 1 << 20

// AggregateType names the kind of domain entity a message concerns.
type AggregateType string

const AggregatePayment AggregateType = "payment"

// IsValid reports whether the aggregate type is known.
func (aggregateType AggregateType) IsValid() bool {
	return aggregateType == AggregatePayment
}

// EventType selects the handler that performs a message's side effect.
type EventType string

const (
	EventPaymentCompleted      EventType = "payment-completed"
	EventPaymentFailed         EventType = "payment-failed"
	EventSubscriptionCancelled EventType = "subscription-cancelled"
	EventCancelSubscription    EventType = "cancel-subscription"
	EventSubscriptionUpdated   EventType = "subscription-updated"
)

// IsValid reports whether the event type belongs to the closed set.
func (eventType EventType) IsValid() bool {
	switch eventType {
	case EventPaymentCompleted, EventPaymentFailed, EventSubscriptionCancelled,
		EventCancelSubscription, EventSubscriptionUpdated:
		return true
	default:
		return false
	}
}

func (eventType EventType) String() string {
	return string(eventType)
}

// OutboxMessage is one unit of reliable, asynchronous work.
type OutboxMessage struct {
	ID            int64
	AggregateID   string
	AggregateType AggregateType
	EventType     EventType
	Payload       json.RawMessage
	Status        OutboxStatus
	ScheduledAt   time.Time
	RetryCount    int
	TTL           time.Time
	ProcessedAt   *time.Time
	Details       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsExpired reports whether the message is past its retention.
func (message *OutboxMessage) IsExpired(now time.Time) bool {
	return message.TTL.Before(now)
}

// NewMessage is the input accepted by Writer.
type NewMessage struct {
	AggregateID   string
	AggregateType AggregateType
	EventType     EventType
	// Payload is stored as JSON. []byte and json.RawMessage are used as-is,
	// anything else is marshalled.
	Payload any
	// ScheduledAt defaults to now.
	ScheduledAt *time.Time
	// TTL defaults to now plus the writer's retention.
	TTL *time.Time
}

func buildOutboxMessage(input NewMessage, now time.Time, retention time.Duration) (*OutboxMessage, error) {
	aggregateID := strings.TrimSpace(input.AggregateID)
	if aggregateID == "" {
		return nil, ErrAggregateIDRequired
	}

	if !input.AggregateType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrAggregateTypeInvalid, input.AggregateType)
	}

	if !input.EventType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrEventTypeInvalid, input.EventType)
	}

	payload, err := encodePayload(input.Payload)
	if err != nil {
		return nil, err
	}

	scheduledAt := now
	if input.ScheduledAt != nil && !input.ScheduledAt.IsZero() {
		scheduledAt = input.ScheduledAt.UTC()
	}

	ttl := now.Add(retention)
	if input.TTL != nil && !input.TTL.IsZero() {
		ttl = input.TTL.UTC()
	}

	if !ttl.After(scheduledAt) {
		return nil, ErrOutboxTTLBeforeSchedule
	}

	return &OutboxMessage{
		AggregateID:   aggregateID,
		AggregateType: input.AggregateType,
		EventType:     input.EventType,
		Payload:       payload,
		Status:        StatusPending,
		ScheduledAt:   scheduledAt,
		RetryCount:    0,
		TTL:           ttl,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte

	switch value := payload.(type) {
	case nil:
		return nil, ErrOutboxPayloadRequired
	case json.RawMessage:
		raw = value
	case []byte:
		raw = value
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal outbox payload: %w", err)
		}

		raw = encoded
	}

	if len(raw) == 0 {
		return nil, ErrOutboxPayloadRequired
	}

	if len(raw) > DefaultMaxPayloadBytes {
		return nil, ErrOutboxPayloadTooLarge
	}

	if !json.Valid(raw) {
		return nil, ErrOutboxPayloadNotJSON
	}

	stored := make(json.RawMessage, len(raw))
	copy(stored, raw)

	return stored, nil
}
