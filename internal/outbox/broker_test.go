//go:build unit

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (publisher *mockPublisher) Publish(ctx context.Context, routingKey string, message BrokerMessage) error {
	args := publisher.Called(ctx, routingKey, message)

	return args.Error(0)
}

func TestNewBrokerEmitHandler_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewBrokerEmitHandler(nil, "payment.completed", nil)
	require.ErrorIs(t, err, ErrPublisherRequired)

	_, err = NewBrokerEmitHandler(&mockPublisher{}, " ", nil)
	require.ErrorIs(t, err, ErrRoutingKeyRequired)
}

func TestBrokerEmitHandler_PublishesEnvelope(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 7, 4, 10, 30, 0, 0, time.UTC)
	publisher := &mockPublisher{}

	var published BrokerMessage

	publisher.On("Publish", mock.Anything, "payment.completed", mock.AnythingOfType("outbox.BrokerMessage")).
		Run(func(args mock.Arguments) {
			published = args.Get(2).(BrokerMessage)
		}).
		Return(nil).
		Once()

	handler, err := NewBrokerEmitHandler(publisher, "payment.completed", newFixedClock(now))
	require.NoError(t, err)

	ok, err := handler(context.Background(), &OutboxMessage{
		ID:            15,
		AggregateID:   "42",
		AggregateType: AggregatePayment,
		EventType:     EventPaymentCompleted,
		Payload:       json.RawMessage(`{"paymentId":42,"amount":"19.90"}`),
	})
	require.NoError(t, err)
	require.True(t, ok)
	publisher.AssertExpectations(t)

	assert.Equal(t, "15", published.MessageID)
	assert.True(t, published.Timestamp.Equal(now))
	assert.JSONEq(t, `{
		"id": 15,
		"aggregateId": "42",
		"aggregateType": "payment",
		"eventType": "payment-completed",
		"payload": {"paymentId": 42, "amount": "19.90"},
		"timestamp": "2024-07-04T10:30:00Z"
	}`, string(published.Body))
}

func TestBrokerEmitHandler_PublishFailureIsReported(t *testing.T) {
	t.Parallel()

	publishErr := errors.New("publish nacked")
	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything, "payment.failed", mock.Anything).Return(publishErr).Once()

	handler, err := NewBrokerEmitHandler(publisher, "payment.failed", nil)
	require.NoError(t, err)

	ok, err := handler(context.Background(), &OutboxMessage{ID: 1, EventType: EventPaymentFailed, Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, publishErr)
	require.False(t, ok)
}

func TestRegisterBrokerHandlers(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	require.NoError(t, RegisterBrokerHandlers(registry, &mockPublisher{}, nil))

	require.Equal(t, []EventType{
		EventPaymentCompleted,
		EventPaymentFailed,
		EventSubscriptionCancelled,
		EventSubscriptionUpdated,
	}, registry.EventTypes())

	require.ErrorIs(t, RegisterBrokerHandlers(nil, &mockPublisher{}, nil), ErrHandlerRegistryRequired)
}

func TestRoutingKeys(t *testing.T) {
	t.Parallel()

	keys := RoutingKeys()

	assert.Equal(t, "payment.completed", keys[EventPaymentCompleted])
	assert.Equal(t, "payment.failed", keys[EventPaymentFailed])
	assert.Equal(t, "subscription.cancelled", keys[EventSubscriptionCancelled])
	assert.NotContains(t, keys, EventCancelSubscription)
}
