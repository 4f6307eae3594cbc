package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/outbox"
)

// NewCancelSubscriptionHandler returns the outbox handler that stops a
// replaced subscription from renewing at the provider.
func NewCancelSubscriptionHandler(provider Provider) (outbox.EventHandler, error) {
	if nilcheck.Interface(provider) {
		return nil, ErrProviderRequired
	}

	return func(ctx context.Context, message *outbox.OutboxMessage) (bool, error) {
		if message == nil {
			return false, outbox.ErrOutboxMessageRequired
		}

		var payload CancelSubscriptionPayload
		if err := json.Unmarshal(message.Payload, &payload); err != nil {
			return false, fmt.Errorf("decode cancel-subscription payload: %w", err)
		}

		subscriptionID := strings.TrimSpace(payload.ProviderSubscriptionID)
		if subscriptionID == "" {
			return false, ErrSubscriptionIDRequired
		}

		if err := provider.CancelSubscriptionAtPeriodEnd(ctx, subscriptionID); err != nil {
			return false, fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
		}

		return true, nil
	}, nil
}

// RegisterHandlers registers the provider-call handlers on registry.
func RegisterHandlers(registry *outbox.HandlerRegistry, provider Provider) error {
	handler, err := NewCancelSubscriptionHandler(provider)
	if err != nil {
		return err
	}

	return registry.Register(outbox.EventCancelSubscription, handler)
}
