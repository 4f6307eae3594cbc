// Package stripe adapts the Stripe API and webhooks to payment.Provider.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/circuitbreaker"
	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/payment"
	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	serviceName = "stripe"

	// DefaultSignatureTolerance bounds the age of a signed webhook.
	DefaultSignatureTolerance = webhook.DefaultTolerance
)

var (
	ErrSecretKeyRequired     = errors.New("stripe secret key is required")
	ErrWebhookSecretRequired = errors.New("stripe webhook secret is required")
)

// SubscriptionAPI is the part of the Stripe subscription client the provider calls.
type SubscriptionAPI interface {
	Get(id string, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error)
	Update(id string, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error)
}

// Config holds the Stripe credentials.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// Tolerance defaults to DefaultSignatureTolerance.
	Tolerance time.Duration
}

// Provider implements payment.Provider. API calls run through a circuit
// breaker so a Stripe outage fails fast instead of piling up dispatches.
type Provider struct {
	subscriptions SubscriptionAPI
	webhookSecret string
	tolerance     time.Duration
	breaker       *circuitbreaker.Breaker
	logger        log.Logger
}

var _ payment.Provider = (*Provider)(nil)

// Option customizes a Provider.
type Option func(*Provider)

// WithSubscriptionAPI replaces the Stripe subscription client.
func WithSubscriptionAPI(api SubscriptionAPI) Option {
	return func(provider *Provider) {
		if !nilcheck.Interface(api) {
			provider.subscriptions = api
		}
	}
}

// WithBreakerConfig overrides the circuit breaker policy.
func WithBreakerConfig(config circuitbreaker.Config) Option {
	return func(provider *Provider) {
		provider.breaker = circuitbreaker.New(serviceName, config, provider.logger)
	}
}

// New builds a Provider over the Stripe API.
func New(cfg Config, logger log.Logger, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, ErrWebhookSecretRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultSignatureTolerance
	}

	provider := &Provider{
		webhookSecret: cfg.WebhookSecret,
		tolerance:     cfg.Tolerance,
		logger:        logger,
	}

	provider.breaker = circuitbreaker.New(serviceName, circuitbreaker.HTTPServiceConfig(), logger)

	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}

	if provider.subscriptions == nil {
		if strings.TrimSpace(cfg.SecretKey) == "" {
			return nil, ErrSecretKeyRequired
		}

		api := &client.API{}
		api.Init(cfg.SecretKey, nil)
		provider.subscriptions = api.Subscriptions
	}

	return provider, nil
}

// VerifyEvent implements payment.Provider.
func (provider *Provider) VerifyEvent(payload []byte, signature string) (payment.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, provider.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                provider.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return payment.Event{}, classifyWebhookError(err)
	}

	return decodeEvent(event)
}

// GetSubscriptionDetails implements payment.Provider.
func (provider *Provider) GetSubscriptionDetails(ctx context.Context, subscriptionID string) (payment.SubscriptionDetails, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return payment.SubscriptionDetails{}, payment.ErrSubscriptionIDRequired
	}

	params := &stripeapi.SubscriptionParams{}
	params.Context = ctx

	result, err := provider.breaker.Execute(func() (any, error) {
		return provider.subscriptions.Get(subscriptionID, params)
	})
	if err != nil {
		return payment.SubscriptionDetails{}, fmt.Errorf("get stripe subscription %s: %w", subscriptionID, err)
	}

	subscription, ok := result.(*stripeapi.Subscription)
	if !ok || subscription == nil {
		return payment.SubscriptionDetails{}, fmt.Errorf("get stripe subscription %s: empty response", subscriptionID)
	}

	return payment.SubscriptionDetails{
		ID:                 subscription.ID,
		Status:             string(subscription.Status),
		CurrentPeriodStart: unixTime(subscription.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(subscription.CurrentPeriodEnd),
	}, nil
}

// CancelSubscriptionAtPeriodEnd implements payment.Provider. Stripe treats a
// repeated request as a no-op, so the outbox may retry it freely.
func (provider *Provider) CancelSubscriptionAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	if strings.TrimSpace(subscriptionID) == "" {
		return payment.ErrSubscriptionIDRequired
	}

	params := &stripeapi.SubscriptionParams{CancelAtPeriodEnd: stripeapi.Bool(true)}
	params.Context = ctx

	_, err := provider.breaker.Execute(func() (any, error) {
		return provider.subscriptions.Update(subscriptionID, params)
	})
	if err != nil {
		return fmt.Errorf("cancel stripe subscription %s: %w", subscriptionID, err)
	}

	provider.logger.Log(ctx, log.LevelInfo, "stripe subscription set to cancel at period end",
		log.String("subscription_id", subscriptionID))

	return nil
}

// BreakerState exposes the circuit breaker state for health reporting.
func (provider *Provider) BreakerState() circuitbreaker.State {
	return provider.breaker.State()
}

func classifyWebhookError(err error) error {
	switch {
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrTooOld):
		return fmt.Errorf("%w: %w", payment.ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %w", payment.ErrMalformedEvent, err)
	}
}

func unixTime(seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}

	return time.Unix(seconds, 0).UTC()
}

func decodeEvent(event stripeapi.Event) (payment.Event, error) {
	decoded := payment.Event{ID: event.ID, Kind: payment.EventKind(event.Type)}

	if event.Data == nil {
		return payment.Event{}, fmt.Errorf("%w: event %s has no data", payment.ErrMalformedEvent, event.ID)
	}

	switch decoded.Kind {
	case payment.EventCheckoutSessionCompleted:
		var session stripeapi.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return payment.Event{}, fmt.Errorf("%w: checkout session: %w", payment.ErrMalformedEvent, err)
		}

		decoded.Checkout = &payment.CheckoutSession{
			ID:                session.ID,
			ClientReferenceID: session.ClientReferenceID,
			PaymentStatus:     string(session.PaymentStatus),
			SubscriptionID:    subscriptionID(session.Subscription),
		}
	case payment.EventInvoicePaid:
		var invoice stripeapi.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return payment.Event{}, fmt.Errorf("%w: invoice: %w", payment.ErrMalformedEvent, err)
		}

		decoded.Invoice = &payment.Invoice{
			ID:             invoice.ID,
			Status:         string(invoice.Status),
			BillingReason:  string(invoice.BillingReason),
			SubscriptionID: subscriptionID(invoice.Subscription),
		}

		if invoice.Lines != nil {
			for _, line := range invoice.Lines.Data {
				if line != nil && line.Period != nil {
					decoded.Invoice.LinePeriodStart = unixTime(line.Period.Start)
					decoded.Invoice.LinePeriodEnd = unixTime(line.Period.End)

					break
				}
			}
		}
	case payment.EventSubscriptionDeleted:
		var subscription stripeapi.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return payment.Event{}, fmt.Errorf("%w: subscription: %w", payment.ErrMalformedEvent, err)
		}

		decoded.Subscription = &payment.SubscriptionRef{ID: subscription.ID}
	}

	return decoded, nil
}

func subscriptionID(subscription *stripeapi.Subscription) string {
	if subscription == nil {
		return ""
	}

	return subscription.ID
}
