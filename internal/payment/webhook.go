package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/opentelemetry"
	"github.com/LerianStudio/payment-outbox/internal/outbox"
	"github.com/LerianStudio/payment-outbox/internal/transaction"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Outcome reports what a webhook did.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// WebhookResult describes a handled webhook.
type WebhookResult struct {
	EventID string
	Kind    EventKind
	Outcome Outcome
}

// WebhookService applies provider webhooks to payments.
type WebhookService struct {
	payments Repository
	writer   *outbox.Writer
	manager  transaction.Manager
	provider Provider
	dedupe   Deduplicator
	clock    outbox.Clock
	logger   log.Logger
	tracer   trace.Tracer

	webhooks      metric.Int64Counter
	compensations metric.Int64Counter
}

// WebhookOption customizes a WebhookService.
type WebhookOption func(*WebhookService)

// WithDeduplicator enables event-id deduplication.
func WithDeduplicator(dedupe Deduplicator) WebhookOption {
	return func(service *WebhookService) {
		if !nilcheck.Interface(dedupe) {
			service.dedupe = dedupe
		}
	}
}

// WithClock injects the time source.
func WithClock(clock outbox.Clock) WebhookOption {
	return func(service *WebhookService) {
		if !nilcheck.Interface(clock) {
			service.clock = clock
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger log.Logger) WebhookOption {
	return func(service *WebhookService) {
		if !nilcheck.Interface(logger) {
			service.logger = logger
		}
	}
}

// WithTracer sets the service tracer.
func WithTracer(tracer trace.Tracer) WebhookOption {
	return func(service *WebhookService) {
		if !nilcheck.Interface(tracer) {
			service.tracer = tracer
		}
	}
}

// NewWebhookService builds a WebhookService.
func NewWebhookService(
	payments Repository,
	writer *outbox.Writer,
	manager transaction.Manager,
	provider Provider,
	opts ...WebhookOption,
) (*WebhookService, error) {
	if nilcheck.Interface(payments) {
		return nil, ErrRepositoryRequired
	}

	if writer == nil {
		return nil, ErrWriterRequired
	}

	if nilcheck.Interface(manager) {
		return nil, ErrTransactionManagerRequired
	}

	if nilcheck.Interface(provider) {
		return nil, ErrProviderRequired
	}

	service := &WebhookService{
		payments: payments,
		writer:   writer,
		manager:  manager,
		provider: provider,
		clock:    outbox.SystemClock{},
		logger:   log.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer("payment-outbox.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}

	meter := otel.GetMeterProvider().Meter("payment-outbox.payment")

	var err error

	service.webhooks, err = meter.Int64Counter("payment.webhooks.handled",
		metric.WithDescription("Webhooks handled by kind and outcome"), metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("create payment.webhooks.handled counter: %w", err)
	}

	service.compensations, err = meter.Int64Counter("payment.compensations",
		metric.WithDescription("Compensating transactions run after a failed initial payment"), metric.WithUnit("{payment}"))
	if err != nil {
		return nil, fmt.Errorf("create payment.compensations counter: %w", err)
	}

	return service, nil
}

// HandleWebhook verifies and applies one webhook delivery.
func (service *WebhookService) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	ctx, span := service.tracer.Start(ctx, "payment.webhook")
	defer span.End()

	event, err := service.provider.VerifyEvent(payload, signature)
	if err != nil {
		opentelemetry.HandleSpanError(span, "webhook rejected", err)

		return WebhookResult{}, err
	}

	result := WebhookResult{EventID: event.ID, Kind: event.Kind}

	span.SetAttributes(
		attribute.String("payment.webhook.event_id", event.ID),
		attribute.String("payment.webhook.kind", string(event.Kind)),
	)

	logger := service.logger.With(
		log.String("event_id", event.ID),
		log.String("event_kind", string(event.Kind)),
	)

	claimed := false

	if service.dedupe != nil && event.ID != "" {
		state, claimErr := service.dedupe.Claim(ctx, event.ID)

		switch {
		case claimErr != nil:
			logger.Log(ctx, log.LevelWarn, "webhook dedupe unavailable; relying on payment state", log.Err(claimErr))
		case state == ClaimDone:
			result.Outcome = OutcomeDuplicate
			service.record(ctx, result)
			logger.Log(ctx, log.LevelInfo, "duplicate webhook ignored")

			return result, nil
		case state == ClaimInFlight:
			logger.Log(ctx, log.LevelInfo, "webhook already in flight; asking the provider to retry")

			return WebhookResult{EventID: event.ID, Kind: event.Kind}, ErrWebhookInFlight
		default:
			claimed = true
		}
	}

	if claimed {
		defer func() {
			if recovered := recover(); recovered != nil {
				service.releaseClaim(ctx, logger, event.ID)
				panic(recovered)
			}
		}()
	}

	result.Outcome, err = service.apply(ctx, logger, event)
	if err != nil {
		if claimed {
			service.releaseClaim(ctx, logger, event.ID)
		}

		opentelemetry.HandleSpanError(span, "webhook failed", err)

		level := log.LevelError
		if IsClientError(err) {
			level = log.LevelWarn
		}

		logger.Log(ctx, level, "webhook failed", log.Err(err))

		return WebhookResult{EventID: event.ID, Kind: event.Kind}, err
	}

	if claimed {
		if completeErr := service.dedupe.Complete(context.WithoutCancel(ctx), event.ID); completeErr != nil {
			log.SafeError(logger, ctx, "failed to record processed webhook event", completeErr, false)
		}
	}

	service.record(ctx, result)
	logger.Log(ctx, log.LevelInfo, "webhook handled", log.String("outcome", string(result.Outcome)))

	return result, nil
}

func (service *WebhookService) apply(ctx context.Context, logger log.Logger, event Event) (Outcome, error) {
	switch event.Kind {
	case EventCheckoutSessionCompleted:
		if event.Checkout == nil {
			return "", fmt.Errorf("%w: checkout session missing", ErrMalformedEvent)
		}

		return service.handleInitialPayment(ctx, logger, *event.Checkout)
	case EventInvoicePaid:
		if event.Invoice == nil {
			return "", fmt.Errorf("%w: invoice missing", ErrMalformedEvent)
		}

		return service.handleRecurringPayment(ctx, *event.Invoice)
	case EventSubscriptionDeleted:
		if event.Subscription == nil {
			return "", fmt.Errorf("%w: subscription missing", ErrMalformedEvent)
		}

		return service.handleSubscriptionCancelled(ctx, *event.Subscription)
	default:
		logger.Log(ctx, log.LevelDebug, "webhook kind not handled")

		return OutcomeIgnored, nil
	}
}

func (service *WebhookService) handleInitialPayment(ctx context.Context, logger log.Logger, checkout CheckoutSession) (Outcome, error) {
	if !checkout.IsPaid() {
		logger.Log(ctx, log.LevelInfo, "checkout completed without payment; waiting for settlement",
			log.String("payment_status", checkout.PaymentStatus))

		return OutcomeIgnored, nil
	}

	if strings.TrimSpace(checkout.SubscriptionID) == "" {
		return "", fmt.Errorf("%w: checkout %s has no subscription", ErrMalformedEvent, checkout.ID)
	}

	paymentID, err := strconv.ParseInt(strings.TrimSpace(checkout.ClientReferenceID), 10, 64)
	if err != nil || paymentID <= 0 {
		return "", fmt.Errorf("%w: client reference %q is not a payment id", ErrMalformedEvent, checkout.ClientReferenceID)
	}

	// unlocked pre-check so redeliveries skip the provider call; the locked
	// read inside the unit of work is authoritative
	current, err := service.payments.FindByID(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("find payment %d: %w", paymentID, err)
	}

	if err := acceptsCheckout(current, checkout.SubscriptionID); err != nil {
		return outcomeOf(err)
	}

	details, err := service.provider.GetSubscriptionDetails(ctx, checkout.SubscriptionID)
	if err != nil {
		return "", fmt.Errorf("get subscription %s: %w", checkout.SubscriptionID, err)
	}

	start := details.CurrentPeriodStart
	if start.IsZero() {
		start = service.clock.Now()
	}

	periodStart, periodEnd := Period(current.SubscriptionType, start)

	err = service.manager.WithinTransaction(ctx, func(txCtx context.Context, session transaction.Session) error {
		locked, err := service.payments.FindByIDForUpdate(txCtx, session, paymentID)
		if err != nil {
			return fmt.Errorf("lock payment %d: %w", paymentID, err)
		}

		if err := acceptsCheckout(locked, checkout.SubscriptionID); err != nil {
			return err
		}

		return service.completeInitialPayment(txCtx, session, locked, checkout.SubscriptionID, periodStart, periodEnd)
	})

	switch {
	case err == nil:
		return OutcomeProcessed, nil
	case errors.Is(err, errAlreadyApplied), errors.Is(err, ErrInvalidPaymentState), errors.Is(err, ErrPaymentNotFound):
		// another delivery moved the payment on; nothing to compensate
		return outcomeOf(err)
	}

	return "", service.compensate(ctx, logger, paymentID, checkout.SubscriptionID, err)
}

// acceptsCheckout reports errAlreadyApplied when the checkout already
// completed p and ErrInvalidPaymentState when p is past pending.
func acceptsCheckout(p *Payment, subscriptionID string) error {
	if p.Status == StatusSuccessful && p.ProviderSubscriptionID == subscriptionID {
		return errAlreadyApplied
	}

	if p.Status != StatusPending {
		return fmt.Errorf("%w: payment %d is %s", ErrInvalidPaymentState, p.ID, p.Status)
	}

	return nil
}

func outcomeOf(err error) (Outcome, error) {
	if errors.Is(err, errAlreadyApplied) {
		return OutcomeDuplicate, nil
	}

	return "", err
}

func (service *WebhookService) completeInitialPayment(
	ctx context.Context,
	session transaction.Session,
	payment *Payment,
	subscriptionID string,
	periodStart, periodEnd time.Time,
) error {
	now := service.clock.Now().UTC()

	siblings, err := service.payments.FindActiveAutoRenewingByProfile(ctx, session, payment.ProfileID)
	if err != nil {
		return fmt.Errorf("find active subscriptions of profile %s: %w", payment.ProfileID, err)
	}

	for _, sibling := range siblings {
		if sibling.ID == payment.ID {
			continue
		}

		sibling.AutoRenew = false
		sibling.UpdatedAt = now

		if err := service.payments.Update(ctx, session, sibling); err != nil {
			return fmt.Errorf("disable auto-renew of payment %d: %w", sibling.ID, err)
		}

		if sibling.ProviderSubscriptionID == "" {
			continue
		}

		_, err := service.writer.Enqueue(ctx, session, outbox.NewMessage{
			AggregateID:   strconv.FormatInt(sibling.ID, 10),
			AggregateType: outbox.AggregatePayment,
			EventType:     outbox.EventCancelSubscription,
			Payload: CancelSubscriptionPayload{
				PaymentID:              sibling.ID,
				ProviderSubscriptionID: sibling.ProviderSubscriptionID,
				ReplacedByPaymentID:    payment.ID,
			},
		})
		if err != nil {
			return fmt.Errorf("enqueue cancel-subscription for payment %d: %w", sibling.ID, err)
		}
	}

	payment.Status = StatusSuccessful
	payment.ProviderSubscriptionID = subscriptionID
	payment.AutoRenew = true
	payment.PeriodStart = &periodStart
	payment.PeriodEnd = &periodEnd
	payment.UpdatedAt = now

	if err := service.payments.Update(ctx, session, payment); err != nil {
		return fmt.Errorf("complete payment %d: %w", payment.ID, err)
	}

	_, err = service.writer.Enqueue(ctx, session, outbox.NewMessage{
		AggregateID:   strconv.FormatInt(payment.ID, 10),
		AggregateType: outbox.AggregatePayment,
		EventType:     outbox.EventPaymentCompleted,
		Payload: PaymentCompletedPayload{
			PaymentID:              payment.ID,
			ProfileID:              payment.ProfileID,
			Amount:                 payment.Amount,
			Currency:               payment.Currency,
			SubscriptionType:       payment.SubscriptionType,
			ProviderSubscriptionID: subscriptionID,
			PeriodStart:            periodStart,
			PeriodEnd:              periodEnd,
		},
	})
	if err != nil {
		return fmt.Errorf("enqueue payment-completed for payment %d: %w", payment.ID, err)
	}

	return nil
}

// compensate cancels a payment whose completion transaction failed after the
// provider subscription already existed.
func (service *WebhookService) compensate(
	ctx context.Context,
	logger log.Logger,
	paymentID int64,
	subscriptionID string,
	cause error,
) error {
	ctx = context.WithoutCancel(ctx)

	ctx, span := service.tracer.Start(ctx, "payment.compensate", trace.WithAttributes(
		attribute.Int64("payment.id", paymentID),
	))
	defer span.End()

	logger = logger.With(log.Int64("payment_id", paymentID), log.String("subscription_id", subscriptionID))
	logger.Log(ctx, log.LevelWarn, "initial payment transaction failed; compensating", log.Err(cause))

	err := service.manager.WithinTransaction(ctx, func(txCtx context.Context, session transaction.Session) error {
		locked, err := service.payments.FindByIDForUpdate(txCtx, session, paymentID)
		if err != nil {
			return fmt.Errorf("lock payment %d: %w", paymentID, err)
		}

		if locked.Status != StatusPending {
			return errAlreadyApplied
		}

		cancelled := locked.Clone()
		cancelled.Status = StatusCancelled
		cancelled.AutoRenew = false
		cancelled.ProviderSubscriptionID = subscriptionID
		cancelled.UpdatedAt = service.clock.Now().UTC()

		if err := service.payments.Update(txCtx, session, cancelled); err != nil {
			return fmt.Errorf("cancel payment %d: %w", paymentID, err)
		}

		_, err = service.writer.Enqueue(txCtx, session, outbox.NewMessage{
			AggregateID:   strconv.FormatInt(paymentID, 10),
			AggregateType: outbox.AggregatePayment,
			EventType:     outbox.EventPaymentFailed,
			Payload: PaymentFailedPayload{
				PaymentID:              paymentID,
				ProfileID:              locked.ProfileID,
				ProviderSubscriptionID: subscriptionID,
				Reason:                 outbox.SanitizeDetails(cause.Error()),
			},
		})
		if err != nil {
			return fmt.Errorf("enqueue payment-failed for payment %d: %w", paymentID, err)
		}

		return nil
	})

	switch {
	case err == nil:
		service.compensations.Add(ctx, 1)

		return fmt.Errorf("%w: %w", ErrCompensated, cause)
	case errors.Is(err, errAlreadyApplied):
		logger.Log(ctx, log.LevelInfo, "payment left pending concurrently; compensation skipped")

		return cause
	}

	joined := errors.Join(cause, err)

	opentelemetry.HandleSpanError(span, "compensating transaction failed", joined)
	logger.Log(ctx, log.LevelError, "compensating transaction failed; payment needs manual reconciliation", log.Err(err))

	return joined
}

func (service *WebhookService) handleRecurringPayment(ctx context.Context, invoice Invoice) (Outcome, error) {
	if invoice.BillingReason == BillingReasonSubscriptionCreate {
		return OutcomeIgnored, nil
	}

	if !invoice.IsPaid() {
		return "", fmt.Errorf("%w: invoice %s is %q", ErrInvoiceNotPaid, invoice.ID, invoice.Status)
	}

	if strings.TrimSpace(invoice.SubscriptionID) == "" {
		return "", fmt.Errorf("%w: invoice %s has no subscription", ErrMalformedEvent, invoice.ID)
	}

	if invoice.LinePeriodStart.IsZero() {
		return "", fmt.Errorf("%w: invoice %s has no billing period", ErrMalformedEvent, invoice.ID)
	}

	err := service.manager.WithinTransaction(ctx, func(txCtx context.Context, session transaction.Session) error {
		current, err := service.payments.FindByProviderSubscriptionIDForUpdate(txCtx, session, invoice.SubscriptionID)
		if err != nil {
			return fmt.Errorf("find payment by subscription %s: %w", invoice.SubscriptionID, err)
		}

		periodStart, periodEnd := Period(current.SubscriptionType, invoice.LinePeriodStart)

		if current.Status == StatusSuccessful && current.PeriodStart != nil && current.PeriodStart.Equal(periodStart) {
			return errAlreadyApplied
		}

		if current.Status == StatusCancelled || current.Status == StatusFailed {
			return fmt.Errorf("%w: payment %d is %s", ErrInvalidPaymentState, current.ID, current.Status)
		}

		renewed := current.Clone()
		renewed.Status = StatusSuccessful
		renewed.PeriodStart = &periodStart
		renewed.PeriodEnd = &periodEnd
		renewed.UpdatedAt = service.clock.Now().UTC()

		if err := service.payments.Update(txCtx, session, renewed); err != nil {
			return fmt.Errorf("renew payment %d: %w", renewed.ID, err)
		}

		_, err = service.writer.Enqueue(txCtx, session, outbox.NewMessage{
			AggregateID:   strconv.FormatInt(renewed.ID, 10),
			AggregateType: outbox.AggregatePayment,
			EventType:     outbox.EventSubscriptionUpdated,
			Payload: SubscriptionUpdatedPayload{
				PaymentID:              renewed.ID,
				ProfileID:              renewed.ProfileID,
				ProviderSubscriptionID: renewed.ProviderSubscriptionID,
				PeriodStart:            periodStart,
				PeriodEnd:              periodEnd,
			},
		})
		if err != nil {
			return fmt.Errorf("enqueue subscription-updated for payment %d: %w", renewed.ID, err)
		}

		return nil
	})
	if err != nil {
		return outcomeOf(err)
	}

	return OutcomeProcessed, nil
}

func (service *WebhookService) handleSubscriptionCancelled(ctx context.Context, subscription SubscriptionRef) (Outcome, error) {
	if strings.TrimSpace(subscription.ID) == "" {
		return "", fmt.Errorf("%w: subscription id missing", ErrMalformedEvent)
	}

	err := service.manager.WithinTransaction(ctx, func(txCtx context.Context, session transaction.Session) error {
		current, err := service.payments.FindByProviderSubscriptionIDForUpdate(txCtx, session, subscription.ID)
		if err != nil {
			return fmt.Errorf("find payment by subscription %s: %w", subscription.ID, err)
		}

		if current.Status == StatusCancelled {
			return errAlreadyApplied
		}

		now := service.clock.Now().UTC()

		cancelled := current.Clone()
		cancelled.Status = StatusCancelled
		cancelled.AutoRenew = false
		cancelled.UpdatedAt = now

		if err := service.payments.Update(txCtx, session, cancelled); err != nil {
			return fmt.Errorf("cancel payment %d: %w", cancelled.ID, err)
		}

		_, err = service.writer.Enqueue(txCtx, session, outbox.NewMessage{
			AggregateID:   strconv.FormatInt(cancelled.ID, 10),
			AggregateType: outbox.AggregatePayment,
			EventType:     outbox.EventSubscriptionCancelled,
			Payload: SubscriptionCancelledPayload{
				PaymentID:              cancelled.ID,
				ProfileID:              cancelled.ProfileID,
				ProviderSubscriptionID: cancelled.ProviderSubscriptionID,
				CancelledAt:            now,
			},
		})
		if err != nil {
			return fmt.Errorf("enqueue subscription-cancelled for payment %d: %w", cancelled.ID, err)
		}

		return nil
	})
	if err != nil {
		return outcomeOf(err)
	}

	return OutcomeProcessed, nil
}

func (service *WebhookService) releaseClaim(ctx context.Context, logger log.Logger, eventID string) {
	if err := service.dedupe.Release(context.WithoutCancel(ctx), eventID); err != nil {
		log.SafeError(logger, ctx, "failed to release webhook dedupe claim", err, false)
	}
}

func (service *WebhookService) record(ctx context.Context, result WebhookResult) {
	service.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(result.Kind)),
		attribute.String("outcome", string(result.Outcome)),
	))
}
