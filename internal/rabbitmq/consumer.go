package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/app"
	"github.com/LerianStudio/payment-outbox/internal/backoff"
	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/opentelemetry"
	"github.com/LerianStudio/payment-outbox/internal/outbox"
	"github.com/LerianStudio/payment-outbox/internal/runtime"
	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPrefetch       = 10
	defaultMaxDeliveries  = 5
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 30 * time.Second
	defaultConsumerTag    = "payment-outbox"
)

// ConsumeChannel is the channel surface the consumer needs.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// AcknowledgmentHandler applies decoded acknowledgments.
// *outbox.AcknowledgmentReceiver implements it.
type AcknowledgmentHandler interface {
	Handle(ctx context.Context, ack outbox.Acknowledgment) (outbox.AcknowledgmentOutcome, error)
	HandleDeadLetter(ctx context.Context, ack outbox.Acknowledgment) (outbox.AcknowledgmentOutcome, error)
}

// ConsumerConfig tunes the acknowledgment consumer.
type ConsumerConfig struct {
	AckQueue string
	DLQ      string
	Prefetch int
	// MaxDeliveries caps how often an acknowledgment is attempted across both
	// queues before it is dropped.
	MaxDeliveries  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	ConsumerTag    string
}

func (cfg ConsumerConfig) normalize() ConsumerConfig {
	if strings.TrimSpace(cfg.AckQueue) == "" {
		cfg.AckQueue = defaultAckQueue
	}

	if strings.TrimSpace(cfg.DLQ) == "" {
		cfg.DLQ = defaultDLQ
	}

	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}

	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = defaultMaxDeliveries
	}

	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}

	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}

	if strings.TrimSpace(cfg.ConsumerTag) == "" {
		cfg.ConsumerTag = defaultConsumerTag
	}

	return cfg
}

// AcknowledgmentConsumer consumes the acknowledgment queue and its DLQ.
//
// On the normal queue a handler error rejects the delivery without requeue so
// the broker dead-letters it. On the DLQ a handler error requeues after a
// jittered backoff until MaxDeliveries is reached, then the delivery is
// dropped. Malformed bodies are rejected without requeue on both queues.
type AcknowledgmentConsumer struct {
	ch       ConsumeChannel
	handler  AcknowledgmentHandler
	validate *validator.Validate
	cfg      ConsumerConfig
	logger   log.Logger
	tracer   trace.Tracer
	running  atomic.Bool
	sleep    func(ctx context.Context, d time.Duration) error
}

var _ app.App = (*AcknowledgmentConsumer)(nil)

// NewAcknowledgmentConsumer builds a consumer reading from ch.
func NewAcknowledgmentConsumer(
	ch ConsumeChannel,
	handler AcknowledgmentHandler,
	cfg ConsumerConfig,
	logger log.Logger,
	tracer trace.Tracer,
) (*AcknowledgmentConsumer, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if nilcheck.Interface(handler) {
		return nil, ErrHandlerRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("payment-outbox.noop")
	}

	return &AcknowledgmentConsumer{
		ch:       ch,
		handler:  handler,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg.normalize(),
		logger:   logger,
		tracer:   tracer,
		sleep:    backoff.SleepWithContext,
	}, nil
}

// Run implements app.App.
func (consumer *AcknowledgmentConsumer) Run(launcher *app.Launcher) error {
	return consumer.RunContext(launcher.Context())
}

// RunContext consumes both queues until ctx is cancelled or the broker closes
// a delivery stream.
func (consumer *AcknowledgmentConsumer) RunContext(ctx context.Context) error {
	if !consumer.running.CompareAndSwap(false, true) {
		return ErrConsumerRunning
	}
	defer consumer.running.Store(false)

	if err := consumer.ch.Qos(consumer.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	ackDeliveries, err := consumer.ch.Consume(consumer.cfg.AckQueue, consumer.cfg.ConsumerTag+".ack", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumer.cfg.AckQueue, err)
	}

	dlqDeliveries, err := consumer.ch.Consume(consumer.cfg.DLQ, consumer.cfg.ConsumerTag+".dlq", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumer.cfg.DLQ, err)
	}

	consumer.logger.Log(ctx, log.LevelInfo, "acknowledgment consumer started",
		log.String("queue", consumer.cfg.AckQueue), log.String("dlq", consumer.cfg.DLQ))

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return consumer.consume(groupCtx, ackDeliveries, false) })
	group.Go(func() error { return consumer.consume(groupCtx, dlqDeliveries, true) })

	return group.Wait()
}

func (consumer *AcknowledgmentConsumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery, deadLetter bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}

				return ErrDeliveriesClosed
			}

			consumer.handleDelivery(ctx, delivery, deadLetter)
		}
	}
}

func (consumer *AcknowledgmentConsumer) handleDelivery(ctx context.Context, delivery amqp.Delivery, deadLetter bool) {
	queue := consumer.cfg.AckQueue
	if deadLetter {
		queue = consumer.cfg.DLQ
	}

	ctx = opentelemetry.ExtractTraceContextFromQueueHeaders(ctx, delivery.Headers)

	ctx, span := consumer.tracer.Start(ctx, "rabbitmq.consume_acknowledgment", trace.WithAttributes(
		attribute.String("messaging.destination", queue),
		attribute.String("messaging.message_id", delivery.MessageId),
	))
	defer span.End()

	logger := consumer.logger.With(log.String("queue", queue))

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, logger, recovered, "rabbitmq", "acknowledgment_consumer")
			settle(ctx, logger, "nack", delivery.Nack(false, false))
		}
	}()

	ack, err := consumer.decode(delivery.Body)
	if err != nil {
		logger.Log(ctx, log.LevelWarn, "malformed acknowledgment rejected", log.Err(err))
		opentelemetry.HandleSpanError(span, "malformed acknowledgment", err)
		settle(ctx, logger, "reject", delivery.Reject(false))

		return
	}

	logger = logger.With(log.Int64("message_id", ack.MessageID))

	if !deadLetter {
		if _, err := consumer.handler.Handle(ctx, ack); err != nil {
			log.SafeError(logger, ctx, "acknowledgment failed, dead-lettering", err, false)
			opentelemetry.HandleSpanError(span, "acknowledgment failed", err)
			settle(ctx, logger, "nack", delivery.Nack(false, false))

			return
		}

		settle(ctx, logger, "ack", delivery.Ack(false))

		return
	}

	if _, err := consumer.handler.HandleDeadLetter(ctx, ack); err != nil {
		opentelemetry.HandleSpanError(span, "dead-lettered acknowledgment failed", err)

		attempts := deliveryAttempts(delivery)
		if attempts >= consumer.cfg.MaxDeliveries {
			logger.Log(ctx, log.LevelError, "dropping acknowledgment after max deliveries",
				log.Int("attempts", attempts), log.Err(err))
			settle(ctx, logger, "ack", delivery.Ack(false))

			return
		}

		delay := backoff.FullJitter(backoff.Capped(consumer.cfg.RetryBaseDelay, attempts-1, consumer.cfg.RetryMaxDelay))

		logger.Log(ctx, log.LevelWarn, "dead-lettered acknowledgment failed, requeueing",
			log.Int("attempts", attempts), log.Duration("delay", delay), log.Err(err))

		_ = consumer.sleep(ctx, delay)
		settle(ctx, logger, "nack", delivery.Nack(false, true))

		return
	}

	settle(ctx, logger, "ack", delivery.Ack(false))
}

func (consumer *AcknowledgmentConsumer) decode(body []byte) (outbox.Acknowledgment, error) {
	var ack outbox.Acknowledgment

	if err := json.Unmarshal(body, &ack); err != nil {
		return outbox.Acknowledgment{}, fmt.Errorf("decode acknowledgment: %w", err)
	}

	if err := consumer.validate.Struct(ack); err != nil {
		return outbox.Acknowledgment{}, fmt.Errorf("validate acknowledgment: %w", err)
	}

	return ack, nil
}

func settle(ctx context.Context, logger log.Logger, action string, err error) {
	if err != nil {
		logger.Log(ctx, log.LevelWarn, "failed to settle delivery", log.String("action", action), log.Err(err))
	}
}

// deliveryAttempts counts how often the broker handed this acknowledgment to
// a consumer: once per dead-lettering (x-death) plus the DLQ's own deliveries
// (x-delivery-count on quorum queues, starting at zero).
func deliveryAttempts(delivery amqp.Delivery) int {
	attempts := 1 + int(headerInt(delivery.Headers["x-delivery-count"]))

	deaths, ok := delivery.Headers["x-death"].([]any)
	if !ok {
		return attempts
	}

	for _, death := range deaths {
		if table, ok := death.(amqp.Table); ok {
			attempts += int(headerInt(table["count"]))
		}
	}

	return attempts
}

func headerInt(value any) int64 {
	switch typed := value.(type) {
	case int64:
		return typed
	case int32:
		return int64(typed)
	case int:
		return int64(typed)
	case int16:
		return int64(typed)
	case int8:
		return int64(typed)
	default:
		return 0
	}
}
