package outbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// AcknowledgmentStatus is the downstream consumer's report for a message.
type AcknowledgmentStatus string

const (
	AcknowledgmentReceived  AcknowledgmentStatus = "received"
	AcknowledgmentProcessed AcknowledgmentStatus = "processed"
)

// Acknowledgment is the body consumed from the acknowledgment queues.
type Acknowledgment struct {
	MessageID int64                `json:"messageId" validate:"required,gt=0"`
	PaymentID int64                `json:"paymentId"`
	Status    AcknowledgmentStatus `json:"status" validate:"required,oneof=received processed"`
	Timestamp AckTimestamp         `json:"timestamp"`
	Details   string               `json:"details,omitempty"`
}

// AckTimestamp is the consumer's send time. It decodes from an RFC 3339
// string or from unix epoch seconds or milliseconds; anything else decodes to
// the zero time. The receiver never acts on it.
type AckTimestamp struct {
	time.Time
}

// epochMillisCutoff separates epoch seconds from epoch milliseconds.
const epochMillisCutoff = 1e11

// UnmarshalJSON implements json.Unmarshaler.
func (ts *AckTimestamp) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	ts.Time = time.Time{}

	if raw == "" || raw == "null" {
		return nil
	}

	if strings.HasPrefix(raw, `"`) {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return nil
		}

		if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(unquoted)); err == nil {
			ts.Time = parsed.UTC()
			return nil
		}

		raw = strings.TrimSpace(unquoted)
	}

	epoch, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(epoch) || math.IsInf(epoch, 0) || epoch <= 0 {
		return nil
	}

	if epoch >= epochMillisCutoff {
		ts.Time = time.UnixMilli(int64(epoch)).UTC()
		return nil
	}

	sec, frac := math.Modf(epoch)
	ts.Time = time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()

	return nil
}

// MarshalJSON implements json.Marshaler.
func (ts AckTimestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}

	return []byte(strconv.Quote(ts.UTC().Format(time.RFC3339Nano))), nil
}

// AcknowledgmentOutcome tells the caller what an acknowledgment did.
type AcknowledgmentOutcome string

const (
	// OutcomeCompleted means the acknowledgment completed the message.
	OutcomeCompleted AcknowledgmentOutcome = "completed"
	// OutcomeDuplicate means the message was already completed.
	OutcomeDuplicate AcknowledgmentOutcome = "duplicate"
	// OutcomeUnknown means no such message exists, possibly purged by TTL.
	OutcomeUnknown AcknowledgmentOutcome = "unknown"
)

// AcknowledgmentReceiver idempotently completes outbox messages confirmed by
// the downstream consumer. It is safe to call concurrently and repeatedly.
type AcknowledgmentReceiver struct {
	repo    OutboxRepository
	logger  log.Logger
	tracer  trace.Tracer
	clock   Clock
	metrics acknowledgmentMetrics
}

// AcknowledgmentOption customizes an AcknowledgmentReceiver.
type AcknowledgmentOption func(*acknowledgmentOptions)

type acknowledgmentOptions struct {
	clock         Clock
	meterProvider metric.MeterProvider
}

// WithAcknowledgmentClock injects the clock used for processed_at.
func WithAcknowledgmentClock(clock Clock) AcknowledgmentOption {
	return func(opts *acknowledgmentOptions) {
		if !nilcheck.Interface(clock) {
			opts.clock = clock
		}
	}
}

// WithAcknowledgmentMeterProvider injects the meter provider for receiver metrics.
func WithAcknowledgmentMeterProvider(provider metric.MeterProvider) AcknowledgmentOption {
	return func(opts *acknowledgmentOptions) {
		if !nilcheck.Interface(provider) {
			opts.meterProvider = provider
		}
	}
}

// NewAcknowledgmentReceiver builds a receiver over repo.
func NewAcknowledgmentReceiver(
	repo OutboxRepository,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...AcknowledgmentOption,
) (*AcknowledgmentReceiver, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrOutboxRepositoryRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("payment-outbox.noop")
	}

	options := acknowledgmentOptions{clock: SystemClock{}}

	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	metrics, err := newAcknowledgmentMetrics(options.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init acknowledgment metrics: %w", err)
	}

	return &AcknowledgmentReceiver{
		repo:    repo,
		logger:  logger,
		tracer:  tracer,
		clock:   options.clock,
		metrics: metrics,
	}, nil
}

// Handle processes an acknowledgment from the normal queue. Unknown and
// already completed messages are not errors. Persistence errors are returned
// so the broker redelivers the acknowledgment.
func (receiver *AcknowledgmentReceiver) Handle(ctx context.Context, ack Acknowledgment) (AcknowledgmentOutcome, error) {
	return receiver.handle(ctx, ack, "payment.acknowledgment")
}

// HandleDeadLetter processes an acknowledgment that exhausted the broker's
// normal delivery budget. The outcome rules are the same as Handle.
func (receiver *AcknowledgmentReceiver) HandleDeadLetter(ctx context.Context, ack Acknowledgment) (AcknowledgmentOutcome, error) {
	receiver.logger.Log(ctx, log.LevelWarn, "processing dead-lettered acknowledgment",
		log.Int64("message_id", ack.MessageID),
		log.Int64("payment_id", ack.PaymentID),
	)

	return receiver.handle(ctx, ack, "dlq.acknowledgment")
}

func (receiver *AcknowledgmentReceiver) handle(
	ctx context.Context,
	ack Acknowledgment,
	channel string,
) (AcknowledgmentOutcome, error) {
	if receiver == nil || receiver.repo == nil {
		return "", ErrOutboxRepositoryRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if ack.MessageID <= 0 {
		return "", ErrAcknowledgmentMessageInvalid
	}

	ctx, span := receiver.tracer.Start(ctx, "outbox.acknowledge", trace.WithAttributes(
		attribute.Int64("outbox.message_id", ack.MessageID),
		attribute.String("outbox.ack_channel", channel),
		attribute.String("outbox.ack_status", string(ack.Status)),
	))
	defer span.End()

	logger := receiver.logger.With(
		log.Int64("message_id", ack.MessageID),
		log.String("channel", channel),
	)

	message, err := receiver.repo.GetByID(ctx, ack.MessageID)
	if err != nil {
		if errors.Is(err, ErrOutboxMessageNotFound) {
			receiver.metrics.unknown.Add(ctx, 1)
			logger.Log(ctx, log.LevelWarn, "acknowledgment for unknown outbox message discarded")

			return OutcomeUnknown, nil
		}

		opentelemetry.HandleSpanError(span, "failed to load acknowledged outbox message", err)

		return "", fmt.Errorf("load outbox message %d: %w", ack.MessageID, err)
	}

	if message.Status == StatusCompleted {
		receiver.metrics.duplicate.Add(ctx, 1)
		logger.Log(ctx, log.LevelDebug, "duplicate acknowledgment discarded")

		return OutcomeDuplicate, nil
	}

	changed, err := receiver.repo.MarkCompleted(ctx, ack.MessageID, receiver.clock.Now().UTC(), acknowledgmentDetails(ack))
	if err != nil {
		if errors.Is(err, ErrOutboxMessageNotFound) {
			receiver.metrics.unknown.Add(ctx, 1)

			return OutcomeUnknown, nil
		}

		opentelemetry.HandleSpanError(span, "failed to complete acknowledged outbox message", err)

		return "", fmt.Errorf("complete outbox message %d: %w", ack.MessageID, err)
	}

	if !changed {
		receiver.metrics.duplicate.Add(ctx, 1)

		return OutcomeDuplicate, nil
	}

	receiver.metrics.completed.Add(ctx, 1)
	logger.Log(ctx, log.LevelInfo, "outbox message completed by acknowledgment",
		log.String("ack_status", string(ack.Status)))

	return OutcomeCompleted, nil
}

func acknowledgmentDetails(ack Acknowledgment) string {
	details := strings.TrimSpace(ack.Details)
	if details == "" {
		status := ack.Status
		if status == "" {
			status = AcknowledgmentProcessed
		}

		return "acknowledged: " + string(status)
	}

	return SanitizeDetails(details)
}
