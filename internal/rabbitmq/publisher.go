package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/opentelemetry"
	"github.com/LerianStudio/payment-outbox/internal/outbox"
	"github.com/LerianStudio/payment-outbox/internal/runtime"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultConfirmTimeout is the default timeout for waiting on broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer should be >= max unconfirmed messages to avoid blocking.
	confirmChannelBuffer = 256

	returnChannelBuffer = 16

	contentTypeJSON = "application/json"
)

// ConfirmableChannel defines the channel operations used for confirmed publishing.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider opens a fresh channel after the current one was lost.
type ChannelProvider func(ctx context.Context) (ConfirmableChannel, error)

// ConfirmablePublisher publishes outbox envelopes and waits for the broker
// confirm of each one. Publishes are serialized per publisher so confirms
// line up with their messages without delivery-tag bookkeeping. Messages are
// published mandatory, so one that no queue is bound for fails with
// ErrPublishUnroutable instead of being confirmed and dropped.
type ConfirmablePublisher struct {
	exchange       string
	confirmTimeout time.Duration
	logger         log.Logger
	provider       ChannelProvider

	publishMu sync.Mutex
	mu        sync.Mutex
	ch        ConfirmableChannel
	confirms  chan amqp.Confirmation
	returns   chan amqp.Return
	closedCh  chan struct{}
	shutdown  bool
}

var _ outbox.BrokerPublisher = (*ConfirmablePublisher)(nil)

// PublisherOption configures a ConfirmablePublisher.
type PublisherOption func(*ConfirmablePublisher)

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if !nilcheck.Interface(logger) {
			pub.logger = logger
		}
	}
}

// WithConfirmTimeout bounds the wait for a broker confirm.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// WithChannelProvider lets the publisher reopen its channel on the next
// publish after the broker closed it.
func WithChannelProvider(provider ChannelProvider) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if provider != nil {
			pub.provider = provider
		}
	}
}

// NewConfirmablePublisher puts ch in confirm mode and returns a publisher to exchange.
func NewConfirmablePublisher(ch ConfirmableChannel, exchange string, opts ...PublisherOption) (*ConfirmablePublisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	pub := &ConfirmablePublisher{
		exchange:       exchange,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	if err := pub.attach(ch); err != nil {
		return nil, err
	}

	return pub, nil
}

func (pub *ConfirmablePublisher) attach(ch ConfirmableChannel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	returns := ch.NotifyReturn(make(chan amqp.Return, returnChannelBuffer))
	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))
	closedCh := make(chan struct{})

	pub.mu.Lock()
	pub.ch = ch
	pub.confirms = confirms
	pub.returns = returns
	pub.closedCh = closedCh
	pub.mu.Unlock()

	runtime.SafeGo(pub.logger, "rabbitmq.publisher_close_watcher", runtime.KeepRunning, func() {
		amqpErr, ok := <-closeNotify
		if ok && amqpErr != nil {
			pub.logger.Log(context.Background(), log.LevelWarn, "rabbitmq publisher channel closed",
				log.Int("code", amqpErr.Code), log.String("reason", amqpErr.Reason))
		}

		pub.detach(ch, closedCh)
	})

	return nil
}

func (pub *ConfirmablePublisher) detach(ch ConfirmableChannel, closedCh chan struct{}) {
	pub.mu.Lock()
	defer pub.mu.Unlock()

	select {
	case <-closedCh:
	default:
		close(closedCh)
	}

	if pub.ch == ch {
		pub.ch = nil
	}
}

// Publish implements outbox.BrokerPublisher.
func (pub *ConfirmablePublisher) Publish(ctx context.Context, routingKey string, message outbox.BrokerMessage) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	ch, confirms, returns, closedCh, err := pub.current(ctx)
	if err != nil {
		return err
	}

	drainReturns(returns)

	timestamp := message.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	publishing := amqp.Publishing{
		Headers:       amqp.Table(opentelemetry.PrepareQueueHeaders(ctx, nil)),
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		MessageId:     message.MessageID,
		CorrelationId: uuid.NewString(),
		Timestamp:     timestamp,
		Body:          message.Body,
	}

	if err := ch.PublishWithContext(ctx, pub.exchange, routingKey, true, false, publishing); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err = waitForConfirm(ctx, confirms, closedCh, pub.confirmTimeout)
	if err != nil {
		if isConfirmStreamCorrupted(err) {
			// A late confirm would be read as the next message's confirm.
			pub.invalidate(ch, closedCh)
		}

		return err
	}

	return unroutable(returns, message.MessageID)
}

// unroutable reports a basic.return for messageID. The broker sends the
// return before the confirm, so it is already buffered once the ack arrived.
func unroutable(returns <-chan amqp.Return, messageID string) error {
	for {
		select {
		case returned, ok := <-returns:
			if !ok {
				return nil
			}

			if returned.MessageId == messageID {
				return fmt.Errorf("%w: exchange=%s routing_key=%s reply=%d %s",
					ErrPublishUnroutable, returned.Exchange, returned.RoutingKey, returned.ReplyCode, returned.ReplyText)
			}
		default:
			return nil
		}
	}
}

func drainReturns(returns <-chan amqp.Return) {
	for {
		select {
		case _, ok := <-returns:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (pub *ConfirmablePublisher) current(
	ctx context.Context,
) (ConfirmableChannel, chan amqp.Confirmation, chan amqp.Return, chan struct{}, error) {
	pub.mu.Lock()

	if pub.shutdown {
		pub.mu.Unlock()
		return nil, nil, nil, nil, ErrPublisherClosed
	}

	if pub.ch != nil {
		ch, confirms, returns, closedCh := pub.ch, pub.confirms, pub.returns, pub.closedCh
		pub.mu.Unlock()

		return ch, confirms, returns, closedCh, nil
	}

	provider := pub.provider
	pub.mu.Unlock()

	if provider == nil {
		return nil, nil, nil, nil, ErrPublisherClosed
	}

	ch, err := provider(ctx)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: reopen channel: %w", ErrPublisherClosed, err)
	}

	if nilcheck.Interface(ch) {
		return nil, nil, nil, nil, fmt.Errorf("%w: reopen channel: %w", ErrPublisherClosed, ErrChannelRequired)
	}

	if err := pub.attach(ch); err != nil {
		_ = ch.Close()
		return nil, nil, nil, nil, err
	}

	pub.logger.Log(ctx, log.LevelInfo, "rabbitmq publisher channel reopened")

	pub.mu.Lock()
	defer pub.mu.Unlock()

	return pub.ch, pub.confirms, pub.returns, pub.closedCh, nil
}

func (pub *ConfirmablePublisher) invalidate(ch ConfirmableChannel, closedCh chan struct{}) {
	pub.detach(ch, closedCh)

	_ = ch.Close()
}

func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close permanently closes the publisher and its channel.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()

	if pub.shutdown {
		pub.mu.Unlock()
		return nil
	}

	pub.shutdown = true
	ch := pub.ch
	pub.ch = nil
	pub.mu.Unlock()

	if nilcheck.Interface(ch) {
		return nil
	}

	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close publisher channel: %w", err)
	}

	return nil
}
