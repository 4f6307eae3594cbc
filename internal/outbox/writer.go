package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/transaction"
)

// DefaultRetention is how long a message is kept when the writer gets no TTL.
const DefaultRetention = 7 * 24 * time.Hour

// Writer appends outbox messages.
type Writer struct {
	repo      OutboxRepository
	manager   transaction.Manager
	clock     Clock
	retention time.Duration
	logger    log.Logger
}

// WriterOption customizes a Writer.
type WriterOption func(*Writer)

// WithWriterClock injects the clock used for default schedule and TTL.
func WithWriterClock(clock Clock) WriterOption {
	return func(writer *Writer) {
		if !nilcheck.Interface(clock) {
			writer.clock = clock
		}
	}
}

// WithRetention sets the default TTL offset.
func WithRetention(retention time.Duration) WriterOption {
	return func(writer *Writer) {
		if retention > 0 {
			writer.retention = retention
		}
	}
}

// WithWriterLogger sets the writer logger.
func WithWriterLogger(logger log.Logger) WriterOption {
	return func(writer *Writer) {
		if !nilcheck.Interface(logger) {
			writer.logger = logger
		}
	}
}

// NewWriter builds a Writer. manager is used by EnqueueStandalone only.
func NewWriter(repo OutboxRepository, manager transaction.Manager, opts ...WriterOption) (*Writer, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrOutboxRepositoryRequired
	}

	if nilcheck.Interface(manager) {
		return nil, ErrTransactionManagerRequired
	}

	writer := &Writer{
		repo:      repo,
		manager:   manager,
		clock:     SystemClock{},
		retention: DefaultRetention,
		logger:    log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(writer)
		}
	}

	return writer, nil
}

// Enqueue inserts a pending message on session. The row becomes durable only
// when the caller's unit of work commits.
func (writer *Writer) Enqueue(ctx context.Context, session transaction.Session, input NewMessage) (*OutboxMessage, error) {
	if nilcheck.Interface(session) {
		return nil, ErrSessionRequired
	}

	message, err := buildOutboxMessage(input, writer.clock.Now().UTC(), writer.retention)
	if err != nil {
		return nil, fmt.Errorf("build outbox message: %w", err)
	}

	created, err := writer.repo.Create(ctx, session, message)
	if err != nil {
		return nil, fmt.Errorf("create outbox message: %w", err)
	}

	writer.logger.Log(ctx, log.LevelDebug, "outbox message enqueued",
		log.Int64("message_id", created.ID),
		log.String("event_type", created.EventType.String()),
		log.String("aggregate_id", created.AggregateID),
	)

	return created, nil
}

// EnqueueStandalone inserts a message in its own unit of work.
func (writer *Writer) EnqueueStandalone(ctx context.Context, input NewMessage) (*OutboxMessage, error) {
	return transaction.Run(ctx, writer.manager, func(txCtx context.Context, session transaction.Session) (*OutboxMessage, error) {
		return writer.Enqueue(txCtx, session, input)
	})
}
