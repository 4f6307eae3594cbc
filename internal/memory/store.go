// Package memory keeps outbox messages and payments in process memory behind
// the same contracts as the PostgreSQL repositories. A unit of work records
// the prior value of every row it writes and puts only those rows back when
// the work fails, so writes made outside it survive a rollback. Ids are not
// reused after a rollback, like a database sequence.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/LerianStudio/payment-outbox/internal/outbox"
	"github.com/LerianStudio/payment-outbox/internal/payment"
	"github.com/LerianStudio/payment-outbox/internal/transaction"
)

// ErrNoSQL is returned by Session when something tries to run SQL on it.
var ErrNoSQL = errors.New("memory session does not execute sql")

// Session is the unit-of-work handle handed to repositories. The zero
// Session writes straight through with nothing to roll back.
type Session struct {
	undo *undoLog
}

// ExecContext implements transaction.Session.
func (Session) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, ErrNoSQL
}

// QueryContext implements transaction.Session.
func (Session) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, ErrNoSQL
}

type state struct {
	nextMessageID int64
	messages      map[int64]*outbox.OutboxMessage
	nextPaymentID int64
	payments      map[int64]*payment.Payment
}

// undoLog holds the value each row had before its first write in a unit of
// work. A nil value means the row did not exist.
type undoLog struct {
	messages map[int64]*outbox.OutboxMessage
	payments map[int64]*payment.Payment
}

func newUndoLog() *undoLog {
	return &undoLog{
		messages: map[int64]*outbox.OutboxMessage{},
		payments: map[int64]*payment.Payment{},
	}
}

func undoOf(session transaction.Session) *undoLog {
	if memorySession, ok := session.(Session); ok {
		return memorySession.undo
	}

	return nil
}

// rememberMessage must be called with the store locked, before the write.
func (data *state) rememberMessage(session transaction.Session, id int64) {
	undo := undoOf(session)
	if undo == nil {
		return
	}

	if _, seen := undo.messages[id]; seen {
		return
	}

	var prior *outbox.OutboxMessage
	if stored, ok := data.messages[id]; ok {
		prior = cloneMessage(stored)
	}

	undo.messages[id] = prior
}

// rememberPayment must be called with the store locked, before the write.
func (data *state) rememberPayment(session transaction.Session, id int64) {
	undo := undoOf(session)
	if undo == nil {
		return
	}

	if _, seen := undo.payments[id]; seen {
		return
	}

	var prior *payment.Payment
	if stored, ok := data.payments[id]; ok {
		prior = stored.Clone()
	}

	undo.payments[id] = prior
}

func (data *state) rollback(undo *undoLog) {
	for id, prior := range undo.messages {
		if prior == nil {
			delete(data.messages, id)
			continue
		}

		data.messages[id] = prior
	}

	for id, prior := range undo.payments {
		if prior == nil {
			delete(data.payments, id)
			continue
		}

		data.payments[id] = prior
	}
}

// Store is an in-memory database shared by the repositories it hands out.
// Units of work are serialized.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data state
}

var _ transaction.Manager = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{data: state{
		messages: map[int64]*outbox.OutboxMessage{},
		payments: map[int64]*payment.Payment{},
	}}
}

// WithinTransaction implements transaction.Manager.
func (store *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context, session transaction.Session) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	store.txMu.Lock()
	defer store.txMu.Unlock()

	undo := newUndoLog()

	if err := fn(ctx, Session{undo: undo}); err != nil {
		store.mu.Lock()
		store.data.rollback(undo)
		store.mu.Unlock()

		return err
	}

	return nil
}

// Outbox returns the outbox repository view of the store.
func (store *Store) Outbox() *OutboxRepository {
	return &OutboxRepository{store: store}
}

// Payments returns the payment repository view of the store.
func (store *Store) Payments() *PaymentRepository {
	return &PaymentRepository{store: store}
}

func cloneMessage(message *outbox.OutboxMessage) *outbox.OutboxMessage {
	cloned := *message

	if message.Payload != nil {
		cloned.Payload = append([]byte(nil), message.Payload...)
	}

	if message.ProcessedAt != nil {
		processedAt := *message.ProcessedAt
		cloned.ProcessedAt = &processedAt
	}

	return &cloned
}
