// Package transaction defines the unit of work that repository writes are
// threaded through, so callers decide explicitly which writes commit together.
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultTransactionTimeout = 30 * time.Second

var (
	// ErrDatabaseRequired is returned when a manager is built without a database handle.
	ErrDatabaseRequired = errors.New("database handle is required")
	// ErrManagerRequired is returned when Run is called with a nil manager.
	ErrManagerRequired = errors.New("transaction manager is required")
)

// Session is the handle repository writes execute on. *sql.Tx and *sql.DB both satisfy it.
type Session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Manager opens units of work. fn's writes commit together when it returns nil
// and are discarded when it returns an error.
type Manager interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, session Session) error) error
}

// Beginner is the subset of *sql.DB a SQLManager needs.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// SQLManager runs units of work on database/sql transactions.
type SQLManager struct {
	db      Beginner
	timeout time.Duration
}

// Option customizes a SQLManager.
type Option func(*SQLManager)

// WithTimeout bounds transactions whose context carries no deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(manager *SQLManager) {
		if timeout > 0 {
			manager.timeout = timeout
		}
	}
}

// NewSQLManager returns a Manager backed by db.
func NewSQLManager(db Beginner, opts ...Option) (*SQLManager, error) {
	if db == nil {
		return nil, ErrDatabaseRequired
	}

	manager := &SQLManager{db: db, timeout: defaultTransactionTimeout}

	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}

	return manager, nil
}

// WithinTransaction implements Manager.
func (manager *SQLManager) WithinTransaction(ctx context.Context, fn func(ctx context.Context, session Session) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, manager.timeout)
		defer cancel()
	}

	tx, err := manager.db.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txCtx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Run executes fn in a unit of work opened by manager and returns its result.
func Run[T any](ctx context.Context, manager Manager, fn func(ctx context.Context, session Session) (T, error)) (T, error) {
	var result T

	if manager == nil {
		return result, ErrManagerRequired
	}

	err := manager.WithinTransaction(ctx, func(txCtx context.Context, session Session) error {
		value, err := fn(txCtx, session)
		if err != nil {
			return err
		}

		result = value

		return nil
	})
	if err != nil {
		var zero T

		return zero, err
	}

	return result, nil
}
