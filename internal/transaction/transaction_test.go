//go:build unit

package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingManager struct {
	calls int
}

func (m *recordingManager) WithinTransaction(ctx context.Context, fn func(context.Context, Session) error) error {
	m.calls++

	return fn(ctx, nil)
}

func TestNewSQLManagerRequiresDatabase(t *testing.T) {
	t.Parallel()

	_, err := NewSQLManager(nil)
	require.ErrorIs(t, err, ErrDatabaseRequired)
}

func TestWithTimeoutIgnoresNonPositive(t *testing.T) {
	t.Parallel()

	manager := &SQLManager{timeout: defaultTransactionTimeout}
	WithTimeout(-time.Second)(manager)
	assert.Equal(t, defaultTransactionTimeout, manager.timeout)

	WithTimeout(time.Second)(manager)
	assert.Equal(t, time.Second, manager.timeout)
}

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("returns fn result", func(t *testing.T) {
		t.Parallel()

		manager := &recordingManager{}

		value, err := Run(context.Background(), manager, func(context.Context, Session) (int64, error) {
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(42), value)
		assert.Equal(t, 1, manager.calls)
	})

	t.Run("propagates fn error and zero value", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("insert failed")

		value, err := Run(context.Background(), &recordingManager{}, func(context.Context, Session) (string, error) {
			return "partial", boom
		})
		require.ErrorIs(t, err, boom)
		assert.Empty(t, value)
	})

	t.Run("nil manager", func(t *testing.T) {
		t.Parallel()

		_, err := Run(context.Background(), nil, func(context.Context, Session) (int, error) { return 1, nil })
		require.ErrorIs(t, err, ErrManagerRequired)
	})
}
