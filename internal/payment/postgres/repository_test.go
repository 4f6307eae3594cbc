//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/LerianStudio/payment-outbox/internal/payment"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct{}

func (fakeDB) QueryRowContext(context.Context, string, ...any) *sql.Row { return &sql.Row{} }

func TestNewRepositoryRequiresDatabase(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(nil, nil)
	require.ErrorIs(t, err, ErrDatabaseRequired)

	repo, err := NewRepository(fakeDB{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, repo.tracer)
}

func TestWritesRequireSession(t *testing.T) {
	t.Parallel()

	repo, err := NewRepository(fakeDB{}, nil)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = repo.Create(ctx, nil, &payment.Payment{})
	require.ErrorIs(t, err, payment.ErrSessionRequired)

	_, err = repo.FindActiveAutoRenewingByProfile(ctx, nil, uuid.New())
	require.ErrorIs(t, err, payment.ErrSessionRequired)

	_, err = repo.FindByIDForUpdate(ctx, nil, 1)
	require.ErrorIs(t, err, payment.ErrSessionRequired)

	_, err = repo.FindByProviderSubscriptionIDForUpdate(ctx, nil, "sub_1")
	require.ErrorIs(t, err, payment.ErrSessionRequired)

	require.ErrorIs(t, repo.Update(ctx, nil, &payment.Payment{ID: 1}), payment.ErrSessionRequired)
}

func TestFindByEmptySubscriptionID(t *testing.T) {
	t.Parallel()

	repo, err := NewRepository(fakeDB{}, nil)
	require.NoError(t, err)

	_, err = repo.FindByProviderSubscriptionID(context.Background(), "")
	require.ErrorIs(t, err, payment.ErrPaymentNotFound)

	_, err = repo.FindByProviderSubscriptionIDForUpdate(context.Background(), nil, "")
	require.ErrorIs(t, err, payment.ErrPaymentNotFound)
}

func TestMapWriteErrorUniqueViolation(t *testing.T) {
	t.Parallel()

	err := mapWriteError(&pgconn.PgError{Code: "23505", ConstraintName: "payment_provider_subscription_id_key"})
	require.ErrorIs(t, err, payment.ErrDuplicatePayment)
	assert.Contains(t, err.Error(), "payment_provider_subscription_id_key")
}
