package payment

import (
	"context"

	"github.com/LerianStudio/payment-outbox/internal/transaction"
	"github.com/google/uuid"
)

// Repository persists payments. Writes take the session of the unit of work
// they belong to.
type Repository interface {
	// Create inserts payment and fills its ID.
	Create(ctx context.Context, session transaction.Session, payment *Payment) (*Payment, error)
	// FindByID returns ErrPaymentNotFound when no row exists.
	FindByID(ctx context.Context, id int64) (*Payment, error)
	// FindByProviderSubscriptionID returns ErrPaymentNotFound when no row exists.
	FindByProviderSubscriptionID(ctx context.Context, subscriptionID string) (*Payment, error)
	// FindByIDForUpdate reads the payment inside the unit of work and locks it
	// until the work ends, so state checks made on the result hold at commit.
	FindByIDForUpdate(ctx context.Context, session transaction.Session, id int64) (*Payment, error)
	// FindByProviderSubscriptionIDForUpdate is FindByIDForUpdate keyed by the
	// provider subscription id.
	FindByProviderSubscriptionIDForUpdate(ctx context.Context, session transaction.Session, subscriptionID string) (*Payment, error)
	// FindActiveAutoRenewingByProfile returns the profile's successful,
	// auto-renewing payments and locks them for the rest of the unit of work.
	FindActiveAutoRenewingByProfile(ctx context.Context, session transaction.Session, profileID uuid.UUID) ([]*Payment, error)
	// Update writes every mutable column of payment.
	Update(ctx context.Context, session transaction.Session, payment *Payment) error
}
