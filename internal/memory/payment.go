package memory

import (
	"context"
	"sort"

	"github.com/LerianStudio/payment-outbox/internal/payment"
	"github.com/LerianStudio/payment-outbox/internal/transaction"
	"github.com/google/uuid"
)

// PaymentRepository implements payment.Repository over a Store.
type PaymentRepository struct {
	store *Store
}

var _ payment.Repository = (*PaymentRepository)(nil)

// Create implements payment.Repository.
func (repo *PaymentRepository) Create(_ context.Context, session transaction.Session, input *payment.Payment) (*payment.Payment, error) {
	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	if input.ProviderSubscriptionID != "" {
		for _, stored := range repo.store.data.payments {
			if stored.ProviderSubscriptionID == input.ProviderSubscriptionID {
				return nil, payment.ErrDuplicatePayment
			}
		}
	}

	repo.store.data.nextPaymentID++

	stored := input.Clone()
	stored.ID = repo.store.data.nextPaymentID
	repo.store.data.rememberPayment(session, stored.ID)
	repo.store.data.payments[stored.ID] = stored

	return stored.Clone(), nil
}

// FindByID implements payment.Repository.
func (repo *PaymentRepository) FindByID(_ context.Context, id int64) (*payment.Payment, error) {
	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	stored, ok := repo.store.data.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}

	return stored.Clone(), nil
}

// FindByProviderSubscriptionID implements payment.Repository.
func (repo *PaymentRepository) FindByProviderSubscriptionID(_ context.Context, subscriptionID string) (*payment.Payment, error) {
	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	for _, stored := range repo.store.data.payments {
		if subscriptionID != "" && stored.ProviderSubscriptionID == subscriptionID {
			return stored.Clone(), nil
		}
	}

	return nil, payment.ErrPaymentNotFound
}

// FindByIDForUpdate implements payment.Repository. Units of work on the store
// are serialized, so a read inside one is already exclusive.
func (repo *PaymentRepository) FindByIDForUpdate(ctx context.Context, _ transaction.Session, id int64) (*payment.Payment, error) {
	return repo.FindByID(ctx, id)
}

// FindByProviderSubscriptionIDForUpdate implements payment.Repository.
func (repo *PaymentRepository) FindByProviderSubscriptionIDForUpdate(
	ctx context.Context,
	_ transaction.Session,
	subscriptionID string,
) (*payment.Payment, error) {
	return repo.FindByProviderSubscriptionID(ctx, subscriptionID)
}

// FindActiveAutoRenewingByProfile implements payment.Repository.
func (repo *PaymentRepository) FindActiveAutoRenewingByProfile(
	_ context.Context,
	_ transaction.Session,
	profileID uuid.UUID,
) ([]*payment.Payment, error) {
	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	active := make([]*payment.Payment, 0)

	for _, stored := range repo.store.data.payments {
		if stored.ProfileID == profileID && stored.Status == payment.StatusSuccessful && stored.AutoRenew {
			active = append(active, stored.Clone())
		}
	}

	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	return active, nil
}

// Update implements payment.Repository.
func (repo *PaymentRepository) Update(_ context.Context, session transaction.Session, input *payment.Payment) error {
	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	if _, ok := repo.store.data.payments[input.ID]; !ok {
		return payment.ErrPaymentNotFound
	}

	repo.store.data.rememberPayment(session, input.ID)
	repo.store.data.payments[input.ID] = input.Clone()

	return nil
}
