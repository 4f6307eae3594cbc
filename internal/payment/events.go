package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentCompletedPayload is enqueued when an initial payment succeeds.
type PaymentCompletedPayload struct {
	PaymentID              int64           `json:"paymentId"`
	ProfileID              uuid.UUID       `json:"profileId"`
	Amount                 decimal.Decimal `json:"amount"`
	Currency               string          `json:"currency"`
	SubscriptionType       string          `json:"subscriptionType"`
	ProviderSubscriptionID string          `json:"subscriptionId"`
	PeriodStart            time.Time       `json:"periodStart"`
	PeriodEnd              time.Time       `json:"periodEnd"`
}

// PaymentFailedPayload is enqueued by the compensating transaction.
type PaymentFailedPayload struct {
	PaymentID              int64     `json:"paymentId"`
	ProfileID              uuid.UUID `json:"profileId"`
	ProviderSubscriptionID string    `json:"subscriptionId,omitempty"`
	Reason                 string    `json:"reason"`
}

// CancelSubscriptionPayload asks the provider to stop renewing a subscription.
type CancelSubscriptionPayload struct {
	PaymentID              int64  `json:"paymentId"`
	ProviderSubscriptionID string `json:"subscriptionId"`
	ReplacedByPaymentID    int64  `json:"replacedByPaymentId,omitempty"`
}

// SubscriptionUpdatedPayload is enqueued when a renewal is paid.
type SubscriptionUpdatedPayload struct {
	PaymentID              int64     `json:"paymentId"`
	ProfileID              uuid.UUID `json:"profileId"`
	ProviderSubscriptionID string    `json:"subscriptionId"`
	PeriodStart            time.Time `json:"periodStart"`
	PeriodEnd              time.Time `json:"periodEnd"`
}

// SubscriptionCancelledPayload is enqueued when the provider ends a subscription.
type SubscriptionCancelledPayload struct {
	PaymentID              int64     `json:"paymentId"`
	ProfileID              uuid.UUID `json:"profileId"`
	ProviderSubscriptionID string    `json:"subscriptionId"`
	CancelledAt            time.Time `json:"cancelledAt"`
}
