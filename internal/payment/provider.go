package payment

import (
	"context"
	"time"
)

// EventKind identifies the webhook events this service reacts to.
type EventKind string

const (
	EventCheckoutSessionCompleted EventKind = "checkout.session.completed"
	EventInvoicePaid              EventKind = "invoice.paid"
	EventSubscriptionDeleted      EventKind = "customer.subscription.deleted"
)

// Event is a verified webhook reduced to the fields this service reads.
// Exactly one of the detail pointers is set for a known kind.
type Event struct {
	ID           string
	Kind         EventKind
	Checkout     *CheckoutSession
	Invoice      *Invoice
	Subscription *SubscriptionRef
}

// CheckoutSession is a completed hosted checkout.
type CheckoutSession struct {
	ID string
	// ClientReferenceID carries the local payment id set when the checkout was created.
	ClientReferenceID string
	PaymentStatus     string
	SubscriptionID    string
}

// IsPaid reports whether the checkout was charged.
func (session CheckoutSession) IsPaid() bool {
	return session.PaymentStatus == "paid"
}

// Invoice is a subscription invoice.
type Invoice struct {
	ID             string
	Status         string
	BillingReason  string
	SubscriptionID string
	// LinePeriodStart and LinePeriodEnd come from the subscription line item.
	LinePeriodStart time.Time
	LinePeriodEnd   time.Time
}

// BillingReasonSubscriptionCreate marks the invoice of a subscription's first
// charge, which the checkout completion already accounts for.
const BillingReasonSubscriptionCreate = "subscription_create"

// IsPaid reports whether the invoice was settled.
func (invoice Invoice) IsPaid() bool {
	return invoice.Status == "paid"
}

// SubscriptionRef names a provider subscription.
type SubscriptionRef struct {
	ID string
}

// SubscriptionDetails is the provider's authoritative subscription timing.
type SubscriptionDetails struct {
	ID                 string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// Provider is the payment provider adapter.
type Provider interface {
	// VerifyEvent checks the signature and decodes the event. Failures wrap
	// ErrInvalidSignature or ErrMalformedEvent.
	VerifyEvent(payload []byte, signature string) (Event, error)
	GetSubscriptionDetails(ctx context.Context, subscriptionID string) (SubscriptionDetails, error)
	CancelSubscriptionAtPeriodEnd(ctx context.Context, subscriptionID string) error
}

// ClaimState is the result of claiming a webhook event id.
type ClaimState int

const (
	// ClaimAcquired means this delivery owns the event.
	ClaimAcquired ClaimState = iota
	// ClaimInFlight means another delivery holds an unexpired lease on the event.
	ClaimInFlight
	// ClaimDone means the event was already processed.
	ClaimDone
)

// Deduplicator remembers webhook event ids. A claim is a short lease that
// only becomes a long-lived record through Complete, so a delivery that dies
// mid-processing cannot hide the event from later redeliveries.
type Deduplicator interface {
	Claim(ctx context.Context, eventID string) (ClaimState, error)
	// Complete records eventID as processed.
	Complete(ctx context.Context, eventID string) error
	// Release drops an in-flight claim so a redelivery is processed again.
	Release(ctx context.Context, eventID string) error
}
