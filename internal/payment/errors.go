package payment

import "errors"

var (
	ErrPaymentNotFound            = errors.New("payment not found")
	ErrDuplicatePayment           = errors.New("payment already exists")
	ErrInvalidSignature           = errors.New("invalid webhook signature")
	ErrMalformedEvent             = errors.New("malformed webhook event")
	ErrInvalidPaymentState        = errors.New("payment is not in a state that accepts this event")
	ErrInvoiceNotPaid             = errors.New("invoice is not paid")
	ErrCompensated                = errors.New("payment cancelled by compensating transaction")
	ErrWebhookInFlight            = errors.New("webhook event is being processed by another delivery")
	ErrRepositoryRequired         = errors.New("payment repository is required")
	ErrProviderRequired           = errors.New("payment provider is required")
	ErrWriterRequired             = errors.New("outbox writer is required")
	ErrTransactionManagerRequired = errors.New("transaction manager is required")
	ErrSubscriptionIDRequired     = errors.New("provider subscription id is required")
	ErrSessionRequired            = errors.New("unit of work session is required")

	// errAlreadyApplied aborts a unit of work whose event is already reflected
	// in the locked payment row.
	errAlreadyApplied = errors.New("webhook event already applied")
)

// IsClientError reports whether err stems from the webhook content rather
// than from this service. Client errors are answered with 400 and are not
// worth an immediate retry by the provider.
func IsClientError(err error) bool {
	if err == nil || errors.Is(err, ErrCompensated) {
		return false
	}

	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrInvalidPaymentState) ||
		errors.Is(err, ErrInvoiceNotPaid)
}
