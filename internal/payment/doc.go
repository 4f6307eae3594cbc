// Package payment ingests provider webhooks into the payment aggregate.
//
// Each webhook is applied in one unit of work that updates the payment and
// enqueues the outbox messages describing the change. The provider call that
// precedes the initial-payment transaction cannot be rolled back, so a failed
// transaction is followed by a compensating one that cancels the payment.
package payment
