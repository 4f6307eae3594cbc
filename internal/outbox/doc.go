// Package outbox persists intended side effects next to the business writes
// that caused them and delivers them asynchronously.
//
// Messages are appended by Writer inside the caller's unit of work, drained by
// Dispatcher through a HandlerRegistry, completed either by the dispatcher or
// by AcknowledgmentReceiver, and purged once their TTL has passed. Delivery is
// at-least-once: handlers and downstream consumers must be idempotent.
package outbox
