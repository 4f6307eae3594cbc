package outbox

import "errors"

var (
	ErrOutboxMessageRequired        = errors.New("outbox message is required")
	ErrOutboxMessageNotFound        = errors.New("outbox message not found")
	ErrOutboxRepositoryRequired     = errors.New("outbox repository is required")
	ErrOutboxDispatcherRequired     = errors.New("outbox dispatcher is required")
	ErrOutboxDispatcherRunning      = errors.New("outbox dispatcher is already running")
	ErrTransactionManagerRequired   = errors.New("transaction manager is required")
	ErrSessionRequired              = errors.New("unit of work session is required")
	ErrAggregateIDRequired          = errors.New("aggregate id is required")
	ErrAggregateTypeInvalid         = errors.New("invalid aggregate type")
	ErrEventTypeInvalid             = errors.New("invalid event type")
	ErrOutboxPayloadRequired        = errors.New("outbox payload is required")
	ErrOutboxPayloadTooLarge        = errors.New("outbox payload exceeds maximum allowed size")
	ErrOutboxPayloadNotJSON         = errors.New("outbox payload must be valid JSON")
	ErrOutboxTTLBeforeSchedule      = errors.New("outbox ttl must be after scheduled time")
	ErrHandlerRegistryRequired      = errors.New("handler registry is required")
	ErrEventHandlerRequired         = errors.New("event handler is required")
	ErrHandlerAlreadyRegistered     = errors.New("event handler already registered")
	ErrHandlerNotRegistered         = errors.New("event handler is not registered")
	ErrHandlerDeclined              = errors.New("event handler reported failure")
	ErrPublisherRequired            = errors.New("broker publisher is required")
	ErrRoutingKeyRequired           = errors.New("routing key is required")
	ErrDuplicateOutboxMessage       = errors.New("outbox message already exists")
	ErrOutboxStatusInvalid          = errors.New("invalid outbox status")
	ErrOutboxTransitionNotAllowed   = errors.New("outbox status transition not allowed")
	ErrStateTransitionConflict      = errors.New("outbox state changed concurrently")
	ErrAcknowledgmentMessageInvalid = errors.New("acknowledgment message id must be positive")
)
