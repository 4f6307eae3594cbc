package rabbitmq

import "errors"

var (
	ErrURIRequired            = errors.New("rabbitmq uri is required")
	ErrNotConnected           = errors.New("rabbitmq is not connected")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrExchangeRequired       = errors.New("rabbitmq exchange is required")
	ErrQueueRequired          = errors.New("rabbitmq queue is required")
	ErrPublisherRequired      = errors.New("confirmable publisher is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrPublishUnroutable      = errors.New("message was returned by broker as unroutable")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrHandlerRequired        = errors.New("acknowledgment handler is required")
	ErrConsumerRunning        = errors.New("acknowledgment consumer is already running")
	ErrDeliveriesClosed       = errors.New("delivery channel closed by broker")
)
