package rabbitmq

import (
	"fmt"
	"strings"

	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultExchange     = "payments"
	defaultAckQueue     = "payment.acknowledgment"
	defaultDLQ          = "dlq.acknowledgment"
	defaultExchangeType = "topic"
)

// AMQPChannel defines the channel operations needed to declare the topology.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// TopologyConfig names the exchanges and queues of the service.
type TopologyConfig struct {
	// Exchange receives outbox emissions and acknowledgments.
	Exchange string
	// AckQueue receives acknowledgments bound by its own name.
	AckQueue string
	// DLQ receives acknowledgments the AckQueue consumer rejected.
	DLQ string
	// QuorumDLQ declares the DLQ as a quorum queue so redeliveries carry x-delivery-count.
	QuorumDLQ bool
}

// DefaultTopologyConfig returns the default names.
func DefaultTopologyConfig() TopologyConfig {
	return TopologyConfig{
		Exchange:  defaultExchange,
		AckQueue:  defaultAckQueue,
		DLQ:       defaultDLQ,
		QuorumDLQ: true,
	}
}

// DeadLetterExchange is the exchange the acknowledgment queue dead-letters to.
func (cfg TopologyConfig) DeadLetterExchange() string {
	return cfg.Exchange + ".dlx"
}

func (cfg TopologyConfig) normalize() TopologyConfig {
	defaults := DefaultTopologyConfig()

	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = defaults.Exchange
	}

	if strings.TrimSpace(cfg.AckQueue) == "" {
		cfg.AckQueue = defaults.AckQueue
	}

	if strings.TrimSpace(cfg.DLQ) == "" {
		cfg.DLQ = defaults.DLQ
	}

	return cfg
}

// DeadLetterArgs returns the declare args that route rejected deliveries of a
// queue to dlq through dlx.
func DeadLetterArgs(dlx, dlq string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": dlq,
	}
}

// DeclareTopology declares the outbound exchange, the acknowledgment queue
// with its dead-letter routing, and the DLQ.
func DeclareTopology(ch AMQPChannel, cfg TopologyConfig) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	cfg = cfg.normalize()
	dlx := cfg.DeadLetterExchange()

	if err := ch.ExchangeDeclare(cfg.Exchange, defaultExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	var dlqArgs amqp.Table
	if cfg.QuorumDLQ {
		dlqArgs = amqp.Table{"x-queue-type": "quorum"}
	}

	if _, err := ch.QueueDeclare(cfg.DLQ, true, false, false, false, dlqArgs); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(cfg.DLQ, cfg.DLQ, dlx, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.AckQueue, true, false, false, false, DeadLetterArgs(dlx, cfg.DLQ)); err != nil {
		return fmt.Errorf("declare acknowledgment queue: %w", err)
	}

	if err := ch.QueueBind(cfg.AckQueue, cfg.AckQueue, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind acknowledgment queue: %w", err)
	}

	return nil
}
