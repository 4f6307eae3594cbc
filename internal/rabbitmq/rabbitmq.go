// Package rabbitmq carries outbox messages to the broker and acknowledgments
// back from it: a connection hub, a publisher that waits for broker confirms,
// the acknowledgment queue topology and its consumer.
package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultHeartbeat = 10 * time.Second

// Connection owns the AMQP connection. Components open their own channels on it.
type Connection struct {
	uri    string
	logger log.Logger
	dial   func(ctx context.Context, uri string) (*amqp.Connection, error)

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewConnection returns an unconnected hub for uri.
func NewConnection(uri string, logger log.Logger) *Connection {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Connection{
		uri:    strings.TrimSpace(uri),
		logger: logger,
		dial:   dialContext,
	}
}

func dialContext(ctx context.Context, uri string) (*amqp.Connection, error) {
	return amqp.DialConfig(uri, amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (netConn net.Conn, err error) {
			dialer := &net.Dialer{Timeout: 30 * time.Second}

			return dialer.DialContext(ctx, network, addr)
		},
	})
}

// Connect dials the broker unless a live connection already exists.
func (rc *Connection) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if rc.uri == "" {
		return ErrURIRequired
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "rabbitmq"))

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.conn != nil && !rc.conn.IsClosed() {
		return nil
	}

	rc.logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := rc.dial(ctx, rc.uri)
	if err != nil {
		sanitized := sanitizeAMQPErr(err, rc.uri)
		rc.logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq", log.String("error_detail", sanitized))
		opentelemetry.HandleSpanError(span, "failed to connect to rabbitmq", err)

		return fmt.Errorf("failed to connect to rabbitmq: %s", sanitized)
	}

	rc.conn = conn

	rc.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// Channel opens a new channel, reconnecting first when the connection dropped.
func (rc *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if err := rc.Connect(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	return ch, nil
}

// Ping reports whether the connection is open.
func (rc *Connection) Ping(context.Context) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.conn == nil || rc.conn.IsClosed() {
		return ErrNotConnected
	}

	return nil
}

// Close closes the connection and every channel opened on it.
func (rc *Connection) Close() error {
	rc.mu.Lock()
	conn := rc.conn
	rc.conn = nil
	rc.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close rabbitmq connection: %w", err)
	}

	return nil
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	errMsg := err.Error()

	if connectionString == "" {
		return errMsg
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return errMsg
	}

	redacted := referenceURL.Redacted()
	errMsg = strings.ReplaceAll(errMsg, connectionString, redacted)

	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}
