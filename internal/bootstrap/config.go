// Package bootstrap loads configuration and wires the service together.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrConfigTarget is returned when LoadConfigInto is not given a struct pointer.
var ErrConfigTarget = errors.New("config target must be a non-nil pointer to a struct")

// Config is the whole service configuration, read from the environment.
type Config struct {
	EnvName       string `env:"ENV_NAME" envDefault:"development" validate:"oneof=production staging development local"`
	LogLevel      string `env:"LOG_LEVEL"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:":8080" validate:"required"`

	PostgresPrimaryDSN     string `env:"POSTGRES_PRIMARY_DSN" validate:"required"`
	PostgresReplicaDSN     string `env:"POSTGRES_REPLICA_DSN"`
	PostgresDBName         string `env:"POSTGRES_DB_NAME" envDefault:"payments" validate:"required"`
	PostgresMigrationsPath string `env:"POSTGRES_MIGRATIONS_PATH" envDefault:"migrations"`
	PostgresMaxOpenConns   int    `env:"POSTGRES_MAX_OPEN_CONNS" envDefault:"25" validate:"min=1"`
	PostgresMaxIdleConns   int    `env:"POSTGRES_MAX_IDLE_CONNS" envDefault:"10" validate:"min=0"`

	RabbitMQURI            string        `env:"RABBITMQ_URI" validate:"required"`
	RabbitMQExchange       string        `env:"RABBITMQ_EXCHANGE" envDefault:"payments" validate:"required"`
	RabbitMQConfirmTimeout time.Duration `env:"RABBITMQ_CONFIRM_TIMEOUT" envDefault:"5s" validate:"gt=0"`
	RabbitMQPrefetch       int           `env:"RABBITMQ_PREFETCH" envDefault:"10" validate:"min=1"`
	AckQueue               string        `env:"ACK_QUEUE" envDefault:"payment.acknowledgment" validate:"required"`
	AckDLQ                 string        `env:"ACK_DLQ" envDefault:"dlq.acknowledgment" validate:"required"`
	AckMaxDeliveries       int           `env:"ACK_MAX_DELIVERIES" envDefault:"5" validate:"min=1"`

	RedisAddress      string        `env:"REDIS_ADDRESS" validate:"required"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0" validate:"min=0"`
	WebhookDedupeTTL  time.Duration `env:"WEBHOOK_DEDUPE_TTL" envDefault:"72h" validate:"gt=0"`
	WebhookClaimLease time.Duration `env:"WEBHOOK_CLAIM_LEASE" envDefault:"5m" validate:"gt=0"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET" validate:"required"`

	OutboxDispatchInterval   time.Duration `env:"OUTBOX_DISPATCH_INTERVAL" envDefault:"5s" validate:"gt=0"`
	OutboxCleanupInterval    time.Duration `env:"OUTBOX_CLEANUP_INTERVAL" envDefault:"1h" validate:"gt=0"`
	OutboxBatchSize          int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50" validate:"min=1"`
	OutboxMaxRetries         int           `env:"OUTBOX_MAX_RETRIES" envDefault:"5" validate:"min=1"`
	OutboxRetryDelay         time.Duration `env:"OUTBOX_RETRY_DELAY" envDefault:"10s" validate:"gt=0"`
	OutboxMaxRetryDelay      time.Duration `env:"OUTBOX_MAX_RETRY_DELAY" envDefault:"10m" validate:"gt=0"`
	OutboxExponentialBackoff bool          `env:"OUTBOX_EXPONENTIAL_BACKOFF" envDefault:"true"`
	OutboxProcessingTimeout  time.Duration `env:"OUTBOX_PROCESSING_TIMEOUT" envDefault:"10m" validate:"gt=0"`
	OutboxMessageTTL         time.Duration `env:"OUTBOX_MESSAGE_TTL" envDefault:"168h" validate:"gt=0"`
	OutboxCycleLock          bool          `env:"OUTBOX_CYCLE_LOCK" envDefault:"false"`

	EnableTelemetry      bool   `env:"ENABLE_TELEMETRY" envDefault:"false"`
	OtelExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelServiceName      string `env:"OTEL_RESOURCE_SERVICE_NAME" envDefault:"payment-outbox"`
	OtelServiceVersion   string `env:"OTEL_RESOURCE_SERVICE_VERSION" envDefault:"0.0.0"`
	OtelLibraryName      string `env:"OTEL_LIBRARY_NAME" envDefault:"github.com/LerianStudio/payment-outbox"`
}

// LoadConfig reads Config from the environment and validates it.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	if err := LoadConfigInto(cfg); err != nil {
		return nil, err
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadConfigInto fills the `env`-tagged fields of target. Unset or
// whitespace-only variables fall back to the `envDefault` tag.
func LoadConfigInto(target any) error {
	value := reflect.ValueOf(target)
	if value.Kind() != reflect.Pointer || value.IsNil() || value.Elem().Kind() != reflect.Struct {
		return ErrConfigTarget
	}

	elem := value.Elem()
	typ := elem.Type()

	for i := range typ.NumField() {
		field := typ.Field(i)

		key, ok := field.Tag.Lookup("env")
		if !ok || key == "" {
			continue
		}

		raw := GetenvOrDefault(key, field.Tag.Get("envDefault"))
		if raw == "" {
			continue
		}

		if err := setField(elem.Field(i), raw); err != nil {
			return fmt.Errorf("config %s: %w", key, err)
		}
	}

	return nil
}

// GetenvOrDefault returns the trimmed value of key, or defaultValue when the
// variable is unset or blank.
func GetenvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	return value
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}

		field.SetInt(int64(d))

		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid bool %q: %w", raw, err)
		}

		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", raw, err)
		}

		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}

	return nil
}
