package outbox

import (
	"time"

	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchInterval  = 5 * time.Second
	defaultCleanupInterval   = time.Hour
	defaultBatchSize         = 50
	defaultMaxRetries        = 5
	defaultRetryDelay        = 10 * time.Second
	defaultMaxRetryDelay     = 10 * time.Minute
	defaultProcessingTimeout = 10 * time.Minute
)

// DispatcherConfig controls dispatcher polling, retry and cleanup behavior.
type DispatcherConfig struct {
	// DispatchInterval is the period between drain cycles.
	DispatchInterval time.Duration
	// CleanupInterval is the period between TTL purge cycles.
	CleanupInterval time.Duration
	// BatchSize is the max number of messages fetched per drain cycle.
	BatchSize int
	// MaxRetries is the retry ceiling. A failure that brings retry_count to it marks the row failed.
	MaxRetries int
	// RetryDelay is the delay before the first retry.
	RetryDelay time.Duration
	// MaxRetryDelay caps exponential growth of the retry delay.
	MaxRetryDelay time.Duration
	// ExponentialBackoff doubles the delay per retry when true; otherwise RetryDelay is used every time.
	ExponentialBackoff bool
	// ProcessingTimeout is the age after which a processing row is considered abandoned.
	ProcessingTimeout time.Duration
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval:   defaultDispatchInterval,
		CleanupInterval:    defaultCleanupInterval,
		BatchSize:          defaultBatchSize,
		MaxRetries:         defaultMaxRetries,
		RetryDelay:         defaultRetryDelay,
		MaxRetryDelay:      defaultMaxRetryDelay,
		ExponentialBackoff: true,
		ProcessingTimeout:  defaultProcessingTimeout,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}

	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaults.ProcessingTimeout
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithConfig replaces the whole configuration; later options still apply on top.
func WithConfig(cfg DispatcherConfig) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg = cfg
	}
}

// WithBatchSize sets the maximum messages fetched in one drain cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithDispatchInterval sets the drain polling interval.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithCleanupInterval sets the TTL purge interval.
func WithCleanupInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.CleanupInterval = interval
		}
	}
}

// WithMaxRetries sets the retry ceiling.
func WithMaxRetries(maxRetries int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxRetries > 0 {
			dispatcher.cfg.MaxRetries = maxRetries
		}
	}
}

// WithRetryDelay sets the delay before the first retry.
func WithRetryDelay(delay time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if delay > 0 {
			dispatcher.cfg.RetryDelay = delay
		}
	}
}

// WithMaxRetryDelay caps the exponential retry delay.
func WithMaxRetryDelay(delay time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if delay > 0 {
			dispatcher.cfg.MaxRetryDelay = delay
		}
	}
}

// WithExponentialBackoff toggles exponential retry delays.
func WithExponentialBackoff(enabled bool) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.ExponentialBackoff = enabled
	}
}

// WithProcessingTimeout sets the age after which processing rows are released.
func WithProcessingTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.ProcessingTimeout = timeout
		}
	}
}

// WithClock injects the time source used for scheduling decisions.
func WithClock(clock Clock) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if !nilcheck.Interface(clock) {
			dispatcher.clock = clock
		}
	}
}

// WithCycleLocker serializes drain and cleanup cycles across instances.
func WithCycleLocker(locker CycleLocker) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(locker) {
			dispatcher.locker = nil

			return
		}

		dispatcher.locker = locker
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}
