package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/sony/gobreaker"
)

// ErrServiceUnavailable wraps rejections from an open or saturated breaker.
var ErrServiceUnavailable = errors.New("service unavailable")

// State mirrors the gobreaker state in a package-local type.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Breaker guards calls to a single remote dependency.
type Breaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

// New builds a breaker named after the protected service.
func New(serviceName string, config Config, logger log.Logger) *Breaker {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	b := &Breaker{name: serviceName, logger: logger}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "service-" + serviceName,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= config.ConsecutiveFailures ||
				(counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			level := log.LevelWarn
			if to == gobreaker.StateOpen {
				level = log.LevelError
			}

			b.logger.Log(context.Background(), level, "circuit breaker state changed",
				log.String("service", serviceName),
				log.String("from", from.String()),
				log.String("to", to.String()),
			)
		},
	})

	return b
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	result, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, b.name, err)
	}

	return result, err
}

// State reports the current breaker state.
func (b *Breaker) State() State {
	switch b.breaker.State() {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
