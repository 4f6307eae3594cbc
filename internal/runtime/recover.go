// Package runtime keeps goroutines and loop iterations alive across panics
// while still reporting them through logs, spans and metrics.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// PanicSpanEventName is the span event recorded when a panic is recovered.
const PanicSpanEventName = "panic.recovered"

const maxStackLength = 4096

// ErrPanic is the error recorded on spans for recovered panics.
var ErrPanic = errors.New("panic")

// PanicPolicy decides what happens after a panic has been recorded.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after reporting it.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after reporting it.
	CrashProcess
)

// String implements fmt.Stringer.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "KeepRunning"
	case CrashProcess:
		return "CrashProcess"
	default:
		return "Unknown"
	}
}

// RecoverAndLogWithContext recovers a panic, logs it with its stack and records
// it on the active span and the panic counter. Use it in defer statements.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		handlePanic(ctx, logger, recovered, debug.Stack(), component, name)
	}
}

// RecoverWithPolicyAndContext is RecoverAndLogWithContext with an explicit policy.
func RecoverWithPolicyAndContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if recovered := recover(); recovered != nil {
		handlePanic(ctx, logger, recovered, debug.Stack(), component, name)

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// HandlePanicValue records a panic value recovered by an external mechanism,
// such as fiber's recover middleware.
func HandlePanicValue(ctx context.Context, logger log.Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	handlePanic(ctx, logger, panicValue, debug.Stack(), component, name)
}

func handlePanic(ctx context.Context, logger log.Logger, panicValue any, stack []byte, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	if len(stack) > maxStackLength {
		stack = stack[:maxStackLength]
	}

	if logger != nil {
		logger.Log(ctx, log.LevelError, "panic recovered",
			log.String("component", component),
			log.String("source", name),
			log.String("panic", fmt.Sprint(panicValue)),
			log.String("stack_trace", string(stack)),
		)
	}

	RecordPanicToSpan(ctx, panicValue, stack, name)
	recordPanicMetric(ctx, component, name)
}

// RecordPanicToSpan adds a panic event to the span in ctx and marks it as errored.
func RecordPanicToSpan(ctx context.Context, panicValue any, stack []byte, name string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent(PanicSpanEventName, trace.WithAttributes(
		attribute.String("panic.value", fmt.Sprint(panicValue)),
		attribute.String("panic.stack", string(stack)),
		attribute.String("panic.goroutine_name", name),
	))
	span.RecordError(fmt.Errorf("%w: %v", ErrPanic, panicValue))
	span.SetStatus(codes.Error, "panic recovered in "+name)
}

func recordPanicMetric(ctx context.Context, component, name string) {
	counter, err := otel.GetMeterProvider().Meter("payment-outbox.runtime").Int64Counter(
		"panic.recovered.total",
		metric.WithDescription("Number of recovered panics"),
		metric.WithUnit("{panic}"),
	)
	if err != nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("goroutine_name", name),
	))
}
