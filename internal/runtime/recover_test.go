//go:build unit

package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type panicLogger struct {
	mu       sync.Mutex
	messages []string
	logged   chan struct{}
}

func newPanicLogger() *panicLogger {
	return &panicLogger{logged: make(chan struct{}, 8)}
}

func (l *panicLogger) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()

	l.logged <- struct{}{}
}

func (l *panicLogger) With(_ ...log.Field) log.Logger { return l }

func (l *panicLogger) WithGroup(_ string) log.Logger { return l }

func (l *panicLogger) Enabled(_ log.Level) bool { return true }

func (l *panicLogger) Sync(_ context.Context) error { return nil }

func TestRecoverAndLogWithContext(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	logger := newPanicLogger()

	func() {
		ctx, span := provider.Tracer("test").Start(context.Background(), "cycle")
		defer span.End()
		defer RecoverAndLogWithContext(ctx, logger, "outbox", "dispatch_cycle")

		panic("handler exploded")
	}()

	require.Len(t, logger.messages, 1)
	assert.Equal(t, "panic recovered", logger.messages[0])

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, PanicSpanEventName, spans[0].Events()[0].Name)
}

func TestRecoverWithPolicyCrashProcess(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		defer RecoverWithPolicyAndContext(context.Background(), newPanicLogger(), "outbox", "critical", CrashProcess)

		panic("fatal")
	})
}

func TestSafeGoKeepsProcessAlive(t *testing.T) {
	t.Parallel()

	logger := newPanicLogger()

	SafeGo(logger, "worker", KeepRunning, func() {
		panic("worker failed")
	})

	select {
	case <-logger.logged:
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not logged")
	}
}

func TestPanicPolicyString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "KeepRunning", KeepRunning.String())
	assert.Equal(t, "CrashProcess", CrashProcess.String())
	assert.Equal(t, "Unknown", PanicPolicy(9).String())
}
