package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/app"
	"github.com/LerianStudio/payment-outbox/internal/backoff"
	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/opentelemetry"
	"github.com/LerianStudio/payment-outbox/internal/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	drainLockName   = "dispatch"
	cleanupLockName = "cleanup"

	completedDetails = "dispatched"
)

// CycleLocker serializes dispatcher cycles across processes. TryLock reports
// acquired=false when another holder owns the lock; the cycle is then skipped.
type CycleLocker interface {
	TryLock(ctx context.Context, name string) (unlock func(context.Context) error, acquired bool, err error)
}

// Dispatcher drains due outbox messages through registered handlers and
// purges expired ones.
type Dispatcher struct {
	repo     OutboxRepository
	handlers *HandlerRegistry
	logger   log.Logger
	tracer   trace.Tracer
	clock    Clock
	locker   CycleLocker
	cfg      DispatcherConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup
	cycleMu    sync.Mutex

	metrics dispatcherMetrics
}

var _ app.App = (*Dispatcher)(nil)

// DispatchResult captures one drain cycle outcome.
type DispatchResult struct {
	Fetched           int
	Completed         int
	Retried           int
	Failed            int
	ClaimConflicts    int
	StateUpdateFailed int
	Released          int64
	Skipped           bool
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(
	repo OutboxRepository,
	handlers *HandlerRegistry,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrOutboxRepositoryRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRegistryRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("payment-outbox.noop")
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	dispatcher := &Dispatcher{
		repo:     repo,
		handlers: handlers,
		logger:   logger,
		tracer:   tracer,
		clock:    SystemClock{},
		cfg:      DefaultDispatcherConfig(),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Config returns the effective configuration.
func (dispatcher *Dispatcher) Config() DispatcherConfig {
	return dispatcher.cfg
}

// Run starts the dispatcher loops until Stop is called or the launcher context ends.
func (dispatcher *Dispatcher) Run(launcher *app.Launcher) error {
	return dispatcher.RunContext(launcher.Context())
}

// RunContext drains immediately, then keeps draining every DispatchInterval
// and purging every CleanupInterval until Stop is called or ctx is cancelled.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context) error {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.handlers == nil {
		return ErrOutboxDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrOutboxDispatcherRunning
	}

	defer dispatcher.clearRun()
	defer cancel()

	dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher started",
		log.Duration("dispatch_interval", dispatcher.cfg.DispatchInterval),
		log.Duration("cleanup_interval", dispatcher.cfg.CleanupInterval),
	)
	defer dispatcher.logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")

	dispatchTicker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer dispatchTicker.Stop()

	cleanupTicker := time.NewTicker(dispatcher.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	dispatcher.runCycle(ctx, "dispatcher_initial", func(cycleCtx context.Context) {
		dispatcher.RunOnce(cycleCtx)
	})

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-dispatchTicker.C:
			if dispatcher.stopping(ctx) {
				return nil
			}

			dispatcher.runCycle(ctx, "dispatcher_tick", func(cycleCtx context.Context) {
				dispatcher.RunOnce(cycleCtx)
			})
		case <-cleanupTicker.C:
			if dispatcher.stopping(ctx) {
				return nil
			}

			dispatcher.runCycle(ctx, "cleanup_tick", func(cycleCtx context.Context) {
				_, _ = dispatcher.CleanupOnce(cycleCtx)
			})
		}
	}
}

func (dispatcher *Dispatcher) runCycle(ctx context.Context, name string, cycle func(context.Context)) {
	dispatcher.cycleWg.Add(1)
	defer dispatcher.cycleWg.Done()
	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", name)

	cycle(ctx)
}

func (dispatcher *Dispatcher) stopping(ctx context.Context) bool {
	select {
	case <-dispatcher.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// RunOnce performs one drain cycle: release abandoned claims, fetch a batch of
// due messages and process each one in isolation.
func (dispatcher *Dispatcher) RunOnce(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.handlers == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.cycleMu.Lock()
	defer dispatcher.cycleMu.Unlock()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	release, acquired := dispatcher.acquireCycleLock(ctx, span, drainLockName)
	if !acquired {
		return DispatchResult{Skipped: true}
	}

	defer release()

	started := time.Now()
	now := dispatcher.clock.Now().UTC()

	var result DispatchResult

	released, err := dispatcher.repo.ReleaseStale(ctx, now.Add(-dispatcher.cfg.ProcessingTimeout), now)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to release stale outbox messages", err)
		log.SafeError(dispatcher.logger, ctx, "failed to release stale outbox messages", err, false)
	} else if released > 0 {
		result.Released = released
		dispatcher.logger.Log(ctx, log.LevelWarn, "released outbox messages stuck in processing",
			log.Int64("count", released))
	}

	messages, err := dispatcher.repo.ListDue(ctx, now, dispatcher.cfg.MaxRetries, dispatcher.cfg.BatchSize)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list due outbox messages", err)
		log.SafeError(dispatcher.logger, ctx, "failed to list due outbox messages", err, false)

		return result
	}

	result.Fetched = len(messages)
	dispatcher.metrics.queueDepth.Record(ctx, int64(len(messages)))

	for _, message := range messages {
		if ctx.Err() != nil {
			break
		}

		if message == nil {
			continue
		}

		dispatcher.processMessage(ctx, message, &result)
	}

	span.SetAttributes(
		attribute.Int("outbox.fetched", result.Fetched),
		attribute.Int("outbox.completed", result.Completed),
		attribute.Int("outbox.retried", result.Retried),
		attribute.Int("outbox.failed", result.Failed),
	)

	dispatcher.addCount(ctx, dispatcher.metrics.messagesCompleted, result.Completed)
	dispatcher.addCount(ctx, dispatcher.metrics.messagesRetried, result.Retried)
	dispatcher.addCount(ctx, dispatcher.metrics.messagesFailed, result.Failed)
	dispatcher.addCount(ctx, dispatcher.metrics.claimConflicts, result.ClaimConflicts)
	dispatcher.addCount(ctx, dispatcher.metrics.stateUpdateFailed, result.StateUpdateFailed)
	dispatcher.metrics.dispatchLatency.Record(ctx, time.Since(started).Seconds())

	return result
}

// CleanupOnce deletes every message whose TTL has passed, whatever its status.
func (dispatcher *Dispatcher) CleanupOnce(ctx context.Context) (int64, error) {
	if dispatcher == nil || dispatcher.repo == nil {
		return 0, ErrOutboxDispatcherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.cleanup")
	defer span.End()

	release, acquired := dispatcher.acquireCycleLock(ctx, span, cleanupLockName)
	if !acquired {
		return 0, nil
	}

	defer release()

	deleted, err := dispatcher.repo.DeleteExpired(ctx, dispatcher.clock.Now().UTC())
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to purge expired outbox messages", err)
		log.SafeError(dispatcher.logger, ctx, "failed to purge expired outbox messages", err, false)

		return 0, fmt.Errorf("purge expired outbox messages: %w", err)
	}

	span.SetAttributes(attribute.Int64("outbox.purged", deleted))

	if deleted > 0 {
		dispatcher.metrics.messagesPurged.Add(ctx, deleted)
		dispatcher.logger.Log(ctx, log.LevelInfo, "purged expired outbox messages", log.Int64("count", deleted))
	}

	return deleted, nil
}

func (dispatcher *Dispatcher) processMessage(ctx context.Context, message *OutboxMessage, result *DispatchResult) {
	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", "process_message")

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch.message", trace.WithAttributes(
		attribute.Int64("outbox.message_id", message.ID),
		attribute.String("outbox.event_type", message.EventType.String()),
		attribute.Int("outbox.retry_count", message.RetryCount),
	))
	defer span.End()

	logger := dispatcher.logger.With(
		log.Int64("message_id", message.ID),
		log.String("event_type", message.EventType.String()),
	)

	if err := dispatcher.repo.Claim(ctx, message.ID, dispatcher.clock.Now().UTC()); err != nil {
		if errors.Is(err, ErrStateTransitionConflict) {
			result.ClaimConflicts++

			logger.Log(ctx, log.LevelDebug, "outbox message claimed elsewhere")

			return
		}

		result.StateUpdateFailed++

		opentelemetry.HandleSpanError(span, "failed to claim outbox message", err)
		log.SafeError(logger, ctx, "failed to claim outbox message", err, false)

		return
	}

	message.Status = StatusProcessing

	succeeded, handleErr := dispatcher.invokeHandler(ctx, message)

	// a claimed row must leave processing even when shutdown cancelled ctx
	// while the handler ran
	ctx = context.WithoutCancel(ctx)

	if succeeded && handleErr == nil {
		dispatcher.complete(ctx, span, logger, message, result)

		return
	}

	if handleErr == nil {
		handleErr = ErrHandlerDeclined
	}

	opentelemetry.HandleSpanError(span, "outbox handler failed", handleErr)
	dispatcher.recordFailure(ctx, logger, message, handleErr, result)
}

func (dispatcher *Dispatcher) invokeHandler(ctx context.Context, message *OutboxMessage) (succeeded bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, dispatcher.logger, recovered, "outbox", "event_handler")

			succeeded = false
			err = fmt.Errorf("%w: %v", runtime.ErrPanic, recovered)
		}
	}()

	return dispatcher.handlers.Handle(ctx, message)
}

func (dispatcher *Dispatcher) complete(
	ctx context.Context,
	span trace.Span,
	logger log.Logger,
	message *OutboxMessage,
	result *DispatchResult,
) {
	processedAt := dispatcher.clock.Now().UTC()

	changed, err := dispatcher.repo.MarkCompleted(ctx, message.ID, processedAt, completedDetails)
	if err != nil {
		result.StateUpdateFailed++

		opentelemetry.HandleSpanError(span, "failed to mark outbox message completed", err)
		logger.Log(ctx, log.LevelError,
			"outbox side effect delivered but completion was not persisted; message may be delivered again",
			log.Err(err),
		)

		return
	}

	result.Completed++

	if !changed {
		logger.Log(ctx, log.LevelDebug, "outbox message already completed by acknowledgment")

		return
	}

	message.Status = StatusCompleted
	message.ProcessedAt = &processedAt
	message.Details = completedDetails
}

func (dispatcher *Dispatcher) recordFailure(
	ctx context.Context,
	logger log.Logger,
	message *OutboxMessage,
	cause error,
	result *DispatchResult,
) {
	now := dispatcher.clock.Now().UTC()
	retryCount := message.RetryCount + 1
	details := detailsFromError(cause)

	if retryCount >= dispatcher.cfg.MaxRetries {
		err := dispatcher.repo.MarkFailed(ctx, message.ID, details, now)
		if dispatcher.handleFailureWriteError(ctx, logger, err, result) {
			return
		}

		result.Failed++

		message.Status = StatusFailed
		message.RetryCount = retryCount
		message.Details = details

		logger.Log(ctx, log.LevelError, "outbox message exhausted its retries",
			log.Int("retry_count", retryCount),
			log.String("details", details),
		)

		return
	}

	scheduledAt := now.Add(dispatcher.retryDelay(retryCount))

	err := dispatcher.repo.Reschedule(ctx, message.ID, scheduledAt, details, now)
	if dispatcher.handleFailureWriteError(ctx, logger, err, result) {
		return
	}

	result.Retried++

	message.Status = StatusPending
	message.RetryCount = retryCount
	message.ScheduledAt = scheduledAt
	message.Details = details

	logger.Log(ctx, log.LevelWarn, "outbox message attempt failed; rescheduled",
		log.Int("retry_count", retryCount),
		log.String("scheduled_at", scheduledAt.Format(time.RFC3339)),
		log.String("details", details),
	)
}

// handleFailureWriteError reports whether the failure write did not happen.
func (dispatcher *Dispatcher) handleFailureWriteError(
	ctx context.Context,
	logger log.Logger,
	err error,
	result *DispatchResult,
) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrStateTransitionConflict) {
		logger.Log(ctx, log.LevelDebug, "outbox message left processing before the failure was recorded")

		return true
	}

	result.StateUpdateFailed++

	log.SafeError(logger, ctx, "failed to record outbox message failure", err, false)

	return true
}

// retryDelay returns the delay before attempt number retryCount+1.
func (dispatcher *Dispatcher) retryDelay(retryCount int) time.Duration {
	if !dispatcher.cfg.ExponentialBackoff {
		return dispatcher.cfg.RetryDelay
	}

	return backoff.Capped(dispatcher.cfg.RetryDelay, retryCount-1, dispatcher.cfg.MaxRetryDelay)
}

func (dispatcher *Dispatcher) acquireCycleLock(ctx context.Context, span trace.Span, name string) (func(), bool) {
	if dispatcher.locker == nil {
		return func() {}, true
	}

	unlock, acquired, err := dispatcher.locker.TryLock(ctx, name)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to acquire outbox cycle lock", err)
		log.SafeError(dispatcher.logger, ctx, "failed to acquire outbox cycle lock", err, false)

		return nil, false
	}

	if !acquired {
		dispatcher.logger.Log(ctx, log.LevelDebug, "outbox cycle lock held elsewhere; skipping", log.String("cycle", name))

		return nil, false
	}

	return func() {
		if unlock == nil {
			return
		}

		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to release outbox cycle lock", err, false)
		}
	}, true
}

func (dispatcher *Dispatcher) addCount(ctx context.Context, counter metric.Int64Counter, count int) {
	if count <= 0 {
		return
	}

	counter.Add(ctx, int64(count))
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
