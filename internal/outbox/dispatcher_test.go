//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

var dispatchEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(t *testing.T, repo *fakeRepo, registry *HandlerRegistry, clock Clock, opts ...DispatcherOption) *Dispatcher {
	t.Helper()

	opts = append([]DispatcherOption{WithClock(clock)}, opts...)

	dispatcher, err := NewDispatcher(repo, registry, log.NewNop(), noop.NewTracerProvider().Tracer("test"), opts...)
	require.NoError(t, err)

	return dispatcher
}

func registryWith(t *testing.T, eventType EventType, handler EventHandler) *HandlerRegistry {
	t.Helper()

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register(eventType, handler))

	return registry
}

func TestNewDispatcher_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, NewHandlerRegistry(), nil, nil)
	require.ErrorIs(t, err, ErrOutboxRepositoryRequired)

	_, err = NewDispatcher(newFakeRepo(), nil, nil, nil)
	require.ErrorIs(t, err, ErrHandlerRegistryRequired)

	dispatcher, err := NewDispatcher(newFakeRepo(), NewHandlerRegistry(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultDispatcherConfig().BatchSize, dispatcher.Config().BatchSize)
}

func TestDispatcher_RunOnce_CompletesMessageOnHandlerSuccess(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)
	stored := repo.put(pendingMessage(EventPaymentCompleted, dispatchEpoch))

	var handled atomic.Int32

	registry := registryWith(t, EventPaymentCompleted, func(_ context.Context, message *OutboxMessage) (bool, error) {
		handled.Add(1)
		assert.Equal(t, StatusProcessing, message.Status)

		return true, nil
	})

	result := newTestDispatcher(t, repo, registry, clock).RunOnce(context.Background())

	assert.Equal(t, 1, result.Fetched)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, int32(1), handled.Load())

	got := repo.get(stored.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(dispatchEpoch))
	assert.Equal(t, 0, got.RetryCount)
}

func TestDispatcher_RunOnce_HandlerErrorReschedulesAfterRetryDelay(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)
	stored := repo.put(pendingMessage(EventPaymentCompleted, dispatchEpoch))

	registry := registryWith(t, EventPaymentCompleted, func(context.Context, *OutboxMessage) (bool, error) {
		return false, errors.New("broker unreachable")
	})

	result := newTestDispatcher(t, repo, registry, clock).RunOnce(context.Background())

	assert.Equal(t, 1, result.Retried)

	got := repo.get(stored.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.ScheduledAt.Equal(dispatchEpoch.Add(10*time.Second)))
	assert.Nil(t, got.ProcessedAt)
	assert.Contains(t, got.Details, "broker unreachable")
}

func TestDispatcher_RunOnce_DeclinedHandlerIsRetried(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)
	stored := repo.put(pendingMessage(EventCancelSubscription, dispatchEpoch))

	registry := registryWith(t, EventCancelSubscription, func(context.Context, *OutboxMessage) (bool, error) {
		return false, nil
	})

	result := newTestDispatcher(t, repo, registry, clock).RunOnce(context.Background())

	assert.Equal(t, 1, result.Retried)

	got := repo.get(stored.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, ErrHandlerDeclined.Error(), got.Details)
}

func TestDispatcher_RunOnce_ShutdownMidHandlerStillReschedules(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)
	stored := repo.put(pendingMessage(EventCancelSubscription, dispatchEpoch))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := registryWith(t, EventCancelSubscription, func(handlerCtx context.Context, _ *OutboxMessage) (bool, error) {
		cancel()

		return false, handlerCtx.Err()
	})

	result := newTestDispatcher(t, repo, registry, clock).RunOnce(ctx)

	assert.Equal(t, 1, result.Retried)
	assert.Zero(t, result.StateUpdateFailed)

	got := repo.get(stored.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.Details, context.Canceled.Error())
}

func TestDispatcher_RunOnce_ShutdownAfterDeliveryStillCompletes(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)
	stored := repo.put(pendingMessage(EventPaymentCompleted, dispatchEpoch))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := registryWith(t, EventPaymentCompleted, func(context.Context, *OutboxMessage) (bool, error) {
		cancel()

		return true, nil
	})

	result := newTestDispatcher(t, repo, registry, clock).RunOnce(ctx)

	assert.Equal(t, 1, result.Completed)
	assert.Zero(t, result.StateUpdateFailed)
	assert.Equal(t, StatusCompleted, repo.get(stored.ID).Status)
}

func TestDispatcher_RunOnce_RescheduledMessageIsNotDueUntilDelayPasses(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)
	stored := repo.put(pendingMessage(EventPaymentFailed, dispatchEpoch))

	var calls atomic.Int32

	registry := registryWith(t, EventPaymentFailed, func(context.Context, *OutboxMessage) (bool, error) {
		if calls.Add(1) == 1 {
			return false, errors.New("first attempt fails")
		}

		return true, nil
	})

	dispatcher := newTestDispatcher(t, repo, registry, clock)

	dispatcher.RunOnce(context.Background())

	clock.Advance(5 * time.Second)
	result := dispatcher.RunOnce(context.Background())
	assert.Equal(t, 0, result.Fetched)

	clock.Advance(5 * time.Second)
	result = dispatcher.RunOnce(context.Background())
	assert.Equal(t, 1, result.Completed)

	got := repo.get(stored.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcher_RunOnce_RetryCeilingMarksFailed(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)

	message := pendingMessage(EventPaymentCompleted, dispatchEpoch)
	message.RetryCount = 2
	stored := repo.put(message)

	registry := registryWith(t, EventPaymentCompleted, func(context.Context, *OutboxMessage) (bool, error) {
		return false, errors.New("still down")
	})

	result := newTestDispatcher(t, repo, registry, clock, WithMaxRetries(3)).RunOnce(context.Background())

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Retried)

	got := repo.get(stored.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	clock.Advance(time.Hour)
	result = newTestDispatcher(t, repo, registry, clock, WithMaxRetries(3)).RunOnce(context.Background())
	assert.Equal(t, 0, result.Fetched)
}

func TestDispatcher_RunOnce_SkipsMessagesAtCeiling(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)

	message := pendingMessage(EventPaymentCompleted, dispatchEpoch)
	message.RetryCount = 5
	repo.put(message)

	registry := registryWith(t, EventPaymentCompleted, func(context.Context, *OutboxMessage) (bool, error) {
		t.Fatal("handler must not run for a message at the retry ceiling")

		return false, nil
	})

	result := newTestDispatcher(t, repo, registry, clock).RunOnce(context.Background())
	assert.Equal(t, 0, result.Fetched)
}

func TestDispatcher_RetryDelay(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, newFakeRepo(), NewHandlerRegistry(), newFixedClock(dispatchEpoch),
		WithRetryDelay(10*time.Second), WithMaxRetryDelay(time.Minute))

	assert.Equal(t, 10*time.Second, dispatcher.retryDelay(1))
	assert.Equal(t, 20*time.Second, dispatcher.retryDelay(2))
	assert.Equal(t, 40*time.Second, dispatcher.retryDelay(3))
	assert.Equal(t, time.Minute, dispatcher.retryDelay(4))

	fixed := newTestDispatcher(t, newFakeRepo(), NewHandlerRegistry(), newFixedClock(dispatchEpoch),
		WithExponentialBackoff(false))

	assert.Equal(t, 10*time.Second, fixed.retryDelay(1))
	assert.Equal(t, 10*time.Second, fixed.retryDelay(4))
}

func TestDispatcher_RunOnce_UnknownEventTypeFailsClosed(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)
	stored := repo.put(pendingMessage(EventSubscriptionUpdated, dispatchEpoch))

	result := newTestDispatcher(t, repo, NewHandlerRegistry(), clock).RunOnce(context.Background())

	assert.Equal(t, 1, result.Retried)

	got := repo.get(stored.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.Details, ErrHandlerNotRegistered.Error())
}

func TestDispatcher_RunOnce_IsolatesPanickingHandler(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)
	panicking := repo.put(pendingMessage(EventCancelSubscription, dispatchEpoch))
	healthy := repo.put(pendingMessage(EventPaymentCompleted, dispatchEpoch.Add(time.Millisecond)))

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register(EventCancelSubscription, func(context.Context, *OutboxMessage) (bool, error) {
		panic("provider client exploded")
	}))
	require.NoError(t, registry.Register(EventPaymentCompleted, func(context.Context, *OutboxMessage) (bool, error) {
		return true, nil
	}))

	clock.Advance(time.Second)
	result := newTestDispatcher(t, repo, registry, clock).RunOnce(context.Background())

	assert.Equal(t, 2, result.Fetched)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, 1, result.Retried)

	assert.Equal(t, StatusPending, repo.get(panicking.ID).Status)
	assert.Equal(t, 1, repo.get(panicking.ID).RetryCount)
	assert.Equal(t, StatusCompleted, repo.get(healthy.ID).Status)
}

func TestDispatcher_RunOnce_ClaimConflictSkipsMessage(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.claimErr = ErrStateTransitionConflict
	clock := newFixedClock(dispatchEpoch)
	stored := repo.put(pendingMessage(EventPaymentCompleted, dispatchEpoch))

	registry := registryWith(t, EventPaymentCompleted, func(context.Context, *OutboxMessage) (bool, error) {
		t.Fatal("handler must not run without a claim")

		return false, nil
	})

	result := newTestDispatcher(t, repo, registry, clock).RunOnce(context.Background())

	assert.Equal(t, 1, result.ClaimConflicts)
	assert.Equal(t, StatusPending, repo.get(stored.ID).Status)
	assert.Equal(t, 0, repo.get(stored.ID).RetryCount)
}

func TestDispatcher_RunOnce_AcknowledgedDuringDispatchKeepsFirstCompletion(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)
	stored := repo.put(pendingMessage(EventPaymentCompleted, dispatchEpoch))
	ackAt := dispatchEpoch.Add(-time.Second)

	registry := registryWith(t, EventPaymentCompleted, func(ctx context.Context, message *OutboxMessage) (bool, error) {
		_, err := repo.MarkCompleted(ctx, message.ID, ackAt, "acknowledged: received")

		return true, err
	})

	result := newTestDispatcher(t, repo, registry, clock).RunOnce(context.Background())

	assert.Equal(t, 1, result.Completed)

	got := repo.get(stored.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "acknowledged: received", got.Details)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(ackAt))
}

func TestDispatcher_RunOnce_CompletionWriteFailureIsCounted(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.markCompleteErr = errors.New("connection reset")
	clock := newFixedClock(dispatchEpoch)
	repo.put(pendingMessage(EventPaymentCompleted, dispatchEpoch))

	registry := registryWith(t, EventPaymentCompleted, func(context.Context, *OutboxMessage) (bool, error) {
		return true, nil
	})

	result := newTestDispatcher(t, repo, registry, clock).RunOnce(context.Background())

	assert.Equal(t, 0, result.Completed)
	assert.Equal(t, 1, result.StateUpdateFailed)
}

func TestDispatcher_RunOnce_ReleasesStaleProcessingMessages(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)

	stuck := pendingMessage(EventPaymentCompleted, dispatchEpoch.Add(-time.Hour))
	stuck.Status = StatusProcessing
	stuck.UpdatedAt = dispatchEpoch.Add(-time.Hour)
	stored := repo.put(stuck)

	registry := registryWith(t, EventPaymentCompleted, func(context.Context, *OutboxMessage) (bool, error) {
		return true, nil
	})

	result := newTestDispatcher(t, repo, registry, clock, WithProcessingTimeout(10*time.Minute)).RunOnce(context.Background())

	assert.Equal(t, int64(1), result.Released)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, StatusCompleted, repo.get(stored.ID).Status)
}

func TestDispatcher_RunOnce_ListErrorReturnsEmptyResult(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.listErr = errors.New("db down")

	result := newTestDispatcher(t, repo, NewHandlerRegistry(), newFixedClock(dispatchEpoch)).RunOnce(context.Background())

	assert.Equal(t, DispatchResult{}, result)
}

func TestDispatcher_RunOnce_RespectsBatchSizeAndOrder(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)

	late := repo.put(pendingMessage(EventPaymentCompleted, dispatchEpoch.Add(-time.Second)))
	early := repo.put(pendingMessage(EventPaymentCompleted, dispatchEpoch.Add(-time.Minute)))

	var seen []int64

	registry := registryWith(t, EventPaymentCompleted, func(_ context.Context, message *OutboxMessage) (bool, error) {
		seen = append(seen, message.ID)

		return true, nil
	})

	result := newTestDispatcher(t, repo, registry, clock, WithBatchSize(1)).RunOnce(context.Background())

	assert.Equal(t, 1, result.Fetched)
	assert.Equal(t, []int64{early.ID}, seen)
	assert.Equal(t, StatusPending, repo.get(late.ID).Status)
}

type stubLocker struct {
	acquired bool
	err      error
	unlocked atomic.Int32
	names    []string
}

func (locker *stubLocker) TryLock(_ context.Context, name string) (func(context.Context) error, bool, error) {
	locker.names = append(locker.names, name)

	if locker.err != nil || !locker.acquired {
		return nil, false, locker.err
	}

	return func(context.Context) error {
		locker.unlocked.Add(1)

		return nil
	}, true, nil
}

func TestDispatcher_RunOnce_SkipsCycleWhenLockHeldElsewhere(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)
	repo.put(pendingMessage(EventPaymentCompleted, dispatchEpoch))

	locker := &stubLocker{acquired: false}

	result := newTestDispatcher(t, repo, NewHandlerRegistry(), clock, WithCycleLocker(locker)).RunOnce(context.Background())

	assert.True(t, result.Skipped)
	assert.Equal(t, 0, repo.claimCalls)
	assert.Equal(t, []string{drainLockName}, locker.names)
}

func TestDispatcher_RunOnce_ReleasesAcquiredLock(t *testing.T) {
	t.Parallel()

	locker := &stubLocker{acquired: true}

	dispatcher := newTestDispatcher(t, newFakeRepo(), NewHandlerRegistry(), newFixedClock(dispatchEpoch), WithCycleLocker(locker))

	result := dispatcher.RunOnce(context.Background())
	assert.False(t, result.Skipped)
	assert.Equal(t, int32(1), locker.unlocked.Load())
}

func TestDispatcher_CleanupOnce_DeletesExpiredRegardlessOfStatus(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := newFixedClock(dispatchEpoch)

	for _, status := range []OutboxStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		expired := pendingMessage(EventPaymentCompleted, dispatchEpoch.Add(-48*time.Hour))
		expired.Status = status
		expired.TTL = dispatchEpoch.Add(-time.Second)
		repo.put(expired)
	}

	live := repo.put(pendingMessage(EventPaymentCompleted, dispatchEpoch))

	deleted, err := newTestDispatcher(t, repo, NewHandlerRegistry(), clock).CleanupOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(4), deleted)

	_, err = repo.GetByID(context.Background(), live.ID)
	require.NoError(t, err)
}

func TestDispatcher_CleanupOnce_PropagatesRepositoryError(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.deleteErr = errors.New("db down")

	_, err := newTestDispatcher(t, repo, NewHandlerRegistry(), newFixedClock(dispatchEpoch)).CleanupOnce(context.Background())
	require.ErrorIs(t, err, repo.deleteErr)
}

func TestDispatcher_RunContext_DrainsUntilStopped(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	stored := repo.put(pendingMessage(EventPaymentCompleted, time.Now().UTC().Add(-time.Second)))

	registry := registryWith(t, EventPaymentCompleted, func(context.Context, *OutboxMessage) (bool, error) {
		return true, nil
	})

	dispatcher, err := NewDispatcher(repo, registry, nil, nil, WithDispatchInterval(10*time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.RunContext(context.Background())
	}()

	require.Eventually(t, func() bool {
		return repo.get(stored.ID).Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return errors.Is(dispatcher.RunContext(context.Background()), ErrOutboxDispatcherRunning)
	}, time.Second, 5*time.Millisecond)

	dispatcher.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}

	require.NoError(t, dispatcher.Shutdown(context.Background()))
}

func TestDispatcher_RunContext_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(newFakeRepo(), NewHandlerRegistry(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- dispatcher.RunContext(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}
