//go:build unit

package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/transaction"
)

// fakeRepo applies the same conditional state rules as the SQL repository
// and, like a database driver, refuses state writes on a cancelled context.
type fakeRepo struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]*OutboxMessage

	getErr          error
	listErr         error
	claimErr        error
	markCompleteErr error
	rescheduleErr   error
	deleteErr       error

	claimCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{messages: map[int64]*OutboxMessage{}}
}

func (repo *fakeRepo) put(message *OutboxMessage) *OutboxMessage {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.nextID++
	stored := *message
	stored.ID = repo.nextID
	repo.messages[stored.ID] = &stored

	return &stored
}

func (repo *fakeRepo) get(id int64) OutboxMessage {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return *repo.messages[id]
}

func (repo *fakeRepo) Create(_ context.Context, _ transaction.Session, message *OutboxMessage) (*OutboxMessage, error) {
	return repo.put(message), nil
}

func (repo *fakeRepo) GetByID(_ context.Context, id int64) (*OutboxMessage, error) {
	if repo.getErr != nil {
		return nil, repo.getErr
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok {
		return nil, ErrOutboxMessageNotFound
	}

	copied := *message

	return &copied, nil
}

func (repo *fakeRepo) ListDue(_ context.Context, now time.Time, maxRetries, limit int) ([]*OutboxMessage, error) {
	if repo.listErr != nil {
		return nil, repo.listErr
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	due := make([]*OutboxMessage, 0)

	for _, message := range repo.messages {
		if message.Status == StatusPending && !message.ScheduledAt.After(now) && message.RetryCount < maxRetries {
			copied := *message
			due = append(due, &copied)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ID < due[j].ID
		}

		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	if len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (repo *fakeRepo) Claim(_ context.Context, id int64, now time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.claimCalls++

	if repo.claimErr != nil {
		return repo.claimErr
	}

	message, ok := repo.messages[id]
	if !ok || message.Status != StatusPending {
		return ErrStateTransitionConflict
	}

	message.Status = StatusProcessing
	message.UpdatedAt = now

	return nil
}

func (repo *fakeRepo) MarkCompleted(ctx context.Context, id int64, processedAt time.Time, details string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if repo.markCompleteErr != nil {
		return false, repo.markCompleteErr
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok {
		return false, ErrOutboxMessageNotFound
	}

	if message.Status == StatusCompleted {
		return false, nil
	}

	at := processedAt
	message.Status = StatusCompleted
	message.ProcessedAt = &at
	message.Details = details
	message.UpdatedAt = processedAt

	return true, nil
}

func (repo *fakeRepo) Reschedule(ctx context.Context, id int64, scheduledAt time.Time, details string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if repo.rescheduleErr != nil {
		return repo.rescheduleErr
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok || message.Status != StatusProcessing {
		return ErrStateTransitionConflict
	}

	message.Status = StatusPending
	message.RetryCount++
	message.ScheduledAt = scheduledAt
	message.Details = details
	message.UpdatedAt = now

	return nil
}

func (repo *fakeRepo) MarkFailed(ctx context.Context, id int64, details string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok || message.Status != StatusProcessing {
		return ErrStateTransitionConflict
	}

	message.Status = StatusFailed
	message.RetryCount++
	message.Details = details
	message.UpdatedAt = now

	return nil
}

func (repo *fakeRepo) ReleaseStale(_ context.Context, processingBefore, now time.Time) (int64, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var released int64

	for _, message := range repo.messages {
		if message.Status == StatusProcessing && message.UpdatedAt.Before(processingBefore) {
			message.Status = StatusPending
			message.UpdatedAt = now
			released++
		}
	}

	return released, nil
}

func (repo *fakeRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	if repo.deleteErr != nil {
		return 0, repo.deleteErr
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	var deleted int64

	for id, message := range repo.messages {
		if message.TTL.Before(now) {
			delete(repo.messages, id)
			deleted++
		}
	}

	return deleted, nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(now time.Time) *fixedClock {
	return &fixedClock{now: now}
}

func (clock *fixedClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	return clock.now
}

func (clock *fixedClock) Advance(delta time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	clock.now = clock.now.Add(delta)
}

func pendingMessage(eventType EventType, scheduledAt time.Time) *OutboxMessage {
	return &OutboxMessage{
		AggregateID:   "42",
		AggregateType: AggregatePayment,
		EventType:     eventType,
		Payload:       []byte(`{"paymentId":42}`),
		Status:        StatusPending,
		ScheduledAt:   scheduledAt,
		TTL:           scheduledAt.Add(DefaultRetention),
		CreatedAt:     scheduledAt,
		UpdatedAt:     scheduledAt,
	}
}
