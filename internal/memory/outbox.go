package memory

import (
	"context"
	"sort"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/outbox"
	"github.com/LerianStudio/payment-outbox/internal/transaction"
)

// OutboxRepository implements outbox.OutboxRepository over a Store.
type OutboxRepository struct {
	store *Store
}

var _ outbox.OutboxRepository = (*OutboxRepository)(nil)

// Create implements outbox.OutboxRepository.
func (repo *OutboxRepository) Create(_ context.Context, session transaction.Session, message *outbox.OutboxMessage) (*outbox.OutboxMessage, error) {
	if session == nil {
		return nil, outbox.ErrSessionRequired
	}

	if message == nil {
		return nil, outbox.ErrOutboxMessageRequired
	}

	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	repo.store.data.nextMessageID++

	stored := cloneMessage(message)
	stored.ID = repo.store.data.nextMessageID
	repo.store.data.rememberMessage(session, stored.ID)
	repo.store.data.messages[stored.ID] = stored

	return cloneMessage(stored), nil
}

// GetByID implements outbox.OutboxRepository.
func (repo *OutboxRepository) GetByID(_ context.Context, id int64) (*outbox.OutboxMessage, error) {
	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	message, ok := repo.store.data.messages[id]
	if !ok {
		return nil, outbox.ErrOutboxMessageNotFound
	}

	return cloneMessage(message), nil
}

// List returns every stored message ordered by id.
func (repo *OutboxRepository) List() []*outbox.OutboxMessage {
	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	messages := make([]*outbox.OutboxMessage, 0, len(repo.store.data.messages))
	for _, message := range repo.store.data.messages {
		messages = append(messages, cloneMessage(message))
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })

	return messages
}

// ListDue implements outbox.OutboxRepository.
func (repo *OutboxRepository) ListDue(_ context.Context, now time.Time, maxRetries, limit int) ([]*outbox.OutboxMessage, error) {
	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	due := make([]*outbox.OutboxMessage, 0)

	for _, message := range repo.store.data.messages {
		if message.Status == outbox.StatusPending && !message.ScheduledAt.After(now) && message.RetryCount < maxRetries {
			due = append(due, cloneMessage(message))
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ID < due[j].ID
		}

		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

// Claim implements outbox.OutboxRepository.
func (repo *OutboxRepository) Claim(_ context.Context, id int64, now time.Time) error {
	return repo.transition(id, outbox.StatusPending, func(message *outbox.OutboxMessage) {
		message.Status = outbox.StatusProcessing
		message.UpdatedAt = now
	})
}

// MarkCompleted implements outbox.OutboxRepository.
func (repo *OutboxRepository) MarkCompleted(_ context.Context, id int64, processedAt time.Time, details string) (bool, error) {
	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	message, ok := repo.store.data.messages[id]
	if !ok {
		return false, outbox.ErrOutboxMessageNotFound
	}

	if message.Status == outbox.StatusCompleted {
		return false, nil
	}

	at := processedAt
	message.Status = outbox.StatusCompleted
	message.ProcessedAt = &at
	message.Details = details
	message.UpdatedAt = processedAt

	return true, nil
}

// Reschedule implements outbox.OutboxRepository.
func (repo *OutboxRepository) Reschedule(_ context.Context, id int64, scheduledAt time.Time, details string, now time.Time) error {
	return repo.transition(id, outbox.StatusProcessing, func(message *outbox.OutboxMessage) {
		message.Status = outbox.StatusPending
		message.RetryCount++
		message.ScheduledAt = scheduledAt
		message.Details = details
		message.UpdatedAt = now
	})
}

// MarkFailed implements outbox.OutboxRepository.
func (repo *OutboxRepository) MarkFailed(_ context.Context, id int64, details string, now time.Time) error {
	return repo.transition(id, outbox.StatusProcessing, func(message *outbox.OutboxMessage) {
		message.Status = outbox.StatusFailed
		message.RetryCount++
		message.Details = details
		message.UpdatedAt = now
	})
}

// ReleaseStale implements outbox.OutboxRepository.
func (repo *OutboxRepository) ReleaseStale(_ context.Context, processingBefore, now time.Time) (int64, error) {
	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	var released int64

	for _, message := range repo.store.data.messages {
		if message.Status == outbox.StatusProcessing && message.UpdatedAt.Before(processingBefore) {
			message.Status = outbox.StatusPending
			message.UpdatedAt = now
			released++
		}
	}

	return released, nil
}

// DeleteExpired implements outbox.OutboxRepository.
func (repo *OutboxRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	var deleted int64

	for id, message := range repo.store.data.messages {
		if message.IsExpired(now) {
			delete(repo.store.data.messages, id)
			deleted++
		}
	}

	return deleted, nil
}

func (repo *OutboxRepository) transition(id int64, from outbox.OutboxStatus, apply func(*outbox.OutboxMessage)) error {
	repo.store.mu.Lock()
	defer repo.store.mu.Unlock()

	message, ok := repo.store.data.messages[id]
	if !ok || message.Status != from {
		return outbox.ErrStateTransitionConflict
	}

	apply(message)

	return nil
}
