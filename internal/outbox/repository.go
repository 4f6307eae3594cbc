package outbox

import (
	"context"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/transaction"
)

// OutboxRepository persists outbox messages.
//
// State-changing methods are conditional on the current status so that
// concurrent dispatchers and acknowledgment consumers never overwrite each
// other. A lost race surfaces as ErrStateTransitionConflict or a false flag.
type OutboxRepository interface {
	// Create inserts message on session and fills its ID.
	Create(ctx context.Context, session transaction.Session, message *OutboxMessage) (*OutboxMessage, error)
	// GetByID returns ErrOutboxMessageNotFound when no row exists.
	GetByID(ctx context.Context, id int64) (*OutboxMessage, error)
	// ListDue returns pending rows with scheduled_at <= now and retry_count < maxRetries, oldest schedule first.
	ListDue(ctx context.Context, now time.Time, maxRetries, limit int) ([]*OutboxMessage, error)
	// Claim moves a pending row to processing. ErrStateTransitionConflict when the row was not pending.
	Claim(ctx context.Context, id int64, now time.Time) error
	// MarkCompleted completes any row that is not completed yet and reports whether it changed.
	MarkCompleted(ctx context.Context, id int64, processedAt time.Time, details string) (bool, error)
	// Reschedule returns a processing row to pending with retry_count+1.
	Reschedule(ctx context.Context, id int64, scheduledAt time.Time, details string, now time.Time) error
	// MarkFailed moves a processing row to failed with retry_count+1.
	MarkFailed(ctx context.Context, id int64, details string, now time.Time) error
	// ReleaseStale returns rows stuck in processing since before processingBefore to pending.
	ReleaseStale(ctx context.Context, processingBefore, now time.Time) (int64, error)
	// DeleteExpired removes every row with ttl < now regardless of status.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
