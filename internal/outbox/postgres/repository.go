// Package postgres implements the outbox repository on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/opentelemetry"
	"github.com/LerianStudio/payment-outbox/internal/outbox"
	"github.com/LerianStudio/payment-outbox/internal/transaction"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultTableName       = "outbox_message"
	maxSQLIdentifierLength = 63
	uniqueViolationCode    = "23505"

	messageColumns = "id, aggregate_id, aggregate_type, event_type, payload, status, scheduled_at, retry_count, ttl, processed_at, details, created_at, updated_at"
)

var (
	// ErrDatabaseRequired is returned when the repository is built without a database.
	ErrDatabaseRequired = errors.New("database is required")
	// ErrInvalidIdentifier is returned for table names that are not plain SQL identifiers.
	ErrInvalidIdentifier = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// DB is the subset of *sql.DB the repository runs non-transactional
// statements on. It must point at the primary.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository persists outbox messages in PostgreSQL. Every state change is a
// single conditional UPDATE, so racing dispatchers and acknowledgment
// consumers resolve in the database.
type Repository struct {
	db        DB
	tableName string
	tracer    trace.Tracer
}

var _ outbox.OutboxRepository = (*Repository)(nil)

// Option customizes a Repository.
type Option func(*Repository)

// WithTableName overrides the outbox table. The name may be schema qualified.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = strings.TrimSpace(tableName)
	}
}

// WithTracer sets the tracer used for repository spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(repo *Repository) {
		if !nilcheck.Interface(tracer) {
			repo.tracer = tracer
		}
	}
}

// NewRepository returns a repository over db.
func NewRepository(db DB, opts ...Option) (*Repository, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDatabaseRequired
	}

	repo := &Repository{
		db:        db,
		tableName: defaultTableName,
		tracer:    noop.NewTracerProvider().Tracer("payment-outbox.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Create implements outbox.OutboxRepository. The insert runs on session so it
// commits or rolls back with the caller's domain writes.
func (repo *Repository) Create(ctx context.Context, session transaction.Session, message *outbox.OutboxMessage) (*outbox.OutboxMessage, error) {
	if nilcheck.Interface(session) {
		return nil, outbox.ErrSessionRequired
	}

	if message == nil {
		return nil, outbox.ErrOutboxMessageRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.create_outbox_message", trace.WithAttributes(
		attribute.String("outbox.event_type", message.EventType.String()),
	))
	defer span.End()

	query := "INSERT INTO " + repo.table() + // #nosec G202 -- table name validated at construction
		" (aggregate_id, aggregate_type, event_type, payload, status, scheduled_at, retry_count, ttl, processed_at, details, created_at, updated_at)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING " + messageColumns

	rows, err := session.QueryContext(ctx, query,
		message.AggregateID,
		string(message.AggregateType),
		string(message.EventType),
		[]byte(message.Payload),
		string(message.Status),
		message.ScheduledAt,
		message.RetryCount,
		message.TTL,
		message.ProcessedAt,
		nullableDetails(message.Details),
		message.CreatedAt,
		message.UpdatedAt,
	)
	if err != nil {
		err = mapWriteError(err)
		opentelemetry.HandleSpanError(span, "failed to insert outbox message", err)

		return nil, fmt.Errorf("inserting outbox message: %w", err)
	}

	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			err = mapWriteError(err)
			opentelemetry.HandleSpanError(span, "failed to insert outbox message", err)

			return nil, fmt.Errorf("inserting outbox message: %w", err)
		}

		return nil, fmt.Errorf("inserting outbox message: %w", sql.ErrNoRows)
	}

	created, err := scanOutboxMessage(rows)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to scan created outbox message", err)

		return nil, err
	}

	return created, nil
}

// GetByID implements outbox.OutboxRepository.
func (repo *Repository) GetByID(ctx context.Context, id int64) (*outbox.OutboxMessage, error) {
	ctx, span := repo.tracer.Start(ctx, "postgres.get_outbox_message")
	defer span.End()

	row := repo.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM "+repo.table()+" WHERE id = $1", // #nosec G202
		id,
	)

	message, err := scanOutboxMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrOutboxMessageNotFound
		}

		opentelemetry.HandleSpanError(span, "failed to load outbox message", err)

		return nil, err
	}

	return message, nil
}

// ListDue implements outbox.OutboxRepository.
func (repo *Repository) ListDue(ctx context.Context, now time.Time, maxRetries, limit int) ([]*outbox.OutboxMessage, error) {
	ctx, span := repo.tracer.Start(ctx, "postgres.list_due_outbox_messages")
	defer span.End()

	if limit <= 0 {
		return []*outbox.OutboxMessage{}, nil
	}

	rows, err := repo.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM "+repo.table()+ // #nosec G202
			" WHERE status = $1 AND scheduled_at <= $2 AND retry_count < $3"+
			" ORDER BY scheduled_at ASC, id ASC LIMIT $4",
		string(outbox.StatusPending), now, maxRetries, limit,
	)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list due outbox messages", err)

		return nil, fmt.Errorf("listing due outbox messages: %w", err)
	}

	defer rows.Close()

	messages := make([]*outbox.OutboxMessage, 0, limit)

	for rows.Next() {
		message, err := scanOutboxMessage(rows)
		if err != nil {
			opentelemetry.HandleSpanError(span, "failed to scan outbox message", err)

			return nil, err
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		opentelemetry.HandleSpanError(span, "failed to iterate outbox messages", err)

		return nil, fmt.Errorf("iterating due outbox messages: %w", err)
	}

	return messages, nil
}

// Claim implements outbox.OutboxRepository.
func (repo *Repository) Claim(ctx context.Context, id int64, now time.Time) error {
	ctx, span := repo.tracer.Start(ctx, "postgres.claim_outbox_message")
	defer span.End()

	result, err := repo.db.ExecContext(ctx,
		"UPDATE "+repo.table()+" SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4", // #nosec G202
		string(outbox.StatusProcessing), now, id, string(outbox.StatusPending),
	)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to claim outbox message", err)

		return fmt.Errorf("claiming outbox message: %w", err)
	}

	return ensureRowsAffected(result)
}

// MarkCompleted implements outbox.OutboxRepository.
func (repo *Repository) MarkCompleted(ctx context.Context, id int64, processedAt time.Time, details string) (bool, error) {
	ctx, span := repo.tracer.Start(ctx, "postgres.complete_outbox_message")
	defer span.End()

	result, err := repo.db.ExecContext(ctx,
		"UPDATE "+repo.table()+ // #nosec G202
			" SET status = $1, processed_at = $2, details = $3, updated_at = $2 WHERE id = $4 AND status <> $1",
		string(outbox.StatusCompleted), processedAt, nullableDetails(details), id,
	)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to complete outbox message", err)

		return false, fmt.Errorf("completing outbox message: %w", err)
	}

	rows, err := rowsAffected(result)
	if err != nil {
		return false, err
	}

	if rows > 0 {
		return true, nil
	}

	var exists bool

	err = repo.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM "+repo.table()+" WHERE id = $1)", // #nosec G202
		id,
	).Scan(&exists)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to check outbox message", err)

		return false, fmt.Errorf("checking outbox message: %w", err)
	}

	if !exists {
		return false, outbox.ErrOutboxMessageNotFound
	}

	return false, nil
}

// Reschedule implements outbox.OutboxRepository.
func (repo *Repository) Reschedule(ctx context.Context, id int64, scheduledAt time.Time, details string, now time.Time) error {
	ctx, span := repo.tracer.Start(ctx, "postgres.reschedule_outbox_message")
	defer span.End()

	result, err := repo.db.ExecContext(ctx,
		"UPDATE "+repo.table()+ // #nosec G202
			" SET status = $1, retry_count = retry_count + 1, scheduled_at = $2, details = $3, updated_at = $4"+
			" WHERE id = $5 AND status = $6",
		string(outbox.StatusPending), scheduledAt, nullableDetails(details), now, id, string(outbox.StatusProcessing),
	)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reschedule outbox message", err)

		return fmt.Errorf("rescheduling outbox message: %w", err)
	}

	return ensureRowsAffected(result)
}

// MarkFailed implements outbox.OutboxRepository.
func (repo *Repository) MarkFailed(ctx context.Context, id int64, details string, now time.Time) error {
	ctx, span := repo.tracer.Start(ctx, "postgres.fail_outbox_message")
	defer span.End()

	result, err := repo.db.ExecContext(ctx,
		"UPDATE "+repo.table()+ // #nosec G202
			" SET status = $1, retry_count = retry_count + 1, details = $2, updated_at = $3 WHERE id = $4 AND status = $5",
		string(outbox.StatusFailed), nullableDetails(details), now, id, string(outbox.StatusProcessing),
	)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark outbox message failed", err)

		return fmt.Errorf("marking failed: %w", err)
	}

	return ensureRowsAffected(result)
}

// ReleaseStale implements outbox.OutboxRepository.
func (repo *Repository) ReleaseStale(ctx context.Context, processingBefore, now time.Time) (int64, error) {
	ctx, span := repo.tracer.Start(ctx, "postgres.release_stale_outbox_messages")
	defer span.End()

	result, err := repo.db.ExecContext(ctx,
		"UPDATE "+repo.table()+" SET status = $1, updated_at = $2 WHERE status = $3 AND updated_at < $4", // #nosec G202
		string(outbox.StatusPending), now, string(outbox.StatusProcessing), processingBefore,
	)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to release stale outbox messages", err)

		return 0, fmt.Errorf("releasing stale outbox messages: %w", err)
	}

	return rowsAffected(result)
}

// DeleteExpired implements outbox.OutboxRepository.
func (repo *Repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := repo.tracer.Start(ctx, "postgres.delete_expired_outbox_messages")
	defer span.End()

	result, err := repo.db.ExecContext(ctx,
		"DELETE FROM "+repo.table()+" WHERE ttl < $1", // #nosec G202
		now,
	)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to delete expired outbox messages", err)

		return 0, fmt.Errorf("deleting expired outbox messages: %w", err)
	}

	return rowsAffected(result)
}

func (repo *Repository) table() string {
	return quoteIdentifierPath(repo.tableName)
}

func scanOutboxMessage(scanner interface{ Scan(dest ...any) error }) (*outbox.OutboxMessage, error) {
	var (
		message       outbox.OutboxMessage
		aggregateType string
		eventType     string
		status        string
		payload       []byte
		processedAt   sql.NullTime
		details       sql.NullString
	)

	if err := scanner.Scan(
		&message.ID,
		&message.AggregateID,
		&aggregateType,
		&eventType,
		&payload,
		&status,
		&message.ScheduledAt,
		&message.RetryCount,
		&message.TTL,
		&processedAt,
		&details,
		&message.CreatedAt,
		&message.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	parsedStatus, err := outbox.ParseOutboxStatus(status)
	if err != nil {
		return nil, fmt.Errorf("scanning outbox message %d: %w", message.ID, err)
	}

	message.AggregateType = outbox.AggregateType(aggregateType)
	message.EventType = outbox.EventType(eventType)
	message.Status = parsedStatus
	message.Payload = payload

	if processedAt.Valid {
		at := processedAt.Time
		message.ProcessedAt = &at
	}

	if details.Valid {
		message.Details = details.String
	}

	return &message, nil
}

func nullableDetails(details string) sql.NullString {
	return sql.NullString{String: details, Valid: details != ""}
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return fmt.Errorf("%w: %s", outbox.ErrDuplicateOutboxMessage, pgErr.ConstraintName)
	}

	return err
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows == 0 {
		return outbox.ErrStateTransitionConflict
	}

	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, outbox.ErrStateTransitionConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}

func validateIdentifierPath(path string) error {
	if path == "" {
		return ErrInvalidIdentifier
	}

	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if len(part) > maxSQLIdentifierLength || !identifierPattern.MatchString(part) {
			return ErrInvalidIdentifier
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
