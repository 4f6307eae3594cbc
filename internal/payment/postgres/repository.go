// Package postgres implements the payment repository on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/opentelemetry"
	"github.com/LerianStudio/payment-outbox/internal/payment"
	"github.com/LerianStudio/payment-outbox/internal/transaction"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	uniqueViolationCode = "23505"

	paymentColumns = "id, profile_id, amount, currency, status, subscription_type, provider_subscription_id, auto_renew, period_start, period_end, created_at, updated_at"
)

// ErrDatabaseRequired is returned when the repository is built without a database.
var ErrDatabaseRequired = errors.New("database is required")

// DB is the subset of *sql.DB used for reads outside a unit of work.
type DB interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository persists payments in the payment table.
type Repository struct {
	db     DB
	tracer trace.Tracer
}

var _ payment.Repository = (*Repository)(nil)

// NewRepository returns a repository over db. A nil tracer disables spans.
func NewRepository(db DB, tracer trace.Tracer) (*Repository, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDatabaseRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("payment-outbox.noop")
	}

	return &Repository{db: db, tracer: tracer}, nil
}

// Create implements payment.Repository.
func (repo *Repository) Create(ctx context.Context, session transaction.Session, input *payment.Payment) (*payment.Payment, error) {
	if nilcheck.Interface(session) {
		return nil, payment.ErrSessionRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.create_payment")
	defer span.End()

	now := time.Now().UTC()

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	updatedAt := input.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	rows, err := session.QueryContext(ctx,
		"INSERT INTO payment (profile_id, amount, currency, status, subscription_type, provider_subscription_id, auto_renew, period_start, period_end, created_at, updated_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING "+paymentColumns,
		input.ProfileID,
		input.Amount,
		input.Currency,
		string(input.Status),
		input.SubscriptionType,
		nullableString(input.ProviderSubscriptionID),
		input.AutoRenew,
		input.PeriodStart,
		input.PeriodEnd,
		createdAt,
		updatedAt,
	)
	if err != nil {
		err = mapWriteError(err)
		opentelemetry.HandleSpanError(span, "failed to insert payment", err)

		return nil, fmt.Errorf("inserting payment: %w", err)
	}

	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			err = mapWriteError(err)
			opentelemetry.HandleSpanError(span, "failed to insert payment", err)

			return nil, fmt.Errorf("inserting payment: %w", err)
		}

		return nil, fmt.Errorf("inserting payment: %w", sql.ErrNoRows)
	}

	return scanPayment(rows)
}

// FindByID implements payment.Repository.
func (repo *Repository) FindByID(ctx context.Context, id int64) (*payment.Payment, error) {
	ctx, span := repo.tracer.Start(ctx, "postgres.find_payment")
	defer span.End()

	found, err := scanPayment(repo.db.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payment WHERE id = $1", id))
	if err != nil {
		return nil, repo.readError(span, err)
	}

	return found, nil
}

// FindByProviderSubscriptionID implements payment.Repository.
func (repo *Repository) FindByProviderSubscriptionID(ctx context.Context, subscriptionID string) (*payment.Payment, error) {
	if subscriptionID == "" {
		return nil, payment.ErrPaymentNotFound
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.find_payment_by_subscription")
	defer span.End()

	found, err := scanPayment(repo.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payment WHERE provider_subscription_id = $1", subscriptionID))
	if err != nil {
		return nil, repo.readError(span, err)
	}

	return found, nil
}

// FindByIDForUpdate implements payment.Repository.
func (repo *Repository) FindByIDForUpdate(ctx context.Context, session transaction.Session, id int64) (*payment.Payment, error) {
	return repo.lockOne(ctx, session, "postgres.lock_payment", "id = $1", id)
}

// FindByProviderSubscriptionIDForUpdate implements payment.Repository.
func (repo *Repository) FindByProviderSubscriptionIDForUpdate(
	ctx context.Context,
	session transaction.Session,
	subscriptionID string,
) (*payment.Payment, error) {
	if subscriptionID == "" {
		return nil, payment.ErrPaymentNotFound
	}

	return repo.lockOne(ctx, session, "postgres.lock_payment_by_subscription", "provider_subscription_id = $1", subscriptionID)
}

// lockOne reads a single payment and holds its row lock until the unit of
// work ends.
func (repo *Repository) lockOne(ctx context.Context, session transaction.Session, spanName, where string, arg any) (*payment.Payment, error) {
	if nilcheck.Interface(session) {
		return nil, payment.ErrSessionRequired
	}

	ctx, span := repo.tracer.Start(ctx, spanName)
	defer span.End()

	rows, err := session.QueryContext(ctx, "SELECT "+paymentColumns+" FROM payment WHERE "+where+" FOR UPDATE", arg)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to lock payment", err)

		return nil, fmt.Errorf("locking payment: %w", err)
	}

	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			opentelemetry.HandleSpanError(span, "failed to lock payment", err)

			return nil, fmt.Errorf("locking payment: %w", err)
		}

		return nil, payment.ErrPaymentNotFound
	}

	return scanPayment(rows)
}

// FindActiveAutoRenewingByProfile implements payment.Repository. The rows stay
// locked until the unit of work ends.
func (repo *Repository) FindActiveAutoRenewingByProfile(ctx context.Context, session transaction.Session, profileID uuid.UUID) ([]*payment.Payment, error) {
	if nilcheck.Interface(session) {
		return nil, payment.ErrSessionRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.find_active_payments")
	defer span.End()

	rows, err := session.QueryContext(ctx,
		"SELECT "+paymentColumns+" FROM payment WHERE profile_id = $1 AND status = $2 AND auto_renew ORDER BY id FOR UPDATE",
		profileID, string(payment.StatusSuccessful),
	)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list active payments", err)

		return nil, fmt.Errorf("listing active payments: %w", err)
	}

	defer rows.Close()

	var payments []*payment.Payment

	for rows.Next() {
		found, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}

		payments = append(payments, found)
	}

	if err := rows.Err(); err != nil {
		opentelemetry.HandleSpanError(span, "failed to iterate active payments", err)

		return nil, fmt.Errorf("iterating active payments: %w", err)
	}

	return payments, nil
}

// Update implements payment.Repository.
func (repo *Repository) Update(ctx context.Context, session transaction.Session, input *payment.Payment) error {
	if nilcheck.Interface(session) {
		return payment.ErrSessionRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.update_payment")
	defer span.End()

	updatedAt := input.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	result, err := session.ExecContext(ctx,
		"UPDATE payment SET amount = $1, currency = $2, status = $3, subscription_type = $4, provider_subscription_id = $5,"+
			" auto_renew = $6, period_start = $7, period_end = $8, updated_at = $9 WHERE id = $10",
		input.Amount,
		input.Currency,
		string(input.Status),
		input.SubscriptionType,
		nullableString(input.ProviderSubscriptionID),
		input.AutoRenew,
		input.PeriodStart,
		input.PeriodEnd,
		updatedAt,
		input.ID,
	)
	if err != nil {
		err = mapWriteError(err)
		opentelemetry.HandleSpanError(span, "failed to update payment", err)

		return fmt.Errorf("updating payment %d: %w", input.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return payment.ErrPaymentNotFound
	}

	return nil
}

func (repo *Repository) readError(span trace.Span, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return payment.ErrPaymentNotFound
	}

	opentelemetry.HandleSpanError(span, "failed to load payment", err)

	return err
}

func scanPayment(scanner interface{ Scan(dest ...any) error }) (*payment.Payment, error) {
	var (
		found          payment.Payment
		status         string
		subscriptionID sql.NullString
		periodStart    sql.NullTime
		periodEnd      sql.NullTime
	)

	if err := scanner.Scan(
		&found.ID,
		&found.ProfileID,
		&found.Amount,
		&found.Currency,
		&status,
		&found.SubscriptionType,
		&subscriptionID,
		&found.AutoRenew,
		&periodStart,
		&periodEnd,
		&found.CreatedAt,
		&found.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning payment: %w", err)
	}

	parsed, err := payment.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("scanning payment %d: %w", found.ID, err)
	}

	found.Status = parsed
	found.ProviderSubscriptionID = subscriptionID.String

	if periodStart.Valid {
		start := periodStart.Time.UTC()
		found.PeriodStart = &start
	}

	if periodEnd.Valid {
		end := periodEnd.Time.UTC()
		found.PeriodEnd = &end
	}

	return &found, nil
}

func nullableString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return fmt.Errorf("%w: %s", payment.ErrDuplicatePayment, pgErr.ConstraintName)
	}

	return err
}
