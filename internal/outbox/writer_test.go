//go:build unit

package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct{}

func (stubSession) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errors.New("not used")
}

func (stubSession) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not used")
}

type stubManager struct {
	calls int
	err   error
}

func (manager *stubManager) WithinTransaction(ctx context.Context, fn func(context.Context, transaction.Session) error) error {
	manager.calls++

	if manager.err != nil {
		return manager.err
	}

	return fn(ctx, stubSession{})
}

func TestNewWriter_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewWriter(nil, &stubManager{})
	require.ErrorIs(t, err, ErrOutboxRepositoryRequired)

	_, err = NewWriter(newFakeRepo(), nil)
	require.ErrorIs(t, err, ErrTransactionManagerRequired)
}

func TestWriter_Enqueue_AppliesDefaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
	repo := newFakeRepo()

	writer, err := NewWriter(repo, &stubManager{}, WithWriterClock(newFixedClock(now)))
	require.NoError(t, err)

	created, err := writer.Enqueue(context.Background(), stubSession{}, NewMessage{
		AggregateID:   " 42 ",
		AggregateType: AggregatePayment,
		EventType:     EventPaymentCompleted,
		Payload:       map[string]any{"paymentId": 42},
	})
	require.NoError(t, err)

	assert.Positive(t, created.ID)
	assert.Equal(t, "42", created.AggregateID)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, 0, created.RetryCount)
	assert.True(t, created.ScheduledAt.Equal(now))
	assert.True(t, created.TTL.Equal(now.Add(DefaultRetention)))
	assert.Nil(t, created.ProcessedAt)
	assert.JSONEq(t, `{"paymentId":42}`, string(created.Payload))
}

func TestWriter_Enqueue_HonorsScheduleAndTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
	scheduledAt := now.Add(time.Hour)
	ttl := now.Add(24 * time.Hour)

	writer, err := NewWriter(newFakeRepo(), &stubManager{}, WithWriterClock(newFixedClock(now)), WithRetention(time.Hour))
	require.NoError(t, err)

	created, err := writer.Enqueue(context.Background(), stubSession{}, NewMessage{
		AggregateID:   "42",
		AggregateType: AggregatePayment,
		EventType:     EventCancelSubscription,
		Payload:       json.RawMessage(`{"subscriptionId":"sub_1"}`),
		ScheduledAt:   &scheduledAt,
		TTL:           &ttl,
	})
	require.NoError(t, err)

	assert.True(t, created.ScheduledAt.Equal(scheduledAt))
	assert.True(t, created.TTL.Equal(ttl))
}

func TestWriter_Enqueue_Validation(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	writer, err := NewWriter(newFakeRepo(), &stubManager{}, WithWriterClock(newFixedClock(now)))
	require.NoError(t, err)

	valid := NewMessage{
		AggregateID:   "42",
		AggregateType: AggregatePayment,
		EventType:     EventPaymentCompleted,
		Payload:       []byte(`{}`),
	}

	tests := []struct {
		name   string
		mutate func(*NewMessage)
		want   error
	}{
		{name: "aggregate id", mutate: func(m *NewMessage) { m.AggregateID = "  " }, want: ErrAggregateIDRequired},
		{name: "aggregate type", mutate: func(m *NewMessage) { m.AggregateType = "invoice" }, want: ErrAggregateTypeInvalid},
		{name: "event type", mutate: func(m *NewMessage) { m.EventType = "payment-refunded" }, want: ErrEventTypeInvalid},
		{name: "nil payload", mutate: func(m *NewMessage) { m.Payload = nil }, want: ErrOutboxPayloadRequired},
		{name: "invalid json", mutate: func(m *NewMessage) { m.Payload = []byte(`{`) }, want: ErrOutboxPayloadNotJSON},
		{name: "oversized", mutate: func(m *NewMessage) {
			m.Payload = []byte(`"` + strings.Repeat("a", DefaultMaxPayloadBytes) + `"`)
		}, want: ErrOutboxPayloadTooLarge},
		{name: "ttl before schedule", mutate: func(m *NewMessage) { m.TTL = &past }, want: ErrOutboxTTLBeforeSchedule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			input := valid
			tt.mutate(&input)

			_, err := writer.Enqueue(context.Background(), stubSession{}, input)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWriter_Enqueue_RequiresSession(t *testing.T) {
	t.Parallel()

	writer, err := NewWriter(newFakeRepo(), &stubManager{})
	require.NoError(t, err)

	_, err = writer.Enqueue(context.Background(), nil, NewMessage{})
	require.ErrorIs(t, err, ErrSessionRequired)
}

func TestWriter_EnqueueStandalone_OpensItsOwnUnitOfWork(t *testing.T) {
	t.Parallel()

	manager := &stubManager{}
	repo := newFakeRepo()

	writer, err := NewWriter(repo, manager)
	require.NoError(t, err)

	created, err := writer.EnqueueStandalone(context.Background(), NewMessage{
		AggregateID:   "7",
		AggregateType: AggregatePayment,
		EventType:     EventPaymentFailed,
		Payload:       []byte(`{"paymentId":7}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, manager.calls)
	assert.Equal(t, StatusPending, repo.get(created.ID).Status)

	manager.err = errors.New("begin failed")

	_, err = writer.EnqueueStandalone(context.Background(), NewMessage{})
	require.ErrorIs(t, err, manager.err)
}

func TestEncodePayload_CopiesRawBytes(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"a":1}`)

	encoded, err := encodePayload(raw)
	require.NoError(t, err)

	raw[2] = 'b'
	assert.JSONEq(t, `{"a":1}`, string(encoded))
}
