//go:build unit

package payment

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriod(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 31, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		subscriptionType string
		want             time.Duration
	}{
		{subscriptionType: "1 week", want: 7 * 24 * time.Hour},
		{subscriptionType: "Weekly", want: 7 * 24 * time.Hour},
		{subscriptionType: "2 weeks", want: 14 * 24 * time.Hour},
		{subscriptionType: " biweekly ", want: 14 * 24 * time.Hour},
		{subscriptionType: "1 month", want: 30 * 24 * time.Hour},
		{subscriptionType: "3 months", want: 30 * 24 * time.Hour},
		{subscriptionType: "1 year", want: 30 * 24 * time.Hour},
		{subscriptionType: "", want: 30 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.subscriptionType, func(t *testing.T) {
			t.Parallel()

			gotStart, gotEnd := Period(tt.subscriptionType, start)
			assert.True(t, gotStart.Equal(start))
			assert.Equal(t, tt.want, gotEnd.Sub(gotStart))
		})
	}
}

func TestPeriod_MonthIsExactlyThirtyDays(t *testing.T) {
	t.Parallel()

	_, end := Period("1 month", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), end)
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	status, err := ParseStatus("successful")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccessful, status)

	_, err = ParseStatus("refunded")
	require.Error(t, err)
}

func TestPayment_CloneDoesNotSharePeriod(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	original := &Payment{ID: 1, PeriodStart: &start}

	cloned := original.Clone()
	*cloned.PeriodStart = start.Add(time.Hour)

	assert.True(t, original.PeriodStart.Equal(start))

	var nilPayment *Payment
	assert.Nil(t, nilPayment.Clone())
}

func TestIsClientError(t *testing.T) {
	t.Parallel()

	for _, err := range []error{ErrInvalidSignature, ErrMalformedEvent, ErrPaymentNotFound, ErrInvalidPaymentState, ErrInvoiceNotPaid} {
		assert.True(t, IsClientError(fmt.Errorf("wrapped: %w", err)), err.Error())
	}

	assert.False(t, IsClientError(nil))
	assert.False(t, IsClientError(errors.New("db down")))
	assert.False(t, IsClientError(fmt.Errorf("%w: %w", ErrCompensated, ErrPaymentNotFound)))
}
