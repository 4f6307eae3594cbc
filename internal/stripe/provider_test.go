//go:build unit

package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/circuitbreaker"
	"github.com/LerianStudio/payment-outbox/internal/payment"
	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

type mockSubscriptions struct {
	mock.Mock
}

func (m *mockSubscriptions) Get(id string, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error) {
	args := m.Called(id, params)

	subscription, _ := args.Get(0).(*stripeapi.Subscription)

	return subscription, args.Error(1)
}

func (m *mockSubscriptions) Update(id string, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error) {
	args := m.Called(id, params)

	subscription, _ := args.Get(0).(*stripeapi.Subscription)

	return subscription, args.Error(1)
}

func sign(payload []byte, secret string, at time.Time) string {
	timestamp := at.Unix()

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", timestamp)))
	mac.Write(payload)

	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func newProvider(t *testing.T, api SubscriptionAPI, opts ...Option) *Provider {
	t.Helper()

	opts = append([]Option{WithSubscriptionAPI(api)}, opts...)

	provider, err := New(Config{WebhookSecret: testSecret}, nil, opts...)
	require.NoError(t, err)

	return provider
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{SecretKey: "sk_test"}, nil)
	require.ErrorIs(t, err, ErrWebhookSecretRequired)

	_, err = New(Config{WebhookSecret: testSecret}, nil)
	require.ErrorIs(t, err, ErrSecretKeyRequired)

	provider, err := New(Config{SecretKey: "sk_test", WebhookSecret: testSecret}, nil)
	require.NoError(t, err)
	assert.NotNil(t, provider.subscriptions)
	assert.Equal(t, DefaultSignatureTolerance, provider.tolerance)
	assert.Equal(t, circuitbreaker.StateClosed, provider.BreakerState())
}

func TestVerifyCheckoutCompleted(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"id": "evt_checkout",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"client_reference_id": "42",
			"payment_status": "paid",
			"subscription": "sub_new"
		}}
	}`)

	event, err := newProvider(t, &mockSubscriptions{}).VerifyEvent(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, "evt_checkout", event.ID)
	assert.Equal(t, payment.EventCheckoutSessionCompleted, event.Kind)
	require.NotNil(t, event.Checkout)
	assert.Equal(t, "42", event.Checkout.ClientReferenceID)
	assert.Equal(t, "sub_new", event.Checkout.SubscriptionID)
	assert.True(t, event.Checkout.IsPaid())
}

func TestVerifyInvoicePaid(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_invoice",
		"object": "event",
		"type": "invoice.paid",
		"data": {"object": {
			"id": "in_1",
			"object": "invoice",
			"status": "paid",
			"billing_reason": "subscription_cycle",
			"subscription": "sub_renew",
			"lines": {"object": "list", "data": [{"id": "il_1", "object": "line_item", "period": {"start": %d, "end": %d}}]}
		}}
	}`, start.Unix(), end.Unix()))

	event, err := newProvider(t, &mockSubscriptions{}).VerifyEvent(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)

	require.NotNil(t, event.Invoice)
	assert.Equal(t, "sub_renew", event.Invoice.SubscriptionID)
	assert.Equal(t, "subscription_cycle", event.Invoice.BillingReason)
	assert.True(t, event.Invoice.IsPaid())
	assert.True(t, event.Invoice.LinePeriodStart.Equal(start))
	assert.True(t, event.Invoice.LinePeriodEnd.Equal(end))
}

func TestVerifySubscriptionDeletedAndUnknownKinds(t *testing.T) {
	t.Parallel()

	provider := newProvider(t, &mockSubscriptions{})

	deleted := []byte(`{"id":"evt_del","object":"event","type":"customer.subscription.deleted","data":{"object":{"id":"sub_gone","object":"subscription"}}}`)
	event, err := provider.VerifyEvent(deleted, sign(deleted, testSecret, time.Now()))
	require.NoError(t, err)
	require.NotNil(t, event.Subscription)
	assert.Equal(t, "sub_gone", event.Subscription.ID)

	other := []byte(`{"id":"evt_other","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`)
	event, err = provider.VerifyEvent(other, sign(other, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, payment.EventKind("customer.created"), event.Kind)
	assert.Nil(t, event.Checkout)
	assert.Nil(t, event.Invoice)
	assert.Nil(t, event.Subscription)
}

func TestVerifyRejectsBadSignatures(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{}}}`)
	provider := newProvider(t, &mockSubscriptions{})

	tests := []struct {
		name      string
		signature string
	}{
		{name: "missing header", signature: ""},
		{name: "wrong secret", signature: sign(payload, "whsec_other", time.Now())},
		{name: "too old", signature: sign(payload, testSecret, time.Now().Add(-time.Hour))},
		{name: "garbage", signature: "not-a-signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := provider.VerifyEvent(payload, tt.signature)
			require.ErrorIs(t, err, payment.ErrInvalidSignature)
			assert.True(t, payment.IsClientError(err))
		})
	}
}

func TestVerifyRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"id": "evt_1", "type": `)

	_, err := newProvider(t, &mockSubscriptions{}).VerifyEvent(payload, sign(payload, testSecret, time.Now()))
	require.ErrorIs(t, err, payment.ErrMalformedEvent)
}

func TestGetSubscriptionDetails(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	api := &mockSubscriptions{}
	api.On("Get", "sub_1", mock.AnythingOfType("*stripe.SubscriptionParams")).Return(&stripeapi.Subscription{
		ID:                 "sub_1",
		Status:             stripeapi.SubscriptionStatusActive,
		CurrentPeriodStart: start.Unix(),
		CurrentPeriodEnd:   start.AddDate(0, 1, 0).Unix(),
	}, nil)

	details, err := newProvider(t, api).GetSubscriptionDetails(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "active", details.Status)
	assert.True(t, details.CurrentPeriodStart.Equal(start))
	api.AssertExpectations(t)

	_, err = newProvider(t, api).GetSubscriptionDetails(context.Background(), " ")
	require.ErrorIs(t, err, payment.ErrSubscriptionIDRequired)
}

func TestCancelSubscriptionAtPeriodEnd(t *testing.T) {
	t.Parallel()

	api := &mockSubscriptions{}
	api.On("Update", "sub_old", mock.MatchedBy(func(params *stripeapi.SubscriptionParams) bool {
		return params.CancelAtPeriodEnd != nil && *params.CancelAtPeriodEnd && params.Context != nil
	})).Return(&stripeapi.Subscription{ID: "sub_old"}, nil)

	require.NoError(t, newProvider(t, api).CancelSubscriptionAtPeriodEnd(context.Background(), "sub_old"))
	api.AssertExpectations(t)
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	t.Parallel()

	api := &mockSubscriptions{}
	api.On("Update", "sub_x", mock.Anything).Return(nil, errors.New("stripe 503"))

	config := circuitbreaker.HTTPServiceConfig()
	config.ConsecutiveFailures = 2
	config.Timeout = time.Hour

	provider := newProvider(t, api, WithBreakerConfig(config))

	for range 2 {
		require.Error(t, provider.CancelSubscriptionAtPeriodEnd(context.Background(), "sub_x"))
	}

	err := provider.CancelSubscriptionAtPeriodEnd(context.Background(), "sub_x")
	require.ErrorIs(t, err, circuitbreaker.ErrServiceUnavailable)
	assert.Equal(t, circuitbreaker.StateOpen, provider.BreakerState())
	api.AssertNumberOfCalls(t, "Update", 2)
}
