package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSuccessful Status = "successful"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// ParseStatus validates a raw status read from storage.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(raw); status {
	case StatusPending, StatusSuccessful, StatusCancelled, StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("invalid payment status %q", raw)
	}
}

// Payment is a purchase of a subscription by a profile.
type Payment struct {
	ID                     int64
	ProfileID              uuid.UUID
	Amount                 decimal.Decimal
	Currency               string
	Status                 Status
	SubscriptionType       string
	ProviderSubscriptionID string
	AutoRenew              bool
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Clone returns a copy that shares no pointers with payment.
func (payment *Payment) Clone() *Payment {
	if payment == nil {
		return nil
	}

	cloned := *payment

	if payment.PeriodStart != nil {
		start := *payment.PeriodStart
		cloned.PeriodStart = &start
	}

	if payment.PeriodEnd != nil {
		end := *payment.PeriodEnd
		cloned.PeriodEnd = &end
	}

	return &cloned
}

const day = 24 * time.Hour

// PeriodLength returns the billing period for a subscription type. Weekly
// types last 7 or 14 days and every other type lasts exactly 30 days,
// monthly and yearly plans included.
func PeriodLength(subscriptionType string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(subscriptionType)) {
	case "1 week", "weekly":
		return 7 * day
	case "2 weeks", "biweekly":
		return 14 * day
	default:
		return 30 * day
	}
}

// Period returns the period boundaries starting at start.
func Period(subscriptionType string, start time.Time) (time.Time, time.Time) {
	start = start.UTC()

	return start, start.Add(PeriodLength(subscriptionType))
}
