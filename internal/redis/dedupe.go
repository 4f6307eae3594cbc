package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/payment"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL is how long a processed webhook event id is remembered.
// Stripe retries deliveries for up to three days.
const DefaultDedupeTTL = 72 * time.Hour

// DefaultClaimLease bounds how long an unfinished delivery hides its event
// from redeliveries.
const DefaultClaimLease = 5 * time.Minute

const (
	claimInFlight = "in_flight"
	claimDone     = "done"
)

// ErrEventIDRequired is returned when an empty event id is claimed, completed or released.
var ErrEventIDRequired = errors.New("webhook event id is required")

// Deduplicator tracks webhook event ids. A claim is a SET NX lease that
// Complete overwrites with a long-lived done marker.
type Deduplicator struct {
	conn  *Client
	ttl   time.Duration
	lease time.Duration
}

var _ payment.Deduplicator = (*Deduplicator)(nil)

// NewDeduplicator remembers processed events for ttl and leases claims for
// lease. Non-positive values fall back to DefaultDedupeTTL and DefaultClaimLease.
func NewDeduplicator(conn *Client, ttl, lease time.Duration) (*Deduplicator, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}

	if lease <= 0 {
		lease = DefaultClaimLease
	}

	return &Deduplicator{conn: conn, ttl: ttl, lease: lease}, nil
}

// Claim leases eventID to the caller, or reports who holds it.
func (d *Deduplicator) Claim(ctx context.Context, eventID string) (payment.ClaimState, error) {
	key, rdb, err := d.prepare(ctx, eventID)
	if err != nil {
		return payment.ClaimInFlight, err
	}

	claimed, err := rdb.SetNX(ctx, key, claimInFlight, d.lease).Result()
	if err != nil {
		return payment.ClaimInFlight, fmt.Errorf("claim webhook event: %w", err)
	}

	if claimed {
		return payment.ClaimAcquired, nil
	}

	value, err := rdb.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return payment.ClaimInFlight, fmt.Errorf("read webhook event claim: %w", err)
	}

	// a lease that expired between SET NX and GET reads as in flight; the
	// provider retries and the next delivery acquires it
	if value == claimDone {
		return payment.ClaimDone, nil
	}

	return payment.ClaimInFlight, nil
}

// Complete marks eventID processed for the dedupe TTL.
func (d *Deduplicator) Complete(ctx context.Context, eventID string) error {
	key, rdb, err := d.prepare(ctx, eventID)
	if err != nil {
		return err
	}

	if err := rdb.Set(ctx, key, claimDone, d.ttl).Err(); err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}

	return nil
}

// Release drops an in-flight claim. A done marker is left alone.
func (d *Deduplicator) Release(ctx context.Context, eventID string) error {
	key, rdb, err := d.prepare(ctx, eventID)
	if err != nil {
		return err
	}

	if err := releaseScript.Run(ctx, rdb, []string{key}, claimInFlight).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("release webhook event: %w", err)
	}

	return nil
}

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (d *Deduplicator) prepare(ctx context.Context, eventID string) (string, goredis.UniversalClient, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", nil, ErrEventIDRequired
	}

	rdb, err := d.conn.GetClient(ctx)
	if err != nil {
		return "", nil, err
	}

	return keyPrefix + "webhook:" + eventID, rdb, nil
}
