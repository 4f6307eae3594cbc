// Package backoff computes retry delays for the outbox dispatcher and the
// acknowledgment DLQ consumer.
package backoff

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// 1<<63 overflows int64
const maxShift = 62

// Exponential returns base doubled attempt times, saturating at math.MaxInt64.
// Negative attempts count as zero.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	attempt = min(max(attempt, 0), maxShift)
	factor := int64(1) << attempt

	if int64(base) > math.MaxInt64/factor {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(factor)
}

// Capped is Exponential bounded by ceiling. ceiling <= 0 means unbounded.
func Capped(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	delay := Exponential(base, attempt)
	if ceiling > 0 {
		return min(delay, ceiling)
	}

	return delay
}

// FullJitter picks a uniformly random delay in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return delay / 2
	}

	return time.Duration(n.Int64())
}

// SleepWithContext waits for duration or until ctx is done, whichever comes first.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
