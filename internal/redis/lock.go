package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/opentelemetry"
	"github.com/LerianStudio/payment-outbox/internal/outbox"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"go.opentelemetry.io/otel"
)

// DefaultLockExpiry bounds how long a crashed holder can block other instances.
const DefaultLockExpiry = time.Minute

var (
	// ErrEmptyLockKey is returned when TryLock gets a blank name.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrLockNotHeld is returned by unlock when the lock expired or was taken over.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
)

// clientPool resolves the current go-redis client on every Get so the lock
// keeps working after Client.Connect swapped the connection.
type clientPool struct {
	conn *Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// CycleLocker implements outbox.CycleLocker with single-attempt redsync mutexes.
type CycleLocker struct {
	redsync *redsync.Redsync
	expiry  time.Duration
	logger  log.Logger
}

var _ outbox.CycleLocker = (*CycleLocker)(nil)

// NewCycleLocker returns a locker whose locks expire after expiry
// (DefaultLockExpiry when expiry <= 0).
func NewCycleLocker(conn *Client, expiry time.Duration, logger log.Logger) (*CycleLocker, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	if expiry <= 0 {
		expiry = DefaultLockExpiry
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &CycleLocker{
		redsync: redsync.New(&clientPool{conn: conn}),
		expiry:  expiry,
		logger:  logger,
	}, nil
}

// TryLock makes one attempt at "payment-outbox:<name>". A lock held elsewhere
// returns acquired=false and no error.
func (l *CycleLocker) TryLock(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, ErrEmptyLockKey
	}

	key := keyPrefix + name

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := l.redsync.NewMutex(key, redsync.WithExpiry(l.expiry), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			l.logger.Log(ctx, log.LevelDebug, "lock already held by another process", log.String("lock_key", key))
			return nil, false, nil
		}

		opentelemetry.HandleSpanError(span, "Failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", key, err)
	}

	l.logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_key", key))

	unlock := func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("unlock %s: %w", key, err)
		}

		if !ok {
			return ErrLockNotHeld
		}

		return nil
	}

	return unlock, true, nil
}

func isLockContention(err error) bool {
	return errors.Is(err, redsync.ErrFailed) ||
		strings.Contains(err.Error(), "lock already taken") ||
		strings.Contains(err.Error(), "failed to acquire lock")
}
