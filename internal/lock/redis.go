package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisOptions mirror the redsync mutex options.
type RedisOptions struct {
	Prefix      string
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix:      "escrow:lock:",
		Expiry:      10 * time.Second,
		Tries:       32,
		RetryDelay:  50 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

// RedisLocker is a Locker shared by every replica pointing at one Redis.
type RedisLocker struct {
	rs     *redsync.Redsync
	opts   RedisOptions
	logger *slog.Logger
}

var _ Locker = (*RedisLocker)(nil)

func NewRedisLocker(client redis.UniversalClient, opts RedisOptions, logger *slog.Logger) *RedisLocker {
	def := DefaultRedisOptions()
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Tries <= 0 {
		opts.Tries = def.Tries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.DriftFactor <= 0 {
		opts.DriftFactor = def.DriftFactor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger,
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := l.opts.Prefix + key
	mutex := l.rs.NewMutex(
		lockKey,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
		redsync.WithDriftFactor(l.opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
	}
	defer func() {
		// Unlock with a fresh context so a cancelled caller still releases.
		unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			l.logger.Error("failed to release lock", "key", lockKey, "ok", ok, "error", err)
		}
	}()

	return fn(ctx)
}
