package txlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"

	"retailpos/backend/internal/store"
)

// Locker serialises operations on one transaction across service instances.
// The store's row lock still guards correctness; this keeps concurrent
// registers from queueing on database locks.
type Locker interface {
	Acquire(ctx context.Context, transactionID string) (Lock, error)
}

type Lock interface {
	Release(ctx context.Context) error
}

type Noop struct{}

func (Noop) Acquire(_ context.Context, _ string) (Lock, error) {
	return noopLock{}, nil
}

type noopLock struct{}

func (noopLock) Release(_ context.Context) error {
	return nil
}

type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	retries int
	backoff time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		client:  redislock.New(rdb),
		ttl:     ttl,
		retries: 20,
		backoff: 50 * time.Millisecond,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, transactionID string) (Lock, error) {
	lock, err := l.client.Obtain(ctx, "lock:txn:"+transactionID, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.backoff), l.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("transaction %s is busy: %w", transactionID, store.ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return redisLock{lock: lock}, nil
}

type redisLock struct {
	lock *redislock.Lock
}

func (r redisLock) Release(ctx context.Context) error {
	err := r.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
