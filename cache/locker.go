package cache

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// RedisLocker obtains locks through redislock. Obtain does not retry: a held
// lock is reported immediately as ErrNotObtained.
type RedisLocker struct {
	client *redislock.Client
	prefix string
}

func NewRedisLocker(rdb redislock.RedisClient, prefix string) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), prefix: prefix}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := l.client.Obtain(ctx, l.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// NoopLocker always obtains.
type NoopLocker struct{}

type noopLock struct{}

func (noopLock) Release(context.Context) error { return nil }

func (NoopLocker) Obtain(context.Context, string, time.Duration) (Lock, error) {
	return noopLock{}, nil
}
