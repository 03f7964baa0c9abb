/*
Package cache provides the read-through caching and distributed locking
used by the engines.

PURPOSE:
  Reference data (payment types) is read on every batch creation and rarely
  changes. It is cached with a TTL and invalidated explicitly on change.
  Reconciliation runs are serialised per batch with a lock that may span
  processes when Redis is configured.

BACKENDS:
  Memory: golang-lru expirable LRU, used when no Redis address is configured
  Redis:  go-redis client, values stored as JSON

LOCKING:
  RedisLocker wraps bsm/redislock. NoopLocker always obtains. Callers treat
  ErrNotObtained as "proceed without the lock".

SEE ALSO:
  - paymenttypes.go: the payment type cache used by batches
*/
package cache

import (
	"context"
	"errors"
	"time"
)

// Cache stores JSON-serialisable values under string keys.
type Cache interface {
	// Get decodes the cached value into dest. It reports false on a miss.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

var ErrNotObtained = errors.New("lock not obtained")

type Locker interface {
	// Obtain returns ErrNotObtained when another holder owns key.
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

type Lock interface {
	Release(ctx context.Context) error
}
