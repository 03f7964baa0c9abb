package cache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/grower-ledger/cache"
	"github.com/warp/grower-ledger/ledger"
)

type item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// =============================================================================
// BACKENDS
// =============================================================================

func TestMemory_SetGetExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	m := cache.NewMemory().WithClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", item{Name: "a", Count: 2}, time.Minute))

	var got item
	hit, err := m.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, item{Name: "a", Count: 2}, got)

	now = now.Add(time.Minute)
	hit, err = m.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit, "entry should expire at its TTL")
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	m := cache.NewMemory()
	require.NoError(t, m.Set(ctx, "k", 1, 0))
	require.NoError(t, m.Delete(ctx, "k"))

	var v int
	hit, err := m.Get(ctx, "k", &v)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m := cache.NewMemory()
	for i := 0; i <= cache.MemorySize; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("k%d", i), i, 0))
	}
	assert.Equal(t, cache.MemorySize, m.Len())

	var v int
	hit, err := m.Get(ctx, "k0", &v)
	require.NoError(t, err)
	assert.False(t, hit, "oldest key is evicted past capacity")

	hit, err = m.Get(ctx, fmt.Sprintf("k%d", cache.MemorySize), &v)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, cache.MemorySize, v)
}

func TestRedis_SetGetExpire(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	c := cache.NewRedis(rdb, "test:")

	require.NoError(t, c.Set(ctx, "k", item{Name: "b", Count: 3}, time.Minute))
	assert.True(t, mr.Exists("test:k"), "keys are namespaced")

	var got item
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "b", got.Name)

	mr.FastForward(2 * time.Minute)
	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRedis_Delete(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	c := cache.NewRedis(rdb, "")

	require.NoError(t, c.Set(ctx, "a", 1, 0))
	require.NoError(t, c.Delete(ctx, "a"))

	var v int
	hit, err := c.Get(ctx, "a", &v)
	require.NoError(t, err)
	assert.False(t, hit)
}

// =============================================================================
// LOCKER
// =============================================================================

func TestRedisLocker_ExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	locker := cache.NewRedisLocker(rdb, "lock:")

	first, err := locker.Obtain(ctx, "batch:1", time.Minute)
	require.NoError(t, err)

	_, err = locker.Obtain(ctx, "batch:1", time.Minute)
	assert.ErrorIs(t, err, cache.ErrNotObtained)

	other, err := locker.Obtain(ctx, "batch:2", time.Minute)
	require.NoError(t, err, "different keys do not contend")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	again, err := locker.Obtain(ctx, "batch:1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestNoopLocker_AlwaysObtains(t *testing.T) {
	ctx := context.Background()
	var locker cache.Locker = cache.NoopLocker{}

	a, err := locker.Obtain(ctx, "k", time.Second)
	require.NoError(t, err)
	b, err := locker.Obtain(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.NoError(t, a.Release(ctx))
	assert.NoError(t, b.Release(ctx))
}

// =============================================================================
// PAYMENT TYPES
// =============================================================================

type countingSource struct {
	calls int
	types map[ledger.PaymentTypeID]ledger.PaymentType
}

func (s *countingSource) GetPaymentType(_ context.Context, id ledger.PaymentTypeID) (*ledger.PaymentType, error) {
	s.calls++
	pt, ok := s.types[id]
	if !ok {
		return nil, nil
	}
	return &pt, nil
}

func TestPaymentTypes_ReadThroughAndInvalidate(t *testing.T) {
	// GIVEN: A payment type in the store
	// WHEN: It is read twice, invalidated, then read again
	// THEN: The store is hit on the first read and after invalidation only

	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	src := &countingSource{types: map[ledger.PaymentTypeID]ledger.PaymentType{
		1: {ID: 1, Code: "ADV", Active: true},
	}}
	pts := cache.NewPaymentTypes(cache.NewMemory(), time.Minute, logger)

	for i := 0; i < 2; i++ {
		pt, err := pts.Get(ctx, src, 1)
		require.NoError(t, err)
		require.NotNil(t, pt)
		assert.Equal(t, "ADV", pt.Code)
	}
	assert.Equal(t, 1, src.calls)

	src.types[1] = ledger.PaymentType{ID: 1, Code: "FIN", Active: true}
	require.NoError(t, pts.Invalidate(ctx, 1))

	pt, err := pts.Get(ctx, src, 1)
	require.NoError(t, err)
	assert.Equal(t, "FIN", pt.Code)
	assert.Equal(t, 2, src.calls)
}

func TestPaymentTypes_MissIsNotCached(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	src := &countingSource{types: map[ledger.PaymentTypeID]ledger.PaymentType{}}
	pts := cache.NewPaymentTypes(cache.NewMemory(), time.Minute, logger)

	pt, err := pts.Get(ctx, src, 9)
	require.NoError(t, err)
	assert.Nil(t, pt)

	_, _ = pts.Get(ctx, src, 9)
	assert.Equal(t, 2, src.calls)
}

func TestPaymentTypes_RedisBackend(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	logger, _ := test.NewNullLogger()
	src := &countingSource{types: map[ledger.PaymentTypeID]ledger.PaymentType{
		2: {ID: 2, Code: "FIN", Description: "Final", Active: true},
	}}
	pts := cache.NewPaymentTypes(cache.NewRedis(rdb, "gl:"), time.Minute, logger)

	_, err := pts.Get(ctx, src, 2)
	require.NoError(t, err)
	pt, err := pts.Get(ctx, src, 2)
	require.NoError(t, err)
	assert.Equal(t, "Final", pt.Description)
	assert.Equal(t, 1, src.calls)
}
