package database

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisOperationGuard(t *testing.T) {
	mr, client := newTestRedis(t)
	guard := NewRedisOperationGuard(client)
	ctx := context.Background()

	ok, err := guard.Acquire(ctx, "acct:key-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = guard.Acquire(ctx, "acct:key-1", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire inside the window must fail")

	ok, err = guard.Acquire(ctx, "acct:key-2", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "other keys are independent")

	mr.FastForward(6 * time.Second)
	ok, err = guard.Acquire(ctx, "acct:key-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "mark expires with its ttl")

	require.NoError(t, guard.Release(ctx, "acct:key-1"))
	ok, err = guard.Acquire(ctx, "acct:key-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisOperationGuardBackendDown(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	_, err := NewRedisOperationGuard(client).Acquire(context.Background(), "k", time.Second)
	assert.Error(t, err)
}

func TestRedisLockerExclusive(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedisLocker(client, 2*time.Second)
	ctx := context.Background()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "wallet:a", time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestRedisLockerTimeout(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedisLocker(client, 60*time.Millisecond)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "wallet:b", 10*time.Second)
	require.NoError(t, err)
	defer unlock()

	_, err = locker.Lock(ctx, "wallet:b", 10*time.Second)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestRedisLockerUnlockKeepsForeignToken(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, time.Second)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "wallet:c", time.Second)
	require.NoError(t, err)

	// Simulate expiry followed by another holder.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(lockKeyPrefix+"wallet:c", "someone-else"))

	unlock()
	got, err := mr.Get(lockKeyPrefix + "wallet:c")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}
