package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	guardKeyPrefix = "storefront:ledger:op:"
	lockKeyPrefix  = "storefront:ledger:lock:"

	lockRetryInterval = 25 * time.Millisecond
)

// ErrLockTimeout is returned when a lock could not be taken before ctx ended
// or the wait budget ran out.
var ErrLockTimeout = errors.New("lock wait timed out")

// RedisOperationGuard marks in-flight ledger operations in Redis so every API
// instance sees the same cooldown window.
type RedisOperationGuard struct {
	client *redis.Client
}

func NewRedisOperationGuard(client *redis.Client) *RedisOperationGuard {
	return &RedisOperationGuard{client: client}
}

// Acquire marks key for ttl. It returns false when the key is already marked.
func (g *RedisOperationGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, guardKeyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

// Release clears the mark.
func (g *RedisOperationGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, guardKeyPrefix+key).Err()
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is an advisory lock used by the read-modify-write balance path.
type RedisLocker struct {
	client  *redis.Client
	maxWait time.Duration
}

func NewRedisLocker(client *redis.Client, maxWait time.Duration) *RedisLocker {
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return &RedisLocker{client: client, maxWait: maxWait}
}

// Lock blocks until key is free, ctx is done, or maxWait elapses. The lock
// expires after ttl even if the holder never unlocks.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	redisKey := lockKeyPrefix + key
	deadline := time.Now().Add(l.maxWait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// Fresh context: the caller's may already be cancelled.
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token)
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		case <-time.After(lockRetryInterval):
		}
	}
}
