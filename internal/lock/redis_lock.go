// Package lock provides a cluster-wide mutual-exclusion primitive backed by Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by WithLock when another owner holds the resource.
var ErrNotAcquired = errors.New("lock: resource is held by another owner")

// RedisLock hands out owner tokens for resource keys. Locks expire on their own
// after the TTL, so a crashed holder never blocks the resource for longer than that.
type RedisLock struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLock builds a lock client.
func NewRedisLock(client redis.Cmdable) *RedisLock {
	return &RedisLock{client: client, prefix: "lock:"}
}

func (l *RedisLock) key(resource string) string {
	return l.prefix + resource
}

// Acquire takes resource for ttl. It returns the owner token and false when the
// resource is already held.
func (l *RedisLock) Acquire(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(resource), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees resource only if token still owns it. It reports false when the
// lock expired or was taken over by another owner in the meantime.
func (l *RedisLock) Release(ctx context.Context, resource, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(resource)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}
	return n == 1, nil
}

// Extend pushes the expiry forward if token still owns resource.
func (l *RedisLock) Extend(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key(resource)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", resource, err)
	}
	return n == 1, nil
}

// WithLock runs fn while holding resource and releases it afterwards.
func (l *RedisLock) WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, ok, err := l.Acquire(ctx, resource, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAcquired, resource)
	}
	defer func() {
		// Use a fresh context so a cancelled caller still frees the lock.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = l.Release(releaseCtx, resource, token)
	}()
	return fn(ctx)
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
