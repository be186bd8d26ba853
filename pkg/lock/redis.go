package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
)

const keyPrefix = "indexing-lock:"

var (
	// Both scripts only touch the key while it still holds the caller's
	// token.
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker is a Locker backed by Redis.
type RedisLocker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisLocker returns a Locker backed by the Redis client.
func NewRedisLocker(client *redis.Client, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, logger: logger}
}

type redisLock struct {
	key    string
	token  string
	client *redis.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// TryAcquire implements Locker. The lock lifetime is extended every third
// of the TTL until it's released, so the TTL only bounds how long a crashed
// holder blocks the others.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	ok, err := l.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, errdomain.ErrLockNotAcquired
	}

	extCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lk := &redisLock{
		key:    key,
		token:  token,
		client: l.client,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.extend(extCtx, lk, ttl)

	return lk, nil
}

func (l *RedisLocker) extend(ctx context.Context, lk *redisLock, ttl time.Duration) {
	defer close(lk.done)

	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, l.client, []string{keyPrefix + lk.key}, lk.token, ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Error("Error when extending lock lifetime in redis", zap.String("lock", lk.key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Warn("Lock expired before it was released", zap.String("lock", lk.key))
				return
			}
		}
	}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error) {
	return acquire(ctx, l, key, ttl, timeout)
}

// Allow implements Locker.
func (l *RedisLocker) Allow(ctx context.Context, key string, period time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+"allow:"+key, time.Now().UTC().Format(time.RFC3339), period).Result()
	if err != nil {
		return false, fmt.Errorf("checking rate limit %s: %w", key, err)
	}
	return ok, nil
}

func (lk *redisLock) Key() string { return lk.key }

func (lk *redisLock) Release(ctx context.Context) error {
	lk.cancel()
	<-lk.done

	if err := releaseScript.Run(ctx, lk.client, []string{keyPrefix + lk.key}, lk.token).Err(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", lk.key, err)
	}
	return nil
}
