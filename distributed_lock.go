package smarterdoc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock provides Redis-based distributed locking for coordinating
// guarded writes and Collection.Update across processes that share an object
// backend.
type DistributedLock struct {
	redis      *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	retry      RetryConfig
	breaker    *CircuitBreaker
	ownsClient bool // If true, Close() will close the Redis client
}

// NewDistributedLock creates a new distributed lock manager using Redis
func NewDistributedLock(redis *redis.Client, keyPrefix string) *DistributedLock {
	return &DistributedLock{
		redis:      redis,
		keyPrefix:  keyPrefix,
		defaultTTL: DefaultLockTTL,
		retry:      DefaultRetryConfig(),
		breaker:    NewCircuitBreaker(DefaultBreakerFailures, DefaultBreakerReset),
	}
}

// NewDistributedLockWithOwnedClient creates a lock manager that owns the Redis client
func NewDistributedLockWithOwnedClient(redis *redis.Client, keyPrefix string) *DistributedLock {
	l := NewDistributedLock(redis, keyPrefix)
	l.ownsClient = true
	return l
}

// WithTTL sets the TTL used by Acquire.
func (l *DistributedLock) WithTTL(ttl time.Duration) *DistributedLock {
	if ttl > 0 {
		l.defaultTTL = ttl
	}
	return l
}

// WithRetries sets how many attempts Acquire makes.
func (l *DistributedLock) WithRetries(retries int) *DistributedLock {
	if retries > 0 {
		l.retry.MaxRetries = retries
	}
	return l
}

// WithBreaker replaces the circuit breaker guarding Redis calls.
func (l *DistributedLock) WithBreaker(cb *CircuitBreaker) *DistributedLock {
	l.breaker = cb
	return l
}

// Breaker returns the circuit breaker guarding Redis calls.
func (l *DistributedLock) Breaker() *CircuitBreaker {
	return l.breaker
}

// redisFailure counts only errors that say something about Redis health.
func redisFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Lock acquires a distributed lock for the given key.
// Returns a release function that MUST be called to release the lock.
//
//	release, err := lock.Lock(ctx, "documents/users/42", 5*time.Second)
//	if err != nil {
//	    return err
//	}
//	defer release()
func (l *DistributedLock) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl == 0 {
		ttl = l.defaultTTL
	}

	lockKey := fmt.Sprintf("%s:lock:%s", l.keyPrefix, key)
	lockValue := NewID()

	var success bool
	err := l.breaker.Execute(ctx, func() error {
		var err error
		success, err = l.redis.SetNX(ctx, lockKey, lockValue, ttl).Result()
		return err
	}, redisFailure)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !success {
		return nil, WithContext(ErrLockHeld, map[string]interface{}{
			"key": key,
			"ttl": ttl,
		})
	}

	release := func() {
		// Use a background context for cleanup (don't fail if parent context cancelled)
		releaseScript.Run(context.Background(), l.redis, []string{lockKey}, lockValue)
	}

	return release, nil
}

// TryLockWithRetry attempts to acquire a lock with exponential backoff retry.
func (l *DistributedLock) TryLockWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int) (func(), error) {
	config := l.retry
	config.MaxRetries = maxRetries

	var lastErr error
	for i := 0; i < config.MaxRetries; i++ {
		release, err := l.Lock(ctx, key, ttl)
		if err == nil {
			return release, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			return nil, err
		}

		if i == config.MaxRetries-1 {
			break
		}
		backoff := config.InitialBackoff * time.Duration(int64(1)<<uint(i))
		jitter := time.Duration(rand.Float64() * config.JitterPercent * float64(backoff))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}

	return nil, WithContext(ErrLockTimeout, map[string]interface{}{
		"key":     key,
		"retries": config.MaxRetries,
		"error":   fmt.Sprint(lastErr),
	})
}

// Acquire implements Locker using the configured TTL and retry count.
func (l *DistributedLock) Acquire(ctx context.Context, key string) (func(), error) {
	return l.TryLockWithRetry(ctx, key, l.defaultTTL, l.retry.MaxRetries)
}

// Close releases resources held by the distributed lock
func (l *DistributedLock) Close() error {
	if l.ownsClient && l.redis != nil {
		return l.redis.Close()
	}
	return nil
}
