package smarterdoc

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LockInfo describes one lock held in Redis.
type LockInfo struct {
	Key        string        // resource key, e.g. "write/documents/users/42.bson"
	LockKey    string        // Redis key
	Value      string        // holder token
	TTL        time.Duration // remaining
	AcquiredAt time.Time     // zero when the token carries no timestamp
}

// LockManager inspects and cleans up the locks a DistributedLock leaves in
// Redis. It is an operator tool: the CLI's locks command is built on it.
type LockManager struct {
	redis     *redis.Client
	keyPrefix string
	logger    Logger
	metrics   Metrics
}

// NewLockManager creates a lock manager for locks written with keyPrefix.
func NewLockManager(redis *redis.Client, keyPrefix string, logger Logger, metrics Metrics) *LockManager {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &LockManager{
		redis:     redis,
		keyPrefix: keyPrefix,
		logger:    logger,
		metrics:   metrics,
	}
}

// Manager returns a LockManager over the same Redis keys as l.
func (l *DistributedLock) Manager(logger Logger, metrics Metrics) *LockManager {
	return NewLockManager(l.redis, l.keyPrefix, logger, metrics)
}

func (lm *LockManager) lockKey(resourceKey string) string {
	return fmt.Sprintf("%s:lock:%s", lm.keyPrefix, resourceKey)
}

// acquiredAt reads the timestamp of a UUIDv7 lock token.
func acquiredAt(value string) time.Time {
	id, err := uuid.Parse(value)
	if err != nil || id.Version() != 7 {
		return time.Time{}
	}
	var ms [8]byte
	copy(ms[2:], id[:6])
	return time.UnixMilli(int64(binary.BigEndian.Uint64(ms[:])))
}

func (lm *LockManager) info(ctx context.Context, lockKey string) (LockInfo, error) {
	ttl, err := lm.redis.TTL(ctx, lockKey).Result()
	if err != nil {
		return LockInfo{}, fmt.Errorf("failed to get TTL: %w", err)
	}
	value, err := lm.redis.Get(ctx, lockKey).Result()
	if err != nil {
		if err == redis.Nil {
			return LockInfo{}, WithContext(ErrNotFound, map[string]interface{}{"lock": lockKey})
		}
		return LockInfo{}, fmt.Errorf("failed to get lock value: %w", err)
	}
	return LockInfo{
		Key:        strings.TrimPrefix(lockKey, lm.keyPrefix+":lock:"),
		LockKey:    lockKey,
		Value:      value,
		TTL:        ttl,
		AcquiredAt: acquiredAt(value),
	}, nil
}

// ListLocks returns all active locks under the key prefix.
//
//	locks, err := lm.ListLocks(ctx)
//	for _, lock := range locks {
//	    fmt.Printf("%s ttl=%s age=%s\n", lock.Key, lock.TTL, time.Since(lock.AcquiredAt))
//	}
func (lm *LockManager) ListLocks(ctx context.Context) ([]LockInfo, error) {
	pattern := lm.lockKey("*")

	var locks []LockInfo
	var cursor uint64
	for {
		keys, next, err := lm.redis.Scan(ctx, cursor, pattern, DefaultListPaginatedSize).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan lock keys: %w", err)
		}
		for _, key := range keys {
			info, err := lm.info(ctx, key)
			if err != nil {
				if !IsNotFound(err) {
					lm.logger.Warn("failed to read lock", "key", key, "error", err)
				}
				continue
			}
			locks = append(locks, info)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	lm.metrics.Gauge(MetricLockActive, float64(len(locks)))
	return locks, nil
}

// CleanupOrphanedLocks removes locks acquired more than minAge ago. Locks are
// taken with a TTL, so anything still held long past it belongs to a holder
// that died mid-renewal or a TTL set far too high. Locks whose token has no
// timestamp are left alone.
func (lm *LockManager) CleanupOrphanedLocks(ctx context.Context, minAge time.Duration) (int, error) {
	locks, err := lm.ListLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list locks: %w", err)
	}

	removed := 0
	now := time.Now()
	for _, lock := range locks {
		if lock.AcquiredAt.IsZero() {
			continue
		}
		age := now.Sub(lock.AcquiredAt)
		if age < minAge {
			continue
		}

		// Delete only if the same holder still owns it.
		deleted, err := releaseScript.Run(ctx, lm.redis, []string{lock.LockKey}, lock.Value).Int()
		if err != nil {
			lm.logger.Warn("failed to delete orphaned lock", "key", lock.Key, "age", age, "error", err)
			continue
		}
		if deleted > 0 {
			removed++
			lm.logger.Info("removed orphaned lock", "key", lock.Key, "age", age, "ttl_remaining", lock.TTL)
			lm.metrics.Increment(MetricLockOrphaned)
		}
	}

	if removed > 0 {
		lm.logger.Info("orphaned lock cleanup completed", "removed", removed, "min_age", minAge)
	}
	return removed, nil
}

// ForceRelease deletes the lock on resourceKey whoever holds it. Only use it
// when the holder is known to be gone.
func (lm *LockManager) ForceRelease(ctx context.Context, resourceKey string) error {
	deleted, err := lm.redis.Del(ctx, lm.lockKey(resourceKey)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}
	if deleted == 0 {
		return WithContext(ErrNotFound, map[string]interface{}{"lock": resourceKey})
	}

	lm.logger.Warn("forcefully released lock", "key", resourceKey)
	lm.metrics.Increment(MetricLockForceRelease)
	return nil
}

// GetLockInfo describes the lock on resourceKey, or returns ErrNotFound.
func (lm *LockManager) GetLockInfo(ctx context.Context, resourceKey string) (*LockInfo, error) {
	info, err := lm.info(ctx, lm.lockKey(resourceKey))
	if err != nil {
		return nil, err
	}
	return &info, nil
}
