package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/linkflow/timetravel/internal/debug/types"
)

const (
	lockKeyPrefix      = "timetravel:rollback:"
	defaultLockTTL     = 30 * time.Second
	lockReleaseTimeout = 5 * time.Second
)

// releaseScript deletes the lock only when the stored token still belongs
// to this holder, so an expired lock taken over by someone else survives a
// stale release.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker coordinates rollback exclusivity across processes with a
// SETNX lease. The TTL bounds how long a crashed holder can block others.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker backed by the given redis client. A zero
// ttl falls back to 30 seconds.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, executionID string) (func(), error) {
	key := lockKeyPrefix + executionID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire rollback lock: %w", errors.Join(types.ErrStorage, err))
	}
	if !ok {
		return nil, fmt.Errorf("rollback in progress for execution %s: %w", executionID, types.ErrConflict)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn("failed to release rollback lock, lease will expire",
					slog.String("execution_id", executionID),
					slog.String("error", err.Error()),
				)
			}
		})
	}
	return release, nil
}
