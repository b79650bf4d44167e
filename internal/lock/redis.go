package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "maildigest:lock:"

// releaseScript deletes the key only while it still carries our token, so
// a holder whose ttl expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every process using the same redis server.
type Redis struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewRedis returns a Locker backed by rdb.
func NewRedis(rdb redis.UniversalClient, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{rdb: rdb, logger: logger}
}

// TryLock sets key with SETNX and a ttl. The ttl bounds how long a crashed
// holder can block others.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	full := keyPrefix + key
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		r.logger.Debug("lock held elsewhere", zap.String("lock_key", key))
		return nil, false, nil
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.rdb, []string{full}, token).Err(); err != nil {
			r.logger.Warn("releasing lock failed",
				zap.String("lock_key", key),
				zap.Error(err),
			)
			return fmt.Errorf("releasing lock %s: %w", key, err)
		}
		return nil
	}, true, nil
}
