// README: Sweep lease so only one replica converts timed-out groups per tick.
package share

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const sweepLockKey = "ridepool:share:sweep-lock"

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLock is a best-effort SETNX lease. Sweeps stay correct without it;
// the lease only avoids duplicate work across replicas.
type RedisLock struct {
	redis *redis.Client
	owner string
}

func NewRedisLock(rdb *redis.Client) *RedisLock {
	return &RedisLock{redis: rdb, owner: uuid.NewString()}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.redis.SetNX(ctx, key, l.owner, ttl).Result()
}
