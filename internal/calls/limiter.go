package calls

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"counsel-platform/pkg/utils"
)

// Limiter caps how many concurrent call slots an expert holds.
type Limiter interface {
	// Acquire takes one slot; ok=false means the expert is at capacity.
	Acquire(ctx context.Context, expertID string) (bool, error)
	Release(ctx context.Context, expertID string) error
}

// RedisLimiter enforces the cap across all api instances. The slot key
// carries a TTL so a crashed instance cannot leak an expert's slot forever.
type RedisLimiter struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisLimiter(rdb *redis.Client, limit int, ttl time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 1
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: ttl}
}

func (l *RedisLimiter) Acquire(ctx context.Context, expertID string) (bool, error) {
	return utils.AcquireCallSlot(ctx, l.rdb, slotKey(expertID), l.limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, expertID string) error {
	return utils.ReleaseCallSlot(ctx, l.rdb, slotKey(expertID))
}

func slotKey(expertID string) string {
	return "call_slots:" + expertID
}

// UnlimitedLimiter never refuses a slot. Used in tests and single-node
// deployments without Redis.
type UnlimitedLimiter struct{}

func (UnlimitedLimiter) Acquire(ctx context.Context, expertID string) (bool, error) { return true, nil }
func (UnlimitedLimiter) Release(ctx context.Context, expertID string) error         { return nil }
