package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "audit:deliveries:"

// RedisTracker keeps attempt counts in Redis so they survive auditor
// restarts. Each count expires ttl after its last failure.
type RedisTracker struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisTracker(client redis.Cmdable, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func (t *RedisTracker) Increment(ctx context.Context, key string) (int, error) {
	var incr *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKeyPrefix+key)
		pipe.Expire(ctx, redisKeyPrefix+key, t.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment delivery count: %w", err)
	}
	return int(incr.Val()), nil
}

func (t *RedisTracker) Forget(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("forget delivery count: %w", err)
	}
	return nil
}
