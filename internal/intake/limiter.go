package intake

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter caps how many requests a customer may submit per window.
type Limiter interface {
	Allow(ctx context.Context, customerID string) (bool, error)
}

// RedisLimiter counts submissions per customer with INCR and a TTL set on
// the first hit of the window.
type RedisLimiter struct {
	Client *redis.Client
	Prefix string
	Limit  int
	Window time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int) *RedisLimiter {
	return &RedisLimiter{Client: client, Prefix: "intake_limit", Limit: limit, Window: 24 * time.Hour}
}

func (l *RedisLimiter) Allow(ctx context.Context, customerID string) (bool, error) {
	key := l.Prefix + ":" + customerID
	count, err := l.Client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.Client.Expire(ctx, key, l.Window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(l.Limit), nil
}
