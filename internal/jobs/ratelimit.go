package jobs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dispatchWindowKey = "ratelimit:dispatch"

// DispatchLimiter はディスパッチ全体の流量制限を判定します。
type DispatchLimiter interface {
	Allow(ctx context.Context) (bool, error)
}

// RedisRateLimiter は固定ウィンドウ方式の流量制限です。
// ウィンドウ内のディスパッチ数を Redis のカウンタで数えます。
type RedisRateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// NewRedisRateLimiter は RedisRateLimiter を作成します。
func NewRedisRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RedisRateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
	}
}

// Allow は現在のウィンドウに空きがあるかを返します。
func (l *RedisRateLimiter) Allow(ctx context.Context) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	count, err := l.rdb.Incr(ctx, dispatchWindowKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		l.rdb.Expire(ctx, dispatchWindowKey, l.window)
	}
	return count <= int64(l.limit), nil
}
