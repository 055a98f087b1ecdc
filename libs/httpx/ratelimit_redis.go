package httpx

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter counts in Redis so every replica shares one budget per tenant.
type RedisRateLimiter struct {
	rdb    redis.Cmdable
	limit  int
	window window
	prefix string
}

func NewRedisRateLimiter(rdb redis.Cmdable, limit int, per time.Duration, prefix string) *RedisRateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if per <= 0 {
		per = time.Minute
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "rl"
	}
	return &RedisRateLimiter{rdb: rdb, limit: limit, window: window(per), prefix: prefix}
}

// Middleware limits requests. With failOpen, a Redis outage lets traffic through.
func (rl *RedisRateLimiter) Middleware(logger *slog.Logger, failOpen bool) Middleware {
	return limitMiddleware(rl, rl.limit, rl.window, logger, failOpen)
}

// hit increments the per-bucket key. The key name includes the bucket, so the expiry only
// garbage-collects it.
func (rl *RedisRateLimiter) hit(ctx context.Context, key string, now time.Time) (int64, error) {
	k := rl.prefix + ":" + key + ":" + strconv.FormatInt(rl.window.bucket(now), 10)
	var incr *redis.IntCmd
	_, err := rl.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.PExpire(ctx, k, 2*time.Duration(rl.window))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
