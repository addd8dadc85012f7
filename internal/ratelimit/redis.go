package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the counter and starts its expiry on the
// first hit of a window.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// redisTimeout bounds each limiter round trip.
const redisTimeout = 2 * time.Second

// Redis is a fixed-window limiter shared by every server instance. When
// Redis is unreachable it falls back to an in-process window so
// submissions keep flowing.
type Redis struct {
	client   redis.UniversalClient
	limit    int
	window   time.Duration
	prefix   string
	fallback *Window
	logger   *slog.Logger
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client redis.UniversalClient, limit int, window time.Duration, logger *slog.Logger) *Redis {
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{
		client:   client,
		limit:    limit,
		window:   window,
		prefix:   "sentinel:rl:",
		fallback: NewWindow(limit, window),
		logger:   logger,
	}
}

func (r *Redis) Allow(ctx context.Context, key string) bool {
	if r.limit <= 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	count, err := fixedWindowScript.Run(ctx, r.client, []string{r.prefix + key}, r.window.Milliseconds()).Int64()
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("redis rate limit unavailable, using local window", "error", err)
		}
		return r.fallback.Allow(ctx, key)
	}
	return count <= int64(r.limit)
}
