package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a sliding window limiter shared by every replica that
// talks to the same Redis. Each delivery is a sorted set member scored by its
// timestamp; the check and insert run atomically in a Lua script.
//
// When Redis is unreachable the limiter degrades to a local token bucket so
// deliveries keep flowing.
type RedisRateLimiter struct {
	client   *redis.Client
	window   time.Duration
	prefix   string
	fallback *RateLimiterManager
	logger   *slog.Logger
	seq      atomic.Uint64
}

// RedisRateLimiterConfig holds configuration for the Redis rate limiter.
type RedisRateLimiterConfig struct {
	Window    time.Duration // Sliding window size (default: 1 second)
	KeyPrefix string        // default: "retryd:ratelimit:"
}

func DefaultRedisRateLimiterConfig() RedisRateLimiterConfig {
	return RedisRateLimiterConfig{
		Window:    time.Second,
		KeyPrefix: "retryd:ratelimit:",
	}
}

func NewRedisRateLimiter(client *redis.Client, config RedisRateLimiterConfig, logger *slog.Logger) *RedisRateLimiter {
	defaults := DefaultRedisRateLimiterConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &RedisRateLimiter{
		client:   client,
		window:   config.Window,
		prefix:   config.KeyPrefix,
		fallback: NewRateLimiterManager(DefaultRateLimiterConfig()),
		logger:   logger,
	}
}

// slidingWindowScript returns 1 when the request fits in the window, else 0.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

if redis.call('ZCARD', key) < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
end
return 0
`)

// Allow implements RateLimiter. limit is counted per window.
func (r *RedisRateLimiter) Allow(ctx context.Context, host string, limit int) (bool, error) {
	now := time.Now()
	member := fmt.Sprintf("%d:%d", now.UnixNano(), r.seq.Add(1))

	result, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.prefix + host},
		now.UnixMilli(), r.window.Milliseconds(), limit, member,
	).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter failed, using fallback", "error", err, "host", host)
		return r.fallback.Allow(ctx, host, limit)
	}
	return result == 1, nil
}
