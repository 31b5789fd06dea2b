package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter is a per-platform sliding window limiter shared through Redis,
// keeping all dispatchers together under a platform's request quota.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *zap.Logger
	script      *redis.Script
	window      time.Duration
	seq         atomic.Uint64
}

// Removes expired entries, then admits the request only while under the limit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, math.floor(window / 1000) + 1)
    return 1
else
    return 0
end
`)

func NewRateLimiter(redisClient *redis.Client, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      slidingWindowScript,
		window:      time.Second,
	}
}

func rlKey(platform domain.Platform) string {
	return fmt.Sprintf("rl:platform:%s", platform)
}

// Allow reports whether one more request to platform fits in the current
// window. A limit of zero disables limiting. Redis failures fail open.
func (rl *RateLimiter) Allow(ctx context.Context, platform domain.Platform, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%d", now, rl.seq.Add(1))

	result, err := rl.script.Run(ctx, rl.redisClient, []string{rlKey(platform)},
		now, rl.window.Milliseconds(), limit, member,
	).Int64()
	if err != nil {
		logging.Error(ctx, rl.logger, "rate limiter script failed",
			zap.String("platform", platform.String()),
			zap.Error(err),
		)
		return true
	}

	if result == 0 {
		logging.Debug(ctx, rl.logger, "rate limited",
			zap.String("platform", platform.String()),
			zap.Int("limit", limit),
		)
		return false
	}
	return true
}
