package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// CircuitBreaker is a per-platform breaker shared by every dispatcher through Redis.
// State transitions: closed → open → half-open → closed
//
// - Closed: the lane drains normally. Consecutive failures are counted.
// - Open: the lane is paused. Transitions to half-open after the cooldown.
// - Half-Open: probe deliveries are allowed. Success → closed, failure → open.
//
// A paused lane leaves its rows pending; nothing is marked failed on its behalf.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *zap.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	now              func() time.Time
}

// CircuitBreakerState is a snapshot of one platform's circuit.
type CircuitBreakerState struct {
	Platform     domain.Platform `json:"platform"`
	State        string          `json:"state"`
	Failures     int             `json:"failures"`
	LastFailedAt string          `json:"last_failed_at,omitempty"`
}

func NewCircuitBreaker(redisClient *redis.Client, logger *zap.Logger, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: threshold,
		cooldownPeriod:   cooldown,
		now:              time.Now,
	}
}

func cbKey(platform domain.Platform) string {
	return fmt.Sprintf("cb:platform:%s", platform)
}

func (cb *CircuitBreaker) cooledDown(lastFailedAt int64) bool {
	return cb.now().Unix()-lastFailedAt >= int64(cb.cooldownPeriod.Seconds())
}

// AllowRequest reports the platform's state and whether its lane may send.
// On Redis errors the lane keeps draining.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, platform domain.Platform) (string, bool) {
	key := cbKey(platform)

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		logging.Warn(ctx, cb.logger, "circuit breaker read failed",
			zap.String("platform", platform.String()),
			zap.Error(err),
		)
		return StateClosed, true
	}
	if len(data) == 0 {
		return StateClosed, true
	}

	lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)

	switch data["state"] {
	case StateOpen:
		if !cb.cooledDown(lastFailedAt) {
			return StateOpen, false
		}
		cb.redisClient.HSet(ctx, key, "state", StateHalfOpen)
		logging.Info(ctx, cb.logger, "circuit breaker half-open",
			zap.String("platform", platform.String()),
		)
		return StateHalfOpen, true

	case StateHalfOpen:
		return StateHalfOpen, true

	default:
		return StateClosed, true
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, platform domain.Platform) {
	key := cbKey(platform)

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()
	if state == StateClosed {
		failures, _ := cb.redisClient.HGet(ctx, key, "failures").Int()
		if failures == 0 {
			return
		}
	}

	cb.redisClient.HSet(ctx, key,
		"state", StateClosed,
		"failures", 0,
	)

	if state == StateHalfOpen || state == StateOpen {
		logging.Info(ctx, cb.logger, "circuit breaker closed",
			zap.String("platform", platform.String()),
		)
	}
}

// RecordFailure counts a failed delivery and opens the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, platform domain.Platform) {
	key := cbKey(platform)

	var incr *redis.IntCmd
	var state *redis.StringCmd
	_, err := cb.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, "failures", 1)
		pipe.HSet(ctx, key, "last_failed_at", cb.now().Unix())
		state = pipe.HGet(ctx, key, "state")
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		logging.Error(ctx, cb.logger, "failed to record circuit breaker failure",
			zap.String("platform", platform.String()),
			zap.Error(err),
		)
		return
	}
	failures := incr.Val()

	switch {
	case state.Val() == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		logging.Warn(ctx, cb.logger, "circuit breaker re-opened",
			zap.String("platform", platform.String()),
		)
	case failures >= int64(cb.failureThreshold) && state.Val() != StateOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		logging.Warn(ctx, cb.logger, "circuit breaker opened",
			zap.String("platform", platform.String()),
			zap.Int64("failures", failures),
			zap.Int("threshold", cb.failureThreshold),
		)
	case state.Val() == "":
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
}

// GetState returns the platform's circuit without changing it.
func (cb *CircuitBreaker) GetState(ctx context.Context, platform domain.Platform) CircuitBreakerState {
	result := CircuitBreakerState{Platform: platform, State: StateClosed}

	data, err := cb.redisClient.HGetAll(ctx, cbKey(platform)).Result()
	if err != nil || len(data) == 0 {
		return result
	}

	result.Failures, _ = strconv.Atoi(data["failures"])
	if s := data["state"]; s != "" {
		result.State = s
	}

	lastFailed, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
	if result.State == StateOpen && cb.cooledDown(lastFailed) {
		result.State = StateHalfOpen
	}
	if lastFailed > 0 {
		result.LastFailedAt = time.Unix(lastFailed, 0).UTC().Format(time.RFC3339)
	}
	return result
}
