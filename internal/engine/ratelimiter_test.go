package engine

import (
	"context"
	"testing"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRL(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRateLimiter(client, zap.NewNop()), mr
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	rl, _ := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !rl.Allow(ctx, domain.PlatformMeta, 5) {
			t.Errorf("request %d should be allowed (limit=5)", i+1)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl, _ := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rl.Allow(ctx, domain.PlatformSnap, 3)
	}

	if rl.Allow(ctx, domain.PlatformSnap, 3) {
		t.Error("request should be blocked when over limit")
	}
}

func TestRateLimiter_ZeroLimit_AllowsAll(t *testing.T) {
	rl, _ := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !rl.Allow(ctx, domain.PlatformTikTok, 0) {
			t.Errorf("request %d should be allowed with limit=0 (unlimited)", i+1)
		}
	}
}

func TestRateLimiter_IsolationBetweenPlatforms(t *testing.T) {
	rl, _ := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rl.Allow(ctx, domain.PlatformMeta, 2)
	}

	if rl.Allow(ctx, domain.PlatformMeta, 2) {
		t.Error("meta should be blocked")
	}
	if !rl.Allow(ctx, domain.PlatformTikTok, 2) {
		t.Error("tiktok should be allowed, limits are per platform")
	}
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	rl, mr := setupTestRL(t)
	mr.Close()

	if !rl.Allow(context.Background(), domain.PlatformMeta, 1) {
		t.Error("limiter should fail open when redis is unavailable")
	}
}
