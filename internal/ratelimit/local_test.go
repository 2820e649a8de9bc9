package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalLimiter(t *testing.T) {
	limiter, err := NewLocalLimiter(2, time.Minute)
	if err != nil {
		t.Fatalf("new local limiter: %v", err)
	}
	fixed := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }
	ctx := context.Background()

	if !limiter.Allow(ctx, "ip-1") || !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("burst should pass")
	}
	if limiter.Allow(ctx, "ip-1") {
		t.Fatalf("third request should be blocked")
	}
	if !limiter.Allow(ctx, "ip-2") {
		t.Fatalf("keys are limited independently")
	}

	fixed = fixed.Add(31 * time.Second)
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("one token should refill after half the window")
	}
	if limiter.Allow(ctx, "ip-1") {
		t.Fatalf("only one token should have refilled")
	}
}

func TestLocalLimiterSweepsIdleKeys(t *testing.T) {
	limiter, err := NewLocalLimiter(1, time.Second)
	if err != nil {
		t.Fatalf("new local limiter: %v", err)
	}
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }
	limiter.Allow(context.Background(), "stale")

	fixed = fixed.Add(idleLimiterTTL + time.Second)
	limiter.Allow(context.Background(), "fresh")
	if _, ok := limiter.limiters["stale"]; ok {
		t.Fatalf("idle limiter should be swept")
	}
}

func TestLocalLimiterRejectsInvalidConfig(t *testing.T) {
	if _, err := NewLocalLimiter(0, time.Minute); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}
