package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/iotflow/iotflow-core/internal/infrastructure/config"
)

func testLimiter(t *testing.T) (*Limiter, func()) {
	t.Helper()
	client, mr := setupTestCache(t)
	limiter := NewLimiter(client, config.RateLimitConfig{
		Enabled:      true,
		Registration: config.RateLimitBucket{Limit: 3, Window: 300},
		Telemetry:    config.RateLimitBucket{Limit: 5, Window: 60},
		Heartbeat:    config.RateLimitBucket{Limit: 2, Window: 60},
		Default:      config.RateLimitBucket{Limit: 10, Window: 60},
	}, nil)
	return limiter, mr.Close
}

// fastForward is split out so individual tests can reach the miniredis
// handle without re-plumbing it everywhere.
func testLimiterWithClock(t *testing.T) (*Limiter, func(d time.Duration)) {
	t.Helper()
	client, mr := setupTestCache(t)
	limiter := NewLimiter(client, config.RateLimitConfig{
		Enabled:   true,
		Telemetry: config.RateLimitBucket{Limit: 2, Window: 60},
		Default:   config.RateLimitBucket{Limit: 10, Window: 60},
	}, nil)
	return limiter, mr.FastForward
}

func TestLimiter_CountsDownAndDenies(t *testing.T) {
	limiter, _ := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := limiter.Allow(ctx, LimitRegistration, "10.0.0.1")
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		if d.Limit != 3 {
			t.Errorf("Limit = %d, want 3", d.Limit)
		}
		if want := 3 - (i + 1); d.Remaining != want {
			t.Errorf("request %d Remaining = %d, want %d", i+1, d.Remaining, want)
		}
	}

	d := limiter.Allow(ctx, LimitRegistration, "10.0.0.1")
	if d.Allowed {
		t.Error("4th request allowed, want denied")
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
	until := time.Until(d.ResetAt)
	if until <= 0 || until > 300*time.Second {
		t.Errorf("ResetAt in %v, want within the 300s window", until)
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	limiter, fastForward := testLimiterWithClock(t)
	ctx := context.Background()

	limiter.Allow(ctx, LimitTelemetry, "dev")
	limiter.Allow(ctx, LimitTelemetry, "dev")
	if d := limiter.Allow(ctx, LimitTelemetry, "dev"); d.Allowed {
		t.Fatal("3rd request allowed, want denied at limit 2")
	}

	fastForward(61 * time.Second)

	if d := limiter.Allow(ctx, LimitTelemetry, "dev"); !d.Allowed {
		t.Error("request denied after window reset, want allowed")
	}
}

func TestLimiter_ScopesAreIndependent(t *testing.T) {
	limiter, _ := testLimiter(t)
	ctx := context.Background()

	limiter.Allow(ctx, LimitHeartbeat, "dev")
	limiter.Allow(ctx, LimitHeartbeat, "dev")
	if d := limiter.Allow(ctx, LimitHeartbeat, "dev"); d.Allowed {
		t.Fatal("heartbeat over limit, want denied")
	}

	// The same caller still has telemetry budget.
	if d := limiter.Allow(ctx, LimitTelemetry, "dev"); !d.Allowed {
		t.Error("telemetry denied, want independent budget per scope")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	limiter, _ := testLimiter(t)
	ctx := context.Background()

	limiter.Allow(ctx, LimitHeartbeat, "dev-a")
	limiter.Allow(ctx, LimitHeartbeat, "dev-a")
	if d := limiter.Allow(ctx, LimitHeartbeat, "dev-a"); d.Allowed {
		t.Fatal("dev-a over limit, want denied")
	}

	if d := limiter.Allow(ctx, LimitHeartbeat, "dev-b"); !d.Allowed {
		t.Error("dev-b denied, want independent budget per key")
	}
}

func TestLimiter_UnknownScopeUsesDefaultBucket(t *testing.T) {
	limiter, _ := testLimiter(t)

	d := limiter.Allow(context.Background(), "config", "dev")
	if !d.Allowed {
		t.Error("request denied, want allowed")
	}
	if d.Limit != 10 {
		t.Errorf("Limit = %d, want default bucket 10", d.Limit)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	client, _ := setupTestCache(t)
	limiter := NewLimiter(client, config.RateLimitConfig{
		Enabled:   false,
		Telemetry: config.RateLimitBucket{Limit: 1, Window: 60},
	}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := limiter.Allow(ctx, LimitTelemetry, "dev")
		if !d.Allowed {
			t.Fatal("request denied with limiting disabled")
		}
		if d.Limit != 0 {
			t.Errorf("Limit = %d, want 0 when disabled", d.Limit)
		}
	}
}

func TestLimiter_FailsOpen(t *testing.T) {
	limiter, closeCache := testLimiter(t)
	closeCache()

	d := limiter.Allow(context.Background(), LimitTelemetry, "dev")
	if !d.Allowed {
		t.Error("request denied with cache down, want fail-open allow")
	}
}
