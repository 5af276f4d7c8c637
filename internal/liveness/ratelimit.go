package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iotflow/iotflow-core/internal/infrastructure/config"
	"github.com/iotflow/iotflow-core/internal/infrastructure/redis"
)

// Rate limit scopes. Each scope has its own bucket configuration and
// its own counter keyspace.
const (
	LimitRegistration = "registration"
	LimitTelemetry    = "telemetry"
	LimitHeartbeat    = "heartbeat"
	LimitDefault      = "default"
)

// Decision is the outcome of a rate limit check, carrying what the
// X-RateLimit response headers need.
type Decision struct {
	// Allowed is false when the caller is over its window budget.
	Allowed bool

	// Limit is the window budget. Zero means limiting was off for this
	// check and the remaining fields are meaningless.
	Limit int

	// Remaining is how many requests are left in the window.
	Remaining int

	// ResetAt is when the current window lapses.
	ResetAt time.Time
}

// Limiter is a fixed-window rate limiter over Redis counters.
//
// Each (scope, key) pair gets a counter that INCR creates and the
// window expiry destroys. When Redis is unreachable the limiter fails
// open: an outage of the abuse-control layer must not become an outage
// of ingestion.
type Limiter struct {
	rdb *redis.Client
	cfg config.RateLimitConfig
	log *slog.Logger
}

// NewLimiter creates a Limiter with the configured buckets.
func NewLimiter(client *redis.Client, cfg config.RateLimitConfig, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{rdb: client, cfg: cfg, log: log}
}

func limitKey(scope, key string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, key)
}

// subjectPrefixLen is how much of an api key survives into the counter
// key. Enough to keep callers apart, short enough that Redis never
// holds a usable credential.
const subjectPrefixLen = 12

// LimitSubject derives a counter key from an api key.
//
// Callers without a key group under a single shared bucket, which is
// the conservative choice: anonymous traffic competes with itself, not
// with authenticated devices.
func LimitSubject(apiKey string) string {
	if apiKey == "" {
		return "anon"
	}
	if len(apiKey) > subjectPrefixLen {
		return apiKey[:subjectPrefixLen]
	}
	return apiKey
}

// bucketFor maps a scope to its configured bucket.
func (l *Limiter) bucketFor(scope string) config.RateLimitBucket {
	switch scope {
	case LimitRegistration:
		return l.cfg.Registration
	case LimitTelemetry:
		return l.cfg.Telemetry
	case LimitHeartbeat:
		return l.cfg.Heartbeat
	default:
		return l.cfg.Default
	}
}

// Allow counts one request against the (scope, key) window and reports
// whether it fits.
//
// The key identifies the caller: an api-key prefix for authenticated
// scopes, a client address for registration.
func (l *Limiter) Allow(ctx context.Context, scope, key string) Decision {
	if l == nil || l.rdb == nil {
		return Decision{Allowed: true}
	}
	bucket := l.bucketFor(scope)
	if !l.cfg.Enabled || bucket.Limit <= 0 || bucket.Window <= 0 {
		return Decision{Allowed: true}
	}

	window := time.Duration(bucket.Window) * time.Second
	now := time.Now()
	k := limitKey(scope, key)

	pipe := l.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, k)
	ttlCmd := pipe.TTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("rate limiter degraded, allowing request",
			"scope", scope,
			"error", err,
		)
		return Decision{Allowed: true}
	}

	count := incrCmd.Val()
	remaining := ttlCmd.Val()
	if remaining < 0 {
		// Fresh counter, or one that lost its expiry to a crash between
		// INCR and EXPIRE. Arm the window either way.
		if err := l.rdb.Expire(ctx, k, window).Err(); err != nil {
			l.log.Warn("rate limiter degraded, allowing request",
				"scope", scope,
				"error", err,
			)
			return Decision{Allowed: true}
		}
		remaining = window
	}

	left := bucket.Limit - int(count)
	if left < 0 {
		left = 0
	}

	return Decision{
		Allowed:   count <= int64(bucket.Limit),
		Limit:     bucket.Limit,
		Remaining: left,
		ResetAt:   now.Add(remaining),
	}
}
