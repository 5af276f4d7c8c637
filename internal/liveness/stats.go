package liveness

import (
	"context"
	"fmt"
	"strings"

	"github.com/iotflow/iotflow-core/internal/infrastructure/redis"
)

// CacheStats is a point-in-time census of the liveness keyspace,
// served by the admin stats endpoint.
type CacheStats struct {
	Connected         bool   `json:"connected"`
	OnlineDevices     int64  `json:"online_devices"`
	TrackedLastSeen   int64  `json:"tracked_last_seen"`
	CachedCredentials int64  `json:"cached_credentials"`
	RateLimitCounters int64  `json:"rate_limit_counters"`
	UsedMemory        string `json:"used_memory,omitempty"`
}

// CollectStats walks the cache keyspace and returns per-concern counts.
//
// Counting uses SCAN, never KEYS, so a large fleet does not stall the
// cache. Memory usage comes from INFO and is best-effort; servers that
// do not speak INFO just leave it blank.
func CollectStats(ctx context.Context, rdb *redis.Client) (*CacheStats, error) {
	if rdb == nil {
		return &CacheStats{}, nil
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return &CacheStats{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	stats := &CacheStats{Connected: true}

	counts := []struct {
		pattern string
		dest    *int64
	}{
		{"device:status:*", &stats.OnlineDevices},
		{"device:lastseen:*", &stats.TrackedLastSeen},
		{"auth:key:*", &stats.CachedCredentials},
		{"ratelimit:*", &stats.RateLimitCounters},
	}
	for _, c := range counts {
		n, err := scanCount(ctx, rdb, c.pattern)
		if err != nil {
			return nil, fmt.Errorf("counting %s keys: %w", c.pattern, err)
		}
		*c.dest = n
	}

	stats.UsedMemory = usedMemory(ctx, rdb)
	return stats, nil
}

// FlushCaches clears the derived cache entries: presence, last-seen,
// and credential resolutions. Rate limit counters survive on purpose;
// flushing the cache must not reset anyone's abuse budget.
//
// Returns the number of keys removed.
func FlushCaches(ctx context.Context, rdb *redis.Client) (int64, error) {
	if rdb == nil {
		return 0, ErrUnavailable
	}

	var removed int64
	for _, pattern := range []string{"device:status:*", "device:lastseen:*", "auth:key:*"} {
		iter := rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
		for iter.Next(ctx) {
			if err := rdb.Del(ctx, iter.Val()).Err(); err != nil {
				return removed, fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
			removed++
		}
		if err := iter.Err(); err != nil {
			return removed, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	return removed, nil
}

// Maintenance bundles the cache census and flush behind one value so
// the admin surface does not hold a raw cache connection.
type Maintenance struct {
	rdb *redis.Client
}

// NewMaintenance wraps a cache connection for the admin surface.
// A nil client is tolerated; stats report disconnected and flush fails
// with ErrUnavailable.
func NewMaintenance(rdb *redis.Client) *Maintenance {
	return &Maintenance{rdb: rdb}
}

// Stats returns the keyspace census.
func (m *Maintenance) Stats(ctx context.Context) (*CacheStats, error) {
	return CollectStats(ctx, m.rdb)
}

// Flush clears the derived cache entries and returns the removal count.
func (m *Maintenance) Flush(ctx context.Context) (int64, error) {
	return FlushCaches(ctx, m.rdb)
}

// scanBatch is the COUNT hint per SCAN page.
const scanBatch = 100

func scanCount(ctx context.Context, rdb *redis.Client, pattern string) (int64, error) {
	var n int64
	iter := rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return n, nil
}

// usedMemory extracts used_memory_human from INFO memory output.
func usedMemory(ctx context.Context, rdb *redis.Client) string {
	info, err := rdb.Info(ctx, "memory").Result()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(info, "\n") {
		if value, found := strings.CutPrefix(line, "used_memory_human:"); found {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
