package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/iotflow/iotflow-core/internal/device"
	"github.com/iotflow/iotflow-core/internal/infrastructure/config"
	"github.com/iotflow/iotflow-core/internal/infrastructure/redis"
)

// Fallback windows when configuration leaves them unset.
const (
	defaultHeartbeatTTL = 120 * time.Second
	defaultLastSeenTTL  = 24 * time.Hour
)

// Source values reported in Status.
const (
	SourceCache = "cache"
	SourceStore = "store"
)

// Status is the liveness answer for one device.
type Status struct {
	// Online is true while the device's presence key is alive.
	Online bool `json:"online"`

	// LastSeen is the freshest known contact time, if any.
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// Source says where LastSeen came from: "cache" or "store".
	Source string `json:"source"`
}

// Tracker answers "is this device online" from Redis key TTLs.
//
// Presence is a key with the heartbeat TTL: any device contact rewrites
// it, silence lets it lapse. No sweeper goroutine, no timestamps to
// compare on the read path; expiry does the bookkeeping.
type Tracker struct {
	rdb          *redis.Client
	heartbeatTTL time.Duration
	lastSeenTTL  time.Duration
	log          *slog.Logger
}

// NewTracker creates a Tracker using the configured liveness windows.
func NewTracker(client *redis.Client, cfg config.TelemetryConfig, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	heartbeatTTL := defaultHeartbeatTTL
	if cfg.HeartbeatTTL > 0 {
		heartbeatTTL = time.Duration(cfg.HeartbeatTTL) * time.Second
	}
	lastSeenTTL := defaultLastSeenTTL
	if cfg.LastSeenTTL > 0 {
		lastSeenTTL = time.Duration(cfg.LastSeenTTL) * time.Second
	}
	return &Tracker{
		rdb:          client,
		heartbeatTTL: heartbeatTTL,
		lastSeenTTL:  lastSeenTTL,
		log:          log,
	}
}

// HeartbeatTTL returns the configured liveness window.
func (t *Tracker) HeartbeatTTL() time.Duration {
	return t.heartbeatTTL
}

func statusKey(deviceID int64) string {
	return fmt.Sprintf("device:status:%d", deviceID)
}

func lastSeenKey(deviceID int64) string {
	return fmt.Sprintf("device:lastseen:%d", deviceID)
}

// SetOnline records device contact: refreshes the presence key and the
// cached last-seen value in one round trip.
//
// Telemetry and heartbeats both land here. The caller decides whether
// the store's last_seen column is also touched; this method only feeds
// the cache.
func (t *Tracker) SetOnline(ctx context.Context, deviceID int64, seenAt time.Time) error {
	if t == nil || t.rdb == nil {
		return ErrUnavailable
	}

	pipe := t.rdb.Pipeline()
	pipe.Set(ctx, statusKey(deviceID), "online", t.heartbeatTTL)
	pipe.Set(ctx, lastSeenKey(deviceID), seenAt.UTC().Format(time.RFC3339), t.lastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// MarkOffline drops the presence key immediately instead of waiting for
// it to lapse. Used when a device announces its own shutdown. The
// cached last-seen value survives; the device was seen, it is just no
// longer here.
func (t *Tracker) MarkOffline(ctx context.Context, deviceID int64) error {
	if t == nil || t.rdb == nil {
		return ErrUnavailable
	}
	if err := t.rdb.Del(ctx, statusKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Forget removes every liveness key for a device. Called on device
// deletion.
func (t *Tracker) Forget(ctx context.Context, deviceID int64) error {
	if t == nil || t.rdb == nil {
		return ErrUnavailable
	}
	if err := t.rdb.Del(ctx, statusKey(deviceID), lastSeenKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Check answers the liveness question for an already-resolved device.
//
// The cache is authoritative while reachable: presence comes from the
// status key, last-seen from its cached value, falling back to the
// store's column (and re-seeding the cache) when the value has lapsed.
// With the cache down the answer is computed from the store column
// alone, so the endpoint degrades instead of failing.
//
// Check never returns an error; degradation is logged and reflected in
// Status.Source.
func (t *Tracker) Check(ctx context.Context, dev *device.Device) *Status {
	if t == nil || t.rdb == nil {
		return t.storeOnlyStatus(dev)
	}

	pipe := t.rdb.Pipeline()
	existsCmd := pipe.Exists(ctx, statusKey(dev.ID))
	getCmd := pipe.Get(ctx, lastSeenKey(dev.ID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		t.log.Warn("liveness cache unreachable, answering from store",
			"device_id", dev.ID,
			"error", err,
		)
		return t.storeOnlyStatus(dev)
	}

	status := &Status{
		Online: existsCmd.Val() > 0,
		Source: SourceCache,
	}

	if raw, err := getCmd.Result(); err == nil {
		if ts, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			status.LastSeen = &ts
			return status
		}
	}

	// Cached last-seen lapsed or never existed. Fall back to the store
	// column and re-seed so the next read is a cache hit.
	status.Source = SourceStore
	if dev.LastSeen != nil {
		ts := *dev.LastSeen
		status.LastSeen = &ts
		err := t.rdb.Set(ctx, lastSeenKey(dev.ID), ts.UTC().Format(time.RFC3339), t.lastSeenTTL).Err()
		if err != nil {
			t.log.Debug("liveness cache re-seed failed", "device_id", dev.ID, "error", err)
		}
	}
	return status
}

// storeOnlyStatus computes liveness from the store's last_seen column.
func (t *Tracker) storeOnlyStatus(dev *device.Device) *Status {
	status := &Status{Source: SourceStore}
	if dev.LastSeen != nil {
		ts := *dev.LastSeen
		status.LastSeen = &ts
		window := defaultHeartbeatTTL
		if t != nil {
			window = t.heartbeatTTL
		}
		status.Online = time.Since(ts) <= window
	}
	return status
}
