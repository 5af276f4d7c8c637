package liveness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/iotflow/iotflow-core/internal/device"
	"github.com/iotflow/iotflow-core/internal/infrastructure/config"
	"github.com/iotflow/iotflow-core/internal/infrastructure/redis"
)

// defaultAuthTTL bounds credential staleness: a rotated or disabled key
// can be honoured for at most this long if invalidation is missed.
const defaultAuthTTL = 30 * time.Second

// AuthCache caches api-key resolutions so the credential hot path skips
// SQLite. It satisfies the authenticator's KeyCache interface.
//
// Entries are keyed by the 8-character key prefix and carry a SHA-256
// of the full key: the cache never holds a usable credential, and a
// prefix collision reads as a miss instead of someone else's device.
type AuthCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewAuthCache creates an AuthCache with the configured TTL.
func NewAuthCache(client *redis.Client, cfg config.SecurityConfig) *AuthCache {
	ttl := defaultAuthTTL
	if cfg.AuthCacheTTL > 0 {
		ttl = time.Duration(cfg.AuthCacheTTL) * time.Second
	}
	return &AuthCache{rdb: client, ttl: ttl}
}

// cachedCredential is the stored JSON shape. Device marshals without
// its APIKey field, so KeyHash is the only credential-derived content.
type cachedCredential struct {
	KeyHash string        `json:"key_hash"`
	Device  device.Device `json:"device"`
}

func authKey(apiKey string) string {
	return "auth:key:" + device.KeyPrefix(apiKey)
}

func hashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// GetDevice looks up a cached resolution. A missing entry, an entry for
// a different full key, and a corrupt entry all return (nil, nil).
func (c *AuthCache) GetDevice(ctx context.Context, apiKey string) (*device.Device, error) {
	if c == nil || c.rdb == nil {
		return nil, ErrUnavailable
	}

	raw, err := c.rdb.Get(ctx, authKey(apiKey)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var entry cachedCredential
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, nil
	}
	if entry.KeyHash != hashKey(apiKey) {
		return nil, nil
	}

	dev := entry.Device
	dev.APIKey = apiKey
	return &dev, nil
}

// PutDevice caches a resolution for the configured TTL.
func (c *AuthCache) PutDevice(ctx context.Context, apiKey string, dev *device.Device) error {
	if c == nil || c.rdb == nil {
		return ErrUnavailable
	}

	payload, err := json.Marshal(cachedCredential{
		KeyHash: hashKey(apiKey),
		Device:  *dev,
	})
	if err != nil {
		return fmt.Errorf("encoding cached credential: %w", err)
	}
	if err := c.rdb.Set(ctx, authKey(apiKey), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// DropDevice removes a cached resolution. Call on key rotation, status
// change, and delete.
func (c *AuthCache) DropDevice(ctx context.Context, apiKey string) error {
	if c == nil || c.rdb == nil {
		return ErrUnavailable
	}
	if err := c.rdb.Del(ctx, authKey(apiKey)).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
