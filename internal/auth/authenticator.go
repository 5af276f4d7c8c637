package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/iotflow/iotflow-core/internal/device"
)

// DeviceStore is the slice of the device repository the authenticator
// needs: credential resolution only.
type DeviceStore interface {
	GetByAPIKey(ctx context.Context, key string) (*device.Device, error)
}

// KeyCache sits in front of the store on the credential hot path.
// A (nil, nil) return is a miss. Implementations are expected to be
// lossy; the authenticator treats every cache failure as a miss.
type KeyCache interface {
	GetDevice(ctx context.Context, apiKey string) (*device.Device, error)
	PutDevice(ctx context.Context, apiKey string, dev *device.Device) error
	DropDevice(ctx context.Context, apiKey string) error
}

// Authenticator resolves presented api keys to device identities and
// checks what the resolved device may do.
type Authenticator struct {
	store DeviceStore
	cache KeyCache
	log   *slog.Logger
}

// NewAuthenticator creates an Authenticator. The cache is optional:
// pass nil to resolve every request against the store.
func NewAuthenticator(store DeviceStore, cache KeyCache, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{
		store: store,
		cache: cache,
		log:   log,
	}
}

// Authenticate resolves an api key to a device identity.
//
// Malformed keys are rejected before any lookup. The cache is consulted
// first; a cache failure of any kind degrades to a store lookup, never
// to a denied request.
//
// Returns ErrInvalidKey for malformed and unknown keys alike, so a
// caller cannot distinguish "no such key" from "bad shape".
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (*Identity, error) {
	if !device.ValidKeyShape(apiKey) {
		return nil, ErrInvalidKey
	}

	if a.cache != nil {
		dev, err := a.cache.GetDevice(ctx, apiKey)
		switch {
		case err != nil:
			a.log.Warn("auth cache read failed, falling back to store",
				"key_prefix", device.KeyPrefix(apiKey),
				"error", err,
			)
		case dev != nil:
			return &Identity{Device: dev, FromCache: true}, nil
		}
	}

	dev, err := a.store.GetByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("resolving api key: %w", err)
	}

	if a.cache != nil {
		if err := a.cache.PutDevice(ctx, apiKey, dev); err != nil {
			a.log.Debug("auth cache write failed",
				"device_id", dev.ID,
				"error", err,
			)
		}
	}

	return &Identity{Device: dev}, nil
}

// Authorize checks whether the device's admin status grants a scope.
func (a *Authenticator) Authorize(dev *device.Device, scope Scope) error {
	if !StatusAllows(dev.Status, scope) {
		return fmt.Errorf("%w: device %d is %s", ErrForbidden, dev.ID, dev.Status)
	}
	return nil
}

// AuthenticateFor resolves an api key and checks the scope in one call.
// This is what request middleware uses.
func (a *Authenticator) AuthenticateFor(ctx context.Context, apiKey string, scope Scope) (*Identity, error) {
	ident, err := a.Authenticate(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if err := a.Authorize(ident.Device, scope); err != nil {
		return nil, err
	}
	return ident, nil
}

// Invalidate drops a credential from the cache. Call after key
// rotation, status changes, and deletes; the short cache TTL bounds the
// staleness window if the drop itself fails.
func (a *Authenticator) Invalidate(ctx context.Context, apiKey string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.DropDevice(ctx, apiKey); err != nil {
		a.log.Warn("auth cache invalidation failed",
			"key_prefix", device.KeyPrefix(apiKey),
			"error", err,
		)
	}
}
