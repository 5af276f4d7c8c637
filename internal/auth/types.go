package auth

import (
	"errors"

	"github.com/iotflow/iotflow-core/internal/device"
)

// Scope represents a named device-facing capability.
type Scope string

// Scope constants.
const (
	// ScopeTelemetry is submitting measurement data.
	ScopeTelemetry Scope = "telemetry:write"

	// ScopeHeartbeat is announcing liveness.
	ScopeHeartbeat Scope = "heartbeat"

	// ScopeRead covers reading own config, status, and telemetry history.
	ScopeRead Scope = "device:read"

	// ScopeConfigWrite is updating own config fields.
	ScopeConfigWrite Scope = "config:write"

	// ScopeCredentials is fetching MQTT broker credentials.
	ScopeCredentials Scope = "credentials:read"

	// ScopeStream is opening a live telemetry stream.
	ScopeStream Scope = "stream"
)

// statusScopes maps each admin status to the scopes it grants.
// This is the single source of truth for what a device may do.
//
// Active devices do everything. Maintenance keeps the device reachable
// (heartbeats, reads) while its data paths are off, so an operator can
// work on it without the fleet recording nonsense measurements.
// Inactive devices are rejected everywhere.
var statusScopes = map[device.AdminStatus][]Scope{
	device.StatusActive: {
		ScopeTelemetry,
		ScopeHeartbeat,
		ScopeRead,
		ScopeConfigWrite,
		ScopeCredentials,
		ScopeStream,
	},
	device.StatusMaintenance: {
		ScopeHeartbeat,
		ScopeRead,
	},
	device.StatusInactive: {},
}

// StatusAllows returns true if the given admin status grants the scope.
func StatusAllows(status device.AdminStatus, scope Scope) bool {
	for _, s := range statusScopes[status] {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopesForStatus returns all scopes granted by an admin status.
// Returns nil for unknown statuses.
func ScopesForStatus(status device.AdminStatus) []Scope {
	scopes := statusScopes[status]
	if scopes == nil {
		return nil
	}
	result := make([]Scope, len(scopes))
	copy(result, scopes)
	return result
}

// Identity is a resolved device identity attached to a request.
type Identity struct {
	// Device is the authenticated device.
	Device *device.Device

	// FromCache reports whether the credential resolved from the cache
	// rather than the store. Diagnostic only.
	FromCache bool
}

// Sentinel errors for auth operations.
var (
	ErrInvalidKey    = errors.New("invalid api key")
	ErrForbidden     = errors.New("operation not permitted in current device status")
	ErrAdminRequired = errors.New("admin credentials required")
	ErrTokenInvalid  = errors.New("invalid token")
)
