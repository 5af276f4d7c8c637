package device

import "time"

// Device is a registered IoT endpoint and its credential.
// This matches the database schema in migrations/20250301_120000_initial_schema.up.sql.
type Device struct {
	// Identity. ID is assigned by the store at registration and never
	// changes; Name is the unique human-facing handle.
	ID   int64  `json:"id"`
	Name string `json:"name"`

	// Profile
	DeviceType      string `json:"device_type"`
	Description     string `json:"description,omitempty"`
	Location        string `json:"location,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	HardwareVersion string `json:"hardware_version,omitempty"`

	// APIKey is the device's credential. Excluded from JSON so it can
	// never leak through a serialised Device; the registration response
	// carries it explicitly, exactly once.
	APIKey string `json:"-"`

	// Status gates what the device may do. Only admins change it.
	Status AdminStatus `json:"status"`

	// Timestamps
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// AdminStatus is the administrative lifecycle state of a device.
type AdminStatus string

// AdminStatus constants.
const (
	// StatusActive devices authenticate on every path.
	StatusActive AdminStatus = "active"

	// StatusInactive devices are rejected everywhere.
	StatusInactive AdminStatus = "inactive"

	// StatusMaintenance devices may send heartbeats and read their
	// config but may not submit telemetry.
	StatusMaintenance AdminStatus = "maintenance"
)

// AllAdminStatuses returns all valid admin status values.
func AllAdminStatuses() []AdminStatus {
	return []AdminStatus{StatusActive, StatusInactive, StatusMaintenance}
}

// Valid reports whether s is a recognised admin status.
func (s AdminStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusMaintenance:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an admin may move a device from one
// status to another. Devices start active; an active device can be
// parked inactive or put into maintenance, and any device can be
// reactivated. Sideways moves between inactive and maintenance are not
// allowed: the device must pass through active so the operator sees it
// working.
// A same-status update is a no-op and always permitted.
func CanTransition(from, to AdminStatus) bool {
	if from == to {
		return true
	}
	if to == StatusActive {
		return true
	}
	return from == StatusActive
}

// Profile is the device-supplied registration payload.
type Profile struct {
	Name            string `json:"name"`
	DeviceType      string `json:"device_type"`
	Description     string `json:"description,omitempty"`
	Location        string `json:"location,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	HardwareVersion string `json:"hardware_version,omitempty"`
}

// RegistrationResult is the outcome of a registration attempt.
//
// A name collision is an expected answer, not an error: NameTaken is
// set with the existing device's id, and the caller decides how to
// respond. The existing device's api_key is never part of the result.
type RegistrationResult struct {
	// Device is the newly created device including its api_key.
	// Nil when NameTaken is set.
	Device *Device

	// NameTaken reports that the requested name is already registered.
	NameTaken bool

	// ExistingID is the id of the device holding the name.
	// Only meaningful when NameTaken is set.
	ExistingID int64
}

// ConfigPatch carries a partial config update. Nil fields are left
// untouched; a pointer to the empty string clears the column.
type ConfigPatch struct {
	Description     *string `json:"description"`
	Location        *string `json:"location"`
	FirmwareVersion *string `json:"firmware_version"`
	HardwareVersion *string `json:"hardware_version"`
}

// Empty reports whether the patch changes nothing.
func (p ConfigPatch) Empty() bool {
	return p.Description == nil && p.Location == nil &&
		p.FirmwareVersion == nil && p.HardwareVersion == nil
}

// AdminUpdate carries a partial admin edit of a device. Superset of
// ConfigPatch: admins may also rename a device and change its type.
type AdminUpdate struct {
	Name            *string `json:"name"`
	DeviceType      *string `json:"device_type"`
	Description     *string `json:"description"`
	Location        *string `json:"location"`
	FirmwareVersion *string `json:"firmware_version"`
	HardwareVersion *string `json:"hardware_version"`
}

// Empty reports whether the update changes nothing.
func (u AdminUpdate) Empty() bool {
	return u.Name == nil && u.DeviceType == nil && u.Description == nil &&
		u.Location == nil && u.FirmwareVersion == nil && u.HardwareVersion == nil
}

// Filter narrows a device listing. Zero values mean "no constraint".
type Filter struct {
	// Status restricts to one admin status.
	Status AdminStatus

	// DeviceType restricts to one device type.
	DeviceType string

	// Search matches a substring of the device name.
	Search string

	// Limit and Offset page the result. Limit is clamped to [1, 200];
	// 0 means the default page size.
	Limit  int
	Offset int
}

// ListResult is one page of devices plus the unpaged total.
type ListResult struct {
	Devices []Device `json:"devices"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}
