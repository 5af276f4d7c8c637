package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device id or api key does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidProfile is returned when registration input fails validation.
	ErrInvalidProfile = errors.New("device: invalid profile")

	// ErrInvalidName is returned when a device name is empty, too long,
	// or contains control characters.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidStatus is returned when a status value is not recognised.
	ErrInvalidStatus = errors.New("device: invalid status")

	// ErrInvalidTransition is returned when a status change is not
	// permitted from the device's current status.
	ErrInvalidTransition = errors.New("device: invalid status transition")

	// ErrNameExists is returned by admin renames that would collide with
	// another device. Registration collisions are reported through
	// RegistrationResult instead.
	ErrNameExists = errors.New("device: name already exists")
)
