package device

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Field limits, aligned with the column sizes the schema was designed
// around. The HTTP edge enforces its own per-field byte cap before
// payloads reach here.
const (
	maxNameLength        = 100
	maxDeviceTypeLength  = 50
	maxDescriptionLength = 2000
	maxLocationLength    = 200
	maxVersionLength     = 20
)

// ValidateProfile checks a registration payload. Returns an error
// describing the first failure found.
func ValidateProfile(p Profile) error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}

	deviceType := strings.TrimSpace(p.DeviceType)
	if deviceType == "" {
		return fmt.Errorf("%w: device_type is required", ErrInvalidProfile)
	}
	if len(deviceType) > maxDeviceTypeLength {
		return fmt.Errorf("%w: device_type exceeds %d characters", ErrInvalidProfile, maxDeviceTypeLength)
	}

	if err := validateOptionalField("description", p.Description, maxDescriptionLength); err != nil {
		return err
	}
	if err := validateOptionalField("location", p.Location, maxLocationLength); err != nil {
		return err
	}
	if err := validateOptionalField("firmware_version", p.FirmwareVersion, maxVersionLength); err != nil {
		return err
	}
	if err := validateOptionalField("hardware_version", p.HardwareVersion, maxVersionLength); err != nil {
		return err
	}

	return nil
}

// ValidateName checks a device name: required, at most 100 characters,
// valid UTF-8, no control characters.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if utf8.RuneCountInString(trimmed) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	if !utf8.ValidString(trimmed) {
		return fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidName)
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: name contains control characters", ErrInvalidName)
		}
	}
	return nil
}

// ValidateStatus checks that a status string is one of the known values.
func ValidateStatus(s AdminStatus) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, string(s))
	}
	return nil
}

// ValidateConfigPatch checks the device-facing config update fields.
func ValidateConfigPatch(p ConfigPatch) error {
	if p.Description != nil {
		if err := validateOptionalField("description", *p.Description, maxDescriptionLength); err != nil {
			return err
		}
	}
	if p.Location != nil {
		if err := validateOptionalField("location", *p.Location, maxLocationLength); err != nil {
			return err
		}
	}
	if p.FirmwareVersion != nil {
		if err := validateOptionalField("firmware_version", *p.FirmwareVersion, maxVersionLength); err != nil {
			return err
		}
	}
	if p.HardwareVersion != nil {
		if err := validateOptionalField("hardware_version", *p.HardwareVersion, maxVersionLength); err != nil {
			return err
		}
	}
	return nil
}

// ValidateAdminUpdate checks the admin-facing device edit fields.
func ValidateAdminUpdate(u AdminUpdate) error {
	if u.Name != nil {
		if err := ValidateName(*u.Name); err != nil {
			return err
		}
	}
	if u.DeviceType != nil {
		deviceType := strings.TrimSpace(*u.DeviceType)
		if deviceType == "" {
			return fmt.Errorf("%w: device_type cannot be cleared", ErrInvalidProfile)
		}
		if len(deviceType) > maxDeviceTypeLength {
			return fmt.Errorf("%w: device_type exceeds %d characters", ErrInvalidProfile, maxDeviceTypeLength)
		}
	}
	return ValidateConfigPatch(ConfigPatch{
		Description:     u.Description,
		Location:        u.Location,
		FirmwareVersion: u.FirmwareVersion,
		HardwareVersion: u.HardwareVersion,
	})
}

// validateOptionalField checks length and character sanity of an
// optional free-text field. Empty is always fine.
func validateOptionalField(field, value string, maxLen int) error {
	if value == "" {
		return nil
	}
	if utf8.RuneCountInString(value) > maxLen {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidProfile, field, maxLen)
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidProfile, field)
	}
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return fmt.Errorf("%w: %s contains control characters", ErrInvalidProfile, field)
		}
	}
	return nil
}

// NormalizeProfile trims whitespace from all profile fields. Called
// before validation so " sensor-1 " and "sensor-1" are the same name.
func NormalizeProfile(p Profile) Profile {
	return Profile{
		Name:            strings.TrimSpace(p.Name),
		DeviceType:      strings.TrimSpace(p.DeviceType),
		Description:     strings.TrimSpace(p.Description),
		Location:        strings.TrimSpace(p.Location),
		FirmwareVersion: strings.TrimSpace(p.FirmwareVersion),
		HardwareVersion: strings.TrimSpace(p.HardwareVersion),
	}
}
