package mqtt

import "fmt"

// Topic prefixes for the IoTFlow MQTT namespace.
//
// All device traffic uses the scheme: iotflow/devices/{device_id}/{category}/{kind}
// Device ids in topics are the integer ids assigned at registration.
const (
	// TopicPrefixDevices is the base for all device topics.
	TopicPrefixDevices = "iotflow/devices"

	// TopicIngressOffline is where the ingress advertises its Last Will.
	// Operators watch this topic to detect an ingress crash.
	TopicIngressOffline = "$SYS/iotflow/ingress/offline"
)

// Telemetry channels carried under a device's telemetry subtree.
const (
	ChannelSensors = "sensors"
	ChannelEvents  = "events"
	ChannelMetrics = "metrics"
)

// Status kinds carried under a device's status subtree.
const (
	StatusHeartbeat = "heartbeat"
	StatusOnline    = "online"
	StatusOffline   = "offline"
)

// Topics provides builders for IoTFlow MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	sensorTopic := topics.DeviceTelemetry(42, mqtt.ChannelSensors)
//	// Returns: "iotflow/devices/42/telemetry/sensors"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceTelemetry returns the topic a device publishes telemetry on.
//
// Example: iotflow/devices/42/telemetry/sensors
func (Topics) DeviceTelemetry(deviceID int64, channel string) string {
	return fmt.Sprintf("%s/%d/telemetry/%s", TopicPrefixDevices, deviceID, channel)
}

// DeviceStatus returns the topic a device publishes status updates on.
//
// Example: iotflow/devices/42/status/heartbeat
func (Topics) DeviceStatus(deviceID int64, kind string) string {
	return fmt.Sprintf("%s/%d/status/%s", TopicPrefixDevices, deviceID, kind)
}

// DeviceCommands returns the topic the server publishes commands on.
// Devices subscribe here; the server never consumes it except for
// loopback verification.
//
// Example: iotflow/devices/42/commands/control
func (Topics) DeviceCommands(deviceID int64) string {
	return fmt.Sprintf("%s/%d/commands/control", TopicPrefixDevices, deviceID)
}

// IngressOffline returns the ingress Last Will topic.
//
// Example: $SYS/iotflow/ingress/offline
func (Topics) IngressOffline() string {
	return TopicIngressOffline
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllTelemetry returns a pattern matching telemetry from every device.
//
// Pattern: iotflow/devices/+/telemetry/#
func (Topics) AllTelemetry() string {
	return fmt.Sprintf("%s/+/telemetry/#", TopicPrefixDevices)
}

// AllStatus returns a pattern matching status updates from every device.
//
// Pattern: iotflow/devices/+/status/#
func (Topics) AllStatus() string {
	return fmt.Sprintf("%s/+/status/#", TopicPrefixDevices)
}

// AllCommands returns a pattern matching outbound commands to every device.
// Subscribed for loopback verification only.
//
// Pattern: iotflow/devices/+/commands/#
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/+/commands/#", TopicPrefixDevices)
}

// AllDeviceTopics returns a pattern matching all device traffic.
// Use with caution - this receives ALL traffic.
//
// Pattern: iotflow/devices/#
func (Topics) AllDeviceTopics() string {
	return fmt.Sprintf("%s/#", TopicPrefixDevices)
}
