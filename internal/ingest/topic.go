package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iotflow/iotflow-core/internal/infrastructure/mqtt"
)

// Message categories under a device's topic subtree.
const (
	categoryTelemetry = "telemetry"
	categoryStatus    = "status"
	categoryCommands  = "commands"
)

// route is the parsed form of a device topic.
//
// Every inbound topic follows iotflow/devices/{id}/{category}/{kind};
// the subscription wildcards guarantee the prefix, parseTopic checks
// the rest.
type route struct {
	deviceID int64
	category string
	kind     string
}

// message is one inbound MQTT message waiting in the queue.
//
// The payload is the queue's own copy: the broker client may reuse its
// buffer once the subscription callback returns.
type message struct {
	topic      string
	payload    []byte
	receivedAt time.Time
}

// parseTopic extracts the device id, category, and kind from a device
// topic. It rejects anything outside the published scheme so a typo'd
// or hostile topic never reaches a handler.
func parseTopic(topic string) (route, error) {
	rest, ok := strings.CutPrefix(topic, mqtt.TopicPrefixDevices+"/")
	if !ok {
		return route{}, fmt.Errorf("%w: %q is outside the device namespace", ErrBadTopic, topic)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return route{}, fmt.Errorf("%w: %q has %d segments after the prefix, want 3", ErrBadTopic, topic, len(parts))
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		return route{}, fmt.Errorf("%w: %q is not a device id", ErrBadTopic, parts[0])
	}

	rt := route{deviceID: id, category: parts[1], kind: parts[2]}
	if !rt.valid() {
		return route{}, fmt.Errorf("%w: unknown category/kind %q/%q", ErrBadTopic, rt.category, rt.kind)
	}
	return rt, nil
}

// valid reports whether the category/kind pair is one the ingress
// understands.
func (r route) valid() bool {
	switch r.category {
	case categoryTelemetry:
		return r.kind == mqtt.ChannelSensors || r.kind == mqtt.ChannelEvents || r.kind == mqtt.ChannelMetrics
	case categoryStatus:
		return r.kind == mqtt.StatusHeartbeat || r.kind == mqtt.StatusOnline || r.kind == mqtt.StatusOffline
	case categoryCommands:
		return r.kind == "control"
	default:
		return false
	}
}
