package ingest

import "errors"

// Sentinel errors for the MQTT ingress.
//
// Check with errors.Is:
//
//	if errors.Is(err, ingest.ErrBadTopic) {
//	    // message arrived outside the device topic scheme
//	}
var (
	// ErrBadTopic reports a message on a topic that does not follow
	// iotflow/devices/{id}/{category}/{kind}.
	ErrBadTopic = errors.New("ingest: malformed device topic")

	// ErrQueueFull reports that the inbound queue could not absorb a
	// message even after evicting every droppable entry.
	ErrQueueFull = errors.New("ingest: inbound queue full")

	// ErrNotRunning reports an operation on a service that has not been
	// started or has been closed.
	ErrNotRunning = errors.New("ingest: service not running")

	// ErrBadCommand reports an outbound command that failed validation
	// before reaching the broker.
	ErrBadCommand = errors.New("ingest: invalid command")
)
