package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/iotflow/iotflow-core/internal/infrastructure/influxdb"
)

// Envelope is the inbound telemetry message, normalised across ingresses.
//
// HTTP submissions carry the credential in a header and the device id is
// implied by it, so both fields are usually empty there. MQTT submissions
// carry api_key in the payload and the device id in the topic; the ingress
// fills both before handing the envelope to the pipeline.
type Envelope struct {
	// DeviceID is the device the sender claims to be. Zero means
	// unstated; a non-zero value must match the authenticated device.
	DeviceID int64 `json:"device_id,omitempty"`

	// APIKey is the credential on payload-authenticated ingresses.
	APIKey string `json:"api_key,omitempty"`

	// Timestamp is the client's event time in RFC 3339. Empty means the
	// server stamps it on receipt.
	Timestamp string `json:"timestamp,omitempty"`

	// Data holds the measurements. Values are scalars or one level of
	// nested object; anything deeper is rejected per entry.
	Data map[string]any `json:"data"`

	// Metadata holds optional context written alongside the data under
	// "meta_"-prefixed measurement names.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DecodeEnvelope reads one JSON envelope from r.
//
// Numbers decode as json.Number so the pipeline can tell integers from
// floats; plain json.Unmarshal would flatten both to float64 and corrupt
// integers beyond 2^53.
func DecodeEnvelope(r io.Reader) (*Envelope, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &env, nil
}

// Report is the outcome of one accepted submission.
//
// A submission with rejected measurements is still a success at this
// level; the caller decides how to represent the partial write.
type Report struct {
	// Written is the number of points the store accepted.
	Written int `json:"written"`

	// Rejected lists measurements refused for permanent reasons.
	Rejected []influxdb.Rejection `json:"rejected,omitempty"`

	// Warnings carries non-fatal notes, currently only timestamp
	// substitutions.
	Warnings []string `json:"warnings,omitempty"`

	// ReceivedAt is the server receipt time stamped on the submission.
	ReceivedAt time.Time `json:"received_at"`
}

// Partial reports whether any measurement was rejected.
func (r *Report) Partial() bool {
	return len(r.Rejected) > 0
}

// StreamPoint is the broadcast payload for one accepted point, consumed
// by live websocket subscribers.
type StreamPoint struct {
	Measurement string `json:"measurement"`
	Value       any    `json:"value"`
	Timestamp   string `json:"timestamp"`
}
