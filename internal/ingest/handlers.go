package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/iotflow/iotflow-core/internal/auth"
	"github.com/iotflow/iotflow-core/internal/infrastructure/mqtt"
	"github.com/iotflow/iotflow-core/internal/liveness"
	"github.com/iotflow/iotflow-core/internal/telemetry"
)

// statusEnvelope is the payload of a status message. It carries
// credentials only; timing comes from the server clock at receipt.
type statusEnvelope struct {
	APIKey string `json:"api_key"`
	Status string `json:"status,omitempty"`
}

// handleTelemetry runs one telemetry message through the same checks
// as the HTTP ingress and submits it to the pipeline. MQTT has no
// response channel, so every outcome lands in the log instead.
//
// Rate limiting precedes authentication, matching the HTTP ingress.
func (s *Service) handleTelemetry(ctx context.Context, m message, rt route) {
	env, err := telemetry.DecodeEnvelope(bytes.NewReader(m.payload))
	if err != nil {
		s.dropped.Add(1)
		s.log.Warn("dropping undecodable telemetry",
			"device_id", rt.deviceID,
			"channel", rt.kind,
			"error", err,
		)
		return
	}
	if env.APIKey == "" {
		s.dropped.Add(1)
		s.log.Warn("dropping telemetry without api key", "device_id", rt.deviceID)
		return
	}

	decision := s.limits.Allow(ctx, liveness.LimitTelemetry, liveness.LimitSubject(env.APIKey))
	if !decision.Allowed {
		s.dropped.Add(1)
		s.log.Warn("telemetry rate limited",
			"device_id", rt.deviceID,
			"limit", decision.Limit,
			"reset_at", decision.ResetAt,
		)
		return
	}

	ident, err := s.authn.AuthenticateFor(ctx, env.APIKey, auth.ScopeTelemetry)
	if err != nil {
		s.dropped.Add(1)
		s.log.Warn("telemetry auth failed",
			"device_id", rt.deviceID,
			"error", err,
		)
		return
	}
	if ident.Device.ID != rt.deviceID {
		// A valid key published on another device's topic. The key's
		// owner is real, the topic claim is not.
		s.dropped.Add(1)
		s.log.Warn("credentials do not match topic device",
			"topic_device", rt.deviceID,
			"key_device", ident.Device.ID,
		)
		return
	}

	report, err := s.sink.Submit(ctx, ident.Device, env)
	switch {
	case errors.Is(err, telemetry.ErrStoreUnavailable):
		s.dropped.Add(1)
		s.log.Error("telemetry lost, store unavailable",
			"device_id", rt.deviceID,
			"error", err,
		)
		return
	case err != nil:
		s.dropped.Add(1)
		s.log.Warn("telemetry rejected",
			"device_id", rt.deviceID,
			"error", err,
		)
		return
	case report.Partial():
		s.log.Warn("telemetry partially written",
			"device_id", rt.deviceID,
			"written", report.Written,
			"rejected", len(report.Rejected),
		)
	default:
		s.log.Debug("telemetry stored",
			"device_id", rt.deviceID,
			"channel", rt.kind,
			"written", report.Written,
		)
	}
	s.handled.Add(1)
}

// handleStatus authenticates a status message and applies it to the
// liveness tracker. Heartbeats additionally persist last_seen, the
// same dual update the HTTP heartbeat endpoint performs.
func (s *Service) handleStatus(ctx context.Context, m message, rt route) {
	var env statusEnvelope
	if err := json.Unmarshal(m.payload, &env); err != nil {
		s.dropped.Add(1)
		s.log.Warn("dropping undecodable status message",
			"device_id", rt.deviceID,
			"kind", rt.kind,
			"error", err,
		)
		return
	}
	if env.APIKey == "" {
		s.dropped.Add(1)
		s.log.Warn("dropping status without api key", "device_id", rt.deviceID)
		return
	}

	decision := s.limits.Allow(ctx, liveness.LimitHeartbeat, liveness.LimitSubject(env.APIKey))
	if !decision.Allowed {
		s.dropped.Add(1)
		s.log.Warn("status rate limited",
			"device_id", rt.deviceID,
			"limit", decision.Limit,
		)
		return
	}

	ident, err := s.authn.AuthenticateFor(ctx, env.APIKey, auth.ScopeHeartbeat)
	if err != nil {
		s.dropped.Add(1)
		s.log.Warn("status auth failed",
			"device_id", rt.deviceID,
			"error", err,
		)
		return
	}
	if ident.Device.ID != rt.deviceID {
		s.dropped.Add(1)
		s.log.Warn("credentials do not match topic device",
			"topic_device", rt.deviceID,
			"key_device", ident.Device.ID,
		)
		return
	}

	switch rt.kind {
	case mqtt.StatusHeartbeat:
		if err := s.devices.TouchLastSeen(ctx, rt.deviceID, m.receivedAt); err != nil {
			s.log.Warn("heartbeat last_seen update failed",
				"device_id", rt.deviceID,
				"error", err,
			)
		}
		if err := s.presence.SetOnline(ctx, rt.deviceID, m.receivedAt); err != nil {
			s.log.Warn("heartbeat liveness update failed",
				"device_id", rt.deviceID,
				"error", err,
			)
		}
		s.log.Debug("heartbeat", "device_id", rt.deviceID)
	case mqtt.StatusOnline:
		if err := s.presence.SetOnline(ctx, rt.deviceID, m.receivedAt); err != nil {
			s.log.Warn("liveness update failed",
				"device_id", rt.deviceID,
				"error", err,
			)
		}
		s.log.Debug("device announced online", "device_id", rt.deviceID)
	case mqtt.StatusOffline:
		if err := s.presence.MarkOffline(ctx, rt.deviceID); err != nil {
			s.log.Warn("liveness update failed",
				"device_id", rt.deviceID,
				"error", err,
			)
		}
		s.log.Debug("device announced offline", "device_id", rt.deviceID)
	}
	s.handled.Add(1)
}

// handleCommand observes the loopback of our own outbound publishes.
// The subscription exists to verify commands actually traverse the
// broker; devices are the real consumers.
func (s *Service) handleCommand(m message, rt route) {
	s.handled.Add(1)
	s.log.Debug("command loopback observed",
		"device_id", rt.deviceID,
		"bytes", len(m.payload),
	)
}
