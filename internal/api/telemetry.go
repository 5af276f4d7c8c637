package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/iotflow/iotflow-core/internal/infrastructure/influxdb"
	"github.com/iotflow/iotflow-core/internal/telemetry"
)

const (
	// defaultQueryWindow is how far back a range query reaches when the
	// caller gives no from bound.
	defaultQueryWindow = 24 * time.Hour

	// defaultQueryLimit and maxQueryLimit bound range query results.
	defaultQueryLimit = 1000
	maxQueryLimit     = 10000
)

// samplePoint is the JSON rendering of one stored sample.
type samplePoint struct {
	Measurement string    `json:"measurement"`
	Value       any       `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
}

// handleSubmitTelemetry feeds one envelope into the pipeline.
//
// 202 means every point was accepted, 207 means some measurements were
// rejected and the rest written, 503 means the store stayed unreachable
// through the retry budget and nothing was written.
func (s *Server) handleSubmitTelemetry(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		writeInternal(w, r, "no identity on request")
		return
	}

	env, err := telemetry.DecodeEnvelope(r.Body)
	if err != nil {
		writeValidation(w, r, "invalid telemetry payload")
		return
	}

	report, err := s.pipeline.Submit(r.Context(), ident.Device, env)
	if err != nil {
		switch {
		case errors.Is(err, telemetry.ErrNoData):
			writeValidation(w, r, "envelope contains no data")
		case errors.Is(err, telemetry.ErrDeviceMismatch):
			writeValidation(w, r, "envelope device_id does not match the authenticated device")
		case errors.Is(err, telemetry.ErrStoreUnavailable):
			writeStoreUnavailable(w, r, "telemetry store unavailable, retry later")
		case errors.Is(err, telemetry.ErrClosed):
			writeStoreUnavailable(w, r, "ingest is shutting down")
		default:
			s.log.Error("telemetry submission failed", "device_id", ident.Device.ID, "error", err)
			writeInternal(w, r, "telemetry submission failed")
		}
		return
	}

	if report.Partial() {
		writeJSON(w, http.StatusMultiStatus, map[string]any{
			"partial":     true,
			"written":     report.Written,
			"rejected":    report.Rejected,
			"warnings":    report.Warnings,
			"received_at": report.ReceivedAt,
		})
		return
	}

	writeJSON(w, http.StatusAccepted, report)
}

// handleQueryRange returns raw samples for a device over a window.
//
// Query parameters: measurement (optional), from, to (RFC 3339,
// defaulting to the last 24 hours), limit (default 1000, capped).
func (s *Server) handleQueryRange(w http.ResponseWriter, r *http.Request) {
	id, ok := s.queryTarget(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	from, err := timeParam(r, "from", now.Add(-defaultQueryWindow))
	if err != nil {
		writeValidation(w, r, err.Error())
		return
	}
	to, err := timeParam(r, "to", now)
	if err != nil {
		writeValidation(w, r, err.Error())
		return
	}
	if !to.After(from) {
		writeValidation(w, r, "to must be after from")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeValidation(w, r, err.Error())
		return
	}

	samples, err := s.tsdb.QueryRangeAll(r.Context(), id, r.URL.Query().Get("measurement"), from, to, limit)
	if err != nil {
		s.writeQueryError(w, r, id, err)
		return
	}

	writeJSON(w, http.StatusOK, samplePoints(samples))
}

// handleQueryLatest returns the most recent sample per measurement.
func (s *Server) handleQueryLatest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.queryTarget(w, r)
	if !ok {
		return
	}

	samples, err := s.tsdb.QueryLatest(r.Context(), id, r.URL.Query().Get("measurement"))
	if err != nil {
		s.writeQueryError(w, r, id, err)
		return
	}

	writeJSON(w, http.StatusOK, samplePoints(samples))
}

// handleQueryAggregate returns windowed aggregates for one measurement.
//
// Query parameters: measurement (required), window (Go duration,
// e.g. 5m), from, to (RFC 3339), fn (mean, min, max, sum, count;
// default mean).
func (s *Server) handleQueryAggregate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.queryTarget(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	measurement := q.Get("measurement")
	if measurement == "" {
		writeValidation(w, r, "measurement is required for aggregate queries")
		return
	}

	windowRaw := q.Get("window")
	if windowRaw == "" {
		writeValidation(w, r, "window is required, e.g. window=5m")
		return
	}
	window, err := time.ParseDuration(windowRaw)
	if err != nil || window <= 0 {
		writeValidation(w, r, "window must be a positive duration, e.g. 5m")
		return
	}

	fn := q.Get("fn")
	if fn == "" {
		fn = "mean"
	}
	if !influxdb.ValidAggregate(fn) {
		writeValidation(w, r, "fn must be one of mean, min, max, sum, count")
		return
	}

	now := time.Now().UTC()
	from, err := timeParam(r, "from", now.Add(-defaultQueryWindow))
	if err != nil {
		writeValidation(w, r, err.Error())
		return
	}
	to, err := timeParam(r, "to", now)
	if err != nil {
		writeValidation(w, r, err.Error())
		return
	}
	if !to.After(from) {
		writeValidation(w, r, "to must be after from")
		return
	}

	buckets, err := s.tsdb.QueryAggregate(r.Context(), id, measurement, from, to, window, fn)
	if err != nil {
		s.writeQueryError(w, r, id, err)
		return
	}

	writeJSON(w, http.StatusOK, buckets)
}

// queryTarget resolves and authorises the {id} a query addresses.
// A device may only read its own series; someone else's id answers 403
// no matter whether it exists, so the query surface cannot be used to
// enumerate devices.
func (s *Server) queryTarget(w http.ResponseWriter, r *http.Request) (int64, bool) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		writeInternal(w, r, "no identity on request")
		return 0, false
	}

	id, err := deviceIDParam(r)
	if err != nil {
		writeValidation(w, r, "invalid device id")
		return 0, false
	}
	if id != ident.Device.ID {
		writeAuthFailed(w, r, "telemetry may only be read with the owning device's key")
		return 0, false
	}
	return id, true
}

// writeQueryError maps store errors for the read-side handlers.
func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, deviceID int64, err error) {
	if errors.Is(err, influxdb.ErrNotConnected) {
		writeStoreUnavailable(w, r, "telemetry store unavailable")
		return
	}
	s.log.Error("telemetry query failed", "device_id", deviceID, "error", err)
	writeInternal(w, r, "telemetry query failed")
}

// samplePoints renders samples for JSON, keeping an empty result an
// empty array rather than null.
func samplePoints(samples []influxdb.Sample) []samplePoint {
	points := make([]samplePoint, 0, len(samples))
	for _, sm := range samples {
		points = append(points, samplePoint{
			Measurement: sm.Field,
			Value:       sm.Value,
			Timestamp:   sm.Time,
		})
	}
	return points
}

// timeParam parses an RFC 3339 query parameter, with a default.
func timeParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}

// limitParam parses the limit query parameter with default and cap.
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultQueryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxQueryLimit {
		n = maxQueryLimit
	}
	return n, nil
}
