package telemetry

import "errors"

// Sentinel errors for telemetry ingestion.
//
// These errors can be checked using errors.Is() for specific handling:
//
//	if errors.Is(err, telemetry.ErrStoreUnavailable) {
//	    // Respond 503; the submission may be retried by the device
//	}
var (
	// ErrNoData indicates an envelope whose data object is missing or empty.
	ErrNoData = errors.New("telemetry: envelope has no data")

	// ErrDeviceMismatch indicates an envelope naming a device other than
	// the one its credentials resolve to.
	ErrDeviceMismatch = errors.New("telemetry: envelope device id does not match credentials")

	// ErrStoreUnavailable indicates the time-series store rejected the
	// batch after all retries. The liveness update is not rolled back.
	ErrStoreUnavailable = errors.New("telemetry: time-series store unavailable")

	// ErrClosed indicates a submission after pipeline shutdown began.
	ErrClosed = errors.New("telemetry: pipeline closed")
)
