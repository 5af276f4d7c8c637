package influxdb

import (
	"errors"

	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
)

// Sentinel errors for InfluxDB operations.
//
// These errors can be checked using errors.Is() for specific handling:
//
//	if errors.Is(err, influxdb.ErrNotConnected) {
//	    // Handle disconnected state
//	}
var (
	// ErrNotConnected indicates the client is not connected to InfluxDB.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed indicates a write operation failed.
	ErrWriteFailed = errors.New("influxdb: write failed")

	// ErrQueryFailed indicates a flux query failed.
	ErrQueryFailed = errors.New("influxdb: query failed")

	// ErrDeleteFailed indicates a delete operation failed.
	ErrDeleteFailed = errors.New("influxdb: delete failed")
)

// IsTransient reports whether a write or query failure is worth
// retrying. Connection loss, timeouts and server-side pressure are
// transient; schema conflicts and malformed requests are not.
//
// Unknown non-HTTP errors classify as transient: everything the network
// stack surfaces on its own (refused connections, resets, DNS) is a
// connectivity problem, and retrying a genuinely permanent failure once
// more costs far less than silently dropping retriable telemetry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var serverErr *ihttp.Error
	if errors.As(err, &serverErr) {
		switch {
		case serverErr.StatusCode == 429: // server busy / rate limited
			return true
		case serverErr.StatusCode == 408:
			return true
		case serverErr.StatusCode >= 500:
			return true
		default:
			// 4xx: bad request, schema conflict, auth. Retry cannot help.
			return false
		}
	}

	// No structured server response: refused connections, resets,
	// timeouts, DNS. All connectivity-shaped.
	return true
}
