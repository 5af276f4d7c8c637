package liveness

import "errors"

// Errors for liveness operations.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, liveness.ErrUnavailable) {
//	    // cache is down, caller decides how loudly to complain
//	}
var (
	// ErrUnavailable is returned when the cache cannot be reached.
	// Liveness callers generally log it and carry on; the cache is an
	// accelerator, not a system of record.
	ErrUnavailable = errors.New("liveness: cache unavailable")
)
