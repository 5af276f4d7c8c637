package redis

import "errors"

// Sentinel errors for Redis operations.
//
// These errors can be checked using errors.Is() for specific handling:
//
//	if errors.Is(err, redis.ErrConnectionFailed) {
//	    // Handle unreachable cache
//	}
var (
	// ErrInvalidURL indicates the configured connection URL could not be parsed.
	ErrInvalidURL = errors.New("redis: invalid connection url")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("redis: connection failed")
)
