package telemetry

import (
	"context"
	"time"
)

// Store write retry policy: transient failures back off exponentially
// from retryBase doubling up to retryCeiling, giving up after
// retryAttempts total calls.
const (
	retryBase     = 100 * time.Millisecond
	retryCeiling  = 5 * time.Second
	retryAttempts = 4
)

// retryPolicy bounds the write retry loop.
type retryPolicy struct {
	base     time.Duration
	ceiling  time.Duration
	attempts int
}

// defaultRetryPolicy is used by every pipeline; tests substitute smaller
// values to keep runs fast.
var defaultRetryPolicy = retryPolicy{
	base:     retryBase,
	ceiling:  retryCeiling,
	attempts: retryAttempts,
}

// run calls fn until it succeeds, fails permanently, or the attempt
// budget runs out. retryable classifies errors; a false return stops the
// loop immediately. The last error is returned unchanged so the caller
// keeps its classification.
func (p retryPolicy) run(ctx context.Context, retryable func(error) bool, fn func() error) error {
	delay := p.base
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || attempt >= p.attempts || !retryable(err) {
			return err
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}

		delay *= 2
		if delay > p.ceiling {
			delay = p.ceiling
		}
	}
}
