package influxdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
)

// latestLookback bounds how far back QueryLatest searches. Devices that
// have been silent longer than this read as having no data, which is
// the honest answer for liveness-adjacent queries.
const latestLookback = "-30d"

// Sample is one stored telemetry value.
type Sample struct {
	Field string
	Value interface{}
	Time  time.Time
}

// AggregateBucket is one window of an aggregate query.
type AggregateBucket struct {
	Start time.Time `json:"start"`
	Value float64   `json:"value"`
}

// aggregateFns whitelists the flux aggregate functions exposed to
// callers. Anything else in a query request is rejected before it can
// reach the store.
var aggregateFns = map[string]bool{
	"mean":  true,
	"min":   true,
	"max":   true,
	"sum":   true,
	"count": true,
}

// ValidAggregate reports whether fn names a supported aggregate function.
func ValidAggregate(fn string) bool {
	return aggregateFns[fn]
}

// QueryLatest returns the most recent value per field for a device.
//
// With field set, only that series is queried; with field empty, the
// latest value of every field the device has ever written (within the
// lookback window) is returned.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Device whose series to query
//   - field: Measurement name, or "" for all fields
//
// Returns:
//   - []Sample: One sample per field, empty if the device has no data
//   - error: nil on success, otherwise the query error
func (c *Client) QueryLatest(ctx context.Context, deviceID int64, field string) ([]Sample, error) {
	if c == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", c.cfg.Bucket)
	fmt.Fprintf(&b, "  |> range(start: %s)\n", latestLookback)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q)\n", measurementName(deviceID))
	if field != "" {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r._field == \"%s\")\n", fluxEscape(field))
	}
	b.WriteString("  |> last()\n")

	result, err := c.queryAPI.Query(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer result.Close() //nolint:errcheck // stream fully drained below

	samples := make([]Sample, 0, 4)
	for result.Next() {
		rec := result.Record()
		samples = append(samples, Sample{
			Field: rec.Field(),
			Value: rec.Value(),
			Time:  rec.Time(),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	return samples, nil
}

// QueryRange streams raw samples for a device over a time window.
//
// Results arrive in ascending time order per field. The caller owns the
// cursor and must Close it; abandoning a cursor leaks the underlying
// response stream.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Device whose series to query
//   - field: Measurement name, or "" for all fields
//   - start: Window start (inclusive)
//   - stop: Window end (exclusive)
//   - limit: Maximum samples to return, 0 for no limit
//
// Returns:
//   - *SampleCursor: Iterator over matching samples
//   - error: nil on success, otherwise the query error
func (c *Client) QueryRange(ctx context.Context, deviceID int64, field string, start, stop time.Time, limit int) (*SampleCursor, error) {
	if c == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if !stop.After(start) {
		return nil, fmt.Errorf("stop must be after start")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", c.cfg.Bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", fluxTime(start), fluxTime(stop))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q)\n", measurementName(deviceID))
	if field != "" {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r._field == \"%s\")\n", fluxEscape(field))
	}
	b.WriteString("  |> sort(columns: [\"_time\"])\n")
	if limit > 0 {
		fmt.Fprintf(&b, "  |> limit(n: %d)\n", limit)
	}

	result, err := c.queryAPI.Query(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	return &SampleCursor{result: result}, nil
}

// QueryRangeAll materialises a range query into a slice. Handlers that
// render a bounded JSON array use this; callers streaming unbounded
// results should drain QueryRange directly.
func (c *Client) QueryRangeAll(ctx context.Context, deviceID int64, field string, start, stop time.Time, limit int) ([]Sample, error) {
	cursor, err := c.QueryRange(ctx, deviceID, field, start, stop, limit)
	if err != nil {
		return nil, err
	}
	defer cursor.Close() //nolint:errcheck // stream fully drained below

	samples := make([]Sample, 0, 64)
	for cursor.Next() {
		samples = append(samples, cursor.Sample())
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// QueryAggregate computes windowed aggregates over a device series.
//
// Windows that contain no samples are omitted rather than zero-filled,
// so sparse devices produce sparse results.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Device whose series to query
//   - field: Measurement name (required)
//   - start: Window start (inclusive)
//   - stop: Window end (exclusive)
//   - every: Aggregation window size
//   - fn: One of mean, min, max, sum, count
//
// Returns:
//   - []AggregateBucket: One bucket per non-empty window
//   - error: nil on success, otherwise the query error
func (c *Client) QueryAggregate(ctx context.Context, deviceID int64, field string, start, stop time.Time, every time.Duration, fn string) ([]AggregateBucket, error) {
	if c == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if field == "" {
		return nil, fmt.Errorf("field is required")
	}
	if !stop.After(start) {
		return nil, fmt.Errorf("stop must be after start")
	}
	if every <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	if !ValidAggregate(fn) {
		return nil, fmt.Errorf("unsupported aggregate function %q", fn)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", c.cfg.Bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", fluxTime(start), fluxTime(stop))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q)\n", measurementName(deviceID))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._field == \"%s\")\n", fluxEscape(field))
	fmt.Fprintf(&b, "  |> aggregateWindow(every: %s, fn: %s, createEmpty: false)\n", fluxDuration(every), fn)

	result, err := c.queryAPI.Query(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer result.Close() //nolint:errcheck // stream fully drained below

	buckets := make([]AggregateBucket, 0, 16)
	for result.Next() {
		rec := result.Record()
		value, ok := asFloat(rec.Value())
		if !ok {
			continue
		}
		buckets = append(buckets, AggregateBucket{Start: rec.Time(), Value: value})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	return buckets, nil
}

// CountSince returns the total number of points written across all
// device series since the given time. Used by the detailed health
// report to show ingest throughput.
func (c *Client) CountSince(ctx context.Context, since time.Time) (int64, error) {
	if c == nil || !c.IsConnected() {
		return 0, ErrNotConnected
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", c.cfg.Bucket)
	fmt.Fprintf(&b, "  |> range(start: %s)\n", fluxTime(since))
	b.WriteString("  |> filter(fn: (r) => r._measurement =~ /^device_/)\n")
	b.WriteString("  |> group()\n")
	b.WriteString("  |> count()\n")

	result, err := c.queryAPI.Query(ctx, b.String())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer result.Close() //nolint:errcheck // stream fully drained below

	var total int64
	for result.Next() {
		if n, ok := result.Record().Value().(int64); ok {
			total += n
		}
	}
	if err := result.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	return total, nil
}

// SampleCursor iterates a range query result without materialising it.
type SampleCursor struct {
	result *api.QueryTableResult
}

// Next advances to the next sample, returning false at end of stream or
// on error. Check Err after a false return.
func (sc *SampleCursor) Next() bool {
	return sc.result.Next()
}

// Sample returns the sample at the current cursor position. Only valid
// after Next has returned true.
func (sc *SampleCursor) Sample() Sample {
	rec := sc.result.Record()
	return Sample{
		Field: rec.Field(),
		Value: rec.Value(),
		Time:  rec.Time(),
	}
}

// Err returns the first error encountered while streaming, if any.
func (sc *SampleCursor) Err() error {
	if err := sc.result.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return nil
}

// Close releases the underlying response stream.
func (sc *SampleCursor) Close() error {
	return sc.result.Close()
}

// fluxTime renders a timestamp as a flux time literal.
func fluxTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// fluxDuration renders a duration as a flux duration literal in whole
// seconds.
func fluxDuration(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%ds", secs)
}

// fluxEscape escapes a value for embedding in a flux string literal.
// Field names arrive from devices, so treat them as hostile.
func fluxEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// asFloat converts a query result value to float64 where possible.
// Aggregate results come back as float64 for mean and as the series
// type for min/max/sum, and count is always int64.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
