package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/iotflow/iotflow-core/internal/infrastructure/influxdb"
)

// metaPrefix separates metadata series from measurement series under the
// same device path.
const metaPrefix = "meta_"

// sample is one named scalar extracted from an envelope.
type sample struct {
	name  string
	value influxdb.Value
}

// resolveTimestamp decides the event time for a submission.
//
// A missing timestamp takes the server receipt time silently. An
// unparseable timestamp, or one further from server time than the skew
// window, also takes the receipt time but returns a warning for the
// caller; the data is kept either way. Devices with broken clocks are
// common enough that dropping their readings helps nobody.
func resolveTimestamp(raw string, now time.Time, skew time.Duration) (time.Time, string) {
	if raw == "" {
		return now, ""
	}

	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return now, fmt.Sprintf("timestamp %q is not RFC 3339; server time substituted", raw)
	}

	if d := ts.Sub(now); d > skew || d < -skew {
		return now, fmt.Sprintf("timestamp %s is outside the %s clock skew window; server time substituted",
			ts.Format(time.RFC3339), skew)
	}

	return ts.UTC(), ""
}

// flattenEnvelope converts an envelope's data and metadata into named
// scalar samples.
//
// Nested objects flatten exactly one level into dotted names; deeper
// nesting, arrays and nulls reject per entry without poisoning their
// siblings. Metadata entries follow the same rules under a "meta_"
// prefix. Output is sorted by name so batches are deterministic.
func flattenEnvelope(env *Envelope) ([]sample, []influxdb.Rejection) {
	samples := make([]sample, 0, len(env.Data)+len(env.Metadata))
	var rejected []influxdb.Rejection

	flattenInto(env.Data, "", &samples, &rejected)
	flattenInto(env.Metadata, metaPrefix, &samples, &rejected)

	sort.Slice(samples, func(i, j int) bool { return samples[i].name < samples[j].name })
	sort.Slice(rejected, func(i, j int) bool { return rejected[i].Field < rejected[j].Field })
	return samples, rejected
}

// flattenInto walks one entry map, descending at most one level.
func flattenInto(entries map[string]any, prefix string, samples *[]sample, rejected *[]influxdb.Rejection) {
	for key, raw := range entries {
		trimmed := strings.TrimSpace(key)
		name := prefix + trimmed
		if trimmed == "" {
			*rejected = append(*rejected, influxdb.Rejection{Field: name, Reason: "empty measurement name"})
			continue
		}

		child, isObject := raw.(map[string]any)
		if !isObject {
			appendScalar(name, raw, samples, rejected)
			continue
		}

		if len(child) == 0 {
			*rejected = append(*rejected, influxdb.Rejection{Field: name, Reason: "empty nested object"})
			continue
		}

		for childKey, childRaw := range child {
			childTrimmed := strings.TrimSpace(childKey)
			childName := name + "." + childTrimmed
			if childTrimmed == "" {
				*rejected = append(*rejected, influxdb.Rejection{Field: childName, Reason: "empty measurement name"})
				continue
			}
			if _, deeper := childRaw.(map[string]any); deeper {
				*rejected = append(*rejected, influxdb.Rejection{Field: childName, Reason: "nested beyond one level"})
				continue
			}
			appendScalar(childName, childRaw, samples, rejected)
		}
	}
}

// appendScalar converts one leaf to a tagged value or records why not.
func appendScalar(name string, raw any, samples *[]sample, rejected *[]influxdb.Rejection) {
	value, ok := scalarOf(raw)
	if !ok {
		*rejected = append(*rejected, influxdb.Rejection{Field: name, Reason: "value is not a scalar"})
		return
	}
	*samples = append(*samples, sample{name: name, value: value})
}

// scalarOf maps a decoded JSON leaf onto a tagged store value.
//
// Envelopes decoded through DecodeEnvelope carry numbers as json.Number,
// which keeps the integer/float distinction; the plain Go numeric cases
// cover envelopes constructed directly in code.
func scalarOf(raw any) (influxdb.Value, bool) {
	switch v := raw.(type) {
	case bool:
		return influxdb.BoolValue(v), true
	case string:
		return influxdb.TextValue(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return influxdb.IntValue(i), true
		}
		// Integers beyond int64 and all fractional numbers land here.
		if f, err := v.Float64(); err == nil {
			return influxdb.FloatValue(f), true
		}
		return influxdb.Value{}, false
	case float64:
		return influxdb.FloatValue(v), true
	case float32:
		return influxdb.FloatValue(float64(v)), true
	case int:
		return influxdb.IntValue(int64(v)), true
	case int64:
		return influxdb.IntValue(v), true
	case uint64:
		if v > math.MaxInt64 {
			return influxdb.FloatValue(float64(v)), true
		}
		return influxdb.IntValue(int64(v)), true
	default:
		return influxdb.Value{}, false
	}
}
