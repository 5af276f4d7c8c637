package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// maxTextBytes caps a single text field value. Matches the per-field
// limit enforced at the HTTP edge so the MQTT path cannot smuggle
// oversized values past it.
const maxTextBytes = 8 << 10 // 8 KiB

// Point is a single measurement sample addressed to a device series.
//
// The logical path root.iotflow.devices.device_{id}.{field} maps onto
// the store as measurement "device_{id}" with one field per telemetry
// measurement name.
type Point struct {
	DeviceID  int64
	Field     string
	Value     Value
	Timestamp time.Time
}

// Rejection records a point the store refused for a permanent reason.
// Rejections are reported back to the device; retrying them is useless.
type Rejection struct {
	Field  string `json:"measurement"`
	Reason string `json:"reason"`
}

// WritePoints writes a batch of points through the blocking write API.
//
// Each point is checked against the series type registry first: the
// first value seen for a (device, field) series pins its kind, and
// later writes must match or be losslessly coercible (int to float).
// Points failing the check are returned as rejections and excluded from
// the write; they are permanent failures.
//
// The returned error covers the surviving batch as a whole. Use
// IsTransient to decide whether a retry is worthwhile; rejections are
// valid even when err is non-nil.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - points: Batch of samples, typically one device per call
//
// Returns:
//   - []Rejection: Points refused before the write (nil if none)
//   - error: Transport or store error for the accepted points
func (c *Client) WritePoints(ctx context.Context, points []Point) ([]Rejection, error) {
	if c == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if len(points) == 0 {
		return nil, nil
	}

	// Seed the registry from the store for devices not seen since
	// startup, so type pinning survives restarts.
	for _, id := range uniqueDeviceIDs(points) {
		c.hydrateRegistry(ctx, id)
	}

	var (
		rejected []Rejection
		accepted []*write.Point
	)

	for _, p := range points {
		value, reject := c.registry.admit(p)
		if reject != nil {
			rejected = append(rejected, *reject)
			continue
		}

		accepted = append(accepted, influxdb2.NewPoint(
			measurementName(p.DeviceID),
			nil,
			map[string]interface{}{p.Field: value.Interface()},
			p.Timestamp,
		))
	}

	if len(accepted) == 0 {
		return rejected, nil
	}

	if err := c.writeAPI.WritePoint(ctx, accepted...); err != nil {
		return rejected, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	return rejected, nil
}

// measurementName returns the store measurement for a device.
func measurementName(deviceID int64) string {
	return fmt.Sprintf("device_%d", deviceID)
}

// uniqueDeviceIDs returns the distinct device ids in a batch.
func uniqueDeviceIDs(points []Point) []int64 {
	seen := make(map[int64]struct{}, 1)
	ids := make([]int64, 0, 1)
	for _, p := range points {
		if _, ok := seen[p.DeviceID]; !ok {
			seen[p.DeviceID] = struct{}{}
			ids = append(ids, p.DeviceID)
		}
	}
	return ids
}

// hydrateRegistry seeds series kinds for a device from its latest stored
// values. Best-effort: on query failure the registry fills from incoming
// writes instead, which only weakens type pinning until the store is
// reachable again.
func (c *Client) hydrateRegistry(ctx context.Context, deviceID int64) {
	if c.registry.isHydrated(deviceID) {
		return
	}

	samples, err := c.QueryLatest(ctx, deviceID, "")
	if err != nil {
		return
	}

	kinds := make(map[string]Kind, len(samples))
	for _, s := range samples {
		kinds[s.Field] = kindOf(s.Value)
	}
	c.registry.seed(deviceID, kinds)
}

// kindOf maps a value returned by the query API onto a registry kind.
func kindOf(v interface{}) Kind {
	switch v.(type) {
	case int64, uint64, int:
		return KindInt
	case float64, float32:
		return KindFloat
	case bool:
		return KindBool
	case string:
		return KindText
	default:
		return KindUnknown
	}
}

// seriesKey identifies one (device, field) series.
type seriesKey struct {
	deviceID int64
	field    string
}

// typeRegistry pins the scalar kind of every series at first write.
//
// The registry is process-local; hydrateRegistry reloads kinds from the
// store lazily so pinning survives restarts.
type typeRegistry struct {
	mu       sync.Mutex
	kinds    map[seriesKey]Kind
	hydrated map[int64]bool
}

func newTypeRegistry() *typeRegistry {
	return &typeRegistry{
		kinds:    make(map[seriesKey]Kind),
		hydrated: make(map[int64]bool),
	}
}

// admit validates a point against the registry and returns the value to
// write, pinning the kind for new series. A non-nil rejection means the
// point must not be written.
func (r *typeRegistry) admit(p Point) (Value, *Rejection) {
	if p.Field == "" {
		return Value{}, &Rejection{Field: p.Field, Reason: "empty measurement name"}
	}
	if p.Value.Kind() == KindUnknown {
		return Value{}, &Rejection{Field: p.Field, Reason: "value is not a scalar"}
	}
	if p.Value.Kind() == KindText && len(p.Value.Text()) > maxTextBytes {
		return Value{}, &Rejection{
			Field:  p.Field,
			Reason: fmt.Sprintf("text value exceeds %d bytes", maxTextBytes),
		}
	}

	key := seriesKey{deviceID: p.DeviceID, field: p.Field}

	r.mu.Lock()
	defer r.mu.Unlock()

	pinned, exists := r.kinds[key]
	if !exists || pinned == KindUnknown {
		// First value seen for a series pins its kind. Integers
		// canonicalise to float so the series tolerates fractional
		// values later.
		v := p.Value.Canonical()
		r.kinds[key] = v.Kind()
		return v, nil
	}

	v, ok := p.Value.CoerceTo(pinned)
	if !ok {
		return Value{}, &Rejection{
			Field:  p.Field,
			Reason: fmt.Sprintf("type conflict: series is %s, got %s", pinned, p.Value.Kind()),
		}
	}
	return v, nil
}

// seed installs kinds recovered from the store without overwriting any
// pins already made in this process.
func (r *typeRegistry) seed(deviceID int64, kinds map[string]Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for field, kind := range kinds {
		key := seriesKey{deviceID: deviceID, field: field}
		if _, exists := r.kinds[key]; !exists && kind != KindUnknown {
			r.kinds[key] = kind
		}
	}
	r.hydrated[deviceID] = true
}

// isHydrated reports whether the device's kinds were loaded from the store.
func (r *typeRegistry) isHydrated(deviceID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hydrated[deviceID]
}

// forget drops all registry state for a device. Called after a device
// delete so a future device reusing the id starts with fresh series.
func (r *typeRegistry) forget(deviceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.kinds {
		if key.deviceID == deviceID {
			delete(r.kinds, key)
		}
	}
	delete(r.hydrated, deviceID)
}
