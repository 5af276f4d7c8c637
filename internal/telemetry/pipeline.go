package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iotflow/iotflow-core/internal/device"
	"github.com/iotflow/iotflow-core/internal/infrastructure/config"
	"github.com/iotflow/iotflow-core/internal/infrastructure/influxdb"
)

// Fallback knobs when configuration leaves them unset.
const (
	defaultBatchSize   = 256
	defaultBatchWindow = 100 * time.Millisecond
	defaultSkew        = 24 * time.Hour

	// flushTimeout caps one batch flush including every retry attempt.
	flushTimeout = 15 * time.Second
)

// PointWriter is the slice of the time-series client the pipeline needs.
type PointWriter interface {
	// WritePoints writes a batch, returning permanent per-point
	// rejections separately from the batch-level error.
	WritePoints(ctx context.Context, points []influxdb.Point) ([]influxdb.Rejection, error)
}

// Presence is the liveness update the pipeline makes on every contact.
type Presence interface {
	SetOnline(ctx context.Context, deviceID int64, seenAt time.Time) error
}

// Broadcaster fans accepted points out to live subscribers. Delivery is
// best-effort; a slow subscriber must never hold up ingestion.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Pipeline normalises telemetry envelopes and writes them to the
// time-series store with per-device batching.
//
// Submissions for the same device arriving inside one batch window are
// coalesced into a single store write; each submitter still gets its own
// report. Batches for one device flush in arrival order.
type Pipeline struct {
	writer   PointWriter
	presence Presence
	hub      Broadcaster
	log      *slog.Logger

	batchSize   int
	batchWindow time.Duration
	skew        time.Duration
	retry       retryPolicy

	mu     sync.Mutex
	open   map[int64]*batch         // one accumulating batch per device
	tail   map[int64]chan struct{}  // completion of the device's newest batch
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// batch accumulates points for one device until its window lapses or it
// reaches the size limit. All submitters wait on done and read the
// shared result.
type batch struct {
	points []influxdb.Point
	flush  chan struct{}   // closed to force an early flush
	done   chan struct{}   // closed once result is populated
	prev   <-chan struct{} // previous batch's done channel, nil for the first

	rejected []influxdb.Rejection
	err      error
}

// NewPipeline creates a telemetry pipeline.
//
// Parameters:
//   - writer: Time-series client the batches are written through
//   - presence: Liveness tracker updated on every submission
//   - hub: Websocket hub for live point broadcast (may be nil)
//   - cfg: Batching and skew settings; zero values take defaults
//   - log: Logger instance (nil uses slog.Default())
func NewPipeline(writer PointWriter, presence Presence, hub Broadcaster, cfg config.TelemetryConfig, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}

	batchSize := defaultBatchSize
	if cfg.BatchSize > 0 {
		batchSize = cfg.BatchSize
	}
	batchWindow := defaultBatchWindow
	if cfg.BatchWindow > 0 {
		batchWindow = time.Duration(cfg.BatchWindow) * time.Millisecond
	}
	skew := defaultSkew
	if cfg.SkewTolerance > 0 {
		skew = time.Duration(cfg.SkewTolerance) * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		writer:      writer,
		presence:    presence,
		hub:         hub,
		log:         log,
		batchSize:   batchSize,
		batchWindow: batchWindow,
		skew:        skew,
		retry:       defaultRetryPolicy,
		open:        make(map[int64]*batch),
		tail:        make(map[int64]chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Submit ingests one envelope for an already-authenticated device.
//
// The envelope is validated against the device, stamped, flattened and
// queued for the device's current batch; the call blocks until that
// batch is flushed so the report is truthful.
//
// The liveness update happens before the store write and is never rolled
// back: a failed write still proves the device contacted us.
//
// Parameters:
//   - ctx: Caller's context; bounds the wait, not the write itself
//   - dev: Device resolved from the submission's credentials
//   - env: Decoded envelope
//
// Returns:
//   - *Report: Outcome including rejections and warnings
//   - error: nil on success, or:
//   - ErrNoData if the envelope carries no measurements
//   - ErrDeviceMismatch if the envelope names a different device
//   - ErrStoreUnavailable if the store refused the batch after retries
func (p *Pipeline) Submit(ctx context.Context, dev *device.Device, env *Envelope) (*Report, error) {
	if dev == nil {
		return nil, fmt.Errorf("telemetry: no device resolved")
	}
	if env == nil || len(env.Data) == 0 {
		return nil, ErrNoData
	}
	if env.DeviceID != 0 && env.DeviceID != dev.ID {
		return nil, fmt.Errorf("%w: envelope says %d, credentials say %d",
			ErrDeviceMismatch, env.DeviceID, dev.ID)
	}

	now := time.Now().UTC()
	report := &Report{ReceivedAt: now}

	eventTime, warning := resolveTimestamp(env.Timestamp, now, p.skew)
	if warning != "" {
		p.log.Warn("client timestamp overridden",
			"device_id", dev.ID,
			"detail", warning,
		)
		report.Warnings = append(report.Warnings, warning)
	}

	samples, rejected := flattenEnvelope(env)
	report.Rejected = rejected

	// The device demonstrably contacted us; record that before the
	// write, and keep it regardless of how the write goes. A cache
	// failure here degrades liveness, not ingestion.
	if p.presence != nil {
		if err := p.presence.SetOnline(ctx, dev.ID, now); err != nil {
			p.log.Warn("liveness update failed, continuing",
				"device_id", dev.ID,
				"error", err,
			)
		}
	}

	if len(samples) == 0 {
		return report, nil
	}

	points := make([]influxdb.Point, len(samples))
	for i, s := range samples {
		points[i] = influxdb.Point{
			DeviceID:  dev.ID,
			Field:     s.name,
			Value:     s.value,
			Timestamp: eventTime,
		}
	}

	batchRejected, err := p.enqueue(ctx, dev.ID, points)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	// Rejections are batch-wide; attribute by measurement name. Two
	// submissions disagreeing about a measurement's type inside one
	// window both see the rejection, which errs on the loud side.
	mine := make(map[string]bool, len(points))
	for _, pt := range points {
		mine[pt.Field] = true
	}
	for _, r := range batchRejected {
		if mine[r.Field] {
			report.Rejected = append(report.Rejected, r)
			delete(mine, r.Field)
		}
	}

	for _, pt := range points {
		if mine[pt.Field] {
			report.Written++
		}
	}

	return report, nil
}

// enqueue adds points to the device's open batch, opening one if needed,
// and waits for the flush result.
func (p *Pipeline) enqueue(ctx context.Context, deviceID int64, points []influxdb.Point) ([]influxdb.Rejection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	b := p.open[deviceID]
	if b == nil {
		b = &batch{
			flush: make(chan struct{}),
			done:  make(chan struct{}),
			prev:  p.tail[deviceID],
		}
		p.open[deviceID] = b
		p.tail[deviceID] = b.done
		p.wg.Add(1)
		go p.flushAfterWindow(deviceID, b)
	}

	b.points = append(b.points, points...)
	if len(b.points) >= p.batchSize {
		// Size trigger: detach now so the next submission opens a
		// fresh batch, and wake the flusher early.
		delete(p.open, deviceID)
		close(b.flush)
	}
	p.mu.Unlock()

	select {
	case <-b.done:
		return b.rejected, b.err
	case <-ctx.Done():
		// The batch still flushes in the background; delivery is
		// at-least-once, the submitter just stops waiting.
		return nil, ctx.Err()
	}
}

// flushAfterWindow owns one batch's lifecycle: wait for the window or an
// early trigger, detach, then write.
func (p *Pipeline) flushAfterWindow(deviceID int64, b *batch) {
	defer p.wg.Done()

	timer := time.NewTimer(p.batchWindow)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-b.flush:
	}

	p.mu.Lock()
	if p.open[deviceID] == b {
		delete(p.open, deviceID)
	}
	points := b.points
	p.mu.Unlock()

	// Batches for one device write in arrival order.
	if b.prev != nil {
		<-b.prev
	}

	b.rejected, b.err = p.writeBatch(deviceID, points)
	close(b.done)

	p.mu.Lock()
	if ch, ok := p.tail[deviceID]; ok && ch == b.done {
		delete(p.tail, deviceID)
	}
	p.mu.Unlock()
}

// writeBatch writes one detached batch with retries and broadcasts the
// accepted points.
func (p *Pipeline) writeBatch(deviceID int64, points []influxdb.Point) ([]influxdb.Rejection, error) {
	// Flushes run on the pipeline's own context: a submitter
	// disconnecting must not abort a batch other submitters share.
	ctx, cancel := context.WithTimeout(p.ctx, flushTimeout)
	defer cancel()

	var rejected []influxdb.Rejection
	err := p.retry.run(ctx, influxdb.IsTransient, func() error {
		var werr error
		rejected, werr = p.writer.WritePoints(ctx, points)
		return werr
	})
	if err != nil {
		p.log.Error("time-series batch write failed",
			"device_id", deviceID,
			"points", len(points),
			"error", err,
		)
		return rejected, err
	}

	if len(rejected) > 0 {
		p.log.Warn("measurements rejected by type registry",
			"device_id", deviceID,
			"rejected", len(rejected),
		)
	}

	p.broadcast(deviceID, points, rejected)
	return rejected, nil
}

// broadcast pushes the accepted slice of a flushed batch to websocket
// subscribers of the device's channel.
func (p *Pipeline) broadcast(deviceID int64, points []influxdb.Point, rejected []influxdb.Rejection) {
	if p.hub == nil {
		return
	}

	refused := make(map[string]bool, len(rejected))
	for _, r := range rejected {
		refused[r.Field] = true
	}

	accepted := make([]StreamPoint, 0, len(points))
	for _, pt := range points {
		if refused[pt.Field] {
			continue
		}
		accepted = append(accepted, StreamPoint{
			Measurement: pt.Field,
			Value:       pt.Value.Interface(),
			Timestamp:   pt.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	if len(accepted) == 0 {
		return
	}

	p.hub.Broadcast(fmt.Sprintf("telemetry.%d", deviceID), accepted)
}

// Close flushes every open batch and waits for in-flight writes.
// Submissions after Close fail with ErrStoreUnavailable.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, b := range p.open {
		delete(p.open, id)
		close(b.flush)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
