package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotflow/iotflow-core/internal/auth"
	"github.com/iotflow/iotflow-core/internal/device"
	"github.com/iotflow/iotflow-core/internal/infrastructure/config"
	"github.com/iotflow/iotflow-core/internal/infrastructure/mqtt"
	"github.com/iotflow/iotflow-core/internal/liveness"
	"github.com/iotflow/iotflow-core/internal/telemetry"
)

// atLeastOnce is the QoS for all business traffic. Duplicate delivery
// is tolerated: the time-series store is idempotent on identical
// (path, timestamp, value) tuples.
const atLeastOnce byte = 1

// dispatchTimeout caps the handling of one queued message, telemetry
// batch flush included.
const dispatchTimeout = 30 * time.Second

// defaultQueueSize bounds the inbound queue when configuration does
// not say otherwise.
const defaultQueueSize = 4096

// Broker is the MQTT session the ingress runs on.
// *mqtt.Client satisfies it.
type Broker interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Authenticator resolves envelope api keys to devices.
// *auth.Authenticator satisfies it.
type Authenticator interface {
	AuthenticateFor(ctx context.Context, apiKey string, scope auth.Scope) (*auth.Identity, error)
}

// RateLimiter throttles inbound messages per credential.
// *liveness.Limiter satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, scope, key string) liveness.Decision
}

// TelemetrySink accepts decoded telemetry envelopes.
// *telemetry.Pipeline satisfies it.
type TelemetrySink interface {
	Submit(ctx context.Context, dev *device.Device, env *telemetry.Envelope) (*telemetry.Report, error)
}

// Presence toggles device liveness from status messages.
// *liveness.Tracker satisfies it.
type Presence interface {
	SetOnline(ctx context.Context, deviceID int64, seenAt time.Time) error
	MarkOffline(ctx context.Context, deviceID int64) error
}

// DeviceStore persists heartbeat times.
// *device.Repository satisfies it.
type DeviceStore interface {
	TouchLastSeen(ctx context.Context, id int64, seenAt time.Time) error
}

// Service is the MQTT ingress: it subscribes to the device topic tree,
// buffers inbound messages in a bounded queue, and dispatches them to
// the telemetry pipeline or the liveness tracker.
//
// Broker callbacks only classify and enqueue. All decoding, auth,
// rate limiting, and store work happens on the dispatch worker, so a
// slow store can never stall the broker client's delivery loop.
type Service struct {
	broker   Broker
	authn    Authenticator
	limits   RateLimiter
	sink     TelemetrySink
	presence Presence
	devices  DeviceStore
	log      *slog.Logger

	topics mqtt.Topics
	queue  *queue

	handled atomic.Uint64
	dropped atomic.Uint64
	refused atomic.Uint64

	mu      sync.Mutex
	started bool
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Stats is a point-in-time snapshot of ingress activity.
type Stats struct {
	// QueueDepth is how many messages are waiting for dispatch.
	QueueDepth int `json:"queue_depth"`

	// QueueCapacity is the configured queue bound.
	QueueCapacity int `json:"queue_capacity"`

	// Handled counts messages that reached their handler.
	Handled uint64 `json:"handled"`

	// Dropped counts messages discarded before taking effect: bad
	// topics, undecodable payloads, failed auth, rate limits, and
	// telemetry lost to an exhausted store retry.
	Dropped uint64 `json:"dropped"`

	// Refused counts messages left unacknowledged because the queue
	// was full of telemetry. The broker re-delivers these.
	Refused uint64 `json:"refused"`

	// Evicted counts non-telemetry messages pushed out of a full
	// queue to make room for telemetry.
	Evicted uint64 `json:"evicted"`

	// Connected reports the broker session state.
	Connected bool `json:"connected"`
}

// NewService creates the MQTT ingress.
//
// Parameters:
//   - broker: connected MQTT session (subscriptions are registered by Start)
//   - authn: api key resolver
//   - limits: per-credential rate limiter
//   - sink: telemetry pipeline
//   - presence: liveness tracker
//   - devices: device store, for heartbeat last_seen updates
//   - cfg: MQTT section of the configuration (queue size)
//   - log: structured logger (nil uses slog.Default())
//
// Returns:
//   - *Service: ready to Start
func NewService(
	broker Broker,
	authn Authenticator,
	limits RateLimiter,
	sink TelemetrySink,
	presence Presence,
	devices DeviceStore,
	cfg config.MQTTConfig,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		broker:   broker,
		authn:    authn,
		limits:   limits,
		sink:     sink,
		presence: presence,
		devices:  devices,
		log:      log,
		queue:    newQueue(size),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the device topic tree and launches the dispatch
// worker. Subscriptions survive reconnects: the broker client restores
// them on every session resume.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrNotRunning
	}
	if s.started {
		return nil
	}

	patterns := []string{
		s.topics.AllTelemetry(),
		s.topics.AllStatus(),
		s.topics.AllCommands(),
	}
	for _, pattern := range patterns {
		if err := s.broker.Subscribe(pattern, atLeastOnce, s.onMessage); err != nil {
			return fmt.Errorf("subscribing to %s: %w", pattern, err)
		}
	}

	s.started = true
	s.wg.Add(1)
	go s.run()

	s.log.Info("MQTT ingress started",
		"queue_capacity", len(s.queue.buf),
		"subscriptions", len(patterns),
	)
	return nil
}

// onMessage is the broker callback for every subscription. It copies
// the payload and enqueues; returning mqtt.ErrRefuseAck on overflow
// leaves the message with the broker for re-delivery.
func (s *Service) onMessage(topic string, payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		// Nobody will drain the queue again in this process. Refusing
		// the ack parks the message on the broker for the next session.
		return mqtt.ErrRefuseAck
	}

	m := message{
		topic:      topic,
		payload:    append([]byte(nil), payload...),
		receivedAt: time.Now().UTC(),
	}
	if err := s.queue.push(m); err != nil {
		s.refused.Add(1)
		s.log.Warn("inbound queue full, refusing ack",
			"topic", topic,
			"depth", s.queue.len(),
		)
		return mqtt.ErrRefuseAck
	}
	return nil
}

// run drains the queue until Close. One token on the ready channel may
// cover many messages, so each wakeup drains to empty.
func (s *Service) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.queue.ready:
			for {
				m, ok := s.queue.pop()
				if !ok {
					break
				}
				s.dispatch(m)
				if s.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// dispatch routes one message to its handler.
func (s *Service) dispatch(m message) {
	rt, err := parseTopic(m.topic)
	if err != nil {
		s.dropped.Add(1)
		s.log.Warn("dropping message", "topic", m.topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, dispatchTimeout)
	defer cancel()

	switch rt.category {
	case categoryTelemetry:
		s.handleTelemetry(ctx, m, rt)
	case categoryStatus:
		s.handleStatus(ctx, m, rt)
	case categoryCommands:
		s.handleCommand(m, rt)
	}
}

// Stats reports ingress counters for the metrics endpoint.
func (s *Service) Stats() Stats {
	depth, capacity, evicted := s.queue.stats()
	return Stats{
		QueueDepth:    depth,
		QueueCapacity: capacity,
		Handled:       s.handled.Load(),
		Dropped:       s.dropped.Load(),
		Refused:       s.refused.Load(),
		Evicted:       evicted,
		Connected:     s.broker.IsConnected(),
	}
}

// Close stops the dispatch worker and stops acknowledging new
// messages. It does not disconnect the broker session; the owner of
// the *mqtt.Client does that, and teardown order matters: close the
// service first so in-flight deliveries are refused rather than
// acknowledged into a dead queue.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.log.Info("MQTT ingress stopped",
		"handled", s.handled.Load(),
		"dropped", s.dropped.Load(),
		"refused", s.refused.Load(),
	)
	return nil
}
