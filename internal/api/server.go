package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/iotflow/iotflow-core/internal/auth"
	"github.com/iotflow/iotflow-core/internal/device"
	"github.com/iotflow/iotflow-core/internal/infrastructure/config"
	"github.com/iotflow/iotflow-core/internal/infrastructure/influxdb"
	"github.com/iotflow/iotflow-core/internal/ingest"
	"github.com/iotflow/iotflow-core/internal/liveness"
	"github.com/iotflow/iotflow-core/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Authenticator resolves device credentials and invalidates cached
// resolutions after key changes. *auth.Authenticator satisfies it.
type Authenticator interface {
	AuthenticateFor(ctx context.Context, apiKey string, scope auth.Scope) (*auth.Identity, error)
	Invalidate(ctx context.Context, apiKey string)
}

// RateLimiter answers window-budget checks. *liveness.Limiter satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, scope, key string) liveness.Decision
}

// PresenceTracker answers device liveness questions. *liveness.Tracker
// satisfies it.
type PresenceTracker interface {
	Check(ctx context.Context, dev *device.Device) *liveness.Status
	SetOnline(ctx context.Context, deviceID int64, seenAt time.Time) error
	Forget(ctx context.Context, deviceID int64) error
	HeartbeatTTL() time.Duration
}

// TelemetrySink accepts inbound telemetry envelopes. *telemetry.Pipeline
// satisfies it.
type TelemetrySink interface {
	Submit(ctx context.Context, dev *device.Device, env *telemetry.Envelope) (*telemetry.Report, error)
}

// TelemetryStore answers read-side telemetry queries. *influxdb.Client
// satisfies it.
type TelemetryStore interface {
	QueryLatest(ctx context.Context, deviceID int64, field string) ([]influxdb.Sample, error)
	QueryRangeAll(ctx context.Context, deviceID int64, field string, start, stop time.Time, limit int) ([]influxdb.Sample, error)
	QueryAggregate(ctx context.Context, deviceID int64, field string, start, stop time.Time, every time.Duration, fn string) ([]influxdb.AggregateBucket, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
	DeleteDevice(ctx context.Context, deviceID int64) error
}

// CacheAdmin exposes the liveness cache census and flush used by the
// admin surface. *liveness.Maintenance satisfies it.
type CacheAdmin interface {
	Stats(ctx context.Context) (*liveness.CacheStats, error)
	Flush(ctx context.Context) (int64, error)
}

// IngressReporter reports MQTT ingress counters for the metrics and
// health surfaces. *ingest.Service satisfies it.
type IngressReporter interface {
	Stats() ingest.Stats
}

// PoolStats reports connection pool gauges for the metrics endpoint.
// *database.DB satisfies it.
type PoolStats interface {
	Stats() sql.DBStats
}

// HealthChecker is the probe every backing service answers.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthTargets names the backing services the health endpoint probes.
// Nil entries report as not configured rather than failing the probe,
// except Store, whose absence is always a fault.
type HealthTargets struct {
	Store      HealthChecker // device store (SQLite)
	TimeSeries HealthChecker // telemetry store (InfluxDB)
	Cache      HealthChecker // liveness cache (Redis)
	Broker     HealthChecker // MQTT session
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	MQTT     config.MQTTConfig
	Security config.SecurityConfig
	Log      *slog.Logger
	Devices  device.Repository
	Authn    Authenticator
	Limits   RateLimiter
	Presence PresenceTracker
	Pipeline TelemetrySink
	TSDB     TelemetryStore
	Cache    CacheAdmin      // optional: cache admin endpoints degrade without it
	Ingress  IngressReporter // optional: MQTT ingress may be disabled
	Pool     PoolStats       // optional: database gauges for metrics
	Health   HealthTargets

	// ExternalHub lets the assembler share one hub between the server
	// and the telemetry pipeline's broadcast path. When nil the server
	// runs its own.
	ExternalHub *Hub

	Version string
}

// Server is the HTTP API for the device connectivity layer.
//
// It owns the listener, the middleware chain, and the WebSocket hub for
// live telemetry streams. Create with New, start with Start, stop with
// Close.
type Server struct {
	cfg      config.APIConfig
	mqttCfg  config.MQTTConfig
	security config.SecurityConfig
	log      *slog.Logger
	devices  device.Repository
	authn    Authenticator
	limits   RateLimiter
	presence PresenceTracker
	pipeline TelemetrySink
	tsdb     TelemetryStore
	cache    CacheAdmin
	ingress  IngressReporter
	pool     PoolStats
	health   HealthTargets
	version  string

	server      *http.Server
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
	startedAt   time.Time
}

// New creates the API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, stores, auth, pipeline)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device repository is required")
	}
	if deps.Authn == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if deps.Limits == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if deps.Presence == nil {
		return nil, fmt.Errorf("presence tracker is required")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("telemetry pipeline is required")
	}
	if deps.TSDB == nil {
		return nil, fmt.Errorf("telemetry store is required")
	}

	s := &Server{
		cfg:      deps.Config,
		mqttCfg:  deps.MQTT,
		security: deps.Security,
		log:      deps.Log,
		devices:  deps.Devices,
		authn:    deps.Authn,
		limits:   deps.Limits,
		presence: deps.Presence,
		pipeline: deps.Pipeline,
		tsdb:     deps.TSDB,
		cache:    deps.Cache,
		ingress:  deps.Ingress,
		pool:     deps.Pool,
		health:   deps.Health,
		version:  deps.Version,
	}

	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It builds the router, starts the WebSocket hub, and launches the HTTP
// listener in a background goroutine. The server can be stopped with
// Close().
//
// Parameters:
//   - ctx: Context for background goroutine lifetime
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	// An external hub is run by whoever created it; only a hub of our
	// own rides this server's lifecycle.
	if s.hub == nil {
		s.hub = NewHub(s.log)
		go s.hub.Run(srvCtx)
	}

	s.startedAt = time.Now()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.log.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Stop background goroutines (hub) when we own them.
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.log.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// Hub exposes the WebSocket hub so the assembler can hand it to the
// telemetry pipeline as its broadcast target.
func (s *Server) Hub() *Hub {
	return s.hub
}
