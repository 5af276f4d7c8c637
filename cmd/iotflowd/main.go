// IoTFlow Core - IoT Device Connectivity Layer
//
// This is the main entry point for the IoTFlow Core service. IoTFlow
// sits between a fleet of field devices and the stores that describe
// them:
//   - Device registry and credentials in SQLite
//   - Telemetry in InfluxDB
//   - Liveness, rate limits and credential cache in Redis
//   - Device traffic over HTTP and MQTT
//
// For the HTTP surface, see internal/api. For the MQTT ingress, see
// internal/ingest.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/iotflow/iotflow-core/migrations"

	"github.com/iotflow/iotflow-core/internal/api"
	"github.com/iotflow/iotflow-core/internal/auth"
	"github.com/iotflow/iotflow-core/internal/device"
	"github.com/iotflow/iotflow-core/internal/infrastructure/config"
	"github.com/iotflow/iotflow-core/internal/infrastructure/database"
	"github.com/iotflow/iotflow-core/internal/infrastructure/influxdb"
	"github.com/iotflow/iotflow-core/internal/infrastructure/logging"
	"github.com/iotflow/iotflow-core/internal/infrastructure/mqtt"
	"github.com/iotflow/iotflow-core/internal/infrastructure/redis"
	"github.com/iotflow/iotflow-core/internal/ingest"
	"github.com/iotflow/iotflow-core/internal/liveness"
	"github.com/iotflow/iotflow-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configError marks failures caused by the operator's configuration
// rather than the runtime environment, so main can exit 2 instead of 1.
type configError struct {
	err error
}

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	// This is the Go pattern for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the application
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var cfgErr configError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting IoTFlow Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath, log.Warn)
	if err != nil {
		return configError{fmt.Errorf("loading config: %w", err)}
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the device store
	db, err := database.Open(database.Config{
		Path:         cfg.Database.Path,
		WALMode:      cfg.Database.WALMode,
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to the liveness cache. The service runs without it:
	// presence falls back to the store, the rate limiter fails open,
	// and credential lookups skip the cache.
	rdb, err := redis.Connect(cfg.Redis)
	if err != nil {
		log.Warn("liveness cache unavailable, continuing degraded", "error", err)
		rdb = nil
	} else {
		defer func() {
			log.Info("closing liveness cache connection")
			if closeErr := rdb.Close(); closeErr != nil {
				log.Error("error closing liveness cache", "error", closeErr)
			}
		}()
		log.Info("liveness cache connected", "url", cfg.Redis.URL)
	}

	// Connect to the telemetry store. Unlike the cache this one is
	// required: every telemetry write and read goes through it.
	influx, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	defer func() {
		log.Info("closing InfluxDB connection")
		if closeErr := influx.Close(); closeErr != nil {
			log.Error("error closing InfluxDB", "error", closeErr)
		}
	}()
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)

	// Device registry and identity services
	deviceRepo := device.NewSQLiteRepository(db.DB)
	authn := auth.NewAuthenticator(deviceRepo, liveness.NewAuthCache(rdb, cfg.Security), log.Logger)
	tracker := liveness.NewTracker(rdb, cfg.Telemetry, log.Logger)
	limiter := liveness.NewLimiter(rdb, cfg.RateLimit, log.Logger)

	// The websocket hub is created here rather than inside the API
	// server so the telemetry pipeline can broadcast through it.
	hub := api.NewHub(log.Logger)
	go hub.Run(ctx)

	// Telemetry pipeline: envelope validation, batching, store writes
	pipeline := telemetry.NewPipeline(influx, tracker, hub, cfg.Telemetry, log.Logger)
	defer func() {
		log.Info("closing telemetry pipeline")
		pipeline.Close()
	}()
	log.Info("telemetry pipeline started")

	// Connect to MQTT and start the ingress (optional)
	var mqttClient *mqtt.Client
	var ingress *ingest.Service
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		// Set up MQTT logging callbacks
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		ingress = ingest.NewService(mqttClient, authn, limiter, pipeline, tracker, deviceRepo, cfg.MQTT, log.Logger)
		if startErr := ingress.Start(); startErr != nil {
			return fmt.Errorf("starting MQTT ingress: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT ingress")
			if closeErr := ingress.Close(); closeErr != nil {
				log.Error("error closing MQTT ingress", "error", closeErr)
			}
		}()
		log.Info("MQTT ingress started")
	} else {
		log.Info("MQTT ingress disabled")
	}

	// Assemble the HTTP API server
	deps := api.Deps{
		Config:      cfg.API,
		MQTT:        cfg.MQTT,
		Security:    cfg.Security,
		Log:         log.Logger,
		Devices:     deviceRepo,
		Authn:       authn,
		Limits:      limiter,
		Presence:    tracker,
		Pipeline:    pipeline,
		TSDB:        influx,
		Cache:       liveness.NewMaintenance(rdb),
		Pool:        db,
		Health:      api.HealthTargets{Store: db, TimeSeries: influx},
		ExternalHub: hub,
		Version:     version,
	}
	// Optional targets stay nil interfaces when the backing client is
	// absent; a typed nil would dodge the handlers' nil checks.
	if rdb != nil {
		deps.Health.Cache = rdb
	}
	if mqttClient != nil {
		deps.Health.Broker = mqttClient
		deps.Ingress = ingress
	}

	apiServer, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("closing API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, rdb, influx, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. MQTT ingress, then the MQTT session (if enabled)
	// 3. Telemetry pipeline (flushes open batches)
	// 4. InfluxDB
	// 5. Liveness cache (if connected)
	// 6. Database

	log.Info("IoTFlow Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses IOTFLOW_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("IOTFLOW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Device store to check
//   - rdb: Liveness cache to check (may be nil if degraded)
//   - influx: Telemetry store to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, rdb *redis.Client, influx *influxdb.Client, mqttClient *mqtt.Client) error {
	// Check the device store
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Check the liveness cache (if connected)
	if rdb != nil {
		if err := rdb.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	// Check the telemetry store
	if err := influx.HealthCheck(ctx); err != nil {
		return fmt.Errorf("influxdb: %w", err)
	}

	// Check MQTT (if enabled)
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	return nil
}
