package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/iotflow/iotflow-core/internal/infrastructure/config"
)

// Default timeouts for InfluxDB operations.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
)

// Client wraps the InfluxDB v2 client with IoTFlow-specific functionality.
//
// Writes go through the blocking write API: the telemetry pipeline needs
// a synchronous outcome for every batch so it can retry transient
// failures and report permanent ones back to the device. Batching happens
// upstream in the pipeline, not here.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	cfg      config.InfluxDBConfig

	// registry pins the scalar kind of every (device, field) series.
	registry *typeRegistry

	// connected tracks current connection state.
	connected bool
	mu        sync.RWMutex
}

// Connect establishes a connection to the InfluxDB server.
//
// It performs the following setup:
//  1. Creates the client with token authentication
//  2. Verifies connectivity with a ping
//  3. Configures the blocking write API and the query API
//
// Parameters:
//   - cfg: InfluxDB configuration from config.yaml
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: If the connection cannot be verified
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.Timeout > 0 {
		// SetHTTPRequestTimeout takes seconds.
		// #nosec G115 -- validated positive above
		opts = opts.SetHTTPRequestTimeout(uint(cfg.Timeout))
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	return &Client{
		client:    client,
		writeAPI:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI:  client.QueryAPI(cfg.Org),
		cfg:       cfg,
		registry:  newTypeRegistry(),
		connected: true,
	}, nil
}

// Close gracefully shuts down the InfluxDB connection.
//
// The blocking write API has no internal buffer, so there is nothing to
// flush; the underlying HTTP client is simply closed.
//
// Returns:
//   - error: nil (InfluxDB client Close doesn't return errors)
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.client.Close()

	return nil
}

// HealthCheck verifies the InfluxDB connection is alive and functioning.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}

	return nil
}

// IsConnected returns the current connection state.
//
// Note: This reflects the last known state. For reliability,
// use HealthCheck which performs an active ping.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
