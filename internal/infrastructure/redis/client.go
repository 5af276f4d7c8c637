package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/iotflow/iotflow-core/internal/infrastructure/config"
)

// Default timeouts for Redis operations.
const (
	// defaultPingTimeout bounds connection verification and health checks.
	defaultPingTimeout = 2 * time.Second
)

// Client wraps a go-redis client with IoTFlow-specific functionality.
//
// The embedded redis.Client exposes the full command surface; the wrapper
// adds lifecycle management and health checks matching the other
// infrastructure clients.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	*goredis.Client
	cfg config.RedisConfig
}

// Connect establishes a connection to the Redis server.
//
// It performs the following setup:
//  1. Parses the configured URL (redis://host:port/db)
//  2. Applies dial/read/write timeouts from configuration
//  3. Verifies connectivity with a ping
//
// Parameters:
//   - cfg: Redis configuration from config.yaml
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: If the URL is invalid or the server is unreachable
func Connect(cfg config.RedisConfig) (*Client, error) {
	opt, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	if cfg.DialTimeout > 0 {
		opt.DialTimeout = time.Duration(cfg.DialTimeout) * time.Second
	}
	if cfg.ReadTimeout > 0 {
		opt.ReadTimeout = time.Duration(cfg.ReadTimeout) * time.Second
	}
	if cfg.WriteTimeout > 0 {
		opt.WriteTimeout = time.Duration(cfg.WriteTimeout) * time.Second
	}

	client := goredis.NewClient(opt)

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}

	return &Client{
		Client: client,
		cfg:    cfg,
	}, nil
}

// Close closes the Redis connection gracefully.
// It should be called when the application shuts down.
//
// Returns:
//   - error: If closing fails
func (c *Client) Close() error {
	if c == nil || c.Client == nil {
		return nil
	}
	if err := c.Client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}

// HealthCheck verifies the Redis connection is alive and functioning.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if err := c.Ping(checkCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
