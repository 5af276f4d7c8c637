package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for IoTFlow Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Security  SecurityConfig  `yaml:"security"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
// Request is the per-handler deadline; the others shape the listener.
type APITimeoutConfig struct {
	Read    int `yaml:"read"`
	Write   int `yaml:"write"`
	Idle    int `yaml:"idle"`
	Request int `yaml:"request"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// DatabaseConfig contains SQLite device store settings.
type DatabaseConfig struct {
	Path         string `yaml:"path"`
	WALMode      bool   `yaml:"wal_mode"`
	BusyTimeout  int    `yaml:"busy_timeout"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RedisConfig contains liveness cache connection settings.
// URL uses the redis scheme: redis://[:password@]host:port/db
type RedisConfig struct {
	URL          string `yaml:"url"`
	DialTimeout  int    `yaml:"dial_timeout"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
}

// InfluxDBConfig contains time-series store connection settings.
type InfluxDBConfig struct {
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
	Timeout int    `yaml:"timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	KeepAlive int                 `yaml:"keep_alive"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	QueueSize int                 `yaml:"queue_size"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
// MaxAttempts of 0 means retry forever.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	// AdminSecret is the pre-shared bearer for admin endpoints.
	// Always set via IOTFLOW_SECURITY_ADMIN_SECRET in production.
	AdminSecret string `yaml:"admin_secret"`

	// AdminTokenTTL is the lifetime of minted admin session tokens in minutes.
	AdminTokenTTL int `yaml:"admin_token_ttl"`

	// APIKeyLength is the length of generated device API keys.
	APIKeyLength int `yaml:"api_key_length"`

	// AuthCacheTTL is how long API-key resolutions are cached, in seconds.
	AuthCacheTTL int `yaml:"auth_cache_ttl"`
}

// RateLimitConfig contains fixed-window rate limiting settings.
type RateLimitConfig struct {
	Enabled      bool            `yaml:"enabled"`
	Registration RateLimitBucket `yaml:"registration"`
	Telemetry    RateLimitBucket `yaml:"telemetry"`
	Heartbeat    RateLimitBucket `yaml:"heartbeat"`
	Default      RateLimitBucket `yaml:"default"`
}

// RateLimitBucket defines one scope's limit and window (seconds).
type RateLimitBucket struct {
	Limit  int `yaml:"limit"`
	Window int `yaml:"window"`
}

// TelemetryConfig contains ingestion pipeline settings.
type TelemetryConfig struct {
	// HeartbeatTTL is the liveness window in seconds: a device is online
	// if it has contacted us within this long.
	HeartbeatTTL int `yaml:"heartbeat_ttl"`

	// LastSeenTTL is how long last-seen values persist in the cache,
	// in seconds. Kept much longer than HeartbeatTTL so "last seen"
	// remains answerable after a device goes offline.
	LastSeenTTL int `yaml:"last_seen_ttl"`

	// SkewTolerance is the maximum accepted client clock skew in seconds.
	// Timestamps further from server time are replaced with it.
	SkewTolerance int `yaml:"skew_tolerance"`

	// BatchSize is the maximum points per time-series write.
	BatchSize int `yaml:"batch_size"`

	// BatchWindow is the batching window in milliseconds.
	BatchWindow int `yaml:"batch_window"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: IOTFLOW_SECTION_KEY
// For example: IOTFLOW_DATABASE_PATH, IOTFLOW_API_PORT
//
// An empty path skips the file stage so the server can run from
// environment variables alone.
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for none
//   - warn: Sink for non-fatal load warnings (unknown env keys); may be nil
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read or parsed, an override is malformed,
//     or validation fails
func Load(path string, warn func(msg string, args ...any)) (*Config, error) {
	if warn == nil {
		warn = func(string, ...any) {}
	}

	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file when given
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Apply environment variable overrides
	if err := applyEnvOverrides(cfg, warn); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:    30,
				Write:   30,
				Idle:    60,
				Request: 10,
			},
		},
		Database: DatabaseConfig{
			Path:         "./data/iotflow.db",
			WALMode:      true,
			BusyTimeout:  5,
			MaxOpenConns: 16,
		},
		Redis: RedisConfig{
			URL:          "redis://localhost:6379/0",
			DialTimeout:  5,
			ReadTimeout:  3,
			WriteTimeout: 3,
		},
		InfluxDB: InfluxDBConfig{
			URL:     "http://localhost:8086",
			Org:     "iotflow",
			Bucket:  "telemetry",
			Timeout: 10,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "iotflow-core",
			},
			QoS:       1,
			KeepAlive: 60,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     30,
				MaxAttempts:  0,
			},
			QueueSize: 4096,
		},
		Security: SecurityConfig{
			AdminTokenTTL: 60,
			APIKeyLength:  32,
			AuthCacheTTL:  30,
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			Registration: RateLimitBucket{Limit: 10, Window: 300},
			Telemetry:    RateLimitBucket{Limit: 100, Window: 60},
			Heartbeat:    RateLimitBucket{Limit: 30, Window: 60},
			Default:      RateLimitBucket{Limit: 60, Window: 60},
		},
		Telemetry: TelemetryConfig{
			HeartbeatTTL:  120,
			LastSeenTTL:   86400,
			SkewTolerance: 86400,
			BatchSize:     256,
			BatchWindow:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// envPrefix is the prefix for all environment variable overrides.
const envPrefix = "IOTFLOW_"

// envOverride binds one environment variable to a config field.
type envOverride struct {
	key   string
	apply func(cfg *Config, value string) error
}

// envOverrides is the full table of recognised environment variables.
// Unrecognised IOTFLOW_* variables produce a warning, not an error.
var envOverrides = []envOverride{
	{"API_HOST", func(c *Config, v string) error { c.API.Host = v; return nil }},
	{"API_PORT", func(c *Config, v string) error { return setInt(&c.API.Port, v) }},
	{"DATABASE_PATH", func(c *Config, v string) error { c.Database.Path = v; return nil }},
	{"DATABASE_MAX_OPEN_CONNS", func(c *Config, v string) error { return setInt(&c.Database.MaxOpenConns, v) }},
	{"REDIS_URL", func(c *Config, v string) error { c.Redis.URL = v; return nil }},
	{"INFLUXDB_URL", func(c *Config, v string) error { c.InfluxDB.URL = v; return nil }},
	{"INFLUXDB_TOKEN", func(c *Config, v string) error { c.InfluxDB.Token = v; return nil }},
	{"INFLUXDB_ORG", func(c *Config, v string) error { c.InfluxDB.Org = v; return nil }},
	{"INFLUXDB_BUCKET", func(c *Config, v string) error { c.InfluxDB.Bucket = v; return nil }},
	{"MQTT_ENABLED", func(c *Config, v string) error { return setBool(&c.MQTT.Enabled, v) }},
	{"MQTT_HOST", func(c *Config, v string) error { c.MQTT.Broker.Host = v; return nil }},
	{"MQTT_PORT", func(c *Config, v string) error { return setInt(&c.MQTT.Broker.Port, v) }},
	{"MQTT_CLIENT_ID", func(c *Config, v string) error { c.MQTT.Broker.ClientID = v; return nil }},
	{"MQTT_USERNAME", func(c *Config, v string) error { c.MQTT.Auth.Username = v; return nil }},
	{"MQTT_PASSWORD", func(c *Config, v string) error { c.MQTT.Auth.Password = v; return nil }},
	{"MQTT_KEEP_ALIVE", func(c *Config, v string) error { return setInt(&c.MQTT.KeepAlive, v) }},
	{"MQTT_QUEUE_SIZE", func(c *Config, v string) error { return setInt(&c.MQTT.QueueSize, v) }},
	{"SECURITY_ADMIN_SECRET", func(c *Config, v string) error { c.Security.AdminSecret = v; return nil }},
	{"SECURITY_ADMIN_TOKEN_TTL", func(c *Config, v string) error { return setInt(&c.Security.AdminTokenTTL, v) }},
	{"SECURITY_API_KEY_LENGTH", func(c *Config, v string) error { return setInt(&c.Security.APIKeyLength, v) }},
	{"SECURITY_AUTH_CACHE_TTL", func(c *Config, v string) error { return setInt(&c.Security.AuthCacheTTL, v) }},
	{"RATELIMIT_ENABLED", func(c *Config, v string) error { return setBool(&c.RateLimit.Enabled, v) }},
	{"RATELIMIT_REGISTRATION_LIMIT", func(c *Config, v string) error { return setInt(&c.RateLimit.Registration.Limit, v) }},
	{"RATELIMIT_REGISTRATION_WINDOW", func(c *Config, v string) error { return setInt(&c.RateLimit.Registration.Window, v) }},
	{"RATELIMIT_TELEMETRY_LIMIT", func(c *Config, v string) error { return setInt(&c.RateLimit.Telemetry.Limit, v) }},
	{"RATELIMIT_TELEMETRY_WINDOW", func(c *Config, v string) error { return setInt(&c.RateLimit.Telemetry.Window, v) }},
	{"RATELIMIT_HEARTBEAT_LIMIT", func(c *Config, v string) error { return setInt(&c.RateLimit.Heartbeat.Limit, v) }},
	{"RATELIMIT_HEARTBEAT_WINDOW", func(c *Config, v string) error { return setInt(&c.RateLimit.Heartbeat.Window, v) }},
	{"RATELIMIT_DEFAULT_LIMIT", func(c *Config, v string) error { return setInt(&c.RateLimit.Default.Limit, v) }},
	{"RATELIMIT_DEFAULT_WINDOW", func(c *Config, v string) error { return setInt(&c.RateLimit.Default.Window, v) }},
	{"TELEMETRY_HEARTBEAT_TTL", func(c *Config, v string) error { return setInt(&c.Telemetry.HeartbeatTTL, v) }},
	{"TELEMETRY_LAST_SEEN_TTL", func(c *Config, v string) error { return setInt(&c.Telemetry.LastSeenTTL, v) }},
	{"TELEMETRY_SKEW_TOLERANCE", func(c *Config, v string) error { return setInt(&c.Telemetry.SkewTolerance, v) }},
	{"TELEMETRY_BATCH_SIZE", func(c *Config, v string) error { return setInt(&c.Telemetry.BatchSize, v) }},
	{"TELEMETRY_BATCH_WINDOW", func(c *Config, v string) error { return setInt(&c.Telemetry.BatchWindow, v) }},
	{"LOGGING_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"LOGGING_FORMAT", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
	{"LOGGING_OUTPUT", func(c *Config, v string) error { c.Logging.Output = v; return nil }},
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// A malformed value aborts the load; an unknown IOTFLOW_* key only warns.
func applyEnvOverrides(cfg *Config, warn func(msg string, args ...any)) error {
	known := make(map[string]envOverride, len(envOverrides))
	for _, o := range envOverrides {
		known[envPrefix+o.key] = o
	}

	for _, entry := range os.Environ() {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		// IOTFLOW_CONFIG selects the file itself; handled by the caller.
		if name == envPrefix+"CONFIG" {
			continue
		}

		o, recognised := known[name]
		if !recognised {
			warn("ignoring unknown configuration variable", "name", name)
			continue
		}
		if err := o.apply(cfg, value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return nil
}

// setInt parses an integer environment value into dst.
func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("expected integer, got %q", value)
	}
	*dst = n
	return nil
}

// setBool parses a boolean environment value into dst.
func setBool(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("expected boolean, got %q", value)
	}
	*dst = b
	return nil
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of all validation failures, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Timeouts.Request < 1 {
		errs = append(errs, "api.timeouts.request must be at least 1 second")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.MaxOpenConns < 1 {
		errs = append(errs, "database.max_open_conns must be at least 1")
	}

	// Cache validation
	if c.Redis.URL == "" {
		errs = append(errs, "redis.url is required")
	}

	// Time-series validation
	if c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required")
	}
	if c.InfluxDB.Org == "" {
		errs = append(errs, "influxdb.org is required")
	}
	if c.InfluxDB.Bucket == "" {
		errs = append(errs, "influxdb.bucket is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}
	if c.MQTT.QueueSize < 1 {
		errs = append(errs, "mqtt.queue_size must be at least 1")
	}

	// Security validation - admin secret is REQUIRED
	// An empty or guessable secret exposes every admin operation,
	// including credential rotation and device deletion.
	const minAdminSecretLength = 16
	if c.Security.AdminSecret == "" {
		errs = append(errs, "security.admin_secret is required (set IOTFLOW_SECURITY_ADMIN_SECRET environment variable)")
	} else if len(c.Security.AdminSecret) < minAdminSecretLength {
		errs = append(errs, "security.admin_secret must be at least 16 characters")
	}

	const minAPIKeyLength = 32
	const maxAPIKeyLength = 64
	if c.Security.APIKeyLength < minAPIKeyLength || c.Security.APIKeyLength > maxAPIKeyLength {
		errs = append(errs, "security.api_key_length must be between 32 and 64")
	}

	// Rate limit validation
	for _, b := range []struct {
		name   string
		bucket RateLimitBucket
	}{
		{"registration", c.RateLimit.Registration},
		{"telemetry", c.RateLimit.Telemetry},
		{"heartbeat", c.RateLimit.Heartbeat},
		{"default", c.RateLimit.Default},
	} {
		if b.bucket.Limit < 1 {
			errs = append(errs, fmt.Sprintf("rate_limit.%s.limit must be at least 1", b.name))
		}
		if b.bucket.Window < 1 {
			errs = append(errs, fmt.Sprintf("rate_limit.%s.window must be at least 1 second", b.name))
		}
	}

	// Telemetry validation
	if c.Telemetry.HeartbeatTTL < 1 {
		errs = append(errs, "telemetry.heartbeat_ttl must be at least 1 second")
	}
	if c.Telemetry.BatchSize < 1 {
		errs = append(errs, "telemetry.batch_size must be at least 1")
	}
	if c.Telemetry.BatchWindow < 1 {
		errs = append(errs, "telemetry.batch_window must be at least 1 millisecond")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetRequestTimeout returns the per-handler deadline as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Request) * time.Second
}

// GetHeartbeatTTL returns the liveness window as a Duration.
func (c *Config) GetHeartbeatTTL() time.Duration {
	return time.Duration(c.Telemetry.HeartbeatTTL) * time.Second
}

// GetLastSeenTTL returns the last-seen retention as a Duration.
func (c *Config) GetLastSeenTTL() time.Duration {
	return time.Duration(c.Telemetry.LastSeenTTL) * time.Second
}

// GetSkewTolerance returns the accepted clock skew as a Duration.
func (c *Config) GetSkewTolerance() time.Duration {
	return time.Duration(c.Telemetry.SkewTolerance) * time.Second
}

// GetBatchWindow returns the pipeline batching window as a Duration.
func (c *Config) GetBatchWindow() time.Duration {
	return time.Duration(c.Telemetry.BatchWindow) * time.Millisecond
}

// GetAuthCacheTTL returns the API-key resolution cache TTL as a Duration.
func (c *Config) GetAuthCacheTTL() time.Duration {
	return time.Duration(c.Security.AuthCacheTTL) * time.Second
}

// GetAdminTokenTTL returns the admin session token lifetime as a Duration.
func (c *Config) GetAdminTokenTTL() time.Duration {
	return time.Duration(c.Security.AdminTokenTTL) * time.Minute
}
