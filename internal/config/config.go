package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds all configuration for the plugflow orchestrator
type Config struct {
	// Server configuration
	HTTPPort int    `env:"PLUGFLOW_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"PLUGFLOW_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// MetricsEnabled exposes Prometheus metrics on /metrics
	MetricsEnabled bool `env:"PLUGFLOW_METRICS_ENABLED" envDefault:"true"`

	// Store selects the definition and history backend: memory or redis
	Store string `env:"PLUGFLOW_STORE" envDefault:"memory"`

	// Redis configuration
	Redis RedisConfig

	// Worker configuration
	Workers WorkerConfig

	// Step execution defaults
	Steps StepConfig

	// Tracker configuration
	Tracker TrackerConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// HistoryTTL is how long execution records are kept
	HistoryTTL time.Duration `env:"EXECUTION_HISTORY_TTL" envDefault:"24h"`
}

// WorkerConfig holds plugin invocation pool configuration
type WorkerConfig struct {
	// PoolSize caps concurrent plugin invocations; 0 disables the pool
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"0"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// StepConfig holds defaults for step execution and rollback
type StepConfig struct {
	DefaultTimeout    time.Duration `env:"STEP_DEFAULT_TIMEOUT" envDefault:"300s"` // 5 minutes
	BackoffMultiplier float64       `env:"STEP_BACKOFF_MULTIPLIER" envDefault:"2.0"`

	// RollbackRetries lets compensating steps retry per their own MaxRetries
	RollbackRetries bool `env:"ROLLBACK_RETRIES" envDefault:"false"`
}

// TrackerConfig holds execution state tracker configuration
type TrackerConfig struct {
	Retention        time.Duration `env:"TRACKER_RETENTION" envDefault:"1h"`
	SubscriberBuffer int           `env:"TRACKER_SUBSCRIBER_BUFFER" envDefault:"64"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ExecutionTimeout time.Duration `env:"TIMEOUT_EXECUTION" envDefault:"3600s"` // 1 hour
	ShutdownTimeout  time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads configuration from the given variables instead of the
// process environment
func LoadFrom(environment map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environment})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
		if c.Redis.HistoryTTL < 0 {
			return fmt.Errorf("execution history TTL cannot be negative")
		}
	default:
		return fmt.Errorf("unsupported store: %s (must be memory or redis)", c.Store)
	}

	if c.Workers.PoolSize < 0 {
		return fmt.Errorf("worker pool size cannot be negative")
	}
	if c.Workers.PoolSize > 0 && c.Workers.HealthCheckInterval <= 0 {
		return fmt.Errorf("worker health check interval must be positive")
	}

	if c.Steps.DefaultTimeout <= 0 {
		return fmt.Errorf("step default timeout must be positive")
	}
	if c.Steps.BackoffMultiplier < 1 {
		return fmt.Errorf("step backoff multiplier must be at least 1, got %g", c.Steps.BackoffMultiplier)
	}

	if c.Tracker.Retention <= 0 {
		return fmt.Errorf("tracker retention must be positive")
	}
	if c.Tracker.SubscriberBuffer < 1 {
		return fmt.Errorf("tracker subscriber buffer must be at least 1")
	}

	if c.Timeouts.ExecutionTimeout < 0 {
		return fmt.Errorf("execution timeout cannot be negative")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
