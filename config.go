package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"WS_ADDR" envDefault:"0.0.0.0:9502"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	// Registry (Redis-compatible key-value service)
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisScheme   string `env:"REDIS_SCHEME" envDefault:"redis"`
	RedisCluster  bool   `env:"REDIS_CLUSTER" envDefault:"false"`

	// Persistence layer
	DatabaseURL     string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/notify"`
	DBReadPoolSize  int    `env:"DB_READ_POOL_SIZE" envDefault:"15"`
	DBWritePoolSize int    `env:"DB_WRITE_POOL_SIZE" envDefault:"5"`

	// Capacity
	MaxConnections int `env:"WS_MAX_CONNECTIONS" envDefault:"1024"`

	// Task workers (0 = 2 × CPU cores)
	TaskWorkers   int `env:"TASK_WORKERS" envDefault:"0"`
	TaskQueueSize int `env:"TASK_QUEUE_SIZE" envDefault:"1024"`

	// Heartbeat: idle window before a connection is reaped, plus the
	// transport-level slack added to read deadlines.
	HeartbeatIdle          time.Duration `env:"HEARTBEAT_IDLE_TIME" envDefault:"180s"`
	HeartbeatCheckInterval time.Duration `env:"HEARTBEAT_CHECK_INTERVAL" envDefault:"60s"`

	// Pending-row poll cycle
	PollInterval time.Duration `env:"DB_POLL_INTERVAL" envDefault:"15s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies real
	// environment variables.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.RedisPort < 1 || c.RedisPort > 65535 {
		return fmt.Errorf("REDIS_PORT must be 1-65535, got %d", c.RedisPort)
	}
	if c.RedisScheme != "redis" && c.RedisScheme != "rediss" {
		return fmt.Errorf("REDIS_SCHEME must be redis or rediss (got: %s)", c.RedisScheme)
	}
	if c.DBReadPoolSize < 1 {
		return fmt.Errorf("DB_READ_POOL_SIZE must be > 0, got %d", c.DBReadPoolSize)
	}
	if c.DBWritePoolSize < 1 {
		return fmt.Errorf("DB_WRITE_POOL_SIZE must be > 0, got %d", c.DBWritePoolSize)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.HeartbeatIdle <= 0 {
		return fmt.Errorf("HEARTBEAT_IDLE_TIME must be > 0, got %s", c.HeartbeatIdle)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("DB_POLL_INTERVAL must be > 0, got %s", c.PollInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("redis_host", c.RedisHost).
		Int("redis_port", c.RedisPort).
		Str("redis_scheme", c.RedisScheme).
		Bool("redis_cluster", c.RedisCluster).
		Int("db_read_pool", c.DBReadPoolSize).
		Int("db_write_pool", c.DBWritePoolSize).
		Int("max_connections", c.MaxConnections).
		Int("task_workers", c.TaskWorkers).
		Dur("heartbeat_idle", c.HeartbeatIdle).
		Dur("poll_interval", c.PollInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
