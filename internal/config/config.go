// Package config loads the hub's runtime configuration (C9, a SPEC_FULL.md
// ambient-stack addition): environment variables with an optional .env
// file, parsed and defaulted declaratively via struct tags. Grounded
// directly on ws/config.go and old_ws/config.go's Config struct and
// LoadConfig function, generalized from that single-process websocket
// server's fields to the hub's own tunables (ring buffer capacities,
// heartbeat/ack timing, auth secret, ingestion bridge addresses).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every externally tunable value the hub reads at startup.
type Config struct {
	Addr string `env:"RELAY_ADDR" envDefault:":8080"`

	JWTSecret     string        `env:"RELAY_JWT_SECRET" envDefault:"dev-secret-change-me"`
	JWTTokenTTL   time.Duration `env:"RELAY_JWT_TTL" envDefault:"24h"`

	HeartbeatSweepInterval time.Duration `env:"RELAY_HEARTBEAT_SWEEP_INTERVAL" envDefault:"30s"`
	ConnectionTimeout      time.Duration `env:"RELAY_CONNECTION_TIMEOUT" envDefault:"90s"`
	HeartbeatFrameInterval time.Duration `env:"RELAY_HEARTBEAT_FRAME_INTERVAL" envDefault:"15s"`

	MaxAckReplay        int           `env:"RELAY_MAX_ACK_REPLAY" envDefault:"5"`
	AckReplayWindow     time.Duration `env:"RELAY_ACK_REPLAY_WINDOW" envDefault:"10s"`
	CursorExpiryHorizon time.Duration `env:"RELAY_CURSOR_EXPIRY_HORIZON" envDefault:"24h"`
	DefaultBackfillCap  int           `env:"RELAY_DEFAULT_BACKFILL_CAP" envDefault:"500"`

	NATSEnabled bool   `env:"RELAY_NATS_ENABLED" envDefault:"false"`
	NATSURL     string `env:"RELAY_NATS_URL" envDefault:"nats://localhost:4222"`

	KafkaEnabled       bool   `env:"RELAY_KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers       string `env:"RELAY_KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaConsumerGroup string `env:"RELAY_KAFKA_CONSUMER_GROUP" envDefault:"relay-hub"`

	ResourceMonitorEnabled  bool          `env:"RELAY_RESOURCE_MONITOR_ENABLED" envDefault:"true"`
	ResourceSampleInterval  time.Duration `env:"RELAY_RESOURCE_SAMPLE_INTERVAL" envDefault:"5s"`
	CPURejectThresholdPct   float64       `env:"RELAY_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	MemoryRejectThresholdPct float64      `env:"RELAY_MEMORY_REJECT_THRESHOLD" envDefault:"85.0"`

	MetricsAddr string `env:"RELAY_METRICS_ADDR" envDefault:":9090"`

	LogLevel  string `env:"RELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"RELAY_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"RELAY_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the process
// environment, in that priority order (env vars win), then validates it.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internally inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}
	if c.MaxAckReplay < 0 {
		return fmt.Errorf("RELAY_MAX_ACK_REPLAY must be >= 0, got %d", c.MaxAckReplay)
	}
	if c.ConnectionTimeout <= c.HeartbeatSweepInterval {
		return fmt.Errorf("RELAY_CONNECTION_TIMEOUT (%s) must exceed RELAY_HEARTBEAT_SWEEP_INTERVAL (%s)", c.ConnectionTimeout, c.HeartbeatSweepInterval)
	}
	if c.CPURejectThresholdPct < 0 || c.CPURejectThresholdPct > 100 {
		return fmt.Errorf("RELAY_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThresholdPct)
	}
	if c.MemoryRejectThresholdPct < 0 || c.MemoryRejectThresholdPct > 100 {
		return fmt.Errorf("RELAY_MEMORY_REJECT_THRESHOLD must be 0-100, got %.1f", c.MemoryRejectThresholdPct)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("RELAY_LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("RELAY_LOG_FORMAT must be one of json/pretty, got %q", c.LogFormat)
	}

	return nil
}

// LogFields emits the loaded configuration as a structured log line.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Dur("heartbeat_sweep_interval", c.HeartbeatSweepInterval).
		Dur("connection_timeout", c.ConnectionTimeout).
		Int("max_ack_replay", c.MaxAckReplay).
		Bool("nats_enabled", c.NATSEnabled).
		Bool("kafka_enabled", c.KafkaEnabled).
		Bool("resource_monitor_enabled", c.ResourceMonitorEnabled).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
