// Package config loads process configuration from environment variables
// (and an optional .env file), grounded on the teacher's config.go.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds configuration shared by both the shard (publisher) and
// client (subscriber) processes.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Transport
	NATSURL  string `env:"CHANGEFEED_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSName string `env:"CHANGEFEED_NATS_NAME" envDefault:"changefeed"`

	// Shard identity (publisher processes only)
	Table string `env:"CHANGEFEED_TABLE" envDefault:""`

	// Write-log source (publisher processes only)
	KafkaBrokers  string `env:"CHANGEFEED_KAFKA_BROKERS" envDefault:""`
	KafkaTopic    string `env:"CHANGEFEED_KAFKA_TOPIC" envDefault:""`
	ConsumerGroup string `env:"CHANGEFEED_CONSUMER_GROUP" envDefault:"changefeed-shard"`

	// Backpressure (subscriber side)
	MaxBufferedElements int           `env:"CHANGEFEED_MAX_BUFFERED_ELEMENTS" envDefault:"1000"`
	ReplayRateLimit     float64       `env:"CHANGEFEED_REPLAY_RATE_LIMIT" envDefault:"50"`
	GetElsTimeout       time.Duration `env:"CHANGEFEED_GET_ELS_TIMEOUT" envDefault:"30s"`

	// Monitoring
	MetricsAddr     string        `env:"CHANGEFEED_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"CHANGEFEED_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"CHANGEFEED_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CHANGEFEED_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"CHANGEFEED_ENV" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.NATSURL == "" {
		return fmt.Errorf("CHANGEFEED_NATS_URL is required")
	}
	if c.MaxBufferedElements < 1 {
		return fmt.Errorf("CHANGEFEED_MAX_BUFFERED_ELEMENTS must be > 0, got %d", c.MaxBufferedElements)
	}
	if c.ReplayRateLimit <= 0 {
		return fmt.Errorf("CHANGEFEED_REPLAY_RATE_LIMIT must be > 0, got %f", c.ReplayRateLimit)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("CHANGEFEED_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("CHANGEFEED_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// KafkaBrokerList splits the comma-separated KafkaBrokers setting,
// trimming whitespace and dropping empty entries.
func (c *Config) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LogConfig emits the loaded configuration as a structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("nats_url", c.NATSURL).
		Str("table", c.Table).
		Str("kafka_topic", c.KafkaTopic).
		Str("consumer_group", c.ConsumerGroup).
		Int("kafka_broker_count", len(c.KafkaBrokerList())).
		Int("max_buffered_elements", c.MaxBufferedElements).
		Float64("replay_rate_limit", c.ReplayRateLimit).
		Dur("get_els_timeout", c.GetElsTimeout).
		Str("metrics_addr", c.MetricsAddr).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
