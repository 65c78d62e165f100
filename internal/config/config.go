package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the automation engine.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Queue     QueueConfig
	Trigger   TriggerConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig
}

type DatabaseConfig struct {
	// URL empty means run on the in-memory store.
	URL            string
	MaxConnections int
}

type QueueConfig struct {
	Concurrency int
	MaxAttempts int
}

type TriggerConfig struct {
	SweepInterval time.Duration
}

type RetentionConfig struct {
	MetricDays    int
	PruneInterval time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ENGINE_PORT", 8080),
		Version: envStr("ENGINE_VERSION", "0.2.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Queue: QueueConfig{
			Concurrency: envInt("QUEUE_CONCURRENCY", 4),
			MaxAttempts: envInt("QUEUE_MAX_ATTEMPTS", 3),
		},
		Trigger: TriggerConfig{
			SweepInterval: envDuration("TRIGGER_SWEEP_INTERVAL", time.Minute),
		},
		Retention: RetentionConfig{
			MetricDays:    envInt("METRIC_RETENTION_DAYS", 90),
			PruneInterval: envDuration("METRIC_PRUNE_INTERVAL", 6*time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "csuite-automation-engine"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
