package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the serving core.
type Config struct {
	Port        int
	Version     string
	ArtifactDir string
	Database    DatabaseConfig
	Engine      EngineConfig
	Telemetry   TelemetryConfig
}

type DatabaseConfig struct {
	// URL selects the PostgreSQL store when set; empty means the
	// in-memory store (optionally snapshotted via MODELKILN_DATA_DIR).
	URL            string
	MaxConnections int
}

type EngineConfig struct {
	CacheSize    int
	InferTimeout time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:        envInt("MODELKILN_PORT", 8080),
		Version:     envStr("MODELKILN_VERSION", "0.2.0"),
		ArtifactDir: envStr("MODELKILN_ARTIFACT_DIR", "data/artifacts"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Engine: EngineConfig{
			CacheSize:    envInt("MODELKILN_ENGINE_CACHE_SIZE", 32),
			InferTimeout: envDur("MODELKILN_INFER_TIMEOUT", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "modelkiln"),
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

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
