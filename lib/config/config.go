// Package config loads the supervisor's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

// Config holds the configuration for the Qemu VM control core, corresponding
// to the required `Qemu` section keys in spec.md section 6, plus the
// observability and resource-limit knobs that support them.
type Config struct {
	// Required Qemu section keys.
	QemuBin               string  // Absolute path to the QEMU binary.
	InfoDir               string  // Spool directory for persisted VM records.
	PollDelaySeconds       float64 // Seconds between reaper iterations.
	MonitorTimeoutSeconds  float64 // Default seconds for monitor reads.
	MigrateTimeoutSeconds  float64 // Seconds for a single migrate attempt.
	MigrationRetries       int     // Integer attempt cap per migration.
	MaxParallelMigrations  int     // Semaphore capacity for outbound migrations.

	// Ambient knobs.
	TmpDir   string // Scratch directory for suspend/resume/migration blobs and diagnostic dumps.
	LogLevel string // Default log level (debug, info, warn, error).

	// Optional per-VM / aggregate memory limits, 0 when unset. They are
	// parsed here only; nothing in this module enforces them.
	MaxMemoryPerVM  datasize.ByteSize
	MaxTotalMemory  datasize.ByteSize

	// Debug/operator HTTP surface.
	DebugListenAddress string

	// OpenTelemetry configuration.
	OtelEnabled     bool
	OtelEndpoint    string
	OtelServiceName string
}

// Load loads configuration from environment variables, loading a .env file
// first if one is present (failing silently if not).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		QemuBin:               getEnv("QEMU_BIN", "/usr/bin/qemu-system-x86_64"),
		InfoDir:               getEnv("INFO_DIR", "/var/lib/vmcore/info"),
		PollDelaySeconds:      getEnvFloat("POLL_DELAY", 2.0),
		MonitorTimeoutSeconds: getEnvFloat("MONITOR_TIMEOUT", 10.0),
		MigrateTimeoutSeconds: getEnvFloat("MIGRATE_TIMEOUT", 30.0),
		MigrationRetries:      getEnvInt("MIGRATION_RETRIES", 3),
		MaxParallelMigrations: getEnvInt("MAX_PARALLEL_MIGRATIONS", 2),

		TmpDir:   getEnv("TMP_DIR", os.TempDir()),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DebugListenAddress: getEnv("DEBUG_LISTEN_ADDRESS", "127.0.0.1:9191"),

		OtelEnabled:     getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:    getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName: getEnv("OTEL_SERVICE_NAME", "vmcore"),
	}

	if v := getEnv("MAX_MEMORY_PER_VM", ""); v != "" {
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("parse MAX_MEMORY_PER_VM: %w", err)
		}
		cfg.MaxMemoryPerVM = sz
	}
	if v := getEnv("MAX_TOTAL_MEMORY", ""); v != "" {
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("parse MAX_TOTAL_MEMORY: %w", err)
		}
		cfg.MaxTotalMemory = sz
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.QemuBin == "" {
		return fmt.Errorf("QEMU_BIN is required")
	}
	if c.InfoDir == "" {
		return fmt.Errorf("INFO_DIR is required")
	}
	if c.PollDelaySeconds <= 0 {
		return fmt.Errorf("POLL_DELAY must be positive")
	}
	if c.MigrationRetries < 1 {
		return fmt.Errorf("MIGRATION_RETRIES must be at least 1")
	}
	if c.MaxParallelMigrations < 1 {
		return fmt.Errorf("MAX_PARALLEL_MIGRATIONS must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
