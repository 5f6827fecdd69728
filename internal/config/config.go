package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sigengine/sigengine/internal/engine"
)

// Config is the process configuration, resolved from SIGENGINE_*
// environment variables on top of defaults. The binary loads a .env
// file, when present, before reading the environment.
type Config struct {
	DBPath string
	Port   int

	// Engine carries the statistical thresholds for evaluation and
	// sample-size planning.
	Engine engine.Config

	// Monitoring controls: how many conversions every variant needs
	// before a verdict is attempted, how long an experiment may run,
	// and how often active experiments are swept.
	MinSamplePerVariant int64
	MaxRuntime          time.Duration
	SweepInterval       time.Duration
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	defaults := engine.DefaultConfig()

	cfg := &Config{
		DBPath: getEnvOrDefault("SIGENGINE_DB_PATH", "./sigengine.db"),
		Port:   getEnvIntOrDefault("SIGENGINE_PORT", 8080),
		Engine: engine.Config{
			Alpha:            getEnvFloatOrDefault("SIGENGINE_ALPHA", defaults.Alpha),
			UnsubscribeRatio: getEnvFloatOrDefault("SIGENGINE_UNSUBSCRIBE_RATIO", defaults.UnsubscribeRatio),
			ComplaintRatio:   getEnvFloatOrDefault("SIGENGINE_COMPLAINT_RATIO", defaults.ComplaintRatio),
			Power:            getEnvFloatOrDefault("SIGENGINE_POWER", defaults.Power),
			Significance:     getEnvFloatOrDefault("SIGENGINE_SIGNIFICANCE", defaults.Significance),
		},
		MinSamplePerVariant: int64(getEnvIntOrDefault("SIGENGINE_MIN_SAMPLE", 1000)),
		MaxRuntime:          getEnvDurationOrDefault("SIGENGINE_MAX_RUNTIME", 7*24*time.Hour),
		SweepInterval:       getEnvDurationOrDefault("SIGENGINE_SWEEP_INTERVAL", 24*time.Hour),
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DBPath == "" {
		return fmt.Errorf("database path is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d is out of range", cfg.Port)
	}
	if cfg.Engine.Alpha <= 0 || cfg.Engine.Alpha >= 1 {
		return fmt.Errorf("alpha %g must be in (0, 1)", cfg.Engine.Alpha)
	}
	if cfg.Engine.Power <= 0 || cfg.Engine.Power >= 1 {
		return fmt.Errorf("power %g must be in (0, 1)", cfg.Engine.Power)
	}
	if cfg.Engine.Significance <= 0 || cfg.Engine.Significance >= 1 {
		return fmt.Errorf("significance %g must be in (0, 1)", cfg.Engine.Significance)
	}
	if cfg.Engine.UnsubscribeRatio <= 0 {
		return fmt.Errorf("unsubscribe guardrail ratio %g must be positive", cfg.Engine.UnsubscribeRatio)
	}
	if cfg.Engine.ComplaintRatio <= 0 {
		return fmt.Errorf("complaint guardrail ratio %g must be positive", cfg.Engine.ComplaintRatio)
	}
	if cfg.MinSamplePerVariant < 0 {
		return fmt.Errorf("minimum sample size must not be negative")
	}
	if cfg.MaxRuntime <= 0 {
		return fmt.Errorf("max runtime must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
