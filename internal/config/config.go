package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quotaguard/quotaguard/internal/settings"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// EngineConfig holds tunables for backoff, queueing, pausing, and escalation.
type EngineConfig struct {
	BackoffCapSeconds int     `yaml:"backoff-cap-seconds"`
	JitterFraction    float64 `yaml:"jitter-fraction"`
	MaxAttempts       int     `yaml:"max-attempts"`

	WorkerCount   int           `yaml:"worker-count"`
	QueueCapacity int           `yaml:"queue-capacity"`
	PollInterval  time.Duration `yaml:"poll-interval"`

	ThrottleThresholdPercent float64 `yaml:"throttle-threshold-percent"`
	ResumeThresholdPercent   float64 `yaml:"resume-threshold-percent"`

	EscalationSweepInterval time.Duration `yaml:"escalation-sweep-interval"`
}

// LoadEngineConfig loads engine tuning from the YAML config file, applying
// defaults for anything absent or out of range.
func LoadEngineConfig(configPath string) (EngineConfig, error) {
	// fileConfig maps the YAML fields needed for engine tuning.
	type fileConfig struct {
		Engine EngineConfig `yaml:"engine"`
	}

	result := defaultEngineConfig()

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return result, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
		result = mergeEngineConfig(result, cfg.Engine)
	}

	return result, nil
}

func defaultEngineConfig() EngineConfig {
	return EngineConfig{
		BackoffCapSeconds:        settings.DefaultBackoffCapSeconds,
		JitterFraction:           settings.DefaultJitterFraction,
		MaxAttempts:              settings.DefaultMaxAttempts,
		WorkerCount:              settings.DefaultWorkerCount,
		QueueCapacity:            settings.DefaultQueueCapacity,
		PollInterval:             500 * time.Millisecond,
		ThrottleThresholdPercent: settings.DefaultThrottleThresholdPercent,
		ResumeThresholdPercent:   settings.DefaultResumeThresholdPercent,
		EscalationSweepInterval:  time.Minute,
	}
}

func mergeEngineConfig(base, override EngineConfig) EngineConfig {
	if override.BackoffCapSeconds > 0 {
		base.BackoffCapSeconds = override.BackoffCapSeconds
	}
	if override.JitterFraction > 0 && override.JitterFraction <= 1 {
		base.JitterFraction = override.JitterFraction
	}
	if override.MaxAttempts > 0 {
		base.MaxAttempts = override.MaxAttempts
	}
	if override.WorkerCount > 0 {
		base.WorkerCount = override.WorkerCount
	}
	if override.QueueCapacity > 0 {
		base.QueueCapacity = override.QueueCapacity
	}
	if override.PollInterval > 0 {
		base.PollInterval = override.PollInterval
	}
	if override.ThrottleThresholdPercent > 0 {
		base.ThrottleThresholdPercent = override.ThrottleThresholdPercent
	}
	if override.ResumeThresholdPercent > 0 {
		base.ResumeThresholdPercent = override.ResumeThresholdPercent
	}
	if override.EscalationSweepInterval > 0 {
		base.EscalationSweepInterval = override.EscalationSweepInterval
	}
	return base
}
