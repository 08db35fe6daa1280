// Package config loads service configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the service configuration.
type Config struct {
	Port            int    `yaml:"port"`
	DatabasePath    string `yaml:"database_path"`
	SessionDBPath   string `yaml:"session_db_path"`
	APIKey          string `yaml:"api_key"`
	SessionPepper   string `yaml:"session_pepper"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// Defaults. The device API key has no default: running without one
// would leave the write path open.
func defaults() *Config {
	return &Config{
		Port:            8000,
		DatabasePath:    "waterquality.duckdb",
		SessionDBPath:   "sessions.db",
		CacheTTLSeconds: 300,
	}
}

// Load reads configuration from path (skipped when empty or missing)
// and applies environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WQ_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("WQ_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("WQ_SESSION_DB_PATH"); v != "" {
		cfg.SessionDBPath = v
	}
	if v := os.Getenv("WQ_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("WQ_SESSION_PEPPER"); v != "" {
		cfg.SessionPepper = v
	}
	if v := os.Getenv("WQ_CACHE_TTL_SECONDS"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			cfg.CacheTTLSeconds = ttl
		}
	}
}

// Validate checks that required settings are present. Configuration
// errors are fatal at startup.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("api key not configured (set WQ_API_KEY or api_key)")
	}
	if c.DatabasePath == "" {
		return errors.New("database path not configured")
	}
	return nil
}
