// Package config loads the client configuration from YAML with environment
// variable fallbacks.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the client configuration
type Config struct {
	// Service endpoints
	APIBaseURL   string `yaml:"api_base_url"`
	IdentityURL  string `yaml:"identity_url"`
	WebsocketURL string `yaml:"websocket_url"`

	// Storage Configuration
	Storage StorageConfig `yaml:"storage"`

	// Chat defaults
	DefaultRabbi string `yaml:"default_rabbi"`

	// Observability
	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	Backend string      `yaml:"backend"` // file, redis
	FileDir string      `yaml:"file_dir"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis backend configuration
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	StateTTL time.Duration `yaml:"state_ttl"`
	PoolSize int           `yaml:"pool_size"`
}

// LoadConfig loads configuration from a YAML file. A missing file is not an
// error; defaults and environment variables apply either way.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// Load endpoints from environment if not in config
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = os.Getenv("CHAVRUSA_API_URL")
	}
	if cfg.IdentityURL == "" {
		cfg.IdentityURL = os.Getenv("CHAVRUSA_IDENTITY_URL")
	}
	if cfg.WebsocketURL == "" {
		cfg.WebsocketURL = os.Getenv("CHAVRUSA_WS_URL")
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = os.Getenv("CHAVRUSA_REDIS_ADDR")
	}

	// Apply defaults
	if cfg.IdentityURL == "" {
		cfg.IdentityURL = cfg.APIBaseURL
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9091
	}

	return &cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required (or set CHAVRUSA_API_URL)")
	}

	switch c.Storage.Backend {
	case "file":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (expected file or redis)", c.Storage.Backend)
	}

	return nil
}
