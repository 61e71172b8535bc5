// Package config loads the proxy binary's configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageDisk   = "disk"
	StorageSQLite = "sqlite"
)

// Config is the proxy configuration.
type Config struct {
	Addr          string `env:"OFFLINE_ADDR"            envDefault:":8080"`
	Origin        string `env:"OFFLINE_ORIGIN"`
	Upstream      string `env:"OFFLINE_UPSTREAM"`
	Manifest      string `env:"OFFLINE_MANIFEST"`
	Storage       string `env:"OFFLINE_STORAGE"         envDefault:"memory"`
	StoragePath   string `env:"OFFLINE_STORAGE_PATH"`
	MaxStoreBytes int64  `env:"OFFLINE_MAX_STORE_BYTES"`
	Watch         bool   `env:"OFFLINE_WATCH"`
	LogLevel      string `env:"OFFLINE_LOG_LEVEL"       envDefault:"info"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment into a Config. It does not validate.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and the storage selection.
func (c Config) Validate() error {
	if c.Origin == "" {
		return errors.New("config: origin is required")
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if c.Upstream != "" {
		if _, err := parseAbsolute("upstream", c.Upstream); err != nil {
			return err
		}
	}
	switch c.Storage {
	case StorageMemory:
	case StorageDisk, StorageSQLite:
		if c.StoragePath == "" {
			return fmt.Errorf("config: %s storage requires a storage path", c.Storage)
		}
	default:
		return fmt.Errorf("config: unknown storage %q", c.Storage)
	}
	if c.MaxStoreBytes < 0 {
		return fmt.Errorf("config: max store bytes must be >= 0, got %d", c.MaxStoreBytes)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// OriginURL returns the parsed public origin.
func (c Config) OriginURL() (*url.URL, error) {
	return parseAbsolute("origin", c.Origin)
}

// UpstreamURL returns the parsed upstream, defaulting to the origin.
func (c Config) UpstreamURL() (*url.URL, error) {
	if c.Upstream == "" {
		return c.OriginURL()
	}
	return parseAbsolute("upstream", c.Upstream)
}

// Level returns the slog level named by LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return level, nil
}

func parseAbsolute(field, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", field, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("config: %s %q must be an absolute URL", field, raw)
	}
	return u, nil
}
