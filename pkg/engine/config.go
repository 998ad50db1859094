// Copyright 2024-2026 Aiku AI

package engine

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// DatabaseConfig points at the local cache database.
type DatabaseConfig struct {
	Path    string `yaml:"path"`
	Dialect string `yaml:"dialect"`
}

// Config holds the engine configuration.
type Config struct {
	// Account is the address the engine signs in as.
	Account string `yaml:"account"`
	// Nick is the occupant nickname used when joining rooms. Defaults to
	// the account's local part.
	Nick string `yaml:"nick"`
	// DeviceLabel is published with this device's encryption identity.
	DeviceLabel string `yaml:"device_label"`

	Database DatabaseConfig `yaml:"database"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	PingIntervalSeconds   int `yaml:"ping_interval_seconds"`
	CatchupPageSize       int `yaml:"catchup_page_size"`
	MaxHistoryAgeDays     int `yaml:"max_history_age_days"`

	Logging zeroconfig.Config `yaml:"logging"`

	account UserID `yaml:"-"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the account address and fills in defaults.
func (c *Config) PostProcess() error {
	c.account = UserID(c.Account)
	local, domain := ParseUserID(c.account)
	if local == "" || domain == "" {
		return fmt.Errorf("invalid account address %q", c.Account)
	}
	if c.Nick == "" {
		c.Nick = local
	}
	if c.DeviceLabel == "" {
		c.DeviceLabel = "Parley"
	}
	if c.Database.Dialect == "" {
		c.Database.Dialect = "sqlite3"
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 30
	}
	if c.PingIntervalSeconds <= 0 {
		c.PingIntervalSeconds = 60
	}
	if c.CatchupPageSize <= 0 {
		c.CatchupPageSize = 100
	}
	if c.MaxHistoryAgeDays <= 0 {
		c.MaxHistoryAgeDays = 14
	}
	return nil
}

// AccountID returns the parsed account address. Only valid after
// PostProcess.
func (c *Config) AccountID() UserID {
	return c.account
}

// RequestTimeout is the per-request deadline for server queries.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// PingInterval is the keep-alive cadence for joined rooms.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// MaxHistoryAge is how far back history catch-up reaches at most.
func (c *Config) MaxHistoryAge() time.Duration {
	return time.Duration(c.MaxHistoryAgeDays) * 24 * time.Hour
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
