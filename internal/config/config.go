// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete on-disk configuration for a throttlegate
// process. Durations are parsed from Go duration strings ("40ms").
type Config struct {
	BytesPerSecond   uint64            `yaml:"bytes_per_second"`
	EpochPeriod      string            `yaml:"epoch_period,omitempty"`
	EnableStatistics bool              `yaml:"enable_statistics,omitempty"`
	PriorityMap      map[string]string `yaml:"priority_map,omitempty"`

	Admin       AdminConfig       `yaml:"admin,omitempty"`
	Persistence PersistenceConfig `yaml:"persistence,omitempty"`
	Report      ReportConfig      `yaml:"report,omitempty"`
}

// AdminConfig configures the optional gorilla/mux admin HTTP API.
type AdminConfig struct {
	ListenAddress     string  `yaml:"listen_address,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`
}

// PersistenceConfig configures the optional statistics snapshot backend.
type PersistenceConfig struct {
	Driver          string `yaml:"driver,omitempty"` // "mysql", "postgres", "sqlite", "mongodb", or "" to disable
	DSN             string `yaml:"dsn,omitempty"`
	Interval        string `yaml:"interval,omitempty"`
	Table           string `yaml:"table,omitempty"`
	CreateIfMissing bool   `yaml:"create_if_missing,omitempty"`
}

// ReportConfig configures the periodic/ad-hoc Excel report export.
type ReportConfig struct {
	Path string `yaml:"path,omitempty"`
}

const (
	// DefaultEpochPeriod is used when Config.EpochPeriod is empty.
	DefaultEpochPeriod = 40 * time.Millisecond
	// DefaultPersistenceInterval is used when PersistenceConfig.Interval is empty.
	DefaultPersistenceInterval = 30 * time.Second
	// DefaultAdminRequestsPerSecond is used when AdminConfig.RequestsPerSecond is zero.
	DefaultAdminRequestsPerSecond = 20.0
	// DefaultAdminBurst is used when AdminConfig.Burst is zero.
	DefaultAdminBurst = 40
)

// Load reads and validates a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

// EpochPeriodOrDefault parses EpochPeriod, falling back to
// DefaultEpochPeriod when unset or unparseable. Validate has already
// confirmed the string parses in the normal load path.
func (c *Config) EpochPeriodOrDefault() time.Duration {
	if c.EpochPeriod == "" {
		return DefaultEpochPeriod
	}
	d, err := time.ParseDuration(c.EpochPeriod)
	if err != nil {
		return DefaultEpochPeriod
	}
	return d
}

// PersistenceIntervalOrDefault parses Persistence.Interval, falling back
// to DefaultPersistenceInterval when unset or unparseable.
func (c *Config) PersistenceIntervalOrDefault() time.Duration {
	if c.Persistence.Interval == "" {
		return DefaultPersistenceInterval
	}
	d, err := time.ParseDuration(c.Persistence.Interval)
	if err != nil {
		return DefaultPersistenceInterval
	}
	return d
}
