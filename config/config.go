// Package config loads the readtheroom daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/readtheroom/domwatch"
	"github.com/hazyhaar/readtheroom/injector"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config is the top-level configuration. The browser, pages and debounce
// sections are domwatch's own and sit at the top level of the file.
type Config struct {
	Store    StoreConfig     `yaml:"store"`
	Watch    domwatch.Config `yaml:",inline"`
	Injector injector.Config `yaml:"injector"`
	Panel    PanelConfig     `yaml:"panel"`
	Audit    AuditConfig     `yaml:"audit"`
	Routes   RoutesConfig    `yaml:"routes"`
}

// StoreConfig selects and configures the flag store backend.
type StoreConfig struct {
	Driver       string        `yaml:"driver"` // sqlite | redis | memory
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Redis        RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PanelConfig controls the moderator panel HTTP surface.
type PanelConfig struct {
	Listen string `yaml:"listen"`
}

// AuditConfig points at the moderation log database.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// RoutesConfig points at the connectivity routes table. Empty Path
// reuses the audit database.
type RoutesConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// Load reads a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default is the configuration used without a file: SQLite under data/,
// panel on localhost, no browser pages.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/readtheroom.db"
	}
	if c.Store.PollInterval <= 0 {
		c.Store.PollInterval = 200 * time.Millisecond
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "readtheroom:"
	}
	if c.Panel.Listen == "" {
		c.Panel.Listen = "127.0.0.1:8686"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "data/audit.db"
	}
	if c.Routes.Path == "" {
		c.Routes.Path = c.Audit.Path
	}
	if c.Routes.Interval <= 0 {
		c.Routes.Interval = time.Second
	}
	c.Watch.ApplyDefaults()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("config: store.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if err := c.Watch.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
