// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the daemon configuration
type Config struct {
	DataDir   string        `yaml:"data_dir"`
	Queue     QueueConfig   `yaml:"queue"`
	Watch     WatchConfig   `yaml:"watch"`
	HTTP      HTTPConfig    `yaml:"http"`
	NATS      NATSConfig    `yaml:"nats"`
	History   HistoryConfig `yaml:"history"`
	Schedules []Schedule    `yaml:"schedules,omitempty"`
}

// QueueConfig bounds the worker pool
type QueueConfig struct {
	Slots   int `yaml:"slots"`    // concurrent build slots
	MaxSize int `yaml:"max_size"` // pending queue capacity
}

// WatchConfig controls the autobuild file monitors
type WatchConfig struct {
	DebounceSeconds int `yaml:"debounce_seconds"`
}

// Debounce returns the quiet window as a duration.
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceSeconds) * time.Second
}

// HTTPConfig configures the RPC/admin listener
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// NATSConfig configures optional lifecycle event publishing
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// HistoryConfig configures the terminal-run archive
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // defaults to <data_dir>/history.db
}

// Schedule triggers a periodic build for a named profile
type Schedule struct {
	Profile         string `yaml:"profile"`
	IntervalMinutes int    `yaml:"interval_minutes"`
}

// Interval returns the schedule period as a duration.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Load loads configuration from the specified file
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists so ${VAR} references in the YAML resolve.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Note: .env file couldn't be loaded: %v\n", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns a configuration with all defaults applied, used when no
// config file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./autobuildd-data"
	}
	if c.Queue.Slots <= 0 {
		c.Queue.Slots = 2
	}
	if c.Queue.MaxSize <= 0 {
		c.Queue.MaxSize = 100
	}
	if c.Watch.DebounceSeconds <= 0 {
		c.Watch.DebounceSeconds = 5
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:5305"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "autobuildd.build"
	}
	// History.Path defaults to <data_dir>/history.db at open time; naming a
	// path implies enabling the archive.
	if c.History.Path != "" {
		c.History.Enabled = true
	}
}

func (c *Config) validate() error {
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.enabled is true")
	}
	for i, s := range c.Schedules {
		if s.Profile == "" {
			return fmt.Errorf("schedules[%d]: profile is required", i)
		}
		if s.IntervalMinutes <= 0 {
			return fmt.Errorf("schedules[%d]: interval_minutes must be positive", i)
		}
	}
	return nil
}
