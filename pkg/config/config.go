package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all querycache configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StoreConfig selects the cache backend.
// Driver is "sqlite" (default) or "postgres".
type StoreConfig struct {
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	Schema        string        `yaml:"schema"`
	MessagesTable string        `yaml:"messages_table"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
	MaxOpenConns  int           `yaml:"max_open_conns"`
}

// EmbeddingConfig fixes the dimension every embedding must have.
type EmbeddingConfig struct {
	Dimension int `yaml:"dimension"`
}

// JanitorConfig controls background maintenance. Zero disables a task.
type JanitorConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	ReloadInterval  time.Duration `yaml:"reload_interval"`
}

// LogConfig controls logging. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MetricsConfig selects the metrics exporter: "prometheus" or "none".
type MetricsConfig struct {
	Exporter string `yaml:"exporter"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Store: StoreConfig{
			Driver:        "sqlite",
			DSN:           "querycache.db",
			Schema:        "querycache",
			MessagesTable: "messages",
			OpTimeout:     5 * time.Second,
			MaxOpenConns:  10,
		},
		Embedding: EmbeddingConfig{Dimension: 1536},
		Janitor: JanitorConfig{
			CleanupInterval: time.Hour,
			ReloadInterval:  time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{Exporter: "prometheus"},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn is required")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Store.OpTimeout < 0 || c.Janitor.CleanupInterval < 0 || c.Janitor.ReloadInterval < 0 {
		return fmt.Errorf("config: durations must not be negative")
	}
	switch c.Metrics.Exporter {
	case "prometheus", "none", "":
	default:
		return fmt.Errorf("config: unknown metrics exporter %q", c.Metrics.Exporter)
	}
	return nil
}
