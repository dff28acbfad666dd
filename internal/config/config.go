// Package config loads tracker configuration from an optional YAML file
// and LYTICS_* environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. LYTICS_ACCOUNT_ID.
const EnvPrefix = "LYTICS"

// Config holds tracker configuration.
type Config struct {
	// AccountID identifies the collection account.
	AccountID string `mapstructure:"account_id"`
	// Host is the collection endpoint; https:// is assumed without a scheme.
	Host string `mapstructure:"host"`
	// DBPath is the SQLite queue file.
	DBPath string `mapstructure:"db_path"`
	// TickInterval is the session tick period. Zero or negative disables
	// the ticker; durations are then computed at EndSession.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// BatchSize caps records per request.
	BatchSize int `mapstructure:"batch_size"`
	// QueueCap bounds stored records; zero means unbounded.
	QueueCap int `mapstructure:"queue_cap"`
	// SettingsFile holds category defaults (.yaml, .yml or .cue).
	SettingsFile string `mapstructure:"settings_file"`
	// GenerateUUID creates a device identifier when none is stored.
	GenerateUUID bool `mapstructure:"generate_uuid"`
	// RequestTimeout bounds each transport request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// Compression sends zstd request bodies.
	Compression bool `mapstructure:"compression"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DBPath:         "lytics.db",
		TickInterval:   60 * time.Second,
		BatchSize:      50,
		QueueCap:       1000,
		GenerateUUID:   true,
		RequestTimeout: 30 * time.Second,
	}
}

// Load reads path (when non-empty), then overlays LYTICS_* environment
// variables and validates the result. A missing file named explicitly
// is an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Defaults()
	v.SetDefault("account_id", def.AccountID)
	v.SetDefault("host", def.Host)
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("tick_interval", def.TickInterval)
	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("queue_cap", def.QueueCap)
	v.SetDefault("settings_file", def.SettingsFile)
	v.SetDefault("generate_uuid", def.GenerateUUID)
	v.SetDefault("request_timeout", def.RequestTimeout)
	v.SetDefault("compression", def.Compression)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.AccountID = strings.TrimSpace(cfg.AccountID)
	cfg.Host = strings.TrimSpace(cfg.Host)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges. AccountID and Host may be empty here; the
// tracker rejects them at Start.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("config: db_path must be set")
	}
	if c.BatchSize <= 0 {
		return errors.New("config: batch_size must be positive")
	}
	if c.QueueCap < 0 {
		return errors.New("config: queue_cap must not be negative")
	}
	if c.QueueCap > 0 && c.QueueCap < c.BatchSize {
		return fmt.Errorf("config: queue_cap %d is smaller than batch_size %d", c.QueueCap, c.BatchSize)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("config: request_timeout must be positive")
	}
	return nil
}
