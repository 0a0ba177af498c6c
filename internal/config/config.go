// Package config loads settings from defaults, an optional agentq.yaml, and
// AGENTQ_-prefixed environment variables. Environment wins over the file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Store    StoreConfig   `mapstructure:"store"`
	Queue    QueueConfig   `mapstructure:"queue"`
	Server   ServerConfig  `mapstructure:"server"`
	Janitor  JanitorConfig `mapstructure:"janitor"`
}

type StoreConfig struct {
	// Driver selects the backend: "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	// DSN is the SQLite file path or the Postgres connection string.
	DSN string `mapstructure:"dsn"`
}

type QueueConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Workers       int           `mapstructure:"workers"`
	MaxRetries    int           `mapstructure:"max_retries"`
	StuckTimeout  time.Duration `mapstructure:"stuck_timeout"`
	RetentionAge  time.Duration `mapstructure:"retention_age"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type JanitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Schedule is a standard cron expression for recovery sweeps.
	Schedule string `mapstructure:"schedule"`
	// MarkStuckFailed picks the sweep policy for stuck tasks; default is
	// reset-to-pending.
	MarkStuckFailed bool `mapstructure:"mark_stuck_failed"`
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "agentq.db")
	v.SetDefault("queue.poll_interval", "250ms")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.stuck_timeout", "30m")
	v.SetDefault("queue.retention_age", "168h")
	v.SetDefault("queue.shutdown_grace", "5s")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("janitor.enabled", false)
	v.SetDefault("janitor.schedule", "*/5 * * * *")
	v.SetDefault("janitor.mark_stuck_failed", false)

	v.SetConfigName("agentq")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("AGENTQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Store.Driver != "sqlite" && cfg.Store.Driver != "postgres" {
		return nil, fmt.Errorf("invalid store driver %q", cfg.Store.Driver)
	}
	return &cfg, nil
}
