// Package config loads the bridge's session and ambient settings through
// viper, the way the rest of the corpus' CLI tools do (env vars prefixed
// MESHD_, a YAML file, and command-line flags all layered together).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved set of settings needed to start one bridge
// process. Per-radio settings that are sticky mesh state (announcement
// interval, auto-ack rules) live in the store's settings table instead;
// this struct is strictly process bootstrap configuration.
type Config struct {
	RadioHost       string        `mapstructure:"radio_host"`
	RadioPort       int           `mapstructure:"radio_port"`
	StaleTimeout    time.Duration `mapstructure:"stale_timeout"`
	DatabasePath    string        `mapstructure:"database_path"`
	LogLevel        string        `mapstructure:"log_level"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	TracerouteEvery time.Duration `mapstructure:"traceroute_interval"`
	AnnounceHours   int           `mapstructure:"announce_interval_hours"`
	AnnounceCron    string        `mapstructure:"announce_cron"`
}

// Defaults returns the baseline configuration applied before any file, env,
// or flag overrides.
func Defaults() Config {
	return Config{
		RadioHost:       "127.0.0.1",
		RadioPort:       4403,
		StaleTimeout:    5 * time.Minute,
		DatabasePath:    "meshd.db",
		LogLevel:        "info",
		TracerouteEvery: 15 * time.Minute,
		AnnounceHours:   12,
	}
}

// Load builds a Config from (in ascending precedence) built-in defaults, an
// optional config file at path, and MESHD_-prefixed environment variables.
// path may be empty, in which case only defaults and the environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("meshd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Defaults()
	v.SetDefault("radio_host", defaults.RadioHost)
	v.SetDefault("radio_port", defaults.RadioPort)
	v.SetDefault("stale_timeout", defaults.StaleTimeout)
	v.SetDefault("database_path", defaults.DatabasePath)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("traceroute_interval", defaults.TracerouteEvery)
	v.SetDefault("announce_interval_hours", defaults.AnnounceHours)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}
