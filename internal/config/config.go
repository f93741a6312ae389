// Package config loads the relay configuration: services, tiers, quota
// limits, and paths. Files are YAML, with RELAY_* environment variables
// overriding file values.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"relay/internal/quota"
	"relay/internal/router"
)

// Service declares one completion service: its routing priority and quota.
type Service struct {
	Name     string  `mapstructure:"name"`
	Priority int     `mapstructure:"priority"`
	Limit    float64 `mapstructure:"limit"`  // <= 0 means unlimited
	Window   string  `mapstructure:"window"` // "daily" (default) or "monthly"
	Unit     string  `mapstructure:"unit"`   // "requests" (default) or "spend"
}

// Config is the full runtime configuration.
type Config struct {
	LogLevel       string        `mapstructure:"log_level"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	StateDir       string        `mapstructure:"state_dir"`
	UsageLog       string        `mapstructure:"usage_log"`
	HandoffDir     string        `mapstructure:"handoff_dir"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Services       []Service     `mapstructure:"services"`
}

// Load reads configuration from path, or from relay.yaml in the working
// directory and ~/.relay when path is empty. A missing file yields defaults;
// a malformed file is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.relay")
	}

	v.SetDefault("log_level", "info")
	v.SetDefault("max_concurrent", 10)
	v.SetDefault("default_timeout", "300s")
	v.SetDefault("max_retries", 3)

	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("config: service with empty name")
		}
		if seen[svc.Name] {
			return fmt.Errorf("config: duplicate service %q", svc.Name)
		}
		seen[svc.Name] = true
		switch svc.Window {
		case "", string(quota.WindowDaily), string(quota.WindowMonthly):
		default:
			return fmt.Errorf("config: service %q has unknown window %q", svc.Name, svc.Window)
		}
		switch svc.Unit {
		case "", string(quota.UnitRequests), string(quota.UnitSpend):
		default:
			return fmt.Errorf("config: service %q has unknown unit %q", svc.Name, svc.Unit)
		}
	}
	return nil
}

// Tiers maps the configured services to router tiers.
func (c *Config) Tiers() []router.Tier {
	out := make([]router.Tier, 0, len(c.Services))
	for _, svc := range c.Services {
		out = append(out, router.Tier{Service: svc.Name, Priority: svc.Priority})
	}
	return out
}

// QuotaConfigs maps the configured services to ledger service configs.
func (c *Config) QuotaConfigs() []quota.ServiceConfig {
	out := make([]quota.ServiceConfig, 0, len(c.Services))
	for _, svc := range c.Services {
		out = append(out, quota.ServiceConfig{
			Service: svc.Name,
			Limit:   svc.Limit,
			Window:  quota.Window(svc.Window),
			Unit:    quota.Unit(svc.Unit),
		})
	}
	return out
}
