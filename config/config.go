// Package config loads and persists the Lumen runtime configuration.
//
// Configuration is read from lumen.toml via Viper, with LUMEN_*
// environment variables overriding file values and built-in defaults
// underneath both.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/lumenxr/lumen/errors"
)

// Config is the root runtime configuration.
type Config struct {
	Compositor CompositorConfig `mapstructure:"compositor" toml:"compositor"`
	Monitor    MonitorConfig    `mapstructure:"monitor" toml:"monitor"`
	Log        LogConfig        `mapstructure:"log" toml:"log"`
}

// CompositorConfig tunes the multi-client broker core.
type CompositorConfig struct {
	// MaxClients bounds the broker's client table. The table is
	// preallocated; insertion past the bound fails.
	MaxClients int `mapstructure:"max_clients" toml:"max_clients"`

	// FenceWaitTimeout is the per-attempt GPU wait timeout. Timed-out
	// attempts are retried indefinitely with a warning.
	FenceWaitTimeout time.Duration `mapstructure:"fence_wait_timeout" toml:"fence_wait_timeout"`

	// PickupPollInterval is the wait worker's re-check interval while
	// the scheduled slot is occupied.
	PickupPollInterval time.Duration `mapstructure:"pickup_poll_interval" toml:"pickup_poll_interval"`

	// ScheduleHalfWindowFraction sizes the displacement window around
	// the announced next-display time as a fraction of the predicted
	// display period.
	ScheduleHalfWindowFraction float64 `mapstructure:"schedule_half_window_fraction" toml:"schedule_half_window_fraction"`

	// WarmStart makes the broker run one session cycle through the
	// native compositor at startup, before any client begins.
	WarmStart bool `mapstructure:"warm_start" toml:"warm_start"`

	// MultiClientControl enables the visibility/focus/z-order control
	// surface. When disabled those operations report not-supported.
	MultiClientControl bool `mapstructure:"multi_client_control" toml:"multi_client_control"`
}

// MonitorConfig configures the WebSocket observer surface.
type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Addr    string `mapstructure:"addr" toml:"addr"`

	// StatusRatePerSec caps status broadcasts per observer connection.
	StatusRatePerSec float64 `mapstructure:"status_rate_per_sec" toml:"status_rate_per_sec"`
}

// LogConfig configures logging output.
type LogConfig struct {
	JSON bool `mapstructure:"json" toml:"json"`
}

// SetDefaults installs the built-in defaults on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("compositor.max_clients", 64)
	v.SetDefault("compositor.fence_wait_timeout", "100ms")
	v.SetDefault("compositor.pickup_poll_interval", "1ms")
	v.SetDefault("compositor.schedule_half_window_fraction", 0.5)
	v.SetDefault("compositor.warm_start", true)
	v.SetDefault("compositor.multi_client_control", true)

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.addr", ":9320")
	v.SetDefault("monitor.status_rate_per_sec", 20.0)

	v.SetDefault("log.json", false)
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := fromViper(v)
	if err != nil {
		// Defaults always unmarshal; anything else is a programming error.
		panic(err)
	}
	return cfg
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	if c.Compositor.MaxClients <= 0 {
		return errors.Newf("compositor.max_clients must be positive, got %d", c.Compositor.MaxClients)
	}
	if c.Compositor.FenceWaitTimeout <= 0 {
		return errors.New("compositor.fence_wait_timeout must be positive")
	}
	if c.Compositor.PickupPollInterval <= 0 {
		return errors.New("compositor.pickup_poll_interval must be positive")
	}
	if f := c.Compositor.ScheduleHalfWindowFraction; f <= 0 || f > 1 {
		return errors.Newf("compositor.schedule_half_window_fraction must be in (0, 1], got %v", f)
	}
	return nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
