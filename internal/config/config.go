// Package config loads lagwatch settings from YAML or JSON files and
// LAGWATCH_* environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
//
// Example YAML:
//
//	tick:
//	  interval: 50ms
//	watchdog:
//	  threshold: 500ms
//	guard:
//	  enforce: false
//	  operations: [connect, file-read, file-write, sleep]
//	storage:
//	  enabled: true
//	  path: lagwatch.db
type Config struct {
	Tick         TickConfig         `json:"tick" yaml:"tick" envPrefix:"TICK_"`
	Watchdog     WatchdogConfig     `json:"watchdog" yaml:"watchdog" envPrefix:"WATCHDOG_"`
	Guard        GuardConfig        `json:"guard" yaml:"guard" envPrefix:"GUARD_"`
	ThreadSafety ThreadSafetyConfig `json:"threadSafety" yaml:"threadSafety" envPrefix:"THREAD_SAFETY_"`
	Telemetry    TelemetryConfig    `json:"telemetry" yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Storage      StorageConfig      `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
	Log          LogConfig          `json:"log" yaml:"log" envPrefix:"LOG_"`
}

// TickConfig paces the host's primary loop.
type TickConfig struct {
	Interval Duration `json:"interval" yaml:"interval" env:"INTERVAL"`
}

// WatchdogConfig configures stall detection.
type WatchdogConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Threshold    Duration `json:"threshold" yaml:"threshold" env:"THRESHOLD"`
	PollInterval Duration `json:"pollInterval" yaml:"pollInterval" env:"POLL_INTERVAL"`
	MaxEvents    int      `json:"maxEvents" yaml:"maxEvents" env:"MAX_EVENTS"`
}

// GuardConfig configures the blocking-operation guard.
type GuardConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`

	// Enforce refuses violating operations instead of only reporting them
	Enforce bool `json:"enforce" yaml:"enforce" env:"ENFORCE"`

	// Operations to watch: connect, accept, file-read, file-write, sleep, join
	Operations []string `json:"operations" yaml:"operations" env:"OPERATIONS"`
}

// ThreadSafetyConfig toggles the off-primary invocation check.
type ThreadSafetyConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`
}

// TelemetryConfig sizes the tick-rate and latency samplers.
type TelemetryConfig struct {
	TPSEvery     int `json:"tpsEvery" yaml:"tpsEvery" env:"TPS_EVERY"`
	TPSCapacity  int `json:"tpsCapacity" yaml:"tpsCapacity" env:"TPS_CAPACITY"`
	PingEvery    int `json:"pingEvery" yaml:"pingEvery" env:"PING_EVERY"`
	PingCapacity int `json:"pingCapacity" yaml:"pingCapacity" env:"PING_CAPACITY"`
}

// StorageConfig configures SQLite persistence.
type StorageConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Path         string   `json:"path" yaml:"path" env:"PATH"`
	SaveInterval Duration `json:"saveInterval" yaml:"saveInterval" env:"SAVE_INTERVAL"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Addr    string `json:"addr" yaml:"addr" env:"ADDR"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level       string `json:"level" yaml:"level" env:"LEVEL"`
	Development bool   `json:"development" yaml:"development" env:"DEVELOPMENT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Tick: TickConfig{Interval: Duration(50 * time.Millisecond)},
		Watchdog: WatchdogConfig{
			Enabled:      true,
			Threshold:    Duration(500 * time.Millisecond),
			PollInterval: Duration(10 * time.Millisecond),
			MaxEvents:    64,
		},
		Guard: GuardConfig{
			Enabled:    true,
			Operations: []string{"connect", "accept", "file-read", "file-write", "sleep", "join"},
		},
		ThreadSafety: ThreadSafetyConfig{Enabled: true},
		Telemetry: TelemetryConfig{
			TPSEvery:     20,
			TPSCapacity:  300,
			PingEvery:    40,
			PingCapacity: 30,
		},
		Storage: StorageConfig{
			Path:         "lagwatch.db",
			SaveInterval: Duration(30 * time.Second),
		},
		Metrics: MetricsConfig{Addr: ":9464"},
		Log:     LogConfig{Level: "info"},
	}
}

// ApplyDefaults fills zero values with defaults. Booleans are left alone.
func (c *Config) ApplyDefaults() {
	d := Default()

	if c.Tick.Interval == 0 {
		c.Tick.Interval = d.Tick.Interval
	}
	if c.Watchdog.Threshold == 0 {
		c.Watchdog.Threshold = d.Watchdog.Threshold
	}
	if c.Watchdog.PollInterval == 0 {
		c.Watchdog.PollInterval = d.Watchdog.PollInterval
	}
	if c.Watchdog.MaxEvents == 0 {
		c.Watchdog.MaxEvents = d.Watchdog.MaxEvents
	}
	if c.Guard.Operations == nil {
		c.Guard.Operations = d.Guard.Operations
	}
	if c.Telemetry.TPSEvery == 0 {
		c.Telemetry.TPSEvery = d.Telemetry.TPSEvery
	}
	if c.Telemetry.TPSCapacity == 0 {
		c.Telemetry.TPSCapacity = d.Telemetry.TPSCapacity
	}
	if c.Telemetry.PingEvery == 0 {
		c.Telemetry.PingEvery = d.Telemetry.PingEvery
	}
	if c.Telemetry.PingCapacity == 0 {
		c.Telemetry.PingCapacity = d.Telemetry.PingCapacity
	}
	if c.Storage.Path == "" {
		c.Storage.Path = d.Storage.Path
	}
	if c.Storage.SaveInterval == 0 {
		c.Storage.SaveInterval = d.Storage.SaveInterval
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = d.Metrics.Addr
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// Duration is a time.Duration that can be read from "500ms"-style strings in
// YAML, JSON and environment variables.
type Duration time.Duration

// Get returns the duration or defaultValue when unset.
func (d Duration) Get(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	s := string(b)
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
