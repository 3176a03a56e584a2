// Package config loads wardrobe-sync settings from an optional config file
// and WARDROBE_SYNC_* environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/wardrobekit/backend/internal/errors"
)

const (
	DefaultEnvPrefix = "WARDROBE_SYNC"

	DefaultDataDir    = "./data"
	DefaultStatusAddr = "127.0.0.1:8090"
	FlagFileName      = "network.flag"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Connectivity sources.
const (
	SourceProbe  = "probe"
	SourceFlag   = "flag"
	SourceManual = "manual"
)

type Config struct {
	DataDir   string          `json:"data_dir"  mapstructure:"data_dir"`
	Store     StoreConfig     `json:"store"     mapstructure:"store"`
	Remote    RemoteConfig    `json:"remote"    mapstructure:"remote"`
	Network   NetworkConfig   `json:"network"   mapstructure:"network"`
	Sync      SyncConfig      `json:"sync"      mapstructure:"sync"`
	Log       LogConfig       `json:"log"       mapstructure:"log"`
	Status    StatusConfig    `json:"status"    mapstructure:"status"`
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`
}

type StoreConfig struct {
	Backend string `json:"backend" mapstructure:"backend"`
}

type RemoteConfig struct {
	BaseURL string        `json:"base_url"        mapstructure:"base_url"`
	Token   string        `json:"token,omitempty" mapstructure:"token"`
	Timeout time.Duration `json:"timeout"         mapstructure:"timeout"`
}

type NetworkConfig struct {
	// Source is probe, flag or manual. Empty picks probe when ProbeURL is
	// set and flag otherwise.
	Source        string        `json:"source"         mapstructure:"source"`
	ProbeURL      string        `json:"probe_url"      mapstructure:"probe_url"`
	ProbeInterval time.Duration `json:"probe_interval" mapstructure:"probe_interval"`
	FlagFile      string        `json:"flag_file"      mapstructure:"flag_file"`
}

type SyncConfig struct {
	BackoffInitial  time.Duration `json:"backoff_initial"  mapstructure:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max"      mapstructure:"backoff_max"`
	DispatchTimeout time.Duration `json:"dispatch_timeout" mapstructure:"dispatch_timeout"`
	MaxQueueSize    int           `json:"max_queue_size"   mapstructure:"max_queue_size"`
	// Collections limits which collections the CLI lists; empty means all.
	Collections []string `json:"collections" mapstructure:"collections"`
}

type LogConfig struct {
	Level     string `json:"level"       mapstructure:"level"`
	File      string `json:"file"        mapstructure:"file"`
	MaxSizeMB int    `json:"max_size_mb" mapstructure:"max_size_mb"`
}

type StatusConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

type TelemetryConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

var defaults = map[string]interface{}{
	"data_dir":               DefaultDataDir,
	"store.backend":          BackendSQLite,
	"remote.base_url":        "",
	"remote.token":           "",
	"remote.timeout":         30 * time.Second,
	"network.source":         "",
	"network.probe_url":      "",
	"network.probe_interval": 15 * time.Second,
	"network.flag_file":      "",
	"sync.backoff_initial":   time.Second,
	"sync.backoff_max":       5 * time.Minute,
	"sync.dispatch_timeout":  30 * time.Second,
	"sync.max_queue_size":    0,
	"sync.collections":       []string{},
	"log.level":              "info",
	"log.file":               "",
	"log.max_size_mb":        10,
	"status.addr":            DefaultStatusAddr,
	"telemetry.enabled":      false,
}

// Load reads configuration. configFile may be empty; values from the
// environment override the file.
func Load(configFile string) (*Config, error) {
	v := viper.NewWithOptions(
		viper.KeyDelimiter("."),
		viper.EnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")),
	)

	v.SetEnvPrefix(DefaultEnvPrefix)
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	for key, value := range defaults {
		_ = v.BindEnv(key)
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "failed to read config file", err)
		}
	}

	decodeHooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks)); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to load configuration", err)
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve fills values derived from other settings.
func (c *Config) resolve() {
	if c.Network.Source == "" {
		c.Network.Source = SourceFlag
		if c.Network.ProbeURL != "" {
			c.Network.Source = SourceProbe
		}
	}
	if c.Network.FlagFile == "" {
		c.Network.FlagFile = filepath.Join(c.DataDir, FlagFileName)
	}
}

// Validate checks enumerated values and durations.
func (c *Config) Validate() error {
	if !slices.Contains([]string{BackendSQLite, BackendBadger, BackendMemory}, c.Store.Backend) {
		return errors.Newf(errors.ErrValidation, "store.backend must be sqlite, badger or memory, got %q", c.Store.Backend)
	}
	if !slices.Contains([]string{SourceProbe, SourceFlag, SourceManual}, c.Network.Source) {
		return errors.Newf(errors.ErrValidation, "network.source must be probe, flag or manual, got %q", c.Network.Source)
	}
	if c.Network.Source == SourceProbe && c.Network.ProbeURL == "" {
		return errors.New(errors.ErrValidation, "network.probe_url is required for the probe source")
	}
	if c.Store.Backend != BackendMemory && c.DataDir == "" {
		return errors.New(errors.ErrValidation, "data_dir is required")
	}
	if c.Sync.BackoffInitial <= 0 || c.Sync.BackoffMax < c.Sync.BackoffInitial {
		return errors.Newf(errors.ErrValidation, "invalid backoff window %s..%s", c.Sync.BackoffInitial, c.Sync.BackoffMax)
	}
	if c.Sync.MaxQueueSize < 0 {
		return errors.New(errors.ErrValidation, "sync.max_queue_size must not be negative")
	}
	return nil
}

// String renders the configuration with the remote token redacted.
func (c *Config) String() string {
	redacted := *c
	if redacted.Remote.Token != "" {
		redacted.Remote.Token = "***REDACTED***"
	}
	return fmt.Sprintf("%+v", redacted)
}
