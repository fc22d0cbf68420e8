// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads authflow configuration.
//
// Values are layered: built-in defaults, then the YAML config file, then
// command-line flags. Connection strings are secrets and only come from
// the environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/authflow/internal/bootstrap"
	"github.com/holomush/authflow/internal/diag"
	"github.com/holomush/authflow/internal/guard"
	"github.com/holomush/authflow/internal/identity"
	"github.com/holomush/authflow/internal/persistence"
	"github.com/holomush/authflow/internal/xdg"
)

// Indexed backends.
const (
	IndexedSQLite   = "sqlite"
	IndexedPostgres = "postgres"
	IndexedNone     = "none"
)

// Key-value backends.
const (
	KeyValueFile   = "file"
	KeyValueRedis  = "redis"
	KeyValueMemory = "memory"
	KeyValueNone   = "none"
)

// Broadcast channels.
const (
	ChannelNone  = "none"
	ChannelRedis = "redis"
)

// Config is the full authflow configuration.
type Config struct {
	Provider       ProviderConfig      `koanf:"provider"`
	DefaultToPopup bool                `koanf:"default_to_popup"`
	Guard          GuardConfig         `koanf:"guard"`
	Bootstrap      BootstrapConfig     `koanf:"bootstrap"`
	Persistence    PersistenceConfig   `koanf:"persistence"`
	Broadcast      BroadcastConfig     `koanf:"broadcast"`
	Diag           DiagConfig          `koanf:"diag"`
	Log            LogConfig           `koanf:"log"`
	Observability  ObservabilityConfig `koanf:"observability"`

	Secrets Secrets `koanf:"-"`
}

// ProviderConfig names the identity provider.
type ProviderConfig struct {
	ID     string   `koanf:"id"`
	Scopes []string `koanf:"scopes"`
}

// GuardConfig is the redirect budget.
type GuardConfig struct {
	Window      time.Duration `koanf:"window"`
	MaxAttempts int           `koanf:"max_attempts"`
}

// BootstrapConfig bounds the first auth state notification.
type BootstrapConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// PersistenceConfig picks the storage tiers.
type PersistenceConfig struct {
	Indexed        string        `koanf:"indexed"`
	KeyValue       string        `koanf:"key_value"`
	SQLitePath     string        `koanf:"sqlite_path"`
	FilePath       string        `koanf:"file_path"`
	IndexedTimeout time.Duration `koanf:"indexed_timeout"`
}

// BroadcastConfig picks the cross-tab channel.
type BroadcastConfig struct {
	Channel string `koanf:"channel"`
	Name    string `koanf:"name"`
}

// DiagConfig sizes the diagnostic log.
type DiagConfig struct {
	Verbose     bool `koanf:"verbose"`
	Capacity    int  `koanf:"capacity"`
	MaxSessions int  `koanf:"max_sessions"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Format string `koanf:"format"`
}

// ObservabilityConfig configures the metrics server.
type ObservabilityConfig struct {
	Addr string `koanf:"addr"`
}

// Secrets are read from the environment only.
type Secrets struct {
	DatabaseURL string `env:"AUTHFLOW_DATABASE_URL"`
	RedisURL    string `env:"AUTHFLOW_REDIS_URL"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Provider: ProviderConfig{ID: "google.com", Scopes: []string{"email", "profile"}},
		Guard: GuardConfig{
			Window:      guard.DefaultWindow,
			MaxAttempts: guard.DefaultMaxAttempts,
		},
		Bootstrap: BootstrapConfig{Timeout: bootstrap.DefaultTimeout},
		Persistence: PersistenceConfig{
			Indexed:        IndexedSQLite,
			KeyValue:       KeyValueFile,
			IndexedTimeout: persistence.DefaultIndexedTimeout,
		},
		Broadcast: BroadcastConfig{Channel: ChannelNone, Name: "authflow:broadcast"},
		Diag: DiagConfig{
			Capacity:    diag.DefaultCapacity,
			MaxSessions: diag.DefaultMaxSessions,
		},
		Log:           LogConfig{Format: "json"},
		Observability: ObservabilityConfig{Addr: "127.0.0.1:9101"},
	}
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"provider":               "provider.id",
	"scopes":                 "provider.scopes",
	"default-to-popup":       "default_to_popup",
	"guard-window":           "guard.window",
	"guard-max-attempts":     "guard.max_attempts",
	"bootstrap-timeout":      "bootstrap.timeout",
	"indexed":                "persistence.indexed",
	"key-value":              "persistence.key_value",
	"sqlite-path":            "persistence.sqlite_path",
	"file-path":              "persistence.file_path",
	"indexed-timeout":        "persistence.indexed_timeout",
	"broadcast":              "broadcast.channel",
	"verbose":                "diag.verbose",
	"log-format":             "log.format",
	"observability-addr":     "observability.addr",
	"diag-capacity":          "diag.capacity",
	"diag-max-sessions":      "diag.max_sessions",
	"broadcast-channel-name": "broadcast.name",
}

// RegisterFlags adds the config flags to fs with the built-in defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "config file (default "+xdg.ConfigFile()+")")
	fs.String("provider", d.Provider.ID, "identity provider id")
	fs.StringSlice("scopes", d.Provider.Scopes, "identity provider scopes")
	fs.Bool("default-to-popup", d.DefaultToPopup, "prefer popup sign-in over platform heuristics")
	fs.Duration("guard-window", d.Guard.Window, "redirect budget window")
	fs.Int("guard-max-attempts", d.Guard.MaxAttempts, "redirects allowed per window")
	fs.Duration("bootstrap-timeout", d.Bootstrap.Timeout, "wait for the first auth state notification")
	fs.String("indexed", d.Persistence.Indexed, "indexed storage backend (sqlite, postgres, none)")
	fs.String("key-value", d.Persistence.KeyValue, "key-value storage backend (file, redis, memory, none)")
	fs.String("sqlite-path", d.Persistence.SQLitePath, "sqlite database path (default in the state dir)")
	fs.String("file-path", d.Persistence.FilePath, "key-value file path (default in the state dir)")
	fs.Duration("indexed-timeout", d.Persistence.IndexedTimeout, "indexed storage probe budget")
	fs.String("broadcast", d.Broadcast.Channel, "cross-tab channel (none, redis)")
	fs.String("broadcast-channel-name", d.Broadcast.Name, "cross-tab channel name")
	fs.Bool("verbose", d.Diag.Verbose, "keep debug diagnostics and debug logs")
	fs.Int("diag-capacity", d.Diag.Capacity, "diagnostic entries kept per session")
	fs.Int("diag-max-sessions", d.Diag.MaxSessions, "diagnostic sessions kept")
	fs.String("log-format", d.Log.Format, "log format (json, text)")
	fs.String("observability-addr", d.Observability.Addr, "metrics server address")
}

// Load builds the configuration from the config file named by the
// --config flag (or the default path when it exists), the flags in fs and
// the environment.
func Load(flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path := configPath(flags); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_READ_FAILED").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	// Slices decode element-wise into existing ones.
	if k.Exists("provider.scopes") {
		cfg.Provider.Scopes = nil
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_DECODE_FAILED").Wrap(err)
	}
	if err := env.Parse(&cfg.Secrets); err != nil {
		return nil, oops.Code("CONFIG_ENV_FAILED").Wrap(err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// configPath returns the --config value, or the default file when it
// exists.
func configPath(flags *pflag.FlagSet) string {
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			return f.Value.String()
		}
	}
	path := xdg.ConfigFile()
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func (c *Config) normalize() {
	c.Persistence.Indexed = strings.ToLower(strings.TrimSpace(c.Persistence.Indexed))
	c.Persistence.KeyValue = strings.ToLower(strings.TrimSpace(c.Persistence.KeyValue))
	c.Broadcast.Channel = strings.ToLower(strings.TrimSpace(c.Broadcast.Channel))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Provider.ID == "" {
		return oops.Code("CONFIG_INVALID").With("field", "provider.id").Errorf("provider id is required")
	}
	if err := c.GuardPolicy().Validate(); err != nil {
		return oops.Code("CONFIG_INVALID").With("field", "guard").Wrap(err)
	}
	if c.Bootstrap.Timeout <= 0 {
		return oops.Code("CONFIG_INVALID").With("field", "bootstrap.timeout").Errorf("bootstrap timeout must be positive")
	}
	if c.Persistence.IndexedTimeout <= 0 {
		return oops.Code("CONFIG_INVALID").With("field", "persistence.indexed_timeout").Errorf("indexed timeout must be positive")
	}
	switch c.Persistence.Indexed {
	case IndexedSQLite, IndexedNone:
	case IndexedPostgres:
		if c.Secrets.DatabaseURL == "" {
			return oops.Code("CONFIG_INVALID").With("field", "AUTHFLOW_DATABASE_URL").Errorf("postgres storage needs AUTHFLOW_DATABASE_URL")
		}
	default:
		return oops.Code("CONFIG_INVALID").With("field", "persistence.indexed").With("value", c.Persistence.Indexed).Errorf("unknown indexed backend")
	}
	switch c.Persistence.KeyValue {
	case KeyValueFile, KeyValueMemory, KeyValueNone:
	case KeyValueRedis:
		if c.Secrets.RedisURL == "" {
			return oops.Code("CONFIG_INVALID").With("field", "AUTHFLOW_REDIS_URL").Errorf("redis storage needs AUTHFLOW_REDIS_URL")
		}
	default:
		return oops.Code("CONFIG_INVALID").With("field", "persistence.key_value").With("value", c.Persistence.KeyValue).Errorf("unknown key-value backend")
	}
	switch c.Broadcast.Channel {
	case ChannelNone:
	case ChannelRedis:
		if c.Secrets.RedisURL == "" {
			return oops.Code("CONFIG_INVALID").With("field", "AUTHFLOW_REDIS_URL").Errorf("redis broadcast needs AUTHFLOW_REDIS_URL")
		}
	default:
		return oops.Code("CONFIG_INVALID").With("field", "broadcast.channel").With("value", c.Broadcast.Channel).Errorf("unknown broadcast channel")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return oops.Code("CONFIG_INVALID").With("field", "log.format").With("value", c.Log.Format).Errorf("log format must be json or text")
	}
	return nil
}

// GuardPolicy returns the redirect guard policy.
func (c *Config) GuardPolicy() guard.Policy {
	return guard.Policy{Window: c.Guard.Window, MaxAttempts: c.Guard.MaxAttempts}
}

// IdentityProvider returns the configured provider.
func (c *Config) IdentityProvider() identity.Provider {
	return identity.Provider{ID: c.Provider.ID, Scopes: c.Provider.Scopes}
}

// DiagOptions returns the diagnostic log sizing.
func (c *Config) DiagOptions() diag.Options {
	return diag.Options{Capacity: c.Diag.Capacity, MaxSessions: c.Diag.MaxSessions, Verbose: c.Diag.Verbose}
}
