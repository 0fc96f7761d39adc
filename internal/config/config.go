// Package config manages Manager daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete Manager daemon configuration (spec.md
// Section 6: "Manager config: listenAddress, leaderEndpoint,
// helperEndpoint, mainLocations, datastore creds, log level").
type Config struct {
	HTTP      HTTPConfig      `koanf:"http"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Manager   ManagerConfig   `koanf:"manager"`
	Datastore DatastoreConfig `koanf:"datastore"`
}

// HTTPConfig holds the Manager's session-API listener configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address (e.g., ":8443").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// ManagerConfig holds the Manager's view of the two-aggregator
// federation this instance belongs to (spec.md Section 3, Section 6).
type ManagerConfig struct {
	// Role is which aggregator this Manager instance is co-located
	// with: "leader" or "helper".
	Role string `koanf:"role"`

	// LeaderEndpoint is the internal DAP endpoint of the Leader
	// aggregator, used to fill AggregatorTask.PeerEndpoint when this
	// Manager runs as Helper.
	LeaderEndpoint string `koanf:"leader_endpoint"`

	// HelperEndpoint is the internal DAP endpoint of the Helper
	// aggregator, used to fill AggregatorTask.PeerEndpoint when this
	// Manager runs as Leader.
	HelperEndpoint string `koanf:"helper_endpoint"`

	// ExternalLeader and ExternalHelper are the pair returned from
	// get_main_locations (spec.md Section 6).
	ExternalLeader string `koanf:"external_leader"`
	ExternalHelper string `koanf:"external_helper"`
}

// DatastoreConfig holds datastore connection parameters for a TaskStore
// implementation beyond the in-memory reference (spec.md Section 3:
// "datastore (interface; in-memory reference implementation is
// sufficient)"). The in-memory store ignores these entirely; they exist
// so a Manager deployment config is forward-compatible with a real
// datastore-backed TaskStore without a config-shape break.
type DatastoreConfig struct {
	// Driver names the datastore backend ("memory" is the only one this
	// module implements; others are placeholders for future TaskStore
	// implementations).
	Driver string `koanf:"driver"`
	// DSN is the datastore connection string, opaque to this package.
	DSN string `koanf:"dsn"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8443",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Manager: ManagerConfig{
			Role: "leader",
		},
		Datastore: DatastoreConfig{
			Driver: "memory",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for Manager configuration.
// Variables are named DPSA_<section>_<key>, e.g., DPSA_HTTP_ADDR.
const envPrefix = "DPSA_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (DPSA_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	DPSA_HTTP_ADDR              -> http.addr
//	DPSA_METRICS_ADDR           -> metrics.addr
//	DPSA_METRICS_PATH           -> metrics.path
//	DPSA_LOG_LEVEL              -> log.level
//	DPSA_LOG_FORMAT             -> log.format
//	DPSA_MANAGER_ROLE           -> manager.role
//	DPSA_MANAGER_LEADER_ENDPOINT -> manager.leader_endpoint
//	DPSA_MANAGER_HELPER_ENDPOINT -> manager.helper_endpoint
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms DPSA_HTTP_ADDR -> http.addr.
// Strips the DPSA_ prefix, lowercases, and replaces the first _ with .
// (the section separator), so DPSA_MANAGER_LEADER_ENDPOINT ->
// manager.leader_endpoint.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"http.addr":                defaults.HTTP.Addr,
		"metrics.addr":             defaults.Metrics.Addr,
		"metrics.path":             defaults.Metrics.Path,
		"log.level":                defaults.Log.Level,
		"log.format":               defaults.Log.Format,
		"manager.role":             defaults.Manager.Role,
		"manager.leader_endpoint":  defaults.Manager.LeaderEndpoint,
		"manager.helper_endpoint":  defaults.Manager.HelperEndpoint,
		"manager.external_leader":  defaults.Manager.ExternalLeader,
		"manager.external_helper":  defaults.Manager.ExternalHelper,
		"datastore.driver":         defaults.Datastore.Driver,
		"datastore.dsn":            defaults.Datastore.DSN,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyHTTPAddr indicates the HTTP listen address is empty.
	ErrEmptyHTTPAddr = errors.New("http.addr must not be empty")

	// ErrInvalidRole indicates manager.role is neither "leader" nor "helper".
	ErrInvalidRole = errors.New(`manager.role must be "leader" or "helper"`)

	// ErrEmptyPeerEndpoint indicates the endpoint of the OTHER aggregator
	// (from this Manager's role) was not configured.
	ErrEmptyPeerEndpoint = errors.New("the peer aggregator's endpoint must not be empty")

	// ErrEmptyExternalLocations indicates get_main_locations has nothing
	// to return.
	ErrEmptyExternalLocations = errors.New("manager.external_leader and manager.external_helper must not be empty")

	// ErrUnknownDatastoreDriver indicates datastore.driver names a backend
	// this module does not implement.
	ErrUnknownDatastoreDriver = errors.New("unrecognized datastore.driver")
)

// KnownDatastoreDrivers lists the recognized datastore.driver strings.
var KnownDatastoreDrivers = map[string]bool{
	"memory": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.HTTP.Addr == "" {
		return ErrEmptyHTTPAddr
	}

	switch cfg.Manager.Role {
	case "leader":
		if cfg.Manager.HelperEndpoint == "" {
			return fmt.Errorf("%w (helper_endpoint)", ErrEmptyPeerEndpoint)
		}
	case "helper":
		if cfg.Manager.LeaderEndpoint == "" {
			return fmt.Errorf("%w (leader_endpoint)", ErrEmptyPeerEndpoint)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, cfg.Manager.Role)
	}

	if cfg.Manager.ExternalLeader == "" || cfg.Manager.ExternalHelper == "" {
		return ErrEmptyExternalLocations
	}

	if !KnownDatastoreDrivers[cfg.Datastore.Driver] {
		return fmt.Errorf("%w: %q", ErrUnknownDatastoreDriver, cfg.Datastore.Driver)
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
