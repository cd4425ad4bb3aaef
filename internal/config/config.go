// Package config manages the bgpd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete bgpd configuration.
type Config struct {
	HTTP    HTTPConfig    `koanf:"http"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	BGP     BGPConfig     `koanf:"bgp"`
	Peers   []PeerEntry   `koanf:"peers"`
}

// HTTPConfig holds the status/introspection HTTP server configuration
// (§4 supplemented feature 5: CLI/status introspection carried as
// ambient ops tooling).
type HTTPConfig struct {
	// Addr is the HTTP listen address (e.g., ":8080").
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

// BGPConfig holds the default peer parameters applied when a PeerEntry
// leaves a field zero.
type BGPConfig struct {
	// DefaultLocalAS is used when a peer entry omits local_as.
	DefaultLocalAS uint32 `koanf:"default_local_as"`

	// DefaultConnectRetryTime is §4.E's connect_retry_time default.
	DefaultConnectRetryTime time.Duration `koanf:"default_connect_retry_time"`

	// DefaultInitialHoldTime is §4.E's initial hold time default.
	DefaultInitialHoldTime time.Duration `koanf:"default_initial_hold_time"`

	// DefaultErrorAmnesiaTime, DefaultErrorDelayMin/Max parameterize
	// §4.F's update_startup_delay backoff law.
	DefaultErrorAmnesiaTime time.Duration `koanf:"default_error_amnesia_time"`
	DefaultErrorDelayMin    time.Duration `koanf:"default_error_delay_min"`
	DefaultErrorDelayMax    time.Duration `koanf:"default_error_delay_max"`

	// DefaultStartupDelayMin/Max parameterize the startup stagger
	// (SPEC_FULL.md §4 item 2): a randomized initial delay, bounded by
	// these two values, before a peer's first connect attempt, to avoid
	// a thundering herd when many peers are configured.
	DefaultStartupDelayMin time.Duration `koanf:"default_startup_delay_min"`
	DefaultStartupDelayMax time.Duration `koanf:"default_startup_delay_max"`
}

// PeerEntry describes a declarative BGP peer from the configuration
// file. Each entry creates a peer controller on daemon startup.
type PeerEntry struct {
	// RemoteAddr is the remote peer's IP address.
	RemoteAddr string `koanf:"remote_addr"`

	// SourceAddr is the local source address (optional; neigh_find
	// decides when empty).
	SourceAddr string `koanf:"source_addr"`

	// Interface pins resolution to a specific local interface (optional).
	Interface string `koanf:"interface"`

	LocalAS  uint32 `koanf:"local_as"`
	RemoteAS uint32 `koanf:"remote_as"`

	MultihopTTL uint8  `koanf:"multihop_ttl"`
	MD5Password string `koanf:"md5_password"`

	Passive           bool `koanf:"passive"`
	EnableAS4         bool `koanf:"enable_as4"`
	RouteRefresh      bool `koanf:"route_refresh"`
	DisableAfterError bool `koanf:"disable_after_error"`

	InitialHoldTime  time.Duration `koanf:"initial_hold_time"`
	ConnectRetryTime time.Duration `koanf:"connect_retry_time"`

	StartupDelayMin time.Duration `koanf:"startup_delay_min"`
	StartupDelayMax time.Duration `koanf:"startup_delay_max"`

	ErrorAmnesiaTime time.Duration `koanf:"error_amnesia_time"`
	ErrorDelayMin    time.Duration `koanf:"error_delay_min"`
	ErrorDelayMax    time.Duration `koanf:"error_delay_max"`

	RouteLimit int `koanf:"route_limit"`
}

// PeerKey returns a unique identifier for the entry based on
// (remote_addr, interface). Used for diffing peers on reload.
func (pe PeerEntry) PeerKey() string {
	return pe.RemoteAddr + "|" + pe.Interface
}

// RemoteAddrParsed parses RemoteAddr as a netip.Addr.
func (pe PeerEntry) RemoteAddrParsed() (netip.Addr, error) {
	if pe.RemoteAddr == "" {
		return netip.Addr{}, fmt.Errorf("peer remote_addr: %w", ErrInvalidPeerRemoteAddr)
	}
	addr, err := netip.ParseAddr(pe.RemoteAddr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse peer remote_addr %q: %w", pe.RemoteAddr, err)
	}
	return addr, nil
}

// SourceAddrParsed parses SourceAddr as a netip.Addr, returning the
// zero value when unset.
func (pe PeerEntry) SourceAddrParsed() (netip.Addr, error) {
	if pe.SourceAddr == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(pe.SourceAddr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse peer source_addr %q: %w", pe.SourceAddr, err)
	}
	return addr, nil
}

// Resolve merges defaults from bgp into the entry's zero-valued
// duration/AS fields, producing a peer.Config-ready value set.
func (pe PeerEntry) Resolve(bgp BGPConfig) PeerEntry {
	if pe.LocalAS == 0 {
		pe.LocalAS = bgp.DefaultLocalAS
	}
	if pe.ConnectRetryTime == 0 {
		pe.ConnectRetryTime = bgp.DefaultConnectRetryTime
	}
	if pe.InitialHoldTime == 0 {
		pe.InitialHoldTime = bgp.DefaultInitialHoldTime
	}
	if pe.ErrorAmnesiaTime == 0 {
		pe.ErrorAmnesiaTime = bgp.DefaultErrorAmnesiaTime
	}
	if pe.ErrorDelayMin == 0 {
		pe.ErrorDelayMin = bgp.DefaultErrorDelayMin
	}
	if pe.ErrorDelayMax == 0 {
		pe.ErrorDelayMax = bgp.DefaultErrorDelayMax
	}
	if pe.StartupDelayMin == 0 {
		pe.StartupDelayMin = bgp.DefaultStartupDelayMin
	}
	if pe.StartupDelayMax == 0 {
		pe.StartupDelayMax = bgp.DefaultStartupDelayMax
	}
	return pe
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The connect-retry and hold-time defaults (120s, 90s) match the
// conventional BGP-4 defaults carried forward from the protocol's
// reference implementations.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		BGP: BGPConfig{
			DefaultConnectRetryTime: 120 * time.Second,
			DefaultInitialHoldTime:  90 * time.Second,
			DefaultErrorAmnesiaTime: 300 * time.Second,
			DefaultErrorDelayMin:    60 * time.Second,
			DefaultErrorDelayMax:    300 * time.Second,
			DefaultStartupDelayMin:  0,
			DefaultStartupDelayMax:  5 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for bgpd configuration.
// Variables are named BGPD_<section>_<key>, e.g., BGPD_HTTP_ADDR.
const envPrefix = "BGPD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (BGPD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	BGPD_HTTP_ADDR      -> http.addr
//	BGPD_METRICS_ADDR   -> metrics.addr
//	BGPD_METRICS_PATH   -> metrics.path
//	BGPD_LOG_LEVEL      -> log.level
//	BGPD_LOG_FORMAT     -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// BGPD_HTTP_ADDR -> http.addr (strip prefix, lowercase, _ -> .).
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

// envKeyMapper transforms BGPD_HTTP_ADDR -> http.addr.
// Strips the BGPD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"http.addr":                        defaults.HTTP.Addr,
		"metrics.addr":                     defaults.Metrics.Addr,
		"metrics.path":                     defaults.Metrics.Path,
		"log.level":                        defaults.Log.Level,
		"log.format":                       defaults.Log.Format,
		"bgp.default_connect_retry_time":   defaults.BGP.DefaultConnectRetryTime.String(),
		"bgp.default_initial_hold_time":    defaults.BGP.DefaultInitialHoldTime.String(),
		"bgp.default_error_amnesia_time":   defaults.BGP.DefaultErrorAmnesiaTime.String(),
		"bgp.default_error_delay_min":      defaults.BGP.DefaultErrorDelayMin.String(),
		"bgp.default_error_delay_max":      defaults.BGP.DefaultErrorDelayMax.String(),
		"bgp.default_startup_delay_min":    defaults.BGP.DefaultStartupDelayMin.String(),
		"bgp.default_startup_delay_max":    defaults.BGP.DefaultStartupDelayMax.String(),
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
	// ErrEmptyHTTPAddr indicates the status HTTP listen address is empty.
	ErrEmptyHTTPAddr = errors.New("http.addr must not be empty")

	// ErrInvalidConnectRetryTime indicates the connect retry default is invalid.
	ErrInvalidConnectRetryTime = errors.New("bgp.default_connect_retry_time must be > 0")

	// ErrInvalidInitialHoldTime indicates the initial hold time default is invalid.
	ErrInvalidInitialHoldTime = errors.New("bgp.default_initial_hold_time must be > 0")

	// ErrInvalidPeerRemoteAddr indicates a peer has an invalid remote address.
	ErrInvalidPeerRemoteAddr = errors.New("peer remote_addr is invalid")

	// ErrInvalidPeerRouteLimit indicates a peer route_limit is negative.
	ErrInvalidPeerRouteLimit = errors.New("peer route_limit must be >= 0")

	// ErrDuplicatePeerKey indicates two peers share the same (remote_addr, interface) key.
	ErrDuplicatePeerKey = errors.New("duplicate peer key")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.HTTP.Addr == "" {
		return ErrEmptyHTTPAddr
	}

	if cfg.BGP.DefaultConnectRetryTime <= 0 {
		return ErrInvalidConnectRetryTime
	}

	if cfg.BGP.DefaultInitialHoldTime <= 0 {
		return ErrInvalidInitialHoldTime
	}

	if err := validatePeers(cfg.Peers); err != nil {
		return err
	}

	return nil
}

// validatePeers checks each declarative peer entry for correctness.
func validatePeers(peers []PeerEntry) error {
	seen := make(map[string]struct{}, len(peers))

	for i, pe := range peers {
		if _, err := pe.RemoteAddrParsed(); err != nil {
			return fmt.Errorf("peers[%d]: %w: %w", i, ErrInvalidPeerRemoteAddr, err)
		}

		if pe.RouteLimit < 0 {
			return fmt.Errorf("peers[%d]: %w", i, ErrInvalidPeerRouteLimit)
		}

		key := pe.PeerKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("peers[%d] key %q: %w", i, key, ErrDuplicatePeerKey)
		}
		seen[key] = struct{}{}
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
