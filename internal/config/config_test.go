package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arrownet/bgpd/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":8080")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.BGP.DefaultConnectRetryTime != 120*time.Second {
		t.Errorf("BGP.DefaultConnectRetryTime = %v, want %v", cfg.BGP.DefaultConnectRetryTime, 120*time.Second)
	}

	if cfg.BGP.DefaultInitialHoldTime != 90*time.Second {
		t.Errorf("BGP.DefaultInitialHoldTime = %v, want %v", cfg.BGP.DefaultInitialHoldTime, 90*time.Second)
	}

	if cfg.BGP.DefaultErrorAmnesiaTime != 300*time.Second {
		t.Errorf("BGP.DefaultErrorAmnesiaTime = %v, want %v", cfg.BGP.DefaultErrorAmnesiaTime, 300*time.Second)
	}

	if cfg.BGP.DefaultErrorDelayMin != 60*time.Second {
		t.Errorf("BGP.DefaultErrorDelayMin = %v, want %v", cfg.BGP.DefaultErrorDelayMin, 60*time.Second)
	}

	if cfg.BGP.DefaultErrorDelayMax != 300*time.Second {
		t.Errorf("BGP.DefaultErrorDelayMax = %v, want %v", cfg.BGP.DefaultErrorDelayMax, 300*time.Second)
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
http:
  addr: ":9000"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
bgp:
  default_connect_retry_time: "30s"
  default_initial_hold_time: "45s"
  default_error_amnesia_time: "120s"
  default_error_delay_min: "10s"
  default_error_delay_max: "160s"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.HTTP.Addr != ":9000" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":9000")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if cfg.BGP.DefaultConnectRetryTime != 30*time.Second {
		t.Errorf("BGP.DefaultConnectRetryTime = %v, want %v", cfg.BGP.DefaultConnectRetryTime, 30*time.Second)
	}

	if cfg.BGP.DefaultInitialHoldTime != 45*time.Second {
		t.Errorf("BGP.DefaultInitialHoldTime = %v, want %v", cfg.BGP.DefaultInitialHoldTime, 45*time.Second)
	}

	if cfg.BGP.DefaultErrorDelayMin != 10*time.Second {
		t.Errorf("BGP.DefaultErrorDelayMin = %v, want %v", cfg.BGP.DefaultErrorDelayMin, 10*time.Second)
	}

	if cfg.BGP.DefaultErrorDelayMax != 160*time.Second {
		t.Errorf("BGP.DefaultErrorDelayMax = %v, want %v", cfg.BGP.DefaultErrorDelayMax, 160*time.Second)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override http.addr and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
http:
  addr: ":9500"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.HTTP.Addr != ":9500" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":9500")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.BGP.DefaultConnectRetryTime != 120*time.Second {
		t.Errorf("BGP.DefaultConnectRetryTime = %v, want default %v", cfg.BGP.DefaultConnectRetryTime, 120*time.Second)
	}

	if cfg.BGP.DefaultInitialHoldTime != 90*time.Second {
		t.Errorf("BGP.DefaultInitialHoldTime = %v, want default %v", cfg.BGP.DefaultInitialHoldTime, 90*time.Second)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty http addr",
			modify: func(cfg *config.Config) {
				cfg.HTTP.Addr = ""
			},
			wantErr: config.ErrEmptyHTTPAddr,
		},
		{
			name: "zero connect retry time",
			modify: func(cfg *config.Config) {
				cfg.BGP.DefaultConnectRetryTime = 0
			},
			wantErr: config.ErrInvalidConnectRetryTime,
		},
		{
			name: "negative connect retry time",
			modify: func(cfg *config.Config) {
				cfg.BGP.DefaultConnectRetryTime = -1 * time.Second
			},
			wantErr: config.ErrInvalidConnectRetryTime,
		},
		{
			name: "zero initial hold time",
			modify: func(cfg *config.Config) {
				cfg.BGP.DefaultInitialHoldTime = 0
			},
			wantErr: config.ErrInvalidInitialHoldTime,
		},
		{
			name: "negative initial hold time",
			modify: func(cfg *config.Config) {
				cfg.BGP.DefaultInitialHoldTime = -500 * time.Millisecond
			},
			wantErr: config.ErrInvalidInitialHoldTime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// -------------------------------------------------------------------------
// Peer Entry Tests
// -------------------------------------------------------------------------

func TestLoadWithPeers(t *testing.T) {
	t.Parallel()

	yamlContent := `
http:
  addr: ":8080"
peers:
  - remote_addr: "10.0.0.1"
    source_addr: "10.0.0.2"
    interface: "eth0"
    remote_as: 65001
    local_as: 65000
    connect_retry_time: "10s"
    initial_hold_time: "30s"
    route_limit: 100
  - remote_addr: "10.0.1.1"
    source_addr: "10.0.1.2"
    remote_as: 65002
    passive: true
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if len(cfg.Peers) != 2 {
		t.Fatalf("Peers count = %d, want 2", len(cfg.Peers))
	}

	p1 := cfg.Peers[0]
	if p1.RemoteAddr != "10.0.0.1" {
		t.Errorf("Peers[0].RemoteAddr = %q, want %q", p1.RemoteAddr, "10.0.0.1")
	}
	if p1.SourceAddr != "10.0.0.2" {
		t.Errorf("Peers[0].SourceAddr = %q, want %q", p1.SourceAddr, "10.0.0.2")
	}
	if p1.Interface != "eth0" {
		t.Errorf("Peers[0].Interface = %q, want %q", p1.Interface, "eth0")
	}
	if p1.RemoteAS != 65001 {
		t.Errorf("Peers[0].RemoteAS = %d, want %d", p1.RemoteAS, 65001)
	}
	if p1.ConnectRetryTime != 10*time.Second {
		t.Errorf("Peers[0].ConnectRetryTime = %v, want %v", p1.ConnectRetryTime, 10*time.Second)
	}
	if p1.RouteLimit != 100 {
		t.Errorf("Peers[0].RouteLimit = %d, want %d", p1.RouteLimit, 100)
	}

	p2 := cfg.Peers[1]
	if p2.RemoteAddr != "10.0.1.1" {
		t.Errorf("Peers[1].RemoteAddr = %q, want %q", p2.RemoteAddr, "10.0.1.1")
	}
	if !p2.Passive {
		t.Error("Peers[1].Passive = false, want true")
	}

	// Peer keys should be distinct.
	if p1.PeerKey() == p2.PeerKey() {
		t.Error("Peers[0] and Peers[1] have the same key, expected different")
	}
}

func TestValidatePeerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty peer remote addr",
			modify: func(cfg *config.Config) {
				cfg.Peers = []config.PeerEntry{
					{RemoteAddr: ""},
				}
			},
			wantErr: config.ErrInvalidPeerRemoteAddr,
		},
		{
			name: "invalid peer remote addr",
			modify: func(cfg *config.Config) {
				cfg.Peers = []config.PeerEntry{
					{RemoteAddr: "not-an-ip"},
				}
			},
			wantErr: config.ErrInvalidPeerRemoteAddr,
		},
		{
			name: "negative route limit",
			modify: func(cfg *config.Config) {
				cfg.Peers = []config.PeerEntry{
					{RemoteAddr: "10.0.0.1", RouteLimit: -1},
				}
			},
			wantErr: config.ErrInvalidPeerRouteLimit,
		},
		{
			name: "duplicate peer keys",
			modify: func(cfg *config.Config) {
				cfg.Peers = []config.PeerEntry{
					{RemoteAddr: "10.0.0.1", Interface: "eth0"},
					{RemoteAddr: "10.0.0.1", Interface: "eth0"},
				}
			},
			wantErr: config.ErrDuplicatePeerKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPeerEntryKey(t *testing.T) {
	t.Parallel()

	pe := config.PeerEntry{
		RemoteAddr: "10.0.0.1",
		Interface:  "eth0",
	}

	want := "10.0.0.1|eth0"
	if got := pe.PeerKey(); got != want {
		t.Errorf("PeerKey() = %q, want %q", got, want)
	}
}

func TestPeerEntryRemoteAddrParsed(t *testing.T) {
	t.Parallel()

	pe := config.PeerEntry{RemoteAddr: "10.0.0.1"}
	addr, err := pe.RemoteAddrParsed()
	if err != nil {
		t.Fatalf("RemoteAddrParsed() error: %v", err)
	}
	if addr.String() != "10.0.0.1" {
		t.Errorf("RemoteAddrParsed() = %s, want 10.0.0.1", addr)
	}
}

func TestPeerEntrySourceAddrParsed(t *testing.T) {
	t.Parallel()

	pe := config.PeerEntry{SourceAddr: "10.0.0.2"}
	addr, err := pe.SourceAddrParsed()
	if err != nil {
		t.Fatalf("SourceAddrParsed() error: %v", err)
	}
	if addr.String() != "10.0.0.2" {
		t.Errorf("SourceAddrParsed() = %s, want 10.0.0.2", addr)
	}
}

func TestPeerEntrySourceAddrParsedEmpty(t *testing.T) {
	t.Parallel()

	pe := config.PeerEntry{SourceAddr: ""}
	addr, err := pe.SourceAddrParsed()
	if err != nil {
		t.Fatalf("SourceAddrParsed() error: %v", err)
	}
	if addr.IsValid() {
		t.Errorf("SourceAddrParsed() should be zero value for empty, got %s", addr)
	}
}

func TestPeerEntryResolve(t *testing.T) {
	t.Parallel()

	bgp := config.DefaultConfig().BGP
	pe := config.PeerEntry{RemoteAddr: "10.0.0.1"}

	resolved := pe.Resolve(bgp)

	if resolved.ConnectRetryTime != bgp.DefaultConnectRetryTime {
		t.Errorf("Resolve().ConnectRetryTime = %v, want default %v", resolved.ConnectRetryTime, bgp.DefaultConnectRetryTime)
	}
	if resolved.InitialHoldTime != bgp.DefaultInitialHoldTime {
		t.Errorf("Resolve().InitialHoldTime = %v, want default %v", resolved.InitialHoldTime, bgp.DefaultInitialHoldTime)
	}

	// An explicitly-set field must not be overridden by the default.
	pe2 := config.PeerEntry{RemoteAddr: "10.0.0.1", ConnectRetryTime: 5 * time.Second}
	resolved2 := pe2.Resolve(bgp)
	if resolved2.ConnectRetryTime != 5*time.Second {
		t.Errorf("Resolve().ConnectRetryTime = %v, want explicit %v", resolved2.ConnectRetryTime, 5*time.Second)
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
http:
  addr: ":8080"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	// Set env overrides.
	t.Setenv("BGPD_HTTP_ADDR", ":60000")
	t.Setenv("BGPD_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.HTTP.Addr != ":60000" {
		t.Errorf("HTTP.Addr = %q, want %q (from env)", cfg.HTTP.Addr, ":60000")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
http:
  addr: ":8080"
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("BGPD_METRICS_ADDR", ":9200")
	t.Setenv("BGPD_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "bgpd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
