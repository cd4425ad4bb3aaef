package peer

import (
	"net/netip"
	"time"
)

// Config is PeerConfig (§3): the immutable-during-a-session
// configuration of a single BGP peer.
type Config struct {
	LocalAS  uint32 `koanf:"local_as"`
	RemoteAS uint32 `koanf:"remote_as"`

	RemoteAddr netip.Addr `koanf:"remote_addr"`
	SourceAddr netip.Addr `koanf:"source_addr"` // optional; zero value means "let neigh_find decide"

	MultihopTTL uint8  `koanf:"multihop_ttl"` // 0 means single-hop
	MD5Password string `koanf:"md5_password"` // optional

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

	RouteLimit int `koanf:"route_limit"` // 0 means unlimited

	InterfaceName string `koanf:"interface_name"` // optional pin
}

// Key returns the object-lock / registry key for this peer: its remote
// address on the standard BGP port, optionally scoped to a pinned
// interface.
func (c Config) Key(port uint16) (addr netip.Addr, p uint16, iface string) {
	return c.RemoteAddr, port, c.InterfaceName
}
