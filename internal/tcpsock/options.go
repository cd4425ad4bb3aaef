package tcpsock

// Options configures the socket-level options applied to a dialed or
// listening TCP socket before connect/accept.
type Options struct {
	// TTL overrides the outgoing IP TTL / hop limit. Zero means leave
	// the OS default. Multihop peers set this to a small value (the
	// configured multihop TTL); GTSM-protected single-hop peers set it
	// to 255.
	TTL int

	// TOS sets the IP_TOS byte; IPV6_TCLASS is not set. §6 mandates DSCP 0xC0
	// ("Internetwork Control") for BGP control traffic.
	TOS int

	// BindDevice binds the socket to a specific interface
	// (SO_BINDTODEVICE), used when a peer pins an interface name.
	BindDevice string
}

// DefaultOptions returns the socket options every BGP connection
// should carry absent peer-specific overrides: DSCP 0xC0 per §6.
func DefaultOptions() Options {
	return Options{TOS: TOSInternetworkControl}
}
