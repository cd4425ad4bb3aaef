// Package ifreg implements the interface registry: the set of currently
// known local interfaces and their addresses, reconciled epoch by epoch
// from whatever OS-level source reports them, with UP/DOWN/MTU-changed
// events fanned out to observers (principally the neighbor cache).
package ifreg

import "net/netip"

// Flag is a bit in an Interface's flag set.
type Flag uint32

// Interface flags, analogous to IFF_* on Linux.
const (
	FlagUp Flag = 1 << iota
	FlagMultiAccess
	FlagBroadcast
	FlagMulticast
	FlagAdminDown
	FlagLoopback
	FlagIgnore
	FlagLinkUp
)

// Scope classifies the reachability radius of an address.
type Scope int

// Address scopes, narrowest to widest.
const (
	ScopeHost Scope = iota
	ScopeLink
	ScopeSite
	ScopeOrg
	ScopeUniverse
)

func (s Scope) String() string {
	switch s {
	case ScopeHost:
		return "host"
	case ScopeLink:
		return "link"
	case ScopeSite:
		return "site"
	case ScopeOrg:
		return "org"
	case ScopeUniverse:
		return "universe"
	default:
		return "unknown"
	}
}

// AddrFlag is a bit in an InterfaceAddress's flag set.
type AddrFlag uint32

// Address flags.
const (
	AddrPrimary AddrFlag = 1 << iota
	AddrSecondary
	AddrUnnumbered
)

// InterfaceAddress is one address assigned to an Interface.
type InterfaceAddress struct {
	IP       netip.Addr
	Prefix   netip.Prefix
	Broadcast netip.Addr // zero if none
	Opposite netip.Addr  // point-to-point peer address; zero if none
	Scope    Scope
	Flags    AddrFlag
}

// Interface is a local network interface as tracked by the registry.
//
// Invariant: an interface is considered UP only if FlagLinkUp is set AND
// it has at least one usable address.
type Interface struct {
	Name  string // stable name, at most 15 characters
	Index int    // OS interface index
	MTU   int
	Flags Flag
	Addrs []InterfaceAddress

	// updated is an internal epoch marker used by begin/end update
	// reconciliation; it is not part of the public data model.
	updated bool
}

// Up reports whether the interface is usable: link-up, not
// administratively down, and carrying at least one address.
func (ifc *Interface) Up() bool {
	return ifc.Flags&FlagLinkUp != 0 && len(ifc.Addrs) > 0 && ifc.Flags&FlagAdminDown == 0
}

// PrimaryAddr returns the PRIMARY address for the given address family
// (v6 selects IPv6 addresses), or the zero value if none is assigned.
func (ifc *Interface) PrimaryAddr(v6 bool) (InterfaceAddress, bool) {
	for _, a := range ifc.Addrs {
		if a.Flags&AddrPrimary == 0 {
			continue
		}
		if a.IP.Is6() == v6 {
			return a, true
		}
	}
	return InterfaceAddress{}, false
}

// Contains reports whether addr falls within one of this interface's
// assigned prefixes, returning the matching prefix length for
// longest-prefix comparisons.
func (ifc *Interface) Contains(addr netip.Addr) (pxlen int, ok bool) {
	best := -1
	for _, a := range ifc.Addrs {
		if !a.Prefix.IsValid() {
			continue
		}
		if a.Prefix.Contains(addr) && a.Prefix.Bits() > best {
			best = a.Prefix.Bits()
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// IsOwnAddress reports whether addr is this interface's own IP, the
// network address of one of its prefixes, or its broadcast address —
// the "error" classification used by neigh_find.
func (ifc *Interface) IsOwnAddress(addr netip.Addr) bool {
	for _, a := range ifc.Addrs {
		if a.IP == addr {
			return true
		}
		if a.Broadcast.IsValid() && a.Broadcast == addr {
			return true
		}
		if a.Prefix.IsValid() && a.Prefix.Masked().Addr() == addr {
			return true
		}
	}
	return false
}

// EventKind describes what changed about an interface in a single
// reconciliation delta.
type EventKind uint8

// Event kinds, may be OR'd into a single Event.Kinds delta.
const (
	EventUp EventKind = 1 << iota
	EventDown
	EventMTUChanged
	EventFlagsChanged
	EventCreated
	EventDeleted
)

// Event is emitted by the registry whenever an interface is created,
// removed, or changes in a way observers need to know about.
type Event struct {
	Iface Interface
	Kinds EventKind
}

func (k EventKind) Has(bit EventKind) bool { return k&bit != 0 }
