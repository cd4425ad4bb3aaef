// Package neighbor implements the neighbor cache: the resolver that
// maps a prospective peer address to the local interface through which
// it is directly reachable, reacting to interface registry events and
// notifying owners when reachability changes. It is Component B of the
// core speaker.
package neighbor

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/arrownet/bgpd/internal/ifreg"
)

// Flag is a bit in a NeighborEntry's flag set.
type Flag uint32

// Entry flags.
const (
	// Sticky entries persist with a null interface and are re-resolved
	// when a matching interface later appears.
	Sticky Flag = 1 << iota
	// OnLink allows resolution of non-host-classified addresses when the
	// requester asserts the peer is known to be on-link.
	OnLink
)

// ErrNoOwner is returned when an owner callback is invoked for an entry
// whose owner reference was never set.
var ErrNoOwner = errors.New("neighbor: entry has no owner")

// Owner receives reachability-change notifications for neighbor entries
// it created. This corresponds to the peer controller's neigh_notify.
type Owner interface {
	NeighNotify(entry *Entry)
}

// Key identifies a neighbor entry by its owner and target address —
// the same (owner, addr) pair never resolves to two live entries.
type Key struct {
	Owner Owner
	Addr  netip.Addr
}

// Entry is a NeighborEntry: a resolution of a target address to the
// local interface that reaches it, or an unresolved placeholder for a
// sticky lookup.
//
// Invariant: a non-sticky entry with a nil Iface is never "live" — it
// is removed from the cache the moment reachability is lost, rather
// than retained in an unresolved state.
type Entry struct {
	Addr  netip.Addr
	Iface *string // resolving interface name, nil if unresolved
	Owner Owner
	Data  any // protocol-opaque user data
	Flags Flag
	Scope ifreg.Scope
}

// Resolved reports whether the entry currently has a resolving
// interface.
func (e *Entry) Resolved() bool { return e.Iface != nil }

// Cache is the neighbor cache: Component B.
type Cache struct {
	mu  sync.Mutex
	reg *ifreg.Registry

	entries map[Key]*Entry
	// byIface indexes entries currently resolved via a given interface
	// name, mirroring the per-interface neighbor list in the data model.
	byIface map[string]map[*Entry]struct{}

	logger *slog.Logger
}

// NewCache creates a Cache bound to reg; the cache subscribes itself as
// an observer of reg's interface events.
func NewCache(reg *ifreg.Registry, logger *slog.Logger) *Cache {
	c := &Cache{
		reg:     reg,
		entries: make(map[Key]*Entry),
		byIface: make(map[string]map[*Entry]struct{}),
		logger:  logger.With(slog.String("component", "neighbor")),
	}
	reg.Subscribe(ifreg.ObserverFunc(c.OnInterfaceEvent))
	return c
}

// classification is the per-interface result of comparing a candidate
// address against one interface, used by step 3 of neigh_find.
type classification int

const (
	classNoMatch classification = iota
	classMatch
	classError
)

func classify(ifc ifreg.Interface, addr netip.Addr) classification {
	if ifc.IsOwnAddress(addr) {
		return classError
	}
	if !ifc.Up() {
		return classNoMatch
	}
	if _, ok := ifc.Contains(addr); ok {
		return classMatch
	}
	return classNoMatch
}

// addrScope is a minimal classifier for the scope-rejection step of
// neigh_find. Invalid (zero), loopback and unspecified addresses are
// HOST scope; link-local is LINK; everything else is treated as
// UNIVERSE absent a more specific policy layer (multicast/broadcast
// rejection is handled separately by isNonHostAddr).
func addrScope(addr netip.Addr) ifreg.Scope {
	switch {
	case !addr.IsValid() || addr.IsLoopback() || addr.IsUnspecified():
		return ifreg.ScopeHost
	case addr.IsLinkLocalUnicast():
		return ifreg.ScopeLink
	default:
		return ifreg.ScopeUniverse
	}
}

func isNonHostAddr(addr netip.Addr, onLink bool) bool {
	if onLink {
		return false
	}
	return addr.IsMulticast() || addr.IsInterfaceLocalMulticast() || addr.IsLinkLocalMulticast() ||
		(addr.Is4() && addr.As4() == [4]byte{255, 255, 255, 255})
}

// Find implements neigh_find: resolve addr to the interface that
// reaches it on behalf of owner, per the five-step algorithm in the
// component contract.
//
//  1. If (owner, addr) already has an entry, return it regardless of
//     sticky/resolved state.
//  2. Reject addresses with scope below SITE or non-host
//     classification (unless ONLINK is requested).
//  3. Scan interfaces: classify each as error/match/no-match; any
//     error aborts with no result; among matches, the longest prefix
//     wins; on a tie the first matching interface returned by the
//     registry wins, and the registry returns interfaces in no defined
//     order.
//  4. If nothing matched and STICKY was not requested, return none.
//  5. Allocate the entry and attach it to the appropriate lists.
func (c *Cache) Find(owner Owner, addr netip.Addr, flags Flag) (*Entry, bool) {
	key := Key{Owner: owner, Addr: addr}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		return existing, true
	}

	scope := addrScope(addr)
	if scope < ifreg.ScopeSite {
		c.logger.Debug("neigh_find: address scope too narrow", slog.String("addr", addr.String()))
		return nil, false
	}
	if isNonHostAddr(addr, flags&OnLink != 0) {
		c.logger.Debug("neigh_find: address not a valid unicast target", slog.String("addr", addr.String()))
		return nil, false
	}

	var (
		bestIface string
		bestLen   = -1
	)
	for _, ifc := range c.reg.All() {
		switch classify(ifc, addr) {
		case classError:
			c.logger.Debug("neigh_find: address collides with interface address", slog.String("addr", addr.String()), slog.String("iface", ifc.Name))
			return nil, false
		case classMatch:
			pxlen, _ := ifc.Contains(addr)
			if pxlen > bestLen {
				bestLen = pxlen
				bestIface = ifc.Name
			}
		}
	}

	if bestLen < 0 && flags&Sticky == 0 {
		return nil, false
	}

	entry := &Entry{
		Addr:  addr,
		Owner: owner,
		Flags: flags,
		Scope: scope,
	}
	if bestLen >= 0 {
		name := bestIface
		entry.Iface = &name
	}

	c.entries[key] = entry
	if entry.Iface != nil {
		c.attachLocked(*entry.Iface, entry)
	}
	return entry, true
}

func (c *Cache) attachLocked(ifaceName string, e *Entry) {
	set, ok := c.byIface[ifaceName]
	if !ok {
		set = make(map[*Entry]struct{})
		c.byIface[ifaceName] = set
	}
	set[e] = struct{}{}
}

func (c *Cache) detachLocked(ifaceName string, e *Entry) {
	if set, ok := c.byIface[ifaceName]; ok {
		delete(set, e)
		if len(set) == 0 {
			delete(c.byIface, ifaceName)
		}
	}
}

func (c *Cache) removeLocked(key Key, e *Entry) {
	delete(c.entries, key)
	if e.Iface != nil {
		c.detachLocked(*e.Iface, e)
	}
}

// OnInterfaceEvent implements ifreg.Observer, reacting to interface
// UP/DOWN per the contract in §4.B.
func (c *Cache) OnInterfaceEvent(ev ifreg.Event) {
	switch {
	case ev.Kinds.Has(ifreg.EventUp):
		c.handleIfaceUp(ev.Iface)
	case ev.Kinds.Has(ifreg.EventDown):
		c.handleIfaceDown(ev.Iface)
	}
}

func (c *Cache) handleIfaceUp(ifc ifreg.Interface) {
	c.mu.Lock()
	var toNotify []*Entry
	for _, e := range c.entries {
		if e.Resolved() {
			continue
		}
		if classify(ifc, e.Addr) != classMatch {
			continue
		}
		name := ifc.Name
		e.Iface = &name
		c.attachLocked(name, e)
		toNotify = append(toNotify, e)
	}
	c.mu.Unlock()

	for _, e := range toNotify {
		e.Owner.NeighNotify(e)
	}
}

func (c *Cache) handleIfaceDown(ifc ifreg.Interface) {
	c.mu.Lock()
	var toNotify []*Entry
	var toRemove []Key
	set := c.byIface[ifc.Name]
	for e := range set {
		e.Iface = nil
		toNotify = append(toNotify, e)
		if e.Flags&Sticky == 0 {
			toRemove = append(toRemove, Key{Owner: e.Owner, Addr: e.Addr})
		}
	}
	delete(c.byIface, ifc.Name)
	for _, k := range toRemove {
		delete(c.entries, k)
	}
	c.mu.Unlock()

	for _, e := range toNotify {
		e.Owner.NeighNotify(e)
	}
}

// Release removes an entry belonging to owner for addr, e.g. when the
// owning peer is torn down.
func (c *Cache) Release(owner Owner, addr netip.Addr) {
	key := Key{Owner: owner, Addr: addr}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
}

// PinInterface validates and applies an ifname pin to an already
// resolved entry, per the Open Question resolution in SPEC_FULL.md §5:
// the pin is only honored if the named interface can actually reach
// the entry's address; otherwise resolution falls back to whatever
// neigh_find already computed and a warning is logged once.
func (c *Cache) PinInterface(e *Entry, ifaceName string) {
	ifc, ok := c.reg.FindByName(ifaceName)
	if !ok {
		c.logger.Warn("ifname pin refers to unknown interface, ignoring", slog.String("iface", ifaceName))
		return
	}
	if classify(ifc, e.Addr) != classMatch {
		c.logger.Warn("ifname pin does not reach neighbor address, falling back to resolved interface",
			slog.String("iface", ifaceName), slog.String("addr", e.Addr.String()))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Iface != nil {
		c.detachLocked(*e.Iface, e)
	}
	name := ifc.Name
	e.Iface = &name
	c.attachLocked(name, e)
}
