package ifreg

import (
	"context"
	"log/slog"
	"sync"
)

// Observer receives interface events as they are reconciled. Registered
// observers are invoked synchronously and in emission order, matching
// the ordering guarantee relied on by the neighbor cache.
type Observer interface {
	OnInterfaceEvent(Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(Event)

// OnInterfaceEvent implements Observer.
func (f ObserverFunc) OnInterfaceEvent(ev Event) { f(ev) }

// Registry holds the set of currently known interfaces and reconciles
// them epoch by epoch against reports from an OS-specific source
// (netlink, ioctl, or a test double). It is Component A of the core
// speaker: the interface registry.
type Registry struct {
	mu         sync.RWMutex
	byName     map[string]*Interface
	observers  []Observer
	logger     *slog.Logger
	inUpdate   bool
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byName: make(map[string]*Interface),
		logger: logger.With(slog.String("component", "ifreg")),
	}
}

// Subscribe registers an observer for future interface events. Not safe
// to call concurrently with BeginUpdate/Update/EndUpdate on the same
// registry from another goroutine without external synchronization at
// a higher layer — the caller (runtime wiring) is expected to subscribe
// during setup, before reconciliation begins.
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) emit(ev Event) {
	for _, o := range r.observers {
		o.OnInterfaceEvent(ev)
	}
}

// FindByName returns a copy of the named interface, if known.
func (r *Registry) FindByName(name string) (Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ifc, ok := r.byName[name]
	if !ok {
		return Interface{}, false
	}
	return *ifc, true
}

// FindByIndex returns a copy of the interface with the given OS index.
func (r *Registry) FindByIndex(index int) (Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ifc := range r.byName {
		if ifc.Index == index {
			return *ifc, true
		}
	}
	return Interface{}, false
}

// All returns a snapshot of every known interface.
func (r *Registry) All() []Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Interface, 0, len(r.byName))
	for _, ifc := range r.byName {
		out = append(out, *ifc)
	}
	return out
}

// BeginUpdate marks the start of a reconciliation epoch. Every
// interface not touched by Update before the matching EndUpdate is
// considered gone.
func (r *Registry) BeginUpdate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUpdate = true
	for _, ifc := range r.byName {
		ifc.updated = false
	}
}

// flagsMaterial is the set of flags whose change forces a full
// DOWN+UP resynthesis rather than an in-place delta, matching the
// registry's reconciliation contract: anything other than UP,
// ADMIN_DOWN (which the registry itself derives) triggers a forced
// transition when it changes.
const flagsMaterial = FlagMultiAccess | FlagBroadcast | FlagMulticast | FlagLoopback | FlagIgnore | FlagLinkUp

// Update reconciles a single reported interface by name against the
// registry's current knowledge, emitting UP/DOWN/MTU/flags events as
// appropriate, and marks the entry touched for this epoch.
func (r *Registry) Update(reported Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reported.updated = true

	prior, exists := r.byName[reported.Name]
	if !exists {
		ifc := reported
		r.byName[ifc.Name] = &ifc
		kinds := EventCreated
		if ifc.Up() {
			kinds |= EventUp
		}
		r.logger.Info("interface created", slog.String("iface", ifc.Name))
		r.emitLocked(Event{Iface: ifc, Kinds: kinds})
		return
	}

	if addrsOrMaterialFlagsChanged(*prior, reported) {
		// Forced transition: tear down the old identity, bring up the new.
		old := *prior
		r.logger.Info("interface changed materially, forcing resync", slog.String("iface", old.Name))
		r.emitLocked(Event{Iface: old, Kinds: EventDown | EventDeleted})

		ifc := reported
		r.byName[ifc.Name] = &ifc
		kinds := EventCreated
		if ifc.Up() {
			kinds |= EventUp
		}
		r.emitLocked(Event{Iface: ifc, Kinds: kinds})
		return
	}

	var kinds EventKind
	if prior.MTU != reported.MTU {
		kinds |= EventMTUChanged
	}
	if prior.Flags != reported.Flags {
		kinds |= EventFlagsChanged
	}
	wasUp, nowUp := prior.Up(), reported.Up()
	if !wasUp && nowUp {
		kinds |= EventUp
	} else if wasUp && !nowUp {
		kinds |= EventDown
	}

	reported.updated = true
	ifc := reported
	r.byName[ifc.Name] = &ifc

	if kinds != 0 {
		r.emitLocked(Event{Iface: ifc, Kinds: kinds})
	}
}

func addrsOrMaterialFlagsChanged(prior, reported Interface) bool {
	if prior.Flags&flagsMaterial != reported.Flags&flagsMaterial {
		return true
	}
	if len(prior.Addrs) != len(reported.Addrs) {
		return true
	}
	for i := range prior.Addrs {
		a, b := prior.Addrs[i], reported.Addrs[i]
		if a.IP != b.IP || a.Prefix != b.Prefix || a.Broadcast != b.Broadcast || a.Opposite != b.Opposite {
			return true
		}
	}
	return false
}

// EndUpdate closes the reconciliation epoch: any interface not touched
// since BeginUpdate is considered to have disappeared and transitions
// to ADMIN_DOWN/not-UP with a DOWN/FLAGS event.
func (r *Registry) EndUpdate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUpdate = false

	for name, ifc := range r.byName {
		if ifc.updated {
			continue
		}
		wasUp := ifc.Up()
		ifc.Flags |= FlagAdminDown
		ifc.Flags &^= FlagLinkUp
		if wasUp {
			r.logger.Info("interface disappeared", slog.String("iface", name))
			r.emitLocked(Event{Iface: *ifc, Kinds: EventDown | EventFlagsChanged})
		}
	}
}

// emitLocked emits an event while r.mu is already held for writing.
// Observers must not call back into the registry synchronously.
func (r *Registry) emitLocked(ev Event) {
	for _, o := range r.observers {
		o.OnInterfaceEvent(ev)
	}
}

// Run is a convenience hook mirroring the teacher's InterfaceMonitor
// shape: it blocks until ctx is cancelled, which is all a Registry with
// no live OS-level feed needs to do. Concrete platform sources drive
// BeginUpdate/Update/EndUpdate directly instead of calling Run; Run
// exists so a Registry can be plugged in wherever a long-lived watcher
// goroutine is expected.
func (r *Registry) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
