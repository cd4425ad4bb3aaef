// Package runtime implements the BgpRuntime singleton: the process-wide
// owner of the interface registry, neighbor cache, object lock, shared
// listener, and every configured peer controller, wired together and
// supervised with an errgroup the way the teacher's Manager/cmd/gobfd
// wiring supervises BFD sessions and servers.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/arrownet/bgpd/internal/bgpfsm"
	"github.com/arrownet/bgpd/internal/config"
	"github.com/arrownet/bgpd/internal/ifreg"
	bgpmetrics "github.com/arrownet/bgpd/internal/metrics"
	"github.com/arrownet/bgpd/internal/neighbor"
	"github.com/arrownet/bgpd/internal/objectlock"
	"github.com/arrownet/bgpd/internal/peer"
)

// Runtime is the BgpRuntime singleton (§9).
type Runtime struct {
	logger *slog.Logger

	ifaces  *ifreg.Registry
	cache   *neighbor.Cache
	objLock *objectlock.Registry
	shared  *sharedListener
	codec   bgpfsm.Codec
	metrics *bgpmetrics.Collector

	mu       sync.Mutex
	peers    map[string]*peer.Controller // keyed by config.PeerEntry.PeerKey()
	statuses map[string]peer.ProtoState
}

// sharedListener is the narrow surface Runtime needs from
// *listener.SharedListener, named locally so this package stays
// decoupled from its exact construction args.
type sharedListener interface {
	Addr() string
}

// New creates an unstarted Runtime.
func New(logger *slog.Logger, ifaces *ifreg.Registry, cache *neighbor.Cache, objLock *objectlock.Registry, shared sharedListener, codec bgpfsm.Codec, metrics *bgpmetrics.Collector) *Runtime {
	return &Runtime{
		logger:   logger.With(slog.String("component", "runtime")),
		ifaces:   ifaces,
		cache:    cache,
		objLock:  objLock,
		shared:   shared,
		codec:    codec,
		metrics:  metrics,
		peers:    make(map[string]*peer.Controller),
		statuses: make(map[string]peer.ProtoState),
	}
}

// metricsNotifier adapts *bgpmetrics.Collector to peer.StatusNotifier
// without requiring the peer package to import metrics.
type metricsNotifier struct {
	r *Runtime
}

func (n metricsNotifier) NotifyPeerState(remote netip.Addr, state peer.ProtoState, lastErr *bgpfsm.SpeakerError) {
	n.r.mu.Lock()
	n.r.statuses[remote.String()] = state
	n.r.mu.Unlock()

	if n.r.metrics == nil {
		return
	}
	n.r.metrics.SetPeerUp(remote, state == peer.Up)
	if state == peer.Down && lastErr != nil {
		n.r.metrics.IncErrors(remote, lastErr.Class.String())
	}
}

// peer.Controller takes the concrete *listener.SharedListener directly
// in NewController; no narrower interface is declared for it.

// Configure instantiates peer controllers for every entry in entries,
// replacing any previous set with the same keys left untouched.
func (r *Runtime) Configure(entries []config.PeerEntry, bgp config.BGPConfig, newController func(config.PeerEntry) *peer.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		resolved := e.Resolve(bgp)
		key := resolved.PeerKey()
		seen[key] = struct{}{}
		if _, exists := r.peers[key]; exists {
			continue
		}
		r.peers[key] = newController(resolved)
	}

	for key, ctrl := range r.peers {
		if _, ok := seen[key]; !ok {
			ctrl.Shutdown(peer.SubcodeDeconfigured)
			delete(r.peers, key)
		}
	}
}

// StartAll starts every configured peer controller.
func (r *Runtime) StartAll(ctx context.Context) {
	r.mu.Lock()
	controllers := make([]*peer.Controller, 0, len(r.peers))
	for _, c := range r.peers {
		controllers = append(controllers, c)
	}
	r.mu.Unlock()

	for _, c := range controllers {
		c.Start(ctx)
	}
}

// Run starts the interface registry's reconciliation loop and blocks
// until ctx is cancelled, at which point every peer is shut down
// administratively and Run returns once they have all settled.
func (r *Runtime) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.ifaces.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		r.shutdownAll()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	return nil
}

func (r *Runtime) shutdownAll() {
	r.mu.Lock()
	controllers := make([]*peer.Controller, 0, len(r.peers))
	for _, c := range r.peers {
		controllers = append(controllers, c)
	}
	r.mu.Unlock()

	for _, c := range controllers {
		c.Shutdown(peer.SubcodeAdministrativeShutdown)
	}
}

// Statuses returns a snapshot of every peer's last-known protocol
// state, keyed by remote address string, for the status HTTP surface.
func (r *Runtime) Statuses() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.statuses))
	for k, v := range r.statuses {
		out[k] = v.String()
	}
	return out
}

// Notifier returns the peer.StatusNotifier every controller this
// Runtime creates should be wired with.
func (r *Runtime) Notifier() peer.StatusNotifier {
	return metricsNotifier{r: r}
}
