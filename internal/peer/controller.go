// Package peer implements the peer controller (Component F): the
// owner of a peer's two Connections, collision resolution,
// startup/shutdown sequencing, error-class accounting, and the
// error-driven exponential backoff law, grounded on the CRUD/demux/
// lifecycle shape of the teacher's internal/bfd/manager.go Manager.
package peer

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/arrownet/bgpd/internal/bgpfsm"
	"github.com/arrownet/bgpd/internal/listener"
	"github.com/arrownet/bgpd/internal/neighbor"
	"github.com/arrownet/bgpd/internal/objectlock"
	"github.com/arrownet/bgpd/internal/tcpsock"
	"github.com/arrownet/bgpd/internal/timer"
)

// ProtoState is the peer's protocol-level state (§3, §4.6).
type ProtoState uint8

// Protocol states.
const (
	Down ProtoState = iota
	Start
	Up
	Stop
)

func (s ProtoState) String() string {
	switch s {
	case Down:
		return "DOWN"
	case Start:
		return "START"
	case Up:
		return "UP"
	case Stop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Error subcodes used for administrative/graceful closes (§4.F
// shutdown).
const (
	SubcodeAdministrativeShutdown uint8 = 2
	SubcodeDeconfigured           uint8 = 3
	SubcodeOtherConfigChange      uint8 = 6
	SubcodeMaxPrefixesExceeded    uint8 = 1
)

// MISC error codes, local to this implementation (§7's MISC class is
// an observable taxonomy, not a wire code).
const (
	MiscNeighborLost   uint8 = 1
	MiscInvalidNextHop uint8 = 2
	MiscInvalidMD5     uint8 = 3
)

// StatusNotifier receives peer-level DOWN/UP notifications, e.g. to
// drive metrics or an operator-facing status surface.
type StatusNotifier interface {
	NotifyPeerState(remote netip.Addr, state ProtoState, lastErr *bgpfsm.SpeakerError)
}

// Controller is the Peer Controller — Component F.
type Controller struct {
	cfg Config

	cache    *neighbor.Cache
	objLock  *objectlock.Registry
	shared   *listener.SharedListener
	codec    bgpfsm.Codec
	notifier StatusNotifier
	logger   *slog.Logger

	mu sync.Mutex

	outgoing    *bgpfsm.Connection
	incoming    *bgpfsm.Connection
	established *bgpfsm.Connection // p.conn

	neigh *neighbor.Entry

	protoState ProtoState
	startState bgpfsm.StartState

	startupDelay      time.Duration
	startupTimer      *timer.OneShot
	hasLastProtoError bool
	lastProtoError    time.Time
	lastErr           *bgpfsm.SpeakerError

	disabled       bool
	importedRoutes int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a Controller for cfg. The returned Controller
// is inert until Start is called.
func NewController(cfg Config, cache *neighbor.Cache, objLock *objectlock.Registry, shared *listener.SharedListener, codec bgpfsm.Codec, notifier StatusNotifier, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:          cfg,
		cache:        cache,
		objLock:      objLock,
		shared:       shared,
		codec:        codec,
		notifier:     notifier,
		startupTimer: timer.NewOneShot(),
		logger:       logger.With(slog.String("component", "peer"), slog.String("remote", cfg.RemoteAddr.String())),
	}
}

func (p *Controller) connConfig() bgpfsm.Config {
	return bgpfsm.Config{
		ConnectRetryTime:  p.cfg.ConnectRetryTime,
		InitialHoldTime:   p.cfg.InitialHoldTime,
		HoldCongestedWait: 10 * time.Second,
		EnableAS4:         p.cfg.EnableAS4,
	}
}

// Start implements §4.F's start(): sets protocol state START,
// start_state PREPARE, and acquires the object lock on
// (remote_ip, port 179) before running the rest of startup.
func (p *Controller) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.protoState = Start
	p.startState = bgpfsm.Prepare
	p.startupDelay = startupStagger(p.cfg.StartupDelayMin, p.cfg.StartupDelayMax)
	p.mu.Unlock()

	key := objectlock.Key{Addr: p.cfg.RemoteAddr, Port: listener.DefaultPort}
	p.objLock.Acquire(key, func() {
		p.onLockGranted(ctx)
	})
}

func (p *Controller) onLockGranted(ctx context.Context) {
	neigh, ok := p.cache.Find(p, p.cfg.RemoteAddr, neighbor.Sticky)
	if !ok {
		p.storeError(nil, &bgpfsm.SpeakerError{Class: bgpfsm.ClassMisc, Code: MiscInvalidNextHop})
		p.notifyDown()
		return
	}

	p.mu.Lock()
	p.neigh = neigh
	p.mu.Unlock()

	if p.cfg.InterfaceName != "" {
		p.cache.PinInterface(neigh, p.cfg.InterfaceName)
	}

	if neigh.Resolved() {
		p.startNeighbor(ctx)
	}
	// else: wait for NeighNotify to fire startNeighbor once the
	// interface appears.
}

// startNeighbor opens shared resources (the listener, with this
// peer's MD5 key if configured) and begins initiate().
func (p *Controller) startNeighbor(ctx context.Context) {
	if err := p.shared.Acquire(ctx, p.cfg.RemoteAddr, p); err != nil {
		p.logger.Error("failed to acquire shared listener", slog.String("error", err.Error()))
		p.storeError(nil, &bgpfsm.SpeakerError{Class: bgpfsm.ClassSocket, Err: err})
		return
	}

	if p.cfg.MD5Password != "" {
		if err := p.shared.SetMD5(p.cfg.RemoteAddr, p.cfg.MD5Password); err != nil {
			p.logger.Warn("failed to install MD5 key", slog.String("error", err.Error()))
			p.storeError(nil, &bgpfsm.SpeakerError{Class: bgpfsm.ClassMisc, Code: MiscInvalidMD5, Err: err})
		}
	}

	p.mu.Lock()
	p.outgoing = bgpfsm.NewConnection(bgpfsm.Outgoing, p.connConfig(), p.codec, p, p.logger)
	p.incoming = bgpfsm.NewConnection(bgpfsm.Incoming, p.connConfig(), p.codec, p, p.logger)
	outgoing, incoming := p.outgoing, p.incoming
	outgoing.SetTransitionObserver(func(r bgpfsm.Result) { p.onConnectionTransition(outgoing, r) })
	incoming.SetTransitionObserver(func(r bgpfsm.Result) { p.onConnectionTransition(incoming, r) })
	p.mu.Unlock()

	go outgoing.Run(p.ctx)
	go incoming.Run(p.ctx)

	p.initiate()
}

// initiate implements §4.F's initiate(): after an optional startup
// delay, transitions start_state to CONNECT/CONNECT_NOCAP and, unless
// passive, drives the outgoing connection into ACTIVE.
func (p *Controller) initiate() {
	p.mu.Lock()
	delay := p.startupDelay
	p.mu.Unlock()

	fire := func() {
		p.mu.Lock()
		if p.cfg.EnableAS4 {
			p.startState = bgpfsm.ConnectState
		} else {
			p.startState = bgpfsm.ConnectNoCap
		}
		passive := p.cfg.Passive
		outgoing := p.outgoing
		startState := p.startState
		p.mu.Unlock()

		if !passive && outgoing != nil {
			outgoing.Start(startState)
		}
	}

	if delay > 0 {
		p.startupTimer.Start(delay)
		go func() {
			select {
			case <-p.startupTimer.C():
				fire()
			case <-p.ctx.Done():
			}
		}()
		return
	}
	fire()
}

// onConnectionTransition reacts to transitions neither Connection can
// drive itself: dialing out on ACTIVE->CONNECT for the outgoing
// connection (both the first attempt and any connect-retry
// reinitiation), and promoting whichever connection reaches
// ESTABLISHED first to the peer's primary connection.
func (p *Controller) onConnectionTransition(conn *bgpfsm.Connection, r bgpfsm.Result) {
	if r.NewState == bgpfsm.Connect && conn == p.outgoing {
		go p.dialOutgoing()
	}
	if r.NewState == bgpfsm.Established {
		p.EnterEstablished(conn)
	}
}

func (p *Controller) dialOutgoing() {
	p.mu.Lock()
	neigh := p.neigh
	outgoing := p.outgoing
	p.mu.Unlock()

	if neigh == nil || !neigh.Resolved() {
		return
	}

	opts := tcpsock.DefaultOptions()
	if p.cfg.MultihopTTL > 0 {
		opts.TTL = int(p.cfg.MultihopTTL)
	} else {
		opts.TTL = 255
	}

	sock, err := tcpsock.Dial(p.ctx, p.cfg.SourceAddr, p.cfg.RemoteAddr, listener.DefaultPort, opts, p.logger)
	if err != nil {
		p.logger.Debug("outgoing dial failed, awaiting connect_retry", slog.String("error", err.Error()))
		return
	}

	outgoing.AttachSocket(sock)
	go sock.Run(p.ctx)
}

// AcceptIncoming implements listener.Acceptor: accept a newly arrived
// TCP connection from this peer's configured remote address iff
// protocol state is START or UP, start_state has reached CONNECT or
// beyond, and there is no existing incoming socket — per §4.F.
func (p *Controller) AcceptIncoming(sock *tcpsock.Socket) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.protoState != Start && p.protoState != Up {
		return false
	}
	if p.startState == bgpfsm.Prepare {
		return false
	}
	if p.incoming == nil || p.incoming.State() != bgpfsm.Idle {
		return false
	}

	p.incoming.AttachSocket(sock)
	go sock.Run(p.ctx)
	p.incoming.Start(p.startState)
	return true
}

// NeighNotify implements neighbor.Owner.
func (p *Controller) NeighNotify(entry *neighbor.Entry) {
	p.mu.Lock()
	resolved := entry.Resolved()
	state := p.protoState
	startState := p.startState
	p.mu.Unlock()

	if resolved && state == Start && startState == bgpfsm.Prepare {
		p.startNeighbor(p.ctx)
		return
	}
	if !resolved && (state == Start || state == Up) {
		p.storeError(nil, &bgpfsm.SpeakerError{Class: bgpfsm.ClassMisc, Code: MiscNeighborLost})
		p.stop()
	}
}

// HandleBGPError implements bgpfsm.ErrorSink: §4.F's bgp_error.
func (p *Controller) HandleBGPError(conn *bgpfsm.Connection, err *bgpfsm.SpeakerError) {
	if conn.State() == bgpfsm.Close {
		return
	}

	p.storeError(conn, err)

	conn.RequestClose(err.Code, err.Subcode)

	p.mu.Lock()
	wasEstablished := p.established == conn
	if wasEstablished {
		p.established = nil
	}
	wasUp := p.protoState == Up
	p.mu.Unlock()

	if wasEstablished && wasUp {
		p.stop()
	}

	if err.Code != 6 {
		p.updateStartupDelay()
		p.stop()
	}
}

// EnterEstablished designates conn the peer's primary connection, per
// §4.F's collision handling: whichever connection completes the OPEN
// exchange first wins, and the other is forced to CLOSE with Cease.
func (p *Controller) EnterEstablished(conn *bgpfsm.Connection) {
	p.mu.Lock()
	if p.established != nil && p.established != conn {
		p.mu.Unlock()
		return
	}
	p.established = conn
	p.protoState = Up

	var loser *bgpfsm.Connection
	if conn == p.outgoing {
		loser = p.incoming
	} else {
		loser = p.outgoing
	}
	p.mu.Unlock()

	if loser != nil && loser.State() != bgpfsm.Idle && loser.State() != bgpfsm.Close {
		loser.RequestClose(6, 0)
	}

	p.notifyUp()
}

// storeError implements §4.F's store_error filter: ignore errors on
// the secondary connection while UP (conn is non-nil and not the
// established connection), and all errors once STOP (so the cause
// that triggered STOP is preserved). conn is nil for peer-level
// errors not tied to a specific connection (neighbor loss, route
// limit, pre-connection lock/socket failures), which are never
// filtered by the secondary-connection rule.
func (p *Controller) storeError(conn *bgpfsm.Connection, err *bgpfsm.SpeakerError) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.protoState == Stop {
		return
	}
	if p.protoState == Up && conn != nil && conn != p.established {
		return
	}
	p.lastErr = err
	p.logger.Warn("peer error",
		slog.String("class", err.Class.String()),
		slog.Any("code", err.Code),
		slog.Any("subcode", err.Subcode),
	)
}

// updateStartupDelay implements §4.F's backoff law.
func (p *Controller) updateStartupDelay() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.hasLastProtoError && now.Sub(p.lastProtoError) >= p.cfg.ErrorAmnesiaTime {
		p.startupDelay = 0
	}
	p.lastProtoError = now
	p.hasLastProtoError = true

	if p.cfg.DisableAfterError {
		p.startupDelay = 0
		p.disabled = true
		return
	}

	if p.startupDelay == 0 {
		p.startupDelay = p.cfg.ErrorDelayMin
	} else {
		p.startupDelay *= 2
		if p.startupDelay > p.cfg.ErrorDelayMax {
			p.startupDelay = p.cfg.ErrorDelayMax
		}
	}
}

// StartupDelay exposes the current computed backoff, primarily for
// tests asserting the backoff law (testable property 5).
func (p *Controller) StartupDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startupDelay
}

// startupStagger returns a uniformly random duration in [min, max],
// implementing BIRD's bgp_startup_timer stagger (SPEC_FULL.md §4 item
// 2): spreading many peers' first connect attempts out after config
// load instead of dialing them all at once. A zero/inverted range (the
// common case when startup_delay_min/max are left unconfigured)
// disables the stagger.
func startupStagger(minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay <= minDelay {
		return 0
	}
	span := maxDelay - minDelay
	//nolint:gosec // G404: startup stagger jitter is not security sensitive.
	return minDelay + time.Duration(rand.Int64N(int64(span)+1))
}

func (p *Controller) stop() {
	p.mu.Lock()
	if p.protoState == Stop || p.protoState == Down {
		p.mu.Unlock()
		return
	}
	p.protoState = Stop
	outgoing, incoming := p.outgoing, p.incoming
	p.mu.Unlock()

	if outgoing != nil && outgoing.State() != bgpfsm.Idle {
		outgoing.RequestClose(6, SubcodeOtherConfigChange)
	}
	if incoming != nil && incoming.State() != bgpfsm.Idle {
		incoming.RequestClose(6, SubcodeOtherConfigChange)
	}

	p.finishStopIfIdle()
}

// Shutdown implements §4.F's shutdown(): a graceful close on both
// connections with the given subcode, releasing shared resources and
// notifying DOWN once both connections reach IDLE.
func (p *Controller) Shutdown(subcode uint8) {
	p.mu.Lock()
	p.protoState = Stop
	outgoing, incoming := p.outgoing, p.incoming
	p.mu.Unlock()

	if outgoing != nil && outgoing.State() != bgpfsm.Idle {
		outgoing.RequestClose(6, subcode)
	}
	if incoming != nil && incoming.State() != bgpfsm.Idle {
		incoming.RequestClose(6, subcode)
	}

	p.finishStopIfIdle()
}

func (p *Controller) finishStopIfIdle() {
	p.mu.Lock()
	outgoing, incoming := p.outgoing, p.incoming
	bothIdle := (outgoing == nil || outgoing.State() == bgpfsm.Idle) &&
		(incoming == nil || incoming.State() == bgpfsm.Idle)
	isStop := p.protoState == Stop
	p.mu.Unlock()

	if !bothIdle || !isStop {
		return
	}

	if p.cancel != nil {
		p.cancel()
	}
	if p.shared != nil {
		if p.cfg.MD5Password != "" {
			_ = p.shared.SetMD5(p.cfg.RemoteAddr, "")
		}
		p.shared.Release(p.cfg.RemoteAddr)
	}
	if p.neigh != nil {
		p.cache.Release(p, p.cfg.RemoteAddr)
	}
	if p.objLock != nil {
		key := objectlock.Key{Addr: p.cfg.RemoteAddr, Port: listener.DefaultPort}
		p.objLock.Release(key)
	}

	p.mu.Lock()
	p.protoState = Down
	p.mu.Unlock()

	p.notifyDown()
}

// RecordImportedRoutes implements §4.F's route limit check: after each
// import, compare the imported-route count against route_limit.
func (p *Controller) RecordImportedRoutes(count int) {
	p.mu.Lock()
	p.importedRoutes = count
	limit := p.cfg.RouteLimit
	p.mu.Unlock()

	if limit > 0 && count > limit {
		p.storeError(nil, &bgpfsm.SpeakerError{Class: bgpfsm.ClassAutoDown, Code: 6, Subcode: SubcodeMaxPrefixesExceeded})
		p.updateStartupDelay()
		p.stop()
	}
}

func (p *Controller) notifyDown() {
	if p.notifier != nil {
		p.notifier.NotifyPeerState(p.cfg.RemoteAddr, Down, p.lastErrSnapshot())
	}
}

func (p *Controller) notifyUp() {
	if p.notifier != nil {
		p.notifier.NotifyPeerState(p.cfg.RemoteAddr, Up, nil)
	}
}

func (p *Controller) lastErrSnapshot() *bgpfsm.SpeakerError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// State returns the current protocol-level state.
func (p *Controller) State() ProtoState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protoState
}
