package bgpfsm

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arrownet/bgpd/internal/tcpsock"
	"github.com/arrownet/bgpd/internal/timer"
)

// Direction distinguishes the two Connections a Peer always owns.
type Direction uint8

// Directions.
const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// StartState is the peer-level capability/negotiation hint snapshotted
// onto a Connection at OPEN-send time (§4.E).
type StartState uint8

// Start states.
const (
	Prepare StartState = iota
	ConnectState
	ConnectNoCap
)

// ErrorClass enumerates the observable error taxonomy of §7. These are
// not Go error types — SpeakerError wraps them with a code/subcode and
// an underlying error where one exists.
type ErrorClass uint8

// Error classes.
const (
	ClassMisc ErrorClass = iota
	ClassSocket
	ClassBGPRx
	ClassBGPTx
	ClassAutoDown
	ClassManDown
)

func (c ErrorClass) String() string {
	switch c {
	case ClassMisc:
		return "MISC"
	case ClassSocket:
		return "SOCKET"
	case ClassBGPRx:
		return "BGP_RX"
	case ClassBGPTx:
		return "BGP_TX"
	case ClassAutoDown:
		return "AUTO_DOWN"
	case ClassManDown:
		return "MAN_DOWN"
	default:
		return "UNKNOWN"
	}
}

// SpeakerError is the error value carried by bgp_error and stored as
// the peer's last error.
type SpeakerError struct {
	Class   ErrorClass
	Code    uint8
	Subcode uint8
	Data    []byte
	Err     error
}

func (e *SpeakerError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Class.String()
}

// PacketKind names the kind of BGP message the Connection asks the
// codec to send. The values are distinct bits.
type PacketKind uint8

// Packet kinds, highest priority first.
const (
	PacketNotification PacketKind = 1 << iota
	PacketOpen
	PacketKeepalive
	PacketUpdate
	PacketRouteRefresh
)

// highestPending returns the highest-priority bit set in pending, and
// whether any bit was set at all.
func highestPending(pending PacketKind) (PacketKind, bool) {
	for _, k := range []PacketKind{PacketNotification, PacketOpen, PacketKeepalive, PacketUpdate, PacketRouteRefresh} {
		if pending&k != 0 {
			return k, true
		}
	}
	return 0, false
}

// Codec is the external wire-codec collaborator §6 describes as
// consumed, not defined, by the core: it parses/serializes BGP
// messages and drives packet scheduling from an established
// Connection's send queue.
type Codec interface {
	// Rx is invoked with newly arrived bytes and returns how many were
	// consumed; unconsumed bytes stay buffered by the socket facade.
	Rx(conn *Connection, p []byte) (consumed int)
	// Tx is called directly by the Connection when an FSM action
	// schedules a packet (OPEN, KEEPALIVE, NOTIFICATION); it must send
	// exactly one packet of the requested kind. The Connection keeps no
	// pending-packet bitmap and does not wait for the socket to become
	// writable before calling Tx.
	Tx(conn *Connection, kind PacketKind) error
}

// ErrorSink receives bgp_error calls raised directly by the core
// (currently: hold-timer expiry). The Peer controller implements this.
type ErrorSink interface {
	HandleBGPError(conn *Connection, err *SpeakerError)
}

// Config bundles the peer-level values a Connection needs but does not
// own, snapshotted at connection-open time.
type Config struct {
	ConnectRetryTime time.Duration
	InitialHoldTime  time.Duration
	HoldCongestedWait time.Duration // 10s per §4.E
	EnableAS4        bool
}

// Connection is the per-direction connection state machine —
// Component E. Its mutable FSM state is owned exclusively by the
// goroutine running Run; external callers only read atomics or submit
// events through channels, the same discipline the teacher's *Session
// uses for its BFD FSM.
type Connection struct {
	dir    Direction
	logger *slog.Logger
	cfg    Config
	codec  Codec
	errs   ErrorSink

	state atomic.Uint32 // bgpfsm.State

	sock *tcpsock.Socket

	connectRetry *timer.OneShot
	hold         *timer.OneShot
	keepalive    *timer.OneShot

	negotiatedHold      time.Duration
	negotiatedKeepalive time.Duration
	peerAS4             bool
	wantAS4             bool
	startState          StartState

	pendingNotify *SpeakerError // set while in CLOSE, draining

	onTransition func(Result)

	events chan Event
	done   chan struct{}
}

// SetTransitionObserver registers a callback invoked after every state
// transition with actions applied, in addition to whatever Connection
// itself did. The Peer controller uses this to react to transitions it
// must drive externally — e.g. dialing out on ACTIVE->CONNECT, which
// the Connection cannot do itself since it has no network dependency.
func (c *Connection) SetTransitionObserver(f func(Result)) {
	c.onTransition = f
}

// NewConnection creates a Connection in IDLE. dial and accept hand it
// a live Socket later, at FSM entry into CONNECT/ACTIVE.
func NewConnection(dir Direction, cfg Config, codec Codec, errs ErrorSink, logger *slog.Logger) *Connection {
	c := &Connection{
		dir:          dir,
		cfg:          cfg,
		codec:        codec,
		errs:         errs,
		connectRetry: timer.NewOneShot(),
		hold:         timer.NewOneShot(),
		keepalive:    timer.NewOneShot(),
		events:       make(chan Event, 8),
		done:         make(chan struct{}),
		logger:       logger.With(slog.String("component", "bgpfsm"), slog.String("dir", dir.String())),
	}
	c.state.Store(uint32(Idle))
	return c
}

// State returns the current FSM state. Safe for concurrent readers.
func (c *Connection) State() State { return State(c.state.Load()) }

// Submit enqueues an event for the Connection's goroutine to process.
// Non-blocking; a full queue drops the event and logs, matching the
// teacher's recv-channel overflow policy.
func (c *Connection) Submit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event queue full, dropping", slog.String("event", ev.String()))
	}
}

// AttachSocket binds a freshly dialed or accepted socket to this
// Connection, wiring its hooks to feed the FSM. Called by the
// Peer controller on the CONNECT/ACTIVE resource-allocation action.
func (c *Connection) AttachSocket(sock *tcpsock.Socket) {
	c.sock = sock
	sock.SetHooks(tcpsock.Hooks{
		OnWritable: func() { c.Submit(EvSocketConnected) },
		OnData: func(p []byte) int {
			if c.codec != nil {
				return c.codec.Rx(c, p)
			}
			return 0
		},
		OnError: func(err error) { c.handleSocketErr(err) },
	})
}

func (c *Connection) handleSocketErr(err error) {
	c.Submit(EvSocketErr)
	if err != nil {
		c.logger.Debug("socket error", slog.String("error", err.Error()))
	}
}

// Run is the Connection's owning goroutine: a single select loop over
// its event queue and its three timers, matching the structure of the
// teacher's Session.runLoop. It returns when ctx is cancelled.
func (c *Connection) Run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.apply(ev)
		case <-c.connectRetry.C():
			c.apply(EvConnectRetryExpire)
		case <-c.hold.C():
			c.handleHoldExpire()
		case <-c.keepalive.C():
			c.apply(EvKeepaliveExpire)
		}
	}
}

// Done returns a channel closed once Run returns.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) apply(ev Event) {
	result := ApplyEvent(c.State(), ev)
	if !result.Changed {
		return
	}
	c.state.Store(uint32(result.NewState))
	c.logger.Debug("fsm transition",
		slog.String("from", result.OldState.String()),
		slog.String("to", result.NewState.String()),
		slog.String("event", ev.String()),
	)
	for _, action := range result.Actions {
		c.execute(action)
	}
	if c.onTransition != nil {
		c.onTransition(result)
	}
}

func (c *Connection) execute(action Action) {
	switch action {
	case ActAllocateResources:
		// Socket is attached by the Peer controller via AttachSocket
		// before this action fires for the outgoing/incoming case that
		// needs one; ACTIVE entry from IDLE only arms the timer.
	case ActArmConnectRetryStartDelay:
		// The Connection carries no separate start delay, so
		// max(1s, start_delay) is one second.
		c.connectRetry.Start(time.Second)
	case ActArmConnectRetryConfigured:
		c.connectRetry.Start(c.cfg.ConnectRetryTime)
	case ActInitiateConnect:
		// The Peer controller owns actually dialing; it observes the
		// ACTIVE->CONNECT transition and calls AttachSocket.
	case ActStopConnectRetry:
		c.connectRetry.Stop()
	case ActScheduleOpen:
		c.wantAS4 = c.cfg.EnableAS4 && c.startState != ConnectNoCap
		if c.codec != nil {
			_ = c.codec.Tx(c, PacketOpen)
		}
	case ActArmHoldInitial:
		c.hold.Start(c.cfg.InitialHoldTime)
	case ActInstallCodecHooks:
		// Hooks were installed at AttachSocket time; nothing further.
	case ActCloseResources:
		c.closeResources()
	case ActReinitiateConnect:
		// Caller (Peer controller) re-dials on observing this action.
	case ActScheduleDecision:
		// Caller (Peer controller) re-evaluates peer-level state.
	case ActScheduleKeepalive:
		if c.codec != nil {
			_ = c.codec.Tx(c, PacketKeepalive)
		}
		c.keepalive.Start(c.negotiatedKeepalive)
	case ActEmitNotification:
		if c.codec != nil && c.pendingNotify != nil {
			_ = c.codec.Tx(c, PacketNotification)
		}
	case ActReleaseResources:
		c.closeResources()
	}
}

func (c *Connection) closeResources() {
	c.hold.Stop()
	c.keepalive.Stop()
	c.connectRetry.Stop()
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
}

// handleHoldExpire implements the conditional branch of §4.E's
// "OPENSENT+ hold fires" row: if input is pending, rearm for the
// congestion window once; otherwise raise a protocol error (Hold Timer
// Expired, code 4, subcode 0) through bgp_error. This does not change
// FSM state by itself — the state change happens via the subsequent
// CLOSE-request path the Peer controller drives off the SpeakerError.
func (c *Connection) handleHoldExpire() {
	state := c.State()
	if state != OpenSent && state != OpenConfirm && state != Established {
		return
	}

	if c.sock != nil && c.sock.RxReady() > 0 {
		c.hold.Start(c.cfg.HoldCongestedWait)
		return
	}

	err := &SpeakerError{Class: ClassBGPTx, Code: 4, Subcode: 0}
	if c.errs != nil {
		c.errs.HandleBGPError(c, err)
	}
}

// EnterOpenConfirm is invoked by the codec once the peer's OPEN has
// been validated, corresponding to §6's enter_openconfirm(conn). Per
// the resolved Open Question in SPEC_FULL.md §5, the hold timer is
// restarted here with the negotiated value — not by the OPEN receipt
// alone, and not left running on the initial value.
func (c *Connection) EnterOpenConfirm(negotiatedHold, negotiatedKeepalive time.Duration, peerAS4 bool) {
	c.negotiatedHold = negotiatedHold
	c.negotiatedKeepalive = negotiatedKeepalive
	c.peerAS4 = peerAS4
	c.apply(EvOpenConfirmed)
	c.hold.Start(negotiatedHold)
}

// EnterEstablished is invoked by the codec once KEEPALIVE exchange
// completes OPENCONFIRM, corresponding to §6's enter_established(conn).
func (c *Connection) EnterEstablished() {
	c.apply(EvEstablishConfirmed)
	c.keepalive.Start(c.negotiatedKeepalive)
}

// OnKeepaliveOrUpdateReceived resets the hold timer with the negotiated
// value while ESTABLISHED, per the resolved Open Question: post-
// establishment, any KEEPALIVE or UPDATE refreshes hold.
func (c *Connection) OnKeepaliveOrUpdateReceived() {
	if c.State() == Established {
		c.hold.Start(c.negotiatedHold)
	}
}

// RequestClose issues a graceful close per §4.E's "graceful close
// request" event, carrying the NOTIFICATION code/subcode to emit if the
// connection is in OPENSENT or later.
func (c *Connection) RequestClose(code, subcode uint8) {
	c.pendingNotify = &SpeakerError{Class: ClassBGPTx, Code: code, Subcode: subcode}
	c.apply(EvCloseRequest)
}

// NotificationDrained signals the codec finished flushing the pending
// NOTIFICATION, allowing CLOSE to release into IDLE.
func (c *Connection) NotificationDrained() {
	c.pendingNotify = nil
	c.apply(EvNotificationDrained)
}

// Start drives IDLE->ACTIVE for a non-passive peer (§4.E row 1).
func (c *Connection) Start(startState StartState) {
	c.startState = startState
	c.apply(EvStart)
}

// PendingNotification returns the NOTIFICATION fields queued for this
// connection while in CLOSE, if any.
func (c *Connection) PendingNotification() *SpeakerError { return c.pendingNotify }

// Config returns the snapshotted peer-level configuration, for codecs
// that need ConnectRetryTime/InitialHoldTime/EnableAS4 to drive OPEN
// negotiation without the core depending on message parsing.
func (c *Connection) Config() Config { return c.cfg }

// WriteRaw writes a fully framed message to the attached socket on
// behalf of the codec. A nil socket (not yet attached, or already
// closed) is a silent no-op — the codec is invoked from the same
// goroutine that owns socket lifetime, so this only happens during a
// narrow teardown race.
func (c *Connection) WriteRaw(p []byte) error {
	if c.sock == nil {
		return nil
	}
	return c.sock.Write(p)
}

// ReportRxError raises a bgp_error for a condition the codec detected
// while parsing received bytes (malformed message, or a NOTIFICATION
// sent by the peer), routing it through the same ErrorSink the core
// uses for hold-timer expiry.
func (c *Connection) ReportRxError(code, subcode uint8) {
	if c.errs == nil {
		return
	}
	c.errs.HandleBGPError(c, &SpeakerError{Class: ClassBGPRx, Code: code, Subcode: subcode})
}
