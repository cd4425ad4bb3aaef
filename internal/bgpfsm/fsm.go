// Package bgpfsm implements the per-connection state machine
// (Component E): the six RFC 4271 states plus the absorbing CLOSE
// state, as a pure transition table following the same pattern the
// teacher uses for its BFD session FSM (internal/bfd/fsm.go):
// stateEvent keys into a package-level transition table, returning the
// set of Actions the caller (Connection) must execute.
package bgpfsm

// State is a Connection FSM state.
type State uint8

// States, per §4.E. CLOSE is absorbing: it is left only once a pending
// NOTIFICATION has drained.
const (
	Idle State = iota
	Connect
	Active
	OpenSent
	OpenConfirm
	Established
	Close
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connect:
		return "CONNECT"
	case Active:
		return "ACTIVE"
	case OpenSent:
		return "OPENSENT"
	case OpenConfirm:
		return "OPENCONFIRM"
	case Established:
		return "ESTABLISHED"
	case Close:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Event drives a Connection FSM transition.
type Event uint8

// Events.
const (
	EvStart Event = iota
	EvConnectRetryExpire
	EvSocketConnected
	EvSocketErr
	EvKeepaliveExpire
	EvCloseRequest
	EvNotificationDrained
	EvOpenConfirmed   // codec-driven: enter_openconfirm
	EvEstablishConfirmed // codec-driven: enter_established
)

func (e Event) String() string {
	switch e {
	case EvStart:
		return "start"
	case EvConnectRetryExpire:
		return "connect_retry_expire"
	case EvSocketConnected:
		return "socket_connected"
	case EvSocketErr:
		return "socket_err"
	case EvKeepaliveExpire:
		return "keepalive_expire"
	case EvCloseRequest:
		return "close_request"
	case EvNotificationDrained:
		return "notification_drained"
	case EvOpenConfirmed:
		return "open_confirmed"
	case EvEstablishConfirmed:
		return "establish_confirmed"
	default:
		return "unknown"
	}
}

// Action is one side effect a transition requires its Connection to
// perform. Multiple actions may apply to a single transition.
type Action uint8

// Actions.
const (
	ActAllocateResources Action = iota
	ActArmConnectRetryStartDelay
	ActArmConnectRetryConfigured
	ActInitiateConnect
	ActStopConnectRetry
	ActScheduleOpen
	ActArmHoldInitial
	ActInstallCodecHooks
	ActCloseResources
	ActReinitiateConnect
	ActScheduleDecision
	ActScheduleKeepalive
	ActEmitNotification
	ActReleaseResources
)

//nolint:gochecknoglobals // actionNames is a fixed lookup table, not mutable state.
var actionNames = map[Action]string{
	ActAllocateResources:         "allocate_resources",
	ActArmConnectRetryStartDelay: "arm_connect_retry(start_delay)",
	ActArmConnectRetryConfigured: "arm_connect_retry(connect_retry_time)",
	ActInitiateConnect:           "initiate_connect",
	ActStopConnectRetry:          "stop_connect_retry",
	ActScheduleOpen:              "schedule_open",
	ActArmHoldInitial:            "arm_hold(initial_hold_time)",
	ActInstallCodecHooks:         "install_codec_hooks",
	ActCloseResources:            "close_resources",
	ActReinitiateConnect:         "reinitiate_connect",
	ActScheduleDecision:          "schedule_decision",
	ActScheduleKeepalive:         "schedule_keepalive",
	ActEmitNotification:          "emit_notification",
	ActReleaseResources:          "release_resources",
}

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return "unknown"
}

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
	actions  []Action
}

//nolint:gochecknoglobals // fsmTable is a fixed lookup table built once at init.
var fsmTable = map[stateEvent]transition{
	{Idle, EvStart}: {Active, []Action{ActAllocateResources, ActArmConnectRetryStartDelay}},

	{Active, EvConnectRetryExpire}: {Connect, []Action{ActInitiateConnect, ActArmConnectRetryConfigured}},

	{Connect, EvSocketConnected}: {OpenSent, []Action{
		ActStopConnectRetry, ActScheduleOpen, ActArmHoldInitial, ActInstallCodecHooks,
	}},

	// "connect_retry fires again, still not connected": close and
	// re-initiate without ever resting in IDLE from the caller's point
	// of view — modeled as Connect/Active -> Connect directly.
	{Connect, EvConnectRetryExpire}: {Connect, []Action{ActCloseResources, ActReinitiateConnect}},

	{OpenSent, EvOpenConfirmed}:      {OpenConfirm, nil},
	{OpenConfirm, EvEstablishConfirmed}: {Established, nil},

	{Established, EvKeepaliveExpire}: {Established, []Action{ActScheduleKeepalive}},

	{OpenSent, EvCloseRequest}:     {Close, []Action{ActEmitNotification}},
	{OpenConfirm, EvCloseRequest}:  {Close, []Action{ActEmitNotification}},
	{Established, EvCloseRequest}:  {Close, []Action{ActEmitNotification}},
	{Connect, EvCloseRequest}:      {Idle, []Action{ActCloseResources}},
	{Active, EvCloseRequest}:       {Idle, []Action{ActCloseResources}},
	{Idle, EvCloseRequest}:         {Idle, nil},
	{Close, EvCloseRequest}:        {Close, nil},

	{Close, EvNotificationDrained}: {Idle, []Action{ActReleaseResources}},
}

// ApplyEvent is the pure transition function: given the current state
// and an incoming event, it returns the new state, the actions to
// execute, and whether anything actually changed. It never mutates
// external state — the caller (Connection) is responsible for carrying
// out the returned Actions.
func ApplyEvent(current State, event Event) Result {
	// The generic "any except IDLE/CLOSE, socket err -> IDLE" rule
	// applies across several states and is cheaper to special-case than
	// to enumerate for every applicable (state) value in the table.
	if event == EvSocketErr && current != Idle && current != Close {
		return Result{
			OldState: current,
			NewState: Idle,
			Actions:  []Action{ActCloseResources, ActScheduleDecision},
			Changed:  true,
		}
	}

	key := stateEvent{current, event}
	t, ok := fsmTable[key]
	if !ok {
		return Result{OldState: current, NewState: current, Changed: false}
	}

	return Result{
		OldState: current,
		NewState: t.newState,
		Actions:  t.actions,
		Changed:  t.newState != current || len(t.actions) > 0,
	}
}

// Result is the outcome of applying an Event to a State.
type Result struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}
