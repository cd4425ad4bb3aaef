package bgpmetrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "bgpd"
	subsystem = "bgp"
)

// Label names for BGP metrics.
const (
	labelPeerAddr  = "peer_addr"
	labelDirection = "direction"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelClass     = "class"
)

// -------------------------------------------------------------------------
// Collector — Prometheus BGP Metrics
// -------------------------------------------------------------------------

// Collector holds all BGP Prometheus metrics.
//
// Metrics are designed for production ISP/DC monitoring:
//   - Peers gauges track currently established sessions.
//   - Packet counters track TX/RX volumes per peer connection.
//   - State transition counters record FSM changes for alerting.
//   - Error counters flag the bgp_error taxonomy per peer.
type Collector struct {
	// PeersUp is a per-peer gauge: 1 while the peer is in the UP
	// protocol state, 0 otherwise, set through SetPeerUp.
	PeersUp *prometheus.GaugeVec

	// PacketsSent counts BGP messages transmitted per peer connection.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts BGP messages received per peer connection.
	PacketsReceived *prometheus.CounterVec

	// StateTransitions counts FSM state transitions. Each counter is labeled
	// with the old state and new state for precise alerting (e.g.,
	// Established->Idle).
	StateTransitions *prometheus.CounterVec

	// Errors counts bgp_error occurrences per peer, labeled by error class
	// (§7's MISC/SOCKET/BGP_RX/BGP_TX/AUTO_DOWN/MAN_DOWN taxonomy).
	Errors *prometheus.CounterVec

	// StartupDelay tracks the current computed backoff (update_startup_delay)
	// for each peer, in seconds.
	StartupDelay *prometheus.GaugeVec
}

// NewCollector creates a Collector with all BGP metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "bgpd_bgp_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PeersUp,
		c.PacketsSent,
		c.PacketsReceived,
		c.StateTransitions,
		c.Errors,
		c.StartupDelay,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	peerLabels := []string{labelPeerAddr}
	connLabels := []string{labelPeerAddr, labelDirection}
	transitionLabels := []string{labelPeerAddr, labelDirection, labelFromState, labelToState}
	errorLabels := []string{labelPeerAddr, labelClass}

	return &Collector{
		PeersUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers_up",
			Help:      "1 if the peer's protocol state is UP, 0 otherwise.",
		}, peerLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total BGP messages transmitted.",
		}, connLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total BGP messages received.",
		}, connLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total BGP connection FSM state transitions.",
		}, transitionLabels),

		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total bgp_error occurrences, labeled by error class.",
		}, errorLabels),

		StartupDelay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_delay_seconds",
			Help:      "Current computed update_startup_delay backoff for the peer, in seconds.",
		}, peerLabels),
	}
}

// -------------------------------------------------------------------------
// Peer Lifecycle
// -------------------------------------------------------------------------

// SetPeerUp sets the peers_up gauge for the given peer.
func (c *Collector) SetPeerUp(peer netip.Addr, up bool) {
	var v float64
	if up {
		v = 1
	}
	c.PeersUp.WithLabelValues(peer.String()).Set(v)
}

// -------------------------------------------------------------------------
// Packet Counters
// -------------------------------------------------------------------------

// IncPacketsSent increments the transmitted packets counter for the given
// peer connection.
func (c *Collector) IncPacketsSent(peer netip.Addr, direction string) {
	c.PacketsSent.WithLabelValues(peer.String(), direction).Inc()
}

// IncPacketsReceived increments the received packets counter for the given
// peer connection.
func (c *Collector) IncPacketsReceived(peer netip.Addr, direction string) {
	c.PacketsReceived.WithLabelValues(peer.String(), direction).Inc()
}

// -------------------------------------------------------------------------
// State Transitions
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels. Used for alerting on session flaps (e.g.,
// Established->Idle transitions triggering route withdrawal upstream).
func (c *Collector) RecordStateTransition(peer netip.Addr, direction, from, to string) {
	c.StateTransitions.WithLabelValues(peer.String(), direction, from, to).Inc()
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// IncErrors increments the error counter for the given peer and error
// class.
func (c *Collector) IncErrors(peer netip.Addr, class string) {
	c.Errors.WithLabelValues(peer.String(), class).Inc()
}

// SetStartupDelay sets the current backoff gauge for the given peer.
func (c *Collector) SetStartupDelay(peer netip.Addr, seconds float64) {
	c.StartupDelay.WithLabelValues(peer.String()).Set(seconds)
}
