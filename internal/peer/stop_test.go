package peer

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/arrownet/bgpd/internal/bgpfsm"
	"github.com/arrownet/bgpd/internal/listener"
	"github.com/arrownet/bgpd/internal/objectlock"
)

func newStoppableController(t *testing.T) *Controller {
	t.Helper()
	cfg := Config{RemoteAddr: netip.MustParseAddr("192.0.2.1")}
	p := NewController(cfg, nil, nil, nil, nil, nil, slog.New(slog.DiscardHandler))

	connCfg := bgpfsm.Config{ConnectRetryTime: time.Second, InitialHoldTime: 90 * time.Second}
	p.outgoing = bgpfsm.NewConnection(bgpfsm.Outgoing, connCfg, nil, p, p.logger)
	p.incoming = bgpfsm.NewConnection(bgpfsm.Incoming, connCfg, nil, p, p.logger)
	// RequestClose records the pending NOTIFICATION's code/subcode
	// unconditionally, regardless of which state it is called from, so
	// ACTIVE (reached via Start) is enough to observe the arguments
	// stop()/Shutdown() pass it.
	p.outgoing.Start(bgpfsm.ConnectState)
	p.incoming.Start(bgpfsm.ConnectState)
	p.protoState = Up

	return p
}

// TestStopEmitsCeaseWithOtherConfigChange confirms stop() closes both
// connections with NOTIFICATION code 6 (Cease) and the documented
// other-config-change subcode, not the subcode value sitting in the
// code slot.
func TestStopEmitsCeaseWithOtherConfigChange(t *testing.T) {
	t.Parallel()

	p := newStoppableController(t)
	p.stop()

	for name, conn := range map[string]*bgpfsm.Connection{"outgoing": p.outgoing, "incoming": p.incoming} {
		n := conn.PendingNotification()
		if n == nil {
			t.Fatalf("%s: expected a pending NOTIFICATION after stop()", name)
		}
		if n.Code != 6 {
			t.Errorf("%s: NOTIFICATION code = %d, want 6 (Cease)", name, n.Code)
		}
		if n.Subcode != SubcodeOtherConfigChange {
			t.Errorf("%s: NOTIFICATION subcode = %d, want %d", name, n.Subcode, SubcodeOtherConfigChange)
		}
	}
}

// TestShutdownEmitsCeaseWithGivenSubcode confirms Shutdown(subcode)
// closes both connections with code 6 (Cease) and the caller-supplied
// subcode, e.g. administrative shutdown.
func TestShutdownEmitsCeaseWithGivenSubcode(t *testing.T) {
	t.Parallel()

	p := newStoppableController(t)
	p.Shutdown(SubcodeAdministrativeShutdown)

	for name, conn := range map[string]*bgpfsm.Connection{"outgoing": p.outgoing, "incoming": p.incoming} {
		n := conn.PendingNotification()
		if n == nil {
			t.Fatalf("%s: expected a pending NOTIFICATION after Shutdown()", name)
		}
		if n.Code != 6 {
			t.Errorf("%s: NOTIFICATION code = %d, want 6 (Cease)", name, n.Code)
		}
		if n.Subcode != SubcodeAdministrativeShutdown {
			t.Errorf("%s: NOTIFICATION subcode = %d, want %d", name, n.Subcode, SubcodeAdministrativeShutdown)
		}
	}
}

// TestFinishStopReleasesObjectLock confirms the object lock acquired in
// Start is released once both connections reach IDLE, so a later
// Start on a fresh Controller for the same remote address is not stuck
// waiting on a lock the previous instance never gave up (testable
// property 9).
func TestFinishStopReleasesObjectLock(t *testing.T) {
	t.Parallel()

	cfg := Config{RemoteAddr: netip.MustParseAddr("192.0.2.2")}
	registry := objectlock.NewRegistry()

	p := NewController(cfg, nil, registry, nil, nil, nil, slog.New(slog.DiscardHandler))

	key := objectlock.Key{Addr: cfg.RemoteAddr, Port: listener.DefaultPort, Iface: cfg.InterfaceName}
	firstGranted := make(chan struct{})
	registry.Acquire(key, func() { close(firstGranted) })
	<-firstGranted

	p.protoState = Stop
	p.finishStopIfIdle()

	secondGranted := make(chan struct{})
	registry.Acquire(key, func() { close(secondGranted) })

	select {
	case <-secondGranted:
	default:
		t.Fatal("finishStopIfIdle did not release the object lock: a second Acquire on the same key was not granted")
	}
}
