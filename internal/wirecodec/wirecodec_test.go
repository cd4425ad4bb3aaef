package wirecodec_test

import (
	"encoding/binary"
	"log/slog"
	"testing"
	"time"

	"github.com/arrownet/bgpd/internal/bgpfsm"
	"github.com/arrownet/bgpd/internal/wirecodec"
)

func newTestConnection(t *testing.T, codec bgpfsm.Codec) *bgpfsm.Connection {
	t.Helper()
	cfg := bgpfsm.Config{
		ConnectRetryTime:  time.Second,
		InitialHoldTime:   3 * time.Second,
		HoldCongestedWait: time.Second,
		EnableAS4:         true,
	}
	return bgpfsm.NewConnection(bgpfsm.Outgoing, cfg, codec, nil, slog.New(slog.DiscardHandler))
}

func openMessage() []byte {
	msg := make([]byte, 19)
	for i := range msg[:16] {
		msg[i] = 0xff
	}
	binary.BigEndian.PutUint16(msg[16:18], 19)
	msg[18] = 1 // OPEN
	return msg
}

func keepaliveMessage() []byte {
	msg := make([]byte, 19)
	for i := range msg[:16] {
		msg[i] = 0xff
	}
	binary.BigEndian.PutUint16(msg[16:18], 19)
	msg[18] = 4 // KEEPALIVE
	return msg
}

func TestRxOpenConsumesWholeMessage(t *testing.T) {
	t.Parallel()

	codec := wirecodec.New(slog.New(slog.DiscardHandler))
	conn := newTestConnection(t, codec)

	// Drive IDLE -> ACTIVE -> needs a socket attach before CONNECT, but
	// EnterOpenConfirm only requires the FSM to be in a state where
	// EvOpenConfirmed is a legal transition (OPENSENT). Exercise the
	// codec directly against a Connection already past IDLE by issuing
	// Start, which this test package cannot drive without a socket, so
	// instead verify Rx parses a complete OPEN message and consumes
	// exactly its header length.
	consumed := codec.Rx(conn, openMessage())
	if consumed != 19 {
		t.Errorf("consumed = %d, want 19", consumed)
	}
}

func TestRxPartialMessageNotConsumed(t *testing.T) {
	t.Parallel()

	codec := wirecodec.New(slog.New(slog.DiscardHandler))
	conn := newTestConnection(t, codec)

	partial := openMessage()[:10]
	consumed := codec.Rx(conn, partial)
	if consumed != 0 {
		t.Errorf("consumed = %d, want 0 for a partial message", consumed)
	}
}

func TestRxConsumesMultipleMessages(t *testing.T) {
	t.Parallel()

	codec := wirecodec.New(slog.New(slog.DiscardHandler))
	conn := newTestConnection(t, codec)

	buf := append(keepaliveMessage(), keepaliveMessage()...)
	consumed := codec.Rx(conn, buf)
	if consumed != 38 {
		t.Errorf("consumed = %d, want 38", consumed)
	}
}

func TestTxWithoutSocketIsNoop(t *testing.T) {
	t.Parallel()

	codec := wirecodec.New(slog.New(slog.DiscardHandler))
	conn := newTestConnection(t, codec)

	if err := codec.Tx(conn, bgpfsm.PacketKeepalive); err != nil {
		t.Errorf("Tx with no attached socket should be a no-op, got error: %v", err)
	}
}
