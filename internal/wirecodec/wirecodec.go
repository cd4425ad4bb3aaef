// Package wirecodec provides the bgpfsm.Codec the daemon wires into every
// Connection. BGP message framing and path-attribute parsing are an
// external collaborator by design (§6 of the core speaker spec): the
// engine only needs something that turns requested packet kinds
// into bytes on the wire and turns received bytes back into FSM
// events. This package supplies the minimal OPEN/KEEPALIVE/NOTIFICATION
// framing needed to drive the state machine end to end; it does not
// negotiate capabilities or parse path attributes — OPEN is accepted
// as-is and the connection's own configured hold/keepalive values are
// used as the "negotiated" ones, UPDATE payloads are treated as opaque
// and simply refresh the hold timer, and ROUTE-REFRESH messages are
// consumed and ignored.
package wirecodec

import (
	"encoding/binary"
	"log/slog"

	"github.com/arrownet/bgpd/internal/bgpfsm"
)

// marker is the 16-byte all-ones BGP header marker (legacy from the
// original BGP-1 authentication field, retained by RFC 4271 §4.1).
var marker = [16]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// Message types, RFC 4271 §4.1.
const (
	typeOpen         = 1
	typeUpdate       = 2
	typeNotification = 3
	typeKeepalive    = 4
	typeRouteRefresh = 5
)

const headerLen = 19 // 16-byte marker + 2-byte length + 1-byte type

// Codec implements bgpfsm.Codec with the bare minimum BGP message
// framing: a 19-byte header (marker/length/type) around a zero-length
// or opaque body. It is enough to move Connection through its state
// machine; actual path-attribute semantics live outside the core
// speaker's scope.
type Codec struct {
	logger *slog.Logger
}

// New creates a Codec.
func New(logger *slog.Logger) *Codec {
	return &Codec{logger: logger.With(slog.String("component", "wirecodec"))}
}

// Rx consumes complete BGP messages from p and feeds them to conn,
// returning how many bytes were consumed. A partial trailing message
// is left unconsumed for the socket facade to re-buffer.
func (c *Codec) Rx(conn *bgpfsm.Connection, p []byte) int {
	consumed := 0
	for len(p)-consumed >= headerLen {
		buf := p[consumed:]
		length := binary.BigEndian.Uint16(buf[16:18])
		if int(length) < headerLen || int(length) > len(buf) {
			break
		}
		msgType := buf[18]
		body := buf[headerLen:length]

		switch msgType {
		case typeOpen:
			cfg := conn.Config()
			keepalive := cfg.InitialHoldTime / 3
			conn.EnterOpenConfirm(cfg.InitialHoldTime, keepalive, cfg.EnableAS4)
		case typeKeepalive:
			if conn.State() == bgpfsm.OpenConfirm {
				conn.EnterEstablished()
			} else {
				conn.OnKeepaliveOrUpdateReceived()
			}
		case typeUpdate:
			conn.OnKeepaliveOrUpdateReceived()
		case typeNotification:
			code, subcode := notificationFields(body)
			conn.ReportRxError(code, subcode)
		case typeRouteRefresh:
			// Opaque to the core FSM; no state transition.
		default:
			c.logger.Warn("unrecognized BGP message type", slog.Int("type", int(msgType)))
		}

		consumed += int(length)
	}
	return consumed
}

func notificationFields(body []byte) (code, subcode uint8) {
	if len(body) >= 1 {
		code = body[0]
	}
	if len(body) >= 2 {
		subcode = body[1]
	}
	return code, subcode
}

// Tx emits exactly one message of the requested kind.
func (c *Codec) Tx(conn *bgpfsm.Connection, kind bgpfsm.PacketKind) error {
	var (
		msgType byte
		body    []byte
	)
	switch kind {
	case bgpfsm.PacketOpen:
		msgType = typeOpen
	case bgpfsm.PacketKeepalive:
		msgType = typeKeepalive
	case bgpfsm.PacketNotification:
		msgType = typeNotification
		if n := conn.PendingNotification(); n != nil {
			body = []byte{n.Code, n.Subcode}
		}
	case bgpfsm.PacketUpdate:
		msgType = typeUpdate
	case bgpfsm.PacketRouteRefresh:
		msgType = typeRouteRefresh
	default:
		msgType = typeKeepalive
	}

	msg := make([]byte, headerLen+len(body))
	copy(msg[0:16], marker[:])
	binary.BigEndian.PutUint16(msg[16:18], uint16(len(msg)))
	msg[18] = msgType
	copy(msg[headerLen:], body)

	if err := conn.WriteRaw(msg); err != nil {
		return err
	}
	if msgType == typeNotification {
		conn.NotificationDrained()
	}
	return nil
}
