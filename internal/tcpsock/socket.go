// Package tcpsock implements the async socket facade (Component D):
// TCP active connect, passive accept, and byte-stream RX/TX with
// completion hooks and an error hook, adapted from the teacher's UDP
// sender/listener socket-option idiom (internal/netio) to TCP, with
// TCP_MD5SIG and TOS support required by §6 of the core speaker spec.
package tcpsock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
)

// MinBufferSize is the minimum buffer size mandated by §6: every
// direction must be able to hold at least one maximum-length BGP
// message.
const MinBufferSize = 4096

// TOSInternetworkControl is the IP TOS value (DSCP 0xC0, "Internetwork
// Control") BGP sockets must set per §6.
const TOSInternetworkControl = 0xC0

// ErrSocketClosed is returned by operations attempted on a closed
// Socket.
var ErrSocketClosed = errors.New("tcpsock: socket closed")

// Hooks are the callbacks a Connection registers on a Socket, mirroring
// §4.D: OnWritable fires once on successful connect and again whenever
// the send side can accept more; OnData fires when bytes arrive and
// returns how many of them were consumed (unconsumed bytes remain
// buffered for the next call); OnError fires on any error, with a nil
// error meaning a clean remote close.
type Hooks struct {
	OnWritable func()
	OnData     func(p []byte) (consumed int)
	OnError    func(err error)
}

// Socket wraps a TCP connection and drives Hooks from a dedicated
// goroutine owned by the Connection that created it — each Socket's
// mutable state (buffer, closed flag) is touched only by that
// goroutine plus the synchronized Close/Write/RxReady accessors,
// following the same single-owner-goroutine discipline the teacher
// uses for *Session.
type Socket struct {
	conn   *net.TCPConn
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	unread   int // bytes currently buffered and not yet consumed by OnData

	hooks Hooks
}

// newSocket wraps an already-established *net.TCPConn.
func newSocket(conn *net.TCPConn, logger *slog.Logger) *Socket {
	return &Socket{conn: conn, logger: logger}
}

// SetHooks installs the hooks a Connection uses to drive its FSM. Must
// be called before Run.
func (s *Socket) SetHooks(h Hooks) {
	s.hooks = h
}

// Dial actively opens a TCP connection to remote from localAddr (the
// neighbor-cache-resolved source address), applying the TTL (for
// multihop), TOS and bind-device socket options before connecting. No
// TCP MD5 signature option is set on the dialed socket.
func Dial(ctx context.Context, localAddr, remote netip.Addr, port uint16, opts Options, logger *slog.Logger) (*Socket, error) {
	dialer := net.Dialer{
		LocalAddr: tcpAddr(localAddr, 0),
		Control: func(_, _ string, c syscall.RawConn) error {
			return applySockOpts(c, opts)
		},
	}

	raddr := net.JoinHostPort(remote.String(), fmtPort(port))
	conn, err := dialer.DialContext(ctx, "tcp", raddr)
	if err != nil {
		return nil, fmt.Errorf("dial bgp %s: %w", raddr, err)
	}

	tc, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("dial bgp %s: unexpected conn type", raddr)
	}

	return newSocket(tc, logger.With(slog.String("component", "tcpsock"), slog.String("remote", remote.String()))), nil
}

// FromAccepted wraps a connection handed back by a passive Listener
// accept loop.
func FromAccepted(tc *net.TCPConn, logger *slog.Logger) *Socket {
	return newSocket(tc, logger.With(slog.String("component", "tcpsock")))
}

// Run drives the socket's read loop until ctx is cancelled or the
// connection errors/closes. OnWritable is invoked once immediately
// (the socket is, by construction, already connected when Run is
// called) and OnData/OnError as bytes or errors arrive.
func (s *Socket) Run(ctx context.Context) {
	if s.hooks.OnWritable != nil {
		s.hooks.OnWritable()
	}

	buf := make([]byte, MinBufferSize)
	var pending bytes.Buffer

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			s.mu.Lock()
			s.unread = pending.Len()
			s.mu.Unlock()

			if s.hooks.OnData != nil {
				consumed := s.hooks.OnData(pending.Bytes())
				if consumed > 0 {
					pending.Next(consumed)
				}
			}

			s.mu.Lock()
			s.unread = pending.Len()
			s.mu.Unlock()
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if s.hooks.OnError != nil {
					s.hooks.OnError(nil)
				}
			} else if s.hooks.OnError != nil {
				s.hooks.OnError(err)
			}
			return
		}
	}
}

// Write sends buf on the connection. On success OnWritable is invoked
// again to signal the send side has more room, matching the
// once-per-drain contract of tx_hook.
func (s *Socket) Write(buf []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	s.mu.Unlock()

	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("write bgp socket: %w", err)
	}
	if s.hooks.OnWritable != nil {
		s.hooks.OnWritable()
	}
	return nil
}

// RxReady peeks the input-queue length without consuming, matching
// §4.D's rx_ready(sk).
func (s *Socket) RxReady() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Close detaches all hooks and releases the underlying connection.
// Idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.hooks = Hooks{}
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close bgp socket: %w", err)
	}
	return nil
}

// RemoteAddr returns the peer address of the underlying connection.
func (s *Socket) RemoteAddr() netip.AddrPort {
	ap, _ := netip.ParseAddrPort(s.conn.RemoteAddr().String())
	return ap
}

func tcpAddr(addr netip.Addr, port uint16) *net.TCPAddr {
	if !addr.IsValid() {
		return nil
	}
	return &net.TCPAddr{IP: addr.AsSlice(), Port: int(port)}
}

func fmtPort(p uint16) string {
	return net.JoinHostPort("", fmt.Sprintf("%d", p))[1:]
}
