// Package listener implements the shared listener (Component G): a
// single passive TCP socket on the configured BGP port, created lazily
// on the first peer to start and refcounted so it is released only
// once every peer has stopped using it, dispatching incoming
// connections to the peer controller whose configured remote address
// matches, and carrying per-peer TCP-MD5 keys.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/arrownet/bgpd/internal/tcpsock"
)

// DefaultPort is the standard BGP TCP port (§6).
const DefaultPort uint16 = 179

// Acceptor is implemented by a peer controller to decide whether to
// take ownership of a freshly accepted TCP connection from its
// configured remote address. It returns false to have the listener
// close the socket immediately (§4.F's collision-rejection path).
type Acceptor interface {
	AcceptIncoming(sock *tcpsock.Socket) bool
}

// SharedListener is Component G.
type SharedListener struct {
	mu       sync.Mutex
	ln       *net.TCPListener
	refcount int
	peers    map[netip.Addr]Acceptor
	addr     string
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// NewSharedListener creates an unopened SharedListener bound to addr
// (host:port, typically ":179"). The underlying socket is not created
// until the first Acquire.
func NewSharedListener(addr string, logger *slog.Logger) *SharedListener {
	return &SharedListener{
		peers:  make(map[netip.Addr]Acceptor),
		addr:   addr,
		logger: logger.With(slog.String("component", "listener")),
	}
}

// Acquire increments the refcount, lazily opening the listening socket
// and starting its accept loop on the first call. Matches §4.G /
// testable property 8: opening N peers and closing M leaves the
// listener open iff N != M.
func (l *SharedListener) Acquire(ctx context.Context, remote netip.Addr, acceptor Acceptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.peers[remote] = acceptor

	if l.refcount == 0 {
		ln, err := net.Listen("tcp", l.addr)
		if err != nil {
			delete(l.peers, remote)
			return fmt.Errorf("open shared bgp listener on %s: %w", l.addr, err)
		}
		tln, ok := ln.(*net.TCPListener)
		if !ok {
			_ = ln.Close()
			delete(l.peers, remote)
			return errors.New("listener: unexpected listener type")
		}
		l.ln = tln

		runCtx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		go l.acceptLoop(runCtx)

		l.logger.Info("shared listener opened", slog.String("addr", l.addr))
	}
	l.refcount++
	return nil
}

// Release decrements the refcount for remote, closing the shared
// socket once it reaches zero.
func (l *SharedListener) Release(remote netip.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.peers, remote)
	if l.refcount == 0 {
		return
	}
	l.refcount--
	if l.refcount == 0 && l.ln != nil {
		l.cancel()
		_ = l.ln.Close()
		l.ln = nil
		l.logger.Info("shared listener closed", slog.String("addr", l.addr))
	}
}

func (l *SharedListener) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				l.logger.Warn("accept error", slog.String("error", err.Error()))
				return
			}
		}

		tc, ok := conn.(*net.TCPConn)
		if !ok {
			_ = conn.Close()
			continue
		}

		l.dispatch(tc)
	}
}

func (l *SharedListener) dispatch(tc *net.TCPConn) {
	remoteAP, err := netip.ParseAddrPort(tc.RemoteAddr().String())
	if err != nil {
		_ = tc.Close()
		return
	}

	l.mu.Lock()
	acceptor, ok := l.peers[remoteAP.Addr()]
	l.mu.Unlock()

	if !ok {
		l.logger.Debug("incoming connection from unconfigured peer, rejecting", slog.String("remote", remoteAP.Addr().String()))
		_ = tc.Close()
		return
	}

	sock := tcpsock.FromAccepted(tc, l.logger)
	if !acceptor.AcceptIncoming(sock) {
		_ = sock.Close()
	}
}

// SetMD5 installs (non-empty password) or removes (empty password) a
// TCP-MD5 key for remote on the shared listening socket, per §4.D's
// set_md5_auth and §4.G's "TCP-MD5 peer keys are installed/removed on
// this shared socket."
func (l *SharedListener) SetMD5(remote netip.Addr, password string) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()

	if ln == nil {
		return errors.New("listener: not open")
	}

	raw, err := ln.SyscallConn()
	if err != nil {
		return fmt.Errorf("listener: raw conn: %w", err)
	}

	var setErr error
	err = raw.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		if remote.Is4() {
			var a4 [4]byte
			copy(a4[:], remote.AsSlice())
			setErr = tcpsock.SetMD5Auth(intFD, a4, false, [16]byte{}, password)
		} else {
			var a6 [16]byte
			copy(a6[:], remote.AsSlice())
			setErr = tcpsock.SetMD5Auth(intFD, [4]byte{}, true, a6, password)
		}
	})
	if err != nil {
		return fmt.Errorf("listener: raw conn control: %w", err)
	}
	return setErr
}

// Addr returns the configured listen address.
func (l *SharedListener) Addr() string { return l.addr }
