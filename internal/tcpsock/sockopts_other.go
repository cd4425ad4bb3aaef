//go:build !linux

package tcpsock

import "syscall"

// applySockOpts is a no-op on platforms without the Linux-specific
// socket option support (TCP_MD5SIG, SO_BINDTODEVICE). TTL/TOS are
// left at OS defaults.
func applySockOpts(_ syscall.RawConn, _ Options) error {
	return nil
}

// SetMD5Auth is unsupported outside Linux.
func SetMD5Auth(_ int, _ [4]byte, _ bool, _ [16]byte, _ string) error {
	return errUnsupported
}

var errUnsupported = errUnsupportedMD5{}

type errUnsupportedMD5 struct{}

func (errUnsupportedMD5) Error() string { return "tcpsock: TCP_MD5SIG not supported on this platform" }
