//go:build linux

package internal

import (
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// ListenBacklog is passed to listen(2) on every listening socket.
var ListenBacklog = unix.SOMAXCONN

// CreateNonblockingSocket returns a non-blocking, close-on-exec stream
// socket of the given family (unix.AF_INET or unix.AF_INET6).
func CreateNonblockingSocket(family int) (int, error) {
	fd, err := unix.Socket(family,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

func Bind(fd int, ap netip.AddrPort) error {
	if err := unix.Bind(fd, ToSockaddr(ap)); err != nil {
		return os.NewSyscallError("bind", err)
	}
	return nil
}

func Listen(fd int) error {
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		return os.NewSyscallError("listen", err)
	}
	return nil
}

// AcceptClass partitions accept(2) errnos. Recoverable errnos are expected
// under load and leave the listening socket usable. Exhausted means the
// process is out of file descriptors and the caller should run its idle
// reserve recovery. Anything else indicates a programming error or an
// unusable process state.
type AcceptClass int

const (
	AcceptOK AcceptClass = iota
	AcceptRecoverable
	AcceptExhausted
	AcceptFatal
)

// Accept wraps accept4(2), returning a non-blocking close-on-exec
// descriptor and the peer address.
func Accept(listenFd int) (int, netip.AddrPort, error) {
	fd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	return fd, FromSockaddr(sa), nil
}

// ClassifyAcceptError maps an accept4(2) errno to its handling class.
func ClassifyAcceptError(err error) AcceptClass {
	switch err {
	case nil:
		return AcceptOK
	case unix.EAGAIN, unix.ECONNABORTED, unix.EINTR, unix.EPROTO, unix.EPERM:
		return AcceptRecoverable
	case unix.EMFILE:
		return AcceptExhausted
	case unix.EBADF, unix.EFAULT, unix.EINVAL, unix.ENFILE, unix.ENOBUFS,
		unix.ENOMEM, unix.ENOTSOCK, unix.EOPNOTSUPP:
		return AcceptFatal
	}
	return AcceptFatal
}

// OpenIdleFd opens the reserve descriptor an acceptor parks to recover
// from descriptor-table exhaustion.
func OpenIdleFd() (int, error) {
	return unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

// DrainExhausted gives the acceptor one descriptor back, pops the pending
// connection off the backlog and closes it, then re-parks the reserve.
// Returns the new reserve descriptor.
func DrainExhausted(listenFd, idleFd int) int {
	unix.Close(idleFd)
	fd, _, err := unix.Accept(listenFd)
	if err == nil {
		unix.Close(fd)
	}
	idleFd, err = OpenIdleFd()
	if err != nil {
		idleFd = -1
	}
	return idleFd
}

func ShutdownWrite(fd int) error {
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return os.NewSyscallError("shutdown", err)
	}
	return nil
}

func Close(fd int) error {
	return unix.Close(fd)
}

func Write(fd int, b []byte) (int, error) {
	return unix.Write(fd, b)
}

// GetSocketError reads and clears SO_ERROR, returning it as an Errno
// (0 when the socket carries no error).
func GetSocketError(fd int) unix.Errno {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err.(unix.Errno)
	}
	return unix.Errno(v)
}

func setBoolOpt(fd, level, opt int, on bool, name string) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(fd, level, opt, v); err != nil {
		return os.NewSyscallError(name, err)
	}
	return nil
}

func SetReuseAddr(fd int, on bool) error {
	return setBoolOpt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, on, "setsockopt_reuseaddr")
}

func SetReusePort(fd int, on bool) error {
	return setBoolOpt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, on, "setsockopt_reuseport")
}

func SetKeepAlive(fd int, on bool) error {
	return setBoolOpt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, on, "setsockopt_keepalive")
}

func SetNoDelay(fd int, on bool) error {
	return setBoolOpt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, on, "setsockopt_nodelay")
}

// LocalAddr returns the bound local endpoint of fd.
func LocalAddr(fd int) netip.AddrPort {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return FromSockaddr(sa)
}

// PeerAddr returns the connected peer endpoint of fd.
func PeerAddr(fd int) netip.AddrPort {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return FromSockaddr(sa)
}

// IsSelfConnect reports whether fd is a TCP self-connection, which can
// happen when a client's ephemeral port lands on the address it dials.
func IsSelfConnect(fd int) bool {
	local := LocalAddr(fd)
	peer := PeerAddr(fd)
	return local.IsValid() && local == peer
}
