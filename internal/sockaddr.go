//go:build linux

package internal

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// ToSockaddr converts an address to the form the kernel expects in
// bind/connect calls.
func ToSockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(ap.Port())}
		sa.Addr = addr.Unmap().As4()
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port())}
	sa.Addr = addr.As16()
	return sa
}

// FromSockaddr converts a kernel sockaddr to an address and port. The zero
// AddrPort is returned for non-IP address families.
func FromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
