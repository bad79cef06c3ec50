package reactor

import (
	"net/netip"

	"github.com/talostrading/reactor/internal"
	"golang.org/x/sys/unix"
)

// InetAddress is an immutable IPv4 or IPv6 socket address.
type InetAddress struct {
	ap netip.AddrPort
}

// NewInetAddress returns an address listening on every interface at the
// given port. loopbackOnly restricts it to the loopback interface.
func NewInetAddress(port uint16, loopbackOnly, ipv6 bool) InetAddress {
	var addr netip.Addr
	switch {
	case loopbackOnly && ipv6:
		addr = netip.IPv6Loopback()
	case loopbackOnly:
		addr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	case ipv6:
		addr = netip.IPv6Unspecified()
	default:
		addr = netip.IPv4Unspecified()
	}
	return InetAddress{ap: netip.AddrPortFrom(addr, port)}
}

// ResolveInetAddress parses a textual "ip:port".
func ResolveInetAddress(ipPort string) (InetAddress, error) {
	ap, err := netip.ParseAddrPort(ipPort)
	if err != nil {
		return InetAddress{}, err
	}
	return InetAddress{ap: ap}, nil
}

func addrFromSockaddr(sa unix.Sockaddr) InetAddress {
	return InetAddress{ap: internal.FromSockaddr(sa)}
}

func addrFromAddrPort(ap netip.AddrPort) InetAddress {
	return InetAddress{ap: ap}
}

// String formats the address as "ip:port".
func (a InetAddress) String() string {
	return a.ap.String()
}

// IP returns the textual address without the port.
func (a InetAddress) IP() string {
	return a.ap.Addr().String()
}

func (a InetAddress) Port() uint16 {
	return a.ap.Port()
}

// Family returns unix.AF_INET or unix.AF_INET6.
func (a InetAddress) Family() int {
	if a.ap.Addr().Is4() || a.ap.Addr().Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func (a InetAddress) AddrPort() netip.AddrPort {
	return a.ap
}

func (a InetAddress) sockaddr() unix.Sockaddr {
	return internal.ToSockaddr(a.ap)
}
