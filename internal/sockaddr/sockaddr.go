// Package sockaddr models internet socket addresses the way the socket API
// sees them: an address family tag plus address, port and (for IPv6) scope.
//
// It also carries the raw sockaddr_in / sockaddr_in6 byte layouts used on the
// wire between the controller and the in-process engine. The family field is
// stored in host byte order and the port in network byte order, exactly as
// the kernel structures hold them.
package sockaddr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

const (
	// FamilyInet is the IPv4 family tag.
	FamilyInet uint16 = unix.AF_INET
	// FamilyInet6 is the IPv6 family tag.
	FamilyInet6 uint16 = unix.AF_INET6

	// SizeInet is the size of a raw sockaddr_in.
	SizeInet = 16
	// SizeInet6 is the size of a raw sockaddr_in6.
	SizeInet6 = 28
)

var (
	ErrShortBuffer   = errors.New("sockaddr: short buffer")
	ErrUnknownFamily = errors.New("sockaddr: unknown address family")
)

var (
	loopback4 = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	loopback6 = netip.IPv6Loopback()
)

// Addr is a socket address. The zero value has no family and is not an
// internet address. Addr is comparable; == compares every field, Equal
// only the parts that identify an endpoint.
type Addr struct {
	Family   uint16
	AddrPort netip.AddrPort
	FlowInfo uint32
	ScopeID  uint32
}

// FromAddrPort returns an Addr for ap, choosing the family from the address
// form. IPv4-mapped IPv6 addresses stay IPv6.
func FromAddrPort(ap netip.AddrPort) Addr {
	if ap.Addr().Is4() {
		return Addr{Family: FamilyInet, AddrPort: ap}
	}
	return Addr{Family: FamilyInet6, AddrPort: ap}
}

// FromSockaddr converts a unix.Sockaddr. Non-internet addresses yield an Addr
// without a family.
func FromSockaddr(sa unix.Sockaddr) Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return Addr{
			Family:   FamilyInet,
			AddrPort: netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)),
		}
	case *unix.SockaddrInet6:
		return Addr{
			Family:   FamilyInet6,
			AddrPort: netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)),
			ScopeID:  sa.ZoneId,
		}
	default:
		return Addr{}
	}
}

// Sockaddr converts a back into a unix.Sockaddr, or nil when a is not an
// internet address.
func (a Addr) Sockaddr() unix.Sockaddr {
	switch a.Family {
	case FamilyInet:
		return &unix.SockaddrInet4{Port: int(a.Port()), Addr: a.AddrPort.Addr().As4()}
	case FamilyInet6:
		return &unix.SockaddrInet6{Port: int(a.Port()), Addr: a.AddrPort.Addr().As16(), ZoneId: a.ScopeID}
	default:
		return nil
	}
}

// Port returns the port in host order.
func (a Addr) Port() uint16 {
	return a.AddrPort.Port()
}

// IsInet reports whether a is an IPv4 or IPv6 address.
func (a Addr) IsInet() bool {
	return a.Family == FamilyInet || a.Family == FamilyInet6
}

// IsLoopback reports whether a is exactly 127.0.0.1 or ::1. Other addresses
// in 127.0.0.0/8 are not treated as loopback.
func (a Addr) IsLoopback() bool {
	switch a.Family {
	case FamilyInet:
		return a.AddrPort.Addr() == loopback4
	case FamilyInet6:
		return a.AddrPort.Addr() == loopback6
	default:
		return false
	}
}

// Equal reports whether a and b denote the same socket address. Only the
// family, address and port count; flow info and zone are ignored.
func (a Addr) Equal(b Addr) bool {
	return a.Family == b.Family &&
		a.Port() == b.Port() &&
		a.AddrPort.Addr().WithZone("") == b.AddrPort.Addr().WithZone("")
}

// Mapped returns the IPv4-mapped IPv6 form of an IPv4 address. Other
// addresses are returned unchanged.
func (a Addr) Mapped() Addr {
	if a.Family != FamilyInet {
		return a
	}
	ip := netip.AddrFrom16(a.AddrPort.Addr().As16())
	return Addr{Family: FamilyInet6, AddrPort: netip.AddrPortFrom(ip, a.Port())}
}

func (a Addr) String() string {
	switch a.Family {
	case FamilyInet:
		return a.AddrPort.String()
	case FamilyInet6:
		ip := a.AddrPort.Addr()
		if ip.Is4() {
			ip = netip.AddrFrom16(ip.As16())
		}
		return netip.AddrPortFrom(ip, a.Port()).String()
	default:
		return fmt.Sprintf("family(%d)", a.Family)
	}
}

// PutInet writes a as a raw sockaddr_in into b, which must hold SizeInet
// bytes. The address is written whatever a's family tag says.
func PutInet(b []byte, a Addr) {
	_ = b[SizeInet-1]
	clear(b[:SizeInet])
	binary.NativeEndian.PutUint16(b[0:2], a.Family)
	binary.BigEndian.PutUint16(b[2:4], a.Port())
	if ip := a.AddrPort.Addr(); ip.Is4() {
		v4 := ip.As4()
		copy(b[4:8], v4[:])
	}
}

// PutInet6 writes a as a raw sockaddr_in6 into b, which must hold SizeInet6
// bytes.
func PutInet6(b []byte, a Addr) {
	_ = b[SizeInet6-1]
	clear(b[:SizeInet6])
	binary.NativeEndian.PutUint16(b[0:2], a.Family)
	binary.BigEndian.PutUint16(b[2:4], a.Port())
	binary.BigEndian.PutUint32(b[4:8], a.FlowInfo)
	if ip := a.AddrPort.Addr(); ip.IsValid() {
		v6 := ip.As16()
		copy(b[8:24], v6[:])
	}
	binary.NativeEndian.PutUint32(b[24:28], a.ScopeID)
}

// Inet decodes a raw sockaddr_in. Padding bytes are ignored.
func Inet(b []byte) (Addr, error) {
	if len(b) < SizeInet {
		return Addr{}, ErrShortBuffer
	}
	a := Addr{
		Family:   binary.NativeEndian.Uint16(b[0:2]),
		AddrPort: netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[4:8])), binary.BigEndian.Uint16(b[2:4])),
	}
	return a.normalize(), nil
}

// Inet6 decodes a raw sockaddr_in6.
func Inet6(b []byte) (Addr, error) {
	if len(b) < SizeInet6 {
		return Addr{}, ErrShortBuffer
	}
	a := Addr{
		Family:   binary.NativeEndian.Uint16(b[0:2]),
		AddrPort: netip.AddrPortFrom(netip.AddrFrom16([16]byte(b[8:24])), binary.BigEndian.Uint16(b[2:4])),
		FlowInfo: binary.BigEndian.Uint32(b[4:8]),
		ScopeID:  binary.NativeEndian.Uint32(b[24:28]),
	}
	return a.normalize(), nil
}

// normalize maps an all-zero raw address to the zero Addr.
func (a Addr) normalize() Addr {
	if a.Family == 0 && a.Port() == 0 && a.FlowInfo == 0 && a.ScopeID == 0 && a.AddrPort.Addr().IsUnspecified() {
		return Addr{}
	}
	return a
}

// Encode returns the raw sockaddr bytes for an internet address.
func Encode(a Addr) ([]byte, error) {
	switch a.Family {
	case FamilyInet:
		b := make([]byte, SizeInet)
		PutInet(b, a)
		return b, nil
	case FamilyInet6:
		b := make([]byte, SizeInet6)
		PutInet6(b, a)
		return b, nil
	default:
		return nil, ErrUnknownFamily
	}
}

// Decode parses raw sockaddr bytes whose layout is selected by family.
func Decode(family uint16, b []byte) (Addr, error) {
	var (
		a   Addr
		err error
	)
	switch family {
	case FamilyInet:
		a, err = Inet(b)
	case FamilyInet6:
		a, err = Inet6(b)
	default:
		return Addr{}, fmt.Errorf("%w: %d", ErrUnknownFamily, family)
	}
	if err != nil {
		return Addr{}, err
	}
	if a.Family != family {
		return Addr{}, fmt.Errorf("%w: tag %d, payload %d", ErrUnknownFamily, family, a.Family)
	}
	return a, nil
}
