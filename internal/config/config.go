// Package config defines the proxy Configuration shared between the
// controller and the in-process engine, its validity rules and its fixed
// binary wire form.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/die-net/redirector/internal/sockaddr"
)

// ProxyType selects the handshake spoken with the proxy.
type ProxyType uint8

const (
	Unknown ProxyType = 0
	SOCKS4  ProxyType = 1
	SOCKS5  ProxyType = 2
)

// Size is the length of the Configuration wire form:
// [proxyType:1][sockaddr_in:16][sockaddr_in6:28][logging:1].
const Size = 1 + sockaddr.SizeInet + sockaddr.SizeInet6 + 1

var (
	ErrInvalid       = errors.New("invalid configuration")
	ErrWireSize      = errors.New("configuration: wrong wire size")
	ErrProxyType     = errors.New("unknown proxy type")
	ErrEndpointParse = errors.New("invalid proxy endpoint")
)

// ParseProxyType parses "socks4" or "socks5", case-insensitively.
func ParseProxyType(s string) (ProxyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "socks4":
		return SOCKS4, nil
	case "socks5":
		return SOCKS5, nil
	default:
		return Unknown, fmt.Errorf("%w: %q", ErrProxyType, s)
	}
}

func (t ProxyType) String() string {
	switch t {
	case SOCKS4:
		return "socks4"
	case SOCKS5:
		return "socks5"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Configuration is the complete redirection policy. It is a value type and
// is always replaced wholesale.
type Configuration struct {
	ProxyType ProxyType
	ProxyV4   sockaddr.Addr
	ProxyV6   sockaddr.Addr
	Logging   bool
}

// ValidIPv4 reports whether the IPv4 proxy endpoint is set.
func (c Configuration) ValidIPv4() bool {
	return c.ProxyV4.Family == sockaddr.FamilyInet || c.ProxyV4.Port() != 0
}

// ValidIPv6 reports whether the IPv6 proxy endpoint is set.
func (c Configuration) ValidIPv6() bool {
	return c.ProxyV6.Family == sockaddr.FamilyInet6 || c.ProxyV6.Port() != 0
}

// Valid reports whether c can be used for redirection. SOCKS4 needs the IPv4
// endpoint; SOCKS5 needs either endpoint.
func (c Configuration) Valid() bool {
	switch c.ProxyType {
	case SOCKS4:
		return c.ValidIPv4()
	case SOCKS5:
		return c.ValidIPv4() || c.ValidIPv6()
	default:
		return false
	}
}

// Endpoint returns the proxy endpoint to connect to for a destination of
// the given family. An IPv6 destination falls back to the IPv4 endpoint in
// its v4-mapped form when no IPv6 endpoint is set; SOCKS4 always uses the
// IPv4 endpoint. ok is false when no endpoint serves the family.
func (c Configuration) Endpoint(family uint16) (ep sockaddr.Addr, ok bool) {
	switch family {
	case sockaddr.FamilyInet:
		if c.ValidIPv4() {
			return c.ProxyV4, true
		}
	case sockaddr.FamilyInet6:
		if c.ProxyType == SOCKS5 && c.ValidIPv6() {
			return c.ProxyV6, true
		}
		if c.ValidIPv4() {
			return c.ProxyV4.Mapped(), true
		}
	}
	return sockaddr.Addr{}, false
}

func (c Configuration) String() string {
	var b strings.Builder
	b.WriteString(c.ProxyType.String())
	if c.ValidIPv4() {
		fmt.Fprintf(&b, " v4=%s", c.ProxyV4)
	}
	if c.ValidIPv6() {
		fmt.Fprintf(&b, " v6=%s", c.ProxyV6)
	}
	if c.Logging {
		b.WriteString(" logging")
	}
	return b.String()
}

// MarshalBinary encodes c into its fixed Size-byte wire form.
func (c Configuration) MarshalBinary() ([]byte, error) {
	b := make([]byte, Size)
	b[0] = byte(c.ProxyType)
	sockaddr.PutInet(b[1:1+sockaddr.SizeInet], c.ProxyV4)
	sockaddr.PutInet6(b[1+sockaddr.SizeInet:Size-1], c.ProxyV6)
	if c.Logging {
		b[Size-1] = 1
	}
	return b, nil
}

// UnmarshalBinary decodes the wire form produced by MarshalBinary.
func (c *Configuration) UnmarshalBinary(b []byte) error {
	if len(b) != Size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrWireSize, len(b), Size)
	}
	v4, err := sockaddr.Inet(b[1 : 1+sockaddr.SizeInet])
	if err != nil {
		return fmt.Errorf("decode ipv4 endpoint: %w", err)
	}
	v6, err := sockaddr.Inet6(b[1+sockaddr.SizeInet : Size-1])
	if err != nil {
		return fmt.Errorf("decode ipv6 endpoint: %w", err)
	}
	*c = Configuration{
		ProxyType: ProxyType(b[0]),
		ProxyV4:   v4,
		ProxyV6:   v6,
		Logging:   b[Size-1] != 0,
	}
	return nil
}

// ParseEndpointV4 parses "a.b.c.d:port".
func ParseEndpointV4(s string) (sockaddr.Addr, error) {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(s))
	if err != nil {
		return sockaddr.Addr{}, fmt.Errorf("%w: %w", ErrEndpointParse, err)
	}
	if !ap.Addr().Is4() {
		return sockaddr.Addr{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrEndpointParse, s)
	}
	return sockaddr.FromAddrPort(ap), nil
}

// ParseEndpointV6 parses "[addr]:port".
func ParseEndpointV6(s string) (sockaddr.Addr, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return sockaddr.Addr{}, fmt.Errorf("%w: %q must be written as [addr]:port", ErrEndpointParse, s)
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return sockaddr.Addr{}, fmt.Errorf("%w: %w", ErrEndpointParse, err)
	}
	ip := ap.Addr()
	if !ip.Is6() || ip.Is4In6() {
		return sockaddr.Addr{}, fmt.Errorf("%w: %q is not an IPv6 address", ErrEndpointParse, s)
	}
	return sockaddr.Addr{
		Family:   sockaddr.FamilyInet6,
		AddrPort: netip.AddrPortFrom(ip.WithZone(""), ap.Port()),
	}, nil
}
