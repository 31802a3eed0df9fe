package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/redirector/internal/config"
	"github.com/die-net/redirector/internal/sockaddr"
)

var (
	// ErrProtocol is wrapped by every error describing a proxy that answered
	// but did not grant the connection.
	ErrProtocol = errors.New("proxy protocol error")

	ErrUnsupportedAddress = fmt.Errorf("%w: destination address not supported", ErrProtocol)
	ErrNoAcceptableMethod = fmt.Errorf("%w: no acceptable authentication method", ErrProtocol)
	ErrRejected           = fmt.Errorf("%w: request rejected", ErrProtocol)
)

// Handshake negotiates a CONNECT to dst over rw. rw must already be connected
// to the proxy. Each phase is one write followed by one read.
//
// The only implementations are SOCKS4 and SOCKS5.
type Handshake interface {
	Negotiate(rw io.ReadWriter, dst sockaddr.Addr) error
	sealed()
}

// New returns the handshake for t.
func New(t config.ProxyType) (Handshake, error) {
	switch t {
	case config.SOCKS4:
		return SOCKS4{}, nil
	case config.SOCKS5:
		return SOCKS5{}, nil
	default:
		return nil, fmt.Errorf("no handshake for proxy type %s", t)
	}
}

const (
	socks4Version    = 0x04
	socks4CmdConnect = 0x01
	socks4Granted    = 90
	socks4Rejected   = 91
	socks4ReplySize  = 8
)

// SOCKS4 speaks SOCKS4 with an empty user id. Only IPv4 destinations are
// possible.
type SOCKS4 struct{}

func (SOCKS4) sealed() {}

func (SOCKS4) Negotiate(rw io.ReadWriter, dst sockaddr.Addr) error {
	// IPv4-mapped destinations from dual-stack sockets are sent as IPv4.
	if !dst.IsInet() || !dst.AddrPort.Addr().Unmap().Is4() {
		return fmt.Errorf("%w: socks4 needs IPv4, got %s", ErrUnsupportedAddress, dst)
	}

	ip := dst.AddrPort.Addr().Unmap().As4()
	req := make([]byte, 0, 9)
	req = append(req, socks4Version, socks4CmdConnect)
	req = binary.BigEndian.AppendUint16(req, dst.Port())
	req = append(req, ip[:]...)
	req = append(req, 0x00)

	if _, err := rw.Write(req); err != nil {
		return fmt.Errorf("write socks4 request: %w", err)
	}

	var rep [socks4ReplySize]byte
	if _, err := io.ReadFull(rw, rep[:]); err != nil {
		return fmt.Errorf("read socks4 reply: %w", err)
	}
	if rep[1] != socks4Granted {
		return fmt.Errorf("%w: socks4 status %d", ErrRejected, rep[1])
	}
	return nil
}

// SOCKS5 speaks SOCKS5 offering only the no-authentication method.
type SOCKS5 struct{}

func (SOCKS5) sealed() {}

func (SOCKS5) Negotiate(rw io.ReadWriter, dst sockaddr.Addr) error {
	atyp, addr, err := socks5Address(dst)
	if err != nil {
		return err
	}

	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone}).WriteTo(rw); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}
	if neg.Method != txsocks5.MethodNone {
		return fmt.Errorf("%w: proxy chose method %#02x", ErrNoAcceptableMethod, neg.Method)
	}

	port := binary.BigEndian.AppendUint16(nil, dst.Port())
	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr, port).WriteTo(rw); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return fmt.Errorf("%w: socks5 reply %d", ErrRejected, rep.Rep)
	}
	return nil
}

// socks5Address encodes dst for a CONNECT request. IPv4-mapped IPv6
// destinations are sent as plain IPv4.
func socks5Address(dst sockaddr.Addr) (atyp byte, addr []byte, err error) {
	if !dst.IsInet() || !dst.AddrPort.Addr().IsValid() {
		return 0, nil, fmt.Errorf("%w: %s", ErrUnsupportedAddress, dst)
	}
	ip := dst.AddrPort.Addr().Unmap()
	if ip.Is4() {
		v4 := ip.As4()
		return txsocks5.ATYPIPv4, v4[:], nil
	}
	v6 := ip.As16()
	return txsocks5.ATYPIPv6, v6[:], nil
}
