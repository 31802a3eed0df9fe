package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/redirector/internal/sockaddr"
)

// Status codes a SOCKS4 peer may answer with.
const (
	SOCKS4Granted  byte = socks4Granted
	SOCKS4Rejected byte = socks4Rejected
)

// ServerNegotiate reads a SOCKS5 negotiation request and answers with method.
// Answering with anything but txsocks5.MethodNone makes a conforming client
// give up.
func ServerNegotiate(rw io.ReadWriter, method byte) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(rw)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}
	if method == txsocks5.MethodNone && !containsMethod(neg.Methods, txsocks5.MethodNone) {
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(rw)
		return errors.New("client does not support no-auth")
	}
	if _, err := txsocks5.NewNegotiationReply(method).WriteTo(rw); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerReadRequest reads a SOCKS5 request and returns its destination.
func ServerReadRequest(r io.Reader) (*txsocks5.Request, sockaddr.Addr, error) {
	req, err := txsocks5.NewRequestFrom(r)
	if err != nil {
		return nil, sockaddr.Addr{}, fmt.Errorf("request: %w", err)
	}

	var ip netip.Addr
	switch req.Atyp {
	case txsocks5.ATYPIPv4:
		ip = netip.AddrFrom4([4]byte(req.DstAddr))
	case txsocks5.ATYPIPv6:
		ip = netip.AddrFrom16([16]byte(req.DstAddr))
	default:
		return req, sockaddr.Addr{}, fmt.Errorf("request: unsupported address type %d", req.Atyp)
	}
	port := binary.BigEndian.Uint16(req.DstPort)
	return req, sockaddr.FromAddrPort(netip.AddrPortFrom(ip, port)), nil
}

// WriteReply writes a SOCKS5 reply with status rep and an all-zero bound
// IPv4 address.
func WriteReply(w io.Writer, rep byte) error {
	r := txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
	if _, err := r.WriteTo(w); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

// ServerReadSOCKS4 reads a SOCKS4 CONNECT request, including its user id,
// and returns the destination.
func ServerReadSOCKS4(r io.Reader) (sockaddr.Addr, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return sockaddr.Addr{}, fmt.Errorf("socks4 request: %w", err)
	}
	if hdr[0] != socks4Version || hdr[1] != socks4CmdConnect {
		return sockaddr.Addr{}, fmt.Errorf("socks4 request: version %d command %d", hdr[0], hdr[1])
	}

	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return sockaddr.Addr{}, fmt.Errorf("socks4 user id: %w", err)
		}
		if b[0] == 0 {
			break
		}
	}

	port := binary.BigEndian.Uint16(hdr[2:4])
	ip := netip.AddrFrom4([4]byte(hdr[4:8]))
	return sockaddr.FromAddrPort(netip.AddrPortFrom(ip, port)), nil
}

// WriteSOCKS4Reply writes an 8-byte SOCKS4 reply carrying status.
func WriteSOCKS4Reply(w io.Writer, status byte) error {
	if _, err := w.Write([]byte{0x00, status, 0, 0, 0, 0, 0, 0}); err != nil {
		return fmt.Errorf("socks4 reply: %w", err)
	}
	return nil
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
