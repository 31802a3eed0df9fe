package socks

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/redirector/internal/config"
	"github.com/die-net/redirector/internal/sockaddr"
)

// scripted replays canned proxy replies and records everything written.
type scripted struct {
	replies *bytes.Reader
	written bytes.Buffer
	writes  int
}

func newScripted(replies ...[]byte) *scripted {
	return &scripted{replies: bytes.NewReader(bytes.Join(replies, nil))}
}

func (s *scripted) Read(p []byte) (int, error) { return s.replies.Read(p) }

func (s *scripted) Write(p []byte) (int, error) {
	s.writes++
	return s.written.Write(p)
}

func addr(s string) sockaddr.Addr {
	return sockaddr.FromAddrPort(netip.MustParseAddrPort(s))
}

func TestNew(t *testing.T) {
	if h, err := New(config.SOCKS4); err != nil || h != (SOCKS4{}) {
		t.Fatalf("socks4: %v %v", h, err)
	}
	if h, err := New(config.SOCKS5); err != nil || h != (SOCKS5{}) {
		t.Fatalf("socks5: %v %v", h, err)
	}
	if _, err := New(config.Unknown); err == nil {
		t.Fatal("expected error for unknown proxy type")
	}
}

func TestSOCKS4(t *testing.T) {
	tests := []struct {
		name    string
		status  byte
		wantErr error
	}{
		{name: "granted", status: 90},
		{name: "rejected", status: 91, wantErr: ErrRejected},
		{name: "identd_failure", status: 92, wantErr: ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := newScripted([]byte{0, tt.status, 0, 0, 0, 0, 0, 0})
			err := SOCKS4{}.Negotiate(rw, addr("93.184.216.34:80"))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v got %v", tt.wantErr, err)
			}

			want := []byte{4, 1, 0, 80, 93, 184, 216, 34, 0}
			if !bytes.Equal(rw.written.Bytes(), want) {
				t.Fatalf("request = % x, want % x", rw.written.Bytes(), want)
			}
			if rw.writes != 1 {
				t.Fatalf("expected a single write, got %d", rw.writes)
			}
		})
	}
}

func TestSOCKS4SendsMappedIPv4(t *testing.T) {
	rw := newScripted([]byte{0, SOCKS4Granted, 0, 0, 0, 0, 0, 0})
	if err := (SOCKS4{}).Negotiate(rw, addr("[::ffff:198.51.100.7]:8080")); err != nil {
		t.Fatal(err)
	}
	want := []byte{4, 1, 0x1f, 0x90, 198, 51, 100, 7, 0}
	if !bytes.Equal(rw.written.Bytes(), want) {
		t.Fatalf("expected % x got % x", want, rw.written.Bytes())
	}
}

func TestSOCKS4RejectsIPv6WithoutWriting(t *testing.T) {
	rw := newScripted()
	err := SOCKS4{}.Negotiate(rw, addr("[2001:db8::1]:443"))
	if !errors.Is(err, ErrUnsupportedAddress) {
		t.Fatalf("expected ErrUnsupportedAddress got %v", err)
	}
	if !errors.Is(err, ErrProtocol) {
		t.Fatal("expected error to be a protocol error")
	}
	if rw.writes != 0 {
		t.Fatalf("expected nothing written, got % x", rw.written.Bytes())
	}
}

func TestSOCKS4ShortReply(t *testing.T) {
	rw := newScripted([]byte{0, 90, 0})
	err := SOCKS4{}.Negotiate(rw, addr("10.0.0.1:80"))
	if err == nil {
		t.Fatal("expected error for short reply")
	}
	if errors.Is(err, ErrProtocol) {
		t.Fatalf("short read is an i/o error, got %v", err)
	}
}

func TestSOCKS5Scripted(t *testing.T) {
	success := []byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}
	refused := []byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0}

	tests := []struct {
		name        string
		replies     [][]byte
		wantErr     error
		wantWritten []byte
	}{
		{
			name:        "success",
			replies:     [][]byte{{5, 0}, success},
			wantWritten: []byte{5, 1, 0, 5, 1, 0, 1, 10, 1, 2, 3, 0x01, 0xbb},
		},
		{
			name:        "userpass_required",
			replies:     [][]byte{{5, 2}},
			wantErr:     ErrNoAcceptableMethod,
			wantWritten: []byte{5, 1, 0},
		},
		{
			name:        "no_acceptable",
			replies:     [][]byte{{5, 0xff}},
			wantErr:     ErrNoAcceptableMethod,
			wantWritten: []byte{5, 1, 0},
		},
		{
			name:        "connection_refused",
			replies:     [][]byte{{5, 0}, refused},
			wantErr:     ErrRejected,
			wantWritten: []byte{5, 1, 0, 5, 1, 0, 1, 10, 1, 2, 3, 0x01, 0xbb},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := newScripted(tt.replies...)
			err := SOCKS5{}.Negotiate(rw, addr("10.1.2.3:443"))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v got %v", tt.wantErr, err)
			}
			if !bytes.Equal(rw.written.Bytes(), tt.wantWritten) {
				t.Fatalf("written = % x, want % x", rw.written.Bytes(), tt.wantWritten)
			}
		})
	}
}

func TestSOCKS5UnsupportedAddress(t *testing.T) {
	rw := newScripted()
	if err := (SOCKS5{}).Negotiate(rw, sockaddr.Addr{}); !errors.Is(err, ErrUnsupportedAddress) {
		t.Fatalf("expected ErrUnsupportedAddress got %v", err)
	}
	if rw.writes != 0 {
		t.Fatal("nothing may be written for an unsupported address")
	}
}

func TestSOCKS5ToServer(t *testing.T) {
	tests := []struct {
		name string
		dst  string
		want byte
	}{
		{name: "ipv4", dst: "198.51.100.7:8080", want: txsocks5.ATYPIPv4},
		{name: "ipv6", dst: "[2001:db8::7]:8443", want: txsocks5.ATYPIPv6},
		{name: "mapped_ipv4", dst: "[::ffff:198.51.100.7]:8080", want: txsocks5.ATYPIPv4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			dst := addr(tt.dst)

			g := errgroup.Group{}
			g.Go(func() error {
				if err := ServerNegotiate(serverConn, txsocks5.MethodNone); err != nil {
					return err
				}
				req, got, err := ServerReadRequest(serverConn)
				if err != nil {
					return err
				}
				if req.Cmd != txsocks5.CmdConnect {
					return fmt.Errorf("unexpected command: %d", req.Cmd)
				}
				if req.Atyp != tt.want {
					return fmt.Errorf("unexpected address type: %d", req.Atyp)
				}
				if got.AddrPort.Addr() != dst.AddrPort.Addr().Unmap() || got.Port() != dst.Port() {
					return fmt.Errorf("unexpected destination %s", got)
				}
				return WriteReply(serverConn, txsocks5.RepSuccess)
			})

			if err := (SOCKS5{}).Negotiate(clientConn, dst); err != nil {
				t.Fatal(err)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestSOCKS4ToServer(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	dst := addr("203.0.113.9:25")

	g := errgroup.Group{}
	g.Go(func() error {
		got, err := ServerReadSOCKS4(serverConn)
		if err != nil {
			return err
		}
		if got != dst {
			return fmt.Errorf("unexpected destination %s", got)
		}
		return WriteSOCKS4Reply(serverConn, SOCKS4Granted)
	})

	if err := (SOCKS4{}).Negotiate(clientConn, dst); err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
