package testutil

import (
	"context"
	"net"
	"testing"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/redirector/internal/config"
	"github.com/die-net/redirector/internal/sockaddr"
	"github.com/die-net/redirector/internal/socks"
)

// StartSOCKSProxy starts a single-connection SOCKS proxy of type typ. The
// requested destination is delivered on the returned channel. When upstream
// is empty the request is refused; otherwise the proxy connects to upstream
// (whatever destination was asked for) and relays.
func StartSOCKSProxy(t *testing.T, ctx context.Context, typ config.ProxyType, upstream string) (net.Listener, <-chan sockaddr.Addr, func()) {
	t.Helper()

	dsts := make(chan sockaddr.Addr, 1)
	ln, wait := StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		dst, err := readProxyRequest(c, typ)
		if err != nil {
			t.Errorf("proxy request: %v", err)
			return
		}
		dsts <- dst

		if upstream == "" {
			_ = writeProxyReply(c, typ, false)
			return
		}

		var d net.Dialer
		up, err := d.DialContext(ctx, "tcp", upstream)
		if err != nil {
			_ = writeProxyReply(c, typ, false)
			return
		}
		if err := writeProxyReply(c, typ, true); err != nil {
			_ = up.Close()
			return
		}
		_ = Relay(ctx, c, up)
	})

	return ln, dsts, wait
}

func readProxyRequest(c net.Conn, typ config.ProxyType) (sockaddr.Addr, error) {
	if typ == config.SOCKS4 {
		return socks.ServerReadSOCKS4(c)
	}
	if err := socks.ServerNegotiate(c, txsocks5.MethodNone); err != nil {
		return sockaddr.Addr{}, err
	}
	_, dst, err := socks.ServerReadRequest(c)
	return dst, err
}

func writeProxyReply(c net.Conn, typ config.ProxyType, ok bool) error {
	if typ == config.SOCKS4 {
		if ok {
			return socks.WriteSOCKS4Reply(c, socks.SOCKS4Granted)
		}
		return socks.WriteSOCKS4Reply(c, socks.SOCKS4Rejected)
	}
	if ok {
		return socks.WriteReply(c, txsocks5.RepSuccess)
	}
	return socks.WriteReply(c, txsocks5.RepConnectionRefused)
}
