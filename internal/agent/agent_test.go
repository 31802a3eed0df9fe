package agent

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/die-net/redirector/internal/config"
	"github.com/die-net/redirector/internal/process"
	"github.com/die-net/redirector/internal/sockaddr"
	"github.com/die-net/redirector/internal/sockapi"
	"github.com/die-net/redirector/internal/testutil"
	"github.com/die-net/redirector/internal/transport"
)

const testPID = 71717

func useRuntimeDir(t *testing.T) {
	t.Helper()
	transport.SetRuntimeDir(testutil.RuntimeDir(t))
	t.Cleanup(func() { transport.SetRuntimeDir("") })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func push(t *testing.T, ch *transport.Channel, c config.Configuration) {
	t.Helper()
	b, err := c.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Write(b); err != nil {
		t.Fatal(err)
	}
}

func listenerEndpoint(ln net.Listener) sockaddr.Addr {
	ap := ln.Addr().(*net.TCPAddr).AddrPort()
	return sockaddr.FromAddrPort(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
}

func TestNewWithoutController(t *testing.T) {
	useRuntimeDir(t)

	table := sockapi.NewTable(sockapi.System())
	_, err := New(t.Context(), zaptest.NewLogger(t), Options{PID: testPID, Table: table})
	if !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if table.Connect.Hooked() {
		t.Fatal("hooks left installed after failed attach")
	}
}

func TestConfigAndReportLifecycle(t *testing.T) {
	useRuntimeDir(t)
	ctx := t.Context()

	cfgSrv, err := transport.Listen(ctx, transport.ConfigChannelName(testPID))
	if err != nil {
		t.Fatal(err)
	}
	defer cfgSrv.Close()

	table := sockapi.NewTable(sockapi.System())
	a, err := New(ctx, zaptest.NewLogger(t), Options{PID: testPID, Table: table})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if !process.DefaultInjector.Injected(testPID) {
		t.Fatal("attach marker missing")
	}
	if err := cfgSrv.Accept(); err != nil {
		t.Fatal(err)
	}

	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()
	proxyLn, dsts, wait := testutil.StartSOCKSProxy(t, ctx, config.SOCKS5, echo.Addr().String())
	defer wait()

	quiet := config.Configuration{ProxyType: config.SOCKS5, ProxyV4: listenerEndpoint(proxyLn)}
	push(t, cfgSrv, quiet)
	waitFor(t, "config", func() bool { return a.Engine().Config() == quiet })
	if a.Engine().Report() != nil {
		t.Fatal("report channel open with logging off")
	}

	repSrv, err := transport.Listen(ctx, transport.ReportChannelName(testPID))
	if err != nil {
		t.Fatal(err)
	}
	defer repSrv.Close()

	logged := quiet
	logged.Logging = true
	push(t, cfgSrv, logged)
	if err := repSrv.Accept(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "report sink", func() bool { return a.Engine().Report() != nil })

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)
	dst := &unix.SockaddrInet4{Port: 443, Addr: [4]byte{198, 51, 100, 7}}
	if err := table.Connect.Get()(fd, dst); err != nil {
		t.Fatal(err)
	}
	if got := <-dsts; got.String() != "198.51.100.7:443" {
		t.Fatalf("proxy asked for %s", got)
	}
	testutil.AssertEcho(t, testutil.FD(fd), testutil.FD(fd), []byte("through the proxy"))

	msg, err := repSrv.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	got, err := sockaddr.Decode(msg.Tag, msg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "198.51.100.7:443" {
		t.Fatalf("reported %s", got)
	}

	push(t, cfgSrv, quiet)
	waitFor(t, "report close", func() bool { return a.Engine().Report() == nil })
}

func TestStopsWhenControllerGoes(t *testing.T) {
	useRuntimeDir(t)
	ctx := t.Context()

	cfgSrv, err := transport.Listen(ctx, transport.ConfigChannelName(testPID))
	if err != nil {
		t.Fatal(err)
	}

	table := sockapi.NewTable(sockapi.System())
	a, err := New(ctx, zaptest.NewLogger(t), Options{PID: testPID, Table: table})
	if err != nil {
		t.Fatal(err)
	}
	if err := cfgSrv.Accept(); err != nil {
		t.Fatal(err)
	}
	if !table.Connect.Hooked() {
		t.Fatal("connect not hooked")
	}

	_ = cfgSrv.Close()

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
	a.Close()

	if table.Connect.Hooked() || table.SetNonblock.Hooked() {
		t.Fatal("hooks left installed")
	}
	if process.DefaultInjector.Injected(testPID) {
		t.Fatal("attach marker left behind")
	}
}
