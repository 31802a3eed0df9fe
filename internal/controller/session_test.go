package controller

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/die-net/redirector/internal/config"
	"github.com/die-net/redirector/internal/sockaddr"
	"github.com/die-net/redirector/internal/testutil"
	"github.com/die-net/redirector/internal/transport"
)

func useRuntimeDir(t *testing.T) {
	t.Helper()
	transport.SetRuntimeDir(testutil.RuntimeDir(t))
	t.Cleanup(func() { transport.SetRuntimeDir("") })
}

func testConfig(logging bool) config.Configuration {
	return config.Configuration{
		ProxyType: config.SOCKS5,
		ProxyV4:   sockaddr.FromAddrPort(netip.MustParseAddrPort("10.1.2.3:1080")),
		Logging:   logging,
	}
}

func newSession(t *testing.T, pid int, opts ...SessionOption) *Session {
	t.Helper()
	opts = append([]SessionOption{WithLiveness(0, nil)}, opts...)
	s, err := NewSession(t.Context(), pid, zaptest.NewLogger(t), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
	return s
}

func dialConfig(t *testing.T, pid int) *transport.Channel {
	t.Helper()
	ch, err := transport.Dial(t.Context(), transport.ConfigChannelName(pid))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func readConfig(t *testing.T, ch *transport.Channel) config.Configuration {
	t.Helper()
	b := make([]byte, config.Size)
	if err := ch.Read(b); err != nil {
		t.Fatal(err)
	}
	var c config.Configuration
	if err := c.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPushAcceptsOnceThenResends(t *testing.T) {
	useRuntimeDir(t)
	const pid = 5001
	s := newSession(t, pid)

	peer := dialConfig(t, pid)
	want := testConfig(false)
	if err := s.UpdateConfig(want); err != nil {
		t.Fatal(err)
	}
	if got := readConfig(t, peer); got != want {
		t.Fatalf("expected %s got %s", want, got)
	}

	want.ProxyType = config.SOCKS4
	if err := s.UpdateConfig(want); err != nil {
		t.Fatal(err)
	}
	if got := readConfig(t, peer); got != want {
		t.Fatalf("expected %s got %s", want, got)
	}
}

func TestPushFailureIsNotRetried(t *testing.T) {
	useRuntimeDir(t)
	const pid = 5002
	s := newSession(t, pid)

	peer := dialConfig(t, pid)
	if err := s.UpdateConfig(testConfig(false)); err != nil {
		t.Fatal(err)
	}
	_ = readConfig(t, peer)
	_ = peer.Close()

	if err := s.UpdateConfig(testConfig(false)); err == nil {
		t.Fatal("expected push to a departed peer to fail")
	}

	// A new peer is picked up by the next push.
	peer = dialConfig(t, pid)
	want := testConfig(false)
	if err := s.UpdateConfig(want); err != nil {
		t.Fatal(err)
	}
	if got := readConfig(t, peer); got != want {
		t.Fatalf("expected %s got %s", want, got)
	}
}

func TestPushToDepartedPeerIsBounded(t *testing.T) {
	useRuntimeDir(t)
	const pid = 5008
	s := newSession(t, pid, WithAcceptTimeout(50*time.Millisecond))

	peer := dialConfig(t, pid)
	if err := s.UpdateConfig(testConfig(false)); err != nil {
		t.Fatal(err)
	}
	_ = readConfig(t, peer)
	_ = peer.Close()

	if err := s.UpdateConfig(testConfig(false)); !errors.Is(err, transport.ErrBroken) {
		t.Fatalf("expected ErrBroken got %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- s.UpdateConfig(testConfig(false)) }()
	select {
	case err := <-errc:
		if !errors.Is(err, transport.ErrTimeout) {
			t.Fatalf("expected ErrTimeout got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("push still blocked with no peer to accept")
	}

	select {
	case <-s.Done():
		t.Fatal("failed push ended the session")
	default:
	}
}

func TestStopUnblocksPendingPush(t *testing.T) {
	useRuntimeDir(t)
	s := newSession(t, 5003)

	errc := make(chan error, 1)
	go func() { errc <- s.UpdateConfig(testConfig(false)) }()

	time.Sleep(20 * time.Millisecond)
	s.Stop()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected push to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("push still blocked after Stop")
	}

	if err := s.UpdateConfig(testConfig(false)); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("expected ErrSessionStopped got %v", err)
	}
	s.Stop()
}

func TestReportsReachSink(t *testing.T) {
	useRuntimeDir(t)
	const pid = 5004

	events := make(chan ReportEvent, 4)
	s := newSession(t, pid, WithReportSink(ReportFunc(func(ev ReportEvent) { events <- ev })))

	peer := dialConfig(t, pid)
	if err := s.UpdateConfig(testConfig(true)); err != nil {
		t.Fatal(err)
	}
	_ = readConfig(t, peer)

	rep, err := transport.Dial(t.Context(), transport.ReportChannelName(pid))
	if err != nil {
		t.Fatal(err)
	}
	defer rep.Close()

	if err := rep.WriteMessage(0xffff, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	for _, addr := range []string{"203.0.113.9:80", "[2001:db8::9]:443"} {
		dst := sockaddr.FromAddrPort(netip.MustParseAddrPort(addr))
		b, err := sockaddr.Encode(dst)
		if err != nil {
			t.Fatal(err)
		}
		if err := rep.WriteMessage(dst.Family, b); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range []string{"203.0.113.9:80", "[2001:db8::9]:443"} {
		select {
		case ev := <-events:
			if ev.PID != pid || ev.Destination.String() != want {
				t.Fatalf("unexpected event %+v, want %s", ev, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no event for %s", want)
		}
	}

	// Turning logging off closes the report channel.
	if err := s.UpdateConfig(testConfig(false)); err != nil {
		t.Fatal(err)
	}
	if _, err := transport.Dial(t.Context(), transport.ReportChannelName(pid)); err == nil {
		t.Fatal("report channel still listening")
	}
}

func TestSessionEndsWhenTargetExits(t *testing.T) {
	useRuntimeDir(t)

	var alive atomic.Bool
	alive.Store(true)
	s := newSession(t, 5005, WithLiveness(5*time.Millisecond, func(int) bool { return alive.Load() }))

	select {
	case <-s.Done():
		t.Fatal("session ended while target alive")
	case <-time.After(30 * time.Millisecond):
	}

	alive.Store(false)
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session outlived its target")
	}
}

func TestSessionEndsWithContext(t *testing.T) {
	useRuntimeDir(t)

	ctx, cancel := context.WithCancel(t.Context())
	s, err := NewSession(ctx, 5006, zaptest.NewLogger(t), WithLiveness(0, nil))
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session outlived its context")
	}
}

func TestSessionEndsOnStopSignal(t *testing.T) {
	useRuntimeDir(t)
	const pid = 5007
	s := newSession(t, pid)

	// The stop signal is shared by name within the process.
	sig := transport.OpenSignal(transport.StopSignalName(pid))
	sig.Set()
	sig.Release()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session ignored its stop signal")
	}
}
