package controller

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/die-net/redirector/internal/agent"
	"github.com/die-net/redirector/internal/config"
	"github.com/die-net/redirector/internal/process"
	"github.com/die-net/redirector/internal/sockaddr"
	"github.com/die-net/redirector/internal/sockapi"
	"github.com/die-net/redirector/internal/testutil"
	"github.com/die-net/redirector/internal/transport"
)

type staticFinder map[string][]int

func (f staticFinder) FindByName(name string) ([]int, error) {
	return f[name], nil
}

// agentInjector attaches an in-process agent, with its own socket table,
// for each injected pid.
type agentInjector struct {
	t    *testing.T
	fail map[int]bool

	mu     sync.Mutex
	agents map[int]*agent.Agent
}

func newAgentInjector(t *testing.T) *agentInjector {
	inj := &agentInjector{t: t, fail: make(map[int]bool), agents: make(map[int]*agent.Agent)}
	t.Cleanup(func() {
		inj.mu.Lock()
		defer inj.mu.Unlock()
		for _, a := range inj.agents {
			a.Close()
		}
	})
	return inj
}

func (f *agentInjector) Inject(ctx context.Context, pid int) error {
	if f.fail[pid] {
		return errors.New("injection refused")
	}
	a, err := agent.New(f.t.Context(), zaptest.NewLogger(f.t), agent.Options{
		PID:   pid,
		Table: sockapi.NewTable(sockapi.System()),
	})
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.agents[pid] = a
	f.mu.Unlock()
	return nil
}

func (f *agentInjector) Injected(pid int) bool {
	return process.DefaultInjector.Injected(pid)
}

func (f *agentInjector) agent(pid int) *agent.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[pid]
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

func newController(t *testing.T, inj *agentInjector, dead map[int]bool, sink ReportSink) *Controller {
	t.Helper()
	c := New(t.Context(), zaptest.NewLogger(t), Options{
		Finder:           staticFinder{"target": {7002, 7003}},
		Injector:         inj,
		Alive:            func(pid int) bool { return !dead[pid] },
		LivenessInterval: -1,
		Sink:             sink,
	})
	t.Cleanup(c.Close)
	return c
}

func TestInjectPushesConfiguration(t *testing.T) {
	useRuntimeDir(t)
	inj := newAgentInjector(t)
	inj.fail[7003] = true
	c := newController(t, inj, map[int]bool{7004: true}, nil)

	cfg := testConfig(false)
	got := c.Inject(t.Context(), []int{7001, 7004}, []string{"target"}, cfg)
	if !slices.Equal(got, []int{7001, 7002}) {
		t.Fatalf("unexpected proxied pids %v", got)
	}
	if c.Count() != 2 {
		t.Fatalf("expected 2 sessions got %d", c.Count())
	}
	for _, pid := range got {
		a := inj.agent(pid)
		waitFor(t, "initial config", func() bool { return a.Engine().Config() == cfg })
	}

	// Injecting again is a no-op for targets already under control.
	if again := c.Inject(t.Context(), []int{7001}, nil, cfg); !slices.Equal(again, []int{7001}) {
		t.Fatalf("unexpected result %v", again)
	}

	next := cfg
	next.ProxyType = config.SOCKS4
	if err := c.UpdateConfig(next); err != nil {
		t.Fatal(err)
	}
	for _, pid := range got {
		a := inj.agent(pid)
		waitFor(t, "updated config", func() bool { return a.Engine().Config() == next })
	}

	if err := c.UpdateConfig(config.Configuration{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig got %v", err)
	}

	c.Close()
	for _, pid := range got {
		select {
		case <-inj.agent(pid).Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("agent %d still attached after Close", pid)
		}
	}
	if !c.Wait(t.Context(), time.Second) {
		t.Fatal("sessions left after Close")
	}
}

func TestInjectRejectsInvalidConfig(t *testing.T) {
	useRuntimeDir(t)
	c := newController(t, newAgentInjector(t), nil, nil)

	if got := c.Inject(t.Context(), []int{7101}, nil, config.Configuration{ProxyType: config.SOCKS4}); got != nil {
		t.Fatalf("expected nothing proxied got %v", got)
	}
	if c.Count() != 0 {
		t.Fatal("session created for invalid config")
	}
}

func TestInjectSkipsAttachedProcess(t *testing.T) {
	useRuntimeDir(t)
	c := newController(t, newAgentInjector(t), nil, nil)

	if err := process.WriteMarker(7201); err != nil {
		t.Fatal(err)
	}
	if got := c.Inject(t.Context(), []int{7201}, nil, testConfig(false)); got != nil {
		t.Fatalf("expected nothing proxied got %v", got)
	}
}

func TestInjectIgnoresStaleMarker(t *testing.T) {
	useRuntimeDir(t)
	inj := newAgentInjector(t)
	c := newController(t, inj, nil, nil)

	// A marker left by an earlier process that held this pid.
	pid := os.Getpid()
	if err := os.WriteFile(transport.AttachMarkerPath(pid), []byte("1"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := c.Inject(t.Context(), []int{pid}, nil, testConfig(false)); !slices.Equal(got, []int{pid}) {
		t.Fatalf("expected %d proxied got %v", pid, got)
	}
	if inj.agent(pid) == nil {
		t.Fatal("no agent attached")
	}
}

func TestInjectLeavesUninstrumentedProcessRunning(t *testing.T) {
	useRuntimeDir(t)

	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command(path, "30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	defer func() {
		_ = cmd.Process.Kill()
		<-exited
	}()

	c := New(t.Context(), zaptest.NewLogger(t), Options{
		Finder:           staticFinder{"sleep": {cmd.Process.Pid}},
		LivenessInterval: -1,
	})
	defer c.Close()

	if got := c.Inject(t.Context(), nil, []string{"sleep"}, testConfig(false)); got != nil {
		t.Fatalf("expected nothing proxied got %v", got)
	}
	if c.Count() != 0 {
		t.Fatal("session kept for a process that was not injected")
	}

	select {
	case err := <-exited:
		t.Fatalf("target terminated: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReportsFlowFromTarget(t *testing.T) {
	useRuntimeDir(t)
	ctx := t.Context()

	events := make(chan ReportEvent, 4)
	inj := newAgentInjector(t)
	c := newController(t, inj, nil, ReportFunc(func(ev ReportEvent) { events <- ev }))

	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()
	proxyLn, _, wait := testutil.StartSOCKSProxy(t, ctx, config.SOCKS4, echo.Addr().String())
	defer wait()

	ap := proxyLn.Addr().(*net.TCPAddr).AddrPort()
	cfg := config.Configuration{
		ProxyType: config.SOCKS4,
		ProxyV4:   sockaddr.FromAddrPort(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())),
		Logging:   true,
	}
	if got := c.Inject(ctx, []int{7301}, nil, cfg); len(got) != 1 {
		t.Fatalf("inject failed: %v", got)
	}

	a := inj.agent(7301)
	waitFor(t, "report channel", func() bool { return a.Engine().Report() != nil })

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)

	table := a.Engine().Table()
	if err := table.Connect.Get()(fd, &unix.SockaddrInet4{Port: 8080, Addr: [4]byte{192, 0, 2, 33}}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, testutil.FD(fd), testutil.FD(fd), []byte("ping"))

	select {
	case ev := <-events:
		if ev.PID != 7301 || ev.Destination.String() != "192.0.2.33:8080" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no report received")
	}
}
