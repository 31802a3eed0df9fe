// Package engine decides, for every outbound connect made through a socket
// table, whether to send it through the configured SOCKS proxy.
//
// An Engine hooks the five operations of a sockapi.Table. Connects to
// non-loopback internet destinations are redirected to the proxy endpoint
// while a valid Configuration is in place: the socket is connected to the
// proxy in blocking mode, the handshake is run for the real destination and
// the caller gets back a socket that behaves as if it had connected
// directly. Everything else goes to the original operation untouched.
//
// The remaining three hooks only observe which sockets the application made
// non-blocking, so that the blocking-mode override can restore it.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/die-net/redirector/internal/config"
	"github.com/die-net/redirector/internal/hook"
	"github.com/die-net/redirector/internal/logging"
	"github.com/die-net/redirector/internal/sockaddr"
	"github.com/die-net/redirector/internal/sockapi"
	"github.com/die-net/redirector/internal/socks"
)

// ErrHandshake is returned from a redirected connect whose proxy handshake
// failed. It wraps ECONNREFUSED so callers see an ordinary refused connect.
var ErrHandshake = errors.New("proxy handshake failed")

// DefaultIOTimeout bounds each socket read or write during a handshake.
const DefaultIOTimeout = 10 * time.Second

// Reporter receives one framed message per redirect-eligible connect.
// *transport.Channel implements it.
type Reporter interface {
	WriteMessage(tag uint16, payload []byte) error
	IsOpen() bool
	Close() error
}

// Options configures an Engine.
type Options struct {
	Logger *zap.Logger
	// IOTimeout bounds each handshake read or write. Zero means
	// DefaultIOTimeout.
	IOTimeout time.Duration
	// NewHandshake overrides socks.New.
	NewHandshake func(config.ProxyType) (socks.Handshake, error)
}

// Stats counts connect decisions since the engine was created.
type Stats struct {
	Redirected    uint64
	PassedThrough uint64
	Failed        uint64
	Reported      uint64
}

type reporterRef struct{ r Reporter }

// Engine holds the state shared by every hooked call: the current
// configuration, the report sink, the blocking-mode record and the count of
// calls in flight.
type Engine struct {
	table        *sockapi.Table
	logger       *zap.Logger
	ioTimeout    time.Duration
	newHandshake func(config.ProxyType) (socks.Handshake, error)

	cfg    atomic.Pointer[config.Configuration]
	report atomic.Pointer[reporterRef]
	modes  blockingModes
	active activeCalls

	connect         *hook.Hook[sockapi.ConnectFunc]
	connectDeadline *hook.Hook[sockapi.ConnectDeadlineFunc]
	setNonblock     *hook.Hook[sockapi.SetNonblockFunc]
	eventSelect     *hook.Hook[sockapi.EventSelectFunc]
	asyncSelect     *hook.Hook[sockapi.AsyncSelectFunc]
	intercepts      []hook.Intercept

	redirected, passed, failed, reported atomic.Uint64

	teardownOnce sync.Once
}

// New returns an engine for table. Nothing is hooked until Install.
func New(table *sockapi.Table, opts Options) *Engine {
	e := &Engine{
		table:        table,
		logger:       logging.OrNop(opts.Logger).Named("engine"),
		ioTimeout:    opts.IOTimeout,
		newHandshake: opts.NewHandshake,
		modes:        blockingModes{m: make(map[int]bool)},
	}
	if e.ioTimeout <= 0 {
		e.ioTimeout = DefaultIOTimeout
	}
	if e.newHandshake == nil {
		e.newHandshake = socks.New
	}
	e.active.cond = sync.NewCond(&e.active.mu)
	return e
}

// Install hooks all five operations, inert first, then enables them. A hook
// that cannot be installed is logged and skipped; the others still work.
func (e *Engine) Install() error {
	var errs []error
	e.connect = install(e, e.table.Connect, e.detourConnect, &errs)
	e.connectDeadline = install(e, e.table.ConnectDeadline, e.detourConnectDeadline, &errs)
	e.setNonblock = install(e, e.table.SetNonblock, e.detourSetNonblock, &errs)
	e.eventSelect = install(e, e.table.EventSelect, e.detourEventSelect, &errs)
	e.asyncSelect = install(e, e.table.AsyncSelect, e.detourAsyncSelect, &errs)

	for _, ic := range e.intercepts {
		if err := ic.Enable(); err != nil {
			logging.LogError(e.logger, err, "failed to enable hook", zap.String("op", ic.Name()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func install[F any](e *Engine, slot *hook.Slot[F], detour F, errs *[]error) *hook.Hook[F] {
	h, err := slot.Install(detour)
	if err != nil {
		logging.LogError(e.logger, err, "failed to install hook", zap.String("op", slot.Name()))
		*errs = append(*errs, err)
		return nil
	}
	e.intercepts = append(e.intercepts, h)
	return h
}

// Teardown disables every hook, waits until no call is inside a detour,
// releases the report sink and uninstalls the hooks. Later calls do nothing.
func (e *Engine) Teardown() {
	e.teardownOnce.Do(func() {
		for _, ic := range e.intercepts {
			if err := ic.Disable(); err != nil {
				logging.LogError(e.logger, err, "failed to disable hook", zap.String("op", ic.Name()))
			}
		}

		e.active.wait()

		if ref := e.report.Swap(nil); ref != nil {
			_ = ref.r.Close()
		}

		for _, ic := range e.intercepts {
			_ = ic.Remove()
		}
		e.logger.Debug("hooks removed")
	})
}

// UpdateConfig replaces the configuration. Calls already past their
// snapshot keep the old one.
func (e *Engine) UpdateConfig(c config.Configuration) {
	e.cfg.Store(&c)
}

// Config returns the current configuration.
func (e *Engine) Config() config.Configuration {
	if c := e.cfg.Load(); c != nil {
		return *c
	}
	return config.Configuration{}
}

// SetReport replaces the report sink, closing the previous one. A nil r
// disables reporting.
func (e *Engine) SetReport(r Reporter) {
	var next *reporterRef
	if r != nil {
		next = &reporterRef{r: r}
	}
	if prev := e.report.Swap(next); prev != nil && prev.r != r {
		_ = prev.r.Close()
	}
}

// Report returns the current report sink, or nil.
func (e *Engine) Report() Reporter {
	if ref := e.report.Load(); ref != nil {
		return ref.r
	}
	return nil
}

// Table returns the socket table the engine hooks.
func (e *Engine) Table() *sockapi.Table { return e.table }

// ActiveCalls returns the number of calls currently inside a detour.
func (e *Engine) ActiveCalls() int {
	return e.active.count()
}

func (e *Engine) Stats() Stats {
	return Stats{
		Redirected:    e.redirected.Load(),
		PassedThrough: e.passed.Load(),
		Failed:        e.failed.Load(),
		Reported:      e.reported.Load(),
	}
}

func (e *Engine) detourConnect(fd int, sa unix.Sockaddr) error {
	return e.redirect(fd, sa, func(sa unix.Sockaddr) error {
		return e.connect.Original()(fd, sa)
	})
}

func (e *Engine) detourConnectDeadline(fd int, sa unix.Sockaddr, deadline time.Time) error {
	return e.redirect(fd, sa, func(sa unix.Sockaddr) error {
		return e.connectDeadline.Original()(fd, sa, deadline)
	})
}

func (e *Engine) detourSetNonblock(fd int, nonblocking bool) error {
	e.active.enter()
	defer e.active.leave()

	e.modes.set(fd, nonblocking)
	return e.setNonblock.Original()(fd, nonblocking)
}

func (e *Engine) detourEventSelect(epfd, fd int, events uint32) error {
	e.active.enter()
	defer e.active.leave()

	e.modes.set(fd, true)
	return e.eventSelect.Original()(epfd, fd, events)
}

func (e *Engine) detourAsyncSelect(fd, owner int) error {
	e.active.enter()
	defer e.active.leave()

	e.modes.set(fd, true)
	return e.asyncSelect.Original()(fd, owner)
}

// redirect runs one connect decision. call performs the original connect
// against the address it is given.
func (e *Engine) redirect(fd int, sa unix.Sockaddr, call func(unix.Sockaddr) error) error {
	e.active.enter()
	defer e.active.leave()

	dst := sockaddr.FromSockaddr(sa)
	cfg := e.Config()
	if !dst.IsInet() || dst.IsLoopback() || !cfg.Valid() {
		e.passed.Add(1)
		return call(sa)
	}

	proxy, ok := cfg.Endpoint(dst.Family)
	if cfg.Logging {
		e.emitReport(dst)
	}
	if !ok {
		e.logger.Debug("no proxy endpoint for destination family", zap.Stringer("dst", dst))
		e.passed.Add(1)
		return call(sa)
	}
	if proxy.Equal(dst) {
		e.passed.Add(1)
		return call(sa)
	}

	hs, err := e.newHandshake(cfg.ProxyType)
	if err != nil {
		logging.LogError(e.logger, err, "no handshake for proxy type")
		e.passed.Add(1)
		return call(sa)
	}

	restoreMode := e.forceBlocking(fd)
	defer restoreMode()
	restoreTimeouts := e.boundIO(fd)
	defer restoreTimeouts()

	if err := call(proxy.Sockaddr()); err != nil {
		e.abort(fd)
		e.failed.Add(1)
		e.logger.Debug("connect to proxy failed", zap.Stringer("proxy", proxy), zap.Stringer("dst", dst), zap.Error(err))
		return err
	}

	if err := hs.Negotiate(fdConn(fd), dst); err != nil {
		e.abort(fd)
		e.failed.Add(1)
		e.logger.Debug("proxy handshake failed", zap.Stringer("proxy", proxy), zap.Stringer("dst", dst), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrHandshake, unix.ECONNREFUSED)
	}

	e.redirected.Add(1)
	e.logger.Debug("redirected", zap.Stringer("proxy", proxy), zap.Stringer("dst", dst))
	return nil
}

func (e *Engine) emitReport(dst sockaddr.Addr) {
	ref := e.report.Load()
	if ref == nil || !ref.r.IsOpen() {
		return
	}
	payload, err := sockaddr.Encode(dst)
	if err != nil {
		return
	}
	if err := ref.r.WriteMessage(dst.Family, payload); err != nil {
		e.logger.Debug("report failed", zap.Stringer("dst", dst), zap.Error(err))
		return
	}
	e.reported.Add(1)
}

// forceBlocking puts fd in blocking mode and returns a func restoring the
// mode the application last asked for. Sockets never seen by the
// set-non-blocking hooks keep the mode they had on entry.
func (e *Engine) forceBlocking(fd int) func() {
	nonblocking, ok := e.modes.get(fd)
	if !ok {
		var err error
		if nonblocking, err = sockapi.IsNonblocking(fd); err != nil {
			nonblocking = false
		}
	}

	set := e.originalSetNonblock()
	if err := set(fd, false); err != nil {
		e.logger.Debug("failed to force blocking mode", zap.Int("fd", fd), zap.Error(err))
	}
	return func() {
		if nonblocking {
			_ = set(fd, true)
		}
	}
}

func (e *Engine) originalSetNonblock() sockapi.SetNonblockFunc {
	if e.setNonblock != nil {
		return e.setNonblock.Original()
	}
	return e.table.SetNonblock.Get()
}

// boundIO applies the handshake timeout to fd's send and receive calls and
// returns a func restoring the previous timeouts.
func (e *Engine) boundIO(fd int) func() {
	tv := unix.NsecToTimeval(e.ioTimeout.Nanoseconds())
	var restore []func()
	for _, opt := range []int{unix.SO_RCVTIMEO, unix.SO_SNDTIMEO} {
		prev, err := unix.GetsockoptTimeval(fd, unix.SOL_SOCKET, opt)
		if err != nil {
			continue
		}
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv); err != nil {
			continue
		}
		restore = append(restore, func() {
			_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, prev)
		})
	}
	return func() {
		for _, f := range restore {
			f()
		}
	}
}

// abort shuts fd down in both directions after a failed redirect.
func (e *Engine) abort(fd int) {
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	e.modes.forget(fd)
}
