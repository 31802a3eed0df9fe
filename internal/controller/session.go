package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/redirector/internal/config"
	"github.com/die-net/redirector/internal/logging"
	"github.com/die-net/redirector/internal/metrics"
	"github.com/die-net/redirector/internal/process"
	"github.com/die-net/redirector/internal/sockaddr"
	"github.com/die-net/redirector/internal/transport"
)

// ErrSessionStopped is returned by UpdateConfig once the session has ended.
var ErrSessionStopped = errors.New("session stopped")

// ReportEvent is one connect attempt reported by a target.
type ReportEvent struct {
	PID         int
	Destination sockaddr.Addr
}

// ReportSink receives report events. Report is called from the session's
// report reader and must not block for long.
type ReportSink interface {
	Report(ev ReportEvent)
}

// ReportFunc adapts a function to ReportSink.
type ReportFunc func(ReportEvent)

func (f ReportFunc) Report(ev ReportEvent) { f(ev) }

// DefaultLivenessInterval is how often a session checks that its target is
// still running.
const DefaultLivenessInterval = time.Second

// DefaultAcceptTimeout bounds the wait for a target to reconnect to its
// config channel during a push.
const DefaultAcceptTimeout = 2 * time.Second

type sessionOptions struct {
	sink          ReportSink
	liveness      time.Duration
	alive         func(pid int) bool
	acceptTimeout time.Duration
}

// SessionOption customises a Session.
type SessionOption func(*sessionOptions)

// WithReportSink forwards decoded reports to sink.
func WithReportSink(sink ReportSink) SessionOption {
	return func(o *sessionOptions) { o.sink = sink }
}

// WithLiveness sets the liveness check. A zero interval disables it.
func WithLiveness(interval time.Duration, alive func(pid int) bool) SessionOption {
	return func(o *sessionOptions) {
		o.liveness = interval
		if alive != nil {
			o.alive = alive
		}
	}
}

// WithAcceptTimeout bounds how long a push waits for the target to connect.
func WithAcceptTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.acceptTimeout = d }
}

// Session is the controller's end of one target process. It owns the
// config channel and, while logging is enabled, the report channel and its
// reader.
type Session struct {
	pid     int
	logger  *zap.Logger
	opts    sessionOptions
	stop    *transport.Signal
	cancel  context.CancelFunc
	config  *transport.Channel
	started time.Time
	done    chan struct{}

	// pushMu serialises UpdateConfig; mu guards the fields below and is
	// never held across a network wait.
	pushMu sync.Mutex

	mu         sync.Mutex
	ctx        context.Context
	ended      bool
	report     *transport.Channel
	reportDone chan struct{}
}

// NewSession opens the stop signal and the config channel for pid. The
// session lives until Stop, until ctx ends or until the target exits.
func NewSession(ctx context.Context, pid int, logger *zap.Logger, opts ...SessionOption) (*Session, error) {
	o := sessionOptions{liveness: DefaultLivenessInterval, alive: process.Alive, acceptTimeout: DefaultAcceptTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	stop := transport.OpenSignal(transport.StopSignalName(pid))
	sctx, cancel := context.WithCancel(ctx)
	context.AfterFunc(stop.Context(), cancel)

	ch, err := transport.Listen(sctx, transport.ConfigChannelName(pid))
	if err != nil {
		cancel()
		stop.Release()
		return nil, fmt.Errorf("create config channel for pid %d: %w", pid, err)
	}

	s := &Session{
		pid:     pid,
		logger:  logging.OrNop(logger).Named("session").With(zap.Int("pid", pid)),
		opts:    o,
		stop:    stop,
		cancel:  cancel,
		config:  ch,
		started: time.Now(),
		done:    make(chan struct{}),
		ctx:     sctx,
	}
	metrics.Sessions.Inc()
	go s.run()
	return s, nil
}

func (s *Session) PID() int { return s.pid }

// Done is closed once the session has released everything it owned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop ends the session and waits until it has released its channels.
// Calling it again does nothing.
func (s *Session) Stop() {
	s.stop.Set()
	<-s.done
}

// UpdateConfig starts or stops reporting as c asks, then pushes c to the
// target. When the target is not connected it waits a bounded time for it
// to connect and resends once; other failures are returned without
// retrying.
func (s *Session) UpdateConfig(c config.Configuration) error {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if c.Logging {
		if err := s.startReport(); err != nil {
			logging.LogError(s.logger, err, "failed to start report reader")
		}
	} else {
		s.stopReport()
	}
	s.mu.Unlock()

	err := s.push(c)
	metrics.ConfigPushes.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		logging.LogError(s.logger, err, "failed to push configuration")
		return err
	}
	s.logger.Debug("configuration pushed", zap.Stringer("config", c))
	return nil
}

func (s *Session) push(c config.Configuration) error {
	b, err := c.MarshalBinary()
	if err != nil {
		return err
	}

	err = s.config.Write(b)
	if errors.Is(err, transport.ErrListening) {
		metrics.ConfigPushes.WithLabelValues(metrics.ResultRetry).Inc()
		if err := s.config.AcceptTimeout(s.opts.acceptTimeout); err != nil {
			return fmt.Errorf("accept config peer: %w", err)
		}
		err = s.config.Write(b)
	}
	if err != nil {
		return fmt.Errorf("push configuration to pid %d: %w", s.pid, err)
	}
	return nil
}

// startReport listens on the report channel if needed and starts a reader
// unless one is running. Callers hold s.mu.
func (s *Session) startReport() error {
	if s.report == nil {
		ch, err := transport.Listen(s.ctx, transport.ReportChannelName(s.pid))
		if err != nil {
			return fmt.Errorf("create report channel: %w", err)
		}
		s.report = ch
	}

	if s.reportDone != nil {
		select {
		case <-s.reportDone:
		default:
			return nil
		}
	}
	s.reportDone = make(chan struct{})
	go s.readReports(s.report, s.reportDone)
	return nil
}

// stopReport closes the report channel and joins its reader. Callers hold
// s.mu.
func (s *Session) stopReport() {
	if s.report == nil {
		return
	}
	_ = s.report.Close()
	if s.reportDone != nil {
		<-s.reportDone
	}
	s.report = nil
	s.reportDone = nil
}

func (s *Session) readReports(ch *transport.Channel, done chan struct{}) {
	defer close(done)

	if err := ch.Accept(); err != nil {
		s.logger.Debug("report channel not connected", zap.Error(err))
		return
	}

	for {
		msg, err := ch.ReadMessage()
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			s.logger.Debug("report channel ended", zap.Error(err))
			return
		}

		dst, err := sockaddr.Decode(msg.Tag, msg.Payload)
		if err != nil {
			logging.LogError(s.logger, err, "failed to decode report", zap.Uint16("tag", msg.Tag))
			continue
		}

		metrics.Reports.WithLabelValues(metrics.Family(dst.Family)).Inc()
		s.logger.Info(fmt.Sprintf("connecting to %s %s", familyName(dst.Family), dst.AddrPort))
		if s.opts.sink != nil {
			s.opts.sink.Report(ReportEvent{PID: s.pid, Destination: dst})
		}
	}
}

func familyName(family uint16) string {
	if family == sockaddr.FamilyInet6 {
		return "IPv6"
	}
	return "IPv4"
}

// run waits for the end of the session and then releases it.
func (s *Session) run() {
	defer s.finish()

	var tick <-chan time.Time
	if s.opts.liveness > 0 {
		t := time.NewTicker(s.opts.liveness)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-tick:
			if !s.opts.alive(s.pid) {
				s.logger.Info("target process exited")
				return
			}
		}
	}
}

func (s *Session) finish() {
	s.stop.Set()
	s.cancel()

	s.mu.Lock()
	s.ended = true
	s.stopReport()
	s.mu.Unlock()

	_ = s.config.Close()
	s.stop.Release()

	metrics.Sessions.Dec()
	metrics.SessionLength.Observe(time.Since(s.started).Seconds())
	s.logger.Debug("session ended")
	close(s.done)
}
