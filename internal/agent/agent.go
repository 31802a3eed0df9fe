// Package agent runs the redirection engine inside a target process: it
// hooks the socket table, follows the controller's configuration and opens
// or closes the report channel as logging is switched on and off.
package agent

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/die-net/redirector/internal/config"
	"github.com/die-net/redirector/internal/configsync"
	"github.com/die-net/redirector/internal/engine"
	"github.com/die-net/redirector/internal/logging"
	"github.com/die-net/redirector/internal/process"
	"github.com/die-net/redirector/internal/sockapi"
	"github.com/die-net/redirector/internal/transport"
)

// Options configures an Agent.
type Options struct {
	// PID names the channels to use. Zero means the calling process.
	PID int
	// Table is the socket table to hook. Nil means sockapi.Default.
	Table  *sockapi.Table
	Engine engine.Options
}

// Agent is one attached engine and its link to the controller.
type Agent struct {
	ctx    context.Context
	pid    int
	logger *zap.Logger
	engine *engine.Engine
	sync   *configsync.Sync

	mu      sync.Mutex
	ended   bool
	report  *transport.Channel
	stopped chan struct{}
}

// New hooks the socket table and connects to the controller's config
// channel. The controller must already be listening. Hooks that cannot be
// installed are logged and left out.
func New(ctx context.Context, logger *zap.Logger, opts Options) (*Agent, error) {
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Table == nil {
		opts.Table = sockapi.Default
	}
	logger = logging.OrNop(logger).Named("agent").With(zap.Int("pid", opts.PID))
	if opts.Engine.Logger == nil {
		opts.Engine.Logger = logger
	}

	a := &Agent{
		ctx:     ctx,
		pid:     opts.PID,
		logger:  logger,
		engine:  engine.New(opts.Table, opts.Engine),
		stopped: make(chan struct{}),
	}
	if err := a.engine.Install(); err != nil {
		logging.LogError(logger, err, "some hooks are unavailable")
	}

	s, err := configsync.New(ctx, opts.PID, a, logger)
	if err != nil {
		a.engine.Teardown()
		return nil, fmt.Errorf("attach engine: %w", err)
	}
	a.sync = s

	a.mu.Lock()
	if !a.ended {
		if err := process.WriteMarker(a.pid); err != nil {
			logging.LogError(logger, err, "failed to mark process as attached")
		}
	}
	a.mu.Unlock()

	logger.Info("engine attached")
	return a, nil
}

func (a *Agent) Engine() *engine.Engine { return a.engine }

// ConfigUpdated applies c to the engine, then opens the report channel when
// logging is on or closes it when off.
func (a *Agent) ConfigUpdated(c config.Configuration) {
	a.engine.UpdateConfig(c)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended {
		return
	}

	if !c.Logging {
		if a.report != nil {
			a.engine.SetReport(nil)
			a.report = nil
		}
		return
	}
	if a.report != nil && a.report.Connected() {
		return
	}

	ch, err := transport.Dial(a.ctx, transport.ReportChannelName(a.pid))
	if err != nil {
		logging.LogError(a.logger, err, "failed to open report channel")
		return
	}
	a.report = ch
	a.engine.SetReport(ch)
}

// Stopped tears the engine down once the controller has gone.
func (a *Agent) Stopped() {
	a.mu.Lock()
	a.ended = true
	a.report = nil
	if err := process.RemoveMarker(a.pid); err != nil {
		logging.LogError(a.logger, err, "failed to clear attach marker")
	}
	a.mu.Unlock()

	a.engine.Teardown()
	a.logger.Info("engine detached", zap.Any("stats", a.engine.Stats()))
	close(a.stopped)
}

// Done is closed once the engine has been torn down.
func (a *Agent) Done() <-chan struct{} { return a.stopped }

// Wait blocks until the controller goes away or Close is called.
func (a *Agent) Wait() { <-a.stopped }

// Close disconnects from the controller and tears the engine down.
func (a *Agent) Close() {
	a.sync.Close()
}
