// Package controller drives the engines attached inside target processes.
// Each target gets a Session holding its config and report channels; the
// Registry owns the sessions and the Controller injects new targets into it.
package controller

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/redirector/internal/config"
	"github.com/die-net/redirector/internal/logging"
	"github.com/die-net/redirector/internal/metrics"
	"github.com/die-net/redirector/internal/process"
)

var ErrInvalidConfig = errors.New("invalid proxy configuration")

// Finder resolves process names to pids.
type Finder interface {
	FindByName(name string) ([]int, error)
}

// Options configures a Controller. Zero fields take the process package
// defaults.
type Options struct {
	Finder   Finder
	Injector process.Injector
	// Alive reports whether a pid is running.
	Alive func(pid int) bool
	// LivenessInterval is how often sessions check their target. Negative
	// disables the check.
	LivenessInterval time.Duration
	Sink             ReportSink
}

// Controller injects targets and keeps their configuration current.
type Controller struct {
	ctx      context.Context
	logger   *zap.Logger
	opts     Options
	registry *Registry

	mu  sync.Mutex
	cfg config.Configuration
}

// New returns a controller whose sessions live at most as long as ctx.
func New(ctx context.Context, logger *zap.Logger, opts Options) *Controller {
	if opts.Finder == nil {
		opts.Finder = process.DefaultFinder
	}
	if opts.Injector == nil {
		opts.Injector = process.DefaultInjector
	}
	if opts.Alive == nil {
		opts.Alive = process.Alive
	}
	switch {
	case opts.LivenessInterval == 0:
		opts.LivenessInterval = DefaultLivenessInterval
	case opts.LivenessInterval < 0:
		opts.LivenessInterval = 0
	}

	return &Controller{
		ctx:      ctx,
		logger:   logging.OrNop(logger).Named("controller"),
		opts:     opts,
		registry: NewRegistry(),
	}
}

func (c *Controller) Registry() *Registry { return c.registry }

// Config returns the configuration last pushed to targets.
func (c *Controller) Config() config.Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Inject attaches the engine to every pid listed and every process named,
// pushes cfg to each and returns the pids now under control. Targets that
// are gone, already carry an engine or fail to attach are logged and
// skipped.
func (c *Controller) Inject(ctx context.Context, pids []int, names []string, cfg config.Configuration) []int {
	if !cfg.Valid() {
		logging.LogError(c.logger, ErrInvalidConfig, "refusing to inject", zap.Stringer("config", cfg))
		return nil
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()

	targets := slices.Clone(pids)
	for _, name := range names {
		found, err := c.opts.Finder.FindByName(name)
		if err != nil {
			logging.LogError(c.logger, err, "failed to look up process", zap.String("name", name))
			continue
		}
		if len(found) == 0 {
			c.logger.Warn("no process found", zap.String("name", name))
		}
		targets = append(targets, found...)
	}
	slices.Sort(targets)
	targets = slices.Compact(targets)

	var proxied []int
	for _, pid := range targets {
		if ctx.Err() != nil {
			break
		}
		if c.inject(ctx, pid, cfg) {
			proxied = append(proxied, pid)
		}
	}
	return proxied
}

func (c *Controller) inject(ctx context.Context, pid int, cfg config.Configuration) bool {
	logger := c.logger.With(zap.Int("pid", pid))

	if c.registry.Exists(pid) {
		logger.Info("process already under control")
		return true
	}
	if !c.opts.Alive(pid) {
		logger.Warn("process not running")
		return false
	}
	if c.opts.Injector.Injected(pid) {
		logger.Warn("process already carries an engine")
		return false
	}

	s, err := NewSession(c.ctx, pid, c.logger,
		WithReportSink(c.opts.Sink),
		WithLiveness(c.opts.LivenessInterval, c.opts.Alive))
	if err != nil {
		logging.LogError(logger, err, "failed to create session")
		metrics.Injections.WithLabelValues(metrics.ResultError).Inc()
		return false
	}

	if err := c.opts.Injector.Inject(ctx, pid); err != nil {
		if errors.Is(err, process.ErrNotInstrumented) {
			logger.Warn("process does not link the redirect package, not signalled")
		} else {
			logging.LogError(logger, err, "failed to inject")
		}
		metrics.Injections.WithLabelValues(metrics.ResultError).Inc()
		s.Stop()
		return false
	}
	metrics.Injections.WithLabelValues(metrics.ResultOK).Inc()

	// A failed first push is not fatal; the next update retries.
	_ = s.UpdateConfig(cfg)

	if !c.registry.Add(s) {
		s.Stop()
		return true
	}
	logger.Info("process proxied")
	return true
}

// UpdateConfig pushes cfg to every target.
func (c *Controller) UpdateConfig(cfg config.Configuration) error {
	if !cfg.Valid() {
		return ErrInvalidConfig
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()

	return c.registry.Broadcast(cfg)
}

func (c *Controller) Count() int { return c.registry.Count() }

// Wait blocks until every target has gone away, ctx ends or timeout
// elapses. It reports whether all targets are gone.
func (c *Controller) Wait(ctx context.Context, timeout time.Duration) bool {
	return c.registry.Wait(ctx, timeout)
}

// Close stops every session.
func (c *Controller) Close() {
	c.registry.StopAll()
}
