package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/redirector/internal/config"
	"github.com/die-net/redirector/internal/controller"
	"github.com/die-net/redirector/internal/logging"
	"github.com/die-net/redirector/internal/metrics"
	"github.com/die-net/redirector/internal/transport"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	flags       config.File
	debugListen string
	verbose     bool
}

func newRootCommand() *cobra.Command {
	return newCommand(&options{})
}

func newCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redirector [flags]",
		Short: "Send the TCP connections of running programs through a SOCKS proxy",
		Example: `  redirector --pid 1234 --proxy-v4 10.0.0.1:1080
  redirector --name curl --proxy-type socks5 --proxy-v6 [2001:db8::1]:1080 --enable-log
  redirector --config redirector.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o)
		},
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.IntSliceVar(&o.flags.PIDs, "pid", nil, "Target process id (repeatable)")
	f.StringSliceVar(&o.flags.Names, "name", nil, "Target process name (repeatable)")
	f.StringVar(&o.flags.ProxyType, "proxy-type", "socks4", "Proxy protocol: socks4 | socks5")
	f.StringVar(&o.flags.ProxyV4, "proxy-v4", "", "IPv4 proxy endpoint (e.g. 10.0.0.1:1080)")
	f.StringVar(&o.flags.ProxyV6, "proxy-v6", "", "IPv6 proxy endpoint (e.g. [2001:db8::1]:1080), socks5 only")
	f.BoolVar(&o.flags.EnableLog, "enable-log", false, "Log every connection the targets make")
	f.StringVar(&o.configPath, "config", "", "YAML configuration file; flags override its values and SIGHUP reloads it")
	f.StringVar(&o.flags.RuntimeDir, "runtime-dir", "", "Directory holding the channel sockets (default $"+transport.EnvRuntimeDir+" or the temp dir)")
	f.DurationVar(&o.flags.WaitTimeout, "wait-timeout", 0, "Stop after this long even if targets are still running (0 waits for them to exit)")
	f.StringVar(&o.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

// settings returns the config file's values with every flag given on the
// command line applied on top.
func (o *options) settings(flags *pflag.FlagSet) (config.File, error) {
	var s config.File
	if o.configPath != "" {
		var err error
		if s, err = config.Load(o.configPath); err != nil {
			return config.File{}, err
		}
	}

	override := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	override("pid", func() { s.PIDs = o.flags.PIDs })
	override("name", func() { s.Names = o.flags.Names })
	override("proxy-type", func() { s.ProxyType = o.flags.ProxyType })
	override("proxy-v4", func() { s.ProxyV4 = o.flags.ProxyV4 })
	override("proxy-v6", func() { s.ProxyV6 = o.flags.ProxyV6 })
	override("enable-log", func() { s.EnableLog = o.flags.EnableLog })
	override("runtime-dir", func() { s.RuntimeDir = o.flags.RuntimeDir })
	override("wait-timeout", func() { s.WaitTimeout = o.flags.WaitTimeout })

	if s.ProxyType == "" {
		s.ProxyType = o.flags.ProxyType
	}
	return s, nil
}

func run(cmd *cobra.Command, o *options) error {
	s, err := o.settings(cmd.Flags())
	if err != nil {
		return err
	}
	cfg, err := s.Configuration()
	if err != nil {
		return fmt.Errorf("invalid proxy settings: %w", err)
	}
	if len(s.PIDs) == 0 && len(s.Names) == 0 {
		return errors.New("no targets (set at least one of --pid, --name)")
	}
	cmd.SilenceUsage = true

	logger, err := logging.New(logging.Options{Verbose: o.verbose})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if s.RuntimeDir != "" {
		transport.SetRuntimeDir(s.RuntimeDir)
	}

	g, ctx := errgroup.WithContext(cmd.Context())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.debugListen != "" {
		if err := serveDebug(ctx, g, o.debugListen, logger); err != nil {
			return err
		}
	}

	ctl := controller.New(ctx, logger, controller.Options{})
	defer ctl.Close()

	proxied := ctl.Inject(ctx, s.PIDs, s.Names, cfg)
	if len(proxied) == 0 {
		stop()
		_ = g.Wait()
		return errors.New("no process could be proxied")
	}
	logger.Info("proxying", zap.Ints("pids", proxied), zap.Stringer("config", cfg))

	if o.configPath != "" {
		g.Go(func() error {
			reloadOnHangup(ctx, cmd.Flags(), o, ctl, logger)
			return nil
		})
	}

	g.Go(func() error {
		defer stop()
		switch {
		case ctl.Wait(ctx, s.WaitTimeout):
			logger.Info("all targets have exited")
		case ctx.Err() == nil:
			logger.Info("wait timeout elapsed", zap.Duration("timeout", s.WaitTimeout))
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Info("shutting down")
	return err
}

func serveDebug(ctx context.Context, g *errgroup.Group, addr string, logger *zap.Logger) error {
	http.Handle("/metrics", metrics.Handler())

	debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
	var lc net.ListenConfig
	debugLn, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("debug listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = debugSrv.Close()
		_ = debugLn.Close()
	})

	g.Go(func() error {
		if err := debugSrv.Serve(debugLn); err != nil {
			return fmt.Errorf("debug serve: %w", err)
		}
		return nil
	})
	logger.Info("debug listening", zap.String("addr", addr))
	return nil
}

// reloadOnHangup re-reads the configuration file on every SIGHUP, pushes the
// new configuration to every target and injects any new ones.
func reloadOnHangup(ctx context.Context, flags *pflag.FlagSet, o *options, ctl *controller.Controller, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		s, err := o.settings(flags)
		if err != nil {
			logging.LogError(logger, err, "failed to reload configuration")
			continue
		}
		cfg, err := s.Configuration()
		if err != nil {
			logging.LogError(logger, err, "ignoring invalid configuration")
			continue
		}

		if err := ctl.UpdateConfig(cfg); err != nil {
			logging.LogError(logger, err, "configuration push failed for some targets")
		}
		proxied := ctl.Inject(ctx, s.PIDs, s.Names, cfg)
		logger.Info("configuration reloaded", zap.Stringer("config", cfg), zap.Ints("pids", proxied))
	}
}
