// Command hookd is an asynchronous SMTP daemon driving plugin hook
// chains at every protocol step.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hookdmail/hookd/config"
	"github.com/hookdmail/hookd/dnsbl"
	"github.com/hookdmail/hookd/plugin"
	"github.com/hookdmail/hookd/plugins/greylist"
	"github.com/hookdmail/hookd/plugins/rhsbl"
	"github.com/hookdmail/hookd/plugins/slacknotify"
	"github.com/hookdmail/hookd/plugins/spf"
	"github.com/hookdmail/hookd/plugins/vpopmail"
	"github.com/hookdmail/hookd/server"
	"github.com/hookdmail/hookd/supervisor"
)

func main() {
	var (
		listenAddr  string
		port        int
		procs       int
		runAs       string
		debug       bool
		usePoll     bool
		settingFile string
	)

	flag.StringVar(&listenAddr, "l", "", "listen address")
	flag.StringVar(&listenAddr, "listen-address", "", "listen address")
	flag.IntVar(&port, "p", 0, "listen port")
	flag.IntVar(&port, "port", 0, "listen port")
	flag.IntVar(&procs, "j", 0, "number of worker processes")
	flag.IntVar(&procs, "procs", 0, "number of worker processes")
	flag.StringVar(&runAs, "u", "", "run as user")
	flag.StringVar(&runAs, "user", "", "run as user")
	flag.BoolVar(&debug, "d", false, "debug logging")
	flag.BoolVar(&debug, "debug", false, "debug logging")
	flag.BoolVar(&usePoll, "use-poll", false, "accepted for compatibility; the runtime picks the poller")
	flag.StringVar(&settingFile, "c", "hookd.toml", "settings file")
	flag.StringVar(&settingFile, "config", "hookd.toml", "settings file")
	flag.Parse()
	_ = usePoll

	sanitizeEnv()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	settings, err := config.Load(settingFile)
	if err != nil {
		logger.Error("cannot read settings", slog.Any("err", err))
		os.Exit(1)
	}
	if listenAddr != "" {
		settings.ListenAddress = listenAddr
	}
	if port != 0 {
		settings.Port = port
	}
	if procs != 0 {
		settings.Procs = procs
	}
	if runAs != "" {
		settings.User = runAs
	}

	os.Exit(run(settings, logger))
}

func run(settings config.Settings, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if supervisor.IsWorker() {
		l, err := supervisor.InheritedListener()
		if err != nil {
			logger.Error("worker cannot adopt listener", slog.Any("err", err))
			return 1
		}
		return runWorker(ctx, settings, logger, l, false)
	}

	addr := fmt.Sprintf("%s:%d", settings.ListenAddress, settings.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("cannot bind", slog.String("addr", addr), slog.Any("err", err))
		return 1
	}

	if settings.Procs > 1 {
		return runSupervisor(ctx, settings, logger, l.(*net.TCPListener))
	}

	if err := supervisor.DropPrivileges(settings.User); err != nil {
		logger.Error("cannot drop privileges", slog.Any("err", err))
		return 1
	}
	return runWorker(ctx, settings, logger, l, true)
}

// runSupervisor is the prefork parent: it owns the control channel and
// relays pause/resume/reload to the workers as signals.
func runSupervisor(ctx context.Context, settings config.Settings, logger *slog.Logger, l *net.TCPListener) int {
	cl, err := net.Listen("tcp", server.ControlAddr(settings.ControlPort))
	if err != nil {
		logger.Error("cannot bind control channel", slog.Any("err", err))
		return 1
	}

	if err := supervisor.DropPrivileges(settings.User); err != nil {
		logger.Error("cannot drop privileges", slog.Any("err", err))
		return 1
	}

	sup := supervisor.New(settings.Procs, l, logger)
	control := &server.Control{
		Logger:     logger,
		PauseFunc:  sup.Pause,
		ResumeFunc: sup.Resume,
		StatusFunc: sup.Status,
		ReloadFunc: sup.Reload,
	}
	go func() {
		if err := control.Serve(ctx, cl); err != nil {
			logger.Error("control channel failed", slog.Any("err", err))
		}
	}()

	if err := sup.Run(ctx); err != nil {
		logger.Error("supervisor failed", slog.Any("err", err))
		return 1
	}
	return 0
}

func runWorker(ctx context.Context, settings config.Settings, logger *slog.Logger, l net.Listener, withControl bool) int {
	cfg := config.NewDir(settings.ConfigDir)
	resolver := dnsbl.NewResolver(cfg.GetLine("dns_resolver", ""), logger)

	hostname := settings.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	s, err := server.New(
		server.WithLogger(logger),
		server.WithHostname(hostname),
		server.WithConfig(cfg),
		server.WithMaxMessageBytes(settings.MaxMessageBytes),
		server.WithReadTimeout(settings.IdleTimeoutDuration()),
		server.WithPlugins(func() (*plugin.Registry, error) {
			return plugin.Build(logger, cfg,
				rhsbl.New(resolver),
				spf.New(),
				vpopmail.New(),
				greylist.New(settings.DBDir),
				slacknotify.New(),
			)
		}),
	)
	if err != nil {
		logger.Error("cannot initialize plugins", slog.Any("err", err))
		return 1
	}

	workerSignals(s, logger)

	if withControl {
		cl, err := net.Listen("tcp", server.ControlAddr(settings.ControlPort))
		if err != nil {
			logger.Error("cannot bind control channel", slog.Any("err", err))
			return 1
		}
		go func() {
			if err := s.Control().Serve(ctx, cl); err != nil {
				logger.Error("control channel failed", slog.Any("err", err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	if err := s.Serve(ctx, l); err != nil {
		logger.Error("server failed", slog.Any("err", err))
		return 1
	}
	return 0
}

// workerSignals wires the signals the supervisor broadcasts: SIGUSR1
// pauses, SIGUSR2 resumes, SIGHUP reloads the plugins.
func workerSignals(s *server.Server, logger *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGUSR1:
				s.Pause()
				logger.Info("paused")
			case syscall.SIGUSR2:
				s.Resume()
				logger.Info("resumed")
			case syscall.SIGHUP:
				if err := s.Reload(); err != nil {
					logger.Error("reload failed", slog.Any("err", err))
				} else {
					logger.Info("plugins reloaded")
				}
			}
		}
	}()
}

// sanitizeEnv pins PATH and clears the shell hook variables before
// anything else looks at the environment.
func sanitizeEnv() {
	_ = os.Setenv("PATH", "/bin:/usr/bin:/sbin:/usr/sbin")
	_ = os.Unsetenv("ENV")
	_ = os.Unsetenv("BASH_ENV")
}
