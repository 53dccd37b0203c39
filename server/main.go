package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/puyokura/chatrelay/internal/logging"
	"github.com/puyokura/chatrelay/model"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file (created with defaults if missing)")
	logLevel := flag.String("log-level", "", "Log level ("+logging.LevelNames()+")")
	logFormat := flag.String("log-format", "", "Log format (console, json)")
	withConsole := flag.Bool("console", false, "Read operator commands from stdin")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [port]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		fmt.Fprintln(os.Stderr, "Error in environment:", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if flag.NArg() > 1 {
		flag.Usage()
		os.Exit(2)
	}
	if flag.NArg() == 1 {
		if err := cfg.SetPort(flag.Arg(0)); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
	}

	log, err := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error setting up logging:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, log, *withConsole); err != nil {
		log.Error("server failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

// run builds the relay, serves until ctx is cancelled and then shuts down.
func run(ctx context.Context, stop func(), cfg *Config, log *zap.Logger, withConsole bool) error {
	var metrics *Metrics
	if cfg.Metrics.Enabled {
		metrics = NewMetrics()
	}

	dir := NewDirectory(time.Now)
	codec := model.WireCodec{}
	notify := NewNotifier(time.Now)
	out := NewDispatcher(codec, dir, metrics, log.Named("dispatch"))

	var (
		backends []PresenceBackend
		events   *EventLog
		mirror   *RedisPresence
	)
	if cfg.EventLog.Path != "" {
		l, err := OpenEventLog(cfg.EventLog.Path)
		if err != nil {
			return err
		}
		events = l
		backends = append(backends, l)
		log.Info("presence event log enabled", zap.String("path", cfg.EventLog.Path))
	}
	if cfg.Redis.Addr != "" {
		m, err := NewRedisPresence(ctx, cfg.Redis, log.Named("redis"))
		if err != nil {
			for _, b := range backends {
				_ = b.Close()
			}
			return err
		}
		mirror = m
		backends = append(backends, m)
		log.Info("redis presence mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}
	recorder := NewRecorder(cfg.SendBuffer, metrics, log.Named("recorder"), backends...)
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Warn("closing presence backends", zap.Error(err))
		}
	}()

	router := NewRouter(dir, codec, notify, out, metrics, log.Named("router")).WithSink(recorder)
	monitor := NewPresenceMonitor(dir, out, notify, cfg.PollInterval, cfg.IdleTimeout, log.Named("presence")).
		WithSink(recorder).
		WithMetrics(metrics)
	hub := NewHub(router, cfg, metrics, log.Named("hub"))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.ListenAddr)
	}
	srv := &http.Server{
		Handler:           newMux(hub, dir, metrics, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Workers that must drain the leave events of the shutdown outlive ctx.
	var wg sync.WaitGroup
	workers, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(workers)
		}()
	}
	spawn(recorder.Run)
	// The monitor stops on the shutdown signal itself. Demoting sessions
	// while their connections are being closed helps nobody.
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	if mirror != nil {
		spawn(func(ctx context.Context) { mirror.RunHeartbeat(ctx, dir) })
	}
	if withConsole {
		console := NewConsole(os.Stdin, os.Stdout, dir, out, notify, stop)
		console.hub = hub
		console.events = events
		go console.Run(ctx)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		runErr = errors.Wrap(err, "serve")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	// Hijacked websocket connections are not covered by srv.Shutdown.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Warn("hub shutdown", zap.Error(err))
	}

	cancelWorkers()
	wg.Wait()
	log.Info("server stopped")
	return runErr
}
