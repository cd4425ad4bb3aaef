// bgpd -- BGP-4 core speaker daemon (RFC 4271).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/arrownet/bgpd/internal/config"
	"github.com/arrownet/bgpd/internal/ifreg"
	"github.com/arrownet/bgpd/internal/listener"
	bgpmetrics "github.com/arrownet/bgpd/internal/metrics"
	"github.com/arrownet/bgpd/internal/neighbor"
	"github.com/arrownet/bgpd/internal/objectlock"
	"github.com/arrownet/bgpd/internal/peer"
	"github.com/arrownet/bgpd/internal/runtime"
	"github.com/arrownet/bgpd/internal/server"
	appversion "github.com/arrownet/bgpd/internal/version"
	"github.com/arrownet/bgpd/internal/wirecodec"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
// Captures the last 500ms of execution traces for debugging FSM failures.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("bgpd starting",
		slog.String("version", appversion.Version),
		slog.String("http_addr", cfg.HTTP.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("peers", len(cfg.Peers)),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := bgpmetrics.NewCollector(reg)

	if err := runServers(cfg, collector, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("bgpd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("bgpd stopped")
	return 0
}

// runServers wires the runtime singleton and the status/metrics HTTP
// servers together under one errgroup with a signal-aware context, the
// same supervision shape as the teacher's runServers.
func runServers(
	cfg *config.Config,
	collector *bgpmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	coll := newCollaborators(logger)
	rt := runtime.New(logger, coll.ifaces, coll.cache, coll.objLock, coll.shared, coll.codec, collector)
	rt.Configure(cfg.Peers, cfg.BGP, coll.newController(rt, logger))

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	statusSrv := newStatusServer(cfg.HTTP, rt, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.Run(gCtx)
	})

	startHTTPServers(gCtx, g, cfg, statusSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, rt, coll, logger)

	rt.StartAll(gCtx)
	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fr, statusSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// collaborators bundles the BgpRuntime singleton's shared dependencies
// — interface registry, neighbor cache, object lock, shared listener,
// and wire codec — constructed once and handed to both Runtime itself
// and every peer.Controller it creates.
type collaborators struct {
	ifaces  *ifreg.Registry
	cache   *neighbor.Cache
	objLock *objectlock.Registry
	shared  *listener.SharedListener
	codec   *wirecodec.Codec
}

func newCollaborators(logger *slog.Logger) collaborators {
	ifaces := ifreg.NewRegistry(logger)
	return collaborators{
		ifaces:  ifaces,
		cache:   neighbor.NewCache(ifaces, logger),
		objLock: objectlock.NewRegistry(),
		shared:  listener.NewSharedListener(fmt.Sprintf(":%d", listener.DefaultPort), logger),
		codec:   wirecodec.New(logger),
	}
}

// newController returns the closure Runtime.Configure uses to build a
// peer.Controller per declared PeerEntry, sharing this process's single
// interface registry / neighbor cache / object lock / shared listener.
func (c collaborators) newController(rt *runtime.Runtime, logger *slog.Logger) func(config.PeerEntry) *peer.Controller {
	return func(entry config.PeerEntry) *peer.Controller {
		pc := peerConfigFromEntry(entry)
		return peer.NewController(pc, c.cache, c.objLock, c.shared, c.codec, rt.Notifier(), logger)
	}
}

// peerConfigFromEntry converts a declarative config.PeerEntry into the
// peer.Config the controller needs, parsing addresses and applying
// bgp-section defaults (already merged by Resolve).
func peerConfigFromEntry(e config.PeerEntry) peer.Config {
	// Validate() already rejected malformed entries before Configure
	// ever reaches this point; an error here would leave remote as its
	// zero value, which disables the peer via MISC/INVALID_NEXT_HOP at
	// neigh_find time rather than panicking.
	remote, _ := e.RemoteAddrParsed()
	source, _ := e.SourceAddrParsed()

	return peer.Config{
		LocalAS:           e.LocalAS,
		RemoteAS:          e.RemoteAS,
		RemoteAddr:        remote,
		SourceAddr:        source,
		MultihopTTL:       e.MultihopTTL,
		MD5Password:       e.MD5Password,
		Passive:           e.Passive,
		EnableAS4:         e.EnableAS4,
		RouteRefresh:      e.RouteRefresh,
		DisableAfterError: e.DisableAfterError,
		InitialHoldTime:   e.InitialHoldTime,
		ConnectRetryTime:  e.ConnectRetryTime,
		StartupDelayMin:   e.StartupDelayMin,
		StartupDelayMax:   e.StartupDelayMax,
		ErrorAmnesiaTime:  e.ErrorAmnesiaTime,
		ErrorDelayMin:     e.ErrorDelayMin,
		ErrorDelayMax:     e.ErrorDelayMax,
		RouteLimit:        e.RouteLimit,
		InterfaceName:     e.Interface,
	}
}

// -------------------------------------------------------------------------
// HTTP Servers
// -------------------------------------------------------------------------

func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	statusSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("status server listening", slog.String("addr", cfg.HTTP.Addr))
		return listenAndServe(ctx, &lc, statusSrv, cfg.HTTP.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newStatusServer creates the HTTP server for the read-only peer
// status endpoint, h2c-wrapped for cleartext HTTP/2 the way the
// teacher wraps its gRPC endpoint.
func newStatusServer(cfg config.HTTPConfig, source server.StatusSource, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	path, handler := server.New(source, logger)
	mux.Handle(path, handler)
	mux.Handle("/healthz", server.HealthHandler())

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	rt *runtime.Runtime,
	coll collaborators,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, rt, coll, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + peer reconciliation
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	rt *runtime.Runtime,
	coll collaborators,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(ctx, configPath, logLevel, rt, coll, logger)
		}
	}
}

func reloadConfig(
	ctx context.Context,
	configPath string,
	logLevel *slog.LevelVar,
	rt *runtime.Runtime,
	coll collaborators,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	rt.Configure(newCfg.Peers, newCfg.BGP, coll.newController(rt, logger))
	rt.StartAll(ctx)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Config + Logger Setup
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
