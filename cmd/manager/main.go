// Command manager runs the Manager daemon: the session-lifecycle HTTP API
// a Controller and its Clients use to provision and coordinate training
// rounds against a co-located Leader or Helper aggregator (spec.md
// Section 4.1, Section 6).
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
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dpsa4fl/dpsa4fl-go/internal/config"
	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
	"github.com/dpsa4fl/dpsa4fl-go/internal/manager"
	"github.com/dpsa4fl/dpsa4fl-go/internal/manager/httpapi"
	"github.com/dpsa4fl/dpsa4fl-go/internal/telemetry"
	appversion "github.com/dpsa4fl/dpsa4fl-go/internal/version"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf/hpke"
)

// shutdownTimeout bounds how long the HTTP servers are given to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config-file", "", "path to configuration file (YAML)")
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

	logger.Info("manager starting",
		slog.String("version", appversion.Version),
		slog.String("role", cfg.Manager.Role),
		slog.String("http_addr", cfg.HTTP.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := telemetry.NewCollector(reg)

	mgr := newManager(cfg, collector, logger)
	httpSrv := httpapi.New(mgr, logger, httpapi.WithRequestObserver(collector))
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	if err := runServers(cfg, httpSrv, metricsSrv, logger); err != nil {
		logger.Error("manager exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("manager stopped")
	return 0
}

// newManager passes both aggregator endpoints to the Manager, which picks
// the peer endpoint per session from that session's role, and wires the
// in-memory TaskStore, a fresh HpkeConfigRegistry under the Manager's
// server HPKE suite, and the Prometheus-backed MetricsReporter.
func newManager(cfg *config.Config, collector *telemetry.Collector, logger *slog.Logger) *manager.Manager {
	mgrCfg := manager.Config{
		LeaderEndpoint: cfg.Manager.LeaderEndpoint,
		HelperEndpoint: cfg.Manager.HelperEndpoint,
		MainLocations: dap.MainLocations{
			Leader: cfg.Manager.ExternalLeader,
			Helper: cfg.Manager.ExternalHelper,
		},
	}
	store := manager.NewInMemoryTaskStore()
	registry := manager.NewHpkeConfigRegistry(hpke.ServerSuite)

	return manager.New(mgrCfg, store, registry, logger, manager.WithMetrics(collector))
}

// runServers runs the HTTP API and metrics servers under an errgroup with
// a signal-aware context, returning once both have shut down or either
// has failed.
func runServers(cfg *config.Config, httpSrv *httpapi.Server, metricsSrv *http.Server, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Wrapped with h2c so Controller/Client callers can speak HTTP/2
	// without TLS, the same way the teacher wraps its gRPC endpoint.
	apiSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           h2c.NewHandler(httpSrv.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("session api listening", slog.String("addr", cfg.HTTP.Addr))
		return listenAndServe(gCtx, &lc, apiSrv, cfg.HTTP.Addr)
	})
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, apiSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// gracefulShutdown notifies systemd of the impending stop and shuts both
// servers down within shutdownTimeout.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

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
// Systemd Integration
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

// runWatchdog sends periodic watchdog keepalives at half the configured
// interval. If the watchdog is not configured, it exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
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

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

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

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

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
