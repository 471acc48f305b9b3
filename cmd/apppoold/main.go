// Command apppoold runs the application process pool server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheBerg/apppool/internal/auth"
	"github.com/TheBerg/apppool/internal/config"
	"github.com/TheBerg/apppool/internal/metrics"
	"github.com/TheBerg/apppool/internal/pool"
	"github.com/TheBerg/apppool/internal/poolserver"
	"github.com/TheBerg/apppool/internal/spawner"
	"github.com/TheBerg/apppool/internal/telemetry"
)

var (
	socketPath    = flag.String("socket", "", "unix socket path (overrides config)")
	maxApps       = flag.Int("max", -1, "hard cap on total worker processes across every application (overrides config)")
	maxPerApp     = flag.Int("max-per-app", -1, "maximum processes per application (overrides config)")
	idleSeconds   = flag.Int("idle-time", -1, "seconds a process may sit idle before collection (overrides config)")
	configFile    = flag.String("config", "", "path to a YAML config file")
	metricsAddr   = flag.String("metrics-addr", "", "address to serve /metrics and /healthz on (overrides config)")
	logLevel      = flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	authFile      = flag.String("auth-file", "", "htpasswd-style credentials file (overrides config)")
	traceExporter = flag.String("trace-exporter", "", "stdout or none (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "apppoold: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(&cfg)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telem, err := telemetry.NewManager(ctx, telemetry.Config{
		ServiceName: "apppool", ServiceVersion: "dev", Exporter: cfg.TraceExporter,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telem.Shutdown(context.Background())

	collector := metrics.NewPrometheusCollector("apppool")

	sp, err := spawner.NewExecSpawner("/tmp/apppool-run")
	if err != nil {
		logger.Error("failed to initialize spawner", "error", err)
		os.Exit(1)
	}

	p := pool.New(pool.Config{
		Max:         cfg.Max,
		MaxPerApp:   cfg.MaxPerApp,
		MaxIdleTime: cfg.MaxIdleTime,
		Spawner:     sp,
		Metrics:     collector,
		Telemetry:   telem,
	})

	authenticator, err := resolveAuthenticator(cfg.AuthFile)
	if err != nil {
		logger.Error("failed to initialize authenticator", "error", err)
		os.Exit(1)
	}

	srv := poolserver.New(p, authenticator, logger)
	if err := srv.Listen(cfg.SocketPath); err != nil {
		logger.Error("failed to bind pool socket", "error", err)
		os.Exit(2)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, collector, logger)
	}

	logger.Info("apppoold started", "socket", cfg.SocketPath, "max", cfg.Max, "max_per_app", cfg.MaxPerApp)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server loop exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Close()
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Error("pool shutdown error", "error", err)
	}
	logger.Info("apppoold stopped")
}

func applyFlagOverrides(cfg *config.Config) {
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *maxApps >= 0 {
		cfg.Max = *maxApps
	}
	if *maxPerApp >= 0 {
		cfg.MaxPerApp = *maxPerApp
	}
	if *idleSeconds >= 0 {
		cfg.MaxIdleTime = time.Duration(*idleSeconds) * time.Second
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *authFile != "" {
		cfg.AuthFile = *authFile
	}
	if *traceExporter != "" {
		cfg.TraceExporter = *traceExporter
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func resolveAuthenticator(path string) (auth.Authenticator, error) {
	if path == "" {
		return auth.AllowAll{}, nil
	}
	return auth.LoadFileAuthenticator(path)
}

func serveMetrics(addr string, collector *metrics.PrometheusCollector, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	logger.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server error", "error", err)
	}
}
