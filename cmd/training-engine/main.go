// training-engine is the HTTP API server for running ML training jobs.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"trainengine/internal/api"
	"trainengine/internal/backend"
	"trainengine/internal/backend/kube"
	"trainengine/internal/backend/local"
	"trainengine/internal/checkpoint"
	"trainengine/internal/config"
	"trainengine/internal/forwarder"
	"trainengine/internal/gateway"
	"trainengine/internal/health"
	"trainengine/internal/hub"
	"trainengine/internal/job"
	"trainengine/internal/logcollect"
	"trainengine/internal/observability"
	"trainengine/internal/store"
	"trainengine/internal/supervisor"
	"trainengine/internal/tracker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	configPath := flag.String("config", config.GetEnv("CONFIG_FILE", ""), "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("Engine failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	apiKey, err := readSecretFile(cfg.Server.APIKeyFile)
	if err != nil {
		return err
	}
	signingKey, err := readSecretFile(cfg.Forwarder.SigningKeyFile)
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Durable job store
	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer st.Close()
	slog.Info("Job store ready", "driver", cfg.Store.Driver)

	// Outbound callback forwarder
	fwd := forwarder.New(forwarder.Config{
		BufferSize:  cfg.Forwarder.BufferSize,
		Workers:     cfg.Forwarder.Workers,
		HTTPTimeout: cfg.Forwarder.HTTPTimeout,
	}, metrics)

	var tr tracker.Tracker = tracker.Noop{}
	if cfg.Tracker.URL != "" {
		tr = tracker.NewBridge(fwd, cfg.Tracker.URL, signingKey)
		slog.Info("Experiment tracker bridge enabled", "url", cfg.Tracker.URL)
	}

	// Broadcast hub and log collector
	h := hub.New(cfg.Hub.SubscriberBuffer)
	defer h.Close()
	collector := logcollect.New(logcollect.Config{
		BatchSize:     cfg.Collector.BatchSize,
		FlushInterval: cfg.Collector.FlushInterval,
		SinkURL:       cfg.Forwarder.LogSinkURL,
		SigningKey:    signingKey,
	}, st, h, fwd)

	// Execution backends
	localBackend := local.New(local.Config{
		WorkDir:   cfg.Backend.Local.WorkDir,
		StopGrace: cfg.Backend.Local.StopGrace,
	})
	backends := map[job.BackendKind]backend.ExecutionBackend{
		job.BackendLocal: localBackend,
	}
	readiness := map[string]health.ReadinessChecker{
		string(job.BackendLocal): localBackend,
	}
	if cfg.Backend.Kube.Enabled {
		kubeBackend, err := kube.New(kube.Config{
			Namespace:    cfg.Backend.Kube.Namespace,
			Kubeconfig:   cfg.Backend.Kube.Kubeconfig,
			PollInterval: cfg.Backend.Kube.PollInterval,
		})
		if err != nil {
			return err
		}
		backends[job.BackendKube] = kubeBackend
		readiness[string(job.BackendKube)] = kubeBackend
		slog.Info("Kubernetes backend enabled", "namespace", cfg.Backend.Kube.Namespace)
	}

	// Checkpoint handoff (optional)
	var issuer *checkpoint.Issuer
	if cfg.Checkpoint.Bucket != "" {
		issuer, err = checkpoint.NewIssuer(ctx, checkpoint.Config{
			Bucket:   cfg.Checkpoint.Bucket,
			Region:   cfg.Checkpoint.Region,
			Endpoint: cfg.Checkpoint.Endpoint,
			TTL:      cfg.Checkpoint.TTL,
		})
		if err != nil {
			return err
		}
		slog.Info("Checkpoint presigning enabled", "bucket", cfg.Checkpoint.Bucket)
	}

	// Supervisor and callback gateway
	mgr := supervisor.New(supervisor.Config{
		CallbackBaseURL: strings.TrimRight(cfg.Callback.BaseURL, "/"),
	}, st, h, backends, collector, tr, metrics)
	gw := gateway.New(st, h, tr)

	// Pick up jobs left over from a previous run before serving traffic.
	if err := mgr.Recover(ctx); err != nil {
		return err
	}

	healthChecker := health.NewChecker(st, readiness)

	router := api.NewRouter(api.RouterConfig{
		Manager:       mgr,
		Gateway:       gw,
		Store:         st,
		Hub:           h,
		Checkpoints:   issuer,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        apiKey,
	})

	if apiKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API key configured")
	}

	// Create API server. No WriteTimeout: SSE subscriptions hold their
	// response open indefinitely.
	apiServer := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Server.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.Server.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Server.ShutdownDrainWait)
		time.Sleep(cfg.Server.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Detach supervision. Workers keep running on their
	// backends; Recover re-attaches on the next start.
	supCtx, supCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer supCancel()
	if err := mgr.Close(supCtx); err != nil {
		slog.Warn("Supervisor shutdown error", "error", err)
	}

	// Phase 4: Drain the outbound event queue
	slog.Info("Draining event forwarder")
	fwdCtx, fwdCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer fwdCancel()
	if err := fwd.Close(fwdCtx); err != nil {
		slog.Warn("Forwarder shutdown error", "error", err)
	}

	stats := fwd.Stats()
	slog.Info("Forwarder stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	localCtx, localCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer localCancel()
	if err := localBackend.Close(localCtx); err != nil {
		slog.Warn("Local backend shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}

// readSecretFile loads a key from disk, trimming whitespace. An empty
// path disables the feature guarded by the key.
func readSecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
