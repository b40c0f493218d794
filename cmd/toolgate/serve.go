package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/spf13/cobra"

	"github.com/relaymesh/toolgate/internal/config"
	"github.com/relaymesh/toolgate/internal/dispatcher"
	"github.com/relaymesh/toolgate/internal/hooks"
	"github.com/relaymesh/toolgate/internal/invoker"
	"github.com/relaymesh/toolgate/internal/orchestrator"
	"github.com/relaymesh/toolgate/internal/proxy"
	"github.com/relaymesh/toolgate/internal/registry"
	"github.com/relaymesh/toolgate/internal/telemetry"
	"github.com/relaymesh/toolgate/internal/upstream"
)

// buildServeCmd creates the "serve" command that starts the proxy.
func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the toolgate proxy",
		Long: `Start the toolgate proxy.

The server will:
1. Load configuration from the environment
2. Start every configured tool backend and build its catalog
3. Serve chat-completions requests, running the tool-calling loop as needed
4. Byte-forward every other request to the upstream gateway

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runServe(ctx context.Context, debugOverride bool) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debugOverride {
		cfg.Debug = true
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting toolgate", "version", version, "commit", commit, "addr", cfg.Addr())

	tracer, shutdownTracing := telemetry.NewTracer(cfg.OTLPEndpoint)
	metrics := telemetry.NewMetrics()

	descriptors, err := registry.LoadDescriptors(cfg.BackendListPath)
	if err != nil {
		return fmt.Errorf("load backend descriptors: %w", err)
	}

	reg := registry.New(logger)
	if err := reg.Start(ctx, descriptors); err != nil {
		return fmt.Errorf("start backends: %w", err)
	}
	defer reg.Close()

	logger.Info("backend catalog ready", "tool_count", len(reg.Catalog()), "backend_count", len(descriptors))

	if cfg.HealthSweepSchedule != "" {
		stopSweep, err := reg.StartHealthSweep(ctx, cfg.HealthSweepSchedule)
		if err != nil {
			return fmt.Errorf("start health sweep: %w", err)
		}
		defer stopSweep()
	}

	if cfg.WatchBackendList && cfg.BackendListPath != "" {
		if err := reg.WatchBackendList(ctx, cfg.BackendListPath); err != nil {
			return fmt.Errorf("watch backend list: %w", err)
		}
	}

	inv := invoker.New(reg, cfg.ToolExecutionTimeout, logger)

	upstreamClient := upstream.New(upstream.Config{
		BaseURL:                 cfg.UpstreamBaseURL,
		APIKey:                  cfg.UpstreamAPIKey,
		RequestTimeout:          cfg.RequestTimeout,
		MaxConnections:          cfg.MaxConnections,
		MaxKeepaliveConnections: cfg.MaxKeepaliveConnections,
	})

	orch := orchestrator.New(upstreamClient, reg, inv, cfg.MaxToolRounds, tracer, metrics, logger)

	forwarder, err := proxy.New(cfg.UpstreamBaseURL, logger)
	if err != nil {
		return fmt.Errorf("build byte-forwarder: %w", err)
	}

	disp := dispatcher.New(dispatcher.Config{
		Orchestrator:   orch,
		Upstream:       upstreamClient,
		Backends:       reg,
		Forwarder:      forwarder,
		Hooks:          hooks.New(logger),
		HybridEnabled:  cfg.EnableHybridStreaming,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        metrics,
		Logger:         logger,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	disp.Mount(mux)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Info("toolgate started", "addr", cfg.Addr())

	select {
	case <-runCtx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown error", "error", err)
	}

	logger.Info("toolgate stopped gracefully")
	return nil
}
