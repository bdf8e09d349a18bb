package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adward/pkg/audit"
	"adward/pkg/blocklist"
	"adward/pkg/config"
	"adward/pkg/dns"
	"adward/pkg/forwarder"
	"adward/pkg/logging"
	"adward/pkg/storage"
	"adward/pkg/telemetry"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DNS proxy until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if watch {
				cfg.Lists.Watch = true
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload lists when files in the block directory change")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)

	logger.Info("adward starting", "version", version, "build_time", buildTime)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	sink, err := storage.New(&cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit sink: %w", err)
	}
	auditLog := audit.New(sink, logger, metrics)
	defer func() { _ = auditLog.Close() }()

	lists := blocklist.NewManager(&cfg.Lists, logger, metrics)
	fwd := forwarder.NewForwarder(&cfg.Upstream, logger, metrics)

	handler := dns.NewHandler(lists, fwd, auditLog, logger, metrics)
	handler.SetTracer(telem.Tracer())

	server := dns.NewServer(cfg, handler, lists, logger, metrics)
	telem.SetHealthCheck(server.Health)

	if err := server.Start(ctx); err != nil {
		_ = telem.Shutdown(context.Background())
		return err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if cfg.Lists.Watch {
		watcher, err := blocklist.NewWatcher(lists, logger)
		if err != nil {
			logger.Error("Failed to start block list watcher, continuing without it", "error", err)
		} else {
			go func() {
				if err := watcher.Start(watchCtx); err != nil {
					logger.Error("Block list watcher stopped", "error", err)
				}
			}()
		}
	}

	logger.Info("adward is running",
		"address", cfg.ListenAddress(),
		"upstream", fwd.Upstream(),
		"audit", auditLog.Enabled(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := server.ReloadLists(ctx); err != nil {
					logger.Error("Failed to reload block lists", "error", err)
				}
				continue
			}
			logger.Info("Received shutdown signal", "signal", sig.String())
		case <-ctx.Done():
			logger.Info("Context cancelled, shutting down")
		}
		break
	}

	stopWatch()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("adward stopped")
	return nil
}
