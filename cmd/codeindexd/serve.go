package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/httpserver"
	"github.com/fyrsmithlabs/codeindexd/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the indexing daemon",
	Long: `Start codeindexd as a long-running daemon.

The daemon applies pending schema migrations, re-enqueues index jobs
orphaned by a previous crash, runs the background worker pool, and serves
the operational HTTP endpoints (/healthz, /readyz, /metrics).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting codeindexd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.Int("port", cfg.Server.Port),
		zap.String("embedding_model", cfg.Embeddings.Model),
	)

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.ShutdownWait.Duration())
		defer cancel()
		if err := tel.Shutdown(shCtx); err != nil {
			logger.Warn(shCtx, "telemetry shutdown failed", zap.Error(err))
		}
	}()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if err := a.store.MigrateUp(); err != nil {
		return fmt.Errorf("applying schema migrations: %w", err)
	}

	a.runtimes.Start()
	a.manager.RecoverOrphanedIndexes(ctx)
	a.queue.Start(ctx, a.manager)

	srv, err := httpserver.New(&httpserver.Config{Port: cfg.Server.Port}, logger,
		httpserver.ReadinessCheck{Name: "database", Probe: a.store.Ping},
		httpserver.ReadinessCheck{Name: "qdrant", Probe: a.vectors.Health},
	)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Warn(shCtx, "ops server shutdown failed", zap.Error(err))
	}

	// Let in-flight jobs finish their current attempt before the deferred
	// teardown closes their dependencies.
	a.queue.Close()

	logger.Info(shCtx, "codeindexd stopped")
	return nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
