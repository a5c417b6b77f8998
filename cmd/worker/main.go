// Command worker runs the job claim loop: attempt execution, signal sync
// dispatch, and retention cleanup.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dragonflyic/workbench/internal/adapter/observability"
	"github.com/dragonflyic/workbench/internal/adapter/repo/postgres"
	"github.com/dragonflyic/workbench/internal/app"
	"github.com/dragonflyic/workbench/internal/config"
	"github.com/dragonflyic/workbench/internal/worker/classify"
	"github.com/dragonflyic/workbench/internal/worker/runner"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.WorkerMetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	attempts := postgres.NewAttemptRepo(pool)
	clarifications := postgres.NewClarificationRepo(pool)
	artifacts := postgres.NewArtifactRepo(pool)
	queue := postgres.NewJobQueue(pool)
	cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)

	classifier, err := classify.New(cfg.MaxDiffLines, cfg.MaxFilesTouched)
	if err != nil {
		slog.Error("classifier setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	attemptRunner := runner.NewAttemptRunner(attempts, clarifications, artifacts, classifier, runner.Options{
		TmpDirBase:         cfg.WorkerTmpdirBase,
		GitHubPAT:          cfg.GitHubPAT,
		BinaryPath:         cfg.ClaudeBinaryPath,
		MaxTurns:           cfg.ClaudeDefaultMaxTurns,
		Timeout:            cfg.ClaudeDefaultTimeout,
		MaxToolCalls:       cfg.ClaudeMaxToolCalls,
		AnswerPollInterval: cfg.AnswerPollInterval,
		MockScenario:       cfg.ClaudeMockScenario,
	})
	if cfg.MockMode() {
		slog.Warn("mock agent enabled", slog.String("scenario", cfg.ClaudeMockScenario))
	}

	sweeper := app.NewStaleJobSweeper(queue, cfg.StaleJobThreshold, cfg.StaleSweepInterval)
	go sweeper.Run(ctx)

	// SYNC_SIGNALS jobs fail until an upstream syncer is configured; the
	// GitHub project reader ships separately.
	w := runner.NewWorker(queue, attemptRunner, nil, cleanupSvc, cfg.WorkerPollInterval, cfg.JobRetryDelay)

	slog.Info("starting worker",
		slog.String("env", cfg.AppEnv),
		slog.String("worker_id", queue.WorkerID()))
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker shut down")
}
