package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ingestor/packages/config"
	"ingestor/packages/embedding"
	"ingestor/packages/logging"
	"ingestor/packages/metrics"
	"ingestor/packages/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("FATAL: Failed to load configuration for logger setup", "error", err)
		os.Exit(1)
	}
	closer := logging.Setup(cfg.LogFile, cfg.LogLevel, "ingest-reaper")
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("--- Starting batch reaper ---")

	if cfg.MetricsAddr != "" {
		go metrics.ExposeMetrics(cfg.MetricsAddr)
	}

	p, err := pipeline.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize pipeline", "error", err)
		os.Exit(1)
	}
	defer p.Close()

	// Holds the ledger owner lock for the lifetime of the process.
	manager, err := p.BatchManager(ctx)
	if err != nil {
		slog.Error("Failed to initialize batch manager", "error", err)
		os.Exit(1)
	}

	pollTicker := time.NewTicker(cfg.BatchPollInterval)
	defer pollTicker.Stop()

	gaugeTicker := time.NewTicker(cfg.GaugeRefreshInterval)
	defer gaugeTicker.Stop()

	slog.Info("Reaper tasks scheduled",
		"batch_poll", cfg.BatchPollInterval.String(),
		"gauge_refresh", cfg.GaugeRefreshInterval.String(),
	)

	refresh(ctx, p)
	poll(ctx, manager)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutdown signal received. Exiting...")
			return
		case <-pollTicker.C:
			poll(ctx, manager)
		case <-gaugeTicker.C:
			refresh(ctx, p)
		}
	}
}

// poll submits jobs for texts still waiting and resolves finished ones.
func poll(ctx context.Context, m *embedding.BatchManager) {
	stats, err := m.Full(ctx)
	if err != nil && !errors.Is(err, embedding.ErrNothingToEmbed) {
		slog.Error("Batch poll failed", "error", err)
		return
	}
	slog.Info("Batch poll finished",
		"jobs_completed", stats.JobsCompleted,
		"jobs_failed", stats.JobsFailed,
		"jobs_created", stats.JobsCreated,
		"jobs_pending", stats.JobsPending,
	)
}

func refresh(ctx context.Context, p *pipeline.Pipeline) {
	if err := p.RefreshGauges(ctx); err != nil {
		slog.Error("Failed to refresh backlog gauges", "error", err)
	}
}
