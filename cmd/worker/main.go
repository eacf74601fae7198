package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ingestor/packages/config"
	"ingestor/packages/logging"
	"ingestor/packages/metrics"
	"ingestor/packages/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("FATAL: Failed to load configuration", "error", err)
		os.Exit(1)
	}
	closer := logging.Setup(cfg.LogFile, cfg.LogLevel, "ingest-worker")
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("--- Starting ingestion worker ---", "interval", cfg.SleepInterval.String())

	if cfg.MetricsAddr != "" {
		go metrics.ExposeMetrics(cfg.MetricsAddr)
	}

	p, err := pipeline.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize pipeline", "error", err)
		os.Exit(1)
	}
	defer p.Close()

	cycle(ctx, p)

	ticker := time.NewTicker(cfg.SleepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutdown signal received. Exiting...")
			return
		case <-ticker.C:
			cycle(ctx, p)
		}
	}
}

// cycle runs one fetch pass followed by one extraction pass.
func cycle(ctx context.Context, p *pipeline.Pipeline) {
	slog.Debug("Worker cycle starting")

	fetched, err := p.Worker.FetchPages(ctx)
	if err != nil {
		slog.Error("Fetch stage failed", "error", err)
	} else if fetched.Total > 0 {
		slog.Info("Fetch stage finished", "pages", fetched.Total, "succeeded", fetched.Succeeded, "failed", fetched.Failed)
	}
	if ctx.Err() != nil {
		return
	}

	extracted, err := p.Worker.ExtractPages(ctx)
	if err != nil {
		slog.Error("Extraction stage failed", "error", err)
	} else if extracted.Total > 0 {
		slog.Info("Extraction stage finished", "pages", extracted.Total, "extracted", extracted.Extracted)
	}
}
