package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ingestor/packages/config"
	"ingestor/packages/domain"
	"ingestor/packages/embedding"
	"ingestor/packages/logging"
	"ingestor/packages/metrics"
	"ingestor/packages/pipeline"
	"ingestor/packages/report"
	"ingestor/packages/sitemap"

	"github.com/urfave/cli/v2"
)

const cfgKey = "config"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	var logCloser io.Closer
	return &cli.App{
		Name:   "ingest",
		Usage:  "Resumable news ingestion pipeline",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Override LOG_LEVEL (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if lvl := c.String("log-level"); lvl != "" {
				cfg.LogLevel = lvl
			}
			logCloser = logging.Setup(cfg.LogFile, cfg.LogLevel, "ingest")
			if cfg.MetricsAddr != "" {
				go metrics.ExposeMetrics(cfg.MetricsAddr)
			}
			c.App.Metadata = map[string]any{cfgKey: cfg}
			return nil
		},
		After: func(c *cli.Context) error {
			if logCloser != nil {
				return logCloser.Close()
			}
			return nil
		},
		Commands: commands(),
	}
}

func commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "discover",
			Usage: "Walk master sitemaps and record fresh article URLs",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Master sitemap list (defaults to SITEMAPS_FILE)"},
				&cli.BoolFlag{Name: "recheck", Usage: "Re-evaluate child sitemaps previously marked not fresh"},
			},
			Action: withPipeline(discoverCommand),
		},
		{
			Name:   "fetch",
			Usage:  "Download raw HTML for pages without content",
			Action: withPipeline(fetchCommand),
		},
		{
			Name:   "extract",
			Usage:  "Extract readable text from downloaded pages",
			Action: withPipeline(extractCommand),
		},
		{
			Name:   "embed",
			Usage:  "Embed extracted texts with one request per text",
			Action: withPipeline(embedCommand),
		},
		{
			Name:  "batch",
			Usage: "Manage asynchronous embedding batch jobs",
			Subcommands: []*cli.Command{
				{Name: "create", Usage: "Submit new batch jobs", Action: withPipeline(batchAction((*embedding.BatchManager).Create))},
				{Name: "check", Usage: "Poll pending jobs once and store finished results", Action: withPipeline(batchAction((*embedding.BatchManager).Check))},
				{Name: "full", Usage: "Create new jobs, then check every pending job", Action: withPipeline(batchAction((*embedding.BatchManager).Full))},
				{Name: "wait", Usage: "Submit one job and poll it until it finishes", Action: withPipeline(batchAction((*embedding.BatchManager).RunAndWait))},
				{Name: "status", Usage: "Show the job ledger", Action: withPipeline(statusCommand)},
			},
		},
		{
			Name:  "run",
			Usage: "Run discover, fetch, extract and embed in order",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Master sitemap list (defaults to SITEMAPS_FILE)"},
				&cli.BoolFlag{Name: "recheck", Usage: "Re-evaluate child sitemaps previously marked not fresh"},
				&cli.BoolFlag{Name: "batch", Usage: "Embed through the batch API instead of synchronous requests"},
				&cli.BoolFlag{Name: "skip-embed", Usage: "Stop after extraction"},
			},
			Action: withPipeline(runCommand),
		},
	}
}

type stageFunc func(c *cli.Context, cfg config.Config, p *pipeline.Pipeline) error

func withPipeline(fn stageFunc) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, ok := c.App.Metadata[cfgKey].(config.Config)
		if !ok {
			return errors.New("configuration not loaded")
		}
		p, err := pipeline.New(c.Context, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize pipeline: %w", err)
		}
		defer p.Close()
		return fn(c, cfg, p)
	}
}

func masterList(c *cli.Context, cfg config.Config) ([]string, error) {
	path := c.String("file")
	if path == "" {
		path = cfg.SitemapsFile
	}
	masters, err := sitemap.ReadMasterList(path)
	if err != nil {
		return nil, err
	}
	if len(masters) == 0 {
		return nil, fmt.Errorf("no master sitemaps listed in %s", path)
	}
	return masters, nil
}

func discoverCommand(c *cli.Context, cfg config.Config, p *pipeline.Pipeline) error {
	masters, err := masterList(c, cfg)
	if err != nil {
		return err
	}
	report.Discovery(c.App.Writer, p.Discover(c.Context, masters, c.Bool("recheck")))
	return nil
}

func fetchCommand(c *cli.Context, _ config.Config, p *pipeline.Pipeline) error {
	stats, err := p.Worker.FetchPages(c.Context)
	if err != nil {
		return err
	}
	report.Fetch(c.App.Writer, stats)
	return nil
}

func extractCommand(c *cli.Context, _ config.Config, p *pipeline.Pipeline) error {
	stats, err := p.Worker.ExtractPages(c.Context)
	if err != nil {
		return err
	}
	report.Extract(c.App.Writer, stats)
	return nil
}

func embedCommand(c *cli.Context, cfg config.Config, p *pipeline.Pipeline) error {
	runner, err := p.SyncRunner()
	if err != nil {
		return err
	}
	stats, err := runner.Run(c.Context)
	if err != nil {
		return err
	}
	report.Embedding(c.App.Writer, stats, cfg.PricePerMillionTokens)
	return nil
}

func batchAction(op func(*embedding.BatchManager, context.Context) (domain.EmbeddingStats, error)) stageFunc {
	return func(c *cli.Context, cfg config.Config, p *pipeline.Pipeline) error {
		m, err := p.BatchManager(c.Context)
		if err != nil {
			return err
		}
		stats, err := op(m, c.Context)
		if errors.Is(err, embedding.ErrNothingToEmbed) {
			slog.Info("No texts waiting for embeddings")
			err = nil
		}
		if stats.Mode != "" {
			report.Embedding(c.App.Writer, stats, cfg.PricePerMillionTokens)
		}
		return err
	}
}

func statusCommand(c *cli.Context, _ config.Config, p *pipeline.Pipeline) error {
	m, err := p.BatchManager(c.Context)
	if err != nil {
		return err
	}
	report.Ledger(c.App.Writer, m.Status(), time.Now())
	return nil
}

func runCommand(c *cli.Context, cfg config.Config, p *pipeline.Pipeline) error {
	masters, err := masterList(c, cfg)
	if err != nil {
		return err
	}
	started := time.Now()
	report.Discovery(c.App.Writer, p.Discover(c.Context, masters, c.Bool("recheck")))
	if err := fetchCommand(c, cfg, p); err != nil {
		return err
	}
	if err := extractCommand(c, cfg, p); err != nil {
		return err
	}
	switch {
	case c.Bool("skip-embed"):
	case c.Bool("batch"):
		err = batchAction((*embedding.BatchManager).Full)(c, cfg, p)
	default:
		err = embedCommand(c, cfg, p)
	}
	if err != nil {
		return err
	}
	slog.Info("Pipeline run finished", "elapsed", time.Since(started).Round(time.Second).String())
	return nil
}
