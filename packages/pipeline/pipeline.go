// Package pipeline builds the ingestion stages from configuration and owns
// the shared resources they depend on.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ingestor/packages/config"
	"ingestor/packages/crawler"
	"ingestor/packages/db"
	"ingestor/packages/domain"
	"ingestor/packages/embedding"
	"ingestor/packages/extract"
	"ingestor/packages/ledger"
	"ingestor/packages/sitemap"
	"ingestor/packages/worker"

	"github.com/redis/go-redis/v9"
)

var ErrMissingAPIKey = errors.New("OPENAI_API_KEY is required for embedding")

type Pipeline struct {
	cfg     config.Config
	Storage *db.Storage
	Crawler *crawler.Crawler
	Worker  *worker.Worker

	redis  *redis.Client
	ledger *ledger.Ledger
	logger *slog.Logger
}

// New connects to the store and builds the fetch and extraction stages.
// Embedding components are built on demand because they need an API key.
func New(ctx context.Context, cfg config.Config) (*Pipeline, error) {
	storage, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	c := crawler.New(CrawlerConfig(cfg), crawler.NewCookieStore(cfg.CookiesDir))
	return &Pipeline{
		cfg:     cfg,
		Storage: storage,
		Crawler: c,
		Worker:  worker.New(worker.ConfigFrom(cfg), storage, c, extract.New(0)),
		logger:  slog.Default().With("component", "pipeline"),
	}, nil
}

func CrawlerConfig(cfg config.Config) crawler.Config {
	return crawler.Config{
		Timeout:      cfg.RequestTimeout,
		MaxRetries:   cfg.MaxRetries,
		MaxRedirects: cfg.MaxRedirects,
		BackoffUnit:  cfg.BackoffUnit,
		MaxBodyBytes: cfg.MaxResponseBytes,
	}
}

func DiscoveryOptions(cfg config.Config, recheck bool) sitemap.Options {
	return sitemap.Options{
		FreshnessMonths: cfg.FreshnessMonths,
		Workers:         cfg.SitemapWorkers,
		ExcludePatterns: cfg.SitemapExcludePatterns,
		ExcludeSuffixes: cfg.SitemapExcludeSuffixes,
		Recheck:         recheck,
	}
}

func SyncConfig(cfg config.Config) embedding.SyncConfig {
	return embedding.SyncConfig{
		MinLength:   cfg.EmbedMinLength,
		ChunkSize:   cfg.EmbedChunkSize,
		Concurrency: cfg.EmbedConcurrency,
		MaxTokens:   cfg.EmbedMaxTokens,
		MaxRetries:  cfg.EmbedMaxRetries,
		RetryDelay:  cfg.EmbedRetryDelay,
	}
}

func BatchConfig(cfg config.Config) embedding.BatchConfig {
	return embedding.BatchConfig{
		Model:            cfg.EmbeddingModel,
		MinLength:        cfg.BatchMinLength,
		TotalLimit:       cfg.BatchTotalLimit,
		JobSize:          cfg.BatchJobSize,
		UpsertChunk:      cfg.EmbedChunkSize,
		CheckInterval:    cfg.BatchCheckInterval,
		MaxWait:          cfg.BatchMaxWait,
		ExactAttribution: cfg.ExactDomainAttribution,
	}
}

// Discover walks every master sitemap in order and merges the results.
// Recheck ignores not-fresh verdicts from earlier runs.
func (p *Pipeline) Discover(ctx context.Context, masters []string, recheck bool) domain.DiscoveryStats {
	return sitemap.New(p.Storage, p.Crawler, DiscoveryOptions(p.cfg, recheck)).DiscoverAll(ctx, masters)
}

func (p *Pipeline) SyncRunner() (*embedding.SyncRunner, error) {
	if p.cfg.OpenAIAPIKey == "" {
		return nil, ErrMissingAPIKey
	}
	tok, err := embedding.NewTokenizer(p.cfg.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	embedder, err := embedding.NewOpenAIEmbedder(p.cfg.OpenAIBaseURL, p.cfg.OpenAIAPIKey, p.cfg.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	return embedding.NewSyncRunner(SyncConfig(p.cfg), p.Storage, embedder, tok), nil
}

// BatchManager opens the job ledger, taking the owner lock when Redis is
// configured, and builds the batch manager on top of it.
func (p *Pipeline) BatchManager(ctx context.Context) (*embedding.BatchManager, error) {
	if p.cfg.OpenAIAPIKey == "" {
		return nil, ErrMissingAPIKey
	}
	jobs, err := p.Ledger(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := embedding.NewTokenizer(p.cfg.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	api := embedding.NewOpenAIBatchClient(p.cfg.OpenAIBaseURL, p.cfg.OpenAIAPIKey, p.cfg.BatchCompletionWindow)
	return embedding.NewBatchManager(BatchConfig(p.cfg), p.Storage, api, jobs, tok), nil
}

// Ledger opens the job ledger once per pipeline.
func (p *Pipeline) Ledger(ctx context.Context) (*ledger.Ledger, error) {
	if p.ledger != nil {
		return p.ledger, nil
	}
	if p.redis == nil {
		p.redis = NewRedisClient(p.cfg)
	}
	l, err := ledger.Open(ctx, p.cfg.LedgerFile, NewLocker(p.cfg, p.redis))
	if err != nil {
		return nil, fmt.Errorf("failed to open batch ledger: %w", err)
	}
	p.ledger = l
	return l, nil
}

// RefreshGauges updates the backlog gauges.
func (p *Pipeline) RefreshGauges(ctx context.Context) error {
	if p.ledger == nil {
		return RefreshGauges(ctx, p.Storage, nil)
	}
	return RefreshGauges(ctx, p.Storage, p.ledger)
}

// Close releases the ledger lock and the store connections.
func (p *Pipeline) Close() {
	if p.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.ledger.Close(ctx); err != nil {
			p.logger.Warn("Failed to release batch ledger", "error", err)
		}
		cancel()
	}
	if p.redis != nil {
		_ = p.redis.Close()
	}
	p.Storage.Close()
}

// NewRedisClient returns nil when no Redis address is configured.
func NewRedisClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func NewLocker(cfg config.Config, client *redis.Client) ledger.Locker {
	if client == nil {
		return ledger.NoopLocker{}
	}
	return ledger.NewRedisLocker(client, cfg.LedgerLockKey, cfg.LedgerLockTTL)
}
