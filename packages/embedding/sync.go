package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ingestor/packages/domain"
	"ingestor/packages/metrics"

	"golang.org/x/sync/errgroup"
)

type Store interface {
	ContentForEmbedding(ctx context.Context, q domain.EmbeddingQuery) ([]domain.EmbeddingCandidate, error)
	UpsertEmbeddings(ctx context.Context, records []domain.EmbeddingRecord) error
}

type SyncConfig struct {
	MinLength   int
	ChunkSize   int
	Concurrency int
	MaxTokens   int
	MaxRetries  int
	RetryDelay  time.Duration
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.MinLength <= 0 {
		c.MinLength = 200
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 8191
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// SyncRunner embeds every eligible text with one request per text.
type SyncRunner struct {
	cfg       SyncConfig
	store     Store
	embedder  Embedder
	tokenizer Tokenizer
	logger    *slog.Logger
}

func NewSyncRunner(cfg SyncConfig, store Store, embedder Embedder, tokenizer Tokenizer) *SyncRunner {
	return &SyncRunner{
		cfg:       cfg.withDefaults(),
		store:     store,
		embedder:  embedder,
		tokenizer: tokenizer,
		logger:    slog.Default().With("component", "embed-sync"),
	}
}

type syncItem struct {
	candidate domain.EmbeddingCandidate
	vector    []float32
	tokens    int
	truncated bool
	skipped   bool
	err       error
}

func (r *SyncRunner) Run(ctx context.Context) (domain.EmbeddingStats, error) {
	start := time.Now()
	stats := domain.EmbeddingStats{Mode: "sync"}

	candidates, err := r.store.ContentForEmbedding(ctx, domain.EmbeddingQuery{MinLength: r.cfg.MinLength})
	if err != nil {
		return stats, err
	}
	stats.Selected = len(candidates)
	if len(candidates) == 0 {
		r.logger.Info("No texts waiting for embeddings")
		return stats, nil
	}
	r.logger.Info("Embedding texts", "count", len(candidates), "chunk_size", r.cfg.ChunkSize)

	for offset := 0; offset < len(candidates); offset += r.cfg.ChunkSize {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}
		end := min(offset+r.cfg.ChunkSize, len(candidates))
		r.runChunk(ctx, candidates[offset:end], &stats)
		r.logger.Info("Chunk embedded", "done", end, "total", len(candidates), "succeeded", stats.Succeeded, "failed", stats.Failed)
	}

	stats.Elapsed = time.Since(start)
	r.logger.Info("Sync embedding finished",
		"selected", stats.Selected,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"truncated", stats.Truncated,
		"tokens", stats.Tokens,
		"elapsed", stats.Elapsed.String(),
	)
	return stats, nil
}

func (r *SyncRunner) runChunk(ctx context.Context, chunk []domain.EmbeddingCandidate, stats *domain.EmbeddingStats) {
	items := make([]syncItem, len(chunk))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, c := range chunk {
		items[i].candidate = c
		if c.Content == "" {
			items[i].skipped = true
			continue
		}
		g.Go(func() error {
			r.embedItem(gCtx, &items[i])
			return nil
		})
	}
	_ = g.Wait()

	records := make([]domain.EmbeddingRecord, 0, len(items))
	for _, it := range items {
		if it.vector != nil {
			records = append(records, domain.EmbeddingRecord{PageID: it.candidate.PageID, Vector: it.vector})
		}
	}
	var saveErr error
	if len(records) > 0 {
		if saveErr = r.store.UpsertEmbeddings(ctx, records); saveErr != nil {
			r.logger.Error("Could not save embeddings", "count", len(records), "error", saveErr)
		}
	}

	for _, it := range items {
		switch {
		case it.skipped:
			r.logger.Warn("Skipping empty content", "page_id", it.candidate.PageID)
			stats.Skipped++
		case it.err != nil || saveErr != nil:
			stats.Failed++
			stats.AddDomainFailures(it.candidate.Domain, 1)
			metrics.EmbeddingsProcessed.WithLabelValues("sync", "failed").Inc()
		default:
			stats.Succeeded++
			stats.Tokens += it.tokens
			stats.AddDomain(it.candidate.Domain, 1, it.tokens)
			metrics.EmbeddingsProcessed.WithLabelValues("sync", "succeeded").Inc()
		}
		if it.truncated {
			stats.Truncated++
		}
	}
}

func (r *SyncRunner) embedItem(ctx context.Context, it *syncItem) {
	text, tokens, truncated := Truncate(r.tokenizer, it.candidate.Content, r.cfg.MaxTokens)
	it.tokens, it.truncated = tokens, truncated
	if truncated {
		r.logger.Debug("Text truncated", "page_id", it.candidate.PageID, "tokens", tokens)
	}

	policy := Backoff{Attempts: r.cfg.MaxRetries, Unit: r.cfg.RetryDelay, logger: r.logger}
	err := policy.Do(ctx, func(ctx context.Context) error {
		vector, err := embedOne(ctx, r.embedder, text)
		if err != nil {
			return err
		}
		it.vector = vector
		return nil
	})
	if err != nil {
		it.err = fmt.Errorf("page %d: %w", it.candidate.PageID, err)
		r.logger.Error("Embedding failed after retries", "page_id", it.candidate.PageID, "attempts", r.cfg.MaxRetries, "error", err)
	}
}
