// Package worker runs the fetch and extraction stages over the pages the
// store reports as pending.
package worker

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"ingestor/packages/config"
	"ingestor/packages/crawler"
	"ingestor/packages/domain"
	"ingestor/packages/extract"
	"ingestor/packages/metrics"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type PageStore interface {
	PagesMissingRawContent(ctx context.Context, perDomain int) ([]domain.PageTask, error)
	SaveFetchResult(ctx context.Context, r domain.FetchResult) error
	PagesMissingExtractedContent(ctx context.Context) ([]domain.ExtractionTask, error)
	RawContent(ctx context.Context, pageID int64) (string, error)
	SaveExtractedContent(ctx context.Context, pageID int64, text string) error
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) crawler.Result
}

type ContentExtractor interface {
	Extract(html, pageURL string) (string, bool)
}

type Config struct {
	MaxWorkers     int
	PerDomain      int
	PagesPerDomain int
	ExtractWorkers int
	BatchDelayMin  time.Duration
	BatchDelayMax  time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		MaxWorkers:     cfg.MaxWorkers,
		PerDomain:      cfg.MaxConcurrentPerDomain,
		PagesPerDomain: cfg.PagesPerDomain,
		ExtractWorkers: cfg.ExtractWorkers,
		BatchDelayMin:  cfg.BatchDelayMin,
		BatchDelayMax:  cfg.BatchDelayMax,
	}
}

type Worker struct {
	cfg       Config
	store     PageStore
	fetcher   Fetcher
	extractor ContentExtractor
	logger    *slog.Logger
}

func New(cfg Config, store PageStore, fetcher Fetcher, extractor ContentExtractor) *Worker {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.PerDomain <= 0 {
		cfg.PerDomain = 2
	}
	if cfg.PagesPerDomain <= 0 {
		cfg.PagesPerDomain = 1000
	}
	if cfg.ExtractWorkers <= 0 {
		cfg.ExtractWorkers = cfg.MaxWorkers
	}
	return &Worker{
		cfg:       cfg,
		store:     store,
		fetcher:   fetcher,
		extractor: extractor,
		logger:    slog.Default().With("component", "worker"),
	}
}

type domainGroup struct {
	name  string
	pages []domain.PageTask
}

type fetchOutcome struct {
	done      bool
	ok        bool
	bytes     int64
	attempts  int
	redirects int
}

// FetchPages downloads every pending page. Each domain's pages go out in
// batches of PerDomain, with a short random pause between batches, while a
// global semaphore caps in-flight fetches at MaxWorkers.
func (w *Worker) FetchPages(ctx context.Context) (domain.FetchStats, error) {
	start := time.Now()
	var stats domain.FetchStats

	tasks, err := w.store.PagesMissingRawContent(ctx, w.cfg.PagesPerDomain)
	if err != nil {
		return stats, err
	}
	if len(tasks) == 0 {
		w.logger.Info("No pages waiting for raw content")
		return stats, nil
	}

	groups := groupByDomain(tasks)
	w.logger.Info("Fetching pages", "pages", len(tasks), "domains", len(groups))

	slots := semaphore.NewWeighted(int64(w.cfg.MaxWorkers))
	outcomes := make([][]fetchOutcome, len(groups))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxWorkers)
	for i, grp := range groups {
		g.Go(func() error {
			outcomes[i] = w.fetchDomain(gCtx, grp, slots)
			return nil
		})
	}
	_ = g.Wait()

	for i, grp := range groups {
		for _, o := range outcomes[i] {
			if o.done {
				stats.Record(grp.name, o.ok, o.bytes, o.attempts, o.redirects)
			}
		}
	}
	stats.Elapsed = time.Since(start)
	w.logger.Info("Fetch stage finished",
		"total", stats.Total,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"bytes", stats.Bytes,
		"elapsed", stats.Elapsed.String(),
	)
	return stats, nil
}

func (w *Worker) fetchDomain(ctx context.Context, grp domainGroup, slots *semaphore.Weighted) []fetchOutcome {
	out := make([]fetchOutcome, len(grp.pages))
	for start := 0; start < len(grp.pages); start += w.cfg.PerDomain {
		if ctx.Err() != nil {
			break
		}
		end := min(start+w.cfg.PerDomain, len(grp.pages))

		var wg sync.WaitGroup
		for j := start; j < end; j++ {
			if err := slots.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer slots.Release(1)
				out[j] = w.fetchPage(ctx, grp.pages[j])
			}()
		}
		wg.Wait()

		if end < len(grp.pages) {
			w.pause(ctx)
		}
	}
	return out
}

func (w *Worker) fetchPage(ctx context.Context, page domain.PageTask) fetchOutcome {
	res := w.fetcher.Fetch(ctx, page.URL)
	if ctx.Err() != nil {
		// Interrupted fetches stay pending for the next run.
		return fetchOutcome{}
	}

	result := domain.FetchResult{Page: page}
	if res.OK() {
		body := string(res.Body)
		result.RawContent = &body
	} else {
		w.logger.Warn("Page fetch failed", "page_id", page.ID, "url", page.URL, "outcome", res.Outcome.String(), "attempts", res.Attempts, "error", res.Err)
	}

	if err := w.store.SaveFetchResult(ctx, result); err != nil {
		w.logger.Error("Could not persist fetch result", "page_id", page.ID, "url", page.URL, "error", err)
		return fetchOutcome{done: true, attempts: res.Attempts, redirects: res.Redirects}
	}
	return fetchOutcome{
		done:      true,
		ok:        res.OK(),
		bytes:     int64(len(res.Body)),
		attempts:  res.Attempts,
		redirects: res.Redirects,
	}
}

func (w *Worker) pause(ctx context.Context) {
	delay := w.cfg.BatchDelayMin
	if spread := w.cfg.BatchDelayMax - w.cfg.BatchDelayMin; spread > 0 {
		delay += rand.N(spread)
	}
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func groupByDomain(tasks []domain.PageTask) []domainGroup {
	index := make(map[string]int)
	var groups []domainGroup
	for _, t := range tasks {
		i, ok := index[t.Domain]
		if !ok {
			i = len(groups)
			index[t.Domain] = i
			groups = append(groups, domainGroup{name: t.Domain})
		}
		groups[i].pages = append(groups[i].pages, t)
	}
	return groups
}

type extractOutcome struct {
	ok    bool
	bytes int64
	lang  string
}

// ExtractPages turns stored raw HTML into text. A page the extractor
// rejects is counted as failed and left for a later run.
func (w *Worker) ExtractPages(ctx context.Context) (domain.ExtractStats, error) {
	start := time.Now()
	var stats domain.ExtractStats

	tasks, err := w.store.PagesMissingExtractedContent(ctx)
	if err != nil {
		return stats, err
	}
	if len(tasks) == 0 {
		w.logger.Info("No pages waiting for extraction")
		return stats, nil
	}
	w.logger.Info("Extracting content", "pages", len(tasks))

	outcomes := make([]extractOutcome, len(tasks))
	done := make([]bool, len(tasks))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ExtractWorkers)
	for i, task := range tasks {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcomes[i] = w.extractPage(gCtx, task)
			done[i] = gCtx.Err() == nil
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range outcomes {
		if !done[i] {
			continue
		}
		stats.Record(o.ok, o.bytes, o.lang)
		if o.ok {
			metrics.PagesExtracted.WithLabelValues("extracted").Inc()
		} else {
			metrics.PagesExtracted.WithLabelValues("failed").Inc()
		}
	}
	stats.Elapsed = time.Since(start)
	w.logger.Info("Extraction stage finished",
		"total", stats.Total,
		"extracted", stats.Extracted,
		"failed", stats.Failed,
		"elapsed", stats.Elapsed.String(),
	)
	return stats, nil
}

func (w *Worker) extractPage(ctx context.Context, task domain.ExtractionTask) extractOutcome {
	raw, err := w.store.RawContent(ctx, task.ID)
	if err != nil {
		w.logger.Warn("Could not load raw content", "page_id", task.ID, "error", err)
		return extractOutcome{}
	}
	text, ok := w.extractor.Extract(raw, task.URL)
	if !ok {
		w.logger.Debug("Extractor returned nothing", "page_id", task.ID, "url", task.URL)
		return extractOutcome{}
	}
	if err := w.store.SaveExtractedContent(ctx, task.ID, text); err != nil {
		w.logger.Error("Could not save extracted content", "page_id", task.ID, "error", err)
		return extractOutcome{}
	}
	return extractOutcome{ok: true, bytes: int64(len(text)), lang: extract.DetectLanguage(text)}
}
