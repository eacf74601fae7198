package embedding

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"ingestor/packages/domain"
	"ingestor/packages/ledger"
	"ingestor/packages/metrics"
)

var (
	ErrWaitTimeout    = errors.New("batch job did not finish within the wait limit")
	ErrNothingToEmbed = errors.New("no texts eligible for a batch job")
)

type JobLedger interface {
	AddPending(job domain.JobRecord) error
	Resolve(batchID string, status domain.JobStatus, processed int, at time.Time) (domain.JobRecord, error)
	Pending() []domain.JobRecord
	PendingPageIDs() []int64
	Snapshot() ledger.Document
}

type BatchConfig struct {
	Model            string
	MinLength        int
	TotalLimit       int
	JobSize          int
	UpsertChunk      int
	CheckInterval    time.Duration
	MaxWait          time.Duration
	ExactAttribution bool
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MinLength <= 0 {
		c.MinLength = 500
	}
	if c.TotalLimit <= 0 {
		c.TotalLimit = 1000
	}
	if c.JobSize <= 0 {
		c.JobSize = 100
	}
	if c.UpsertChunk <= 0 {
		c.UpsertChunk = 100
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 24 * time.Hour
	}
	return c
}

// BatchManager submits embedding work through the asynchronous Batch API
// and folds finished jobs back into the store. The ledger is the only record
// of in-flight jobs, so nothing here keeps job state in memory.
type BatchManager struct {
	cfg       BatchConfig
	store     Store
	api       BatchAPI
	ledger    JobLedger
	tokenizer Tokenizer
	now       func() time.Time
	logger    *slog.Logger
}

func NewBatchManager(cfg BatchConfig, store Store, api BatchAPI, jobs JobLedger, tokenizer Tokenizer) *BatchManager {
	return &BatchManager{
		cfg:       cfg.withDefaults(),
		store:     store,
		api:       api,
		ledger:    jobs,
		tokenizer: tokenizer,
		now:       time.Now,
		logger:    slog.Default().With("component", "embed-batch"),
	}
}

// batchRequest is one line of the JSONL input file.
type batchRequest struct {
	CustomID string           `json:"custom_id"`
	Method   string           `json:"method"`
	URL      string           `json:"url"`
	Body     batchRequestBody `json:"body"`
}

type batchRequestBody struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	EncodingFormat string `json:"encoding_format"`
}

// batchResult is one line of an output or error file.
type batchResult struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type jobInput struct {
	data         []byte
	pageIDs      []int64
	domainTokens map[string]int
	pageDomains  map[string]string
	tokens       int
	skipped      int
}

// Create selects texts not yet embedded and not owned by a pending job, and
// submits them as jobs of at most JobSize requests each.
func (m *BatchManager) Create(ctx context.Context) (domain.EmbeddingStats, error) {
	start := time.Now()
	stats := domain.EmbeddingStats{Mode: "batch"}

	candidates, err := m.selectCandidates(ctx, m.cfg.TotalLimit)
	if err != nil {
		return stats, err
	}
	stats.Selected = len(candidates)
	if len(candidates) == 0 {
		m.logger.Info("All texts are embedded or already queued")
		return stats, nil
	}
	m.logger.Info("Creating batch jobs", "texts", len(candidates), "job_size", m.cfg.JobSize)

	for offset := 0; offset < len(candidates); offset += m.cfg.JobSize {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}
		end := min(offset+m.cfg.JobSize, len(candidates))
		if _, err := m.submit(ctx, candidates[offset:end], &stats); err != nil {
			if errors.Is(err, ErrNothingToEmbed) {
				continue
			}
			m.logger.Error("Could not create batch job", "texts", end-offset, "error", err)
		}
	}

	stats.Elapsed = time.Since(start)
	m.logger.Info("Batch jobs created", "jobs", stats.JobsCreated, "tokens", stats.Tokens, "skipped", stats.Skipped)
	return stats, nil
}

func (m *BatchManager) selectCandidates(ctx context.Context, limit int) ([]domain.EmbeddingCandidate, error) {
	return m.store.ContentForEmbedding(ctx, domain.EmbeddingQuery{
		MinLength:  m.cfg.MinLength,
		ExcludeIDs: m.ledger.PendingPageIDs(),
		Limit:      limit,
	})
}

// submit uploads one job file, creates the batch and records it as pending
// before returning.
func (m *BatchManager) submit(ctx context.Context, chunk []domain.EmbeddingCandidate, stats *domain.EmbeddingStats) (domain.JobRecord, error) {
	in, err := m.buildInput(chunk)
	if err != nil {
		return domain.JobRecord{}, err
	}
	stats.Skipped += in.skipped
	if len(in.pageIDs) == 0 {
		return domain.JobRecord{}, ErrNothingToEmbed
	}

	fileID, err := m.api.UploadFile(ctx, fmt.Sprintf("embeddings-%d.jsonl", m.now().UnixNano()), in.data)
	if err != nil {
		return domain.JobRecord{}, err
	}
	batch, err := m.api.CreateBatch(ctx, fileID)
	if err != nil {
		return domain.JobRecord{}, err
	}

	job := domain.JobRecord{
		BatchID:      batch.ID,
		InputFileID:  fileID,
		CreatedAt:    m.now(),
		Status:       domain.JobPending,
		PageIDs:      in.pageIDs,
		DomainTokens: in.domainTokens,
	}
	if m.cfg.ExactAttribution {
		job.PageDomains = in.pageDomains
	}
	if err := m.ledger.AddPending(job); err != nil {
		// The job exists remotely but is unknown locally; its pages will be
		// selected again by the next create run.
		m.logger.Error("Batch job created but not recorded", "batch_id", batch.ID, "error", err)
		return domain.JobRecord{}, err
	}

	stats.JobsCreated++
	stats.Tokens += in.tokens
	metrics.BatchJobTransitions.WithLabelValues(string(domain.JobPending)).Inc()
	m.logger.Info("Batch job created", "batch_id", batch.ID, "status", batch.Status, "pages", len(in.pageIDs), "tokens", in.tokens)
	return job, nil
}

func (m *BatchManager) buildInput(chunk []domain.EmbeddingCandidate) (jobInput, error) {
	in := jobInput{domainTokens: map[string]int{}, pageDomains: map[string]string{}}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for _, c := range chunk {
		if c.Content == "" {
			m.logger.Warn("Skipping empty content", "page_id", c.PageID)
			in.skipped++
			continue
		}
		id := strconv.FormatInt(c.PageID, 10)
		req := batchRequest{
			CustomID: id,
			Method:   "POST",
			URL:      "/v1/embeddings",
			Body: batchRequestBody{
				Model:          m.cfg.Model,
				Input:          c.Content,
				EncodingFormat: "float",
			},
		}
		if err := enc.Encode(req); err != nil {
			return jobInput{}, fmt.Errorf("failed to encode request for page %d: %w", c.PageID, err)
		}
		tokens := len(m.tokenizer.Encode(c.Content))
		in.tokens += tokens
		in.domainTokens[c.Domain] += tokens
		in.pageDomains[id] = c.Domain
		in.pageIDs = append(in.pageIDs, c.PageID)
	}
	in.data = buf.Bytes()
	return in, nil
}

// Check polls every pending job once and resolves those that reached a
// terminal status.
func (m *BatchManager) Check(ctx context.Context) (domain.EmbeddingStats, error) {
	start := time.Now()
	stats := domain.EmbeddingStats{Mode: "batch"}

	pending := m.ledger.Pending()
	if len(pending) == 0 {
		m.logger.Info("No pending batch jobs to check")
		return stats, nil
	}
	m.logger.Info("Checking pending batch jobs", "count", len(pending))

	for _, job := range pending {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}
		batch, err := m.api.RetrieveBatch(ctx, job.BatchID)
		if err != nil {
			m.logger.Error("Could not check batch job", "batch_id", job.BatchID, "error", err)
			continue
		}
		status := NormalizeStatus(batch.Status)
		m.logger.Info("Batch job status", "batch_id", job.BatchID, "status", batch.Status)
		if status == domain.JobPending {
			continue
		}
		if err := m.resolve(ctx, job, batch, status, &stats); err != nil {
			m.logger.Error("Could not resolve batch job", "batch_id", job.BatchID, "error", err)
		}
	}

	stats.JobsPending = len(m.ledger.Pending())
	metrics.PendingBatchJobs.Set(float64(stats.JobsPending))
	stats.Elapsed = time.Since(start)
	m.logger.Info("Batch check finished",
		"completed", stats.JobsCompleted,
		"failed", stats.JobsFailed,
		"still_pending", stats.JobsPending,
		"embeddings", stats.Succeeded,
	)
	return stats, nil
}

// Full creates new jobs and then checks every pending job.
func (m *BatchManager) Full(ctx context.Context) (domain.EmbeddingStats, error) {
	stats, err := m.Create(ctx)
	if err != nil {
		return stats, err
	}
	checked, err := m.Check(ctx)
	stats.Merge(checked)
	return stats, err
}

// RunAndWait submits a single job and polls it until it finishes. When the
// wait limit passes first, the job stays pending for a later Check and
// ErrWaitTimeout is returned.
func (m *BatchManager) RunAndWait(ctx context.Context) (domain.EmbeddingStats, error) {
	start := time.Now()
	stats := domain.EmbeddingStats{Mode: "batch"}

	candidates, err := m.selectCandidates(ctx, m.cfg.JobSize)
	if err != nil {
		return stats, err
	}
	stats.Selected = len(candidates)
	if len(candidates) == 0 {
		m.logger.Info("All texts are embedded or already queued")
		return stats, nil
	}
	job, err := m.submit(ctx, candidates, &stats)
	if err != nil {
		if errors.Is(err, ErrNothingToEmbed) {
			return stats, nil
		}
		return stats, err
	}

	deadline := m.now().Add(m.cfg.MaxWait)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		batch, err := m.api.RetrieveBatch(ctx, job.BatchID)
		if err != nil {
			m.logger.Warn("Could not poll batch job", "batch_id", job.BatchID, "error", err)
		} else if status := NormalizeStatus(batch.Status); status != domain.JobPending {
			m.logger.Info("Batch job finished", "batch_id", job.BatchID, "status", batch.Status, "waited", time.Since(start).String())
			err := m.resolve(ctx, job, batch, status, &stats)
			stats.JobsPending = len(m.ledger.Pending())
			stats.Elapsed = time.Since(start)
			return stats, err
		} else {
			m.logger.Info("Waiting for batch job", "batch_id", job.BatchID, "status", batch.Status, "elapsed", time.Since(start).Round(time.Second).String())
		}

		if !m.now().Before(deadline) {
			m.logger.Error("Batch job wait limit reached", "batch_id", job.BatchID, "max_wait", m.cfg.MaxWait.String())
			stats.JobsPending = len(m.ledger.Pending())
			stats.Elapsed = time.Since(start)
			return stats, fmt.Errorf("%w: %s", ErrWaitTimeout, job.BatchID)
		}
		select {
		case <-ctx.Done():
			stats.JobsPending = len(m.ledger.Pending())
			stats.Elapsed = time.Since(start)
			return stats, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status returns the ledger contents for display.
func (m *BatchManager) Status() ledger.Document {
	return m.ledger.Snapshot()
}

// resolve processes a terminal job and moves it out of the pending list.
// A completed job whose results cannot be read is still resolved, with
// zero processed pages.
func (m *BatchManager) resolve(ctx context.Context, job domain.JobRecord, batch Batch, status domain.JobStatus, stats *domain.EmbeddingStats) error {
	processed := 0
	if status == domain.JobCompleted {
		processed = m.processResults(ctx, job, batch, stats)
	} else {
		m.logger.Error("Batch job ended without results", "batch_id", job.BatchID, "status", batch.Status)
		m.logFailureSample(ctx, batch)
	}

	if _, err := m.ledger.Resolve(job.BatchID, status, processed, m.now()); err != nil {
		return err
	}
	metrics.BatchJobTransitions.WithLabelValues(string(status)).Inc()
	if status == domain.JobCompleted {
		stats.JobsCompleted++
	} else {
		stats.JobsFailed++
	}
	m.logger.Info("Batch job resolved", "batch_id", job.BatchID, "status", string(status), "processed", processed)
	return nil
}

func (m *BatchManager) logFailureSample(ctx context.Context, batch Batch) {
	if batch.ErrorFileID == "" {
		return
	}
	data, err := m.api.FileContent(ctx, batch.ErrorFileID)
	if err != nil {
		m.logger.Warn("Could not download batch error file", "batch_id", batch.ID, "error", err)
		return
	}
	if len(data) > 500 {
		data = data[:500]
	}
	m.logger.Error("Batch job errors", "batch_id", batch.ID, "sample", string(data))
}

func (m *BatchManager) processResults(ctx context.Context, job domain.JobRecord, batch Batch, stats *domain.EmbeddingStats) int {
	if batch.OutputFileID == "" {
		m.logger.Error("Completed batch job has no output file", "batch_id", job.BatchID)
		return 0
	}
	output, err := m.api.FileContent(ctx, batch.OutputFileID)
	if err != nil {
		m.logger.Error("Could not download batch output", "batch_id", job.BatchID, "error", err)
		return 0
	}

	var failedIDs []string
	if batch.ErrorFileID != "" {
		errData, err := m.api.FileContent(ctx, batch.ErrorFileID)
		if err != nil {
			m.logger.Warn("Could not download batch error file", "batch_id", job.BatchID, "error", err)
		} else {
			for _, r := range parseResults(errData, m.logger) {
				failedIDs = append(failedIDs, r.CustomID)
			}
		}
	}

	var (
		records      []domain.EmbeddingRecord
		succeededIDs []string
	)
	for _, r := range parseResults(output, m.logger) {
		pageID, err := strconv.ParseInt(r.CustomID, 10, 64)
		vector := r.vector()
		if err != nil || vector == nil {
			msg := ""
			if r.Error != nil {
				msg = r.Error.Message
			}
			m.logger.Warn("Batch item failed", "batch_id", job.BatchID, "custom_id", r.CustomID, "error", msg)
			failedIDs = append(failedIDs, r.CustomID)
			continue
		}
		records = append(records, domain.EmbeddingRecord{PageID: pageID, Vector: vector})
		succeededIDs = append(succeededIDs, r.CustomID)
	}

	saved := 0
	var savedIDs []string
	for offset := 0; offset < len(records); offset += m.cfg.UpsertChunk {
		end := min(offset+m.cfg.UpsertChunk, len(records))
		if err := m.store.UpsertEmbeddings(ctx, records[offset:end]); err != nil {
			m.logger.Error("Could not save batch embeddings", "batch_id", job.BatchID, "count", end-offset, "error", err)
			failedIDs = append(failedIDs, succeededIDs[offset:end]...)
			continue
		}
		saved += end - offset
		savedIDs = append(savedIDs, succeededIDs[offset:end]...)
	}

	stats.Succeeded += saved
	stats.Failed += len(failedIDs)
	stats.Tokens += job.TotalTokens()
	metrics.EmbeddingsProcessed.WithLabelValues("batch", "succeeded").Add(float64(saved))
	metrics.EmbeddingsProcessed.WithLabelValues("batch", "failed").Add(float64(len(failedIDs)))
	m.attribute(job, saved, savedIDs, failedIDs, stats)

	m.logger.Info("Batch results processed", "batch_id", job.BatchID, "saved", saved, "failed", len(failedIDs))
	return saved
}

// attribute spreads a job's outcome over domains. With per-page domains
// recorded the split is exact; otherwise successes and failures follow each
// domain's share of the job's tokens.
func (m *BatchManager) attribute(job domain.JobRecord, saved int, savedIDs, failedIDs []string, stats *domain.EmbeddingStats) {
	if len(job.PageDomains) > 0 {
		perDomain := map[string]int{}
		for _, id := range savedIDs {
			perDomain[job.PageDomains[id]]++
		}
		for _, id := range failedIDs {
			stats.AddDomainFailures(job.PageDomains[id], 1)
		}
		for d, tokens := range job.DomainTokens {
			stats.AddDomain(d, perDomain[d], tokens)
			delete(perDomain, d)
		}
		for d, n := range perDomain {
			stats.AddDomain(d, n, 0)
		}
		return
	}

	total := job.TotalTokens()
	for d, tokens := range job.DomainTokens {
		share := 0.0
		if total > 0 {
			share = float64(tokens) / float64(total)
		}
		stats.AddDomain(d, int(math.Round(float64(saved)*share)), tokens)
		stats.AddDomainFailures(d, int(math.Round(float64(len(failedIDs))*share)))
	}
}

func (r batchResult) vector() []float32 {
	if r.Error != nil || r.Response == nil || r.Response.StatusCode != 200 {
		return nil
	}
	if len(r.Response.Body.Data) == 0 || len(r.Response.Body.Data[0].Embedding) == 0 {
		return nil
	}
	return r.Response.Body.Data[0].Embedding
}

func parseResults(data []byte, logger *slog.Logger) []batchResult {
	var out []batchResult
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1<<20), 64<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r batchResult
		if err := json.Unmarshal(line, &r); err != nil {
			logger.Warn("Skipping malformed batch result line", "error", err)
			continue
		}
		out = append(out, r)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Batch result file truncated", "error", err)
	}
	return out
}

// NormalizeStatus maps Batch API statuses onto ledger statuses. Anything
// still in flight, or unknown, counts as pending.
func NormalizeStatus(apiStatus string) domain.JobStatus {
	switch apiStatus {
	case "completed":
		return domain.JobCompleted
	case "failed":
		return domain.JobFailed
	case "expired":
		return domain.JobExpired
	case "cancelled":
		return domain.JobCancelled
	default:
		return domain.JobPending
	}
}
