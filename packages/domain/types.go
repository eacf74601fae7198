// Package domain
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Sitemap struct {
	ID           int64      `db:"id_sitemap"`
	URL          string     `db:"sitemap_url"`
	Domain       string     `db:"domain"`
	IsMaster     bool       `db:"is_master"`
	ParentID     *int64     `db:"parent_id"`
	LastModified *time.Time `db:"last_mod"`
	IsFresh      bool       `db:"is_fresh"`
}

type NewsPage struct {
	ID              int64      `db:"id_page"`
	SitemapID       int64      `db:"id_sitemap"`
	URL             string     `db:"page_url"`
	PublicationDate *time.Time `db:"publication_date"`
	IsError         bool       `db:"is_error"`
}

// PageTask is a page waiting for its raw HTML.
type PageTask struct {
	ID              int64
	URL             string
	Domain          string
	PublicationDate *time.Time
}

// FetchResult is what the fetch stage persists for one page. A nil RawContent
// records a failed fetch.
type FetchResult struct {
	Page       PageTask
	RawContent *string
}

// ExtractionTask is a page with raw HTML and no extracted text yet.
type ExtractionTask struct {
	ID     int64
	URL    string
	Domain string
}

// EmbeddingCandidate is extracted text with no embedding row.
type EmbeddingCandidate struct {
	PageID  int64
	Content string
	Domain  string
}

type EmbeddingRecord struct {
	PageID int64
	Vector []float32
}

// EmbeddingQuery selects candidates for either embedding mode.
type EmbeddingQuery struct {
	MinLength  int
	ExcludeIDs []int64
	Limit      int
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobExpired   JobStatus = "expired"
	JobCancelled JobStatus = "cancelled"
)

// JobRecord tracks one asynchronous embedding batch in the ledger.
type JobRecord struct {
	BatchID        string            `json:"batch_id"`
	InputFileID    string            `json:"input_file_id"`
	CreatedAt      time.Time         `json:"created_at"`
	Status         JobStatus         `json:"status"`
	PageIDs        []int64           `json:"page_ids"`
	DomainTokens   map[string]int    `json:"domain_tokens"`
	PageDomains    map[string]string `json:"page_domains,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ProcessedCount int               `json:"processed_count"`
}

// Ledger files written by earlier tooling carry naive ISO timestamps such as
// 2025-03-01T10:00:00.123456 in local time.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseJobTime accepts RFC 3339 timestamps and the naive ISO form.
func ParseJobTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised job timestamp %q", raw)
}

func (j *JobRecord) UnmarshalJSON(data []byte) error {
	type plain JobRecord
	aux := struct {
		*plain
		CreatedAt   *string `json:"created_at"`
		CompletedAt *string `json:"completed_at"`
	}{plain: (*plain)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	j.CreatedAt = time.Time{}
	if aux.CreatedAt != nil && *aux.CreatedAt != "" {
		t, err := ParseJobTime(*aux.CreatedAt)
		if err != nil {
			return err
		}
		j.CreatedAt = t
	}
	j.CompletedAt = nil
	if aux.CompletedAt != nil && *aux.CompletedAt != "" {
		t, err := ParseJobTime(*aux.CompletedAt)
		if err != nil {
			return err
		}
		j.CompletedAt = &t
	}
	return nil
}

// TotalTokens sums the per-domain token counts.
func (j JobRecord) TotalTokens() int {
	total := 0
	for _, n := range j.DomainTokens {
		total += n
	}
	return total
}
