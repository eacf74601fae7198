package db

import (
	"context"
	"errors"
	"fmt"

	"ingestor/packages/domain"

	"github.com/jackc/pgx/v5"
)

// PagesMissingRawContent lists pages that have never been fetched and are not
// flagged as errors, newest first, at most perDomain per domain.
func (s *Storage) PagesMissingRawContent(ctx context.Context, perDomain int) ([]domain.PageTask, error) {
	defer observe("pages_missing_raw_content")()
	rows, err := s.DB.Query(ctx, `
		WITH ranked_pages AS (
			SELECT np.id_page, np.page_url, s.domain, np.publication_date,
				ROW_NUMBER() OVER (PARTITION BY s.domain ORDER BY np.publication_date DESC NULLS LAST) AS rank
			FROM news_pages np
			JOIN sitemaps s ON np.id_sitemap = s.id_sitemap
			LEFT JOIN news_pages_content npc ON np.id_page = npc.id_page
			WHERE (npc.id_page IS NULL OR npc.page_raw_content IS NULL)
				AND np.is_error = FALSE
		)
		SELECT id_page, page_url, domain, publication_date
		FROM ranked_pages
		WHERE rank <= $1
		ORDER BY publication_date DESC NULLS LAST`, perDomain)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages for fetching: %w", err)
	}

	tasks, err := pgx.CollectRows(rows, pgx.RowToStructByPos[domain.PageTask])
	if err != nil {
		return nil, fmt.Errorf("failed to scan pages for fetching: %w", err)
	}
	return tasks, nil
}

// SaveFetchResult writes one fetch outcome. The content row is upserted by
// page id; a failed fetch also raises the page's error flag in the same
// transaction.
func (s *Storage) SaveFetchResult(ctx context.Context, r domain.FetchResult) error {
	defer observe("save_fetch_result")()
	return s.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO news_pages_content (id_page, page_url, publication_date, page_raw_content)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id_page) DO UPDATE SET
				page_url = EXCLUDED.page_url,
				publication_date = EXCLUDED.publication_date,
				page_raw_content = EXCLUDED.page_raw_content,
				fetched_at = NOW()`,
			r.Page.ID, r.Page.URL, r.Page.PublicationDate, r.RawContent)
		if err != nil {
			return fmt.Errorf("failed to upsert raw content for page %d: %w", r.Page.ID, err)
		}
		if r.RawContent != nil {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE news_pages SET is_error = TRUE WHERE id_page = $1`, r.Page.ID); err != nil {
			return fmt.Errorf("failed to flag page %d as error: %w", r.Page.ID, err)
		}
		return nil
	})
}

func (s *Storage) PagesMissingExtractedContent(ctx context.Context) ([]domain.ExtractionTask, error) {
	defer observe("pages_missing_extracted_content")()
	rows, err := s.DB.Query(ctx, `
		SELECT npc.id_page, COALESCE(npc.page_url, np.page_url), s.domain
		FROM news_pages_content npc
		JOIN news_pages np ON npc.id_page = np.id_page
		JOIN sitemaps s ON np.id_sitemap = s.id_sitemap
		WHERE npc.page_raw_content IS NOT NULL
			AND npc.content IS NULL
			AND np.is_error = FALSE
		ORDER BY COALESCE(npc.publication_date, np.publication_date) DESC NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages for extraction: %w", err)
	}

	tasks, err := pgx.CollectRows(rows, pgx.RowToStructByPos[domain.ExtractionTask])
	if err != nil {
		return nil, fmt.Errorf("failed to scan pages for extraction: %w", err)
	}
	return tasks, nil
}

var ErrNoRawContent = errors.New("no raw content stored")

func (s *Storage) RawContent(ctx context.Context, pageID int64) (string, error) {
	defer observe("raw_content")()
	var raw *string
	err := s.DB.QueryRow(ctx, `SELECT page_raw_content FROM news_pages_content WHERE id_page = $1`, pageID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && raw == nil) {
		return "", fmt.Errorf("page %d: %w", pageID, ErrNoRawContent)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read raw content for page %d: %w", pageID, err)
	}
	return *raw, nil
}

func (s *Storage) SaveExtractedContent(ctx context.Context, pageID int64, text string) error {
	defer observe("save_extracted_content")()
	_, err := s.DB.Exec(ctx, `UPDATE news_pages_content SET content = $2 WHERE id_page = $1`, pageID, text)
	if err != nil {
		return fmt.Errorf("failed to save extracted content for page %d: %w", pageID, err)
	}
	return nil
}

// CountPendingFetch counts pages the fetch stage would still pick up.
func (s *Storage) CountPendingFetch(ctx context.Context) (int64, error) {
	defer observe("count_pending_fetch")()
	var n int64
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM news_pages np
		LEFT JOIN news_pages_content npc ON np.id_page = npc.id_page
		WHERE (npc.id_page IS NULL OR npc.page_raw_content IS NULL) AND np.is_error = FALSE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages pending fetch: %w", err)
	}
	return n, nil
}
