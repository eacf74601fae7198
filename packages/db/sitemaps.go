package db

import (
	"context"
	"errors"
	"fmt"

	"ingestor/packages/domain"

	"github.com/jackc/pgx/v5"
)

func (s *Storage) DomainHasSitemaps(ctx context.Context, domainName string) (bool, error) {
	defer observe("domain_has_sitemaps")()
	var exists bool
	err := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sitemaps WHERE domain = $1)`, domainName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check sitemaps for domain %s: %w", domainName, err)
	}
	return exists, nil
}

// SaveSitemap inserts sm or updates the existing row with the same URL and
// returns its id. A master row is always fresh; a child keeps its recorded
// verdict until it is checked again.
func (s *Storage) SaveSitemap(ctx context.Context, sm domain.Sitemap) (int64, error) {
	defer observe("save_sitemap")()
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO sitemaps (domain, sitemap_url, is_master, parent_id, last_mod, is_fresh)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sitemap_url) DO UPDATE SET
			last_mod  = COALESCE(EXCLUDED.last_mod, sitemaps.last_mod),
			parent_id = COALESCE(EXCLUDED.parent_id, sitemaps.parent_id),
			is_master = sitemaps.is_master OR EXCLUDED.is_master,
			is_fresh  = CASE WHEN EXCLUDED.is_master THEN TRUE ELSE sitemaps.is_fresh END
		RETURNING id_sitemap`,
		sm.Domain, sm.URL, sm.IsMaster, sm.ParentID, sm.LastModified, sm.IsMaster || sm.IsFresh,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save sitemap %s: %w", sm.URL, err)
	}
	return id, nil
}

// SitemapNotFresh reports whether url is a child sitemap already judged stale.
func (s *Storage) SitemapNotFresh(ctx context.Context, url string) (bool, error) {
	defer observe("sitemap_not_fresh")()
	var fresh, master bool
	err := s.DB.QueryRow(ctx, `SELECT is_fresh, is_master FROM sitemaps WHERE sitemap_url = $1`, url).Scan(&fresh, &master)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read freshness of %s: %w", url, err)
	}
	return !master && !fresh, nil
}

func (s *Storage) UpdateSitemapFreshness(ctx context.Context, id int64, fresh bool) error {
	defer observe("update_sitemap_freshness")()
	_, err := s.DB.Exec(ctx, `UPDATE sitemaps SET is_fresh = $2 WHERE id_sitemap = $1 AND NOT is_master`, id, fresh)
	if err != nil {
		return fmt.Errorf("failed to update freshness of sitemap %d: %w", id, err)
	}
	return nil
}

// SaveNewsPage inserts a page unless its URL is known. The first insert wins;
// a duplicate returns the existing id with inserted=false.
func (s *Storage) SaveNewsPage(ctx context.Context, p domain.NewsPage) (id int64, inserted bool, err error) {
	defer observe("save_news_page")()
	err = s.DB.QueryRow(ctx, `
		INSERT INTO news_pages (id_sitemap, page_url, publication_date, is_error)
		VALUES ($1, $2, $3, FALSE)
		ON CONFLICT (page_url) DO NOTHING
		RETURNING id_page`,
		p.SitemapID, p.URL, p.PublicationDate,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to insert news page %s: %w", p.URL, err)
	}

	err = s.DB.QueryRow(ctx, `SELECT id_page FROM news_pages WHERE page_url = $1`, p.URL).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up existing news page %s: %w", p.URL, err)
	}
	return id, false, nil
}
