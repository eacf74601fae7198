// Package sitemap walks master sitemaps, prunes stale children and records
// the article URLs of fresh ones.
package sitemap

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"ingestor/packages/crawler"
	"ingestor/packages/domain"
	"ingestor/packages/metrics"

	"github.com/antchfx/xmlquery"
	"github.com/panjf2000/ants/v2"
)

type Store interface {
	DomainHasSitemaps(ctx context.Context, domainName string) (bool, error)
	SaveSitemap(ctx context.Context, sm domain.Sitemap) (int64, error)
	SitemapNotFresh(ctx context.Context, url string) (bool, error)
	UpdateSitemapFreshness(ctx context.Context, id int64, fresh bool) error
	SaveNewsPage(ctx context.Context, p domain.NewsPage) (int64, bool, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) crawler.Result
}

type Options struct {
	FreshnessMonths int
	Workers         int
	// ExcludePatterns drop child sitemaps whose URL contains any entry.
	ExcludePatterns []string
	// ExcludeSuffixes drop child sitemaps whose URL ends with any entry.
	ExcludeSuffixes []string
	// Policy overrides the default trailing-window verdict.
	Policy FreshnessPolicy
	// Recheck ignores verdicts recorded by earlier runs.
	Recheck bool
	Now     func() time.Time
}

type Discoverer struct {
	store   Store
	fetcher Fetcher
	opts    Options
	window  WindowPolicy
	logger  *slog.Logger
}

func New(store Store, fetcher Fetcher, opts Options) *Discoverer {
	if opts.FreshnessMonths <= 0 {
		opts.FreshnessMonths = 12
	}
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	window := WindowPolicy{Months: opts.FreshnessMonths}
	if opts.Policy == nil {
		opts.Policy = window
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Discoverer{
		store:   store,
		fetcher: fetcher,
		opts:    opts,
		window:  window,
		logger:  slog.Default().With("component", "sitemap"),
	}
}

type child struct {
	id      int64
	url     string
	lastMod *time.Time
}

// run carries what one Discover call knows about its domain.
type run struct {
	domain string
	isNew  bool
	now    time.Time
	cutoff time.Time
}

// Discover processes one master sitemap and returns the run's counters;
// PagesAdded is the number of new page rows.
func (d *Discoverer) Discover(ctx context.Context, masterURL string) (domain.DiscoveryStats, error) {
	var stats domain.DiscoveryStats
	u, err := url.Parse(masterURL)
	if err != nil || u.Host == "" {
		stats.MastersFailed++
		return stats, fmt.Errorf("invalid master sitemap url %q", masterURL)
	}

	now := d.opts.Now().UTC()
	r := run{domain: u.Hostname(), now: now, cutoff: d.window.Cutoff(now)}

	// Decided before the master row exists, otherwise no domain is ever new.
	hasSitemaps, err := d.store.DomainHasSitemaps(ctx, r.domain)
	if err != nil {
		d.logger.Warn("Could not check domain history, treating as known", "domain", r.domain, "error", err)
	}
	r.isNew = err == nil && !hasSitemaps
	if r.isNew {
		d.logger.Info("New domain, accepting all sitemap entries", "domain", r.domain)
	}

	masterID, err := d.store.SaveSitemap(ctx, domain.Sitemap{URL: masterURL, Domain: r.domain, IsMaster: true, IsFresh: true})
	if err != nil {
		stats.MastersFailed++
		return stats, err
	}

	doc, err := d.fetchDocument(ctx, masterURL)
	if err != nil {
		stats.MastersFailed++
		return stats, fmt.Errorf("master sitemap %s: %w", masterURL, err)
	}
	stats.MastersProcessed++

	entries := sitemapEntries.FindAll(doc)
	if len(entries) == 0 {
		if len(urlEntries.FindAll(doc)) > 0 {
			stats.Merge(d.processLeaf(ctx, r, child{id: masterID, url: masterURL}, doc, true))
		} else {
			d.logger.Warn("Master sitemap has no entries", "url", masterURL)
		}
		d.logSummary(masterURL, stats)
		return stats, nil
	}

	children := d.collectChildren(ctx, r, masterID, entries, &stats)
	stats.Merge(d.processChildren(ctx, r, children))
	d.logSummary(masterURL, stats)
	return stats, nil
}

// DiscoverAll runs Discover for each master in turn. A failing master is
// logged and counted; it does not stop the others.
func (d *Discoverer) DiscoverAll(ctx context.Context, masters []string) domain.DiscoveryStats {
	var total domain.DiscoveryStats
	for _, m := range masters {
		if ctx.Err() != nil {
			break
		}
		stats, err := d.Discover(ctx, m)
		if err != nil {
			d.logger.Error("Master sitemap failed", "url", m, "error", err)
		}
		total.Merge(stats)
	}
	return total
}

func (d *Discoverer) collectChildren(ctx context.Context, r run, masterID int64, entries []*xmlquery.Node, stats *domain.DiscoveryStats) []child {
	var children []child
	for _, e := range entries {
		loc, ok := locCandidates.FirstText(e)
		if !ok {
			continue
		}
		stats.SitemapsFound++
		if d.excluded(loc) {
			stats.SitemapsExcluded++
			metrics.SitemapsProcessed.WithLabelValues("excluded").Inc()
			continue
		}
		if !d.opts.Recheck {
			notFresh, err := d.store.SitemapNotFresh(ctx, loc)
			if err != nil {
				d.logger.Warn("Could not read sitemap verdict", "url", loc, "error", err)
			}
			if notFresh {
				stats.SitemapsSkipped++
				metrics.SitemapsProcessed.WithLabelValues("skipped").Inc()
				continue
			}
		}

		lastMod := resolveDate(e)
		parent := masterID
		id, err := d.store.SaveSitemap(ctx, domain.Sitemap{
			URL:          loc,
			Domain:       r.domain,
			ParentID:     &parent,
			LastModified: lastMod,
		})
		if err != nil {
			d.logger.Error("Could not save child sitemap", "url", loc, "error", err)
			stats.SitemapsFailed++
			continue
		}
		children = append(children, child{id: id, url: loc, lastMod: lastMod})
	}
	return children
}

func (d *Discoverer) processChildren(ctx context.Context, r run, children []child) domain.DiscoveryStats {
	var total domain.DiscoveryStats
	if len(children) == 0 {
		return total
	}

	results := make([]domain.DiscoveryStats, len(children))
	work := func(i int) func() {
		return func() {
			results[i] = d.processChild(ctx, r, children[i])
		}
	}

	pool, err := ants.NewPool(d.opts.Workers)
	if err != nil {
		d.logger.Warn("Could not create sitemap pool, processing sequentially", "error", err)
		for i := range children {
			work(i)()
		}
	} else {
		defer pool.Release()
		var wg sync.WaitGroup
		for i := range children {
			wg.Add(1)
			task := work(i)
			if err := pool.Submit(func() {
				defer wg.Done()
				task()
			}); err != nil {
				d.logger.Warn("Sitemap pool rejected task, running inline", "url", children[i].url, "error", err)
				task()
				wg.Done()
			}
		}
		wg.Wait()
	}

	for _, res := range results {
		total.Merge(res)
	}
	return total
}

func (d *Discoverer) processChild(ctx context.Context, r run, c child) domain.DiscoveryStats {
	var stats domain.DiscoveryStats
	doc, err := d.fetchDocument(ctx, c.url)
	if err != nil {
		d.logger.Warn("Abandoning child sitemap", "url", c.url, "error", err)
		stats.SitemapsFailed++
		metrics.SitemapsProcessed.WithLabelValues("failed").Inc()
		return stats
	}
	return d.processLeaf(ctx, r, c, doc, false)
}

type pageEntry struct {
	loc  string
	date *time.Time
}

// processLeaf judges a page-bearing sitemap and records its pages when fresh.
// The master itself is never re-judged.
func (d *Discoverer) processLeaf(ctx context.Context, r run, c child, doc *xmlquery.Node, isMaster bool) domain.DiscoveryStats {
	var stats domain.DiscoveryStats

	nodes := urlEntries.FindAll(doc)
	entries := make([]pageEntry, 0, len(nodes))
	var dates []time.Time
	for _, n := range nodes {
		loc, _ := locCandidates.FirstText(n)
		e := pageEntry{loc: loc, date: resolveDate(n)}
		if e.date != nil {
			dates = append(dates, *e.date)
		}
		entries = append(entries, e)
	}
	if len(entries) > 0 && len(dates) == 0 {
		d.logger.Warn("No dates found in sitemap", "url", c.url, "entries", len(entries))
	}

	fresh := isMaster || r.isNew || d.opts.Policy.Fresh(dates, r.now)
	if !isMaster {
		if err := d.store.UpdateSitemapFreshness(ctx, c.id, fresh); err != nil {
			d.logger.Error("Could not record sitemap verdict", "url", c.url, "error", err)
		}
	}
	if !fresh {
		stats.SitemapsPruned++
		metrics.SitemapsProcessed.WithLabelValues("pruned").Inc()
		d.logger.Debug("Pruned stale sitemap", "url", c.url, "entries", len(entries))
		return stats
	}
	stats.SitemapsFresh++
	metrics.SitemapsProcessed.WithLabelValues("fresh").Inc()

	for _, e := range entries {
		if e.loc == "" {
			stats.PagesNoLocation++
			continue
		}
		if !r.isNew {
			if e.date == nil {
				stats.PagesUndated++
				continue
			}
			if e.date.Before(r.cutoff) {
				stats.PagesStale++
				continue
			}
		}

		_, inserted, err := d.store.SaveNewsPage(ctx, domain.NewsPage{SitemapID: c.id, URL: e.loc, PublicationDate: e.date})
		if err != nil {
			d.logger.Error("Could not save news page", "url", e.loc, "error", err)
			stats.PagesFailed++
			continue
		}
		if !inserted {
			stats.PagesDuplicate++
			continue
		}
		stats.AddPage(r.domain)
		metrics.PagesDiscovered.Inc()
		if e.date != nil {
			stats.Dates.Observe(*e.date)
		}
	}
	return stats
}

func (d *Discoverer) fetchDocument(ctx context.Context, rawURL string) (*xmlquery.Node, error) {
	res := d.fetcher.Fetch(ctx, rawURL)
	if !res.OK() {
		return nil, fmt.Errorf("fetch %s (%s after %d attempts): %w", rawURL, res.Outcome, res.Attempts, res.Err)
	}
	return parseDocument(res.Body)
}

func (d *Discoverer) excluded(loc string) bool {
	lower := strings.ToLower(loc)
	for _, s := range d.opts.ExcludeSuffixes {
		if strings.HasSuffix(lower, strings.ToLower(s)) {
			return true
		}
	}
	for _, p := range d.opts.ExcludePatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (d *Discoverer) logSummary(masterURL string, s domain.DiscoveryStats) {
	d.logger.Info("Sitemap discovery finished",
		"master", masterURL,
		"children_found", s.SitemapsFound,
		"fresh", s.SitemapsFresh,
		"pruned", s.SitemapsPruned,
		"skipped", s.SitemapsSkipped,
		"excluded", s.SitemapsExcluded,
		"failed", s.SitemapsFailed,
		"pages_added", s.PagesAdded,
		"pages_duplicate", s.PagesDuplicate,
		"pages_stale", s.PagesStale,
		"pages_undated", s.PagesUndated,
	)
}

// ReadMasterList reads one master sitemap URL per line, ignoring blank lines
// and lines starting with '#'.
func ReadMasterList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sitemap list: %w", err)
	}
	defer f.Close()

	var masters []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		masters = append(masters, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sitemap list: %w", err)
	}
	return masters, nil
}
