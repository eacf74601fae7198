package sitemap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ingestor/packages/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterURL = "https://news.example.com/sitemap.xml"

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func index(children ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, c := range children {
		fmt.Fprintf(&b, "<sitemap><loc>%s</loc></sitemap>", c)
	}
	b.WriteString("</sitemapindex>")
	return b.String()
}

// urlset renders entries given as "url|date"; an empty date omits lastmod.
func urlset(entries ...string) string {
	var b strings.Builder
	b.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, e := range entries {
		loc, date, _ := strings.Cut(e, "|")
		b.WriteString("<url><loc>" + loc + "</loc>")
		if date != "" {
			b.WriteString("<lastmod>" + date + "</lastmod>")
		}
		b.WriteString("</url>")
	}
	b.WriteString("</urlset>")
	return b.String()
}

func day(offsetDays int) string {
	return testNow.AddDate(0, 0, offsetDays).Format("2006-01-02")
}

func years(offsetYears int) string {
	return testNow.AddDate(offsetYears, 0, 0).Format(time.RFC3339)
}

func newDiscoverer(store Store, fetcher Fetcher, opts Options) *Discoverer {
	opts.Now = func() time.Time { return testNow }
	opts.ExcludePatterns = []string{"/category/", "/author/"}
	opts.ExcludeSuffixes = []string{"category-sitemap.xml", "author-sitemap.xml"}
	return New(store, fetcher, opts)
}

// knownDomain makes the store already hold a sitemap for the test domain.
func knownDomain(t *testing.T, store *memoryStore) {
	t.Helper()
	_, err := store.SaveSitemap(context.Background(), domain.Sitemap{URL: masterURL, Domain: "news.example.com", IsMaster: true})
	require.NoError(t, err)
}

func TestDiscoverKeepsRecentAndSkipsStaleEntries(t *testing.T) {
	store := newMemoryStore()
	knownDomain(t, store)
	childURL := "https://news.example.com/posts-1.xml"
	fetcher := newStaticFetcher(map[string]string{
		masterURL: index(childURL),
		childURL: urlset(
			"https://news.example.com/yesterday|"+day(-1),
			"https://news.example.com/old|"+years(-3),
		),
	})

	stats, err := newDiscoverer(store, fetcher, Options{}).Discover(context.Background(), masterURL)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.PagesAdded)
	assert.Equal(t, 1, stats.PagesStale)
	assert.Equal(t, 1, stats.SitemapsFresh)
	assert.True(t, store.sitemap(childURL).IsFresh)
	assert.Equal(t, []string{"https://news.example.com/yesterday"}, store.saveOrder)
	require.NotNil(t, stats.Dates.Newest)
	assert.Equal(t, day(-1), stats.Dates.Newest.Format("2006-01-02"))
}

func TestDiscoverPrunesStaleSitemap(t *testing.T) {
	store := newMemoryStore()
	knownDomain(t, store)
	childURL := "https://news.example.com/archive-2019.xml"
	fetcher := newStaticFetcher(map[string]string{
		masterURL: index(childURL),
		childURL: urlset(
			"https://news.example.com/a|"+years(-2),
			"https://news.example.com/b|"+years(-3),
		),
	})
	d := newDiscoverer(store, fetcher, Options{})

	stats, err := d.Discover(context.Background(), masterURL)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SitemapsPruned)
	assert.Zero(t, stats.PagesAdded)
	assert.False(t, store.sitemap(childURL).IsFresh)
	assert.Zero(t, store.pageCount())

	// A known not-fresh child is not fetched again.
	stats, err = d.Discover(context.Background(), masterURL)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SitemapsSkipped)
	assert.Equal(t, 1, fetcher.callCount(childURL))

	// Unless verdicts are explicitly rechecked.
	recheck := newDiscoverer(store, fetcher, Options{Recheck: true})
	_, err = recheck.Discover(context.Background(), masterURL)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.callCount(childURL))
}

func TestDiscoverBootstrapsNewDomain(t *testing.T) {
	store := newMemoryStore()
	childURL := "https://news.example.com/archive.xml"
	fetcher := newStaticFetcher(map[string]string{
		masterURL: index(childURL),
		childURL: urlset(
			"https://news.example.com/a|"+years(-2),
			"https://news.example.com/b|"+years(-5),
			"https://news.example.com/undated|",
		),
	})

	stats, err := newDiscoverer(store, fetcher, Options{}).Discover(context.Background(), masterURL)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.PagesAdded)
	assert.Zero(t, stats.PagesStale)
	assert.True(t, store.sitemap(childURL).IsFresh)
	assert.True(t, store.sitemap(masterURL).IsFresh)
	assert.Nil(t, store.pages["https://news.example.com/undated"].PublicationDate)
}

func TestDiscoverSkipsUndatedEntriesForKnownDomain(t *testing.T) {
	store := newMemoryStore()
	knownDomain(t, store)
	childURL := "https://news.example.com/mixed.xml"
	fetcher := newStaticFetcher(map[string]string{
		masterURL: index(childURL),
		childURL: urlset(
			"https://news.example.com/dated|"+day(-3),
			"https://news.example.com/undated|",
			"|"+day(-2),
		),
	})

	stats, err := newDiscoverer(store, fetcher, Options{}).Discover(context.Background(), masterURL)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PagesAdded)
	assert.Equal(t, 1, stats.PagesUndated)
	assert.Equal(t, 1, stats.PagesNoLocation)
}

func TestDiscoverIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	childA := "https://news.example.com/a.xml"
	childB := "https://news.example.com/b.xml"
	fetcher := newStaticFetcher(map[string]string{
		masterURL: index(childA, childB),
		childA:    urlset("https://news.example.com/1|"+day(-1), "https://news.example.com/2|"+day(-2)),
		childB:    urlset("https://news.example.com/2|"+day(-2), "https://news.example.com/3|"+day(-4)),
	})
	d := newDiscoverer(store, fetcher, Options{Workers: 2})

	first, err := d.Discover(context.Background(), masterURL)
	require.NoError(t, err)
	assert.Equal(t, 3, first.PagesAdded)
	assert.Equal(t, 1, first.PagesDuplicate)
	idsBefore := map[string]int64{childA: store.sitemap(childA).ID, childB: store.sitemap(childB).ID}

	second, err := d.Discover(context.Background(), masterURL)
	require.NoError(t, err)
	assert.Zero(t, second.PagesAdded)
	assert.Equal(t, 4, second.PagesDuplicate)
	assert.Equal(t, 3, store.pageCount())
	assert.Equal(t, idsBefore[childA], store.sitemap(childA).ID)
	assert.Equal(t, idsBefore[childB], store.sitemap(childB).ID)
}

func TestDiscoverExcludesTaxonomySitemaps(t *testing.T) {
	store := newMemoryStore()
	fetcher := newStaticFetcher(map[string]string{
		masterURL: index(
			"https://news.example.com/category-sitemap.xml",
			"https://news.example.com/author/jane.xml",
			"https://news.example.com/post-sitemap.xml",
		),
		"https://news.example.com/post-sitemap.xml": urlset("https://news.example.com/p|" + day(-1)),
	})

	stats, err := newDiscoverer(store, fetcher, Options{}).Discover(context.Background(), masterURL)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.SitemapsFound)
	assert.Equal(t, 2, stats.SitemapsExcluded)
	assert.Zero(t, fetcher.callCount("https://news.example.com/category-sitemap.xml"))
	assert.Zero(t, fetcher.callCount("https://news.example.com/author/jane.xml"))
	assert.Equal(t, 1, stats.PagesAdded)
}

func TestDiscoverAbandonsFailedChildOnly(t *testing.T) {
	store := newMemoryStore()
	knownDomain(t, store)
	good := "https://news.example.com/good.xml"
	fetcher := newStaticFetcher(map[string]string{
		masterURL: index("https://news.example.com/missing.xml", good),
		good:      urlset("https://news.example.com/ok|" + day(-1)),
	})

	stats, err := newDiscoverer(store, fetcher, Options{}).Discover(context.Background(), masterURL)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SitemapsFailed)
	assert.Equal(t, 1, stats.PagesAdded)
}

func TestDiscoverFailsWhenMasterUnreachable(t *testing.T) {
	stats, err := newDiscoverer(newMemoryStore(), newStaticFetcher(nil), Options{}).Discover(context.Background(), masterURL)
	require.Error(t, err)
	assert.Equal(t, 1, stats.MastersFailed)
}

func TestDiscoverTreatsUrlsetMasterAsLeaf(t *testing.T) {
	store := newMemoryStore()
	knownDomain(t, store)
	fetcher := newStaticFetcher(map[string]string{
		masterURL: urlset("https://news.example.com/direct|"+day(-5), "https://news.example.com/ancient|"+years(-4)),
	})

	stats, err := newDiscoverer(store, fetcher, Options{}).Discover(context.Background(), masterURL)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PagesAdded)
	assert.Equal(t, 1, stats.PagesStale)
	assert.True(t, store.sitemap(masterURL).IsFresh)
}

func TestDiscoverUsesPluggablePolicy(t *testing.T) {
	store := newMemoryStore()
	knownDomain(t, store)
	childURL := "https://news.example.com/recent.xml"
	fetcher := newStaticFetcher(map[string]string{
		masterURL: index(childURL),
		childURL:  urlset("https://news.example.com/r|" + day(-1)),
	})
	never := FreshnessPolicyFunc(func([]time.Time, time.Time) bool { return false })

	stats, err := newDiscoverer(store, fetcher, Options{Policy: never}).Discover(context.Background(), masterURL)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SitemapsPruned)
	assert.Zero(t, stats.PagesAdded)
}

func TestDiscoverAllMergesAndContinues(t *testing.T) {
	store := newMemoryStore()
	other := "https://other.example.org/sitemap.xml"
	fetcher := newStaticFetcher(map[string]string{
		other: urlset("https://other.example.org/x|" + day(-1)),
	})

	stats := newDiscoverer(store, fetcher, Options{}).DiscoverAll(context.Background(), []string{masterURL, other})
	assert.Equal(t, 1, stats.MastersFailed)
	assert.Equal(t, 1, stats.MastersProcessed)
	assert.Equal(t, map[string]int{"other.example.org": 1}, stats.PagesByDomain)
}

func TestReadMasterList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitemaps.txt")
	require.NoError(t, os.WriteFile(path, []byte("# news\nhttps://a.example/sitemap.xml\n\n  https://b.example/sitemap.xml  \n"), 0o600))

	masters, err := ReadMasterList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/sitemap.xml", "https://b.example/sitemap.xml"}, masters)

	_, err = ReadMasterList(filepath.Join(t.TempDir(), "absent.txt"))
	assert.Error(t, err)
}
