package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ingestor/packages/crawler"
	"ingestor/packages/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	tasks     []domain.PageTask
	saved     map[int64]domain.FetchResult
	raw       map[int64]string
	extracted map[int64]string
	extract   []domain.ExtractionTask
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		saved:     map[int64]domain.FetchResult{},
		raw:       map[int64]string{},
		extracted: map[int64]string{},
	}
}

func (f *fakeStore) PagesMissingRawContent(_ context.Context, perDomain int) ([]domain.PageTask, error) {
	counts := map[string]int{}
	var out []domain.PageTask
	for _, t := range f.tasks {
		if counts[t.Domain] < perDomain {
			counts[t.Domain]++
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveFetchResult(_ context.Context, r domain.FetchResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[r.Page.ID] = r
	return nil
}

func (f *fakeStore) PagesMissingExtractedContent(context.Context) ([]domain.ExtractionTask, error) {
	return f.extract, nil
}

func (f *fakeStore) RawContent(_ context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.raw[id]
	if !ok {
		return "", errors.New("no raw content")
	}
	return raw, nil
}

func (f *fakeStore) SaveExtractedContent(_ context.Context, id int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extracted[id] = text
	return nil
}

// trackingFetcher records how many fetches per domain run at once.
type trackingFetcher struct {
	mu      sync.Mutex
	active  map[string]int
	peak    map[string]int
	global  int
	peakAll int
	fail    map[string]bool
	delay   time.Duration
	calls   atomic.Int32
}

func newTrackingFetcher() *trackingFetcher {
	return &trackingFetcher{active: map[string]int{}, peak: map[string]int{}, fail: map[string]bool{}}
}

func (f *trackingFetcher) Fetch(ctx context.Context, rawURL string) crawler.Result {
	f.calls.Add(1)
	host := strings.Split(strings.TrimPrefix(rawURL, "https://"), "/")[0]

	f.mu.Lock()
	f.active[host]++
	f.global++
	f.peak[host] = max(f.peak[host], f.active[host])
	f.peakAll = max(f.peakAll, f.global)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(f.delay):
	}

	f.mu.Lock()
	f.active[host]--
	f.global--
	f.mu.Unlock()

	if ctx.Err() != nil {
		return crawler.Result{Outcome: crawler.OutcomeTerminal, Err: ctx.Err()}
	}
	if f.fail[rawURL] {
		return crawler.Result{Outcome: crawler.OutcomeTransient, Attempts: 3, Err: crawler.ErrBadStatus}
	}
	return crawler.Result{Outcome: crawler.OutcomeSuccess, Body: []byte("<html>" + rawURL + "</html>"), Attempts: 1}
}

func pageTasks(host string, n int, firstID int64) []domain.PageTask {
	out := make([]domain.PageTask, n)
	for i := range out {
		id := firstID + int64(i)
		out[i] = domain.PageTask{ID: id, URL: "https://" + host + "/p" + string(rune('a'+i)), Domain: host}
	}
	return out
}

func testConfig() Config {
	return Config{MaxWorkers: 4, PerDomain: 2, PagesPerDomain: 100, ExtractWorkers: 2}
}

func TestFetchPagesStoresBodiesAndFailures(t *testing.T) {
	store := newFakeStore()
	store.tasks = append(pageTasks("a.com", 3, 1), pageTasks("b.com", 2, 10)...)
	fetcher := newTrackingFetcher()
	fetcher.fail["https://b.com/pb"] = true

	stats, err := New(testConfig(), store, fetcher, nil).FetchPages(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 4, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 7, stats.Attempts)
	assert.Equal(t, 3, stats.ByDomain["a.com"].Succeeded)
	assert.Equal(t, 1, stats.ByDomain["b.com"].Failed)

	require.Len(t, store.saved, 5)
	require.NotNil(t, store.saved[1].RawContent)
	assert.Equal(t, "<html>https://a.com/pa</html>", *store.saved[1].RawContent)
	assert.Nil(t, store.saved[11].RawContent, "failed fetch is persisted without content")
}

func TestFetchPagesBoundsConcurrency(t *testing.T) {
	store := newFakeStore()
	store.tasks = append(pageTasks("a.com", 6, 1), pageTasks("b.com", 6, 20)...)
	store.tasks = append(store.tasks, pageTasks("c.com", 6, 40)...)
	fetcher := newTrackingFetcher()
	fetcher.delay = 5 * time.Millisecond

	cfg := testConfig()
	cfg.MaxWorkers = 3
	stats, err := New(cfg, store, fetcher, nil).FetchPages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 18, stats.Succeeded)

	for host, peak := range fetcher.peak {
		assert.LessOrEqual(t, peak, 2, "per-domain concurrency for %s", host)
	}
	assert.LessOrEqual(t, fetcher.peakAll, 3)
}

func TestFetchPagesRespectsPerDomainLimit(t *testing.T) {
	store := newFakeStore()
	store.tasks = pageTasks("a.com", 5, 1)
	cfg := testConfig()
	cfg.PagesPerDomain = 2

	stats, err := New(cfg, store, newTrackingFetcher(), nil).FetchPages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}

func TestFetchPagesEmpty(t *testing.T) {
	fetcher := newTrackingFetcher()
	stats, err := New(testConfig(), newFakeStore(), fetcher, nil).FetchPages(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Zero(t, fetcher.calls.Load())
}

func TestFetchPagesCancelledLeavesPagesPending(t *testing.T) {
	store := newFakeStore()
	store.tasks = pageTasks("a.com", 4, 1)
	fetcher := newTrackingFetcher()
	fetcher.delay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	stats, err := New(testConfig(), store, fetcher, nil).FetchPages(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Empty(t, store.saved)
}

type stubExtractor struct{}

func (stubExtractor) Extract(html, pageURL string) (string, bool) {
	if strings.Contains(html, "empty") {
		return "", false
	}
	return "The council met on Tuesday and approved the annual budget for local schools and transit.", true
}

func TestExtractPages(t *testing.T) {
	store := newFakeStore()
	store.extract = []domain.ExtractionTask{{ID: 1, Domain: "a.com"}, {ID: 2, Domain: "a.com"}, {ID: 3, Domain: "b.com"}}
	store.raw[1] = "<html>story</html>"
	store.raw[2] = "<html>empty</html>"

	stats, err := New(testConfig(), store, nil, stubExtractor{}).ExtractPages(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Extracted)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.Languages["eng"])
	assert.Contains(t, store.extracted[1], "council")
	assert.NotContains(t, store.extracted, int64(2))
}

func TestGroupByDomainKeepsOrder(t *testing.T) {
	groups := groupByDomain([]domain.PageTask{
		{ID: 1, Domain: "b.com"}, {ID: 2, Domain: "a.com"}, {ID: 3, Domain: "b.com"},
	})
	require.Len(t, groups, 2)
	assert.Equal(t, "b.com", groups[0].name)
	assert.Len(t, groups[0].pages, 2)
	assert.Equal(t, "a.com", groups[1].name)
}
