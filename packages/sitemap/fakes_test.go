package sitemap

import (
	"context"
	"errors"
	"sync"

	"ingestor/packages/crawler"
	"ingestor/packages/domain"
)

type memoryStore struct {
	mu        sync.Mutex
	nextID    int64
	sitemaps  map[string]*domain.Sitemap
	pages     map[string]domain.NewsPage
	saveOrder []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sitemaps: map[string]*domain.Sitemap{}, pages: map[string]domain.NewsPage{}}
}

func (m *memoryStore) DomainHasSitemaps(_ context.Context, domainName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sitemaps {
		if s.Domain == domainName {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) SaveSitemap(_ context.Context, sm domain.Sitemap) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sitemaps[sm.URL]; ok {
		if sm.LastModified != nil {
			existing.LastModified = sm.LastModified
		}
		if sm.IsMaster {
			existing.IsMaster, existing.IsFresh = true, true
		}
		return existing.ID, nil
	}
	m.nextID++
	sm.ID = m.nextID
	sm.IsFresh = sm.IsMaster || sm.IsFresh
	m.sitemaps[sm.URL] = &sm
	return sm.ID, nil
}

func (m *memoryStore) SitemapNotFresh(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sitemaps[url]
	return ok && !s.IsMaster && !s.IsFresh, nil
}

func (m *memoryStore) UpdateSitemapFreshness(_ context.Context, id int64, fresh bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sitemaps {
		if s.ID == id {
			s.IsFresh = fresh
			return nil
		}
	}
	return errors.New("no such sitemap")
}

func (m *memoryStore) SaveNewsPage(_ context.Context, p domain.NewsPage) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pages[p.URL]; ok {
		return existing.ID, false, nil
	}
	m.nextID++
	p.ID = m.nextID
	m.pages[p.URL] = p
	m.saveOrder = append(m.saveOrder, p.URL)
	return p.ID, true, nil
}

func (m *memoryStore) sitemap(url string) domain.Sitemap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sitemaps[url]
}

func (m *memoryStore) pageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// staticFetcher serves canned bodies by URL; unknown URLs fail.
type staticFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
}

func newStaticFetcher(bodies map[string]string) *staticFetcher {
	return &staticFetcher{bodies: bodies, calls: map[string]int{}}
}

func (f *staticFetcher) Fetch(_ context.Context, rawURL string) crawler.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[rawURL]++
	body, ok := f.bodies[rawURL]
	if !ok {
		return crawler.Result{Outcome: crawler.OutcomeTransient, Attempts: 3, Err: crawler.ErrBadStatus}
	}
	return crawler.Result{Outcome: crawler.OutcomeSuccess, Body: []byte(body), Attempts: 1}
}

func (f *staticFetcher) callCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}
