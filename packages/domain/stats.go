package domain

import (
	"sort"
	"time"
)

// DateRange tracks the oldest and newest publication dates seen in a run.
type DateRange struct {
	Oldest *time.Time
	Newest *time.Time
}

func (r *DateRange) Observe(t time.Time) {
	if r.Oldest == nil || t.Before(*r.Oldest) {
		v := t
		r.Oldest = &v
	}
	if r.Newest == nil || t.After(*r.Newest) {
		v := t
		r.Newest = &v
	}
}

func (r *DateRange) Merge(other DateRange) {
	if other.Oldest != nil {
		r.Observe(*other.Oldest)
	}
	if other.Newest != nil {
		r.Observe(*other.Newest)
	}
}

type DiscoveryStats struct {
	MastersProcessed int
	MastersFailed    int
	SitemapsFound    int
	SitemapsExcluded int
	SitemapsSkipped  int
	SitemapsFresh    int
	SitemapsPruned   int
	SitemapsFailed   int
	PagesAdded       int
	PagesDuplicate   int
	PagesStale       int
	PagesUndated     int
	PagesNoLocation  int
	PagesFailed      int
	Dates            DateRange
	PagesByDomain    map[string]int
}

func (s *DiscoveryStats) AddPage(domainName string) {
	if s.PagesByDomain == nil {
		s.PagesByDomain = make(map[string]int)
	}
	s.PagesAdded++
	s.PagesByDomain[domainName]++
}

func (s *DiscoveryStats) Merge(other DiscoveryStats) {
	s.MastersProcessed += other.MastersProcessed
	s.MastersFailed += other.MastersFailed
	s.SitemapsFound += other.SitemapsFound
	s.SitemapsExcluded += other.SitemapsExcluded
	s.SitemapsSkipped += other.SitemapsSkipped
	s.SitemapsFresh += other.SitemapsFresh
	s.SitemapsPruned += other.SitemapsPruned
	s.SitemapsFailed += other.SitemapsFailed
	s.PagesAdded += other.PagesAdded
	s.PagesDuplicate += other.PagesDuplicate
	s.PagesStale += other.PagesStale
	s.PagesUndated += other.PagesUndated
	s.PagesNoLocation += other.PagesNoLocation
	s.PagesFailed += other.PagesFailed
	s.Dates.Merge(other.Dates)
	for d, n := range other.PagesByDomain {
		if s.PagesByDomain == nil {
			s.PagesByDomain = make(map[string]int)
		}
		s.PagesByDomain[d] += n
	}
}

type DomainFetchStats struct {
	Succeeded int
	Failed    int
	Bytes     int64
}

type FetchStats struct {
	Total     int
	Succeeded int
	Failed    int
	Attempts  int
	Redirects int
	Bytes     int64
	Elapsed   time.Duration
	ByDomain  map[string]*DomainFetchStats
}

// Record folds one page outcome into the run totals.
func (s *FetchStats) Record(domainName string, ok bool, bytes int64, attempts, redirects int) {
	if s.ByDomain == nil {
		s.ByDomain = make(map[string]*DomainFetchStats)
	}
	d, found := s.ByDomain[domainName]
	if !found {
		d = &DomainFetchStats{}
		s.ByDomain[domainName] = d
	}
	s.Total++
	s.Attempts += attempts
	s.Redirects += redirects
	if ok {
		s.Succeeded++
		s.Bytes += bytes
		d.Succeeded++
		d.Bytes += bytes
		return
	}
	s.Failed++
	d.Failed++
}

type ExtractStats struct {
	Total     int
	Extracted int
	Failed    int
	Bytes     int64
	Elapsed   time.Duration
	Languages map[string]int
}

func (s *ExtractStats) Record(ok bool, bytes int64, lang string) {
	s.Total++
	if !ok {
		s.Failed++
		return
	}
	s.Extracted++
	s.Bytes += bytes
	if lang != "" {
		if s.Languages == nil {
			s.Languages = make(map[string]int)
		}
		s.Languages[lang]++
	}
}

type EmbeddingStats struct {
	Mode           string
	Selected       int
	Succeeded      int
	Failed         int
	Skipped        int
	Truncated      int
	Tokens         int
	JobsCreated    int
	JobsCompleted  int
	JobsFailed     int
	JobsPending    int
	Elapsed        time.Duration
	ByDomain       map[string]int
	TokensByDomain map[string]int
	FailedByDomain map[string]int
}

func (s *EmbeddingStats) AddDomain(domainName string, embeddings, tokens int) {
	if s.ByDomain == nil {
		s.ByDomain = make(map[string]int)
	}
	if s.TokensByDomain == nil {
		s.TokensByDomain = make(map[string]int)
	}
	s.ByDomain[domainName] += embeddings
	s.TokensByDomain[domainName] += tokens
}

func (s *EmbeddingStats) AddDomainFailures(domainName string, failed int) {
	if failed <= 0 {
		return
	}
	if s.FailedByDomain == nil {
		s.FailedByDomain = make(map[string]int)
	}
	s.FailedByDomain[domainName] += failed
}

func (s *EmbeddingStats) Merge(other EmbeddingStats) {
	s.Selected += other.Selected
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.Skipped += other.Skipped
	s.Truncated += other.Truncated
	s.Tokens += other.Tokens
	s.JobsCreated += other.JobsCreated
	s.JobsCompleted += other.JobsCompleted
	s.JobsFailed += other.JobsFailed
	s.JobsPending += other.JobsPending
	s.Elapsed += other.Elapsed
	for d, n := range other.ByDomain {
		s.AddDomain(d, n, other.TokensByDomain[d])
	}
	for d, n := range other.TokensByDomain {
		if _, seen := other.ByDomain[d]; !seen {
			s.AddDomain(d, 0, n)
		}
	}
	for d, n := range other.FailedByDomain {
		s.AddDomainFailures(d, n)
	}
}

// Domains lists every domain with successes, tokens or failures recorded.
func (s EmbeddingStats) Domains() []string {
	seen := make(map[string]struct{}, len(s.TokensByDomain)+len(s.FailedByDomain))
	for d := range s.ByDomain {
		seen[d] = struct{}{}
	}
	for d := range s.TokensByDomain {
		seen[d] = struct{}{}
	}
	for d := range s.FailedByDomain {
		seen[d] = struct{}{}
	}
	return SortedKeys(seen)
}

// Cost estimates spend in dollars for the counted tokens. Batch requests are
// billed at half price.
func (s EmbeddingStats) Cost(pricePerMillion float64) float64 {
	cost := float64(s.Tokens) / 1_000_000 * pricePerMillion
	if s.Mode == "batch" {
		cost *= 0.5
	}
	return cost
}

// SortedKeys returns map keys in a stable order for reports.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
