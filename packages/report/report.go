// Package report renders per-run stage summaries as terminal tables.
package report

import (
	"fmt"
	"io"
	"time"

	"ingestor/packages/domain"
	"ingestor/packages/ledger"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const timeLayout = "2006-01-02 15:04"

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(title)
	return t
}

func count(n int) string { return humanize.Comma(int64(n)) }

func dateOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}

func Discovery(w io.Writer, s domain.DiscoveryStats) {
	t := newTable(w, "Sitemap discovery")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Master sitemaps processed", count(s.MastersProcessed)},
		{"Master sitemaps failed", count(s.MastersFailed)},
		{"Child sitemaps found", count(s.SitemapsFound)},
		{"Excluded by pattern", count(s.SitemapsExcluded)},
		{"Skipped (not fresh earlier)", count(s.SitemapsSkipped)},
		{"Fresh", count(s.SitemapsFresh)},
		{"Pruned (stale)", count(s.SitemapsPruned)},
		{"Failed", count(s.SitemapsFailed)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Pages added", count(s.PagesAdded)},
		{"Pages already known", count(s.PagesDuplicate)},
		{"Pages too old", count(s.PagesStale)},
		{"Pages without date", count(s.PagesUndated)},
		{"Entries without location", count(s.PagesNoLocation)},
		{"Pages failed to save", count(s.PagesFailed)},
		{"Oldest publication", dateOrDash(s.Dates.Oldest)},
		{"Newest publication", dateOrDash(s.Dates.Newest)},
	})
	t.Render()

	if len(s.PagesByDomain) == 0 {
		return
	}
	d := newTable(w, "Pages added by domain")
	d.AppendHeader(table.Row{"#", "Domain", "Pages"})
	for i, name := range domain.SortedKeys(s.PagesByDomain) {
		d.AppendRow(table.Row{i + 1, name, count(s.PagesByDomain[name])})
	}
	d.AppendFooter(table.Row{"", "Total", count(s.PagesAdded)})
	d.SetColumnConfigs([]table.ColumnConfig{{Number: 3, Align: text.AlignRight}})
	d.Render()
}

func Fetch(w io.Writer, s domain.FetchStats) {
	t := newTable(w, "Page fetch")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Pages attempted", count(s.Total)},
		{"Succeeded", count(s.Succeeded)},
		{"Failed", count(s.Failed)},
		{"HTTP attempts", count(s.Attempts)},
		{"Redirects followed", count(s.Redirects)},
		{"Downloaded", humanize.Bytes(uint64(s.Bytes))},
		{"Elapsed", s.Elapsed.Round(time.Millisecond).String()},
		{"Rate", rate(s.Succeeded, s.Elapsed, "pages/s")},
	})
	t.Render()

	if len(s.ByDomain) == 0 {
		return
	}
	d := newTable(w, "Fetch by domain")
	d.AppendHeader(table.Row{"#", "Domain", "Succeeded", "Failed", "Size"})
	for i, name := range domain.SortedKeys(s.ByDomain) {
		ds := s.ByDomain[name]
		d.AppendRow(table.Row{i + 1, name, count(ds.Succeeded), count(ds.Failed), humanize.Bytes(uint64(ds.Bytes))})
	}
	d.Render()
}

func Extract(w io.Writer, s domain.ExtractStats) {
	t := newTable(w, "Content extraction")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Pages processed", count(s.Total)},
		{"Extracted", count(s.Extracted)},
		{"Nothing extracted", count(s.Failed)},
		{"Text size", humanize.Bytes(uint64(s.Bytes))},
		{"Elapsed", s.Elapsed.Round(time.Millisecond).String()},
	})
	if len(s.Languages) > 0 {
		t.AppendSeparator()
		for _, lang := range domain.SortedKeys(s.Languages) {
			t.AppendRow(table.Row{"Language " + lang, count(s.Languages[lang])})
		}
	}
	t.Render()
}

// Embedding prints run totals with the estimated cost, then the per-domain
// split. Batch runs are priced at half rate.
func Embedding(w io.Writer, s domain.EmbeddingStats, pricePerMillion float64) {
	avg := 0.0
	if s.Succeeded > 0 {
		avg = float64(s.Tokens) / float64(s.Succeeded)
	}
	costLabel := "API cost"
	if s.Mode == "batch" {
		costLabel = "API cost (batch rate)"
	}

	t := newTable(w, "Embeddings ("+s.Mode+")")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Texts selected", count(s.Selected)},
		{"Embeddings stored", count(s.Succeeded)},
		{"Failed", count(s.Failed)},
		{"Skipped (empty)", count(s.Skipped)},
		{"Truncated", count(s.Truncated)},
		{"Tokens", count(s.Tokens)},
		{"Average tokens per text", fmt.Sprintf("%.1f", avg)},
		{costLabel, fmt.Sprintf("$%.6f", s.Cost(pricePerMillion))},
		{"Elapsed", s.Elapsed.Round(time.Millisecond).String()},
		{"Rate", rate(s.Succeeded, s.Elapsed, "embeddings/s")},
	})
	if s.Mode == "batch" {
		t.AppendSeparator()
		t.AppendRows([]table.Row{
			{"Jobs created", count(s.JobsCreated)},
			{"Jobs completed", count(s.JobsCompleted)},
			{"Jobs failed", count(s.JobsFailed)},
			{"Jobs still pending", count(s.JobsPending)},
		})
	}
	t.Render()

	domains := s.Domains()
	if len(domains) == 0 {
		return
	}
	d := newTable(w, "Embeddings by domain")
	d.AppendHeader(table.Row{"#", "Domain", "Stored", "Failed", "Tokens", "Cost"})
	for i, name := range domains {
		part := domain.EmbeddingStats{Mode: s.Mode, Tokens: s.TokensByDomain[name]}
		d.AppendRow(table.Row{
			i + 1,
			name,
			count(s.ByDomain[name]),
			count(s.FailedByDomain[name]),
			count(part.Tokens),
			fmt.Sprintf("$%.6f", part.Cost(pricePerMillion)),
		})
	}
	d.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	d.Render()
}

// Ledger prints the job counts per list and the jobs still in flight.
func Ledger(w io.Writer, doc ledger.Document, now time.Time) {
	if len(doc.Pending)+len(doc.Completed)+len(doc.Failed) == 0 {
		fmt.Fprintln(w, "No batch jobs recorded")
		return
	}
	t := newTable(w, "Batch jobs")
	t.AppendHeader(table.Row{"Status", "Jobs"})
	t.AppendRows([]table.Row{
		{"pending", len(doc.Pending)},
		{"completed", len(doc.Completed)},
		{"failed", len(doc.Failed)},
	})
	t.Render()

	if len(doc.Pending) == 0 {
		return
	}
	p := newTable(w, "Pending batch jobs")
	p.AppendHeader(table.Row{"#", "Batch ID", "Created", "In flight", "Pages", "Tokens"})
	for i, j := range doc.Pending {
		p.AppendRow(table.Row{
			i + 1,
			j.BatchID,
			j.CreatedAt.Format(timeLayout),
			fmt.Sprintf("%.1f h", now.Sub(j.CreatedAt).Hours()),
			len(j.PageIDs),
			count(j.TotalTokens()),
		})
	}
	p.Render()
}

func rate(n int, elapsed time.Duration, unit string) string {
	secs := elapsed.Seconds()
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%.2f %s", float64(n)/secs, unit)
}
