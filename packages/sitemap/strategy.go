package sitemap

import (
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

var namespaces = map[string]string{
	"sm":   "http://www.sitemaps.org/schemas/sitemap/0.9",
	"news": "http://www.google.com/schemas/sitemap-news/0.9",
	"dc":   "http://purl.org/dc/elements/1.1/",
}

// Strategy is one way of locating nodes in a sitemap document. When Attr is
// set the candidate value is read from that attribute of the matched node
// instead of its text.
type Strategy struct {
	Name string
	Attr string
	expr *xpath.Expr
}

func NewStrategy(name, expr string) (Strategy, error) {
	compiled, err := xpath.CompileWithNS(expr, namespaces)
	if err != nil {
		return Strategy{}, err
	}
	return Strategy{Name: name, expr: compiled}, nil
}

func mustStrategy(expr string) Strategy {
	s, err := NewStrategy(expr, expr)
	if err != nil {
		panic(err)
	}
	return s
}

func mustAttrStrategy(expr, attr string) Strategy {
	s := mustStrategy(expr)
	s.Attr = attr
	return s
}

func (s Strategy) value(n *xmlquery.Node) string {
	if s.Attr != "" {
		return strings.TrimSpace(n.SelectAttr(s.Attr))
	}
	return strings.TrimSpace(n.InnerText())
}

// Strategies are tried in order.
type Strategies []Strategy

// FindAll returns the matches of the first strategy that matches anything.
func (ss Strategies) FindAll(top *xmlquery.Node) []*xmlquery.Node {
	for _, s := range ss {
		if nodes := xmlquery.QuerySelectorAll(top, s.expr); len(nodes) > 0 {
			return nodes
		}
	}
	return nil
}

// FirstText returns the first non-empty value any strategy produces.
func (ss Strategies) FirstText(top *xmlquery.Node) (string, bool) {
	var found string
	ss.Each(top, func(v string) bool {
		found = v
		return true
	})
	return found, found != ""
}

// Each feeds non-empty candidate values to accept in priority order until
// accept returns true.
func (ss Strategies) Each(top *xmlquery.Node, accept func(string) bool) {
	for _, s := range ss {
		for _, n := range xmlquery.QuerySelectorAll(top, s.expr) {
			if v := s.value(n); v != "" && accept(v) {
				return
			}
		}
	}
}

var (
	sitemapEntries = Strategies{
		mustStrategy("//sm:sitemap"),
		mustStrategy("//sitemap"),
		mustStrategy("//*[local-name()='sitemap']"),
	}
	urlEntries = Strategies{
		mustStrategy("//sm:url"),
		mustStrategy("//url"),
		mustStrategy("//*[local-name()='url']"),
	}
	locCandidates = Strategies{
		mustStrategy("./sm:loc"),
		mustStrategy("./loc"),
		mustStrategy("./*[local-name()='loc']"),
	}
	dateCandidates = Strategies{
		mustStrategy("./sm:lastmod"),
		mustStrategy("./lastmod"),
		mustStrategy("./*[local-name()='lastmod']"),
		mustStrategy(".//news:news/news:publication_date"),
		mustStrategy(".//*[local-name()='publication_date']"),
		mustStrategy(".//*[local-name()='pubDate']"),
		mustStrategy(".//*[local-name()='date']"),
		mustStrategy(".//*[local-name()='updated']"),
		mustStrategy(".//*[local-name()='modified']"),
		mustStrategy(".//*[local-name()='published']"),
		mustStrategy(".//*[local-name()='created']"),
		mustStrategy(".//*[local-name()='issued']"),
		mustStrategy(".//*[local-name()='time']"),
		mustStrategy(".//dc:date"),
		mustStrategy(".//*[local-name()='published_time']"),
		mustAttrStrategy(".//*[local-name()='meta'][@property='article:published_time']", "content"),
		mustAttrStrategy(".//*[local-name()='meta'][@name='date']", "content"),
		mustAttrStrategy(".//*[local-name()='meta'][@name='pubdate']", "content"),
		mustAttrStrategy(".//*[local-name()='meta'][@name='publish_date']", "content"),
		mustAttrStrategy(".//*[local-name()='meta'][@itemprop='datePublished']", "content"),
		mustAttrStrategy("descendant-or-self::*[@date]", "date"),
		mustAttrStrategy("descendant-or-self::*[@datetime]", "datetime"),
		mustAttrStrategy("descendant-or-self::*[@pubdate]", "pubdate"),
		mustAttrStrategy("descendant-or-self::*[@published]", "published"),
		mustAttrStrategy("descendant-or-self::*[@created]", "created"),
	}
)
