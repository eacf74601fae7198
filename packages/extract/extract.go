// Package extract turns raw article HTML into markdown-flavoured plain text.
package extract

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/abadojack/whatlanggo"
	readability "github.com/go-shiori/go-readability"
)

const (
	defaultMinLength = 80
	detectionWords   = 100
)

const blocks = "h1, h2, h3, h4, h5, h6, p, li, blockquote, pre, table"

const noise = "script, style, noscript, template, iframe, svg, nav, header, footer, aside, form"

type Extractor struct {
	minLength int
	logger    *slog.Logger
}

func New(minLength int) *Extractor {
	if minLength <= 0 {
		minLength = defaultMinLength
	}
	return &Extractor{minLength: minLength, logger: slog.Default().With("component", "extractor")}
}

// Extract returns the readable text of html, or false when nothing
// substantial is left. The article body is picked by readability and then
// rendered block by block; links become plain text and repeated blocks are
// emitted once. Pages readability cannot score fall back to the body text.
func (e *Extractor) Extract(html, pageURL string) (string, bool) {
	if strings.TrimSpace(html) == "" {
		return "", false
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		base = &url.URL{}
	}

	text := ""
	article, err := readability.FromReader(strings.NewReader(html), base)
	if err != nil {
		e.logger.Debug("Readability failed", "url", pageURL, "error", err)
	} else {
		text = e.render(article.Content)
	}
	if len([]rune(text)) < e.minLength {
		text = e.bodyText(html)
	}
	if len([]rune(text)) < e.minLength {
		return "", false
	}
	return text, true
}

func (e *Extractor) render(content string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		e.logger.Debug("Cannot parse article html", "error", err)
		return ""
	}

	seen := make(map[string]struct{})
	var parts []string
	emit := func(block string) {
		key := strings.ToLower(collapse(block))
		if key == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		parts = append(parts, block)
	}

	doc.Find(blocks).Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are rendered by their outermost ancestor.
		if s.ParentsFiltered(blocks).Length() > 0 {
			return
		}
		emit(renderBlock(s))
	})
	if len(parts) == 0 {
		emit(collapse(doc.Text()))
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func (e *Extractor) bodyText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find(noise).Remove()
	return collapse(doc.Find("body").Text())
}

func renderBlock(s *goquery.Selection) string {
	node := goquery.NodeName(s)
	switch node {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		text := collapse(s.Text())
		if text == "" {
			return ""
		}
		return strings.Repeat("#", int(node[1]-'0')) + " " + text
	case "li":
		if text := collapse(s.Text()); text != "" {
			return "- " + text
		}
		return ""
	case "blockquote":
		if text := collapse(s.Text()); text != "" {
			return "> " + text
		}
		return ""
	case "pre":
		if text := strings.TrimSpace(s.Text()); text != "" {
			return "```\n" + text + "\n```"
		}
		return ""
	case "table":
		return renderTable(s)
	default:
		return collapse(s.Text())
	}
}

func renderTable(s *goquery.Selection) string {
	var rows []string
	s.Find("tr").Each(func(i int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(_ int, c *goquery.Selection) {
			cells = append(cells, strings.ReplaceAll(collapse(c.Text()), "|", "\\|"))
		})
		if len(cells) == 0 {
			return
		}
		rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
		if i == 0 {
			rows = append(rows, "|"+strings.Repeat(" --- |", len(cells)))
		}
	})
	return strings.Join(rows, "\n")
}

func collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// DetectLanguage returns the ISO 639-3 code of text, judged on its first
// words, or an empty string for empty input.
func DetectLanguage(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	if len(words) > detectionWords {
		words = words[:detectionWords]
	}
	info := whatlanggo.Detect(strings.Join(words, " "))
	return info.Lang.Iso6393()
}
