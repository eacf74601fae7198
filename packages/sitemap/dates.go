package sitemap

import (
	"regexp"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/araddon/dateparse"
)

var (
	cdataPattern = regexp.MustCompile(`<!\[CDATA\[(.*?)\]\]>`)
	tagPattern   = regexp.MustCompile(`<[^>]+>`)
)

var sentinelDates = map[string]struct{}{
	"0000-00-00": {},
	"0001-01-01": {},
	"1970-01-01": {},
}

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006 15:04",
	"02.01.2006",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
}

// ParseDate turns a sitemap date string into a UTC time. Sentinel and
// pre-1971 values are rejected.
func ParseDate(raw string) (time.Time, bool) {
	s := cdataPattern.ReplaceAllString(raw, "$1")
	s = strings.TrimSpace(tagPattern.ReplaceAllString(s, ""))
	if s == "" {
		return time.Time{}, false
	}
	for sentinel := range sentinelDates {
		if strings.HasPrefix(s, sentinel) {
			return time.Time{}, false
		}
	}

	var parsed time.Time
	ok := false
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			parsed, ok = t, true
			break
		}
	}
	if !ok {
		t, err := dateparse.ParseIn(s, time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		parsed = t
	}
	if parsed.Year() < 1971 {
		return time.Time{}, false
	}
	return parsed.UTC(), true
}

// resolveDate returns the first parseable date among the candidates of entry.
func resolveDate(entry *xmlquery.Node) *time.Time {
	var found *time.Time
	dateCandidates.Each(entry, func(v string) bool {
		t, ok := ParseDate(v)
		if ok {
			found = &t
		}
		return ok
	})
	return found
}
