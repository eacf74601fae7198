package crawler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const cookieDateLayout = "02-01-2006"

// StoredCookie is one entry of a captured cookie file.
type StoredCookie struct {
	Name   string   `json:"name"`
	Value  string   `json:"value"`
	Domain string   `json:"domain"`
	Path   string   `json:"path"`
	Expiry *float64 `json:"expiry,omitempty"`
}

// CookieStore reads cookie files named <domain>_<DD-MM-YYYY>.json from a
// directory. A missing directory means no cookies.
type CookieStore struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

func NewCookieStore(dir string) *CookieStore {
	return &CookieStore{
		dir:    dir,
		now:    time.Now,
		logger: slog.Default().With("component", "cookies"),
	}
}

// CookieDomain normalises a host name to the key used in cookie file names.
// Files are named after the full host, www. included.
func CookieDomain(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// lookupKeys lists the file name keys tried for domain: the exact host, then
// the host without its www. prefix.
func lookupKeys(domain string) []string {
	keys := []string{domain}
	if bare := strings.TrimPrefix(domain, "www."); bare != domain {
		keys = append(keys, bare)
	}
	return keys
}

// LatestFile returns the path of the newest cookie file for domain, judged by
// the date embedded in the file name.
func (s *CookieStore) LatestFile(domain string) (string, bool) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Cannot read cookies directory", "dir", s.dir, "error", err)
		}
		return "", false
	}

	prefix := domain + "_"
	var (
		latestName string
		latestDate time.Time
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		datePart := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		d, err := time.Parse(cookieDateLayout, datePart)
		if err != nil {
			s.logger.Debug("Ignoring cookie file with unparsable date", "file", name)
			continue
		}
		if latestName == "" || d.After(latestDate) {
			latestName, latestDate = name, d
		}
	}
	if latestName == "" {
		return "", false
	}
	return filepath.Join(s.dir, latestName), true
}

// Load returns the unexpired cookies of the newest file for domain. A file
// for the exact host wins over one for the host without www.
func (s *CookieStore) Load(domain string) []*http.Cookie {
	if s == nil || s.dir == "" {
		return nil
	}
	var (
		path string
		ok   bool
	)
	for _, key := range lookupKeys(domain) {
		if path, ok = s.LatestFile(key); ok {
			break
		}
	}
	if !ok {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("Cannot read cookie file", "file", path, "error", err)
		return nil
	}
	var stored []StoredCookie
	if err := json.Unmarshal(data, &stored); err != nil {
		s.logger.Warn("Malformed cookie file", "file", path, "error", err)
		return nil
	}

	now := s.now()
	cookies := make([]*http.Cookie, 0, len(stored))
	for _, c := range stored {
		if c.Name == "" {
			continue
		}
		if c.Expiry != nil && time.Unix(int64(*c.Expiry), 0).Before(now) {
			continue
		}
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	s.logger.Debug("Loaded cookies", "domain", domain, "file", filepath.Base(path), "count", len(cookies))
	return cookies
}
