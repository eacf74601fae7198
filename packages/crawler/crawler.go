package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"ingestor/packages/metrics"
)

var (
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrMissingLocation  = errors.New("redirect response without Location header")
	ErrBadStatus        = errors.New("bad status code")
	ErrBodyTooLarge     = errors.New("response body exceeds limit")
	ErrInvalidURL       = errors.New("invalid url")
)

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeTransient means every attempt failed with a retryable error.
	OutcomeTransient
	// OutcomeTerminal means the fetch stopped without using up its attempts.
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient_failure"
	default:
		return "terminal_failure"
	}
}

// Result is the tagged outcome of one logical fetch, including every retry
// and redirect hop it took.
type Result struct {
	Outcome    Outcome
	Body       []byte
	FinalURL   string
	StatusCode int
	Attempts   int
	Redirects  int
	Err        error
}

func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	MaxRedirects int
	BackoffUnit  time.Duration
	MaxBodyBytes int64
}

func (c Config) WithDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 40 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	return c
}

var defaultHeaders = map[string]string{
	"User-Agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Language":           "ru-RU,ru;q=0.8,en-US;q=0.5,en;q=0.3",
	"Connection":                "keep-alive",
	"Upgrade-Insecure-Requests": "1",
	"Cache-Control":             "max-age=0",
}

type Crawler struct {
	client  *http.Client
	cfg     Config
	cookies *CookieStore
	logger  *slog.Logger
}

// New builds a crawler. Redirects are never followed by the HTTP client so
// that hops can be counted and cookies swapped between hosts.
func New(cfg Config, cookies *CookieStore) *Crawler {
	cfg = cfg.WithDefaults()
	return &Crawler{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:     cfg,
		cookies: cookies,
		logger:  slog.Default().With("component", "crawler"),
	}
}

// Fetch downloads rawURL, following at most MaxRedirects hops and making at
// most MaxRetries attempts.
func (c *Crawler) Fetch(ctx context.Context, rawURL string) (res Result) {
	res.FinalURL = rawURL
	defer func() {
		metrics.FetchAttempts.Add(float64(res.Attempts))
		metrics.FetchOutcomes.WithLabelValues(res.Outcome.String()).Inc()
	}()

	current, err := url.Parse(rawURL)
	if err != nil || current.Host == "" || (current.Scheme != "http" && current.Scheme != "https") {
		res.Outcome = OutcomeTerminal
		res.Err = fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
		return res
	}

	host := CookieDomain(current.Hostname())
	jar := c.cookies.Load(host)

	for res.Attempts < c.cfg.MaxRetries {
		resp, err := c.do(ctx, current, jar)
		if err != nil {
			res.Attempts++
			res.Err = err
			if waitErr := c.backoff(ctx, res.Attempts); waitErr != nil {
				return terminal(res, waitErr)
			}
			continue
		}
		res.StatusCode = resp.StatusCode

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			drain(resp)
			if location == "" {
				return terminal(res, ErrMissingLocation)
			}
			next, err := current.Parse(location)
			if err != nil || (next.Scheme != "http" && next.Scheme != "https") || next.Host == "" {
				return terminal(res, fmt.Errorf("%w: bad Location %q", ErrInvalidURL, location))
			}
			res.Redirects++
			if res.Redirects > c.cfg.MaxRedirects {
				return terminal(res, fmt.Errorf("%w: more than %d hops from %s", ErrTooManyRedirects, c.cfg.MaxRedirects, rawURL))
			}
			c.logger.Debug("Following redirect", "from", current.String(), "to", next.String(), "hop", res.Redirects)
			if nextHost := CookieDomain(next.Hostname()); nextHost != host {
				host = nextHost
				jar = c.cookies.Load(host)
			}
			current = next
			res.FinalURL = current.String()
			continue
		}

		if resp.StatusCode >= http.StatusBadRequest {
			drain(resp)
			res.Attempts++
			res.Err = fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
			if waitErr := c.backoff(ctx, res.Attempts); waitErr != nil {
				return terminal(res, waitErr)
			}
			continue
		}

		body, err := c.readBody(resp)
		res.Attempts++
		if errors.Is(err, ErrBodyTooLarge) {
			return terminal(res, err)
		}
		if err != nil {
			res.Err = err
			if waitErr := c.backoff(ctx, res.Attempts); waitErr != nil {
				return terminal(res, waitErr)
			}
			continue
		}
		res.Body = body
		res.Err = nil
		res.Outcome = OutcomeSuccess
		return res
	}

	res.Outcome = OutcomeTransient
	c.logger.Debug("Fetch failed after retries", "url", rawURL, "attempts", res.Attempts, "error", res.Err)
	return res
}

func (c *Crawler) do(ctx context.Context, u *url.URL, jar []*http.Cookie) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range defaultHeaders {
		req.Header.Set(k, v)
	}
	for _, ck := range jar {
		req.AddCookie(ck)
	}
	return c.client.Do(req)
}

func (c *Crawler) readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, c.cfg.MaxBodyBytes)
	}
	return body, nil
}

// backoff sleeps 2^attempt + uniform(0,1) units after the attempt-th failure
// (attempt counted from zero). No sleep follows the last attempt.
func (c *Crawler) backoff(ctx context.Context, attempts int) error {
	if attempts >= c.cfg.MaxRetries {
		return ctx.Err()
	}
	factor := math.Pow(2, float64(attempts-1)) + rand.Float64()
	delay := time.Duration(factor * float64(c.cfg.BackoffUnit))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func terminal(res Result, err error) Result {
	res.Outcome = OutcomeTerminal
	res.Err = err
	return res
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
