// Package config
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string

	// Discovery and fetching
	SitemapsFile           string
	FreshnessMonths        int
	SitemapWorkers         int
	SitemapExcludePatterns []string
	SitemapExcludeSuffixes []string
	MaxRetries             int
	MaxRedirects           int
	RequestTimeout         time.Duration
	BackoffUnit            time.Duration
	MaxResponseBytes       int64
	CookiesDir             string
	MaxWorkers             int
	MaxConcurrentPerDomain int
	PagesPerDomain         int
	BatchDelayMin          time.Duration
	BatchDelayMax          time.Duration
	ExtractWorkers         int
	SleepInterval          time.Duration
	BatchPollInterval      time.Duration
	GaugeRefreshInterval   time.Duration
	MetricsAddr            string

	// Embeddings
	OpenAIAPIKey           string
	OpenAIBaseURL          string
	EmbeddingModel         string
	EmbedMinLength         int
	EmbedChunkSize         int
	EmbedConcurrency       int
	EmbedMaxTokens         int
	EmbedMaxRetries        int
	EmbedRetryDelay        time.Duration
	BatchMinLength         int
	BatchTotalLimit        int
	BatchJobSize           int
	BatchCheckInterval     time.Duration
	BatchMaxWait           time.Duration
	BatchCompletionWindow  string
	LedgerFile             string
	ExactDomainAttribution bool
	PricePerMillionTokens  float64

	// Logging
	LogFile  string
	LogLevel string

	// Redis ledger lock
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LedgerLockKey string
	LedgerLockTTL time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not load .env file", "error", err)
	}

	cfg := Config{}
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("missing required environment variables: %s", "DATABASE_URL")
	}

	cfg.SitemapsFile = getEnv("SITEMAPS_FILE", "sitemaps.txt")
	cfg.FreshnessMonths = getInt("FRESHNESS_MONTHS", 12)
	cfg.SitemapWorkers = getInt("SITEMAP_WORKERS", 5)
	cfg.SitemapExcludePatterns = splitList(getEnv("SITEMAP_EXCLUDE_PATTERNS", "/category/,/author/"))
	cfg.SitemapExcludeSuffixes = splitList(getEnv("SITEMAP_EXCLUDE_SUFFIXES", "category-sitemap.xml,author-sitemap.xml"))
	cfg.MaxRetries = getInt("MAX_RETRIES", 3)
	cfg.MaxRedirects = getInt("MAX_REDIRECTS", 5)
	cfg.RequestTimeout = getDuration("REQUEST_TIMEOUT", 40*time.Second)
	cfg.BackoffUnit = getDuration("BACKOFF_UNIT", time.Second)
	cfg.MaxResponseBytes = int64(getInt("MAX_RESPONSE_BYTES", 10<<20))
	cfg.CookiesDir = getEnv("COOKIES_DIR", "cookies")
	cfg.MaxWorkers = getInt("MAX_WORKERS", 10)
	cfg.MaxConcurrentPerDomain = getInt("MAX_CONCURRENT_PER_DOMAIN", 2)
	cfg.PagesPerDomain = getInt("PAGES_PER_DOMAIN", 1000)
	cfg.BatchDelayMin = getDuration("BATCH_DELAY_MIN", 200*time.Millisecond)
	cfg.BatchDelayMax = getDuration("BATCH_DELAY_MAX", 500*time.Millisecond)
	cfg.ExtractWorkers = getInt("EXTRACT_WORKERS", 10)
	cfg.SleepInterval = getDuration("SLEEP_INTERVAL", 5*time.Minute)
	cfg.BatchPollInterval = getDuration("BATCH_POLL_INTERVAL", 10*time.Minute)
	cfg.GaugeRefreshInterval = getDuration("GAUGE_REFRESH_INTERVAL", 30*time.Second)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")
	cfg.PricePerMillionTokens = getFloat("PRICE_PER_1M_TOKENS", 0.02)
	cfg.ExactDomainAttribution = getBool("EXACT_DOMAIN_ATTRIBUTION", false)

	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", "")
	cfg.OpenAIBaseURL = strings.TrimRight(getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/")
	cfg.EmbeddingModel = getEnv("EMBEDDING_MODEL", "text-embedding-3-small")
	cfg.EmbedMinLength = getInt("EMBED_MIN_LENGTH", 200)
	cfg.EmbedChunkSize = getInt("EMBED_CHUNK_SIZE", 100)
	cfg.EmbedConcurrency = getInt("EMBED_CONCURRENCY", 5)
	cfg.EmbedMaxTokens = getInt("EMBED_MAX_TOKENS", 8191)
	cfg.EmbedMaxRetries = getInt("EMBED_MAX_RETRIES", 3)
	cfg.EmbedRetryDelay = getDuration("EMBED_RETRY_DELAY", 2*time.Second)
	cfg.BatchMinLength = getInt("BATCH_MIN_LENGTH", 500)
	cfg.BatchTotalLimit = getInt("BATCH_TOTAL_LIMIT", 1000)
	cfg.BatchJobSize = getInt("BATCH_JOB_SIZE", 100)
	cfg.BatchCheckInterval = getDuration("BATCH_CHECK_INTERVAL", 10*time.Second)
	cfg.BatchMaxWait = getDuration("BATCH_MAX_WAIT", 24*time.Hour)
	cfg.BatchCompletionWindow = getEnv("BATCH_COMPLETION_WINDOW", "24h")
	cfg.LedgerFile = getEnv("LEDGER_FILE", "batch_jobs.json")

	cfg.LogFile = getEnv("LOG_FILE", "logs/ingestor.log")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	cfg.RedisAddr = getEnv("REDIS_ADDR", "") // empty disables the ledger lock
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)
	cfg.LedgerLockKey = getEnv("LEDGER_LOCK_KEY", "ingestor:batch-ledger")
	cfg.LedgerLockTTL = getDuration("LEDGER_LOCK_TTL", time.Minute)

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		slog.Warn("Invalid integer setting, using default", "key", key, "value", raw, "default", defaultVal, "error", err)
		return defaultVal
	}
	return v
}

func getFloat(key string, defaultVal float64) float64 {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		slog.Warn("Invalid float setting, using default", "key", key, "value", raw, "default", defaultVal, "error", err)
		return defaultVal
	}
	return v
}

func getBool(key string, defaultVal bool) bool {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		slog.Warn("Invalid boolean setting, using default", "key", key, "value", raw, "default", defaultVal, "error", err)
		return defaultVal
	}
	return v
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		slog.Warn("Invalid duration setting, using default", "key", key, "value", raw, "default", defaultVal, "error", err)
		return defaultVal
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
