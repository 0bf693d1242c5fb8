// Package config provides environment-driven configuration for the
// ingest-and-retrieval engine.
package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	// DefaultWorkerPort is the HTTP port the service listens on.
	DefaultWorkerPort = 8080

	// DefaultEmbeddingDimensions is D, the vector dimensionality, when the
	// environment does not override it.
	DefaultEmbeddingDimensions = 1024

	// DefaultEmbeddingBatchSize is the provider-sized super-batch cap.
	DefaultEmbeddingBatchSize = 120

	// DefaultRateLimitMaxRequests and DefaultRateLimitWindowSeconds model a
	// free-tier embedding provider quota.
	DefaultRateLimitMaxRequests   = 3
	DefaultRateLimitWindowSeconds = 60

	// DefaultCacheTTLDays is the persistent cache-tier eviction age.
	DefaultCacheTTLDays = 30
	// DefaultCacheMaxSize bounds the in-memory FIFO tier.
	DefaultCacheMaxSize = 10000
	// DefaultCacheAccessThreshold is the access-count floor below which a
	// persistent cache row older than DefaultCacheTTLDays is purged.
	DefaultCacheAccessThreshold = 5
	// DefaultCachePreloadSize bounds how many of the most-recently-and-
	// frequently accessed persistent cache rows are loaded into memory on
	// startup.
	DefaultCachePreloadSize = 1000
	// DefaultCacheCleanupIntervalHours paces the background persistent-tier
	// cleanup job.
	DefaultCacheCleanupIntervalHours = 24

	// DefaultSyncBatchSize is the page size used by the sync pipeline.
	DefaultSyncBatchSize = 100
	// DefaultSyncMaxWorkers bounds concurrent sync jobs (they still funnel
	// through the single embedding queue processor).
	DefaultSyncMaxWorkers = 4

	// DefaultLLMMaxTokens and DefaultLLMTemperature are chat-completion
	// defaults.
	DefaultLLMMaxTokens   = 1024
	DefaultLLMTemperature = 0.2

	// DefaultHTTPTimeoutSeconds bounds outbound LLM HTTP calls when the
	// environment doesn't set a timeout.
	DefaultHTTPTimeoutSeconds = 30
)

// Config holds the application configuration. Field order favours memory
// alignment: strings and slices first, then numeric, then boolean.
type Config struct {
	DatabaseURL               string
	EmbeddingAPIKey           string
	EmbeddingBaseURL          string
	EmbeddingModel            string
	LLMAPIKey                 string
	LLMBaseURL                string
	LLMModel                  string
	CORSAllowedOrigins        []string
	EmbeddingDimensions       int
	EmbeddingBatchSize        int
	RateLimitMaxRequests      int
	RateLimitWindowSeconds    int
	CacheTTLDays              int
	CacheMaxSize              int
	CacheAccessThreshold      int
	CachePreloadSize          int
	CacheCleanupIntervalHours int
	SyncBatchSize             int
	SyncMaxWorkers            int
	LLMMaxTokens              int
	LLMTemperature            float64
	LLMTimeoutSeconds         int
	WorkerPort                int
	MaxConns                  int
	EnableCache               bool
	EnableHybridSearch        bool
	EnableQueryDecomposition  bool
	EnableStreaming           bool
	EnableRealtimeSync        bool
}

// Default returns a Config populated with sensible defaults. Load()
// overrides these from the process environment.
func Default() *Config {
	return &Config{
		WorkerPort:                DefaultWorkerPort,
		MaxConns:                  20,
		EmbeddingDimensions:       DefaultEmbeddingDimensions,
		EmbeddingBatchSize:        DefaultEmbeddingBatchSize,
		EmbeddingModel:            "text-embedding-3-large",
		EmbeddingBaseURL:          "https://api.openai.com/v1",
		LLMModel:                  "gpt-4o-mini",
		LLMBaseURL:                "https://api.openai.com/v1",
		LLMMaxTokens:              DefaultLLMMaxTokens,
		LLMTemperature:            DefaultLLMTemperature,
		LLMTimeoutSeconds:         DefaultHTTPTimeoutSeconds,
		RateLimitMaxRequests:      DefaultRateLimitMaxRequests,
		RateLimitWindowSeconds:    DefaultRateLimitWindowSeconds,
		CacheTTLDays:              DefaultCacheTTLDays,
		CacheMaxSize:              DefaultCacheMaxSize,
		CacheAccessThreshold:      DefaultCacheAccessThreshold,
		CachePreloadSize:          DefaultCachePreloadSize,
		CacheCleanupIntervalHours: DefaultCacheCleanupIntervalHours,
		SyncBatchSize:             DefaultSyncBatchSize,
		SyncMaxWorkers:            DefaultSyncMaxWorkers,
		EnableCache:               true,
		EnableHybridSearch:        true,
		EnableQueryDecomposition:  false,
		EnableStreaming:           true,
		EnableRealtimeSync:        false,
	}
}

// Load builds a Config from defaults overridden by the process
// environment. Unset or malformed numeric/bool keys fall back to the
// default.
func Load() *Config {
	cfg := Default()

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.EmbeddingAPIKey = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.EmbeddingBaseURL = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := envInt("EMBEDDING_DIMENSIONS"); v > 0 {
		cfg.EmbeddingDimensions = v
	}
	if v := envInt("EMBEDDING_BATCH_SIZE"); v > 0 {
		cfg.EmbeddingBatchSize = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := envInt("LLM_MAX_TOKENS"); v > 0 {
		cfg.LLMMaxTokens = v
	}
	if v := envFloat("LLM_TEMPERATURE"); v >= 0 {
		cfg.LLMTemperature = v
	}
	if v := envInt("LLM_TIMEOUT_SECONDS"); v > 0 {
		cfg.LLMTimeoutSeconds = v
	}
	if v := envInt("SYNC_BATCH_SIZE"); v > 0 {
		cfg.SyncBatchSize = v
	}
	if v := envInt("SYNC_MAX_WORKERS"); v > 0 {
		cfg.SyncMaxWorkers = v
	}
	if v := envInt("CACHE_TTL_DAYS"); v > 0 {
		cfg.CacheTTLDays = v
	}
	if v := envInt("CACHE_MAX_SIZE"); v > 0 {
		cfg.CacheMaxSize = v
	}
	if v := envInt("CACHE_PRELOAD_SIZE"); v > 0 {
		cfg.CachePreloadSize = v
	}
	if v := envInt("CACHE_CLEANUP_INTERVAL_HOURS"); v > 0 {
		cfg.CacheCleanupIntervalHours = v
	}
	if v := envInt("RATE_LIMIT_MAX_REQUESTS"); v > 0 {
		cfg.RateLimitMaxRequests = v
	}
	if v := envInt("RATE_LIMIT_WINDOW_SECONDS"); v > 0 {
		cfg.RateLimitWindowSeconds = v
	}
	if v := envInt("WORKER_PORT"); v > 0 {
		cfg.WorkerPort = v
	}
	if v := envInt("DB_MAX_CONNS"); v > 0 {
		cfg.MaxConns = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitTrim(v)
	}

	cfg.EnableCache = envBool("ENABLE_CACHE", cfg.EnableCache)
	cfg.EnableHybridSearch = envBool("ENABLE_HYBRID_SEARCH", cfg.EnableHybridSearch)
	cfg.EnableQueryDecomposition = envBool("ENABLE_QUERY_DECOMPOSITION", cfg.EnableQueryDecomposition)
	cfg.EnableStreaming = envBool("ENABLE_STREAMING", cfg.EnableStreaming)
	cfg.EnableRealtimeSync = envBool("ENABLE_REALTIME_SYNC", cfg.EnableRealtimeSync)

	return cfg
}

func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}

func envFloat(key string) float64 {
	s := os.Getenv(key)
	if s == "" {
		return -1
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return -1
	}
	return v
}

func envBool(key string, fallback bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return v
}

// splitTrim splits a comma-separated string and trims whitespace.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
