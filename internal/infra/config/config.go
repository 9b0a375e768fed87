// Package config loads ORBIT's process configuration from the
// environment, mirroring the teacher's flat Config struct +
// getEnvOrDefault* helper style (internal/infra/config in
// rag-orchestrator, same shape as pre-processor-sidecar/app/config).
// Values are read once at startup; nothing here is reloadable — adapter
// and template configuration hot-reload (see internal/registry) is a
// distinct concern from process config.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is ORBIT's process-wide configuration, populated from
// environment variables with typed fallbacks.
type Config struct {
	// Server
	Port string

	// Postgres (template store, SQL intent retriever)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Embedding / reranker provider endpoints (out-of-scope external
	// collaborators; these are the reference HTTP clients' targets)
	EmbeddingURL     string
	EmbeddingModel   string
	EmbeddingTimeout time.Duration
	RerankerURL      string
	RerankerTimeout  time.Duration

	// Elasticsearch / MongoDB intent retriever backends
	ESAddresses  string
	MongoURI     string
	MongoDB      string

	// C7 circuit breaker defaults
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerCleanupInterval  time.Duration
	BreakerRetentionPeriod  time.Duration
	BreakerMaxHistoryLen    int
	RetryMaxRetries         int
	RetryDelay              time.Duration

	// C6 composite retrieval defaults
	CompositeSearchTimeout       time.Duration
	CompositeMaxTemplatesPerSrc  int
	CompositeTopCandidates       int
	CompositeConfidenceThreshold float64
	CompositeWeightEmbedding     float64
	CompositeWeightRerank        float64
	CompositeWeightString        float64
	CompositeCacheTTLSeconds     int

	// C8 follow-up cache defaults
	CacheThresholdHigh     float64
	CacheThresholdLow      float64
	CacheMaxResultSizeMB   int
	CacheRecentRingSize    int
	CacheRefreshKeywords   []string
	ClassifierMinThreshold float64

	// Admin
	AdminAPIKey string

	LogLevel string
}

// Load reads every field from its environment variable, falling back to
// the documented default when unset or unparseable.
func Load() Config {
	return Config{
		Port: getEnvOrDefault("PORT", "8080"),

		DBHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DBPort:     getEnvOrDefault("DB_PORT", "5432"),
		DBUser:     getEnvOrDefault("DB_USER", "orbit"),
		DBPassword: getEnvOrDefault("DB_PASSWORD", ""),
		DBName:     getEnvOrDefault("DB_NAME", "orbit"),

		EmbeddingURL:     getEnvOrDefault("EMBEDDING_URL", "http://localhost:11434"),
		EmbeddingModel:   getEnvOrDefault("EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingTimeout: getEnvOrDefaultDuration("EMBEDDING_TIMEOUT", 30*time.Second),
		RerankerURL:      getEnvOrDefault("RERANKER_URL", "http://localhost:8081"),
		RerankerTimeout:  getEnvOrDefaultDuration("RERANKER_TIMEOUT", 2*time.Second),

		ESAddresses: getEnvOrDefault("ES_ADDRESSES", "http://localhost:9200"),
		MongoURI:    getEnvOrDefault("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:     getEnvOrDefault("MONGO_DB", "orbit"),

		BreakerFailureThreshold: getEnvOrDefaultInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerRecoveryTimeout:  getEnvOrDefaultDuration("BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
		BreakerCleanupInterval:  getEnvOrDefaultDuration("BREAKER_CLEANUP_INTERVAL", 3600*time.Second),
		BreakerRetentionPeriod:  getEnvOrDefaultDuration("BREAKER_RETENTION_PERIOD", 86400*time.Second),
		BreakerMaxHistoryLen:    getEnvOrDefaultInt("BREAKER_MAX_HISTORY_LEN", 500),
		RetryMaxRetries:         getEnvOrDefaultInt("RETRY_MAX_RETRIES", 3),
		RetryDelay:              getEnvOrDefaultDuration("RETRY_DELAY", time.Second),

		CompositeSearchTimeout:       getEnvOrDefaultDuration("COMPOSITE_SEARCH_TIMEOUT", 5*time.Second),
		CompositeMaxTemplatesPerSrc:  getEnvOrDefaultInt("COMPOSITE_MAX_TEMPLATES_PER_SOURCE", 5),
		CompositeTopCandidates:       getEnvOrDefaultInt("COMPOSITE_TOP_CANDIDATES", 10),
		CompositeConfidenceThreshold: getEnvFloat64("COMPOSITE_CONFIDENCE_THRESHOLD", 0.3),
		CompositeWeightEmbedding:     getEnvFloat64("COMPOSITE_WEIGHT_EMBEDDING", 0.5),
		CompositeWeightRerank:        getEnvFloat64("COMPOSITE_WEIGHT_RERANK", 0.35),
		CompositeWeightString:        getEnvFloat64("COMPOSITE_WEIGHT_STRING", 0.15),
		CompositeCacheTTLSeconds:     getEnvOrDefaultInt("COMPOSITE_RERANK_CACHE_TTL_SECONDS", 300),

		CacheThresholdHigh:     getEnvFloat64("CACHE_THRESHOLD_HIGH", 0.80),
		CacheThresholdLow:      getEnvFloat64("CACHE_THRESHOLD_LOW", 0.70),
		CacheMaxResultSizeMB:   getEnvOrDefaultInt("CACHE_MAX_RESULT_SIZE_MB", 10),
		CacheRecentRingSize:    getEnvOrDefaultInt("CACHE_RECENT_RING_SIZE", 5),
		CacheRefreshKeywords:   splitNonEmpty(getEnvOrDefault("CACHE_REFRESH_KEYWORDS", "latest,current,now,today,refresh,re-run,reload,update")),
		ClassifierMinThreshold: getEnvFloat64("CLASSIFIER_MIN_THRESHOLD", 0.60),

		AdminAPIKey: getEnvOrDefault("ADMIN_API_KEY", ""),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvFloat32(key string, defaultValue float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return defaultValue
}

func splitNonEmpty(csv string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out = append(out, csv[start:i])
			}
			start = i + 1
		}
	}
	return out
}

var _ = getEnvFloat32 // kept for parallel construction with getEnvFloat64; used by tests exercising float32 knobs
