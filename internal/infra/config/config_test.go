package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "orbit", cfg.DBName)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerRecoveryTimeout)
	assert.Equal(t, 500, cfg.BreakerMaxHistoryLen)
	assert.Equal(t, 3, cfg.RetryMaxRetries)
	assert.InDelta(t, 0.3, cfg.CompositeConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.5, cfg.CompositeWeightEmbedding, 1e-9)
	assert.InDelta(t, 0.35, cfg.CompositeWeightRerank, 1e-9)
	assert.InDelta(t, 0.15, cfg.CompositeWeightString, 1e-9)
	assert.Equal(t, 300, cfg.CompositeCacheTTLSeconds)
	assert.InDelta(t, 0.80, cfg.CacheThresholdHigh, 1e-9)
	assert.InDelta(t, 0.70, cfg.CacheThresholdLow, 1e-9)
	assert.Equal(t, 10, cfg.CacheMaxResultSizeMB)
	assert.Equal(t, 5, cfg.CacheRecentRingSize)
	assert.Contains(t, cfg.CacheRefreshKeywords, "latest")
	assert.Contains(t, cfg.CacheRefreshKeywords, "refresh")
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "7")
	t.Setenv("BREAKER_RECOVERY_TIMEOUT", "30s")
	t.Setenv("COMPOSITE_WEIGHT_EMBEDDING", "0.6")
	t.Setenv("CACHE_THRESHOLD_HIGH", "0.9")
	t.Setenv("CACHE_REFRESH_KEYWORDS", "now,again")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 7, cfg.BreakerFailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerRecoveryTimeout)
	assert.InDelta(t, 0.6, cfg.CompositeWeightEmbedding, 1e-9)
	assert.InDelta(t, 0.9, cfg.CacheThresholdHigh, 1e-9)
	assert.Equal(t, []string{"now", "again"}, cfg.CacheRefreshKeywords)
}

func TestLoad_InvalidNumericFallsBackToDefault(t *testing.T) {
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "not-a-number")
	t.Setenv("COMPOSITE_CONFIDENCE_THRESHOLD", "not-a-float")
	t.Setenv("BREAKER_RECOVERY_TIMEOUT", "not-a-duration")

	cfg := Load()

	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.InDelta(t, 0.3, cfg.CompositeConfidenceThreshold, 1e-9)
	assert.Equal(t, 60*time.Second, cfg.BreakerRecoveryTimeout)
}

func TestSplitNonEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitNonEmpty("a,b,c"))
	assert.Equal(t, []string{"a", "b"}, splitNonEmpty("a,,b,"))
	assert.Nil(t, splitNonEmpty(""))
}

func TestGetEnvFloat32(t *testing.T) {
	assert.InDelta(t, float32(1.5), getEnvFloat32("ORBIT_UNSET_FLOAT32", 1.5), 1e-6)
	t.Setenv("ORBIT_TEST_FLOAT32", "2.25")
	assert.InDelta(t, float32(2.25), getEnvFloat32("ORBIT_TEST_FLOAT32", 1.5), 1e-6)
}
