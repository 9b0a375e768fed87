package followupcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/internal/domain"
)

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Encode(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectors[t]
	}
	return out, nil
}

func (f *fakeEmbedder) Version() string { return "fake" }

func renderCSV(columns []string, rows []map[string]any) string {
	out := ""
	for _, r := range rows {
		for _, c := range columns {
			out += c + "=" + toString(r[c]) + " "
		}
	}
	return out
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	return v.(string)
}

func newTestCache(high, low float64) (*Cache, *fakeEmbedder) {
	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	cfg := DefaultConfig()
	cfg.ThresholdHigh = high
	cfg.ThresholdLow = low
	return New(cfg, emb, nil, nil), emb
}

// scenario 4: follow-up accepted, columns sufficient, cache hit.
func TestLookup_FollowupAccepted(t *testing.T) {
	c, emb := newTestCache(0.80, 0.70)
	emb.vectors["Show me Q4 sales by region"] = []float32{1, 0, 0}
	emb.vectors["What were the top regions?"] = []float32{0.88, 0.475, 0}

	c.Store("s1", "intent-sql-postgres", "Show me Q4 sales by region", emb.vectors["Show me Q4 sales by region"],
		"SELECT region, total FROM sales", []map[string]any{{"region": "west", "total": "100"}}, []string{"region", "total"}, domain.ResultMetadata{})

	dec, err := c.Lookup(context.Background(), "s1", "intent-sql-postgres", "What were the top regions?", false, renderCSV)
	require.NoError(t, err)
	assert.True(t, dec.Hit)
	assert.InDelta(t, 0.88, dec.QuerySimilarity, 0.01)
	assert.Contains(t, dec.FormattedContext, "region=west")
}

// scenario 5: refresh keyword present AND confidence high bypasses cache.
func TestLookup_RefreshKeywordBypass(t *testing.T) {
	c, emb := newTestCache(0.80, 0.70)
	emb.vectors["Show me Q4 sales by region"] = []float32{1, 0, 0}
	emb.vectors["Show me latest Q4 sales by region"] = []float32{0.92, 0.39, 0}

	c.Store("s1", "intent-sql-postgres", "Show me Q4 sales by region", emb.vectors["Show me Q4 sales by region"],
		"SELECT region, total FROM sales", []map[string]any{{"region": "west", "total": "100"}}, []string{"region", "total"}, domain.ResultMetadata{})

	dec, err := c.Lookup(context.Background(), "s1", "intent-sql-postgres", "Show me latest Q4 sales by region", false, renderCSV)
	require.NoError(t, err)
	assert.False(t, dec.Hit)
	assert.True(t, dec.CacheRefresh)
	assert.Equal(t, "keywords_detected", dec.RefreshReason)
}

// Refresh keywords alone, without high confidence, never bypass.
func TestLookup_RefreshKeywordWithoutConfidenceDoesNotBypass(t *testing.T) {
	c, emb := newTestCache(0.80, 0.70)
	emb.vectors["Show me Q4 sales by region"] = []float32{1, 0, 0}
	emb.vectors["What's the latest on the weather"] = []float32{0, 1, 0}

	c.Store("s1", "intent-sql-postgres", "Show me Q4 sales by region", emb.vectors["Show me Q4 sales by region"],
		"SELECT region, total FROM sales", []map[string]any{{"region": "west", "total": "100"}}, []string{"region", "total"}, domain.ResultMetadata{})

	dec, err := c.Lookup(context.Background(), "s1", "intent-sql-postgres", "What's the latest on the weather", false, renderCSV)
	require.NoError(t, err)
	assert.False(t, dec.CacheRefresh)
}

// scenario 6: accepted follow-up confidence but dimension not in cached columns.
func TestLookup_ApplicabilityRejection(t *testing.T) {
	c, emb := newTestCache(0.80, 0.70)
	emb.vectors["Show me Q4 sales by region"] = []float32{1, 0, 0}
	emb.vectors["Show me top products"] = []float32{0.9, 0.43, 0}

	c.Store("s1", "intent-sql-postgres", "Show me Q4 sales by region", emb.vectors["Show me Q4 sales by region"],
		"SELECT region, total FROM sales", []map[string]any{{"region": "west", "total": "100"}}, []string{"region", "total"}, domain.ResultMetadata{})

	dec, err := c.Lookup(context.Background(), "s1", "intent-sql-postgres", "Show me top products", false, renderCSV)
	require.NoError(t, err)
	assert.False(t, dec.Hit)
	assert.Equal(t, "missing_dimension:product", dec.ApplicabilityReason)
}

// P7: confidence between thresholds holds the previous sticky classification.
func TestApplyHysteresis_Sticky(t *testing.T) {
	c, _ := newTestCache(0.80, 0.70)
	e := &entry{}

	assert.False(t, c.applyHysteresis(e, 0.75))
	assert.True(t, c.applyHysteresis(e, 0.85))
	assert.True(t, c.applyHysteresis(e, 0.75))
	assert.False(t, c.applyHysteresis(e, 0.65))
	assert.False(t, c.applyHysteresis(e, 0.75))
}

func TestLookup_NoEntryMisses(t *testing.T) {
	c, _ := newTestCache(0.80, 0.70)
	dec, err := c.Lookup(context.Background(), "unknown", "adapter", "anything", false, renderCSV)
	require.NoError(t, err)
	assert.False(t, dec.Hit)
}

func TestStore_SkipsOversizedResult(t *testing.T) {
	c, _ := newTestCache(0.80, 0.70)
	c.cfg.MaxResultSizeMB = 0

	c.Store("s1", "a", "q", []float32{1}, "SELECT 1", []map[string]any{{"x": "y"}}, []string{"x"}, domain.ResultMetadata{})

	e := c.getEntry("s1", "a")
	assert.True(t, e.result.CreatedAt.IsZero())
}

func TestClear(t *testing.T) {
	c, emb := newTestCache(0.80, 0.70)
	emb.vectors["q"] = []float32{1, 0}
	c.Store("s1", "a", "q", emb.vectors["q"], "SELECT 1", []map[string]any{{"x": "y"}}, []string{"x"}, domain.ResultMetadata{})
	c.Clear("s1", "a")

	dec, err := c.Lookup(context.Background(), "s1", "a", "q", false, renderCSV)
	require.NoError(t, err)
	assert.False(t, dec.Hit)
}
