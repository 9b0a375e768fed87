package domainadapter_test

import (
	"testing"

	"orbit/internal/domain"
	"orbit/internal/domainadapter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetUnknown(t *testing.T) {
	r := domainadapter.NewRegistry()
	_, err := r.Get("qa")
	require.Error(t, err)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := domainadapter.NewRegistry()
	r.Register(domainadapter.NewQA(0.3))
	got, err := r.Get("qa")
	require.NoError(t, err)
	assert.Equal(t, "qa", got.Name())
}

func TestQA_FlattensAndExtractsDirectAnswer(t *testing.T) {
	qa := domainadapter.NewQA(0.3)
	doc := qa.FormatDocument("raw", map[string]any{
		"question":   "What is the city hall phone number?",
		"answer":     "555-0100",
		"confidence": 0.95,
	})
	assert.Contains(t, doc.Content, "555-0100")
	assert.Equal(t, 0.95, doc.Confidence)

	answer, ok := qa.ExtractDirectAnswer([]domainadapter.Document{doc})
	require.True(t, ok)
	assert.Equal(t, "555-0100", answer)
}

func TestQA_FiltersBelowThreshold(t *testing.T) {
	qa := domainadapter.NewQA(0.5)
	docs := []domainadapter.Document{
		{Confidence: 0.9},
		{Confidence: 0.2},
	}
	filtered := qa.ApplyDomainSpecificFiltering(docs, "q")
	assert.Len(t, filtered, 1)
}

func TestIntent_RendersPipeSeparatedByDefault(t *testing.T) {
	intent := domainadapter.NewIntent("")
	doc := intent.FormatDocument("", map[string]any{
		"columns": []string{"region", "total"},
		"rows": []map[string]any{
			{"region": "East", "total": 100},
		},
	})
	assert.Contains(t, doc.Content, "region|total")
	assert.Contains(t, doc.Content, "East|100")
}

func TestIntent_RendersMarkdownTable(t *testing.T) {
	intent := domainadapter.NewIntent(domain.ContextFormatMarkdownTable)
	doc := intent.FormatDocument("", map[string]any{
		"columns": []string{"region"},
		"rows":    []map[string]any{{"region": "East"}},
	})
	assert.Contains(t, doc.Content, "| region |")
	assert.Contains(t, doc.Content, "| East |")
}

func TestFile_StripsMetadataAndSortsByConfidence(t *testing.T) {
	f := domainadapter.NewFile()
	doc := f.FormatDocument("content", map[string]any{"citation": "x"})
	assert.Nil(t, doc.Metadata)

	sorted := f.ApplyDomainSpecificFiltering([]domainadapter.Document{
		{Content: "low", Confidence: 0.1},
		{Content: "high", Confidence: 0.9},
	}, "q")
	assert.Equal(t, "high", sorted[0].Content)
}

func TestGeneric_PassesThrough(t *testing.T) {
	g := domainadapter.NewGeneric()
	doc := g.FormatDocument("raw text", map[string]any{"confidence": 0.5})
	assert.Equal(t, "raw text", doc.Content)
	_, ok := g.ExtractDirectAnswer([]domainadapter.Document{doc})
	assert.False(t, ok)
}
