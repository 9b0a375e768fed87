package composite_test

import (
	"context"
	"testing"
	"time"

	"orbit/internal/adapter/rerank"
	"orbit/internal/domain"
	"orbit/internal/domainadapter"
	"orbit/internal/retriever/composite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChild struct {
	name    string
	matches []domain.TemplateMatch
	docs    []domainadapter.Document
	delay   time.Duration
	err     error
}

func (f *fakeChild) Name() string { return f.name }

func (f *fakeChild) MatchTemplates(ctx context.Context, query string, topK int) ([]domain.TemplateMatch, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

func (f *fakeChild) GetRelevantContext(ctx context.Context, query string) ([]domainadapter.Document, error) {
	return f.docs, nil
}

func match(templateID string, confidence float64) domain.TemplateMatch {
	return domain.TemplateMatch{
		Template: &domain.Template{ID: templateID, Description: "handles " + templateID, SemanticTags: []string{templateID}},
		Confidence: confidence,
	}
}

type fakeReranker struct {
	scores map[string]float64
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, candidates []rerank.Candidate) ([]rerank.Result, error) {
	out := make([]rerank.Result, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, rerank.Result{ID: c.ID, Score: f.scores[c.ID]})
	}
	return out, nil
}

func TestSelect_PicksHighestCombinedScore(t *testing.T) {
	weather := &fakeChild{name: "weather", matches: []domain.TemplateMatch{match("weather-today", 0.6)}}
	sports := &fakeChild{name: "sports", matches: []domain.TemplateMatch{match("sports-score", 0.9)}}

	reranker := &fakeReranker{scores: map[string]float64{"weather-today": 0.9, "sports-score": 0.2}}

	cfg := composite.DefaultConfig()
	cfg.Weights = composite.Weights{Embedding: 0.5, Rerank: 0.5, String: 0}
	// Raw scores: min-max normalization maps two candidates to 0 and 1 on
	// every stage, which with equal weights always ties.
	cfg.NormalizeScores = false
	c := composite.New("router", []composite.Child{{Adapter: weather}, {Adapter: sports}}, reranker, cfg, nil)

	winner, all, err := c.Select(context.Background(), "what's the score")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotNil(t, winner)
	assert.Equal(t, "weather", winner.ChildName, "a strong rerank score should be able to overturn a weaker embedding lead")
}

func TestSelect_SkipsTimedOutChild(t *testing.T) {
	slow := &fakeChild{name: "slow", matches: []domain.TemplateMatch{match("slow-tmpl", 0.95)}, delay: 50 * time.Millisecond}
	fast := &fakeChild{name: "fast", matches: []domain.TemplateMatch{match("fast-tmpl", 0.5)}}

	cfg := composite.DefaultConfig()
	cfg.MultiStageEnabled = false
	cfg.SearchTimeout = 5 * time.Millisecond
	c := composite.New("router", []composite.Child{{Adapter: slow}, {Adapter: fast}}, nil, cfg, nil)

	winner, all, err := c.Select(context.Background(), "anything")
	require.NoError(t, err)
	require.Len(t, all, 1, "the timed-out child's candidates must not appear")
	require.NotNil(t, winner)
	assert.Equal(t, "fast", winner.ChildName)
}

func TestSelect_TieBreaksOnEmbeddingThenConfigOrder(t *testing.T) {
	a := &fakeChild{name: "a", matches: []domain.TemplateMatch{match("tmpl", 0.7)}}
	b := &fakeChild{name: "b", matches: []domain.TemplateMatch{match("tmpl", 0.7)}}

	cfg := composite.DefaultConfig()
	cfg.MultiStageEnabled = false
	cfg.TieBreaker = composite.TieBreakConfigOrder
	c := composite.New("router", []composite.Child{{Adapter: a}, {Adapter: b}}, nil, cfg, nil)

	winner, _, err := c.Select(context.Background(), "anything")
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, "a", winner.ChildName, "first-registered child wins an exact tie under config_order")
}

func TestSelect_BelowThresholdReturnsNoWinner(t *testing.T) {
	weak := &fakeChild{name: "weak", matches: []domain.TemplateMatch{match("tmpl", 0.05)}}
	cfg := composite.DefaultConfig()
	cfg.ConfidenceThreshold = 0.3
	c := composite.New("router", []composite.Child{{Adapter: weak}}, nil, cfg, nil)

	winner, _, err := c.Select(context.Background(), "anything")
	require.NoError(t, err)
	assert.Nil(t, winner)
}

func TestGetRelevantContext_DelegatesToWinnerAndEnrichesMetadata(t *testing.T) {
	winnerChild := &fakeChild{
		name:    "weather",
		matches: []domain.TemplateMatch{match("weather-today", 0.8)},
		docs:    []domainadapter.Document{{Content: "sunny", Metadata: map[string]any{}}},
	}

	cfg := composite.DefaultConfig()
	cfg.MultiStageEnabled = false
	c := composite.New("router", []composite.Child{{Adapter: winnerChild}}, nil, cfg, nil)

	docs, err := c.GetRelevantContext(context.Background(), "what's the weather")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	routing, ok := docs[0].Metadata["composite_routing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "weather", routing["selected_adapter"])
	assert.Equal(t, "weather-today", routing["template_id"])
}

func TestGetRoutingStatistics_ReportsConfigAndChildren(t *testing.T) {
	a := &fakeChild{name: "a"}
	b := &fakeChild{name: "b"}
	cfg := composite.DefaultConfig()
	c := composite.New("router", []composite.Child{{Adapter: a}, {Adapter: b}}, nil, cfg, nil)

	stats := c.GetRoutingStatistics(map[string]int{"a": 3, "b": 5})
	assert.ElementsMatch(t, []string{"a", "b"}, stats.ChildNames)
	assert.Equal(t, 3, stats.TemplateCountByChild["a"])
}

func TestTestRouting_ReportsWinnerWithoutExecuting(t *testing.T) {
	child := &fakeChild{name: "a", matches: []domain.TemplateMatch{match("tmpl", 0.9)}}
	child.docs = []domainadapter.Document{{Content: "should not be reached"}}

	cfg := composite.DefaultConfig()
	cfg.MultiStageEnabled = false
	c := composite.New("router", []composite.Child{{Adapter: child}}, nil, cfg, nil)

	decision, err := c.TestRouting(context.Background(), "anything")
	require.NoError(t, err)
	require.NotNil(t, decision.Winner)
	assert.Equal(t, "a", decision.Winner.ChildName)
	assert.Len(t, decision.Candidates, 1)
}
