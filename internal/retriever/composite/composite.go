// Package composite implements the Composite Retriever (C6):
// cross-source template selection over a set of child intent adapters,
// with an optional multi-stage (embedding + rerank + string-similarity)
// scoring pipeline. The parallel per-child search and the stage-weighted
// score fusion generalize the teacher's internal/usecase/retrieval
// FuseResults/Allocate pattern (fan out, score, dedup/select) from
// "fuse one store's original + expanded-query hits" to "select one
// winning template across N independently-owned child adapters".
package composite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"orbit/internal/adapter/rerank"
	"orbit/internal/domain"
	"orbit/internal/domainadapter"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// ChildAdapter is the boundary a composite retriever calls into for each
// registered child — resolved via C1 by name, per the spec.
type ChildAdapter interface {
	Name() string
	MatchTemplates(ctx context.Context, query string, topK int) ([]domain.TemplateMatch, error)
	GetRelevantContext(ctx context.Context, query string) ([]domainadapter.Document, error)
}

// Child is one weighted entry in a composite's configured child set.
type Child struct {
	Adapter ChildAdapter
	Weight  float64
}

// Weights are the per-stage combination weights; present stages are
// re-normalized to sum to 1 when a stage is missing for a candidate.
type Weights struct {
	Embedding float64
	Rerank    float64
	String    float64
}

// TieBreaker selects how ties in the combined score are resolved.
type TieBreaker string

const (
	TieBreakEmbedding    TieBreaker = "embedding"
	TieBreakConfigOrder  TieBreaker = "config_order"
)

// Config configures one Composite instance.
type Config struct {
	MaxTemplatesPerSource int
	SearchTimeout         time.Duration
	TopCandidates         int
	MultiStageEnabled     bool
	Weights               Weights
	NormalizeScores       bool
	CacheRerankResults    bool
	CacheTTLSeconds       int
	ConfidenceThreshold   float64
	TieBreaker            TieBreaker
}

func DefaultConfig() Config {
	return Config{
		MaxTemplatesPerSource: 5,
		SearchTimeout:         5 * time.Second,
		TopCandidates:         10,
		MultiStageEnabled:     true,
		Weights:               Weights{Embedding: 0.5, Rerank: 0.35, String: 0.15},
		NormalizeScores:       true,
		CacheRerankResults:    true,
		CacheTTLSeconds:       300,
		ConfidenceThreshold:   0.3,
		TieBreaker:            TieBreakEmbedding,
	}
}

// Candidate is one ranked match in the composite's candidate set.
type Candidate struct {
	ChildName      string
	Match          domain.TemplateMatch
	EmbeddingScore float64
	RerankScore    *float64
	StringScore    *float64
	Combined       float64
}

type cacheEntry struct {
	score   float64
	storeAt time.Time
}

// Composite is the C6 composite retriever.
type Composite struct {
	Name     string
	Children []Child
	Reranker rerank.Provider
	Config   Config
	logger   *slog.Logger

	rerankCache *lru.Cache[string, cacheEntry]
}

func New(name string, children []Child, reranker rerank.Provider, cfg Config, logger *slog.Logger) *Composite {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, cacheEntry](2048)
	return &Composite{Name: name, Children: children, Reranker: reranker, Config: cfg, logger: logger, rerankCache: cache}
}

// searchChildren implements §4.6 steps 1-3: fan out to every child's own
// template search in parallel with a per-child timeout (a timed-out
// child is skipped, not fatal), scaling each child's embedding score by
// its configured routing weight before assembling the candidate set.
func (c *Composite) searchChildren(ctx context.Context, query string) ([]Candidate, int, error) {
	group, gctx := errgroup.WithContext(ctx)
	results := make([][]Candidate, len(c.Children))
	searched := 0

	for i, child := range c.Children {
		i, child := i, child
		weight := child.Weight
		if weight == 0 {
			weight = 1
		}
		group.Go(func() error {
			childCtx, cancel := context.WithTimeout(gctx, c.Config.SearchTimeout)
			defer cancel()

			matches, err := child.Adapter.MatchTemplates(childCtx, query, c.Config.MaxTemplatesPerSource)
			if err != nil {
				c.logger.Warn("composite_child_search_skipped",
					slog.String("composite", c.Name), slog.String("child", child.Adapter.Name()), slog.String("error", err.Error()))
				return nil // skip, not fatal
			}
			candidates := make([]Candidate, 0, len(matches))
			for _, m := range matches {
				if m.Confidence < c.Config.ConfidenceThreshold {
					continue
				}
				candidates = append(candidates, Candidate{ChildName: child.Adapter.Name(), Match: m, EmbeddingScore: m.Confidence * weight})
			}
			results[i] = candidates
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, 0, err
	}

	var all []Candidate
	for _, r := range results {
		if r != nil {
			searched++
		}
		all = append(all, r...)
	}
	return all, searched, nil
}

// Select implements §4.6 steps 3-5: optional multi-stage scoring,
// weighted combination, and the single winning selection.
func (c *Composite) Select(ctx context.Context, query string) (*Candidate, []Candidate, error) {
	candidates, searched, err := c.searchChildren(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].EmbeddingScore > candidates[j].EmbeddingScore })

	if c.Config.MultiStageEnabled {
		top := candidates
		if c.Config.TopCandidates > 0 && len(top) > c.Config.TopCandidates {
			top = top[:c.Config.TopCandidates]
		}
		if err := c.applyRerankStage(ctx, query, top); err != nil {
			c.logger.Warn("composite_rerank_degraded", slog.String("composite", c.Name), slog.String("error", err.Error()))
		}
		c.applyStringSimilarityStage(query, top)
	}

	c.combineScores(candidates)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Combined != candidates[j].Combined {
			return candidates[i].Combined > candidates[j].Combined
		}
		if c.Config.TieBreaker == TieBreakConfigOrder {
			return c.childOrder(candidates[i].ChildName) < c.childOrder(candidates[j].ChildName)
		}
		return candidates[i].EmbeddingScore > candidates[j].EmbeddingScore
	})

	c.logger.Debug("composite_select", slog.String("composite", c.Name), slog.Int("children_searched", searched), slog.Int("candidate_count", len(candidates)))

	winner := candidates[0]
	if winner.EmbeddingScore < c.Config.ConfidenceThreshold {
		return nil, candidates, nil
	}
	return &winner, candidates, nil
}

func (c *Composite) childOrder(name string) int {
	for i, ch := range c.Children {
		if ch.Adapter.Name() == name {
			return i
		}
	}
	return len(c.Children)
}

func (c *Composite) applyRerankStage(ctx context.Context, query string, candidates []Candidate) error {
	if c.Reranker == nil {
		return nil
	}
	queryHash := hashQuery(query)

	toScore := make([]rerank.Candidate, 0, len(candidates))
	indexByID := map[string]int{}
	for i, cand := range candidates {
		cacheKey := queryHash + ":" + cand.Match.Template.ID
		if c.Config.CacheRerankResults {
			if entry, ok := c.rerankCache.Get(cacheKey); ok && time.Since(entry.storeAt) < time.Duration(c.Config.CacheTTLSeconds)*time.Second {
				score := entry.score
				candidates[i].RerankScore = &score
				continue
			}
		}
		text := cand.Match.Template.Description + " " + strings.Join(cand.Match.Template.NLExamples, " ")
		toScore = append(toScore, rerank.Candidate{ID: cand.Match.Template.ID, Text: text})
		indexByID[cand.Match.Template.ID] = i
	}
	if len(toScore) == 0 {
		return nil
	}

	results, err := c.Reranker.Rerank(ctx, query, toScore)
	if err != nil {
		return fmt.Errorf("rerank candidates: %w", err)
	}
	for _, r := range results {
		idx, ok := indexByID[r.ID]
		if !ok {
			continue
		}
		score := r.Score
		candidates[idx].RerankScore = &score
		if c.Config.CacheRerankResults {
			c.rerankCache.Add(queryHash+":"+r.ID, cacheEntry{score: score, storeAt: time.Now()})
		}
	}
	return nil
}

func (c *Composite) applyStringSimilarityStage(query string, candidates []Candidate) {
	for i := range candidates {
		fields := strings.Join(append([]string{candidates[i].Match.Template.Description}, candidates[i].Match.Template.SemanticTags...), " ")
		score := BestTextSimilarity(query, fields)
		candidates[i].StringScore = &score
	}
}

func (c *Composite) combineScores(candidates []Candidate) {
	embScores := minMaxIfEnabled(c.Config.NormalizeScores, extract(candidates, func(cd Candidate) (float64, bool) { return cd.EmbeddingScore, true }))
	rerankScores := minMaxIfEnabled(c.Config.NormalizeScores, extract(candidates, func(cd Candidate) (float64, bool) {
		if cd.RerankScore == nil {
			return 0, false
		}
		return *cd.RerankScore, true
	}))
	stringScores := minMaxIfEnabled(c.Config.NormalizeScores, extract(candidates, func(cd Candidate) (float64, bool) {
		if cd.StringScore == nil {
			return 0, false
		}
		return *cd.StringScore, true
	}))

	for i := range candidates {
		w := c.Config.Weights
		var sum, weightSum float64

		sum += w.Embedding * embScores[i]
		weightSum += w.Embedding

		if candidates[i].RerankScore != nil {
			sum += w.Rerank * rerankScores[i]
			weightSum += w.Rerank
		}
		if candidates[i].StringScore != nil {
			sum += w.String * stringScores[i]
			weightSum += w.String
		}
		if weightSum == 0 {
			candidates[i].Combined = 0
			continue
		}
		candidates[i].Combined = sum / weightSum
	}
}

func extract(candidates []Candidate, f func(Candidate) (float64, bool)) []float64 {
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		v, ok := f(c)
		if ok {
			out[i] = v
		}
	}
	return out
}

func minMaxIfEnabled(enabled bool, values []float64) []float64 {
	if !enabled || len(values) == 0 {
		return values
	}
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		return values
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - min) / (max - min)
	}
	return out
}

func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// RoutingDecision is what test_routing(query) returns: the full ranked
// candidate set and the would-be winner, without executing anything.
type RoutingDecision struct {
	Candidates []Candidate
	Winner     *Candidate
}

// TestRouting implements the C6 debug entry point test_routing(query).
func (c *Composite) TestRouting(ctx context.Context, query string) (RoutingDecision, error) {
	winner, all, err := c.Select(ctx, query)
	if err != nil {
		return RoutingDecision{}, err
	}
	return RoutingDecision{Candidates: all, Winner: winner}, nil
}

// RoutingStatistics is what get_routing_statistics() reports.
type RoutingStatistics struct {
	Config            Config
	ChildNames        []string
	TemplateCountByChild map[string]int
}

// GetRoutingStatistics implements the C6 debug entry point
// get_routing_statistics(). templateCounts is supplied by the caller
// since the composite itself doesn't own each child's template count.
func (c *Composite) GetRoutingStatistics(templateCounts map[string]int) RoutingStatistics {
	names := make([]string, len(c.Children))
	for i, ch := range c.Children {
		names[i] = ch.Adapter.Name()
	}
	return RoutingStatistics{Config: c.Config, ChildNames: names, TemplateCountByChild: templateCounts}
}

// GetRelevantContext implements the C4 contract at the composite level:
// select the winning child/template, delegate execution to the winning
// child, and enrich its result metadata with composite_routing and (when
// multi-stage ran) multistage_scoring.
func (c *Composite) GetRelevantContext(ctx context.Context, query string) ([]domainadapter.Document, error) {
	winner, all, err := c.Select(ctx, query)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, nil
	}

	var child ChildAdapter
	for _, ch := range c.Children {
		if ch.Adapter.Name() == winner.ChildName {
			child = ch.Adapter
			break
		}
	}
	if child == nil {
		return nil, domain.NewAdapterNotFoundError(winner.ChildName)
	}

	docs, err := child.GetRelevantContext(ctx, query)
	if err != nil {
		return nil, err
	}

	routing := map[string]any{
		"selected_adapter":     winner.ChildName,
		"template_id":          winner.Match.Template.ID,
		"similarity_score":     winner.EmbeddingScore,
		"adapters_searched":    len(c.Children),
		"total_matches_found":  len(all),
	}
	for i := range docs {
		if docs[i].Metadata == nil {
			docs[i].Metadata = map[string]any{}
		}
		docs[i].Metadata["composite_routing"] = routing
		if c.Config.MultiStageEnabled {
			docs[i].Metadata["multistage_scoring"] = map[string]any{
				"embedding_score": winner.EmbeddingScore,
				"rerank_score":    winner.RerankScore,
				"string_score":    winner.StringScore,
				"weights":         c.Config.Weights,
				"combined":        winner.Combined,
			}
		}
	}
	return docs, nil
}
