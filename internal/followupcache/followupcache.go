// Package followupcache implements the Follow-up Result Cache (C8): a
// session-scoped cache of a retrieval result, reused across semantically
// related follow-up queries via a hysteresis-gated confidence blend of
// embedding similarity, a pluggable classifier, and a refresh-keyword
// heuristic. Mirrors the per-key-mutex-guarded map shape of
// internal/breaker's Manager, generalized from "one breaker per adapter"
// to "one cached result per (session_id, adapter_name)".
package followupcache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"orbit/internal/adapter/embedding"
	"orbit/internal/domain"
)

// Classifier is the pluggable follow-up probability scorer the spec
// treats as an unspecified model. Cache returns a zero probability and
// disables the classifier term if none is configured.
type Classifier interface {
	Score(ctx context.Context, priorQuery, query string) (float64, error)
}

// KeywordSimilarityClassifier is the one concrete stub: a keyword- and
// token-overlap heuristic good enough to exercise the blend without a
// real model dependency.
type KeywordSimilarityClassifier struct{}

var followupWords = map[string]bool{
	"it": true, "that": true, "those": true, "them": true, "their": true,
	"top": true, "also": true, "what": true, "and": true, "more": true,
}

// Score returns the fraction of the new query's tokens that are either
// shared with the prior query or are common follow-up pronouns/connectives.
func (KeywordSimilarityClassifier) Score(_ context.Context, priorQuery, query string) (float64, error) {
	prior := tokenSet(priorQuery)
	cur := tokens(query)
	if len(cur) == 0 {
		return 0, nil
	}
	hits := 0
	for _, t := range cur {
		if prior[t] || followupWords[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(cur)), nil
}

func tokens(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, t := range tokens(s) {
		set[t] = true
	}
	return set
}

// Weights controls the §4.8 step 2 confidence blend. Zero-value Weights
// from Config is replaced by equal thirds in blend.
type Weights struct {
	Orig       float64
	Recent     float64
	Classifier float64
}

// Config tunes one Cache instance. All fields have spec-documented
// defaults and are adapter-overridable by constructing distinct Cache
// instances per adapter.
type Config struct {
	ThresholdHigh    float64
	ThresholdLow     float64
	RecentRingSize   int
	MaxResultSizeMB  int
	RefreshKeywords  []string
	ClassifierWeight float64
	Weights          Weights
	TTL              time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ThresholdHigh:   0.80,
		ThresholdLow:    0.70,
		RecentRingSize:  5,
		MaxResultSizeMB: 10,
		RefreshKeywords: []string{"latest", "current", "now", "today", "refresh", "re-run", "reload", "update"},
		Weights:         Weights{Orig: 1.0 / 3, Recent: 1.0 / 3, Classifier: 1.0 / 3},
		TTL:             30 * time.Minute,
	}
}

// entry is the mutex-guarded per-key cache slot, holding both the
// CachedResult payload and the sticky follow-up classification the
// hysteresis rule (§4.8 step 3 / P7) depends on.
type entry struct {
	mu             sync.Mutex
	result         domain.CachedResult
	stickyFollowup bool
	ring           *lru.Cache[int, []float32]
	ringSeq        int
}

// Cache is the process-wide, session-scoped follow-up result cache.
// Only active for adapters whose capabilities report SupportsThreading;
// callers are expected to check that before calling Lookup.
type Cache struct {
	cfg        Config
	embedder   embedding.Provider
	classifier Classifier
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func key(sessionID, adapterName string) string { return sessionID + "\x00" + adapterName }

// New builds a Cache. A nil classifier disables the p_cls term and
// renormalizes the remaining blend weights, matching §9's "missing
// stage" renormalization rule reused here for the cache's own blend.
func New(cfg Config, embedder embedding.Provider, classifier Classifier, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{cfg: cfg, embedder: embedder, classifier: classifier, logger: logger, entries: map[string]*entry{}}
}

// Decision is the outcome of a Lookup call, carrying everything the C9
// pipeline and the response metadata need.
type Decision struct {
	Hit                 bool
	FormattedContext    string
	ResultColumns       []string
	QuerySimilarity     float64
	FollowupConfidence  float64
	CachedQuery         string
	CacheRefresh        bool
	RefreshReason       string
	ApplicabilityReason string
}

// Lookup implements §4.8 steps 1-4. format renders the cached result's
// rows for the accepted-follow-up case; it is injected so this package
// stays free of a domainadapter import cycle.
func (c *Cache) Lookup(ctx context.Context, sessionID, adapterName, query string, bypassCache bool, format func(columns []string, rows []map[string]any) string) (Decision, error) {
	e := c.getEntry(sessionID, adapterName)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.result.CreatedAt.IsZero() {
		return Decision{}, nil
	}

	queryEmb, embErr := c.embed(ctx, query)

	refresh := bypassCache || containsRefreshKeyword(query, c.cfg.RefreshKeywords)

	sOrig := 0.0
	if embErr == nil {
		sOrig = cosine(queryEmb, e.result.OriginalEmbedding)
	}
	hasRecent := e.ring != nil && e.ring.Len() > 0
	sRecent := 0.0
	if embErr == nil && hasRecent {
		sRecent = c.maxRecentSimilarity(e, queryEmb)
	}
	pCls := 0.0
	if c.classifier != nil {
		if p, err := c.classifier.Score(ctx, e.result.OriginalQuery, query); err == nil {
			pCls = p
		}
	}

	confidence := c.blend(sOrig, sRecent, pCls, embErr != nil, hasRecent)

	if refresh && confidence >= c.cfg.ThresholdHigh {
		c.clear(e)
		return Decision{CacheRefresh: true, RefreshReason: "keywords_detected", FollowupConfidence: confidence, QuerySimilarity: sOrig}, nil
	}

	isFollowup := c.applyHysteresis(e, confidence)
	if !isFollowup {
		c.clear(e)
		return Decision{QuerySimilarity: sOrig, FollowupConfidence: confidence}, nil
	}

	if reason, ok := checkApplicability(query, e.result.ResultColumns); !ok {
		c.clear(e)
		return Decision{ApplicabilityReason: reason, QuerySimilarity: sOrig, FollowupConfidence: confidence}, nil
	}

	if format != nil {
		e.result.LastTouched = time.Now()
	}
	if embErr == nil {
		c.appendRecent(e, queryEmb)
	}

	var formatted string
	if format != nil {
		formatted = format(e.result.ResultColumns, e.result.Results)
	}

	return Decision{
		Hit:                true,
		FormattedContext:   formatted,
		ResultColumns:      e.result.ResultColumns,
		QuerySimilarity:    sOrig,
		FollowupConfidence: confidence,
		CachedQuery:        e.result.OriginalQuery,
	}, nil
}

// Store implements §4.8 step 6: persist a fresh result, subject to the
// size bound. maxResultSizeMB is approximated by columns*rows*32 bytes,
// which is cheap and conservative relative to any real row encoding.
func (c *Cache) Store(sessionID, adapterName, query string, queryEmbedding []float32, sqlOrQuery string, results []map[string]any, columns []string, meta domain.ResultMetadata) {
	if estimateSizeMB(columns, results) > float64(c.cfg.MaxResultSizeMB) {
		c.logger.Warn("followup cache store skipped: result exceeds size bound", "session_id", sessionID, "adapter_name", adapterName)
		return
	}

	e := c.getEntry(sessionID, adapterName)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.result = domain.CachedResult{
		SessionID:          sessionID,
		AdapterName:        adapterName,
		OriginalQuery:      query,
		OriginalEmbedding:  queryEmbedding,
		SQLOrQueryExecuted: sqlOrQuery,
		Results:            results,
		ResultColumns:      columns,
		ResultMetadata:     meta,
		CreatedAt:          now,
		LastTouched:        now,
	}
	e.stickyFollowup = false
	e.ring, _ = lru.New[int, []float32](c.cfg.ringSize())
	e.ringSeq = 0
}

// Clear evicts the (session_id, adapter_name) entry, e.g. when the
// underlying adapter's config is reloaded.
func (c *Cache) Clear(sessionID, adapterName string) {
	c.mu.Lock()
	delete(c.entries, key(sessionID, adapterName))
	c.mu.Unlock()
}

func (c *Cache) clear(e *entry) {
	e.result = domain.CachedResult{}
	e.stickyFollowup = false
	e.ring = nil
}

func (c *Cache) getEntry(sessionID, adapterName string) *entry {
	k := key(sessionID, adapterName)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		e = &entry{}
		c.entries[k] = e
	}
	return e
}

func (c *Cache) embed(ctx context.Context, query string) ([]float32, error) {
	if c.embedder == nil {
		return nil, fmt.Errorf("followupcache: no embedding provider configured")
	}
	vectors, err := c.embedder.Encode(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("followupcache: embedder returned no vectors")
	}
	return vectors[0], nil
}

// blend implements §4.8 step 2's weighted average, renormalizing over
// the terms that remain: the classifier term drops out when there is no
// classifier, the s_orig/s_recent terms drop out when embedding calls
// fail, and s_recent drops out while the session has no accepted
// follow-up (per §11's embedding-coupling degradation note).
func (c *Cache) blend(sOrig, sRecent, pCls float64, embeddingDegraded, hasRecent bool) float64 {
	w := c.cfg.Weights
	if w.Orig == 0 && w.Recent == 0 && w.Classifier == 0 {
		w = Weights{Orig: 1.0 / 3, Recent: 1.0 / 3, Classifier: 1.0 / 3}
	}
	if c.classifier == nil {
		w.Classifier = 0
	}
	if embeddingDegraded {
		w.Orig = 0
		w.Recent = 0
	} else if !hasRecent {
		// No follow-up has been accepted yet this session, so there is
		// no recent_followup_embeddings signal to blend in.
		w.Recent = 0
	}
	total := w.Orig + w.Recent + w.Classifier
	if total == 0 {
		return pCls
	}
	return (w.Orig*sOrig + w.Recent*sRecent + w.Classifier*pCls) / total
}

// applyHysteresis implements §4.8 step 3 / P7: the sticky classification
// only flips at the high/low thresholds and otherwise holds.
func (c *Cache) applyHysteresis(e *entry, confidence float64) bool {
	switch {
	case confidence >= c.cfg.ThresholdHigh:
		e.stickyFollowup = true
	case confidence <= c.cfg.ThresholdLow:
		e.stickyFollowup = false
	}
	return e.stickyFollowup
}

func (c *Cache) maxRecentSimilarity(e *entry, queryEmb []float32) float64 {
	if e.ring == nil {
		return 0
	}
	best := 0.0
	for _, k := range e.ring.Keys() {
		v, ok := e.ring.Get(k)
		if !ok {
			continue
		}
		if s := cosine(queryEmb, v); s > best {
			best = s
		}
	}
	return best
}

func (c *Cache) appendRecent(e *entry, queryEmb []float32) {
	if e.ring == nil {
		e.ring, _ = lru.New[int, []float32](c.cfg.ringSize())
	}
	e.ringSeq++
	e.ring.Add(e.ringSeq, queryEmb)
}

func (cfg Config) ringSize() int {
	if cfg.RecentRingSize <= 0 {
		return 5
	}
	return cfg.RecentRingSize
}

func containsRefreshKeyword(query string, keywords []string) bool {
	words := tokenSet(query)
	for _, kw := range keywords {
		if words[strings.ToLower(kw)] {
			return true
		}
	}
	return false
}

// checkApplicability implements §4.8 step 4 / P8: every aggregation or
// grouping word implies a dimension that must already be a cached
// result column (directly, or via the synonym table), else the reason
// is recorded and the caller must execute fresh.
var dimensionSynonyms = map[string]string{
	"regions": "region", "products": "product", "categories": "category",
	"customers": "customer", "departments": "department", "employees": "employee",
}

var dimensionWords = map[string]bool{
	"region": true, "product": true, "category": true, "customer": true,
	"department": true, "employee": true, "country": true, "segment": true,
}

func checkApplicability(query string, resultColumns []string) (string, bool) {
	cols := map[string]bool{}
	for _, c := range resultColumns {
		cols[strings.ToLower(c)] = true
	}

	for _, tok := range tokens(query) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		dim := tok
		if canon, ok := dimensionSynonyms[tok]; ok {
			dim = canon
		}
		if !dimensionWords[dim] {
			continue
		}
		if !cols[dim] {
			return fmt.Sprintf("missing_dimension:%s", dim), false
		}
	}
	return "", true
}

func estimateSizeMB(columns []string, rows []map[string]any) float64 {
	bytesPerCell := 32.0
	return float64(len(columns)) * float64(len(rows)) * bytesPerCell / (1024 * 1024)
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
