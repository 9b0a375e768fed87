// Package pipeline implements the Pipeline Steps (C9): the ordered,
// capability-gated stages that turn one client request into formatted
// context for downstream inference. Grounded on the teacher's
// AnswerWithRAGUsecase.Execute/.Stream staged orchestration (retrieve →
// build prompt → generate → validate), generalized here into a declared
// step list instead of one fixed method body, so adapters can skip
// stages by capability rather than by branching inside the usecase.
package pipeline

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"orbit/internal/breaker"
	"orbit/internal/capability"
	"orbit/internal/domain"
	"orbit/internal/domainadapter"
	"orbit/internal/followupcache"
)

var tracer = otel.Tracer("orbit/pipeline")

// Retriever is the boundary every C4/C5/C6 retriever satisfies; the
// pipeline depends only on this, never on a concrete retriever type.
type Retriever interface {
	GetRelevantContext(ctx context.Context, query string) ([]domainadapter.Document, error)
}

// Step is one stage of the C9 pipeline: should_execute/process, exactly
// as spec.md §4.9 names them.
type Step interface {
	Name() string
	ShouldExecute(pctx *domain.ProcessingContext) bool
	Process(ctx context.Context, pctx *domain.ProcessingContext) error
}

// Pipeline runs its steps strictly sequentially for one request, per
// the §5 ordering guarantee.
type Pipeline struct {
	Steps  []Step
	logger *slog.Logger
}

func New(logger *slog.Logger, steps ...Step) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{Steps: steps, logger: logger}
}

// Run executes every step whose ShouldExecute returns true, in order.
// A step error aborts the remaining steps and is returned to the caller.
func (p *Pipeline) Run(ctx context.Context, pctx *domain.ProcessingContext) error {
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("adapter_name", pctx.AdapterName),
		attribute.String("session_id", pctx.SessionID),
	))
	defer span.End()

	for _, step := range p.Steps {
		if !step.ShouldExecute(pctx) {
			continue
		}
		if err := p.runStep(ctx, step, pctx); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

// runStep opens a child span per step, so a trace backend shows which
// stage of §4.9's ordered list a request spent its time in.
func (p *Pipeline) runStep(ctx context.Context, step Step, pctx *domain.ProcessingContext) error {
	ctx, span := tracer.Start(ctx, "pipeline.step."+step.Name())
	defer span.End()

	if err := step.Process(ctx, pctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("pipeline step failed", slog.String("step", step.Name()), slog.String("error", err.Error()))
		return err
	}
	return nil
}

// CapabilityLookup resolves an adapter's frozen capabilities, mirroring
// the registry's AdapterInstance.Capabilities() accessor without
// depending on the registry package directly (avoids an import cycle
// since the registry never needs the pipeline).
type CapabilityLookup func(adapterName string) (domain.AdapterCapabilities, error)

// CapabilityResolutionStep is step 1: populate pctx.Capabilities.
type CapabilityResolutionStep struct {
	Lookup CapabilityLookup
}

func (s *CapabilityResolutionStep) Name() string { return "capability_resolution" }

func (s *CapabilityResolutionStep) ShouldExecute(*domain.ProcessingContext) bool { return true }

func (s *CapabilityResolutionStep) Process(_ context.Context, pctx *domain.ProcessingContext) error {
	caps, err := s.Lookup(pctx.AdapterName)
	if err != nil {
		return err
	}
	pctx.Capabilities = caps
	pctx.ShouldRetrieve = capability.ShouldRetrieve(caps, *pctx, nil)
	return nil
}

// CacheCheckStep is step 2: on an accepted follow-up it sets
// formatted_context and clears should_retrieve so later steps short-
// circuit, per §4.9 step 2.
type CacheCheckStep struct {
	Cache  *followupcache.Cache
	Format func(columns []string, rows []map[string]any) string
}

func (s *CacheCheckStep) Name() string { return "cache_check" }

func (s *CacheCheckStep) ShouldExecute(pctx *domain.ProcessingContext) bool {
	return s.Cache != nil && pctx.Capabilities.SupportsThreading
}

func (s *CacheCheckStep) Process(ctx context.Context, pctx *domain.ProcessingContext) error {
	dec, err := s.Cache.Lookup(ctx, pctx.SessionID, pctx.AdapterName, pctx.Query, pctx.BypassCache, s.Format)
	if err != nil {
		return err
	}

	pctx.CacheHit = dec.Hit
	pctx.QuerySimilarity = dec.QuerySimilarity
	pctx.FollowupConfidence = dec.FollowupConfidence
	pctx.CacheRefresh = dec.CacheRefresh
	pctx.RefreshReason = dec.RefreshReason
	pctx.ApplicabilityReason = dec.ApplicabilityReason

	if dec.Hit {
		pctx.IsFollowup = true
		pctx.FormattedContext = dec.FormattedContext
		pctx.ShouldRetrieve = false
		if pctx.Metadata == nil {
			pctx.Metadata = map[string]any{}
		}
		pctx.Metadata["cache_hit"] = true
		pctx.Metadata["query_similarity"] = dec.QuerySimilarity
		pctx.Metadata["followup_confidence"] = dec.FollowupConfidence
		pctx.Metadata["cached_query"] = dec.CachedQuery
	}
	return nil
}

// DomainAdapterLookup resolves the C3 Domain Adapter variant bound to an
// adapter, mirroring CapabilityLookup's by-name indirection.
type DomainAdapterLookup func(adapterName string) (domainadapter.DomainAdapter, error)

// ContextRetrievalStep is step 3: runs should_retrieve-gated retrieval
// through the C7 breaker, applies the C3 Domain Adapter's formatting,
// filtering, and direct-answer extraction, and trims to the adapter's
// token budget.
type ContextRetrievalStep struct {
	Resolve          func(adapterName string) (Retriever, error)
	ResolveDomain    DomainAdapterLookup
	Breaker          *breaker.Manager
	RetryPolicy      breaker.RetryPolicy
	ContextMaxTokens int // default budget; 0 disables trimming
}

func (s *ContextRetrievalStep) Name() string { return "context_retrieval" }

func (s *ContextRetrievalStep) ShouldExecute(pctx *domain.ProcessingContext) bool {
	return pctx.ShouldRetrieve && !pctx.CacheHit
}

func (s *ContextRetrievalStep) Process(ctx context.Context, pctx *domain.ProcessingContext) error {
	retriever, err := s.Resolve(pctx.AdapterName)
	if err != nil {
		return err
	}

	var docs []domainadapter.Document
	runErr := s.Breaker.Protect(ctx, pctx.AdapterName, s.RetryPolicy, func(ctx context.Context) error {
		d, err := retriever.GetRelevantContext(ctx, pctx.Query)
		docs = d
		return err
	})
	if runErr != nil {
		return runErr
	}

	if s.ResolveDomain != nil {
		da, err := s.ResolveDomain(pctx.AdapterName)
		if err != nil {
			return err
		}
		formatted := make([]domainadapter.Document, len(docs))
		for i, d := range docs {
			formatted[i] = da.FormatDocument(d.Content, d.Metadata)
		}
		docs = da.ApplyDomainSpecificFiltering(formatted, pctx.Query)
		if answer, ok := da.ExtractDirectAnswer(docs); ok {
			if pctx.Metadata == nil {
				pctx.Metadata = map[string]any{}
			}
			pctx.Metadata["direct_answer"] = answer
		}
	}

	budget := tokenBudget(pctx, s.ContextMaxTokens)
	docs = trimToBudget(docs, budget)

	pctx.ContextItems = make([]domain.ContextItem, len(docs))
	for i, d := range docs {
		pctx.ContextItems[i] = domain.ContextItem{Content: d.Content, Score: d.Confidence, Metadata: d.Metadata}
	}
	pctx.FormattedContext = joinDocuments(docs)
	return nil
}

func tokenBudget(pctx *domain.ProcessingContext, defaultBudget int) int {
	if v, ok := pctx.Metadata["context_max_tokens"]; ok {
		if n, ok := v.(int); ok && n > 0 {
			return n
		}
	}
	if pctx.Capabilities.ContextMaxTokens != nil && *pctx.Capabilities.ContextMaxTokens > 0 {
		return *pctx.Capabilities.ContextMaxTokens
	}
	return defaultBudget
}

// trimToBudget implements §4.9 step 3's and P9's trimming rule: drop the
// lowest-confidence documents (1 token ≈ 4 characters) until the
// estimated token count fits the budget. budget <= 0 disables trimming.
func trimToBudget(docs []domainadapter.Document, budget int) []domainadapter.Document {
	if budget <= 0 {
		return docs
	}

	total := 0
	for _, d := range docs {
		total += estimateTokens(d.Content)
	}
	if total <= budget {
		return docs
	}

	ordered := make([]domainadapter.Document, len(docs))
	copy(ordered, docs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Confidence > ordered[j].Confidence })

	kept := []domainadapter.Document{}
	used := 0
	for _, d := range ordered {
		cost := estimateTokens(d.Content)
		if used+cost > budget {
			break
		}
		kept = append(kept, d)
		used += cost
	}
	return kept
}

func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

func joinDocuments(docs []domainadapter.Document) string {
	out := ""
	for i, d := range docs {
		if i > 0 {
			out += "\n\n"
		}
		out += d.Content
	}
	return out
}

// PostRetrievalCacheStoreStep is step 4: store a fresh result when the
// adapter supports threading and the result fits the cache's size bound.
type PostRetrievalCacheStoreStep struct {
	Cache    *followupcache.Cache
	Embedder interface {
		Encode(ctx context.Context, texts []string) ([][]float32, error)
	}
}

func (s *PostRetrievalCacheStoreStep) Name() string { return "post_retrieval_cache_store" }

func (s *PostRetrievalCacheStoreStep) ShouldExecute(pctx *domain.ProcessingContext) bool {
	return s.Cache != nil && pctx.Capabilities.SupportsThreading && !pctx.CacheHit && len(pctx.ContextItems) > 0
}

func (s *PostRetrievalCacheStoreStep) Process(ctx context.Context, pctx *domain.ProcessingContext) error {
	rows, columns, sqlOrQuery := extractTabularResult(pctx.ContextItems)
	if len(rows) == 0 {
		return nil
	}

	var queryEmbedding []float32
	if s.Embedder != nil {
		if vectors, err := s.Embedder.Encode(ctx, []string{pctx.Query}); err == nil && len(vectors) > 0 {
			queryEmbedding = vectors[0]
		}
	}

	s.Cache.Store(pctx.SessionID, pctx.AdapterName, pctx.Query, queryEmbedding, sqlOrQuery, rows, columns,
		domain.ResultMetadata{RowCount: len(rows), Filters: map[string]any{}})
	return nil
}

// extractTabularResult pulls the rows/columns/executed-query facts the
// C5 intent retrievers stamp into a document's metadata (see
// internal/retriever/intent) so the cache can store them without this
// package importing the intent package.
func extractTabularResult(items []domain.ContextItem) ([]map[string]any, []string, string) {
	for _, item := range items {
		rows, ok := item.Metadata["rows"].([]map[string]any)
		if !ok {
			continue
		}
		columns, _ := item.Metadata["columns"].([]string)
		sqlOrQuery, _ := item.Metadata["sql_or_query_executed"].(string)
		return rows, columns, sqlOrQuery
	}
	return nil, nil, ""
}
