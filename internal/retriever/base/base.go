// Package base implements the Base Retriever (C4): a vector collection
// of template embeddings, a consistent embedding provider, and the
// top-K-above-threshold template match that every concrete subclass
// (intent, composite) builds on.
package base

import (
	"context"
	"fmt"
	"sort"

	"orbit/internal/adapter/embedding"
	"orbit/internal/domain"
)

// TemplateStore owns the vector collection of template embeddings — one
// embedding per template's concatenated nl_examples — and answers
// similarity search against it. Concrete stores (pgvector, in-memory)
// implement this.
type TemplateStore interface {
	Upsert(ctx context.Context, templateID string, embedding []float32, tmpl *domain.Template) error
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]ScoredTemplate, error)
	Close(ctx context.Context) error
}

// ScoredTemplate is one candidate template with its similarity score.
type ScoredTemplate struct {
	Template *domain.Template
	Score    float64
}

// Retriever is the C4 base retriever. Intent retrievers embed it and
// delegate parameter extraction/execution to their own logic; the
// composite retriever calls it once per child.
type Retriever struct {
	Name                string
	Datasource          string
	Store               TemplateStore
	Embedder            embedding.Provider
	ConfidenceThreshold float64
}

func New(name, datasource string, store TemplateStore, embedder embedding.Provider, confidenceThreshold float64) *Retriever {
	return &Retriever{Name: name, Datasource: datasource, Store: store, Embedder: embedder, ConfidenceThreshold: confidenceThreshold}
}

// MatchTemplates computes the query embedding and fetches the top-K
// templates whose similarity is at or above ConfidenceThreshold, applying
// the §4.4 tie-break: higher similarity wins; on an exact tie, the
// lexicographically earlier template ID wins.
func (r *Retriever) MatchTemplates(ctx context.Context, query string, topK int) ([]domain.TemplateMatch, error) {
	vectors, err := r.Embedder.Encode(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors for query")
	}

	candidates, err := r.Store.Search(ctx, vectors[0], topK)
	if err != nil {
		return nil, fmt.Errorf("search template store: %w", err)
	}

	matches := make([]domain.TemplateMatch, 0, len(candidates))
	for _, c := range candidates {
		if c.Score < r.ConfidenceThreshold {
			continue
		}
		matches = append(matches, domain.TemplateMatch{Template: c.Template, Confidence: c.Score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return matches[i].Template.ID < matches[j].Template.ID
	})

	return matches, nil
}

// EnrichMetadata stamps the always-present metadata fields the §4.4
// contract requires onto a result's metadata map.
func EnrichMetadata(metadata map[string]any, source, templateID, datasource string) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["source"] = source
	metadata["template_id"] = templateID
	metadata["datasource"] = datasource
	return metadata
}
