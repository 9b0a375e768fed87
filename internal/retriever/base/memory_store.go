package base

import (
	"context"
	"math"
	"sort"

	"orbit/internal/domain"
)

// MemoryStore is an in-process TemplateStore used by tests and by small
// deployments that don't need Postgres. It computes cosine similarity
// directly instead of delegating to a database's vector index.
type MemoryStore struct {
	entries map[string]memoryEntry
}

type memoryEntry struct {
	embedding []float32
	template  *domain.Template
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memoryEntry{}}
}

func (m *MemoryStore) Upsert(ctx context.Context, templateID string, embedding []float32, tmpl *domain.Template) error {
	m.entries[templateID] = memoryEntry{embedding: embedding, template: tmpl}
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]ScoredTemplate, error) {
	out := make([]ScoredTemplate, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, ScoredTemplate{Template: e.template, Score: cosineSimilarity(queryEmbedding, e.embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Template.ID < out[j].Template.ID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *MemoryStore) Close(ctx context.Context) error { return nil }

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ TemplateStore = (*MemoryStore)(nil)
