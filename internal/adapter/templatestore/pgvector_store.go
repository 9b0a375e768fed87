// Package templatestore provides a Postgres/pgvector-backed
// implementation of the base retriever's TemplateStore, grounded on the
// teacher's RagChunkRepository (pgx pool + cosine similarity search
// against a pgvector column), generalized from "search document chunks"
// to "search intent templates by their nl_examples embedding".
package templatestore

import (
	"context"
	"encoding/json"
	"fmt"

	"orbit/internal/domain"
	"orbit/internal/retriever/base"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgvectorStore persists one row per template: id, embedding, and the
// template body as JSON.
type PgvectorStore struct {
	pool  *pgxpool.Pool
	table string
}

func NewPgvectorStore(pool *pgxpool.Pool, table string) *PgvectorStore {
	if table == "" {
		table = "orbit_templates"
	}
	return &PgvectorStore{pool: pool, table: table}
}

func (s *PgvectorStore) Upsert(ctx context.Context, templateID string, emb []float32, tmpl *domain.Template) error {
	body, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("marshal template body: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (template_id, embedding, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (template_id) DO UPDATE SET embedding = EXCLUDED.embedding, body = EXCLUDED.body
	`, s.table)
	_, err = s.pool.Exec(ctx, query, templateID, pgvector.NewVector(emb), body)
	if err != nil {
		return fmt.Errorf("upsert template %q: %w", templateID, err)
	}
	return nil
}

func (s *PgvectorStore) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]base.ScoredTemplate, error) {
	query := fmt.Sprintf(`
		SELECT template_id, body, 1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2
	`, s.table)

	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(queryEmbedding), topK)
	if err != nil {
		return nil, fmt.Errorf("search templates: %w", err)
	}
	defer rows.Close()

	var out []base.ScoredTemplate
	for rows.Next() {
		var templateID string
		var body []byte
		var score float64
		if err := rows.Scan(&templateID, &body, &score); err != nil {
			return nil, fmt.Errorf("scan template row: %w", err)
		}
		var tmpl domain.Template
		if err := json.Unmarshal(body, &tmpl); err != nil {
			return nil, fmt.Errorf("unmarshal template %q: %w", templateID, err)
		}
		out = append(out, base.ScoredTemplate{Template: &tmpl, Score: score})
	}
	return out, rows.Err()
}

func (s *PgvectorStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

var _ base.TemplateStore = (*PgvectorStore)(nil)
