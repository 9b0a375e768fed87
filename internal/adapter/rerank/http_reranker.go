// Package rerank provides a reference RerankProvider used by the
// composite retriever's stage-2 scoring. Reranker clients are an
// out-of-scope external collaborator per the subsystem boundary; this
// adapter is a direct generalization of the teacher's RerankerClient
// HTTP call (same request/response shape, same elapsed-time logging
// convention), retargeted from reranking retrieved chunks to reranking
// candidate templates.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Candidate is one item competing for the rerank score: a template's
// description plus its nl_examples, per §4.6 stage 2.
type Candidate struct {
	ID   string
	Text string
}

// Result is the rerank score for one candidate, by ID so the caller can
// map it back without relying on response ordering.
type Result struct {
	ID    string
	Score float64
}

// Provider is the reranking boundary the composite retriever depends on.
type Provider interface {
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]Result, error)
}

type rerankRequest struct {
	Query      string   `json:"query"`
	Candidates []string `json:"candidates"`
}

type rerankResponseItem struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

type rerankResponse struct {
	Results []rerankResponseItem `json:"results"`
}

// HTTPReranker calls a cross-encoder reranking service over HTTP.
type HTTPReranker struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPReranker(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPReranker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPReranker{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Timeout: timeout}, logger: logger}
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Result, error) {
	start := time.Now()
	r.logger.Info("reranking_started", slog.String("query", truncate(query, 100)), slog.Int("candidate_count", len(candidates)))

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	payload, err := json.Marshal(rerankRequest{Query: query, Candidates: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/v1/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("reranking_failed", slog.String("error", err.Error()), slog.Int64("elapsed_ms", time.Since(start).Milliseconds()))
		return nil, fmt.Errorf("call rerank endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		r.logger.Warn("reranking_failed", slog.Int("status_code", resp.StatusCode), slog.String("body", truncate(string(body), 500)))
		return nil, fmt.Errorf("rerank endpoint returned %d: %s", resp.StatusCode, body)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, item := range parsed.Results {
		if item.Index < 0 || item.Index >= len(candidates) {
			continue
		}
		results = append(results, Result{ID: candidates[item.Index].ID, Score: item.Score})
	}

	r.logger.Info("reranking_completed", slog.Int("result_count", len(results)), slog.Int64("elapsed_ms", time.Since(start).Milliseconds()))
	return results, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

var _ Provider = (*HTTPReranker)(nil)
