// Package embedding provides a reference EmbeddingProvider. Embedding
// provider clients are an out-of-scope external collaborator per the
// subsystem's interface boundary; this adapter exists so the base and
// composite retrievers have a concrete, swappable implementation to run
// against, grounded on the teacher's OllamaEmbedder HTTP client.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Provider is the embedding boundary the retrieval subsystem depends on.
type Provider interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Version() string
}

// Ollama calls a local Ollama-compatible /api/embed endpoint.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

func NewOllama(baseURL, model string, timeout time.Duration, logger *slog.Logger) *Ollama {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{baseURL: baseURL, model: model, client: &http.Client{Timeout: timeout}, logger: logger}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *Ollama) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	o.logger.Info("embedding_started", slog.Int("text_count", len(texts)), slog.String("model", o.model))

	body, err := json.Marshal(embedRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Warn("embedding_failed", slog.String("error", err.Error()), slog.Duration("elapsed", time.Since(start)))
		return nil, fmt.Errorf("call embed endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o.logger.Warn("embedding_failed", slog.Int("status", resp.StatusCode), slog.Duration("elapsed", time.Since(start)))
		return nil, fmt.Errorf("embed endpoint returned %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}

	o.logger.Info("embedding_completed", slog.Int("embedding_count", len(out.Embeddings)), slog.Duration("elapsed", time.Since(start)))
	return out.Embeddings, nil
}

func (o *Ollama) Version() string { return o.model }

var _ Provider = (*Ollama)(nil)
