// Package esclient provides the reference ESExecutor the Elasticsearch
// intent retriever runs Query DSL bodies through, using the official
// go-elasticsearch typed client.
package esclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Executor runs a search against one index via the Elasticsearch
// low-level client.
type Executor struct {
	client *elasticsearch.Client
}

func NewExecutor(client *elasticsearch.Client) *Executor {
	return &Executor{client: client}
}

func (e *Executor) Search(ctx context.Context, index string, body map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal query dsl: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{index},
		Body:  bytes.NewReader(payload),
	}

	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, fmt.Errorf("execute search: %w", err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, fmt.Errorf("elasticsearch returned status %s", resp.Status())
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out, nil
}
