package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"orbit/internal/domain"
	"orbit/internal/domainadapter"
	"orbit/internal/retriever/base"
)

// HTTPExecutor issues the constructed request and returns its decoded
// JSON body as rows plus the discovered column set.
type HTTPExecutor interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (rows []map[string]any, columns []string, err error)
}

// HTTPRetriever is the C5 HTTP intent retriever.
type HTTPRetriever struct {
	Base          *base.Retriever
	Executor      HTTPExecutor
	ContextFormat domain.ContextFormat
	DecimalPlaces int
	// Schema, when set, validates each template's endpoint against the
	// datasource's OpenAPI document before execution (optional; a
	// datasource without a published schema leaves this nil).
	Schema *OpenAPISchema
}

func NewHTTPRetriever(b *base.Retriever, executor HTTPExecutor, format domain.ContextFormat) *HTTPRetriever {
	return &HTTPRetriever{Base: b, Executor: executor, ContextFormat: format, DecimalPlaces: -1}
}

// WithOpenAPISchema attaches a parsed OpenAPI document used to validate
// rendered endpoints before they are executed.
func (r *HTTPRetriever) WithOpenAPISchema(schema *OpenAPISchema) *HTTPRetriever {
	r.Schema = schema
	return r
}

// Name identifies this retriever to a composite parent.
func (r *HTTPRetriever) Name() string { return r.Base.Name }

// MatchTemplates exposes the base retriever's template search to a
// composite parent without running the rest of the state machine.
func (r *HTTPRetriever) MatchTemplates(ctx context.Context, query string, topK int) ([]domain.TemplateMatch, error) {
	return r.Base.MatchTemplates(ctx, query, topK)
}

func (r *HTTPRetriever) GetRelevantContext(ctx context.Context, query string) ([]domainadapter.Document, error) {
	matches, err := r.Base.MatchTemplates(ctx, query, 5)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	best := matches[0]
	inv := &Invocation{TemplateID: best.Template.ID, Stage: StageSelected}
	tmpl := best.Template
	if tmpl.HTTP == nil {
		return nil, inv.fail(domain.NewConfigError(r.Base.Name, "template has no http block"))
	}

	params, err := ExtractParameters(r.Base.Name, tmpl, query)
	if err != nil {
		return nil, inv.fail(err)
	}
	inv.advance(StageParametersExtracted)

	if err := ValidateParameters(r.Base.Name, tmpl, params); err != nil {
		return nil, inv.fail(err)
	}

	endpoint, err := RenderStrict(r.Base.Name, tmpl, tmpl.HTTP.EndpointTemplate, params)
	if err != nil {
		return nil, inv.fail(err)
	}
	inv.advance(StageRendered)

	if r.Schema != nil {
		if err := r.Schema.ValidateEndpoint(r.Base.Name, tmpl.ID, tmpl.HTTP.Method, tmpl.HTTP.EndpointTemplate); err != nil {
			return nil, inv.fail(err)
		}
	}

	rows, columns, err := r.Executor.Do(ctx, tmpl.HTTP.Method, endpoint, tmpl.HTTP.Headers, nil)
	if err != nil {
		return nil, inv.fail(domain.NewDatasourceError(r.Base.Name, err))
	}
	inv.advance(StageExecuted)

	content := FormatResult(columns, rows, r.ContextFormat, r.DecimalPlaces)
	metadata := base.EnrichMetadata(map[string]any{"rows": rows, "columns": columns}, "intent", tmpl.ID, r.Base.Datasource)
	inv.advance(StageFormatted)

	return []domainadapter.Document{{Content: content, Metadata: metadata, Confidence: best.Confidence}}, nil
}

// StandardHTTPExecutor is the reference HTTPExecutor: it performs the
// request with net/http and treats a top-level JSON array (or a
// "results"/"data" array field) as the row set.
type StandardHTTPExecutor struct {
	Client *http.Client
}

func NewStandardHTTPExecutor(client *http.Client) *StandardHTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &StandardHTTPExecutor{Client: client}
}

func (e *StandardHTTPExecutor) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]map[string]any, []string, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("build http intent request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("call http intent endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("http intent endpoint returned %d", resp.StatusCode)
	}

	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("decode http intent response: %w", err)
	}
	return extractRows(raw)
}

func extractRows(raw any) ([]map[string]any, []string, error) {
	var list []any
	switch v := raw.(type) {
	case []any:
		list = v
	case map[string]any:
		for _, key := range []string{"results", "data", "items"} {
			if arr, ok := v[key].([]any); ok {
				list = arr
				break
			}
		}
		if list == nil {
			list = []any{v}
		}
	}

	rows := make([]map[string]any, 0, len(list))
	columnSet := map[string]bool{}
	var columns []string
	for _, item := range list {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rows = append(rows, row)
		for k := range row {
			if !columnSet[k] {
				columnSet[k] = true
				columns = append(columns, k)
			}
		}
	}
	return rows, columns, nil
}

var _ HTTPExecutor = (*StandardHTTPExecutor)(nil)
