package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"orbit/internal/domain"
	"orbit/internal/domainadapter"
	"orbit/internal/retriever/base"
)

// ESExecutor runs a Query DSL body against one index and returns the raw
// decoded response.
type ESExecutor interface {
	Search(ctx context.Context, index string, body map[string]any) (map[string]any, error)
}

// ESRetriever is the C5 Elasticsearch intent retriever.
type ESRetriever struct {
	Base     *base.Retriever
	Executor ESExecutor
	Index    string
}

func NewESRetriever(b *base.Retriever, executor ESExecutor, index string) *ESRetriever {
	return &ESRetriever{Base: b, Executor: executor, Index: index}
}

// Name identifies this retriever to a composite parent.
func (r *ESRetriever) Name() string { return r.Base.Name }

// MatchTemplates exposes the base retriever's template search to a
// composite parent without running the rest of the state machine.
func (r *ESRetriever) MatchTemplates(ctx context.Context, query string, topK int) ([]domain.TemplateMatch, error) {
	return r.Base.MatchTemplates(ctx, query, topK)
}

func (r *ESRetriever) GetRelevantContext(ctx context.Context, query string) ([]domainadapter.Document, error) {
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
	if tmpl.QueryDSL == nil {
		return nil, inv.fail(domain.NewConfigError(r.Base.Name, "template has no query_dsl body"))
	}

	params, err := ExtractParameters(r.Base.Name, tmpl, query)
	if err != nil {
		return nil, inv.fail(err)
	}
	inv.advance(StageParametersExtracted)

	if err := ValidateParameters(r.Base.Name, tmpl, params); err != nil {
		return nil, inv.fail(err)
	}

	body, err := renderQueryDSL(r.Base.Name, tmpl, params)
	if err != nil {
		return nil, inv.fail(err)
	}
	inv.advance(StageRendered)

	resp, err := r.Executor.Search(ctx, r.Index, body)
	if err != nil {
		return nil, inv.fail(domain.NewDatasourceError(r.Base.Name, err))
	}
	inv.advance(StageExecuted)

	content, metadata := FormatESResponse(resp)
	metadata = base.EnrichMetadata(metadata, "intent", tmpl.ID, r.Base.Datasource)
	inv.advance(StageFormatted)

	return []domainadapter.Document{{Content: content, Metadata: metadata, Confidence: best.Confidence}}, nil
}

// renderQueryDSL substitutes declared {name} placeholders found anywhere
// inside the DSL's JSON text representation, reusing the same strict
// rendering rule as SQL/HTTP.
func renderQueryDSL(adapterName string, tmpl *domain.Template, params map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(tmpl.QueryDSL)
	if err != nil {
		return nil, fmt.Errorf("marshal query_dsl: %w", err)
	}
	rendered, err := RenderStrict(adapterName, tmpl, string(raw), params)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(rendered), &out); err != nil {
		return nil, domain.NewTemplateRenderError(adapterName, tmpl.ID, "rendered query_dsl is not valid JSON: "+err.Error())
	}
	return out, nil
}

// FormatESResponse implements the §4.5 Elasticsearch specifics: extract
// hits.hits._source (+ _score, highlights), then aggregations, then
// suggest; response metadata carries total_hits, took_ms, timed_out.
func FormatESResponse(resp map[string]any) (string, map[string]any) {
	var b strings.Builder
	metadata := map[string]any{}

	if hits, ok := resp["hits"].(map[string]any); ok {
		if total, ok := hits["total"].(map[string]any); ok {
			metadata["total_hits"] = total["value"]
		}
		if list, ok := hits["hits"].([]any); ok {
			for _, h := range list {
				hit, ok := h.(map[string]any)
				if !ok {
					continue
				}
				source, _ := hit["_source"].(map[string]any)
				line, _ := json.Marshal(source)
				b.WriteString(fmt.Sprintf("score=%v %s", hit["_score"], line))
				if hl, ok := hit["highlight"].(map[string]any); ok {
					hlJSON, _ := json.Marshal(hl)
					b.WriteString(" highlights=" + string(hlJSON))
				}
				b.WriteString("\n")
			}
		}
	}

	if aggs, ok := resp["aggregations"].(map[string]any); ok {
		b.WriteString(renderAggregations(aggs, 0))
	}

	if suggest, ok := resp["suggest"].(map[string]any); ok {
		suggestJSON, _ := json.Marshal(suggest)
		b.WriteString("suggest: " + string(suggestJSON) + "\n")
	}

	if took, ok := resp["took"]; ok {
		metadata["took_ms"] = took
	}
	if timedOut, ok := resp["timed_out"]; ok {
		metadata["timed_out"] = timedOut
	}

	return strings.TrimRight(b.String(), "\n"), metadata
}

func renderAggregations(aggs map[string]any, depth int) string {
	indent := strings.Repeat("  ", depth)
	var b strings.Builder
	for name, v := range aggs {
		agg, ok := v.(map[string]any)
		if !ok {
			continue
		}
		b.WriteString(indent + name + ":\n")
		if buckets, ok := agg["buckets"].([]any); ok {
			for _, bkt := range buckets {
				bucket, ok := bkt.(map[string]any)
				if !ok {
					continue
				}
				key := fmt.Sprintf("%v", bucket["key"])
				count := fmt.Sprintf("%v", bucket["doc_count"])
				b.WriteString(indent + "  " + key + ": " + count + "\n")
			}
		}
	}
	return b.String()
}
