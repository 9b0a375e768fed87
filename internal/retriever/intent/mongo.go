package intent

import (
	"context"
	"encoding/json"
	"fmt"

	"orbit/internal/domain"
	"orbit/internal/domainadapter"
	"orbit/internal/retriever/base"
)

// MongoExecutor runs a rendered aggregation pipeline against one
// collection and returns its documents.
type MongoExecutor interface {
	Aggregate(ctx context.Context, collection string, pipeline []map[string]any) ([]map[string]any, error)
}

// MongoRetriever is the C5 MongoDB intent retriever.
type MongoRetriever struct {
	Base          *base.Retriever
	Executor      MongoExecutor
	Collection    string
	ContextFormat domain.ContextFormat
	DecimalPlaces int
}

func NewMongoRetriever(b *base.Retriever, executor MongoExecutor, collection string, format domain.ContextFormat) *MongoRetriever {
	return &MongoRetriever{Base: b, Executor: executor, Collection: collection, ContextFormat: format, DecimalPlaces: -1}
}

// Name identifies this retriever to a composite parent.
func (r *MongoRetriever) Name() string { return r.Base.Name }

// MatchTemplates exposes the base retriever's template search to a
// composite parent without running the rest of the state machine.
func (r *MongoRetriever) MatchTemplates(ctx context.Context, query string, topK int) ([]domain.TemplateMatch, error) {
	return r.Base.MatchTemplates(ctx, query, topK)
}

func (r *MongoRetriever) GetRelevantContext(ctx context.Context, query string) ([]domainadapter.Document, error) {
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
	if tmpl.MongoPipeline == nil {
		return nil, inv.fail(domain.NewConfigError(r.Base.Name, "template has no mongo pipeline"))
	}

	params, err := ExtractParameters(r.Base.Name, tmpl, query)
	if err != nil {
		return nil, inv.fail(err)
	}
	inv.advance(StageParametersExtracted)

	if err := ValidateParameters(r.Base.Name, tmpl, params); err != nil {
		return nil, inv.fail(err)
	}

	pipeline, err := renderMongoPipeline(r.Base.Name, tmpl, params)
	if err != nil {
		return nil, inv.fail(err)
	}
	inv.advance(StageRendered)

	docs, err := r.Executor.Aggregate(ctx, r.Collection, pipeline)
	if err != nil {
		return nil, inv.fail(domain.NewDatasourceError(r.Base.Name, err))
	}
	inv.advance(StageExecuted)

	columns := collectColumns(docs)
	content := FormatResult(columns, docs, r.ContextFormat, r.DecimalPlaces)
	metadata := base.EnrichMetadata(map[string]any{"rows": docs, "columns": columns}, "intent", tmpl.ID, r.Base.Datasource)
	inv.advance(StageFormatted)

	return []domainadapter.Document{{Content: content, Metadata: metadata, Confidence: best.Confidence}}, nil
}

func renderMongoPipeline(adapterName string, tmpl *domain.Template, params map[string]any) ([]map[string]any, error) {
	raw, err := json.Marshal(tmpl.MongoPipeline)
	if err != nil {
		return nil, fmt.Errorf("marshal mongo pipeline: %w", err)
	}
	rendered, err := RenderStrict(adapterName, tmpl, string(raw), params)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.Unmarshal([]byte(rendered), &out); err != nil {
		return nil, domain.NewTemplateRenderError(adapterName, tmpl.ID, "rendered pipeline is not valid JSON: "+err.Error())
	}
	return out, nil
}

func collectColumns(docs []map[string]any) []string {
	seen := map[string]bool{}
	var columns []string
	for _, d := range docs {
		for k := range d {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	return columns
}
