package intent

import (
	"context"
	"fmt"
	"regexp"

	"orbit/internal/domain"
	"orbit/internal/domainadapter"
	"orbit/internal/retriever/base"
)

// SQLExecutor runs a bound-parameter query and returns its rows as
// column-name-keyed maps plus the ordered column list. Concrete
// implementations (pgx) never see concatenated user text — args travel
// as driver-level bind parameters.
type SQLExecutor interface {
	Query(ctx context.Context, sql string, args []any) (rows []map[string]any, columns []string, err error)
}

// SQLRetriever is the C5 SQL intent retriever.
type SQLRetriever struct {
	Base          *base.Retriever
	Executor      SQLExecutor
	ContextFormat domain.ContextFormat
	DecimalPlaces int
}

func NewSQLRetriever(b *base.Retriever, executor SQLExecutor, format domain.ContextFormat) *SQLRetriever {
	return &SQLRetriever{Base: b, Executor: executor, ContextFormat: format, DecimalPlaces: -1}
}

// Name identifies this retriever to a composite parent.
func (r *SQLRetriever) Name() string { return r.Base.Name }

// MatchTemplates exposes the base retriever's template search to a
// composite parent without running the rest of the state machine.
func (r *SQLRetriever) MatchTemplates(ctx context.Context, query string, topK int) ([]domain.TemplateMatch, error) {
	return r.Base.MatchTemplates(ctx, query, topK)
}

// GetRelevantContext implements the C4 contract for the SQL variant,
// running the full C5 state machine for the best-matching template.
func (r *SQLRetriever) GetRelevantContext(ctx context.Context, query string) ([]domainadapter.Document, error) {
	matches, err := r.Base.MatchTemplates(ctx, query, 5)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	best := matches[0]
	inv := &Invocation{TemplateID: best.Template.ID, Stage: StageSelected}

	params, err := ExtractParameters(r.Base.Name, best.Template, query)
	if err != nil {
		return nil, inv.fail(err)
	}
	inv.advance(StageParametersExtracted)

	if err := ValidateParameters(r.Base.Name, best.Template, params); err != nil {
		return nil, inv.fail(err)
	}

	sql, args, err := RenderSQL(r.Base.Name, best.Template, params)
	if err != nil {
		return nil, inv.fail(err)
	}
	inv.advance(StageRendered)

	rows, columns, err := r.Executor.Query(ctx, sql, args)
	if err != nil {
		return nil, inv.fail(domain.NewDatasourceError(r.Base.Name, err))
	}
	inv.advance(StageExecuted)

	content := FormatResult(columns, rows, r.ContextFormat, r.DecimalPlaces)
	metadata := base.EnrichMetadata(map[string]any{
		"rows":               rowsAsAny(rows),
		"columns":            columns,
		"sql_or_query_executed": sql,
	}, "intent", best.Template.ID, r.Base.Datasource)
	inv.advance(StageFormatted)

	return []domainadapter.Document{{Content: content, Metadata: metadata, Confidence: best.Confidence}}, nil
}

var sqlPlaceholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// RenderSQL implements §4.5 step 4 for SQL: every declared parameter not
// marked with AllowedValues is bound as a driver parameter ($1, $2, ...);
// a parameter flowing into an identifier position must declare
// AllowedValues, and is substituted literally only after
// ValidateParameters has confirmed the value is a member of that
// allow-list — this is the only string substitution SQL rendering ever
// performs.
func RenderSQL(adapterName string, tmpl *domain.Template, params map[string]any) (string, []any, error) {
	declared := make(map[string]domain.TemplateParameter, len(tmpl.Parameters))
	for _, p := range tmpl.Parameters {
		declared[p.Name] = p
	}

	var args []any
	var renderErr error
	n := 0

	rendered := sqlPlaceholderPattern.ReplaceAllStringFunc(tmpl.SQL, func(match string) string {
		name := sqlPlaceholderPattern.FindStringSubmatch(match)[1]
		p, ok := declared[name]
		if !ok {
			renderErr = domain.NewTemplateRenderError(adapterName, tmpl.ID, "unknown placeholder "+name)
			return match
		}
		v, ok := params[name]
		if !ok {
			renderErr = domain.NewTemplateRenderError(adapterName, tmpl.ID, "parameter "+name+" has no value")
			return match
		}
		if len(p.AllowedValues) > 0 {
			return fmt.Sprintf("%v", v)
		}
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	})
	if renderErr != nil {
		return "", nil, renderErr
	}
	return rendered, args, nil
}

func rowsAsAny(rows []map[string]any) []map[string]any { return rows }
