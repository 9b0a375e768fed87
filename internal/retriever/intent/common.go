// Package intent implements the Intent Retrievers (C5): parameter
// extraction, strict template rendering, execution, and result
// formatting for SQL, HTTP, Elasticsearch, and MongoDB backed templates.
package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"orbit/internal/domain"
	"orbit/internal/domainadapter"
)

// Stage is the per-invocation state machine position from §4.5: any
// stage may transition to Failed with a typed error.
type Stage string

const (
	StageSelected            Stage = "selected"
	StageParametersExtracted Stage = "parameters_extracted"
	StageRendered            Stage = "rendered"
	StageExecuted            Stage = "executed"
	StageFormatted           Stage = "formatted"
	StageFailed              Stage = "failed"
)

// Invocation tracks one template invocation's progress through the state
// machine, for observability and for tests asserting the stage reached
// before a failure.
type Invocation struct {
	TemplateID string
	Stage      Stage
	Err        error
}

func (inv *Invocation) advance(stage Stage) { inv.Stage = stage }

func (inv *Invocation) fail(err error) error {
	inv.Stage = StageFailed
	inv.Err = err
	return err
}

// ExtractParameters implements §4.5 step 2: for each declared parameter,
// apply its extraction_patterns (ordered regex list, first match wins)
// against the query, normalize, and fall back to Default or fail with
// ParameterExtractionError when Required and still absent.
func ExtractParameters(adapterName string, tmpl *domain.Template, query string) (map[string]any, error) {
	out := map[string]any{}

	for _, p := range tmpl.Parameters {
		value, found := extractOne(p, query)
		if !found {
			if p.Default != nil {
				out[p.Name] = p.Default
				continue
			}
			if p.Required {
				return nil, domain.NewParameterExtractionError(adapterName, tmpl.ID, p.Name)
			}
			continue
		}
		out[p.Name] = value
	}

	return out, nil
}

func extractOne(p domain.TemplateParameter, query string) (any, bool) {
	for _, pattern := range p.ExtractionPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		m := re.FindStringSubmatch(query)
		if m == nil {
			continue
		}
		raw := m[0]
		if len(m) > 1 {
			raw = m[1]
		}
		return normalize(p, raw), true
	}
	return nil, false
}

func normalize(p domain.TemplateParameter, raw string) any {
	switch p.Type {
	case domain.ParamNumber:
		cleaned := strings.ReplaceAll(raw, ",", "")
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return f
		}
		return raw
	case domain.ParamInteger:
		cleaned := strings.ReplaceAll(raw, ",", "")
		if i, err := strconv.Atoi(cleaned); err == nil {
			return i
		}
		return raw
	case domain.ParamBoolean:
		b, err := strconv.ParseBool(raw)
		if err == nil {
			return b
		}
		return raw
	default:
		return raw
	}
}

// ValidateParameters implements §4.5 step 3: checks each extracted value
// against the template's allowed_values and numeric min/max.
func ValidateParameters(adapterName string, tmpl *domain.Template, params map[string]any) error {
	for _, p := range tmpl.Parameters {
		v, ok := params[p.Name]
		if !ok {
			continue
		}
		if len(p.AllowedValues) > 0 {
			s := fmt.Sprintf("%v", v)
			if !contains(p.AllowedValues, s) {
				return domain.NewConfigError(adapterName, fmt.Sprintf("parameter %q value %q not in allowed_values", p.Name, s))
			}
		}
		if f, isNum := toFloat(v); isNum {
			if p.Min != nil && f < *p.Min {
				return domain.NewConfigError(adapterName, fmt.Sprintf("parameter %q below min %v", p.Name, *p.Min))
			}
			if p.Max != nil && f > *p.Max {
				return domain.NewConfigError(adapterName, fmt.Sprintf("parameter %q above max %v", p.Name, *p.Max))
			}
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, a := range values {
		if a == v {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// RenderStrict implements §4.5 step 4's strict substitution: it replaces
// only declared {name} placeholders and returns TemplateRenderError for
// any placeholder that isn't a declared parameter. The caller of SQL
// rendering never concatenates parameter values itself — see RenderSQL.
func RenderStrict(adapterName string, tmpl *domain.Template, body string, params map[string]any) (string, error) {
	declared := make(map[string]bool, len(tmpl.Parameters))
	for _, p := range tmpl.Parameters {
		declared[p.Name] = true
	}

	var renderErr error
	rendered := placeholderPattern.ReplaceAllStringFunc(body, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if !declared[name] {
			renderErr = domain.NewTemplateRenderError(adapterName, tmpl.ID, "unknown placeholder "+name)
			return match
		}
		v, ok := params[name]
		if !ok {
			renderErr = domain.NewTemplateRenderError(adapterName, tmpl.ID, "parameter "+name+" has no value")
			return match
		}
		return fmt.Sprintf("%v", v)
	})
	if renderErr != nil {
		return "", renderErr
	}
	return rendered, nil
}

// FormatResult applies §4.5 step 6: renders rows in the requested
// context format, rounding floats to the given decimal precision when
// set (precision < 0 means unset).
func FormatResult(columns []string, rows []map[string]any, format domain.ContextFormat, decimalPlaces int) string {
	if decimalPlaces >= 0 {
		rows = roundFloats(columns, rows, decimalPlaces)
	}
	return domainadapter.RenderTable(columns, rows, format)
}

func roundFloats(columns []string, rows []map[string]any, places int) []map[string]any {
	out := make([]map[string]any, len(rows))
	scale := 1.0
	for i := 0; i < places; i++ {
		scale *= 10
	}
	for i, row := range rows {
		copied := make(map[string]any, len(row))
		for _, c := range columns {
			v := row[c]
			if f, ok := toFloat(v); ok {
				copied[c] = float64(int(f*scale+0.5)) / scale
			} else {
				copied[c] = v
			}
		}
		out[i] = copied
	}
	return out
}
