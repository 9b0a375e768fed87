// Package configload loads the adapters.yaml and template-library YAML
// documents named in spec.md §6 into domain.AdapterConfig/domain.Template
// values. Grounded on salamander's internal/config (LoadConfig/
// LoadConfigFromBytes/Validate split, os.ReadFile + yaml.Unmarshal into a
// wire struct, ${VAR} substitution before parsing) — generalized here
// from a TUI's layout/keybinding schema to ORBIT's adapter and template
// schema.
package configload

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"orbit/internal/domain"
)

// envVarPattern matches ${VAR_NAME} references in a raw YAML document,
// the same substitution syntax datasources.yaml uses for credentials.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces every ${VAR} reference in data with the matching
// environment variable, returning an error naming the first undeclared
// variable it finds rather than silently substituting an empty string.
func ExpandEnv(data []byte) ([]byte, error) {
	var missing string
	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return v
	})
	if missing != "" {
		return nil, fmt.Errorf("configload: environment variable %s is referenced but not set", missing)
	}
	return []byte(expanded), nil
}

// adaptersDocument is the on-disk shape of adapters.yaml: a map of
// adapter name to its declared config.
type adaptersDocument struct {
	Adapters map[string]adapterWire `yaml:"adapters"`
}

type adapterWire struct {
	Type                string             `yaml:"type"`
	Datasource          string             `yaml:"datasource"`
	Adapter             string             `yaml:"adapter"`
	Kind                string             `yaml:"kind"`
	Implementation      string             `yaml:"implementation"`
	Enabled             *bool              `yaml:"enabled"`
	InferenceProvider   string             `yaml:"inference_provider"`
	EmbeddingProvider   string             `yaml:"embedding_provider"`
	Model               string             `yaml:"model"`
	ConfidenceThreshold float64            `yaml:"confidence_threshold"`
	SupportsThreading   *bool              `yaml:"supports_threading"`
	TemplateLibrary     string             `yaml:"template_library"`
	ContextFormat       string             `yaml:"context_format"`
	Children            []childWire        `yaml:"children"`
	TimeoutSeconds      float64            `yaml:"timeout_seconds"`
	Config              map[string]any     `yaml:"config"`
	Capabilities        *capabilitiesWire  `yaml:"capabilities"`
}

type childWire struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

type capabilitiesWire struct {
	RetrievalTrigger          string `yaml:"retrieval_trigger"`
	FormattingStyle           string `yaml:"formatting_style"`
	SupportsFileIDs           bool   `yaml:"supports_file_ids"`
	SupportsSessionTracking   bool   `yaml:"supports_session_tracking"`
	SupportsThreading         bool   `yaml:"supports_threading"`
	SupportsLanguageFiltering bool   `yaml:"supports_language_filtering"`
	RequiresAPIKeyValidation  bool   `yaml:"requires_api_key_validation"`
	SkipWhenNoFiles           bool   `yaml:"skip_when_no_files"`
	RequiredParameters        []string `yaml:"required_parameters"`
	OptionalParameters        []string `yaml:"optional_parameters"`
	ContextFormat             string `yaml:"context_format"`
	ContextMaxTokens          *int   `yaml:"context_max_tokens"`
	NumericPrecision          *struct {
		DecimalPlaces *int `yaml:"decimal_places"`
	} `yaml:"numeric_precision"`
}

// LoadAdapters reads and parses one adapters.yaml document after
// expanding ${VAR} references, returning one domain.AdapterConfig per
// declared adapter, keyed by name. The map has no order; use
// SortedAdapterNames for a deterministic, name-sorted list of keys.
func LoadAdapters(path string) (map[string]domain.AdapterConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configload: read adapters file %s: %w", path, err)
	}
	return ParseAdapters(raw)
}

// ParseAdapters is LoadAdapters without the filesystem read, so callers
// (and tests) can feed it an in-memory document.
func ParseAdapters(raw []byte) (map[string]domain.AdapterConfig, error) {
	expanded, err := ExpandEnv(raw)
	if err != nil {
		return nil, err
	}

	var doc adaptersDocument
	if err := yaml.Unmarshal(expanded, &doc); err != nil {
		return nil, fmt.Errorf("configload: parse adapters yaml: %w", err)
	}

	out := make(map[string]domain.AdapterConfig, len(doc.Adapters))
	for name, w := range doc.Adapters {
		cfg := domain.AdapterConfig{
			Name:                name,
			Type:                w.Type,
			Datasource:          w.Datasource,
			Adapter:             domain.AdapterTag(w.Adapter),
			Kind:                domain.AdapterKind(w.Kind),
			Implementation:      w.Implementation,
			Enabled:             w.Enabled == nil || *w.Enabled,
			InferenceProvider:   w.InferenceProvider,
			EmbeddingProvider:   w.EmbeddingProvider,
			Model:               w.Model,
			ConfidenceThreshold: w.ConfidenceThreshold,
			SupportsThreading:   w.SupportsThreading,
			TemplateLibrary:     w.TemplateLibrary,
			ContextFormat:       domain.ContextFormat(w.ContextFormat),
			Timeout:             time.Duration(w.TimeoutSeconds * float64(time.Second)),
			Config:              w.Config,
		}
		for _, c := range w.Children {
			cfg.Children = append(cfg.Children, domain.ChildAdapterRef{Name: c.Name, Weight: c.Weight})
		}
		if w.Capabilities != nil {
			cfg.Capabilities = capabilitiesFromWire(w.Capabilities)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configload: adapter %s: %w", name, err)
		}
		out[name] = cfg
	}
	return out, nil
}

func capabilitiesFromWire(w *capabilitiesWire) *domain.AdapterCapabilities {
	caps := &domain.AdapterCapabilities{
		RetrievalTrigger:          domain.RetrievalTrigger(w.RetrievalTrigger),
		FormattingStyle:           domain.FormattingStyle(w.FormattingStyle),
		SupportsFileIDs:           w.SupportsFileIDs,
		SupportsSessionTracking:   w.SupportsSessionTracking,
		SupportsThreading:         w.SupportsThreading,
		SupportsLanguageFiltering: w.SupportsLanguageFiltering,
		RequiresAPIKeyValidation:  w.RequiresAPIKeyValidation,
		SkipWhenNoFiles:           w.SkipWhenNoFiles,
		RequiredParameters:        w.RequiredParameters,
		OptionalParameters:        w.OptionalParameters,
		ContextFormat:             domain.ContextFormat(w.ContextFormat),
		ContextMaxTokens:          w.ContextMaxTokens,
	}
	if w.NumericPrecision != nil {
		caps.NumericPrecisionDecimalPlaces = w.NumericPrecision.DecimalPlaces
	}
	return caps
}

// SortedAdapterNames returns an adapters map's keys in deterministic
// order, for logging and for admin-CLI listing output.
func SortedAdapterNames(adapters map[string]domain.AdapterConfig) []string {
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// templateLibraryDocument is the on-disk shape of one template library
// file: a named, versioned list of templates.
type templateLibraryDocument struct {
	Templates []templateWire `yaml:"templates"`
}

type templateWire struct {
	ID            string                `yaml:"id"`
	Version       string                `yaml:"version"`
	Description   string                `yaml:"description"`
	NLExamples    []string              `yaml:"nl_examples"`
	SemanticTags  []string              `yaml:"semantic_tags"`
	Parameters    []parameterWire       `yaml:"parameters"`
	SQL           string                `yaml:"sql"`
	QueryDSL      map[string]any        `yaml:"query_dsl"`
	HTTP          *httpTemplateWire     `yaml:"http"`
	MongoPipeline []map[string]any      `yaml:"mongo_pipeline"`
	ToolName      string                `yaml:"tool_name"`
	ToolOperation string                `yaml:"tool_operation"`
	ResultFormat  string                `yaml:"result_format"`
	DisplayFields []string              `yaml:"display_fields"`
	Tags          []string              `yaml:"tags"`
	TimeoutSeconds float64              `yaml:"timeout_seconds"`
}

type parameterWire struct {
	Name               string   `yaml:"name"`
	Type               string   `yaml:"type"`
	Required           bool     `yaml:"required"`
	Default            any      `yaml:"default"`
	AllowedValues      []string `yaml:"allowed_values"`
	ExtractionPatterns []string `yaml:"extraction_patterns"`
	Format             string   `yaml:"format"`
	Min                *float64 `yaml:"min"`
	Max                *float64 `yaml:"max"`
}

type httpTemplateWire struct {
	Method           string            `yaml:"method"`
	EndpointTemplate string            `yaml:"endpoint_template"`
	Headers          map[string]string `yaml:"headers"`
}

// LoadTemplateLibrary reads and parses one template-library YAML file
// after ${VAR} expansion.
func LoadTemplateLibrary(path string) ([]domain.Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configload: read template library %s: %w", path, err)
	}
	return ParseTemplateLibrary(raw)
}

// ParseTemplateLibrary is LoadTemplateLibrary without the filesystem read.
func ParseTemplateLibrary(raw []byte) ([]domain.Template, error) {
	expanded, err := ExpandEnv(raw)
	if err != nil {
		return nil, err
	}

	var doc templateLibraryDocument
	if err := yaml.Unmarshal(expanded, &doc); err != nil {
		return nil, fmt.Errorf("configload: parse template library yaml: %w", err)
	}

	out := make([]domain.Template, 0, len(doc.Templates))
	for _, w := range doc.Templates {
		tmpl := domain.Template{
			ID:            w.ID,
			Version:       w.Version,
			Description:   w.Description,
			NLExamples:    w.NLExamples,
			SemanticTags:  w.SemanticTags,
			SQL:           w.SQL,
			QueryDSL:      w.QueryDSL,
			MongoPipeline: w.MongoPipeline,
			ToolName:      w.ToolName,
			ToolOperation: w.ToolOperation,
			ResultFormat:  domain.ContextFormat(w.ResultFormat),
			DisplayFields: w.DisplayFields,
			Tags:          w.Tags,
			Timeout:       time.Duration(w.TimeoutSeconds * float64(time.Second)),
		}
		for _, p := range w.Parameters {
			tmpl.Parameters = append(tmpl.Parameters, domain.TemplateParameter{
				Name:               p.Name,
				Type:               domain.ParameterType(p.Type),
				Required:           p.Required,
				Default:            p.Default,
				AllowedValues:      p.AllowedValues,
				ExtractionPatterns: p.ExtractionPatterns,
				Format:             p.Format,
				Min:                p.Min,
				Max:                p.Max,
			})
		}
		if w.HTTP != nil {
			tmpl.HTTP = &domain.HTTPTemplate{
				Method:           w.HTTP.Method,
				EndpointTemplate: w.HTTP.EndpointTemplate,
				Headers:          w.HTTP.Headers,
			}
		}
		out = append(out, tmpl)
	}
	return out, nil
}

// ValidateTemplates checks every template's declared parameters against
// its SQL text and HTTP endpoint_template: each {placeholder} found
// there must be declared, and a declared parameter they never reference
// is reported as unused so the library doesn't carry dead configuration.
// Elasticsearch query_dsl and MongoDB pipeline bodies are not scanned,
// and a template with neither SQL nor an HTTP endpoint reports no
// unused parameters.
func ValidateTemplates(templates []domain.Template) []domain.TemplateValidationReport {
	reports := make([]domain.TemplateValidationReport, 0, len(templates))
	for _, tmpl := range templates {
		reports = append(reports, validateTemplate(tmpl))
	}
	return reports
}

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

func validateTemplate(tmpl domain.Template) domain.TemplateValidationReport {
	declared := make(map[string]bool, len(tmpl.Parameters))
	for _, p := range tmpl.Parameters {
		declared[p.Name] = true
	}

	referenced := map[string]bool{}
	body := tmpl.SQL
	if tmpl.HTTP != nil {
		body += " " + tmpl.HTTP.EndpointTemplate
	}
	for _, m := range placeholderPattern.FindAllStringSubmatch(body, -1) {
		referenced[m[1]] = true
	}

	report := domain.TemplateValidationReport{TemplateID: tmpl.ID}
	for name := range referenced {
		if !declared[name] {
			report.UndeclaredParams = append(report.UndeclaredParams, name)
		}
	}
	for name := range declared {
		if !referenced[name] && strings.TrimSpace(body) != "" {
			report.UnusedParams = append(report.UnusedParams, name)
		}
	}
	sort.Strings(report.UndeclaredParams)
	sort.Strings(report.UnusedParams)
	return report
}
