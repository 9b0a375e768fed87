// Package domain holds the value types shared across the adapter and
// retrieval subsystem: adapter configuration, capability descriptors,
// intent templates, cached results, circuit breaker statistics, and the
// per-request processing context threaded through the pipeline steps.
package domain

import "time"

// AdapterKind selects which retrieval implementation an adapter binds to.
// It is orthogonal to RetrievalTrigger (C2), which decides *whether* that
// implementation runs for a given request.
type AdapterKind string

const (
	KindVectorOnly  AdapterKind = "vector_only"
	KindIntent      AdapterKind = "intent"
	KindComposite   AdapterKind = "composite"
	KindPassthrough AdapterKind = "passthrough"
)

// Validate accepts the known kinds and the empty kind (field omitted).
func (k AdapterKind) Validate() error {
	switch k {
	case "", KindVectorOnly, KindIntent, KindComposite, KindPassthrough:
		return nil
	default:
		return &ValidationError{Field: "kind", Reason: "unknown value " + string(k)}
	}
}

// AdapterTag is the domain tag (spec's `adapter` selection key) used by
// the C2 capability inference rules and by C3 to pick a Domain Adapter
// variant.
type AdapterTag string

const (
	TagConversational AdapterTag = "conversational"
	TagMultimodal      AdapterTag = "multimodal"
	TagFile            AdapterTag = "file"
	TagIntent          AdapterTag = "intent"
	TagQA              AdapterTag = "qa"
	TagGeneric         AdapterTag = "generic"
)

// RetrievalTrigger decides whether C2.should_retrieve fires for a request.
type RetrievalTrigger string

const (
	TriggerNone        RetrievalTrigger = "none"
	TriggerAlways      RetrievalTrigger = "always"
	TriggerConditional RetrievalTrigger = "conditional"
)

// FormattingStyle is a presentation hint consumed by the Domain Adapter's
// format_document step.
type FormattingStyle string

const (
	FormattingStandard FormattingStyle = "standard"
	FormattingClean    FormattingStyle = "clean"
	FormattingCustom   FormattingStyle = "custom"
)

// ContextFormat selects the shape of tabular intent-retriever output.
type ContextFormat string

const (
	ContextFormatPipe         ContextFormat = "pipe_separated"
	ContextFormatMarkdownTable ContextFormat = "markdown_table"
	ContextFormatTOON         ContextFormat = "toon"
	ContextFormatCSV          ContextFormat = "csv"
)

func (t RetrievalTrigger) Validate() error {
	switch t {
	case TriggerNone, TriggerAlways, TriggerConditional:
		return nil
	default:
		return &ValidationError{Field: "retrieval_trigger", Reason: "unknown value " + string(t)}
	}
}

func (f FormattingStyle) Validate() error {
	switch f {
	case FormattingStandard, FormattingClean, FormattingCustom:
		return nil
	default:
		return &ValidationError{Field: "formatting_style", Reason: "unknown value " + string(f)}
	}
}

func (c ContextFormat) Validate() error {
	switch c {
	case "", ContextFormatPipe, ContextFormatMarkdownTable, ContextFormatTOON, ContextFormatCSV:
		return nil
	default:
		return &ValidationError{Field: "context_format", Reason: "unknown value " + string(c)}
	}
}

// AdapterConfig is the declarative, YAML-loaded description of one adapter.
// It is created at config-load time and immutable for the lifetime of a
// registration; hot-reload replaces it wholesale (see the registry).
type AdapterConfig struct {
	Name                string
	Type                string // registry key dimension: retriever, passthrough, speech_to_speech, ...
	Datasource          string
	Adapter             AdapterTag
	Kind                AdapterKind
	Implementation      string
	Enabled             bool
	InferenceProvider   string
	EmbeddingProvider   string
	Model               string
	Capabilities        *AdapterCapabilities // explicit override; nil means infer
	ConfidenceThreshold float64
	SupportsThreading   *bool // explicit override; nil defers to inference rule
	TemplateLibrary     string
	ContextFormat       ContextFormat
	Children            []ChildAdapterRef
	Timeout             time.Duration
	Config              map[string]any
}

// ChildAdapterRef names a weighted child adapter inside a composite config.
type ChildAdapterRef struct {
	Name   string
	Weight float64
}

func (c AdapterConfig) Validate() error {
	if c.Name == "" {
		return &ValidationError{Field: "name", Reason: "adapter name is required"}
	}
	if err := c.Kind.Validate(); err != nil {
		return err
	}
	if err := c.ContextFormat.Validate(); err != nil {
		return err
	}
	if c.Kind == KindComposite && len(c.Children) == 0 {
		return &ValidationError{Field: "children", Reason: "composite adapters require at least one child"}
	}
	return nil
}

// AdapterCapabilities is the frozen, inferred-or-declared description of
// what an adapter does. Once attached to a registration it never mutates.
type AdapterCapabilities struct {
	RetrievalTrigger         RetrievalTrigger
	FormattingStyle          FormattingStyle
	SupportsFileIDs          bool
	SupportsSessionTracking  bool
	SupportsThreading        bool
	SupportsLanguageFiltering bool
	RequiresAPIKeyValidation bool
	SkipWhenNoFiles          bool
	RequiredParameters       []string
	OptionalParameters       []string
	ContextFormat            ContextFormat
	ContextMaxTokens         *int
	NumericPrecisionDecimalPlaces *int
}

// Template describes one intent-template: its parameters, the query body
// it renders into, and how its results map back to text.
type Template struct {
	ID            string
	Version       string
	Description   string
	NLExamples    []string
	SemanticTags  []string
	Parameters    []TemplateParameter
	SQL           string
	QueryDSL      map[string]any
	HTTP          *HTTPTemplate
	MongoPipeline []map[string]any
	ToolName      string
	ToolOperation string
	ResultFormat  ContextFormat
	DisplayFields []string
	Tags          []string
	Timeout       time.Duration
}

// TemplateParameter is one declared, typed input to a Template.
type TemplateParameter struct {
	Name               string
	Type               ParameterType
	Required           bool
	Default            any
	AllowedValues      []string
	ExtractionPatterns []string
	Format             string
	Min                *float64
	Max                *float64
}

// ParameterType enumerates the declared types a TemplateParameter may take.
type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamNumber  ParameterType = "number"
	ParamInteger ParameterType = "integer"
	ParamBoolean ParameterType = "boolean"
	ParamArray   ParameterType = "array"
	ParamObject  ParameterType = "object"
	ParamDate    ParameterType = "date"
)

// HTTPTemplate is the request shape for an HTTP-backed intent template.
type HTTPTemplate struct {
	Method           string
	EndpointTemplate string
	Headers          map[string]string
}

// TemplateMatch is the outcome of matching a query against a template
// library: the selected template plus the extracted parameter values and
// the match confidence that drove the selection.
type TemplateMatch struct {
	Template   *Template
	Parameters map[string]any
	Confidence float64
}

// CachedResult is the §4.8 follow-up cache entry, keyed by
// (session_id, adapter_name).
type CachedResult struct {
	SessionID                string
	AdapterName              string
	OriginalQuery            string
	OriginalEmbedding        []float32
	RecentFollowupEmbeddings [][]float32
	SQLOrQueryExecuted       string
	Results                  []map[string]any
	ResultColumns            []string
	ResultMetadata           ResultMetadata
	CreatedAt                time.Time
	LastTouched              time.Time
}

// ResultMetadata carries auxiliary facts about a retrieval result set.
type ResultMetadata struct {
	RowCount   int
	Filters    map[string]any
	TimeWindow string
}

// CircuitBreakerStats is the read side of the per-adapter breaker state.
type CircuitBreakerStats struct {
	AdapterName      string
	State            BreakerState
	Failures         int
	Successes        int
	ConsecutiveFail  int
	OpenedAt         *time.Time
	LastTransition   time.Time
	CallHistory      []CallRecord
	StateTransitions []StateTransitionRecord
}

// StateTransitionRecord is one bounded entry in a breaker's
// state_transitions history (spec.md §3 CircuitBreakerStats).
type StateTransitionRecord struct {
	At     time.Time
	From   BreakerState
	To     BreakerState
	Reason string
}

// BreakerState is the closed/open/half-open state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CallRecord is one bounded entry in a breaker's call history.
type CallRecord struct {
	At       time.Time
	Success  bool
	Duration time.Duration
	Err      string
}

// ProcessingContext is threaded through the C9 pipeline steps for one
// client request: correlation ID, the resolved adapter and capabilities,
// cache decisions, and the retrieved context items.
type ProcessingContext struct {
	RetrievalID         string
	SessionID           string
	Query               string
	FileIDs             []string
	APIKey              string
	AdapterName         string
	Capabilities        AdapterCapabilities
	ShouldRetrieve      bool
	IsFollowup          bool
	BypassCache         bool
	CacheRefreshRequest bool
	CacheHit            bool
	CacheRefresh        bool
	RefreshReason       string
	QuerySimilarity     float64
	FollowupConfidence  float64
	ApplicabilityReason string
	ContextItems        []ContextItem
	FormattedContext    string
	Metadata            map[string]any
	StartedAt           time.Time
}

// ContextItem is one piece of retrieved, formatted context ready for the
// LLM prompt.
type ContextItem struct {
	Content    string
	Source     string
	Score      float64
	TemplateID string
	Metadata   map[string]any
}

// SearchResult is one hit returned by a vector similarity search against
// the base retriever's template (or document) store.
type SearchResult struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// TemplateValidationReport is produced by the template loader at
// startup (spec.md §3 Template invariant): every parameter referenced in
// a template's query body must be declared, and every declared
// parameter should be referenced somewhere, or the template library is
// carrying dead configuration.
type TemplateValidationReport struct {
	TemplateID        string
	UndeclaredParams  []string // referenced in the query body, never declared
	UnusedParams      []string // declared, never referenced in the query body
}

func (r TemplateValidationReport) OK() bool {
	return len(r.UndeclaredParams) == 0
}

// AdapterHealth is a read-only projection of CircuitBreakerStats plus
// last-success/last-failure timestamps, exposed via the admin health
// endpoint for one adapter.
type AdapterHealth struct {
	AdapterName   string
	Breaker       CircuitBreakerStats
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
}

// ValidationError reports a single invalid field on a domain value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Field + ": " + e.Reason
}
