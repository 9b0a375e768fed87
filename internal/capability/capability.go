// Package capability infers a frozen AdapterCapabilities value from an
// AdapterConfig, the way the teacher's retrieval config package derives
// defaulted, validated configuration structs from raw input.
package capability

import (
	"strings"

	"orbit/internal/domain"
)

// Infer derives AdapterCapabilities from a validated AdapterConfig,
// applying the inference rules in declaration order. An explicitly
// declared cfg.Capabilities always wins over inference.
func Infer(cfg domain.AdapterConfig) domain.AdapterCapabilities {
	if cfg.Capabilities != nil {
		return *cfg.Capabilities
	}

	var caps domain.AdapterCapabilities

	switch {
	case cfg.Type == "passthrough" && cfg.Adapter == domain.TagConversational:
		caps.RetrievalTrigger = domain.TriggerNone
		caps.FormattingStyle = domain.FormattingStandard
		caps.SupportsSessionTracking = true

	case cfg.Type == "passthrough" && cfg.Adapter == domain.TagMultimodal:
		caps.RetrievalTrigger = domain.TriggerConditional
		caps.FormattingStyle = domain.FormattingClean
		caps.SupportsFileIDs = true
		caps.SkipWhenNoFiles = true
		caps.SupportsSessionTracking = true

	case cfg.Adapter == domain.TagFile || strings.Contains(strings.ToLower(cfg.Name), "file"):
		caps.RetrievalTrigger = domain.TriggerAlways
		caps.FormattingStyle = domain.FormattingClean
		caps.SupportsFileIDs = true
		caps.RequiresAPIKeyValidation = true
		caps.ContextFormat = domain.ContextFormatMarkdownTable

	case cfg.Adapter == domain.TagIntent:
		caps.RetrievalTrigger = domain.TriggerAlways
		caps.FormattingStyle = domain.FormattingStandard
		caps.SupportsThreading = true
		caps.SupportsLanguageFiltering = true
		caps.ContextFormat = domain.ContextFormatPipe
		decimalPlaces := 2
		caps.NumericPrecisionDecimalPlaces = &decimalPlaces

	case cfg.Adapter == domain.TagQA:
		caps.RetrievalTrigger = domain.TriggerAlways
		caps.FormattingStyle = domain.FormattingStandard
		caps.SupportsThreading = false
		caps.ContextFormat = domain.ContextFormatPipe

	default:
		caps.RetrievalTrigger = domain.TriggerAlways
		caps.FormattingStyle = domain.FormattingStandard
		caps.ContextFormat = domain.ContextFormatPipe
	}

	// cfg.ContextFormat, when declared, always wins over the adapter-tag
	// default set above.
	if cfg.ContextFormat != "" {
		caps.ContextFormat = cfg.ContextFormat
	}

	// An explicit supports_threading override always wins over the
	// adapter-tag default set above.
	if cfg.SupportsThreading != nil {
		caps.SupportsThreading = *cfg.SupportsThreading
	}

	return caps
}

// ShouldRetrieve implements C2.should_retrieve. For `conditional` triggers
// with SkipWhenNoFiles, retrieval runs only when the context carries file
// IDs; otherwise a caller-supplied predicate decides (nil defaults to
// true, matching the spec's default).
func ShouldRetrieve(caps domain.AdapterCapabilities, ctx domain.ProcessingContext, predicate func(domain.ProcessingContext) bool) bool {
	switch caps.RetrievalTrigger {
	case domain.TriggerNone:
		return false
	case domain.TriggerAlways:
		return true
	case domain.TriggerConditional:
		if caps.SkipWhenNoFiles {
			return len(ctx.FileIDs) > 0
		}
		if predicate != nil {
			return predicate(ctx)
		}
		return true
	default:
		return true
	}
}

// BuildRetrieverKwargs implements C2.build_retriever_kwargs: it projects
// the processing context's metadata into the adapter's declared optional
// and required parameters, failing when a required one is absent.
func BuildRetrieverKwargs(caps domain.AdapterCapabilities, ctx domain.ProcessingContext) (map[string]any, error) {
	out := make(map[string]any, len(caps.RequiredParameters)+len(caps.OptionalParameters))
	for _, name := range caps.OptionalParameters {
		if v, ok := ctx.Metadata[name]; ok {
			out[name] = v
		}
	}
	for _, name := range caps.RequiredParameters {
		v, ok := ctx.Metadata[name]
		if !ok {
			return nil, domain.NewParameterExtractionError(ctx.AdapterName, "", name)
		}
		out[name] = v
	}
	return out, nil
}
