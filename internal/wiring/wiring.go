// Package wiring builds concrete AdapterInstances from domain.AdapterConfig
// values and adapts them to both the registry's AdapterInstance contract
// and the pipeline's Retriever contract. No library in the retrieved
// corpus provides this shape of generic construction glue — it is
// hand-rolled the way cmd/server/main.go in the teacher wires its own
// concrete adapters together by hand, just generalized here from one
// fixed adapter graph to one built from configuration.
package wiring

import (
	"context"
	"fmt"
	"log/slog"

	"orbit/internal/adapter/embedding"
	"orbit/internal/adapter/rerank"
	"orbit/internal/capability"
	"orbit/internal/domain"
	"orbit/internal/domainadapter"
	"orbit/internal/pipeline"
	"orbit/internal/registry"
	"orbit/internal/retriever/base"
	"orbit/internal/retriever/composite"
	"orbit/internal/retriever/intent"
)

// Instance adapts any GetRelevantContext-capable retriever, paired with
// a frozen AdapterCapabilities, into registry.AdapterInstance and
// pipeline.Retriever simultaneously: every adapter ORBIT serves,
// regardless of which C5/C6 retriever backs it, is exactly this one
// shape to the rest of the system.
type Instance struct {
	name      string
	retriever pipeline.Retriever
	caps      domain.AdapterCapabilities
}

func NewInstance(name string, retriever pipeline.Retriever, caps domain.AdapterCapabilities) *Instance {
	return &Instance{name: name, retriever: retriever, caps: caps}
}

func (i *Instance) Name() string { return i.name }

func (i *Instance) Initialize(context.Context) error { return nil }

func (i *Instance) Capabilities() domain.AdapterCapabilities { return i.caps }

func (i *Instance) GetRelevantContext(ctx context.Context, query string) ([]domainadapter.Document, error) {
	return i.retriever.GetRelevantContext(ctx, query)
}

var _ registry.AdapterInstance = (*Instance)(nil)
var _ pipeline.Retriever = (*Instance)(nil)

// Backends bundles the shared, already-connected resources a Builder
// draws on when instantiating adapters. Every field is optional: an
// adapter config that never names a given backend never dereferences
// the matching nil field.
type Backends struct {
	TemplateStore base.TemplateStore
	Embedder      embedding.Provider
	Reranker      rerank.Provider
	SQLExecutor   intent.SQLExecutor
	HTTPExecutor  intent.HTTPExecutor
	ESExecutor    intent.ESExecutor
	MongoExecutor intent.MongoExecutor
	DomainAdapter *domainadapter.Registry
}

// Builder turns validated AdapterConfigs into wired Instances, tracking
// already-built intent adapters so a later composite config can resolve
// its children by name without round-tripping through the registry.
type Builder struct {
	backends Backends
	children map[string]composite.ChildAdapter
}

func NewBuilder(backends Backends) *Builder {
	return &Builder{backends: backends, children: map[string]composite.ChildAdapter{}}
}

// BuildLeaf constructs a non-composite adapter (sql/http/es/mongo
// intent retriever) and records it as a resolvable composite child.
func (b *Builder) BuildLeaf(cfg domain.AdapterConfig) (*Instance, error) {
	caps := capability.Infer(cfg)

	baseRetriever := base.New(cfg.Name, cfg.Datasource, b.backends.TemplateStore, b.backends.Embedder, cfg.ConfidenceThreshold)

	var child composite.ChildAdapter
	switch cfg.Implementation {
	case "sql":
		if b.backends.SQLExecutor == nil {
			return nil, fmt.Errorf("wiring: adapter %s needs a SQL executor but none is configured", cfg.Name)
		}
		r := intent.NewSQLRetriever(baseRetriever, b.backends.SQLExecutor, cfg.ContextFormat)
		if caps.NumericPrecisionDecimalPlaces != nil {
			r.DecimalPlaces = *caps.NumericPrecisionDecimalPlaces
		}
		child = r

	case "http":
		if b.backends.HTTPExecutor == nil {
			return nil, fmt.Errorf("wiring: adapter %s needs an HTTP executor but none is configured", cfg.Name)
		}
		r := intent.NewHTTPRetriever(baseRetriever, b.backends.HTTPExecutor, cfg.ContextFormat)
		if caps.NumericPrecisionDecimalPlaces != nil {
			r.DecimalPlaces = *caps.NumericPrecisionDecimalPlaces
		}
		child = r

	case "elasticsearch":
		if b.backends.ESExecutor == nil {
			return nil, fmt.Errorf("wiring: adapter %s needs an Elasticsearch executor but none is configured", cfg.Name)
		}
		index, _ := cfg.Config["index"].(string)
		child = intent.NewESRetriever(baseRetriever, b.backends.ESExecutor, index)

	case "mongo":
		if b.backends.MongoExecutor == nil {
			return nil, fmt.Errorf("wiring: adapter %s needs a MongoDB executor but none is configured", cfg.Name)
		}
		collection, _ := cfg.Config["collection"].(string)
		r := intent.NewMongoRetriever(baseRetriever, b.backends.MongoExecutor, collection, cfg.ContextFormat)
		if caps.NumericPrecisionDecimalPlaces != nil {
			r.DecimalPlaces = *caps.NumericPrecisionDecimalPlaces
		}
		child = r

	default:
		return nil, fmt.Errorf("wiring: adapter %s declares unknown implementation %q", cfg.Name, cfg.Implementation)
	}

	b.children[cfg.Name] = child
	return NewInstance(cfg.Name, child, caps), nil
}

// BuildComposite constructs a composite adapter from already-built leaf
// children, failing if a referenced child hasn't been built yet —
// callers must build every non-composite adapter before any composite
// that references it.
func (b *Builder) BuildComposite(cfg domain.AdapterConfig, compositeCfg composite.Config, logger *slog.Logger) (*Instance, error) {
	caps := capability.Infer(cfg)

	children := make([]composite.Child, 0, len(cfg.Children))
	for _, ref := range cfg.Children {
		child, ok := b.children[ref.Name]
		if !ok {
			return nil, fmt.Errorf("wiring: composite %s references unbuilt child %s", cfg.Name, ref.Name)
		}
		children = append(children, composite.Child{Adapter: child, Weight: ref.Weight})
	}

	c := composite.New(cfg.Name, children, b.backends.Reranker, compositeCfg, logger)
	return NewInstance(cfg.Name, c, caps), nil
}

// DomainAdapterFor resolves the C3 Domain Adapter variant bound to an
// adapter's tag, defaulting to the generic passthrough variant when the
// config carries no tag or the registry has nothing registered for it.
func (b *Builder) DomainAdapterFor(cfg domain.AdapterConfig) domainadapter.DomainAdapter {
	if b.backends.DomainAdapter != nil {
		if da, err := b.backends.DomainAdapter.Get(string(cfg.Adapter)); err == nil {
			return da
		}
	}
	return domainadapter.NewGeneric()
}
