// Package registry implements the two-level adapter registry (C1): a
// type → datasource → name index of adapter registrations, with
// idempotent registration, lazy instantiation, and a reload operation
// that never cancels in-flight callers. No library in the retrieved
// corpus provides this shape of registry; it is hand-rolled in the
// style of the teacher's mutex-guarded repositories.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"orbit/internal/capability"
	"orbit/internal/domain"
)

// Factory builds an AdapterInstance from a merged config. Every Create
// call on a registration without an Implementation invokes it; Create
// does not reuse a cached instance.
type Factory func(ctx context.Context, cfg domain.AdapterConfig) (AdapterInstance, error)

// AdapterInstance is any adapter the registry can hand back to a caller.
// Create calls Initialize synchronously on each instance it returns and
// fails if Initialize returns an error.
type AdapterInstance interface {
	Name() string
	Initialize(ctx context.Context) error
	Capabilities() domain.AdapterCapabilities
}

// Registration is one entry in the registry: either a ready-made
// implementation or a factory plus the default config to build it with.
type Registration struct {
	Type           string
	Datasource     string
	Name           string
	Implementation AdapterInstance
	Factory        Factory
	DefaultConfig  domain.AdapterConfig
}

type key struct {
	typ        string
	datasource string
	name       string
}

// ReloadResult summarizes what a reload changed.
type ReloadResult struct {
	Added     []string
	Removed   []string
	Updated   []string
	Unchanged []string
	Failed    map[string]error
}

// Registry is the process-wide adapter registry. It is safe for
// concurrent use.
type Registry struct {
	mu            sync.RWMutex
	registrations map[key]Registration
	instances     map[string]AdapterInstance
	configs       map[string]domain.AdapterConfig
	logger        *slog.Logger
}

// New constructs an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		registrations: make(map[key]Registration),
		instances:     make(map[string]AdapterInstance),
		configs:       make(map[string]domain.AdapterConfig),
		logger:        logger,
	}
}

// Register adds a registration under (type, datasource, name). It is
// idempotent on key collision only when the new implementation/factory is
// identical to the existing one (by pointer identity for factories, by
// instance identity for implementations); otherwise it returns
// DuplicateRegistration.
func (r *Registry) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{reg.Type, reg.Datasource, reg.Name}
	if existing, ok := r.registrations[k]; ok {
		if !sameRegistration(existing, reg) {
			return domain.NewConfigError(reg.Name, "DuplicateRegistration: conflicting registration for "+describeKey(k))
		}
		return nil
	}
	r.registrations[k] = reg
	r.configs[reg.Name] = reg.DefaultConfig
	return nil
}

func sameRegistration(a, b Registration) bool {
	if a.Implementation != nil || b.Implementation != nil {
		return a.Implementation == b.Implementation
	}
	return fmt.Sprintf("%p", a.Factory) == fmt.Sprintf("%p", b.Factory)
}

func describeKey(k key) string {
	return k.typ + "/" + k.datasource + "/" + k.name
}

// Create resolves a registration's implementation, merges overrideConfig
// over the registration's default config (override wins, shallow-key),
// runs Initialize, and caches the instance under name.
func (r *Registry) Create(ctx context.Context, typ, datasource, name string, overrideConfig domain.AdapterConfig) (AdapterInstance, error) {
	r.mu.RLock()
	reg, ok := r.registrations[key{typ, datasource, name}]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewAdapterNotFoundError(name)
	}

	merged := mergeConfig(reg.DefaultConfig, overrideConfig)
	if merged.Capabilities == nil {
		caps := capability.Infer(merged)
		merged.Capabilities = &caps
	}

	var instance AdapterInstance
	var err error
	if reg.Implementation != nil {
		instance = reg.Implementation
	} else if reg.Factory != nil {
		instance, err = reg.Factory(ctx, merged)
	} else {
		return nil, domain.NewConfigError(name, "registration has neither implementation nor factory")
	}
	if err != nil {
		r.logger.Warn("adapter_create_failed", slog.String("adapter", name), slog.String("error", err.Error()))
		return nil, fmt.Errorf("create adapter %q: %w", name, err)
	}

	if err := instance.Initialize(ctx); err != nil {
		r.logger.Warn("adapter_initialize_failed", slog.String("adapter", name), slog.String("error", err.Error()))
		return nil, fmt.Errorf("initialize adapter %q: %w", name, err)
	}

	r.mu.Lock()
	r.instances[name] = instance
	r.configs[name] = merged
	r.mu.Unlock()

	return instance, nil
}

func mergeConfig(base, override domain.AdapterConfig) domain.AdapterConfig {
	merged := base
	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Type != "" {
		merged.Type = override.Type
	}
	if override.Datasource != "" {
		merged.Datasource = override.Datasource
	}
	if override.Adapter != "" {
		merged.Adapter = override.Adapter
	}
	if override.Kind != "" {
		merged.Kind = override.Kind
	}
	if override.Capabilities != nil {
		merged.Capabilities = override.Capabilities
	}
	if override.ConfidenceThreshold != 0 {
		merged.ConfidenceThreshold = override.ConfidenceThreshold
	}
	if override.SupportsThreading != nil {
		merged.SupportsThreading = override.SupportsThreading
	}
	if override.TemplateLibrary != "" {
		merged.TemplateLibrary = override.TemplateLibrary
	}
	if override.ContextFormat != "" {
		merged.ContextFormat = override.ContextFormat
	}
	if len(override.Children) > 0 {
		merged.Children = override.Children
	}
	if override.Timeout != 0 {
		merged.Timeout = override.Timeout
	}
	if override.Config != nil {
		if merged.Config == nil {
			merged.Config = map[string]any{}
		}
		for k, v := range override.Config {
			merged.Config[k] = v
		}
	}
	return merged
}

// Get returns the cached instance registered under name, or an
// AdapterNotFoundError if none has been created yet.
func (r *Registry) Get(name string) (AdapterInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.instances[name]
	if !ok {
		return nil, domain.NewAdapterNotFoundError(name)
	}
	return instance, nil
}

// Reload diffs newConfigs against the configs recorded for created
// adapters. Changed or removed adapters are evicted from the instance
// cache, so Get returns AdapterNotFoundError for them until Create runs
// again. Reload records the new configs but leaves registrations as
// they are: a later Create still merges over the registration's
// DefaultConfig, and an added name without a registration cannot be
// created. In-flight callers that already hold the old instance keep
// running it to completion — reload never cancels them.
func (r *Registry) Reload(newConfigs map[string]domain.AdapterConfig) ReloadResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := ReloadResult{Failed: map[string]error{}}
	seen := make(map[string]bool, len(newConfigs))

	for name, cfg := range newConfigs {
		seen[name] = true
		old, existed := r.configs[name]
		switch {
		case !existed:
			result.Added = append(result.Added, name)
		case configsEqual(old, cfg):
			result.Unchanged = append(result.Unchanged, name)
			continue
		default:
			result.Updated = append(result.Updated, name)
		}
		r.configs[name] = cfg
		delete(r.instances, name) // evict; Get fails until the next Create
	}

	for name := range r.configs {
		if !seen[name] {
			result.Removed = append(result.Removed, name)
			delete(r.configs, name)
			delete(r.instances, name)
		}
	}

	return result
}

func configsEqual(a, b domain.AdapterConfig) bool {
	return a.Name == b.Name && a.Type == b.Type && a.Datasource == b.Datasource &&
		a.Adapter == b.Adapter && a.Kind == b.Kind && a.TemplateLibrary == b.TemplateLibrary &&
		a.ConfidenceThreshold == b.ConfidenceThreshold && a.Timeout == b.Timeout
}
