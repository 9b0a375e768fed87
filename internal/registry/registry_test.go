package registry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"orbit/internal/domain"
	"orbit/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	name        string
	initErr     error
	initialized bool
	caps        domain.AdapterCapabilities
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Initialize(ctx context.Context) error {
	s.initialized = true
	return s.initErr
}
func (s *stubAdapter) Capabilities() domain.AdapterCapabilities { return s.caps }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestRegister_DuplicateSameFactoryIsIdempotent(t *testing.T) {
	r := registry.New(discardLogger())
	factory := func(ctx context.Context, cfg domain.AdapterConfig) (registry.AdapterInstance, error) {
		return &stubAdapter{name: cfg.Name}, nil
	}
	reg := registry.Registration{Type: "retriever", Datasource: "sqlite", Name: "qa-sql", Factory: factory}

	require.NoError(t, r.Register(reg))
	require.NoError(t, r.Register(reg))
}

func TestRegister_DuplicateDifferentFactoryFails(t *testing.T) {
	r := registry.New(discardLogger())
	f1 := func(ctx context.Context, cfg domain.AdapterConfig) (registry.AdapterInstance, error) {
		return &stubAdapter{name: cfg.Name}, nil
	}
	f2 := func(ctx context.Context, cfg domain.AdapterConfig) (registry.AdapterInstance, error) {
		return &stubAdapter{name: cfg.Name}, nil
	}

	require.NoError(t, r.Register(registry.Registration{Type: "retriever", Datasource: "sqlite", Name: "qa-sql", Factory: f1}))
	err := r.Register(registry.Registration{Type: "retriever", Datasource: "sqlite", Name: "qa-sql", Factory: f2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DuplicateRegistration")
}

func TestCreate_MergesOverrideAndCaches(t *testing.T) {
	r := registry.New(discardLogger())
	factory := func(ctx context.Context, cfg domain.AdapterConfig) (registry.AdapterInstance, error) {
		return &stubAdapter{name: cfg.Name}, nil
	}
	require.NoError(t, r.Register(registry.Registration{
		Type: "retriever", Datasource: "sqlite", Name: "qa-sql",
		Factory:       factory,
		DefaultConfig: domain.AdapterConfig{Name: "qa-sql", Kind: domain.KindVectorOnly, ConfidenceThreshold: 0.3},
	}))

	inst, err := r.Create(context.Background(), "retriever", "sqlite", "qa-sql", domain.AdapterConfig{ConfidenceThreshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "qa-sql", inst.Name())

	cached, err := r.Get("qa-sql")
	require.NoError(t, err)
	assert.Same(t, inst, cached)
}

func TestCreate_UnknownAdapterFails(t *testing.T) {
	r := registry.New(discardLogger())
	_, err := r.Create(context.Background(), "retriever", "sqlite", "missing", domain.AdapterConfig{})
	require.Error(t, err)
	var oe domain.OrbitError
	require.ErrorAs(t, err, &oe)
}

func TestCreate_FactoryErrorDegradesWithoutCaching(t *testing.T) {
	r := registry.New(discardLogger())
	factory := func(ctx context.Context, cfg domain.AdapterConfig) (registry.AdapterInstance, error) {
		return nil, errors.New("boom")
	}
	require.NoError(t, r.Register(registry.Registration{Type: "retriever", Datasource: "x", Name: "bad", Factory: factory}))

	_, err := r.Create(context.Background(), "retriever", "x", "bad", domain.AdapterConfig{})
	require.Error(t, err)

	_, getErr := r.Get("bad")
	require.Error(t, getErr, "a failed create must not leave a cached instance")
}

func TestGet_UnknownAdapter(t *testing.T) {
	r := registry.New(discardLogger())
	_, err := r.Get("nope")
	require.Error(t, err)
}

func TestReload_ComputesAddedRemovedUpdatedUnchanged(t *testing.T) {
	r := registry.New(discardLogger())
	factory := func(ctx context.Context, cfg domain.AdapterConfig) (registry.AdapterInstance, error) {
		return &stubAdapter{name: cfg.Name}, nil
	}
	require.NoError(t, r.Register(registry.Registration{Type: "retriever", Datasource: "sqlite", Name: "a", Factory: factory, DefaultConfig: domain.AdapterConfig{Name: "a", Kind: domain.KindVectorOnly}}))
	require.NoError(t, r.Register(registry.Registration{Type: "retriever", Datasource: "sqlite", Name: "b", Factory: factory, DefaultConfig: domain.AdapterConfig{Name: "b", Kind: domain.KindVectorOnly}}))

	_, err := r.Create(context.Background(), "retriever", "sqlite", "a", domain.AdapterConfig{})
	require.NoError(t, err)
	_, err = r.Create(context.Background(), "retriever", "sqlite", "b", domain.AdapterConfig{})
	require.NoError(t, err)

	result := r.Reload(map[string]domain.AdapterConfig{
		"a": {Name: "a", Kind: domain.KindVectorOnly},                           // unchanged
		"b": {Name: "b", Kind: domain.KindVectorOnly, ConfidenceThreshold: 0.9}, // updated
		"c": {Name: "c", Kind: domain.KindVectorOnly},                           // added
	})

	assert.ElementsMatch(t, []string{"c"}, result.Added)
	assert.ElementsMatch(t, []string{"b"}, result.Updated)
	assert.ElementsMatch(t, []string{"a"}, result.Unchanged)

	// "b" was evicted by reload; Get must not return the stale instance.
	_, err = r.Get("b")
	require.Error(t, err)
	// "a" is unchanged and stays cached.
	_, err = r.Get("a")
	require.NoError(t, err)
}

func TestReload_RemovedAdaptersDoNotCancelInFlightInstance(t *testing.T) {
	r := registry.New(discardLogger())
	factory := func(ctx context.Context, cfg domain.AdapterConfig) (registry.AdapterInstance, error) {
		return &stubAdapter{name: cfg.Name}, nil
	}
	require.NoError(t, r.Register(registry.Registration{Type: "retriever", Datasource: "sqlite", Name: "a", Factory: factory, DefaultConfig: domain.AdapterConfig{Name: "a", Kind: domain.KindVectorOnly}}))
	inFlight, err := r.Create(context.Background(), "retriever", "sqlite", "a", domain.AdapterConfig{})
	require.NoError(t, err)

	result := r.Reload(map[string]domain.AdapterConfig{})
	assert.ElementsMatch(t, []string{"a"}, result.Removed)

	// The in-flight caller's already-held reference keeps working; reload
	// only evicts the registry's own cache entry.
	assert.Equal(t, "a", inFlight.Name())
}
