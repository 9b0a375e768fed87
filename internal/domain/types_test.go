package domain_test

import (
	"testing"

	"orbit/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     domain.AdapterConfig
		wantErr string
	}{
		{
			name: "valid vector_only adapter",
			cfg: domain.AdapterConfig{
				Name: "qa-sql",
				Kind: domain.KindVectorOnly,
				Adapter: domain.TagQA,
			},
		},
		{
			name:    "missing name",
			cfg:     domain.AdapterConfig{Kind: domain.KindVectorOnly},
			wantErr: "name",
		},
		{
			name:    "unknown kind",
			cfg:     domain.AdapterConfig{Name: "x", Kind: "bogus"},
			wantErr: "kind",
		},
		{
			name:    "composite without children",
			cfg:     domain.AdapterConfig{Name: "x", Kind: domain.KindComposite},
			wantErr: "children",
		},
		{
			name: "composite with children",
			cfg: domain.AdapterConfig{
				Name:     "x",
				Kind:     domain.KindComposite,
				Children: []domain.ChildAdapterRef{{Name: "child-a", Weight: 0.5}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantErr, ve.Field)
		})
	}
}

func TestOrbitError_ContextNeverLeaksAdapterSecrets(t *testing.T) {
	err := domain.NewDatasourceError("intent-sql-postgres", assertError("connection refused"))

	assert.Equal(t, "DatasourceError", err.Code())
	assert.Equal(t, "intent-sql-postgres", err.Context()["adapter"])
	assert.Contains(t, err.Error(), "intent-sql-postgres")
	assert.NotContains(t, err.Error(), "password")
}

type assertError string

func (e assertError) Error() string { return string(e) }
