package domain_test

import (
	"context"
	"errors"
	"testing"

	"orbit/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"datasource error", domain.NewDatasourceError("adapter", errors.New("connection refused")), true},
		{"template render error", domain.NewTemplateRenderError("adapter", "tmpl", "unknown placeholder"), false},
		{"parameter extraction error", domain.NewParameterExtractionError("adapter", "tmpl", "city"), false},
		{"config error", domain.NewConfigError("adapter", "missing datasource"), false},
		{"adapter not found error", domain.NewAdapterNotFoundError("adapter"), false},
		{"circuit open error", domain.NewCircuitOpenError("adapter", 0), false},
		{"unclassified error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.IsRetryable(tt.err))
		})
	}
}
