package intent

import (
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"orbit/internal/domain"
)

// OpenAPISchema wraps a parsed OpenAPI document used to validate that an
// HTTP intent template's declared endpoint_template and method actually
// exist on the datasource's published API surface, grounded on the
// teacher's rag_http/openapi schema-validated HTTP surface (applied here
// to the outbound direction: validating requests the retriever builds,
// not just requests it receives).
type OpenAPISchema struct {
	doc *openapi3.T
}

// LoadOpenAPISchema parses and validates an OpenAPI document. Call once
// per datasource at retriever-init time; the result is immutable and
// safe to share across concurrent requests.
func LoadOpenAPISchema(data []byte) (*OpenAPISchema, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("parse openapi schema: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi schema: %w", err)
	}
	return &OpenAPISchema{doc: doc}, nil
}

// ValidateEndpoint checks that method+path (the endpoint_template as
// written, with {param} placeholders left in OpenAPI path-parameter
// syntax) is declared in the schema. It returns a ConfigError naming the
// template on mismatch. HTTPRetriever calls it on every invocation,
// before the request is executed; nothing calls it when templates are
// loaded.
func (s *OpenAPISchema) ValidateEndpoint(adapterName, templateID, method, path string) error {
	item := s.doc.Paths.Find(path)
	if item == nil {
		return domain.NewConfigError(adapterName, fmt.Sprintf("template %s: endpoint %s not declared in openapi schema", templateID, path))
	}
	if item.GetOperation(strings.ToUpper(method)) == nil {
		return domain.NewConfigError(adapterName, fmt.Sprintf("template %s: method %s not declared for %s in openapi schema", templateID, method, path))
	}
	return nil
}
