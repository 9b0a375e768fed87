package configload_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/internal/configload"
	"orbit/internal/domain"
)

const adaptersYAML = `
adapters:
  hr-intent:
    type: retriever
    datasource: hr_postgres
    adapter: intent
    kind: intent
    confidence_threshold: 0.72
    template_library: hr.yaml
    children: []
  hr-composite:
    type: retriever
    datasource: hr_composite
    adapter: intent
    kind: composite
    children:
      - name: hr-intent
        weight: 0.6
      - name: hr-search
        weight: 0.4
    capabilities:
      retrieval_trigger: always
      formatting_style: standard
      context_format: markdown_table
      numeric_precision:
        decimal_places: 1
`

func TestParseAdapters(t *testing.T) {
	adapters, err := configload.ParseAdapters([]byte(adaptersYAML))
	require.NoError(t, err)
	require.Len(t, adapters, 2)

	hr := adapters["hr-intent"]
	assert.Equal(t, domain.TagIntent, hr.Adapter)
	assert.Equal(t, domain.KindIntent, hr.Kind)
	assert.True(t, hr.Enabled)
	assert.Equal(t, 0.72, hr.ConfidenceThreshold)

	composite := adapters["hr-composite"]
	require.NotNil(t, composite.Capabilities)
	assert.Equal(t, domain.ContextFormatMarkdownTable, composite.Capabilities.ContextFormat)
	require.NotNil(t, composite.Capabilities.NumericPrecisionDecimalPlaces)
	assert.Equal(t, 1, *composite.Capabilities.NumericPrecisionDecimalPlaces)
	require.Len(t, composite.Children, 2)
	assert.Equal(t, "hr-intent", composite.Children[0].Name)
}

func TestParseAdapters_MissingEnvVar(t *testing.T) {
	_, err := configload.ParseAdapters([]byte("adapters:\n  x:\n    datasource: ${UNSET_ORBIT_TEST_VAR}\n"))
	assert.Error(t, err)
}

func TestParseAdapters_ExpandsSetEnvVar(t *testing.T) {
	os.Setenv("ORBIT_TEST_DATASOURCE", "resolved_value")
	defer os.Unsetenv("ORBIT_TEST_DATASOURCE")

	adapters, err := configload.ParseAdapters([]byte("adapters:\n  x:\n    datasource: ${ORBIT_TEST_DATASOURCE}\n"))
	require.NoError(t, err)
	assert.Equal(t, "resolved_value", adapters["x"].Datasource)
}

const templateLibraryYAML = `
templates:
  - id: headcount_by_department
    version: "1"
    description: total headcount per department
    nl_examples: ["how many people work in {department}"]
    parameters:
      - name: department
        type: string
        required: true
        allowed_values: ["Engineering", "Sales"]
      - name: unused_param
        type: string
    sql: "SELECT count(*) FROM employees WHERE department = {department}"
  - id: undeclared_ref
    sql: "SELECT * FROM t WHERE id = {missing_param}"
`

func TestParseTemplateLibrary(t *testing.T) {
	templates, err := configload.ParseTemplateLibrary([]byte(templateLibraryYAML))
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "headcount_by_department", templates[0].ID)
	assert.Len(t, templates[0].Parameters, 2)
}

func TestValidateTemplates(t *testing.T) {
	templates, err := configload.ParseTemplateLibrary([]byte(templateLibraryYAML))
	require.NoError(t, err)

	reports := configload.ValidateTemplates(templates)
	require.Len(t, reports, 2)

	byID := map[string]domain.TemplateValidationReport{}
	for _, r := range reports {
		byID[r.TemplateID] = r
	}

	headcount := byID["headcount_by_department"]
	assert.True(t, headcount.OK())
	assert.Equal(t, []string{"unused_param"}, headcount.UnusedParams)

	undeclared := byID["undeclared_ref"]
	assert.False(t, undeclared.OK())
	assert.Equal(t, []string{"missing_param"}, undeclared.UndeclaredParams)
}
