// Package domainadapter implements the Domain Adapter (C3) capability
// set: format_document, extract_direct_answer, and
// apply_domain_specific_filtering, with generic/qa/intent/file variants
// registered by name so one retriever binary can serve multiple domains
// by config alone. The variant interface mirrors the teacher's swappable
// prompt-builder pattern (usecase.NewXMLPromptBuilder /
// usecase.NewMorningLetterPromptBuilder) generalized from "build one LLM
// prompt" to "format one retrieved document".
package domainadapter

import (
	"fmt"
	"sort"
	"strings"

	"orbit/internal/domain"
)

// Document is one retrieved item before or after domain formatting.
type Document struct {
	Content    string
	Metadata   map[string]any
	Confidence float64
}

// DomainAdapter is the C3 interface. Implementations are pure,
// stateless with respect to a single call; any configuration they need
// (a template library, a confidence floor) is supplied at construction.
type DomainAdapter interface {
	Name() string
	FormatDocument(raw string, metadata map[string]any) Document
	ExtractDirectAnswer(docs []Document) (string, bool)
	ApplyDomainSpecificFiltering(docs []Document, query string) []Document
}

// Registry resolves a DomainAdapter by name, mirroring C1's
// resolve-by-name contract so the same binary can serve several domains.
type Registry struct {
	adapters map[string]DomainAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]DomainAdapter{}}
}

func (r *Registry) Register(a DomainAdapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (DomainAdapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, domain.NewAdapterNotFoundError(name)
	}
	return a, nil
}

// Generic is the fallback variant: passes content through untouched and
// applies no filtering.
type Generic struct{}

func NewGeneric() *Generic { return &Generic{} }

func (g *Generic) Name() string { return "generic" }

func (g *Generic) FormatDocument(raw string, metadata map[string]any) Document {
	return Document{Content: raw, Metadata: metadata, Confidence: confidenceOf(metadata)}
}

func (g *Generic) ExtractDirectAnswer(docs []Document) (string, bool) {
	return "", false
}

func (g *Generic) ApplyDomainSpecificFiltering(docs []Document, query string) []Document {
	return docs
}

// QA flattens question/answer pairs and preserves the match confidence,
// extracting a direct answer when one document clears the threshold.
type QA struct {
	DirectAnswerThreshold float64
}

func NewQA(threshold float64) *QA { return &QA{DirectAnswerThreshold: threshold} }

func (q *QA) Name() string { return "qa" }

func (q *QA) FormatDocument(raw string, metadata map[string]any) Document {
	question, _ := metadata["question"].(string)
	answer, _ := metadata["answer"].(string)
	content := raw
	if question != "" || answer != "" {
		content = fmt.Sprintf("Q: %s\nA: %s", question, answer)
	}
	return Document{Content: content, Metadata: metadata, Confidence: confidenceOf(metadata)}
}

func (q *QA) ExtractDirectAnswer(docs []Document) (string, bool) {
	best := -1.0
	answer := ""
	for _, d := range docs {
		if d.Confidence > best {
			best = d.Confidence
			answer, _ = d.Metadata["answer"].(string)
		}
	}
	if best >= q.DirectAnswerThreshold && answer != "" {
		return answer, true
	}
	return "", false
}

func (q *QA) ApplyDomainSpecificFiltering(docs []Document, query string) []Document {
	out := docs[:0:0]
	for _, d := range docs {
		if d.Confidence >= q.DirectAnswerThreshold {
			out = append(out, d)
		}
	}
	return out
}

// Intent manages a domain config and template library: it renders
// tabular data in the capability-selected context_format instead of
// passing prose through.
type Intent struct {
	ContextFormat domain.ContextFormat
}

func NewIntent(format domain.ContextFormat) *Intent {
	if format == "" {
		format = domain.ContextFormatPipe
	}
	return &Intent{ContextFormat: format}
}

func (i *Intent) Name() string { return "intent" }

func (i *Intent) FormatDocument(raw string, metadata map[string]any) Document {
	rows, _ := metadata["rows"].([]map[string]any)
	columns, _ := metadata["columns"].([]string)
	content := raw
	if len(rows) > 0 {
		content = RenderTable(columns, rows, i.ContextFormat)
	}
	return Document{Content: content, Metadata: metadata, Confidence: confidenceOf(metadata)}
}

func (i *Intent) ExtractDirectAnswer(docs []Document) (string, bool) {
	return "", false
}

func (i *Intent) ApplyDomainSpecificFiltering(docs []Document, query string) []Document {
	return docs
}

// RenderTable renders rows in the given context format, matching the
// §4.5 step-6 formatting contract (pipe-separated default, or
// markdown_table/toon/csv).
func RenderTable(columns []string, rows []map[string]any, format domain.ContextFormat) string {
	var b strings.Builder
	switch format {
	case domain.ContextFormatMarkdownTable:
		b.WriteString("| " + strings.Join(columns, " | ") + " |\n")
		b.WriteString("|" + strings.Repeat(" --- |", len(columns)) + "\n")
		for _, row := range rows {
			b.WriteString("| " + strings.Join(cellValues(columns, row), " | ") + " |\n")
		}
	case domain.ContextFormatCSV:
		b.WriteString(strings.Join(columns, ",") + "\n")
		for _, row := range rows {
			b.WriteString(strings.Join(cellValues(columns, row), ",") + "\n")
		}
	case domain.ContextFormatTOON:
		for _, row := range rows {
			parts := make([]string, 0, len(columns))
			for _, c := range columns {
				parts = append(parts, fmt.Sprintf("%s=%v", c, row[c]))
			}
			b.WriteString(strings.Join(parts, " ") + "\n")
		}
	default: // pipe_separated
		b.WriteString(strings.Join(columns, "|") + "\n")
		for _, row := range rows {
			b.WriteString(strings.Join(cellValues(columns, row), "|") + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func cellValues(columns []string, row map[string]any) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = fmt.Sprintf("%v", row[c])
	}
	return out
}

// File is clean and citation-free: it strips all metadata except the
// content itself.
type File struct{}

func NewFile() *File { return &File{} }

func (f *File) Name() string { return "file" }

func (f *File) FormatDocument(raw string, metadata map[string]any) Document {
	return Document{Content: raw}
}

func (f *File) ExtractDirectAnswer(docs []Document) (string, bool) {
	return "", false
}

func (f *File) ApplyDomainSpecificFiltering(docs []Document, query string) []Document {
	sorted := make([]Document, len(docs))
	copy(sorted, docs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })
	return sorted
}

func confidenceOf(metadata map[string]any) float64 {
	if v, ok := metadata["confidence"].(float64); ok {
		return v
	}
	return 0
}
