package mock

import (
	"context"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/poiesic/kgraph/ai"
	"github.com/poiesic/kgraph/core"
)

// MockGraphExtractor is a test double for ai.GraphExtractor.
type MockGraphExtractor struct {
	// ExtractGraphFunc is called by ExtractGraph if set.
	ExtractGraphFunc func(ctx context.Context, text string, schema ai.Schema) (*ai.Graph, error)

	// NodeType is the type given to every extracted entity. Default "concept".
	NodeType string

	calls atomic.Int64
}

// NewMockGraphExtractor creates a mock extractor with default behavior.
func NewMockGraphExtractor() *MockGraphExtractor {
	return &MockGraphExtractor{NodeType: "concept"}
}

// ExtractGraph treats every run of capitalized words as an entity and
// relates consecutive entities of a sentence with "related_to".
func (m *MockGraphExtractor) ExtractGraph(ctx context.Context, text string, schema ai.Schema) (*ai.Graph, error) {
	m.calls.Add(1)
	if m.ExtractGraphFunc != nil {
		return m.ExtractGraphFunc(ctx, text, schema)
	}

	g := &ai.Graph{}
	for _, sentence := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' || r == '\n' }) {
		var names []string
		var current []string
		flush := func() {
			if len(current) > 0 {
				names = append(names, strings.Join(current, " "))
				current = nil
			}
		}
		for i, word := range strings.Fields(sentence) {
			word = strings.TrimFunc(word, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
			// The first word of a sentence is capitalized anyway.
			if word == "" || i == 0 || !unicode.IsUpper([]rune(word)[0]) {
				flush()
				continue
			}
			current = append(current, word)
		}
		flush()

		for i, name := range names {
			g.Nodes = append(g.Nodes, core.GraphNode{Name: name, Type: m.NodeType})
			if i > 0 {
				g.Relations = append(g.Relations, core.GraphRelation{Source: names[i-1], Target: name, Label: "related_to"})
			}
		}
	}
	return schema.Filter(g), nil
}

// CallCount returns the number of times ExtractGraph was called.
func (m *MockGraphExtractor) CallCount() int {
	return int(m.calls.Load())
}

// Reset clears the call count and custom function.
func (m *MockGraphExtractor) Reset() {
	m.calls.Store(0)
	m.ExtractGraphFunc = nil
}
