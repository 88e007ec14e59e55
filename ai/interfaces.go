package ai

import (
	"context"

	"github.com/poiesic/kgraph/core"
)

// Embedder generates vector embeddings from text for semantic similarity search.
// Implementations must be thread-safe for concurrent use.
type Embedder interface {
	// EmbedText generates a vector embedding for a single text string.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedTexts generates vector embeddings for multiple text strings in a batch.
	// The returned slice contains embeddings in the same order as the input texts.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// GraphExtractor turns a passage of text into candidate graph nodes and relations.
// Implementations must be thread-safe for concurrent use.
type GraphExtractor interface {
	// ExtractGraph returns the entities mentioned in text and the relations
	// between them. Relations reference nodes by name. Node types and relation
	// labels outside schema are dropped when schema restricts them.
	ExtractGraph(ctx context.Context, text string, schema Schema) (*Graph, error)
}

// Graph is the result of one extraction call.
type Graph struct {
	Nodes     []core.GraphNode
	Relations []core.GraphRelation
}

// Schema constrains what an extractor may return. Empty lists mean no restriction.
type Schema struct {
	NodeTypes      []string `yaml:"node_types"`
	RelationLabels []string `yaml:"relation_labels"`
}

// Provider aggregates AI services for convenient initialization and lifecycle management.
type Provider interface {
	// Embedder returns the text embedding service.
	Embedder() Embedder

	// GraphExtractor returns the graph extraction service.
	GraphExtractor() GraphExtractor

	// Close releases resources held by the provider and its services.
	Close() error
}
