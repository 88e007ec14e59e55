package storage

import (
	"context"

	"github.com/poiesic/kgraph/core"
)

// Family names a class of knowledge store.
type Family string

const (
	FamilyGraph      Family = "graph"
	FamilyVector     Family = "vector"
	FamilyRelational Family = "relational"
)

// Handle binds adapter calls to one dataset. Adapters never see raw connections
// from callers; everything they need to scope a call is on the handle.
type Handle struct {
	// UserId is the acting user. Informational for adapters.
	UserId core.ID
	// OwnerId is the dataset owner that the binding is keyed by.
	OwnerId core.ID
	// DatasetId scopes every read and write.
	DatasetId core.ID
	// Namespace prefixes keys or labels on shared backends.
	Namespace string
}

// NewHandle returns a handle for the dataset with the default namespace.
func NewHandle(userID, ownerID, datasetID core.ID) Handle {
	return Handle{
		UserId:    userID,
		OwnerId:   ownerID,
		DatasetId: datasetID,
		Namespace: "ds_" + datasetID.String(),
	}
}

// Adapter is the uniform shape shared by every backend family.
// Implementations must be safe for concurrent use.
type Adapter[T any] interface {
	// Name identifies the backend in logs and errors.
	Name() string

	// Get retrieves a single item by ID.
	// Returns ErrNotFound if the item doesn't exist.
	Get(ctx context.Context, h Handle, id core.ID) (T, error)

	// GetMany retrieves multiple items by their IDs.
	// Returns only the items that exist (no error for missing items).
	GetMany(ctx context.Context, h Handle, ids []core.ID) ([]T, error)

	// Upsert creates or replaces a single item.
	Upsert(ctx context.Context, h Handle, item T) error

	// UpsertMany creates or replaces items. The write is atomic per call where
	// the backend supports it.
	UpsertMany(ctx context.Context, h Handle, items []T) error

	// Delete removes an item. Deleting a missing item is not an error.
	Delete(ctx context.Context, h Handle, id core.ID) error

	// DeleteMany removes items. Missing items are ignored.
	DeleteMany(ctx context.Context, h Handle, ids []core.ID) error

	// DeleteDataset removes everything the adapter holds for the handle's dataset.
	DeleteDataset(ctx context.Context, h Handle) error

	// Close releases resources held by the adapter.
	Close() error
}

// GraphAdapter stores DataPoints as nodes and Edges as relationships.
type GraphAdapter interface {
	Adapter[*core.DataPoint]

	// UpsertEdges creates or replaces edges keyed by (source, target, label).
	UpsertEdges(ctx context.Context, h Handle, edges []*core.Edge) error

	// DeleteEdges removes edges by key. Missing edges are ignored.
	DeleteEdges(ctx context.Context, h Handle, keys []core.EdgeKey) error

	// Neighbors returns every edge with an endpoint in ids.
	Neighbors(ctx context.Context, h Handle, ids []core.ID) ([]*core.Edge, error)
}

// VectorAdapter stores embeddings for similarity search.
type VectorAdapter interface {
	Adapter[*core.VectorRecord]

	// Search returns up to limit records with cosine similarity >= minScore,
	// ordered by score (highest first).
	Search(ctx context.Context, h Handle, vector []float32, limit int, minScore float32) ([]core.ScoredVector, error)
}

// Filter narrows a relational query.
type Filter struct {
	// Types restricts results to these DataPoint types. Empty means any type.
	Types []string
	// RelatedTo restricts results to points joined to this id through an edge.
	RelatedTo core.ID
	// EdgeLabel restricts the RelatedTo join to one edge label.
	EdgeLabel string
	// TextContains restricts results to points whose index text contains the substring.
	TextContains string
	Limit        int
	Offset       int
}

// RelationalAdapter is the structured anchor store. It holds every DataPoint
// and Edge and answers filtered and joined queries.
type RelationalAdapter interface {
	Adapter[*core.DataPoint]

	// UpsertEdges creates or replaces edges keyed by (source, target, label).
	UpsertEdges(ctx context.Context, h Handle, edges []*core.Edge) error

	// DeleteEdges removes edges by key. Missing edges are ignored.
	DeleteEdges(ctx context.Context, h Handle, keys []core.EdgeKey) error

	// EdgesFor returns every edge with an endpoint in ids.
	EdgesFor(ctx context.Context, h Handle, ids []core.ID) ([]*core.Edge, error)

	// Filter returns points matching f.
	Filter(ctx context.Context, h Handle, f Filter) ([]*core.DataPoint, error)
}
