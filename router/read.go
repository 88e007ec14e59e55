package router

import (
	"context"
	"errors"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

// readable resolves the binding for a read. ok is false when the user lacks
// read on the dataset or the dataset does not exist; callers answer with an
// empty result so the two cases cannot be told apart.
func (r *Router) readable(ctx context.Context, user, datasetID core.ID) (*Binding, storage.Handle, bool, error) {
	allowed, err := r.gate.Authorize(ctx, user, datasetID, core.PermissionRead)
	if err != nil {
		return nil, storage.Handle{}, false, err
	}
	if !allowed {
		return nil, storage.Handle{}, false, nil
	}
	b, h, err := r.resolve(ctx, user, datasetID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.Handle{}, false, nil
	}
	if err != nil {
		return nil, storage.Handle{}, false, err
	}
	return b, h, true, nil
}

// Get returns a data point with its vector, if any. A denied read returns
// storage.ErrNotFound.
func (r *Router) Get(ctx context.Context, user, datasetID, id core.ID) (*core.DataPoint, error) {
	b, h, ok, err := r.readable(ctx, user, datasetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	dp, err := b.Relational.Get(ctx, h, id)
	if err != nil {
		return nil, err
	}
	rec, err := b.Vector.Get(ctx, h, id)
	switch {
	case err == nil:
		dp.Vector = rec.Vector
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	return dp, nil
}

// GetMany returns the data points that exist among ids.
func (r *Router) GetMany(ctx context.Context, user, datasetID core.ID, ids []core.ID) ([]*core.DataPoint, error) {
	b, h, ok, err := r.readable(ctx, user, datasetID)
	if err != nil || !ok {
		return nil, err
	}
	return b.Relational.GetMany(ctx, h, ids)
}

// Neighbors returns the graph edges incident to ids.
func (r *Router) Neighbors(ctx context.Context, user, datasetID core.ID, ids []core.ID) ([]*core.Edge, error) {
	b, h, ok, err := r.readable(ctx, user, datasetID)
	if err != nil || !ok {
		return nil, err
	}
	return b.Graph.Neighbors(ctx, h, ids)
}

// SearchSimilar returns the vector records most similar to vector.
func (r *Router) SearchSimilar(ctx context.Context, user, datasetID core.ID, vector []float32, limit int, minScore float32) ([]core.ScoredVector, error) {
	b, h, ok, err := r.readable(ctx, user, datasetID)
	if err != nil || !ok {
		return nil, err
	}
	return b.Vector.Search(ctx, h, vector, limit, minScore)
}

// Filter returns the data points matching f.
func (r *Router) Filter(ctx context.Context, user, datasetID core.ID, f storage.Filter) ([]*core.DataPoint, error) {
	b, h, ok, err := r.readable(ctx, user, datasetID)
	if err != nil || !ok {
		return nil, err
	}
	return b.Relational.Filter(ctx, h, f)
}
