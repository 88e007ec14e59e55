package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

// UpsertDataPoints writes dps to the relational anchor, then the graph, then
// the vector store for points carrying a vector. A point that already exists
// moves to its next version when its content changed. If the graph or vector
// write fails, every backend touched is restored to its state before the call
// and a PartialWriteError is returned. Requires write.
func (r *Router) UpsertDataPoints(ctx context.Context, user, datasetID core.ID, dps []*core.DataPoint) error {
	if len(dps) == 0 {
		return nil
	}
	if err := r.gate.Require(ctx, user, datasetID, core.PermissionWrite); err != nil {
		return err
	}
	points, err := preparePoints(datasetID, dps)
	if err != nil {
		return err
	}
	b, h, err := r.resolve(ctx, user, datasetID)
	if err != nil {
		return err
	}

	ids := pointIDs(points)
	var vectors []*core.VectorRecord
	for _, dp := range points {
		if dp.HasVector() {
			vectors = append(vectors, core.VectorRecordFor(dp))
		}
	}

	snap := pointSnapshot{ids: ids}
	if snap.points, err = b.Relational.GetMany(ctx, h, ids); err != nil {
		return err
	}
	if err := assignVersions(points, snap.points); err != nil {
		return err
	}
	if len(vectors) > 0 {
		snap.vectorIDs = vectorIDs(vectors)
		if snap.vectors, err = b.Vector.GetMany(ctx, h, snap.vectorIDs); err != nil {
			return err
		}
	}

	// The relational write is a single transaction; a failure leaves nothing behind.
	if err := b.Relational.UpsertMany(ctx, h, points); err != nil {
		return err
	}
	if err := b.Graph.UpsertMany(ctx, h, points); err != nil {
		return r.compensatePoints(ctx, b, h, snap, []string{BackendRelational}, BackendGraph, err)
	}
	if len(vectors) > 0 {
		if err := b.Vector.UpsertMany(ctx, h, vectors); err != nil {
			return r.compensatePoints(ctx, b, h, snap, []string{BackendRelational, BackendGraph}, BackendVector, err)
		}
	}

	r.logger.Debug("data points written", "dataset", datasetID, "count", len(points), "vectors", len(vectors))
	return nil
}

type pointSnapshot struct {
	ids       []core.ID
	points    []*core.DataPoint
	vectorIDs []core.ID
	vectors   []*core.VectorRecord
}

// compensatePoints restores the written backends and the failed one to snap.
// Points that did not exist before are deleted; earlier versions are rewritten.
func (r *Router) compensatePoints(ctx context.Context, b *Binding, h storage.Handle, snap pointSnapshot, written []string, failed string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	freshPoints := missing(snap.ids, pointIDs(snap.points))

	var errs []error
	restore := func(backend string) {
		switch backend {
		case BackendVector:
			if len(snap.vectorIDs) == 0 {
				return
			}
			if err := b.Vector.DeleteMany(ctx, h, missing(snap.vectorIDs, vectorIDs(snap.vectors))); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", backend, err))
			}
			if err := b.Vector.UpsertMany(ctx, h, snap.vectors); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", backend, err))
			}
		case BackendGraph:
			if err := b.Graph.DeleteMany(ctx, h, freshPoints); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", backend, err))
			}
			if err := b.Graph.UpsertMany(ctx, h, snap.points); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", backend, err))
			}
		case BackendRelational:
			if err := b.Relational.DeleteMany(ctx, h, freshPoints); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", backend, err))
			}
			if err := b.Relational.UpsertMany(ctx, h, snap.points); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", backend, err))
			}
		}
	}

	// The failed backend may have applied part of the write before reporting.
	restore(failed)
	for i := len(written) - 1; i >= 0; i-- {
		restore(written[i])
	}

	pwe := &core.PartialWriteError{
		Ids:             snap.ids,
		Written:         written,
		Failed:          failed,
		Err:             cause,
		CompensationErr: errors.Join(errs...),
	}
	if pwe.CompensationErr != nil {
		r.logger.Error("compensation failed, manual reconciliation required",
			"dataset", h.DatasetId, "failed", failed, "written", written, "ids", snap.ids,
			"error", cause, "compensation_error", pwe.CompensationErr)
	} else {
		r.logger.Warn("partial write rolled back", "dataset", h.DatasetId, "failed", failed, "error", cause)
	}
	return pwe
}

// UpsertEdges writes edges to the relational anchor, then the graph. Both
// endpoints of every edge must already exist in the dataset. Requires write.
func (r *Router) UpsertEdges(ctx context.Context, user, datasetID core.ID, edges []*core.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	if err := r.gate.Require(ctx, user, datasetID, core.PermissionWrite); err != nil {
		return err
	}
	edges, err := prepareEdges(datasetID, edges)
	if err != nil {
		return err
	}
	b, h, err := r.resolve(ctx, user, datasetID)
	if err != nil {
		return err
	}

	endpoints := edgeEndpoints(edges)
	found, err := b.Relational.GetMany(ctx, h, endpoints)
	if err != nil {
		return err
	}
	if absent := missing(endpoints, pointIDs(found)); len(absent) > 0 {
		return core.NewValidationError("edge", fmt.Sprintf("endpoint %s does not exist", absent[0]))
	}

	existing, err := b.Relational.EdgesFor(ctx, h, edgeSources(edges))
	if err != nil {
		return err
	}
	prior := priorEdges(edges, existing)

	if err := b.Relational.UpsertEdges(ctx, h, edges); err != nil {
		return err
	}
	if err := b.Graph.UpsertEdges(ctx, h, edges); err != nil {
		return r.compensateEdges(ctx, b, h, edges, prior, err)
	}
	return nil
}

func (r *Router) compensateEdges(ctx context.Context, b *Binding, h storage.Handle, edges, prior []*core.Edge, cause error) error {
	ctx = context.WithoutCancel(ctx)
	existed := make(map[core.EdgeKey]bool, len(prior))
	for _, e := range prior {
		existed[e.Key()] = true
	}
	var fresh []core.EdgeKey
	for _, e := range edges {
		if !existed[e.Key()] {
			fresh = append(fresh, e.Key())
		}
	}

	var errs []error
	if err := b.Graph.DeleteEdges(ctx, h, fresh); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", BackendGraph, err))
	}
	if err := b.Graph.UpsertEdges(ctx, h, prior); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", BackendGraph, err))
	}
	if err := b.Relational.DeleteEdges(ctx, h, fresh); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", BackendRelational, err))
	}
	if err := b.Relational.UpsertEdges(ctx, h, prior); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", BackendRelational, err))
	}

	pwe := &core.PartialWriteError{
		Ids:             edgeSources(edges),
		Written:         []string{BackendRelational},
		Failed:          BackendGraph,
		Err:             cause,
		CompensationErr: errors.Join(errs...),
	}
	if pwe.CompensationErr != nil {
		r.logger.Error("edge compensation failed, manual reconciliation required",
			"dataset", h.DatasetId, "edges", len(edges), "error", cause, "compensation_error", pwe.CompensationErr)
	}
	return pwe
}

// DeleteDataPoints removes points and their incident edges from every family:
// vector first, then graph, then the relational anchor. Requires delete.
func (r *Router) DeleteDataPoints(ctx context.Context, user, datasetID core.ID, ids []core.ID) error {
	if len(ids) == 0 {
		return nil
	}
	b, h, err := r.Binding(ctx, user, datasetID, core.PermissionDelete)
	if err != nil {
		return err
	}
	if err := b.Vector.DeleteMany(ctx, h, ids); err != nil {
		return fmt.Errorf("delete from %s: %w", BackendVector, err)
	}
	if err := b.Graph.DeleteMany(ctx, h, ids); err != nil {
		return fmt.Errorf("delete from %s: %w", BackendGraph, err)
	}
	if err := b.Relational.DeleteMany(ctx, h, ids); err != nil {
		return fmt.Errorf("delete from %s: %w", BackendRelational, err)
	}
	r.logger.Debug("data points deleted", "dataset", datasetID, "count", len(ids))
	return nil
}

// DeleteEdges removes edges from the graph, then the relational anchor. Requires delete.
func (r *Router) DeleteEdges(ctx context.Context, user, datasetID core.ID, keys []core.EdgeKey) error {
	if len(keys) == 0 {
		return nil
	}
	b, h, err := r.Binding(ctx, user, datasetID, core.PermissionDelete)
	if err != nil {
		return err
	}
	if err := b.Graph.DeleteEdges(ctx, h, keys); err != nil {
		return fmt.Errorf("delete from %s: %w", BackendGraph, err)
	}
	if err := b.Relational.DeleteEdges(ctx, h, keys); err != nil {
		return fmt.Errorf("delete from %s: %w", BackendRelational, err)
	}
	return nil
}
