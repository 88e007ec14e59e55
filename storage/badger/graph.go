package badger

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

// GraphRepository implements storage.GraphAdapter for BadgerDB.
// Nodes are DataPoints keyed by id; edges are stored under a forward key
// with a reverse index so both directions can be scanned by prefix.
type GraphRepository struct {
	backend *Backend
}

var _ storage.GraphAdapter = (*GraphRepository)(nil)

// NewGraphRepository creates a new GraphRepository.
func NewGraphRepository(backend *Backend) (*GraphRepository, error) {
	return &GraphRepository{
		backend: backend,
	}, nil
}

// Name identifies the backend.
func (r *GraphRepository) Name() string {
	return "badger-graph"
}

// Close releases resources. The backend is closed by its owner.
func (r *GraphRepository) Close() error {
	return nil
}

// Get retrieves a single node by ID.
func (r *GraphRepository) Get(ctx context.Context, h storage.Handle, id core.ID) (*core.DataPoint, error) {
	if err := r.backend.checkHandle(h); err != nil {
		return nil, err
	}
	var dp *core.DataPoint
	err := r.backend.view(ctx, "graph.get", func(tx *badger.Txn) error {
		var err error
		dp, err = readNode(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if dp == nil {
		return nil, storage.ErrNotFound
	}
	return dp, nil
}

// GetMany retrieves the nodes that exist among ids.
func (r *GraphRepository) GetMany(ctx context.Context, h storage.Handle, ids []core.ID) ([]*core.DataPoint, error) {
	if err := r.backend.checkHandle(h); err != nil {
		return nil, err
	}
	var out []*core.DataPoint
	err := r.backend.view(ctx, "graph.get_many", func(tx *badger.Txn) error {
		out = out[:0]
		for _, id := range ids {
			dp, err := readNode(tx, id)
			if err != nil {
				return err
			}
			if dp != nil {
				out = append(out, dp)
			}
		}
		return nil
	})
	return out, err
}

// Upsert creates or replaces a node.
func (r *GraphRepository) Upsert(ctx context.Context, h storage.Handle, dp *core.DataPoint) error {
	return r.UpsertMany(ctx, h, []*core.DataPoint{dp})
}

// UpsertMany creates or replaces nodes in one transaction.
func (r *GraphRepository) UpsertMany(ctx context.Context, h storage.Handle, dps []*core.DataPoint) error {
	if err := r.backend.checkHandle(h); err != nil {
		return err
	}
	return r.backend.update(ctx, "graph.upsert", func(tx *badger.Txn) error {
		now := time.Now().UTC()
		for _, dp := range dps {
			stored := *dp
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = now
			}
			stored.UpdatedAt = now
			// Vectors live in the vector family.
			stored.Vector = nil
			value, err := storage.MarshalDataPoint(&stored)
			if err != nil {
				return err
			}
			if err := tx.Set(makeNodeKey(dp.Id), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a node and its incident edges.
func (r *GraphRepository) Delete(ctx context.Context, h storage.Handle, id core.ID) error {
	return r.DeleteMany(ctx, h, []core.ID{id})
}

// DeleteMany removes nodes and their incident edges. Missing nodes are ignored.
func (r *GraphRepository) DeleteMany(ctx context.Context, h storage.Handle, ids []core.ID) error {
	if err := r.backend.checkHandle(h); err != nil {
		return err
	}
	return r.backend.update(ctx, "graph.delete", func(tx *badger.Txn) error {
		for _, id := range ids {
			keys, err := incidentEdgeKeys(tx, id)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := deleteEdge(tx, k); err != nil {
					return err
				}
			}
			if err := tx.Delete(makeNodeKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertEdges creates or replaces edges keyed by (source, target, label).
func (r *GraphRepository) UpsertEdges(ctx context.Context, h storage.Handle, edges []*core.Edge) error {
	if err := r.backend.checkHandle(h); err != nil {
		return err
	}
	return r.backend.update(ctx, "graph.upsert_edges", func(tx *badger.Txn) error {
		for _, e := range edges {
			value, err := storage.MarshalEdge(e)
			if err != nil {
				return err
			}
			k := e.Key()
			if err := tx.Set(makeEdgeOutKey(k), value); err != nil {
				return err
			}
			if err := tx.Set(makeEdgeInKey(k), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteEdges removes edges by key.
func (r *GraphRepository) DeleteEdges(ctx context.Context, h storage.Handle, keys []core.EdgeKey) error {
	if err := r.backend.checkHandle(h); err != nil {
		return err
	}
	return r.backend.update(ctx, "graph.delete_edges", func(tx *badger.Txn) error {
		for _, k := range keys {
			if err := deleteEdge(tx, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Neighbors returns every edge with an endpoint in ids.
func (r *GraphRepository) Neighbors(ctx context.Context, h storage.Handle, ids []core.ID) ([]*core.Edge, error) {
	if err := r.backend.checkHandle(h); err != nil {
		return nil, err
	}
	var edges []*core.Edge
	err := r.backend.view(ctx, "graph.neighbors", func(tx *badger.Txn) error {
		edges = edges[:0]
		seen := make(map[core.EdgeKey]struct{})
		for _, id := range ids {
			keys, err := incidentEdgeKeys(tx, id)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				data, err := readValue(tx, makeEdgeOutKey(k))
				if err != nil {
					return err
				}
				if data == nil {
					continue
				}
				e, err := storage.UnmarshalEdge(data)
				if err != nil {
					return err
				}
				edges = append(edges, e)
			}
		}
		return nil
	})
	return edges, err
}

// DeleteDataset removes every node and edge.
func (r *GraphRepository) DeleteDataset(ctx context.Context, h storage.Handle) error {
	if err := r.backend.checkHandle(h); err != nil {
		return err
	}
	return r.backend.caller.Do(ctx, "graph.delete_dataset", func(ctx context.Context) error {
		for _, prefix := range []string{nodePrefix, edgeOutPrefix, edgeInPrefix} {
			if err := r.backend.dropPrefix(prefix); err != nil {
				return err
			}
		}
		return nil
	})
}

// readNode reads a node. Returns nil if the key doesn't exist.
func readNode(tx *badger.Txn, id core.ID) (*core.DataPoint, error) {
	data, err := readValue(tx, makeNodeKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	return storage.UnmarshalDataPoint(data)
}

// incidentEdgeKeys collects the keys of every edge leaving or entering id.
func incidentEdgeKeys(tx *badger.Txn, id core.ID) ([]core.EdgeKey, error) {
	var keys []core.EdgeKey

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.Prefix = makePartialEdgeOutKey(id)
	iter := tx.NewIterator(opts)
	for iter.Rewind(); iter.Valid(); iter.Next() {
		var e *core.Edge
		err := iter.Item().Value(func(val []byte) error {
			var err error
			e, err = storage.UnmarshalEdge(val)
			return err
		})
		if err != nil {
			iter.Close()
			return nil, err
		}
		keys = append(keys, e.Key())
	}
	iter.Close()

	opts = badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = makePartialEdgeInKey(id)
	iter = tx.NewIterator(opts)
	defer iter.Close()
	for iter.Rewind(); iter.Valid(); iter.Next() {
		k, ok := parseEdgeInKey(iter.Item().KeyCopy(nil))
		if !ok {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func deleteEdge(tx *badger.Txn, k core.EdgeKey) error {
	if err := tx.Delete(makeEdgeOutKey(k)); err != nil {
		return err
	}
	return tx.Delete(makeEdgeInKey(k))
}
