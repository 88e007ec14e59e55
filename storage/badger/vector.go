package badger

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

// VectorRepository implements storage.VectorAdapter for BadgerDB with a
// brute-force similarity scan.
type VectorRepository struct {
	backend *Backend
}

var _ storage.VectorAdapter = (*VectorRepository)(nil)

// NewVectorRepository creates a new VectorRepository.
func NewVectorRepository(backend *Backend) (*VectorRepository, error) {
	return &VectorRepository{
		backend: backend,
	}, nil
}

// Name identifies the backend.
func (r *VectorRepository) Name() string {
	return "badger-vector"
}

// Close releases resources. The backend is closed by its owner.
func (r *VectorRepository) Close() error {
	return nil
}

// Get retrieves a single vector record by ID.
func (r *VectorRepository) Get(ctx context.Context, h storage.Handle, id core.ID) (*core.VectorRecord, error) {
	if err := r.backend.checkHandle(h); err != nil {
		return nil, err
	}
	var rec *core.VectorRecord
	err := r.backend.view(ctx, "vector.get", func(tx *badger.Txn) error {
		var err error
		rec, err = readVector(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

// GetMany retrieves the vector records that exist among ids.
func (r *VectorRepository) GetMany(ctx context.Context, h storage.Handle, ids []core.ID) ([]*core.VectorRecord, error) {
	if err := r.backend.checkHandle(h); err != nil {
		return nil, err
	}
	var out []*core.VectorRecord
	err := r.backend.view(ctx, "vector.get_many", func(tx *badger.Txn) error {
		out = out[:0]
		for _, id := range ids {
			rec, err := readVector(tx, id)
			if err != nil {
				return err
			}
			if rec != nil {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// Upsert creates or replaces a vector record.
func (r *VectorRepository) Upsert(ctx context.Context, h storage.Handle, rec *core.VectorRecord) error {
	return r.UpsertMany(ctx, h, []*core.VectorRecord{rec})
}

// UpsertMany creates or replaces vector records in one transaction.
func (r *VectorRepository) UpsertMany(ctx context.Context, h storage.Handle, recs []*core.VectorRecord) error {
	if err := r.backend.checkHandle(h); err != nil {
		return err
	}
	return r.backend.update(ctx, "vector.upsert", func(tx *badger.Txn) error {
		for _, rec := range recs {
			if err := tx.Set(makeVectorKey(rec.Id), storage.MarshalVectorRecord(rec)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a vector record.
func (r *VectorRepository) Delete(ctx context.Context, h storage.Handle, id core.ID) error {
	return r.DeleteMany(ctx, h, []core.ID{id})
}

// DeleteMany removes vector records. Missing records are ignored.
func (r *VectorRepository) DeleteMany(ctx context.Context, h storage.Handle, ids []core.ID) error {
	if err := r.backend.checkHandle(h); err != nil {
		return err
	}
	return r.backend.update(ctx, "vector.delete", func(tx *badger.Txn) error {
		for _, id := range ids {
			if err := tx.Delete(makeVectorKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteDataset removes every vector record.
func (r *VectorRepository) DeleteDataset(ctx context.Context, h storage.Handle) error {
	if err := r.backend.checkHandle(h); err != nil {
		return err
	}
	return r.backend.caller.Do(ctx, "vector.delete_dataset", func(ctx context.Context) error {
		return r.backend.dropPrefix(vectorPrefix)
	})
}

// Search finds vector records similar to the given vector.
func (r *VectorRepository) Search(ctx context.Context, h storage.Handle, vector []float32, limit int, minScore float32) ([]core.ScoredVector, error) {
	if err := r.backend.checkHandle(h); err != nil {
		return nil, err
	}
	var results []core.ScoredVector

	err := r.backend.view(ctx, "vector.search", func(tx *badger.Txn) error {
		results = results[:0]
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(vectorPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec *core.VectorRecord
			err := iter.Item().Value(func(val []byte) error {
				var err error
				rec, err = storage.UnmarshalVectorRecord(val)
				return err
			})
			if err != nil {
				return err
			}
			if len(rec.Vector) == 0 {
				continue
			}

			score := storage.CosineSimilarity(vector, rec.Vector)
			if score >= minScore {
				results = append(results, core.ScoredVector{Record: rec, Score: score})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return storage.TopScored(results, limit), nil
}

// readVector reads a vector record. Returns nil if the key doesn't exist.
func readVector(tx *badger.Txn, id core.ID) (*core.VectorRecord, error) {
	data, err := readValue(tx, makeVectorKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	return storage.UnmarshalVectorRecord(data)
}
