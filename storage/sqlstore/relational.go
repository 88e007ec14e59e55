package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

// RelationalRepository implements storage.RelationalAdapter on the record
// store's database. Rows carry dataset_id so one database serves every dataset.
type RelationalRepository struct {
	store *Store
}

var _ storage.RelationalAdapter = (*RelationalRepository)(nil)

// NewRelationalRepository creates a relational adapter over store.
func NewRelationalRepository(store *Store) *RelationalRepository {
	return &RelationalRepository{store: store}
}

var pointColumns = []string{"dataset_id", "id", "type", "version", "payload", "text", "created_at", "updated_at"}

// Name identifies the backend.
func (r *RelationalRepository) Name() string {
	return "sql-" + r.store.driver
}

// Close releases resources. The store is closed by its owner.
func (r *RelationalRepository) Close() error {
	return nil
}

// Get retrieves a single data point by ID.
func (r *RelationalRepository) Get(ctx context.Context, h storage.Handle, id core.ID) (*core.DataPoint, error) {
	return storage.Call(ctx, r.store.caller, "relational.get", func(ctx context.Context) (*core.DataPoint, error) {
		row := r.store.stbl.
			Select(pointColumns...).
			From("data_points").
			Where(sq.Eq{"dataset_id": h.DatasetId.String(), "id": id.String()}).
			QueryRowContext(ctx)
		return scanPoint(row)
	})
}

// GetMany retrieves the data points that exist among ids.
func (r *RelationalRepository) GetMany(ctx context.Context, h storage.Handle, ids []core.ID) ([]*core.DataPoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.query(ctx, "relational.get_many", r.store.stbl.
		Select(pointColumns...).
		From("data_points").
		Where(sq.Eq{"dataset_id": h.DatasetId.String(), "id": idStrings(ids)}))
}

// Upsert creates or replaces a data point.
func (r *RelationalRepository) Upsert(ctx context.Context, h storage.Handle, dp *core.DataPoint) error {
	return r.UpsertMany(ctx, h, []*core.DataPoint{dp})
}

// UpsertMany creates or replaces data points in one transaction.
func (r *RelationalRepository) UpsertMany(ctx context.Context, h storage.Handle, dps []*core.DataPoint) error {
	if len(dps) == 0 {
		return nil
	}
	ts := now()
	return r.store.caller.Do(ctx, "relational.upsert", func(ctx context.Context) error {
		return r.store.withTx(ctx, func(_ *sql.Tx, stbl sq.StatementBuilderType) error {
			for _, dp := range dps {
				payload, err := storage.MarshalPayload(dp.Payload)
				if err != nil {
					return err
				}
				created := dp.CreatedAt
				if created.IsZero() {
					created = ts
				}
				_, err = stbl.
					Insert("data_points").
					Columns(pointColumns...).
					Values(h.DatasetId.String(), dp.Id.String(), dp.Type, dp.Version, string(payload), dp.IndexText(), toMicro(created), toMicro(ts)).
					Suffix("ON CONFLICT (dataset_id, id) DO UPDATE SET type = excluded.type, version = excluded.version, " +
						"payload = excluded.payload, text = excluded.text, updated_at = excluded.updated_at").
					ExecContext(ctx)
				if err != nil {
					return HandleSQLError(err)
				}
			}
			return nil
		})
	})
}

// Delete removes a data point and its incident edges.
func (r *RelationalRepository) Delete(ctx context.Context, h storage.Handle, id core.ID) error {
	return r.DeleteMany(ctx, h, []core.ID{id})
}

// DeleteMany removes data points and their incident edges. Missing ids are ignored.
func (r *RelationalRepository) DeleteMany(ctx context.Context, h storage.Handle, ids []core.ID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := idStrings(ids)
	return r.store.caller.Do(ctx, "relational.delete", func(ctx context.Context) error {
		return r.store.withTx(ctx, func(_ *sql.Tx, stbl sq.StatementBuilderType) error {
			_, err := stbl.
				Delete("edges").
				Where(sq.Eq{"dataset_id": h.DatasetId.String()}).
				Where(sq.Or{sq.Eq{"source_id": keys}, sq.Eq{"target_id": keys}}).
				ExecContext(ctx)
			if err != nil {
				return HandleSQLError(err)
			}
			_, err = stbl.
				Delete("data_points").
				Where(sq.Eq{"dataset_id": h.DatasetId.String(), "id": keys}).
				ExecContext(ctx)
			return HandleSQLError(err)
		})
	})
}

// DeleteDataset removes every data point and edge of the dataset.
func (r *RelationalRepository) DeleteDataset(ctx context.Context, h storage.Handle) error {
	return r.store.caller.Do(ctx, "relational.delete_dataset", func(ctx context.Context) error {
		return r.store.withTx(ctx, func(_ *sql.Tx, stbl sq.StatementBuilderType) error {
			for _, table := range []string{"edges", "data_points"} {
				_, err := stbl.Delete(table).Where(sq.Eq{"dataset_id": h.DatasetId.String()}).ExecContext(ctx)
				if err != nil {
					return HandleSQLError(err)
				}
			}
			return nil
		})
	})
}

// UpsertEdges creates or replaces edges keyed by (source, target, label).
func (r *RelationalRepository) UpsertEdges(ctx context.Context, h storage.Handle, edges []*core.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	return r.store.caller.Do(ctx, "relational.upsert_edges", func(ctx context.Context) error {
		return r.store.withTx(ctx, func(_ *sql.Tx, stbl sq.StatementBuilderType) error {
			for _, e := range edges {
				props, err := storage.MarshalPayload(e.Properties)
				if err != nil {
					return err
				}
				_, err = stbl.
					Insert("edges").
					Columns("dataset_id", "source_id", "target_id", "label", "properties").
					Values(h.DatasetId.String(), e.SourceId.String(), e.TargetId.String(), e.Label, string(props)).
					Suffix("ON CONFLICT (dataset_id, source_id, target_id, label) DO UPDATE SET properties = excluded.properties").
					ExecContext(ctx)
				if err != nil {
					return HandleSQLError(err)
				}
			}
			return nil
		})
	})
}

// DeleteEdges removes edges by key.
func (r *RelationalRepository) DeleteEdges(ctx context.Context, h storage.Handle, keys []core.EdgeKey) error {
	if len(keys) == 0 {
		return nil
	}
	return r.store.caller.Do(ctx, "relational.delete_edges", func(ctx context.Context) error {
		return r.store.withTx(ctx, func(_ *sql.Tx, stbl sq.StatementBuilderType) error {
			for _, k := range keys {
				_, err := stbl.
					Delete("edges").
					Where(sq.Eq{
						"dataset_id": h.DatasetId.String(),
						"source_id":  k.SourceId.String(),
						"target_id":  k.TargetId.String(),
						"label":      k.Label,
					}).
					ExecContext(ctx)
				if err != nil {
					return HandleSQLError(err)
				}
			}
			return nil
		})
	})
}

// EdgesFor returns every edge with an endpoint in ids.
func (r *RelationalRepository) EdgesFor(ctx context.Context, h storage.Handle, ids []core.ID) ([]*core.Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := idStrings(ids)
	return storage.Call(ctx, r.store.caller, "relational.edges_for", func(ctx context.Context) ([]*core.Edge, error) {
		rows, err := r.store.stbl.
			Select("source_id", "target_id", "label", "properties").
			From("edges").
			Where(sq.Eq{"dataset_id": h.DatasetId.String()}).
			Where(sq.Or{sq.Eq{"source_id": keys}, sq.Eq{"target_id": keys}}).
			OrderBy("source_id", "target_id", "label").
			QueryContext(ctx)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		defer rows.Close()

		var out []*core.Edge
		for rows.Next() {
			var src, dst, props string
			e := &core.Edge{DatasetId: h.DatasetId}
			if err := rows.Scan(&src, &dst, &e.Label, &props); err != nil {
				return nil, HandleSQLError(err)
			}
			if e.SourceId, err = scanID(src); err != nil {
				return nil, err
			}
			if e.TargetId, err = scanID(dst); err != nil {
				return nil, err
			}
			if e.Properties, err = storage.UnmarshalPayload([]byte(props)); err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, HandleSQLError(rows.Err())
	})
}

// Filter returns data points matching f, ordered by id.
func (r *RelationalRepository) Filter(ctx context.Context, h storage.Handle, f storage.Filter) ([]*core.DataPoint, error) {
	q := r.store.stbl.
		Select(pointColumns...).
		From("data_points").
		Where(sq.Eq{"dataset_id": h.DatasetId.String()})
	if len(f.Types) > 0 {
		q = q.Where(sq.Eq{"type": f.Types})
	}
	if f.TextContains != "" {
		q = q.Where(sq.Like{"LOWER(text)": "%" + escapeLike(strings.ToLower(f.TextContains)) + "%"})
	}
	if f.RelatedTo != core.NilID {
		edgeWhere := sq.Eq{"dataset_id": h.DatasetId.String()}
		if f.EdgeLabel != "" {
			edgeWhere["label"] = f.EdgeLabel
		}
		out := sq.Select("target_id").From("edges").Where(edgeWhere).Where(sq.Eq{"source_id": f.RelatedTo.String()})
		in := sq.Select("source_id").From("edges").Where(edgeWhere).Where(sq.Eq{"target_id": f.RelatedTo.String()})
		outSQL, outArgs, err := out.ToSql()
		if err != nil {
			return nil, err
		}
		inSQL, inArgs, err := in.ToSql()
		if err != nil {
			return nil, err
		}
		q = q.Where(sq.Or{
			sq.Expr("id IN ("+outSQL+")", outArgs...),
			sq.Expr("id IN ("+inSQL+")", inArgs...),
		})
	}
	q = q.OrderBy("id")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return r.query(ctx, "relational.filter", q)
}

func (r *RelationalRepository) query(ctx context.Context, op string, q sq.SelectBuilder) ([]*core.DataPoint, error) {
	return storage.Call(ctx, r.store.caller, op, func(ctx context.Context) ([]*core.DataPoint, error) {
		rows, err := q.QueryContext(ctx)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		defer rows.Close()

		var out []*core.DataPoint
		for rows.Next() {
			dp, err := scanPoint(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, dp)
		}
		return out, HandleSQLError(rows.Err())
	})
}

func scanPoint(row sq.RowScanner) (*core.DataPoint, error) {
	var ds, id, payload string
	var created, updated int64
	dp := &core.DataPoint{}
	if err := row.Scan(&ds, &id, &dp.Type, &dp.Version, &payload, &dp.Text, &created, &updated); err != nil {
		return nil, HandleSQLError(err)
	}
	var err error
	if dp.DatasetId, err = scanID(ds); err != nil {
		return nil, err
	}
	if dp.Id, err = scanID(id); err != nil {
		return nil, err
	}
	if dp.Payload, err = storage.UnmarshalPayload([]byte(payload)); err != nil {
		return nil, err
	}
	dp.CreatedAt = fromMicro(created)
	dp.UpdatedAt = fromMicro(updated)
	return dp, nil
}

var likeEscaper = strings.NewReplacer("%", "", "_", "")

// escapeLike drops LIKE wildcards from user input.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
