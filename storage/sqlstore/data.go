package sqlstore

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

var dataColumns = []string{
	"dataset_id", "id", "label", "content_hash", "location", "mime_type",
	"extension", "size", "status", "created_at", "updated_at",
}

// UpsertData records a raw data item. Re-adding an existing item only
// refreshes its label, and only when a new one is given; the content fields
// and status are immutable here.
func (s *Store) UpsertData(ctx context.Context, d *core.Data) error {
	ts := now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = ts
	}
	d.UpdatedAt = ts
	if d.Status == "" {
		d.Status = core.DataStatusPending
	}
	return s.caller.Do(ctx, "upsert_data", func(ctx context.Context) error {
		_, err := s.stbl.
			Insert("data").
			Columns(dataColumns...).
			Values(
				d.DatasetId.String(), d.Id.String(), d.Label, d.ContentHash, d.Location, d.MimeType,
				d.Extension, d.Size, string(d.Status), toMicro(d.CreatedAt), toMicro(d.UpdatedAt),
			).
			Suffix("ON CONFLICT (dataset_id, id) DO UPDATE SET " +
				"label = CASE WHEN excluded.label <> '' THEN excluded.label ELSE data.label END, " +
				"updated_at = excluded.updated_at").
			ExecContext(ctx)
		return HandleSQLError(err)
	})
}

// GetData retrieves a data item.
func (s *Store) GetData(ctx context.Context, datasetID, id core.ID) (*core.Data, error) {
	return storage.Call(ctx, s.caller, "get_data", func(ctx context.Context) (*core.Data, error) {
		row := s.stbl.
			Select(dataColumns...).
			From("data").
			Where(sq.Eq{"dataset_id": datasetID.String(), "id": id.String()}).
			QueryRowContext(ctx)
		return scanData(row)
	})
}

// ListData returns the data items of a dataset, optionally filtered by status.
func (s *Store) ListData(ctx context.Context, datasetID core.ID, statuses ...core.DataStatus) ([]*core.Data, error) {
	where := sq.Eq{"dataset_id": datasetID.String()}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		where["status"] = ss
	}
	return storage.Call(ctx, s.caller, "list_data", func(ctx context.Context) ([]*core.Data, error) {
		rows, err := s.stbl.
			Select(dataColumns...).
			From("data").
			Where(where).
			OrderBy("created_at", "id").
			QueryContext(ctx)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		defer rows.Close()

		var out []*core.Data
		for rows.Next() {
			d, err := scanData(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, HandleSQLError(rows.Err())
	})
}

// SetDataStatus updates the processing status of the given data items.
func (s *Store) SetDataStatus(ctx context.Context, datasetID core.ID, ids []core.ID, status core.DataStatus) error {
	if len(ids) == 0 {
		return nil
	}
	return s.caller.Do(ctx, "set_data_status", func(ctx context.Context) error {
		_, err := s.stbl.
			Update("data").
			Set("status", string(status)).
			Set("updated_at", toMicro(now())).
			Where(sq.Eq{"dataset_id": datasetID.String(), "id": idStrings(ids)}).
			ExecContext(ctx)
		return HandleSQLError(err)
	})
}

func scanData(row sq.RowScanner) (*core.Data, error) {
	var ds, id, status string
	var created, updated int64
	d := &core.Data{}
	err := row.Scan(&ds, &id, &d.Label, &d.ContentHash, &d.Location, &d.MimeType,
		&d.Extension, &d.Size, &status, &created, &updated)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	if d.DatasetId, err = scanID(ds); err != nil {
		return nil, err
	}
	if d.Id, err = scanID(id); err != nil {
		return nil, err
	}
	d.Status = core.DataStatus(status)
	d.CreatedAt = fromMicro(created)
	d.UpdatedAt = fromMicro(updated)
	return d, nil
}
