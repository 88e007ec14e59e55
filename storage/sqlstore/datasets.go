package sqlstore

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

var datasetColumns = []string{"id", "owner_id", "name", "status", "created_at", "updated_at"}

// CreateDataset adds a dataset owned by ownerID and, in the same
// transaction, grants the owner every permission on it.
func (s *Store) CreateDataset(ctx context.Context, ownerID core.ID, name string) (*core.Dataset, error) {
	if err := core.ValidateDatasetName(name); err != nil {
		return nil, err
	}
	ts := now()
	ds := &core.Dataset{
		Id:        core.NewID(),
		OwnerId:   ownerID,
		Name:      name,
		Status:    core.DatasetStatusCreated,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	err := s.caller.Do(ctx, "create_dataset", func(ctx context.Context) error {
		return s.withTx(ctx, func(_ *sql.Tx, stbl sq.StatementBuilderType) error {
			_, err := stbl.
				Insert("datasets").
				Columns(datasetColumns...).
				Values(ds.Id.String(), ds.OwnerId.String(), ds.Name, string(ds.Status), toMicro(ts), toMicro(ts)).
				ExecContext(ctx)
			if err != nil {
				return HandleSQLError(err)
			}
			for _, perm := range core.AllPermissions {
				ace := &core.AccessControlEntry{
					Id:            core.NewID(),
					PrincipalId:   ownerID,
					PrincipalType: core.PrincipalUser,
					DatasetId:     ds.Id,
					Permission:    perm,
					CreatedAt:     ts,
				}
				if err := insertACE(ctx, stbl, ace); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// GetDataset retrieves a dataset by id.
func (s *Store) GetDataset(ctx context.Context, id core.ID) (*core.Dataset, error) {
	return s.getDataset(ctx, sq.Eq{"id": id.String()})
}

// GetDatasetByName retrieves a dataset by owner and name.
func (s *Store) GetDatasetByName(ctx context.Context, ownerID core.ID, name string) (*core.Dataset, error) {
	return s.getDataset(ctx, sq.Eq{"owner_id": ownerID.String(), "name": name})
}

func (s *Store) getDataset(ctx context.Context, where sq.Eq) (*core.Dataset, error) {
	return storage.Call(ctx, s.caller, "get_dataset", func(ctx context.Context) (*core.Dataset, error) {
		row := s.stbl.
			Select(datasetColumns...).
			From("datasets").
			Where(where).
			QueryRowContext(ctx)
		return scanDataset(row)
	})
}

// ListDatasets returns the datasets with the given ids, ordered by name.
func (s *Store) ListDatasets(ctx context.Context, ids []core.ID) ([]*core.Dataset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.listDatasets(ctx, sq.Eq{"id": idStrings(ids)})
}

// ListOwnedDatasets returns the datasets owned by ownerID, ordered by name.
func (s *Store) ListOwnedDatasets(ctx context.Context, ownerID core.ID) ([]*core.Dataset, error) {
	return s.listDatasets(ctx, sq.Eq{"owner_id": ownerID.String()})
}

func (s *Store) listDatasets(ctx context.Context, where sq.Eq) ([]*core.Dataset, error) {
	return storage.Call(ctx, s.caller, "list_datasets", func(ctx context.Context) ([]*core.Dataset, error) {
		rows, err := s.stbl.
			Select(datasetColumns...).
			From("datasets").
			Where(where).
			OrderBy("name", "id").
			QueryContext(ctx)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		defer rows.Close()

		var out []*core.Dataset
		for rows.Next() {
			ds, err := scanDataset(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, ds)
		}
		return out, HandleSQLError(rows.Err())
	})
}

// SetDatasetStatus updates the lifecycle status of a dataset.
func (s *Store) SetDatasetStatus(ctx context.Context, id core.ID, status core.DatasetStatus) error {
	return s.caller.Do(ctx, "set_dataset_status", func(ctx context.Context) error {
		res, err := s.stbl.
			Update("datasets").
			Set("status", string(status)).
			Set("updated_at", toMicro(now())).
			Where(sq.Eq{"id": id.String()}).
			ExecContext(ctx)
		if err != nil {
			return HandleSQLError(err)
		}
		return requireRow(res)
	})
}

// DeleteDataset removes a dataset. Data, runs, access entries, data points
// and edges are removed with it.
func (s *Store) DeleteDataset(ctx context.Context, id core.ID) error {
	return s.caller.Do(ctx, "delete_dataset", func(ctx context.Context) error {
		_, err := s.stbl.
			Delete("datasets").
			Where(sq.Eq{"id": id.String()}).
			ExecContext(ctx)
		return HandleSQLError(err)
	})
}

func scanDataset(row sq.RowScanner) (*core.Dataset, error) {
	var id, owner, status string
	var created, updated int64
	ds := &core.Dataset{}
	if err := row.Scan(&id, &owner, &ds.Name, &status, &created, &updated); err != nil {
		return nil, HandleSQLError(err)
	}
	var err error
	if ds.Id, err = scanID(id); err != nil {
		return nil, err
	}
	if ds.OwnerId, err = scanID(owner); err != nil {
		return nil, err
	}
	ds.Status = core.DatasetStatus(status)
	ds.CreatedAt = fromMicro(created)
	ds.UpdatedAt = fromMicro(updated)
	return ds, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return HandleSQLError(err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
