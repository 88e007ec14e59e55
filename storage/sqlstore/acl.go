package sqlstore

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

var aclColumns = []string{"id", "principal_id", "principal_type", "dataset_id", "permission", "created_at"}

func insertACE(ctx context.Context, stbl sq.StatementBuilderType, ace *core.AccessControlEntry) error {
	_, err := stbl.
		Insert("acl_entries").
		Columns(aclColumns...).
		Values(ace.Id.String(), ace.PrincipalId.String(), string(ace.PrincipalType), ace.DatasetId.String(), string(ace.Permission), toMicro(ace.CreatedAt)).
		Suffix("ON CONFLICT (principal_id, principal_type, dataset_id, permission) DO NOTHING").
		ExecContext(ctx)
	return HandleSQLError(err)
}

// GrantPermission records an access control entry. Granting an existing entry is a no-op.
func (s *Store) GrantPermission(ctx context.Context, principalID core.ID, principalType core.PrincipalType, datasetID core.ID, perm core.Permission) error {
	ace := &core.AccessControlEntry{
		Id:            core.NewID(),
		PrincipalId:   principalID,
		PrincipalType: principalType,
		DatasetId:     datasetID,
		Permission:    perm,
		CreatedAt:     now(),
	}
	return s.caller.Do(ctx, "grant_permission", func(ctx context.Context) error {
		return insertACE(ctx, s.stbl, ace)
	})
}

// RevokePermission removes an access control entry. Revoking a missing entry is a no-op.
func (s *Store) RevokePermission(ctx context.Context, principalID core.ID, principalType core.PrincipalType, datasetID core.ID, perm core.Permission) error {
	return s.caller.Do(ctx, "revoke_permission", func(ctx context.Context) error {
		_, err := s.stbl.
			Delete("acl_entries").
			Where(sq.Eq{
				"principal_id":   principalID.String(),
				"principal_type": string(principalType),
				"dataset_id":     datasetID.String(),
				"permission":     string(perm),
			}).
			ExecContext(ctx)
		return HandleSQLError(err)
	})
}

// principalMatch selects entries granted to the user directly or through any of its roles.
func principalMatch(userID core.ID) sq.Or {
	roles := sq.Select("role_id").From("user_roles").Where(sq.Eq{"user_id": userID.String()})
	roleSQL, roleArgs, _ := roles.ToSql()
	return sq.Or{
		sq.Eq{"principal_type": string(core.PrincipalUser), "principal_id": userID.String()},
		sq.And{
			sq.Eq{"principal_type": string(core.PrincipalRole)},
			sq.Expr("principal_id IN ("+roleSQL+")", roleArgs...),
		},
	}
}

// HasPermission reports whether the user holds perm on the dataset, directly
// or through a role.
func (s *Store) HasPermission(ctx context.Context, userID, datasetID core.ID, perm core.Permission) (bool, error) {
	return storage.Call(ctx, s.caller, "has_permission", func(ctx context.Context) (bool, error) {
		rows, err := s.stbl.
			Select("1").
			From("acl_entries").
			Where(sq.Eq{"dataset_id": datasetID.String(), "permission": string(perm)}).
			Where(principalMatch(userID)).
			Limit(1).
			QueryContext(ctx)
		if err != nil {
			return false, HandleSQLError(err)
		}
		defer rows.Close()
		found := rows.Next()
		return found, HandleSQLError(rows.Err())
	})
}

// DatasetsWithPermission returns the ids of every dataset on which the user holds perm.
func (s *Store) DatasetsWithPermission(ctx context.Context, userID core.ID, perm core.Permission) ([]core.ID, error) {
	return storage.Call(ctx, s.caller, "datasets_with_permission", func(ctx context.Context) ([]core.ID, error) {
		rows, err := s.stbl.
			Select("DISTINCT dataset_id").
			From("acl_entries").
			Where(sq.Eq{"permission": string(perm)}).
			Where(principalMatch(userID)).
			QueryContext(ctx)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		defer rows.Close()

		var ids []core.ID
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return nil, HandleSQLError(err)
			}
			id, err := scanID(raw)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, HandleSQLError(rows.Err())
	})
}

// ListACL returns every access control entry on the dataset.
func (s *Store) ListACL(ctx context.Context, datasetID core.ID) ([]*core.AccessControlEntry, error) {
	return storage.Call(ctx, s.caller, "list_acl", func(ctx context.Context) ([]*core.AccessControlEntry, error) {
		rows, err := s.stbl.
			Select(aclColumns...).
			From("acl_entries").
			Where(sq.Eq{"dataset_id": datasetID.String()}).
			OrderBy("created_at", "id").
			QueryContext(ctx)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		defer rows.Close()

		var out []*core.AccessControlEntry
		for rows.Next() {
			var id, principal, ptype, ds, perm string
			var created int64
			if err := rows.Scan(&id, &principal, &ptype, &ds, &perm, &created); err != nil {
				return nil, HandleSQLError(err)
			}
			ace := &core.AccessControlEntry{
				PrincipalType: core.PrincipalType(ptype),
				Permission:    core.Permission(perm),
				CreatedAt:     fromMicro(created),
			}
			if ace.Id, err = scanID(id); err != nil {
				return nil, err
			}
			if ace.PrincipalId, err = scanID(principal); err != nil {
				return nil, err
			}
			if ace.DatasetId, err = scanID(ds); err != nil {
				return nil, err
			}
			out = append(out, ace)
		}
		return out, HandleSQLError(rows.Err())
	})
}
