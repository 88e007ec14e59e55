package sqlstore

import (
	"context"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

// CreateUser adds a user with a unique email.
func (s *Store) CreateUser(ctx context.Context, email string) (*core.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, core.NewValidationError("email", "must not be empty")
	}
	u := &core.User{Id: core.NewID(), Email: email, CreatedAt: now()}
	err := s.caller.Do(ctx, "create_user", func(ctx context.Context) error {
		_, err := s.stbl.
			Insert("users").
			Columns("id", "email", "created_at").
			Values(u.Id.String(), u.Email, toMicro(u.CreatedAt)).
			ExecContext(ctx)
		return HandleSQLError(err)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id core.ID) (*core.User, error) {
	return s.getUser(ctx, sq.Eq{"id": id.String()})
}

// GetUserByEmail retrieves a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	return s.getUser(ctx, sq.Eq{"email": strings.TrimSpace(strings.ToLower(email))})
}

func (s *Store) getUser(ctx context.Context, where sq.Eq) (*core.User, error) {
	return storage.Call(ctx, s.caller, "get_user", func(ctx context.Context) (*core.User, error) {
		var id string
		var created int64
		u := &core.User{}
		err := s.stbl.
			Select("id", "email", "created_at").
			From("users").
			Where(where).
			QueryRowContext(ctx).
			Scan(&id, &u.Email, &created)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		if u.Id, err = scanID(id); err != nil {
			return nil, err
		}
		u.CreatedAt = fromMicro(created)
		return u, nil
	})
}

// CreateRole adds a role with a unique name.
func (s *Store) CreateRole(ctx context.Context, name string) (*core.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, core.NewValidationError("name", "must not be empty")
	}
	r := &core.Role{Id: core.NewID(), Name: name, CreatedAt: now()}
	err := s.caller.Do(ctx, "create_role", func(ctx context.Context) error {
		_, err := s.stbl.
			Insert("roles").
			Columns("id", "name", "created_at").
			Values(r.Id.String(), r.Name, toMicro(r.CreatedAt)).
			ExecContext(ctx)
		return HandleSQLError(err)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetRoleByName retrieves a role by name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*core.Role, error) {
	return storage.Call(ctx, s.caller, "get_role", func(ctx context.Context) (*core.Role, error) {
		var id string
		var created int64
		r := &core.Role{}
		err := s.stbl.
			Select("id", "name", "created_at").
			From("roles").
			Where(sq.Eq{"name": name}).
			QueryRowContext(ctx).
			Scan(&id, &r.Name, &created)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		if r.Id, err = scanID(id); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMicro(created)
		return r, nil
	})
}

// AddUserToRole makes the user a member of the role. Adding twice is a no-op.
func (s *Store) AddUserToRole(ctx context.Context, userID, roleID core.ID) error {
	return s.caller.Do(ctx, "add_user_to_role", func(ctx context.Context) error {
		_, err := s.stbl.
			Insert("user_roles").
			Columns("user_id", "role_id").
			Values(userID.String(), roleID.String()).
			Suffix("ON CONFLICT (user_id, role_id) DO NOTHING").
			ExecContext(ctx)
		return HandleSQLError(err)
	})
}

// RolesForUser returns the ids of every role the user holds.
func (s *Store) RolesForUser(ctx context.Context, userID core.ID) ([]core.ID, error) {
	return storage.Call(ctx, s.caller, "roles_for_user", func(ctx context.Context) ([]core.ID, error) {
		rows, err := s.stbl.
			Select("role_id").
			From("user_roles").
			Where(sq.Eq{"user_id": userID.String()}).
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
