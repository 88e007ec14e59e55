// Package permission decides whether a user may act on a dataset. Access is
// granted only by explicit access control entries, held by the user directly
// or through one of its roles.
package permission

import (
	"context"
	"errors"
	"log/slog"

	"github.com/poiesic/kgraph/core"
)

var ErrStoreRequired = errors.New("permission: ACL store is required")

// ACLStore is the subset of the record store the gate reads and writes.
type ACLStore interface {
	HasPermission(ctx context.Context, userID, datasetID core.ID, perm core.Permission) (bool, error)
	DatasetsWithPermission(ctx context.Context, userID core.ID, perm core.Permission) ([]core.ID, error)
	GrantPermission(ctx context.Context, principalID core.ID, principalType core.PrincipalType, datasetID core.ID, perm core.Permission) error
	RevokePermission(ctx context.Context, principalID core.ID, principalType core.PrincipalType, datasetID core.ID, perm core.Permission) error
}

// Principal names the grantee of a permission.
type Principal struct {
	Id   core.ID
	Type core.PrincipalType
}

// User returns a user principal.
func User(id core.ID) Principal {
	return Principal{Id: id, Type: core.PrincipalUser}
}

// Role returns a role principal.
func Role(id core.ID) Principal {
	return Principal{Id: id, Type: core.PrincipalRole}
}

// Gate evaluates access control entries. It holds no state of its own.
type Gate struct {
	store  ACLStore
	logger *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate creates a gate over store.
func NewGate(store ACLStore, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	g := &Gate{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "permission")
	return g, nil
}

// Authorize reports whether subject holds perm on the dataset.
func (g *Gate) Authorize(ctx context.Context, subject, datasetID core.ID, perm core.Permission) (bool, error) {
	if err := core.ValidatePermission(perm); err != nil {
		return false, err
	}
	return g.store.HasPermission(ctx, subject, datasetID, perm)
}

// Require returns a PermissionDeniedError unless subject holds perm on the dataset.
func (g *Gate) Require(ctx context.Context, subject, datasetID core.ID, perm core.Permission) error {
	ok, err := g.Authorize(ctx, subject, datasetID, perm)
	if err != nil {
		return err
	}
	if !ok {
		g.logger.Debug("permission denied", "user", subject, "dataset", datasetID, "permission", perm)
		return &core.PermissionDeniedError{Subject: subject, DatasetId: datasetID, Permission: perm}
	}
	return nil
}

// AuthorizedDatasets returns the datasets on which subject holds perm.
func (g *Gate) AuthorizedDatasets(ctx context.Context, subject core.ID, perm core.Permission) ([]core.ID, error) {
	if err := core.ValidatePermission(perm); err != nil {
		return nil, err
	}
	return g.store.DatasetsWithPermission(ctx, subject, perm)
}

// Grant gives principal perm on the dataset. The granter must hold share.
func (g *Gate) Grant(ctx context.Context, granter core.ID, principal Principal, datasetID core.ID, perm core.Permission) error {
	if err := g.checkShare(ctx, granter, principal, datasetID, perm); err != nil {
		return err
	}
	if err := g.store.GrantPermission(ctx, principal.Id, principal.Type, datasetID, perm); err != nil {
		return err
	}
	g.logger.Info("permission granted", "granter", granter, "principal", principal.Id, "type", principal.Type, "dataset", datasetID, "permission", perm)
	return nil
}

// Revoke removes perm on the dataset from principal. The granter must hold share.
func (g *Gate) Revoke(ctx context.Context, granter core.ID, principal Principal, datasetID core.ID, perm core.Permission) error {
	if err := g.checkShare(ctx, granter, principal, datasetID, perm); err != nil {
		return err
	}
	if err := g.store.RevokePermission(ctx, principal.Id, principal.Type, datasetID, perm); err != nil {
		return err
	}
	g.logger.Info("permission revoked", "granter", granter, "principal", principal.Id, "type", principal.Type, "dataset", datasetID, "permission", perm)
	return nil
}

func (g *Gate) checkShare(ctx context.Context, granter core.ID, principal Principal, datasetID core.ID, perm core.Permission) error {
	if err := core.ValidatePermission(perm); err != nil {
		return err
	}
	if principal.Type != core.PrincipalUser && principal.Type != core.PrincipalRole {
		return core.NewValidationError("principal_type", "must be user or role")
	}
	if principal.Id == core.NilID {
		return core.NewValidationError("principal_id", "required")
	}
	return g.Require(ctx, granter, datasetID, core.PermissionShare)
}
