// Package router directs DataPoint and Edge operations to the graph, vector
// and relational adapters bound to a dataset. Every call is checked by the
// permission gate first, and cross-backend writes are compensated when a
// later backend fails.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
	"golang.org/x/sync/singleflight"
)

var (
	ErrGateRequired     = errors.New("router: permission gate is required")
	ErrDatasetsRequired = errors.New("router: dataset store is required")
	ErrFactoryRequired  = errors.New("router: backend factory is required")
	ErrRouterClosed     = errors.New("router: closed")
)

// Backend names used in partial write reports.
const (
	BackendRelational = "relational"
	BackendGraph      = "graph"
	BackendVector     = "vector"
)

// Authorizer is the permission check the router relies on.
type Authorizer interface {
	Authorize(ctx context.Context, subject, datasetID core.ID, perm core.Permission) (bool, error)
	Require(ctx context.Context, subject, datasetID core.ID, perm core.Permission) error
}

// DatasetStore resolves dataset ownership and removes dataset records.
type DatasetStore interface {
	GetDataset(ctx context.Context, id core.ID) (*core.Dataset, error)
	DeleteDataset(ctx context.Context, id core.ID) error
}

// Router is safe for concurrent use.
type Router struct {
	gate     Authorizer
	datasets DatasetStore
	factory  BackendFactory
	logger   *slog.Logger

	mu       sync.RWMutex
	bindings map[core.ID]*Binding
	closed   bool
	group    singleflight.Group
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// New creates a router.
func New(gate Authorizer, datasets DatasetStore, factory BackendFactory, opts ...Option) (*Router, error) {
	if gate == nil {
		return nil, ErrGateRequired
	}
	if datasets == nil {
		return nil, ErrDatasetsRequired
	}
	if factory == nil {
		return nil, ErrFactoryRequired
	}
	r := &Router{
		gate:     gate,
		datasets: datasets,
		factory:  factory,
		logger:   slog.Default(),
		bindings: make(map[core.ID]*Binding),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r, nil
}

// Close releases every binding. Dedicated storage is closed, not removed.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for id, b := range r.bindings {
		if err := r.factory.Release(b, false); err != nil {
			errs = append(errs, err)
		}
		delete(r.bindings, id)
	}
	return errors.Join(errs...)
}

// resolve returns the binding of the dataset and a handle for user. A
// dataset's binding is keyed by its owner, so every authorized user shares
// the same adapters. Concurrent first lookups open the binding once.
func (r *Router) resolve(ctx context.Context, user, datasetID core.ID) (*Binding, storage.Handle, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, storage.Handle{}, ErrRouterClosed
	}
	b, ok := r.bindings[datasetID]
	r.mu.RUnlock()

	if !ok {
		v, err, _ := r.group.Do(datasetID.String(), func() (any, error) {
			r.mu.RLock()
			cached, ok := r.bindings[datasetID]
			r.mu.RUnlock()
			if ok {
				return cached, nil
			}

			ds, err := r.datasets.GetDataset(ctx, datasetID)
			if err != nil {
				return nil, err
			}
			bound, err := r.factory.Bind(ctx, ds.OwnerId, ds.Id)
			if err != nil {
				return nil, err
			}

			r.mu.Lock()
			defer r.mu.Unlock()
			if r.closed {
				_ = r.factory.Release(bound, false)
				return nil, ErrRouterClosed
			}
			r.bindings[datasetID] = bound
			return bound, nil
		})
		if err != nil {
			return nil, storage.Handle{}, err
		}
		b = v.(*Binding)
	}

	h := b.Handle
	h.UserId = user
	return b, h, nil
}

// invalidate drops the cached binding of the dataset and releases it.
func (r *Router) invalidate(datasetID core.ID, destroy bool) error {
	r.mu.Lock()
	b, ok := r.bindings[datasetID]
	delete(r.bindings, datasetID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.factory.Release(b, destroy)
}

// Binding returns the binding of the dataset for a user holding perm.
func (r *Router) Binding(ctx context.Context, user, datasetID core.ID, perm core.Permission) (*Binding, storage.Handle, error) {
	if err := r.gate.Require(ctx, user, datasetID, perm); err != nil {
		return nil, storage.Handle{}, err
	}
	return r.resolve(ctx, user, datasetID)
}

// DeleteDataset clears every family for the dataset, removes the dataset
// record and drops its binding. Requires delete.
func (r *Router) DeleteDataset(ctx context.Context, user, datasetID core.ID) error {
	b, h, err := r.Binding(ctx, user, datasetID, core.PermissionDelete)
	if err != nil {
		return err
	}
	if err := b.Vector.DeleteDataset(ctx, h); err != nil {
		return err
	}
	if err := b.Graph.DeleteDataset(ctx, h); err != nil {
		return err
	}
	if err := b.Relational.DeleteDataset(ctx, h); err != nil {
		return err
	}
	if err := r.datasets.DeleteDataset(ctx, datasetID); err != nil {
		return err
	}
	if err := r.invalidate(datasetID, true); err != nil {
		r.logger.Warn("failed to remove dataset storage", "dataset", datasetID, "error", err)
	}
	r.logger.Info("dataset deleted", "dataset", datasetID, "user", user)
	return nil
}
