package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
	"github.com/poiesic/kgraph/storage/badger"
)

var ErrRelationalRequired = errors.New("router: relational adapter is required")

// Binding is the set of adapters serving one dataset.
type Binding struct {
	// Handle is the owner-scoped handle. Router calls copy it and set the acting user.
	Handle     storage.Handle
	Graph      storage.GraphAdapter
	Vector     storage.VectorAdapter
	Relational storage.RelationalAdapter
	// Dedicated is set when the binding owns an embedded backend.
	Dedicated bool

	backend *badger.Backend
}

// BackendFactory resolves the adapters for a dataset and releases them when
// the binding is dropped.
type BackendFactory interface {
	Bind(ctx context.Context, ownerID, datasetID core.ID) (*Binding, error)
	// Release closes resources owned by b. When destroy is set, dedicated
	// storage is removed as well.
	Release(b *Binding, destroy bool) error
}

// FactoryConfig selects the backend of each family. A nil Graph or Vector
// adapter selects the embedded badger backend for that family, opened per
// (owner, dataset) under Root.
type FactoryConfig struct {
	Root       string
	InMemory   bool
	Relational storage.RelationalAdapter
	Graph      storage.GraphAdapter
	Vector     storage.VectorAdapter
	Caller     *storage.Caller
	Logger     *slog.Logger
}

// Factory is the configuration-driven BackendFactory.
type Factory struct {
	cfg    FactoryConfig
	logger *slog.Logger
}

var _ BackendFactory = (*Factory)(nil)

// NewFactory creates a factory from cfg.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Relational == nil {
		return nil, ErrRelationalRequired
	}
	if cfg.Root == "" && !cfg.InMemory && (cfg.Graph == nil || cfg.Vector == nil) {
		return nil, fmt.Errorf("router: storage root required for embedded backends")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger.With("component", "backend_factory")}, nil
}

// Bind opens the adapters for the dataset.
func (f *Factory) Bind(ctx context.Context, ownerID, datasetID core.ID) (*Binding, error) {
	b := &Binding{
		Handle:     storage.NewHandle(ownerID, ownerID, datasetID),
		Graph:      f.cfg.Graph,
		Vector:     f.cfg.Vector,
		Relational: f.cfg.Relational,
	}
	if b.Graph != nil && b.Vector != nil {
		return b, nil
	}

	path := ""
	if !f.cfg.InMemory {
		path = filepath.Join(f.cfg.Root, ownerID.String(), datasetID.String())
	}
	opts := []badger.BackendOption{badger.WithLogger(f.logger)}
	if f.cfg.Caller != nil {
		opts = append(opts, badger.WithCaller(f.cfg.Caller))
	}
	backend, err := badger.OpenBackend(path, f.cfg.InMemory, datasetID, opts...)
	if err != nil {
		return nil, fmt.Errorf("open dataset storage: %w", err)
	}
	if b.Graph == nil {
		if b.Graph, err = badger.NewGraphRepository(backend); err != nil {
			backend.Close()
			return nil, err
		}
	}
	if b.Vector == nil {
		if b.Vector, err = badger.NewVectorRepository(backend); err != nil {
			backend.Close()
			return nil, err
		}
	}
	b.Dedicated = true
	b.backend = backend
	f.logger.Debug("opened dedicated dataset storage", "owner", ownerID, "dataset", datasetID, "path", path)
	return b, nil
}

// Release closes the dedicated backend of b, if any. Shared adapters stay open.
func (f *Factory) Release(b *Binding, destroy bool) error {
	if b == nil || b.backend == nil {
		return nil
	}
	if destroy {
		return b.backend.Destroy()
	}
	return b.backend.Close()
}
