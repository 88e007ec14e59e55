package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/kgraph/core"
)

// DataStore records Data items.
type DataStore interface {
	UpsertData(ctx context.Context, d *core.Data) error
	GetData(ctx context.Context, datasetID, id core.ID) (*core.Data, error)
}

// Authorizer checks that a user may write to a dataset.
type Authorizer interface {
	Require(ctx context.Context, subject, datasetID core.ID, perm core.Permission) error
}

// Ingester adds raw items to datasets.
type Ingester struct {
	store   DataStore
	gate    Authorizer
	content *FileStore
	pool    *ants.Pool
	logger  *slog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester) error

// WithPoolSize sets how many items are read and stored concurrently.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(in *Ingester) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if in.pool != nil {
			in.pool.Release()
		}
		in.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(in *Ingester) error {
		if logger == nil {
			logger = slog.Default()
		}
		in.logger = logger
		return nil
	}
}

// NewIngester creates an ingester storing content in content and Data rows
// in store.
func NewIngester(store DataStore, gate Authorizer, content *FileStore, opts ...Option) (*Ingester, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if gate == nil {
		return nil, ErrGateRequired
	}
	if content == nil {
		return nil, ErrContentStoreRequired
	}

	poolSize := max(runtime.NumCPU()/2, 1)
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	in := &Ingester{
		store:   store,
		gate:    gate,
		content: content,
		pool:    pool,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(in); err != nil {
			in.Release()
			return nil, err
		}
	}
	in.logger = in.logger.With("component", "ingestion")
	return in, nil
}

// Content returns the store holding raw content.
func (in *Ingester) Content() *FileStore {
	return in.content
}

// Add stores items in the dataset and returns their Data records in input
// order. Items are validated before anything is stored, and the user needs
// write permission on the dataset. Content already added by the same user
// keeps its record; a new label replaces the old one.
func (in *Ingester) Add(ctx context.Context, user, datasetID core.ID, items []core.IngestItem) ([]*core.Data, error) {
	if len(items) == 0 {
		return nil, core.NewValidationError("items", "must not be empty")
	}
	for i, item := range items {
		if err := core.ValidateIngestItem(item); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	if err := in.gate.Require(ctx, user, datasetID, core.PermissionWrite); err != nil {
		return nil, err
	}

	out := make([]*core.Data, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		err := in.pool.Submit(func() {
			defer wg.Done()
			out[i], errs[i] = in.add(ctx, user, datasetID, item)
		})
		if err != nil {
			wg.Done()
			errs[i] = fmt.Errorf("submit item %d: %w", i, err)
		}
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			errs[i] = fmt.Errorf("item %d: %w", i, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	in.logger.Info("data added", "dataset", datasetID, "items", len(out))
	return out, nil
}

func (in *Ingester) add(ctx context.Context, user, datasetID core.ID, item core.IngestItem) (*core.Data, error) {
	raw, err := readItem(item)
	if err != nil {
		return nil, err
	}
	location, err := in.content.Put(ctx, raw.hash, raw.content)
	if err != nil {
		return nil, err
	}

	d := &core.Data{
		Id:          core.DataIDFor(raw.hash, user),
		DatasetId:   datasetID,
		Label:       raw.label,
		ContentHash: raw.hash,
		Location:    location,
		MimeType:    raw.mimeType,
		Extension:   raw.extension,
		Size:        int64(len(raw.content)),
		Status:      core.DataStatusPending,
	}
	if err := in.store.UpsertData(ctx, d); err != nil {
		return nil, fmt.Errorf("record data: %w", err)
	}
	stored, err := in.store.GetData(ctx, datasetID, d.Id)
	if err != nil {
		return nil, fmt.Errorf("record data: %w", err)
	}
	in.logger.Debug("data recorded", "data", stored.Id, "bytes", stored.Size, "status", stored.Status)
	return stored, nil
}

// Release releases the worker pool. The ingester should not be used after
// calling Release.
func (in *Ingester) Release() {
	if in.pool != nil {
		in.pool.Release()
	}
}
