package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

// Backend wraps a BadgerDB instance dedicated to one dataset and provides
// low-level operations.
type Backend struct {
	db        *badger.DB
	path      string
	datasetID core.ID
	caller    *storage.Caller
	logger    *slog.Logger
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithLogger sets the logger used by the backend and by badger itself.
func WithLogger(logger *slog.Logger) BackendOption {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithCaller sets the caller used to bound and retry operations.
func WithCaller(caller *storage.Caller) BackendOption {
	return func(b *Backend) {
		b.caller = caller
	}
}

// OpenBackend opens a BadgerDB database for datasetID at the specified path.
// Creates the directory if it doesn't exist. An empty path with inMemory set
// opens a memory-only database.
func OpenBackend(filePath string, inMemory bool, datasetID core.ID, opts ...BackendOption) (*Backend, error) {
	b := &Backend{
		path:      filePath,
		datasetID: datasetID,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("backend", "badger", "dataset", datasetID)
	if b.caller == nil {
		b.caller = storage.NewCaller("badger", storage.WithCallerLogger(b.logger))
	}

	var bopts badger.Options
	if inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		info, err := os.Stat(filePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			if err := os.MkdirAll(filePath, 0755); err != nil {
				return nil, err
			}
			info, err = os.Stat(filePath)
			if err != nil {
				return nil, err
			}
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", filePath)
		}
		bopts = badger.DefaultOptions(filePath)
	}

	bopts.Logger = &badgerLoggerAdapter{logger: b.logger}
	bopts.Compression = options.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	b.db = db
	return b, nil
}

// Close closes the BadgerDB database.
func (b *Backend) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	return b.db.Close()
}

// IsClosed returns true if the database is closed.
func (b *Backend) IsClosed() bool {
	return b.db.IsClosed()
}

// Path returns the on-disk directory, empty for in-memory databases.
func (b *Backend) Path() string {
	return b.path
}

// WithTx executes a function within a BadgerDB transaction.
// If isWrite is true, creates a read-write transaction.
// The transaction is automatically discarded if fn returns an error.
func (b *Backend) WithTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	if b.db.IsClosed() {
		return storage.ErrStorageClosed
	}
	tx := b.db.NewTransaction(isWrite)
	defer tx.Discard()
	return fn(tx)
}

// update runs fn in a committed write transaction through the caller.
// Conflicts between concurrent writers are retried.
func (b *Backend) update(ctx context.Context, op string, fn func(tx *badger.Txn) error) error {
	return b.caller.Do(ctx, op, func(ctx context.Context) error {
		return b.WithTx(func(tx *badger.Txn) error {
			if err := fn(tx); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				if errors.Is(err, badger.ErrConflict) {
					return fmt.Errorf("%w: %w", storage.ErrTransient, err)
				}
				return fmt.Errorf("%w: %w", storage.ErrTransactionFailed, err)
			}
			return nil
		}, true)
	})
}

// view runs fn in a read-only transaction through the caller.
func (b *Backend) view(ctx context.Context, op string, fn func(tx *badger.Txn) error) error {
	return b.caller.Do(ctx, op, func(ctx context.Context) error {
		return b.WithTx(fn, false)
	})
}

// checkHandle rejects handles for a different dataset.
func (b *Backend) checkHandle(h storage.Handle) error {
	if h.DatasetId != b.datasetID {
		return fmt.Errorf("%w: handle for dataset %s used on backend for %s", storage.ErrInvalidQuery, h.DatasetId, b.datasetID)
	}
	return nil
}

// dropPrefix deletes every key with the given prefix.
func (b *Backend) dropPrefix(prefix string) error {
	if b.db.IsClosed() {
		return storage.ErrStorageClosed
	}
	return b.db.DropPrefix([]byte(prefix))
}

// Destroy closes the database and removes its directory.
func (b *Backend) Destroy() error {
	if err := b.Close(); err != nil {
		return err
	}
	if b.path == "" {
		return nil
	}
	return os.RemoveAll(b.path)
}

// readValue reads the value at key. Returns nil data when the key is absent.
func readValue(tx *badger.Txn, key []byte) ([]byte, error) {
	item, err := tx.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}
