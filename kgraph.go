// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kgraph assembles a knowledge graph system: a record store,
// per-dataset graph, vector and relational storage behind a permission gate,
// a pipeline executor, ingestion, retrieval and maintenance.
package kgraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/poiesic/kgraph/ai"
	"github.com/poiesic/kgraph/ai/openai"
	"github.com/poiesic/kgraph/config"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/ingestion"
	"github.com/poiesic/kgraph/permission"
	"github.com/poiesic/kgraph/pipeline"
	"github.com/poiesic/kgraph/reembed"
	"github.com/poiesic/kgraph/router"
	"github.com/poiesic/kgraph/search"
	"github.com/poiesic/kgraph/storage"
	"github.com/poiesic/kgraph/storage/neo4j"
	"github.com/poiesic/kgraph/storage/redis"
	"github.com/poiesic/kgraph/storage/sqlstore"
	"github.com/poiesic/kgraph/tasks"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoPendingData is returned by Cognify when every Data item of the
// dataset has already been processed.
var ErrNoPendingData = errors.New("kgraph: no pending data")

const closeTimeout = 30 * time.Second

// System is an open knowledge graph system. It is safe for concurrent use.
type System struct {
	cfg      *config.Config
	store    *sqlstore.Store
	gate     *permission.Gate
	router   *router.Router
	executor *pipeline.Executor
	ingester *ingestion.Ingester
	searcher *search.Searcher
	provider ai.Provider
	logger   *slog.Logger

	// Shared backends opened by Open and closed by Close.
	neo4jClient *neo4j.Client
	vector      storage.VectorAdapter
}

// Option configures Open.
type Option func(*options)

type options struct {
	provider   ai.Provider
	graph      storage.GraphAdapter
	vector     storage.VectorAdapter
	registerer prometheus.Registerer
	logger     *slog.Logger
}

// WithProvider sets the AI provider instead of the OpenAI-compatible one
// described by the configuration. The system closes it on Close.
func WithProvider(p ai.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithGraphAdapter shares one graph adapter across every dataset instead of
// the configured backend.
func WithGraphAdapter(a storage.GraphAdapter) Option {
	return func(o *options) {
		o.graph = a
	}
}

// WithVectorAdapter shares one vector adapter across every dataset instead
// of the configured backend. The system closes it on Close.
func WithVectorAdapter(a storage.VectorAdapter) Option {
	return func(o *options) {
		o.vector = a
	}
}

// WithRegisterer records pipeline and connection pool metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Open validates cfg and opens every component it describes. A nil cfg
// opens the default configuration.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*System, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Storage.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	s := &System{cfg: cfg, logger: o.logger.With("component", "kgraph")}
	if err := s.open(ctx, o); err != nil {
		s.Close()
		return nil, err
	}
	s.logger.Info("system opened",
		"root", cfg.Storage.Root,
		"record_store", cfg.RecordStore.Driver,
		"graph", cfg.Storage.Graph,
		"vector", cfg.Storage.Vector)
	return s, nil
}

func (s *System) open(ctx context.Context, o *options) error {
	cfg := s.cfg
	caller := func(backend string, transient func(error) bool) *storage.Caller {
		return storage.NewCaller(backend,
			storage.WithCallTimeout(cfg.Storage.CallTimeout),
			storage.WithCallAttempts(cfg.Storage.CallAttempts),
			storage.WithTransient(transient),
			storage.WithCallerLogger(o.logger))
	}

	var err error
	s.store, err = sqlstore.Open(ctx, sqlstore.Config{
		Driver:       cfg.RecordStore.Driver,
		DSN:          cfg.RecordStoreDSN(),
		MaxOpenConns: cfg.RecordStore.MaxOpenConns,
		Registerer:   o.registerer,
		Logger:       o.logger,
		Caller:       caller("sql", sqlstore.IsTransient),
	})
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	if s.gate, err = permission.NewGate(s.store, permission.WithLogger(o.logger)); err != nil {
		return err
	}

	graph := o.graph
	if graph == nil && cfg.Storage.Graph == config.GraphNeo4j {
		if s.neo4jClient, err = neo4j.NewClient(ctx, cfg.Storage.Neo4j, o.logger); err != nil {
			return err
		}
		if err := s.neo4jClient.EnsureSchema(ctx); err != nil {
			return err
		}
		graph = neo4j.NewGraphRepository(s.neo4jClient, caller("neo4j", neo4j.IsTransient))
	}
	s.vector = o.vector
	if s.vector == nil && cfg.Storage.Vector == config.VectorRedis {
		if s.vector, err = redis.NewVectorRepository(ctx, cfg.Storage.Redis, o.logger); err != nil {
			return err
		}
	}

	factory, err := router.NewFactory(router.FactoryConfig{
		Root:       cfg.GraphRoot(),
		InMemory:   cfg.Storage.InMemory,
		Relational: sqlstore.NewRelationalRepository(s.store),
		Graph:      graph,
		Vector:     s.vector,
		Caller:     caller("badger", storage.IsTransient),
		Logger:     o.logger,
	})
	if err != nil {
		return err
	}
	if s.router, err = router.New(s.gate, s.store, factory, router.WithLogger(o.logger)); err != nil {
		return err
	}

	execOpts := []pipeline.ExecutorOption{
		pipeline.WithMaxTaskRetries(cfg.Pipeline.MaxTaskRetries),
		pipeline.WithRetryBaseDelay(cfg.Pipeline.RetryBaseDelay),
		pipeline.WithLogger(o.logger),
	}
	if cfg.Pipeline.PoolSize > 0 {
		execOpts = append(execOpts, pipeline.WithPoolSize(cfg.Pipeline.PoolSize))
	}
	if o.registerer != nil {
		metrics, err := pipeline.NewMetrics(o.registerer)
		if err != nil {
			return err
		}
		execOpts = append(execOpts, pipeline.WithMetrics(metrics))
	}
	if s.executor, err = pipeline.NewExecutor(s.store, s.gate, execOpts...); err != nil {
		return err
	}

	s.provider = o.provider
	if s.provider == nil {
		if s.provider, err = openai.NewProvider(cfg.AI); err != nil {
			return fmt.Errorf("create ai provider: %w", err)
		}
	}

	content, err := ingestion.NewFileStore(cfg.ContentRoot())
	if err != nil {
		return err
	}
	ingestOpts := []ingestion.Option{ingestion.WithLogger(o.logger)}
	if cfg.Pipeline.IngestWorkers > 0 {
		ingestOpts = append(ingestOpts, ingestion.WithPoolSize(cfg.Pipeline.IngestWorkers))
	}
	if s.ingester, err = ingestion.NewIngester(s.store, s.gate, content, ingestOpts...); err != nil {
		return err
	}

	s.searcher, err = search.NewSearcher(s.router, s.gate, s.provider.Embedder(),
		search.WithMinScore(cfg.Search.MinScore),
		search.WithLogger(o.logger))
	return err
}

// Close stops active runs and releases every component. It is safe to call
// on a partially opened system.
func (s *System) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if s.executor != nil {
		if err := s.executor.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close executor: %w", err))
		}
	}
	if s.ingester != nil {
		s.ingester.Release()
	}
	if s.router != nil {
		if err := s.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close router: %w", err))
		}
	}
	if s.vector != nil {
		if err := s.vector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vector backend: %w", err))
		}
	}
	if s.neo4jClient != nil {
		if err := s.neo4jClient.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close graph backend: %w", err))
		}
	}
	if s.provider != nil {
		if err := s.provider.Close(); err != nil {
			s.logger.Error("error closing AI provider", "err", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close record store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Config returns the validated configuration.
func (s *System) Config() *config.Config { return s.cfg }

// Store returns the record store.
func (s *System) Store() *sqlstore.Store { return s.store }

// Gate returns the permission gate.
func (s *System) Gate() *permission.Gate { return s.gate }

// Router returns the storage router.
func (s *System) Router() *router.Router { return s.router }

// Executor returns the pipeline executor.
func (s *System) Executor() *pipeline.Executor { return s.executor }

// CreateUser registers a user.
func (s *System) CreateUser(ctx context.Context, email string) (*core.User, error) {
	return s.store.CreateUser(ctx, email)
}

// CreateRole registers a role that permissions can be granted to.
func (s *System) CreateRole(ctx context.Context, name string) (*core.Role, error) {
	return s.store.CreateRole(ctx, name)
}

// AddUserToRole makes the user a member of the role.
func (s *System) AddUserToRole(ctx context.Context, userID, roleID core.ID) error {
	return s.store.AddUserToRole(ctx, userID, roleID)
}

// CreateDataset creates a dataset owned by owner, who receives every
// permission on it.
func (s *System) CreateDataset(ctx context.Context, owner core.ID, name string) (*core.Dataset, error) {
	return s.store.CreateDataset(ctx, owner, name)
}

// ListDatasets returns the datasets user can read.
func (s *System) ListDatasets(ctx context.Context, user core.ID) ([]*core.Dataset, error) {
	ids, err := s.gate.AuthorizedDatasets(ctx, user, core.PermissionRead)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*core.Dataset{}, nil
	}
	return s.store.ListDatasets(ctx, ids)
}

// DatasetStatus returns the processing status of a dataset. Requires read.
func (s *System) DatasetStatus(ctx context.Context, user, datasetID core.ID) (core.DatasetStatus, error) {
	if err := s.gate.Require(ctx, user, datasetID, core.PermissionRead); err != nil {
		return "", err
	}
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return "", err
	}
	return ds.Status, nil
}

// DeleteDataset removes the dataset from every backend. Requires delete.
func (s *System) DeleteDataset(ctx context.Context, user, datasetID core.ID) error {
	return s.router.DeleteDataset(ctx, user, datasetID)
}

// Grant gives principal perm on the dataset. The granter needs share.
func (s *System) Grant(ctx context.Context, granter core.ID, principal permission.Principal, datasetID core.ID, perm core.Permission) error {
	return s.gate.Grant(ctx, granter, principal, datasetID, perm)
}

// Revoke removes a grant. The granter needs share.
func (s *System) Revoke(ctx context.Context, granter core.ID, principal permission.Principal, datasetID core.ID, perm core.Permission) error {
	return s.gate.Revoke(ctx, granter, principal, datasetID, perm)
}

// Add ingests items into the dataset as pending Data. Requires write.
func (s *System) Add(ctx context.Context, user, datasetID core.ID, items ...core.IngestItem) ([]*core.Data, error) {
	return s.ingester.Add(ctx, user, datasetID, items)
}

// CognifyTasks returns the configured task list that turns Data into a
// knowledge graph, wired to this system's content store, AI provider and
// router.
func (s *System) CognifyTasks() []pipeline.Task {
	return tasks.Cognify(tasks.Deps{
		Content:   s.ingester.Content(),
		Extractor: s.provider.GraphExtractor(),
		Embedder:  s.provider.Embedder(),
		Writer:    s.router,
	}, s.cfg.Tasks)
}

// Cognify runs the cognify tasks over the dataset's pending and failed Data
// and waits for the run. Processed items are marked processed; items of an
// aborted run are marked failed so the next call picks them up again.
// Submitting the same items with the same configuration again returns the
// earlier run. Requires write.
func (s *System) Cognify(ctx context.Context, user, datasetID core.ID) (*core.PipelineRun, error) {
	if err := s.gate.Require(ctx, user, datasetID, core.PermissionWrite); err != nil {
		return nil, err
	}
	data, err := s.store.ListData(ctx, datasetID, core.DataStatusPending, core.DataStatusFailed)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNoPendingData
	}
	ids := make([]core.ID, len(data))
	for i, d := range data {
		ids[i] = d.Id
	}

	run, runErr := s.executor.Run(ctx, pipeline.RunRequest{
		UserId:    user,
		DatasetId: datasetID,
		Tasks:     s.CognifyTasks(),
		Input:     pipeline.Items(data...),
		InputKey:  pipeline.InputKey(ids),
	})
	if run == nil {
		return nil, runErr
	}

	var status core.DataStatus
	switch run.Status {
	case core.RunStatusCompleted:
		status = core.DataStatusProcessed
	case core.RunStatusErrored:
		status = core.DataStatusFailed
	}
	if status != "" {
		if err := s.store.SetDataStatus(context.WithoutCancel(ctx), datasetID, ids, status); err != nil {
			return run, errors.Join(runErr, fmt.Errorf("update data status: %w", err))
		}
	}
	return run, runErr
}

// Run submits a custom pipeline and waits for it.
func (s *System) Run(ctx context.Context, req pipeline.RunRequest) (*core.PipelineRun, error) {
	return s.executor.Run(ctx, req)
}

// Submit starts a custom pipeline in the background.
func (s *System) Submit(ctx context.Context, req pipeline.RunRequest) (*pipeline.RunHandle, error) {
	return s.executor.Submit(ctx, req)
}

// GetRun returns a run of a dataset user can read. A run user cannot read
// is reported as storage.ErrNotFound, like a missing one.
func (s *System) GetRun(ctx context.Context, user, runID core.ID) (*core.PipelineRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ok, err := s.gate.Authorize(ctx, user, run.DatasetId, core.PermissionRead)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	return run, nil
}

// ListRuns returns the runs of a dataset, newest first. Requires read.
func (s *System) ListRuns(ctx context.Context, user, datasetID core.ID) ([]*core.PipelineRun, error) {
	if err := s.gate.Require(ctx, user, datasetID, core.PermissionRead); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, datasetID)
}

// Search answers q over the datasets user can read.
func (s *System) Search(ctx context.Context, user core.ID, q search.Query) ([]*search.Result, error) {
	return s.searcher.Search(ctx, user, q)
}

// Prune deletes data points and their edges from every backend. Requires
// delete.
func (s *System) Prune(ctx context.Context, user, datasetID core.ID, ids ...core.ID) error {
	return s.router.DeleteDataPoints(ctx, user, datasetID, ids)
}

// Reembed recomputes the vectors of the dataset with the current embedder,
// writing progress to progress when it is not nil. Requires read and write.
func (s *System) Reembed(ctx context.Context, user, datasetID core.ID, progress io.Writer) (int, error) {
	return reembed.NewReembedder(s.router, s.provider.Embedder(), s.cfg.Reembed, progress).Run(ctx, user, datasetID)
}
