package tasks

import (
	"context"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/pipeline"
)

// Writer persists data points and edges for a user. The storage router
// implements it.
type Writer interface {
	UpsertDataPoints(ctx context.Context, user, datasetID core.ID, dps []*core.DataPoint) error
	UpsertEdges(ctx context.Context, user, datasetID core.ID, edges []*core.Edge) error
}

// PersistConfig configures the persist task.
type PersistConfig struct {
	BatchSize int `json:"-" yaml:"batch_size" validate:"min=1,max=10000"`
}

// DefaultPersistConfig returns the persist settings used when none are configured.
func DefaultPersistConfig() PersistConfig {
	return PersistConfig{BatchSize: 32}
}

// Persist builds the "persist" task. Each batch of Knowledge is written as
// one data point upsert followed by one edge upsert, so edges find their
// endpoints. Items are passed through unchanged.
func Persist(w Writer, cfg PersistConfig) pipeline.Task {
	task := pipeline.Batch("persist", cfg.BatchSize, func(ctx context.Context, tc *pipeline.TaskContext, batch []*Knowledge) ([]*Knowledge, error) {
		k := Merge(batch)
		if err := w.UpsertDataPoints(ctx, tc.UserId, tc.DatasetId, k.Points); err != nil {
			return nil, err
		}
		if err := w.UpsertEdges(ctx, tc.UserId, tc.DatasetId, k.Edges); err != nil {
			return nil, err
		}
		tc.Logger.Debug("knowledge persisted", "points", len(k.Points), "edges", len(k.Edges))
		return batch, nil
	}, pipeline.WithConfig(cfg))
	return requireDeps(task, w != nil, "writer")
}
