package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

// RunStore persists pipeline runs and dataset status.
type RunStore interface {
	CreateRun(ctx context.Context, run *core.PipelineRun) error
	GetRun(ctx context.Context, id core.ID) (*core.PipelineRun, error)
	FindCompletedRun(ctx context.Context, datasetID core.ID, runKey string) (*core.PipelineRun, error)
	TransitionRun(ctx context.Context, run *core.PipelineRun, from core.RunStatus) error
	SetDatasetStatus(ctx context.Context, id core.ID, status core.DatasetStatus) error
}

// Tracker is the only writer of run status. Transitions are checked in
// memory and applied to the store with a conditional update, so status never
// moves backwards.
type Tracker struct {
	store   RunStore
	metrics *Metrics
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewTracker creates a tracker over store. metrics may be nil.
func NewTracker(store RunStore, metrics *Metrics, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:   store,
		metrics: metrics,
		logger:  logger.With("component", "run_tracker"),
	}
}

// Create records run as pending.
func (t *Tracker) Create(ctx context.Context, run *core.PipelineRun) error {
	run.Status = core.RunStatusPending
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	t.logger.Debug("run created", "run", run.Id, "dataset", run.DatasetId, "tasks", run.TaskList())
	return nil
}

// Start moves run from pending to running.
func (t *Tracker) Start(ctx context.Context, run *core.PipelineRun) error {
	return t.transition(ctx, run, core.RunStatusRunning, func(next *core.PipelineRun) {
		next.StartedAt = time.Now().UTC()
	})
}

// Complete marks run completed with the number of items produced.
func (t *Tracker) Complete(ctx context.Context, run *core.PipelineRun, items int64) error {
	return t.transition(ctx, run, core.RunStatusCompleted, func(next *core.PipelineRun) {
		next.ItemsProduced = items
		next.EndedAt = time.Now().UTC()
	})
}

// Fail marks run errored and records the cause and its code.
func (t *Tracker) Fail(ctx context.Context, run *core.PipelineRun, items int64, cause error) error {
	return t.transition(ctx, run, core.RunStatusErrored, func(next *core.PipelineRun) {
		next.ItemsProduced = items
		next.Error = cause.Error()
		next.ErrorCode = core.Code(cause)
		next.EndedAt = time.Now().UTC()
	})
}

// Cancel marks run cancelled.
func (t *Tracker) Cancel(ctx context.Context, run *core.PipelineRun, items int64) error {
	return t.transition(ctx, run, core.RunStatusCancelled, func(next *core.PipelineRun) {
		next.ItemsProduced = items
		next.ErrorCode = core.CodeCancelled
		next.EndedAt = time.Now().UTC()
	})
}

func (t *Tracker) transition(ctx context.Context, run *core.PipelineRun, status core.RunStatus, apply func(*core.PipelineRun)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	from := run.Status
	if !from.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrStaleTransition, from, status)
	}
	next := *run
	next.Status = status
	apply(&next)
	if err := t.store.TransitionRun(ctx, &next, from); err != nil {
		return fmt.Errorf("run %s %s -> %s: %w", run.Id, from, status, err)
	}
	*run = next

	if status.IsTerminal() {
		t.metrics.observeRun(run)
	}
	t.logger.Debug("run transitioned", "run", run.Id, "from", from, "to", status)
	return nil
}
