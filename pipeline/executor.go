package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

// Authorizer is the permission check required before a run starts.
type Authorizer interface {
	Require(ctx context.Context, subject, datasetID core.ID, perm core.Permission) error
}

// RunRequest describes a pipeline submission.
type RunRequest struct {
	UserId    core.ID
	DatasetId core.ID
	Tasks     []Task
	// Input feeds the first task. A nil Input starts the first task with an
	// empty sequence.
	Input Seq
	// InputKey is a stable signature of Input used in the run key. When Input
	// is set and InputKey is empty the run is not deduplicated.
	InputKey string
}

// Executor runs pipelines. It is safe for concurrent use; runs on different
// datasets proceed independently.
type Executor struct {
	store   RunStore
	gate    Authorizer
	tracker *Tracker
	metrics *Metrics
	pool    *ants.Pool
	retry   retryPolicy
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*reservation
	active   map[core.ID]*RunHandle
	closed   bool
	wg       sync.WaitGroup
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor) error

// WithPoolSize sets the size of the worker pool shared by Batch tasks.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) ExecutorOption {
	return func(e *Executor) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if e.pool != nil {
			e.pool.Release()
		}
		e.pool = pool
		return nil
	}
}

// WithMaxTaskRetries sets how often a failed item or batch is retried.
func WithMaxTaskRetries(n int) ExecutorOption {
	return func(e *Executor) error {
		if n < 0 {
			n = 0
		}
		e.retry.maxRetries = n
		return nil
	}
}

// WithRetryBaseDelay sets the initial retry backoff.
func WithRetryBaseDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) error {
		e.retry.baseDelay = d
		return nil
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) error {
		e.metrics = m
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) error {
		if logger == nil {
			logger = slog.Default()
		}
		e.logger = logger
		return nil
	}
}

// NewExecutor creates an executor recording runs in store.
func NewExecutor(store RunStore, gate Authorizer, opts ...ExecutorOption) (*Executor, error) {
	if store == nil {
		return nil, ErrRunStoreRequired
	}
	if gate == nil {
		return nil, ErrGateRequired
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	e := &Executor{
		store:    store,
		gate:     gate,
		pool:     pool,
		retry:    retryPolicy{maxRetries: DefaultMaxTaskRetries, baseDelay: DefaultRetryBaseDelay},
		logger:   slog.Default(),
		inflight: make(map[string]*reservation),
		active:   make(map[core.ID]*RunHandle),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			e.pool.Release()
			return nil, err
		}
	}
	e.logger = e.logger.With("component", "executor")
	e.tracker = NewTracker(store, e.metrics, e.logger)
	return e, nil
}

// Close cancels active runs, waits for them to stop and releases the pool.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, h := range e.active {
		h.Cancel()
	}
	e.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.pool.Release()
	return nil
}

// Tracker returns the executor's run tracker.
func (e *Executor) Tracker() *Tracker {
	return e.tracker
}

// Active returns the handle of a run executing in this process.
func (e *Executor) Active(id core.ID) (*RunHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.active[id]
	return h, ok
}

// Submit validates req, checks write permission and starts the run in the
// background. A resubmission whose run key matches a completed run returns a
// handle to that run without executing anything; one matching a run in
// flight returns that run's handle.
func (e *Executor) Submit(ctx context.Context, req RunRequest) (*RunHandle, error) {
	if len(req.Tasks) == 0 {
		return nil, core.NewValidationError("tasks", "must not be empty")
	}
	names := make([]string, len(req.Tasks))
	for i, t := range req.Tasks {
		if t == nil {
			return nil, core.NewValidationError("tasks", fmt.Sprintf("task %d is nil", i))
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		names[i] = t.Name()
	}
	if err := e.gate.Require(ctx, req.UserId, req.DatasetId, core.PermissionWrite); err != nil {
		return nil, err
	}

	key := ""
	if req.Input == nil || req.InputKey != "" {
		key = RunKey(req.DatasetId, req.Tasks, req.InputKey)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrExecutorClosed
	}
	var r *reservation
	if key != "" {
		if prior, ok := e.inflight[key]; ok {
			e.mu.Unlock()
			return e.joinInflight(ctx, prior, req.DatasetId)
		}
		r = &reservation{ready: make(chan struct{})}
		e.inflight[key] = r
	}
	e.wg.Add(1)
	e.mu.Unlock()

	// Store calls run outside e.mu so a slow lookup on one dataset does not
	// hold up submissions on others. The reservation makes concurrent
	// submissions of the same key wait for this one.
	if key != "" {
		done, err := e.store.FindCompletedRun(ctx, req.DatasetId, key)
		switch {
		case err == nil:
			e.metrics.observeDedup()
			e.logger.Info("run already completed", "run", done.Id, "dataset", req.DatasetId)
			h := completedHandle(done, e.store)
			e.release(key, r, h, nil)
			return h, nil
		case !errors.Is(err, storage.ErrNotFound):
			e.release(key, r, nil, err)
			return nil, err
		}
	}

	run := &core.PipelineRun{
		Id:        core.NewID(),
		DatasetId: req.DatasetId,
		UserId:    req.UserId,
		RunKey:    key,
		Tasks:     names,
	}
	if err := e.tracker.Create(ctx, run); err != nil {
		e.release(key, r, nil, err)
		return nil, err
	}

	h := newHandle(run, e.store)
	e.mu.Lock()
	if e.closed {
		h.Cancel()
	}
	e.active[run.Id] = h
	if r != nil {
		r.h = h
		close(r.ready)
	}
	e.mu.Unlock()

	go e.execute(context.WithoutCancel(ctx), h, run, req)
	return h, nil
}

// reservation claims a run key while Submit looks up and creates the run.
// ready is closed once h or err is set.
type reservation struct {
	ready chan struct{}
	h     *RunHandle
	err   error
}

// joinInflight waits for the submission holding the same run key and returns
// its handle.
func (e *Executor) joinInflight(ctx context.Context, r *reservation, datasetID core.ID) (*RunHandle, error) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	e.metrics.observeDedup()
	e.logger.Info("run already in flight", "run", r.h.ID(), "dataset", datasetID)
	return r.h, nil
}

// release ends a submission that did not start a run.
func (e *Executor) release(key string, r *reservation, h *RunHandle, err error) {
	e.mu.Lock()
	if r != nil {
		if e.inflight[key] == r {
			delete(e.inflight, key)
		}
		r.h, r.err = h, err
		close(r.ready)
	}
	e.mu.Unlock()
	e.wg.Done()
}

// Run submits req and waits for the result. If ctx ends first the run is
// cancelled and its final state is returned.
func (e *Executor) Run(ctx context.Context, req RunRequest) (*core.PipelineRun, error) {
	h, err := e.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	run, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		h.Cancel()
		return h.Wait(context.WithoutCancel(ctx))
	}
	return run, err
}

func (e *Executor) execute(ctx context.Context, h *RunHandle, run *core.PipelineRun, req RunRequest) {
	defer e.wg.Done()
	logger := e.logger.With("run", run.Id, "dataset", run.DatasetId)

	var (
		items  int64
		result error
	)
	defer func() {
		e.mu.Lock()
		if r, ok := e.inflight[run.RunKey]; ok && r.h == h {
			delete(e.inflight, run.RunKey)
		}
		delete(e.active, run.Id)
		e.mu.Unlock()
		h.finish(run, result)
	}()

	if h.cancelled.Load() {
		if err := e.tracker.Cancel(ctx, run, 0); err != nil {
			logger.Error("failed to record cancellation", "error", err)
		}
		result = ErrRunCancelled
		return
	}
	if err := e.tracker.Start(ctx, run); err != nil {
		logger.Error("failed to start run", "error", err)
		if ferr := e.tracker.Fail(ctx, run, 0, err); ferr != nil {
			logger.Error("failed to record run failure", "error", ferr)
		}
		result = err
		return
	}
	e.setDatasetStatus(ctx, run.DatasetId, core.DatasetStatusProcessing, logger)
	logger.Info("run started", "tasks", run.TaskList())

	seq := req.Input
	if seq == nil {
		seq = Items[any]()
	}
	for _, t := range req.Tasks {
		tc := &TaskContext{
			RunId:     run.Id,
			DatasetId: run.DatasetId,
			UserId:    run.UserId,
			Task:      t.Name(),
			Logger:    logger.With("task", t.Name()),
			pool:      e.pool,
			retry:     e.retry,
			cancelled: h.cancelled.Load,
		}
		seq = e.instrument(t.Name(), t.Run(ctx, tc, seq))
	}

	items, runErr := drain(seq)

	switch {
	case errors.Is(runErr, ErrRunCancelled):
		if err := e.tracker.Cancel(ctx, run, items); err != nil {
			logger.Error("failed to record cancellation", "error", err)
		}
		e.setDatasetStatus(ctx, run.DatasetId, core.DatasetStatusReady, logger)
		logger.Info("run cancelled", "items", items)
		result = ErrRunCancelled

	case runErr != nil:
		aborted := &core.PipelineAbortedError{RunId: run.Id, Err: runErr}
		var te *taskError
		if errors.As(runErr, &te) {
			aborted.Task = te.task
			aborted.Err = te.err
		}
		e.metrics.observeFailure(aborted.Task, aborted.Err)
		if err := e.tracker.Fail(ctx, run, items, aborted); err != nil {
			logger.Error("failed to record run failure", "error", err)
		}
		e.setDatasetStatus(ctx, run.DatasetId, core.DatasetStatusError, logger)
		logger.Error("run aborted", "task", aborted.Task, "code", core.Code(aborted), "error", aborted.Err)
		result = aborted

	default:
		if err := e.tracker.Complete(ctx, run, items); err != nil {
			logger.Error("failed to record completion", "error", err)
			result = err
			return
		}
		e.setDatasetStatus(ctx, run.DatasetId, core.DatasetStatusReady, logger)
		logger.Info("run completed", "items", items, "elapsed", run.EndedAt.Sub(run.StartedAt))
	}
}

func (e *Executor) setDatasetStatus(ctx context.Context, id core.ID, status core.DatasetStatus, logger *slog.Logger) {
	if err := e.store.SetDatasetStatus(ctx, id, status); err != nil {
		logger.Warn("failed to update dataset status", "status", status, "error", err)
	}
}

// instrument counts a task's output and tags its errors with the task name.
func (e *Executor) instrument(name string, seq Seq) Seq {
	return func(yield func(any, error) bool) {
		for v, err := range seq {
			if err != nil {
				var te *taskError
				if !errors.As(err, &te) && !errors.Is(err, ErrRunCancelled) {
					err = &taskError{task: name, err: err}
				}
				yield(nil, err)
				return
			}
			e.metrics.observeItem(name)
			if !yield(v, nil) {
				return
			}
		}
	}
}

// drain consumes seq and counts its items. A panicking task ends the run
// with an error.
func drain(seq Seq) (items int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	for _, err := range seq {
		if err != nil {
			return items, err
		}
		items++
	}
	return items, nil
}

// taskError records which task produced an error.
type taskError struct {
	task string
	err  error
}

func (e *taskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.task, e.err)
}

func (e *taskError) Unwrap() error {
	return e.err
}

// RunHandle follows one run.
type RunHandle struct {
	id           core.ID
	store        RunStore
	done         chan struct{}
	cancelled    atomic.Bool
	deduplicated bool

	mu  sync.Mutex
	run core.PipelineRun
	err error
}

func newHandle(run *core.PipelineRun, store RunStore) *RunHandle {
	return &RunHandle{
		id:    run.Id,
		store: store,
		done:  make(chan struct{}),
		run:   *run,
	}
}

func completedHandle(run *core.PipelineRun, store RunStore) *RunHandle {
	h := newHandle(run, store)
	h.deduplicated = true
	close(h.done)
	return h
}

func (h *RunHandle) finish(run *core.PipelineRun, err error) {
	h.mu.Lock()
	h.run = *run
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// ID returns the run id.
func (h *RunHandle) ID() core.ID {
	return h.id
}

// Deduplicated reports whether the handle refers to an earlier completed run.
func (h *RunHandle) Deduplicated() bool {
	return h.deduplicated
}

// Done is closed when the run reaches a terminal state.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Cancel asks the run to stop. The flag is checked between items, batches
// and tasks; backend calls already in flight complete.
func (h *RunHandle) Cancel() {
	h.cancelled.Store(true)
}

// Wait blocks until the run ends or ctx is done. An errored run reports a
// *core.PipelineAbortedError; a cancelled run reports ErrRunCancelled.
func (h *RunHandle) Wait(ctx context.Context) (*core.PipelineRun, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	run := h.run
	return &run, h.err
}

// Status returns the run's stored status.
func (h *RunHandle) Status(ctx context.Context) (core.RunStatus, error) {
	run, err := h.store.GetRun(ctx, h.id)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}
