package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/kgraph/core"
)

// Seq is the lazy item sequence passed between tasks. A non-nil error ends
// the sequence.
type Seq = iter.Seq2[any, error]

// Task is one step of a pipeline.
type Task interface {
	// Name identifies the task in runs, logs and errors.
	Name() string

	// Deterministic reports whether the same input and config always produce
	// the same output. Runs containing a non-deterministic task are never
	// deduplicated.
	Deterministic() bool

	// Fingerprint is a stable signature of the task's name and config.
	Fingerprint() string

	// Validate checks the task config. Called at submission time.
	Validate() error

	// Run transforms in into the task's output sequence.
	Run(ctx context.Context, tc *TaskContext, in Seq) Seq
}

// TaskContext carries run-scoped information to a task.
type TaskContext struct {
	RunId     core.ID
	DatasetId core.ID
	UserId    core.ID
	Task      string
	Logger    *slog.Logger

	pool      *ants.Pool
	retry     retryPolicy
	cancelled func() bool
}

// Cancelled reports whether the run was asked to stop.
func (tc *TaskContext) Cancelled() bool {
	return tc.cancelled != nil && tc.cancelled()
}

// Option configures a task built by Map, FlatMap, Batch or Stream.
type Option func(*taskOptions)

type taskOptions struct {
	config           any
	retryable        func(error) bool
	nonDeterministic bool
	workers          int
}

// WithConfig attaches a typed config struct. It is validated with struct tags
// at submission time and is part of the task fingerprint.
func WithConfig(cfg any) Option {
	return func(o *taskOptions) {
		o.config = cfg
	}
}

// WithRetryable sets the classifier deciding which per-item errors are
// retried. Permission and validation errors are never retried.
func WithRetryable(fn func(error) bool) Option {
	return func(o *taskOptions) {
		o.retryable = fn
	}
}

// NonDeterministic marks the task as producing different output for the
// same input, which disables run deduplication.
func NonDeterministic() Option {
	return func(o *taskOptions) {
		o.nonDeterministic = true
	}
}

// WithWorkers processes up to n batches concurrently. Only Batch honors it.
func WithWorkers(n int) Option {
	return func(o *taskOptions) {
		o.workers = n
	}
}

// DefaultRetryable retries errors reported as backend unavailability.
func DefaultRetryable(err error) bool {
	return errors.Is(err, core.ErrBackendUnavailable)
}

type task struct {
	name string
	opts taskOptions
	run  func(ctx context.Context, tc *TaskContext, in Seq) Seq
}

func newTask(name string, opts []Option) *task {
	t := &task{name: name}
	t.opts.retryable = DefaultRetryable
	for _, opt := range opts {
		opt(&t.opts)
	}
	return t
}

func (t *task) Name() string {
	return t.name
}

func (t *task) Deterministic() bool {
	return !t.opts.nonDeterministic
}

func (t *task) Fingerprint() string {
	return Fingerprint(t.name, t.opts.config)
}

func (t *task) Validate() error {
	if t.name == "" {
		return core.NewValidationError("task", "name must not be empty")
	}
	return ValidateConfig(t.name, t.opts.config)
}

func (t *task) Run(ctx context.Context, tc *TaskContext, in Seq) Seq {
	return t.run(ctx, tc, in)
}

// Config returns the config attached with WithConfig.
func (t *task) Config() any {
	return t.opts.config
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateConfig validates cfg with its struct tags. A nil config is valid.
// Failures are reported as core.ValidationError values naming the task.
func ValidateConfig(taskName string, cfg any) error {
	if cfg == nil {
		return nil
	}
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return core.NewValidationError(taskName, "config must be a struct")
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return core.NewValidationError(taskName, err.Error())
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		reason := "failed " + fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		errs = append(errs, core.NewValidationError(taskName+"."+fe.Field(), reason))
	}
	return errors.Join(errs...)
}

// Fingerprint returns the stable signature of a task name and config.
func Fingerprint(name string, cfg any) string {
	var encoded []byte
	if cfg != nil {
		var err error
		if encoded, err = json.Marshal(cfg); err != nil {
			encoded = fmt.Appendf(nil, "%#v", cfg)
		}
	}
	return core.ContentHash(append([]byte(name+"\x00"), encoded...))
}

// cast asserts an input item to the task's input type.
func cast[T any](taskName string, v any) (T, error) {
	item, ok := v.(T)
	if !ok {
		var zero T
		return zero, core.NewValidationError(taskName, fmt.Sprintf("unexpected input %T, want %T", v, zero))
	}
	return item, nil
}

// Items returns a sequence over items.
func Items[T any](items ...T) Seq {
	return func(yield func(any, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Collect drains seq into a typed slice.
func Collect[T any](seq Seq) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		item, err := cast[T]("collect", v)
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}
