package pipeline

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// Map builds a task producing one output per input item. Each call of fn is
// retried on its own.
func Map[In, Out any](name string, fn func(ctx context.Context, tc *TaskContext, in In) (Out, error), opts ...Option) Task {
	t := newTask(name, opts)
	t.run = func(ctx context.Context, tc *TaskContext, in Seq) Seq {
		return func(yield func(any, error) bool) {
			for item, err := range typed[In](name, tc, in) {
				if err != nil {
					yield(nil, err)
					return
				}
				var out Out
				err = tc.retry.do(ctx, tc, t.opts.retryable, func() error {
					var err error
					out, err = fn(ctx, tc, item)
					return err
				})
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(out, nil) {
					return
				}
			}
		}
	}
	return t
}

// FlatMap builds a task producing zero or more outputs per input item.
func FlatMap[In, Out any](name string, fn func(ctx context.Context, tc *TaskContext, in In) ([]Out, error), opts ...Option) Task {
	t := newTask(name, opts)
	t.run = func(ctx context.Context, tc *TaskContext, in Seq) Seq {
		return func(yield func(any, error) bool) {
			for item, err := range typed[In](name, tc, in) {
				if err != nil {
					yield(nil, err)
					return
				}
				var outs []Out
				err = tc.retry.do(ctx, tc, t.opts.retryable, func() error {
					var err error
					outs, err = fn(ctx, tc, item)
					return err
				})
				if err != nil {
					yield(nil, err)
					return
				}
				for _, out := range outs {
					if !yield(out, nil) {
						return
					}
				}
			}
		}
	}
	return t
}

// Batch builds a task that groups its input into batches of size items. With
// WithWorkers(n), up to n batches run concurrently on the executor's pool and
// their outputs are emitted in input order. Each batch is retried on its own.
func Batch[In, Out any](name string, size int, fn func(ctx context.Context, tc *TaskContext, batch []In) ([]Out, error), opts ...Option) Task {
	if size < 1 {
		size = 1
	}
	t := newTask(name, opts)
	t.run = func(ctx context.Context, tc *TaskContext, in Seq) Seq {
		return func(yield func(any, error) bool) {
			workers := max(1, t.opts.workers)
			window := make([][]In, 0, workers)
			current := make([]In, 0, size)

			process := func(batch []In) ([]Out, error) {
				var outs []Out
				err := tc.retry.do(ctx, tc, t.opts.retryable, func() error {
					var err error
					outs, err = fn(ctx, tc, batch)
					return err
				})
				return outs, err
			}

			// flush runs the batches in window and yields their outputs in order.
			flush := func() bool {
				results := make([][]Out, len(window))
				errs := make([]error, len(window))
				if workers == 1 || tc.pool == nil || len(window) == 1 {
					for i, batch := range window {
						results[i], errs[i] = process(batch)
						if errs[i] != nil {
							break
						}
					}
				} else {
					var wg sync.WaitGroup
					for i, batch := range window {
						wg.Add(1)
						err := tc.pool.Submit(func() {
							defer wg.Done()
							defer func() {
								if r := recover(); r != nil {
									errs[i] = fmt.Errorf("task panicked: %v", r)
								}
							}()
							results[i], errs[i] = process(batch)
						})
						if err != nil {
							wg.Done()
							errs[i] = err
						}
					}
					wg.Wait()
				}
				window = window[:0]
				for i := range results {
					if errs[i] != nil {
						yield(nil, errs[i])
						return false
					}
					for _, out := range results[i] {
						if !yield(out, nil) {
							return false
						}
					}
				}
				return true
			}

			for item, err := range typed[In](name, tc, in) {
				if err != nil {
					yield(nil, err)
					return
				}
				current = append(current, item)
				if len(current) < size {
					continue
				}
				window = append(window, current)
				current = make([]In, 0, size)
				if len(window) == workers && !flush() {
					return
				}
			}
			if len(current) > 0 {
				window = append(window, current)
			}
			if len(window) > 0 {
				if tc.Cancelled() {
					yield(nil, ErrRunCancelled)
					return
				}
				flush()
			}
		}
	}
	return t
}

// Stream builds a task with full control over its sequence. Stream tasks are
// not retried by the executor.
func Stream[In, Out any](name string, fn func(ctx context.Context, tc *TaskContext, in iter.Seq2[In, error]) iter.Seq2[Out, error], opts ...Option) Task {
	t := newTask(name, opts)
	t.run = func(ctx context.Context, tc *TaskContext, in Seq) Seq {
		return func(yield func(any, error) bool) {
			for out, err := range fn(ctx, tc, typed[In](name, tc, in)) {
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(out, nil) {
					return
				}
			}
		}
	}
	return t
}

// typed converts an untyped sequence to In, checking for cancellation
// before each item.
func typed[In any](name string, tc *TaskContext, in Seq) iter.Seq2[In, error] {
	return func(yield func(In, error) bool) {
		var zero In
		for v, err := range in {
			if err != nil {
				yield(zero, err)
				return
			}
			if tc.Cancelled() {
				yield(zero, ErrRunCancelled)
				return
			}
			item, err := cast[In](name, v)
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}
