package pipeline

import (
	"context"
	"errors"
	"iter"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/kgraph/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTaskContext(t *testing.T, workers int) *TaskContext {
	t.Helper()
	pool, err := ants.NewPool(workers)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return &TaskContext{
		Task:  "test",
		pool:  pool,
		retry: retryPolicy{maxRetries: 2, baseDelay: time.Millisecond},
	}
}

func ints(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestMap(t *testing.T) {
	tc := testTaskContext(t, 1)
	task := Map("double", func(_ context.Context, _ *TaskContext, n int) (int, error) {
		return n * 2, nil
	})

	out, err := Collect[int](task.Run(context.Background(), tc, Items(1, 2, 3)))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, out)
}

func TestFlatMap(t *testing.T) {
	tc := testTaskContext(t, 1)
	task := FlatMap("repeat", func(_ context.Context, _ *TaskContext, n int) ([]int, error) {
		out := make([]int, n)
		for i := range out {
			out[i] = n
		}
		return out, nil
	})

	out, err := Collect[int](task.Run(context.Background(), tc, Items(0, 1, 2)))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, out)
}

func TestBatch_PreservesOrderWithWorkers(t *testing.T) {
	tc := testTaskContext(t, 4)
	task := Batch("square", 3, func(_ context.Context, _ *TaskContext, batch []int) ([]int, error) {
		time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
		out := make([]int, len(batch))
		for i, n := range batch {
			out[i] = n * n
		}
		return out, nil
	}, WithWorkers(4))

	input := ints(20)
	out, err := Collect[int](task.Run(context.Background(), tc, Items(input...)))
	require.NoError(t, err)
	require.Len(t, out, len(input))
	for i, n := range input {
		assert.Equal(t, n*n, out[i])
	}
}

func TestBatch_SplitsInput(t *testing.T) {
	tc := testTaskContext(t, 1)
	var sizes []int
	task := Batch("sizes", 4, func(_ context.Context, _ *TaskContext, batch []int) ([]int, error) {
		sizes = append(sizes, len(batch))
		return batch, nil
	})

	out, err := Collect[int](task.Run(context.Background(), tc, Items(ints(10)...)))
	require.NoError(t, err)
	assert.Len(t, out, 10)
	assert.Equal(t, []int{4, 4, 2}, sizes)
}

func TestBatch_WorkerPanicIsAnError(t *testing.T) {
	tc := testTaskContext(t, 4)
	task := Batch("boom", 1, func(_ context.Context, _ *TaskContext, batch []int) ([]int, error) {
		if batch[0] == 2 {
			panic("bad batch")
		}
		return batch, nil
	}, WithWorkers(4))

	out, err := Collect[int](task.Run(context.Background(), tc, Items(1, 2, 3, 4)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panicked: bad batch")
	assert.Equal(t, []int{1}, out)
}

func TestMap_RetriesBackendUnavailable(t *testing.T) {
	tc := testTaskContext(t, 1)
	var attempts atomic.Int32
	task := Map("flaky", func(_ context.Context, _ *TaskContext, n int) (int, error) {
		if attempts.Add(1) < 3 {
			return 0, &core.BackendUnavailableError{Backend: "vector", Op: "upsert", Err: errors.New("timeout")}
		}
		return n, nil
	})

	out, err := Collect[int](task.Run(context.Background(), tc, Items(7)))
	require.NoError(t, err)
	assert.Equal(t, []int{7}, out)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMap_GivesUpAfterMaxRetries(t *testing.T) {
	tc := testTaskContext(t, 1)
	var attempts atomic.Int32
	task := Map("down", func(_ context.Context, _ *TaskContext, n int) (int, error) {
		attempts.Add(1)
		return 0, &core.BackendUnavailableError{Backend: "graph", Op: "upsert", Err: errors.New("refused")}
	})

	_, err := Collect[int](task.Run(context.Background(), tc, Items(1)))
	require.ErrorIs(t, err, core.ErrBackendUnavailable)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMap_PermanentErrorsAreNotRetried(t *testing.T) {
	tc := testTaskContext(t, 1)
	var attempts atomic.Int32
	task := Map("invalid", func(_ context.Context, _ *TaskContext, n int) (int, error) {
		attempts.Add(1)
		return 0, core.NewValidationError("n", "bad")
	}, WithRetryable(func(error) bool { return true }))

	_, err := Collect[int](task.Run(context.Background(), tc, Items(1)))
	require.ErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestMap_TypeMismatch(t *testing.T) {
	tc := testTaskContext(t, 1)
	task := Map("double", func(_ context.Context, _ *TaskContext, n int) (int, error) {
		return n * 2, nil
	})

	_, err := Collect[int](task.Run(context.Background(), tc, Items[any]("one")))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestTyped_StopsWhenCancelled(t *testing.T) {
	tc := testTaskContext(t, 1)
	var stop atomic.Bool
	tc.cancelled = stop.Load

	var seen []int
	task := Map("watch", func(_ context.Context, _ *TaskContext, n int) (int, error) {
		seen = append(seen, n)
		stop.Store(true)
		return n, nil
	})

	_, err := Collect[int](task.Run(context.Background(), tc, Items(1, 2, 3)))
	require.ErrorIs(t, err, ErrRunCancelled)
	assert.Equal(t, []int{1}, seen)
}

func TestStream(t *testing.T) {
	tc := testTaskContext(t, 1)
	task := Stream("running_sum", func(_ context.Context, _ *TaskContext, in iter.Seq2[int, error]) iter.Seq2[int, error] {
		return func(yield func(int, error) bool) {
			sum := 0
			for n, err := range in {
				if err != nil {
					yield(0, err)
					return
				}
				sum += n
				if !yield(sum, nil) {
					return
				}
			}
		}
	})

	out, err := Collect[int](task.Run(context.Background(), tc, Items(1, 2, 3)))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 6}, out)
}

func TestValidateConfig(t *testing.T) {
	type chunkConfig struct {
		Size    int `validate:"min=1"`
		Overlap int `validate:"gte=0"`
	}

	require.NoError(t, ValidateConfig("chunk", nil))
	require.NoError(t, ValidateConfig("chunk", chunkConfig{Size: 10}))

	err := ValidateConfig("chunk", chunkConfig{Size: 0, Overlap: -1})
	require.ErrorIs(t, err, core.ErrValidation)
	assert.Contains(t, err.Error(), "chunk.Size")
	assert.Contains(t, err.Error(), "chunk.Overlap")

	task := Map("chunk", func(_ context.Context, _ *TaskContext, s string) (string, error) {
		return s, nil
	}, WithConfig(chunkConfig{}))
	assert.ErrorIs(t, task.Validate(), core.ErrValidation)
}
