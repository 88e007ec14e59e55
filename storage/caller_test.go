package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/poiesic/kgraph/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaller_SucceedsAfterTransientFailures(t *testing.T) {
	c := NewCaller("test", WithCallAttempts(3), WithCallDelay(time.Millisecond))

	calls := 0
	err := c.Do(context.Background(), "upsert", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("flaky: %w", ErrTransient)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCaller_ExhaustedRetriesBecomeBackendUnavailable(t *testing.T) {
	c := NewCaller("neo4j", WithCallAttempts(2), WithCallDelay(time.Millisecond))

	calls := 0
	err := c.Do(context.Background(), "upsert", func(ctx context.Context) error {
		calls++
		return ErrTransient
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, core.ErrBackendUnavailable)

	var bu *core.BackendUnavailableError
	require.True(t, errors.As(err, &bu))
	assert.Equal(t, "neo4j", bu.Backend)
	assert.Equal(t, "upsert", bu.Op)
}

func TestCaller_PermanentErrorsAreNotRetried(t *testing.T) {
	c := NewCaller("test", WithCallAttempts(5), WithCallDelay(time.Millisecond))

	calls := 0
	err := c.Do(context.Background(), "get", func(ctx context.Context) error {
		calls++
		return ErrNotFound
	})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, core.ErrBackendUnavailable)
	assert.Equal(t, 1, calls)
}

func TestCaller_TimeoutPerAttempt(t *testing.T) {
	c := NewCaller("slow", WithCallAttempts(2), WithCallDelay(time.Millisecond), WithCallTimeout(5*time.Millisecond))

	err := c.Do(context.Background(), "search", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, core.ErrBackendUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCaller_CustomClassifier(t *testing.T) {
	boom := errors.New("boom")
	c := NewCaller("test", WithCallAttempts(3), WithCallDelay(time.Millisecond),
		WithTransient(func(err error) bool { return errors.Is(err, boom) }))

	calls := 0
	_ = c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.Equal(t, 3, calls)
}

func TestCall_ReturnsValue(t *testing.T) {
	c := NewCaller("test")
	v, err := Call(context.Background(), c, "get", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
