package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/poiesic/kgraph/core"
)

const (
	DefaultMaxTaskRetries = 2
	DefaultRetryBaseDelay = 100 * time.Millisecond
)

type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
}

// do runs fn, retrying failures accepted by retryable with exponential
// backoff. Permission and validation errors end the retries at once, as does
// cancellation of the run.
func (p retryPolicy) do(ctx context.Context, tc *TaskContext, retryable func(error) bool, fn func() error) error {
	if p.maxRetries <= 0 || retryable == nil {
		return fn()
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.baseDelay
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.maxRetries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if core.IsPermanent(err) || !retryable(err) || tc.Cancelled() {
			return backoff.Permanent(err)
		}
		if tc.Logger != nil {
			tc.Logger.Warn("task work failed, retrying", "attempt", attempt, "error", err)
		}
		return err
	}, b)
}
