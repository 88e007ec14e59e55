package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/poiesic/kgraph/core"
)

const (
	DefaultCallTimeout  = 10 * time.Second
	DefaultCallAttempts = 3
	DefaultCallDelay    = 50 * time.Millisecond
)

// Caller runs adapter operations with a per-call timeout and a small bounded
// retry of transient failures. The final transient failure is reported as a
// core.BackendUnavailableError.
type Caller struct {
	backend     string
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	isTransient func(error) bool
	logger      *slog.Logger
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithCallTimeout bounds each attempt. Zero disables the timeout.
func WithCallTimeout(d time.Duration) CallerOption {
	return func(c *Caller) {
		c.timeout = d
	}
}

// WithCallAttempts sets the maximum number of attempts per call.
func WithCallAttempts(n int) CallerOption {
	return func(c *Caller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithCallDelay sets the initial backoff delay.
func WithCallDelay(d time.Duration) CallerOption {
	return func(c *Caller) {
		c.baseDelay = d
	}
}

// WithTransient sets the classifier used to decide which errors are retried.
func WithTransient(fn func(error) bool) CallerOption {
	return func(c *Caller) {
		c.isTransient = fn
	}
}

// WithCallerLogger sets the logger.
func WithCallerLogger(logger *slog.Logger) CallerOption {
	return func(c *Caller) {
		c.logger = logger
	}
}

// NewCaller creates a Caller for the named backend.
func NewCaller(backend string, opts ...CallerOption) *Caller {
	c := &Caller{
		backend:     backend,
		timeout:     DefaultCallTimeout,
		maxAttempts: DefaultCallAttempts,
		baseDelay:   DefaultCallDelay,
		isTransient: IsTransient,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("backend", backend)
	return c
}

// Backend returns the backend name.
func (c *Caller) Backend() string {
	return c.backend
}

// Do runs fn, retrying transient failures.
func (c *Caller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.baseDelay
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1)), ctx)

	attempt := 0
	var last error
	err := backoff.Retry(func() error {
		attempt++
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		last = fn(callCtx)
		if last == nil {
			return nil
		}
		if !c.isTransient(last) {
			return backoff.Permanent(last)
		}
		c.logger.Debug("transient backend failure", "op", op, "attempt", attempt, "error", last)
		return last
	}, b)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if c.isTransient(err) {
		return &core.BackendUnavailableError{Backend: c.backend, Op: op, Err: err}
	}
	return err
}

// Call runs fn through c and returns its result.
func Call[T any](ctx context.Context, c *Caller, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsTransient is the default transient classifier: timeouts and explicitly
// marked transient errors are retried, everything else is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateKey) || core.IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTransient) {
		return true
	}
	var te interface{ Temporary() bool }
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}

// ErrTransient marks an error as safe to retry.
var ErrTransient = errors.New("transient failure")
