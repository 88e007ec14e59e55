package pipeline

import "errors"

var (
	// ErrRunCancelled is reported by a run stopped through RunHandle.Cancel.
	ErrRunCancelled = errors.New("pipeline run cancelled")

	// ErrRunStoreRequired is returned when a run store is not provided.
	ErrRunStoreRequired = errors.New("run store required")

	// ErrGateRequired is returned when a permission gate is not provided.
	ErrGateRequired = errors.New("permission gate required")

	// ErrExecutorClosed is returned when submitting to a closed executor.
	ErrExecutorClosed = errors.New("executor closed")
)
