package ingestion

import "errors"

var (
	// ErrStoreRequired is returned when a data store is not provided.
	ErrStoreRequired = errors.New("data store required")

	// ErrGateRequired is returned when a permission gate is not provided.
	ErrGateRequired = errors.New("permission gate required")

	// ErrContentStoreRequired is returned when a content store is not provided.
	ErrContentStoreRequired = errors.New("content store required")

	// ErrInvalidLocation is returned when a content location is outside the store.
	ErrInvalidLocation = errors.New("invalid content location")
)
