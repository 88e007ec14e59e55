// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import (
	"errors"
	"fmt"
)

// Error kinds. Every typed error below matches exactly one of these through errors.Is.
var (
	// ErrValidation indicates malformed input or task configuration.
	ErrValidation = errors.New("validation failed")

	// ErrPermissionDenied indicates the subject lacks the required permission.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBackendUnavailable indicates a store failed after bounded retries.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrPartialWrite indicates a cross-backend write failed part way.
	ErrPartialWrite = errors.New("partial write")

	// ErrCompensationFailed indicates rollback of a partial write also failed.
	ErrCompensationFailed = errors.New("compensation failed")

	// ErrPipelineAborted indicates a task failed and the run was stopped.
	ErrPipelineAborted = errors.New("pipeline aborted")
)

// Stable error codes recorded on failed runs.
const (
	CodeValidation         = "validation"
	CodePermissionDenied   = "permission_denied"
	CodeBackendUnavailable = "backend_unavailable"
	CodePartialWrite       = "partial_write"
	CodeCompensationFailed = "compensation_failed"
	CodePipelineAborted    = "pipeline_aborted"
	CodeCancelled          = "cancelled"
	CodeInternal           = "internal"
)

// ValidationError reports an invalid field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError returns a ValidationError for field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PermissionDeniedError reports a denied write, delete or share.
type PermissionDeniedError struct {
	Subject    ID
	DatasetId  ID
	Permission Permission
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("%s: user %s lacks %s on dataset %s", ErrPermissionDenied, e.Subject, e.Permission, e.DatasetId)
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

// BackendUnavailableError wraps the last transient failure of a store call.
type BackendUnavailableError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrBackendUnavailable, e.Backend, e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() []error { return []error{ErrBackendUnavailable, e.Err} }

// PartialWriteError reports a cross-backend write that did not reach every backend.
// Written lists the backends that accepted the write before the failure.
type PartialWriteError struct {
	Ids             []ID
	Written         []string
	Failed          string
	Err             error
	CompensationErr error
}

func (e *PartialWriteError) Error() string {
	msg := fmt.Sprintf("%s: %d items, written to %v, failed at %s: %v", ErrPartialWrite, len(e.Ids), e.Written, e.Failed, e.Err)
	if e.CompensationErr != nil {
		msg += fmt.Sprintf(" (%s: %v)", ErrCompensationFailed, e.CompensationErr)
	}
	return msg
}

func (e *PartialWriteError) Unwrap() []error {
	errs := []error{ErrPartialWrite, e.Err}
	if e.CompensationErr != nil {
		errs = append(errs, ErrCompensationFailed)
	}
	return errs
}

// Compensated reports whether every write was rolled back.
func (e *PartialWriteError) Compensated() bool {
	return e.CompensationErr == nil
}

// PipelineAbortedError reports the task that stopped a run.
type PipelineAbortedError struct {
	RunId ID
	Task  string
	Err   error
}

func (e *PipelineAbortedError) Error() string {
	return fmt.Sprintf("%s: run %s task %q: %v", ErrPipelineAborted, e.RunId, e.Task, e.Err)
}

func (e *PipelineAbortedError) Unwrap() []error { return []error{ErrPipelineAborted, e.Err} }

// Code returns the stable code for err. The most specific kind wins.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCompensationFailed):
		return CodeCompensationFailed
	case errors.Is(err, ErrPartialWrite):
		return CodePartialWrite
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrBackendUnavailable):
		return CodeBackendUnavailable
	case errors.Is(err, ErrPipelineAborted):
		return CodePipelineAborted
	default:
		return CodeInternal
	}
}

// IsPermanent reports whether err must never be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrValidation)
}
