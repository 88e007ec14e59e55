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
	"strings"
)

const maxDatasetNameLength = 128

// ValidateDataPoint validates a DataPoint according to domain rules.
//
// Validation rules:
//   - ID must not be nil
//   - DatasetId must not be nil
//   - Type must not be empty
//
// NOT validated (populated by tasks):
//   - Vector (may be empty when the point is not embedded)
//   - Payload (may be empty)
func ValidateDataPoint(dp *DataPoint) error {
	if dp == nil {
		return NewValidationError("data_point", "is nil")
	}
	if dp.Id == NilID {
		return NewValidationError("id", "must not be empty")
	}
	if dp.DatasetId == NilID {
		return NewValidationError("dataset_id", "must not be empty")
	}
	if dp.Type == "" {
		return NewValidationError("type", "must not be empty")
	}
	return nil
}

// ValidateEdge validates an Edge. Endpoint existence is checked by the router.
func ValidateEdge(e *Edge) error {
	if e == nil {
		return NewValidationError("edge", "is nil")
	}
	if e.SourceId == NilID || e.TargetId == NilID {
		return NewValidationError("edge", "source and target must be set")
	}
	if e.Label == "" {
		return NewValidationError("label", "must not be empty")
	}
	if e.DatasetId == NilID {
		return NewValidationError("dataset_id", "must not be empty")
	}
	return nil
}

// ValidateIngestItem checks that exactly one of Text or Path is set.
func ValidateIngestItem(item IngestItem) error {
	hasText := item.Text != ""
	hasPath := item.Path != ""
	if hasText == hasPath {
		return NewValidationError("item", "exactly one of text or path must be set")
	}
	return nil
}

// ValidateDatasetName checks that a dataset name is usable as a storage key.
func ValidateDatasetName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("name", "must not be empty")
	}
	if len(name) > maxDatasetNameLength {
		return NewValidationError("name", "too long")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return NewValidationError("name", "must not contain path separators")
	}
	return nil
}

// ValidatePermission checks that p is a known permission.
func ValidatePermission(p Permission) error {
	for _, known := range AllPermissions {
		if p == known {
			return nil
		}
	}
	return NewValidationError("permission", "unknown permission "+string(p))
}
