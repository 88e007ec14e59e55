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


package reembed

import (
	"context"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

const (
	// DefaultBatchSize is the default number of points to fetch in each batch
	DefaultBatchSize = 100
)

// PointReader pages through a dataset's data points.
type PointReader interface {
	Filter(ctx context.Context, user, datasetID core.ID, f storage.Filter) ([]*core.DataPoint, error)
}

// PointIterator iterates over the data points of one dataset in batches.
type PointIterator struct {
	reader    PointReader
	user      core.ID
	datasetID core.ID
	types     []string
	batchSize int
}

// NewPointIterator creates an iterator over the points of the given types.
// No types means every point. A batchSize <= 0 uses DefaultBatchSize.
func NewPointIterator(reader PointReader, user, datasetID core.ID, types []string, batchSize int) *PointIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &PointIterator{
		reader:    reader,
		user:      user,
		datasetID: datasetID,
		types:     types,
		batchSize: batchSize,
	}
}

// ForEach calls fn with each batch of points, in id order. Iteration stops on
// the first error from fn. Context cancellation is checked between batches.
// Points are paged by offset, so fn must not add or remove points.
func (it *PointIterator) ForEach(ctx context.Context, fn func([]*core.DataPoint) error) error {
	for offset := 0; ; offset += it.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := it.reader.Filter(ctx, it.user, it.datasetID, storage.Filter{
			Types:  it.types,
			Limit:  it.batchSize,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < it.batchSize {
			return nil
		}
	}
}

// Count returns the number of points the iterator visits.
func (it *PointIterator) Count(ctx context.Context) (int, error) {
	total := 0
	err := it.ForEach(ctx, func(batch []*core.DataPoint) error {
		total += len(batch)
		return nil
	})
	return total, err
}
