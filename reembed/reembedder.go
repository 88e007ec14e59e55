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
	"fmt"
	"io"
	"time"

	"github.com/poiesic/kgraph/ai"
	"github.com/poiesic/kgraph/core"
)

// Config holds configuration for the reembedding operation.
type Config struct {
	// BatchSize is the number of points to process in each batch
	BatchSize int `yaml:"batch_size" validate:"min=1,max=10000"`

	// ReportInterval is how often to report progress (number of points)
	ReportInterval int `yaml:"report_interval" validate:"min=1"`

	// MaxRetries is the maximum number of attempts for failed operations
	MaxRetries int `yaml:"max_retries" validate:"min=1,max=10"`

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Types lists the data point types to reembed. Empty means every type.
	Types []string `yaml:"types"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      100,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
		Types:          []string{core.TypeChunk, core.TypeEntity},
	}
}

// Store reads and writes data points. The storage router implements it.
type Store interface {
	PointReader
	PointWriter
}

// Reembedder recomputes the vectors of a dataset's data points.
type Reembedder struct {
	store    Store
	embedder ai.Embedder
	config   *Config
	progress io.Writer
}

// NewReembedder creates a new reembedder.
// progress: where to write progress output (typically os.Stderr)
func NewReembedder(store Store, embedder ai.Embedder, config *Config, progress io.Writer) *Reembedder {
	if config == nil {
		config = DefaultConfig()
	}
	if progress == nil {
		progress = io.Discard
	}
	return &Reembedder{
		store:    store,
		embedder: embedder,
		config:   config,
		progress: progress,
	}
}

// Run reembeds every point of the configured types in the dataset on behalf
// of user and returns how many points received a new vector. The user needs
// read and write permission on the dataset; without read there is nothing to
// reembed.
func (r *Reembedder) Run(ctx context.Context, user, datasetID core.ID) (int, error) {
	iterator := NewPointIterator(r.store, user, datasetID, r.config.Types, r.config.BatchSize)
	processor := NewBatchProcessor(r.store, r.embedder, user, datasetID, r.config.MaxRetries, r.config.RetryDelay)

	total, err := iterator.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	if total == 0 {
		fmt.Fprintf(r.progress, "No points found in dataset %s (0 points)\n", datasetID)
		return 0, nil
	}

	fmt.Fprintf(r.progress, "Starting reembedding of %d points (batch size: %d)\n",
		total, r.config.BatchSize)

	tracker := NewProgressTracker(r.progress, total, r.config.ReportInterval)
	tracker.Start()

	visited, embedded := 0, 0
	err = iterator.ForEach(ctx, func(points []*core.DataPoint) error {
		n, err := processor.Process(ctx, points)
		if err != nil {
			return fmt.Errorf("failed to process batch: %w", err)
		}
		embedded += n
		visited += len(points)
		tracker.Update(visited)
		return nil
	})
	if err != nil {
		return embedded, err
	}

	tracker.Finish()

	elapsed := tracker.Elapsed()
	fmt.Fprintf(r.progress, "Reembedding complete. Embedded %d of %d points in %v (%.1f points/sec)\n",
		embedded, total, elapsed.Round(time.Millisecond), float64(visited)/elapsed.Seconds())
	return embedded, nil
}
