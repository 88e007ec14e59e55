package tasks

import (
	"context"
	"fmt"
	"slices"

	"github.com/poiesic/kgraph/ai"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/pipeline"
)

// EmbedConfig configures the embed task.
type EmbedConfig struct {
	// Types lists the data point types that get vectors.
	Types []string `json:"types" yaml:"types" validate:"min=1,dive,required"`
	// Model names the embedding model so a model change yields a new run key.
	Model string `json:"model" yaml:"model"`
	// BatchSize is how many Knowledge items share one embedding call.
	BatchSize int `json:"-" yaml:"batch_size" validate:"min=1,max=1024"`
}

// DefaultEmbedConfig returns the embedding settings used when none are configured.
func DefaultEmbedConfig() EmbedConfig {
	return EmbedConfig{Types: []string{core.TypeChunk, core.TypeEntity}, BatchSize: 16}
}

// EmbedPoints builds the "embed" task. Points of the configured types that
// have index text and no vector get one; points sharing an id are embedded
// once.
func EmbedPoints(embedder ai.Embedder, cfg EmbedConfig) pipeline.Task {
	task := pipeline.Batch("embed", cfg.BatchSize, func(ctx context.Context, tc *pipeline.TaskContext, batch []*Knowledge) ([]*Knowledge, error) {
		var texts []string
		targets := make(map[core.ID][]*core.DataPoint)
		var order []core.ID
		for _, k := range batch {
			for _, dp := range k.Points {
				if dp.HasVector() || dp.IndexText() == "" || !slices.Contains(cfg.Types, dp.Type) {
					continue
				}
				if _, ok := targets[dp.Id]; !ok {
					order = append(order, dp.Id)
					texts = append(texts, dp.IndexText())
				}
				targets[dp.Id] = append(targets[dp.Id], dp)
			}
		}
		if len(texts) == 0 {
			return batch, nil
		}

		vectors, err := embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
		}
		for i, id := range order {
			for _, dp := range targets[id] {
				dp.Vector = vectors[i]
			}
		}
		tc.Logger.Debug("points embedded", "count", len(texts))
		return batch, nil
	}, pipeline.WithConfig(cfg), pipeline.WithRetryable(retryAll))
	return requireDeps(task, embedder != nil, "embedder")
}
