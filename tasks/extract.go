package tasks

import (
	"context"

	"github.com/poiesic/kgraph/ai"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/pipeline"
)

// ExtractConfig configures the extract_graph task.
type ExtractConfig struct {
	Schema ai.Schema `json:"schema" yaml:"schema"`
	// Model names the extraction model so a model change yields a new run key.
	Model string `json:"model" yaml:"model"`
	// Workers bounds concurrent extraction calls.
	Workers int `json:"-" yaml:"workers" validate:"min=1,max=64"`
}

// DefaultExtractConfig returns the extraction settings used when none are configured.
func DefaultExtractConfig() ExtractConfig {
	return ExtractConfig{Schema: ai.DefaultSchema, Workers: 4}
}

// ExtractGraph builds the "extract_graph" task. Each chunk is sent to the
// extractor and the result becomes Entity and EntityType points linked to the
// chunk. Calls run concurrently on the executor's pool, and results keep chunk
// order. Extraction runs at temperature 0, so the task counts as
// deterministic for a given model and schema.
func ExtractGraph(extractor ai.GraphExtractor, cfg ExtractConfig) pipeline.Task {
	task := pipeline.Batch("extract_graph", 1, func(ctx context.Context, tc *pipeline.TaskContext, chunks []*core.Chunk) ([]*Knowledge, error) {
		out := make([]*Knowledge, 0, len(chunks))
		for _, c := range chunks {
			g, err := extractor.ExtractGraph(ctx, c.Text, cfg.Schema)
			if err != nil {
				return nil, err
			}
			tc.Logger.Debug("graph extracted", "chunk", c.Id, "nodes", len(g.Nodes), "relations", len(g.Relations))
			out = append(out, fragmentKnowledge(&core.GraphFragment{Chunk: c, Nodes: g.Nodes, Relations: g.Relations}))
		}
		return out, nil
	},
		pipeline.WithConfig(cfg),
		pipeline.WithWorkers(cfg.Workers),
		pipeline.WithRetryable(retryAll))
	return requireDeps(task, extractor != nil, "graph extractor")
}
