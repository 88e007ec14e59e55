package tasks

import (
	"errors"

	"github.com/poiesic/kgraph/ai"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/pipeline"
)

// retryAll retries every failure of an external service. Permission and
// validation errors are still never retried.
func retryAll(error) bool {
	return true
}

// missingDep wraps a task whose constructor was given a nil dependency, so
// the problem surfaces as a validation error at submission time.
type missingDep struct {
	pipeline.Task
	dep string
}

func (t missingDep) Validate() error {
	return errors.Join(core.NewValidationError(t.Name(), t.dep+" is required"), t.Task.Validate())
}

func requireDeps(t pipeline.Task, ok bool, dep string) pipeline.Task {
	if ok {
		return t
	}
	return missingDep{Task: t, dep: dep}
}

// CognifyConfig configures the default task list built by Cognify.
type CognifyConfig struct {
	Document DocumentConfig `yaml:"document"`
	Chunk    ChunkConfig    `yaml:"chunk"`
	Extract  ExtractConfig  `yaml:"extract"`
	Embed    EmbedConfig    `yaml:"embed"`
	Persist  PersistConfig  `yaml:"persist"`
}

// DefaultCognifyConfig returns the default settings of every built-in task.
func DefaultCognifyConfig() CognifyConfig {
	return CognifyConfig{
		Chunk:   DefaultChunkConfig(),
		Extract: DefaultExtractConfig(),
		Embed:   DefaultEmbedConfig(),
		Persist: DefaultPersistConfig(),
	}
}

// Deps are the collaborators of the built-in tasks. Extractor and Embedder
// are optional: without an extractor chunks are stored without entities, and
// without an embedder no vectors are written.
type Deps struct {
	Content   ContentReader
	Extractor ai.GraphExtractor
	Embedder  ai.Embedder
	Writer    Writer
}

// Cognify returns the task list that turns Data items into a knowledge graph.
func Cognify(deps Deps, cfg CognifyConfig) []pipeline.Task {
	list := []pipeline.Task{
		LoadDocuments(deps.Content, cfg.Document),
		SplitDocuments(cfg.Chunk),
	}
	if deps.Extractor != nil {
		list = append(list, ExtractGraph(deps.Extractor, cfg.Extract))
	} else {
		list = append(list, ChunkPoints())
	}
	if deps.Embedder != nil {
		list = append(list, EmbedPoints(deps.Embedder, cfg.Embed))
	}
	return append(list, Persist(deps.Writer, cfg.Persist))
}
