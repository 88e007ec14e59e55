package tasks

import (
	"context"
	"strconv"
	"strings"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/pipeline"
	"github.com/tmc/langchaingo/textsplitter"
)

// ChunkConfig configures the chunk task. Sizes are in characters.
type ChunkConfig struct {
	Size    int `json:"size" yaml:"size" validate:"min=64,max=100000"`
	Overlap int `json:"overlap" yaml:"overlap" validate:"gte=0,ltfield=Size"`
}

// DefaultChunkConfig returns the chunking used when none is configured.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{Size: 1024, Overlap: 128}
}

// ChunkID returns the id of the index-th chunk of content with the given hash.
func ChunkID(contentHash string, index int) core.ID {
	return core.IDFromContent(contentHash, "chunk", strconv.Itoa(index))
}

// SplitDocuments builds the "chunk" task. Each Document is split with a
// recursive character splitter; empty chunks are skipped without shifting
// the indexes of later ones.
func SplitDocuments(cfg ChunkConfig) pipeline.Task {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.Size),
		textsplitter.WithChunkOverlap(cfg.Overlap),
	)
	return pipeline.FlatMap("chunk", func(_ context.Context, tc *pipeline.TaskContext, doc *Document) ([]*core.Chunk, error) {
		parts, err := splitter.SplitText(doc.Text)
		if err != nil {
			return nil, err
		}
		chunks := make([]*core.Chunk, 0, len(parts))
		for i, part := range parts {
			text := strings.TrimSpace(part)
			if text == "" {
				continue
			}
			chunks = append(chunks, &core.Chunk{
				Id:         ChunkID(doc.Data.ContentHash, i),
				DatasetId:  tc.DatasetId,
				DocumentId: doc.Data.Id,
				Source:     doc.Source(),
				Index:      i,
				Text:       text,
			})
		}
		tc.Logger.Debug("document chunked", "data", doc.Data.Id, "chunks", len(chunks))
		return chunks, nil
	}, pipeline.WithConfig(cfg))
}
