package tasks

import (
	"context"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/pipeline"
)

// Knowledge is a set of data points and edges persisted together. Edges only
// reference points in the same Knowledge or already stored.
type Knowledge struct {
	Points []*core.DataPoint
	Edges  []*core.Edge
}

// Merge returns one Knowledge holding the points and edges of all items.
func Merge(items []*Knowledge) *Knowledge {
	out := &Knowledge{}
	for _, k := range items {
		out.Points = append(out.Points, k.Points...)
		out.Edges = append(out.Edges, k.Edges...)
	}
	return out
}

// DocumentPoint returns the Document data point a chunk belongs to.
func DocumentPoint(c *core.Chunk) *core.DataPoint {
	return &core.DataPoint{
		Id:        c.DocumentId,
		DatasetId: c.DatasetId,
		Type:      core.TypeDocument,
		Payload: map[string]any{
			"name":    c.Source,
			"data_id": c.DocumentId.String(),
		},
	}
}

// ChunkPoint returns the DocumentChunk data point of a chunk.
func ChunkPoint(c *core.Chunk) *core.DataPoint {
	return &core.DataPoint{
		Id:        c.Id,
		DatasetId: c.DatasetId,
		Type:      core.TypeChunk,
		Text:      c.Text,
		Payload: map[string]any{
			"document_id": c.DocumentId.String(),
			"source":      c.Source,
			"index":       c.Index,
		},
	}
}

// chunkKnowledge holds a chunk, its document and the edge between them.
func chunkKnowledge(c *core.Chunk) *Knowledge {
	return &Knowledge{
		Points: []*core.DataPoint{DocumentPoint(c), ChunkPoint(c)},
		Edges: []*core.Edge{{
			SourceId:  c.Id,
			TargetId:  c.DocumentId,
			Label:     core.LabelPartOf,
			DatasetId: c.DatasetId,
		}},
	}
}

// fragmentKnowledge converts an extraction result into data points and
// edges: one Entity point per node, one EntityType point per type, and edges
// chunk -contains_entity-> entity -is_entity_type-> type plus the extracted
// relations between entities.
func fragmentKnowledge(f *core.GraphFragment) *Knowledge {
	c := f.Chunk
	k := chunkKnowledge(c)
	ids := make(map[string]core.ID, len(f.Nodes))
	types := make(map[string]bool)

	edge := func(src, dst core.ID, label string) {
		k.Edges = append(k.Edges, &core.Edge{SourceId: src, TargetId: dst, Label: label, DatasetId: c.DatasetId})
	}

	for _, n := range f.Nodes {
		id := core.EntityID(c.DatasetId, n.Type, n.Name)
		ids[n.Name] = id
		k.Points = append(k.Points, &core.DataPoint{
			Id:        id,
			DatasetId: c.DatasetId,
			Type:      core.TypeEntity,
			Text:      n.Name,
			Payload: map[string]any{
				"name":        n.Name,
				"entity_type": n.Type,
				"description": n.Description,
			},
		})
		typeID := core.EntityTypeID(c.DatasetId, n.Type)
		if !types[n.Type] {
			types[n.Type] = true
			k.Points = append(k.Points, &core.DataPoint{
				Id:        typeID,
				DatasetId: c.DatasetId,
				Type:      core.TypeEntityType,
				Text:      n.Type,
				Payload:   map[string]any{"name": n.Type},
			})
		}
		edge(c.Id, id, core.LabelContainsEntity)
		edge(id, typeID, core.LabelIsEntityType)
	}
	for _, r := range f.Relations {
		src, ok1 := ids[r.Source]
		dst, ok2 := ids[r.Target]
		if ok1 && ok2 {
			edge(src, dst, r.Label)
		}
	}
	return k
}

// ChunkPoints builds the "chunk_points" task, which turns chunks into
// Document and DocumentChunk points without graph extraction.
func ChunkPoints() pipeline.Task {
	return pipeline.Map("chunk_points", func(_ context.Context, _ *pipeline.TaskContext, c *core.Chunk) (*Knowledge, error) {
		return chunkKnowledge(c), nil
	})
}
