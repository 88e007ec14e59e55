package router

import (
	"bytes"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

// preparePoints validates dps, scopes them to the dataset and drops repeated
// ids. The first occurrence of an id wins.
func preparePoints(datasetID core.ID, dps []*core.DataPoint) ([]*core.DataPoint, error) {
	seen := make(map[core.ID]struct{}, len(dps))
	out := make([]*core.DataPoint, 0, len(dps))
	for _, dp := range dps {
		if dp == nil {
			return nil, core.NewValidationError("data_point", "nil")
		}
		if dp.DatasetId == core.NilID {
			dp.DatasetId = datasetID
		} else if dp.DatasetId != datasetID {
			return nil, core.NewValidationError("dataset_id", "data point belongs to another dataset")
		}
		if err := core.ValidateDataPoint(dp); err != nil {
			return nil, err
		}
		if _, ok := seen[dp.Id]; ok {
			continue
		}
		seen[dp.Id] = struct{}{}
		out = append(out, dp)
	}
	return out, nil
}

// prepareEdges validates edges, scopes them to the dataset and drops repeated
// keys. The first occurrence of a key wins.
func prepareEdges(datasetID core.ID, edges []*core.Edge) ([]*core.Edge, error) {
	seen := make(map[core.EdgeKey]struct{}, len(edges))
	out := make([]*core.Edge, 0, len(edges))
	for _, e := range edges {
		if e == nil {
			return nil, core.NewValidationError("edge", "nil")
		}
		if e.DatasetId == core.NilID {
			e.DatasetId = datasetID
		} else if e.DatasetId != datasetID {
			return nil, core.NewValidationError("dataset_id", "edge belongs to another dataset")
		}
		if err := core.ValidateEdge(e); err != nil {
			return nil, err
		}
		k := e.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

func pointIDs(dps []*core.DataPoint) []core.ID {
	ids := make([]core.ID, len(dps))
	for i, dp := range dps {
		ids[i] = dp.Id
	}
	return ids
}

func vectorIDs(recs []*core.VectorRecord) []core.ID {
	ids := make([]core.ID, len(recs))
	for i, rec := range recs {
		ids[i] = rec.Id
	}
	return ids
}

// missing returns the ids in want that are not in have, in order.
func missing(want, have []core.ID) []core.ID {
	present := make(map[core.ID]struct{}, len(have))
	for _, id := range have {
		present[id] = struct{}{}
	}
	var out []core.ID
	for _, id := range want {
		if _, ok := present[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func edgeEndpoints(edges []*core.Edge) []core.ID {
	seen := make(map[core.ID]struct{})
	var ids []core.ID
	for _, e := range edges {
		for _, id := range []core.ID{e.SourceId, e.TargetId} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func edgeSources(edges []*core.Edge) []core.ID {
	seen := make(map[core.ID]struct{})
	var ids []core.ID
	for _, e := range edges {
		if _, ok := seen[e.SourceId]; !ok {
			seen[e.SourceId] = struct{}{}
			ids = append(ids, e.SourceId)
		}
	}
	return ids
}

// priorEdges returns the members of existing whose key is in edges.
func priorEdges(edges, existing []*core.Edge) []*core.Edge {
	keys := make(map[core.EdgeKey]struct{}, len(edges))
	for _, e := range edges {
		keys[e.Key()] = struct{}{}
	}
	var out []*core.Edge
	for _, e := range existing {
		if _, ok := keys[e.Key()]; ok {
			out = append(out, e)
		}
	}
	return out
}

// assignVersions numbers each point against its stored predecessor. A new
// point keeps the version it was given. A stored point keeps its version when
// type, payload and index text are unchanged and moves to the next one
// otherwise. Vectors do not count as content.
func assignVersions(points, prior []*core.DataPoint) error {
	stored := make(map[core.ID]*core.DataPoint, len(prior))
	for _, p := range prior {
		stored[p.Id] = p
	}
	for _, dp := range points {
		p, ok := stored[dp.Id]
		if !ok {
			continue
		}
		same, err := sameContent(p, dp)
		if err != nil {
			return err
		}
		if same {
			dp.Version = p.Version
		} else {
			dp.Version = p.Version + 1
		}
	}
	return nil
}

func sameContent(a, b *core.DataPoint) (bool, error) {
	if a.Type != b.Type || a.IndexText() != b.IndexText() {
		return false, nil
	}
	pa, err := storage.MarshalPayload(a.Payload)
	if err != nil {
		return false, err
	}
	pb, err := storage.MarshalPayload(b.Payload)
	if err != nil {
		return false, err
	}
	return bytes.Equal(pa, pb), nil
}
