package neo4j

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

const (
	nodeLabel = "DataPoint"
	relType   = "EDGE"
)

// GraphRepository implements storage.GraphAdapter on Neo4j.
type GraphRepository struct {
	client *Client
	caller *storage.Caller
}

var _ storage.GraphAdapter = (*GraphRepository)(nil)

// NewGraphRepository creates a graph adapter over client.
func NewGraphRepository(client *Client, caller *storage.Caller) *GraphRepository {
	if caller == nil {
		caller = storage.NewCaller("neo4j", storage.WithTransient(IsTransient), storage.WithCallerLogger(client.logger))
	}
	return &GraphRepository{client: client, caller: caller}
}

// IsTransient reports whether the driver considers err retryable.
func IsTransient(err error) bool {
	return neo4j.IsRetryable(err) || storage.IsTransient(err)
}

// Name identifies the backend.
func (r *GraphRepository) Name() string {
	return "neo4j"
}

// Close releases resources. The client is closed by its owner.
func (r *GraphRepository) Close() error {
	return nil
}

// Get retrieves a single node by ID.
func (r *GraphRepository) Get(ctx context.Context, h storage.Handle, id core.ID) (*core.DataPoint, error) {
	dps, err := r.GetMany(ctx, h, []core.ID{id})
	if err != nil {
		return nil, err
	}
	if len(dps) == 0 {
		return nil, storage.ErrNotFound
	}
	return dps[0], nil
}

// GetMany retrieves the nodes that exist among ids.
func (r *GraphRepository) GetMany(ctx context.Context, h storage.Handle, ids []core.ID) ([]*core.DataPoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cypher := `
		MATCH (n:` + nodeLabel + `)
		WHERE n.dataset_id = $dataset_id AND n.id IN $ids
		RETURN n`
	params := map[string]any{"dataset_id": h.DatasetId.String(), "ids": idStrings(ids)}

	return storage.Call(ctx, r.caller, "graph.get_many", func(ctx context.Context) ([]*core.DataPoint, error) {
		res, err := r.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			result, err := tx.Run(ctx, cypher, params)
			if err != nil {
				return nil, err
			}
			var out []*core.DataPoint
			for result.Next(ctx) {
				raw, ok := result.Record().Get("n")
				if !ok {
					continue
				}
				node, ok := raw.(neo4j.Node)
				if !ok {
					continue
				}
				dp, err := pointFromProps(node.Props)
				if err != nil {
					return nil, err
				}
				out = append(out, dp)
			}
			return out, result.Err()
		})
		if err != nil {
			return nil, err
		}
		dps, _ := res.([]*core.DataPoint)
		return dps, nil
	})
}

// Upsert creates or replaces a node.
func (r *GraphRepository) Upsert(ctx context.Context, h storage.Handle, dp *core.DataPoint) error {
	return r.UpsertMany(ctx, h, []*core.DataPoint{dp})
}

// UpsertMany creates or replaces nodes in one transaction.
func (r *GraphRepository) UpsertMany(ctx context.Context, h storage.Handle, dps []*core.DataPoint) error {
	if len(dps) == 0 {
		return nil
	}
	ts := time.Now().UTC()
	batch := make([]map[string]any, 0, len(dps))
	for _, dp := range dps {
		props, err := pointProps(h, dp, ts)
		if err != nil {
			return err
		}
		batch = append(batch, props)
	}
	cypher := `
		UNWIND $batch AS props
		MERGE (n:` + nodeLabel + ` {id: props.id, dataset_id: props.dataset_id})
		ON CREATE SET n.created_at = props.created_at
		SET n.type = props.type, n.version = props.version, n.payload = props.payload,
			n.text = props.text, n.updated_at = props.updated_at`

	return r.write(ctx, "graph.upsert", cypher, map[string]any{"batch": batch})
}

// Delete removes a node and its incident edges.
func (r *GraphRepository) Delete(ctx context.Context, h storage.Handle, id core.ID) error {
	return r.DeleteMany(ctx, h, []core.ID{id})
}

// DeleteMany removes nodes and their incident edges. Missing nodes are ignored.
func (r *GraphRepository) DeleteMany(ctx context.Context, h storage.Handle, ids []core.ID) error {
	if len(ids) == 0 {
		return nil
	}
	cypher := `
		MATCH (n:` + nodeLabel + `)
		WHERE n.dataset_id = $dataset_id AND n.id IN $ids
		DETACH DELETE n`
	return r.write(ctx, "graph.delete", cypher, map[string]any{"dataset_id": h.DatasetId.String(), "ids": idStrings(ids)})
}

// DeleteDataset removes every node and edge of the dataset.
func (r *GraphRepository) DeleteDataset(ctx context.Context, h storage.Handle) error {
	cypher := `
		MATCH (n:` + nodeLabel + ` {dataset_id: $dataset_id})
		DETACH DELETE n`
	return r.write(ctx, "graph.delete_dataset", cypher, map[string]any{"dataset_id": h.DatasetId.String()})
}

// UpsertEdges creates or replaces edges keyed by (source, target, label).
// Both endpoints must already exist in the dataset.
func (r *GraphRepository) UpsertEdges(ctx context.Context, h storage.Handle, edges []*core.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	batch := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		props, err := storage.MarshalPayload(e.Properties)
		if err != nil {
			return err
		}
		batch = append(batch, map[string]any{
			"source":     e.SourceId.String(),
			"target":     e.TargetId.String(),
			"label":      e.Label,
			"properties": string(props),
		})
	}
	cypher := `
		UNWIND $batch AS e
		MATCH (a:` + nodeLabel + ` {id: e.source, dataset_id: $dataset_id})
		MATCH (b:` + nodeLabel + ` {id: e.target, dataset_id: $dataset_id})
		MERGE (a)-[r:` + relType + ` {label: e.label, dataset_id: $dataset_id}]->(b)
		SET r.properties = e.properties`
	return r.write(ctx, "graph.upsert_edges", cypher, map[string]any{"dataset_id": h.DatasetId.String(), "batch": batch})
}

// DeleteEdges removes edges by key.
func (r *GraphRepository) DeleteEdges(ctx context.Context, h storage.Handle, keys []core.EdgeKey) error {
	if len(keys) == 0 {
		return nil
	}
	batch := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		batch = append(batch, map[string]any{
			"source": k.SourceId.String(),
			"target": k.TargetId.String(),
			"label":  k.Label,
		})
	}
	cypher := `
		UNWIND $batch AS e
		MATCH (a:` + nodeLabel + ` {id: e.source, dataset_id: $dataset_id})-[r:` + relType + ` {label: e.label}]->(b:` + nodeLabel + ` {id: e.target, dataset_id: $dataset_id})
		DELETE r`
	return r.write(ctx, "graph.delete_edges", cypher, map[string]any{"dataset_id": h.DatasetId.String(), "batch": batch})
}

// Neighbors returns every edge with an endpoint in ids.
func (r *GraphRepository) Neighbors(ctx context.Context, h storage.Handle, ids []core.ID) ([]*core.Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cypher := `
		MATCH (a:` + nodeLabel + ` {dataset_id: $dataset_id})-[r:` + relType + `]->(b:` + nodeLabel + ` {dataset_id: $dataset_id})
		WHERE a.id IN $ids OR b.id IN $ids
		RETURN a.id AS source, b.id AS target, r.label AS label, r.properties AS properties`
	params := map[string]any{"dataset_id": h.DatasetId.String(), "ids": idStrings(ids)}

	return storage.Call(ctx, r.caller, "graph.neighbors", func(ctx context.Context) ([]*core.Edge, error) {
		res, err := r.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			result, err := tx.Run(ctx, cypher, params)
			if err != nil {
				return nil, err
			}
			var out []*core.Edge
			for result.Next(ctx) {
				e, err := edgeFromRecord(h, result.Record().AsMap())
				if err != nil {
					return nil, err
				}
				out = append(out, e)
			}
			return out, result.Err()
		})
		if err != nil {
			return nil, err
		}
		edges, _ := res.([]*core.Edge)
		return edges, nil
	})
}

func (r *GraphRepository) write(ctx context.Context, op, cypher string, params map[string]any) error {
	return r.caller.Do(ctx, op, func(ctx context.Context) error {
		_, err := r.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, cypher, params)
			return nil, err
		})
		return err
	})
}

// pointProps flattens a DataPoint into node properties. Neo4j properties
// cannot hold maps, so the payload is stored as JSON text.
func pointProps(h storage.Handle, dp *core.DataPoint, ts time.Time) (map[string]any, error) {
	payload, err := storage.MarshalPayload(dp.Payload)
	if err != nil {
		return nil, err
	}
	created := dp.CreatedAt
	if created.IsZero() {
		created = ts
	}
	return map[string]any{
		"id":         dp.Id.String(),
		"dataset_id": h.DatasetId.String(),
		"type":       dp.Type,
		"version":    int64(dp.Version),
		"payload":    string(payload),
		"text":       dp.IndexText(),
		"created_at": created.UnixMicro(),
		"updated_at": ts.UnixMicro(),
	}, nil
}

var errBadProps = errors.New("neo4j: unexpected property type")

// pointFromProps rebuilds a DataPoint from node properties.
func pointFromProps(props map[string]any) (*core.DataPoint, error) {
	dp := &core.DataPoint{}
	var err error
	if dp.Id, err = idProp(props, "id"); err != nil {
		return nil, err
	}
	if dp.DatasetId, err = idProp(props, "dataset_id"); err != nil {
		return nil, err
	}
	dp.Type, _ = props["type"].(string)
	dp.Text, _ = props["text"].(string)
	if v, ok := props["version"].(int64); ok {
		dp.Version = int(v)
	}
	if v, ok := props["created_at"].(int64); ok && v != 0 {
		dp.CreatedAt = time.UnixMicro(v).UTC()
	}
	if v, ok := props["updated_at"].(int64); ok && v != 0 {
		dp.UpdatedAt = time.UnixMicro(v).UTC()
	}
	if raw, ok := props["payload"].(string); ok {
		if dp.Payload, err = storage.UnmarshalPayload([]byte(raw)); err != nil {
			return nil, err
		}
	}
	return dp, nil
}

func edgeFromRecord(h storage.Handle, rec map[string]any) (*core.Edge, error) {
	e := &core.Edge{DatasetId: h.DatasetId}
	var err error
	if e.SourceId, err = idProp(rec, "source"); err != nil {
		return nil, err
	}
	if e.TargetId, err = idProp(rec, "target"); err != nil {
		return nil, err
	}
	e.Label, _ = rec["label"].(string)
	if raw, ok := rec["properties"].(string); ok {
		if e.Properties, err = storage.UnmarshalPayload([]byte(raw)); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func idProp(props map[string]any, key string) (core.ID, error) {
	s, ok := props[key].(string)
	if !ok {
		return core.NilID, fmt.Errorf("%w: %s", errBadProps, key)
	}
	return core.ParseID(s)
}

func idStrings(ids []core.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
