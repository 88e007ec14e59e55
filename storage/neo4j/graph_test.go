package neo4j

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointPropsRoundTrip(t *testing.T) {
	h := storage.NewHandle(core.NewID(), core.NewID(), core.NewID())
	dp := &core.DataPoint{
		Id:      core.NewID(),
		Type:    core.TypeEntity,
		Version: 3,
		Payload: map[string]any{"name": "Paris", "kind": "city"},
	}
	ts := time.Now().UTC().Truncate(time.Microsecond)

	props, err := pointProps(h, dp, ts)
	require.NoError(t, err)
	assert.Equal(t, h.DatasetId.String(), props["dataset_id"])
	assert.Equal(t, "Paris", props["text"])
	assert.IsType(t, "", props["payload"])

	got, err := pointFromProps(props)
	require.NoError(t, err)
	assert.Equal(t, dp.Id, got.Id)
	assert.Equal(t, h.DatasetId, got.DatasetId)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, "city", got.Payload["kind"])
	assert.Equal(t, ts, got.CreatedAt)
	assert.Equal(t, ts, got.UpdatedAt)
}

func TestPointFromProps_BadID(t *testing.T) {
	_, err := pointFromProps(map[string]any{"id": 42})
	assert.ErrorIs(t, err, errBadProps)

	_, err = pointFromProps(map[string]any{"id": "not-a-uuid", "dataset_id": core.NewID().String()})
	assert.Error(t, err)
}

func TestEdgeFromRecord(t *testing.T) {
	h := storage.NewHandle(core.NewID(), core.NewID(), core.NewID())
	src, dst := core.NewID(), core.NewID()
	e, err := edgeFromRecord(h, map[string]any{
		"source":     src.String(),
		"target":     dst.String(),
		"label":      "capital_of",
		"properties": `{"weight":1}`,
	})
	require.NoError(t, err)
	assert.Equal(t, src, e.SourceId)
	assert.Equal(t, dst, e.TargetId)
	assert.Equal(t, "capital_of", e.Label)
	assert.Equal(t, h.DatasetId, e.DatasetId)
	assert.EqualValues(t, 1, e.Properties["weight"])
}

// The live test needs a reachable server, e.g.
// KGRAPH_TEST_NEO4J_URI=neo4j://localhost:7687.
func TestGraphRepository_Live(t *testing.T) {
	uri := os.Getenv("KGRAPH_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("KGRAPH_TEST_NEO4J_URI not set")
	}
	ctx := context.Background()
	client, err := NewClient(ctx, Config{
		URI:      uri,
		Username: os.Getenv("KGRAPH_TEST_NEO4J_USER"),
		Password: os.Getenv("KGRAPH_TEST_NEO4J_PASSWORD"),
	}, nil)
	require.NoError(t, err)
	defer client.Close(ctx)
	require.NoError(t, client.EnsureSchema(ctx))

	repo := NewGraphRepository(client, nil)
	h := storage.NewHandle(core.NewID(), core.NewID(), core.NewID())
	defer repo.DeleteDataset(ctx, h)

	a := &core.DataPoint{Id: core.NewID(), Type: core.TypeEntity, Payload: map[string]any{"name": "a"}}
	b := &core.DataPoint{Id: core.NewID(), Type: core.TypeEntity, Payload: map[string]any{"name": "b"}}
	require.NoError(t, repo.UpsertMany(ctx, h, []*core.DataPoint{a, b}))
	require.NoError(t, repo.UpsertEdges(ctx, h, []*core.Edge{{SourceId: a.Id, TargetId: b.Id, Label: "knows"}}))

	got, err := repo.Get(ctx, h, a.Id)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Payload["name"])

	edges, err := repo.Neighbors(ctx, h, []core.ID{b.Id})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "knows", edges[0].Label)

	other := storage.NewHandle(h.UserId, h.OwnerId, core.NewID())
	_, err = repo.Get(ctx, other, a.Id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, repo.Delete(ctx, h, b.Id))
	edges, err = repo.Neighbors(ctx, h, []core.ID{a.Id})
	require.NoError(t, err)
	assert.Empty(t, edges)
}
