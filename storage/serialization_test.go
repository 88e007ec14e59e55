package storage

import (
	"testing"
	"time"

	"github.com/poiesic/kgraph/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalID(t *testing.T) {
	tests := []struct {
		name string
		id   core.ID
	}{
		{"nil ID", core.NilID},
		{"random ID", core.NewID()},
		{"content-based ID", core.IDFromContent("test content")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := MarshalID(tt.id)
			require.Len(t, data, idSize)

			decoded, err := UnmarshalID(data)
			require.NoError(t, err)
			assert.Equal(t, tt.id, decoded)
		})
	}
}

func TestUnmarshalID_Invalid(t *testing.T) {
	_, err := UnmarshalID([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncatedData)
}

func TestDataPointRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	dp := &core.DataPoint{
		Id:        core.NewID(),
		DatasetId: core.NewID(),
		Type:      core.TypeEntity,
		Version:   3,
		Payload:   map[string]any{"name": "paris", "kind": "place"},
		Vector:    []float32{0.5, -0.25, 0, 1},
		Text:      "paris",
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := MarshalDataPoint(dp)
	require.NoError(t, err)

	decoded, err := UnmarshalDataPoint(data)
	require.NoError(t, err)
	assert.Equal(t, dp, decoded)
}

func TestDataPointRoundTrip_Sparse(t *testing.T) {
	dp := &core.DataPoint{
		Id:        core.NewID(),
		DatasetId: core.NewID(),
		Type:      core.TypeChunk,
	}

	data, err := MarshalDataPoint(dp)
	require.NoError(t, err)

	decoded, err := UnmarshalDataPoint(data)
	require.NoError(t, err)
	assert.Nil(t, decoded.Payload)
	assert.Nil(t, decoded.Vector)
	assert.True(t, decoded.CreatedAt.IsZero())
}

func TestUnmarshalDataPoint_Truncated(t *testing.T) {
	dp := &core.DataPoint{Id: core.NewID(), DatasetId: core.NewID(), Type: "x", Vector: []float32{1, 2}}
	data, err := MarshalDataPoint(dp)
	require.NoError(t, err)

	_, err = UnmarshalDataPoint(data[:len(data)/2])
	assert.ErrorIs(t, err, ErrSerializationFailed)
}

func TestEdgeRoundTrip(t *testing.T) {
	e := &core.Edge{
		SourceId:   core.NewID(),
		TargetId:   core.NewID(),
		Label:      "located_in",
		DatasetId:  core.NewID(),
		Properties: map[string]any{"weight": 0.5},
	}

	data, err := MarshalEdge(e)
	require.NoError(t, err)

	decoded, err := UnmarshalEdge(data)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestVectorRecordRoundTrip(t *testing.T) {
	v := &core.VectorRecord{
		Id:        core.NewID(),
		DatasetId: core.NewID(),
		Type:      core.TypeChunk,
		Text:      "some chunk",
		Vector:    []float32{0.1, 0.2, 0.3},
	}

	decoded, err := UnmarshalVectorRecord(MarshalVectorRecord(v))
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{3.5, -1e-6, 42}
	decoded, err := UnmarshalVector(MarshalVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, decoded)
}
