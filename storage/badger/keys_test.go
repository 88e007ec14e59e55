package badger

import (
	"bytes"
	"testing"

	"github.com/poiesic/kgraph/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEdgeKeys(t *testing.T) {
	k := core.EdgeKey{SourceId: core.NewID(), TargetId: core.NewID(), Label: "mentions"}

	out := makeEdgeOutKey(k)
	assert.True(t, bytes.HasPrefix(out, makePartialEdgeOutKey(k.SourceId)))

	in := makeEdgeInKey(k)
	assert.True(t, bytes.HasPrefix(in, makePartialEdgeInKey(k.TargetId)))

	parsed, ok := parseEdgeInKey(in)
	require.True(t, ok)
	assert.Equal(t, k, parsed)
}

func TestParseEdgeInKey_Short(t *testing.T) {
	_, ok := parseEdgeInKey([]byte(edgeInPrefix + "abc"))
	assert.False(t, ok)
}

func TestKeyPrefixesDoNotOverlap(t *testing.T) {
	id := core.NewID()
	keys := [][]byte{makeNodeKey(id), makeVectorKey(id), makePartialEdgeOutKey(id), makePartialEdgeInKey(id)}
	for i := range keys {
		for j := range keys {
			if i != j {
				assert.False(t, bytes.HasPrefix(keys[i], keys[j][:5]), "prefix %d overlaps %d", i, j)
			}
		}
	}
}
