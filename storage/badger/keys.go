package badger

import (
	"github.com/poiesic/kgraph/core"
)

// Key prefixes for different data types
const (
	nodePrefix      = "node:"
	edgeOutPrefix   = "edgo:"
	edgeInPrefix    = "edgi:"
	vectorPrefix    = "vect:"
	idLen           = 16
	edgeKeyMinBytes = len(edgeOutPrefix) + 2*idLen
)

// makeNodeKey generates a key for a graph node by ID.
func makeNodeKey(id core.ID) []byte {
	return appendID([]byte(nodePrefix), id)
}

// makeEdgeOutKey generates the primary key for an edge.
// Format: prefix:source:target:label
func makeEdgeOutKey(k core.EdgeKey) []byte {
	buf := make([]byte, 0, edgeKeyMinBytes+len(k.Label))
	buf = append(buf, edgeOutPrefix...)
	buf = appendID(buf, k.SourceId)
	buf = appendID(buf, k.TargetId)
	return append(buf, k.Label...)
}

// makeEdgeInKey generates the reverse index key for an edge.
// Format: prefix:target:source:label
func makeEdgeInKey(k core.EdgeKey) []byte {
	buf := make([]byte, 0, edgeKeyMinBytes+len(k.Label))
	buf = append(buf, edgeInPrefix...)
	buf = appendID(buf, k.TargetId)
	buf = appendID(buf, k.SourceId)
	return append(buf, k.Label...)
}

// makePartialEdgeOutKey generates a prefix matching every edge leaving id.
func makePartialEdgeOutKey(id core.ID) []byte {
	return appendID([]byte(edgeOutPrefix), id)
}

// makePartialEdgeInKey generates a prefix matching every edge entering id.
func makePartialEdgeInKey(id core.ID) []byte {
	return appendID([]byte(edgeInPrefix), id)
}

// parseEdgeInKey recovers the edge key from a reverse index key.
func parseEdgeInKey(key []byte) (core.EdgeKey, bool) {
	var k core.EdgeKey
	if len(key) < edgeKeyMinBytes {
		return k, false
	}
	rest := key[len(edgeInPrefix):]
	copy(k.TargetId[:], rest[:idLen])
	copy(k.SourceId[:], rest[idLen:2*idLen])
	k.Label = string(rest[2*idLen:])
	return k, true
}

// makeVectorKey generates a key for a vector record by ID.
func makeVectorKey(id core.ID) []byte {
	return appendID([]byte(vectorPrefix), id)
}

func appendID(buf []byte, id core.ID) []byte {
	return append(buf, id[:]...)
}
