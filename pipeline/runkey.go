package pipeline

import (
	"slices"
	"strings"

	"github.com/poiesic/kgraph/core"
)

// RunKey returns the deduplication key of a run: a hash over the dataset,
// each task's name and fingerprint, and the input signature. It returns ""
// when any task is non-deterministic, which disables deduplication.
func RunKey(datasetID core.ID, tasks []Task, inputKey string) string {
	var sb strings.Builder
	sb.WriteString(datasetID.String())
	for _, t := range tasks {
		if !t.Deterministic() {
			return ""
		}
		sb.WriteByte(0)
		sb.WriteString(t.Name())
		sb.WriteByte(0)
		sb.WriteString(t.Fingerprint())
	}
	sb.WriteByte(0)
	sb.WriteString(inputKey)
	return core.ContentHash([]byte(sb.String()))
}

// InputKey returns a signature for a set of input ids, independent of order.
func InputKey(ids []core.ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	slices.Sort(parts)
	return core.ContentHash([]byte(strings.Join(parts, "\x00")))
}
