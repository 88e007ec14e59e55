package storage

import (
	"math"
	"slices"

	"github.com/poiesic/kgraph/core"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Vectors of different length are compared over the shorter prefix.
func CosineSimilarity(a, b []float32) float32 {
	var dot, na, nb float64
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// TopScored sorts results by score descending and truncates to limit.
// A non-positive limit keeps every result.
func TopScored(results []core.ScoredVector, limit int) []core.ScoredVector {
	slices.SortFunc(results, func(a, b core.ScoredVector) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
