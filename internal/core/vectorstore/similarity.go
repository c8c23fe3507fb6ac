package vectorstore

import (
	"cmp"
	"math"
	"slices"
)

// cosine returns the cosine similarity of a and b, or false when the vectors
// cannot be compared.
func cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

const (
	// DefaultTopK is used when a search asks for k <= 0.
	DefaultTopK = 5

	overFetch           = 4
	maxSearchCandidates = 1024
)

func searchK(k int) int {
	if k <= 0 {
		return DefaultTopK
	}
	return k
}

// topK sorts hits by descending score and keeps at most k.
func topK(hits []ScoredChunk, k int) []ScoredChunk {
	slices.SortFunc(hits, func(a, b ScoredChunk) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
