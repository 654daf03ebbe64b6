// Package vecmath is the pure vector kernel behind similarity search,
// family centroids, and cohesion scoring. No I/O, no panics: degenerate
// inputs (empty vectors, zero norms, mismatched lengths) return defined
// sentinels instead of errors.
package vecmath

import "math"

// Cosine returns the cosine similarity of a and b in [0, 1].
// Returns 0 when either vector is empty, zero-norm, or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Embeddings are non-negative-ish but float error can push the result
	// slightly outside the unit interval.
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// Centroid returns the L2-normalized mean of vecs. Empty input returns nil.
// Vectors whose length disagrees with the first are skipped.
func Centroid(vecs [][]float32) []float32 {
	var dim int
	for _, v := range vecs {
		if len(v) > 0 {
			dim = len(v)
			break
		}
	}
	if dim == 0 {
		return nil
	}

	sum := make([]float64, dim)
	count := 0
	for _, v := range vecs {
		if len(v) != dim {
			continue
		}
		for i := range v {
			sum[i] += float64(v[i])
		}
		count++
	}
	if count == 0 {
		return nil
	}

	for i := range sum {
		sum[i] /= float64(count)
	}
	return normalize(sum)
}

// IncrementalCentroid folds one new vector into an existing centroid that
// summarizes count members, returning the updated normalized centroid.
// The authoritative from-scratch recompute happens in the coherence engine;
// this keeps the running value cheap to maintain on insert.
func IncrementalCentroid(current []float32, count int, next []float32) []float32 {
	if len(next) == 0 {
		return current
	}
	if len(current) == 0 || count <= 0 {
		return Centroid([][]float32{next})
	}
	if len(current) != len(next) {
		return current
	}

	merged := make([]float64, len(current))
	n := float64(count)
	for i := range current {
		merged[i] = (float64(current[i])*n + float64(next[i])) / (n + 1)
	}
	return normalize(merged)
}

// AvgPairwiseSimilarity returns the mean cosine similarity over all
// unordered pairs in vecs. A singleton set is perfectly cohesive by
// convention (1); an empty set scores 0.
func AvgPairwiseSimilarity(vecs [][]float32) float64 {
	if len(vecs) == 0 {
		return 0
	}
	if len(vecs) == 1 {
		return 1
	}

	var total float64
	pairs := 0
	for i := 0; i < len(vecs); i++ {
		for j := i + 1; j < len(vecs); j++ {
			total += Cosine(vecs[i], vecs[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs)
}

// CrossAvgSimilarity returns the mean cosine similarity over the full
// cross product of two member sets. Used by the merge check to validate
// that two families' children actually belong together.
func CrossAvgSimilarity(a, b [][]float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var total float64
	pairs := 0
	for i := range a {
		for j := range b {
			total += Cosine(a[i], b[j])
			pairs++
		}
	}
	return total / float64(pairs)
}

func normalize(v []float64) []float32 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out
}
