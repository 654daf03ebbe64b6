// Package cluster splits a family's embeddings into two cohesive halves.
// The coherence engine calls Bisect when a family drifts below its cohesion
// threshold, then validates both halves itself; the clusterer makes no
// quality promise of its own.
package cluster

import "atelier/internal/vecmath"

// Member is one embedded family member under consideration for a split.
type Member struct {
	ID        string
	Embedding []float32
}

const bisectIterations = 10

// Bisect partitions members into two groups via seeded two-means.
// Seeds are the pair at maximum cosine distance; the O(n²) seed scan is the
// practical bound on family size. Runs a fixed number of iterations with no
// convergence check: the caller validates cohesion afterward and discards
// the split if either half is too loose. Fewer than two members puts
// everything in groupA.
func Bisect(members []Member) (groupA, groupB []Member) {
	if len(members) < 2 {
		return append(groupA, members...), nil
	}

	seedA, seedB := farthestPair(members)
	centroidA := members[seedA].Embedding
	centroidB := members[seedB].Embedding

	var assignA, assignB []int
	for iter := 0; iter < bisectIterations; iter++ {
		assignA = assignA[:0]
		assignB = assignB[:0]

		for i, m := range members {
			simA := vecmath.Cosine(m.Embedding, centroidA)
			simB := vecmath.Cosine(m.Embedding, centroidB)
			if simA >= simB {
				assignA = append(assignA, i)
			} else {
				assignB = append(assignB, i)
			}
		}

		// A starved side would collapse the split into a no-op partition;
		// keep the current assignment and stop early.
		if len(assignA) == 0 || len(assignB) == 0 {
			break
		}

		centroidA = groupCentroid(members, assignA)
		centroidB = groupCentroid(members, assignB)
	}

	for _, i := range assignA {
		groupA = append(groupA, members[i])
	}
	for _, i := range assignB {
		groupB = append(groupB, members[i])
	}
	return groupA, groupB
}

// farthestPair returns the indices of the two members with maximum cosine
// distance (1 - similarity).
func farthestPair(members []Member) (int, int) {
	bestA, bestB := 0, 1
	bestDist := -1.0
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			dist := 1 - vecmath.Cosine(members[i].Embedding, members[j].Embedding)
			if dist > bestDist {
				bestDist = dist
				bestA, bestB = i, j
			}
		}
	}
	return bestA, bestB
}

func groupCentroid(members []Member, idx []int) []float32 {
	vecs := make([][]float32, 0, len(idx))
	for _, i := range idx {
		vecs = append(vecs, members[i].Embedding)
	}
	return vecmath.Centroid(vecs)
}
