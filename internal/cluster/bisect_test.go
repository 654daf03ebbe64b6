package cluster

import (
	"testing"

	"atelier/internal/vecmath"
)

func TestBisectDegenerate(t *testing.T) {
	a, b := Bisect(nil)
	if len(a) != 0 || len(b) != 0 {
		t.Errorf("Bisect(nil) = %d/%d members", len(a), len(b))
	}

	single := []Member{{ID: "x", Embedding: []float32{1, 0}}}
	a, b = Bisect(single)
	if len(a) != 1 || len(b) != 0 {
		t.Errorf("Bisect(singleton) = %d/%d, want 1/0", len(a), len(b))
	}
	if a[0].ID != "x" {
		t.Errorf("singleton landed as %q", a[0].ID)
	}
}

func TestBisectSeparatesTwoClusters(t *testing.T) {
	// Two tight clusters around orthogonal directions.
	members := []Member{
		{ID: "a1", Embedding: []float32{1, 0, 0}},
		{ID: "a2", Embedding: []float32{0.95, 0.05, 0}},
		{ID: "a3", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "b1", Embedding: []float32{0, 1, 0}},
		{ID: "b2", Embedding: []float32{0.05, 0.95, 0}},
	}

	groupA, groupB := Bisect(members)
	if len(groupA)+len(groupB) != len(members) {
		t.Fatalf("lost members: %d + %d != %d", len(groupA), len(groupB), len(members))
	}
	if len(groupA) == 0 || len(groupB) == 0 {
		t.Fatalf("degenerate split %d/%d for clearly separable input", len(groupA), len(groupB))
	}

	sameSide := func(ids []string, group []Member) bool {
		found := 0
		for _, m := range group {
			for _, id := range ids {
				if m.ID == id {
					found++
				}
			}
		}
		return found == len(ids) || found == 0
	}

	if !sameSide([]string{"a1", "a2", "a3"}, groupA) {
		t.Errorf("a-cluster was split across groups: A=%v B=%v", ids(groupA), ids(groupB))
	}
	if !sameSide([]string{"b1", "b2"}, groupA) {
		t.Errorf("b-cluster was split across groups: A=%v B=%v", ids(groupA), ids(groupB))
	}
}

func TestBisectHalvesAreCohesive(t *testing.T) {
	members := []Member{
		{ID: "a1", Embedding: []float32{1, 0}},
		{ID: "a2", Embedding: []float32{0.99, 0.02}},
		{ID: "b1", Embedding: []float32{0, 1}},
		{ID: "b2", Embedding: []float32{0.02, 0.99}},
	}

	groupA, groupB := Bisect(members)

	whole := vecmath.AvgPairwiseSimilarity(embeddings(members))
	for _, g := range [][]Member{groupA, groupB} {
		if len(g) < 2 {
			continue
		}
		if cohesion := vecmath.AvgPairwiseSimilarity(embeddings(g)); cohesion <= whole {
			t.Errorf("half cohesion %v not better than whole %v", cohesion, whole)
		}
	}
}

func ids(members []Member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.ID
	}
	return out
}

func embeddings(members []Member) [][]float32 {
	out := make([][]float32, len(members))
	for i, m := range members {
		out[i] = m.Embedding
	}
	return out
}
