package rerank

import (
	"math"
	"testing"

	"atelier/internal/types"
)

func TestWeightsSumToOne(t *testing.T) {
	sum := weightCategory + weightType + weightDomain + weightStack +
		weightLanguage + weightLibraries + weightTags
	if math.Abs(sum-1.0) > 1e-9 {
		t.Fatalf("structural weights sum to %v, want 1.0", sum)
	}
}

func TestStructuralScoreFullMatch(t *testing.T) {
	piece := types.Piece{
		Category:  "forms",
		ItemType:  "input",
		Domain:    "ecommerce",
		Stack:     "react",
		Language:  "typescript",
		Libraries: []string{"zod"},
		Tags:      []string{"validation"},
	}
	item := types.Item{
		Category:  "Forms", // case-insensitive
		ItemType:  "input",
		Domain:    "ecommerce",
		Stack:     "react",
		Language:  "typescript",
		Libraries: []string{"zod"},
		Tags:      []string{"validation"},
	}

	if score := structuralScore(piece, item); math.Abs(score-1.0) > 1e-9 {
		t.Errorf("full match score = %v, want 1.0", score)
	}
}

func TestStructuralScoreMissingFields(t *testing.T) {
	// Empty on either side contributes nothing.
	piece := types.Piece{Category: "forms"}
	item := types.Item{ItemType: "input"}
	if score := structuralScore(piece, item); score != 0 {
		t.Errorf("disjoint fields score = %v, want 0", score)
	}
}

func TestCombinedSemanticsDominate(t *testing.T) {
	piece := types.Piece{Category: "forms", ItemType: "input", Domain: "ecommerce"}

	// High semantic, zero structure vs low semantic, perfect structure.
	candidates := []Candidate{
		{Item: types.Item{ID: "semantic"}, Semantic: 0.95},
		{Item: types.Item{
			ID: "structural", Category: "forms", ItemType: "input", Domain: "ecommerce",
			Stack: piece.Stack, Language: piece.Language,
		}, Semantic: 0.55},
	}

	ranked := Rerank(piece, candidates, 5)
	if ranked[0].Item.ID != "semantic" {
		t.Errorf("semantically strong candidate should win, got %q first", ranked[0].Item.ID)
	}
}

func TestStructureBreaksTies(t *testing.T) {
	piece := types.Piece{Category: "forms"}

	candidates := []Candidate{
		{Item: types.Item{ID: "plain"}, Semantic: 0.8},
		{Item: types.Item{ID: "matching", Category: "forms"}, Semantic: 0.8},
	}

	ranked := Rerank(piece, candidates, 5)
	if ranked[0].Item.ID != "matching" {
		t.Errorf("structural match should break the tie, got %q first", ranked[0].Item.ID)
	}
}

func TestRerankTruncates(t *testing.T) {
	piece := types.Piece{}
	candidates := make([]Candidate, 9)
	for i := range candidates {
		candidates[i] = Candidate{Item: types.Item{ID: string(rune('a' + i))}, Semantic: float64(i) / 10}
	}

	ranked := Rerank(piece, candidates, 0)
	if len(ranked) != DefaultTopN {
		t.Fatalf("len = %d, want default %d", len(ranked), DefaultTopN)
	}
	// Descending by combined score.
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Combined > ranked[i-1].Combined {
			t.Errorf("ranking not descending at %d", i)
		}
	}
}

func TestRerankEmpty(t *testing.T) {
	if out := Rerank(types.Piece{}, nil, 5); out != nil {
		t.Errorf("empty candidate set should short-circuit, got %v", out)
	}
}

func TestOverlapRatio(t *testing.T) {
	if r := overlapRatio([]string{"a", "b"}, []string{"b", "c"}); math.Abs(r-1.0/3.0) > 1e-9 {
		t.Errorf("overlap = %v, want 1/3", r)
	}
	if r := overlapRatio(nil, []string{"a"}); r != 0 {
		t.Errorf("empty side overlap = %v, want 0", r)
	}
	if r := overlapRatio([]string{"React"}, []string{"react"}); r != 1 {
		t.Errorf("case-insensitive overlap = %v, want 1", r)
	}
}
