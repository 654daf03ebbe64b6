// Package rerank fuses semantic similarity with structural field overlap
// into a single ranking score. Retrieval finds what reads alike; the
// structural score breaks ties between candidates that sound similar but
// live in different categories, stacks, or languages.
package rerank

import (
	"sort"
	"strings"

	"atelier/internal/types"
)

// Weights for the structural score. They sum to 1.0.
const (
	weightCategory  = 0.30
	weightType      = 0.25
	weightDomain    = 0.20
	weightStack     = 0.10
	weightLanguage  = 0.05
	weightLibraries = 0.05
	weightTags      = 0.05
)

// Semantics dominate; structure breaks ties.
const (
	semanticShare   = 0.7
	structuralShare = 0.3
)

// DefaultTopN is how many candidates survive reranking.
const DefaultTopN = 5

// Candidate is a retrieved item carrying its raw semantic similarity.
// Rerank fills Structural and Combined.
type Candidate struct {
	Item       types.Item
	Semantic   float64
	Structural float64
	Combined   float64
}

// Rerank scores every candidate against the piece's categorical fields,
// combines with the semantic similarity, and returns the top n candidates
// in descending combined order. n <= 0 means DefaultTopN.
func Rerank(piece types.Piece, candidates []Candidate, n int) []Candidate {
	if n <= 0 {
		n = DefaultTopN
	}
	if len(candidates) == 0 {
		return nil
	}

	out := make([]Candidate, len(candidates))
	copy(out, candidates)

	for i := range out {
		out[i].Structural = structuralScore(piece, out[i].Item)
		out[i].Combined = semanticShare*out[i].Semantic + structuralShare*out[i].Structural
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Combined > out[j].Combined
	})

	if len(out) > n {
		out = out[:n]
	}
	return out
}

// structuralScore is a weighted exact-match on scalar fields plus overlap
// ratio on the array fields. A field missing on either side contributes 0.
func structuralScore(piece types.Piece, item types.Item) float64 {
	var score float64
	if scalarMatch(piece.Category, item.Category) {
		score += weightCategory
	}
	if scalarMatch(piece.ItemType, item.ItemType) {
		score += weightType
	}
	if scalarMatch(piece.Domain, item.Domain) {
		score += weightDomain
	}
	if scalarMatch(piece.Stack, item.Stack) {
		score += weightStack
	}
	if scalarMatch(piece.Language, item.Language) {
		score += weightLanguage
	}
	score += weightLibraries * overlapRatio(piece.Libraries, item.Libraries)
	score += weightTags * overlapRatio(piece.Tags, item.Tags)
	return score
}

func scalarMatch(a, b string) bool {
	return a != "" && b != "" && strings.EqualFold(a, b)
}

// overlapRatio is |intersection| / |union|, case-insensitive.
func overlapRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[strings.ToLower(s)] = true
	}

	union := make(map[string]bool, len(a)+len(b))
	for k := range seen {
		union[k] = true
	}

	shared := 0
	for _, s := range b {
		k := strings.ToLower(s)
		if seen[k] {
			seen[k] = false
			shared++
		}
		union[k] = true
	}

	return float64(shared) / float64(len(union))
}
