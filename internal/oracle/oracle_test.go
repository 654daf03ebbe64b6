package oracle

import (
	"context"
	"strings"
	"testing"

	"atelier/internal/types"
)

// stubLLM returns canned responses and records the prompts it saw.
type stubLLM struct {
	response string
	err      error
	system   string
	prompt   string
}

func (s *stubLLM) Complete(ctx context.Context, prompt string) (string, error) {
	s.prompt = prompt
	return s.response, s.err
}

func (s *stubLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.system = systemPrompt
	s.prompt = userPrompt
	return s.response, s.err
}

func TestOutlineParsesRootAndChildren(t *testing.T) {
	stub := &stubLLM{response: `Here is the plan:
` + "```json" + `
{
  "root": {"name": "Checkout Flow", "description": "Payment checkout", "kind": "collection", "category": "commerce"},
  "children": [
    {"name": "Card Form", "kind": "component", "level": "sub_organism", "demoable": true, "files": ["card.tsx"]},
    {"name": "useTotals", "kind": "snippet", "level": "molecule", "files": ["totals.ts"]}
  ]
}
` + "```"}
	o := New(stub)

	result, err := o.Outline(context.Background(), []SourceFile{{Path: "card.tsx", Content: "..."}}, types.Taxonomy{
		Categories: []string{"commerce"},
	})
	if err != nil {
		t.Fatalf("Outline failed: %v", err)
	}
	if result.Root.Name != "Checkout Flow" {
		t.Errorf("root name = %q, want Checkout Flow", result.Root.Name)
	}
	if result.Root.Level != types.LevelOrganism {
		t.Errorf("root level = %q, want organism", result.Root.Level)
	}
	if len(result.Children) != 2 {
		t.Fatalf("got %d children, want 2", len(result.Children))
	}
	if result.Children[0].Level != types.LevelSubOrganism {
		t.Errorf("child 0 level = %q, want sub_organism", result.Children[0].Level)
	}
	if result.Children[1].Level != types.LevelMolecule {
		t.Errorf("child 1 level = %q, want molecule", result.Children[1].Level)
	}
	if !result.Children[0].Demoable {
		t.Error("child 0 should be demoable")
	}
	if !strings.Contains(stub.prompt, "commerce") {
		t.Error("taxonomy vocabulary missing from prompt")
	}
}

func TestOutlineClampsBogusLevel(t *testing.T) {
	stub := &stubLLM{response: `{"root": {"name": "R", "kind": "collection"}, "children": [{"name": "C", "kind": "snippet", "level": "quark"}]}`}
	o := New(stub)

	result, err := o.Outline(context.Background(), []SourceFile{{Path: "a.ts"}}, types.Taxonomy{})
	if err != nil {
		t.Fatalf("Outline failed: %v", err)
	}
	if result.Children[0].Level != types.LevelMolecule {
		t.Errorf("bogus level clamped to %q, want molecule", result.Children[0].Level)
	}
}

func TestOutlineRejectsEmptySubmission(t *testing.T) {
	o := New(&stubLLM{})
	if _, err := o.Outline(context.Background(), nil, types.Taxonomy{}); err == nil {
		t.Fatal("expected error for empty submission")
	}
}

func TestJudgeSkipsUnknownVerdictAndCandidate(t *testing.T) {
	stub := &stubLLM{response: `{"matches": [
		{"candidate_id": "item-1", "verdict": "variant", "confidence": 0.91, "reasoning": "same purpose"},
		{"candidate_id": "item-1", "verdict": "sibling", "confidence": 0.80, "reasoning": "made up verdict"},
		{"candidate_id": "ghost", "verdict": "parent_of", "confidence": 0.95, "reasoning": "not a candidate"}
	]}`}
	o := New(stub)

	candidates := []Candidate{{
		Item:       types.Item{ID: "item-1", Name: "DataTable", Kind: types.KindComponent},
		Similarity: 0.81,
		Role:       types.RoleChild,
		ParentName: "Table",
	}}
	matches, err := o.Judge(context.Background(), types.Piece{Name: "GridTable", Kind: types.KindComponent}, candidates)
	if err != nil {
		t.Fatalf("Judge failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1 (unknown verdict and unknown id skipped)", len(matches))
	}
	if matches[0].Verdict != types.VerdictVariant {
		t.Errorf("verdict = %v, want variant", matches[0].Verdict)
	}
	if matches[0].CandidateID != "item-1" {
		t.Errorf("candidate id = %q, want item-1", matches[0].CandidateID)
	}
	if !strings.Contains(stub.prompt, "parent: Table") {
		t.Error("family position missing from judge prompt")
	}
}

func TestJudgeNoCandidatesSkipsCall(t *testing.T) {
	stub := &stubLLM{response: `should never be parsed`}
	o := New(stub)

	matches, err := o.Judge(context.Background(), types.Piece{Name: "X"}, nil)
	if err != nil {
		t.Fatalf("Judge failed: %v", err)
	}
	if matches != nil {
		t.Errorf("got %v, want nil", matches)
	}
	if stub.prompt != "" {
		t.Error("Judge called the LLM with zero candidates")
	}
}

func TestExtractAtomsForcesAtomLevel(t *testing.T) {
	stub := &stubLLM{response: `{"atoms": [
		{"name": "useDebounce", "kind": "snippet", "level": "molecule"},
		{"name": "clamp", "kind": "snippet"}
	]}`}
	o := New(stub)

	atoms, err := o.ExtractAtoms(context.Background(), types.Piece{
		Name: "SearchBox", Kind: types.KindComponent, Level: types.LevelMolecule,
	}, []SourceFile{{Path: "search.ts", Content: "..."}})
	if err != nil {
		t.Fatalf("ExtractAtoms failed: %v", err)
	}
	if len(atoms) != 2 {
		t.Fatalf("got %d atoms, want 2", len(atoms))
	}
	for _, a := range atoms {
		if a.Level != types.LevelAtom {
			t.Errorf("atom %q level = %q, want atom", a.Name, a.Level)
		}
	}
}

func TestDescribeFamilyRequiresName(t *testing.T) {
	stub := &stubLLM{response: `{"name": "", "description": "vague"}`}
	o := New(stub)

	_, err := o.DescribeFamily(context.Background(), []types.Item{{Name: "A"}, {Name: "B"}})
	if err == nil {
		t.Fatal("expected error for nameless family description")
	}
}

func TestDescribeFamily(t *testing.T) {
	stub := &stubLLM{response: `The group is:
{"name": "Data Table", "description": "Tabular display of records"}`}
	o := New(stub)

	desc, err := o.DescribeFamily(context.Background(), []types.Item{
		{Name: "SortableTable", Description: "table with sort"},
		{Name: "PagedTable", Description: "table with paging"},
	})
	if err != nil {
		t.Fatalf("DescribeFamily failed: %v", err)
	}
	if desc.Name != "Data Table" {
		t.Errorf("name = %q, want Data Table", desc.Name)
	}
	if !strings.Contains(stub.prompt, "SortableTable") {
		t.Error("member names missing from prompt")
	}
}

func TestClassifyOrphanClaimsFile(t *testing.T) {
	stub := &stubLLM{response: `{"name": "formatBytes", "kind": "snippet", "category": "util"}`}
	o := New(stub)

	piece, err := o.ClassifyOrphan(context.Background(), SourceFile{Path: "fmt.ts", Content: "export ..."}, types.Taxonomy{})
	if err != nil {
		t.Fatalf("ClassifyOrphan failed: %v", err)
	}
	if piece.Name != "formatBytes" {
		t.Errorf("name = %q, want formatBytes", piece.Name)
	}
	if len(piece.Files) != 1 || piece.Files[0] != "fmt.ts" {
		t.Errorf("files = %v, want [fmt.ts]", piece.Files)
	}
	if piece.Level != types.LevelMolecule {
		t.Errorf("level = %q, want molecule", piece.Level)
	}
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	var out familyResponse
	if err := decodeJSON("no json here at all", &out); err == nil {
		t.Fatal("expected error for non-JSON response")
	}
}

func TestBadKindFallsBackToSnippet(t *testing.T) {
	p := piecePayload{Name: "X", Kind: "gizmo"}
	piece := p.toPiece(types.LevelMolecule)
	if piece.Kind != types.KindSnippet {
		t.Errorf("kind = %q, want snippet fallback", piece.Kind)
	}
}
