package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"atelier/internal/logging"
	"atelier/internal/types"
)

// SourceFile is one file of a submission handed to the oracle.
type SourceFile struct {
	Path    string
	Content string
}

// Candidate is a retrieved library item enriched with its family position,
// as presented to the judge. The role and relative names let the model
// reason about tree position, not just content.
type Candidate struct {
	Item         types.Item
	Similarity   float64
	Role         types.FamilyRole
	ParentName   string
	ChildNames   []string
	SiblingNames []string
}

// FamilyDescription is the generated identity for an abstract family parent.
type FamilyDescription struct {
	Name        string
	Description string
}

// Oracle exposes the LLM-backed decision functions. All methods are
// blocking; callers own timeout and degradation policy.
type Oracle struct {
	llm LLMClient
}

// New creates an Oracle on top of an LLM client.
func New(llm LLMClient) *Oracle {
	return &Oracle{llm: llm}
}

func parseTimeout(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// =============================================================================
// OUTLINE
// =============================================================================

const outlineSystemPrompt = `You are the decomposition planner for a shared component library.
Given the source files of a submission, identify the root piece and its immediate children.
Each child claims a subset of the files; a file may be claimed by at most one child.
Reuse vocabulary from the provided taxonomy where it fits.
Respond with ONLY a JSON object:
{
  "root": {"name": "...", "description": "...", "kind": "snippet|component|collection", "category": "...", "item_type": "...", "domain": "...", "stack": "...", "language": "...", "libraries": [], "tags": []},
  "children": [
    {"name": "...", "description": "...", "kind": "...", "level": "sub_organism|molecule", "demoable": true, "files": ["path"], "category": "...", "item_type": "...", "domain": "...", "stack": "...", "language": "...", "libraries": [], "tags": []}
  ]
}`

// Outline pre-classifies a submission into a root piece and its immediate
// children. The taxonomy biases the model toward vocabulary the library
// already uses.
func (o *Oracle) Outline(ctx context.Context, files []SourceFile, taxonomy types.Taxonomy) (*types.OutlineResult, error) {
	timer := logging.StartTimer(logging.CategoryOracle, "Outline")
	defer timer.Stop()

	if len(files) == 0 {
		return nil, fmt.Errorf("no files to outline")
	}

	var b strings.Builder
	writeTaxonomy(&b, taxonomy)
	b.WriteString("\nSource files:\n")
	writeFiles(&b, files)

	raw, err := o.llm.CompleteWithSystem(ctx, outlineSystemPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("outline call failed: %w", err)
	}

	var resp outlineResponse
	if err := decodeJSON(raw, &resp); err != nil {
		return nil, fmt.Errorf("outline response unusable: %w", err)
	}

	result := &types.OutlineResult{Root: resp.Root.toPiece(types.LevelOrganism)}
	for _, c := range resp.Children {
		child := c.toPiece(types.LevelSubOrganism)
		if c.Level != "" {
			child.Level = types.PieceLevel(c.Level)
		}
		// Anything below molecule at outline depth is noise; clamp it.
		if child.Level != types.LevelSubOrganism && child.Level != types.LevelMolecule {
			child.Level = types.LevelMolecule
		}
		result.Children = append(result.Children, types.OutlineChild{Piece: child})
	}

	logging.Oracle("Outline: root=%q children=%d", result.Root.Name, len(result.Children))
	return result, nil
}

// =============================================================================
// JUDGE
// =============================================================================

const judgeSystemPrompt = `You are the reuse judge for a shared component library.
Given a candidate piece and up to five existing library items (each with its family position),
decide whether the piece matches any of them. Verdicts:
- "parent_of": the existing item already covers the piece; reuse it.
- "variant": the piece is a sibling variation of the item (same purpose, different approach).
- "expansion": the piece extends the item's functionality.
Return only confident matches, best first. Respond with ONLY a JSON object:
{"matches": [{"candidate_id": "...", "verdict": "variant|parent_of|expansion", "confidence": 0.0, "reasoning": "..."}]}
An empty matches array means the piece is new.`

// Judge compares a piece against enriched candidates and returns zero or
// more matches. Matches with unknown verdicts are dropped, not guessed at.
func (o *Oracle) Judge(ctx context.Context, piece types.Piece, candidates []Candidate) ([]types.JudgeMatch, error) {
	timer := logging.StartTimer(logging.CategoryOracle, "Judge")
	defer timer.Stop()

	if len(candidates) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("Piece under review:\n")
	writePiece(&b, piece)
	b.WriteString("\nExisting library items:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. id=%s name=%q kind=%s similarity=%.3f role=%s\n",
			i+1, c.Item.ID, c.Item.Name, c.Item.Kind, c.Similarity, c.Role)
		if c.Item.Description != "" {
			fmt.Fprintf(&b, "   description: %s\n", c.Item.Description)
		}
		if c.ParentName != "" {
			fmt.Fprintf(&b, "   parent: %s\n", c.ParentName)
		}
		if len(c.ChildNames) > 0 {
			fmt.Fprintf(&b, "   children: %s\n", strings.Join(c.ChildNames, ", "))
		}
		if len(c.SiblingNames) > 0 {
			fmt.Fprintf(&b, "   siblings: %s\n", strings.Join(c.SiblingNames, ", "))
		}
	}

	raw, err := o.llm.CompleteWithSystem(ctx, judgeSystemPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("judge call failed: %w", err)
	}

	var resp judgeResponse
	if err := decodeJSON(raw, &resp); err != nil {
		return nil, fmt.Errorf("judge response unusable: %w", err)
	}

	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.Item.ID] = true
	}

	var matches []types.JudgeMatch
	for _, m := range resp.Matches {
		verdict, err := types.ParseVerdict(m.Verdict)
		if err != nil {
			logging.Get(logging.CategoryOracle).Warn("Judge returned unknown verdict %q, skipping", m.Verdict)
			continue
		}
		if !known[m.CandidateID] {
			logging.Get(logging.CategoryOracle).Warn("Judge matched unknown candidate %q, skipping", m.CandidateID)
			continue
		}
		matches = append(matches, types.JudgeMatch{
			CandidateID: m.CandidateID,
			Verdict:     verdict,
			Confidence:  m.Confidence,
			Reasoning:   m.Reasoning,
		})
	}

	logging.Oracle("Judge: piece=%q candidates=%d matches=%d", piece.Name, len(candidates), len(matches))
	return matches, nil
}

// =============================================================================
// ATOM EXTRACTION
// =============================================================================

const atomsSystemPrompt = `You are the atom extractor for a shared component library.
Given a molecule-level piece and its source files, list the atomic units inside it
(hooks, helpers, primitives). Atoms are leaves; do not nest them.
Respond with ONLY a JSON object:
{"atoms": [{"name": "...", "description": "...", "kind": "snippet", "category": "...", "item_type": "...", "domain": "...", "stack": "...", "language": "...", "libraries": [], "tags": []}]}`

// ExtractAtoms performs the one-shot decomposition of a molecule into leaf
// atoms. No recursion happens below this level.
func (o *Oracle) ExtractAtoms(ctx context.Context, piece types.Piece, files []SourceFile) ([]types.Piece, error) {
	timer := logging.StartTimer(logging.CategoryOracle, "ExtractAtoms")
	defer timer.Stop()

	var b strings.Builder
	b.WriteString("Molecule:\n")
	writePiece(&b, piece)
	b.WriteString("\nSource files:\n")
	writeFiles(&b, files)

	raw, err := o.llm.CompleteWithSystem(ctx, atomsSystemPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("atom extraction failed: %w", err)
	}

	var resp atomsResponse
	if err := decodeJSON(raw, &resp); err != nil {
		return nil, fmt.Errorf("atom response unusable: %w", err)
	}

	atoms := make([]types.Piece, 0, len(resp.Atoms))
	for _, a := range resp.Atoms {
		atom := a.toPiece(types.LevelAtom)
		atom.Level = types.LevelAtom
		atoms = append(atoms, atom)
	}
	logging.Oracle("ExtractAtoms: molecule=%q atoms=%d", piece.Name, len(atoms))
	return atoms, nil
}

// =============================================================================
// FAMILY DESCRIPTION
// =============================================================================

const familySystemPrompt = `You are naming an abstract grouping concept for a component library.
Given the concrete variants below, produce a short generic name and a description of
what they have in common. The name must not favor any single variant.
Respond with ONLY a JSON object: {"name": "...", "description": "..."}`

// DescribeFamily generates the identity of a synthetic abstract parent for
// the given members. How any generated source is produced is out of scope;
// only name and description come back.
func (o *Oracle) DescribeFamily(ctx context.Context, members []types.Item) (FamilyDescription, error) {
	timer := logging.StartTimer(logging.CategoryOracle, "DescribeFamily")
	defer timer.Stop()

	if len(members) == 0 {
		return FamilyDescription{}, fmt.Errorf("no members to describe")
	}

	var b strings.Builder
	b.WriteString("Variants:\n")
	for _, m := range members {
		fmt.Fprintf(&b, "- %s: %s\n", m.Name, m.Description)
	}

	raw, err := o.llm.CompleteWithSystem(ctx, familySystemPrompt, b.String())
	if err != nil {
		return FamilyDescription{}, fmt.Errorf("family description failed: %w", err)
	}

	var resp familyResponse
	if err := decodeJSON(raw, &resp); err != nil {
		return FamilyDescription{}, fmt.Errorf("family response unusable: %w", err)
	}
	if resp.Name == "" {
		return FamilyDescription{}, fmt.Errorf("family description missing name")
	}
	return FamilyDescription{Name: resp.Name, Description: resp.Description}, nil
}

// =============================================================================
// ORPHAN CLASSIFICATION
// =============================================================================

const orphanSystemPrompt = `You are classifying a source file that no declared child of a submission claimed.
Describe it as a standalone piece of the library, reusing taxonomy vocabulary where it fits.
Respond with ONLY a JSON object:
{"name": "...", "description": "...", "kind": "snippet|component", "level": "molecule", "category": "...", "item_type": "...", "domain": "...", "stack": "...", "language": "...", "libraries": [], "tags": []}`

// ClassifyOrphan turns an unclaimed file into a resolvable piece.
func (o *Oracle) ClassifyOrphan(ctx context.Context, file SourceFile, taxonomy types.Taxonomy) (*types.Piece, error) {
	timer := logging.StartTimer(logging.CategoryOracle, "ClassifyOrphan")
	defer timer.Stop()

	var b strings.Builder
	writeTaxonomy(&b, taxonomy)
	fmt.Fprintf(&b, "\nFile %s:\n%s\n", file.Path, file.Content)

	raw, err := o.llm.CompleteWithSystem(ctx, orphanSystemPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("orphan classification failed: %w", err)
	}

	var resp piecePayload
	if err := decodeJSON(raw, &resp); err != nil {
		return nil, fmt.Errorf("orphan response unusable: %w", err)
	}

	piece := resp.toPiece(types.LevelMolecule)
	piece.Files = []string{file.Path}
	return &piece, nil
}

// =============================================================================
// WIRE TYPES AND HELPERS
// =============================================================================

type piecePayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Kind        string   `json:"kind"`
	Level       string   `json:"level"`
	Demoable    bool     `json:"demoable"`
	Files       []string `json:"files"`
	Category    string   `json:"category"`
	ItemType    string   `json:"item_type"`
	Domain      string   `json:"domain"`
	Stack       string   `json:"stack"`
	Language    string   `json:"language"`
	Libraries   []string `json:"libraries"`
	Tags        []string `json:"tags"`
}

func (p piecePayload) toPiece(defaultLevel types.PieceLevel) types.Piece {
	kind := types.ItemKind(p.Kind)
	if !types.ValidItemKind(kind) {
		kind = types.KindSnippet
	}
	return types.Piece{
		Name:        p.Name,
		Description: p.Description,
		Kind:        kind,
		Level:       defaultLevel,
		Demoable:    p.Demoable,
		Files:       p.Files,
		Category:    p.Category,
		ItemType:    p.ItemType,
		Domain:      p.Domain,
		Stack:       p.Stack,
		Language:    p.Language,
		Libraries:   p.Libraries,
		Tags:        p.Tags,
	}
}

type outlineResponse struct {
	Root     piecePayload   `json:"root"`
	Children []piecePayload `json:"children"`
}

type judgeResponse struct {
	Matches []struct {
		CandidateID string  `json:"candidate_id"`
		Verdict     string  `json:"verdict"`
		Confidence  float64 `json:"confidence"`
		Reasoning   string  `json:"reasoning"`
	} `json:"matches"`
}

type atomsResponse struct {
	Atoms []piecePayload `json:"atoms"`
}

type familyResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// decodeJSON pulls the first balanced JSON object out of a model response
// and unmarshals it.
func decodeJSON(raw string, v interface{}) error {
	payload := extractJSON(raw)
	if payload == "" {
		return fmt.Errorf("no JSON object in response")
	}
	return json.Unmarshal([]byte(payload), v)
}

func writeTaxonomy(b *strings.Builder, taxonomy types.Taxonomy) {
	b.WriteString("Known taxonomy:\n")
	if len(taxonomy.Categories) > 0 {
		fmt.Fprintf(b, "categories: %s\n", strings.Join(taxonomy.Categories, ", "))
	}
	if len(taxonomy.ItemTypes) > 0 {
		fmt.Fprintf(b, "types: %s\n", strings.Join(taxonomy.ItemTypes, ", "))
	}
	if len(taxonomy.Domains) > 0 {
		fmt.Fprintf(b, "domains: %s\n", strings.Join(taxonomy.Domains, ", "))
	}
	if len(taxonomy.Tags) > 0 {
		fmt.Fprintf(b, "tags: %s\n", strings.Join(taxonomy.Tags, ", "))
	}
}

func writeFiles(b *strings.Builder, files []SourceFile) {
	for _, f := range files {
		fmt.Fprintf(b, "--- %s ---\n%s\n", f.Path, f.Content)
	}
}

func writePiece(b *strings.Builder, piece types.Piece) {
	fmt.Fprintf(b, "name: %s\nkind: %s\nlevel: %s\n", piece.Name, piece.Kind, piece.Level)
	if piece.Context != "" {
		fmt.Fprintf(b, "context: %s\n", piece.Context)
	}
	if piece.Description != "" {
		fmt.Fprintf(b, "description: %s\n", piece.Description)
	}
	if piece.Category != "" {
		fmt.Fprintf(b, "category: %s\n", piece.Category)
	}
	if len(piece.Tags) > 0 {
		fmt.Fprintf(b, "tags: %s\n", strings.Join(piece.Tags, ", "))
	}
}
