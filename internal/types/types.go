// Package types defines the core domain model for the atelier library graph:
// items (snippets, components, collections), the three edge kinds that link
// them, and the piece/verdict vocabulary shared by the resolution cascade,
// the hierarchy pipeline, and the coherence engine.
package types

import (
	"fmt"
	"time"
)

// ItemKind classifies a library item.
type ItemKind string

const (
	KindSnippet    ItemKind = "snippet"
	KindComponent  ItemKind = "component"
	KindCollection ItemKind = "collection"
)

// ValidItemKind reports whether k is one of the known kinds.
func ValidItemKind(k ItemKind) bool {
	switch k {
	case KindSnippet, KindComponent, KindCollection:
		return true
	}
	return false
}

// EdgeKind identifies one of the three coexisting edge types.
type EdgeKind string

const (
	// EdgeParent links a family child to its family parent. A child has at
	// most one incoming parent edge; the store enforces this.
	EdgeParent EdgeKind = "parent"

	// EdgeExpansion records that the source item extends the target's
	// functionality. Many-to-many, no tree constraint.
	EdgeExpansion EdgeKind = "expansion"

	// EdgeBelongsTo records structural containment in the decomposition
	// tree: piece -> container. Independent of the family tree.
	EdgeBelongsTo EdgeKind = "belongs_to"
)

// PieceLevel is a decomposition-tree level, largest to smallest.
type PieceLevel string

const (
	LevelOrganism    PieceLevel = "organism"
	LevelSubOrganism PieceLevel = "sub_organism"
	LevelMolecule    PieceLevel = "molecule"
	LevelAtom        PieceLevel = "atom"
)

// Item is a node in the library graph.
type Item struct {
	ID          string
	Slug        string
	Kind        ItemKind
	Name        string
	Description string
	Code        string

	// Structural classification used by the reranker.
	Category  string
	ItemType  string
	Domain    string
	Stack     string
	Language  string
	Libraries []string
	Tags      []string

	// IsAbstract marks synthetic family parents created by a coherence
	// split. An abstract item only exists to group two or more children.
	IsAbstract bool

	// LastCoherenceCheck gates the coherence engine's cooldown. Zero means
	// the family has never been checked.
	LastCoherenceCheck time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// Embedding and Centroid are loaded on demand from the vector table.
	// Centroid is meaningful only when the item is a family parent.
	Embedding []float32
	Centroid  []float32
}

// Edge is a directed, typed link between two items.
type Edge struct {
	ID       string
	Kind     EdgeKind
	SourceID string
	TargetID string
	Metadata map[string]interface{}
}

// Relationship returns metadata["relationship"] if present.
func (e Edge) Relationship() string {
	if e.Metadata == nil {
		return ""
	}
	if s, ok := e.Metadata["relationship"].(string); ok {
		return s
	}
	return ""
}

// Piece is a candidate unit of a submission: what the outline oracle hands
// back per child, and what the cascade resolves against the library.
type Piece struct {
	Name        string
	Description string
	Kind        ItemKind
	Level       PieceLevel
	Demoable    bool
	Code        string

	// Context describes where the piece sits in its submission, e.g.
	// "child of CheckoutForm". Shown to the judge, never embedded.
	Context string

	// Files claimed by this piece, relative to the submission root.
	Files []string

	Category  string
	ItemType  string
	Domain    string
	Stack     string
	Language  string
	Libraries []string
	Tags      []string
}

// Verdict is the judge oracle's decision about a candidate match. Closed
// enum: every consumer switches exhaustively and rejects anything else.
type Verdict int

const (
	// VerdictNone is the zero value; no usable judge decision.
	VerdictNone Verdict = iota

	// VerdictVariant: the piece is a sibling variation of the candidate.
	VerdictVariant

	// VerdictParentOf: the candidate already covers the piece; reuse it.
	VerdictParentOf

	// VerdictExpansion: the piece extends the candidate's functionality.
	VerdictExpansion
)

// String returns the wire form used in oracle contracts.
func (v Verdict) String() string {
	switch v {
	case VerdictVariant:
		return "variant"
	case VerdictParentOf:
		return "parent_of"
	case VerdictExpansion:
		return "expansion"
	default:
		return "none"
	}
}

// ParseVerdict maps the oracle's wire form to a Verdict. Unknown strings
// return VerdictNone and an error so callers can skip bad matches without
// guessing.
func ParseVerdict(s string) (Verdict, error) {
	switch s {
	case "variant":
		return VerdictVariant, nil
	case "parent_of":
		return VerdictParentOf, nil
	case "expansion":
		return VerdictExpansion, nil
	default:
		return VerdictNone, fmt.Errorf("unknown verdict %q", s)
	}
}

// Action says whether a resolution produced a new item or reused one.
type Action string

const (
	ActionCreated Action = "created"
	ActionReused  Action = "reused"
)

// Resolution is the cascade's answer for one piece.
type Resolution struct {
	ItemID        string
	Action        Action
	Verdict       Verdict
	MatchedItemID string
}

// FamilyRole describes an item's position in the family tree, included in
// judge candidate context so the oracle can reason about tree position.
type FamilyRole string

const (
	RoleParent     FamilyRole = "PARENT"
	RoleChild      FamilyRole = "CHILD"
	RoleStandalone FamilyRole = "STANDALONE"
)

// JudgeMatch is one entry of the judge oracle's response.
type JudgeMatch struct {
	CandidateID string
	Verdict     Verdict
	Confidence  float64
	Reasoning   string
}

// OutlineChild is one declared child of an outlined submission.
type OutlineChild struct {
	Piece
}

// OutlineResult is the outline oracle's pre-classification of a submission.
type OutlineResult struct {
	Root     Piece
	Children []OutlineChild
}

// Taxonomy is a snapshot of vocabulary already present in the library,
// passed to the outline oracle to bias reuse of known terms.
type Taxonomy struct {
	Categories []string
	ItemTypes  []string
	Domains    []string
	Tags       []string
}
