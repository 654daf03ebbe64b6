// Package resolve implements the resolution cascade: given a candidate
// piece, decide whether the library already covers it (reuse) or it is new
// (create), escalating from exact name match through vector search and
// structural reranking to an LLM judge only when cheaper stages are
// inconclusive.
package resolve

import (
	"context"
	"fmt"
	"strings"

	"atelier/internal/config"
	"atelier/internal/embedding"
	"atelier/internal/logging"
	"atelier/internal/oracle"
	"atelier/internal/rerank"
	"atelier/internal/store"
	"atelier/internal/types"
	"atelier/internal/vecmath"
)

// Judge is the slice of the oracle the cascade needs.
type Judge interface {
	Judge(ctx context.Context, piece types.Piece, candidates []oracle.Candidate) ([]types.JudgeMatch, error)
}

// Notifier receives fire-and-forget coherence triggers when a resolution
// touches an existing family.
type Notifier interface {
	Trigger(itemID string)
}

// Resolver runs the cascade against one store.
type Resolver struct {
	store  *store.LibraryStore
	engine embedding.EmbeddingEngine
	judge  Judge
	cfg    config.LibraryConfig
	notify Notifier
}

// New creates a Resolver. notify may be nil.
func New(st *store.LibraryStore, engine embedding.EmbeddingEngine, judge Judge, cfg config.LibraryConfig, notify Notifier) *Resolver {
	return &Resolver{store: st, engine: engine, judge: judge, cfg: cfg, notify: notify}
}

// Resolve runs the full cascade for one piece. At most one embedding call
// and at most one judge call happen per invocation.
func (r *Resolver) Resolve(ctx context.Context, piece types.Piece) (types.Resolution, error) {
	timer := logging.StartTimer(logging.CategoryResolve, "Resolve")
	defer timer.Stop()

	if piece.Name == "" {
		return types.Resolution{}, fmt.Errorf("piece has no name")
	}
	if !types.ValidItemKind(piece.Kind) {
		piece.Kind = types.KindSnippet
	}

	// One embedding per call, threaded through every stage. A dead
	// embedding engine degrades to plain creation rather than failing
	// the ingest.
	vec, err := r.engine.Embed(ctx, EmbedText(piece))
	if err != nil {
		logging.Get(logging.CategoryResolve).Warn("Embedding failed for %q, creating without search: %v", piece.Name, err)
		return r.create(piece, nil)
	}

	// Stage 1: auto-reuse. Same name, same kind, and near-duplicate
	// semantics short-circuit everything below.
	exact, err := r.store.FindByNameAndKind(piece.Name, piece.Kind)
	if err != nil {
		return types.Resolution{}, fmt.Errorf("exact match lookup failed: %w", err)
	}
	for _, hit := range exact {
		stored, err := r.store.GetEmbedding(hit.ID)
		if err != nil || stored == nil {
			continue
		}
		if sim := vecmath.Cosine(vec, stored); sim >= r.cfg.AutoReuseThreshold {
			logging.Resolve("Resolved %q by auto-reuse (%.3f) -> %s", piece.Name, sim, hit.Slug)
			return r.reuse(hit), nil
		}
	}

	// Stage 2: vector search.
	hits, err := r.store.SearchSimilar(vec, r.cfg.SearchThreshold, r.cfg.SearchLimit)
	if err != nil {
		return types.Resolution{}, fmt.Errorf("similarity search failed: %w", err)
	}
	if len(hits) == 0 {
		logging.ResolveDebug("No candidates above %.2f for %q", r.cfg.SearchThreshold, piece.Name)
		return r.create(piece, vec)
	}

	// Structural rerank, then judge the survivors.
	candidates := make([]rerank.Candidate, 0, len(hits))
	for _, h := range hits {
		candidates = append(candidates, rerank.Candidate{Item: h.Item, Semantic: h.Similarity})
	}
	top := rerank.Rerank(piece, candidates, r.cfg.RerankTopN)

	enriched, err := r.enrich(top)
	if err != nil {
		return types.Resolution{}, err
	}
	matches, err := r.judge.Judge(ctx, piece, enriched)
	if err != nil {
		// The judge is advisory; losing it means the piece is treated as new.
		logging.Get(logging.CategoryResolve).Warn("Judge failed for %q, creating: %v", piece.Name, err)
		return r.create(piece, vec)
	}
	if len(matches) == 0 {
		return r.create(piece, vec)
	}

	return r.applyVerdict(piece, vec, matches[0])
}

func (r *Resolver) applyVerdict(piece types.Piece, vec []float32, match types.JudgeMatch) (types.Resolution, error) {
	matched, err := r.store.GetItem(match.CandidateID)
	if err != nil {
		return types.Resolution{}, fmt.Errorf("judge matched missing item: %w", err)
	}

	switch match.Verdict {
	case types.VerdictParentOf:
		logging.Resolve("Resolved %q as covered by %s (%.2f)", piece.Name, matched.Slug, match.Confidence)
		res := r.reuse(*matched)
		res.Verdict = types.VerdictParentOf
		return res, nil

	case types.VerdictVariant, types.VerdictExpansion:
		res, err := r.create(piece, vec)
		if err != nil {
			return types.Resolution{}, err
		}
		relationship := match.Verdict.String()
		meta := map[string]interface{}{"relationship": relationship}
		if match.Reasoning != "" {
			meta["reasoning"] = match.Reasoning
		}
		_, err = r.store.CreateEdge(types.Edge{
			Kind:     types.EdgeExpansion,
			SourceID: res.ItemID,
			TargetID: matched.ID,
			Metadata: meta,
		})
		if err != nil {
			logging.Get(logging.CategoryResolve).Warn("Failed to record %s edge for %q: %v", relationship, piece.Name, err)
		}
		res.Verdict = match.Verdict
		res.MatchedItemID = matched.ID
		logging.Resolve("Resolved %q as %s of %s", piece.Name, relationship, matched.Slug)
		r.poke(matched.ID)
		return res, nil

	default:
		return types.Resolution{}, fmt.Errorf("unhandled verdict %v", match.Verdict)
	}
}

func (r *Resolver) reuse(item types.Item) types.Resolution {
	r.poke(item.ID)
	return types.Resolution{ItemID: item.ID, Action: types.ActionReused, MatchedItemID: item.ID}
}

func (r *Resolver) create(piece types.Piece, vec []float32) (types.Resolution, error) {
	item, err := r.store.CreateItem(itemFromPiece(piece))
	if err != nil {
		return types.Resolution{}, fmt.Errorf("failed to create item for %q: %w", piece.Name, err)
	}
	if vec != nil {
		if err := r.store.StoreEmbedding(item.ID, vec); err != nil {
			logging.Get(logging.CategoryResolve).Warn("Failed to store embedding for %s: %v", item.Slug, err)
		}
	}
	logging.Resolve("Created %s (%s) for piece %q", item.Slug, item.Kind, piece.Name)
	return types.Resolution{ItemID: item.ID, Action: types.ActionCreated}, nil
}

// poke fires a coherence trigger for the family around an item.
func (r *Resolver) poke(itemID string) {
	if r.notify == nil {
		return
	}
	r.notify.Trigger(itemID)
}

// enrich attaches family context to reranked candidates for the judge.
func (r *Resolver) enrich(candidates []rerank.Candidate) ([]oracle.Candidate, error) {
	out := make([]oracle.Candidate, 0, len(candidates))
	for _, c := range candidates {
		role, err := r.store.FamilyRoleOf(c.Item.ID)
		if err != nil {
			return nil, fmt.Errorf("family role lookup failed: %w", err)
		}
		oc := oracle.Candidate{Item: c.Item, Similarity: c.Combined, Role: role}

		switch role {
		case types.RoleChild:
			parent, err := r.store.ParentOf(c.Item.ID)
			if err == nil && parent != nil {
				oc.ParentName = parent.Name
			}
			if sibs, err := r.store.SiblingsOf(c.Item.ID); err == nil {
				oc.SiblingNames = itemNames(sibs)
			}
		case types.RoleParent:
			if kids, err := r.store.ChildrenOf(c.Item.ID); err == nil {
				oc.ChildNames = itemNames(kids)
			}
		}
		out = append(out, oc)
	}
	return out, nil
}

// EmbedText builds the text embedded for a piece. Items reuse the same
// layout so piece and item vectors live in one space.
func EmbedText(piece types.Piece) string {
	var b strings.Builder
	b.WriteString(piece.Name)
	if piece.Description != "" {
		b.WriteString("\n")
		b.WriteString(piece.Description)
	}
	var facets []string
	for _, f := range []string{piece.Category, piece.ItemType, piece.Domain, piece.Stack, piece.Language} {
		if f != "" {
			facets = append(facets, f)
		}
	}
	facets = append(facets, piece.Tags...)
	if len(facets) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(facets, " "))
	}
	return b.String()
}

// EmbedTextForItem mirrors EmbedText for an existing item.
func EmbedTextForItem(item types.Item) string {
	return EmbedText(types.Piece{
		Name:        item.Name,
		Description: item.Description,
		Category:    item.Category,
		ItemType:    item.ItemType,
		Domain:      item.Domain,
		Stack:       item.Stack,
		Language:    item.Language,
		Tags:        item.Tags,
	})
}

func itemFromPiece(piece types.Piece) types.Item {
	return types.Item{
		Name:        piece.Name,
		Kind:        piece.Kind,
		Description: piece.Description,
		Code:        piece.Code,
		Category:    piece.Category,
		ItemType:    piece.ItemType,
		Domain:      piece.Domain,
		Stack:       piece.Stack,
		Language:    piece.Language,
		Libraries:   piece.Libraries,
		Tags:        piece.Tags,
	}
}

func itemNames(items []types.Item) []string {
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
	}
	return names
}
