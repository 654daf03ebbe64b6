// Package coherence keeps families healthy after the fact: it recomputes
// centroids, splits families that have drifted apart, merges families that
// converged, absorbs standalone items that belong inside, and prunes
// degenerate abstract parents. Checks run asynchronously and are budgeted,
// so one trigger can never reorganize the whole library.
package coherence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"atelier/internal/cluster"
	"atelier/internal/config"
	"atelier/internal/embedding"
	"atelier/internal/logging"
	"atelier/internal/oracle"
	"atelier/internal/store"
	"atelier/internal/types"
	"atelier/internal/vecmath"
)

// FamilyNamer is the slice of the oracle the engine needs: naming the
// abstract sub-parent a split extracts.
type FamilyNamer interface {
	DescribeFamily(ctx context.Context, members []types.Item) (oracle.FamilyDescription, error)
}

// CheckReport says what one family check did.
type CheckReport struct {
	ParentID   string
	Skipped    bool // cooldown not elapsed
	Pruned     bool
	Split      bool
	SplitID    string   // new abstract sub-parent, when Split
	Merged     []string // parents folded into this family
	MergedInto string   // larger family this one was folded into, when set
	Absorbed   []string // standalone items pulled in
}

func (r *CheckReport) mutated() bool {
	return r.Pruned || r.Split || len(r.Merged) > 0 || r.MergedInto != "" || len(r.Absorbed) > 0
}

// Engine runs coherence checks against one store.
type Engine struct {
	store  *store.LibraryStore
	engine embedding.EmbeddingEngine
	namer  FamilyNamer
	cfg    config.LibraryConfig

	now func() time.Time // test seam
}

// NewEngine creates an Engine. engine may be nil; new abstract parents then
// carry only a centroid, no searchable embedding.
func NewEngine(st *store.LibraryStore, eng embedding.EmbeddingEngine, namer FamilyNamer, cfg config.LibraryConfig) *Engine {
	return &Engine{store: st, engine: eng, namer: namer, cfg: cfg, now: time.Now}
}

func (e *Engine) cooldown() time.Duration {
	d, err := time.ParseDuration(e.cfg.CoherenceCooldown)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// CheckFamily runs one budgeted coherence pass over the family rooted at
// parentID: recompute the centroid, then split, merge and absorb under the
// budget, then prune regardless of budget, then stamp. A cooldown skip
// leaves the stamp alone.
func (e *Engine) CheckFamily(ctx context.Context, parentID string) (*CheckReport, error) {
	timer := logging.StartTimer(logging.CategoryCoherence, "CheckFamily")
	defer timer.Stop()

	report := &CheckReport{ParentID: parentID}

	parent, err := e.store.GetItem(parentID)
	if err != nil {
		return nil, fmt.Errorf("coherence target missing: %w", err)
	}

	if !parent.LastCoherenceCheck.IsZero() && e.now().Sub(parent.LastCoherenceCheck) < e.cooldown() {
		logging.CoherenceDebug("Family %s inside cooldown, skipping", parent.Slug)
		report.Skipped = true
		return report, nil
	}

	children, err := e.store.ChildrenOf(parentID)
	if err != nil {
		return nil, fmt.Errorf("children load failed: %w", err)
	}

	members, vecs, err := e.childVectors(children)
	if err != nil {
		return nil, err
	}

	// Recompute the centroid from scratch; incremental updates drift.
	var centroid []float32
	if len(vecs) > 0 {
		centroid = vecmath.Centroid(vecs)
		if err := e.store.StoreCentroid(parentID, centroid); err != nil {
			logging.Get(logging.CategoryCoherence).Warn("Centroid store failed for %s: %v", parent.Slug, err)
		}
	}

	budget := e.cfg.CoherenceBudget
	childCount := len(children)

	if budget > 0 && len(members) >= 2 {
		subID, remainder, err := e.maybeSplit(ctx, parent, members)
		if err != nil {
			logging.Get(logging.CategoryCoherence).Error("Split of %s failed: %v", parent.Slug, err)
		} else if subID != "" {
			report.Split = true
			report.SplitID = subID
			budget--
			extracted := len(members) - len(remainder)
			childCount = childCount - extracted + 1 // the sub-parent joins as a child
			members = remainder
			vecs = memberVecs(members)
			centroid = vecmath.Centroid(vecs)
			logging.Coherence("Family %s split: %d members extracted under %s", parent.Slug, extracted, subID)
		}
	}

	if budget > 0 && centroid != nil {
		merged, mergedInto, gained, err := e.maybeMerge(parent, centroid, vecs, childCount)
		if err != nil {
			logging.Get(logging.CategoryCoherence).Error("Merge for %s failed: %v", parent.Slug, err)
		}
		if mergedInto != "" {
			// This family was folded into a larger one; its centroid was
			// refreshed during the dissolve and nothing is left to check here.
			report.MergedInto = mergedInto
			if parent.IsAbstract {
				return report, nil
			}
			return report, e.stamp(parentID)
		}
		if merged != "" {
			report.Merged = append(report.Merged, merged)
			budget--
			vecs = append(vecs, gained...)
			centroid = vecmath.Centroid(vecs)
			if err := e.store.StoreCentroid(parentID, centroid); err != nil {
				logging.Get(logging.CategoryCoherence).Warn("Centroid store failed for %s: %v", parent.Slug, err)
			}
		}
	}

	if budget > 0 && centroid != nil {
		absorbed, err := e.maybeAbsorb(parent, centroid, vecs)
		if err != nil {
			logging.Get(logging.CategoryCoherence).Error("Absorb into %s failed: %v", parent.Slug, err)
		}
		if len(absorbed) > 0 {
			report.Absorbed = absorbed
			budget--
			for _, id := range absorbed {
				if vec, err := e.store.GetEmbedding(id); err == nil && vec != nil {
					vecs = append(vecs, vec)
				}
			}
			centroid = vecmath.Centroid(vecs)
			if err := e.store.StoreCentroid(parentID, centroid); err != nil {
				logging.Get(logging.CategoryCoherence).Warn("Centroid store failed for %s: %v", parent.Slug, err)
			}
		}
	}

	// Prune runs outside the budget: a grouping concept with fewer than two
	// members groups nothing.
	pruned, err := e.prune(parent)
	if err != nil {
		return nil, err
	}
	if pruned {
		report.Pruned = true
		return report, nil
	}

	if report.mutated() {
		logging.Coherence("Family %s: split=%v merged=%d absorbed=%d", parent.Slug, report.Split, len(report.Merged), len(report.Absorbed))
	}
	return report, e.stamp(parentID)
}

func (e *Engine) stamp(parentID string) error {
	return e.store.StampCoherenceCheck(parentID, e.now())
}

// prune dissolves a degenerate abstract parent. A single remaining child is
// detached first and survives as a standalone item.
func (e *Engine) prune(parent *types.Item) (bool, error) {
	if !parent.IsAbstract {
		return false, nil
	}
	children, err := e.store.ChildrenOf(parent.ID)
	if err != nil {
		return false, fmt.Errorf("prune children load failed: %w", err)
	}
	if len(children) > 1 {
		return false, nil
	}
	if len(children) == 1 {
		if err := e.store.DetachChild(children[0].ID); err != nil {
			return false, fmt.Errorf("prune detach failed: %w", err)
		}
	}
	if err := e.store.DeleteItem(parent.ID); err != nil {
		return false, fmt.Errorf("prune delete failed: %w", err)
	}
	logging.Coherence("Pruned abstract parent %s (%d children)", parent.Slug, len(children))
	return true, nil
}

// childVectors loads the embeddings of a family's children, skipping
// children that have none.
func (e *Engine) childVectors(children []types.Item) ([]cluster.Member, [][]float32, error) {
	var members []cluster.Member
	var vecs [][]float32
	for _, c := range children {
		vec, err := e.store.GetEmbedding(c.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("embedding load failed for %s: %w", c.ID, err)
		}
		if vec == nil {
			continue
		}
		members = append(members, cluster.Member{ID: c.ID, Embedding: vec})
		vecs = append(vecs, vec)
	}
	return members, vecs, nil
}

// =============================================================================
// SPLIT
// =============================================================================

// maybeSplit extracts the minority half of a low-cohesion family under a new
// abstract sub-parent, which becomes a child of the original parent. Returns
// the sub-parent ID and the members that stayed behind; ("", members, nil)
// when the split does not apply or was rejected. A rejected split mutates
// nothing.
func (e *Engine) maybeSplit(ctx context.Context, parent *types.Item, members []cluster.Member) (string, []cluster.Member, error) {
	if len(members) < e.cfg.MinSplitSize {
		return "", members, nil
	}
	cohesion := vecmath.AvgPairwiseSimilarity(memberVecs(members))
	if cohesion >= e.cfg.SplitThreshold {
		return "", members, nil
	}

	halfA, halfB := cluster.Bisect(members)
	minority, remainder := halfA, halfB
	if len(halfB) <= len(halfA) {
		minority, remainder = halfB, halfA
	}
	// An abstract parent exists only to group two or more children.
	if len(minority) < 2 {
		logging.CoherenceDebug("Split of %s rejected: minority half too small (%d)", parent.Slug, len(minority))
		return "", members, nil
	}
	cohMin := vecmath.AvgPairwiseSimilarity(memberVecs(minority))
	cohRem := vecmath.AvgPairwiseSimilarity(memberVecs(remainder))
	if cohMin < e.cfg.SplitMinCohesion || cohRem < e.cfg.SplitMinCohesion {
		logging.CoherenceDebug("Split of %s rejected: half cohesion %.3f/%.3f below %.2f",
			parent.Slug, cohMin, cohRem, e.cfg.SplitMinCohesion)
		return "", members, nil
	}

	// Name the extracted half before touching the graph so a naming failure
	// leaves the family untouched.
	items, err := e.loadMembers(minority)
	if err != nil {
		return "", members, err
	}
	desc, err := e.namer.DescribeFamily(ctx, items)
	if err != nil {
		return "", members, fmt.Errorf("naming extracted half: %w", err)
	}

	sub, err := e.store.CreateItem(types.Item{
		Name:        desc.Name,
		Description: desc.Description,
		Kind:        parent.Kind,
		Category:    parent.Category,
		ItemType:    parent.ItemType,
		Domain:      parent.Domain,
		Stack:       parent.Stack,
		Language:    parent.Language,
		IsAbstract:  true,
	})
	if err != nil {
		return "", members, fmt.Errorf("split parent create failed: %w", err)
	}
	for _, m := range minority {
		if err := e.store.RepointParent(m.ID, sub.ID); err != nil {
			return "", members, fmt.Errorf("split repoint failed: %w", err)
		}
	}
	if _, err := e.store.CreateEdge(types.Edge{
		Kind:     types.EdgeParent,
		SourceID: parent.ID,
		TargetID: sub.ID,
	}); err != nil {
		return "", members, fmt.Errorf("split attach failed: %w", err)
	}
	if err := e.store.StoreCentroid(sub.ID, vecmath.Centroid(memberVecs(minority))); err != nil {
		logging.Get(logging.CategoryCoherence).Warn("Centroid store failed for %s: %v", sub.Slug, err)
	}
	if e.engine != nil {
		if vec, err := e.engine.Embed(ctx, desc.Name+"\n"+desc.Description); err == nil {
			if err := e.store.StoreEmbedding(sub.ID, vec); err != nil {
				logging.Get(logging.CategoryCoherence).Warn("Embedding store failed for %s: %v", sub.Slug, err)
			}
		} else {
			logging.CoherenceDebug("No embedding for new parent %s: %v", sub.Slug, err)
		}
	}
	if err := e.store.StoreCentroid(parent.ID, vecmath.Centroid(memberVecs(remainder))); err != nil {
		logging.Get(logging.CategoryCoherence).Warn("Centroid store failed for %s: %v", parent.Slug, err)
	}
	return sub.ID, remainder, nil
}

// =============================================================================
// MERGE
// =============================================================================

// mergeShortlistLimit caps how many sibling families one pass examines.
const mergeShortlistLimit = 3

// maybeMerge looks for a convergent sibling family and merges the smaller
// into the larger. Centroid similarity shortlists candidates; the full
// child-against-child cross check has to clear the same bar before anything
// moves. Stops at the first success. When this family is the smaller one,
// mergedInto carries the keeper's ID and the family has been dissolved into
// it; otherwise merged carries the absorbed parent's ID and gained the
// vectors its children brought along.
func (e *Engine) maybeMerge(parent *types.Item, centroid []float32, myVecs [][]float32, myCount int) (merged, mergedInto string, gained [][]float32, err error) {
	parents, err := e.store.FamilyParents()
	if err != nil {
		return "", "", nil, err
	}

	type candidate struct {
		item types.Item
		sim  float64
	}
	var shortlist []candidate
	for _, other := range parents {
		if other.ID == parent.ID {
			continue
		}
		otherCentroid, err := e.store.GetCentroid(other.ID)
		if err != nil || otherCentroid == nil {
			continue
		}
		if sim := vecmath.Cosine(centroid, otherCentroid); sim > e.cfg.MergeThreshold {
			shortlist = append(shortlist, candidate{item: other, sim: sim})
		}
	}
	sort.Slice(shortlist, func(i, j int) bool { return shortlist[i].sim > shortlist[j].sim })
	if len(shortlist) > mergeShortlistLimit {
		shortlist = shortlist[:mergeShortlistLimit]
	}

	for _, c := range shortlist {
		otherChildren, err := e.store.ChildrenOf(c.item.ID)
		if err != nil {
			continue
		}
		_, otherVecs, err := e.childVectors(otherChildren)
		if err != nil || len(otherVecs) == 0 {
			continue
		}
		if vecmath.CrossAvgSimilarity(myVecs, otherVecs) <= e.cfg.MergeThreshold {
			logging.CoherenceDebug("Merge of %s and %s rejected by cross check", c.item.Slug, parent.Slug)
			continue
		}

		if len(otherChildren) > myCount {
			if err := e.dissolveInto(parent, &c.item); err != nil {
				return "", "", nil, err
			}
			logging.Coherence("Merged family %s into larger %s", parent.Slug, c.item.Slug)
			return "", c.item.ID, nil, nil
		}
		if err := e.dissolveInto(&c.item, parent); err != nil {
			return "", "", nil, err
		}
		logging.Coherence("Merged family %s into %s", c.item.Slug, parent.Slug)
		return c.item.ID, "", otherVecs, nil
	}
	return "", "", nil, nil
}

// dissolveInto moves loser's children under keeper, then deletes loser when
// abstract or demotes it to a child of keeper when concrete. The keeper's
// centroid is recomputed over its enlarged family before returning.
func (e *Engine) dissolveInto(loser, keeper *types.Item) error {
	children, err := e.store.ChildrenOf(loser.ID)
	if err != nil {
		return fmt.Errorf("merge children load failed: %w", err)
	}
	for _, c := range children {
		if err := e.store.RepointParent(c.ID, keeper.ID); err != nil {
			return fmt.Errorf("merge repoint failed: %w", err)
		}
	}
	if loser.IsAbstract {
		if err := e.store.DeleteItem(loser.ID); err != nil {
			logging.Get(logging.CategoryCoherence).Warn("Failed to delete merged parent %s: %v", loser.Slug, err)
		}
	} else if err := e.store.RepointParent(loser.ID, keeper.ID); err != nil {
		return fmt.Errorf("merge demote failed: %w", err)
	}

	keeperChildren, err := e.store.ChildrenOf(keeper.ID)
	if err != nil {
		return fmt.Errorf("merge keeper children load failed: %w", err)
	}
	_, keeperVecs, err := e.childVectors(keeperChildren)
	if err != nil {
		return err
	}
	if len(keeperVecs) > 0 {
		if err := e.store.StoreCentroid(keeper.ID, vecmath.Centroid(keeperVecs)); err != nil {
			logging.Get(logging.CategoryCoherence).Warn("Centroid store failed for %s: %v", keeper.Slug, err)
		}
	}
	return nil
}

// =============================================================================
// ABSORB
// =============================================================================

// absorbExamineLimit caps how many standalone items one pass considers.
const absorbExamineLimit = 5

// maybeAbsorb pulls standalone items into the family when they sit close to
// the centroid and to every existing child. Multiple absorptions count as
// one corrective operation; the caller debits the budget once.
func (e *Engine) maybeAbsorb(parent *types.Item, centroid []float32, childVecs [][]float32) ([]string, error) {
	standalone, err := e.store.StandaloneItems()
	if err != nil {
		return nil, err
	}

	type scored struct {
		item types.Item
		vec  []float32
		sim  float64
	}
	var candidates []scored
	for _, item := range standalone {
		vec, err := e.store.GetEmbedding(item.ID)
		if err != nil || vec == nil {
			continue
		}
		candidates = append(candidates, scored{item: item, vec: vec, sim: vecmath.Cosine(centroid, vec)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if len(candidates) > absorbExamineLimit {
		candidates = candidates[:absorbExamineLimit]
	}

	var absorbed []string
	for _, c := range candidates {
		if c.sim <= e.cfg.VariantThreshold {
			break // sorted, nothing further will clear the gate
		}
		if !beatsEveryChild(c.vec, childVecs, e.cfg.VariantThreshold) {
			continue
		}
		if err := e.store.RepointParent(c.item.ID, parent.ID); err != nil {
			return absorbed, fmt.Errorf("absorb attach failed: %w", err)
		}
		logging.Coherence("Absorbed %s into family %s (%.3f)", c.item.Slug, parent.Slug, c.sim)
		absorbed = append(absorbed, c.item.ID)
		childVecs = append(childVecs, c.vec)
	}
	return absorbed, nil
}

func beatsEveryChild(vec []float32, childVecs [][]float32, threshold float64) bool {
	for _, cv := range childVecs {
		if vecmath.Cosine(vec, cv) <= threshold {
			return false
		}
	}
	return true
}

func (e *Engine) loadMembers(members []cluster.Member) ([]types.Item, error) {
	items := make([]types.Item, 0, len(members))
	for _, m := range members {
		item, err := e.store.GetItem(m.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, nil
}

func memberVecs(members []cluster.Member) [][]float32 {
	vecs := make([][]float32, 0, len(members))
	for _, m := range members {
		vecs = append(vecs, m.Embedding)
	}
	return vecs
}
