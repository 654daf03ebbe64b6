package coherence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"atelier/internal/config"
	"atelier/internal/oracle"
	"atelier/internal/store"
	"atelier/internal/types"
	"atelier/internal/vecmath"
)

type fakeNamer struct {
	calls int
	err   error
}

func (f *fakeNamer) DescribeFamily(ctx context.Context, members []types.Item) (oracle.FamilyDescription, error) {
	f.calls++
	if f.err != nil {
		return oracle.FamilyDescription{}, f.err
	}
	return oracle.FamilyDescription{
		Name:        fmt.Sprintf("Group %d", f.calls),
		Description: fmt.Sprintf("split half %d", f.calls),
	}, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.LibraryStore, *fakeNamer) {
	t.Helper()
	st, err := store.NewLibraryStore(":memory:")
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	namer := &fakeNamer{}
	return NewEngine(st, nil, namer, config.DefaultConfig().Library), st, namer
}

func addItem(t *testing.T, st *store.LibraryStore, name string, abstract bool, vec []float32) types.Item {
	t.Helper()
	item, err := st.CreateItem(types.Item{Name: name, Kind: types.KindComponent, IsAbstract: abstract})
	if err != nil {
		t.Fatalf("CreateItem(%q) failed: %v", name, err)
	}
	if vec != nil {
		if err := st.StoreEmbedding(item.ID, vec); err != nil {
			t.Fatalf("StoreEmbedding(%q) failed: %v", name, err)
		}
	}
	return item
}

func addChild(t *testing.T, st *store.LibraryStore, parentID, name string, vec []float32) types.Item {
	t.Helper()
	item := addItem(t, st, name, false, vec)
	if _, err := st.CreateEdge(types.Edge{Kind: types.EdgeParent, SourceID: parentID, TargetID: item.ID}); err != nil {
		t.Fatalf("parent edge for %q failed: %v", name, err)
	}
	return item
}

func TestCheckFamilyRespectsCooldown(t *testing.T) {
	e, st, _ := newTestEngine(t)

	parent := addItem(t, st, "Table", true, nil)
	addChild(t, st, parent.ID, "A", []float32{1, 0, 0})
	addChild(t, st, parent.ID, "B", []float32{1, 0.1, 0})

	if err := st.StampCoherenceCheck(parent.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	report, err := e.CheckFamily(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if !report.Skipped {
		t.Error("check inside cooldown should be skipped")
	}

	// An hour later the same family is due again.
	e.now = func() time.Time { return time.Now().Add(time.Hour) }
	report, err = e.CheckFamily(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if report.Skipped {
		t.Error("check after cooldown still skipped")
	}
}

func TestCheckFamilyPrunesDegenerateAbstractParents(t *testing.T) {
	e, st, _ := newTestEngine(t)

	empty := addItem(t, st, "Empty Group", true, nil)
	report, err := e.CheckFamily(context.Background(), empty.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if !report.Pruned {
		t.Error("childless abstract parent not pruned")
	}
	if _, err := st.GetItem(empty.ID); err == nil {
		t.Error("pruned parent still exists")
	}

	single := addItem(t, st, "Single Group", true, nil)
	only := addChild(t, st, single.ID, "Only Child", nil)
	report, err = e.CheckFamily(context.Background(), single.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if !report.Pruned {
		t.Error("one-child abstract parent not pruned")
	}
	role, err := st.FamilyRoleOf(only.ID)
	if err != nil {
		t.Fatal(err)
	}
	if role != types.RoleStandalone {
		t.Errorf("promoted child role = %v, want STANDALONE", role)
	}
}

func TestCheckFamilyConcreteParentIsNeverPruned(t *testing.T) {
	e, st, _ := newTestEngine(t)

	parent := addItem(t, st, "Real Parent", false, nil)
	addChild(t, st, parent.ID, "Kid", nil)

	report, err := e.CheckFamily(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if report.Pruned {
		t.Error("concrete parent must survive with one child")
	}
	if _, err := st.GetItem(parent.ID); err != nil {
		t.Errorf("concrete parent deleted: %v", err)
	}
}

// Two tight clusters pointing along different axes: overall cohesion is far
// below the split threshold while each half is nearly collinear.
func splitFixture(t *testing.T, st *store.LibraryStore) (types.Item, []types.Item) {
	parent := addItem(t, st, "Mixed Bag", true, nil)
	kids := []types.Item{
		addChild(t, st, parent.ID, "Table A", []float32{1, 0, 0}),
		addChild(t, st, parent.ID, "Table B", []float32{0.99, 0.1, 0}),
		addChild(t, st, parent.ID, "Chart A", []float32{0, 1, 0}),
		addChild(t, st, parent.ID, "Chart B", []float32{0.1, 0.99, 0}),
	}
	return parent, kids
}

func TestCheckFamilySplitsIncoherentFamily(t *testing.T) {
	e, st, namer := newTestEngine(t)
	parent, kids := splitFixture(t, st)

	report, err := e.CheckFamily(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if !report.Split || report.SplitID == "" {
		t.Fatalf("report = %+v, want a split", report)
	}
	if namer.calls != 1 {
		t.Errorf("namer calls = %d, want 1", namer.calls)
	}

	// The extracted half lives under a new abstract sub-parent that is
	// itself a child of the surviving root.
	sub, err := st.GetItem(report.SplitID)
	if err != nil {
		t.Fatalf("sub-parent missing: %v", err)
	}
	if !sub.IsAbstract {
		t.Errorf("sub-parent %s not abstract", sub.Slug)
	}
	subParent, err := st.ParentOf(sub.ID)
	if err != nil || subParent == nil || subParent.ID != parent.ID {
		t.Error("sub-parent not attached under the original root")
	}
	subKids, err := st.ChildrenOf(sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(subKids) != 2 {
		t.Errorf("sub-parent has %d children, want 2", len(subKids))
	}
	centroid, err := st.GetCentroid(sub.ID)
	if err != nil || centroid == nil {
		t.Errorf("sub-parent missing centroid (%v)", err)
	}

	// The root keeps the remainder plus the new sub-parent.
	rootKids, err := st.ChildrenOf(parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rootKids) != 3 {
		t.Errorf("root has %d children after split, want 3", len(rootKids))
	}

	// Every original child is still in a family; none went standalone.
	for _, kid := range kids {
		role, err := st.FamilyRoleOf(kid.ID)
		if err != nil {
			t.Fatal(err)
		}
		if role != types.RoleChild {
			t.Errorf("child %s role = %v after split", kid.Slug, role)
		}
	}
}

func TestCheckFamilyRejectedSplitMutatesNothing(t *testing.T) {
	e, st, namer := newTestEngine(t)
	namer.err = errors.New("oracle offline")

	parent, kids := splitFixture(t, st)

	report, err := e.CheckFamily(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if report.Split {
		t.Fatal("split applied despite naming failure")
	}

	// Family intact, and the check still stamped.
	got, err := st.GetItem(parent.ID)
	if err != nil {
		t.Fatalf("parent lost: %v", err)
	}
	if got.LastCoherenceCheck.IsZero() {
		t.Error("failed split left the family unstamped")
	}
	children, err := st.ChildrenOf(parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != len(kids) {
		t.Errorf("children = %d, want %d", len(children), len(kids))
	}
}

func TestCheckFamilyMergesConvergentFamilies(t *testing.T) {
	e, st, _ := newTestEngine(t)

	keeper := addItem(t, st, "Tables", true, nil)
	addChild(t, st, keeper.ID, "Sortable", []float32{1, 0, 0})
	addChild(t, st, keeper.ID, "Paged", []float32{0.99, 0.05, 0})

	twin := addItem(t, st, "Grids", true, nil)
	tc1 := addChild(t, st, twin.ID, "Virtual", []float32{0.99, 0, 0.05})
	tc2 := addChild(t, st, twin.ID, "Infinite", []float32{1, 0.02, 0})
	if err := st.StoreCentroid(twin.ID, []float32{1, 0.02, 0.02}); err != nil {
		t.Fatal(err)
	}

	report, err := e.CheckFamily(context.Background(), keeper.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if len(report.Merged) != 1 || report.Merged[0] != twin.ID {
		t.Fatalf("merged = %v, want [%s]", report.Merged, twin.ID)
	}

	if _, err := st.GetItem(twin.ID); err == nil {
		t.Error("merged abstract parent survived")
	}
	children, err := st.ChildrenOf(keeper.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 4 {
		t.Errorf("keeper has %d children after merge, want 4", len(children))
	}
	for _, id := range []string{tc1.ID, tc2.ID} {
		parent, err := st.ParentOf(id)
		if err != nil || parent == nil || parent.ID != keeper.ID {
			t.Errorf("child %s not repointed to keeper", id)
		}
	}
}

func TestCheckFamilyMergesIntoLargerFamily(t *testing.T) {
	e, st, _ := newTestEngine(t)

	small := addItem(t, st, "Grids", true, nil)
	sc1 := addChild(t, st, small.ID, "Virtual", []float32{0.99, 0, 0.05})
	sc2 := addChild(t, st, small.ID, "Infinite", []float32{1, 0.02, 0})

	big := addItem(t, st, "Tables", true, nil)
	addChild(t, st, big.ID, "Sortable", []float32{1, 0, 0})
	addChild(t, st, big.ID, "Paged", []float32{0.99, 0.05, 0})
	addChild(t, st, big.ID, "Striped", []float32{0.99, 0, 0.02})
	if err := st.StoreCentroid(big.ID, []float32{1, 0.02, 0.02}); err != nil {
		t.Fatal(err)
	}

	report, err := e.CheckFamily(context.Background(), small.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if report.MergedInto != big.ID {
		t.Fatalf("mergedInto = %q, want %s", report.MergedInto, big.ID)
	}

	if _, err := st.GetItem(small.ID); err == nil {
		t.Error("smaller abstract parent survived its own dissolution")
	}
	for _, id := range []string{sc1.ID, sc2.ID} {
		parent, err := st.ParentOf(id)
		if err != nil || parent == nil || parent.ID != big.ID {
			t.Errorf("child %s not repointed to the larger family", id)
		}
	}
	children, err := st.ChildrenOf(big.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 5 {
		t.Errorf("keeper has %d children after merge, want 5", len(children))
	}
}

func TestCheckFamilyMergeRefreshesKeeperCentroid(t *testing.T) {
	e, st, _ := newTestEngine(t)

	vecs := [][]float32{
		{0.99, 0, 0.05},
		{1, 0.02, 0},
		{1, 0, 0},
		{0.99, 0.05, 0},
		{0.99, 0, 0.02},
	}

	small := addItem(t, st, "Grids", true, nil)
	addChild(t, st, small.ID, "Virtual", vecs[0])
	addChild(t, st, small.ID, "Infinite", vecs[1])

	big := addItem(t, st, "Tables", true, nil)
	addChild(t, st, big.ID, "Sortable", vecs[2])
	addChild(t, st, big.ID, "Paged", vecs[3])
	addChild(t, st, big.ID, "Striped", vecs[4])
	// Stale by construction: close enough to shortlist, wrong as a mean.
	if err := st.StoreCentroid(big.ID, []float32{1, 0.02, 0.02}); err != nil {
		t.Fatal(err)
	}

	report, err := e.CheckFamily(context.Background(), small.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if report.MergedInto != big.ID {
		t.Fatalf("mergedInto = %q, want %s", report.MergedInto, big.ID)
	}

	// The keeper's centroid must now cover all five children, not the
	// pre-merge three.
	want := vecmath.Centroid(vecs)
	got, err := st.GetCentroid(big.ID)
	if err != nil || got == nil {
		t.Fatalf("keeper centroid missing (%v)", err)
	}
	for i := range want {
		if diff := float64(got[i] - want[i]); diff > 1e-3 || diff < -1e-3 {
			t.Fatalf("keeper centroid = %v, want %v", got, want)
		}
	}
}

// A family loose enough to split overall, but whose bisection leaves one
// half below the cohesion floor: the split must be abandoned without
// touching the graph or consulting the oracle.
func TestCheckFamilySplitRejectedByLooseHalf(t *testing.T) {
	e, st, namer := newTestEngine(t)

	parent := addItem(t, st, "Scattered", true, nil)
	kids := []types.Item{
		addChild(t, st, parent.ID, "A", []float32{1, 0, 0}),
		addChild(t, st, parent.ID, "B", []float32{0.99, 0.1, 0}),
		addChild(t, st, parent.ID, "C", []float32{0, 1, 0}),
		addChild(t, st, parent.ID, "D", []float32{0, 0.6, 0.8}),
	}

	report, err := e.CheckFamily(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if report.Split {
		t.Fatal("split applied despite a loose half")
	}
	if namer.calls != 0 {
		t.Errorf("namer calls = %d, want 0 (rejection precedes naming)", namer.calls)
	}

	children, err := st.ChildrenOf(parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != len(kids) {
		t.Errorf("children = %d, want %d", len(children), len(kids))
	}
	for _, kid := range kids {
		p, err := st.ParentOf(kid.ID)
		if err != nil || p == nil || p.ID != parent.ID {
			t.Errorf("child %s moved during a rejected split", kid.Slug)
		}
	}
	got, err := st.GetItem(parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastCoherenceCheck.IsZero() {
		t.Error("rejected split left the family unstamped")
	}
}

func TestCheckFamilySecondPassIsQuiet(t *testing.T) {
	e, st, _ := newTestEngine(t)
	parent, _ := splitFixture(t, st)

	first, err := e.CheckFamily(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("first CheckFamily failed: %v", err)
	}
	if !first.Split {
		t.Fatalf("first pass = %+v, want a split", first)
	}
	afterFirst, err := st.ChildrenOf(parent.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Past the cooldown the same family is due again, and a healthy graph
	// stays exactly as the first pass left it.
	e.now = func() time.Time { return time.Now().Add(time.Hour) }
	second, err := e.CheckFamily(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("second CheckFamily failed: %v", err)
	}
	if second.Skipped {
		t.Fatal("second pass skipped despite elapsed cooldown")
	}
	if second.Split || second.Pruned || second.MergedInto != "" || len(second.Merged)+len(second.Absorbed) != 0 {
		t.Fatalf("second pass mutated a settled family: %+v", second)
	}
	afterSecond, err := st.ChildrenOf(parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(afterSecond) != len(afterFirst) {
		t.Errorf("children changed between passes: %d -> %d", len(afterFirst), len(afterSecond))
	}
	sub, err := st.GetItem(first.SplitID)
	if err != nil {
		t.Fatalf("sub-parent lost on second pass: %v", err)
	}
	subKids, err := st.ChildrenOf(sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(subKids) != 2 {
		t.Errorf("sub-parent has %d children after second pass, want 2", len(subKids))
	}
}

func TestCheckFamilyMergeDemotesConcreteParent(t *testing.T) {
	e, st, _ := newTestEngine(t)

	keeper := addItem(t, st, "Tables", true, nil)
	addChild(t, st, keeper.ID, "Sortable", []float32{1, 0, 0})
	addChild(t, st, keeper.ID, "Paged", []float32{0.99, 0.05, 0})

	legacy := addItem(t, st, "Legacy Table", false, nil)
	lc1 := addChild(t, st, legacy.ID, "Old Sortable", []float32{0.99, 0, 0.05})
	lc2 := addChild(t, st, legacy.ID, "Old Paged", []float32{1, 0.02, 0})
	if err := st.StoreCentroid(legacy.ID, []float32{1, 0.02, 0.02}); err != nil {
		t.Fatal(err)
	}

	report, err := e.CheckFamily(context.Background(), keeper.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if len(report.Merged) != 1 || report.Merged[0] != legacy.ID {
		t.Fatalf("merged = %v, want [%s]", report.Merged, legacy.ID)
	}

	// A concrete parent is demoted to a child of the keeper, not deleted.
	gotParent, err := st.ParentOf(legacy.ID)
	if err != nil || gotParent == nil || gotParent.ID != keeper.ID {
		t.Error("concrete parent not demoted under the keeper")
	}
	for _, id := range []string{lc1.ID, lc2.ID} {
		parent, err := st.ParentOf(id)
		if err != nil || parent == nil || parent.ID != keeper.ID {
			t.Errorf("child %s not repointed to keeper", id)
		}
	}
}

func TestCheckFamilyMergeRejectedByDivergentChildren(t *testing.T) {
	e, st, _ := newTestEngine(t)

	keeper := addItem(t, st, "Tables", true, nil)
	addChild(t, st, keeper.ID, "A", []float32{1, 0, 0})
	addChild(t, st, keeper.ID, "B", []float32{0.99, 0.05, 0})

	// Centroid looks close, children do not.
	other := addItem(t, st, "Impostor", true, nil)
	addChild(t, st, other.ID, "C", []float32{0, 1, 0})
	addChild(t, st, other.ID, "D", []float32{0, 0.99, 0.05})
	if err := st.StoreCentroid(other.ID, []float32{1, 0.01, 0}); err != nil {
		t.Fatal(err)
	}

	report, err := e.CheckFamily(context.Background(), keeper.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if len(report.Merged) != 0 {
		t.Errorf("merged = %v, want none (cross check must reject)", report.Merged)
	}
	if _, err := st.GetItem(other.ID); err != nil {
		t.Error("rejected merge deleted the other family")
	}
}

func TestCheckFamilyAbsorbsNearbyStandalone(t *testing.T) {
	e, st, _ := newTestEngine(t)

	parent := addItem(t, st, "Tables", true, nil)
	addChild(t, st, parent.ID, "A", []float32{1, 0, 0})
	addChild(t, st, parent.ID, "B", []float32{0.99, 0.05, 0})

	near := addItem(t, st, "Near Loner", false, []float32{1, 0.03, 0})
	alsoNear := addItem(t, st, "Second Loner", false, []float32{0.99, 0.04, 0})
	far := addItem(t, st, "Far Loner", false, []float32{0, 1, 0})

	report, err := e.CheckFamily(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	// Both qualifying loners land in one pass; absorb is a single
	// corrective operation no matter how many items it attaches.
	if len(report.Absorbed) != 2 {
		t.Fatalf("absorbed = %v, want both near loners", report.Absorbed)
	}

	for _, loner := range []types.Item{near, alsoNear} {
		gotParent, err := st.ParentOf(loner.ID)
		if err != nil || gotParent == nil || gotParent.ID != parent.ID {
			t.Errorf("loner %s not attached to the family", loner.Slug)
		}
	}
	role, err := st.FamilyRoleOf(far.ID)
	if err != nil {
		t.Fatal(err)
	}
	if role != types.RoleStandalone {
		t.Error("far loner should stay standalone")
	}
}

func TestCheckFamilyBudgetCapsCorrectiveOps(t *testing.T) {
	e, st, _ := newTestEngine(t)
	e.cfg.CoherenceBudget = 1

	keeper := addItem(t, st, "Tables", true, nil)
	addChild(t, st, keeper.ID, "A", []float32{1, 0, 0})
	addChild(t, st, keeper.ID, "B", []float32{0.99, 0.05, 0})

	// A mergeable twin burns the only budget slot.
	twin := addItem(t, st, "Grids", true, nil)
	addChild(t, st, twin.ID, "C", []float32{0.99, 0, 0.05})
	addChild(t, st, twin.ID, "D", []float32{1, 0.02, 0})
	if err := st.StoreCentroid(twin.ID, []float32{1, 0.02, 0.02}); err != nil {
		t.Fatal(err)
	}

	// This loner qualifies for absorb but must wait for a later check.
	addItem(t, st, "Loner", false, []float32{1, 0.03, 0})

	report, err := e.CheckFamily(context.Background(), keeper.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if len(report.Merged) != 1 {
		t.Fatalf("merged = %v, want the twin", report.Merged)
	}
	if len(report.Absorbed) != 0 {
		t.Errorf("absorbed = %v, want none with budget exhausted", report.Absorbed)
	}
}

func TestCheckFamilyStampsEvenWhenNothingApplies(t *testing.T) {
	e, st, _ := newTestEngine(t)

	parent := addItem(t, st, "Stable", true, nil)
	addChild(t, st, parent.ID, "A", []float32{1, 0, 0})
	addChild(t, st, parent.ID, "B", []float32{0.99, 0.05, 0})

	report, err := e.CheckFamily(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("CheckFamily failed: %v", err)
	}
	if report.Pruned || report.Split || len(report.Merged)+len(report.Absorbed) != 0 {
		t.Fatalf("stable family mutated: %+v", report)
	}

	got, err := st.GetItem(parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastCoherenceCheck.IsZero() {
		t.Error("quiet check did not stamp the family")
	}
	centroid, err := st.GetCentroid(parent.ID)
	if err != nil || centroid == nil {
		t.Error("quiet check did not refresh the centroid")
	}
}
