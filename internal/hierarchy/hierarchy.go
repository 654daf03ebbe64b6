// Package hierarchy drives the recursive decomposition of a submission:
// outline the whole, resolve each declared child against the library, and
// keep descending into freshly created items until only atoms remain. The
// descent is a worklist, not function recursion, so arbitrarily deep
// submissions cannot blow the stack.
package hierarchy

import (
	"context"
	"fmt"
	"strings"

	"atelier/internal/logging"
	"atelier/internal/oracle"
	"atelier/internal/store"
	"atelier/internal/types"
)

// Planner is the slice of the oracle the pipeline needs.
type Planner interface {
	Outline(ctx context.Context, files []oracle.SourceFile, taxonomy types.Taxonomy) (*types.OutlineResult, error)
	ExtractAtoms(ctx context.Context, piece types.Piece, files []oracle.SourceFile) ([]types.Piece, error)
	ClassifyOrphan(ctx context.Context, file oracle.SourceFile, taxonomy types.Taxonomy) (*types.Piece, error)
}

// Resolver resolves one piece against the library.
type Resolver interface {
	Resolve(ctx context.Context, piece types.Piece) (types.Resolution, error)
}

// Outcome records how one piece of the submission fared.
type Outcome struct {
	Name   string
	Level  types.PieceLevel
	ItemID string
	Action types.Action
}

// Report summarizes one ingest run.
type Report struct {
	RootID   string
	Outcomes []Outcome
	Failures []string
}

// Created counts freshly created items in the run.
func (r *Report) Created() int { return r.countAction(types.ActionCreated) }

// Reused counts resolutions that mapped onto existing items.
func (r *Report) Reused() int { return r.countAction(types.ActionReused) }

func (r *Report) countAction(a types.Action) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action == a {
			n++
		}
	}
	return n
}

// Pipeline wires the planner, the resolver and the store into one ingest
// path.
type Pipeline struct {
	store    *store.LibraryStore
	planner  Planner
	resolver Resolver
}

// New creates a Pipeline.
func New(st *store.LibraryStore, planner Planner, resolver Resolver) *Pipeline {
	return &Pipeline{store: st, planner: planner, resolver: resolver}
}

// task is one pending decomposition step: a piece that resolved to a new
// item and may still contain structure.
type task struct {
	piece       types.Piece
	itemID      string
	containerID string
	files       []oracle.SourceFile
}

// Ingest decomposes a submission and resolves every piece. A failing child
// is logged and skipped; the rest of the submission still lands.
func (p *Pipeline) Ingest(ctx context.Context, files []oracle.SourceFile) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryHierarchy, "Ingest")
	defer timer.Stop()

	if len(files) == 0 {
		return nil, fmt.Errorf("nothing to ingest")
	}

	taxonomy, err := p.store.GetTaxonomy()
	if err != nil {
		return nil, fmt.Errorf("taxonomy snapshot failed: %w", err)
	}

	outline, err := p.planner.Outline(ctx, files, taxonomy)
	if err != nil {
		return nil, fmt.Errorf("outline failed: %w", err)
	}

	report := &Report{}

	root := outline.Root
	root.Level = types.LevelOrganism
	root.Files = filePaths(files)
	rootRes, err := p.resolver.Resolve(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("root resolution failed: %w", err)
	}
	report.RootID = rootRes.ItemID
	report.Outcomes = append(report.Outcomes, Outcome{
		Name: root.Name, Level: root.Level, ItemID: rootRes.ItemID, Action: rootRes.Action,
	})
	logging.Hierarchy("Ingest root %q -> %s (%s)", root.Name, rootRes.ItemID, rootRes.Action)

	// Children run sequentially so earlier siblings are visible to later
	// resolutions within the same run.
	var worklist []task
	worklist = p.enqueueLevel(ctx, worklist, outlineChildren(outline), rootRes.ItemID, root.Name, files, taxonomy, report)

	for len(worklist) > 0 {
		// Depth-first: finish one subtree before starting the next.
		t := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		switch t.piece.Level {
		case types.LevelSubOrganism:
			sub, err := p.planner.Outline(ctx, t.files, taxonomy)
			if err != nil {
				p.fail(report, t.piece.Name, fmt.Errorf("sub-outline failed: %w", err))
				continue
			}
			worklist = p.enqueueLevel(ctx, worklist, outlineChildren(sub), t.itemID, t.piece.Name, t.files, taxonomy, report)

		case types.LevelMolecule:
			atoms, err := p.planner.ExtractAtoms(ctx, t.piece, t.files)
			if err != nil {
				p.fail(report, t.piece.Name, fmt.Errorf("atom extraction failed: %w", err))
				continue
			}
			for _, atom := range atoms {
				p.resolveChild(ctx, atom, t.itemID, t.piece.Name, nil, report)
			}
		}
	}

	logging.Hierarchy("Ingest finished: %d created, %d reused, %d failed",
		report.Created(), report.Reused(), len(report.Failures))
	return report, nil
}

// enqueueLevel resolves one level of declared children plus the orphans
// their file claims left behind, and queues the newly created ones for
// further decomposition.
func (p *Pipeline) enqueueLevel(ctx context.Context, worklist []task, children []types.Piece,
	containerID, containerName string, files []oracle.SourceFile, taxonomy types.Taxonomy, report *Report) []task {

	claimed := make(map[string]bool)
	for _, child := range children {
		childFiles := selectFiles(files, child.Files)
		for _, f := range childFiles {
			claimed[f.Path] = true
		}

		res, created := p.resolveChild(ctx, child, containerID, containerName, childFiles, report)
		if !created {
			continue
		}
		// Reused items are already decomposed; only new ones descend.
		// A child with no claimed files has nothing left to decompose.
		if len(childFiles) > 0 && (child.Level == types.LevelSubOrganism || child.Level == types.LevelMolecule) {
			worklist = append(worklist, task{
				piece: child, itemID: res.ItemID, containerID: containerID, files: childFiles,
			})
		}
	}

	for _, f := range files {
		if claimed[f.Path] {
			continue
		}
		orphan, err := p.planner.ClassifyOrphan(ctx, f, taxonomy)
		if err != nil {
			p.fail(report, f.Path, fmt.Errorf("orphan classification failed: %w", err))
			continue
		}
		piece := *orphan
		piece.Code = f.Content
		logging.HierarchyDebug("Routing orphan file %s as %q", f.Path, piece.Name)
		p.resolveChild(ctx, piece, containerID, containerName, []oracle.SourceFile{f}, report)
	}
	return worklist
}

// resolveChild resolves one piece and links it into the decomposition tree.
// Returns the resolution and whether a new item was created. Failures are
// recorded on the report and leave (zero, false).
func (p *Pipeline) resolveChild(ctx context.Context, piece types.Piece, containerID, containerName string,
	files []oracle.SourceFile, report *Report) (types.Resolution, bool) {

	if piece.Code == "" && len(files) > 0 {
		piece.Code = joinFiles(files)
	}
	if containerName != "" {
		piece.Context = "child of " + containerName
	}

	res, err := p.resolver.Resolve(ctx, piece)
	if err != nil {
		p.fail(report, piece.Name, err)
		return types.Resolution{}, false
	}
	report.Outcomes = append(report.Outcomes, Outcome{
		Name: piece.Name, Level: piece.Level, ItemID: res.ItemID, Action: res.Action,
	})

	// Containment is recorded for reused items too: the same snippet can
	// belong to many containers.
	if res.ItemID != containerID {
		_, err = p.store.CreateEdge(types.Edge{
			Kind:     types.EdgeBelongsTo,
			SourceID: res.ItemID,
			TargetID: containerID,
		})
		if err != nil {
			logging.HierarchyDebug("belongs_to %s -> %s not recorded: %v", res.ItemID, containerID, err)
		}
	}

	return res, res.Action == types.ActionCreated
}

func (p *Pipeline) fail(report *Report, name string, err error) {
	logging.Get(logging.CategoryHierarchy).Error("Piece %q failed: %v", name, err)
	report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", name, err))
}

func outlineChildren(outline *types.OutlineResult) []types.Piece {
	pieces := make([]types.Piece, 0, len(outline.Children))
	for _, c := range outline.Children {
		pieces = append(pieces, c.Piece)
	}
	return pieces
}

func selectFiles(files []oracle.SourceFile, paths []string) []oracle.SourceFile {
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	var out []oracle.SourceFile
	for _, f := range files {
		if want[f.Path] {
			out = append(out, f)
		}
	}
	return out
}

func filePaths(files []oracle.SourceFile) []string {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return paths
}

func joinFiles(files []oracle.SourceFile) string {
	var b strings.Builder
	for i, f := range files {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "// %s\n%s", f.Path, f.Content)
	}
	return b.String()
}
