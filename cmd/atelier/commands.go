package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"atelier/internal/config"
	"atelier/internal/oracle"
	"atelier/internal/types"
)

var (
	// resolve flags
	resolveKind        string
	resolveDescription string
	resolveCategory    string
	resolveTags        []string
)

// initCmd sets up the workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize an atelier workspace",
	Long: `Creates the .atelier/ directory with a default config.yaml and an
empty library database. Run once per workspace.`,
	RunE: runInit,
}

// ingestCmd decomposes and resolves a submission
var ingestCmd = &cobra.Command{
	Use:   "ingest [path...]",
	Short: "Ingest source files into the library",
	Long: `Outlines the submission, decomposes it level by level, and resolves
every piece against the library. Existing coverage is reused; new pieces
are created and linked into the decomposition tree.

Example:
  atelier ingest ./src/components/checkout`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

// resolveCmd resolves a single described piece
var resolveCmd = &cobra.Command{
	Use:   "resolve [name]",
	Short: "Resolve one described piece against the library",
	Long: `Runs the resolution cascade for a single piece described on the
command line, without ingesting any files.

Example:
  atelier resolve "DataTable" --kind component --description "sortable table" --tags table,grid`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

// coherenceCmd sweeps every family once
var coherenceCmd = &cobra.Command{
	Use:   "coherence",
	Short: "Run a coherence sweep over all families",
	Long: `Checks every family once, oldest first: recomputes centroids, splits
incoherent families, merges convergent ones, absorbs nearby standalone
items, and prunes degenerate abstract parents. Per-family cooldowns apply.`,
	RunE: runCoherence,
}

// familiesCmd lists families
var familiesCmd = &cobra.Command{
	Use:   "families",
	Short: "List families and their members",
	RunE:  runFamilies,
}

// showCmd inspects one item
var showCmd = &cobra.Command{
	Use:   "show [slug]",
	Short: "Show one item with its family and containment edges",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

// statsCmd summarizes the library
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show library statistics",
	RunE:  runStats,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveKind, "kind", "snippet", "item kind (snippet|component|collection)")
	resolveCmd.Flags().StringVar(&resolveDescription, "description", "", "what the piece does")
	resolveCmd.Flags().StringVar(&resolveCategory, "category", "", "category facet")
	resolveCmd.Flags().StringSliceVar(&resolveTags, "tags", nil, "comma-separated tags")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := filepath.Join(workspace, ".atelier")
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Println("Workspace already initialized.")
		return nil
	}
	cfg := config.DefaultConfig()
	if err := cfg.Save(cfgPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	fmt.Printf("Initialized atelier workspace at %s\n", dir)
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no source files found under %s", strings.Join(args, ", "))
	}

	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("ingesting submission", zap.Int("files", len(files)))
	report, err := a.pipeline.Ingest(cmd.Context(), files)
	if err != nil {
		return err
	}

	fmt.Printf("Ingested %d files: %d created, %d reused\n",
		len(files), report.Created(), report.Reused())
	for _, o := range report.Outcomes {
		fmt.Printf("  %-12s %-8s %s\n", o.Level, o.Action, o.Name)
	}
	for _, f := range report.Failures {
		fmt.Printf("  FAILED: %s\n", f)
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	piece := types.Piece{
		Name:        args[0],
		Kind:        types.ItemKind(resolveKind),
		Level:       types.LevelMolecule,
		Description: resolveDescription,
		Category:    resolveCategory,
		Tags:        resolveTags,
	}
	res, err := a.resolver.Resolve(cmd.Context(), piece)
	if err != nil {
		return err
	}

	item, err := a.store.GetItem(res.ItemID)
	if err != nil {
		return err
	}
	fmt.Printf("%s -> %s (%s)\n", piece.Name, item.Slug, res.Action)
	if res.Verdict != types.VerdictNone {
		fmt.Printf("  verdict: %s against %s\n", res.Verdict, res.MatchedItemID)
	}
	return nil
}

func runCoherence(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	reports, err := a.scheduler.SweepAll(cmd.Context())
	if err != nil {
		return err
	}

	checked, skipped := 0, 0
	for _, r := range reports {
		if r.Skipped {
			skipped++
			continue
		}
		checked++
		switch {
		case r.Pruned:
			fmt.Printf("  pruned %s\n", r.ParentID)
		case r.Split:
			fmt.Printf("  split %s -> %s\n", r.ParentID, r.SplitID)
		case r.MergedInto != "":
			fmt.Printf("  %s folded into %s\n", r.ParentID, r.MergedInto)
		case len(r.Merged)+len(r.Absorbed) > 0:
			fmt.Printf("  %s: merged %d, absorbed %d\n", r.ParentID, len(r.Merged), len(r.Absorbed))
		}
	}
	fmt.Printf("Coherence sweep: %d checked, %d inside cooldown\n", checked, skipped)
	return nil
}

func runFamilies(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	parents, err := a.store.FamilyParents()
	if err != nil {
		return err
	}
	if len(parents) == 0 {
		fmt.Println("No families yet.")
		return nil
	}
	for _, p := range parents {
		marker := ""
		if p.IsAbstract {
			marker = " (abstract)"
		}
		fmt.Printf("%s%s\n", p.Name, marker)
		children, err := a.store.ChildrenOf(p.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			fmt.Printf("  - %s [%s]\n", c.Name, c.Slug)
		}
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	item, err := a.store.GetItemBySlug(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s)\n", item.Name, item.Kind)
	fmt.Printf("  slug: %s\n", item.Slug)
	if item.Description != "" {
		fmt.Printf("  description: %s\n", item.Description)
	}
	for _, facet := range [][2]string{
		{"category", item.Category}, {"type", item.ItemType},
		{"domain", item.Domain}, {"stack", item.Stack}, {"language", item.Language},
	} {
		if facet[1] != "" {
			fmt.Printf("  %s: %s\n", facet[0], facet[1])
		}
	}
	if len(item.Tags) > 0 {
		fmt.Printf("  tags: %s\n", strings.Join(item.Tags, ", "))
	}
	if item.IsAbstract {
		fmt.Println("  abstract family parent")
	}

	role, err := a.store.FamilyRoleOf(item.ID)
	if err != nil {
		return err
	}
	fmt.Printf("  family role: %s\n", role)
	switch role {
	case types.RoleChild:
		if parent, err := a.store.ParentOf(item.ID); err == nil && parent != nil {
			fmt.Printf("  parent: %s [%s]\n", parent.Name, parent.Slug)
		}
		if sibs, err := a.store.SiblingsOf(item.ID); err == nil && len(sibs) > 0 {
			fmt.Printf("  siblings: %s\n", joinNames(sibs))
		}
	case types.RoleParent:
		if kids, err := a.store.ChildrenOf(item.ID); err == nil {
			fmt.Printf("  children: %s\n", joinNames(kids))
		}
	}

	if expansions, err := a.store.EdgesFrom(item.ID, types.EdgeExpansion); err == nil {
		for _, e := range expansions {
			if target, err := a.store.GetItem(e.TargetID); err == nil {
				fmt.Printf("  %s of: %s [%s]\n", relationshipLabel(e), target.Name, target.Slug)
			}
		}
	}
	if containers, err := a.store.EdgesFrom(item.ID, types.EdgeBelongsTo); err == nil {
		for _, e := range containers {
			if target, err := a.store.GetItem(e.TargetID); err == nil {
				fmt.Printf("  part of: %s [%s]\n", target.Name, target.Slug)
			}
		}
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.store.GetStats()
	if err != nil {
		return err
	}
	fmt.Printf("Items:        %d (%d abstract)\n", st.Items, st.Abstract)
	fmt.Printf("Families:     %d\n", st.Families)
	fmt.Printf("Standalone:   %d\n", st.Standalone)
	fmt.Printf("Edges:        %d parent, %d expansion, %d belongs_to\n",
		st.ParentEdges, st.Expansions, st.BelongsTo)

	tax, err := a.store.GetTaxonomy()
	if err != nil {
		return err
	}
	if len(tax.Categories) > 0 {
		fmt.Printf("Categories:   %s\n", strings.Join(tax.Categories, ", "))
	}
	if len(tax.Domains) > 0 {
		fmt.Printf("Domains:      %s\n", strings.Join(tax.Domains, ", "))
	}
	return nil
}

// collectFiles reads the submission's source files. Directories are walked
// recursively; dotfiles and the .atelier workspace dir are skipped.
func collectFiles(paths []string) ([]oracle.SourceFile, error) {
	var files []oracle.SourceFile
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			content, err := os.ReadFile(root)
			if err != nil {
				return nil, err
			}
			files = append(files, oracle.SourceFile{Path: filepath.Base(root), Content: string(content)})
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			name := d.Name()
			if d.IsDir() {
				if strings.HasPrefix(name, ".") || name == "node_modules" {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(name, ".") {
				return nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				rel = path
			}
			files = append(files, oracle.SourceFile{Path: rel, Content: string(content)})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func relationshipLabel(e types.Edge) string {
	if rel := e.Relationship(); rel != "" {
		return rel
	}
	return "expansion"
}

func joinNames(items []types.Item) string {
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
	}
	return strings.Join(names, ", ")
}
