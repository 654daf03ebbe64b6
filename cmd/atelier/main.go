package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"atelier/internal/coherence"
	"atelier/internal/config"
	"atelier/internal/embedding"
	"atelier/internal/hierarchy"
	"atelier/internal/logging"
	"atelier/internal/oracle"
	"atelier/internal/resolve"
	"atelier/internal/store"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "atelier",
	Short: "atelier - self-organizing library of reusable code",
	Long: `atelier ingests source submissions, decomposes them into reusable
pieces, and resolves each piece against a growing library: near-duplicates
are reused, variants are linked, genuinely new pieces are created.

An asynchronous coherence engine keeps the resulting families healthy,
splitting drifted groups, merging convergent ones, and absorbing loners.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// app bundles everything a command needs against one workspace.
type app struct {
	cfg       *config.Config
	store     *store.LibraryStore
	oracle    *oracle.Oracle
	resolver  *resolve.Resolver
	pipeline  *hierarchy.Pipeline
	scheduler *coherence.Scheduler
}

// openApp wires the full stack. LLM and embedding backends are constructed
// lazily enough that read-only commands (families, show, stats) still work
// without credentials.
func openApp(needOracle bool) (*app, error) {
	cfgPath := filepath.Join(workspace, ".atelier", "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid: %w", err)
	}

	dbPath := cfg.Library.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(workspace, dbPath)
	}
	st, err := store.NewLibraryStore(dbPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: st}
	if !needOracle {
		return a, nil
	}

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("embedding engine: %w", err)
	}
	llm, err := oracle.NewClient(cfg.LLM)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("llm client: %w", err)
	}
	a.oracle = oracle.New(llm)

	cohEngine := coherence.NewEngine(st, engine, a.oracle, cfg.Library)
	a.scheduler = coherence.NewScheduler(cohEngine, st)
	a.resolver = resolve.New(st, engine, a.oracle, cfg.Library, a.scheduler)
	a.pipeline = hierarchy.New(st, a.oracle, a.resolver)
	return a, nil
}

func (a *app) close() {
	if a.scheduler != nil {
		a.scheduler.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(coherenceCmd)
	rootCmd.AddCommand(familiesCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(initCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
