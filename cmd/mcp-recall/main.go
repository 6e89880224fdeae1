// mcp-recall is an MCP server for project-scoped agent memory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/spetr/mcp-recall/builtin"
	"github.com/spetr/mcp-recall/internal/config"
	"github.com/spetr/mcp-recall/internal/engine"
	"github.com/spetr/mcp-recall/internal/mcp"
	"github.com/spetr/mcp-recall/internal/watch"
	"github.com/spetr/mcp-recall/pkg/provider"
	"github.com/spetr/mcp-recall/pkg/types"
)

var (
	version   = "0.1.0"
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mcp-recall",
	Short: "MCP server for project-scoped agent memory",
	Long: `mcp-recall stores decisions, progress and code patterns for a project
and retrieves them with keyword, vector or hybrid search.

Facts live in a local SQLite database under .mcp-recall/. Each fact is
embedded on write, so retrieval works immediately and the store needs
no external services beyond the embedding provider.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(logLevel, logFormat)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mcp-recall %s\n", version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start MCP server",
	Run: func(cmd *cobra.Command, args []string) {
		stdio, _ := cmd.Flags().GetBool("stdio")
		runServe(stdio)
	},
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a fact",
}

var recordDecisionCmd = &cobra.Command{
	Use:   "decision <name>",
	Short: "Record an architecture decision",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		decision, _ := cmd.Flags().GetString("decision")
		context, _ := cmd.Flags().GetString("context")
		impact, _ := cmd.Flags().GetString("impact")
		alternatives, _ := cmd.Flags().GetStringArray("alternative")

		runRecord(func(project string) types.Fact {
			return &types.Decision{
				FactMeta:     types.FactMeta{Project: project},
				Name:         args[0],
				Decision:     decision,
				Context:      context,
				Impact:       impact,
				Alternatives: alternatives,
			}
		})
	},
}

var recordProgressCmd = &cobra.Command{
	Use:   "progress <milestone>",
	Short: "Record milestone progress",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		notes, _ := cmd.Flags().GetString("notes")
		blockers, _ := cmd.Flags().GetStringArray("blocker")

		runRecord(func(project string) types.Fact {
			return &types.Progress{
				FactMeta:  types.FactMeta{Project: project},
				Milestone: args[0],
				Status:    types.ProgressStatus(status),
				Notes:     notes,
				Blockers:  blockers,
			}
		})
	},
}

var recordPatternCmd = &cobra.Command{
	Use:   "pattern <name>",
	Short: "Record a reusable code pattern",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		content, _ := cmd.Flags().GetString("content")
		file, _ := cmd.Flags().GetString("file")
		language, _ := cmd.Flags().GetString("language")
		notes, _ := cmd.Flags().GetString("notes")

		if content == "" && file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				slog.Error("failed to read pattern file", "file", file, "error", err)
				os.Exit(1)
			}
			content = string(data)
		}

		runRecord(func(project string) types.Fact {
			return &types.Pattern{
				FactMeta:   types.FactMeta{Project: project},
				Name:       args[0],
				Content:    content,
				SourcePath: file,
				Language:   language,
				Notes:      notes,
			}
		})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Query project memory",
	Long: `Query project memory. With text, runs a search whose strategy is
picked from the query shape unless --strategy overrides it. Without
text, lists the most recently updated facts.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		text := ""
		if len(args) > 0 {
			text = args[0]
		}
		tables, _ := cmd.Flags().GetStringArray("table")
		strategy, _ := cmd.Flags().GetString("strategy")
		limit, _ := cmd.Flags().GetInt("limit")
		minSim, _ := cmd.Flags().GetFloat32("min-similarity")

		runQuery(text, tables, strategy, limit, minSim)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search project memory by embedding similarity",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tables, _ := cmd.Flags().GetStringArray("table")
		limit, _ := cmd.Flags().GetInt("limit")
		minSim, _ := cmd.Flags().GetFloat32("min-similarity")

		runQuery(args[0], tables, string(types.StrategyVector), limit, minSim)
	},
}

var similarCmd = &cobra.Command{
	Use:   "similar <table> <description>",
	Short: "Check for near-duplicate facts",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		threshold, _ := cmd.Flags().GetFloat32("threshold")
		runSimilar(args[0], args[1], threshold)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <table> <model>",
	Short: "Re-embed one table with a different embedding model",
	Long: `Re-embed all facts of one table with a different embedding model.
The old vectors stay live until every fact re-embeds cleanly, then the
new set is swapped in. A failed migration leaves the old model active.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runMigrate(args[0], args[1])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memory store status",
	Run: func(cmd *cobra.Command, args []string) {
		runStatus()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch pattern source files and re-record on change",
	Run: func(cmd *cobra.Command, args []string) {
		debounce, _ := cmd.Flags().GetInt("debounce")
		runWatch(debounce)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default configuration",
	Run: func(cmd *cobra.Command, args []string) {
		runConfigInit()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Run: func(cmd *cobra.Command, args []string) {
		runConfigValidate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	serveCmd.Flags().Bool("stdio", false, "use stdio transport (for MCP)")

	recordDecisionCmd.Flags().String("decision", "", "what was decided")
	recordDecisionCmd.Flags().String("context", "", "why the decision was needed")
	recordDecisionCmd.Flags().String("impact", "", "consequences and tradeoffs")
	recordDecisionCmd.Flags().StringArray("alternative", nil, "alternative considered (repeatable)")

	recordProgressCmd.Flags().String("status", "in-progress", "status (not-started, in-progress, testing, completed, blocked)")
	recordProgressCmd.Flags().String("notes", "", "progress notes")
	recordProgressCmd.Flags().StringArray("blocker", nil, "current blocker (repeatable)")

	recordPatternCmd.Flags().String("content", "", "pattern content")
	recordPatternCmd.Flags().String("file", "", "read content from file and track it")
	recordPatternCmd.Flags().String("language", "", "source language")
	recordPatternCmd.Flags().String("notes", "", "usage notes")

	queryCmd.Flags().StringArrayP("table", "t", nil, "restrict to table (repeatable)")
	queryCmd.Flags().String("strategy", "", "override strategy (keyword, keyword_boost, vector, hybrid)")
	queryCmd.Flags().IntP("limit", "l", 0, "maximum results")
	queryCmd.Flags().Float32("min-similarity", 0, "similarity floor for vector results")

	searchCmd.Flags().StringArrayP("table", "t", nil, "restrict to table (repeatable)")
	searchCmd.Flags().IntP("limit", "l", 0, "maximum results")
	searchCmd.Flags().Float32("min-similarity", 0, "similarity floor")

	similarCmd.Flags().Float32("threshold", 0, "similarity threshold (default per table)")

	watchCmd.Flags().Int("debounce", 0, "debounce time in milliseconds")

	recordCmd.AddCommand(recordDecisionCmd)
	recordCmd.AddCommand(recordProgressCmd)
	recordCmd.AddCommand(recordPatternCmd)

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// bootstrap loads config, opens the store and builds the engine.
// The returned cleanup closes the store and cached providers.
func bootstrap(ctx context.Context) (*engine.Engine, *config.Config, func(), error) {
	cwd, _ := os.Getwd()

	cfg, warnings, err := config.Load(cwd)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	for _, w := range warnings {
		slog.Warn(w)
	}

	// Flags win over config for logging
	if logLevel == "" && logFormat == "" {
		setupLogging(cfg.Logging.Level, cfg.Logging.Format)
	}

	store, err := provider.DefaultRegistry.CreateStore(cfg.Store.Provider)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating store: %w", err)
	}
	if err := store.Init(config.StoreDBPath(cwd)); err != nil {
		return nil, nil, nil, fmt.Errorf("initializing store: %w", err)
	}

	resolver := engine.NewModelResolver(cfg, nil)
	cleanup := func() {
		if err := resolver.Close(); err != nil {
			slog.Warn("failed to close providers", "error", err)
		}
		if err := store.Close(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
	}

	if err := ensureModelState(ctx, store, resolver, cfg); err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	return engine.New(store, resolver, cfg), cfg, cleanup, nil
}

// ensureModelState binds the configured model to any table that has no
// active model yet. Tables that already carry state keep it, so a
// migrated table stays on its migrated model across restarts.
func ensureModelState(ctx context.Context, store provider.FactStore, resolver provider.Resolver, cfg *config.Config) error {
	embedder, err := resolver.Embedder(cfg.Embedding.Model)
	if err != nil {
		return fmt.Errorf("resolving configured model %q: %w", cfg.Embedding.Model, err)
	}

	// Warmup pins the real dimension before any state is written.
	if err := embedder.Warmup(ctx); err != nil {
		slog.Warn("embedding warmup failed, provider may be offline", "error", err)
	}

	for _, table := range types.Tables {
		if _, err := store.ActiveModel(ctx, table); err == nil {
			continue
		}
		if err := store.EnsureModel(ctx, table, cfg.Embedding.Model, embedder.Dimensions()); err != nil {
			return fmt.Errorf("binding model to %s: %w", table, err)
		}
	}
	return nil
}

func runServe(stdio bool) {
	slog.Info("starting MCP server", "stdio", stdio)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, cfg, cleanup, err := bootstrap(ctx)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		cleanup()
		slog.Info("shutdown complete")
		os.Exit(0)
	}()

	defer func() {
		signal.Stop(sigChan)
		cleanup()
	}()

	server, err := mcp.New(mcp.Config{
		Config: cfg,
		Engine: eng,
	})
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if stdio {
		slog.Info("MCP server running (press Ctrl+C to stop)")
		if err := server.ServeStdio(); err != nil {
			if ctx.Err() != nil {
				slog.Info("server stopped")
			} else {
				slog.Error("server error", "error", err)
				os.Exit(1)
			}
		}
	} else {
		fmt.Println("HTTP transport not implemented. Use --stdio for MCP.")
		os.Exit(1)
	}
}

func runRecord(build func(project string) types.Fact) {
	ctx := context.Background()

	eng, cfg, cleanup, err := bootstrap(ctx)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	fact := build(cfg.Project)

	duplicates, err := eng.FindSimilar(ctx, fact.Table(), cfg.Project, fact.EmbeddingText(), 0)
	if err == nil && len(duplicates) > 0 {
		fmt.Printf("Found %d similar fact(s) already recorded:\n", len(duplicates))
		for _, d := range duplicates {
			fmt.Printf("  %s  %s (%.0f%%)\n", d.Ref, d.Title, d.Score*100)
		}
	}

	stored, err := eng.Record(ctx, fact)
	if err != nil {
		slog.Error("failed to record", "error", err)
		os.Exit(1)
	}

	meta := stored.Meta()
	fmt.Printf("Recorded %s %s: %s\n", stored.Table(), meta.ID, stored.Title())
}

func runQuery(text string, tableNames []string, strategy string, limit int, minSim float32) {
	ctx := context.Background()

	eng, cfg, cleanup, err := bootstrap(ctx)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	tables := make([]types.Table, 0, len(tableNames))
	for _, name := range tableNames {
		tables = append(tables, types.Table(name))
	}

	if text == "" {
		listRecent(ctx, eng, cfg, tables, limit)
		return
	}

	resp, err := eng.Search(ctx, types.Query{
		Text:          text,
		Project:       cfg.Project,
		Tables:        tables,
		Strategy:      types.Strategy(strategy),
		MinSimilarity: minSim,
		Limit:         limit,
	})
	if err != nil {
		slog.Error("search failed", "error", err)
		os.Exit(1)
	}

	for _, w := range resp.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
	if len(resp.Results) == 0 {
		fmt.Println("No results.")
		return
	}

	fmt.Printf("%d result(s), strategy %s:\n\n", len(resp.Results), resp.Strategy)
	for i, r := range resp.Results {
		fmt.Printf("%d. [%s] %s (score %.2f)\n", i+1, r.Table, r.Title, r.Score)
		fmt.Printf("   %s\n", r.Ref)
		if r.Excerpt != "" {
			excerpt := r.Excerpt
			if len(excerpt) > 120 {
				excerpt = excerpt[:120] + "..."
			}
			fmt.Printf("   %s\n", excerpt)
		}
		fmt.Println()
	}
}

func listRecent(ctx context.Context, eng *engine.Engine, cfg *config.Config, tables []types.Table, limit int) {
	if len(tables) == 0 {
		tables = types.Tables
	}
	for _, table := range tables {
		facts, err := eng.List(ctx, table, cfg.Project, limit)
		if err != nil {
			slog.Error("listing failed", "table", table, "error", err)
			os.Exit(1)
		}
		fmt.Printf("%s (%d):\n", strings.ToUpper(string(table)), len(facts))
		for _, fact := range facts {
			meta := fact.Meta()
			fmt.Printf("  %s  %s  %s\n", meta.ID, meta.UpdatedAt.Format(time.DateTime), fact.Title())
		}
		fmt.Println()
	}
}

func runSimilar(tableName, description string, threshold float32) {
	ctx := context.Background()

	eng, cfg, cleanup, err := bootstrap(ctx)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	matches, err := eng.FindSimilar(ctx, types.Table(tableName), cfg.Project, description, threshold)
	if err != nil {
		slog.Error("duplicate check failed", "error", err)
		os.Exit(1)
	}

	if len(matches) == 0 {
		fmt.Println("No similar facts recorded.")
		return
	}
	for _, m := range matches {
		fmt.Printf("%s  %s (%.0f%%)\n", m.Ref, m.Title, m.Score*100)
		if m.Reason != "" {
			fmt.Printf("  %s\n", m.Reason)
		}
	}
}

func runMigrate(tableName, model string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, _, cleanup, err := bootstrap(ctx)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	report, err := eng.Migrate(ctx, types.Table(tableName), model)
	if report != nil {
		jsonReport, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonReport))
	}
	if err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func runStatus() {
	ctx := context.Background()

	eng, cfg, cleanup, err := bootstrap(ctx)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	stats, err := eng.Stats(ctx)
	if err != nil {
		slog.Error("failed to collect stats", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Project: %s\n\n", cfg.Project)
	for _, table := range types.Tables {
		state := stats.ActiveModels[table]
		fmt.Printf("%s: %d fact(s), %d vector(s), model %s (dim %d, generation %d)\n",
			table, stats.Facts[table], stats.Vectors[table],
			state.ModelID, state.Dimension, state.Generation)
		if refs := stats.DanglingRefs[table]; len(refs) > 0 {
			fmt.Printf("  WARNING: %d fact(s) without vectors: %s\n", len(refs), strings.Join(refs, ", "))
		}
	}
}

func runWatch(debounceMs int) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, cfg, cleanup, err := bootstrap(ctx)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	var debounce time.Duration
	if debounceMs > 0 {
		debounce = time.Duration(debounceMs) * time.Millisecond
	}

	watcher, err := watch.New(watch.Config{
		Config:       cfg,
		Engine:       eng,
		DebounceTime: debounce,
	})
	if err != nil {
		slog.Error("failed to create watcher", "error", err)
		os.Exit(1)
	}

	if err := watcher.Watch(ctx); err != nil {
		slog.Error("watcher failed", "error", err)
		os.Exit(1)
	}
}

func runConfigInit() {
	cwd, _ := os.Getwd()
	cfg := config.DefaultConfig()

	if err := config.Save(cwd, cfg); err != nil {
		slog.Error("failed to save config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Created config at %s\n", config.ConfigPath(cwd))
}

func runConfigValidate() {
	cwd, _ := os.Getwd()

	cfg, warnings, err := config.Load(cwd)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	for _, w := range warnings {
		fmt.Printf("Warning: %s\n", w)
	}

	errs := config.Validate(cfg)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Printf("Error: %v\n", e)
		}
		os.Exit(1)
	}

	fmt.Println("Configuration is valid.")
}
