package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/NeverVane/omniscient/internal/capture"
	"github.com/NeverVane/omniscient/internal/category"
	"github.com/NeverVane/omniscient/internal/config"
	"github.com/NeverVane/omniscient/internal/lock"
	"github.com/NeverVane/omniscient/internal/logger"
	"github.com/NeverVane/omniscient/internal/output"
	"github.com/NeverVane/omniscient/internal/search"
	"github.com/NeverVane/omniscient/internal/sentry"
	"github.com/NeverVane/omniscient/internal/shell"
	"github.com/NeverVane/omniscient/internal/storage"
	"github.com/NeverVane/omniscient/pkg/history"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.DefaultConfig()
	if err := newRootCmd(cfg).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "omniscient",
		Short: "CLI command history tracker - never forget a command again",
		Long: `omniscient records every command you run, together with its exit code,
duration and working directory, and lets you search it later.

Get started:
  eval "$(omniscient init zsh)"   Enable shell integration
  omniscient search docker        Find commands mentioning docker
  omniscient here                 Show what you ran in this directory
  omniscient top                  Show your most used commands`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			*cfg = *loaded

			loggerConfig := cfg.Logging
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				loggerConfig.Level = "debug"
			}
			if err := logger.Init(&loggerConfig); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.omniscient/config.toml, or $"+config.EnvConfigPath+")")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(initCmd(cfg))
	rootCmd.AddCommand(captureCmd(cfg))
	rootCmd.AddCommand(searchCmd(cfg))
	rootCmd.AddCommand(hereCmd(cfg))
	rootCmd.AddCommand(recentCmd(cfg))
	rootCmd.AddCommand(topCmd(cfg))
	rootCmd.AddCommand(categoryCmd(cfg))
	rootCmd.AddCommand(statsCmd(cfg))
	rootCmd.AddCommand(exportCmd(cfg))
	rootCmd.AddCommand(importCmd(cfg))
	rootCmd.AddCommand(configCmd(cfg))
	rootCmd.AddCommand(versionCmd(cfg))

	return rootCmd
}

// release identifies this build to Sentry
func release() string {
	return "omniscient@" + version
}

// openStore opens the database and installs the configured text matcher.
// A bleve index that cannot be opened leaves the FTS5 matcher in place.
func openStore(cfg *config.Config) (*storage.Store, func(), error) {
	log := logger.GetLogger().Storage()

	db, err := storage.NewDatabase(cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewStore(db)
	closers := []func() error{db.Close}

	if cfg.Search.Engine == config.EngineBleve {
		idx, err := search.Open(cfg.IndexPath(), store)
		if err != nil {
			log.Warn().Err(err).Msg("Bleve index unavailable, using SQLite text search")
		} else {
			store.SetTextMatcher(idx)
			closers = append([]func() error{idx.Close}, closers...)
		}
	}

	cleanup := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("Failed to close store")
			}
		}
	}
	return store, cleanup, nil
}

// resolveDirectory returns dir as an absolute path, or the current directory
func resolveDirectory(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		return wd, nil
	}
	abs, err := filepath.Abs(config.ExpandPath(dir))
	if err != nil {
		return "", fmt.Errorf("invalid directory %q: %w", dir, err)
	}
	return abs, nil
}

// directoryFilter reads --dir/--recursive. --recursive without --dir
// scopes to the current directory.
func directoryFilter(cmd *cobra.Command) (string, bool, error) {
	dir, _ := cmd.Flags().GetString("dir")
	recursive, _ := cmd.Flags().GetBool("recursive")
	if dir == "" && !recursive {
		return "", false, nil
	}
	resolved, err := resolveDirectory(dir)
	if err != nil {
		return "", false, err
	}
	return resolved, recursive, nil
}

func addDirectoryFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("dir", "d", "", "Filter by directory")
	cmd.Flags().BoolP("recursive", "r", false, "Include subdirectories")
}

func addLimitFlag(cmd *cobra.Command) {
	cmd.Flags().IntP("limit", "l", 0, "Maximum number of results (default from search.default_limit)")
}

// limitFlag reads --limit, falling back to search.default_limit
func limitFlag(cmd *cobra.Command, cfg *config.Config) int {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return cfg.Search.DefaultLimit
	}
	return limit
}

func initCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [shell]",
		Short: "Print the shell integration hook",
		Long: `Print the hook that records commands for bash or zsh. The shell is
detected from $SHELL when not given. Add this to your shell rc file:

  eval "$(omniscient init zsh)"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("shell")
			if len(args) > 0 {
				name = args[0]
			}

			var (
				sh  shell.Shell
				err error
			)
			if name != "" {
				sh, err = shell.Parse(name)
			} else {
				sh, err = shell.Detect()
			}
			if err != nil {
				return fmt.Errorf("%w\nTip: pass the shell explicitly, e.g. `omniscient init zsh`", err)
			}

			generator := shell.NewHookGenerator("")
			script, err := generator.Generate(sh)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), script)
			fmt.Fprintln(cmd.ErrOrStderr(), generator.InstallInstructions(sh))
			return nil
		},
	}

	cmd.Flags().String("shell", "", "Shell type (zsh, bash), auto-detected if not provided")
	return cmd
}

// captureCmd is invoked by the shell hook after every command. It never
// fails: errors are logged and forwarded to Sentry when enabled.
func captureCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "capture [flags] -- <command...>",
		Short:  "Record a command (internal use by shell hooks)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.GetLogger().Capture()

			exitCode, _ := cmd.Flags().GetInt("exit-code")
			duration, _ := cmd.Flags().GetInt64("duration")
			command := strings.Join(args, " ")

			reporter, err := sentry.NewReporter(cfg, release())
			if err != nil {
				log.Debug().Err(err).Msg("Error reporting unavailable")
			}
			defer reporter.Close()

			defer func() {
				if r := recover(); r != nil {
					reporter.ReportError(fmt.Errorf("panic: %v", r), "capture", map[string]string{"phase": "panic_recovery"})
					log.Error().Interface("panic", r).Msg("Capture panicked")
				}
			}()

			store, cleanup, err := openStore(cfg)
			if err != nil {
				reporter.ReportError(err, "open_store", nil)
				log.Error().Err(err).Msg("Failed to open command store")
				return nil
			}
			defer cleanup()

			pipeline, err := capture.New(store, cfg, capture.WithErrorReporter(reporter))
			if err != nil {
				reporter.ReportError(err, "build_pipeline", nil)
				log.Error().Err(err).Msg("Failed to build capture pipeline")
				return nil
			}

			result := pipeline.Capture(cmd.Context(), command, exitCode, duration)
			log.Debug().Str("result", result.String()).Msg("Capture finished")
			return nil
		},
	}

	cmd.Flags().Int("exit-code", 0, "Exit code of the command")
	cmd.Flags().Int64("duration", 0, "Command duration in milliseconds")
	return cmd
}

func searchCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search command history",
		Long: `Search for commands containing a literal phrase. Characters such as
quotes, dots, slashes and * carry no special meaning.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			limit := limitFlag(cmd, cfg)
			categoryName, _ := cmd.Flags().GetString("category")
			successOnly, _ := cmd.Flags().GetBool("success")
			failedOnly, _ := cmd.Flags().GetBool("failed")

			if successOnly && failedOnly {
				return fmt.Errorf("--success and --failed cannot be used together")
			}
			dir, recursive, err := directoryFilter(cmd)
			if err != nil {
				return err
			}

			q := storage.SearchQuery{
				Text:       query,
				Category:   categoryName,
				WorkingDir: dir,
				Recursive:  recursive,
				Limit:      limit,
				OrderBy:    storage.OrderByRelevance,
			}
			if successOnly || failedOnly {
				q.SuccessOnly = &successOnly
			}

			store, cleanup, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := store.Search(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			p := output.New(cmd.OutOrStdout(), cfg.Output)
			if len(results) == 0 {
				p.Println("No commands found matching '%s'", query)
				return nil
			}

			p.Header("Found %d matching command(s):", len(results))
			p.Records(results, output.LayoutSearch)
			return nil
		},
	}

	addLimitFlag(cmd)
	cmd.Flags().StringP("category", "c", "", "Filter by category")
	cmd.Flags().Bool("success", false, "Only commands that exited with 0")
	cmd.Flags().Bool("failed", false, "Only commands that exited non-zero")
	addDirectoryFlags(cmd)
	return cmd
}

func hereCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "here",
		Short: "Show commands executed in the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirFlag, _ := cmd.Flags().GetString("dir")
			recursive, _ := cmd.Flags().GetBool("recursive")
			limit := limitFlag(cmd, cfg)

			dir, err := resolveDirectory(dirFlag)
			if err != nil {
				return err
			}

			store, cleanup, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := store.Recent(cmd.Context(), limit, dir, recursive)
			if err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}

			p := output.New(cmd.OutOrStdout(), cfg.Output)
			if len(results) == 0 {
				p.Println("No commands in history for this directory.")
				return nil
			}

			mode := "(exact match)"
			if recursive {
				mode = "(recursive)"
			}
			p.Header("Showing commands in: %s %s", dir, mode)
			p.Println("Found %d command(s):\n", len(results))
			p.Records(results, output.LayoutHere)
			return nil
		},
	}

	addLimitFlag(cmd)
	addDirectoryFlags(cmd)
	return cmd
}

// countArg parses an optional positional count
func countArg(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	var n int
	if _, err := fmt.Sscanf(args[0], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid count %q: must be a positive integer", args[0])
	}
	return n, nil
}

func recentCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recent [n]",
		Short: "Show recent commands",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := countArg(args, 20)
			if err != nil {
				return err
			}
			dir, recursive, err := directoryFilter(cmd)
			if err != nil {
				return err
			}

			store, cleanup, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := store.Recent(cmd.Context(), n, dir, recursive)
			if err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}

			p := output.New(cmd.OutOrStdout(), cfg.Output)
			if len(results) == 0 {
				p.Println("No commands in history yet.")
				return nil
			}

			p.Header("Most recent %d command(s):", len(results))
			p.Records(results, output.LayoutRecent)
			return nil
		},
	}

	addDirectoryFlags(cmd)
	return cmd
}

func topCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "top [n]",
		Short: "Show most frequently used commands",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := countArg(args, 10)
			if err != nil {
				return err
			}
			dir, recursive, err := directoryFilter(cmd)
			if err != nil {
				return err
			}

			store, cleanup, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := store.Top(cmd.Context(), n, dir, recursive)
			if err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}

			p := output.New(cmd.OutOrStdout(), cfg.Output)
			if len(results) == 0 {
				p.Println("No commands in history yet.")
				return nil
			}

			p.Header("Top %d most frequently used command(s):", len(results))
			p.Records(results, output.LayoutTop)
			return nil
		},
	}

	addDirectoryFlags(cmd)
	return cmd
}

func categoryCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "category <name>",
		Short: "Filter commands by category (git, docker, ...)",
		Long: fmt.Sprintf(`Show the most used commands in a category.

Categories: %s, %s`, strings.Join(category.Categories(), ", "), category.Other),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToLower(strings.TrimSpace(args[0]))
			limit := limitFlag(cmd, cfg)

			dir, recursive, err := directoryFilter(cmd)
			if err != nil {
				return err
			}

			store, cleanup, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := store.ByCategory(cmd.Context(), name, limit, dir, recursive)
			if err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}

			p := output.New(cmd.OutOrStdout(), cfg.Output)
			if len(results) == 0 {
				p.Println("No commands found in category '%s'", name)
				if !category.IsKnown(name) {
					p.Warning("'%s' is not a built-in category. Known categories: %s, %s",
						name, strings.Join(category.Categories(), ", "), category.Other)
				}
				return nil
			}

			p.Header("Commands in category '%s' (%d found):", name, len(results))
			p.Records(results, output.LayoutCategory)
			return nil
		},
	}

	addLimitFlag(cmd)
	addDirectoryFlags(cmd)
	return cmd
}

func statsCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show usage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to compute statistics: %w", err)
			}

			p := output.New(cmd.OutOrStdout(), cfg.Output)
			p.Stats(stats, cfg.Capture.MaxHistorySize)

			info, err := storageInfo(cmd.Context(), store)
			if err != nil {
				return err
			}
			p.Storage(info)

			if check, _ := cmd.Flags().GetBool("check"); check {
				if err := store.Database().CheckIntegrity(); err != nil {
					p.Error("Integrity check failed: %v", err)
					return err
				}
				p.Success("Integrity check passed")
			}
			return nil
		},
	}

	cmd.Flags().Bool("check", false, "Also verify database and text index integrity")
	return cmd
}

// storageInfo collects the storage section of the stats report
func storageInfo(ctx context.Context, store *storage.Store) (output.StorageInfo, error) {
	db := store.Database()
	info := output.StorageInfo{Path: db.GetPath()}

	size, err := db.GetSize()
	if err != nil {
		return info, err
	}
	info.SizeBytes = size

	migrations, err := db.GetMigrator().GetMigrationHistory()
	if err != nil {
		return info, err
	}
	if len(migrations) > 0 {
		latest := migrations[len(migrations)-1]
		info.SchemaVersion = latest.Version
		info.MigratedAt = time.UnixMilli(latest.AppliedAt)
	}

	matcher := store.TextMatcher()
	switch {
	case !matcher.Available(ctx):
		info.TextSearch = "scan (" + matcher.Name() + " unavailable)"
	default:
		info.TextSearch = matcher.Name()
	}

	if idx, ok := matcher.(*search.Index); ok {
		docs, err := idx.DocCount()
		if err == nil {
			info.IndexedDocs = &docs
			info.IndexPath = idx.Path()
		}
	}
	return info, nil
}

func exportCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Export command history to JSON or YAML",
		Long: `Export the whole history to a file (default history.json). The format
follows the extension: .yaml or .yml writes YAML, anything else JSON.
Use - to write JSON to stdout.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := "history.json"
			if len(args) > 0 {
				file = args[0]
			}

			store, cleanup, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if file == "-" {
				_, err := history.ExportTo(cmd.Context(), store, cmd.OutOrStdout(), history.FormatJSON)
				return err
			}

			p := output.New(cmd.OutOrStdout(), cfg.Output)
			p.Println("Exporting command history to %s...", file)

			result, err := history.Export(cmd.Context(), store, file)
			if err != nil {
				p.Error("Export failed: %v", err)
				return err
			}

			p.Println("")
			p.Success("Export successful!")
			p.Println("  Commands exported: %d", result.ExportedRecords)
			p.Println("  File: %s", result.OutputFile)
			p.Println("  Format: %s", result.Format)
			return nil
		},
	}
}

func importCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import command history from JSON or YAML",
		Long: `Merge a snapshot produced by export into the history.

Strategies for commands already present (same text and directory):
  preserve-higher  keep whichever usage count is higher (default)
  skip             leave the existing command untouched
  update-usage     add the imported usage count to the existing one`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := args[0]
			strategyName, _ := cmd.Flags().GetString("strategy")

			strategy, err := history.ParseStrategy(strategyName)
			if err != nil {
				return err
			}

			if _, err := os.Stat(file); os.IsNotExist(err) {
				return fmt.Errorf("file '%s' not found", file)
			}

			store, cleanup, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			p := output.New(cmd.OutOrStdout(), cfg.Output)
			p.Println("Importing command history from %s...", file)

			var stats *history.ImportStats
			err = lock.WithLock(cmd.Context(), cfg.LockPath(), cfg.GetLockTimeout(), func() error {
				var importErr error
				stats, importErr = history.Import(cmd.Context(), store, file, strategy)
				return importErr
			})
			if err != nil {
				p.Error("Import failed: %v", err)
				return err
			}

			p.Println("")
			p.Success("Import successful!")
			p.Println("  Total commands in file: %d", stats.Total)
			p.Println("  New commands imported: %d", stats.Imported)
			p.Println("  Existing commands updated: %d", stats.Updated)
			p.Println("  Duplicates skipped: %d", stats.Skipped)
			p.Println("\n%s", stats.Summary())
			return nil
		},
	}

	cmd.Flags().String("strategy", history.DefaultStrategy.String(), "Merge strategy: preserve-higher, skip, update-usage")
	return cmd
}

func configCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showPath, _ := cmd.Flags().GetBool("path"); showPath {
				fmt.Fprintln(cmd.OutOrStdout(), cfg.Path)
				return nil
			}

			redactor, err := cfg.Redactor()
			if err != nil {
				return err
			}
			privacy := "disabled"
			if redactor.Enabled() {
				privacy = "enabled"
			}

			data, err := cfg.Encode()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "# %s\n", cfg.Path)
			fmt.Fprintf(w, "# Storage: %s at %s\n", cfg.Storage.Type, cfg.DatabasePath())
			fmt.Fprintf(w, "# Privacy: %s (patterns: %d)\n", privacy, redactor.PatternCount())
			fmt.Fprintf(w, "# Capture: min_duration=%dms, max_history=%d\n\n",
				cfg.Capture.MinDurationMS, cfg.Capture.MaxHistorySize)
			_, err = w.Write(data)
			return err
		},
	}

	cmd.Flags().Bool("path", false, "Only print the config file path")
	return cmd
}

func versionCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := semver.NewVersion(version)
			if err != nil {
				return fmt.Errorf("invalid build version %q: %w", version, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), `omniscient v%s

Build Date:   %s
Commit:       %s
OS/Arch:      %s/%s
Go Version:   %s
Snapshot:     v%s
Search:       %s
`, v.String(), date, commit, runtime.GOOS, runtime.GOARCH, runtime.Version(),
				history.SnapshotVersion, cfg.Search.Engine)
			return nil
		},
	}
}
