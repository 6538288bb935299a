package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"mlsync/internal/app"
	"mlsync/internal/config"
	"mlsync/internal/library"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
		os.Exit(1)
	}
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	path := defaults["config_path"]
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, path, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "run", "import").
func newApp(ctx context.Context, operation string) (*app.App, error) {
	cfg, _, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

func printReport(r *library.CycleReport) {
	actions := make([]string, 0, len(r.Actions))
	for a, n := range r.Actions {
		actions = append(actions, fmt.Sprintf("%s=%d", a, n))
	}
	sort.Strings(actions)
	fmt.Printf("Actions: %s\n", strings.Join(actions, " "))
	fmt.Printf("Links removed: %d  Archived: %d  Errors: %d\n", r.LinksRemoved, r.Archived, r.Errors)
	if len(r.UnhealthyDirs) > 0 {
		fmt.Printf("Skipped unhealthy mounts: %s\n", strings.Join(r.UnhealthyDirs, ", "))
	}
	if r.Cancelled {
		fmt.Println("Cancelled before completion.")
	}
}

var rootCmd = &cobra.Command{
	Use:          "mlsync",
	Short:        "Keep a media library of symlinks in sync with download directories",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Set library_root and watch_dirs before running a sync.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Library Root: %s\n", cfg.LibraryRoot)
		fmt.Printf("Watch Dirs:   %s\n", strings.Join(cfg.WatchDirs, ", "))
		fmt.Printf("Database:     %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Workers:      %d\n", cfg.PoolSize())
		fmt.Printf("Vault:        %s\n", cfg.Vault.Type)
		fmt.Printf("Encryption:   %s\n", cfg.Encryption.Type)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate the snapshot encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := app.SetupKeys(cfg, pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Printf("Keys written to %s and %s\n", cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the download directories and keep the library in sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")

		a, err := newApp(cmd.Context(), "run")
		if err != nil {
			return err
		}
		defer a.Close()

		if !once {
			return a.RunLoop(cmd.Context())
		}

		report, err := a.RunOnce(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		printReport(report)
		fmt.Printf("Finished in %s\n", a.Elapsed().Truncate(time.Millisecond))
		return nil
	},
}

// reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile PATH...",
	Short: "Reconcile specific files or directories now",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "reconcile")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Reconcile(cmd.Context(), args)
		if err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}
		printReport(report)
		return nil
	},
}

// cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup [PATH]",
	Short: "Remove links to a deleted source, or sweep the whole library",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "cleanup")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			n, err := a.Cleanup(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}
			fmt.Printf("Removed %d link(s)\n", n)
			return nil
		}

		r, err := a.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		fmt.Printf("Scanned %d link(s): %d broken removed, %d duplicate removed, %d adopted, %d fixed, %d stale record(s) dropped\n",
			r.LinksScanned, r.BrokenRemoved, r.DuplicatesRemoved, r.Adopted, r.RecordsFixed, r.StaleDeleted)
		if r.TerminalLinks > 0 {
			fmt.Printf("Left %d link(s) to skipped or failed sources untouched\n", r.TerminalLinks)
		}
		if len(r.PausedDirs) > 0 {
			fmt.Printf("Skipped unhealthy mounts: %s (%d item(s) left alone)\n", strings.Join(r.PausedDirs, ", "), r.Paused)
		}
		return nil
	},
}

// missing command
var missingCmd = &cobra.Command{
	Use:   "missing",
	Short: "List indexed sources that no longer exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "missing")
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.FindMissing(cmd.Context())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No missing sources.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s -> %s\n", r.SourcePath, r.Destination())
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "history")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt.Valid {
				d := r.FinishedAt.Time.Sub(r.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-10s  %s  %-10s  +%d -%d !%d  %s\n",
				r.ID,
				r.Operation,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Status,
				r.Added,
				r.Removed,
				r.Failed,
				duration,
			)
		}
		return nil
	},
}

// index command
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect and maintain the index",
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "stats")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Records:  %d\n", s.TotalRecords)
		fmt.Printf("Terminal: %d\n", s.TerminalRecords)
		fmt.Printf("Archived: %d\n", s.ArchivedRecords)
		fmt.Printf("Size:     %d bytes\n", s.StoreSize)
		return nil
	},
}

var indexSearchCmd = &cobra.Command{
	Use:   "search PATTERN",
	Short: "Find records by source or destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "search")
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.Search(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No matching records.")
			return nil
		}
		for _, r := range records {
			dest := r.Destination()
			if r.IsTerminal() {
				dest = "[" + r.Reason.String + "]"
			}
			fmt.Printf("#%d  %s -> %s\n", r.ID, r.SourcePath, dest)
		}
		return nil
	},
}

var indexExportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Write source,destination pairs to a CSV file (.gz or .zst to compress)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "export")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Export(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		fmt.Printf("Exported %d record(s)\n", n)
		return nil
	},
}

var indexImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Load source,destination pairs from a CSV file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "import")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Import(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Printf("Imported %d record(s)\n", n)
		return nil
	},
}

var indexVacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Compact the index database",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "vacuum")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Vacuum(cmd.Context())
	},
}

var indexVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check index integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "verify")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Verify(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Index OK.")
		return nil
	},
}

var indexResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every record and start over",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("reset deletes every record; pass --yes to confirm")
		}

		a, err := newApp(cmd.Context(), "reset")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
		fmt.Println("Index reset.")
		return nil
	},
}

var indexSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Upload a copy of the index to the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "snapshot")
		if err != nil {
			return err
		}
		defer a.Close()

		version, err := a.Snapshot(cmd.Context())
		if err != nil {
			return fmt.Errorf("snapshot failed: %w", err)
		}
		fmt.Printf("Uploaded snapshot version %d\n", version)
		return nil
	},
}

var indexRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Download the latest index snapshot from the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("to")

		a, err := newApp(cmd.Context(), "restore")
		if err != nil {
			return err
		}
		defer a.Close()

		var pass string
		if a.NeedsPassphrase() {
			if pass, err = readPassphrase("Passphrase: "); err != nil {
				return err
			}
		}
		if err := a.Restore(cmd.Context(), dest, pass); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored index to %s\n", dest)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configKeysCmd)

	// index subcommands
	indexCmd.AddCommand(indexStatsCmd)
	indexCmd.AddCommand(indexSearchCmd)
	indexCmd.AddCommand(indexExportCmd)
	indexCmd.AddCommand(indexImportCmd)
	indexCmd.AddCommand(indexVacuumCmd)
	indexCmd.AddCommand(indexVerifyCmd)
	indexCmd.AddCommand(indexResetCmd)
	indexResetCmd.Flags().Bool("yes", false, "Confirm the reset")
	indexCmd.AddCommand(indexSnapshotCmd)
	indexCmd.AddCommand(indexRestoreCmd)
	indexRestoreCmd.Flags().String("to", "", "Path for the restored database (must not exist)")
	indexRestoreCmd.MarkFlagRequired("to")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("once", false, "Run a single sync cycle and exit")
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(missingCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(indexCmd)
}
