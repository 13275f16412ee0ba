package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jward/spindex"
)

var (
	flagForce      bool
	flagFull       bool
	flagScriptsDir string
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index service providers under a directory",
	Long:  "Discovers Java sources and archives, decodes the ones that changed since the last run, and updates the provider index and registry in the SQLite database.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&flagForce, "force", false, "delete database and reindex from scratch")
	indexCmd.Flags().BoolVar(&flagFull, "full", false, "decode every unit, keeping the database")
	indexCmd.Flags().StringVar(&flagScriptsDir, "scripts-dir", "", "load scripts from disk path instead of embedded")
}

func runIndex(cmd *cobra.Command, args []string) error {
	start := time.Now()

	// Determine the target directory.
	targetDir, err := resolveTargetDir(args)
	if err != nil {
		return err
	}

	// Resolve repo root and DB path.
	repoRoot := findRepoRoot(targetDir)
	dbPath := resolveDBPath(repoRoot)

	// Ensure .spindex/ directory exists.
	indexDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", indexDir, err)
	}

	// Handle --force: delete the DB file entirely.
	if flagForce {
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing database for --force: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Cleared database: %s\n", dbPath)
	}

	engine, err := spindex.New(dbPath, flagScriptsDir, engineOptions(flagScriptsDir)...)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer engine.Close()

	ctx := context.Background()
	var report *spindex.PassReport
	if flagFull {
		var paths []string
		paths, err = engine.ListUnits(targetDir)
		if err == nil {
			report, err = engine.Reindex(ctx, paths)
		}
	} else {
		report, err = engine.IndexDirectory(ctx, targetDir)
	}
	if report == nil {
		return fmt.Errorf("indexing: %w", err)
	}

	printIndexSummary(os.Stderr, targetDir, dbPath, report, time.Since(start))
	if err != nil {
		if spindex.IsMalformed(err) {
			return fmt.Errorf("%d unit(s) with malformed provider declarations", len(report.Failed))
		}
		return fmt.Errorf("indexing: %w", err)
	}
	return nil
}

// printIndexSummary writes the human-readable pass summary.
func printIndexSummary(w io.Writer, targetDir, dbPath string, r *spindex.PassReport, d time.Duration) {
	mode := "incremental"
	if r.Full {
		mode = "full"
	}
	fmt.Fprintf(w, "Indexed %s in %s (%s: %d units, %d decoded, %d unchanged)\n",
		targetDir, d.Round(time.Millisecond), mode, r.Units, r.Decoded, r.Unchanged)
	fmt.Fprintf(w, "Providers: %d, services: %d, singletons: %d\n", r.Providers, r.Services, r.Singletons)

	switch {
	case !r.HostPresent:
		fmt.Fprintf(w, "Registry: host %s not found, nothing generated\n", cfg.RegistryHost)
	case r.RegistryChanged:
		fmt.Fprintln(w, "Registry: changed")
	default:
		fmt.Fprintln(w, "Registry: unchanged")
	}

	for _, ev := range r.Evictions {
		fmt.Fprintf(w, "warning: %s declared by both %s and %s; keeping %s\n", ev.ClassName, ev.From, ev.To, ev.To)
	}
	for _, err := range r.ReadErrors {
		fmt.Fprintf(w, "warning: %s\n", err)
	}
	for _, err := range r.Errors {
		fmt.Fprintf(w, "error: %s\n", err)
	}
	fmt.Fprintf(w, "Database: %s\n", dbPath)
}

// resolveTargetDir returns the absolute path of the directory to index.
func resolveTargetDir(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("directory not found: %s", abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}
