package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/jward/spindex"
	"github.com/jward/spindex/scripts"
)

var (
	flagDB           string
	flagFormat       string
	flagConfig       string
	flagVerbose      bool
	flagRegistryHost string
)

// cfg is the effective configuration, loaded before any command runs.
var cfg Config

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "spindex",
	Short:         "Build-time service provider indexer",
	Long:          "Spindex scans Java sources and archives for annotated service providers and materializes them into a registry, re-decoding only what changed since the last run.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting cwd: %w", err)
		}
		loaded, err := loadConfig(cmd, findRepoRoot(cwd), flagConfig)
		if err != nil {
			return err
		}
		cfg = *loaded
		// Error envelopes follow the configured format from here on.
		flagFormat = cfg.Format
		return validateFormat(cfg.Format)
	},
	// No Run: prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path (default: .spindex/index.db relative to repo root)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "json", "output format: json|text|yaml")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: .spindex.yaml at the repo root)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagRegistryHost, "registry-host", spindex.DefaultRegistryHost, "class whose presence enables registry generation")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(registryCmd)
}

// newLogger returns the CLI logger at the configured verbosity.
func newLogger() *log.Logger {
	level := log.WarnLevel
	if cfg.Verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{Prefix: "spindex", Level: level})
}

// engineOptions maps the configuration onto Engine options. Script source:
// scriptsDir overrides the embedded FS.
func engineOptions(scriptsDir string) []spindex.Option {
	opts := []spindex.Option{
		spindex.WithLogger(newLogger()),
		spindex.WithRegistryHost(cfg.RegistryHost),
		spindex.WithParallel(cfg.Parallel),
		spindex.WithArchives(cfg.Archives),
	}
	if cfg.Annotation != "" {
		opts = append(opts, spindex.WithAnnotation(cfg.Annotation))
	}
	if len(cfg.SkipPatterns) > 0 {
		opts = append(opts, spindex.WithSkipPatterns(cfg.SkipPatterns...))
	}
	if scriptsDir == "" {
		opts = append(opts, spindex.WithScriptsFS(scripts.FS))
	}
	return opts
}

// findRepoRoot walks up from startDir looking for a .git directory.
// Returns the directory containing .git, or startDir if not found.
func findRepoRoot(startDir string) string {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root without finding .git.
			return startDir
		}
		dir = parent
	}
}

// resolveDBPath returns the configured database path or the default.
func resolveDBPath(repoRoot string) string {
	if cfg.DB != "" {
		if filepath.IsAbs(cfg.DB) {
			return cfg.DB
		}
		return filepath.Join(repoRoot, cfg.DB)
	}
	return filepath.Join(repoRoot, ".spindex", "index.db")
}
