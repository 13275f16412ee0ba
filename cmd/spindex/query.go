package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jward/spindex"
)

var (
	flagLimit  int
	flagOffset int
	flagTop    int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the provider index",
	Long:  "Run queries against the provider index built by 'spindex index'.",
}

func init() {
	queryCmd.PersistentFlags().IntVar(&flagLimit, "limit", 50, "pagination limit (max 500)")
	queryCmd.PersistentFlags().IntVar(&flagOffset, "offset", 0, "pagination offset")
	summaryCmd.Flags().IntVar(&flagTop, "top", 10, "number of services to list by provider count")

	queryCmd.AddCommand(servicesCmd)
	queryCmd.AddCommand(providersCmd)
	queryCmd.AddCommand(singletonsCmd)
	queryCmd.AddCommand(originsCmd)
	queryCmd.AddCommand(providerCmd)
	queryCmd.AddCommand(unitsCmd)
	queryCmd.AddCommand(summaryCmd)
}

// --- Helpers ---

// openEngine opens the Engine for the database under the current repo root.
// Opening restores the index; nothing is decoded.
func openEngine() (*spindex.Engine, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting cwd: %w", err)
	}
	dbPath := resolveDBPath(findRepoRoot(cwd))

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found: %s (run 'spindex index' first)", dbPath)
	}
	return spindex.New(dbPath, "", engineOptions("")...)
}

// withQuery opens the engine, runs fn against its QueryBuilder, and writes
// the result envelope for command.
func withQuery(command string, fn func(q *spindex.QueryBuilder) (CLIResult, error)) error {
	engine, err := openEngine()
	if err != nil {
		return outputError(command, err)
	}
	defer engine.Close()

	result, err := fn(engine.Query())
	if err != nil {
		return outputError(command, err)
	}
	result.Command = command
	return outputResult(result)
}

// outputResult marshals a CLIResult to stdout in the selected format.
func outputResult(result CLIResult) error {
	switch flagFormat {
	case "text":
		return outputResultText(os.Stdout, result)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(result)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON and YAML mode the error is written to
// stdout as a CLIResult envelope. In text mode it goes to stderr.
func outputError(command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return err
	}
	_ = outputResult(CLIResult{
		Command: command,
		Error:   err.Error(),
	})
	return err
}

// buildPagination creates a Pagination from CLI flags.
func buildPagination() spindex.Pagination {
	return spindex.Pagination{
		Limit:  flagLimit,
		Offset: flagOffset,
	}
}

// --- Commands ---

var servicesCmd = &cobra.Command{
	Use:   "services [pattern]",
	Short: "List services and their providers",
	Long:  "List services in lexical order. The optional pattern is a glob where '*' matches any run of characters.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := ""
		if len(args) > 0 {
			pattern = args[0]
		}
		return withQuery("services", func(q *spindex.QueryBuilder) (CLIResult, error) {
			page := q.SearchServices(pattern, buildPagination())
			total := page.TotalCount
			return CLIResult{Results: page.Items, TotalCount: &total}, nil
		})
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers <service>",
	Short: "List the providers of a service, most preferred first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery("providers", func(q *spindex.QueryBuilder) (CLIResult, error) {
			return CLIResult{Results: q.Providers(args[0])}, nil
		})
	},
}

var singletonsCmd = &cobra.Command{
	Use:   "singletons",
	Short: "List singleton provider classes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery("singletons", func(q *spindex.QueryBuilder) (CLIResult, error) {
			return CLIResult{Results: q.Singletons()}, nil
		})
	},
}

var originsCmd = &cobra.Command{
	Use:   "origins",
	Short: "List units and the provider classes each one owns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery("origins", func(q *spindex.QueryBuilder) (CLIResult, error) {
			return CLIResult{Results: q.Origins()}, nil
		})
	},
}

var providerCmd = &cobra.Command{
	Use:   "provider <class>",
	Short: "Show the declaration of one provider class",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery("provider", func(q *spindex.QueryBuilder) (CLIResult, error) {
			d, ok := q.ProviderByClass(args[0])
			if !ok {
				return CLIResult{}, fmt.Errorf("no provider named %s", args[0])
			}
			return CLIResult{Results: *d}, nil
		})
	},
}

var unitsCmd = &cobra.Command{
	Use:   "units [path-prefix]",
	Short: "List indexed units",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		return withQuery("units", func(q *spindex.QueryBuilder) (CLIResult, error) {
			page, err := q.Units(prefix, buildPagination())
			if err != nil {
				return CLIResult{}, err
			}
			total := page.TotalCount
			return CLIResult{Results: page.Items, TotalCount: &total}, nil
		})
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show index counts and the services with the most providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery("summary", func(q *spindex.QueryBuilder) (CLIResult, error) {
			sum, err := q.Summary(flagTop)
			if err != nil {
				return CLIResult{}, err
			}
			return CLIResult{Results: *sum}, nil
		})
	},
}

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Print the materialized registry",
	Long:  "Print the registry generated from the provider index. When no unit defines the registry host, nothing is generated and a notice is printed instead.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery("registry", func(q *spindex.QueryBuilder) (CLIResult, error) {
			reg, ok := q.Registry()
			if !ok {
				return CLIResult{Notice: fmt.Sprintf("registry host %s not found; nothing generated", cfg.RegistryHost)}, nil
			}
			return CLIResult{Results: *reg}, nil
		})
	},
}
