package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jward/spindex"
)

// formatServicesText formats services with their ordered providers.
func formatServicesText(w io.Writer, services []spindex.ServiceResult) {
	for _, s := range services {
		fmt.Fprintln(w, s.Service)
		for _, p := range s.Providers {
			fmt.Fprintf(w, "  %s (%d)\n", p.ClassName, p.Priority)
		}
	}
}

// formatProvidersText formats provider entries as aligned columns.
func formatProvidersText(w io.Writer, providers []spindex.ProviderInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tPRIORITY")
	for _, p := range providers {
		fmt.Fprintf(tw, "%s\t%d\n", p.ClassName, p.Priority)
	}
	tw.Flush()
}

// formatOriginsText formats units and the classes they own.
func formatOriginsText(w io.Writer, origins []spindex.OriginResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ORIGIN\tHOST\tPROVIDERS")
	for _, o := range origins {
		host := ""
		if o.Host {
			host = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", o.Origin, host, strings.Join(o.Providers, ", "))
	}
	tw.Flush()
}

// formatProviderDetailText formats one provider declaration.
func formatProviderDetailText(w io.Writer, d spindex.ProviderDetail) {
	fmt.Fprintf(w, "Provider: %s\n", d.ClassName)
	fmt.Fprintf(w, "Origin: %s\n", d.Origin)
	fmt.Fprintf(w, "Singleton: %t\n", d.Singleton)
	fmt.Fprintln(w, "Services:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, svc := range d.Services {
		fmt.Fprintf(tw, "  %s\t%d\n", svc, d.Priorities[i])
	}
	tw.Flush()
}

// formatUnitsText formats indexed units as aligned columns.
func formatUnitsText(w io.Writer, units []spindex.Unit) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tHOST\tINDEXED")
	for _, u := range units {
		host := ""
		if u.IsHost {
			host = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", u.Path, host, u.LastIndexed.Format(time.RFC3339))
	}
	tw.Flush()
}

// formatSummaryText formats the index summary as readable text.
func formatSummaryText(w io.Writer, sum spindex.Summary) {
	fmt.Fprintln(w, "Index Summary")
	fmt.Fprintln(w, "=============")
	fmt.Fprintf(w, "Units: %d\n", sum.Units)
	fmt.Fprintf(w, "Providers: %d (%d singletons)\n", sum.Providers, sum.Singletons)
	fmt.Fprintf(w, "Services: %d\n", sum.Services)
	if sum.Host != "" {
		fmt.Fprintf(w, "Registry host: %s\n", sum.Host)
	} else {
		fmt.Fprintln(w, "Registry host: not found")
	}

	if len(sum.TopServices) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Top Services by Providers:")
		for _, s := range sum.TopServices {
			fmt.Fprintf(w, "  %s - %d providers\n", s.Service, s.Providers)
		}
	}
}

// formatRegistryText formats the registry: singleton slots first, then each
// service's references in order.
func formatRegistryText(w io.Writer, reg spindex.Registry) {
	fmt.Fprintf(w, "Host: %s\n", reg.Host)
	if len(reg.Singletons) > 0 {
		fmt.Fprintln(w, "Singletons:")
		for _, s := range reg.Singletons {
			fmt.Fprintf(w, "  [%d] %s\n", s.Slot, s.ClassName)
		}
	}
	fmt.Fprintln(w, "Services:")
	for _, b := range reg.Services {
		fmt.Fprintf(w, "  %s\n", b.Service)
		for _, ref := range b.Providers {
			if ref.Slot != nil {
				fmt.Fprintf(w, "    %s %s [%d]\n", ref.Kind, ref.ClassName, *ref.Slot)
			} else {
				fmt.Fprintf(w, "    %s %s\n", ref.Kind, ref.ClassName)
			}
		}
	}
}

// outputResultText dispatches to the appropriate text formatter based on the
// result type.
func outputResultText(w io.Writer, result CLIResult) error {
	switch v := result.Results.(type) {
	case []spindex.ServiceResult:
		formatServicesText(w, v)
	case []spindex.ProviderInfo:
		formatProvidersText(w, v)
	case []string:
		for _, s := range v {
			fmt.Fprintln(w, s)
		}
	case []spindex.OriginResult:
		formatOriginsText(w, v)
	case spindex.ProviderDetail:
		formatProviderDetailText(w, v)
	case []spindex.Unit:
		formatUnitsText(w, v)
	case spindex.Summary:
		formatSummaryText(w, v)
	case spindex.Registry:
		formatRegistryText(w, v)
	case nil:
		// No output for nil results (e.g. registry without a host).
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}

	if result.Notice != "" {
		fmt.Fprintln(w, result.Notice)
	}

	// Pagination footer.
	if result.TotalCount != nil {
		count := *result.TotalCount
		shown := resultLen(result.Results)
		if shown < count {
			fmt.Fprintf(w, "\nShowing %d of %d results\n", shown, count)
		}
	}

	return nil
}

// resultLen returns the length of a result slice, or 1 for a single value.
func resultLen(v any) int {
	switch r := v.(type) {
	case []spindex.ServiceResult:
		return len(r)
	case []spindex.ProviderInfo:
		return len(r)
	case []string:
		return len(r)
	case []spindex.OriginResult:
		return len(r)
	case []spindex.Unit:
		return len(r)
	case nil:
		return 0
	default:
		return 1
	}
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text", "yaml"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be one of %s", format, strings.Join(validFormats, ", "))
}
