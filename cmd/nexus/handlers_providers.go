package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-core/internal/agent"
)

// =============================================================================
// Provider Command Handlers
// =============================================================================

func runProvidersHealth(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer closeApp(a)

	results := a.runtime.Health(cmd.Context())
	printHealth(cmd.OutOrStdout(), results)
	for _, h := range results {
		if h.Usable {
			return nil
		}
	}
	return &exitError{code: 1, err: fmt.Errorf("no usable provider among %d configured", len(results))}
}

func printHealth(w io.Writer, results []agent.Health) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tREACHABLE\tUSABLE\tLATENCY\tERROR")
	for _, h := range results {
		detail := "-"
		if h.Err != nil {
			detail = preview(h.Err.Error())
		}
		fmt.Fprintf(tw, "%s\t%t\t%t\t%s\t%s\n",
			h.Provider, h.Reachable, h.Usable, h.Latency.Round(time.Millisecond), detail)
	}
	_ = tw.Flush()
}
