package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-core/internal/agent/tape"
	"github.com/haasonsaas/nexus-core/internal/config"
	"github.com/haasonsaas/nexus-core/internal/errs"
)

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid (version %d)\n", configPath, cfg.Version)
	fmt.Fprintf(out, "  providers: %s\n", strings.Join(cfg.ProviderNames(), ", "))
	fmt.Fprintf(out, "  autonomy:  %s\n", cfg.Agent.AutonomyLevel)
	fmt.Fprintf(out, "  sessions:  %s\n", cfg.Sessions.Store)
	if cfg.Memory.Enabled {
		fmt.Fprintf(out, "  memory:    %s\n", cfg.Memory.Backend)
	}
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// =============================================================================
// Tape Command Handlers
// =============================================================================

func runTapeInspect(cmd *cobra.Command, path string) error {
	if _, err := os.Stat(path); err != nil {
		return errs.Wrapf(errs.InvalidArgument, err, "tape %s", path)
	}
	t, err := tape.Load(path)
	if err != nil {
		return errs.Wrapf(errs.InvalidArgument, err, "load tape %s", path)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(t.Summary())
}
