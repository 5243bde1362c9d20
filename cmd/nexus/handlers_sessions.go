package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-core/internal/conversation"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/sessions"
)

// =============================================================================
// Sessions Command Handlers
// =============================================================================

// openManager opens only the session store; no provider is needed to read or
// edit stored sessions. The returned close function saves and closes the store.
func openManager(configPath string) (*sessions.Manager, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         os.Stderr,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	store, err := openSessionStore(cfg.Sessions)
	if err != nil {
		return nil, nil, err
	}
	manager := sessions.NewManager(store,
		sessions.WithLogger(logger),
		sessions.WithDefaults(sessions.Defaults{HistorySize: cfg.Sessions.HistorySize}),
	)
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(ctx); err != nil {
			logger.Warn("session store close failed", "error", err)
		}
	}
	return manager, closeFn, nil
}

func runSessionsList(cmd *cobra.Command, configPath string) error {
	manager, closeFn, err := openManager(configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	infos, err := manager.ListInfo(cmd.Context())
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tMODEL\tNODES\tLAST ACTIVE")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			info.ID, dash(info.Name), dash(info.Provider), dash(info.Model), info.NodeCount,
			info.LastActive.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, configPath, id string, asJSON bool) error {
	manager, closeFn, err := openManager(configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	s, err := manager.Load(cmd.Context(), id)
	if err != nil {
		return err
	}
	tree := s.Tree()
	out := cmd.OutOrStdout()

	if !asJSON {
		info := s.Info()
		fmt.Fprintf(out, "Session %s (%s)\n", info.ID, dash(info.Name))
		fmt.Fprintf(out, "Provider: %s  Model: %s  Nodes: %d\n\n", dash(info.Provider), dash(info.Model), info.NodeCount)
		return renderTree(out, tree)
	}

	cursor, ok := tree.Cursor()
	if !ok {
		fmt.Fprintln(out, "[]")
		return nil
	}
	msgs, err := tree.Linearize(cursor, conversation.LinearizeOptions{})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(msgs)
}

func runSessionsDelete(cmd *cobra.Command, configPath, id string) error {
	manager, closeFn, err := openManager(configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := manager.Delete(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", id)
	return nil
}

func runSessionsBranch(cmd *cobra.Command, configPath, id, ref string) error {
	manager, closeFn, err := openManager(configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := cmd.Context()
	s, err := manager.Load(ctx, id)
	if err != nil {
		return err
	}
	tree := s.Tree()
	h, err := resolveNode(tree, ref)
	if err != nil {
		return err
	}
	if err := tree.BranchFrom(h); err != nil {
		return err
	}
	s.Touch()
	if err := manager.Save(ctx, s); err != nil {
		return err
	}
	node, err := tree.Node(h)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s now continues from %s (%s)\n", s.ID, shortID(node.ID), node.Kind)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
