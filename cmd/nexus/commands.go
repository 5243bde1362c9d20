package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// defaultConfigPath honours NEXUS_CONFIG.
func defaultConfigPath() string {
	if path := os.Getenv("NEXUS_CONFIG"); path != "" {
		return path
	}
	return "nexus.yaml"
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:          "nexus",
		Short:        "Nexus - a terminal assistant with tools",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML or JSON5 configuration file")

	rootCmd.AddCommand(
		buildChatCmd(&configPath),
		buildAskCmd(&configPath),
		buildSessionsCmd(&configPath),
		buildProvidersCmd(&configPath),
		buildConfigCmd(&configPath),
		buildTapeCmd(),
	)
	return rootCmd
}

// =============================================================================
// Turn Commands
// =============================================================================

// turnFlags are shared by chat and ask.
type turnFlags struct {
	sessionID string
	stream    bool
	autonomy  string
	yes       bool
	record    string
	replay    string
	strict    bool
}

func (f *turnFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.sessionID, "session", "s", "", "Resume the session with this ID")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "Stream the reply as it is generated")
	cmd.Flags().StringVar(&f.autonomy, "autonomy", "", "Override the autonomy level (readonly, supervised, full)")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Approve supervised tool calls without asking")
	cmd.Flags().StringVar(&f.record, "record", "", "Record provider calls to this tape file")
	cmd.Flags().StringVar(&f.replay, "replay", "", "Answer from a recorded tape instead of calling providers")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "With --replay, report requests that differ from the recording")
	cmd.MarkFlagsMutuallyExclusive("record", "replay")
}

func buildChatCmd(configPath *string) *cobra.Command {
	var flags turnFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: `Start an interactive chat session.

Lines starting with "/" are commands; type /help to list them.
Ctrl-C cancels the running turn; Ctrl-D exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, *configPath, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildAskCmd(configPath *string) *cobra.Command {
	var flags turnFlags
	cmd := &cobra.Command{
		Use:   "ask <text>",
		Short: "Run a single turn and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, *configPath, flags, args)
		},
	}
	flags.register(cmd)
	return cmd
}

// =============================================================================
// Sessions Commands
// =============================================================================

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions, most recently active first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSessionsList(cmd, *configPath)
			},
		},
		buildSessionsShowCmd(configPath),
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSessionsDelete(cmd, *configPath, args[0])
			},
		},
		&cobra.Command{
			Use:   "branch <id> <node>",
			Short: "Move a session's cursor to a node so the next turn branches from it",
			Long: `Move a session's cursor to a node. The node may be given as a unique
prefix of its ID, as printed by "sessions show".`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSessionsBranch(cmd, *configPath, args[0], args[1])
			},
		},
	)
	return cmd
}

func buildSessionsShowCmd(configPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session's conversation tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, *configPath, args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the active path as JSON messages")
	return cmd
}

// =============================================================================
// Provider and Config Commands
// =============================================================================

func buildProvidersCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured LLM providers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check health of every configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersHealth(cmd, *configPath)
		},
	})
	return cmd
}

func buildConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration or print its schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, *configPath)
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON schema of the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
	)
	return cmd
}

func buildTapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tape",
		Short: "Inspect recorded provider tapes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <file>",
		Short: "Summarise a tape written with --record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTapeInspect(cmd, args[0])
		},
	})
	return cmd
}
