// Package main provides the nexus CLI, a terminal front end for the assistant
// runtime.
//
// # Basic Usage
//
// Start an interactive chat:
//
//	nexus chat --config nexus.yaml
//
// Run a single turn:
//
//	nexus ask "summarise the README"
//
// Inspect stored sessions:
//
//	nexus sessions list
//	nexus sessions show <id>
//
// # Environment Variables
//
// A .env file in the working directory is loaded before anything else.
//
//   - NEXUS_CONFIG: Path to configuration file (default: nexus.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, OPENROUTER_API_KEY, GEMINI_API_KEY:
//     used when a provider's api_key is empty
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/haasonsaas/nexus-core/internal/errs"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds to process exit codes.
func exitCode(err error) int {
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	switch errs.KindOf(err) {
	case errs.InvalidArgument, errs.ConfigParse:
		return 2
	case errs.Cancelled:
		return 130
	default:
		slog.Debug("command failed", "kind", errs.KindOf(err).String())
		return 1
	}
}

// exitError carries a specific exit code without an error message of its own.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
