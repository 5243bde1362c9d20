// Package shell provides the shell tool: whitelisted commands executed
// directly, without a shell interpreter.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/internal/tools/files"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// DefaultMaxOutput caps captured stdout and stderr, each.
const DefaultMaxOutput = 64 * 1024

// DefaultAllowed is the whitelist used when none is configured. Programs that
// can start other programs are left out; git, go and find may be added and
// are then limited by their argument rules.
var DefaultAllowed = []string{"ls", "cat", "echo", "pwd", "head", "tail", "wc", "grep", "date"}

// Config configures the shell tool.
type Config struct {
	Workspace string
	Allowed   []string
	MaxOutput int
	Timeout   time.Duration
}

type args struct {
	Command string `json:"command" jsonschema:"description=Command line to run. The program must be on the allow list. Pipes and redirection are not supported."`
	Cwd     string `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace root"`
}

// Tool runs whitelisted commands in the workspace.
type Tool struct {
	resolver  files.Resolver
	allowed   []string
	maxOutput int
	timeout   time.Duration
}

// New creates the shell tool.
func New(cfg Config) *Tool {
	allowed := cfg.Allowed
	if len(allowed) == 0 {
		allowed = DefaultAllowed
	}
	allowed = slices.Clone(allowed)
	slices.Sort(allowed)
	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &Tool{
		resolver:  files.Resolver{Root: cfg.Workspace},
		allowed:   slices.Compact(allowed),
		maxOutput: maxOutput,
		timeout:   cfg.Timeout,
	}
}

func (t *Tool) Name() string { return "shell" }

func (t *Tool) Description() string {
	return fmt.Sprintf("Run a command in the workspace. Allowed programs: %s.", strings.Join(t.allowed, ", "))
}

func (t *Tool) Schema() json.RawMessage { return tools.SchemaFor[args]() }

func (t *Tool) Capabilities() []tools.Capability {
	return []tools.Capability{tools.CapabilityShell}
}

func (t *Tool) Permitted() []models.AutonomyLevel {
	return []models.AutonomyLevel{models.AutonomySupervised, models.AutonomyFull}
}

func (t *Tool) Priority() int { return 10 }

// Allowed returns the sorted whitelist.
func (t *Tool) Allowed() []string { return slices.Clone(t.allowed) }

// Execute parses and runs the command. Rejections and non-zero exits are
// reported as failed results; stdout is returned trimmed on success.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input args
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	argv, err := Split(input.Command)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	if err := t.check(argv[0]); err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	if argv, err = checkArgs(argv); err != nil {
		return tools.ErrorResult(err.Error()), nil
	}

	dir := input.Cwd
	if dir == "" {
		dir = "."
	}
	resolved, err := t.resolver.Resolve(dir)
	if err != nil {
		return nil, err
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = resolved
	stdout := newLimitedBuffer(t.maxOutput)
	stderr := newLimitedBuffer(t.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	if err := errs.FromContext(ctx, "shell"); err != nil {
		return nil, err
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = strings.TrimSpace(stdout.String())
			}
			return tools.ErrorResult(fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), msg)), nil
		}
		return tools.ErrorResult(fmt.Sprintf("run %s: %v", argv[0], runErr)), nil
	}
	return tools.TextResult(strings.TrimSpace(stdout.String())), nil
}

func (t *Tool) check(program string) error {
	if strings.ContainsRune(program, '/') || strings.ContainsRune(program, filepath.Separator) {
		return errs.Newf(errs.PermissionDenied, "program %q must be a bare name from the allow list", program)
	}
	if _, found := slices.BinarySearch(t.allowed, program); !found {
		return errs.Newf(errs.PermissionDenied, "command %q is not allowed", program)
	}
	return nil
}

// Split tokenises a command line. Single and double quotes group words and a
// backslash escapes the next character outside single quotes. Shell operators
// outside quotes are rejected rather than interpreted.
func Split(line string) ([]string, error) {
	var (
		argv    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			case '$', '`':
				return nil, errs.Newf(errs.InvalidArgument, "substitution %q is not supported", r)
			default:
				cur.WriteRune(r)
			}
		case r == '\\':
			escaped, inWord = true, true
		case r == '\'' || r == '"':
			quote, inWord = r, true
		case r == ' ' || r == '\t':
			if inWord {
				argv = append(argv, cur.String())
				cur.Reset()
				inWord = false
			}
		case strings.ContainsRune(";|&<>$`(){}\n\r*?[]~", r):
			return nil, errs.Newf(errs.InvalidArgument, "shell operator %q is not supported", r)
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return nil, errs.New(errs.InvalidArgument, "unterminated quote or escape")
	}
	if inWord {
		argv = append(argv, cur.String())
	}
	if len(argv) == 0 {
		return nil, errs.New(errs.InvalidArgument, "command is required")
	}
	return argv, nil
}
