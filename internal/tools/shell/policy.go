package shell

import (
	"slices"
	"strings"

	"github.com/haasonsaas/nexus-core/internal/errs"
)

// argRule vets the arguments of a program that can start other programs or
// change files, and may rewrite argv to pin safe settings.
type argRule func(argv []string) ([]string, error)

// argRules apply when the program is on the allow list. Programs without a
// rule run with their arguments unchanged.
var argRules = map[string]argRule{
	"find": checkFind,
	"git":  checkGit,
	"go":   checkGo,
}

func checkArgs(argv []string) ([]string, error) {
	rule, ok := argRules[argv[0]]
	if !ok {
		return argv, nil
	}
	return rule(argv)
}

func denied(program, arg string) error {
	return errs.Newf(errs.PermissionDenied, "%s argument %q is not allowed", program, arg)
}

// findActions run commands or write files.
var findActions = []string{"-exec", "-execdir", "-ok", "-okdir", "-delete", "-fls"}

func checkFind(argv []string) ([]string, error) {
	for _, arg := range argv[1:] {
		if slices.Contains(findActions, arg) || strings.HasPrefix(arg, "-fprint") {
			return nil, denied("find", arg)
		}
	}
	return argv, nil
}

// gitReadOnly are built-in subcommands that only read the repository. Aliases
// cannot shadow built-ins, so restricting the subcommand also rules out
// "!command" aliases.
var gitReadOnly = []string{"status", "log", "diff", "show", "ls-files", "rev-parse"}

// gitDenied are options that write files or run helpers.
var gitDenied = []string{"--output", "--ext-diff", "--textconv", "--exec-path", "--upload-pack", "--config-env"}

func checkGit(argv []string) ([]string, error) {
	if len(argv) < 2 {
		return nil, errs.New(errs.InvalidArgument, "git needs a subcommand")
	}
	// Global options such as -c and -C come before the subcommand.
	sub := argv[1]
	if strings.HasPrefix(sub, "-") {
		return nil, denied("git", sub)
	}
	if !slices.Contains(gitReadOnly, sub) {
		return nil, errs.Newf(errs.PermissionDenied, "git %s is not allowed; read-only subcommands: %s", sub, strings.Join(gitReadOnly, ", "))
	}
	for _, arg := range argv[2:] {
		name, _, _ := strings.Cut(arg, "=")
		if slices.Contains(gitDenied, name) {
			return nil, denied("git", arg)
		}
	}

	// Repository config can name hooks and external diff programs.
	out := []string{"git", "--no-pager", "-c", "core.fsmonitor=false", "-c", "core.hooksPath=/dev/null", sub}
	switch sub {
	case "diff", "log", "show":
		out = append(out, "--no-ext-diff", "--no-textconv")
	}
	return append(out, argv[2:]...), nil
}

// goReadOnly are go subcommands that neither build nor run code.
var goReadOnly = []string{"version", "env", "list", "doc"}

func checkGo(argv []string) ([]string, error) {
	if len(argv) < 2 || !slices.Contains(goReadOnly, argv[1]) {
		sub := ""
		if len(argv) > 1 {
			sub = argv[1]
		}
		return nil, errs.Newf(errs.PermissionDenied, "go %s is not allowed; read-only subcommands: %s", sub, strings.Join(goReadOnly, ", "))
	}
	for _, arg := range argv[2:] {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		switch name {
		case "toolexec", "exec", "w", "u":
			return nil, denied("go", arg)
		}
	}
	return argv, nil
}
